// Package sectorio defines the fixed-size sector addressing used
// throughout dm-remap, and the remap entry that binds a main-device
// sector to a spare-device sector.
package sectorio

// SectorSize is the fixed logical sector size in bytes. All addressing
// in the core is expressed in units of sectors.
const SectorSize = 512

// Sector is a logical or physical sector address.
type Sector uint64

// ByteOffset returns the byte offset of s on a device addressed in
// SectorSize units.
func (s Sector) ByteOffset() int64 {
	return int64(s) * SectorSize
}

// ByteRange returns the (offset, length) byte range covered by count
// sectors starting at s.
func ByteRange(s Sector, count Sector) (offset int64, length int64) {
	return s.ByteOffset(), int64(count) * SectorSize
}

// EntryFlags is a bitset describing the lifecycle state of a RemapEntry.
type EntryFlags uint32

const (
	// FlagValid marks an entry as a live, routable mapping.
	FlagValid EntryFlags = 1 << iota
	// FlagDirty marks an entry with an in-flight write that has not
	// yet been acknowledged by the spare device.
	FlagDirty
	// FlagRebuilding marks an entry whose spare-side content is still
	// being populated by the auto-remap worker. Such an entry must not
	// be returned to hot-path lookups as authoritative until it flips
	// to FlagValid.
	FlagRebuilding
)

// Has reports whether all bits in want are set in f.
func (f EntryFlags) Has(want EntryFlags) bool {
	return f&want == want
}

// RemapEntry binds one main-device sector to one spare-device sector.
//
// Invariants (spec §3): MainSector is unique across all VALID entries
// in a table; SpareSector is unique across all VALID entries; SpareSector
// never falls within a metadata reservation range; every VALID entry is
// durably recorded in at least one intact metadata copy before it is
// relied upon across a restart.
type RemapEntry struct {
	MainSector      Sector
	SpareSector     Sector
	Flags           EntryFlags
	CreatedEpoch    uint64
	LastAccessEpoch uint64
}

// Valid reports whether the entry is currently a live mapping.
func (e RemapEntry) Valid() bool {
	return e.Flags.Has(FlagValid)
}
