// Package remaptable implements the resizable open-addressed hash
// index from spec.md §4.1: main_sector -> RemapEntry, with wait-free
// shared-mode reads under typical load and exclusive-mode writers.
//
// The bucket-count/load-factor arithmetic and the linear-probe +
// tombstone lookup algorithm are grounded in the teacher's
// pkg/slotcache package (format.go's computeBucketCount/nextPow2,
// cache.go's lookupKey), adapted from slotcache's mmap'd single-file
// on-disk layout to a plain in-process structure: this table's durable
// form lives in internal/metadata's K-copy superblock, not in a
// standalone mapped file, so there is no header/CRC concern here.
package remaptable

import (
	"sync"

	"github.com/amigatomte/dm-remap/internal/sectorio"
)

// ErrAlreadyMapped is returned by Insert when a VALID entry already
// exists for the given main sector (spec.md §4.1).
type errAlreadyMapped struct{}

func (errAlreadyMapped) Error() string { return "remaptable: main sector already mapped" }

var ErrAlreadyMapped error = errAlreadyMapped{}

// ErrOutOfSpace is returned by Insert when the bucket array cannot
// grow further (spec.md §4.1's 2^32-1 bucket cap).
type errOutOfSpace struct{}

func (errOutOfSpace) Error() string { return "remaptable: bucket array cannot grow further" }

var ErrOutOfSpace error = errOutOfSpace{}

const (
	initialBucketCount = 64
	maxBucketCount     = 1<<32 - 1
	loadFactorScaled   = 150 // resize when count*100/bucketCount > 150
)

// bucket sentinel values for slotPlusOne, following the teacher's
// slotcache convention of storing (slot index + 1) so the zero value
// of a freshly-grown bucket array means EMPTY without an explicit
// initialization pass.
const (
	bucketEmpty     = uint64(0)
	bucketTombstone = ^uint64(0)
)

// bucket is one slot of the open-addressing array: the hash of the
// main sector it indexes, and (slot index + 1) into slots, or one of
// the sentinels above.
type bucket struct {
	hash        uint64
	slotPlusOne uint64
}

// Table is the concurrent, resizable remap index.
//
// Concurrency discipline (spec.md §4.1, §5): a single RWMutex per
// table. Lookup takes it in shared mode; Insert/Invalidate/resize take
// it in exclusive mode. The auto-remap worker inserts an entry flagged
// REBUILDING, releases the lock while it fills the spare sector, then
// invalidates it and inserts the VALID entry. A REBUILDING entry is
// never returned by Lookup or Iter and does not count toward Count;
// a resize in that window does not wait for it and drops its bucket
// reference, and Invalidate still finds it through the slot storage.
type Table struct {
	mu sync.RWMutex

	buckets []bucket
	slots   []sectorio.RemapEntry // append-only; invalidated slots keep their storage but lose FlagValid
	count   int                   // number of currently-VALID entries
}

// New creates an empty table with the spec-mandated initial bucket
// count of 64.
func New() *Table {
	return &Table{buckets: make([]bucket, initialBucketCount)}
}

func fnv1a64(s sectorio.Sector) uint64 {
	const (
		offset = 14695981039346656037
		prime  = 1099511628211
	)

	h := uint64(offset)

	for i := 0; i < 8; i++ {
		b := byte(s >> (8 * i))
		h ^= uint64(b)
		h *= prime
	}

	return h
}

// findLocked probes the bucket array for main sector s, returning the
// slot index of a live (VALID) entry, or -1 if not found. Must be
// called with mu held (shared or exclusive).
func (t *Table) findLocked(s sectorio.Sector) int {
	mask := uint64(len(t.buckets) - 1)
	hash := fnv1a64(s)
	start := hash & mask

	for probe := uint64(0); probe < uint64(len(t.buckets)); probe++ {
		i := (start + probe) & mask

		b := t.buckets[i]
		if b.slotPlusOne == bucketEmpty {
			return -1
		}

		if b.slotPlusOne == bucketTombstone {
			continue
		}

		idx := int(b.slotPlusOne - 1)
		if b.hash == hash && t.slots[idx].MainSector == s && t.slots[idx].Valid() {
			return idx
		}
	}

	return -1
}

// Lookup returns a snapshot of the VALID entry for s, if any.
//
// Safe for concurrent use from the hot path; takes the table lock in
// shared mode only.
func (t *Table) Lookup(s sectorio.Sector) (sectorio.RemapEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx := t.findLocked(s)
	if idx < 0 {
		return sectorio.RemapEntry{}, false
	}

	return t.slots[idx], true
}

// Insert adds entry. Only an entry carrying FlagValid is visible to
// Lookup and Iter and counted by Count. Fails with ErrAlreadyMapped if a
// VALID entry already exists for entry.MainSector, or ErrOutOfSpace if
// the bucket array cannot grow to accommodate it.
func (t *Table) Insert(entry sectorio.RemapEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.findLocked(entry.MainSector) >= 0 {
		return ErrAlreadyMapped
	}

	if t.scaledLoadFactor(t.count+1) > loadFactorScaled {
		if err := t.growLocked(); err != nil {
			return err
		}
	}

	slotIdx := len(t.slots)
	t.slots = append(t.slots, entry)

	if entry.Valid() {
		t.count++
	}

	t.publishLocked(entry.MainSector, slotIdx)

	return nil
}

// Invalidate marks the entry for s as retired: the slot's FlagValid
// bit is cleared immediately so Lookup stops returning it, and its
// bucket-array reference becomes a tombstone. The slot's storage slice
// entry is reclaimed only on the next rebuild (spec.md §4.1). The
// entry may be VALID or REBUILDING; only a VALID one lowers Count.
func (t *Table) Invalidate(s sectorio.Sector) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.findLocked(s)
	wasValid := idx >= 0

	for i := len(t.slots) - 1; idx < 0 && i >= 0; i-- {
		if t.slots[i].MainSector == s && t.slots[i].Flags.Has(sectorio.FlagRebuilding) {
			idx = i
		}
	}

	if idx < 0 {
		return false
	}

	t.slots[idx].Flags &^= sectorio.FlagValid | sectorio.FlagRebuilding

	if wasValid {
		t.count--
	}

	mask := uint64(len(t.buckets) - 1)
	hash := fnv1a64(s)
	start := hash & mask

	for probe := uint64(0); probe < uint64(len(t.buckets)); probe++ {
		i := (start + probe) & mask
		if t.buckets[i].slotPlusOne == uint64(idx)+1 && t.buckets[i].hash == hash {
			t.buckets[i].slotPlusOne = bucketTombstone
			break
		}
	}

	return true
}

// Iter calls fn for every currently-VALID entry, in an internally
// consistent snapshot order (spec.md §4.1's iter() contract: used for
// serialization into the persistent metadata engine). Iteration stops
// early if fn returns false.
func (t *Table) Iter(fn func(sectorio.RemapEntry) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, entry := range t.slots {
		if !entry.Valid() {
			continue
		}

		if !fn(entry) {
			return
		}
	}
}

// Count returns the number of currently-VALID entries.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.count
}

// BucketCount returns the current bucket array size, exposed for
// resize-threshold boundary tests (spec.md §8).
func (t *Table) BucketCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.buckets)
}

func (t *Table) scaledLoadFactor(count int) int {
	return count * 100 / len(t.buckets)
}

// growLocked doubles the bucket array (capped at maxBucketCount) and
// republishes every slot (live or tombstoned storage, but only
// currently-VALID entries get a fresh bucket reference) into it. Must
// be called with mu held exclusively.
func (t *Table) growLocked() error {
	if len(t.buckets) >= maxBucketCount {
		return ErrOutOfSpace
	}

	newCount := len(t.buckets) * 2
	if newCount > maxBucketCount {
		newCount = maxBucketCount
	}

	t.buckets = make([]bucket, newCount)

	for idx, entry := range t.slots {
		if entry.Valid() {
			t.publishLocked(entry.MainSector, idx)
		}
	}

	return nil
}

// publishLocked writes a bucket-array entry for (mainSector -> slotIdx).
// Must be called with mu held exclusively.
func (t *Table) publishLocked(mainSector sectorio.Sector, slotIdx int) {
	mask := uint64(len(t.buckets) - 1)
	hash := fnv1a64(mainSector)
	start := hash & mask

	for probe := uint64(0); probe < uint64(len(t.buckets)); probe++ {
		i := (start + probe) & mask
		if t.buckets[i].slotPlusOne == bucketEmpty || t.buckets[i].slotPlusOne == bucketTombstone {
			t.buckets[i] = bucket{hash: hash, slotPlusOne: uint64(slotIdx) + 1}
			return
		}
	}
}
