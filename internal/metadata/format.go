// Package metadata implements the persistent on-spare superblock
// engine from spec.md §4.7: K redundant fixed-offset copies, each
// CRC32-guarded with a monotonically increasing version counter,
// highest-version selection at attach time, and background
// repair of stale or corrupt copies.
//
// The header layout, CRC technique, and byte-offset encode/decode
// style are grounded in the teacher's pkg/slotcache/format.go; the
// validate-all-copies-then-pick-highest-version attach sequence is
// grounded in pkg/slotcache/open.go. Both are reshaped here from "one
// mmap'd file" to "K fixed-offset regions on one block device", which
// spec.md §4.7 requires and slotcache has no analogue for.
package metadata

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/amigatomte/dm-remap/internal/sectorio"
)

// Magic and format version are fixed compatibility tokens (spec.md §6:
// "On-disk format is considered a public interface").
const (
	magic         = "DMR1"
	formatVersion = 1
)

// headerSize is the fixed size in bytes of the per-copy header,
// mirroring slc1HeaderSize's role in the teacher's format.go: a fixed
// region big enough for all scalar fields, with reserved padding for
// future fields.
const headerSize = 128

// Header field offsets, following the teacher's offXxx naming and byte
// layout convention in format.go.
const (
	offMagic          = 0x00 // [4]byte
	offFormatVersion  = 0x04 // uint32
	offVersionCounter = 0x08 // uint64
	offMainSize       = 0x10 // uint64 sectors
	offSpareSize      = 0x18 // uint64 sectors
	offLogicalBlkSize = 0x20 // uint32
	offIdentifierHash = 0x24 // uint32 (fnv32a of "main|spare" identifiers)
	offErrorThreshold = 0x28 // uint32
	offAutoRemap      = 0x2C // uint32 (0/1)
	offMetadataCopies = 0x30 // uint32 K
	offEntryCount     = 0x34 // uint32
	offPayloadLen     = 0x38 // uint32 bytes of packed entries following the header
	offPayloadCRC32   = 0x3C // uint32
	offHeaderCRC32    = 0x40 // uint32, computed over [0, headerSize) with itself zeroed
	offWatermark      = 0x44 // uint64, allocator watermark at persist time
	// bytes from 0x4C to headerSize are reserved and must be zero.
)

// entryRecordSize is the packed on-disk size of one remap entry: two
// uint64 sector addresses, a uint32 flag word, two uint64 epochs, and
// a per-record uint32 CRC32 (spec.md §3: "per-record CRC32").
const entryRecordSize = 8 + 8 + 4 + 8 + 8 + 4

// Fingerprint identifies the main/spare device pair a superblock
// belongs to (spec.md §3's device fingerprint).
type Fingerprint struct {
	MainSizeSectors  sectorio.Sector
	SpareSizeSectors sectorio.Sector
	LogicalBlockSize uint32
	IdentifierHash   uint32
}

// TargetConfig is the persisted subset of spec.md §4.8's configuration
// options (spare_reservation_layout is implied by MetadataCopies and
// the fixed layout computed by Offsets).
type TargetConfig struct {
	ErrorThreshold uint32
	AutoRemap      bool
	MetadataCopies uint32
}

// header is the decoded form of one superblock copy's fixed header.
type header struct {
	VersionCounter uint64
	Fingerprint    Fingerprint
	Config         TargetConfig
	Watermark      uint64
	EntryCount     uint32
	PayloadLen     uint32
	PayloadCRC32   uint32
}

func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)

	copy(buf[offMagic:], magic)
	binary.LittleEndian.PutUint32(buf[offFormatVersion:], formatVersion)
	binary.LittleEndian.PutUint64(buf[offVersionCounter:], h.VersionCounter)
	binary.LittleEndian.PutUint64(buf[offMainSize:], uint64(h.Fingerprint.MainSizeSectors))
	binary.LittleEndian.PutUint64(buf[offSpareSize:], uint64(h.Fingerprint.SpareSizeSectors))
	binary.LittleEndian.PutUint32(buf[offLogicalBlkSize:], h.Fingerprint.LogicalBlockSize)
	binary.LittleEndian.PutUint32(buf[offIdentifierHash:], h.Fingerprint.IdentifierHash)
	binary.LittleEndian.PutUint32(buf[offErrorThreshold:], h.Config.ErrorThreshold)

	autoRemap := uint32(0)
	if h.Config.AutoRemap {
		autoRemap = 1
	}

	binary.LittleEndian.PutUint32(buf[offAutoRemap:], autoRemap)
	binary.LittleEndian.PutUint32(buf[offMetadataCopies:], h.Config.MetadataCopies)
	binary.LittleEndian.PutUint64(buf[offWatermark:], h.Watermark)
	binary.LittleEndian.PutUint32(buf[offEntryCount:], h.EntryCount)
	binary.LittleEndian.PutUint32(buf[offPayloadLen:], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[offPayloadCRC32:], h.PayloadCRC32)

	crc := computeHeaderCRC(buf)
	binary.LittleEndian.PutUint32(buf[offHeaderCRC32:], crc)

	return buf
}

func decodeHeader(buf []byte) header {
	var h header

	h.VersionCounter = binary.LittleEndian.Uint64(buf[offVersionCounter:])
	h.Fingerprint.MainSizeSectors = sectorio.Sector(binary.LittleEndian.Uint64(buf[offMainSize:]))
	h.Fingerprint.SpareSizeSectors = sectorio.Sector(binary.LittleEndian.Uint64(buf[offSpareSize:]))
	h.Fingerprint.LogicalBlockSize = binary.LittleEndian.Uint32(buf[offLogicalBlkSize:])
	h.Fingerprint.IdentifierHash = binary.LittleEndian.Uint32(buf[offIdentifierHash:])
	h.Config.ErrorThreshold = binary.LittleEndian.Uint32(buf[offErrorThreshold:])
	h.Config.AutoRemap = binary.LittleEndian.Uint32(buf[offAutoRemap:]) != 0
	h.Config.MetadataCopies = binary.LittleEndian.Uint32(buf[offMetadataCopies:])
	h.Watermark = binary.LittleEndian.Uint64(buf[offWatermark:])
	h.EntryCount = binary.LittleEndian.Uint32(buf[offEntryCount:])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[offPayloadLen:])
	h.PayloadCRC32 = binary.LittleEndian.Uint32(buf[offPayloadCRC32:])

	return h
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// computeHeaderCRC computes the CRC32-C of buf[:headerSize] with the
// header-CRC field itself treated as zero, mirroring the teacher's
// computeHeaderCRC in format.go.
func computeHeaderCRC(buf []byte) uint32 {
	tmp := make([]byte, headerSize)
	copy(tmp, buf[:headerSize])

	for i := offHeaderCRC32; i < offHeaderCRC32+4; i++ {
		tmp[i] = 0
	}

	return crc32.Checksum(tmp, crcTable)
}

func validateHeaderCRC(buf []byte) bool {
	if len(buf) < headerSize {
		return false
	}

	stored := binary.LittleEndian.Uint32(buf[offHeaderCRC32:])
	return stored == computeHeaderCRC(buf)
}

func validateMagicAndVersion(buf []byte) bool {
	return len(buf) >= headerSize && string(buf[offMagic:offMagic+4]) == magic &&
		binary.LittleEndian.Uint32(buf[offFormatVersion:]) == formatVersion
}

// encodeEntry packs one remap entry into entryRecordSize bytes,
// trailing it with a per-record CRC32 (spec.md §3).
func encodeEntry(e sectorio.RemapEntry) []byte {
	buf := make([]byte, entryRecordSize)

	binary.LittleEndian.PutUint64(buf[0:], uint64(e.MainSector))
	binary.LittleEndian.PutUint64(buf[8:], uint64(e.SpareSector))
	binary.LittleEndian.PutUint32(buf[16:], uint32(e.Flags))
	binary.LittleEndian.PutUint64(buf[20:], e.CreatedEpoch)
	binary.LittleEndian.PutUint64(buf[28:], e.LastAccessEpoch)

	crc := crc32.Checksum(buf[:entryRecordSize-4], crcTable)
	binary.LittleEndian.PutUint32(buf[entryRecordSize-4:], crc)

	return buf
}

// decodeEntry unpacks and CRC-validates one remap entry record.
func decodeEntry(buf []byte) (sectorio.RemapEntry, bool) {
	if len(buf) < entryRecordSize {
		return sectorio.RemapEntry{}, false
	}

	storedCRC := binary.LittleEndian.Uint32(buf[entryRecordSize-4:])
	if crc32.Checksum(buf[:entryRecordSize-4], crcTable) != storedCRC {
		return sectorio.RemapEntry{}, false
	}

	return sectorio.RemapEntry{
		MainSector:      sectorio.Sector(binary.LittleEndian.Uint64(buf[0:])),
		SpareSector:     sectorio.Sector(binary.LittleEndian.Uint64(buf[8:])),
		Flags:           sectorio.EntryFlags(binary.LittleEndian.Uint32(buf[16:])),
		CreatedEpoch:    binary.LittleEndian.Uint64(buf[20:]),
		LastAccessEpoch: binary.LittleEndian.Uint64(buf[28:]),
	}, true
}

// FNV32a is used to compute the identifier hash component of a
// Fingerprint from the main/spare device identifier strings.
func FNV32a(s string) uint32 {
	const (
		offset = 2166136261
		prime  = 16777619
	)

	h := uint32(offset)

	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}

	return h
}
