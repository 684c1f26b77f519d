package metadata

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/pkg/errors"

	"github.com/amigatomte/dm-remap/internal/blockdev"
	"github.com/amigatomte/dm-remap/internal/sectorio"
)

// regionBytes is the fixed size reserved for each superblock copy,
// header plus payload. Sized generously enough that a typical remap
// table fits in a single region without a second resize class; a
// device whose live entry count would overflow this is rejected at
// Persist time with ErrPayloadTooLarge rather than silently truncated.
const regionBytes = 1 << 20 // 1 MiB per copy

// MaxEntries is the largest number of remap entries one superblock
// copy's payload region can hold.
const MaxEntries = (regionBytes - headerSize) / entryRecordSize

var (
	// ErrDeviceMismatch is returned by Attach when a copy's stored
	// fingerprint does not match the fingerprint of the devices being
	// attached (spec.md §7: "metadata fingerprint mismatch").
	ErrDeviceMismatch = errors.New("metadata: fingerprint mismatch")

	// ErrMetadataCorrupt is returned by Attach when no copy passes CRC
	// validation (spec.md §7: "zero valid copies").
	ErrMetadataCorrupt = errors.New("metadata: no valid superblock copy found")

	// ErrPayloadTooLarge is returned by Persist when the live entry
	// count exceeds MaxEntries.
	ErrPayloadTooLarge = errors.New("metadata: remap table exceeds one superblock region's capacity")

	// ErrMetadataInconsistent is returned by Attach when two or more
	// valid copies share the highest version counter but are not
	// bitwise identical (spec.md §7: "If two valid copies tie, they
	// must be bitwise equal, otherwise raise MetadataInconsistent").
	// A tie at unequal content means the K-copy write in Persist was
	// interrupted in a way highest-version selection cannot safely
	// resolve on its own, so Attach refuses to guess rather than picking
	// either copy.
	ErrMetadataInconsistent = errors.New("metadata: copies tied at the same version but differ")
)

// State is the result of a successful Attach: the winning header's
// decoded content plus a health report for every copy, so the caller
// can schedule repair of stale or corrupt copies.
type State struct {
	Fingerprint Fingerprint
	Config      TargetConfig
	Entries     []sectorio.RemapEntry
	Watermark   sectorio.Sector
	Version     uint64

	// WinningCopy is the region index the state was reconstructed from.
	WinningCopy int

	// StaleCopies lists region indices that validated but carried an
	// older version than WinningCopy, or failed validation entirely —
	// both need repair before the next persist.
	StaleCopies []int
}

// Engine manages the K fixed-offset superblock copies on one spare
// device, following the teacher's pkg/slotcache/open.go sequence:
// read and validate every copy, pick the highest-version survivor,
// and report the rest for repair — reshaped from "one mmap'd file"
// to "K discrete byte regions on a block device".
type Engine struct {
	spare   blockdev.Device
	copies  int
	offsets []sectorio.Sector // sector offset of each copy's region start, len == copies
}

// Offsets computes the K fixed sector offsets for a spare device of
// spareSize sectors. The first region starts at spareSize/100, the last
// region ends spareSize/100 sectors before the end of the device, and
// the others are spaced evenly between those two starts (for K=3 and
// 20000 sectors: 200, 8976, 17752). K=1 places its single region at
// spareSize/2.
func Offsets(spareSize sectorio.Sector, copies int) []sectorio.Sector {
	regionSectors := sectorio.Sector((regionBytes + sectorio.SectorSize - 1) / sectorio.SectorSize)

	if copies == 1 {
		return []sectorio.Sector{spareSize / 2}
	}

	lo := spareSize / 100
	hi := spareSize - spareSize/100 - regionSectors

	offsets := make([]sectorio.Sector, copies)
	for i := 0; i < copies; i++ {
		frac := float64(i) / float64(copies-1)
		offsets[i] = lo + sectorio.Sector(frac*float64(hi-lo))
	}

	return offsets
}

// New creates an Engine over an already-opened spare device, using
// offsets computed by Offsets. copies must be odd, per spec.md §4.7's
// K-copy majority-wins requirement.
func New(spare blockdev.Device, spareSize sectorio.Sector, copies int) (*Engine, error) {
	if copies%2 == 0 || copies < 1 {
		return nil, errors.Errorf("metadata: copies must be odd and >= 1, got %d", copies)
	}

	return &Engine{
		spare:   spare,
		copies:  copies,
		offsets: Offsets(spareSize, copies),
	}, nil
}

// readRegion reads one copy's full region (header + max payload) into
// memory. Region reads are whole-sector aligned; regionBytes is chosen
// to already be a sector multiple.
func (e *Engine) readRegion(ctx context.Context, idx int) ([]byte, error) {
	buf := make([]byte, regionBytes)
	if err := e.spare.ReadAt(ctx, e.offsets[idx], buf); err != nil {
		return nil, errors.Wrapf(err, "metadata: read copy %d", idx)
	}

	return buf, nil
}

// decodeRegion validates and decodes one region's header and payload.
// Returns ok=false if the header fails CRC/magic validation or the
// payload CRC does not match. The returned raw slice is the region
// trimmed to exactly header+payload (no trailing padding), used by
// Attach's tie-break to test two same-version copies for bitwise
// equality.
func decodeRegion(buf []byte) (header, []sectorio.RemapEntry, []byte, bool) {
	if !validateMagicAndVersion(buf) || !validateHeaderCRC(buf) {
		return header{}, nil, nil, false
	}

	h := decodeHeader(buf)

	payloadStart := headerSize
	payloadEnd := payloadStart + int(h.PayloadLen)

	if payloadEnd > len(buf) || int(h.EntryCount)*entryRecordSize != int(h.PayloadLen) {
		return header{}, nil, nil, false
	}

	payload := buf[payloadStart:payloadEnd]
	if crcOf(payload) != h.PayloadCRC32 {
		return header{}, nil, nil, false
	}

	entries := make([]sectorio.RemapEntry, 0, h.EntryCount)
	for off := 0; off < len(payload); off += entryRecordSize {
		e, ok := decodeEntry(payload[off : off+entryRecordSize])
		if !ok {
			return header{}, nil, nil, false
		}

		entries = append(entries, e)
	}

	return h, entries, buf[:payloadEnd], true
}

func crcOf(b []byte) uint32 {
	return crc32.Checksum(b, crcTable)
}

// Attach reads every copy, validates it, and reconstructs State from
// the highest-version valid copy whose fingerprint matches want. Every
// copy that is either invalid or carries a lower version is reported
// in State.StaleCopies for the caller to repair.
//
// Returns ErrMetadataCorrupt if no copy validates at all,
// ErrDeviceMismatch if copies validate but none of them has a
// fingerprint matching want (spec.md §7), or ErrMetadataInconsistent if two
// copies validate at the same highest version but are not bitwise
// equal.
func (e *Engine) Attach(ctx context.Context, want Fingerprint) (*State, error) {
	type parsed struct {
		idx     int
		h       header
		entries []sectorio.RemapEntry
		raw     []byte
		ok      bool
	}

	parsedCopies := make([]parsed, e.copies)

	for i := 0; i < e.copies; i++ {
		buf, err := e.readRegion(ctx, i)
		if err != nil {
			parsedCopies[i] = parsed{idx: i}
			continue
		}

		h, entries, raw, ok := decodeRegion(buf)
		parsedCopies[i] = parsed{idx: i, h: h, entries: entries, raw: raw, ok: ok}
	}

	winner := -1
	mismatchSeen := false
	tiedWith := -1

	for i, p := range parsedCopies {
		if !p.ok {
			continue
		}

		if p.h.Fingerprint != want {
			mismatchSeen = true
			continue
		}

		switch {
		case winner < 0:
			winner = i
		case p.h.VersionCounter > parsedCopies[winner].h.VersionCounter:
			winner = i
			tiedWith = -1
		case p.h.VersionCounter == parsedCopies[winner].h.VersionCounter:
			if tiedWith < 0 && !bytes.Equal(p.raw, parsedCopies[winner].raw) {
				tiedWith = i
			}
		}
	}

	if tiedWith >= 0 {
		return nil, errors.Wrapf(ErrMetadataInconsistent, "copies %d and %d both at version %d", parsedCopies[winner].idx, tiedWith, parsedCopies[winner].h.VersionCounter)
	}

	if winner < 0 {
		if mismatchSeen {
			return nil, ErrDeviceMismatch
		}

		return nil, ErrMetadataCorrupt
	}

	stale := make([]int, 0, e.copies-1)
	for i, p := range parsedCopies {
		if i == winner {
			continue
		}

		if !p.ok || p.h.Fingerprint != want || p.h.VersionCounter < parsedCopies[winner].h.VersionCounter {
			stale = append(stale, i)
		}
	}

	sort.Ints(stale)

	w := parsedCopies[winner]

	return &State{
		Fingerprint: w.h.Fingerprint,
		Config:      w.h.Config,
		Entries:     w.entries,
		Watermark:   sectorio.Sector(w.h.Watermark),
		Version:     w.h.VersionCounter,
		WinningCopy: winner,
		StaleCopies: stale,
	}, nil
}

// Persist encodes fingerprint/config/entries at versionCounter and
// writes the result to every copy, synchronously, in increasing offset
// order, fsyncing after each write (spec.md §4.7: "a crash during
// persist must leave at least one copy at either the old or the new
// version, never a torn copy"). Because each region write is followed
// by its own flush, a crash mid-persist leaves some copies at the new
// version and others at the old one — both are valid per-copy states,
// and Attach's highest-version selection recovers the newest consistent
// view either way.
func (e *Engine) Persist(ctx context.Context, fp Fingerprint, cfg TargetConfig, entries []sectorio.RemapEntry, watermark sectorio.Sector, versionCounter uint64) error {
	if len(entries) > MaxEntries {
		return errors.Wrapf(ErrPayloadTooLarge, "have %d entries, capacity %d", len(entries), MaxEntries)
	}

	payload := make([]byte, 0, len(entries)*entryRecordSize)
	for _, e := range entries {
		payload = append(payload, encodeEntry(e)...)
	}

	h := header{
		VersionCounter: versionCounter,
		Fingerprint:    fp,
		Config:         cfg,
		Watermark:      uint64(watermark),
		EntryCount:     uint32(len(entries)),
		PayloadLen:     uint32(len(payload)),
		PayloadCRC32:   crcOf(payload),
	}

	region := make([]byte, regionBytes)
	copy(region, encodeHeader(h))
	copy(region[headerSize:], payload)

	for i := 0; i < e.copies; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := e.spare.WriteAt(ctx, e.offsets[i], region); err != nil {
			return errors.Wrapf(err, "metadata: write copy %d", i)
		}

		if err := e.spare.Flush(ctx); err != nil {
			return errors.Wrapf(err, "metadata: flush after copy %d", i)
		}
	}

	return nil
}

// RepairCopy rewrites a single stale or corrupt copy from the
// currently-winning state, used by the background repair path
// (SPEC_FULL.md §5.7) instead of a full Persist across all copies.
func (e *Engine) RepairCopy(ctx context.Context, idx int, fp Fingerprint, cfg TargetConfig, entries []sectorio.RemapEntry, watermark sectorio.Sector, versionCounter uint64) error {
	if idx < 0 || idx >= e.copies {
		return fmt.Errorf("metadata: copy index %d out of range [0,%d)", idx, e.copies)
	}

	if len(entries) > MaxEntries {
		return errors.Wrapf(ErrPayloadTooLarge, "have %d entries, capacity %d", len(entries), MaxEntries)
	}

	payload := make([]byte, 0, len(entries)*entryRecordSize)
	for _, en := range entries {
		payload = append(payload, encodeEntry(en)...)
	}

	h := header{
		VersionCounter: versionCounter,
		Fingerprint:    fp,
		Config:         cfg,
		Watermark:      uint64(watermark),
		EntryCount:     uint32(len(entries)),
		PayloadLen:     uint32(len(payload)),
		PayloadCRC32:   crcOf(payload),
	}

	region := make([]byte, regionBytes)
	copy(region, encodeHeader(h))
	copy(region[headerSize:], payload)

	if err := e.spare.WriteAt(ctx, e.offsets[idx], region); err != nil {
		return errors.Wrapf(err, "metadata: repair copy %d", idx)
	}

	return e.spare.Flush(ctx)
}

// CopyCount returns K, the configured number of superblock copies.
func (e *Engine) CopyCount() int { return e.copies }

// RegionSectors returns the fixed sector length of one copy's region,
// exposed so callers can size spare-device reservations (spec.md §3).
func RegionSectors() sectorio.Sector {
	return sectorio.Sector((regionBytes + sectorio.SectorSize - 1) / sectorio.SectorSize)
}
