// Package health implements the per-sector error tracker described in
// spec.md §4.3: a sparse map keyed by main sector, recording read and
// write error counters and producing a quarantine verdict once a
// configured threshold is reached.
//
// The map is sharded the way the teacher's pkg/slotcache/lock.go
// shards its fileRegistry by file identity: each shard owns its own
// mutex so unrelated sectors never contend, keeping the completion
// context's critical section the O(1) primitive spec.md §5 requires.
package health

import (
	"sync"

	"github.com/amigatomte/dm-remap/internal/sectorio"
)

// State is the lifecycle state of a sector's health record.
type State int

const (
	StateHealthy State = iota
	StateDegraded
	StateFailed
)

// Op identifies which counter an observation updates.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// Status identifies the outcome of a completed sub-I/O.
type Status int

const (
	StatusOK Status = iota
	StatusError
)

// Verdict is returned by Record and tells the completion pipeline
// whether to enqueue an auto-remap.
type Verdict int

const (
	VerdictIgnore Verdict = iota
	VerdictQuarantine
)

// Record is a snapshot of one sector's health counters.
type Record struct {
	ReadErrors     uint8
	WriteErrors    uint8
	LastErrorEpoch uint64
	State          State
}

const counterCap = 255

const shardCount = 16

type shard struct {
	mu      sync.Mutex
	records map[sectorio.Sector]*Record
}

// Tracker is the per-sector health map for one attached target.
type Tracker struct {
	errorThreshold uint8
	shards         [shardCount]*shard
	isRemapped     func(sectorio.Sector) bool
}

// New creates a Tracker. errorThreshold is spec.md §4.8's
// error_threshold (quarantine trigger). isRemapped reports whether a
// main sector already has a VALID remap entry — Record's verdict must
// never be Quarantine for an already-remapped sector (spec.md §4.3).
func New(errorThreshold uint8, isRemapped func(sectorio.Sector) bool) *Tracker {
	t := &Tracker{errorThreshold: errorThreshold, isRemapped: isRemapped}
	for i := range t.shards {
		t.shards[i] = &shard{records: make(map[sectorio.Sector]*Record)}
	}

	return t
}

func (t *Tracker) shardFor(s sectorio.Sector) *shard {
	return t.shards[uint64(s)%shardCount]
}

// Record processes one completed sub-I/O for main sector s.
//
// OK on a DEGRADED sector does not decay counters (spec.md §4.3 is
// explicit about this and defines no decay path at all — see
// DESIGN.md "Open Question decisions").
func (t *Tracker) Record(s sectorio.Sector, op Op, status Status, epoch uint64) Verdict {
	sh := t.shardFor(s)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if status == StatusOK {
		return VerdictIgnore
	}

	rec, ok := sh.records[s]
	if !ok {
		rec = &Record{State: StateHealthy}
		sh.records[s] = rec
	}

	switch op {
	case OpRead:
		rec.ReadErrors = saturatingInc(rec.ReadErrors)
	case OpWrite:
		rec.WriteErrors = saturatingInc(rec.WriteErrors)
	}

	rec.LastErrorEpoch = epoch

	if rec.State == StateHealthy && (rec.ReadErrors >= t.errorThreshold || rec.WriteErrors >= t.errorThreshold) {
		rec.State = StateDegraded
	}

	if rec.State == StateDegraded && !t.isRemapped(s) && (rec.ReadErrors >= t.errorThreshold || rec.WriteErrors >= t.errorThreshold) {
		return VerdictQuarantine
	}

	return VerdictIgnore
}

// MarkRemapped transitions a DEGRADED sector's health record to FAILED
// once the auto-remap worker has successfully completed a remap for
// it (spec.md §4.3's lifecycle: "DEGRADED→FAILED upon successful remap
// completion").
func (t *Tracker) MarkRemapped(s sectorio.Sector) {
	sh := t.shardFor(s)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[s]
	if !ok {
		rec = &Record{}
		sh.records[s] = rec
	}

	rec.State = StateFailed
}

// MarkFailedNoRemap transitions a sector straight to FAILED without a
// successful remap, used when the allocator is Exhausted (spec.md
// §4.6 step 2: "Exhausted → mark health FAILED, surface via
// statistics, abort").
func (t *Tracker) MarkFailedNoRemap(s sectorio.Sector) {
	t.MarkRemapped(s)
}

// Get returns a snapshot of a sector's health record, if one exists.
func (t *Tracker) Get(s sectorio.Sector) (Record, bool) {
	sh := t.shardFor(s)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.records[s]
	if !ok {
		return Record{}, false
	}

	return *rec, true
}

// CountByState returns how many tracked sectors are currently in the
// given state. Used to compute the health=<0-100> statistic (spec.md
// §6): health = 100 - min(100, 100*FAILED/main_sectors).
func (t *Tracker) CountByState(state State) int {
	n := 0

	for _, sh := range t.shards {
		sh.mu.Lock()
		for _, rec := range sh.records {
			if rec.State == state {
				n++
			}
		}
		sh.mu.Unlock()
	}

	return n
}

// Iter calls fn once for every tracked sector's current snapshot, in
// no particular order. fn must not call back into the Tracker — each
// shard's lock is held for the duration of its own sectors' calls, the
// same way CountByState holds it while scanning. Used by callers that
// need to aggregate over every sector with a health record rather than
// only those that ended up with a remap-table entry (spec.md §8
// scenario 6: a quarantined sector whose remap never landed, because
// the allocator was exhausted, still has to be visible to callers that
// report on it).
func (t *Tracker) Iter(fn func(s sectorio.Sector, rec Record)) {
	for _, sh := range t.shards {
		sh.mu.Lock()
		for s, rec := range sh.records {
			fn(s, *rec)
		}
		sh.mu.Unlock()
	}
}

func saturatingInc(v uint8) uint8 {
	if v >= counterCap {
		return counterCap
	}

	return v + 1
}
