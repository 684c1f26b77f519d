// Package remapworker implements the background auto-remap worker
// from spec.md §4.6: a bounded single-consumer queue fed from the
// completion context, performing the allocate/read/copy/write/
// insert-REBUILDING/flip-to-VALID sequence that the hot path and
// completion callbacks are forbidden from doing inline (spec.md §5:
// "any primitive that may sleep is forbidden outside the worker").
//
// The bounded-queue-plus-single-goroutine shape is grounded in the
// teacher's worker-loop style in pkg/slotcache (background compaction
// deferred off the request path rather than inline), reshaped here to
// a per-main-sector coalescing MPSC queue.
package remapworker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amigatomte/dm-remap/internal/alloc"
	"github.com/amigatomte/dm-remap/internal/blockdev"
	"github.com/amigatomte/dm-remap/internal/diag"
	"github.com/amigatomte/dm-remap/internal/health"
	"github.com/amigatomte/dm-remap/internal/remaptable"
	"github.com/amigatomte/dm-remap/internal/sectorio"
)

// ScanNotifier is invoked from the idle scan pass when a read-only
// probe pushes a sector's health record to VerdictQuarantine, so the
// scan can feed the same auto-remap path a hot-path completion would
// (SPEC_FULL.md §5.10).
type ScanNotifier func(sector sectorio.Sector)

// PersistFunc is called after a remap entry has been inserted into the
// table, with a snapshot of all currently-valid entries, to persist a
// new metadata generation (spec.md §4.6 step 5, §4.7 "after an
// auto-remap inserts a new VALID entry"). Implementations should
// coalesce bursts rather than write synchronously per call.
type PersistFunc func(ctx context.Context, entries []sectorio.RemapEntry)

// Worker drains a bounded, coalescing queue of main sectors needing
// remap, one at a time, in a single background goroutine.
type Worker struct {
	main    blockdev.Device
	spare   blockdev.Device
	table   *remaptable.Table
	alloc   *alloc.Allocator
	health  *health.Tracker
	persist PersistFunc
	logger  *diag.Logger

	queue chan remapRequest

	// jobs carries arbitrary background work that must run in the same
	// single-goroutine worker context as auto-remap processing — used
	// by internal/target to schedule metadata-copy repair (spec.md
	// §4.7: "best-effort", SPEC_FULL.md §5.7: routed through this
	// queue rather than a second concurrency primitive) without
	// inventing a second worker loop.
	jobs chan func(context.Context)

	mu      sync.Mutex
	pending map[sectorio.Sector]bool // sectors currently queued or in-flight; dedupes per spec.md §4.6 "Idempotency"

	autoRemaps   atomic.Uint64
	manualRemaps atomic.Uint64
	exhausted    atomic.Uint64

	epoch atomic.Uint64

	// Idle scan pass (SPEC_FULL.md §5.10): spec.md §6's status line
	// reserves a scan=<0-100>% field that no spec.md §4 component ever
	// advances. scanEnabled is false until EnableScan is called, so
	// scanStep returns at once on each tick until a target opts in.
	scanMain     blockdev.Device
	scanTotal    sectorio.Sector
	scanNotify   ScanNotifier
	scanEnabled  atomic.Bool
	scanCursor   atomic.Uint64
	scanProgress atomic.Uint64

	stop chan struct{}
	done chan struct{}
}

// queueDepth bounds the MPSC queue (spec.md §5: "a bounded MPSC
// queue from completion context").
const queueDepth = 1024

// jobQueueDepth bounds the generic background-job queue. Much shallower
// than queueDepth: jobs are infrequent maintenance work (metadata
// repair), not per-request traffic.
const jobQueueDepth = 64

// scanChunkSectors bounds how many main sectors one idle scan tick
// probes, so a scan step never competes noticeably with remap/job
// traffic sharing the same goroutine.
const scanChunkSectors = 64

// scanInterval paces the idle scan pass (SPEC_FULL.md §5.10); a slow
// background walk is appropriate since it is a supplementary health
// signal, not a remap trigger on its own critical path.
const scanInterval = 50 * time.Millisecond

// remapRequest carries a queued sector plus whether it was requested
// by an explicit host command (spec.md §6's remap) or by the
// completion pipeline's quarantine verdict, so the two are tallied
// separately for the status line's auto_remaps/manual_remaps fields.
type remapRequest struct {
	sector sectorio.Sector
	manual bool
}

// New creates a Worker. Run must be called to start draining the queue.
// logger receives per-remap trace output (SPEC_FULL.md §3.2); it may be
// nil, in which case trace calls are skipped outright.
func New(main, spare blockdev.Device, table *remaptable.Table, allocator *alloc.Allocator, tracker *health.Tracker, persist PersistFunc, logger *diag.Logger) *Worker {
	return &Worker{
		main:    main,
		spare:   spare,
		table:   table,
		alloc:   allocator,
		health:  tracker,
		persist: persist,
		logger:  logger,
		queue:   make(chan remapRequest, queueDepth),
		jobs:    make(chan func(context.Context), jobQueueDepth),
		pending: make(map[sectorio.Sector]bool),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (w *Worker) tracef(format string, args ...interface{}) {
	if w.logger != nil {
		w.logger.Tracef(format, args...)
	}
}

// Enqueue requests an auto-triggered remap for s. It is safe to call
// from a completion context: it never blocks (a full queue silently
// drops the request and clears its pending mark, so a later request
// for the same sector can be queued), and duplicates for a sector
// already queued or in-flight are dropped.
func (w *Worker) Enqueue(s sectorio.Sector) {
	w.enqueue(s, false)
}

// EnqueueManual requests a host-initiated remap for s (spec.md §6's
// "remap <main_sector>" command), counted against manual_remaps
// instead of auto_remaps. Subject to the same dedup and non-blocking
// rules as Enqueue.
func (w *Worker) EnqueueManual(s sectorio.Sector) {
	w.enqueue(s, true)
}

func (w *Worker) enqueue(s sectorio.Sector, manual bool) {
	w.mu.Lock()
	if w.pending[s] {
		w.mu.Unlock()
		return
	}
	w.pending[s] = true
	w.mu.Unlock()

	select {
	case w.queue <- remapRequest{sector: s, manual: manual}:
	default:
		w.mu.Lock()
		delete(w.pending, s)
		w.mu.Unlock()
	}
}

// Run drains the queue until ctx is done or Stop is called. It should
// run in its own goroutine for the lifetime of the attached target.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	scanTicker := time.NewTicker(scanInterval)
	defer scanTicker.Stop()

	for {
		select {
		case r := <-w.queue:
			w.processOne(ctx, r.sector, r.manual)
		case job := <-w.jobs:
			job(ctx)
		case <-scanTicker.C:
			w.scanStep(ctx)
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// EnableScan turns on the idle scan pass over main, issuing read-only
// probes one chunk at a time from the worker goroutine and reporting
// progress through ScanProgress. notify is called whenever a probe's
// health verdict reaches quarantine, the same trigger a hot-path
// completion would raise.
func (w *Worker) EnableScan(main blockdev.Device, notify ScanNotifier) {
	w.scanMain = main
	w.scanTotal = main.Size()
	w.scanNotify = notify
	w.scanEnabled.Store(w.scanTotal > 0)
}

// ScanProgress returns the idle scan's completion percentage (0-100),
// backing the status line's scan= field (spec.md §6).
func (w *Worker) ScanProgress() uint64 { return w.scanProgress.Load() }

// scanStep probes up to scanChunkSectors main sectors starting at the
// saved cursor, wrapping and restarting once the whole device has been
// covered. Sectors already remapped are skipped: the hot path already
// routes their traffic to the spare, so a stale main-device read there
// would not reflect the sector's real health.
func (w *Worker) scanStep(ctx context.Context) {
	if !w.scanEnabled.Load() {
		return
	}

	cursor := sectorio.Sector(w.scanCursor.Load())
	if cursor >= w.scanTotal {
		cursor = 0
	}

	end := cursor + scanChunkSectors
	if end > w.scanTotal {
		end = w.scanTotal
	}

	buf := make([]byte, sectorio.SectorSize)

	for s := cursor; s < end; s++ {
		if _, ok := w.table.Lookup(s); ok {
			continue
		}

		epoch := w.epoch.Add(1)

		status := health.StatusOK
		if err := w.scanMain.ReadAt(ctx, s, buf); err != nil {
			status = health.StatusError
		}

		verdict := w.health.Record(s, health.OpRead, status, epoch)
		if verdict == health.VerdictQuarantine {
			w.tracef("scan sector=%d quarantined at epoch=%d", s, epoch)

			if w.scanNotify != nil {
				w.scanNotify(s)
			}
		}
	}

	if end >= w.scanTotal {
		w.scanCursor.Store(0)
		w.scanProgress.Store(100)

		return
	}

	w.scanCursor.Store(uint64(end))
	w.scanProgress.Store(uint64(end) * 100 / uint64(w.scanTotal))
}

// EnqueueJob schedules fn to run on the worker goroutine. It never
// blocks: a full job queue drops fn and reports false, matching the
// "best-effort" repair semantics of spec.md §4.7.
func (w *Worker) EnqueueJob(fn func(context.Context)) bool {
	select {
	case w.jobs <- fn:
		return true
	default:
		return false
	}
}

// Stop signals Run to return after finishing any sector currently
// being processed, and waits for it to exit or for ctx to expire
// (spec.md §5's bounded teardown drain).
func (w *Worker) Stop(ctx context.Context) {
	close(w.stop)

	select {
	case <-w.done:
	case <-ctx.Done():
	}
}

// Drain processes every sector currently queued, synchronously, up to
// a deadline — used during QUIESCING to flush the backlog before the
// final metadata generation is written (spec.md §5: "the worker drains
// its queue, writes a final metadata generation... if the worker
// cannot drain within a configured bound, remaining pending remaps are
// dropped").
func (w *Worker) Drain(ctx context.Context, bound time.Duration) (drained, dropped int) {
	deadline := time.After(bound)

	for {
		select {
		case r := <-w.queue:
			w.processOne(ctx, r.sector, r.manual)
			drained++
		case job := <-w.jobs:
			job(ctx)
			drained++
		case <-deadline:
			dropped = len(w.queue)

			w.mu.Lock()
			for len(w.queue) > 0 {
				<-w.queue
			}
			w.pending = make(map[sectorio.Sector]bool)
			w.mu.Unlock()

			return drained, dropped
		default:
			return drained, dropped
		}
	}
}

func (w *Worker) processOne(ctx context.Context, s sectorio.Sector, manual bool) {
	defer func() {
		w.mu.Lock()
		delete(w.pending, s)
		w.mu.Unlock()
	}()

	// Step 1: double-check under the table's own exclusive lock (via
	// Insert's atomicity) that no VALID entry exists yet.
	if _, ok := w.table.Lookup(s); ok {
		return
	}

	spareSector, err := w.alloc.Allocate()
	if err != nil {
		w.exhausted.Add(1)
		w.health.MarkFailedNoRemap(s)
		w.tracef("main=%d remap aborted: allocator exhausted", s)

		return
	}

	w.tracef("main=%d manual=%t allocated spare=%d", s, manual, spareSector)

	content := make([]byte, sectorio.SectorSize)
	if err := w.main.ReadAt(ctx, s, content); err != nil {
		// Client data already lost; zero-fill the replacement per
		// spec.md §4.6 step 3.
		for i := range content {
			content[i] = 0
		}
	}

	epoch := w.epoch.Add(1)

	entry := sectorio.RemapEntry{
		MainSector:      s,
		SpareSector:     spareSector,
		Flags:           sectorio.FlagRebuilding,
		CreatedEpoch:    epoch,
		LastAccessEpoch: epoch,
	}

	if err := w.table.Insert(entry); err != nil {
		w.alloc.Free(spareSector)
		w.tracef("main=%d remap aborted: rebuilding entry insert raced", s)

		return
	}

	if err := w.spare.WriteAt(ctx, spareSector, content); err != nil {
		w.table.Invalidate(s)
		w.alloc.Free(spareSector)
		w.tracef("main=%d remap aborted: spare write failed: %v", s, err)

		return
	}

	if err := w.spare.Flush(ctx); err != nil {
		w.table.Invalidate(s)
		w.alloc.Free(spareSector)
		w.tracef("main=%d remap aborted: spare flush failed: %v", s, err)

		return
	}

	w.table.Invalidate(s)

	entry.Flags = sectorio.FlagValid
	if err := w.table.Insert(entry); err != nil {
		// Another writer raced and won; drop the redundant allocation.
		w.alloc.Free(spareSector)
		w.tracef("main=%d remap aborted: valid entry insert raced", s)

		return
	}

	if manual {
		w.manualRemaps.Add(1)
	} else {
		w.autoRemaps.Add(1)
	}

	w.tracef("main=%d manual=%t remap complete spare=%d", s, manual, spareSector)

	w.health.MarkRemapped(s)

	if w.persist != nil {
		var live []sectorio.RemapEntry
		w.table.Iter(func(e sectorio.RemapEntry) bool {
			live = append(live, e)
			return true
		})

		w.persist(ctx, live)
	}
}

// AutoRemaps returns the count of successful auto-triggered remaps,
// for the statistics export surface (spec.md §6).
func (w *Worker) AutoRemaps() uint64 { return w.autoRemaps.Load() }

// ManualRemaps returns the count of successful host-requested remaps.
func (w *Worker) ManualRemaps() uint64 { return w.manualRemaps.Load() }

// Exhausted returns the count of allocator-exhaustion aborts.
func (w *Worker) Exhausted() uint64 { return w.exhausted.Load() }

// ResetCounters zeroes the auto/manual/exhausted counters, used by the
// clear_stats message command (spec.md §6: "zero the counters (does
// not touch the remap table)").
func (w *Worker) ResetCounters() {
	w.autoRemaps.Store(0)
	w.manualRemaps.Store(0)
	w.exhausted.Store(0)
}
