// Package hotpath implements the request interception and fanout path:
// splitting an incoming block-I/O request into per-sector views at
// remap boundaries, dispatching each view to the main or spare device,
// and driving the parent request to completion once every sub-view has
// finished.
//
// The refcounted parent/sub-view shape follows the teacher's "generic
// request-fanout combinator" pattern of closing a completion over
// (parent, key, kind) rather than carrying a back-pointer from the
// sub-view to its owner — the same style pkg/slotcache's lock.go uses
// to key per-file state by identity instead of pointer chains, applied
// here to the bio-clone/endio shape spec.md's design notes call out.
package hotpath

import (
	"context"
	"sync/atomic"

	"github.com/amigatomte/dm-remap/internal/blockdev"
	"github.com/amigatomte/dm-remap/internal/diag"
	"github.com/amigatomte/dm-remap/internal/health"
	"github.com/amigatomte/dm-remap/internal/remaptable"
	"github.com/amigatomte/dm-remap/internal/sectorio"
)

// Op identifies a read or write request. Shared with package health so
// the completion pipeline never has to translate between enumerations.
type Op = health.Op

const (
	OpRead  = health.OpRead
	OpWrite = health.OpWrite
)

// errResourceBusy is returned by Submit when the preallocated view pool
// is exhausted (spec.md §4.4: "Exhaustion of the pool causes the
// request to be failed with ResourceBusy rather than waiting
// indefinitely").
type errResourceBusy struct{}

func (errResourceBusy) Error() string { return "hotpath: view pool exhausted" }

var ErrResourceBusy error = errResourceBusy{}

// errShuttingDown is returned by Submit once the dispatcher has been
// stopped (spec.md §7's ShuttingDown).
type errShuttingDown struct{}

func (errShuttingDown) Error() string { return "hotpath: target is shutting down" }

var ErrShuttingDown error = errShuttingDown{}

// RemapNotifier is called once, synchronously from a completion
// context, to hand a main sector off to the background auto-remap
// worker's bounded queue (spec.md §4.5's ENQUEUE_REMAP transition).
// Implementations must not block.
type RemapNotifier func(sectorio.Sector)

// Dispatcher owns the main/spare devices for one attached target and
// implements the split/lookup/clone/dispatch hot path.
type Dispatcher struct {
	main  blockdev.Device
	spare blockdev.Device

	table       *remaptable.Table
	health      *health.Tracker
	notify      RemapNotifier
	autoRem     func() bool // reads the live auto_remap toggle (spec.md §6's set_auto_remap)
	fastPathMax func() int  // reads the live fast_path_threshold in bytes (spec.md §4.8)
	logger      *diag.Logger

	epoch atomic.Uint64

	pool chan int // free view-slot tokens; buffered to poolSize

	closed atomic.Bool

	// statistics, exported read-only via package target (spec.md §6)
	TotalReads  atomic.Uint64
	TotalWrites atomic.Uint64
	TotalErrors atomic.Uint64
}

// poolSize bounds the number of in-flight sub-views, giving the hot
// path a fixed preallocated pool instead of per-request heap
// allocation (spec.md §4.4's invariant).
const poolSize = 4096

// New creates a Dispatcher. notify is invoked from the completion
// context whenever a sector's health crosses into quarantine.
// fastPathThreshold reads the live fast_path_threshold in bytes
// (spec.md §4.8): a Submit whose total length is within the threshold
// and whose table is empty skips per-sector Lookup entirely and routes
// straight to main, rather than walking partition's general
// run-coalescing loop. logger receives per-view trace output
// (SPEC_FULL.md §3.2); it may be nil, in which case trace calls are
// skipped outright rather than routed through a silent Logger.
func New(main, spare blockdev.Device, table *remaptable.Table, tracker *health.Tracker, autoRemapEnabled func() bool, fastPathThreshold func() int, notify RemapNotifier, logger *diag.Logger) *Dispatcher {
	d := &Dispatcher{
		main:        main,
		spare:       spare,
		table:       table,
		health:      tracker,
		notify:      notify,
		autoRem:     autoRemapEnabled,
		fastPathMax: fastPathThreshold,
		logger:      logger,
		pool:        make(chan int, poolSize),
	}

	for i := 0; i < poolSize; i++ {
		d.pool <- i
	}

	return d
}

// Completion represents a single in-flight parent request, returned to
// the caller immediately after Submit partitions and dispatches every
// sub-view (spec.md §4.4 step 4: "submitted / will complete
// asynchronously").
type Completion struct {
	remaining atomic.Int32
	firstErr  atomic.Value // error
	done      chan struct{}
}

// Wait blocks until every sub-view of the request has completed, or ctx
// is done, and returns the first error observed (by completion epoch),
// if any.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		if v := c.firstErr.Load(); v != nil {
			return v.(error)
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Completion) release(err error) {
	if err != nil {
		c.firstErr.CompareAndSwap(nil, err)
	}

	if c.remaining.Add(-1) == 0 {
		close(c.done)
	}
}

// view is one contiguous sub-request produced by partitioning at remap
// boundaries.
type view struct {
	slotIdx      int
	device       blockdev.Device
	deviceSector sectorio.Sector
	mainSector   sectorio.Sector // first main sector this view covers, for health/remap keying
	count        sectorio.Sector
	buf          []byte
	op           Op
}

// Submit partitions [startSector, startSector+sectorCount) at remap
// boundaries, looks each run up in the shared-mode table, and
// dispatches every resulting view concurrently. It returns immediately
// with a Completion the caller can Wait on.
func (d *Dispatcher) Submit(ctx context.Context, op Op, startSector sectorio.Sector, buf []byte) (*Completion, error) {
	if d.closed.Load() {
		return nil, ErrShuttingDown
	}

	if len(buf)%sectorio.SectorSize != 0 {
		return nil, blockdev.ErrShortIO
	}

	count := sectorio.Sector(len(buf) / sectorio.SectorSize)

	var views []*view
	var err error

	if d.eligibleForFastPath(len(buf)) {
		views, err = d.fastPath(startSector, count, buf, op)
	} else {
		views, err = d.partition(startSector, count, buf, op)
	}

	if err != nil {
		return nil, err
	}

	switch op {
	case OpRead:
		d.TotalReads.Add(1)
	case OpWrite:
		d.TotalWrites.Add(1)
	}

	completion := &Completion{done: make(chan struct{})}
	completion.remaining.Store(int32(len(views)))

	for _, v := range views {
		go d.dispatch(ctx, completion, v)
	}

	return completion, nil
}

// partition walks [start, start+count) run by run, coalescing
// contiguous sectors that share the same routing decision into one
// view, and acquires one pool slot per view. On ErrResourceBusy any
// already-acquired slots are released before returning.
func (d *Dispatcher) partition(start, count sectorio.Sector, buf []byte, op Op) ([]*view, error) {
	var views []*view

	releaseAll := func() {
		for _, v := range views {
			d.releaseSlot(v.slotIdx)
		}
	}

	i := sectorio.Sector(0)
	for i < count {
		s := start + i

		entry, mapped := d.table.Lookup(s)

		runLen := sectorio.Sector(1)
		for i+runLen < count {
			next := start + i + runLen
			nextEntry, nextMapped := d.table.Lookup(next)

			if nextMapped != mapped {
				break
			}

			if mapped && nextEntry.SpareSector != entry.SpareSector+runLen {
				break
			}

			runLen++
		}

		slotIdx, ok := d.acquireSlot()
		if !ok {
			releaseAll()
			return nil, ErrResourceBusy
		}

		v := &view{
			slotIdx:    slotIdx,
			mainSector: s,
			count:      runLen,
			buf:        buf[i*sectorio.SectorSize : (i+runLen)*sectorio.SectorSize],
			op:         op,
		}

		if mapped && entry.Flags.Has(sectorio.FlagValid) && !entry.Flags.Has(sectorio.FlagRebuilding) {
			v.device = d.spare
			v.deviceSector = entry.SpareSector
			d.tracef("view main=%d len=%d -> spare=%d", s, runLen, entry.SpareSector)
		} else {
			v.device = d.main
			v.deviceSector = s
			d.tracef("view main=%d len=%d -> main (unmapped or rebuilding)", s, runLen)
		}

		views = append(views, v)

		i += runLen
	}

	return views, nil
}

// eligibleForFastPath reports whether a Submit of byteLen bytes may
// skip partition's per-sector Lookup walk: it must fit under the
// configured fast_path_threshold, and the table must hold zero entries
// for this target (spec.md §4.8: "Requests <= this size use the
// sector-fast-path when unmapped"). An empty table is the one case
// every sector in range is known unmapped without looking any of them
// up individually.
func (d *Dispatcher) eligibleForFastPath(byteLen int) bool {
	if d.fastPathMax == nil {
		return false
	}

	threshold := d.fastPathMax()
	if threshold <= 0 || byteLen > threshold {
		return false
	}

	return d.table.Count() == 0
}

// fastPath builds a single view covering [start, start+count) routed
// straight to main, skipping the per-sector Lookup loop partition does
// for the general case. Falls back to ErrResourceBusy on the same
// exhausted-pool condition as partition.
func (d *Dispatcher) fastPath(start, count sectorio.Sector, buf []byte, op Op) ([]*view, error) {
	slotIdx, ok := d.acquireSlot()
	if !ok {
		return nil, ErrResourceBusy
	}

	d.tracef("view main=%d len=%d -> main (fast path)", start, count)

	v := &view{
		slotIdx:      slotIdx,
		mainSector:   start,
		count:        count,
		buf:          buf,
		op:           op,
		device:       d.main,
		deviceSector: start,
	}

	return []*view{v}, nil
}

func (d *Dispatcher) acquireSlot() (int, bool) {
	select {
	case idx := <-d.pool:
		return idx, true
	default:
		return 0, false
	}
}

func (d *Dispatcher) releaseSlot(idx int) {
	d.pool <- idx
}

func (d *Dispatcher) tracef(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Tracef(format, args...)
	}
}

// dispatch issues one view's I/O and runs the completion pipeline from
// spec.md §4.5: inspect status, record health, optionally enqueue
// auto-remap, then release the parent refcount.
func (d *Dispatcher) dispatch(ctx context.Context, parent *Completion, v *view) {
	defer d.releaseSlot(v.slotIdx)

	var err error

	switch v.op {
	case OpRead:
		err = v.device.ReadAt(ctx, v.deviceSector, v.buf)
	case OpWrite:
		err = v.device.WriteAt(ctx, v.deviceSector, v.buf)
	}

	epoch := d.epoch.Add(1)

	status := health.StatusOK
	if err != nil {
		status = health.StatusError
		d.TotalErrors.Add(1)
	}

	for j := sectorio.Sector(0); j < v.count; j++ {
		sector := v.mainSector + j

		verdict := d.health.Record(sector, v.op, status, epoch)
		if verdict == health.VerdictQuarantine {
			d.tracef("sector=%d quarantined at epoch=%d auto_remap=%t", sector, epoch, d.autoRem())

			if d.autoRem() {
				d.notify(sector)
			}
		}
	}

	parent.release(err)
}

// Close stops accepting new submissions (spec.md §5's QUIESCING:
// "the submission path returns ShuttingDown for new requests").
// Already-dispatched sub-views are unaffected.
func (d *Dispatcher) Close() {
	d.closed.Store(true)
}
