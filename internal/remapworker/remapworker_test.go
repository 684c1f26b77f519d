package remapworker

import (
	"context"
	"testing"
	"time"

	"github.com/amigatomte/dm-remap/internal/alloc"
	"github.com/amigatomte/dm-remap/internal/devsim"
	"github.com/amigatomte/dm-remap/internal/health"
	"github.com/amigatomte/dm-remap/internal/remaptable"
	"github.com/amigatomte/dm-remap/internal/sectorio"
)

func newWorker(t *testing.T, persist PersistFunc) (*Worker, *devsim.Device, *devsim.Device, *remaptable.Table) {
	t.Helper()

	main := devsim.New("main", 2048)
	spare := devsim.New("spare", 512)
	table := remaptable.New()
	allocator := alloc.New(512, nil)
	tracker := health.New(2, func(s sectorio.Sector) bool {
		_, ok := table.Lookup(s)
		return ok
	})

	w := New(main, spare, table, allocator, tracker, persist, nil)

	return w, main, spare, table
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}

	t.Fatalf("condition not met within %s", timeout)
}

func TestProcessOneCreatesValidEntry(t *testing.T) {
	w, main, spare, table := newWorker(t, nil)
	ctx := context.Background()

	payload := make([]byte, sectorio.SectorSize)
	copy(payload, []byte("ORIGINAL"))
	if err := main.WriteAt(ctx, 1000, payload); err != nil {
		t.Fatalf("seed main: %v", err)
	}

	w.processOne(ctx, 1000, false)

	entry, ok := table.Lookup(1000)
	if !ok || !entry.Valid() {
		t.Fatalf("table.Lookup(1000) = (%+v, %v), want a VALID entry", entry, ok)
	}

	got := make([]byte, sectorio.SectorSize)
	if err := spare.ReadAt(ctx, entry.SpareSector, got); err != nil {
		t.Fatalf("spare ReadAt: %v", err)
	}

	if string(got[:8]) != "ORIGINAL" {
		t.Fatalf("spare content = %q, want ORIGINAL", got[:8])
	}

	if w.AutoRemaps() != 1 {
		t.Fatalf("AutoRemaps() = %d, want 1", w.AutoRemaps())
	}
}

func TestProcessOneZeroFillsOnReadFailure(t *testing.T) {
	w, main, spare, table := newWorker(t, nil)
	ctx := context.Background()

	main.Script(devsim.Rule{Sector: 5, Op: devsim.OpRead, Outcome: devsim.OutcomeError, Times: 1})

	w.processOne(ctx, 5, false)

	entry, ok := table.Lookup(5)
	if !ok {
		t.Fatalf("expected entry despite read failure")
	}

	got := make([]byte, sectorio.SectorSize)
	spare.ReadAt(ctx, entry.SpareSector, got)

	for _, b := range got {
		if b != 0 {
			t.Fatalf("expected zero-filled spare sector, found %x", got)
		}
	}
}

func TestProcessOneIsIdempotentWhenAlreadyMapped(t *testing.T) {
	w, _, _, table := newWorker(t, nil)
	ctx := context.Background()

	if err := table.Insert(sectorio.RemapEntry{MainSector: 7, SpareSector: 0, Flags: sectorio.FlagValid}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	w.processOne(ctx, 7, false)

	if w.AutoRemaps() != 0 {
		t.Fatalf("AutoRemaps() = %d, want 0 (already mapped, no-op)", w.AutoRemaps())
	}
}

func TestProcessOneMarksHealthFailedOnExhaustion(t *testing.T) {
	main := devsim.New("main", 2048)
	spare := devsim.New("spare", 2)
	table := remaptable.New()
	allocator := alloc.New(0, nil) // no usable spare sectors at all
	tracker := health.New(2, func(s sectorio.Sector) bool {
		_, ok := table.Lookup(s)
		return ok
	})

	w := New(main, spare, table, allocator, tracker, nil, nil)

	w.processOne(context.Background(), 3, false)

	if w.Exhausted() != 1 {
		t.Fatalf("Exhausted() = %d, want 1", w.Exhausted())
	}

	rec, ok := tracker.Get(3)
	if !ok || rec.State != health.StateFailed {
		t.Fatalf("health.Get(3) = (%+v, %v), want FAILED", rec, ok)
	}
}

func TestEnqueueDedupesInFlightSector(t *testing.T) {
	w, _, _, _ := newWorker(t, nil)

	w.mu.Lock()
	w.pending[9] = true
	w.mu.Unlock()

	w.Enqueue(9)

	if len(w.queue) != 0 {
		t.Fatalf("Enqueue() of an already-pending sector should be dropped, queue len=%d", len(w.queue))
	}
}

func TestRunDrainsQueueAndStops(t *testing.T) {
	w, main, _, table := newWorker(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	main.WriteAt(ctx, 50, make([]byte, sectorio.SectorSize))

	go w.Run(ctx)

	w.Enqueue(50)

	waitFor(t, time.Second, func() bool {
		_, ok := table.Lookup(50)
		return ok
	})

	w.Stop(context.Background())
}

func TestPersistCalledAfterSuccessfulRemap(t *testing.T) {
	var gotEntries []sectorio.RemapEntry

	persist := func(ctx context.Context, entries []sectorio.RemapEntry) {
		gotEntries = entries
	}

	w, _, _, _ := newWorker(t, persist)

	w.processOne(context.Background(), 20, false)

	if len(gotEntries) != 1 || gotEntries[0].MainSector != 20 {
		t.Fatalf("persist callback entries = %+v, want one entry for sector 20", gotEntries)
	}
}
