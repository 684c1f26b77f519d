package target

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/amigatomte/dm-remap/internal/alloc"
	"github.com/amigatomte/dm-remap/internal/blockdev"
	"github.com/amigatomte/dm-remap/internal/diag"
	"github.com/amigatomte/dm-remap/internal/health"
	"github.com/amigatomte/dm-remap/internal/hotpath"
	"github.com/amigatomte/dm-remap/internal/metadata"
	"github.com/amigatomte/dm-remap/internal/remaptable"
	"github.com/amigatomte/dm-remap/internal/remapworker"
	"github.com/amigatomte/dm-remap/internal/sectorio"
	"github.com/amigatomte/dm-remap/pkg/fs"
)

// drainBound is how long QUIESCING waits for the worker to flush its
// backlog before dropping remaining pending remaps (spec.md §5:
// "Teardown is bounded").
const drainBound = 5 * time.Second

// AttachOptions controls how Attach reacts to problems found while
// reassembling state from the spare's superblock copies.
type AttachOptions struct {
	// Force allows attach to proceed despite a DeviceMismatch, trusting
	// the opened devices over the persisted fingerprint.
	Force bool

	// FormatNew allows attach to proceed with an empty remap table when
	// no valid superblock copy is found at all, formatting the spare
	// fresh instead of failing with ErrMetadataCorrupt.
	FormatNew bool

	// LogFile, if non-empty, appends this target's diagnostics to a file
	// in addition to the usual go-logging sink (spec.md §6's --log-file
	// surface), opened through pkg/fs.FS rather than os directly.
	LogFile string
}

// Target is one attached device descriptor (spec.md §3): it owns the
// remap table, allocator, health tracker, metadata engine, hot-path
// dispatcher, and background worker for one main/spare device pair,
// and exposes the message-command and statistics surfaces of spec.md
// §6.
type Target struct {
	main  blockdev.Device
	spare blockdev.Device

	table     *remaptable.Table
	allocator *alloc.Allocator
	tracker   *health.Tracker
	engine    *metadata.Engine
	dispatch  *hotpath.Dispatcher
	worker    *remapworker.Worker
	logger    *diag.Logger

	fingerprint metadata.Fingerprint

	cfg   Config
	cfgMu sync.RWMutex

	versionCounter atomic.Uint64

	lastRemapAt atomic.Int64
	lastErrorAt atomic.Int64

	quiescing atomic.Bool

	workerCtx    context.Context
	workerCancel context.CancelFunc
	workerDone   chan struct{}
}

// Attach validates the already-opened main and spare devices against
// cfg, reassembles
// state from the spare's superblock copies (spec.md §4.7's six-step
// sequence), and starts the background worker. The caller remains
// responsible for eventually calling Detach.
func Attach(ctx context.Context, main, spare blockdev.Device, cfg Config, args ConstructArgs, opts AttachOptions) (*Target, error) {
	if err := ValidateSizes(main.Size(), spare.Size(), metadata.RegionSectors()*sectorio.Sector(cfg.MetadataCopies)); err != nil {
		return nil, err
	}

	fp := metadata.Fingerprint{
		MainSizeSectors:  main.Size(),
		SpareSizeSectors: spare.Size(),
		LogicalBlockSize: sectorio.SectorSize,
		IdentifierHash:   metadata.FNV32a(main.Identifier() + "|" + spare.Identifier()),
	}

	engine, err := metadata.New(spare, spare.Size(), cfg.MetadataCopies)
	if err != nil {
		return nil, errors.Wrapf(ErrConstruction, "%s", err)
	}

	logger := diag.NewLogger("target", diag.Level(cfg.DebugLevel))

	if opts.LogFile != "" {
		fileLogger, err := diag.NewFileLogger("target", diag.Level(cfg.DebugLevel), fs.NewReal(), opts.LogFile)
		if err != nil {
			return nil, errors.Wrapf(ErrConstruction, "%s", err)
		}

		logger = fileLogger
	}

	reservations := reservationsFor(spare.Size(), cfg.MetadataCopies)

	t := &Target{
		main:        main,
		spare:       spare,
		engine:      engine,
		fingerprint: fp,
		cfg:         cfg,
		logger:      logger,
		workerDone:  make(chan struct{}),
	}

	state, attachErr := engine.Attach(ctx, fp)

	switch {
	case attachErr == nil:
		if err := t.rebuildFrom(state); err != nil {
			return nil, err
		}

	case errors.Is(attachErr, metadata.ErrDeviceMismatch) && opts.Force:
		t.formatFresh(reservations)

	case errors.Is(attachErr, metadata.ErrDeviceMismatch):
		return nil, errors.Wrapf(ErrDeviceMismatch, "%s", attachErr)

	case errors.Is(attachErr, metadata.ErrMetadataCorrupt) && opts.FormatNew:
		t.formatFresh(reservations)

	case errors.Is(attachErr, metadata.ErrMetadataCorrupt):
		return nil, errors.Wrapf(ErrMetadataCorrupt, "%s", attachErr)

	case errors.Is(attachErr, metadata.ErrMetadataInconsistent):
		return nil, errors.Wrapf(ErrMetadataInconsistent, "%s", attachErr)

	default:
		return nil, errors.Wrapf(ErrMetadataCorrupt, "%s", attachErr)
	}

	t.dispatch = hotpath.New(main, spare, t.table, t.tracker, t.autoRemapEnabled, t.fastPathThreshold, t.enqueueRemap, logger)

	t.worker = remapworker.New(main, spare, t.table, t.allocator, t.tracker, t.persist, logger)
	t.worker.EnableScan(main, t.enqueueRemap)

	t.workerCtx, t.workerCancel = context.WithCancel(context.Background())

	go func() {
		defer close(t.workerDone)
		t.worker.Run(t.workerCtx)
	}()

	if attachErr == nil && len(state.StaleCopies) > 0 {
		t.scheduleRepair(state, state.StaleCopies)
	}

	logger.Infof("attached main=%s spare=%s copies=%d", main.Identifier(), spare.Identifier(), cfg.MetadataCopies)

	return t, nil
}

// reservationsFor computes the allocator's reservation ranges for the
// spare's K metadata regions, so the allocator never hands out a
// sector that overlaps a superblock copy (spec.md §3 invariant c).
func reservationsFor(spareSize sectorio.Sector, copies int) []alloc.Reservation {
	offsets := metadata.Offsets(spareSize, copies)
	regionLen := metadata.RegionSectors()

	reservations := make([]alloc.Reservation, len(offsets))
	for i, off := range offsets {
		reservations[i] = alloc.Reservation{Start: off, End: off + regionLen}
	}

	return reservations
}

func (t *Target) rebuildFrom(state *metadata.State) error {
	t.table = remaptable.New()

	for _, e := range state.Entries {
		if err := t.table.Insert(e); err != nil {
			return errors.Wrapf(ErrMetadataCorrupt, "rebuild remap table: %s", err)
		}
	}

	reservations := reservationsFor(t.spare.Size(), t.cfg.MetadataCopies)
	t.allocator = alloc.New(t.spare.Size(), reservations)
	t.allocator.RestoreWatermark(state.Watermark)

	t.tracker = health.New(t.cfg.ErrorThreshold, func(s sectorio.Sector) bool {
		_, ok := t.table.Lookup(s)
		return ok
	})

	t.versionCounter.Store(state.Version)

	return nil
}

func (t *Target) formatFresh(reservations []alloc.Reservation) {
	t.table = remaptable.New()
	t.allocator = alloc.New(t.spare.Size(), reservations)

	t.tracker = health.New(t.cfg.ErrorThreshold, func(s sectorio.Sector) bool {
		_, ok := t.table.Lookup(s)
		return ok
	})

	t.versionCounter.Store(0)
}

// scheduleRepair enqueues a best-effort rewrite of each stale or
// corrupt copy from the winning state, routed through the worker's job
// queue rather than a second concurrency primitive (SPEC_FULL.md
// §5.7).
func (t *Target) scheduleRepair(state *metadata.State, staleCopies []int) {
	entries := append([]sectorio.RemapEntry(nil), state.Entries...)
	watermark := state.Watermark
	version := state.Version
	fp := t.fingerprint
	cfg := t.persistedConfig()

	for _, idx := range staleCopies {
		idx := idx

		ok := t.worker.EnqueueJob(func(ctx context.Context) {
			if err := t.engine.RepairCopy(ctx, idx, fp, cfg, entries, watermark, version); err != nil {
				t.logger.Errorf(err, "repair copy %d failed", idx)
			}
		})
		if !ok {
			t.logger.Infof("repair of copy %d dropped: job queue full", idx)
		}
	}
}

func (t *Target) persistedConfig() metadata.TargetConfig {
	t.cfgMu.RLock()
	defer t.cfgMu.RUnlock()

	return metadata.TargetConfig{
		ErrorThreshold: uint32(t.cfg.ErrorThreshold),
		AutoRemap:      t.cfg.AutoRemap,
		MetadataCopies: uint32(t.cfg.MetadataCopies),
	}
}

// persist is the remapworker.PersistFunc wired at construction: it
// writes a new metadata generation across every copy after an
// auto-remap inserts a new VALID entry (spec.md §4.7 triggers).
func (t *Target) persist(ctx context.Context, entries []sectorio.RemapEntry) {
	version := t.versionCounter.Add(1)
	watermark := t.allocator.Watermark()
	cfg := t.persistedConfig()

	if err := t.engine.Persist(ctx, t.fingerprint, cfg, entries, watermark, version); err != nil {
		t.logger.Errorf(err, "persist metadata generation %d failed", version)
		return
	}

	t.lastRemapAt.Store(time.Now().Unix())
}

func (t *Target) autoRemapEnabled() bool {
	t.cfgMu.RLock()
	defer t.cfgMu.RUnlock()

	return t.cfg.AutoRemap
}

// fastPathThreshold reads the live fast_path_threshold byte size
// (spec.md §4.8), consulted by the dispatcher on every Submit to pick
// between its fast and general routing paths.
func (t *Target) fastPathThreshold() int {
	t.cfgMu.RLock()
	defer t.cfgMu.RUnlock()

	return t.cfg.FastPathThreshold
}

// enqueueRemap is the hotpath.RemapNotifier wired at construction.
func (t *Target) enqueueRemap(s sectorio.Sector) {
	t.lastErrorAt.Store(time.Now().Unix())
	t.worker.Enqueue(s)
}

// Submit forwards one block-I/O request to the hot-path dispatcher,
// rejecting new submissions once QUIESCING has begun (spec.md §5).
func (t *Target) Submit(ctx context.Context, op hotpath.Op, startSector sectorio.Sector, buf []byte) (*hotpath.Completion, error) {
	if t.quiescing.Load() {
		return nil, ErrShuttingDown
	}

	return t.dispatch.Submit(ctx, op, startSector, buf)
}

// Detach runs the QUIESCING teardown sequence of spec.md §5: stop
// accepting submissions, bound-drain the worker's queue, write a final
// metadata generation, then release the devices.
func (t *Target) Detach(ctx context.Context) error {
	t.quiescing.Store(true)
	t.dispatch.Close()

	drainCtx, cancel := context.WithTimeout(ctx, drainBound)
	defer cancel()

	drained, dropped := t.worker.Drain(drainCtx, drainBound)
	if dropped > 0 {
		t.logger.Infof("teardown: drained %d queued remaps, dropped %d after bound", drained, dropped)
	}

	t.worker.Stop(drainCtx)
	t.workerCancel()

	<-t.workerDone

	var live []sectorio.RemapEntry
	t.table.Iter(func(e sectorio.RemapEntry) bool {
		live = append(live, e)
		return true
	})

	version := t.versionCounter.Add(1)
	cfg := t.persistedConfig()

	if err := t.engine.Persist(ctx, t.fingerprint, cfg, live, t.allocator.Watermark(), version); err != nil {
		t.logger.Errorf(err, "final teardown persist failed")
	}

	if err := t.main.Close(); err != nil {
		return errors.Wrapf(err, "close main device")
	}

	if err := t.spare.Close(); err != nil {
		return errors.Wrapf(err, "close spare device")
	}

	if err := t.logger.Close(); err != nil {
		return errors.Wrapf(err, "close log file")
	}

	return nil
}

// HandleCommand dispatches one of spec.md §6's four message commands,
// returning the reply text the host surfaces to its caller.
func (t *Target) HandleCommand(ctx context.Context, line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", errors.Wrapf(ErrUnknownCommand, "empty command")
	}

	switch fields[0] {
	case "remap":
		return t.cmdRemap(ctx, fields[1:])
	case "clear_stats":
		return t.cmdClearStats(fields[1:])
	case "metadata_status":
		return t.cmdMetadataStatus(ctx, fields[1:])
	case "set_auto_remap":
		return t.cmdSetAutoRemap(fields[1:])
	default:
		return "", errors.Wrapf(ErrUnknownCommand, "%q", fields[0])
	}
}

func (t *Target) cmdRemap(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "error: remap requires exactly one main_sector argument", nil
	}

	n, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Sprintf("error: %s is not a sector number", args[0]), nil
	}

	sector := sectorio.Sector(n)

	if sector >= t.main.Size() {
		return fmt.Sprintf("error: sector %d out of range for main device", sector), nil
	}

	if _, ok := t.table.Lookup(sector); ok {
		return "ok", nil
	}

	t.worker.EnqueueManual(sector)

	return "ok", nil
}

func (t *Target) cmdClearStats(args []string) (string, error) {
	if len(args) != 0 {
		return "error: clear_stats takes no arguments", nil
	}

	t.dispatch.TotalReads.Store(0)
	t.dispatch.TotalWrites.Store(0)
	t.dispatch.TotalErrors.Store(0)
	t.worker.ResetCounters()
	t.lastRemapAt.Store(0)
	t.lastErrorAt.Store(0)

	return "ok", nil
}

func (t *Target) cmdMetadataStatus(ctx context.Context, args []string) (string, error) {
	if len(args) != 0 {
		return "error: metadata_status takes no arguments", nil
	}

	state, err := t.engine.Attach(ctx, t.fingerprint)
	if err != nil {
		t.logger.Errorf(err, "metadata_status: re-read failed")
		return fmt.Sprintf("error: %s", err), nil
	}

	t.logger.Infof("metadata_status: version=%d winning_copy=%d stale_copies=%v",
		state.Version, state.WinningCopy, state.StaleCopies)

	return "ok", nil
}

func (t *Target) cmdSetAutoRemap(args []string) (string, error) {
	if len(args) != 1 {
		return "error: set_auto_remap requires exactly one 0|1 argument", nil
	}

	switch args[0] {
	case "0":
		t.cfgMu.Lock()
		t.cfg.AutoRemap = false
		t.cfgMu.Unlock()
	case "1":
		t.cfgMu.Lock()
		t.cfg.AutoRemap = true
		t.cfgMu.Unlock()
	default:
		return fmt.Sprintf("error: %s is not 0 or 1", args[0]), nil
	}

	return "ok", nil
}

// StatusLine renders spec.md §6's byte-exact status line:
//
//	health=<0-100> errors=W<uint>:R<uint> auto_remaps=<uint> manual_remaps=<uint> scan=<0-100>%
func (t *Target) StatusLine() string {
	failed := t.tracker.CountByState(health.StateFailed)

	mainSectors := t.main.Size()

	healthScore := 100
	if mainSectors > 0 {
		pct := 100 * failed / int(mainSectors)
		if pct > 100 {
			pct = 100
		}

		healthScore = 100 - pct
	}

	writeErrors, readErrors := t.errorTotals()

	return fmt.Sprintf("health=%d errors=W%d:R%d auto_remaps=%d manual_remaps=%d scan=%d%%",
		healthScore, writeErrors, readErrors, t.worker.AutoRemaps(), t.worker.ManualRemaps(), t.worker.ScanProgress())
}

// errorTotals sums read/write error counters across every sector the
// health tracker has a record for, not just ones that went on to get a
// remap-table entry — a sector quarantined but never remapped (below
// error_threshold, or abandoned because the allocator was exhausted,
// spec.md §8 scenario 6) still has to count here.
func (t *Target) errorTotals() (writeErrors, readErrors uint64) {
	t.tracker.Iter(func(_ sectorio.Sector, rec health.Record) {
		writeErrors += uint64(rec.WriteErrors)
		readErrors += uint64(rec.ReadErrors)
	})

	return writeErrors, readErrors
}

// Stats is the flat key/value surface of spec.md §6's statistics
// export.
type Stats struct {
	TotalReads       uint64
	TotalWrites      uint64
	TotalRemaps      uint64
	TotalErrors      uint64
	ActiveMappings   int
	LastRemapTime    int64
	LastErrorTime    int64
	AvgLatencyUs     uint64
	RemappedSectors  int
	SpareSectorsUsed sectorio.Sector
	RemapRatePerHour float64
	ErrorRatePerHour float64
	HealthScore      int
}

// startEpoch anchors the rate-per-hour statistics. It is set once when
// the package is initialized, so every target in the process measures
// its rates from process start, not from its own Attach.
var startEpoch = time.Now()

// Export returns a snapshot of Stats, the statistics surface of
// spec.md §6.
func (t *Target) Export() Stats {
	active := t.table.Count()
	failed := t.tracker.CountByState(health.StateFailed)

	mainSectors := t.main.Size()

	healthScore := 100
	if mainSectors > 0 {
		pct := 100 * failed / int(mainSectors)
		if pct > 100 {
			pct = 100
		}

		healthScore = 100 - pct
	}

	elapsedHours := time.Since(startEpoch).Hours()
	if elapsedHours < 1.0/3600 {
		elapsedHours = 1.0 / 3600
	}

	totalRemaps := t.worker.AutoRemaps() + t.worker.ManualRemaps()
	totalErrors := t.dispatch.TotalErrors.Load()

	return Stats{
		TotalReads:       t.dispatch.TotalReads.Load(),
		TotalWrites:      t.dispatch.TotalWrites.Load(),
		TotalRemaps:      totalRemaps,
		TotalErrors:      totalErrors,
		ActiveMappings:   active,
		LastRemapTime:    t.lastRemapAt.Load(),
		LastErrorTime:    t.lastErrorAt.Load(),
		RemappedSectors:  active,
		SpareSectorsUsed: t.allocator.Watermark(),
		RemapRatePerHour: float64(totalRemaps) / elapsedHours,
		ErrorRatePerHour: float64(totalErrors) / elapsedHours,
		HealthScore:      healthScore,
	}
}
