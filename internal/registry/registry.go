// Package registry tracks every target attached within one host
// process and durably mirrors the attachment list to a local sidecar
// file, so a restarted management process can enumerate what was
// attached before it exited and reattach accordingly (spec.md §9
// design note: the source's module-level parameter table, exported to
// a sysfs-like surface, is replaced here by an explicit in-process
// table plus durable snapshot rather than global mutable state).
//
// The mutex-guarded map keyed by identity mirrors the teacher's
// pkg/slotcache/lock.go fileRegistry pattern; the durable snapshot write
// uses github.com/natefinch/atomic's rename-into-place write rather than
// pkg/fs's plain WriteFile or its AtomicWriter. Reading the snapshot back
// goes through pkg/fs.FS, the same abstraction internal/target's config
// loader uses for its sidecar file.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"

	natomic "github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"github.com/amigatomte/dm-remap/internal/target"
	"github.com/amigatomte/dm-remap/pkg/fs"
)

// ErrNotFound is returned by Get/Detach for an unregistered name.
var ErrNotFound = errors.New("registry: no target registered under that name")

// ErrAlreadyRegistered is returned by Attach when name is already in
// use.
var ErrAlreadyRegistered = errors.New("registry: name already registered")

// entry pairs a live Target with the construction metadata needed to
// describe it in a snapshot (and, for a future management tool, to
// reattach it) without re-deriving that metadata from the Target
// itself.
type entry struct {
	target *target.Target
	record Record
}

// Record is the durable, JSON-serializable description of one
// attached target, persisted in the registry snapshot. It intentionally excludes
// open file descriptors and in-memory state (the remap table,
// allocator, health map) — that state is reconstructed from the
// spare's own superblock at the next real Attach, per spec.md §4.7.
type Record struct {
	Name      string        `json:"name"`
	MainPath  string        `json:"main_path"`
	SparePath string        `json:"spare_path"`
	Config    target.Config `json:"config"`
}

// Registry is a process-wide table of named attached targets, safe
// for concurrent use.
type Registry struct {
	mu           sync.Mutex
	entries      map[string]*entry
	snapshotPath string
}

// New creates an empty Registry. snapshotPath may be empty, in which
// case Attach/Detach never touch disk (useful for tests that only
// need the in-memory table).
func New(snapshotPath string) *Registry {
	return &Registry{
		entries:      make(map[string]*entry),
		snapshotPath: snapshotPath,
	}
}

// Attach registers tgt under name alongside the construction metadata
// needed to describe it durably, then writes an updated snapshot.
// Returns ErrAlreadyRegistered if name is already in use.
func (r *Registry) Attach(name string, tgt *target.Target, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; ok {
		return errors.Wrapf(ErrAlreadyRegistered, "%q", name)
	}

	rec.Name = name
	r.entries[name] = &entry{target: tgt, record: rec}

	return r.persistLocked()
}

// Get returns the live Target registered under name.
func (r *Registry) Get(name string) (*target.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%q", name)
	}

	return e.target, nil
}

// Detach runs the named target's teardown sequence, removes it from
// the table, and rewrites the snapshot.
func (r *Registry) Detach(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	if !ok {
		r.mu.Unlock()
		return errors.Wrapf(ErrNotFound, "%q", name)
	}
	delete(r.entries, name)
	snapshotErr := r.persistLocked()
	r.mu.Unlock()

	detachErr := e.target.Detach(ctx)

	if detachErr != nil {
		return errors.Wrapf(detachErr, "detach %q", name)
	}

	return snapshotErr
}

// List returns every registered Record, sorted by name, for the ls
// surface of a host management tool.
func (r *Registry) List() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		records = append(records, e.record)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })

	return records
}

// persistLocked writes the current table to snapshotPath. Must be
// called with mu held. A no-op when snapshotPath is empty.
func (r *Registry) persistLocked() error {
	if r.snapshotPath == "" {
		return nil
	}

	records := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		records = append(records, e.record)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.Wrap(err, "registry: marshal snapshot")
	}

	if err := natomic.WriteFile(r.snapshotPath, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "registry: write snapshot %q", r.snapshotPath)
	}

	return nil
}

// LoadRecords reads a snapshot file previously written by Attach, for
// a management tool to report what was attached before this process
// started. It does not reattach anything — spec.md's attach sequence
// requires live device handles the snapshot cannot carry.
func LoadRecords(snapshotPath string) ([]Record, error) {
	data, err := fs.NewReal().ReadFile(snapshotPath)
	if err != nil {
		return nil, errors.Wrapf(err, "registry: read snapshot %q", snapshotPath)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, errors.Wrapf(err, "registry: decode snapshot %q", snapshotPath)
	}

	return records, nil
}
