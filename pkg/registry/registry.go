// Package registry is the top-level name -> collection directory spec.md
// §4.7 describes. Grounded directly on the teacher's pkg/tenant.Manager
// (create/get/delete/list of named entries under one sync.RWMutex), with
// the teacher's Quota/Usage repurposed from multi-tenant SaaS limits onto a
// per-collection memory cap, and a new on-disk enumeration step the
// teacher's purely in-memory Manager never needed.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vectorcore-io/vectorcore/pkg/collection"
	"github.com/vectorcore-io/vectorcore/pkg/observability"
	"github.com/vectorcore-io/vectorcore/pkg/persistence"
)

// loadConfig recovers a collection's own Config from its newest valid
// snapshot generation, so Open can reconstruct it without a separate
// sidecar config file.
func loadConfig(dir string) (*collection.Config, error) {
	raw, err := persistence.ReadLatestConfig(dir)
	if err != nil {
		return nil, err
	}
	var cfg collection.Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode collection config: %w", err)
	}
	return &cfg, nil
}

// Options bundles the persistence tunables every collection under this
// registry is opened with. Individual collections don't get per-collection
// overrides; spec.md §4.6 describes these as engine-level settings.
type Options struct {
	FlushInterval    time.Duration
	FlushBytes       int64
	SnapshotInterval time.Duration
	SnapshotLogBytes int64
	MaxSnapshots     int
	Compress         bool
}

// DefaultOptions mirrors the teacher's persistence defaults (500ms/1MiB
// flush, 5 minute/16MiB snapshot cadence, keep 3 generations, zstd on).
func DefaultOptions() Options {
	return Options{
		FlushInterval:    500 * time.Millisecond,
		FlushBytes:       1 << 20,
		SnapshotInterval: 5 * time.Minute,
		SnapshotLogBytes: 16 << 20,
		MaxSnapshots:     3,
		Compress:         true,
	}
}

type entry struct {
	coll  *collection.Collection
	quota *CollectionQuota
}

// Registry holds every open collection under a data directory, gating
// create/drop with a single write lock and everything else with a read
// lock, exactly the lease spec.md §5 assigns it ("write lock only for
// create/drop").
type Registry struct {
	dataDir string
	opts    Options
	metrics *observability.Metrics

	mu      sync.RWMutex
	entries map[string]*entry
}

// Open builds a Registry rooted at dataDir and recovers every collection
// already present there (one subdirectory per collection, spec.md §4.7:
// "on startup the registry enumerates the data directory and loads each
// collection's snapshot+oplog"). A collection whose on-disk config can't be
// read is skipped with an error collected rather than aborting the whole
// registry, so one corrupt collection doesn't block every other one.
func Open(dataDir string, opts Options, metrics *observability.Metrics) (*Registry, []error) {
	r := &Registry{
		dataDir: dataDir,
		opts:    opts,
		metrics: metrics,
		entries: make(map[string]*entry),
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return r, []error{fmt.Errorf("create data dir: %w", err)}
	}

	dirEntries, err := os.ReadDir(dataDir)
	if err != nil {
		return r, []error{fmt.Errorf("read data dir: %w", err)}
	}

	var errs []error
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		name := de.Name()
		cfg, err := loadConfig(filepath.Join(dataDir, name))
		if err != nil {
			errs = append(errs, fmt.Errorf("collection %s: %w", name, err))
			continue
		}
		if err := r.openCollection(name, *cfg, DefaultQuota()); err != nil {
			errs = append(errs, fmt.Errorf("collection %s: %w", name, err))
		}
	}

	return r, errs
}

func (r *Registry) openCollection(name string, cfg collection.Config, quota Quota) error {
	dir := filepath.Join(r.dataDir, name)
	coll, err := collection.Open(dir, cfg, r.opts.FlushInterval, r.opts.FlushBytes,
		r.opts.SnapshotInterval, r.opts.SnapshotLogBytes, r.opts.MaxSnapshots, r.opts.Compress, r.metrics)
	if err != nil {
		return err
	}

	cq := NewCollectionQuota(quota)
	stats, err := coll.Stats(context.Background())
	if err == nil {
		cq.IncrementVectorCount(int64(stats.LiveCount))
		cq.SetStorageBytes(stats.MemoryBytes)
	}
	coll.SetQuota(cq)

	r.entries[name] = &entry{coll: coll, quota: cq}
	r.recordCollectionMetrics(name, cq)
	return nil
}

// recordCollectionMetrics pushes the registry's live collection count and
// name's quota usage into the shared *observability.Metrics, the same
// gauges a multi-tenant deployment would key per tenant instead of per
// collection. A no-op when the registry was opened without metrics.
func (r *Registry) recordCollectionMetrics(name string, cq *CollectionQuota) {
	if r.metrics == nil {
		return
	}
	r.metrics.UpdateTenantCount(len(r.entries))
	for resource, pct := range cq.UsagePercentage() {
		r.metrics.UpdateTenantQuota(name, resource, pct)
	}
}

// CreateCollection opens a brand-new collection under this registry. It
// fails with Exists if name is already open.
func (r *Registry) CreateCollection(cfg collection.Config, quota Quota) (*collection.Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[cfg.Name]; ok {
		return nil, &collection.Error{Kind: collection.ErrExists, Msg: fmt.Sprintf("collection %q already exists", cfg.Name)}
	}

	if err := r.openCollection(cfg.Name, cfg, quota); err != nil {
		return nil, err
	}

	return r.entries[cfg.Name].coll, nil
}

// DropCollection closes and permanently removes name's on-disk state.
func (r *Registry) DropCollection(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return &collection.Error{Kind: collection.ErrNotFound, Msg: fmt.Sprintf("collection %q not found", name)}
	}

	if err := e.coll.Close(); err != nil {
		return fmt.Errorf("close collection %q: %w", name, err)
	}
	delete(r.entries, name)

	if r.metrics != nil {
		r.metrics.UpdateTenantCount(len(r.entries))
	}

	return os.RemoveAll(filepath.Join(r.dataDir, name))
}

// GetCollection returns the open collection named name.
func (r *Registry) GetCollection(name string) (*collection.Collection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, &collection.Error{Kind: collection.ErrNotFound, Msg: fmt.Sprintf("collection %q not found", name)}
	}
	return e.coll, nil
}

// Quota returns the capacity tracker for name. openCollection already
// installs the same tracker into the collection itself via SetQuota, so
// Insert enforces it directly (spec.md §5: "insert returns
// CapacityExceeded when the cap would be breached"); this accessor is for
// callers that want to inspect current usage (e.g. Usage/UsagePercentage)
// without going through Stats.
func (r *Registry) Quota(name string) (*CollectionQuota, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, &collection.Error{Kind: collection.ErrNotFound, Msg: fmt.Sprintf("collection %q not found", name)}
	}
	return e.quota, nil
}

// ListCollections returns every currently open collection's name.
func (r *Registry) ListCollections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Close closes every open collection, returning the first error
// encountered (if any) after attempting all of them.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, e := range r.entries {
		if err := e.coll.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close collection %q: %w", name, err)
		}
	}
	return firstErr
}
