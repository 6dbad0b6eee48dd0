package collection

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vectorcore-io/vectorcore/internal/quantization"
	"github.com/vectorcore-io/vectorcore/pkg/distance"
	"github.com/vectorcore-io/vectorcore/pkg/hnsw"
	"github.com/vectorcore-io/vectorcore/pkg/observability"
	"github.com/vectorcore-io/vectorcore/pkg/persistence"
	"github.com/vectorcore-io/vectorcore/pkg/predicate"
	"github.com/vectorcore-io/vectorcore/pkg/store"
)

// batchWorkers bounds the fan-out Collection's batch methods use, the same
// cap pkg/hnsw/batch.go applies to its own batch helpers.
const batchWorkers = 8

// SearchHit is one ranked result from Search/BatchSearch: the external id,
// the user-facing score, and the payload. Score is remapped from the
// index's internal lower-is-closer convention to the metric's own public
// convention (spec.md §4.1): similarity for cosine and dot, where a higher
// score means a closer match, and distance for euclidean/squared euclidean,
// where a lower score means a closer match. See publicScore.
type SearchHit struct {
	ID      string
	Score   float32
	Payload []byte
}

// InsertItem is one element of a BatchInsert call.
type InsertItem struct {
	ID      string
	Vector  []float32
	Payload []byte
}

// ItemResult is the per-item outcome of a batch insert.
type ItemResult struct {
	InternalIndex uint64
	Err           error
}

// SearchBatchResult is the per-query outcome of a BatchSearch call.
type SearchBatchResult struct {
	Hits []SearchHit
	Err  error
}

// Stats reports a collection's current shape, spec.md §6's stats() call.
type Stats struct {
	LiveCount        int
	TombstonedCount  uint64
	Dimension        int
	Metric           distance.Metric
	Index            IndexParams
	Quantization     QuantizationKind
	QuantizerTrained bool
	MemoryBytes      int64
	Degraded         bool
}

// Collection binds a vector store, an HNSW index, an optional quantizer,
// and a persistence manager into the unit spec.md §4.5 calls a Collection.
// Grounded on the teacher's tenant.Tenant (pkg/tenant/manager.go) for the
// RW-lease-guarded-struct-with-usage-counters shape, generalized here from
// tenant quotas to the dimension/quantization/normalization/op-log
// invariants a vector collection must enforce on every call.
type Collection struct {
	dir      string
	cfg      Config
	metricFn distance.Func

	// mu is the collection-level lease spec.md §5 describes: Compact takes
	// a write lease since it swaps the index pointer wholesale; every other
	// operation takes a read lease and relies on the store's and the
	// graph's own finer-grained locking for safety.
	mu sync.RWMutex

	store store.Store
	index *hnsw.Index

	quantizer      quantization.PersistentQuantizer
	quantizerMu    sync.Mutex
	quantizerReady atomic.Bool
	trainingBuffer [][]float32

	codesMu sync.RWMutex
	codes   map[uint64][]byte // internal index -> binary quantization code, coarse-filter cache only

	persist  *persistence.Manager
	lastOpID atomic.Uint64

	degraded atomic.Bool
	closed   atomic.Bool
	busy     atomic.Bool // guards Compact, spec.md §6 compact() -> Ok | Err(Busy)

	logger  *observability.Logger
	metrics *observability.Metrics

	stopSnapshotter func()

	quota QuotaEnforcer
}

// QuotaEnforcer is the capacity gate a registry injects into a Collection
// at open time (SetQuota), satisfied by *registry.CollectionQuota. Defined
// here rather than imported from pkg/registry so pkg/collection never has
// to depend on its own caller; Insert/Delete/Compact consult it to turn
// spec.md §5's "configured maximum bytes for vectors+graph per collection"
// into the CapacityExceeded error spec.md §6/§7 require, rather than
// leaving that enforcement for an outer layer to bolt on.
type QuotaEnforcer interface {
	CheckVectorQuota(count int64) error
	CheckStorageQuota(bytes int64) error
	IncrementVectorCount(delta int64)
	SetStorageBytes(bytes int64)
}

// SetQuota installs the capacity tracker Insert/Delete/Compact consult.
// Called once by pkg/registry right after Open, before the collection is
// handed to any caller; a Collection opened directly (bypassing the
// registry, e.g. in tests) has no quota and Insert never returns
// CapacityExceeded.
func (c *Collection) SetQuota(q QuotaEnforcer) {
	c.quota = q
}

// Open creates or recovers the collection named by cfg.Name under dir,
// replaying any persisted op log on top of the latest valid snapshot, per
// spec.md §4.6 recovery.
func Open(dir string, cfg Config, flushInterval time.Duration, flushBytes int64, snapshotInterval time.Duration, snapshotLogBytes int64, maxSnapshots int, compress bool, metrics *observability.Metrics) (*Collection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	metricFn, err := distance.Resolve(cfg.Metric)
	if err != nil {
		return nil, newErr(ErrInvalidConfig, err.Error(), err)
	}

	durability := persistence.DurabilityAsync
	if cfg.Durability == "sync" {
		durability = persistence.DurabilitySync
	}

	mgr, recovered, err := persistence.Open(dir, durability, flushInterval, flushBytes, maxSnapshots, compress)
	if err != nil {
		return nil, newErr(ErrIO, "open persistence manager", err)
	}

	c := &Collection{
		dir:      dir,
		cfg:      cfg,
		metricFn: metricFn,
		persist:  mgr,
		codes:    make(map[uint64][]byte),
		logger:   observability.NewDefaultLogger().WithField("collection", cfg.Name),
		metrics:  metrics,
	}

	if cfg.Quantization.Kind != QuantizationNone {
		c.quantizer = newQuantizer(cfg.Quantization)
	}

	if err := c.restore(recovered); err != nil {
		mgr.Close()
		return nil, err
	}

	if snapshotInterval > 0 {
		c.stopSnapshotter = mgr.RunBackgroundSnapshotter(snapshotInterval, snapshotLogBytes, c.buildSnapshot, func(err error) {
			// Background snapshot errors never surface to foreground
			// operations (spec.md §7); they are only logged.
			c.logger.Error("background snapshot failed", map[string]interface{}{"error": err.Error()})
		})
	}

	return c, nil
}

func newQuantizer(qc QuantizationConfig) quantization.PersistentQuantizer {
	switch qc.Kind {
	case QuantizationScalar:
		return quantization.NewScalarQuantizer()
	case QuantizationProduct:
		m := qc.PQSubvectors
		if m <= 0 {
			m = 8
		}
		bits := qc.PQBits
		if bits <= 0 {
			bits = 8
		}
		return quantization.NewProductQuantizer(m, bits)
	case QuantizationBinary:
		return quantization.NewBinaryQuantizer()
	default:
		return nil
	}
}

func (c *Collection) newStore() (store.Store, error) {
	switch c.cfg.Storage {
	case StorageMMap:
		ms, err := store.NewMMapStore(filepath.Join(c.dir, "vectors"))
		if err != nil {
			return nil, newErr(ErrIO, "open mmap store", err)
		}
		return ms, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

// restore rebuilds in-memory state from a recovered snapshot (if any) and
// replays every op-log record after it, applying each without re-appending
// to the log it was already read from.
func (c *Collection) restore(r *persistence.Recovered) error {
	st, err := c.newStore()
	if err != nil {
		return err
	}
	c.store = st

	var lastOpID uint64

	if r.Snapshot != nil {
		if err := c.store.RestoreAll(r.Snapshot.Records); err != nil {
			return fromStoreErr(err)
		}

		// The GRAPH section never carries per-node vectors (they already
		// live, once, in VECTORS); repopulate them here by internal index
		// before handing the snapshot to hnsw.Restore, or every restored
		// node would come back with a nil vector.
		if r.Snapshot.Graph != nil {
			byIndex := make(map[uint64][]float32, len(r.Snapshot.Records))
			for _, rec := range r.Snapshot.Records {
				byIndex[rec.InternalIndex] = rec.Vector
			}
			for i := range r.Snapshot.Graph.Nodes {
				r.Snapshot.Graph.Nodes[i].Vector = byIndex[r.Snapshot.Graph.Nodes[i].ID]
			}
			c.index = hnsw.Restore(r.Snapshot.Graph)
		} else {
			c.index = hnsw.New(hnsw.IndexConfig{
				M:              c.cfg.Index.M,
				EfConstruction: c.cfg.Index.EfConstruction,
				DistanceFunc:   c.metricFn,
				Seed:           c.cfg.Index.Seed,
			})
		}

		if c.quantizer != nil && len(r.Snapshot.Quant) > 0 {
			if err := c.quantizer.Deserialize(r.Snapshot.Quant); err != nil {
				return newErr(ErrCorrupt, "restore quantizer state", err)
			}
			c.quantizerReady.Store(true)
		}

		lastOpID = r.Snapshot.LastOpID
	} else {
		c.index = hnsw.New(hnsw.IndexConfig{
			M:              c.cfg.Index.M,
			EfConstruction: c.cfg.Index.EfConstruction,
			DistanceFunc:   c.metricFn,
			Seed:           c.cfg.Index.Seed,
		})
	}

	for _, rec := range r.Replay {
		if err := c.applyRecord(rec); err != nil {
			return err
		}
		if rec.OpID > lastOpID {
			lastOpID = rec.OpID
		}
	}
	c.lastOpID.Store(lastOpID)

	if c.quantizerReady.Load() && c.cfg.Quantization.Kind == QuantizationBinary {
		for _, rec := range c.store.ExportAll() {
			if !rec.Tombstoned {
				c.maybeStoreCode(rec.InternalIndex, rec.Vector)
			}
		}
	}

	return nil
}

// applyRecord replays one op-log record against the store and graph,
// without touching the log itself -- used by restore to reconstruct state
// exactly as of the crash, one record at a time.
func (c *Collection) applyRecord(rec persistence.Record) error {
	switch rec.Kind {
	case persistence.OpInsert:
		b, err := persistence.DecodeInsertBody(rec.Body)
		if err != nil {
			return newErr(ErrCorrupt, "decode insert record", err)
		}
		if err := c.store.PutAt(b.InternalIndex, b.ExternalID, b.Vector, b.Payload); err != nil {
			return fromStoreErr(err)
		}
		if err := c.index.InsertAt(context.Background(), b.InternalIndex, b.Vector); err != nil {
			return newErr(ErrCorrupt, "replay insert into graph", err)
		}
	case persistence.OpUpdate:
		b, err := persistence.DecodeUpdateBody(rec.Body)
		if err != nil {
			return newErr(ErrCorrupt, "decode update record", err)
		}
		if _, err := c.store.Tombstone(b.ExternalID); err != nil {
			return fromStoreErr(err)
		}
		_ = c.index.Tombstone(b.OldInternalIndex)
		if err := c.store.PutAt(b.NewInternalIndex, b.ExternalID, b.Vector, b.Payload); err != nil {
			return fromStoreErr(err)
		}
		if err := c.index.InsertAt(context.Background(), b.NewInternalIndex, b.Vector); err != nil {
			return newErr(ErrCorrupt, "replay update into graph", err)
		}
	case persistence.OpPayloadUpdate:
		b, err := persistence.DecodePayloadUpdateBody(rec.Body)
		if err != nil {
			return newErr(ErrCorrupt, "decode payload update record", err)
		}
		if err := c.store.UpdatePayload(b.ExternalID, b.Payload); err != nil {
			return fromStoreErr(err)
		}
	case persistence.OpTombstone:
		b, err := persistence.DecodeTombstoneBody(rec.Body)
		if err != nil {
			return newErr(ErrCorrupt, "decode tombstone record", err)
		}
		if _, err := c.store.Tombstone(b.ExternalID); err != nil {
			return fromStoreErr(err)
		}
		_ = c.index.Tombstone(b.InternalIndex)
	case persistence.OpConfigChange, persistence.OpBarrier:
		// descriptive only: config changes don't replay structurally, and a
		// barrier just marks a clean shutdown point.
	}
	return nil
}

func (c *Collection) checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if ctx.Err() == context.Canceled {
			return newErr(ErrCancelled, "operation cancelled", ctx.Err())
		}
		return newErr(ErrTimeout, "operation deadline exceeded", ctx.Err())
	default:
		return nil
	}
}

func (c *Collection) checkOpen() error {
	if c.closed.Load() {
		return newErr(ErrShutdown, "collection is closed", nil)
	}
	return nil
}

// normalizeIfCosine L2-normalizes v when the collection's metric is cosine,
// per spec.md §4.1 ("collections configured as cosine SHOULD store
// L2-normalized copies") and §8 invariant 3. Any other metric passes v
// through unchanged.
func (c *Collection) normalizeIfCosine(v []float32) []float32 {
	if c.cfg.Metric == distance.MetricCosine || c.cfg.Metric == "" {
		return distance.Normalize(v)
	}
	return v
}

// publicScore remaps internal, lower-is-closer scores back to the
// user-facing convention each metric exposes: similarity for cosine and dot
// (higher is closer), distance for euclidean/squared euclidean (lower is
// closer, already the index's own convention so no remap applies). See
// SearchHit's doc comment and spec.md §4.1.
func (c *Collection) publicScore(internal float32) float32 {
	switch c.cfg.Metric {
	case distance.MetricCosine, "":
		return 1 - internal
	case distance.MetricDot:
		return -internal
	default:
		return internal
	}
}

// appendOp writes one record to the op log and marks the collection
// degraded if the log's background flusher has previously failed to fsync,
// per spec.md §7's Degraded state ("persistence errors after in-memory
// commit but during async fsync").
func (c *Collection) appendOp(kind persistence.OpKind, body []byte) (uint64, error) {
	opID, err := c.persist.Log.Append(kind, body, time.Now().UnixNano())
	if err != nil {
		return 0, fromPersistenceErr(err)
	}
	c.lastOpID.Store(opID)
	if lastErr := c.persist.Log.LastFlushError(); lastErr != nil {
		c.degraded.Store(true)
	}
	return opID, nil
}

// buildSnapshot captures the collection's full state for persistence.Manager
// to write, per spec.md §4.6. Callers must not hold mu when invoking this
// (it takes its own read lease); Compact releases mu before calling it.
func (c *Collection) buildSnapshot() *persistence.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cfgBytes, _ := json.Marshal(c.cfg)

	var quantBytes []byte
	if c.quantizer != nil && c.quantizerReady.Load() {
		if b, err := c.quantizer.Serialize(); err == nil {
			quantBytes = b
		}
	}

	return &persistence.Snapshot{
		Config:   cfgBytes,
		Quant:    quantBytes,
		Records:  c.store.ExportAll(),
		Graph:    c.index.Export(),
		LastOpID: c.lastOpID.Load(),
	}
}

// maybeStoreCode caches vector's binary-quantization code for internalIndex,
// used only as the coarse pre-filter Search applies ahead of exact
// re-ranking (spec.md §9 Open Question 2: "coarse filter, not terminal
// form"). A no-op unless the collection uses binary quantization and
// training has completed.
func (c *Collection) maybeStoreCode(internalIndex uint64, vector []float32) {
	if c.quantizer == nil || c.cfg.Quantization.Kind != QuantizationBinary || !c.quantizerReady.Load() {
		return
	}
	code := c.quantizer.Encode(vector)
	c.codesMu.Lock()
	c.codes[internalIndex] = code
	c.codesMu.Unlock()
}

func (c *Collection) forgetCode(internalIndex uint64) {
	c.codesMu.Lock()
	delete(c.codes, internalIndex)
	c.codesMu.Unlock()
}

func (c *Collection) codeOf(internalIndex uint64) ([]byte, bool) {
	c.codesMu.RLock()
	defer c.codesMu.RUnlock()
	code, ok := c.codes[internalIndex]
	return code, ok
}

// coarseAccept builds the Hamming-distance pre-filter for a query's binary
// code: a candidate with no cached code (inserted before training finished)
// is always accepted, so the filter can only narrow the result set, never
// silently reject vectors it never had a chance to quantize.
func (c *Collection) coarseAccept(queryCode []byte) func(id uint64) bool {
	maxDist := (len(queryCode) * 8) / 2
	return func(id uint64) bool {
		code, ok := c.codeOf(id)
		if !ok {
			return true
		}
		return quantization.HammingDistance(queryCode, code) <= maxDist
	}
}

// trainIfDue accumulates vector into the quantizer's training buffer and
// fits it once the configured threshold is reached, per spec.md §4.2
// ("Training is performed once per collection, on the first batch of N≥k
// vectors reaching a threshold, and frozen thereafter").
func (c *Collection) trainIfDue(vector []float32) {
	if c.quantizer == nil || c.quantizerReady.Load() || c.cfg.Quantization.TrainThreshold <= 0 {
		return
	}

	c.quantizerMu.Lock()
	defer c.quantizerMu.Unlock()
	if c.quantizerReady.Load() {
		return
	}

	buffered := append([]float32(nil), vector...)
	c.trainingBuffer = append(c.trainingBuffer, buffered)
	if len(c.trainingBuffer) < c.cfg.Quantization.TrainThreshold {
		return
	}

	if err := c.quantizer.Train(c.trainingBuffer); err == nil {
		c.quantizerReady.Store(true)
	}
	c.trainingBuffer = nil
}

// Insert adds id/vector[/payload] to the collection. Internal index
// allocation is owned by the store (store.Put self-assigns), and the graph
// mirrors it exactly via hnsw.Index.InsertAt, so the bimap and the graph
// never disagree about which id maps to which node (spec.md §4.3).
func (c *Collection) Insert(ctx context.Context, id string, vector []float32, payload []byte) (uint64, error) {
	if err := c.checkCtx(ctx); err != nil {
		return 0, err
	}
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if len(vector) != c.cfg.Dimension {
		return 0, newErr(ErrDimensionMismatch, fmt.Sprintf("expected dimension %d, got %d", c.cfg.Dimension, len(vector)), nil)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	vector = c.normalizeIfCosine(vector)

	if _, ok := c.store.InternalOf(id); ok {
		if c.cfg.Duplicate == DuplicateReinsert {
			if err := c.updateLocked(ctx, id, vector, payload, true, true); err != nil {
				return 0, err
			}
			idx, _ := c.store.InternalOf(id)
			return idx, nil
		}
		return 0, newErr(ErrDuplicateID, "external id already exists: "+id, nil)
	}

	if c.quota != nil {
		if err := c.quota.CheckVectorQuota(1); err != nil {
			return 0, newErr(ErrCapacityExceeded, err.Error(), err)
		}
		estimatedBytes := int64(len(vector))*4 + int64(len(payload))
		if err := c.quota.CheckStorageQuota(estimatedBytes); err != nil {
			return 0, newErr(ErrCapacityExceeded, err.Error(), err)
		}
	}

	internalIndex, err := c.store.Put(id, vector, payload)
	if err != nil {
		return 0, fromStoreErr(err)
	}
	if err := c.index.InsertAt(ctx, internalIndex, vector); err != nil {
		return 0, newErr(ErrInvalidParameters, "insert into graph", err)
	}

	c.trainIfDue(vector)
	c.maybeStoreCode(internalIndex, vector)

	if _, err := c.appendOp(persistence.OpInsert, persistence.EncodeInsertBody(persistence.InsertBody{
		ExternalID: id, InternalIndex: internalIndex, Vector: vector, Payload: payload,
	})); err != nil {
		return 0, err
	}

	if c.quota != nil {
		c.quota.IncrementVectorCount(1)
		c.quota.SetStorageBytes(c.store.EstimatedBytes())
	}

	if c.metrics != nil {
		c.metrics.RecordInsert(c.cfg.Name, 1)
		c.metrics.UpdateIndexSize(c.cfg.Name, int(c.index.Size()))
	}

	return internalIndex, nil
}

// Update replaces id's vector and/or payload. A vector change tombstones
// the old internal node and inserts a fresh one under the same external id
// (spec.md §4.4.6); a payload-only change mutates the payload store in
// place without touching the graph, and still writes a PayloadUpdate record
// to the op log so WAL replay alone reconstructs full collection state
// (spec.md §9 Open Question 1).
func (c *Collection) Update(ctx context.Context, id string, newVector []float32, newPayload []byte) error {
	if err := c.checkCtx(ctx); err != nil {
		return err
	}
	if err := c.checkOpen(); err != nil {
		return err
	}
	if newVector != nil && len(newVector) != c.cfg.Dimension {
		return newErr(ErrDimensionMismatch, fmt.Sprintf("expected dimension %d, got %d", c.cfg.Dimension, len(newVector)), nil)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if newVector != nil {
		newVector = c.normalizeIfCosine(newVector)
	}

	return c.updateLocked(ctx, id, newVector, newPayload, newVector != nil, newPayload != nil)
}

func (c *Collection) updateLocked(ctx context.Context, id string, newVector []float32, newPayload []byte, hasVector, hasPayload bool) error {
	if !hasVector && !hasPayload {
		return nil
	}

	if hasVector {
		oldIdx, ok := c.store.InternalOf(id)
		if !ok {
			return newErr(ErrNotFound, "external id not found: "+id, nil)
		}

		payload := newPayload
		if !hasPayload {
			existing, _ := c.store.GetByInternal(oldIdx)
			payload = existing.Payload
		}

		if _, err := c.store.Tombstone(id); err != nil {
			return fromStoreErr(err)
		}
		_ = c.index.Tombstone(oldIdx)
		c.forgetCode(oldIdx)
		if c.quota != nil {
			c.quota.IncrementVectorCount(-1)
		}

		newIdx, err := c.store.Put(id, newVector, payload)
		if err != nil {
			return fromStoreErr(err)
		}
		if err := c.index.InsertAt(ctx, newIdx, newVector); err != nil {
			return newErr(ErrInvalidParameters, "insert into graph", err)
		}

		c.trainIfDue(newVector)
		c.maybeStoreCode(newIdx, newVector)

		if _, err := c.appendOp(persistence.OpUpdate, persistence.EncodeUpdateBody(persistence.UpdateBody{
			ExternalID: id, OldInternalIndex: oldIdx, NewInternalIndex: newIdx, Vector: newVector, Payload: payload,
		})); err != nil {
			return err
		}

		if c.quota != nil {
			c.quota.IncrementVectorCount(1)
			c.quota.SetStorageBytes(c.store.EstimatedBytes())
		}

		if c.metrics != nil {
			c.metrics.RecordUpdate(c.cfg.Name, 1)
		}
		return nil
	}

	if err := c.store.UpdatePayload(id, newPayload); err != nil {
		return fromStoreErr(err)
	}
	if _, err := c.appendOp(persistence.OpPayloadUpdate, persistence.EncodePayloadUpdateBody(persistence.PayloadUpdateBody{
		ExternalID: id, Payload: newPayload,
	})); err != nil {
		return err
	}
	if c.metrics != nil {
		c.metrics.RecordUpdate(c.cfg.Name, 1)
	}
	return nil
}

// Delete tombstones id: the graph keeps the node and its edges (spec.md
// §4.4.5), so the external id simply stops resolving to a live result.
func (c *Collection) Delete(ctx context.Context, id string) error {
	if err := c.checkCtx(ctx); err != nil {
		return err
	}
	if err := c.checkOpen(); err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	internalIndex, err := c.store.Tombstone(id)
	if err != nil {
		return fromStoreErr(err)
	}
	if err := c.index.Tombstone(internalIndex); err != nil {
		return newErr(ErrUnknown, "tombstone graph node", err)
	}
	c.forgetCode(internalIndex)

	if _, err := c.appendOp(persistence.OpTombstone, persistence.EncodeTombstoneBody(persistence.TombstoneBody{
		ExternalID: id, InternalIndex: internalIndex,
	})); err != nil {
		return err
	}

	if c.quota != nil {
		c.quota.IncrementVectorCount(-1)
		c.quota.SetStorageBytes(c.store.EstimatedBytes())
	}

	if c.metrics != nil {
		c.metrics.RecordDelete(c.cfg.Name, 1)
	}
	return nil
}

// Get returns the vector and payload stored under id.
func (c *Collection) Get(ctx context.Context, id string) ([]float32, []byte, error) {
	if err := c.checkCtx(ctx); err != nil {
		return nil, nil, err
	}
	if err := c.checkOpen(); err != nil {
		return nil, nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, err := c.store.Get(id)
	if err != nil {
		return nil, nil, fromStoreErr(err)
	}
	return rec.Vector, rec.Payload, nil
}

// Search returns up to k nearest neighbors of query, narrowed by matcher (if
// non-nil) and, when the collection trained a binary quantizer, by a coarse
// Hamming pre-filter ahead of the graph's own exact re-ranking. efSearch<=0
// uses the collection's configured default.
func (c *Collection) Search(ctx context.Context, query []float32, k int, efSearch int, matcher predicate.Matcher) ([]SearchHit, error) {
	if err := c.checkCtx(ctx); err != nil {
		return nil, err
	}
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if len(query) != c.cfg.Dimension {
		return nil, newErr(ErrDimensionMismatch, fmt.Sprintf("expected dimension %d, got %d", c.cfg.Dimension, len(query)), nil)
	}
	if k <= 0 {
		return nil, newErr(ErrInvalidParameters, "k must be positive", nil)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.store.Len() == 0 {
		return nil, nil
	}

	query = c.normalizeIfCosine(query)

	ef := efSearch
	if ef <= 0 {
		ef = c.cfg.Index.EfSearch
	}

	userAccept := func(id uint64) bool {
		if matcher == nil {
			return true
		}
		rec, ok := c.store.GetByInternal(id)
		if !ok {
			return false
		}
		return matcher.Matches(rec.Payload)
	}

	accept := hnsw.Accept(userAccept)
	if c.cfg.Quantization.Kind == QuantizationBinary && c.quantizerReady.Load() {
		coarse := c.coarseAccept(c.quantizer.Encode(query))
		accept = func(id uint64) bool { return coarse(id) && userAccept(id) }
	}

	start := time.Now()
	result, err := c.index.SearchFiltered(ctx, query, k, ef, accept)
	if err != nil {
		return nil, newErr(ErrInvalidParameters, "search", err)
	}

	hits := make([]SearchHit, 0, len(result.Results))
	for _, r := range result.Results {
		rec, ok := c.store.GetByInternal(r.ID)
		if !ok {
			continue
		}
		hits = append(hits, SearchHit{ID: rec.ExternalID, Score: c.publicScore(r.Distance), Payload: rec.Payload})
	}

	if c.metrics != nil {
		c.metrics.RecordSearch(time.Since(start), len(hits))
	}

	return hits, nil
}

// BatchInsert inserts items concurrently across a bounded worker pool
// (golang.org/x/sync/errgroup, the concurrency idiom pkg/hnsw/batch.go
// already establishes). atomic, when true, pre-validates every item's
// dimension and (under the fail duplicate policy) id uniqueness before any
// item is applied, so a validation failure leaves the collection untouched;
// it does not roll back partial application failures that occur after
// validation passes, since the store/graph have no multi-item transaction.
func (c *Collection) BatchInsert(ctx context.Context, items []InsertItem, atomic bool) ([]ItemResult, error) {
	if err := c.checkCtx(ctx); err != nil {
		return nil, err
	}
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	if atomic {
		c.mu.RLock()
		for _, it := range items {
			if len(it.Vector) != c.cfg.Dimension {
				c.mu.RUnlock()
				return nil, newErr(ErrDimensionMismatch, fmt.Sprintf("expected dimension %d, got %d", c.cfg.Dimension, len(it.Vector)), nil)
			}
			if c.cfg.Duplicate == DuplicateFail {
				if _, ok := c.store.InternalOf(it.ID); ok {
					c.mu.RUnlock()
					return nil, newErr(ErrDuplicateID, "external id already exists: "+it.ID, nil)
				}
			}
		}
		c.mu.RUnlock()
	}

	start := time.Now()
	results := make([]ItemResult, len(items))
	var g errgroup.Group
	g.SetLimit(batchWorkers)

	for i := range items {
		i := i
		g.Go(func() error {
			idx, err := c.Insert(ctx, items[i].ID, items[i].Vector, items[i].Payload)
			results[i] = ItemResult{InternalIndex: idx, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	if c.metrics != nil {
		c.metrics.RecordBatchInsert(time.Since(start), len(items))
	}

	return results, nil
}

// BatchSearch runs Search for every query concurrently across a bounded
// worker pool, isolating each query's error in its own result slot.
func (c *Collection) BatchSearch(ctx context.Context, queries [][]float32, k int, efSearch int, matcher predicate.Matcher) ([]SearchBatchResult, error) {
	if err := c.checkCtx(ctx); err != nil {
		return nil, err
	}
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	results := make([]SearchBatchResult, len(queries))
	var g errgroup.Group
	g.SetLimit(batchWorkers)

	for i := range queries {
		i := i
		g.Go(func() error {
			hits, err := c.Search(ctx, queries[i], k, efSearch, matcher)
			results[i] = SearchBatchResult{Hits: hits, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

// Stats reports the collection's current shape.
func (c *Collection) Stats(ctx context.Context) (Stats, error) {
	if err := c.checkCtx(ctx); err != nil {
		return Stats{}, err
	}
	if err := c.checkOpen(); err != nil {
		return Stats{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		LiveCount:        c.store.Len(),
		TombstonedCount:  c.store.TombstoneCount(),
		Dimension:        c.cfg.Dimension,
		Metric:           c.cfg.Metric,
		Index:            c.cfg.Index,
		Quantization:     c.cfg.Quantization.Kind,
		QuantizerTrained: c.quantizerReady.Load(),
		MemoryBytes:      c.store.EstimatedBytes(),
		Degraded:         c.degraded.Load(),
	}, nil
}

// CheckGraph runs the HNSW layer-0 reachability and bidirectional-link audit
// (pkg/hnsw's CheckConnectivity) against the collection's current graph. It's
// a read-only diagnostic: cmd/vcctl's check subcommand uses it to surface a
// corrupted or partially-rebuilt graph before it causes silent search gaps,
// without requiring a full Compact to find out.
func (c *Collection) CheckGraph(ctx context.Context) (*hnsw.ConnectivityReport, error) {
	if err := c.checkCtx(ctx); err != nil {
		return nil, err
	}
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.index.CheckConnectivity(), nil
}

// Compact rebuilds the HNSW graph from its live vectors and the store from
// its live records, discarding tombstoned entries entirely (spec.md
// §4.4.7). It takes the collection's write lease since it replaces the
// index pointer outright, then snapshots the compacted state so a crash
// right after compaction doesn't replay a stale pre-compaction op log
// against a post-compaction store.
func (c *Collection) Compact(ctx context.Context) error {
	if err := c.checkCtx(ctx); err != nil {
		return err
	}
	if err := c.checkOpen(); err != nil {
		return err
	}
	if !c.busy.CompareAndSwap(false, true) {
		return newErr(ErrBusy, "compaction already in progress", nil)
	}
	defer c.busy.Store(false)

	c.mu.Lock()
	rebuilt, remap, err := c.index.Compact()
	if err != nil {
		c.mu.Unlock()
		return newErr(ErrUnknown, "compact graph", err)
	}
	if err := c.store.Compact(remap); err != nil {
		c.mu.Unlock()
		return fromStoreErr(err)
	}
	c.index = rebuilt

	newCodes := make(map[uint64][]byte, len(remap))
	c.codesMu.Lock()
	for oldID, newID := range remap {
		if code, ok := c.codes[oldID]; ok {
			newCodes[newID] = code
		}
	}
	c.codes = newCodes
	c.codesMu.Unlock()
	c.mu.Unlock()

	if c.quota != nil {
		c.quota.SetStorageBytes(c.store.EstimatedBytes())
	}

	if err := c.persist.Snapshot(c.buildSnapshot); err != nil {
		return fromPersistenceErr(err)
	}
	return nil
}

// Close stops the background snapshotter, writes a final snapshot, appends
// a clean-shutdown barrier record, and closes the op log.
func (c *Collection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.stopSnapshotter != nil {
		c.stopSnapshotter()
	}

	if err := c.persist.Snapshot(c.buildSnapshot); err != nil {
		c.persist.Close()
		return fromPersistenceErr(err)
	}
	if _, err := c.persist.Log.AppendBarrier(time.Now().UnixNano()); err != nil {
		c.persist.Close()
		return fromPersistenceErr(err)
	}
	if err := c.persist.Close(); err != nil {
		return fromPersistenceErr(err)
	}
	return nil
}
