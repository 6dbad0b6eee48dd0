// Package store holds the vector store: the external-id/internal-index
// bimap, the payload bytes attached to each record, and the tombstone
// bitmap, independent of how the ANN graph indexes those vectors.
package store

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// Record is a single stored vector plus its opaque payload.
type Record struct {
	ExternalID string
	Vector     []float32
	Payload    []byte
}

// Store is the interface pkg/collection programs against; MemoryStore and
// MMapStore are its two backends.
type Store interface {
	// Put assigns the next unused internal index to externalID and stores
	// vector/payload under it. Returns ErrDuplicateID if externalID is
	// already live.
	Put(externalID string, vector []float32, payload []byte) (internalIndex uint64, err error)

	// Get returns the record for an external id. Returns ErrTombstoned if
	// the id was deleted, ErrNotFound if it never existed.
	Get(externalID string) (Record, error)

	// GetByInternal returns the record stored at an internal index,
	// regardless of tombstone state -- used by compaction.
	GetByInternal(internalIndex uint64) (Record, bool)

	// InternalOf resolves an external id to its current internal index.
	InternalOf(externalID string) (uint64, bool)

	// Tombstone marks externalID (and its backing internal index) deleted.
	// The bimap entry is kept so a later Get reports ErrTombstoned rather
	// than ErrNotFound.
	Tombstone(externalID string) (internalIndex uint64, err error)

	// IsTombstonedInternal reports whether an internal index is deleted.
	IsTombstonedInternal(internalIndex uint64) bool

	// UpdatePayload replaces the payload for a live external id in place,
	// without touching the vector or internal index.
	UpdatePayload(externalID string, payload []byte) error

	// Rebind repoints externalID at a new internal index and vector, used
	// when an update reinserts into the ANN graph under a fresh node.
	Rebind(externalID string, newInternalIndex uint64, vector []float32) error

	// Len returns the number of live (non-tombstoned) records.
	Len() int

	// TombstoneCount returns the number of tombstoned records still held.
	TombstoneCount() uint64

	// EstimatedBytes approximates the memory held by vectors and payloads,
	// for the registry's per-collection capacity cap. MMapStore counts
	// vector bytes only.
	EstimatedBytes() int64

	// Compact rebuilds internal storage from only the live records, moving
	// each to the internal index remap (old -> new, as hnsw.Index.Compact
	// produces it) assigns, so the two can be driven together. Records
	// missing from remap are dropped.
	Compact(remap map[uint64]uint64) error

	// PutAt inserts a record at a caller-chosen internal index, used when
	// the ANN graph (not the store) is the source of truth for id
	// assignment -- collection.Insert allocates the id from the graph side
	// so the bimap and the graph node share one id.
	PutAt(internalIndex uint64, externalID string, vector []float32, payload []byte) error

	// ExportAll dumps every record, live or tombstoned, for snapshotting.
	ExportAll() []RawRecord

	// RestoreAll replaces all store state with records (as produced by a
	// prior ExportAll) and resumes internal-index assignment after the
	// highest index seen.
	RestoreAll(records []RawRecord) error
}

// RawRecord is a store record plus the internal index and tombstone state
// ExportAll/RestoreAll carry across a snapshot.
type RawRecord struct {
	InternalIndex uint64
	ExternalID    string
	Vector        []float32
	Payload       []byte
	Tombstoned    bool
}

// MemoryStore is the default, slice-backed Store.
type MemoryStore struct {
	mu sync.RWMutex

	byExternal map[string]uint64 // external id -> internal index
	byInternal map[uint64]string // internal index -> external id

	vectors  map[uint64][]float32
	payloads map[uint64][]byte

	tombstones *roaring.Bitmap
	nextID     uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byExternal: make(map[string]uint64),
		byInternal: make(map[uint64]string),
		vectors:    make(map[uint64][]float32),
		payloads:   make(map[uint64][]byte),
		tombstones: roaring.New(),
	}
}

func (s *MemoryStore) Put(externalID string, vector []float32, payload []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byExternal[externalID]; ok && !s.tombstones.Contains(uint32(id)) {
		return 0, newErr(ErrDuplicateID, "external id already exists: "+externalID, nil)
	}

	id := s.nextID
	s.nextID++

	s.byExternal[externalID] = id
	s.byInternal[id] = externalID
	s.vectors[id] = vector
	s.payloads[id] = payload

	return id, nil
}

func (s *MemoryStore) Get(externalID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byExternal[externalID]
	if !ok {
		return Record{}, newErr(ErrNotFound, "external id not found: "+externalID, nil)
	}
	if s.tombstones.Contains(uint32(id)) {
		return Record{}, newErr(ErrTombstoned, "external id deleted: "+externalID, nil)
	}

	return Record{ExternalID: externalID, Vector: s.vectors[id], Payload: s.payloads[id]}, nil
}

func (s *MemoryStore) GetByInternal(internalIndex uint64) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ext, ok := s.byInternal[internalIndex]
	if !ok {
		return Record{}, false
	}
	return Record{ExternalID: ext, Vector: s.vectors[internalIndex], Payload: s.payloads[internalIndex]}, true
}

func (s *MemoryStore) InternalOf(externalID string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExternal[externalID]
	return id, ok
}

func (s *MemoryStore) Tombstone(externalID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byExternal[externalID]
	if !ok {
		return 0, newErr(ErrNotFound, "external id not found: "+externalID, nil)
	}
	if s.tombstones.Contains(uint32(id)) {
		return 0, newErr(ErrTombstoned, "external id already deleted: "+externalID, nil)
	}

	s.tombstones.Add(uint32(id))
	return id, nil
}

func (s *MemoryStore) IsTombstonedInternal(internalIndex uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tombstones.Contains(uint32(internalIndex))
}

func (s *MemoryStore) UpdatePayload(externalID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byExternal[externalID]
	if !ok {
		return newErr(ErrNotFound, "external id not found: "+externalID, nil)
	}
	if s.tombstones.Contains(uint32(id)) {
		return newErr(ErrTombstoned, "external id deleted: "+externalID, nil)
	}

	s.payloads[id] = payload
	return nil
}

func (s *MemoryStore) Rebind(externalID string, newInternalIndex uint64, vector []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldID, ok := s.byExternal[externalID]
	if ok {
		payload := s.payloads[oldID]
		delete(s.vectors, oldID)
		delete(s.byInternal, oldID)
		s.payloads[newInternalIndex] = payload
	}

	s.byExternal[externalID] = newInternalIndex
	s.byInternal[newInternalIndex] = externalID
	s.vectors[newInternalIndex] = vector

	return nil
}

// PutAt inserts a record at a caller-chosen internal index. It exists
// alongside Put for callers (pkg/collection) that let hnsw.Index assign
// the id and need the store to mirror it exactly.
func (s *MemoryStore) PutAt(internalIndex uint64, externalID string, vector []float32, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byExternal[externalID]; ok && !s.tombstones.Contains(uint32(id)) {
		return newErr(ErrDuplicateID, "external id already exists: "+externalID, nil)
	}

	s.byExternal[externalID] = internalIndex
	s.byInternal[internalIndex] = externalID
	s.vectors[internalIndex] = vector
	s.payloads[internalIndex] = payload

	if internalIndex >= s.nextID {
		s.nextID = internalIndex + 1
	}

	return nil
}

// ExportAll dumps every record (including tombstoned ones) for snapshotting.
func (s *MemoryStore) ExportAll() []RawRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RawRecord, 0, len(s.byInternal))
	for id, ext := range s.byInternal {
		out = append(out, RawRecord{
			InternalIndex: id,
			ExternalID:    ext,
			Vector:        s.vectors[id],
			Payload:       s.payloads[id],
			Tombstoned:    s.tombstones.Contains(uint32(id)),
		})
	}
	return out
}

// RestoreAll replaces all store state with records produced by a prior
// ExportAll, as snapshot recovery does.
func (s *MemoryStore) RestoreAll(records []RawRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byExternal = make(map[string]uint64, len(records))
	s.byInternal = make(map[uint64]string, len(records))
	s.vectors = make(map[uint64][]float32, len(records))
	s.payloads = make(map[uint64][]byte, len(records))
	s.tombstones = roaring.New()
	s.nextID = 0

	for _, r := range records {
		s.byExternal[r.ExternalID] = r.InternalIndex
		s.byInternal[r.InternalIndex] = r.ExternalID
		s.vectors[r.InternalIndex] = r.Vector
		s.payloads[r.InternalIndex] = r.Payload
		if r.Tombstoned {
			s.tombstones.Add(uint32(r.InternalIndex))
		}
		if r.InternalIndex >= s.nextID {
			s.nextID = r.InternalIndex + 1
		}
	}

	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byInternal) - int(s.tombstones.GetCardinality())
}

func (s *MemoryStore) TombstoneCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tombstones.GetCardinality()
}

func (s *MemoryStore) EstimatedBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for id, v := range s.vectors {
		if s.tombstones.Contains(uint32(id)) {
			continue
		}
		total += int64(len(v)) * 4
		total += int64(len(s.payloads[id]))
	}
	return total
}

// Compact drops tombstoned entries and applies remap (internal-index ->
// internal-index) produced by hnsw.Index.Compact, so storage and graph
// stay in lockstep after a rebuild.
func (s *MemoryStore) Compact(remap map[uint64]uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newByExternal := make(map[string]uint64, len(remap))
	newByInternal := make(map[uint64]string, len(remap))
	newVectors := make(map[uint64][]float32, len(remap))
	newPayloads := make(map[uint64][]byte, len(remap))

	for oldID, ext := range s.byInternal {
		if s.tombstones.Contains(uint32(oldID)) {
			continue
		}
		newID, ok := remap[oldID]
		if !ok {
			continue
		}
		newByExternal[ext] = newID
		newByInternal[newID] = ext
		newVectors[newID] = s.vectors[oldID]
		newPayloads[newID] = s.payloads[oldID]
	}

	s.byExternal = newByExternal
	s.byInternal = newByInternal
	s.vectors = newVectors
	s.payloads = newPayloads
	s.tombstones = roaring.New()

	return nil
}
