package store

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// MMapStore is the disk-resident backend: vectors and payloads live in an
// append-only data file addressed by byte offset, with an in-memory
// offset index rebuilt on open. Despite the name it uses direct
// file I/O (Seek/Write) rather than a syscall-level mmap, the same choice
// the teacher's disk-resident graph storage makes -- true mmap buys
// nothing extra here since every access already goes through the offset
// index, not a page fault.
type MMapStore struct {
	mu sync.RWMutex

	dataPath string
	file     *os.File

	byExternal map[string]uint64
	byInternal map[uint64]string
	offsets    map[uint64]int64 // internal index -> offset of its record
	dims       map[uint64]int

	tombstones *roaring.Bitmap
	nextID     uint64
}

// record layout: [internalIndex:8][vecLen:4][vec: vecLen*4][payloadLen:4][payload]
func NewMMapStore(dataDir string) (*MMapStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, newErr(ErrIO, "create data dir", err)
	}

	path := filepath.Join(dataDir, "vectors.dat")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, newErr(ErrIO, "open vector file", err)
	}

	s := &MMapStore{
		dataPath:   path,
		file:       f,
		byExternal: make(map[string]uint64),
		byInternal: make(map[uint64]string),
		offsets:    make(map[uint64]int64),
		dims:       make(map[uint64]int),
		tombstones: roaring.New(),
	}

	if err := s.loadIndex(); err != nil {
		f.Close()
		return nil, err
	}

	return s, nil
}

func (s *MMapStore) Close() error {
	return s.file.Close()
}

// loadIndex replays the data file to rebuild the offset index; it never
// rebuilds external-id bindings or tombstones since this store alone
// doesn't know external ids without an accompanying bimap snapshot -- in
// practice pkg/persistence restores the bimap and tombstone bitmap before
// a collection resumes serving traffic.
func (s *MMapStore) loadIndex() error {
	var offset int64
	for {
		header := make([]byte, 12)
		n, err := s.file.ReadAt(header, offset)
		if err == io.EOF || n < 12 {
			break
		}
		if err != nil {
			return newErr(ErrIO, "read record header", err)
		}

		id := binary.LittleEndian.Uint64(header[0:8])
		vecLen := binary.LittleEndian.Uint32(header[8:12])

		recordLen := int64(12 + int(vecLen)*4 + 4)
		payloadLenBuf := make([]byte, 4)
		if _, err := s.file.ReadAt(payloadLenBuf, offset+12+int64(vecLen)*4); err != nil {
			return newErr(ErrIO, "read payload length", err)
		}
		payloadLen := binary.LittleEndian.Uint32(payloadLenBuf)
		recordLen += int64(payloadLen)

		s.offsets[id] = offset
		s.dims[id] = int(vecLen)
		if id >= s.nextID {
			s.nextID = id + 1
		}

		offset += recordLen
	}

	return nil
}

func (s *MMapStore) writeRecord(id uint64, vector []float32, payload []byte) (int64, error) {
	offset, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, newErr(ErrIO, "seek end", err)
	}

	if err := binary.Write(s.file, binary.LittleEndian, id); err != nil {
		return 0, newErr(ErrIO, "write id", err)
	}
	if err := binary.Write(s.file, binary.LittleEndian, uint32(len(vector))); err != nil {
		return 0, newErr(ErrIO, "write vector length", err)
	}
	for _, f := range vector {
		if err := binary.Write(s.file, binary.LittleEndian, f); err != nil {
			return 0, newErr(ErrIO, "write vector component", err)
		}
	}
	if err := binary.Write(s.file, binary.LittleEndian, uint32(len(payload))); err != nil {
		return 0, newErr(ErrIO, "write payload length", err)
	}
	if len(payload) > 0 {
		if _, err := s.file.Write(payload); err != nil {
			return 0, newErr(ErrIO, "write payload", err)
		}
	}

	return offset, s.file.Sync()
}

func (s *MMapStore) readRecord(offset int64) ([]float32, []byte, error) {
	header := make([]byte, 12)
	if _, err := s.file.ReadAt(header, offset); err != nil {
		return nil, nil, newErr(ErrIO, "read header", err)
	}
	vecLen := binary.LittleEndian.Uint32(header[8:12])

	vecBytes := make([]byte, vecLen*4)
	if _, err := s.file.ReadAt(vecBytes, offset+12); err != nil {
		return nil, nil, newErr(ErrIO, "read vector", err)
	}
	vector := make([]float32, vecLen)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(vecBytes[i*4 : i*4+4])
		vector[i] = math.Float32frombits(bits)
	}

	payloadLenBuf := make([]byte, 4)
	if _, err := s.file.ReadAt(payloadLenBuf, offset+12+int64(vecLen)*4); err != nil {
		return nil, nil, newErr(ErrIO, "read payload length", err)
	}
	payloadLen := binary.LittleEndian.Uint32(payloadLenBuf)

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := s.file.ReadAt(payload, offset+12+int64(vecLen)*4+4); err != nil {
			return nil, nil, newErr(ErrIO, "read payload", err)
		}
	}

	return vector, payload, nil
}

func (s *MMapStore) Put(externalID string, vector []float32, payload []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byExternal[externalID]; ok && !s.tombstones.Contains(uint32(id)) {
		return 0, newErr(ErrDuplicateID, "external id already exists: "+externalID, nil)
	}

	id := s.nextID
	s.nextID++

	offset, err := s.writeRecord(id, vector, payload)
	if err != nil {
		return 0, err
	}

	s.byExternal[externalID] = id
	s.byInternal[id] = externalID
	s.offsets[id] = offset
	s.dims[id] = len(vector)

	return id, nil
}

func (s *MMapStore) Get(externalID string) (Record, error) {
	s.mu.RLock()
	id, ok := s.byExternal[externalID]
	tombstoned := ok && s.tombstones.Contains(uint32(id))
	offset, hasOffset := s.offsets[id]
	s.mu.RUnlock()

	if !ok {
		return Record{}, newErr(ErrNotFound, "external id not found: "+externalID, nil)
	}
	if tombstoned {
		return Record{}, newErr(ErrTombstoned, "external id deleted: "+externalID, nil)
	}
	if !hasOffset {
		return Record{}, newErr(ErrNotFound, "external id has no stored record: "+externalID, nil)
	}

	vector, payload, err := s.readRecord(offset)
	if err != nil {
		return Record{}, err
	}
	return Record{ExternalID: externalID, Vector: vector, Payload: payload}, nil
}

func (s *MMapStore) GetByInternal(internalIndex uint64) (Record, bool) {
	s.mu.RLock()
	ext, ok := s.byInternal[internalIndex]
	offset, hasOffset := s.offsets[internalIndex]
	s.mu.RUnlock()

	if !ok || !hasOffset {
		return Record{}, false
	}
	vector, payload, err := s.readRecord(offset)
	if err != nil {
		return Record{}, false
	}
	return Record{ExternalID: ext, Vector: vector, Payload: payload}, true
}

func (s *MMapStore) InternalOf(externalID string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExternal[externalID]
	return id, ok
}

func (s *MMapStore) Tombstone(externalID string) (uint64, error) {
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

func (s *MMapStore) IsTombstonedInternal(internalIndex uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tombstones.Contains(uint32(internalIndex))
}

func (s *MMapStore) UpdatePayload(externalID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byExternal[externalID]
	if !ok {
		return newErr(ErrNotFound, "external id not found: "+externalID, nil)
	}
	if s.tombstones.Contains(uint32(id)) {
		return newErr(ErrTombstoned, "external id deleted: "+externalID, nil)
	}

	vector, _, err := s.readRecord(s.offsets[id])
	if err != nil {
		return err
	}

	offset, err := s.writeRecord(id, vector, payload)
	if err != nil {
		return err
	}
	s.offsets[id] = offset

	return nil
}

func (s *MMapStore) Rebind(externalID string, newInternalIndex uint64, vector []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload []byte
	if oldID, ok := s.byExternal[externalID]; ok {
		if _, p, err := s.readRecord(s.offsets[oldID]); err == nil {
			payload = p
		}
		delete(s.byInternal, oldID)
	}

	offset, err := s.writeRecord(newInternalIndex, vector, payload)
	if err != nil {
		return err
	}

	s.byExternal[externalID] = newInternalIndex
	s.byInternal[newInternalIndex] = externalID
	s.offsets[newInternalIndex] = offset
	s.dims[newInternalIndex] = len(vector)

	return nil
}

// PutAt writes a record at a caller-chosen internal index, for callers
// (pkg/collection) that let hnsw.Index assign the id.
func (s *MMapStore) PutAt(internalIndex uint64, externalID string, vector []float32, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byExternal[externalID]; ok && !s.tombstones.Contains(uint32(id)) {
		return newErr(ErrDuplicateID, "external id already exists: "+externalID, nil)
	}

	offset, err := s.writeRecord(internalIndex, vector, payload)
	if err != nil {
		return err
	}

	s.byExternal[externalID] = internalIndex
	s.byInternal[internalIndex] = externalID
	s.offsets[internalIndex] = offset
	s.dims[internalIndex] = len(vector)

	if internalIndex >= s.nextID {
		s.nextID = internalIndex + 1
	}

	return nil
}

// ExportAll dumps every record (including tombstoned ones) for snapshotting.
func (s *MMapStore) ExportAll() []RawRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RawRecord, 0, len(s.byInternal))
	for id, ext := range s.byInternal {
		offset, ok := s.offsets[id]
		if !ok {
			continue
		}
		vector, payload, err := s.readRecord(offset)
		if err != nil {
			continue
		}
		out = append(out, RawRecord{
			InternalIndex: id,
			ExternalID:    ext,
			Vector:        vector,
			Payload:       payload,
			Tombstoned:    s.tombstones.Contains(uint32(id)),
		})
	}
	return out
}

// RestoreAll rewrites the data file from records produced by a prior
// ExportAll, as snapshot recovery does.
func (s *MMapStore) RestoreAll(records []RawRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Truncate(0); err != nil {
		return newErr(ErrIO, "truncate data file", err)
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return newErr(ErrIO, "seek data file", err)
	}

	s.byExternal = make(map[string]uint64, len(records))
	s.byInternal = make(map[uint64]string, len(records))
	s.offsets = make(map[uint64]int64, len(records))
	s.dims = make(map[uint64]int, len(records))
	s.tombstones = roaring.New()
	s.nextID = 0

	for _, r := range records {
		offset, err := s.writeRecord(r.InternalIndex, r.Vector, r.Payload)
		if err != nil {
			return err
		}
		s.byExternal[r.ExternalID] = r.InternalIndex
		s.byInternal[r.InternalIndex] = r.ExternalID
		s.offsets[r.InternalIndex] = offset
		s.dims[r.InternalIndex] = len(r.Vector)
		if r.Tombstoned {
			s.tombstones.Add(uint32(r.InternalIndex))
		}
		if r.InternalIndex >= s.nextID {
			s.nextID = r.InternalIndex + 1
		}
	}

	return nil
}

func (s *MMapStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byInternal) - int(s.tombstones.GetCardinality())
}

func (s *MMapStore) TombstoneCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tombstones.GetCardinality()
}

func (s *MMapStore) EstimatedBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for id, dim := range s.dims {
		if s.tombstones.Contains(uint32(id)) {
			continue
		}
		total += int64(dim) * 4
	}
	return total
}

// Compact rewrites the data file from only the live records at their
// remapped internal indices.
func (s *MMapStore) Compact(remap map[uint64]uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := s.dataPath + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return newErr(ErrIO, "create compaction file", err)
	}

	oldFile := s.file
	s.file = tmp

	newByExternal := make(map[string]uint64, len(remap))
	newByInternal := make(map[uint64]string, len(remap))
	newOffsets := make(map[uint64]int64, len(remap))
	newDims := make(map[uint64]int, len(remap))

	for oldID, ext := range s.byInternal {
		if s.tombstones.Contains(uint32(oldID)) {
			continue
		}
		newID, ok := remap[oldID]
		if !ok {
			continue
		}

		oldOffset, ok := s.offsets[oldID]
		if !ok {
			continue
		}
		s.file = oldFile
		vector, payload, err := s.readRecord(oldOffset)
		s.file = tmp
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}

		offset, err := s.writeRecord(newID, vector, payload)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}

		newByExternal[ext] = newID
		newByInternal[newID] = ext
		newOffsets[newID] = offset
		newDims[newID] = len(vector)
	}

	oldFile.Close()
	if err := os.Rename(tmpPath, s.dataPath); err != nil {
		return newErr(ErrIO, "rename compaction file", err)
	}

	s.byExternal = newByExternal
	s.byInternal = newByInternal
	s.offsets = newOffsets
	s.dims = newDims
	s.tombstones = roaring.New()

	return nil
}

