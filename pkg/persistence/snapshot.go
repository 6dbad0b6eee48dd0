package persistence

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/vectorcore-io/vectorcore/pkg/hnsw"
	"github.com/vectorcore-io/vectorcore/pkg/store"
)

var snapshotMagic = [16]byte{'v', 'e', 'c', 't', 'o', 'r', 'c', 'o', 'r', 'e', 's', 'n', 'a', 'p', '0', '1'}

const snapshotVersion = uint16(1)

const (
	flagCompressed = 1 << 0
)

var sectionTags = struct {
	Config, Quant, Vectors, Payloads, Bimap, Graph, Tombstones, Meta [8]byte
}{
	Config:     tag("CONFIG"),
	Quant:      tag("QUANT"),
	Vectors:    tag("VECTORS"),
	Payloads:   tag("PAYLOADS"),
	Bimap:      tag("BIMAP"),
	Graph:      tag("GRAPH"),
	Tombstones: tag("TOMBSTON"),
	Meta:       tag("META"),
}

func tag(s string) [8]byte {
	var t [8]byte
	copy(t[:], s)
	return t
}

// Snapshot is everything persistence needs to reproduce a collection
// byte-for-byte after a restart, per spec.md §4.6: config, trained
// quantizer state, the vector store's records (split into vectors/
// payloads/bimap/tombstones at write time to match the wire format), the
// HNSW adjacency, and the bookkeeping (entry point, rng seed, last applied
// op id) needed to resume serving and appending to the op log.
type Snapshot struct {
	Config   []byte // caller-serialized collection.Config
	Quant    []byte // caller-serialized quantizer state, empty if untrained
	Records  []store.RawRecord
	Graph    *hnsw.IndexSnapshot
	LastOpID uint64
}

// WriteSnapshot writes snap atomically to dir as snapshot-<uuid>.bin via
// write-tmp + fsync + rename (spec.md §4.6), returning the file name
// chosen. compress gates zstd per-block compression (flag bit 0).
func WriteSnapshot(dir string, snap *Snapshot, compress bool) (string, error) {
	name := fmt.Sprintf("snapshot-%s.bin", uuid.NewString())
	finalPath := filepath.Join(dir, name)
	tmpPath := finalPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", newErr(ErrIO, "create snapshot tmp file", err)
	}

	if err := writeSnapshotBody(f, snap, compress); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", newErr(ErrIO, "fsync snapshot", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", newErr(ErrIO, "close snapshot", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", newErr(ErrIO, "rename snapshot into place", err)
	}

	return name, nil
}

func writeSnapshotBody(w io.Writer, snap *Snapshot, compress bool) error {
	var body bytes.Buffer

	flags := uint16(0)
	if compress {
		flags |= flagCompressed
	}

	body.Write(snapshotMagic[:])
	writeU16(&body, snapshotVersion)
	writeU16(&body, flags)

	writeSection := func(tagv [8]byte, payload []byte) error {
		if compress {
			var err error
			payload, err = zstdCompress(payload)
			if err != nil {
				return err
			}
		}
		body.Write(tagv[:])
		writeU64(&body, uint64(len(payload)))
		body.Write(payload)
		crc := crc32.Checksum(payload, castagnoli)
		writeU32(&body, crc)
		return nil
	}

	vectors, payloads, bimap, tombstones := splitRecords(snap.Records)

	if err := writeSection(sectionTags.Config, snap.Config); err != nil {
		return err
	}
	if err := writeSection(sectionTags.Quant, snap.Quant); err != nil {
		return err
	}
	if err := writeSection(sectionTags.Vectors, vectors); err != nil {
		return err
	}
	if err := writeSection(sectionTags.Payloads, payloads); err != nil {
		return err
	}
	if err := writeSection(sectionTags.Bimap, bimap); err != nil {
		return err
	}
	if err := writeSection(sectionTags.Graph, encodeGraph(snap.Graph)); err != nil {
		return err
	}
	if err := writeSection(sectionTags.Tombstones, tombstones); err != nil {
		return err
	}
	if err := writeSection(sectionTags.Meta, encodeMeta(snap.Graph, snap.LastOpID)); err != nil {
		return err
	}

	overall := crc32.Checksum(body.Bytes(), castagnoli)
	writeU32(&body, overall)

	if _, err := w.Write(body.Bytes()); err != nil {
		return newErr(ErrIO, "write snapshot body", err)
	}
	return nil
}

// LoadSnapshot reads and validates a snapshot file per spec.md §4.6's
// integrity checks: section CRCs, the overall CRC, and a truncated/garbage
// header are all reported as ErrCorrupt so the caller can fall back to an
// older generation.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, newErr(ErrIO, "read snapshot file", err)
	}
	return decodeSnapshot(data)
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	if len(data) < 24+4 {
		return nil, newErr(ErrCorrupt, "snapshot file too short", nil)
	}

	overall := binary.LittleEndian.Uint32(data[len(data)-4:])
	body := data[:len(data)-4]
	if crc32.Checksum(body, castagnoli) != overall {
		return nil, newErr(ErrCorrupt, "snapshot overall checksum mismatch", nil)
	}

	r := bytes.NewReader(body)
	var magic [16]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil || magic != snapshotMagic {
		return nil, newErr(ErrCorrupt, "snapshot magic mismatch", nil)
	}
	version, err := readU16(r)
	if err != nil {
		return nil, newErr(ErrCorrupt, "snapshot version truncated", err)
	}
	if version != snapshotVersion {
		return nil, newErr(ErrCorrupt, fmt.Sprintf("unsupported snapshot version %d", version), nil)
	}
	flags, err := readU16(r)
	if err != nil {
		return nil, newErr(ErrCorrupt, "snapshot flags truncated", err)
	}
	compressed := flags&flagCompressed != 0

	sections := make(map[[8]byte][]byte)
	for r.Len() > 0 {
		var tagv [8]byte
		if _, err := io.ReadFull(r, tagv[:]); err != nil {
			return nil, newErr(ErrCorrupt, "section tag truncated", err)
		}
		length, err := readU64(r)
		if err != nil {
			return nil, newErr(ErrCorrupt, "section length truncated", err)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, newErr(ErrCorrupt, "section payload truncated", err)
		}
		wantCRC, err := readU32(r)
		if err != nil {
			return nil, newErr(ErrCorrupt, "section checksum truncated", err)
		}
		if crc32.Checksum(payload, castagnoli) != wantCRC {
			return nil, newErr(ErrCorrupt, fmt.Sprintf("section %q checksum mismatch", tagv), nil)
		}
		if compressed {
			payload, err = zstdDecompress(payload)
			if err != nil {
				return nil, newErr(ErrCorrupt, "section decompression failed", err)
			}
		}
		sections[tagv] = payload
	}

	records, err := joinRecords(sections[sectionTags.Vectors], sections[sectionTags.Payloads],
		sections[sectionTags.Bimap], sections[sectionTags.Tombstones])
	if err != nil {
		return nil, err
	}

	graph, lastOpID, err := decodeMetaAndGraph(sections[sectionTags.Graph], sections[sectionTags.Meta])
	if err != nil {
		return nil, err
	}

	// GRAPH carries no tombstones of its own; graph node ids are the records'
	// internal indices, so TOMBSTONES restores the graph's bitmap too.
	for _, rec := range records {
		if rec.Tombstoned {
			graph.Tombstones.Add(uint32(rec.InternalIndex))
		}
	}

	snap := &Snapshot{
		Config:   sections[sectionTags.Config],
		Quant:    sections[sectionTags.Quant],
		Records:  records,
		Graph:    graph,
		LastOpID: lastOpID,
	}

	if err := validateSnapshot(snap); err != nil {
		return nil, err
	}

	return snap, nil
}

// validateSnapshot checks the cross-section invariants on load: no external
// id is bound to two live records, the graph's live node count equals the
// live record count, and the entry point, if any, is a graph node.
func validateSnapshot(snap *Snapshot) error {
	liveRecords := 0
	seenExternal := make(map[string]bool, len(snap.Records))
	for _, r := range snap.Records {
		if r.Tombstoned {
			continue
		}
		if seenExternal[r.ExternalID] {
			return newErr(ErrCorrupt, "bimap: duplicate external id "+r.ExternalID, nil)
		}
		seenExternal[r.ExternalID] = true
		liveRecords++
	}

	if snap.Graph != nil {
		liveNodes := 0
		nodeIDs := make(map[uint64]bool, len(snap.Graph.Nodes))
		for _, n := range snap.Graph.Nodes {
			nodeIDs[n.ID] = true
			if snap.Graph.Tombstones == nil || !snap.Graph.Tombstones.Contains(uint32(n.ID)) {
				liveNodes++
			}
		}
		if liveNodes != liveRecords {
			return newErr(ErrCorrupt, fmt.Sprintf("live node count %d != live record count %d", liveNodes, liveRecords), nil)
		}
		if snap.Graph.HasEntry && !nodeIDs[snap.Graph.EntryPoint] {
			return newErr(ErrCorrupt, "entry point is not a valid internal index", nil)
		}
	}

	return nil
}

func splitRecords(records []store.RawRecord) (vectors, payloads, bimap, tombstones []byte) {
	sorted := append([]store.RawRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].InternalIndex < sorted[j].InternalIndex })

	var vb, pb, bb bytes.Buffer
	tomb := roaring.New()

	writeU32(&bb, uint32(len(sorted)))
	for _, r := range sorted {
		writeU64(&vb, r.InternalIndex)
		writeU32(&vb, uint32(len(r.Vector)))
		for _, f := range r.Vector {
			writeU32(&vb, floatBits(f))
		}

		writeU64(&pb, r.InternalIndex)
		writeU32(&pb, uint32(len(r.Payload)))
		pb.Write(r.Payload)

		writeU32(&bb, uint32(len(r.ExternalID)))
		bb.WriteString(r.ExternalID)
		writeU64(&bb, r.InternalIndex)

		if r.Tombstoned {
			tomb.Add(uint32(r.InternalIndex))
		}
	}

	tb, _ := tomb.MarshalBinary()
	return vb.Bytes(), pb.Bytes(), bb.Bytes(), tb
}

func joinRecords(vectorsData, payloadsData, bimapData, tombstonesData []byte) ([]store.RawRecord, error) {
	vr := bytes.NewReader(vectorsData)
	vectors := make(map[uint64][]float32)
	for vr.Len() > 0 {
		idx, err := readU64(vr)
		if err != nil {
			return nil, newErr(ErrCorrupt, "vectors section truncated", err)
		}
		n, err := readU32(vr)
		if err != nil {
			return nil, newErr(ErrCorrupt, "vectors section truncated", err)
		}
		vec := make([]float32, n)
		for i := range vec {
			bits, err := readU32(vr)
			if err != nil {
				return nil, newErr(ErrCorrupt, "vectors section truncated", err)
			}
			vec[i] = floatFromBits(bits)
		}
		vectors[idx] = vec
	}

	pr := bytes.NewReader(payloadsData)
	payloads := make(map[uint64][]byte)
	for pr.Len() > 0 {
		idx, err := readU64(pr)
		if err != nil {
			return nil, newErr(ErrCorrupt, "payloads section truncated", err)
		}
		n, err := readU32(pr)
		if err != nil {
			return nil, newErr(ErrCorrupt, "payloads section truncated", err)
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(pr, payload); err != nil {
			return nil, newErr(ErrCorrupt, "payloads section truncated", err)
		}
		payloads[idx] = payload
	}

	tomb := roaring.New()
	if len(tombstonesData) > 0 {
		if err := tomb.UnmarshalBinary(tombstonesData); err != nil {
			return nil, newErr(ErrCorrupt, "tombstones section unreadable", err)
		}
	}

	br := bytes.NewReader(bimapData)
	count, err := readU32(br)
	if err != nil {
		return nil, newErr(ErrCorrupt, "bimap section truncated", err)
	}

	records := make([]store.RawRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		n, err := readU32(br)
		if err != nil {
			return nil, newErr(ErrCorrupt, "bimap section truncated", err)
		}
		idBytes := make([]byte, n)
		if _, err := io.ReadFull(br, idBytes); err != nil {
			return nil, newErr(ErrCorrupt, "bimap section truncated", err)
		}
		internalIdx, err := readU64(br)
		if err != nil {
			return nil, newErr(ErrCorrupt, "bimap section truncated", err)
		}
		records = append(records, store.RawRecord{
			InternalIndex: internalIdx,
			ExternalID:    string(idBytes),
			Vector:        vectors[internalIdx],
			Payload:       payloads[internalIdx],
			Tombstoned:    tomb.Contains(uint32(internalIdx)),
		})
	}

	return records, nil
}

func encodeGraph(g *hnsw.IndexSnapshot) []byte {
	var buf bytes.Buffer
	if g == nil {
		writeU32(&buf, 0)
		return buf.Bytes()
	}
	writeU32(&buf, uint32(len(g.Nodes)))
	for _, n := range g.Nodes {
		writeU64(&buf, n.ID)
		writeU32(&buf, uint32(n.Level))
		writeU32(&buf, uint32(len(n.Neighbors)))
		for _, layer := range n.Neighbors {
			writeU32(&buf, uint32(len(layer)))
			for _, nb := range layer {
				writeU64(&buf, nb)
			}
		}
	}
	return buf.Bytes()
}

func decodeGraphNodes(data []byte) ([]hnsw.NodeSnapshot, error) {
	r := bytes.NewReader(data)
	count, err := readU32(r)
	if err != nil {
		return nil, newErr(ErrCorrupt, "graph section truncated", err)
	}
	nodes := make([]hnsw.NodeSnapshot, 0, count)
	for i := uint32(0); i < count; i++ {
		id, err := readU64(r)
		if err != nil {
			return nil, newErr(ErrCorrupt, "graph section truncated", err)
		}
		level, err := readU32(r)
		if err != nil {
			return nil, newErr(ErrCorrupt, "graph section truncated", err)
		}
		numLayers, err := readU32(r)
		if err != nil {
			return nil, newErr(ErrCorrupt, "graph section truncated", err)
		}
		neighbors := make([][]uint64, numLayers)
		for layer := range neighbors {
			n, err := readU32(r)
			if err != nil {
				return nil, newErr(ErrCorrupt, "graph section truncated", err)
			}
			ids := make([]uint64, n)
			for j := range ids {
				ids[j], err = readU64(r)
				if err != nil {
					return nil, newErr(ErrCorrupt, "graph section truncated", err)
				}
			}
			neighbors[layer] = ids
		}
		nodes = append(nodes, hnsw.NodeSnapshot{ID: id, Level: int(level), Neighbors: neighbors})
	}
	return nodes, nil
}

func encodeMeta(g *hnsw.IndexSnapshot, lastOpID uint64) []byte {
	var buf bytes.Buffer
	var entryPoint uint64
	var hasEntry byte
	var maxLayer int32
	var nodeCounter uint64
	var seed int64
	if g != nil {
		entryPoint = g.EntryPoint
		if g.HasEntry {
			hasEntry = 1
		}
		maxLayer = int32(g.MaxLayer)
		nodeCounter = g.NodeCounter
		seed = g.Seed
	}
	writeU64(&buf, entryPoint)
	buf.WriteByte(hasEntry)
	writeU32(&buf, uint32(maxLayer))
	writeU64(&buf, nodeCounter)
	writeU64(&buf, uint64(seed))
	writeU64(&buf, lastOpID)
	return buf.Bytes()
}

func decodeMetaAndGraph(graphData, metaData []byte) (*hnsw.IndexSnapshot, uint64, error) {
	nodes, err := decodeGraphNodes(graphData)
	if err != nil {
		return nil, 0, err
	}

	r := bytes.NewReader(metaData)
	entryPoint, err := readU64(r)
	if err != nil {
		return nil, 0, newErr(ErrCorrupt, "meta section truncated", err)
	}
	hasEntryByte, err := r.ReadByte()
	if err != nil {
		return nil, 0, newErr(ErrCorrupt, "meta section truncated", err)
	}
	maxLayer, err := readU32(r)
	if err != nil {
		return nil, 0, newErr(ErrCorrupt, "meta section truncated", err)
	}
	nodeCounter, err := readU64(r)
	if err != nil {
		return nil, 0, newErr(ErrCorrupt, "meta section truncated", err)
	}
	seed, err := readU64(r)
	if err != nil {
		return nil, 0, newErr(ErrCorrupt, "meta section truncated", err)
	}
	lastOpID, err := readU64(r)
	if err != nil {
		return nil, 0, newErr(ErrCorrupt, "meta section truncated", err)
	}

	graph := &hnsw.IndexSnapshot{
		Nodes:       nodes,
		EntryPoint:  entryPoint,
		HasEntry:    hasEntryByte != 0,
		MaxLayer:    int(int32(maxLayer)),
		NodeCounter: nodeCounter,
		Seed:        int64(seed),
		Tombstones:  roaring.New(),
	}
	return graph, lastOpID, nil
}

func zstdCompress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, newErr(ErrIO, "create zstd encoder", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func zstdDecompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, newErr(ErrIO, "create zstd decoder", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, newErr(ErrIO, "zstd decode", err)
	}
	return out, nil
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	buf.Write(tmp[:])
}

func readU16(r *bytes.Reader) (uint16, error) {
	var tmp [2]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(tmp[:]), nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func readU32(r interface {
	Read([]byte) (int, error)
}) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func readU64(r interface {
	Read([]byte) (int, error)
}) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func floatBits(f float32) uint32 {
	return math.Float32bits(f)
}

func floatFromBits(b uint32) float32 {
	return math.Float32frombits(b)
}
