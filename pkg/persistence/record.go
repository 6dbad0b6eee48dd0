package persistence

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
)

// castagnoli is the CRC32C table the wire format in spec.md §6 mandates for
// every section and op-log record checksum. No pack dependency implements
// CRC32C specifically (cespare/xxhash is a different algorithm entirely), so
// this is the one place the persistence layer reaches for stdlib over a pack
// library -- there is no substitute that produces this exact checksum.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// OpKind tags an op-log record's body, per spec.md §4.6.
type OpKind byte

const (
	OpInsert OpKind = iota + 1
	OpUpdate
	OpPayloadUpdate
	OpTombstone
	OpConfigChange
	OpBarrier
)

// Record is one decoded op-log entry.
type Record struct {
	OpID      uint64
	Timestamp int64
	Kind      OpKind
	Body      []byte
}

// InsertBody is the decoded body of an OpInsert record.
type InsertBody struct {
	ExternalID    string
	InternalIndex uint64
	Vector        []float32
	Payload       []byte
}

// EncodeInsertBody serializes b for an OpInsert record.
func EncodeInsertBody(b InsertBody) []byte {
	var buf bytes.Buffer
	putString(&buf, b.ExternalID)
	putUint64(&buf, b.InternalIndex)
	putFloat32Slice(&buf, b.Vector)
	putBytes(&buf, b.Payload)
	return buf.Bytes()
}

// DecodeInsertBody is the inverse of EncodeInsertBody.
func DecodeInsertBody(data []byte) (InsertBody, error) {
	r := bytes.NewReader(data)
	var b InsertBody
	var err error
	if b.ExternalID, err = getString(r); err != nil {
		return b, err
	}
	if b.InternalIndex, err = getUint64(r); err != nil {
		return b, err
	}
	if b.Vector, err = getFloat32Slice(r); err != nil {
		return b, err
	}
	if b.Payload, err = getBytes(r); err != nil {
		return b, err
	}
	return b, nil
}

// UpdateBody is the decoded body of an OpUpdate record: it carries both the
// old and new internal index so replay can tombstone the former and insert
// the latter under the same external id, matching hnsw.Index.Update's
// tombstone-then-insert semantics (spec.md §4.4.6).
type UpdateBody struct {
	ExternalID       string
	OldInternalIndex uint64
	NewInternalIndex uint64
	Vector           []float32
	Payload          []byte
}

func EncodeUpdateBody(b UpdateBody) []byte {
	var buf bytes.Buffer
	putString(&buf, b.ExternalID)
	putUint64(&buf, b.OldInternalIndex)
	putUint64(&buf, b.NewInternalIndex)
	putFloat32Slice(&buf, b.Vector)
	putBytes(&buf, b.Payload)
	return buf.Bytes()
}

func DecodeUpdateBody(data []byte) (UpdateBody, error) {
	r := bytes.NewReader(data)
	var b UpdateBody
	var err error
	if b.ExternalID, err = getString(r); err != nil {
		return b, err
	}
	if b.OldInternalIndex, err = getUint64(r); err != nil {
		return b, err
	}
	if b.NewInternalIndex, err = getUint64(r); err != nil {
		return b, err
	}
	if b.Vector, err = getFloat32Slice(r); err != nil {
		return b, err
	}
	if b.Payload, err = getBytes(r); err != nil {
		return b, err
	}
	return b, nil
}

// PayloadUpdateBody is the decoded body of an OpPayloadUpdate record.
type PayloadUpdateBody struct {
	ExternalID string
	Payload    []byte
}

func EncodePayloadUpdateBody(b PayloadUpdateBody) []byte {
	var buf bytes.Buffer
	putString(&buf, b.ExternalID)
	putBytes(&buf, b.Payload)
	return buf.Bytes()
}

func DecodePayloadUpdateBody(data []byte) (PayloadUpdateBody, error) {
	r := bytes.NewReader(data)
	var b PayloadUpdateBody
	var err error
	if b.ExternalID, err = getString(r); err != nil {
		return b, err
	}
	if b.Payload, err = getBytes(r); err != nil {
		return b, err
	}
	return b, nil
}

// TombstoneBody is the decoded body of an OpTombstone record.
type TombstoneBody struct {
	ExternalID    string
	InternalIndex uint64
}

func EncodeTombstoneBody(b TombstoneBody) []byte {
	var buf bytes.Buffer
	putString(&buf, b.ExternalID)
	putUint64(&buf, b.InternalIndex)
	return buf.Bytes()
}

func DecodeTombstoneBody(data []byte) (TombstoneBody, error) {
	r := bytes.NewReader(data)
	var b TombstoneBody
	var err error
	if b.ExternalID, err = getString(r); err != nil {
		return b, err
	}
	if b.InternalIndex, err = getUint64(r); err != nil {
		return b, err
	}
	return b, nil
}

// --- little-endian primitive helpers, shared by record and snapshot codecs ---

func putUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func getUint64(r *bytes.Reader) (uint64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, fmt.Errorf("read uint64: %w", err)
	}
	return binary.LittleEndian.Uint64(tmp[:]), nil
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func getUint32(r *bytes.Reader) (uint32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, fmt.Errorf("read uint32: %w", err)
	}
	return binary.LittleEndian.Uint32(tmp[:]), nil
}

func putString(buf *bytes.Buffer, s string) {
	putBytes(buf, []byte(s))
}

func getString(r *bytes.Reader) (string, error) {
	b, err := getBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func getBytes(r *bytes.Reader) ([]byte, error) {
	n, err := getUint32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("read bytes: %w", err)
		}
	}
	return b, nil
}

func putFloat32Slice(buf *bytes.Buffer, v []float32) {
	putUint32(buf, uint32(len(v)))
	for _, f := range v {
		putUint32(buf, math.Float32bits(f))
	}
}

func getFloat32Slice(r *bytes.Reader) ([]float32, error) {
	n, err := getUint32(r)
	if err != nil {
		return nil, err
	}
	v := make([]float32, n)
	for i := range v {
		bits, err := getUint32(r)
		if err != nil {
			return nil, fmt.Errorf("read float32 element %d: %w", i, err)
		}
		v[i] = math.Float32frombits(bits)
	}
	return v, nil
}
