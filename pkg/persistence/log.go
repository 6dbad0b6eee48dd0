package persistence

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// recordOverhead is the byte cost of everything in an op-log record besides
// its length prefix and body: op_kind(1) + op_id(8) + ts(8) + crc32c(4).
const recordOverhead = 1 + 8 + 8 + 4

// Durability selects when Log.Append's record is guaranteed on disk before
// returning, mirroring pkg/config.Durability at the op-log boundary.
type Durability string

const (
	DurabilitySync  Durability = "sync"
	DurabilityAsync Durability = "async"
)

// Log is the append-only op log described in spec.md §4.6: every mutation
// on a collection is appended here, in commit order, before (sync) or
// shortly after (async) being acknowledged. Grounded on the teacher's
// DiskGraph (pkg/diskann/disk_graph.go) for the append+explicit-Sync idiom,
// generalized from fixed-size node records to length-prefixed, CRC-checked
// ones.
type Log struct {
	mu   sync.Mutex
	file *os.File
	path string

	durability    Durability
	flushInterval time.Duration
	flushBytes    int64

	nextOpID      uint64
	unsyncedBytes int64
	stopFlusher   chan struct{}
	flusherDone   chan struct{}
	lastFlushErr  atomic.Value // error
}

// OpenLog opens (creating if absent) the op log at path and positions the
// internal op-id counter past whatever is already on disk, so Append
// continues the sequence instead of restarting it after a recovery. Op ids
// start at 1, so Replay(0) -- recovery with no snapshot -- returns every
// record.
func OpenLog(path string, durability Durability, flushInterval time.Duration, flushBytes int64) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, newErr(ErrIO, "open op log", err)
	}

	l := &Log{
		file:          f,
		path:          path,
		durability:    durability,
		flushInterval: flushInterval,
		flushBytes:    flushBytes,
		nextOpID:      1,
	}

	records, _, err := l.replayFrom(0)
	if err != nil {
		f.Close()
		return nil, err
	}
	for _, r := range records {
		if r.OpID >= l.nextOpID {
			l.nextOpID = r.OpID + 1
		}
	}

	if durability == DurabilityAsync && flushInterval > 0 {
		l.stopFlusher = make(chan struct{})
		l.flusherDone = make(chan struct{})
		go l.runFlusher()
	}

	return l, nil
}

// Append encodes kind/body as one record, assigns it the next op id, writes
// it to the log, and fsyncs immediately if durability is sync. Returns the
// assigned op id.
func (l *Log) Append(kind OpKind, body []byte, timestamp int64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	opID := l.nextOpID
	l.nextOpID++

	payload := make([]byte, 0, recordOverhead-4+len(body))
	payload = append(payload, byte(kind))
	payload = appendUint64LE(payload, opID)
	payload = appendUint64LE(payload, uint64(timestamp))
	payload = append(payload, body...)

	crc := crc32.Checksum(payload, castagnoli)

	frame := make([]byte, 0, 4+len(payload)+4)
	frame = appendUint32LE(frame, uint32(len(payload)+4))
	frame = append(frame, payload...)
	frame = appendUint32LE(frame, crc)

	if _, err := l.file.Write(frame); err != nil {
		return 0, newErr(ErrIO, "append op log record", err)
	}

	l.unsyncedBytes += int64(len(frame))

	if l.durability == DurabilitySync {
		if err := l.file.Sync(); err != nil {
			return 0, newErr(ErrIO, "fsync op log", err)
		}
		l.unsyncedBytes = 0
	} else if l.flushBytes > 0 && l.unsyncedBytes >= l.flushBytes {
		if err := l.file.Sync(); err != nil {
			return 0, newErr(ErrIO, "fsync op log", err)
		}
		l.unsyncedBytes = 0
	}

	return opID, nil
}

// Flush fsyncs the log unconditionally, used by the async flusher on every
// tick and by Close.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return newErr(ErrIO, "fsync op log", err)
	}
	l.unsyncedBytes = 0
	return nil
}

func (l *Log) runFlusher() {
	defer close(l.flusherDone)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := l.Flush(); err != nil {
				l.lastFlushErr.Store(err)
			}
		case <-l.stopFlusher:
			return
		}
	}
}

// LastFlushError reports the most recent background fsync failure, if any.
// Collection uses this to enter the Degraded state spec.md §7 describes for
// "persistence errors after in-memory commit but during async fsync".
func (l *Log) LastFlushError() error {
	v := l.lastFlushErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

// Size returns the current on-disk size of the log, the trigger the
// background snapshotter compares against log_bytes threshold.
func (l *Log) Size() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, err := l.file.Stat()
	if err != nil {
		return 0, newErr(ErrIO, "stat op log", err)
	}
	return info.Size(), nil
}

// Replay reads every valid record with OpID > afterOpID, in order, stopping
// at the first CRC-invalid or truncated record (spec.md §4.6 recovery:
// "stopping at the first record with a bad CRC... trailing partial record is
// truncated").
func (l *Log) Replay(afterOpID uint64) ([]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	records, _, err := l.replayFrom(afterOpID)
	return records, err
}

// replayFrom reads the whole log file from the start, keeping records with
// OpID > afterOpID, and returns how many valid bytes were read.
func (l *Log) replayFrom(afterOpID uint64) ([]Record, int64, error) {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return nil, 0, newErr(ErrIO, "seek op log", err)
	}

	var records []Record
	var validEnd int64

	for {
		lenBuf := make([]byte, 4)
		n, err := io.ReadFull(l.file, lenBuf)
		if err == io.EOF || (err == io.ErrUnexpectedEOF && n == 0) {
			break
		}
		if err != nil {
			break // truncated length prefix: stop, discard
		}
		recLen := binary.LittleEndian.Uint32(lenBuf)

		payload := make([]byte, recLen)
		if _, err := io.ReadFull(l.file, payload); err != nil {
			break // truncated record body: stop, discard per spec.md §4.6
		}

		if len(payload) < 4 {
			break
		}
		body := payload[:len(payload)-4]
		wantCRC := binary.LittleEndian.Uint32(payload[len(payload)-4:])
		gotCRC := crc32.Checksum(body, castagnoli)
		if gotCRC != wantCRC {
			break // first bad CRC: stop replay here
		}

		if len(body) < 17 {
			break
		}
		kind := OpKind(body[0])
		opID := binary.LittleEndian.Uint64(body[1:9])
		ts := int64(binary.LittleEndian.Uint64(body[9:17]))
		recBody := append([]byte(nil), body[17:]...)

		validEnd += 4 + int64(recLen)

		if opID > afterOpID {
			records = append(records, Record{OpID: opID, Timestamp: ts, Kind: kind, Body: recBody})
		}
	}

	return records, validEnd, nil
}

// Truncate rewrites the log to hold only its valid records with OpID >
// keepAfterOpID, discarding any bad trailing bytes -- used by the background
// snapshotter after a snapshot commits, since everything up to and including
// last_op_id is now captured there.
func (l *Log) Truncate(keepAfterOpID uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, _, err := l.replayFrom(0)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	for _, r := range records {
		if r.OpID <= keepAfterOpID {
			continue
		}
		payload := make([]byte, 0, 17+len(r.Body))
		payload = append(payload, byte(r.Kind))
		payload = appendUint64LE(payload, r.OpID)
		payload = appendUint64LE(payload, uint64(r.Timestamp))
		payload = append(payload, r.Body...)
		crc := crc32.Checksum(payload, castagnoli)
		frame := make([]byte, 0, 4+len(payload)+4)
		frame = appendUint32LE(frame, uint32(len(payload)+4))
		frame = append(frame, payload...)
		frame = appendUint32LE(frame, crc)
		buf.Write(frame)
	}

	if err := l.file.Truncate(0); err != nil {
		return newErr(ErrIO, "truncate op log", err)
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return newErr(ErrIO, "seek op log", err)
	}
	if _, err := l.file.Write(buf.Bytes()); err != nil {
		return newErr(ErrIO, "rewrite op log", err)
	}
	if err := l.file.Sync(); err != nil {
		return newErr(ErrIO, "fsync op log", err)
	}
	l.unsyncedBytes = 0
	return nil
}

// Close stops the async flusher, if any, fsyncs the log, and closes the
// underlying file.
func (l *Log) Close() error {
	if l.stopFlusher != nil {
		close(l.stopFlusher)
		<-l.flusherDone
	}
	if err := l.Flush(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// AppendBarrier writes a zero-body OpBarrier record, used on shutdown to
// mark a clean close point for the next recovery to trust.
func (l *Log) AppendBarrier(timestamp int64) (uint64, error) {
	return l.Append(OpBarrier, nil, timestamp)
}

func appendUint64LE(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendUint32LE(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}
