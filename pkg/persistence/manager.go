package persistence

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Manager owns one collection's on-disk state: its op Log and the
// snapshot-<uuid>.bin generations in its directory, per the persisted
// layout spec.md §6 specifies. It is the thing collection.Collection opens
// once at construction and drives on every mutation and at shutdown.
type Manager struct {
	dir string
	Log *Log

	mu            sync.Mutex
	generations   []string // snapshot file names, oldest first
	maxSnapshots  int
	compress      bool
	snapshotBytes int64

	stopSnapshotter chan struct{}
	snapshotterDone chan struct{}
}

// Recovered is what Open returns: the latest usable snapshot (nil if the
// collection has never been snapshotted) plus the op-log records to replay
// on top of it.
type Recovered struct {
	Snapshot *Snapshot
	Replay   []Record
}

// Open opens (or creates) dir's op log and loads its newest valid snapshot
// generation, falling back to the one prior generation if the newest is
// missing or corrupt, per spec.md §4.6 recovery. It never returns a nil
// *Manager on success, even for a brand-new collection with no snapshot.
func Open(dir string, durability Durability, flushInterval time.Duration, flushBytes int64, maxSnapshots int, compress bool) (*Manager, *Recovered, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, newErr(ErrIO, "create collection directory", err)
	}

	generations, err := listSnapshotGenerations(dir)
	if err != nil {
		return nil, nil, err
	}

	var snap *Snapshot
	for i := len(generations) - 1; i >= 0; i-- {
		s, err := LoadSnapshot(filepath.Join(dir, generations[i]))
		if err == nil {
			snap = s
			generations = generations[:i+1]
			break
		}
		// Corrupt or missing generation: fall back to the one before it
		// and drop everything from this generation onward, per spec.md
		// §4.6 ("if a snapshot is missing or corrupt, fall back to an
		// older snapshot").
		generations = generations[:i]
	}

	logPath := filepath.Join(dir, "oplog.bin")
	log, err := OpenLog(logPath, durability, flushInterval, flushBytes)
	if err != nil {
		return nil, nil, err
	}

	var lastOpID uint64
	if snap != nil {
		lastOpID = snap.LastOpID
	}
	replay, err := log.Replay(lastOpID)
	if err != nil {
		log.Close()
		return nil, nil, err
	}

	m := &Manager{
		dir:          dir,
		Log:          log,
		generations:  generations,
		maxSnapshots: maxSnapshots,
		compress:     compress,
	}

	return m, &Recovered{Snapshot: snap, Replay: replay}, nil
}

// ReadLatestConfig returns the Config bytes from dir's newest valid
// snapshot generation, without opening the op log -- used by
// pkg/registry on startup to recover a collection's own Config ahead of
// calling Open (which needs the config to construct the HNSW/quantizer
// state it restores into).
func ReadLatestConfig(dir string) ([]byte, error) {
	generations, err := listSnapshotGenerations(dir)
	if err != nil {
		return nil, err
	}
	for i := len(generations) - 1; i >= 0; i-- {
		snap, err := LoadSnapshot(filepath.Join(dir, generations[i]))
		if err == nil {
			return snap.Config, nil
		}
	}
	return nil, newErr(ErrCorrupt, "no valid snapshot generation found", nil)
}

func listSnapshotGenerations(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, newErr(ErrIO, "list collection directory", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > 9 && e.Name()[:9] == "snapshot-" {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		fi, _ := os.Stat(filepath.Join(dir, names[i]))
		fj, _ := os.Stat(filepath.Join(dir, names[j]))
		if fi == nil || fj == nil {
			return names[i] < names[j]
		}
		return fi.ModTime().Before(fj.ModTime())
	})
	return names, nil
}

// Snapshot writes a new generation from buildFn's result, truncates the op
// log to records after the new snapshot's LastOpID, and enforces
// maxSnapshots retention -- the full cycle spec.md §4.6's background
// snapshotter runs.
func (m *Manager) Snapshot(buildFn func() *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := buildFn()

	name, err := WriteSnapshot(m.dir, snap, m.compress)
	if err != nil {
		return err
	}
	m.generations = append(m.generations, name)

	if err := m.Log.Truncate(snap.LastOpID); err != nil {
		return err
	}

	for len(m.generations) > m.maxSnapshots && len(m.generations) > 0 {
		oldest := m.generations[0]
		os.Remove(filepath.Join(m.dir, oldest))
		m.generations = m.generations[1:]
	}

	return nil
}

// RunBackgroundSnapshotter starts a goroutine that calls Snapshot whenever
// interval elapses or the op log exceeds logBytesThreshold, whichever comes
// first (spec.md §4.6). Call the returned stop function to shut it down.
func (m *Manager) RunBackgroundSnapshotter(interval time.Duration, logBytesThreshold int64, buildFn func() *Snapshot, onErr func(error)) (stop func()) {
	m.stopSnapshotter = make(chan struct{})
	m.snapshotterDone = make(chan struct{})

	go func() {
		defer close(m.snapshotterDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		checkTicker := time.NewTicker(interval / 10)
		defer checkTicker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := m.Snapshot(buildFn); err != nil && onErr != nil {
					onErr(err)
				}
			case <-checkTicker.C:
				size, err := m.Log.Size()
				if err != nil {
					continue
				}
				if logBytesThreshold > 0 && size > logBytesThreshold {
					if err := m.Snapshot(buildFn); err != nil && onErr != nil {
						onErr(err)
					}
				}
			case <-m.stopSnapshotter:
				return
			}
		}
	}()

	return func() {
		close(m.stopSnapshotter)
		<-m.snapshotterDone
	}
}

// Close flushes and closes the op log. A caller that wants a final,
// guaranteed-fresh snapshot should call Snapshot before Close.
func (m *Manager) Close() error {
	return m.Log.Close()
}
