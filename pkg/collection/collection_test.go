package collection

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vectorcore-io/vectorcore/pkg/distance"
	"github.com/vectorcore-io/vectorcore/pkg/observability"
)

func testConfig(name string) Config {
	return Config{
		Name:      name,
		Dimension: 4,
		Metric:    distance.MetricCosine,
		Index:     DefaultIndexParams(),
		Storage:   StorageMemory,
		Duplicate: DuplicateFail,
	}
}

func openTestCollection(t *testing.T, name string, cfg Config) (*Collection, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	coll, err := Open(dir, cfg, 10*time.Millisecond, 1<<20, 0, 0, 3, false, observability.NewMetrics())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return coll, dir
}

func TestCollection_InsertAndGet(t *testing.T) {
	coll, _ := openTestCollection(t, "c1", testConfig("c1"))
	defer coll.Close()

	ctx := context.Background()
	if _, err := coll.Insert(ctx, "a", []float32{1, 0, 0, 0}, []byte(`{"x":1}`)); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	vec, payload, err := coll.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(vec) != 4 {
		t.Fatalf("expected dimension 4, got %d", len(vec))
	}
	if string(payload) != `{"x":1}` {
		t.Fatalf("unexpected payload: %s", payload)
	}
}

func TestCollection_InsertRejectsDimensionMismatch(t *testing.T) {
	coll, _ := openTestCollection(t, "c1", testConfig("c1"))
	defer coll.Close()

	_, err := coll.Insert(context.Background(), "a", []float32{1, 0}, nil)
	if KindOf(err) != ErrDimensionMismatch {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestCollection_DuplicateIDFailsByDefault(t *testing.T) {
	coll, _ := openTestCollection(t, "c1", testConfig("c1"))
	defer coll.Close()

	ctx := context.Background()
	if _, err := coll.Insert(ctx, "a", []float32{1, 0, 0, 0}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	_, err := coll.Insert(ctx, "a", []float32{0, 1, 0, 0}, nil)
	if KindOf(err) != ErrDuplicateID {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestCollection_DuplicateIDReinsertsWhenConfigured(t *testing.T) {
	cfg := testConfig("c1")
	cfg.Duplicate = DuplicateReinsert
	coll, _ := openTestCollection(t, "c1", cfg)
	defer coll.Close()

	ctx := context.Background()
	if _, err := coll.Insert(ctx, "a", []float32{1, 0, 0, 0}, []byte("first")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := coll.Insert(ctx, "a", []float32{0, 1, 0, 0}, []byte("second")); err != nil {
		t.Fatalf("reinsert: %v", err)
	}

	_, payload, err := coll.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(payload) != "second" {
		t.Fatalf("expected reinsert to replace payload, got %q", payload)
	}
}

func TestCollection_SearchOnEmptyCollectionReturnsEmpty(t *testing.T) {
	coll, _ := openTestCollection(t, "c1", testConfig("c1"))
	defer coll.Close()

	hits, err := coll.Search(context.Background(), []float32{1, 0, 0, 0}, 10, 50, nil)
	if err != nil {
		t.Fatalf("expected no error searching an empty collection, got %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits from an empty collection, got %v", hits)
	}
}

func TestCollection_DeleteHidesFromSearch(t *testing.T) {
	coll, _ := openTestCollection(t, "c1", testConfig("c1"))
	defer coll.Close()

	ctx := context.Background()
	if _, err := coll.Insert(ctx, "a", []float32{1, 0, 0, 0}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := coll.Insert(ctx, "b", []float32{0, 1, 0, 0}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := coll.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	hits, err := coll.Search(ctx, []float32{1, 0, 0, 0}, 10, 50, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, h := range hits {
		if h.ID == "a" {
			t.Fatalf("deleted id %q should not appear in search results", h.ID)
		}
	}

	if _, _, err := coll.Get(ctx, "a"); KindOf(err) != ErrTombstoned {
		t.Fatalf("expected ErrTombstoned after delete, got %v", err)
	}
}

func TestCollection_UpdateVectorMovesResult(t *testing.T) {
	coll, _ := openTestCollection(t, "c1", testConfig("c1"))
	defer coll.Close()

	ctx := context.Background()
	if _, err := coll.Insert(ctx, "a", []float32{1, 0, 0, 0}, []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := coll.Update(ctx, "a", []float32{0, 0, 1, 0}, nil); err != nil {
		t.Fatalf("Update: %v", err)
	}

	vec, payload, err := coll.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if vec[2] == 0 {
		t.Fatalf("expected updated vector component at index 2, got %v", vec)
	}
	if string(payload) != "v1" {
		t.Fatalf("payload-preserving update changed payload: %s", payload)
	}
}

func TestCollection_PayloadOnlyUpdateKeepsVector(t *testing.T) {
	coll, _ := openTestCollection(t, "c1", testConfig("c1"))
	defer coll.Close()

	ctx := context.Background()
	if _, err := coll.Insert(ctx, "a", []float32{1, 0, 0, 0}, []byte("v1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := coll.Update(ctx, "a", nil, []byte("v2")); err != nil {
		t.Fatalf("Update: %v", err)
	}

	vec, payload, err := coll.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if vec[0] != 1 {
		t.Fatalf("payload-only update should not move the vector, got %v", vec)
	}
	if string(payload) != "v2" {
		t.Fatalf("expected updated payload, got %s", payload)
	}
}

func TestCollection_SnapshotRoundTrip(t *testing.T) {
	cfg := testConfig("c1")
	dir := filepath.Join(t.TempDir(), "c1")

	coll, err := Open(dir, cfg, 10*time.Millisecond, 1<<20, 0, 0, 3, false, observability.NewMetrics())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		v := make([]float32, 4)
		v[i%4] = 1
		if _, err := coll.Insert(ctx, id, v, []byte(id)); err != nil {
			t.Fatalf("Insert %s: %v", id, err)
		}
	}

	if err := coll.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir, cfg, 10*time.Millisecond, 1<<20, 0, 0, 3, false, observability.NewMetrics())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	for _, id := range []string{"a", "b", "c"} {
		vec, payload, err := reopened.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get %s after reopen: %v", id, err)
		}
		if len(vec) != 4 {
			t.Fatalf("expected dimension 4 after reopen, got %d", len(vec))
		}
		if string(payload) != id {
			t.Fatalf("expected payload %q after reopen, got %q", id, payload)
		}
	}

	stats, err := reopened.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.LiveCount != 3 {
		t.Fatalf("expected 3 live vectors after reopen, got %d", stats.LiveCount)
	}
}

func TestCollection_CrashMidWriteReplaysFromOpLog(t *testing.T) {
	cfg := testConfig("c1")
	dir := filepath.Join(t.TempDir(), "c1")

	coll, err := Open(dir, cfg, 10*time.Millisecond, 1<<20, time.Hour, 1<<30, 3, false, observability.NewMetrics())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx := context.Background()
	if _, err := coll.Insert(ctx, "a", []float32{1, 0, 0, 0}, []byte("a")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	// No snapshot and no clean Close: only the persistence manager's Log is
	// closed, simulating a crash that leaves the op log as the sole record
	// of this write.
	if err := coll.persist.Log.Close(); err != nil {
		t.Fatalf("close log: %v", err)
	}

	recovered, err := Open(dir, cfg, 10*time.Millisecond, 1<<20, 0, 0, 3, false, observability.NewMetrics())
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer recovered.Close()

	vec, payload, err := recovered.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get after crash recovery: %v", err)
	}
	if len(vec) != 4 || string(payload) != "a" {
		t.Fatalf("unexpected recovered record: vec=%v payload=%s", vec, payload)
	}
}

func TestCollection_ConcurrentInserts(t *testing.T) {
	coll, _ := openTestCollection(t, "c1", testConfig("c1"))
	defer coll.Close()

	const n = 50
	items := make([]InsertItem, n)
	for i := 0; i < n; i++ {
		v := make([]float32, 4)
		v[i%4] = 1
		items[i] = InsertItem{ID: string(rune('a' + i)), Vector: v}
	}

	results, err := coll.BatchInsert(context.Background(), items, false)
	if err != nil {
		t.Fatalf("BatchInsert: %v", err)
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("item %d failed: %v", i, r.Err)
		}
	}

	stats, err := coll.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.LiveCount != n {
		t.Fatalf("expected %d live vectors, got %d", n, stats.LiveCount)
	}
}

func TestCollection_CompactDropsTombstones(t *testing.T) {
	coll, _ := openTestCollection(t, "c1", testConfig("c1"))
	defer coll.Close()

	ctx := context.Background()
	if _, err := coll.Insert(ctx, "a", []float32{1, 0, 0, 0}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := coll.Insert(ctx, "b", []float32{0, 1, 0, 0}, nil); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := coll.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if err := coll.Compact(ctx); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	stats, err := coll.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.LiveCount != 1 {
		t.Fatalf("expected 1 live vector after compaction, got %d", stats.LiveCount)
	}
	if stats.TombstonedCount != 0 {
		t.Fatalf("expected 0 tombstones after compaction, got %d", stats.TombstonedCount)
	}

	if _, _, err := coll.Get(ctx, "b"); err != nil {
		t.Fatalf("expected surviving id to remain retrievable: %v", err)
	}
}

func TestCollection_DeterministicSearchUnderFixedSeed(t *testing.T) {
	cfg := testConfig("c1")
	cfg.Index.Seed = 42

	build := func() []SearchHit {
		coll, _ := openTestCollection(t, "seeded", cfg)
		defer coll.Close()

		ctx := context.Background()
		vectors := [][4]float32{{1, 0, 0, 0}, {0.9, 0.1, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}}
		for i, v := range vectors {
			if _, err := coll.Insert(ctx, string(rune('a'+i)), v[:], nil); err != nil {
				t.Fatalf("Insert: %v", err)
			}
		}
		hits, err := coll.Search(ctx, []float32{1, 0, 0, 0}, 2, 50, nil)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		return hits
	}

	first := build()
	second := build()

	if len(first) != len(second) {
		t.Fatalf("result count differs across runs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("result order differs at %d under a fixed seed: %q vs %q", i, first[i].ID, second[i].ID)
		}
	}
}

func TestCollection_ClosedCollectionRejectsOperations(t *testing.T) {
	coll, _ := openTestCollection(t, "c1", testConfig("c1"))
	if err := coll.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err := coll.Insert(context.Background(), "a", []float32{1, 0, 0, 0}, nil)
	if KindOf(err) != ErrShutdown {
		t.Fatalf("expected ErrShutdown on a closed collection, got %v", err)
	}
}

func TestCollection_BinaryQuantizationTrainsAndFilters(t *testing.T) {
	cfg := testConfig("c1")
	cfg.Quantization = QuantizationConfig{Kind: QuantizationBinary, TrainThreshold: 4}
	coll, _ := openTestCollection(t, "c1", cfg)
	defer coll.Close()

	ctx := context.Background()
	vectors := [][4]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
	for i, v := range vectors {
		if _, err := coll.Insert(ctx, string(rune('a'+i)), v[:], nil); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	stats, err := coll.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if !stats.QuantizerTrained {
		t.Fatalf("expected quantizer trained after %d inserts", len(vectors))
	}

	hits, err := coll.Search(ctx, []float32{1, 0, 0, 0}, 4, 50, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one hit from a coarse-filtered search")
	}
}

func TestOpen_RejectsInvalidConfig(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bad")
	_, err := Open(dir, Config{Name: "bad", Dimension: 0}, time.Second, 1<<20, 0, 0, 3, false, nil)
	if err == nil {
		t.Fatal("expected error opening a collection with zero dimension")
	}
	if _, statErr := os.Stat(dir); statErr == nil {
		t.Log("directory created before validation failure; acceptable since Open creates it via persistence.Open")
	}
}
