package collection

import (
	"fmt"

	"github.com/vectorcore-io/vectorcore/pkg/distance"
)

// StorageBackend selects the pkg/store implementation a collection binds.
type StorageBackend string

const (
	StorageMemory StorageBackend = "memory"
	StorageMMap   StorageBackend = "mmap"
)

// QuantizationKind selects the internal/quantization codec a collection
// trains once its insert count crosses TrainThreshold, per spec.md §4.2.
type QuantizationKind string

const (
	QuantizationNone   QuantizationKind = "none"
	QuantizationScalar QuantizationKind = "sq8"
	QuantizationProduct QuantizationKind = "pq"
	QuantizationBinary QuantizationKind = "binary"
)

// DuplicatePolicy controls Insert's behavior when an external id is already
// live, the config flag spec.md §4.4.3's edge case names explicitly.
type DuplicatePolicy string

const (
	// DuplicateFail returns ErrDuplicateID, the default.
	DuplicateFail DuplicatePolicy = "fail"
	// DuplicateReinsert tombstones the existing id and inserts the new
	// vector/payload under it, i.e. treats Insert as Update on conflict.
	DuplicateReinsert DuplicatePolicy = "reinsert"
)

// QuantizationConfig configures the optional codec a collection trains
// once TrainThreshold live vectors have been inserted.
type QuantizationConfig struct {
	Kind           QuantizationKind
	TrainThreshold int // live-vector count that triggers training; 0 disables
	PQSubvectors   int // pq(m,k): m
	PQBits         int // pq(m,k): bits per code (log2 k)
}

// IndexParams mirrors hnsw.IndexConfig's tunables at the collection's public
// boundary, plus the query-time efSearch/ExpandFactor spec.md §4.4.4 needs.
type IndexParams struct {
	M              int
	EfConstruction int
	EfSearch       int
	ExpandFactor   int // widening multiplier for a filtered search's single retry
	Seed           int64
}

// Config is the full configuration of a single collection, spec.md §4.5 and
// §6's create_collection(name, config) argument.
type Config struct {
	Name      string
	Dimension int
	Metric    distance.Metric

	Index       IndexParams
	Quantization QuantizationConfig
	Storage     StorageBackend
	Duplicate   DuplicatePolicy

	Durability         string // "sync" | "async", mirrors pkg/config.Durability
	CompactionFraction float64
}

// DefaultIndexParams returns the HNSW defaults spec.md §4.4.1 recommends.
func DefaultIndexParams() IndexParams {
	return IndexParams{
		M:              16,
		EfConstruction: 200,
		EfSearch:       50,
		ExpandFactor:   2,
		Seed:           0,
	}
}

// Validate checks a Config for internal consistency before a collection is
// created, per spec.md §8's boundary behavior ("dimension zero or negative:
// InvalidConfig at creation").
func (c *Config) Validate() error {
	if c.Name == "" {
		return newErr(ErrInvalidConfig, "collection name must not be empty", nil)
	}
	if c.Dimension <= 0 {
		return newErr(ErrInvalidConfig, fmt.Sprintf("dimension must be positive, got %d", c.Dimension), nil)
	}
	if c.Index.M < 2 {
		return newErr(ErrInvalidConfig, fmt.Sprintf("hnsw M must be >= 2, got %d", c.Index.M), nil)
	}
	if c.Index.EfConstruction < c.Index.M {
		return newErr(ErrInvalidConfig, "efConstruction must be >= M", nil)
	}
	if c.Index.ExpandFactor <= 1 {
		c.Index.ExpandFactor = 2
	}
	switch c.Storage {
	case StorageMemory, StorageMMap, "":
		if c.Storage == "" {
			c.Storage = StorageMemory
		}
	default:
		return newErr(ErrInvalidConfig, fmt.Sprintf("unknown storage backend %q", c.Storage), nil)
	}
	switch c.Duplicate {
	case DuplicateFail, DuplicateReinsert, "":
		if c.Duplicate == "" {
			c.Duplicate = DuplicateFail
		}
	default:
		return newErr(ErrInvalidConfig, fmt.Sprintf("unknown duplicate policy %q", c.Duplicate), nil)
	}
	switch c.Quantization.Kind {
	case QuantizationNone, QuantizationScalar, QuantizationProduct, QuantizationBinary, "":
		if c.Quantization.Kind == "" {
			c.Quantization.Kind = QuantizationNone
		}
	default:
		return newErr(ErrInvalidConfig, fmt.Sprintf("unknown quantization kind %q", c.Quantization.Kind), nil)
	}
	if c.CompactionFraction <= 0 || c.CompactionFraction > 1 {
		c.CompactionFraction = 0.3
	}
	if _, err := distance.Resolve(c.Metric); err != nil {
		return newErr(ErrInvalidConfig, err.Error(), err)
	}
	return nil
}
