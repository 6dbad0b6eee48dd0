// Package config holds the engine-wide defaults that apply across every
// collection a registry.Registry opens: where data lives on disk, the
// default HNSW/persistence/durability knobs a collection.Config falls back
// to when its own fields are left zero, and env-var overrides for some of
// them (not the flush thresholds, snapshot log size or compaction
// fraction). It deliberately has no notion of a network listener -- spec.md §1
// scopes HTTP/gRPC surfaces out of the core engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Durability selects when a write's op-log record is fsynced.
type Durability string

const (
	// DurabilitySync fsyncs before acknowledging the write.
	DurabilitySync Durability = "sync"
	// DurabilityAsync batches fsyncs on a timer/size threshold.
	DurabilityAsync Durability = "async"
)

// Config holds process-wide engine defaults.
type Config struct {
	Engine      EngineConfig
	HNSW        HNSWDefaults
	Persistence PersistenceDefaults
}

// EngineConfig controls where the registry keeps collection data and how
// it shuts down.
type EngineConfig struct {
	DataDir         string        // root directory, one subdirectory per collection
	ShutdownTimeout time.Duration // deadline for draining leases on Close
}

// HNSWDefaults seed collection.Config.IndexParams when a caller creates a
// collection without specifying them.
type HNSWDefaults struct {
	M              int
	M0             int
	EfConstruction int
	EfSearch       int
}

// PersistenceDefaults seed collection.Config.Persistence.
type PersistenceDefaults struct {
	Durability         Durability
	FlushInterval      time.Duration // async fsync cadence
	FlushBytes         int64         // async fsync size threshold
	SnapshotInterval   time.Duration
	SnapshotLogBytes   int64 // snapshot trigger: op-log size threshold
	MaxSnapshots       int
	CompactionFraction float64 // tombstoned/total ratio that triggers compaction
	CompressSnapshots  bool
}

// Default returns the engine configuration the teacher's server used as a
// starting point (pkg/config/config.go), adapted off its gRPC listener
// fields onto the core's own knobs: data directory, HNSW construction
// defaults, and the persistence cadence from spec.md §4.6.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			DataDir:         "./data",
			ShutdownTimeout: 10 * time.Second,
		},
		HNSW: HNSWDefaults{
			M:              16,
			M0:             32,
			EfConstruction: 200,
			EfSearch:       50,
		},
		Persistence: PersistenceDefaults{
			Durability:         DurabilityAsync,
			FlushInterval:      200 * time.Millisecond,
			FlushBytes:         4 * 1024 * 1024,
			SnapshotInterval:   6 * time.Hour,
			SnapshotLogBytes:   256 * 1024 * 1024,
			MaxSnapshots:       2,
			CompactionFraction: 0.3,
			CompressSnapshots:  false,
		},
	}
}

// LoadFromEnv returns Default() with VECTORCORE_* environment overrides
// applied, the same override-on-top-of-defaults shape the teacher's
// LoadFromEnv used for its server config.
func LoadFromEnv() *Config {
	cfg := Default()

	if v := os.Getenv("VECTORCORE_DATA_DIR"); v != "" {
		cfg.Engine.DataDir = v
	}
	if v := os.Getenv("VECTORCORE_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.ShutdownTimeout = d
		}
	}

	if v := os.Getenv("VECTORCORE_HNSW_M"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HNSW.M = n
			cfg.HNSW.M0 = n * 2
		}
	}
	if v := os.Getenv("VECTORCORE_HNSW_EF_CONSTRUCTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HNSW.EfConstruction = n
		}
	}
	if v := os.Getenv("VECTORCORE_HNSW_EF_SEARCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HNSW.EfSearch = n
		}
	}

	if v := os.Getenv("VECTORCORE_DURABILITY"); v == string(DurabilitySync) {
		cfg.Persistence.Durability = DurabilitySync
	}
	if v := os.Getenv("VECTORCORE_SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Persistence.SnapshotInterval = d
		}
	}
	if v := os.Getenv("VECTORCORE_MAX_SNAPSHOTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Persistence.MaxSnapshots = n
		}
	}
	if v := os.Getenv("VECTORCORE_COMPRESS_SNAPSHOTS"); v == "true" {
		cfg.Persistence.CompressSnapshots = true
	}

	return cfg
}

// Validate checks the configuration for internally-consistent values.
func (c *Config) Validate() error {
	if c.Engine.DataDir == "" {
		return fmt.Errorf("data directory not specified")
	}
	if c.HNSW.M < 2 {
		return fmt.Errorf("invalid HNSW M: %d (must be >= 2)", c.HNSW.M)
	}
	if c.HNSW.EfConstruction < c.HNSW.M {
		return fmt.Errorf("invalid HNSW efConstruction: %d (must be >= M=%d)", c.HNSW.EfConstruction, c.HNSW.M)
	}
	if c.Persistence.MaxSnapshots < 1 {
		return fmt.Errorf("invalid max snapshots: %d (must be >= 1)", c.Persistence.MaxSnapshots)
	}
	if c.Persistence.CompactionFraction <= 0 || c.Persistence.CompactionFraction > 1 {
		return fmt.Errorf("invalid compaction fraction: %v (must be in (0, 1])", c.Persistence.CompactionFraction)
	}
	switch c.Persistence.Durability {
	case DurabilitySync, DurabilityAsync:
	default:
		return fmt.Errorf("invalid durability: %q", c.Persistence.Durability)
	}
	return nil
}
