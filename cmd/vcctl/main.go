// Command vcctl is a direct, in-process CLI over a registry.Registry: no
// RPC hop, since gRPC/REST are out of scope for this engine. It restructures
// the teacher's cmd/cli/main.go (a gRPC client with one flag set per
// subcommand) onto the same flag-per-subcommand shape, swapped from stdlib
// flag to spf13/cobra -- the CLI idiom the large majority of the retrieval
// pack uses for multi-subcommand tools.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vectorcore-io/vectorcore/pkg/collection"
	"github.com/vectorcore-io/vectorcore/pkg/config"
	"github.com/vectorcore-io/vectorcore/pkg/distance"
	"github.com/vectorcore-io/vectorcore/pkg/observability"
	"github.com/vectorcore-io/vectorcore/pkg/predicate"
	"github.com/vectorcore-io/vectorcore/pkg/registry"
)

var dataDir string

func main() {
	engineCfg := config.LoadFromEnv()

	root := &cobra.Command{
		Use:           "vcctl",
		Short:         "vcctl drives a vectorcore registry directly, no server required",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", engineCfg.Engine.DataDir, "registry data directory")

	root.AddCommand(
		newCreateCmd(engineCfg),
		newDropCmd(),
		newInsertCmd(),
		newSearchCmd(),
		newCompactCmd(),
		newStatsCmd(),
		newCheckCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func openRegistry() (*registry.Registry, error) {
	engineCfg := config.LoadFromEnv()
	if err := engineCfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}

	opts := registry.Options{
		FlushInterval:    engineCfg.Persistence.FlushInterval,
		FlushBytes:       engineCfg.Persistence.FlushBytes,
		SnapshotInterval: engineCfg.Persistence.SnapshotInterval,
		SnapshotLogBytes: engineCfg.Persistence.SnapshotLogBytes,
		MaxSnapshots:     engineCfg.Persistence.MaxSnapshots,
		Compress:         engineCfg.Persistence.CompressSnapshots,
	}

	metrics := observability.NewMetrics()
	r, errs := registry.Open(dataDir, opts, metrics)
	for _, e := range errs {
		fmt.Fprintln(os.Stderr, "warning:", e)
	}
	return r, nil
}

func parseVector(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	vec := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		vec = append(vec, float32(f))
	}
	return vec, nil
}

func parseEqFilter(s string) (predicate.Matcher, error) {
	if s == "" {
		return nil, nil
	}
	field, value, ok := strings.Cut(s, "=")
	if !ok {
		return nil, fmt.Errorf("filter must be field=value, got %q", s)
	}
	return predicate.NewJSONFilter(predicate.Eq(field, value)), nil
}

func newCreateCmd(engineCfg *config.Config) *cobra.Command {
	var (
		dim            int
		metric         string
		m              int
		efConstruction int
		efSearch       int
		storage        string
		duplicate      string
		durability     string
		quantization   string
		trainThreshold int
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "create a new collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRegistry()
			if err != nil {
				return err
			}
			defer r.Close()

			cfg := collection.Config{
				Name:      args[0],
				Dimension: dim,
				Metric:    distance.Metric(metric),
				Index: collection.IndexParams{
					M:              m,
					EfConstruction: efConstruction,
					EfSearch:       efSearch,
					ExpandFactor:   2,
				},
				Quantization: collection.QuantizationConfig{
					Kind:           collection.QuantizationKind(quantization),
					TrainThreshold: trainThreshold,
				},
				Storage:    collection.StorageBackend(storage),
				Duplicate:  collection.DuplicatePolicy(duplicate),
				Durability: durability,
			}

			if _, err := r.CreateCollection(cfg, registry.DefaultQuota()); err != nil {
				return err
			}
			fmt.Printf("created collection %q (dim=%d, metric=%s)\n", cfg.Name, cfg.Dimension, cfg.Metric)
			return nil
		},
	}

	cmd.Flags().IntVar(&dim, "dim", 0, "vector dimension (required)")
	cmd.Flags().StringVar(&metric, "metric", "cosine", "distance metric: cosine | euclidean | squared_euclidean | dot")
	cmd.Flags().IntVar(&m, "m", engineCfg.HNSW.M, "HNSW M (bidirectional links per node)")
	cmd.Flags().IntVar(&efConstruction, "ef-construction", engineCfg.HNSW.EfConstruction, "HNSW efConstruction")
	cmd.Flags().IntVar(&efSearch, "ef-search", engineCfg.HNSW.EfSearch, "default efSearch")
	cmd.Flags().StringVar(&storage, "storage", "memory", "storage backend: memory | mmap")
	cmd.Flags().StringVar(&duplicate, "duplicate", "fail", "duplicate id policy: fail | reinsert")
	cmd.Flags().StringVar(&durability, "durability", string(engineCfg.Persistence.Durability), "op-log durability: sync | async")
	cmd.Flags().StringVar(&quantization, "quantization", "none", "quantization: none | sq8 | pq | binary")
	cmd.Flags().IntVar(&trainThreshold, "train-threshold", 0, "vectors required before the quantizer trains (0 disables)")
	cmd.MarkFlagRequired("dim")

	return cmd
}

func newDropCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop <name>",
		Short: "drop a collection and delete its on-disk state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRegistry()
			if err != nil {
				return err
			}
			defer r.Close()

			if err := r.DropCollection(args[0]); err != nil {
				return err
			}
			fmt.Printf("dropped collection %q\n", args[0])
			return nil
		},
	}
}

func newInsertCmd() *cobra.Command {
	var (
		name    string
		id      string
		vecStr  string
		payload string
	)

	cmd := &cobra.Command{
		Use:   "insert",
		Short: "insert a vector into a collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRegistry()
			if err != nil {
				return err
			}
			defer r.Close()

			coll, err := r.GetCollection(name)
			if err != nil {
				return err
			}

			vec, err := parseVector(vecStr)
			if err != nil {
				return err
			}

			var payloadBytes []byte
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("payload must be valid JSON")
				}
				payloadBytes = []byte(payload)
			}

			idx, err := coll.Insert(context.Background(), id, vec, payloadBytes)
			if err != nil {
				return err
			}
			fmt.Printf("inserted %q at internal index %d\n", id, idx)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "collection name (required)")
	cmd.Flags().StringVar(&id, "id", "", "external vector id (required)")
	cmd.Flags().StringVar(&vecStr, "vector", "", "comma-separated vector components (required)")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("vector")

	return cmd
}

func newSearchCmd() *cobra.Command {
	var (
		name     string
		vecStr   string
		k        int
		efSearch int
		filter   string
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "search a collection for nearest neighbors",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRegistry()
			if err != nil {
				return err
			}
			defer r.Close()

			coll, err := r.GetCollection(name)
			if err != nil {
				return err
			}

			vec, err := parseVector(vecStr)
			if err != nil {
				return err
			}

			matcher, err := parseEqFilter(filter)
			if err != nil {
				return err
			}

			hits, err := coll.Search(context.Background(), vec, k, efSearch, matcher)
			if err != nil {
				return err
			}

			for _, h := range hits {
				fmt.Printf("%s\t%f\t%s\n", h.ID, h.Score, string(h.Payload))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "collection name (required)")
	cmd.Flags().StringVar(&vecStr, "vector", "", "comma-separated query vector (required)")
	cmd.Flags().IntVar(&k, "k", 10, "number of neighbors")
	cmd.Flags().IntVar(&efSearch, "ef-search", 0, "efSearch override (0 uses the collection default)")
	cmd.Flags().StringVar(&filter, "filter", "", "equality filter, field=value")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("vector")

	return cmd
}

func newCompactCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "rebuild a collection's index, discarding tombstoned vectors",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRegistry()
			if err != nil {
				return err
			}
			defer r.Close()

			coll, err := r.GetCollection(name)
			if err != nil {
				return err
			}
			if err := coll.Compact(context.Background()); err != nil {
				return err
			}
			fmt.Printf("compacted collection %q\n", name)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "collection name (required)")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newStatsCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "print a collection's current shape",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRegistry()
			if err != nil {
				return err
			}
			defer r.Close()

			coll, err := r.GetCollection(name)
			if err != nil {
				return err
			}
			stats, err := coll.Stats(context.Background())
			if err != nil {
				return err
			}

			fmt.Printf("live:        %d\n", stats.LiveCount)
			fmt.Printf("tombstoned:  %d\n", stats.TombstonedCount)
			fmt.Printf("dimension:   %d\n", stats.Dimension)
			fmt.Printf("metric:      %s\n", stats.Metric)
			fmt.Printf("quantizer:   %s (trained=%v)\n", stats.Quantization, stats.QuantizerTrained)
			fmt.Printf("memoryBytes: %d\n", stats.MemoryBytes)
			fmt.Printf("degraded:    %v\n", stats.Degraded)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "collection name (required)")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "open the registry and list every recovered collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRegistry()
			if err != nil {
				return err
			}
			defer r.Close()

			names := r.ListCollections()
			fmt.Printf("%d collection(s) under %s\n", len(names), dataDir)
			for _, n := range names {
				coll, err := r.GetCollection(n)
				if err != nil {
					fmt.Printf(" - %s (error: %v)\n", n, err)
					continue
				}
				report, err := coll.CheckGraph(context.Background())
				if err != nil {
					fmt.Printf(" - %s (graph check failed: %v)\n", n, err)
					continue
				}
				fmt.Printf(" - %s: %d reachable, %d unreachable, %d broken links\n",
					n, report.Reachable, len(report.Unreachable), report.BrokenLinks)
			}
			return nil
		},
	}
}
