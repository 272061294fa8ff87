package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	vectorlsh "github.com/liliang-cn/vectorlsh"
)

var (
	dbPath     string
	configStr  string
	jsonOutput bool
)

// exit codes per the store's checked-error classification: 0 success, 1 a
// checked StoreError, 2 out of memory/resources, 3 a usage/logic error.
const (
	exitOK       = 0
	exitStoreErr = 1
	exitOutOfMem = 2
	exitUsageErr = 3
)

var rootCmd = &cobra.Command{
	Use:   "vectorlsh",
	Short: "CLI for the LSH-backed approximate nearest-neighbor vector store",
	Long:  `vectorlsh manages a SQLite-backed vector store indexed by locality-sensitive bit signatures.`,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or open a store, building a new LshModel on first use",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := openConfig()
		if err != nil {
			return err
		}
		s, err := vectorlsh.Open(context.Background(), cfg)
		if err != nil {
			return err
		}
		defer s.Close()
		fmt.Printf("store initialized at %s\n", cfg.Path)
		return nil
	},
}

var defineCmd = &cobra.Command{
	Use:   "define",
	Short: "Define feature types, feature values, and their vectors",
}

var defineTypeCmd = &cobra.Command{
	Use:   "type <name>",
	Short: "Register a feature type with no vector attached",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := context.Background()
		tx, err := s.CreateTransaction(ctx)
		if err != nil {
			return err
		}
		tx.DefineFeatureType(args[0])
		if ok, err := tx.Commit(ctx); err != nil || !ok {
			return fmt.Errorf("commit failed: %w", err)
		}
		fmt.Printf("type %q defined\n", args[0])
		return nil
	},
}

var defineFeatureCmd = &cobra.Command{
	Use:   "feature <type> <name> <vector>",
	Short: "Define a feature's vector under a feature type (vector is comma-separated floats)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		vec, err := parseVector(args[2])
		if err != nil {
			return err
		}

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := context.Background()
		tx, err := s.CreateTransaction(ctx)
		if err != nil {
			return err
		}
		if err := tx.DefineVector(args[0], args[1], vec); err != nil {
			return err
		}
		if ok, err := tx.Commit(ctx); err != nil || !ok {
			return fmt.Errorf("commit failed: %w", err)
		}
		fmt.Printf("feature %q defined under type %q\n", args[1], args[0])
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <type> <vector>",
	Short: "Find the K nearest features of a type to the query vector",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		vec, err := parseVector(args[1])
		if err != nil {
			return err
		}
		k, _ := cmd.Flags().GetInt("top-k")
		minSim, _ := cmd.Flags().GetFloat64("min-sim")
		realWeights, _ := cmd.Flags().GetBool("real-weights")

		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := context.Background()
		results := s.FindSimilar(ctx, args[0], vec, k, minSim, realWeights)
		if err := s.LastError(); err != nil {
			return err
		}

		if jsonOutput {
			data, _ := json.MarshalIndent(results, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("found %d results:\n", len(results))
		for i, r := range results {
			fmt.Printf("%d. %s (weight: %.4f)\n", i+1, r.Name, r.Weight)
		}
		return nil
	},
}

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "List every registered feature type",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		types, err := s.Types(context.Background())
		if err != nil {
			return err
		}
		if jsonOutput {
			data, _ := json.MarshalIndent(types, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		for _, t := range types {
			fmt.Println(t)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := context.Background()
		types, err := s.Types(ctx)
		if err != nil {
			return err
		}

		info, statErr := os.Stat(dbPath)
		var size int64
		if statErr == nil {
			size = info.Size()
		}

		if jsonOutput {
			stats := map[string]any{
				"path":  dbPath,
				"types": len(types),
				"bytes": size,
			}
			data, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Println("store statistics:")
		fmt.Printf("  path: %s\n", dbPath)
		fmt.Printf("  types: %d\n", len(types))
		for _, t := range types {
			n, err := s.NofVectors(ctx, t)
			if err != nil {
				return err
			}
			fmt.Printf("    %s: %d vectors\n", t, n)
		}
		fmt.Printf("  size on disk: %s\n", humanize.Bytes(uint64(size)))
		return nil
	},
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump stored records",
}

var dumpFeaturesCmd = &cobra.Command{
	Use:   "features",
	Short: "List every registered feature value",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := context.Background()
		it := s.CreateFeatureValueIterator(ctx)
		for {
			name, ok, err := it.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			fmt.Println(name)
		}
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Run the backend's maintenance/compaction routine",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStore()
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.Compact(context.Background()); err != nil {
			return err
		}
		fmt.Println("compaction complete")
		return nil
	},
}

func parseVector(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	vec := make([]float64, 0, len(parts))
	for _, p := range parts {
		val, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", p, err)
		}
		vec = append(vec, val)
	}
	return vec, nil
}

func openConfig() (vectorlsh.Config, error) {
	cfg, err := vectorlsh.ParseConfig(configStr)
	if err != nil {
		return cfg, err
	}
	if dbPath != "" {
		cfg.Path = dbPath
	}
	cfg.Logger = vectorlsh.NewStdLogger(vectorlsh.LevelWarn)
	return cfg, nil
}

func openStore() (*vectorlsh.Storage, error) {
	cfg, err := openConfig()
	if err != nil {
		return nil, err
	}
	return vectorlsh.Open(context.Background(), cfg)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "vectorlsh.db", "store directory/file path")
	rootCmd.PersistentFlags().StringVarP(&configStr, "config", "c", "", "`;`-separated key=value configuration overrides")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON where applicable")

	defineCmd.AddCommand(defineTypeCmd, defineFeatureCmd)

	searchCmd.Flags().Int("top-k", 10, "number of results to return")
	searchCmd.Flags().Float64("min-sim", 0, "minimum similarity in [0,1]")
	searchCmd.Flags().Bool("real-weights", false, "re-score candidates with exact cosine similarity")

	dumpCmd.AddCommand(dumpFeaturesCmd)

	rootCmd.AddCommand(initCmd, defineCmd, searchCmd, typesCmd, statsCmd, dumpCmd, compactCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var storeErr *vectorlsh.StoreError
	if errors.As(err, &storeErr) {
		if errors.Is(storeErr, vectorlsh.ErrOutOfMemory) {
			return exitOutOfMem
		}
		return exitStoreErr
	}
	return exitUsageErr
}
