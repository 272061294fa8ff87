package vectorlsh

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/liliang-cn/vectorlsh/pkg/lshmodel"
)

func openTestStorage(t *testing.T, cfg Config) *Storage {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "store.db")
	s, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func unitVector(dim, nonzero int) []float64 {
	v := make([]float64, dim)
	v[nonzero%dim] = 1
	return v
}

func TestOpenBuildsAndPersistsModel(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.VecDim = 64
	cfg.Bits = 64
	cfg.Variations = 1
	path := filepath.Join(t.TempDir(), "store.db")
	cfg.Path = path

	s1, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	model1 := s1.model
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()
	if !lshmodel.Equal(model1, s2.model) {
		t.Fatalf("reopened store did not reload the persisted model")
	}
}

func TestDefineAndFindSimilarExactMatch(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.VecDim = 64
	cfg.Bits = 64
	cfg.Variations = 1
	s := openTestStorage(t, cfg)

	tx, err := s.CreateTransaction(ctx)
	if err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}
	v := unitVector(64, 3)
	if err := tx.DefineVector("doc", "alpha", v); err != nil {
		t.Fatalf("DefineVector: %v", err)
	}
	ok, err := tx.Commit(ctx)
	if err != nil || !ok {
		t.Fatalf("Commit: ok=%v err=%v", ok, err)
	}

	results := s.FindSimilar(ctx, "doc", v, 5, 0.9, false)
	if err := s.LastError(); err != nil {
		t.Fatalf("FindSimilar recorded error: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected at least one result for an exact self-match")
	}
	if results[0].Name != "alpha" {
		t.Fatalf("expected alpha as top match, got %q", results[0].Name)
	}
	if results[0].Weight < 0.99 {
		t.Fatalf("expected near-1 weight for exact match, got %v", results[0].Weight)
	}
}

func TestFindSimilarUnknownTypeReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.VecDim = 64
	cfg.Bits = 64
	cfg.Variations = 1
	s := openTestStorage(t, cfg)

	results := s.FindSimilar(ctx, "missing", unitVector(64, 0), 5, 0, false)
	if err := s.LastError(); err != nil {
		t.Fatalf("unknown type should not set LastError, got %v", err)
	}
	if results != nil {
		t.Fatalf("expected nil results for unknown type, got %v", results)
	}
}

func TestFindSimilarRejectsBadArguments(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.VecDim = 64
	cfg.Bits = 64
	cfg.Variations = 1
	s := openTestStorage(t, cfg)

	s.FindSimilar(ctx, "doc", unitVector(64, 0), 0, 0, false)
	if err := s.LastError(); err == nil {
		t.Fatalf("expected error recorded for K=0")
	}

	s.FindSimilar(ctx, "doc", unitVector(64, 0), 5, 2, false)
	if err := s.LastError(); err == nil {
		t.Fatalf("expected error recorded for minSim > 1")
	}

	s.FindSimilar(ctx, "doc", unitVector(8, 0), 5, 0, false)
	if err := s.LastError(); err == nil {
		t.Fatalf("expected error recorded for dimension mismatch")
	}
}

func TestTypeIsolation(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.VecDim = 64
	cfg.Bits = 64
	cfg.Variations = 1
	s := openTestStorage(t, cfg)

	tx, _ := s.CreateTransaction(ctx)
	v := unitVector(64, 1)
	tx.DefineVector("docA", "x", v)
	tx.DefineVector("docB", "y", v)
	if ok, err := tx.Commit(ctx); !ok || err != nil {
		t.Fatalf("Commit: ok=%v err=%v", ok, err)
	}

	resA := s.FindSimilar(ctx, "docA", v, 5, 0.9, false)
	for _, r := range resA {
		if r.Name == "y" {
			t.Fatalf("docA search leaked a docB-only feature")
		}
	}
}

func TestVectorSimilarityAndNormalize(t *testing.T) {
	cfg := DefaultConfig()
	s := openTestStorage(t, cfg)

	a := []float64{1, 0, 0}
	b := []float64{1, 0, 0}
	if sim := s.VectorSimilarity(a, b); math.Abs(sim-1) > 1e-9 {
		t.Fatalf("expected identical vectors to have similarity 1, got %v", sim)
	}

	zero := []float64{0, 0, 0}
	if !math.IsNaN(s.VectorSimilarity(zero, a)) {
		t.Fatalf("expected NaN similarity against a zero vector")
	}

	n := s.Normalize([]float64{3, 4})
	if math.Abs(n[0]-0.6) > 1e-9 || math.Abs(n[1]-0.8) > 1e-9 {
		t.Fatalf("unexpected normalized vector: %v", n)
	}
}

func TestFeatureValueIteratorWalksInOrder(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.VecDim = 64
	cfg.Bits = 64
	cfg.Variations = 1
	s := openTestStorage(t, cfg)

	tx, _ := s.CreateTransaction(ctx)
	tx.DefineVector("doc", "a", unitVector(64, 0))
	tx.DefineVector("doc", "b", unitVector(64, 1))
	tx.DefineVector("doc", "c", unitVector(64, 2))
	if ok, err := tx.Commit(ctx); !ok || err != nil {
		t.Fatalf("Commit: ok=%v err=%v", ok, err)
	}

	it := s.CreateFeatureValueIterator(ctx)
	var seen []string
	for {
		name, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		seen = append(seen, name)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 feature names, got %v", seen)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("feature names not in ascending order: %v", seen)
		}
	}
}
