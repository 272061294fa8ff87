package sigindex

import (
	"context"
	"testing"

	"github.com/liliang-cn/vectorlsh/pkg/bitsig"
)

func TestFindSimilarExactSelfMatch(t *testing.T) {
	sigs := make([]bitsig.BitSignature, 10)
	for i := range sigs {
		s := bitsig.RandomHash(256, uint64(i+1))
		s.ID = int64(i + 1)
		sigs[i] = s
	}
	idx, err := BuildResident(1, sigs, 3)
	if err != nil {
		t.Fatalf("BuildResident: %v", err)
	}
	needle := sigs[3]

	results, err := idx.FindSimilar(context.Background(), needle, 0, 64, 1)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Featno != needle.ID {
		t.Fatalf("top result featno = %d, want %d", results[0].Featno, needle.ID)
	}
	if results[0].Weight < 0.999 {
		t.Fatalf("self-match weight = %v, want ~1.0", results[0].Weight)
	}
}

func TestFindSimilarRejectsDistantNeighbors(t *testing.T) {
	near := bitsig.NewAllOnes(256)
	near.ID = 1
	far := bitsig.New(256)
	far.ID = 2

	idx, err := BuildResident(1, []bitsig.BitSignature{near, far}, 2)
	if err != nil {
		t.Fatalf("BuildResident: %v", err)
	}
	results, err := idx.FindSimilar(context.Background(), near, 4, 16, 10)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	for _, r := range results {
		if r.Featno == far.ID {
			t.Fatal("maximally distant signature should not survive the cascade")
		}
	}
}

func TestFindSimilarOnEmptyIndex(t *testing.T) {
	idx, err := BuildResident(1, nil, 2)
	if err != nil {
		t.Fatalf("BuildResident: %v", err)
	}
	results, err := idx.FindSimilar(context.Background(), bitsig.New(256), 0, 16, 5)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results on empty index, got %v", results)
	}
}
