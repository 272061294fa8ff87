package bench

import (
	"testing"

	"github.com/liliang-cn/vectorlsh/pkg/bitsig"
)

func TestSearchFindsExactMatch(t *testing.T) {
	sigs := make([]bitsig.BitSignature, 20)
	for i := range sigs {
		s := bitsig.RandomHash(256, uint64(i+1))
		s.ID = int64(i + 1)
		sigs[i] = s
	}
	needle := sigs[5]

	f, err := Build(sigs, 4)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	cands := f.Search(needle, 8, 64)

	found := false
	for _, c := range cands {
		if f.Featno(c.Row) == needle.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("exact match for the needle itself was not a surviving candidate")
	}
}

func TestSearchRejectsObviouslyDistantRows(t *testing.T) {
	sigs := []bitsig.BitSignature{
		bitsig.NewAllOnes(256),
	}
	far := bitsig.New(256) // all zero: distance 256 from all-ones
	sigs[0].ID = 1

	f, err := Build(sigs, 2)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	cands := f.Search(far, 4, 8)
	if len(cands) != 0 {
		t.Fatalf("expected no candidates for a maximally distant signature, got %v", cands)
	}
}

func TestBuildRejectsMismatchedWidths(t *testing.T) {
	sigs := []bitsig.BitSignature{bitsig.New(64), bitsig.New(128)}
	if _, err := Build(sigs, 2); err == nil {
		t.Fatal("expected error building a filter over mismatched signature widths")
	}
}

func TestSumBoundMatchesManualCascade(t *testing.T) {
	sigs := make([]bitsig.BitSignature, 5)
	for i := range sigs {
		sigs[i] = bitsig.RandomHash(256, uint64(i))
		sigs[i].ID = int64(i)
	}
	f, err := Build(sigs, 3)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// 256 bits in 4 words: per-bench bound 40*64/256 = 10, decrement
	// (40-10)/(2*4) = 3.75; after 3 benches 3*10 - 2*3.75 = 22.5.
	bound := f.SumBound(10, 40)
	if want := 3*10.0 - 2*3.75; bound != want {
		t.Fatalf("SumBound = %v, want %v", bound, want)
	}
}
