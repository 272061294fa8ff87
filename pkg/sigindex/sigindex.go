// Package sigindex implements SignatureIndex: the per-type searchable index
// that pairs a bench.Filter with a reader over the full stored signatures,
// and answers findSimilar queries by cascading the probabilistic filter into
// exact Hamming refinement collected by a ranklist.RankList.
package sigindex

import (
	"context"
	"fmt"
	"sort"

	"github.com/liliang-cn/vectorlsh/pkg/bench"
	"github.com/liliang-cn/vectorlsh/pkg/bitsig"
	"github.com/liliang-cn/vectorlsh/pkg/ranklist"
)

// Reader provides random access to the full BitSignature of a feature, used
// during refinement when the index is not fully memory-resident.
type Reader interface {
	Load(ctx context.Context, featno int64) (bitsig.BitSignature, error)
}

// Result is one ranked match: featno plus its public similarity weight.
type Result struct {
	Featno int64
	Weight float64
}

// Index holds one type's filter, its shared row->featno mapping, and a
// refinement source: either the fully resident signature set or a Reader
// that re-fetches signatures on demand.
type Index struct {
	Typeno    int64
	filter    *bench.Filter
	resident  []bitsig.BitSignature // nil when database-backed
	reader    Reader                // nil when fully resident
	totalBits int
}

// BuildResident constructs a fully memory-resident index: every signature of
// sigs is kept in the index for refinement, avoiding any further KeyValueAdapter
// reads during search.
func BuildResident(typeno int64, sigs []bitsig.BitSignature, k int) (*Index, error) {
	f, err := bench.Build(sigs, k)
	if err != nil {
		return nil, err
	}
	totalBits := 0
	if len(sigs) > 0 {
		totalBits = sigs[0].Width()
	}
	return &Index{Typeno: typeno, filter: f, resident: sigs, totalBits: totalBits}, nil
}

// BuildDatabaseBacked constructs an index whose filter benches are resident
// (for first-stage candidate selection) but whose refinement re-reads full
// signatures through reader.
func BuildDatabaseBacked(typeno int64, sigs []bitsig.BitSignature, k int, reader Reader) (*Index, error) {
	f, err := bench.Build(sigs, k)
	if err != nil {
		return nil, err
	}
	totalBits := 0
	if len(sigs) > 0 {
		totalBits = sigs[0].Width()
	}
	return &Index{Typeno: typeno, filter: f, reader: reader, totalBits: totalBits}, nil
}

func (idx *Index) load(ctx context.Context, row int, featno int64) (bitsig.BitSignature, error) {
	if idx.resident != nil {
		return idx.resident[row], nil
	}
	return idx.reader.Load(ctx, featno)
}

// FindSimilar runs the cascade of spec §4.7: the filter narrows to a
// candidate set bounded by probsimdist, each candidate is refined by exact
// Hamming distance against maxDist (initially simdist), and once the
// RankList fills, maxDist tightens to its current worst distance, shrinking
// the sum bound proportionally for any remaining candidates.
func (idx *Index) FindSimilar(ctx context.Context, needle bitsig.BitSignature, simdist, probsimdist, k int) ([]Result, error) {
	if idx.filter == nil || idx.filter.Len() == 0 {
		return nil, nil
	}
	if probsimdist < simdist {
		return nil, fmt.Errorf("sigindex: probsimdist (%d) must be >= simdist (%d)", probsimdist, simdist)
	}

	candidates := idx.filter.Search(needle, simdist, probsimdist)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Dist < candidates[j].Dist })

	sumBound := idx.filter.SumBound(simdist, probsimdist)
	maxDist := simdist
	rl := ranklist.New(k)

	for _, c := range candidates {
		if float64(c.Dist) > sumBound {
			continue
		}
		featno := idx.filter.Featno(c.Row)
		full, err := idx.load(ctx, c.Row, featno)
		if err != nil {
			return nil, fmt.Errorf("sigindex: load featno %d: %w", featno, err)
		}
		if !bitsig.Near(needle, full, maxDist) {
			continue
		}
		d := bitsig.Dist(needle, full)
		if rl.Insert(featno, d) && rl.Complete() {
			newMax := rl.LastDist()
			if simdist > 0 {
				sumBound = sumBound * float64(newMax) / float64(maxDist)
			}
			maxDist = newMax
		}
	}

	elems := rl.Results()
	results := make([]Result, len(elems))
	for i, e := range elems {
		results[i] = Result{Featno: e.Featno, Weight: ranklist.Weight(e.Dist, idx.totalBits)}
	}
	return results, nil
}

// Len reports how many rows the index's filter holds.
func (idx *Index) Len() int {
	if idx.filter == nil {
		return 0
	}
	return idx.filter.Len()
}
