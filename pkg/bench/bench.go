// Package bench implements the cascaded probabilistic candidate filter that
// sits in front of exact Hamming refinement: a SignatureFilter stacks a
// small number of SignatureBench word-stripes, rejecting most stored
// signatures after touching only a handful of 64-bit words each.
package bench

import (
	"fmt"
	"math/bits"

	"github.com/liliang-cn/vectorlsh/pkg/bitsig"
)

// MaxBenches bounds how many word-stripes a filter may stack.
const MaxBenches = 4

// Candidate is a surviving row together with its accumulated partial
// Hamming distance over the bench words visited so far.
type Candidate struct {
	Row  int
	Dist int
}

// Bench holds one 64-bit word stripe across every stored signature: word i
// is word WordPos of the i-th signature in the index's row order.
type Bench struct {
	WordPos int
	words   []uint64
}

func newBench(wordPos int, words []uint64) *Bench {
	return &Bench{WordPos: wordPos, words: words}
}

// Search returns every row whose stripe word differs from needleWord in at
// most maxPerBench bits.
func (b *Bench) Search(needleWord uint64, maxPerBench int) []Candidate {
	var out []Candidate
	for row, w := range b.words {
		d := bits.OnesCount64(w ^ needleWord)
		if d <= maxPerBench {
			out = append(out, Candidate{Row: row, Dist: d})
		}
	}
	return out
}

// Filter narrows an existing candidate set using this bench's word position,
// keeping only rows whose cumulative distance (partial.Dist plus this
// bench's contribution) stays within maxCumulative.
func (b *Bench) Filter(partial []Candidate, needleWord uint64, maxCumulative float64) []Candidate {
	out := partial[:0]
	for _, c := range partial {
		d := c.Dist + bits.OnesCount64(b.words[c.Row]^needleWord)
		if float64(d) <= maxCumulative {
			out = append(out, Candidate{Row: c.Row, Dist: d})
		}
	}
	return out
}

// Filter stacks k benches plus the shared idVec mapping row -> featno. It is
// built once per SignatureIndex load/rebuild and is read-only afterwards:
// Search never allocates beyond the returned candidate slice.
type Filter struct {
	benches    []*Bench
	idVec      []int64
	totalBits  int
	totalWords int
}

// Build constructs a Filter over sigs (all of equal width), in the given row
// order, using k benches. k is clamped to [1,MaxBenches] and to the
// available word count.
func Build(sigs []bitsig.BitSignature, k int) (*Filter, error) {
	if len(sigs) == 0 {
		return &Filter{}, nil
	}
	totalBits := sigs[0].Width()
	totalWords := sigs[0].WordCount()
	for _, s := range sigs {
		if s.Width() != totalBits {
			return nil, fmt.Errorf("bench: all signatures in a filter must share one width, got %d and %d", totalBits, s.Width())
		}
	}
	if k < 1 {
		k = 1
	}
	if k > MaxBenches {
		k = MaxBenches
	}
	if k > totalWords {
		k = totalWords
	}

	idVec := make([]int64, len(sigs))
	for i, s := range sigs {
		idVec[i] = s.ID
	}

	benches := make([]*Bench, k)
	for b := 0; b < k; b++ {
		pos := b * totalWords / k
		words := make([]uint64, len(sigs))
		for i, s := range sigs {
			words[i] = s.Word(pos)
		}
		benches[b] = newBench(pos, words)
	}

	return &Filter{benches: benches, idVec: idVec, totalBits: totalBits, totalWords: totalWords}, nil
}

// Len reports the number of rows held by the filter.
func (f *Filter) Len() int { return len(f.idVec) }

// Featno resolves a row index back to its stored feature number.
func (f *Filter) Featno(row int) int64 { return f.idVec[row] }

// Search runs the cascade of §4.5: a per-bench admission bound derived from
// probsimdist, tightened across benches by a cumulative decrement derived
// from the gap between probsimdist and simdist, returning every row whose
// accumulated partial distance over the visited benches stays within the
// running bound.
func (f *Filter) Search(needle bitsig.BitSignature, simdist, probsimdist int) []Candidate {
	if len(f.benches) == 0 {
		return nil
	}
	bound := float64(probsimdist) * float64(bitsig.NofElementBits) / float64(f.totalBits)
	decr := float64(probsimdist-simdist) / float64(2*f.totalWords)

	first := f.benches[0]
	candidates := first.Search(needle.Word(first.WordPos), int(bound))

	for b := 1; b < len(f.benches); b++ {
		running := float64(b+1)*bound - float64(b)*decr
		bch := f.benches[b]
		candidates = bch.Filter(candidates, needle.Word(bch.WordPos), running)
	}
	return candidates
}

// SumBound returns the cumulative distance bound the cascade enforces after
// visiting every bench, used by SignatureIndex to re-derive the bound when
// it tightens maxDist mid-search.
func (f *Filter) SumBound(simdist, probsimdist int) float64 {
	if len(f.benches) == 0 {
		return 0
	}
	bound := float64(probsimdist) * float64(bitsig.NofElementBits) / float64(f.totalBits)
	decr := float64(probsimdist-simdist) / float64(2*f.totalWords)
	k := len(f.benches)
	return float64(k)*bound - float64(k-1)*decr
}
