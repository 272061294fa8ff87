// Package ranklist implements the bounded top-K collector that sits between
// SignatureIndex's candidate stream and the caller's result list: a
// fixed-capacity max-heap over (featno, distance) pairs, sorted ascending by
// distance (featno breaking ties) once drained.
package ranklist

import "container/heap"

// MaxSize is the largest capacity a RankList may be constructed with.
const MaxSize = 256

// Element is one accepted (featno, distance) candidate.
type Element struct {
	Featno int64
	Dist   int
}

// RankList is a fixed-capacity ordered buffer of the best-so-far candidates.
// It is not safe for concurrent use.
type RankList struct {
	capacity int
	h        maxHeap
}

// New creates a RankList with the given capacity, which must be in (0,MaxSize].
func New(capacity int) *RankList {
	if capacity <= 0 {
		capacity = 1
	}
	if capacity > MaxSize {
		capacity = MaxSize
	}
	rl := &RankList{capacity: capacity}
	heap.Init(&rl.h)
	return rl
}

// Len reports how many elements are currently held.
func (rl *RankList) Len() int { return rl.h.Len() }

// Complete reports whether the list has reached capacity.
func (rl *RankList) Complete() bool { return rl.h.Len() >= rl.capacity }

// LastDist returns the worst (largest) distance currently held. If the list
// is empty it returns an unbounded sentinel so callers treat any candidate
// as acceptable.
func (rl *RankList) LastDist() int {
	if rl.h.Len() == 0 {
		return int(^uint(0) >> 1) // max int
	}
	return rl.h[0].Dist
}

// Insert offers a new candidate. It returns true if accepted: either the
// list was not yet full, or the candidate strictly improves on the current
// worst element (smaller distance, or equal distance with a smaller
// featno).
func (rl *RankList) Insert(featno int64, dist int) bool {
	cand := Element{Featno: featno, Dist: dist}
	if rl.h.Len() < rl.capacity {
		heap.Push(&rl.h, cand)
		return true
	}
	if isBetter(cand, rl.h[0]) {
		rl.h[0] = cand
		heap.Fix(&rl.h, 0)
		return true
	}
	return false
}

// isBetter reports whether a should evict b as the current worst element.
func isBetter(a, b Element) bool {
	if a.Dist != b.Dist {
		return a.Dist < b.Dist
	}
	return a.Featno < b.Featno
}

// Results drains the list into ascending-distance order (featno ascending on
// ties). After calling Results the RankList is empty.
func (rl *RankList) Results() []Element {
	n := rl.h.Len()
	out := make([]Element, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = heap.Pop(&rl.h).(Element)
	}
	return out
}

// maxHeap keeps the single worst element (largest distance, featno as
// tiebreak) at the root, mirroring the bounded top-K heap pattern used
// throughout this codebase's other index implementations.
type maxHeap []Element

func (h maxHeap) Len() int { return len(h) }
func (h maxHeap) Less(i, j int) bool {
	if h[i].Dist != h[j].Dist {
		return h[i].Dist > h[j].Dist
	}
	return h[i].Featno > h[j].Featno
}
func (h maxHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)   { *h = append(*h, x.(Element)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Weight maps a Hamming distance to the public similarity-weight scale:
// weight = 1 - dist/W where W = (totalBits/4)*5.
func Weight(dist, totalBits int) float64 {
	w := weightDenominator(totalBits)
	return 1 - float64(dist)/w
}

// DistFromWeight inverts Weight, used to derive a filter's simdist from a
// user-supplied minimum similarity.
func DistFromWeight(weight float64, totalBits int) int {
	w := weightDenominator(totalBits)
	dist := (1 - weight) * w
	if dist < 0 {
		return 0
	}
	return int(dist + 0.5)
}

func weightDenominator(totalBits int) float64 {
	return float64(totalBits/4) * 5
}
