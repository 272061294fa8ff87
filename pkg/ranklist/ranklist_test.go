package ranklist

import "testing"

func TestKeepsKSmallestWithTiebreak(t *testing.T) {
	rl := New(3)
	inputs := []Element{
		{Featno: 5, Dist: 10},
		{Featno: 1, Dist: 3},
		{Featno: 2, Dist: 3},
		{Featno: 3, Dist: 7},
		{Featno: 4, Dist: 1},
		{Featno: 6, Dist: 20},
	}
	for _, e := range inputs {
		rl.Insert(e.Featno, e.Dist)
	}
	got := rl.Results()
	want := []Element{
		{Featno: 4, Dist: 1},
		{Featno: 1, Dist: 3},
		{Featno: 2, Dist: 3},
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestNeverExceedsCapacity(t *testing.T) {
	rl := New(2)
	for i := 0; i < 100; i++ {
		rl.Insert(int64(i), 100-i)
		if rl.Len() > 2 {
			t.Fatalf("list grew beyond capacity: %d", rl.Len())
		}
	}
}

func TestCompleteAndLastDist(t *testing.T) {
	rl := New(2)
	if rl.Complete() {
		t.Fatal("empty list reports Complete")
	}
	rl.Insert(1, 5)
	rl.Insert(2, 3)
	if !rl.Complete() {
		t.Fatal("full list does not report Complete")
	}
	if rl.LastDist() != 5 {
		t.Fatalf("LastDist() = %d, want 5", rl.LastDist())
	}
	if rl.Insert(3, 5) {
		t.Fatal("equal-to-worst distance with larger featno should be rejected")
	}
	if !rl.Insert(3, 4) {
		t.Fatal("strictly better candidate should be accepted")
	}
}

func TestWeightRoundTrip(t *testing.T) {
	const totalBits = 256
	for _, dist := range []int{0, 10, 50, 128} {
		w := Weight(dist, totalBits)
		got := DistFromWeight(w, totalBits)
		if got != dist {
			t.Fatalf("DistFromWeight(Weight(%d)) = %d, want %d", dist, got, dist)
		}
	}
}

func TestExactMatchWeightIsOne(t *testing.T) {
	if w := Weight(0, 256); w != 1.0 {
		t.Fatalf("Weight(0,256) = %v, want 1.0", w)
	}
}
