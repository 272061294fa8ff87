package bitsig

import (
	"bytes"
	"testing"
)

func TestDistSymmetricAndBounded(t *testing.T) {
	a := NewFromBools([]bool{true, false, true, true, false, false, true, false})
	b := NewFromBools([]bool{false, false, true, false, false, true, true, false})

	if Dist(a, b) != Dist(b, a) {
		t.Fatalf("dist not symmetric: %d vs %d", Dist(a, b), Dist(b, a))
	}
	if d := Dist(a, b); d < 0 || d > a.Width() {
		t.Fatalf("dist %d out of range [0,%d]", d, a.Width())
	}
}

func TestNearMatchesDist(t *testing.T) {
	a := RandomHash(256, 1)
	b := RandomHash(256, 2)
	d := Dist(a, b)
	for _, maxDist := range []int{d - 1, d, d + 1} {
		got := Near(a, b, maxDist)
		want := d <= maxDist
		if got != want {
			t.Fatalf("near(d=%d,maxDist=%d) = %v, want %v", d, maxDist, got, want)
		}
	}
}

func TestSetGetOutOfRange(t *testing.T) {
	s := New(64)
	if err := s.Set(64, true); err == nil {
		t.Fatal("expected OutOfRange error setting bit 64 of width-64 signature")
	}
	if _, err := s.Get(-1); err == nil {
		t.Fatal("expected OutOfRange error for negative index")
	}
	if err := s.Set(10, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, err := s.Get(10)
	if err != nil || !v {
		t.Fatalf("Get(10) = %v,%v, want true,nil", v, err)
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	orig := RandomHash(130, 42)
	orig.ID = 7

	var buf bytes.Buffer
	if err := orig.Serialize(&buf); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	got, err := Deserialize(&buf)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if !Equal(orig, got) {
		t.Fatalf("round-trip mismatch: width %d/%d", orig.Width(), got.Width())
	}
}

func TestRandomHashDeterministic(t *testing.T) {
	a := RandomHash(192, 99)
	b := RandomHash(192, 99)
	if !Equal(a, b) {
		t.Fatal("RandomHash not deterministic for same (width,seed)")
	}
	c := RandomHash(192, 100)
	if Equal(a, c) {
		t.Fatal("RandomHash collided across different seeds")
	}
}

func TestPaddingBitsAreZero(t *testing.T) {
	s := NewAllOnes(70)
	if s.Count() != 70 {
		t.Fatalf("NewAllOnes(70).Count() = %d, want 70 (padding must stay zero)", s.Count())
	}
}
