// Package lshmodel implements the deterministic LSH projection that turns a
// real-valued vector into a bitsig.BitSignature: a sparse contrast-vector
// projection matrix composed with a set of randomly sampled, full-rank
// rotation matrices.
package lshmodel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"

	"github.com/liliang-cn/vectorlsh/pkg/bitsig"
)

const equalEpsilon = 1e-9

// Model holds the dimensions and matrices of one LSH projection. It is
// constructed once per storage and, once built, is never mutated: it may be
// shared freely by value or behind a read-only handle.
type Model struct {
	D int // input vector dimension
	B int // bits per rotation (multiple of 64)
	V int // number of rotations; total signature width is B*V

	// Proj is the B x D contrast-vector projection matrix.
	Proj [][]float64
	// Rotations holds V full-rank D x D matrices.
	Rotations [][][]float64
}

// New builds a Model deterministically from (D, B, V, seed). Rebuilding with
// the same parameters and seed reproduces bit-identical output.
func New(d, b, v int, seed uint64) (*Model, error) {
	if d <= 0 || b <= 0 || v <= 0 {
		return nil, fmt.Errorf("lshmodel: dimension, bits and variations must be positive (got D=%d B=%d V=%d)", d, b, v)
	}
	if b%64 != 0 {
		return nil, fmt.Errorf("lshmodel: bits per variation must be a multiple of 64 (got %d)", b)
	}
	if b > d {
		return nil, fmt.Errorf("lshmodel: bits per variation %d must not exceed dimension %d", b, d)
	}
	m := &Model{D: d, B: b, V: v}
	m.Proj = buildProjectionMatrix(d, b)

	rng := rand.New(rand.NewSource(int64(seed)))
	m.Rotations = make([][][]float64, 0, v)
	for len(m.Rotations) < v {
		r := sampleRotation(rng, d)
		if matrixRank(r) == d {
			m.Rotations = append(m.Rotations, r)
		}
	}
	return m, nil
}

// buildProjectionMatrix implements the deterministic contrast-vector
// construction: step = D/B; row i covers the half-open span [c1,c2) of
// columns with value +1/(c2-c1), every other column carries
// -1/(D-(c2-c1)).
func buildProjectionMatrix(d, b int) [][]float64 {
	step := float64(d) / float64(b)
	p := make([][]float64, b)
	for i := 0; i < b; i++ {
		c1 := int(math.Floor(float64(i) * step))
		c2 := int(math.Floor(float64(i+1) * step))
		if i == b-1 {
			c2 = d
		}
		span := c2 - c1
		row := make([]float64, d)
		neg := -1.0 / float64(d-span)
		pos := 1.0 / float64(span)
		for j := 0; j < d; j++ {
			row[j] = neg
		}
		for j := c1; j < c2; j++ {
			row[j] = pos
		}
		p[i] = row
	}
	return p
}

func sampleRotation(rng *rand.Rand, d int) [][]float64 {
	r := make([][]float64, d)
	for i := range r {
		row := make([]float64, d)
		for j := range row {
			row[j] = rng.Float64()*2 - 1
		}
		r[i] = row
	}
	return r
}

// matrixRank computes numerical rank via Gaussian elimination with partial
// pivoting, used to reject singular rotation candidates during sampling.
func matrixRank(m [][]float64) int {
	n := len(m)
	a := make([][]float64, n)
	for i := range m {
		a[i] = append([]float64(nil), m[i]...)
	}
	const tol = 1e-9
	rank := 0
	for col := 0; col < n && rank < n; col++ {
		pivot := -1
		best := tol
		for row := rank; row < n; row++ {
			if v := math.Abs(a[row][col]); v > best {
				best = v
				pivot = row
			}
		}
		if pivot < 0 {
			continue
		}
		a[rank], a[pivot] = a[pivot], a[rank]
		for row := rank + 1; row < n; row++ {
			factor := a[row][col] / a[rank][col]
			for k := col; k < n; k++ {
				a[row][k] -= factor * a[rank][k]
			}
		}
		rank++
	}
	return rank
}

// SimHash projects v through the model, emitting one sign bit per
// projection-matrix row per rotation. v must have length D; the resulting
// signature has width B*V and carries featno as its ID.
func (m *Model) SimHash(v []float64, featno int64) (bitsig.BitSignature, error) {
	if len(v) != m.D {
		return bitsig.BitSignature{}, fmt.Errorf("lshmodel: dimension mismatch: model expects %d, got %d", m.D, len(v))
	}
	sig := bitsig.New(m.B * m.V)
	sig.ID = featno
	bit := 0
	rotated := make([]float64, m.D)
	for _, rot := range m.Rotations {
		for i := 0; i < m.D; i++ {
			var sum float64
			for j := 0; j < m.D; j++ {
				sum += rot[i][j] * v[j]
			}
			rotated[i] = sum
		}
		for _, row := range m.Proj {
			var u float64
			for j := 0; j < m.D; j++ {
				u += row[j] * rotated[j]
			}
			if err := sig.Set(bit, u >= 0); err != nil {
				return bitsig.BitSignature{}, err
			}
			bit++
		}
	}
	return sig, nil
}

// Equal reports whether two models are canonically equal: same D, B, V, and
// every projection/rotation entry equal within equalEpsilon.
func Equal(a, b *Model) bool {
	if a.D != b.D || a.B != b.B || a.V != b.V {
		return false
	}
	if !matEqual(a.Proj, b.Proj) {
		return false
	}
	if len(a.Rotations) != len(b.Rotations) {
		return false
	}
	for i := range a.Rotations {
		if !matEqual(a.Rotations[i], b.Rotations[i]) {
			return false
		}
	}
	return true
}

func matEqual(a, b [][]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if math.Abs(a[i][j]-b[i][j]) > equalEpsilon {
				return false
			}
		}
	}
	return true
}

// Serialize writes the on-disk header (D,B,V as big-endian u32) followed by
// every rotation entry in row-major order, then every projection entry in
// row-major order, each float64 marshalled as two big-endian u32 halves.
func (m *Model) Serialize(w io.Writer) error {
	var hdr [12]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(m.D))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(m.B))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(m.V))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for _, rot := range m.Rotations {
		for _, row := range rot {
			if err := writeDoubles(w, row); err != nil {
				return err
			}
		}
	}
	for _, row := range m.Proj {
		if err := writeDoubles(w, row); err != nil {
			return err
		}
	}
	return nil
}

func writeDoubles(w io.Writer, vals []float64) error {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		bits64 := math.Float64bits(v)
		binary.BigEndian.PutUint32(buf[i*8:i*8+4], uint32(bits64>>32))
		binary.BigEndian.PutUint32(buf[i*8+4:i*8+8], uint32(bits64))
	}
	_, err := w.Write(buf)
	return err
}

func readDoubles(r io.Reader, n int) ([]float64, error) {
	buf := make([]byte, 8*n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i := range out {
		hi := binary.BigEndian.Uint32(buf[i*8 : i*8+4])
		lo := binary.BigEndian.Uint32(buf[i*8+4 : i*8+8])
		out[i] = math.Float64frombits(uint64(hi)<<32 | uint64(lo))
	}
	return out, nil
}

// Deserialize reads back a model written by Serialize. It verifies the
// stored body length against the header-implied count (V*D*D rotation
// entries plus B*D projection entries), mirroring the word-count check
// bitsig.Deserialize applies to its own header, and fails with a corruption
// error on mismatch rather than trusting io.ReadFull's short-read errors
// alone to catch a truncated or padded file.
func Deserialize(r io.Reader) (*Model, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("lshmodel: read header: %w", err)
	}
	d := int(binary.BigEndian.Uint32(hdr[0:4]))
	b := int(binary.BigEndian.Uint32(hdr[4:8]))
	v := int(binary.BigEndian.Uint32(hdr[8:12]))

	expectedCount := v*d*d + b*d
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("lshmodel: read body: %w", err)
	}
	if len(body) != expectedCount*8 {
		return nil, fmt.Errorf("lshmodel: corrupt body: header (D=%d B=%d V=%d) implies %d doubles (%d bytes), got %d bytes", d, b, v, expectedCount, expectedCount*8, len(body))
	}
	br := bytes.NewReader(body)

	m := &Model{D: d, B: b, V: v}
	m.Rotations = make([][][]float64, v)
	for i := range m.Rotations {
		rot := make([][]float64, d)
		for j := range rot {
			row, err := readDoubles(br, d)
			if err != nil {
				return nil, fmt.Errorf("lshmodel: read rotation %d row %d: %w", i, j, err)
			}
			rot[j] = row
		}
		m.Rotations[i] = rot
	}
	m.Proj = make([][]float64, b)
	for i := range m.Proj {
		row, err := readDoubles(br, d)
		if err != nil {
			return nil, fmt.Errorf("lshmodel: read projection row %d: %w", i, err)
		}
		m.Proj[i] = row
	}
	return m, nil
}
