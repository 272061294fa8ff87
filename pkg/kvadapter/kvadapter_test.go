package kvadapter

import (
	"context"
	"testing"

	"github.com/liliang-cn/vectorlsh/internal/kvstore"
	"github.com/liliang-cn/vectorlsh/pkg/bitsig"
	"github.com/liliang-cn/vectorlsh/pkg/lshmodel"
)

func openAdapter(t *testing.T) *Adapter {
	t.Helper()
	st, err := kvstore.Open(context.Background(), "")
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return Open(st)
}

func TestIDRoundTrip(t *testing.T) {
	for _, id := range []int64{0, 1, 127, 128, 2047, 2048, 65535, 65536, 1 << 20, 1 << 27} {
		enc, err := encodeID(id)
		if err != nil {
			t.Fatalf("encodeID(%d): %v", id, err)
		}
		got, n, err := decodeID(enc)
		if err != nil {
			t.Fatalf("decodeID(%d): %v", id, err)
		}
		if got != id || n != len(enc) {
			t.Fatalf("round trip id %d -> %v -> %d (n=%d)", id, enc, got, n)
		}
	}
}

func TestIDEncodingPreservesOrder(t *testing.T) {
	ids := []int64{0, 1, 126, 127, 128, 129, 2000, 2047, 2048, 70000}
	for i := 1; i < len(ids); i++ {
		a, _ := encodeID(ids[i-1])
		b, _ := encodeID(ids[i])
		if string(a) >= string(b) {
			t.Fatalf("encoding of %d (%v) does not sort before %d (%v)", ids[i-1], a, ids[i], b)
		}
	}
}

func TestWriteAndReadTypeFeature(t *testing.T) {
	a := openAdapter(t)
	ctx := context.Background()

	tx, err := a.BeginTransaction(ctx)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := tx.WriteType(ctx, "Word", 1); err != nil {
		t.Fatalf("WriteType: %v", err)
	}
	if err := tx.WriteFeature(ctx, "hello", 1); err != nil {
		t.Fatalf("WriteFeature: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	typeno, ok, err := a.ReadTypeno(ctx, "Word")
	if err != nil || !ok || typeno != 1 {
		t.Fatalf("ReadTypeno = %d,%v,%v, want 1,true,nil", typeno, ok, err)
	}
	name, ok, err := a.ReadTypeName(ctx, 1)
	if err != nil || !ok || name != "Word" {
		t.Fatalf("ReadTypeName = %s,%v,%v, want Word,true,nil", name, ok, err)
	}
	featno, ok, err := a.ReadFeatno(ctx, "hello")
	if err != nil || !ok || featno != 1 {
		t.Fatalf("ReadFeatno = %d,%v,%v, want 1,true,nil", featno, ok, err)
	}
}

func TestWriteAndReadVectorAndSignature(t *testing.T) {
	a := openAdapter(t)
	ctx := context.Background()

	m, err := lshmodel.New(64, 64, 1, 1)
	if err != nil {
		t.Fatalf("lshmodel.New: %v", err)
	}
	vec := make([]float64, 64)
	for i := range vec {
		vec[i] = float64(i + 1)
	}
	sig, err := m.SimHash(vec, 5)
	if err != nil {
		t.Fatalf("SimHash: %v", err)
	}

	tx, err := a.BeginTransaction(ctx)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := tx.WriteVector(ctx, 1, 5, vec); err != nil {
		t.Fatalf("WriteVector: %v", err)
	}
	if err := tx.WriteSimHash(ctx, 1, 5, sig); err != nil {
		t.Fatalf("WriteSimHash: %v", err)
	}
	if err := tx.WriteLshModel(ctx, m); err != nil {
		t.Fatalf("WriteLshModel: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	gotVec, ok, err := a.ReadVector(ctx, 1, 5)
	if err != nil || !ok {
		t.Fatalf("ReadVector: ok=%v err=%v", ok, err)
	}
	for i := range vec {
		if gotVec[i] != vec[i] {
			t.Fatalf("ReadVector[%d] = %v, want %v", i, gotVec[i], vec[i])
		}
	}
	gotSig, ok, err := a.ReadSimHash(ctx, 1, 5)
	if err != nil || !ok || !bitsig.Equal(gotSig, sig) {
		t.Fatalf("ReadSimHash mismatch: ok=%v err=%v", ok, err)
	}
	gotModel, ok, err := a.ReadLshModel(ctx)
	if err != nil || !ok || !lshmodel.Equal(gotModel, m) {
		t.Fatalf("ReadLshModel mismatch: ok=%v err=%v", ok, err)
	}
}

func TestVersionCheck(t *testing.T) {
	a := openAdapter(t)
	ctx := context.Background()

	if err := a.CheckVersion(ctx); err != nil {
		t.Fatalf("CheckVersion on fresh store: %v", err)
	}

	tx, err := a.BeginTransaction(ctx)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := tx.WriteVersion(ctx); err != nil {
		t.Fatalf("WriteVersion: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := a.CheckVersion(ctx); err != nil {
		t.Fatalf("CheckVersion after writing current version: %v", err)
	}
}

func TestTransactionRollbackDiscardsWrites(t *testing.T) {
	a := openAdapter(t)
	ctx := context.Background()

	tx, err := a.BeginTransaction(ctx)
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	if err := tx.WriteType(ctx, "Discarded", 1); err != nil {
		t.Fatalf("WriteType: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, ok, _ := a.ReadTypeno(ctx, "Discarded"); ok {
		t.Fatal("rolled-back type write is visible")
	}
}
