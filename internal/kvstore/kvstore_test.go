package kvstore

import (
	"context"
	"testing"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, []byte("k")); err != nil || ok {
		t.Fatalf("Get on empty store = %v,%v,%v, want false,nil", ok, ok, err)
	}
	if err := s.Put(ctx, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok, err := s.Get(ctx, []byte("k"))
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("Get = %s,%v,%v, want v1,true,nil", v, ok, err)
	}
	if err := s.Put(ctx, []byte("k"), []byte("v2")); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	if v, _, _ := s.Get(ctx, []byte("k")); string(v) != "v2" {
		t.Fatalf("Get after overwrite = %s, want v2", v)
	}
	if err := s.Delete(ctx, []byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, []byte("k")); ok {
		t.Fatal("key still present after Delete")
	}
}

func TestIterateOrderAndPrefix(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	keys := []string{"Aapple", "Abanana", "Bzebra", "Acherry"}
	for _, k := range keys {
		if err := s.Put(ctx, []byte(k), []byte("x")); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}

	var got []string
	if err := s.Iterate(ctx, []byte("A"), func(kv KV) bool {
		got = append(got, string(kv.Key))
		return true
	}); err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	want := []string{"Aapple", "Abanana", "Acherry"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d]=%s, want %s", i, got[i], want[i])
		}
	}
}

func TestTransactionCommitAndRollback(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx.Put(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("tx Put: %v", err)
	}
	if _, ok, _ := s.Get(ctx, []byte("k")); ok {
		t.Fatal("uncommitted write visible outside the transaction")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, ok, _ := s.Get(ctx, []byte("k")); !ok {
		t.Fatal("committed write not visible")
	}

	tx2, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := tx2.Put(ctx, []byte("k2"), []byte("v2")); err != nil {
		t.Fatalf("tx Put: %v", err)
	}
	if err := tx2.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, ok, _ := s.Get(ctx, []byte("k2")); ok {
		t.Fatal("rolled-back write is visible")
	}
}
