package store

import "testing"

func TestWalRegistryReturnsSameInstance(t *testing.T) {
	dir := t.TempDir()
	reg := NewWalRegistry(dir)

	w1, err := reg.Get("ws-1", "doc-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	w2, err := reg.Get("ws-1", "doc-1")
	if err != nil {
		t.Fatalf("Get again: %v", err)
	}
	if w1 != w2 {
		t.Fatal("expected the same WalStore instance on repeated Get")
	}
	if err := reg.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
}

func TestWalRegistryDistinctDocsGetDistinctStores(t *testing.T) {
	dir := t.TempDir()
	reg := NewWalRegistry(dir)
	defer reg.CloseAll()

	w1, err := reg.Get("ws-1", "doc-1")
	if err != nil {
		t.Fatalf("Get doc-1: %v", err)
	}
	w2, err := reg.Get("ws-1", "doc-2")
	if err != nil {
		t.Fatalf("Get doc-2: %v", err)
	}
	if w1 == w2 {
		t.Fatal("expected distinct WalStore instances for distinct documents")
	}
}
