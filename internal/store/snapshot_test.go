package store

import (
	"bytes"
	"testing"
)

func TestSnapshotSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.SaveSnapshot("doc-1", 7, []byte("full state bytes")); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	rec, err := s.LoadSnapshot("doc-1")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record, got nil")
	}
	if rec.SnapshotSeq != 7 {
		t.Errorf("SnapshotSeq = %d, want 7", rec.SnapshotSeq)
	}
	if !bytes.Equal(rec.Payload, []byte("full state bytes")) {
		t.Errorf("Payload = %q, want %q", rec.Payload, "full state bytes")
	}
}

func TestSnapshotLoadMissingReturnsNil(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec, err := s.LoadSnapshot("does-not-exist")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
}

func TestSnapshotNewerReplacesOlderAtomically(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.SaveSnapshot("doc-1", 1, []byte("v1")); err != nil {
		t.Fatalf("save v1: %v", err)
	}
	if err := s.SaveSnapshot("doc-1", 2, []byte("v2")); err != nil {
		t.Fatalf("save v2: %v", err)
	}
	rec, err := s.LoadSnapshot("doc-1")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if rec.SnapshotSeq != 2 || string(rec.Payload) != "v2" {
		t.Fatalf("got seq=%d payload=%q, want seq=2 payload=v2", rec.SnapshotSeq, rec.Payload)
	}
}
