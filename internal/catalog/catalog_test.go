package catalog

import (
	"testing"
)

func TestCreateAndGetWorkspace(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	w, err := c.CreateWorkspace("notes", "Notes")
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	if w.ID == "" || w.Etag == "" {
		t.Fatalf("workspace missing id/etag: %+v", w)
	}

	got, err := c.GetWorkspace(w.ID)
	if err != nil {
		t.Fatalf("GetWorkspace: %v", err)
	}
	if got.Slug != "notes" {
		t.Fatalf("Slug = %q, want notes", got.Slug)
	}
}

func TestGetWorkspaceMissingIsNotFound(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := c.GetWorkspace("nope"); err == nil {
		t.Fatal("expected error for missing workspace")
	}
}

func TestCreateDocumentRequiresKnownWorkspace(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := c.CreateDocument("nope", "a.md", "A"); err == nil {
		t.Fatal("expected error creating document in unknown workspace")
	}
}

func TestCreateListGetDocument(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w, err := c.CreateWorkspace("notes", "Notes")
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}

	d1, err := c.CreateDocument(w.ID, "b.md", "B")
	if err != nil {
		t.Fatalf("CreateDocument b: %v", err)
	}
	d2, err := c.CreateDocument(w.ID, "a.md", "A")
	if err != nil {
		t.Fatalf("CreateDocument a: %v", err)
	}

	docs, err := c.ListDocuments(w.ID)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 2 || docs[0].Path != "a.md" || docs[1].Path != "b.md" {
		t.Fatalf("ListDocuments order wrong: %+v", docs)
	}

	got, err := c.GetDocument(w.ID, d1.ID)
	if err != nil || got.Title != "B" {
		t.Fatalf("GetDocument d1 = %+v, err=%v", got, err)
	}
	_ = d2
}

func TestTouchHeadSeqPersists(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w, err := c.CreateWorkspace("notes", "Notes")
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	d, err := c.CreateDocument(w.ID, "a.md", "A")
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if err := c.TouchHeadSeq(w.ID, d.ID, 42); err != nil {
		t.Fatalf("TouchHeadSeq: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.GetDocument(w.ID, d.ID)
	if err != nil {
		t.Fatalf("GetDocument after reopen: %v", err)
	}
	if got.HeadSeq != 42 {
		t.Fatalf("HeadSeq = %d, want 42", got.HeadSeq)
	}
}

func TestFindDocumentAnyWorkspace(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w, err := c.CreateWorkspace("notes", "Notes")
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	d, err := c.CreateDocument(w.ID, "a.md", "A")
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	got, ok := c.FindDocumentAnyWorkspace(d.ID)
	if !ok || got.WorkspaceID != w.ID {
		t.Fatalf("FindDocumentAnyWorkspace = %+v, %v", got, ok)
	}
	if _, ok := c.FindDocumentAnyWorkspace("missing"); ok {
		t.Fatal("expected not found for missing doc id")
	}
}
