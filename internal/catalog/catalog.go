// Package catalog is the durable registry of workspaces and documents
// backing the doc.*/workspace.* RPC methods. Its CRUD method shapes are
// adapted directly from the teacher's internal/db package; the storage
// engine underneath is swapped from Postgres to JSON-file-per-workspace,
// written with the same atomic write-temp-then-rename pattern the
// SnapshotStore uses, since a server-side database contradicts Scriptum's
// local-first architecture (see DESIGN.md's dropped-dependency entry).
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scriptum/daemon/internal/scerr"
)

// Workspace scopes a durable storage layout and a set of documents.
type Workspace struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Etag      string    `json:"etag"`
}

// Document is a registry entry for one markdown document. Path is always
// the pathnorm-normalized relative path within its workspace. HeadSeq
// caches the WAL frame number last recorded for the document by doc.edit
// or by recovery, so listings don't need to open the WAL; updates applied
// over the sync WebSocket do not advance it.
type Document struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	Path        string     `json:"path"`
	Title       string     `json:"title"`
	Tags        []string   `json:"tags,omitempty"`
	HeadSeq     int64      `json:"head_seq"`
	Etag        string     `json:"etag"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Catalog is the registry's in-process handle: an in-memory cache backed
// by one JSON file per workspace, guarded by a single mutex (the registry
// is not on the hot path of sync traffic, so one lock for all of it is
// adequate — unlike DocManager, which needs per-document granularity).
type Catalog struct {
	mu           sync.Mutex
	dir          string
	workspaces   map[string]*Workspace
	documentsByW map[string]map[string]*Document
}

// Open loads (or initializes) the catalog rooted at <scriptumHome>/catalog.
func Open(scriptumHome string) (*Catalog, error) {
	dir := filepath.Join(scriptumHome, "catalog")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, scerr.Wrap(scerr.InternalError, err, "create catalog directory")
	}
	c := &Catalog{
		dir:          dir,
		workspaces:   make(map[string]*Workspace),
		documentsByW: make(map[string]map[string]*Document),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) workspacesPath() string { return filepath.Join(c.dir, "workspaces.json") }
func (c *Catalog) documentsPath(workspaceID string) string {
	return filepath.Join(c.dir, fmt.Sprintf("documents-%s.json", workspaceID))
}

func (c *Catalog) load() error {
	data, err := os.ReadFile(c.workspacesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return scerr.Wrap(scerr.InternalError, err, "read workspaces catalog")
	}
	var workspaces []*Workspace
	if err := json.Unmarshal(data, &workspaces); err != nil {
		return scerr.Wrap(scerr.DecodeError, err, "decode workspaces catalog")
	}
	for _, w := range workspaces {
		c.workspaces[w.ID] = w

		docData, err := os.ReadFile(c.documentsPath(w.ID))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return scerr.Wrap(scerr.InternalError, err, "read documents catalog")
		}
		var docs []*Document
		if err := json.Unmarshal(docData, &docs); err != nil {
			return scerr.Wrap(scerr.DecodeError, err, "decode documents catalog")
		}
		byID := make(map[string]*Document, len(docs))
		for _, d := range docs {
			byID[d.ID] = d
		}
		c.documentsByW[w.ID] = byID
	}
	return nil
}

// writeJSONAtomic mirrors SnapshotStore's temp-file-then-rename pattern.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return scerr.Wrap(scerr.InternalError, err, "marshal catalog entry")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return scerr.Wrap(scerr.InternalError, err, "write temp catalog file")
	}
	return os.Rename(tmp, path)
}

func (c *Catalog) persistWorkspacesLocked() error {
	all := make([]*Workspace, 0, len(c.workspaces))
	for _, w := range c.workspaces {
		all = append(all, w)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return writeJSONAtomic(c.workspacesPath(), all)
}

func (c *Catalog) persistDocumentsLocked(workspaceID string) error {
	byID := c.documentsByW[workspaceID]
	all := make([]*Document, 0, len(byID))
	for _, d := range byID {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return writeJSONAtomic(c.documentsPath(workspaceID), all)
}

// CreateWorkspace registers a new workspace.
func (c *Catalog) CreateWorkspace(slug, name string) (*Workspace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	w := &Workspace{
		ID:        uuid.NewString(),
		Slug:      slug,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
		Etag:      uuid.NewString(),
	}
	c.workspaces[w.ID] = w
	c.documentsByW[w.ID] = make(map[string]*Document)
	if err := c.persistWorkspacesLocked(); err != nil {
		return nil, err
	}
	return w, nil
}

// GetWorkspace returns a workspace by id, or scerr.NotFound.
func (c *Catalog) GetWorkspace(id string) (*Workspace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workspaces[id]
	if !ok {
		return nil, scerr.New(scerr.NotFound, "workspace not found")
	}
	return w, nil
}

// ListWorkspaces returns all registered workspaces sorted by id.
func (c *Catalog) ListWorkspaces() []*Workspace {
	c.mu.Lock()
	defer c.mu.Unlock()
	all := make([]*Workspace, 0, len(c.workspaces))
	for _, w := range c.workspaces {
		all = append(all, w)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// CreateDocument registers a new document under workspaceID at the given
// (already normalized) path.
func (c *Catalog) CreateDocument(workspaceID, path, title string) (*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.workspaces[workspaceID]; !ok {
		return nil, scerr.New(scerr.NotFound, "workspace not found")
	}
	now := time.Now().UTC()
	doc := &Document{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Path:        path,
		Title:       title,
		HeadSeq:     0,
		Etag:        uuid.NewString(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if c.documentsByW[workspaceID] == nil {
		c.documentsByW[workspaceID] = make(map[string]*Document)
	}
	c.documentsByW[workspaceID][doc.ID] = doc
	if err := c.persistDocumentsLocked(workspaceID); err != nil {
		return nil, err
	}
	return doc, nil
}

// PutDocument installs a document record as-is, used by Recovery when
// reconciling a document that has durable CRDT state but no catalog entry
// (e.g. a crash between WAL-open and catalog-write).
func (c *Catalog) PutDocument(doc *Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.documentsByW[doc.WorkspaceID] == nil {
		c.documentsByW[doc.WorkspaceID] = make(map[string]*Document)
	}
	c.documentsByW[doc.WorkspaceID][doc.ID] = doc
	return c.persistDocumentsLocked(doc.WorkspaceID)
}

// GetDocument returns a document by id within a workspace.
func (c *Catalog) GetDocument(workspaceID, docID string) (*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID, ok := c.documentsByW[workspaceID]
	if !ok {
		return nil, scerr.New(scerr.NotFound, "workspace not found")
	}
	d, ok := byID[docID]
	if !ok {
		return nil, scerr.New(scerr.NotFound, "document not found")
	}
	return d, nil
}

// FindDocumentAnyWorkspace searches every workspace for docID, used when a
// caller has a document id but not its workspace (e.g. recovered from the
// WAL directory layout alone).
func (c *Catalog) FindDocumentAnyWorkspace(docID string) (*Document, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, byID := range c.documentsByW {
		if d, ok := byID[docID]; ok {
			return d, true
		}
	}
	return nil, false
}

// ListDocuments returns every document registered under a workspace,
// sorted by path.
func (c *Catalog) ListDocuments(workspaceID string) ([]*Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID, ok := c.documentsByW[workspaceID]
	if !ok {
		return nil, scerr.New(scerr.NotFound, "workspace not found")
	}
	all := make([]*Document, 0, len(byID))
	for _, d := range byID {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Path < all[j].Path })
	return all, nil
}

// TouchHeadSeq updates a document's cached head sequence and updated_at
// timestamp; callers pass a WAL frame number (doc.edit's appended frame,
// or the last frame recovery replayed).
func (c *Catalog) TouchHeadSeq(workspaceID, docID string, headSeq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID, ok := c.documentsByW[workspaceID]
	if !ok {
		return scerr.New(scerr.NotFound, "workspace not found")
	}
	d, ok := byID[docID]
	if !ok {
		return scerr.New(scerr.NotFound, "document not found")
	}
	d.HeadSeq = headSeq
	d.UpdatedAt = time.Now().UTC()
	return c.persistDocumentsLocked(workspaceID)
}
