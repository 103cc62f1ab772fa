// Package docmanager holds the live, in-memory YDoc for every document
// currently touched by this daemon instance, each guarded by its own
// lock so one document's sync traffic never blocks another's. The
// per-document-mutex-map shape is carried over from the teacher's
// RoomManager, stripped of the actor-goroutine, pub/sub, and database
// responsibilities that belong to synchub and store in this design.
package docmanager

import (
	"sync"

	"github.com/scriptum/daemon/internal/crdt"
	"github.com/scriptum/daemon/internal/scerr"
)

// entry pairs a live document with the lock that serializes access to it
// and a degraded flag set when recovery could only partially reconstruct
// its state (a WAL checksum failure truncated replay before reaching the
// true head).
type entry struct {
	mu       sync.RWMutex
	doc      *crdt.YDoc
	degraded bool
}

// Manager is the process-wide registry of live documents, keyed by
// document id. It does not itself touch storage; Recovery populates it
// at startup, and during normal operation documents are installed and
// mutated through it by WsSession (yjs_update) and the RPC handlers
// (doc.create, doc.edit). SyncHub never calls it.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

func (m *Manager) getOrCreateEntry(docID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[docID]
	if !ok {
		e = &entry{}
		m.entries[docID] = e
	}
	return e
}

// PutDoc installs a fully constructed YDoc for docID, replacing any
// previous one. Used by Recovery once a document's snapshot+WAL replay
// is complete.
func (m *Manager) PutDoc(docID string, doc *crdt.YDoc, degraded bool) {
	e := m.getOrCreateEntry(docID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.doc = doc
	e.degraded = degraded
}

// WithDoc runs fn with exclusive access to docID's YDoc. It returns
// scerr.NotFound if the document has never been installed via PutDoc.
func (m *Manager) WithDoc(docID string, fn func(doc *crdt.YDoc) error) error {
	m.mu.RLock()
	e, ok := m.entries[docID]
	m.mu.RUnlock()
	if !ok {
		return scerr.New(scerr.NotFound, "document not loaded")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doc == nil {
		return scerr.New(scerr.NotFound, "document not loaded")
	}
	return fn(e.doc)
}

// WithDocRead runs fn with shared (read-only) access to docID's YDoc,
// for operations like encode_state_vector that never mutate.
func (m *Manager) WithDocRead(docID string, fn func(doc *crdt.YDoc) error) error {
	m.mu.RLock()
	e, ok := m.entries[docID]
	m.mu.RUnlock()
	if !ok {
		return scerr.New(scerr.NotFound, "document not loaded")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.doc == nil {
		return scerr.New(scerr.NotFound, "document not loaded")
	}
	return fn(e.doc)
}

// SnapshotState returns the full encoded state of docID's YDoc, taken
// under the document's shared lock.
func (m *Manager) SnapshotState(docID string) ([]byte, error) {
	var state []byte
	err := m.WithDocRead(docID, func(doc *crdt.YDoc) error {
		state = doc.EncodeState()
		return nil
	})
	return state, err
}

// IsDegraded reports whether docID was only partially recovered.
func (m *Manager) IsDegraded(docID string) bool {
	m.mu.RLock()
	e, ok := m.entries[docID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.degraded
}

// ClearDegraded clears a document's degraded flag. No daemon code path
// calls it: no snapshot is ever written for a degraded document, so its
// flag stays set for the life of the process.
func (m *Manager) ClearDegraded(docID string) {
	m.mu.RLock()
	e, ok := m.entries[docID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.degraded = false
}

// Loaded reports whether docID currently has a live YDoc installed.
func (m *Manager) Loaded(docID string) bool {
	m.mu.RLock()
	e, ok := m.entries[docID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.doc != nil
}

// LoadedDocIDs returns the ids of every document currently installed.
func (m *Manager) LoadedDocIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.entries))
	for id, e := range m.entries {
		e.mu.RLock()
		loaded := e.doc != nil
		e.mu.RUnlock()
		if loaded {
			ids = append(ids, id)
		}
	}
	return ids
}
