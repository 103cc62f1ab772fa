package store

import "sync"

// WalRegistry holds exactly one open WalStore per document for the
// lifetime of the daemon, so concurrent sessions writing to the same
// document's WAL serialize through that single store's own lock instead
// of racing separate file handles against each other.
type WalRegistry struct {
	mu   sync.Mutex
	root string
	open map[string]*WalStore
}

// NewWalRegistry returns a registry rooted at root (the same root passed
// to PathFor).
func NewWalRegistry(root string) *WalRegistry {
	return &WalRegistry{root: root, open: make(map[string]*WalStore)}
}

// Get returns the shared WalStore for (workspaceID, docID), opening it
// (and recovering any torn tail) on first access.
func (r *WalRegistry) Get(workspaceID, docID string) (*WalStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.open[docID]; ok {
		return w, nil
	}
	w, err := Open(PathFor(r.root, workspaceID, docID))
	if err != nil {
		return nil, err
	}
	r.open[docID] = w
	return w, nil
}

// CloseAll closes every open WalStore, used during graceful shutdown.
func (r *WalRegistry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for docID, w := range r.open {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.open, docID)
	}
	return firstErr
}
