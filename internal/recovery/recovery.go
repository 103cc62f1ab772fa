// Package recovery rebuilds every document's live YDoc from its
// snapshot and WAL tail at daemon startup, before the sync endpoint is
// allowed to accept connections. The enumerate-then-replay shape
// follows godkv's own startup recovery pass over its segment files,
// adapted here to scriptum's snapshot+per-document-WAL layout.
package recovery

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/scriptum/daemon/internal/catalog"
	"github.com/scriptum/daemon/internal/crdt"
	"github.com/scriptum/daemon/internal/docmanager"
	"github.com/scriptum/daemon/internal/logger"
	"github.com/scriptum/daemon/internal/scerr"
	"github.com/scriptum/daemon/internal/store"
)

// serverClientID is the CRDT client id used for YDocs that recovery
// builds from scratch (documents with no snapshot). Recovery itself only
// applies WAL updates to them; a later doc.edit on such a document issues
// its operations under this id. doc.create never hands out 0.
const serverClientID = 0

// Report summarizes one recovery pass, returned so the caller can log it
// and expose it via the debug HTTP surface.
type Report struct {
	RecoveredDocs int
	DegradedDocs  []string
}

// Run enumerates every document with durable state under root (a
// snapshot, a WAL, or both), rebuilds its YDoc, installs it into dm, and
// reconciles the catalog for any document found on disk with no catalog
// entry (the result of a crash between first WAL write and catalog
// registration).
func Run(root string, dm *docmanager.Manager, cat *catalog.Catalog) (*Report, error) {
	snapStore, err := store.New(root)
	if err != nil {
		return nil, err
	}

	walDocs, err := enumerateWalDocs(root)
	if err != nil {
		return nil, err
	}
	snapDocIDs, err := enumerateSnapshotDocIDs(root)
	if err != nil {
		return nil, err
	}

	allDocIDs := make(map[string]bool)
	for id := range walDocs {
		allDocIDs[id] = true
	}
	for _, id := range snapDocIDs {
		allDocIDs[id] = true
	}

	sorted := make([]string, 0, len(allDocIDs))
	for id := range allDocIDs {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	report := &Report{}
	for _, docID := range sorted {
		degraded, headSeq, err := recoverOne(docID, walDocs[docID], root, snapStore, dm)
		if err != nil {
			return nil, err
		}
		report.RecoveredDocs++
		if degraded {
			report.DegradedDocs = append(report.DegradedDocs, docID)
		}

		if err := reconcileCatalog(docID, walDocs[docID], headSeq, cat); err != nil {
			return nil, err
		}
	}

	sort.Strings(report.DegradedDocs)
	logger.Info("recovery complete: %d document(s) recovered, %d degraded", report.RecoveredDocs, len(report.DegradedDocs))
	return report, nil
}

func recoverOne(docID, workspaceID, root string, snapStore *store.SnapshotStore, dm *docmanager.Manager) (degraded bool, headSeq int64, err error) {
	rec, err := snapStore.LoadSnapshot(docID)
	if err != nil {
		return false, 0, err
	}

	var doc *crdt.YDoc
	var startFrame int64
	if rec != nil {
		doc, err = crdt.FromState(rec.Payload)
		if err != nil {
			return false, 0, scerr.Wrap(scerr.DecodeError, err, "decode snapshot for "+docID).WithDoc(docID)
		}
		startFrame = rec.SnapshotSeq
	} else {
		doc = crdt.New(serverClientID)
		startFrame = 0
	}

	if workspaceID == "" {
		// No WAL directory entry found for this document: either it has
		// never received an update past its snapshot, or its workspace is
		// unknown on disk. Nothing further to replay.
		return false, startFrame, installAndReturn(docID, doc, false, dm, startFrame)
	}

	walPath := store.PathFor(root, workspaceID, docID)
	wal, err := store.Open(walPath)
	if err != nil {
		return false, 0, err
	}
	defer wal.Close()

	summary, err := wal.ReplayFromFrame(startFrame, func(payload []byte) error {
		return doc.ApplyUpdate(payload)
	})
	if err != nil {
		return false, 0, scerr.Wrap(scerr.DecodeError, err, "replay wal for "+docID).WithDoc(docID)
	}

	finalFrame := startFrame + int64(summary.Applied)
	degraded = summary.ChecksumFailed
	if degraded {
		logger.Warn("wal checksum failure for document %s at frame %d: entering degraded mode", docID, finalFrame+1)
	}

	return degraded, finalFrame, installAndReturn(docID, doc, degraded, dm, finalFrame)
}

func installAndReturn(docID string, doc *crdt.YDoc, degraded bool, dm *docmanager.Manager, _ int64) error {
	dm.PutDoc(docID, doc, degraded)
	return nil
}

// reconcileCatalog creates a placeholder catalog entry for a document
// that has durable CRDT state but was never (or no longer) registered —
// the crash window between a document's first WAL write and its catalog
// registration. The placeholder's path is "recovered/<document id>.md"
// since the real path was lost along with the registration.
func reconcileCatalog(docID, workspaceID string, headSeq int64, cat *catalog.Catalog) error {
	if _, ok := cat.FindDocumentAnyWorkspace(docID); ok {
		if workspaceID != "" {
			return cat.TouchHeadSeq(workspaceID, docID, headSeq)
		}
		return nil
	}
	if workspaceID == "" {
		// Can't reconcile without knowing which workspace owns it.
		return nil
	}
	if _, err := cat.GetWorkspace(workspaceID); err != nil {
		// Workspace itself was never registered either; nothing sensible
		// to reconcile into.
		return nil
	}

	doc := &catalog.Document{
		ID:          docID,
		WorkspaceID: workspaceID,
		Path:        "recovered/" + docID + ".md",
		Title:       "Recovered document " + docID,
		HeadSeq:     headSeq,
	}
	logger.Warn("reconciling orphaned document %s into workspace %s catalog", docID, workspaceID)
	return cat.PutDocument(doc)
}

// enumerateWalDocs walks <root>/wal/<workspace_id>/<doc_id>.wal and
// returns a map of doc id to its owning workspace id.
func enumerateWalDocs(root string) (map[string]string, error) {
	walRoot := filepath.Join(root, "wal")
	result := make(map[string]string)

	entries, err := os.ReadDir(walRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, scerr.Wrap(scerr.InternalError, err, "list wal root")
	}
	for _, wsEntry := range entries {
		if !wsEntry.IsDir() {
			continue
		}
		workspaceID := wsEntry.Name()
		docEntries, err := os.ReadDir(filepath.Join(walRoot, workspaceID))
		if err != nil {
			return nil, scerr.Wrap(scerr.InternalError, err, "list wal workspace dir")
		}
		for _, docEntry := range docEntries {
			name := docEntry.Name()
			if !strings.HasSuffix(name, ".wal") {
				continue
			}
			docID := strings.TrimSuffix(name, ".wal")
			result[docID] = workspaceID
		}
	}
	return result, nil
}

// enumerateSnapshotDocIDs walks <root>/snapshots/<doc_id>.snap.
func enumerateSnapshotDocIDs(root string) ([]string, error) {
	dir := filepath.Join(root, "snapshots")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, scerr.Wrap(scerr.InternalError, err, "list snapshots dir")
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".snap") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".snap"))
	}
	return ids, nil
}
