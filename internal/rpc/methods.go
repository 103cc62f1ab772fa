package rpc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"strings"

	"github.com/scriptum/daemon/internal/catalog"
	"github.com/scriptum/daemon/internal/crdt"
	"github.com/scriptum/daemon/internal/docmanager"
	"github.com/scriptum/daemon/internal/pathnorm"
	"github.com/scriptum/daemon/internal/scerr"
	"github.com/scriptum/daemon/internal/store"
	"github.com/scriptum/daemon/internal/synchub"
)

// bodyField is the single text field RPC document edits operate on;
// sessions negotiate richer structure client-side, but the daemon core
// only needs one CRDT text field to round-trip content through WAL and
// snapshots.
const bodyField = "body"

// yjsUpdateEnvelope mirrors wssession's yjsUpdateFrame wire shape
// (type/doc_id/client_id/client_update_id/base_server_seq/payload_b64).
// An RPC-originated edit has no client-assigned update id or base seq,
// so those travel empty/zero; a `/sync` subscriber unmarshals this frame
// exactly as it would one that arrived over the sync socket itself.
type yjsUpdateEnvelope struct {
	Type           string `json:"type"`
	DocID          string `json:"doc_id"`
	ClientID       string `json:"client_id"`
	ClientUpdateID string `json:"client_update_id"`
	BaseServerSeq  int64  `json:"base_server_seq"`
	PayloadB64     string `json:"payload_b64"`
}

func encodeYjsUpdateFrame(docID string, payload []byte) []byte {
	frame := yjsUpdateEnvelope{
		Type:       "yjs_update",
		DocID:      docID,
		PayloadB64: base64.StdEncoding.EncodeToString(payload),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		// Built entirely from strings and an int64 — cannot fail.
		panic(err)
	}
	return data
}

// Deps bundles every component the RPC method handlers need. Hub and
// Wal are optional: without Wal, doc.create opens no WAL and doc.edit
// applies the edit in memory only, with no WAL append and no broadcast.
type Deps struct {
	Catalog  *catalog.Catalog
	Docs     *docmanager.Manager
	Wal      *store.WalRegistry
	Snaps    *store.SnapshotStore
	Agents   *AgentRegistry
	Hub      *synchub.Hub
	Shutdown func()
}

// RegisterAll binds every method in spec.md §6's closed set to deps.
func RegisterAll(d *Dispatcher, deps Deps) {
	d.Register("rpc.ping", handlePing)
	d.Register("daemon.shutdown", deps.handleDaemonShutdown)

	d.Register("doc.read", deps.handleDocRead)
	d.Register("doc.create", deps.handleDocCreate)
	d.Register("doc.edit", deps.handleDocEdit)
	d.Register("doc.edit_section", deps.handleDocEditSection)
	d.Register("doc.bundle", deps.handleDocBundle)
	d.Register("doc.sections", deps.handleDocSections)
	d.Register("doc.diff", deps.handleDocDiff)
	d.Register("doc.history", deps.handleDocHistory)
	d.Register("doc.search", deps.handleDocSearch)
	d.Register("doc.tree", deps.handleDocTree)

	d.Register("agent.whoami", deps.handleAgentWhoami)
	d.Register("agent.status", deps.handleAgentStatus)
	d.Register("agent.list", deps.handleAgentList)
	d.Register("agent.conflicts", deps.handleAgentConflicts)
	d.Register("agent.claim", deps.handleAgentClaim)

	d.Register("workspace.list", deps.handleWorkspaceList)
	d.Register("workspace.open", deps.handleWorkspaceOpen)
	d.Register("workspace.create", deps.handleWorkspaceCreate)

	d.Register("git.status", handleGitStub)
	d.Register("git.sync", handleGitStub)
	d.Register("git.configure", handleGitStub)
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return scerr.New(scerr.ProtocolError, "missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return scerr.Wrap(scerr.ProtocolError, err, "invalid params")
	}
	return nil
}

func newClientID() uint64 {
	var buf [8]byte
	// A zero id is reserved for server-reconstructed documents (see
	// internal/recovery); retry the vanishingly unlikely all-zero draw.
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			// crypto/rand failing means the platform's entropy source is
			// broken, not something a retry fixes; degrade to a fixed
			// nonzero id rather than looping forever.
			return 1
		}
		id := binary.BigEndian.Uint64(buf[:])
		if id != 0 {
			return id
		}
	}
}

// --- rpc.* --------------------------------------------------------------

func handlePing(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{"pong": true, "server_time": nowMillis()}, nil
}

func (deps Deps) handleDaemonShutdown(ctx context.Context, params json.RawMessage) (any, error) {
	if deps.Shutdown != nil {
		go deps.Shutdown()
	}
	return map[string]any{"shutting_down": true}, nil
}

// --- doc.* ----------------------------------------------------------------

type docReadParams struct {
	WorkspaceID string `json:"workspace_id"`
	DocID       string `json:"doc_id"`
}

func (deps Deps) handleDocRead(ctx context.Context, params json.RawMessage) (any, error) {
	var req docReadParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	doc, err := deps.Catalog.GetDocument(req.WorkspaceID, req.DocID)
	if err != nil {
		return nil, err
	}
	var body string
	err = deps.Docs.WithDocRead(doc.ID, func(y *crdt.YDoc) error {
		body = y.GetTextString(bodyField)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docResult(doc, body, deps.Docs.IsDegraded(doc.ID)), nil
}

type docCreateParams struct {
	WorkspaceID string   `json:"workspace_id"`
	Path        string   `json:"path"`
	Title       string   `json:"title"`
	Tags        []string `json:"tags"`
}

func (deps Deps) handleDocCreate(ctx context.Context, params json.RawMessage) (any, error) {
	var req docCreateParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	normPath, err := pathnorm.Normalize(req.Path)
	if err != nil {
		return nil, scerr.Wrap(scerr.ProtocolError, err, "invalid document path")
	}

	doc, err := deps.Catalog.CreateDocument(req.WorkspaceID, normPath, req.Title)
	if err != nil {
		return nil, err
	}
	if len(req.Tags) > 0 {
		doc.Tags = req.Tags
		if err := deps.Catalog.PutDocument(doc); err != nil {
			return nil, err
		}
	}

	ydoc := crdt.New(newClientID())
	deps.Docs.PutDoc(doc.ID, ydoc, false)

	if deps.Wal != nil {
		if _, err := deps.Wal.Get(req.WorkspaceID, doc.ID); err != nil {
			return nil, err
		}
	}
	if deps.Snaps != nil {
		if err := deps.Snaps.SaveSnapshot(doc.ID, 0, ydoc.EncodeState()); err != nil {
			return nil, err
		}
	}

	return docResult(doc, "", false), nil
}

type docEditParams struct {
	WorkspaceID string `json:"workspace_id"`
	DocID       string `json:"doc_id"`
	Content     string `json:"content"`
	// SessionID, when the RPC caller also holds a live `/sync`
	// subscription on this document, identifies that subscription so
	// Hub.Publish excludes it from the broadcast fan-out — otherwise the
	// edit would echo back to its own originator as a yjs_update frame.
	SessionID string `json:"session_id"`
}

// handleDocEdit applies req.Content as a diff against the document's
// current text, then durably appends and broadcasts the resulting CRDT
// update. The apply, the WAL append, and the SyncHub publish all run
// inside one WithDoc call — the same per-document-lock "linchpin" that
// `/sync`'s yjs_update handler uses — so that a doc.edit racing a
// concurrent `/sync` update on the same document can never reorder WAL
// frames, YDoc state, and broadcast sequence relative to each other.
func (deps Deps) handleDocEdit(ctx context.Context, params json.RawMessage) (any, error) {
	var req docEditParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	doc, err := deps.Catalog.GetDocument(req.WorkspaceID, req.DocID)
	if err != nil {
		return nil, err
	}

	var newHeadSeq int64
	pipelineErr := deps.Docs.WithDoc(doc.ID, func(y *crdt.YDoc) error {
		preSV := y.EncodeStateVector()
		old := y.GetTextString(bodyField)
		deleteAt, deleteLen, insertText := textDiff(old, req.Content)
		if deleteLen > 0 {
			y.DeleteText(bodyField, deleteAt, deleteLen)
		}
		if insertText != "" {
			y.InsertText(bodyField, deleteAt, insertText)
		}

		if deps.Wal == nil {
			return nil
		}
		update, err := y.EncodeDiff(preSV)
		if err != nil {
			return err
		}
		wal, err := deps.Wal.Get(req.WorkspaceID, doc.ID)
		if err != nil {
			return err
		}
		frame, err := wal.AppendUpdate(update)
		if err != nil {
			return scerr.Wrap(scerr.WalAppendError, err, "append doc.edit update")
		}
		newHeadSeq = frame
		if deps.Hub != nil {
			deps.Hub.Publish(doc.ID, req.SessionID, encodeYjsUpdateFrame(doc.ID, update))
		}
		return nil
	})
	if pipelineErr != nil {
		return nil, pipelineErr
	}

	if newHeadSeq > 0 {
		if err := deps.Catalog.TouchHeadSeq(req.WorkspaceID, doc.ID, newHeadSeq); err != nil {
			return nil, err
		}
		doc.HeadSeq = newHeadSeq
	}

	return docResult(doc, req.Content, deps.Docs.IsDegraded(doc.ID)), nil
}

type docEditSectionParams struct {
	WorkspaceID string `json:"workspace_id"`
	DocID       string `json:"doc_id"`
	SectionID   string `json:"section_id"`
	Heading     string `json:"heading"`
	Content     string `json:"content"`
}

// handleDocEditSection narrows a doc.edit to one heading-delimited span.
// Section boundaries are derived purely by scanning for Heading in the
// current body text (no markdown AST is built anywhere in this core,
// per spec.md's scope), so the call is really doc.edit against the
// substring between one heading and the next.
func (deps Deps) handleDocEditSection(ctx context.Context, params json.RawMessage) (any, error) {
	var req docEditSectionParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	doc, err := deps.Catalog.GetDocument(req.WorkspaceID, req.DocID)
	if err != nil {
		return nil, err
	}

	var newFull string
	readErr := deps.Docs.WithDocRead(doc.ID, func(y *crdt.YDoc) error {
		body := y.GetTextString(bodyField)
		start, end, ok := findSection(body, req.Heading)
		if !ok {
			return scerr.New(scerr.NotFound, "section heading not found").WithDoc(doc.ID)
		}
		newFull = body[:start] + req.Content + body[end:]
		return nil
	})
	if readErr != nil {
		return nil, readErr
	}

	editParams, _ := json.Marshal(docEditParams{WorkspaceID: req.WorkspaceID, DocID: req.DocID, Content: newFull})
	return deps.handleDocEdit(ctx, editParams)
}

type docBundleParams struct {
	WorkspaceID string `json:"workspace_id"`
	DocIDs      []string `json:"doc_ids"`
}

func (deps Deps) handleDocBundle(ctx context.Context, params json.RawMessage) (any, error) {
	var req docBundleParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	results := make([]any, 0, len(req.DocIDs))
	for _, id := range req.DocIDs {
		doc, err := deps.Catalog.GetDocument(req.WorkspaceID, id)
		if err != nil {
			continue
		}
		var body string
		_ = deps.Docs.WithDocRead(id, func(y *crdt.YDoc) error {
			body = y.GetTextString(bodyField)
			return nil
		})
		results = append(results, docResult(doc, body, deps.Docs.IsDegraded(id)))
	}
	return map[string]any{"documents": results}, nil
}

type docSectionsParams struct {
	WorkspaceID string `json:"workspace_id"`
	DocID       string `json:"doc_id"`
}

func (deps Deps) handleDocSections(ctx context.Context, params json.RawMessage) (any, error) {
	var req docSectionsParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if _, err := deps.Catalog.GetDocument(req.WorkspaceID, req.DocID); err != nil {
		return nil, err
	}
	var body string
	err := deps.Docs.WithDocRead(req.DocID, func(y *crdt.YDoc) error {
		body = y.GetTextString(bodyField)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"sections": listSections(body)}, nil
}

type docDiffParams struct {
	WorkspaceID  string `json:"workspace_id"`
	DocID        string `json:"doc_id"`
	SinceServerSeq int64 `json:"since_server_seq"`
}

// handleDocDiff reports how far doc.id's current WAL head is from the
// caller's SinceServerSeq, without replaying the intervening frames —
// a caller wanting the actual update bytes subscribes over the sync
// WebSocket instead (§6); this method only answers "is there anything
// new".
func (deps Deps) handleDocDiff(ctx context.Context, params json.RawMessage) (any, error) {
	var req docDiffParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	doc, err := deps.Catalog.GetDocument(req.WorkspaceID, req.DocID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"doc_id":        doc.ID,
		"head_seq":      doc.HeadSeq,
		"behind":        doc.HeadSeq - req.SinceServerSeq,
		"up_to_date":    doc.HeadSeq <= req.SinceServerSeq,
	}, nil
}

type docHistoryParams struct {
	WorkspaceID string `json:"workspace_id"`
	DocID       string `json:"doc_id"`
}

func (deps Deps) handleDocHistory(ctx context.Context, params json.RawMessage) (any, error) {
	var req docHistoryParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	doc, err := deps.Catalog.GetDocument(req.WorkspaceID, req.DocID)
	if err != nil {
		return nil, err
	}
	var snapshotSeq int64
	if deps.Snaps != nil {
		if rec, _ := deps.Snaps.LoadSnapshot(doc.ID); rec != nil {
			snapshotSeq = rec.SnapshotSeq
		}
	}
	return map[string]any{
		"doc_id":       doc.ID,
		"head_seq":     doc.HeadSeq,
		"snapshot_seq": snapshotSeq,
		"degraded":     deps.Docs.IsDegraded(doc.ID),
	}, nil
}

type docSearchParams struct {
	WorkspaceID string `json:"workspace_id"`
	Query       string `json:"query"`
}

// handleDocSearch scans Catalog titles/paths for a case-insensitive
// substring match. A real full-text index over document bodies is
// explicitly out of scope for this core.
func (deps Deps) handleDocSearch(ctx context.Context, params json.RawMessage) (any, error) {
	var req docSearchParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	docs, err := deps.Catalog.ListDocuments(req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(req.Query)
	matches := make([]any, 0)
	for _, d := range docs {
		if q == "" || strings.Contains(strings.ToLower(d.Title), q) || strings.Contains(strings.ToLower(d.Path), q) {
			matches = append(matches, docResult(d, "", deps.Docs.IsDegraded(d.ID)))
		}
	}
	return map[string]any{"matches": matches}, nil
}

type docTreeParams struct {
	WorkspaceID string `json:"workspace_id"`
}

func (deps Deps) handleDocTree(ctx context.Context, params json.RawMessage) (any, error) {
	var req docTreeParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	docs, err := deps.Catalog.ListDocuments(req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	entries := make([]any, 0, len(docs))
	for _, d := range docs {
		entries = append(entries, map[string]any{
			"doc_id": d.ID, "path": d.Path, "title": d.Title, "tags": d.Tags,
		})
	}
	return map[string]any{"entries": entries}, nil
}

func docResult(doc *catalog.Document, body string, degraded bool) map[string]any {
	return map[string]any{
		"doc_id":       doc.ID,
		"workspace_id": doc.WorkspaceID,
		"path":         doc.Path,
		"title":        doc.Title,
		"tags":         doc.Tags,
		"head_seq":     doc.HeadSeq,
		"degraded":     degraded,
		"body":         body,
	}
}

// --- agent.* ----------------------------------------------------------------

type agentIdentityParams struct {
	AgentID     string `json:"agent_id"`
	WorkspaceID string `json:"workspace_id"`
}

func (deps Deps) handleAgentWhoami(ctx context.Context, params json.RawMessage) (any, error) {
	var req agentIdentityParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	sess := deps.Agents.Touch(req.AgentID, req.WorkspaceID, "")
	return sess, nil
}

type agentStatusParams struct {
	AgentID     string `json:"agent_id"`
	WorkspaceID string `json:"workspace_id"`
	Status      string `json:"status"`
}

func (deps Deps) handleAgentStatus(ctx context.Context, params json.RawMessage) (any, error) {
	var req agentStatusParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	sess := deps.Agents.Touch(req.AgentID, req.WorkspaceID, req.Status)
	return sess, nil
}

type agentListParams struct {
	WorkspaceID string `json:"workspace_id"`
}

func (deps Deps) handleAgentList(ctx context.Context, params json.RawMessage) (any, error) {
	var req agentListParams
	_ = decodeParams(params, &req) // empty params means "list everyone"
	return map[string]any{"agents": deps.Agents.List(req.WorkspaceID)}, nil
}

type agentConflictsParams struct {
	DocID string `json:"doc_id"`
}

func (deps Deps) handleAgentConflicts(ctx context.Context, params json.RawMessage) (any, error) {
	var req agentConflictsParams
	_ = decodeParams(params, &req)
	return map[string]any{"conflicts": deps.Agents.Conflicts(req.DocID)}, nil
}

type agentClaimParams struct {
	Doc     string `json:"doc"`
	Section string `json:"section"`
	Heading string `json:"heading"`
	Agent   string `json:"agent"`
	Intent  string `json:"intent"`
	Release bool   `json:"release"`
}

func (deps Deps) handleAgentClaim(ctx context.Context, params json.RawMessage) (any, error) {
	var req agentClaimParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.Intent == "" {
		req.Intent = "editing"
	}
	claim, warning := deps.Agents.Claim(req.Doc, req.Section, req.Heading, req.Agent, req.Intent, req.Release)
	action := "claimed"
	if req.Release {
		action = "released"
	}
	result := map[string]any{
		"doc_path":   req.Doc,
		"section_id": req.Section,
		"heading":    req.Heading,
		"action":     action,
	}
	if claim != nil {
		result["claimed_at"] = claim.ClaimedAt
	}
	if warning != "" {
		result["warning"] = warning
	}
	return result, nil
}

// --- workspace.* ------------------------------------------------------------

func (deps Deps) handleWorkspaceList(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{"workspaces": deps.Catalog.ListWorkspaces()}, nil
}

type workspaceOpenParams struct {
	WorkspaceID string `json:"workspace_id"`
}

func (deps Deps) handleWorkspaceOpen(ctx context.Context, params json.RawMessage) (any, error) {
	var req workspaceOpenParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	ws, err := deps.Catalog.GetWorkspace(req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	docs, err := deps.Catalog.ListDocuments(req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"workspace": ws, "documents": docs}, nil
}

type workspaceCreateParams struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

func (deps Deps) handleWorkspaceCreate(ctx context.Context, params json.RawMessage) (any, error) {
	var req workspaceCreateParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	ws, err := deps.Catalog.CreateWorkspace(req.Slug, req.Name)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// --- git.* ------------------------------------------------------------------

// handleGitStub answers every git.* method with a fixed placeholder:
// git checkpoint authoring is out of scope for this core, but the
// methods are in the closed set and must not 404 as unknown.
func handleGitStub(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{"implemented": false, "message": "git integration is not part of this core"}, nil
}
