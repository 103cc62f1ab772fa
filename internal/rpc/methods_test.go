package rpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/scriptum/daemon/internal/catalog"
	"github.com/scriptum/daemon/internal/crdt"
	"github.com/scriptum/daemon/internal/docmanager"
	"github.com/scriptum/daemon/internal/store"
	"github.com/scriptum/daemon/internal/synchub"
)

// fakeSubscriber records every frame enqueued to it, for assertions on
// exactly what Hub.Publish fanned out.
type fakeSubscriber struct {
	frames [][]byte
}

func (f *fakeSubscriber) Enqueue(frame []byte) bool {
	f.frames = append(f.frames, frame)
	return true
}

func newTestMethodDeps(t *testing.T) Deps {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.Open(dir)
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	snaps, err := store.New(dir)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	return Deps{
		Catalog: cat,
		Docs:    docmanager.New(),
		Wal:     store.NewWalRegistry(dir),
		Snaps:   snaps,
		Agents:  NewAgentRegistry(),
		Hub:     synchub.New(),
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestDocCreateReadRoundTrip(t *testing.T) {
	deps := newTestMethodDeps(t)
	ws, err := deps.Catalog.CreateWorkspace("eng", "Engineering")
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}

	created, err := deps.handleDocCreate(context.Background(), mustJSON(t, docCreateParams{
		WorkspaceID: ws.ID, Path: "notes/readme.md", Title: "Readme",
	}))
	if err != nil {
		t.Fatalf("doc.create: %v", err)
	}
	docID := created.(map[string]any)["doc_id"].(string)

	edited, err := deps.handleDocEdit(context.Background(), mustJSON(t, docEditParams{
		WorkspaceID: ws.ID, DocID: docID, Content: "hello world",
	}))
	if err != nil {
		t.Fatalf("doc.edit: %v", err)
	}
	if edited.(map[string]any)["body"] != "hello world" {
		t.Fatalf("doc.edit result = %+v", edited)
	}

	read, err := deps.handleDocRead(context.Background(), mustJSON(t, docReadParams{WorkspaceID: ws.ID, DocID: docID}))
	if err != nil {
		t.Fatalf("doc.read: %v", err)
	}
	if read.(map[string]any)["body"] != "hello world" {
		t.Fatalf("doc.read result = %+v", read)
	}
}

func TestDocEditIsIncrementalNotFullRewrite(t *testing.T) {
	deps := newTestMethodDeps(t)
	ws, _ := deps.Catalog.CreateWorkspace("eng", "Engineering")
	created, _ := deps.handleDocCreate(context.Background(), mustJSON(t, docCreateParams{WorkspaceID: ws.ID, Path: "a.md", Title: "A"}))
	docID := created.(map[string]any)["doc_id"].(string)

	deps.handleDocEdit(context.Background(), mustJSON(t, docEditParams{WorkspaceID: ws.ID, DocID: docID, Content: "hello world"}))
	result, err := deps.handleDocEdit(context.Background(), mustJSON(t, docEditParams{WorkspaceID: ws.ID, DocID: docID, Content: "hello there world"}))
	if err != nil {
		t.Fatalf("second doc.edit: %v", err)
	}
	if result.(map[string]any)["body"] != "hello there world" {
		t.Fatalf("body = %v", result.(map[string]any)["body"])
	}
	if at, n, ins := textDiff("hello world", "hello there world"); at != 6 || n != 0 || ins != "there " {
		t.Fatalf("textDiff = (%d, %d, %q), want (6, 0, \"there \")", at, n, ins)
	}
}

// TestDocEditBroadcastsAValidYjsUpdateEnvelope is the regression test for
// the raw-bytes-broadcast bug: doc.edit must fan out the same yjs_update
// JSON envelope shape that a /sync subscriber expects to json.Unmarshal,
// not raw EncodeDiff bytes.
func TestDocEditBroadcastsAValidYjsUpdateEnvelope(t *testing.T) {
	deps := newTestMethodDeps(t)
	ws, _ := deps.Catalog.CreateWorkspace("eng", "Engineering")
	created, err := deps.handleDocCreate(context.Background(), mustJSON(t, docCreateParams{
		WorkspaceID: ws.ID, Path: "a.md", Title: "A",
	}))
	if err != nil {
		t.Fatalf("doc.create: %v", err)
	}
	docID := created.(map[string]any)["doc_id"].(string)

	sub := &fakeSubscriber{}
	deps.Hub.Subscribe(docID, "other-session", sub)

	_, err = deps.handleDocEdit(context.Background(), mustJSON(t, docEditParams{
		WorkspaceID: ws.ID, DocID: docID, Content: "hello world", SessionID: "editor-session",
	}))
	if err != nil {
		t.Fatalf("doc.edit: %v", err)
	}

	if len(sub.frames) != 1 {
		t.Fatalf("expected exactly one broadcast frame, got %d", len(sub.frames))
	}

	var env yjsUpdateEnvelope
	if err := json.Unmarshal(sub.frames[0], &env); err != nil {
		t.Fatalf("broadcast frame is not valid yjs_update JSON: %v (frame = %q)", err, sub.frames[0])
	}
	if env.Type != "yjs_update" {
		t.Fatalf("type = %q, want yjs_update", env.Type)
	}
	if env.DocID != docID {
		t.Fatalf("doc_id = %q, want %q", env.DocID, docID)
	}

	payload, err := base64.StdEncoding.DecodeString(env.PayloadB64)
	if err != nil {
		t.Fatalf("payload_b64 does not decode: %v", err)
	}

	fresh := crdt.New(99)
	if err := fresh.ApplyUpdate(payload); err != nil {
		t.Fatalf("broadcast payload did not apply to a fresh document: %v", err)
	}
	if got := fresh.GetTextString(bodyField); got != "hello world" {
		t.Fatalf("replayed payload produced body %q, want %q", got, "hello world")
	}
}

// TestDocEditExcludesOriginatingSessionFromBroadcast is the regression
// test for the self-echo smaller item: an RPC caller that passes its own
// /sync subscription's session id must not receive its own edit back.
func TestDocEditExcludesOriginatingSessionFromBroadcast(t *testing.T) {
	deps := newTestMethodDeps(t)
	ws, _ := deps.Catalog.CreateWorkspace("eng", "Engineering")
	created, _ := deps.handleDocCreate(context.Background(), mustJSON(t, docCreateParams{WorkspaceID: ws.ID, Path: "a.md", Title: "A"}))
	docID := created.(map[string]any)["doc_id"].(string)

	self := &fakeSubscriber{}
	other := &fakeSubscriber{}
	deps.Hub.Subscribe(docID, "editor-session", self)
	deps.Hub.Subscribe(docID, "other-session", other)

	_, err := deps.handleDocEdit(context.Background(), mustJSON(t, docEditParams{
		WorkspaceID: ws.ID, DocID: docID, Content: "hello world", SessionID: "editor-session",
	}))
	if err != nil {
		t.Fatalf("doc.edit: %v", err)
	}

	if len(self.frames) != 0 {
		t.Fatalf("originating session should not receive its own edit echoed back, got %d frames", len(self.frames))
	}
	if len(other.frames) != 1 {
		t.Fatalf("expected the other subscriber to receive one broadcast frame, got %d", len(other.frames))
	}
}

func TestDocEditSectionReplacesOnlyThatSpan(t *testing.T) {
	deps := newTestMethodDeps(t)
	ws, _ := deps.Catalog.CreateWorkspace("eng", "Engineering")
	created, _ := deps.handleDocCreate(context.Background(), mustJSON(t, docCreateParams{WorkspaceID: ws.ID, Path: "a.md", Title: "A"}))
	docID := created.(map[string]any)["doc_id"].(string)
	deps.handleDocEdit(context.Background(), mustJSON(t, docEditParams{
		WorkspaceID: ws.ID, DocID: docID, Content: "# Intro\nhi\n## Auth\nold auth text\n## End\nbye\n",
	}))

	result, err := deps.handleDocEditSection(context.Background(), mustJSON(t, docEditSectionParams{
		WorkspaceID: ws.ID, DocID: docID, Heading: "## Auth", Content: "## Auth\nnew auth text\n",
	}))
	if err != nil {
		t.Fatalf("doc.edit_section: %v", err)
	}
	body := result.(map[string]any)["body"].(string)
	if !contains(body, "new auth text") || contains(body, "old auth text") {
		t.Fatalf("body = %q", body)
	}
	if !contains(body, "# Intro") || !contains(body, "## End") {
		t.Fatalf("surrounding sections should survive, body = %q", body)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}

func TestDocReadUnknownDocumentIsNotFound(t *testing.T) {
	deps := newTestMethodDeps(t)
	ws, _ := deps.Catalog.CreateWorkspace("eng", "Engineering")
	_, err := deps.handleDocRead(context.Background(), mustJSON(t, docReadParams{WorkspaceID: ws.ID, DocID: "missing"}))
	if err == nil {
		t.Fatal("expected NotFound error")
	}
}

func TestAgentClaimHandlerWiresIntoRegistry(t *testing.T) {
	deps := newTestMethodDeps(t)
	result, err := deps.handleAgentClaim(context.Background(), mustJSON(t, agentClaimParams{
		Doc: "docs/api.md", Section: "sec-1", Heading: "## Auth", Agent: "agent-a",
	}))
	if err != nil {
		t.Fatalf("agent.claim: %v", err)
	}
	m := result.(map[string]any)
	if m["action"] != "claimed" {
		t.Fatalf("action = %v", m["action"])
	}

	conflicts, _ := deps.handleAgentConflicts(context.Background(), mustJSON(t, agentConflictsParams{}))
	if len(conflicts.(map[string]any)["conflicts"].([]SectionOverlap)) != 0 {
		t.Fatalf("single claimant should not be a conflict")
	}
}

func TestWorkspaceCreateListOpen(t *testing.T) {
	deps := newTestMethodDeps(t)
	created, err := deps.handleWorkspaceCreate(context.Background(), mustJSON(t, workspaceCreateParams{Slug: "eng", Name: "Engineering"}))
	if err != nil {
		t.Fatalf("workspace.create: %v", err)
	}
	ws := created.(*catalog.Workspace)

	listed, err := deps.handleWorkspaceList(context.Background(), nil)
	if err != nil {
		t.Fatalf("workspace.list: %v", err)
	}
	if len(listed.(map[string]any)["workspaces"].([]*catalog.Workspace)) != 1 {
		t.Fatalf("expected one workspace listed")
	}

	opened, err := deps.handleWorkspaceOpen(context.Background(), mustJSON(t, workspaceOpenParams{WorkspaceID: ws.ID}))
	if err != nil {
		t.Fatalf("workspace.open: %v", err)
	}
	if opened.(map[string]any)["workspace"].(*catalog.Workspace).ID != ws.ID {
		t.Fatal("workspace.open returned the wrong workspace")
	}
}

func TestGitMethodsAreStubsNotMethodNotFound(t *testing.T) {
	d := New()
	RegisterAll(d, newTestMethodDeps(t))
	resp := decodeResponse(t, d.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","method":"git.status","id":1}`)))
	if resp.Error != nil {
		t.Fatalf("git.status should not error, got %+v", resp.Error)
	}
}

func TestRpcPingViaDispatcher(t *testing.T) {
	d := New()
	RegisterAll(d, newTestMethodDeps(t))
	resp := decodeResponse(t, d.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","method":"rpc.ping","id":1}`)))
	if resp.Error != nil {
		t.Fatalf("rpc.ping errored: %+v", resp.Error)
	}
}
