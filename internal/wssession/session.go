// Package wssession implements one bidirectional sync WebSocket
// connection: handshake, heartbeat, frame dispatch, and backpressure.
// The read/write-pump split, ping ticker, and read-deadline-reset-on-pong
// idiom are carried over from the teacher's internal/collab/server.go;
// the heartbeat and frame-size constants are replaced with the values
// this protocol requires.
package wssession

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scriptum/daemon/internal/auth"
	"github.com/scriptum/daemon/internal/catalog"
	"github.com/scriptum/daemon/internal/crdt"
	"github.com/scriptum/daemon/internal/docmanager"
	"github.com/scriptum/daemon/internal/logger"
	"github.com/scriptum/daemon/internal/scerr"
	"github.com/scriptum/daemon/internal/store"
	"github.com/scriptum/daemon/internal/synchub"
)

const (
	pingPeriod     = 15000 * time.Millisecond
	pongTimeout    = 10000 * time.Millisecond
	maxFrameBytes  = 262144
	sendBufferSize = 64
)

type state int

const (
	stateAwaitingHello state = iota
	stateLive
	stateClosing
)

// Conn is the subset of *websocket.Conn a Session needs; satisfied
// directly by *websocket.Conn in production and by a fake in tests.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Deps bundles every component a Session needs to service handshake,
// subscribe, and update frames.
type Deps struct {
	Auth    *auth.SessionAuth
	Docs    *docmanager.Manager
	Hub     *synchub.Hub
	Catalog *catalog.Catalog
	Wal     *store.WalRegistry
	Snaps   *store.SnapshotStore
}

// Session drives one connection's lifetime from AwaitingHello through
// Closing.
type Session struct {
	conn Conn
	deps Deps

	id          string
	clientID    string
	workspaceID string

	mu            sync.Mutex
	st            state
	subscriptions map[string]bool // doc ids this session is subscribed to

	sendMu     sync.Mutex
	sendClosed bool
	send       chan []byte
	closeOnce  sync.Once
}

// New wraps conn in a Session with a freshly generated per-connection id
// (independent of the session id minted at `hello`), which keys this
// session's SyncHub subscriptions for the life of the connection.
func New(conn Conn, deps Deps) *Session {
	return &Session{
		conn:          conn,
		deps:          deps,
		id:            uuid.NewString(),
		st:            stateAwaitingHello,
		subscriptions: make(map[string]bool),
		send:          make(chan []byte, sendBufferSize),
	}
}

// Enqueue implements synchub.Subscriber. It never blocks: a full buffer
// means this session is a slow consumer and must be torn down rather
// than letting it throttle the publisher. sendMu serializes against
// close() so a late delivery never sends on a closed channel.
func (s *Session) Enqueue(frame []byte) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		// Closing the connection ends readPump, which tears the session
		// down. No error frame is sent: the queue has no room for one.
		s.conn.Close()
		return false
	}
}

// close shuts the send channel exactly once. writePump drains whatever
// was already queued (e.g. an error frame sent right before a teardown)
// before it returns and closes the connection.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		s.sendMu.Unlock()
		close(s.send)
	})
}

// Run services the connection until it closes, running the read and
// write pumps concurrently and blocking until both finish.
func (s *Session) Run() {
	// +1 so a frame of exactly maxFrameBytes+1 bytes reaches the length
	// check in readPump and gets a FRAME_TOO_LARGE error frame; a larger
	// frame makes ReadMessage fail and the session closes without one.
	s.conn.SetReadLimit(maxFrameBytes + 1)
	s.conn.SetReadDeadline(time.Now().Add(pingPeriod + pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pingPeriod + pongTimeout))
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.writePump() }()
	go func() { defer wg.Done(); s.readPump() }()
	wg.Wait()

	s.teardown()
}

const (
	wsText   = 1
	wsBinary = 2
	wsPing   = 9
	wsPong   = 10
	wsClose  = 8
)

func (s *Session) readPump() {
	defer s.close()
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != wsText {
			continue
		}
		if len(data) > maxFrameBytes {
			s.sendError(scerr.New(scerr.FrameTooLarge, "frame exceeds 262144 bytes"))
			return
		}
		if s.handleFrame(data) {
			return
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			if !ok {
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(pongTimeout))
			if err := s.conn.WriteMessage(wsText, frame); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(pongTimeout))
			if err := s.conn.WriteMessage(wsPing, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) teardown() {
	s.mu.Lock()
	s.st = stateClosing
	docIDs := make([]string, 0, len(s.subscriptions))
	for docID := range s.subscriptions {
		docIDs = append(docIDs, docID)
	}
	s.mu.Unlock()

	for _, docID := range docIDs {
		s.deps.Hub.Unsubscribe(docID, s.id)
	}
}

// handleFrame dispatches one inbound text frame and reports whether the
// session should close.
func (s *Session) handleFrame(data []byte) (shouldClose bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.sendError(scerr.New(scerr.ProtocolError, "malformed frame"))
		return false
	}

	s.mu.Lock()
	st := s.st
	s.mu.Unlock()

	if st == stateAwaitingHello {
		if env.Type != "hello" {
			s.sendError(scerr.New(scerr.ProtocolError, "expected hello as first frame"))
			return true
		}
		return s.handleHello(data)
	}

	switch env.Type {
	case "subscribe":
		s.handleSubscribe(data)
	case "yjs_update":
		s.handleYjsUpdate(data)
	case "awareness_update":
		s.handleAwarenessUpdate(data)
	default:
		s.sendError(scerr.New(scerr.ProtocolError, "unknown frame type: "+env.Type))
	}
	return false
}

func (s *Session) handleHello(data []byte) (shouldClose bool) {
	var hello helloFrame
	if err := json.Unmarshal(data, &hello); err != nil {
		s.sendError(scerr.New(scerr.ProtocolError, "malformed hello frame"))
		return true
	}

	if !SupportedProtocolVersions[hello.ProtocolVersion] {
		s.sendError(scerr.New(scerr.UpgradeRequired, "unsupported protocol version: "+hello.ProtocolVersion))
		return true
	}

	sessCtx, err := s.deps.Auth.ValidateSessionToken(hello.SessionToken)
	if err != nil {
		s.sendError(scerr.New(scerr.AuthInvalidToken, "invalid session token"))
		return true
	}

	resumeAccepted := false
	if hello.ResumeToken != "" {
		resumed, err := s.deps.Auth.ConsumeResumeToken(hello.ResumeToken)
		if err != nil {
			se, _ := scerr.As(err)
			s.sendError(se)
			return true
		}
		if resumed.ClientID != sessCtx.ClientID || resumed.WorkspaceID != sessCtx.WorkspaceID {
			s.sendError(scerr.New(scerr.SyncTokenExpired, "resume token bound to a different session context"))
			return true
		}
		resumeAccepted = true
	}

	s.mu.Lock()
	s.clientID = sessCtx.ClientID
	s.workspaceID = sessCtx.WorkspaceID
	s.st = stateLive
	s.mu.Unlock()

	newResumeToken, err := s.deps.Auth.IssueResumeToken(*sessCtx)
	if err != nil {
		s.sendError(scerr.New(scerr.InternalError, "failed to issue resume token"))
		return true
	}

	now := time.Now().UTC()
	ack := helloAckFrame{
		Type:            "hello_ack",
		ServerTime:      now.UnixMilli(),
		ResumeAccepted:  resumeAccepted,
		ResumeToken:     newResumeToken,
		ResumeExpiresAt: now.Add(10 * time.Minute).UnixMilli(),
	}
	s.Enqueue(mustMarshal(ack))
	return false
}

func (s *Session) handleSubscribe(data []byte) {
	var sub subscribeFrame
	if err := json.Unmarshal(data, &sub); err != nil {
		s.sendError(scerr.New(scerr.ProtocolError, "malformed subscribe frame"))
		return
	}
	if !s.deps.Docs.Loaded(sub.DocID) {
		s.sendError(scerr.New(scerr.NotFound, "document not found").WithDoc(sub.DocID))
		return
	}

	current := s.deps.Hub.Subscribe(sub.DocID, s.id, s)
	s.mu.Lock()
	s.subscriptions[sub.DocID] = true
	s.mu.Unlock()

	if sub.LastServerSeq >= current {
		return
	}

	var stateBytes []byte
	err := s.deps.Docs.WithDocRead(sub.DocID, func(doc *crdt.YDoc) error {
		stateBytes = doc.EncodeState()
		return nil
	})
	if err != nil {
		return
	}
	snap := snapshotFrame{
		Type:        "snapshot",
		DocID:       sub.DocID,
		SnapshotSeq: current,
		StateB64:    base64.StdEncoding.EncodeToString(stateBytes),
	}
	s.Enqueue(mustMarshal(snap))
}

func (s *Session) handleYjsUpdate(data []byte) {
	var up yjsUpdateFrame
	if err := json.Unmarshal(data, &up); err != nil {
		s.sendError(scerr.New(scerr.ProtocolError, "malformed yjs_update frame"))
		return
	}

	payload, err := base64.StdEncoding.DecodeString(up.PayloadB64)
	if err != nil {
		s.ack(up.DocID, up.ClientUpdateID, 0, false)
		return
	}

	wal, err := s.deps.Wal.Get(s.workspaceID, up.DocID)
	if err != nil {
		s.ack(up.DocID, up.ClientUpdateID, 0, false)
		return
	}

	// WAL append, YDoc apply, and SyncHub seq-assignment/broadcast all run
	// inside this one WithDoc call, under the same per-document lock, so
	// that the three orders can never diverge under concurrent writers to
	// the same document. Append failing aborts before apply, matching
	// WalAppendError's "not applied" contract.
	var serverSeq int64
	pipelineErr := s.deps.Docs.WithDoc(up.DocID, func(doc *crdt.YDoc) error {
		if _, err := wal.AppendUpdate(payload); err != nil {
			return err
		}
		if err := doc.ApplyUpdate(payload); err != nil {
			return err
		}
		serverSeq = s.deps.Hub.Publish(up.DocID, s.id, mustMarshal(up))
		return nil
	})
	if pipelineErr != nil {
		logger.WithTrace(context.Background()).Warn("yjs_update pipeline failed for doc %s: %v", up.DocID, pipelineErr)
		s.ack(up.DocID, up.ClientUpdateID, 0, false)
		return
	}

	s.ack(up.DocID, up.ClientUpdateID, serverSeq, true)
}

func (s *Session) handleAwarenessUpdate(data []byte) {
	var aw awarenessUpdateFrame
	if err := json.Unmarshal(data, &aw); err != nil {
		s.sendError(scerr.New(scerr.ProtocolError, "malformed awareness_update frame"))
		return
	}
	s.deps.Hub.PublishAwareness(aw.DocID, s.id, data)
}

func (s *Session) ack(docID, clientUpdateID string, serverSeq int64, applied bool) {
	s.Enqueue(mustMarshal(ackFrame{
		Type:           "ack",
		DocID:          docID,
		ClientUpdateID: clientUpdateID,
		ServerSeq:      serverSeq,
		Applied:        applied,
	}))
}

func (s *Session) sendError(se *scerr.Error) {
	if se == nil {
		se = scerr.New(scerr.InternalError, "unknown error")
	}
	s.Enqueue(mustMarshal(errorFrame{
		Type:      "error",
		Code:      string(se.Kind),
		Message:   se.Message,
		Retryable: se.Retryable,
		DocID:     se.DocID,
	}))
}
