// Package synchub is the per-document broadcast fabric: subscription
// membership, server_seq assignment, and publish fan-out. It owns no
// persistence and no CRDT state — WsSession appends to WAL and applies
// to YDoc before ever calling Publish, exactly as WAL and application
// happen lower in the stack than broadcast. The subscription-map shape
// is adapted from the teacher's Room, but stripped to sequencing and
// fan-out only: the concerns the teacher's Room conflates (presence,
// persistence, transport) are split into WsSession and (for the rare
// cross-instance case) a separate relay package here.
package synchub

import (
	"sync"

	"github.com/scriptum/daemon/internal/relay"
)

// Subscriber is the outbound queue handle SyncHub holds for one live
// session. Enqueue returns false when the session's queue is saturated;
// the WsSession implementation then closes its own connection (without
// an error frame) rather than letting a slow consumer throttle the
// publisher, per the broadcast-without-backpressure-loss property.
type Subscriber interface {
	Enqueue(frame []byte) bool
}

type docState struct {
	mu        sync.Mutex
	serverSeq int64
	subs      map[string]Subscriber // session id -> queue handle
}

// Hub is the process-wide registry of per-document subscription state.
type Hub struct {
	mu   sync.Mutex
	docs map[string]*docState

	relay *relay.Bridge // nil unless SCRIPTUM_REDIS_URL is configured
}

// New returns a Hub with cross-instance relay disabled.
func New() *Hub {
	return &Hub{docs: make(map[string]*docState)}
}

// NewWithRelay returns a Hub that also mirrors every publish across a
// shared Redis instance via bridge.
func NewWithRelay(bridge *relay.Bridge) *Hub {
	return &Hub{docs: make(map[string]*docState), relay: bridge}
}

func (h *Hub) getOrCreate(docID string) *docState {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.docs[docID]
	if !ok {
		d = &docState{subs: make(map[string]Subscriber)}
		h.docs[docID] = d
	}
	return d
}

// Subscribe registers sub under sessionID for docID and returns the
// hub's current server_seq for that document, so the caller can decide
// whether a catch-up payload is needed (lastServerSeq < returned value).
func (h *Hub) Subscribe(docID, sessionID string, sub Subscriber) int64 {
	d := h.getOrCreate(docID)

	d.mu.Lock()
	d.subs[sessionID] = sub
	current := d.serverSeq
	needsRelay := h.relay != nil && len(d.subs) == 1
	d.mu.Unlock()

	if needsRelay {
		h.relay.Subscribe(docID, func(payload []byte) {
			h.deliverRemote(docID, payload)
		})
	}
	return current
}

// Unsubscribe removes sessionID's registration for docID. If it was the
// last local subscriber and a relay is configured, the relay channel is
// torn down too.
func (h *Hub) Unsubscribe(docID, sessionID string) {
	h.mu.Lock()
	d, ok := h.docs[docID]
	h.mu.Unlock()
	if !ok {
		return
	}

	d.mu.Lock()
	delete(d.subs, sessionID)
	empty := len(d.subs) == 0
	d.mu.Unlock()

	if empty && h.relay != nil {
		h.relay.Unsubscribe(docID)
	}
}

// CurrentServerSeq returns docID's current server_seq without mutating
// it. doc.read does not use it; its head_seq comes from the Catalog.
func (h *Hub) CurrentServerSeq(docID string) int64 {
	h.mu.Lock()
	d, ok := h.docs[docID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.serverSeq
}

// Publish assigns the next server_seq for docID and fans frame out to
// every subscriber of docID except senderSessionID. The seq assignment
// and the fan-out loop run under the same per-document lock, so if two
// goroutines race into Publish for the same doc, the one that wins the
// lower server_seq is also guaranteed to reach every subscriber's queue
// first — broadcast order always matches seq-assignment order. Callers
// are additionally expected to only invoke Publish from inside the same
// per-document DocManager lock they used to append the update to WAL and
// apply it to the YDoc, so that WAL order, apply order, and this seq/
// broadcast order all coincide (the "linchpin" single critical section).
func (h *Hub) Publish(docID, senderSessionID string, frame []byte) (serverSeq int64) {
	d := h.getOrCreate(docID)

	d.mu.Lock()
	defer d.mu.Unlock()

	d.serverSeq++
	serverSeq = d.serverSeq
	for sessionID, sub := range d.subs {
		if sessionID == senderSessionID {
			continue
		}
		sub.Enqueue(frame)
	}

	if h.relay != nil {
		h.relay.Publish(docID, frame)
	}
	return serverSeq
}

// PublishAwareness fans frame out to every subscriber of docID except
// senderSessionID without consuming a server_seq, since awareness frames
// are explicitly excluded from sequencing.
func (h *Hub) PublishAwareness(docID, senderSessionID string, frame []byte) {
	d := h.getOrCreate(docID)

	d.mu.Lock()
	recipients := make([]Subscriber, 0, len(d.subs))
	for sessionID, sub := range d.subs {
		if sessionID == senderSessionID {
			continue
		}
		recipients = append(recipients, sub)
	}
	d.mu.Unlock()

	for _, sub := range recipients {
		sub.Enqueue(frame)
	}
}

// deliverRemote fans a frame received from another instance (via relay)
// out to this instance's local subscribers only — it must never be
// re-published back to the relay, or messages would loop forever between
// instances.
func (h *Hub) deliverRemote(docID string, frame []byte) {
	h.mu.Lock()
	d, ok := h.docs[docID]
	h.mu.Unlock()
	if !ok {
		return
	}

	d.mu.Lock()
	recipients := make([]Subscriber, 0, len(d.subs))
	for _, sub := range d.subs {
		recipients = append(recipients, sub)
	}
	d.mu.Unlock()

	for _, sub := range recipients {
		sub.Enqueue(frame)
	}
}

// SubscriberCount reports how many local sessions are subscribed to
// docID, used by /statusz.
func (h *Hub) SubscriberCount(docID string) int {
	h.mu.Lock()
	d, ok := h.docs[docID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}
