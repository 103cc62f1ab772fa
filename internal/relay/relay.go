// Package relay is SyncHub's optional cross-instance fan-out: when two
// daemon processes share a Redis instance, updates one accepts are
// mirrored to the other over pub/sub so both observe the same broadcast
// traffic. It is adapted from the teacher's internal/redis/pubsub.go —
// same Subscribe/Publish/per-channel-listener shape — rewritten around a
// single per-document channel convention and an envelope that carries
// only a document id and an opaque payload, since SyncHub (unlike the
// teacher's Room) owns no presence or room-wide message types.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/scriptum/daemon/internal/scerr"
)

// Envelope is the wire shape published to a document's Redis channel.
// From identifies the originating daemon instance so a process never
// re-broadcasts its own messages back to itself.
type Envelope struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// Handler receives a document's raw payload (already stripped of its
// Envelope) for every message not originated by this instance.
type Handler func(payload []byte)

// Bridge is one process's connection to the shared Redis instance.
type Bridge struct {
	client     *redis.Client
	instanceID string

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// Dial connects to redisURL (e.g. "redis://localhost:6379") and verifies
// connectivity with a Ping, mirroring pubsub.New's fail-fast behavior.
func Dial(ctx context.Context, redisURL string) (*Bridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, scerr.Wrap(scerr.InternalError, err, "parse relay redis url")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, scerr.Wrap(scerr.InternalError, err, "ping relay redis")
	}

	bridgeCtx, cancel := context.WithCancel(ctx)
	return &Bridge{
		client:     client,
		instanceID: uuid.NewString(),
		ctx:        bridgeCtx,
		cancel:     cancel,
		subs:       make(map[string]*redis.PubSub),
	}, nil
}

func channelFor(docID string) string {
	return fmt.Sprintf("scriptum:doc:%s", docID)
}

// Publish broadcasts payload for docID to every other subscribed
// instance. Instances never receive their own publishes back.
func (b *Bridge) Publish(docID string, payload []byte) error {
	env := Envelope{From: b.instanceID, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return scerr.Wrap(scerr.InternalError, err, "marshal relay envelope")
	}
	return b.client.Publish(b.ctx, channelFor(docID), data).Err()
}

// Subscribe registers handler for docID's channel, starting a listener
// goroutine the first time any handler subscribes to that channel.
func (b *Bridge) Subscribe(docID string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	channel := channelFor(docID)
	if _, exists := b.subs[channel]; exists {
		return
	}
	sub := b.client.Subscribe(b.ctx, channel)
	b.subs[channel] = sub
	go b.listen(channel, sub, handler)
}

// Unsubscribe tears down a document's channel subscription, called once
// SyncHub has no local subscribers left for that document.
func (b *Bridge) Unsubscribe(docID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	channel := channelFor(docID)
	if sub, exists := b.subs[channel]; exists {
		sub.Close()
		delete(b.subs, channel)
	}
}

func (b *Bridge) listen(channel string, sub *redis.PubSub, handler Handler) {
	ch := sub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			if env.From == b.instanceID {
				continue
			}
			handler([]byte(env.Payload))
		}
	}
}

// Close tears down every subscription and the underlying client.
func (b *Bridge) Close() error {
	b.cancel()
	b.mu.Lock()
	for _, sub := range b.subs {
		sub.Close()
	}
	b.mu.Unlock()
	return b.client.Close()
}
