// Package broadcast fans accepted operations out across a horizontally
// scaled deployment's processes, grounded on main.go's
// subscribeToRoom/roomSubscriptions/redisClient.Publish machinery:
// the teacher's per-room map of *redis.PubSub subscriptions generalized
// from one shared *websocket.Hub to one subscription per document Hub,
// keyed by document id instead of room name.
package broadcast

import (
	"context"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// LocalSink receives payloads published by another process for a
// document this process also has a live Hub for, so it can fan them out
// to its own local subscribers.
type LocalSink interface {
	DeliverRemote(documentID string, payload []byte)
}

// SinkFunc adapts a plain function to LocalSink, the same
// func-as-interface trick as http.HandlerFunc — used where the sink (a
// *collab.HubRegistry) can't be constructed until after the broadcaster
// that needs to reference it.
type SinkFunc func(documentID string, payload []byte)

func (f SinkFunc) DeliverRemote(documentID string, payload []byte) { f(documentID, payload) }

// RedisBroadcaster implements collab.Broadcaster by publishing to a
// per-document Redis channel and maintains one subscription per document
// this process is actively forwarding for, exactly as the teacher's
// Server kept one *redis.PubSub per room in roomSubscriptions.
type RedisBroadcaster struct {
	client *redis.Client
	sink   LocalSink

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

// NewRedisBroadcaster constructs a broadcaster; sink receives every
// message published by a different process for a document this one is
// also serving.
func NewRedisBroadcaster(client *redis.Client, sink LocalSink) *RedisBroadcaster {
	return &RedisBroadcaster{
		client: client,
		sink:   sink,
		subs:   make(map[string]*redis.PubSub),
	}
}

// Publish sends payload to every other process subscribed to
// documentID's channel (spec.md §10 domain stack, cross-instance fanout).
func (b *RedisBroadcaster) Publish(ctx context.Context, documentID string, payload []byte) {
	if err := b.client.Publish(ctx, channelName(documentID), payload).Err(); err != nil {
		log.Printf("❌ redis publish failed for document %s: %v", documentID, err)
	}
}

// EnsureSubscribed starts forwarding messages published by other
// processes for documentID into this process's local Hub, lazily, the
// first time a local Hub is created for it — mirrors the teacher's "start
// Redis subscription for room if not already subscribed" check in
// handleJoin.
func (b *RedisBroadcaster) EnsureSubscribed(documentID string) {
	b.mu.Lock()
	if _, ok := b.subs[documentID]; ok {
		b.mu.Unlock()
		return
	}
	pubsub := b.client.Subscribe(context.Background(), channelName(documentID))
	b.subs[documentID] = pubsub
	b.mu.Unlock()

	go b.forward(documentID, pubsub)
}

// forward is the per-document analogue of the teacher's subscribeToRoom
// goroutine: it blocks on ReceiveMessage and hands every payload to the
// local sink until the subscription is closed.
func (b *RedisBroadcaster) forward(documentID string, pubsub *redis.PubSub) {
	defer func() {
		b.mu.Lock()
		if b.subs[documentID] == pubsub {
			delete(b.subs, documentID)
		}
		b.mu.Unlock()
		pubsub.Close()
	}()

	for {
		msg, err := pubsub.ReceiveMessage(context.Background())
		if err != nil {
			log.Printf("redis subscription ended for document %s: %v", documentID, err)
			return
		}
		b.sink.DeliverRemote(documentID, []byte(msg.Payload))
	}
}

// Unsubscribe stops forwarding for a document whose local Hub has
// drained, mirroring the teacher's empty-room pubsub.Close() cleanup.
func (b *RedisBroadcaster) Unsubscribe(documentID string) {
	b.mu.Lock()
	pubsub, ok := b.subs[documentID]
	if ok {
		delete(b.subs, documentID)
	}
	b.mu.Unlock()
	if ok {
		pubsub.Close()
	}
}

func channelName(documentID string) string {
	return "doc:" + documentID
}
