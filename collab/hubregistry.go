package collab

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// HubRegistry lazily creates and evicts per-document Hubs (spec §4.4),
// the direct analogue of the teacher's websocket.Hub room map
// (`rooms map[string]map[*Client]bool`) promoted to its own type because
// a Hub is now a full actor with its own goroutine and lifecycle, not a
// bare set of connections.
type HubRegistry struct {
	mu   sync.Mutex
	hubs map[string]*Hub

	store       OperationStore
	archiver    SnapshotArchiver
	broadcaster Broadcaster

	inboundQueueSize int
	drainGracePeriod time.Duration
}

// NewHubRegistry constructs a registry backed by the given durable store,
// snapshot archiver, and cross-instance broadcaster. archiver and
// broadcaster may be nil for a single-process deployment with no S3/Redis
// configured (spec §10 domain stack: both are optional extensions of the
// teacher's stub/no-op equivalents). inboundQueueSize and drainGracePeriod
// are SPEC_FULL.md §9's HUB_INBOUND_QUEUE_SIZE/HUB_DRAIN_GRACE_PERIOD
// config knobs, threaded into every Hub this registry bootstraps; zero
// falls back to the spec §5 defaults (see NewHub).
func NewHubRegistry(store OperationStore, archiver SnapshotArchiver, broadcaster Broadcaster, inboundQueueSize int, drainGracePeriod time.Duration) *HubRegistry {
	return &HubRegistry{
		hubs:             make(map[string]*Hub),
		store:            store,
		archiver:         archiver,
		broadcaster:      broadcaster,
		inboundQueueSize: inboundQueueSize,
		drainGracePeriod: drainGracePeriod,
	}
}

// GetOrCreate returns the live Hub for documentID, constructing one by
// replaying the OperationStore (and, if present, the latest archived
// snapshot) when none exists yet — the lazy-bootstrap half of spec §4.4,
// grounded on the teacher's `getOrCreateRoom` pattern in main.go.
func (r *HubRegistry) GetOrCreate(ctx context.Context, documentID string) (*Hub, error) {
	r.mu.Lock()
	if h, ok := r.hubs[documentID]; ok && h.State() != StateTerminated {
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	h, err := r.bootstrap(ctx, documentID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.hubs[documentID]; ok && existing.State() != StateTerminated {
		// Lost a race with a concurrent bootstrap; keep the winner and shut
		// the loser's worker goroutine down (it never had a subscriber).
		h.setState(StateTerminated)
		close(h.inbound)
		return existing, nil
	}
	r.hubs[documentID] = h
	return h, nil
}

// bootstrap reconstructs a document's History from durable storage: the
// latest snapshot (if an archiver is configured) plus every operation
// recorded since it (spec §4.4 "bootstrap a fresh Hub").
func (r *HubRegistry) bootstrap(ctx context.Context, documentID string) (*Hub, error) {
	var snapshot string
	var snapshotVersion int64

	if r.archiver != nil {
		text, version, err := r.archiver.LoadLatestSnapshot(ctx, documentID)
		if err == nil {
			snapshot, snapshotVersion = text, version
		}
		// A missing snapshot (new document) is not fatal: replay starts
		// from an empty string at version 0.
	}

	var replay []Operation
	if r.store != nil {
		ops, err := r.store.LoadSince(ctx, documentID, snapshotVersion)
		if err != nil {
			return nil, fmt.Errorf("bootstrap %s: %w", documentID, err)
		}
		replay = ops
	}

	transformer := NewTransformer()
	history, err := NewHistory(snapshot, snapshotVersion, replay, transformer)
	if err != nil {
		return nil, fmt.Errorf("bootstrap %s: %w", documentID, err)
	}

	text, err := history.TextFrom(snapshot, snapshotVersion)
	if err != nil {
		return nil, fmt.Errorf("bootstrap %s: %w", documentID, err)
	}

	log.Printf("✨ hub created for document %s at version %d (%d ops replayed)", documentID, history.CurrentVersion(), len(replay))

	h := NewHub(documentID, history, text, r.store, r.archiver, r.broadcaster, r.onHubDrained, r.inboundQueueSize, r.drainGracePeriod)

	if subscriber, ok := r.broadcaster.(interface{ EnsureSubscribed(string) }); ok {
		subscriber.EnsureSubscribed(documentID)
	}
	return h, nil
}

// onHubDrained is the Hub's callback once it reaches TERMINATED; it
// removes the entry so the next GetOrCreate rebuilds fresh (spec §4.4
// eviction).
func (r *HubRegistry) onHubDrained(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hubs[documentID]; ok && h.State() == StateTerminated {
		delete(r.hubs, documentID)
		log.Printf("👋 hub evicted for document %s", documentID)
	}
}

// Peek returns the Hub for documentID without creating one, for read-only
// admin/stats paths that shouldn't conjure a Hub into existence.
func (r *HubRegistry) Peek(documentID string) (*Hub, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[documentID]
	if !ok || h.State() == StateTerminated {
		return nil, false
	}
	return h, true
}

// Count returns how many documents currently have a live Hub (spec §6.2
// get_stats aggregation across the process).
func (r *HubRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hubs)
}

// DocumentIDs lists every document with a live Hub, for building a
// process-wide stats snapshot.
func (r *HubRegistry) DocumentIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.hubs))
	for id := range r.hubs {
		ids = append(ids, id)
	}
	return ids
}

// DeliverRemote implements broadcast.LocalSink: it hands a payload
// published by another process straight to the local Hub's subscribers,
// if this process happens to have one live for that document.
func (r *HubRegistry) DeliverRemote(documentID string, payload []byte) {
	if h, ok := r.Peek(documentID); ok {
		h.DeliverRemote(payload)
	}
}
