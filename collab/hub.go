package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default capacities from spec §5, overridable per HubRegistry via
// SPEC_FULL.md §9's HUB_INBOUND_QUEUE_SIZE/HUB_DRAIN_GRACE_PERIOD config
// knobs (see NewHub).
const (
	defaultInboundQueueSize = 1024
	defaultSubscriberQueue  = 64
	defaultDrainGracePeriod = 30 * time.Second
)

// HubState is the lifecycle of a DocumentHub (spec §4.3).
type HubState int

const (
	StateNew HubState = iota
	StateActive
	StateDraining
	StateTerminated
)

func (s HubState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// OperationStore is the durable append-only log a Hub persists accepted
// operations to before acknowledging the submitter (spec §4.6).
type OperationStore interface {
	Append(ctx context.Context, documentID string, op Operation) error
	LoadSince(ctx context.Context, documentID string, version int64) ([]Operation, error)
	MaxVersion(ctx context.Context, documentID string) (int64, error)
	TruncateUpTo(ctx context.Context, documentID string, version int64) error
}

// SnapshotArchiver persists full-text snapshots outside the operation log,
// used when History truncates its retained window (spec §4.2).
type SnapshotArchiver interface {
	SaveSnapshot(ctx context.Context, documentID string, version int64, text string) error
	LoadLatestSnapshot(ctx context.Context, documentID string) (text string, version int64, err error)
}

// Broadcaster fans an accepted frame out to every other process serving
// this document (spec §10 domain stack: Redis pub/sub across instances).
// A single-process deployment can pass a no-op Broadcaster.
type Broadcaster interface {
	Publish(ctx context.Context, documentID string, payload []byte)
}

// Presence is the cursor/selection/color snapshot a Hub reports for a
// session without it ever entering History (spec §3 Session, §4.3
// update_presence).
type Presence struct {
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	Color          string `json:"color"`
	CursorPosition int    `json:"cursor_position"`
	SelectionStart int    `json:"selection_start"`
	SelectionEnd   int    `json:"selection_end"`
}

// subscriber is a Hub's weak reference to a live session: just enough to
// fan frames out, never a pointer back into SessionManager (spec §3
// Ownership, §9 design notes: "no cycles").
type subscriber struct {
	sessionID string
	userID    string
	outbound  chan []byte
	presence  Presence
}

// JoinResult is what join() hands back to a newly registered session
// (spec §4.3).
type JoinResult struct {
	CurrentVersion   int64
	SnapshotText     string
	ActivePresences  []Presence
	Outbound         <-chan []byte
}

// SyncResult is the pull-mode catch-up payload (spec §4.3 sync).
type SyncResult struct {
	CurrentVersion  int64
	OperationsSince []Operation
	ActivePresences []Presence
}

// hubRequest is the sealed set of messages processed by the Hub's single
// worker goroutine — the "single serialization point" of spec §4.3/§5.
// Every field that mutates Hub state only does so from inside run(),
// mirroring the teacher's websocket/hub.go Run() select loop, generalized
// from three channels (register/unregister/broadcast) to one typed queue
// so join/leave/submit/sync/presence all share one total order.
type hubRequest struct {
	kind     hubRequestKind
	join     *joinPayload
	leave    *leavePayload
	submit   *submitPayload
	batch    *batchPayload
	sync     *syncPayload
	presence *presencePayload
	drain    bool
}

type hubRequestKind int

const (
	reqJoin hubRequestKind = iota
	reqLeave
	reqSubmit
	reqBatch
	reqSync
	reqPresence
	reqDrainTick
)

type joinPayload struct {
	sessionID string
	userID    string
	color     string
	result    chan<- JoinResult
}

type leavePayload struct {
	sessionID string
	done      chan<- struct{}
}

type submitPayload struct {
	op          Operation
	baseVersion int64
	result      chan<- submitOutcome
}

type submitOutcome struct {
	op  Operation
	err error
}

type batchPayload struct {
	items       []BatchItem
	baseVersion int64
	result      chan<- BatchResult
}

type syncPayload struct {
	knownVersion int64
	result       chan<- SyncResult
}

type presencePayload struct {
	sessionID      string
	cursorPosition int
	selectionStart int
	selectionEnd   int
}

// Hub is the single-writer authority for one document's operation stream
// (spec §2 DocumentHub, §4.3). All state-changing calls funnel through
// inbound and are drained by run() one at a time, which is what gives the
// document a total order without fine-grained locking over History.
type Hub struct {
	DocumentID string

	history     *History
	transformer *Transformer
	batcher     *batchProcessor
	store       OperationStore
	archiver    SnapshotArchiver
	broadcaster Broadcaster

	inbound chan hubRequest

	mu          sync.Mutex
	state       HubState
	subscribers map[string]*subscriber
	text        string // live cached text, kept in sync with history inside run()

	drainGracePeriod time.Duration
	drainTimer       *time.Timer
	onDrained        func(documentID string) // HubRegistry callback when TERMINATED

	stats hubStats
}

type hubStats struct {
	totalOperations int64
	lastActivity    time.Time
	authorCounts    map[string]int64
}

// NewHub constructs a Hub already seeded with history (HubRegistry is
// responsible for replaying the OperationStore before calling this).
// inboundQueueSize and drainGracePeriod come from SPEC_FULL.md §9's
// HUB_INBOUND_QUEUE_SIZE/HUB_DRAIN_GRACE_PERIOD config knobs; a zero value
// falls back to the spec §5 defaults, so existing callers that don't care
// about the override (tests, mainly) can keep passing the zero value.
func NewHub(documentID string, history *History, text string, store OperationStore, archiver SnapshotArchiver, broadcaster Broadcaster, onDrained func(string), inboundQueueSize int, drainGracePeriod time.Duration) *Hub {
	if inboundQueueSize <= 0 {
		inboundQueueSize = defaultInboundQueueSize
	}
	if drainGracePeriod <= 0 {
		drainGracePeriod = defaultDrainGracePeriod
	}
	h := &Hub{
		DocumentID:       documentID,
		history:          history,
		transformer:      NewTransformer(),
		store:            store,
		archiver:         archiver,
		broadcaster:      broadcaster,
		inbound:          make(chan hubRequest, inboundQueueSize),
		state:            StateNew,
		subscribers:      make(map[string]*subscriber),
		text:             text,
		drainGracePeriod: drainGracePeriod,
		onDrained:        onDrained,
		stats:            hubStats{authorCounts: make(map[string]int64)},
	}
	h.batcher = newBatchProcessor(history, h.transformer)
	go h.run()
	return h
}

// run is the Hub's single logical worker: it is the only goroutine that
// writes history or text and the only one that registers subscribers
// (spec §5 "Hub.history... read by sync/join from the worker too
// (serialized via the queue)"). Subscribers, state and stats are also
// guarded by h.mu, because DeliverRemote's fan-out (which can drop a slow
// subscriber), State and Stats reach them from other goroutines.
func (h *Hub) run() {
	for req := range h.inbound {
		switch req.kind {
		case reqJoin:
			h.handleJoin(req.join)
		case reqLeave:
			h.handleLeave(req.leave)
		case reqSubmit:
			h.handleSubmit(req.submit)
		case reqBatch:
			h.handleBatch(req.batch)
		case reqSync:
			h.handleSync(req.sync)
		case reqPresence:
			h.handlePresence(req.presence)
		case reqDrainTick:
			h.handleDrainTick()
		}
		if h.state == StateTerminated {
			return
		}
	}
}

func (h *Hub) setState(s HubState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// State reports the Hub's lifecycle state (read concurrently, hence the
// mutex — it's metadata, not part of the single-writer invariant).
func (h *Hub) State() HubState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// --- Public, concurrency-safe entry points ---------------------------------

// Join registers a session's outbound channel and returns the snapshot it
// needs to initialize (spec §4.3 join).
func (h *Hub) Join(ctx context.Context, sessionID, userID, color string) (JoinResult, error) {
	resultCh := make(chan JoinResult, 1)
	req := hubRequest{kind: reqJoin, join: &joinPayload{sessionID: sessionID, userID: userID, color: color, result: resultCh}}
	if err := h.enqueue(ctx, req); err != nil {
		return JoinResult{}, err
	}
	select {
	case r := <-resultCh:
		return r, nil
	case <-ctx.Done():
		return JoinResult{}, ctx.Err()
	}
}

// Leave unregisters a session; if it was the last subscriber, the Hub
// arms its idle-destruction timer (spec §4.3 leave, state machine).
func (h *Hub) Leave(sessionID string) {
	done := make(chan struct{})
	select {
	case h.inbound <- hubRequest{kind: reqLeave, leave: &leavePayload{sessionID: sessionID, done: done}}:
		<-done
	default:
		// Inbound full on the way out: the leave is dropped and the
		// session stays subscribed.
	}
}

// Submit validates, transforms, appends, persists, and broadcasts one
// operation (spec §4.3 submit). ctx's deadline bounds how long the caller
// waits for the Hub to even accept the request into its queue.
func (h *Hub) Submit(ctx context.Context, op Operation, baseVersion int64) (Operation, error) {
	resultCh := make(chan submitOutcome, 1)
	req := hubRequest{kind: reqSubmit, submit: &submitPayload{op: op, baseVersion: baseVersion, result: resultCh}}
	if err := h.enqueue(ctx, req); err != nil {
		return Operation{}, err
	}
	select {
	case r := <-resultCh:
		return r.op, r.err
	case <-ctx.Done():
		return Operation{}, ctx.Err()
	}
}

// SubmitBatch processes an ordered batch atomically w.r.t. other
// submitters (spec §4.3 Batch submission).
func (h *Hub) SubmitBatch(ctx context.Context, items []BatchItem, baseVersion int64) (BatchResult, error) {
	resultCh := make(chan BatchResult, 1)
	req := hubRequest{kind: reqBatch, batch: &batchPayload{items: items, baseVersion: baseVersion, result: resultCh}}
	if err := h.enqueue(ctx, req); err != nil {
		return BatchResult{}, err
	}
	select {
	case r := <-resultCh:
		return r, nil
	case <-ctx.Done():
		return BatchResult{}, ctx.Err()
	}
}

// Sync is the pull-mode catch-up path (spec §4.3 sync, §8 S6).
func (h *Hub) Sync(ctx context.Context, knownVersion int64) (SyncResult, error) {
	resultCh := make(chan SyncResult, 1)
	req := hubRequest{kind: reqSync, sync: &syncPayload{knownVersion: knownVersion, result: resultCh}}
	if err := h.enqueue(ctx, req); err != nil {
		return SyncResult{}, err
	}
	select {
	case r := <-resultCh:
		return r, nil
	case <-ctx.Done():
		return SyncResult{}, ctx.Err()
	}
}

// DeliverRemote fans a payload published by another process's Hub for the
// same document out to this process's local subscribers only — it never
// republishes to Redis, which is what keeps cross-instance fanout from
// looping (spec.md §10 domain stack cross-instance broadcast).
func (h *Hub) DeliverRemote(payload []byte) {
	h.fanOut(payload, "")
}

// UpdatePresence updates cursor/selection and broadcasts a presence frame;
// it never touches History or consumes a version (spec §4.3).
func (h *Hub) UpdatePresence(sessionID string, cursor, selStart, selEnd int) {
	select {
	case h.inbound <- hubRequest{kind: reqPresence, presence: &presencePayload{
		sessionID: sessionID, cursorPosition: cursor, selectionStart: selStart, selectionEnd: selEnd,
	}}:
	default:
		// Presence is best-effort and unordered w.r.t. operations (spec §5);
		// dropping one under backpressure is acceptable, the next update wins.
	}
}

// enqueue delivers req to the worker, honoring ctx's deadline and
// returning ErrOverloaded if the inbound queue stays full until then
// (spec §4.3, §5 cancellation).
func (h *Hub) enqueue(ctx context.Context, req hubRequest) error {
	select {
	case h.inbound <- req:
		return nil
	default:
	}
	select {
	case h.inbound <- req:
		return nil
	case <-ctx.Done():
		return ErrOverloaded
	}
}

// --- Worker-thread handlers (only ever called from run()) ------------------

func (h *Hub) handleJoin(p *joinPayload) {
	h.mu.Lock()
	if h.state == StateNew || h.state == StateDraining {
		h.state = StateActive
		if h.drainTimer != nil {
			h.drainTimer.Stop()
			h.drainTimer = nil
		}
	}
	sub := &subscriber{
		sessionID: p.sessionID,
		userID:    p.userID,
		outbound:  make(chan []byte, defaultSubscriberQueue),
		presence:  Presence{SessionID: p.sessionID, UserID: p.userID, Color: p.color},
	}
	h.subscribers[p.sessionID] = sub
	presences := h.activePresencesLocked()
	h.mu.Unlock()

	p.result <- JoinResult{
		CurrentVersion:  h.history.CurrentVersion(),
		SnapshotText:    h.text,
		ActivePresences: presences,
		Outbound:        sub.outbound,
	}

	h.broadcastUserJoined(p.sessionID, p.userID, p.color)
}

func (h *Hub) handleLeave(p *leavePayload) {
	h.mu.Lock()
	sub, wasSubscribed := h.subscribers[p.sessionID]
	delete(h.subscribers, p.sessionID)
	empty := len(h.subscribers) == 0
	if empty && h.state == StateActive {
		h.state = StateDraining
		h.drainTimer = time.AfterFunc(h.drainGracePeriod, func() {
			select {
			case h.inbound <- hubRequest{kind: reqDrainTick}:
			default:
			}
		})
	}
	h.mu.Unlock()
	close(p.done)

	if wasSubscribed {
		h.broadcastUserLeft(sub.sessionID, sub.userID)
	}
}

func (h *Hub) handleDrainTick() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateDraining || len(h.subscribers) != 0 {
		return
	}
	h.state = StateTerminated
	close(h.inbound)
	if h.onDrained != nil {
		go h.onDrained(h.DocumentID)
	}
}

func (h *Hub) handleSubmit(p *submitPayload) {
	op := p.op
	if op.Author == "" {
		p.result <- submitOutcome{err: ErrInvalidType}
		return
	}
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	op.Timestamp = time.Now()
	if p.baseVersion < h.history.RetainedFloor() {
		p.result <- submitOutcome{err: ErrStaleBase}
		return
	}

	textLen := runeLen(h.text)
	if err := op.validate(textLen); err != nil && op.Type != OpRetain {
		// Still attempt clip-and-transform; validate here only rejects
		// structurally malformed input (missing content/length).
		if err == ErrInvalidType {
			p.result <- submitOutcome{err: err}
			return
		}
	}

	candidates := h.history.TransformAgainstNew(op, p.baseVersion)

	// A DELETE straddling an intervening INSERT transforms into two
	// candidates (transform.go's deleteInsert split); every candidate is a
	// fully accepted operation in its own right and must be persisted and
	// broadcast, not just the last one (mirrors handleBatch below, which
	// already does this for every element of result.Accepted).
	var applied []Operation
	for _, c := range candidates {
		c = c.clip(runeLen(h.text))
		// Check and persist before appending to History, so a rejected or
		// unpersisted operation never enters History; the version set here
		// is the one History.Append assigns.
		c.Version = h.history.CurrentVersion() + 1
		newText, err := applyTo(h.text, c)
		if err != nil {
			log.Printf("❌ invariant violation applying accepted op %s to document %s: %v", c.ID, h.DocumentID, err)
			p.result <- submitOutcome{err: ErrInternal}
			return
		}
		if h.store != nil {
			if err := h.store.Append(context.Background(), h.DocumentID, c); err != nil {
				log.Printf("❌ operation store unavailable for document %s: %v", h.DocumentID, err)
				p.result <- submitOutcome{err: fmt.Errorf("%w: %v", ErrStoreUnavailable, err)}
				return
			}
		}
		a, err := h.history.Append(c)
		if err != nil {
			p.result <- submitOutcome{err: fmt.Errorf("append: %w", err)}
			return
		}
		h.text = newText
		h.recordAccepted(a)
		applied = append(applied, a)
	}

	h.maybeTruncate()
	for _, a := range applied {
		h.broadcastOperation(a, p.submitterSessionID())
	}
	p.result <- submitOutcome{op: applied[len(applied)-1]}
}

// submitterSessionID always returns "": a submit carries no session id, so
// the accepted operation is broadcast to every subscriber, including the
// submitter's own session. No subscriber is excluded by author either.
func (p *submitPayload) submitterSessionID() string { return "" }

func (h *Hub) handleBatch(p *batchPayload) {
	if p.baseVersion < h.history.RetainedFloor() {
		p.result <- BatchResult{Rejected: []RejectedItem{{Index: -1, Reason: ErrStaleBase.Error()}}}
		return
	}

	now := time.Now()
	for i, item := range p.items {
		if item.Op.ID == "" {
			p.items[i].Op.ID = uuid.New().String()
		}
		p.items[i].Op.Timestamp = now
	}
	result := h.batcher.Process(p.items, p.baseVersion, runeLen(h.text))
	for _, op := range result.Accepted {
		newText, err := applyTo(h.text, op)
		if err != nil {
			log.Printf("❌ invariant violation applying batched op %s to document %s: %v", op.ID, h.DocumentID, err)
			continue
		}
		h.text = newText
		h.recordAccepted(op)
		if h.store != nil {
			if err := h.store.Append(context.Background(), h.DocumentID, op); err != nil {
				log.Printf("❌ operation store unavailable for document %s: %v", h.DocumentID, err)
			}
		}
	}
	h.maybeTruncate()
	for _, op := range result.Accepted {
		h.broadcastOperation(op, "")
	}
	p.result <- result
}

func (h *Hub) handleSync(p *syncPayload) {
	h.mu.Lock()
	presences := h.activePresencesLocked()
	h.mu.Unlock()

	p.result <- SyncResult{
		CurrentVersion:  h.history.CurrentVersion(),
		OperationsSince: h.history.Since(p.knownVersion),
		ActivePresences: presences,
	}
}

func (h *Hub) handlePresence(p *presencePayload) {
	h.mu.Lock()
	sub, ok := h.subscribers[p.sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	sub.presence.CursorPosition = p.cursorPosition
	sub.presence.SelectionStart = p.selectionStart
	sub.presence.SelectionEnd = p.selectionEnd
	frame := sub.presence
	h.mu.Unlock()

	h.sendFrame(frameEnvelope{Type: "presence", Data: frame}, p.sessionID)
}

// recordAccepted updates Hub-local stats (spec §6.2 get_stats) without
// touching History.
func (h *Hub) recordAccepted(op Operation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats.totalOperations++
	h.stats.lastActivity = op.Timestamp
	h.stats.authorCounts[op.Author]++
}

// maybeTruncate asks History to drop its oldest quartile once the
// retained window is exceeded, archiving a fresh snapshot first (spec
// §4.2).
func (h *Hub) maybeTruncate() {
	cv := h.history.CurrentVersion()
	if cv <= retainedWindow {
		return
	}
	if h.archiver != nil {
		if err := h.archiver.SaveSnapshot(context.Background(), h.DocumentID, cv, h.text); err != nil {
			log.Printf("❌ snapshot archive failed for document %s at v%d: %v", h.DocumentID, cv, err)
			return // don't truncate without a durable snapshot (spec §4.2)
		}
	}
	h.history.MaybeTruncate(cv, h.text)
	if h.store != nil {
		_ = h.store.TruncateUpTo(context.Background(), h.DocumentID, h.history.RetainedFloor())
	}
}

// broadcastOperation fans an accepted operation out to every subscriber
// except the excluded one, dropping — never blocking on — a slow
// subscriber (spec §5 "Fan-out never blocks the Hub").
func (h *Hub) broadcastOperation(op Operation, excludeSessionID string) {
	payload, err := marshalFrame(frameEnvelope{Type: "operation", Data: op})
	if err != nil {
		log.Printf("❌ failed to marshal operation broadcast for document %s: %v", h.DocumentID, err)
		return
	}
	dropped := h.fanOut(payload, excludeSessionID)
	if h.broadcaster != nil {
		h.broadcaster.Publish(context.Background(), h.DocumentID, payload)
	}
	h.notifyDeparted(dropped)
}

func (h *Hub) sendFrame(env frameEnvelope, excludeSessionID string) {
	payload, err := marshalFrame(env)
	if err != nil {
		log.Printf("❌ failed to marshal %s broadcast for document %s: %v", env.Type, h.DocumentID, err)
		return
	}
	dropped := h.fanOut(payload, excludeSessionID)
	h.notifyDeparted(dropped)
}

// fanOut delivers payload to every subscriber except the excluded one,
// dropping — never blocking on — a slow subscriber (spec §5 "Fan-out never
// blocks the Hub"), and returns whoever got dropped so the caller can tell
// the rest of the document about their departure (spec §8 S5).
func (h *Hub) fanOut(payload []byte, excludeSessionID string) []subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	var dropped []subscriber
	for id, sub := range h.subscribers {
		if id == excludeSessionID {
			continue
		}
		select {
		case sub.outbound <- payload:
		default:
			// Slow subscriber: drop it, don't block the writer (spec §5, S5).
			close(sub.outbound)
			delete(h.subscribers, id)
			dropped = append(dropped, *sub)
		}
	}
	return dropped
}

// notifyDeparted announces a user_left frame for every subscriber fanOut
// had to drop, the same announcement an explicit Leave produces (spec §8
// S5: other sessions must learn a dropped slow subscriber is gone, not
// just stop receiving frames from it silently).
func (h *Hub) notifyDeparted(dropped []subscriber) {
	for _, sub := range dropped {
		h.broadcastUserLeft(sub.sessionID, sub.userID)
	}
}

// broadcastUserJoined tells every other subscriber a new session arrived
// (spec.md §6.1 outbound frame type user_joined).
func (h *Hub) broadcastUserJoined(sessionID, userID, color string) {
	h.sendFrame(frameEnvelope{Type: "user_joined", Data: map[string]string{
		"session_id": sessionID,
		"user_id":    userID,
		"color":      color,
	}}, sessionID)
}

// broadcastUserLeft tells every remaining subscriber a session departed —
// via explicit Leave, idle-sweep expiry (spec §4.5), or a dropped slow
// subscriber (spec §8 S5) — (spec.md §6.1 outbound frame type user_left).
func (h *Hub) broadcastUserLeft(sessionID, userID string) {
	h.sendFrame(frameEnvelope{Type: "user_left", Data: map[string]string{
		"session_id": sessionID,
		"user_id":    userID,
	}}, "")
}

// activePresencesLocked must be called with h.mu held.
func (h *Hub) activePresencesLocked() []Presence {
	out := make([]Presence, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		out = append(out, s.presence)
	}
	return out
}

// Stats reports spec §6.2 get_stats fields plus history/index health.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.Lock()
	activeUsers := len(h.subscribers)
	lastActivity := h.stats.lastActivity
	totalOps := h.stats.totalOperations
	var mostActive string
	var mostActiveCount int64
	for author, count := range h.stats.authorCounts {
		if count > mostActiveCount {
			mostActive = author
			mostActiveCount = count
		}
	}
	h.mu.Unlock()

	stats := h.history.Stats()
	stats["total_operations"] = totalOps
	stats["active_users"] = activeUsers
	stats["last_activity"] = lastActivity
	stats["most_active_user"] = mostActive
	stats["state"] = h.State().String()
	return stats
}

// frameEnvelope is the typed-variant wire shape of spec §6.1/§6.2: a
// discriminator plus an opaque payload, matched exhaustively by the
// transport layer rather than the core (spec §9 design notes).
type frameEnvelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func marshalFrame(env frameEnvelope) ([]byte, error) {
	return json.Marshal(env)
}
