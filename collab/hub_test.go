package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory OperationStore stand-in; Hub tests exercise
// the Hub/History/Transformer contract, not Postgres wiring, so a fake
// here keeps these tests independent of a live database (the teacher
// itself ships no tests at all, so there's no precedent to match on test
// doubles — this follows the general Go convention of a small hand-written
// fake for a narrow interface).
type fakeStore struct {
	mu  sync.Mutex
	ops map[string][]Operation
}

func newFakeStore() *fakeStore { return &fakeStore{ops: make(map[string][]Operation)} }

func (s *fakeStore) Append(ctx context.Context, documentID string, op Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[documentID] = append(s.ops[documentID], op)
	return nil
}

func (s *fakeStore) LoadSince(ctx context.Context, documentID string, version int64) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Operation
	for _, op := range s.ops[documentID] {
		if op.Version > version {
			out = append(out, op)
		}
	}
	return out, nil
}

func (s *fakeStore) MaxVersion(ctx context.Context, documentID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := s.ops[documentID]
	if len(ops) == 0 {
		return 0, nil
	}
	return ops[len(ops)-1].Version, nil
}

func (s *fakeStore) TruncateUpTo(ctx context.Context, documentID string, version int64) error {
	return nil
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h, err := NewHistory("", 0, nil, NewTransformer())
	require.NoError(t, err)
	return NewHub("doc-1", h, "", newFakeStore(), nil, nil, nil, 0, 0)
}

func TestHubSubmitAssignsMonotonicVersions(t *testing.T) {
	hub := newTestHub(t)
	ctx := context.Background()

	op1, err := hub.Submit(ctx, Operation{Type: OpInsert, Position: 0, Content: "a", Author: "alice"}, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, op1.Version)

	op2, err := hub.Submit(ctx, Operation{Type: OpInsert, Position: 1, Content: "b", Author: "alice"}, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, op2.Version)
}

func TestHubSubmitRejectsMissingAuthor(t *testing.T) {
	hub := newTestHub(t)
	_, err := hub.Submit(context.Background(), Operation{Type: OpInsert, Position: 0, Content: "a"}, 0)
	assert.ErrorIs(t, err, ErrInvalidType)
}

// TestHubJoinAndSyncConverge is S1 at the Hub level: two sessions submit
// concurrently at the same base_version and both observe the same final
// text through sync.
func TestHubJoinAndSyncConverge(t *testing.T) {
	hub := newTestHub(t)
	ctx := context.Background()

	_, err := hub.Join(ctx, "sess-a", "alice", "#fff")
	require.NoError(t, err)
	_, err = hub.Join(ctx, "sess-b", "bob", "#000")
	require.NoError(t, err)

	_, err = hub.Submit(ctx, Operation{Type: OpInsert, Position: 0, Content: "Hello", Author: "alice"}, 0)
	require.NoError(t, err)
	_, err = hub.Submit(ctx, Operation{Type: OpInsert, Position: 0, Content: "World", Author: "bob"}, 0)
	require.NoError(t, err)

	syncResult, err := hub.Sync(ctx, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 2, syncResult.CurrentVersion)

	text := ""
	for _, op := range syncResult.OperationsSince {
		out, err := applyTo(text, op)
		require.NoError(t, err)
		text = out
	}
	assert.Equal(t, "HelloWorld", text)
}

// TestHubBroadcastsUserJoinedAndUserLeft covers spec.md §6.1's mandatory
// user_joined/user_left outbound frames: an existing subscriber must see a
// new session arrive, and see it depart again on Leave.
func TestHubBroadcastsUserJoinedAndUserLeft(t *testing.T) {
	hub := newTestHub(t)
	ctx := context.Background()

	joinA, err := hub.Join(ctx, "sess-a", "alice", "#fff")
	require.NoError(t, err)

	_, err = hub.Join(ctx, "sess-b", "bob", "#000")
	require.NoError(t, err)

	var joined frameEnvelope
	require.NoError(t, json.Unmarshal(<-joinA.Outbound, &joined))
	assert.Equal(t, "user_joined", joined.Type)

	hub.Leave("sess-b")

	var left frameEnvelope
	require.NoError(t, json.Unmarshal(<-joinA.Outbound, &left))
	assert.Equal(t, "user_left", left.Type)
}

// TestHubSubmitBatch is S3 at the Hub level.
func TestHubSubmitBatch(t *testing.T) {
	hub := newTestHub(t)
	ctx := context.Background()

	result, err := hub.SubmitBatch(ctx, []BatchItem{
		{Index: 0, Op: Operation{Type: OpInsert, Position: 0, Content: "ab", Author: "alice"}},
		{Index: 1, Op: Operation{Type: OpInsert, Position: 2, Content: "cd", Author: "alice"}},
	}, 0)
	require.NoError(t, err)
	require.Len(t, result.Accepted, 2)
	assert.EqualValues(t, 2, result.FinalVersion)
}

// TestHubStaleBase is S4: a base_version below the retained floor is
// rejected with ErrStaleBase.
func TestHubStaleBase(t *testing.T) {
	history, err := NewHistory("", 0, nil, NewTransformer())
	require.NoError(t, err)
	hub := NewHub("doc-1", history, "", newFakeStore(), nil, nil, nil, 0, 0)
	ctx := context.Background()

	for i := 0; i < 1500; i++ {
		_, err := hub.Submit(ctx, Operation{Type: OpInsert, Position: 0, Content: "x", Author: "alice"}, int64(i))
		require.NoError(t, err)
	}

	_, err = hub.Submit(ctx, Operation{Type: OpInsert, Position: 0, Content: "y", Author: "alice"}, 100)
	assert.ErrorIs(t, err, ErrStaleBase)
}

// TestHubSlowSubscriberDropped is S5: a subscriber whose outbound queue is
// full gets dropped rather than blocking the Hub's broadcast.
func TestHubSlowSubscriberDropped(t *testing.T) {
	hub := newTestHub(t)
	ctx := context.Background()

	joinResult, err := hub.Join(ctx, "slow-session", "alice", "#fff")
	require.NoError(t, err)

	// Fill the subscriber's bounded outbound channel without draining it.
	for i := 0; i < defaultSubscriberQueue; i++ {
		hub.mu.Lock()
		sub := hub.subscribers["slow-session"]
		select {
		case sub.outbound <- []byte("filler"):
		default:
		}
		hub.mu.Unlock()
	}

	_, err = hub.Submit(ctx, Operation{Type: OpInsert, Position: 0, Content: "x", Author: "bob"}, 0)
	require.NoError(t, err)

	hub.mu.Lock()
	_, stillSubscribed := hub.subscribers["slow-session"]
	hub.mu.Unlock()
	assert.False(t, stillSubscribed, "slow subscriber should have been dropped, not blocked on")

	_, ok := <-joinResult.Outbound
	assert.True(t, ok, "channel should have been drained at least once before close")
}

// TestHubLeaveArmsDrainAndRejoinCancels exercises the NEW/ACTIVE/DRAINING
// state machine (spec §4.3): the last session leaving arms a drain timer,
// and a rejoin within the grace window cancels it.
func TestHubLeaveArmsDrainAndRejoinCancels(t *testing.T) {
	hub := newTestHub(t)
	ctx := context.Background()

	_, err := hub.Join(ctx, "sess-a", "alice", "#fff")
	require.NoError(t, err)
	assert.Equal(t, StateActive, hub.State())

	hub.Leave("sess-a")
	// Give the worker goroutine a moment to process the leave.
	for i := 0; i < 100 && hub.State() != StateDraining; i++ {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, StateDraining, hub.State())

	_, err = hub.Join(ctx, "sess-b", "bob", "#000")
	require.NoError(t, err)
	assert.Equal(t, StateActive, hub.State())
}

// TestHubRegistryBootstrapsFromStore is S6: a Hub terminated after
// persisting v1..v100; the next GetOrCreate replays the store and reports
// current_version=100, and a sync at known_version=95 returns v96..v100.
func TestHubRegistryBootstrapsFromStore(t *testing.T) {
	store := newFakeStore()
	for i := 1; i <= 100; i++ {
		require.NoError(t, store.Append(context.Background(), "doc-crash", Operation{
			ID: "op", Type: OpInsert, Position: 0, Content: "x", Author: "alice", Version: int64(i),
		}))
	}

	registry := NewHubRegistry(store, nil, nil, 0, 0)
	hub, err := registry.GetOrCreate(context.Background(), "doc-crash")
	require.NoError(t, err)
	assert.EqualValues(t, 100, hub.history.CurrentVersion())

	result, err := hub.Sync(context.Background(), 95)
	require.NoError(t, err)
	assert.EqualValues(t, 100, result.CurrentVersion)
	assert.Len(t, result.OperationsSince, 5)
}
