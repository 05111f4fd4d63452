package presence

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// idleExpiry is the default of spec.md §4.5's idle session timeout: a
// session with no activity for this long is torn down by the sweep,
// grounded on the teacher's 24-hour CleanupExpiredSessions window,
// shortened to match a live-editing session's much tighter liveness
// expectations. Overridable via SPEC_FULL.md §9's IDLE_SESSION_EXPIRY
// config knob (see NewManager).
const idleExpiry = 30 * time.Minute

// sweepInterval is how often the background GC checks for idle sessions,
// grounded on the teacher's recovery.go StartCleanupRoutine (hourly there;
// a 30-minute idle window needs a tighter sweep to stay meaningful).
const sweepInterval = 1 * time.Minute

// Session is one (document, user, connection) participancy record (spec.md
// §3 Session). Unlike the teacher's UserSession, it carries no admin flag
// and no room capacity concept — those were whiteboard-specific ownership
// rules this domain's Non-goals exclude.
type Session struct {
	SessionID      string    `json:"session_id" db:"session_id"`
	UserID         string    `json:"user_id" db:"user_id"`
	DocumentID     string    `json:"document_id" db:"document_id"`
	Color          string    `json:"color" db:"color"`
	CursorPosition int       `json:"cursor_position" db:"cursor_position"`
	SelectionStart int       `json:"selection_start" db:"selection_start"`
	SelectionEnd   int       `json:"selection_end" db:"selection_end"`
	JoinedAt       time.Time `json:"joined_at" db:"joined_at"`
	LastSeen       time.Time `json:"last_seen" db:"last_seen"`
}

// Manager tracks sessions in Redis for fast lookup across a horizontally
// scaled deployment (spec.md §3 Session, §10 domain stack), the same
// Redis-hash-per-entity pattern as the teacher's models/session.go, with
// an added in-process idle-expiry sweep (spec.md §4.5) the teacher left
// to a once-an-hour database cleanup job instead.
type Manager struct {
	redis *redis.Client

	mu         sync.Mutex
	onExpire   func(session Session)
	local      map[string]Session // sessionID -> cached copy, for the sweep
	idleExpiry time.Duration
}

// NewManager constructs a session manager backed by the given Redis
// client. idleSessionExpiry is SPEC_FULL.md §9's IDLE_SESSION_EXPIRY
// config knob; zero falls back to the spec §4.5 default. onExpire, if
// non-nil, is invoked (from the sweep goroutine) for every session the
// idle sweep removes, so callers can tell the owning Hub to drop that
// subscriber and broadcast a departure.
func NewManager(client *redis.Client, idleSessionExpiry time.Duration, onExpire func(session Session)) *Manager {
	if idleSessionExpiry <= 0 {
		idleSessionExpiry = idleExpiry
	}
	m := &Manager{
		redis:      client,
		onExpire:   onExpire,
		local:      make(map[string]Session),
		idleExpiry: idleSessionExpiry,
	}
	go m.sweepLoop()
	return m
}

// GenerateSessionID mirrors the teacher's UserService.GenerateUserID
// format (random hex suffix + unix timestamp), renamed to session scope
// since user identity here is supplied by the caller, not minted by this
// service (spec.md §1 Non-goals: no identity provider).
func GenerateSessionID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return fmt.Sprintf("sess_%s_%d", hex.EncodeToString(buf), time.Now().Unix()), nil
}

// Create registers a new session, caching it in Redis and locally for the
// idle sweep (spec.md §4.3 join).
func (m *Manager) Create(ctx context.Context, sessionID, userID, documentID string) (Session, error) {
	now := time.Now()
	s := Session{
		SessionID:  sessionID,
		UserID:     userID,
		DocumentID: documentID,
		Color:      ColorForUser(userID),
		JoinedAt:   now,
		LastSeen:   now,
	}

	if m.redis != nil {
		key := sessionKey(sessionID)
		fields := map[string]interface{}{
			"user_id":     userID,
			"document_id": documentID,
			"color":       s.Color,
			"joined_at":   now.Unix(),
			"last_seen":   now.Unix(),
		}
		if err := m.redis.HSet(ctx, key, fields).Err(); err != nil {
			return Session{}, fmt.Errorf("cache session: %w", err)
		}
		m.redis.Expire(ctx, key, m.idleExpiry)
	}

	m.mu.Lock()
	m.local[sessionID] = s
	m.mu.Unlock()

	return s, nil
}

// Touch refreshes last_seen and the cursor/selection snapshot (spec.md
// §4.3 update_cursor), resetting the idle-expiry clock.
func (m *Manager) Touch(ctx context.Context, sessionID string, cursor, selStart, selEnd int) {
	now := time.Now()

	m.mu.Lock()
	s, ok := m.local[sessionID]
	if ok {
		s.LastSeen = now
		s.CursorPosition = cursor
		s.SelectionStart = selStart
		s.SelectionEnd = selEnd
		m.local[sessionID] = s
	}
	m.mu.Unlock()

	if m.redis == nil {
		return
	}
	key := sessionKey(sessionID)
	m.redis.HSet(ctx, key, map[string]interface{}{
		"last_seen":       now.Unix(),
		"cursor_position": cursor,
		"selection_start": selStart,
		"selection_end":   selEnd,
	})
	m.redis.Expire(ctx, key, m.idleExpiry)
}

// Remove deletes a session explicitly (spec.md §4.3 leave), as opposed to
// letting it expire via the idle sweep.
func (m *Manager) Remove(ctx context.Context, sessionID string) {
	m.mu.Lock()
	delete(m.local, sessionID)
	m.mu.Unlock()

	if m.redis != nil {
		m.redis.Del(ctx, sessionKey(sessionID))
	}
}

// Get returns the cached session, if any is still tracked locally.
func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.local[sessionID]
	return s, ok
}

// Count returns how many sessions this process is currently tracking,
// used by the get_stats endpoint (spec.md §6.2) as a coarse active-user
// signal when no Hub is consulted directly.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.local)
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for range ticker.C {
		m.sweep()
	}
}

// sweep evicts sessions idle past idleExpiry (spec.md §4.5), grounded on
// the teacher's CleanupExpiredSessions but run far more frequently since
// this domain's idle window is minutes, not a day.
func (m *Manager) sweep() {
	m.mu.Lock()
	cutoff := time.Now().Add(-m.idleExpiry)
	var expired []Session
	for id, s := range m.local {
		if s.LastSeen.Before(cutoff) {
			expired = append(expired, s)
			delete(m.local, id)
		}
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	log.Printf("🧹 idle session sweep removed %d session(s)", len(expired))
	for _, s := range expired {
		if m.redis != nil {
			m.redis.Del(context.Background(), sessionKey(s.SessionID))
		}
		if m.onExpire != nil {
			m.onExpire(s)
		}
	}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}
