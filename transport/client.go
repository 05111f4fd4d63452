package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"collabtext/collab"
	"collabtext/presence"
)

// Keepalive timings, unchanged from the teacher's websocket/client.go.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// EnableCompression turns on gorilla/websocket's permessage-deflate
// negotiation, the replacement for the teacher's hand-rolled
// MessageCompressor (compression.go): batching of outbound frames is
// handled structurally now (collab.BatchResult, collab/batch.go), so the
// only compression concern left is per-message size, which the
// underlying library already does when both ends negotiate it.
var upgrader = websocket.Upgrader{
	ReadBufferSize:    1024,
	WriteBufferSize:   1024,
	EnableCompression: true,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server wires the WebSocket transport to the collaboration core: one
// HubRegistry for document actors, one session Manager for presence
// bookkeeping. It plays the role of the teacher's websocket.Hub, but owns
// no room map itself — that responsibility now belongs to each document's
// collab.Hub.
type Server struct {
	registry *collab.HubRegistry
	sessions *presence.Manager
}

// NewServer constructs the transport layer over an already-built registry
// and session manager.
func NewServer(registry *collab.HubRegistry, sessions *presence.Manager) *Server {
	return &Server{registry: registry, sessions: sessions}
}

// client is a single WebSocket connection bound to one document session.
// Mirrors the teacher's websocket.Client (conn/send/roomID/userID) with
// roomID/userID renamed to documentID/sessionID and a hub reference
// substituted for the room-map membership the teacher tracked externally.
type client struct {
	conn       *websocket.Conn
	send       chan []byte
	documentID string
	sessionID  string
	userID     string
	hub        *collab.Hub
	sessions   *presence.Manager
}

// ServeWs upgrades an HTTP request to a WebSocket connection. The
// document id is taken from the URL path (/ws/document/{id}), the same
// path-parsing convention as the teacher's ServeWs (/ws/room/{roomId}).
func (s *Server) ServeWs(w http.ResponseWriter, r *http.Request) {
	documentID, ok := parseDocumentID(r.URL.Path)
	if !ok {
		http.Error(w, "invalid document id in path", http.StatusBadRequest)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	conn.EnableWriteCompression(true)

	ctx := context.Background()
	hub, err := s.registry.GetOrCreate(ctx, documentID)
	if err != nil {
		log.Printf("❌ failed to get hub for document %s: %v", documentID, err)
		conn.Close()
		return
	}

	sessionID, err := presence.GenerateSessionID()
	if err != nil {
		log.Printf("❌ failed to generate session id: %v", err)
		conn.Close()
		return
	}

	color := presence.ColorForUser(userID)
	if _, err := s.sessions.Create(ctx, sessionID, userID, documentID); err != nil {
		log.Printf("❌ failed to create session %s: %v", sessionID, err)
	}

	joinResult, err := hub.Join(ctx, sessionID, userID, color)
	if err != nil {
		log.Printf("❌ join rejected for document %s: %v", documentID, err)
		conn.Close()
		return
	}

	c := &client{
		conn:       conn,
		send:       make(chan []byte, 256),
		documentID: documentID,
		sessionID:  sessionID,
		userID:     userID,
		hub:        hub,
		sessions:   s.sessions,
	}

	welcome, err := marshal("joined", map[string]interface{}{
		"session_id":       sessionID,
		"current_version":  joinResult.CurrentVersion,
		"snapshot":         joinResult.SnapshotText,
		"active_presences": joinResult.ActivePresences,
		"color":            color,
	})
	if err == nil {
		c.send <- welcome
	}

	go c.forwardOutbound(joinResult.Outbound)
	go c.writePump()
	log.Printf("👋 session %s (%s) joined document %s", sessionID, userID, documentID)
	c.readPump()
}

// forwardOutbound relays frames the Hub broadcasts into this connection's
// own send channel, so writePump remains the single writer to the socket.
func (c *client) forwardOutbound(hubOutbound <-chan []byte) {
	for msg := range hubOutbound {
		select {
		case c.send <- msg:
		default:
			log.Printf("⚠️ dropping broadcast to slow client %s (document %s)", c.sessionID, c.documentID)
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.Leave(c.sessionID)
		c.sessions.Remove(context.Background(), c.sessionID)
		c.conn.Close()
		log.Printf("👋 session %s left document %s", c.sessionID, c.documentID)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			break
		}
		c.handleFrame(message)
	}
}

func (c *client) handleFrame(raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		log.Printf("error decoding frame from session %s: %v", c.sessionID, err)
		return
	}

	ctx := context.Background()
	switch frame.Type {
	case "submit_op":
		c.handleSubmit(ctx, frame.Data)
	case "submit_batch":
		c.handleBatch(ctx, frame.Data)
	case "sync":
		c.handleSync(ctx, frame.Data)
	case "update_cursor":
		c.handleCursor(frame.Data)
	default:
		log.Printf("unknown frame type %q from session %s", frame.Type, c.sessionID)
	}
}

func (c *client) handleSubmit(ctx context.Context, raw json.RawMessage) {
	var data submitData
	if err := json.Unmarshal(raw, &data); err != nil {
		c.sendError(fmt.Errorf("invalid submit_op payload: %w", err))
		return
	}

	op := collab.Operation{
		ID:       data.Operation.ID,
		Type:     collab.OpType(data.Operation.Type),
		Position: data.Operation.Position,
		Content:  data.Operation.Content,
		Length:   data.Operation.Length,
		Author:   c.userID,
	}

	accepted, err := c.hub.Submit(ctx, op, data.BaseVersion)
	if err != nil {
		c.sendError(err)
		return
	}
	if payload, err := marshal("ack", accepted); err == nil {
		c.send <- payload
	}
}

func (c *client) handleBatch(ctx context.Context, raw json.RawMessage) {
	var data batchData
	if err := json.Unmarshal(raw, &data); err != nil {
		c.sendError(fmt.Errorf("invalid submit_batch payload: %w", err))
		return
	}

	items := make([]collab.BatchItem, len(data.Operations))
	for i, item := range data.Operations {
		items[i] = collab.BatchItem{
			Index: item.Index,
			Op: collab.Operation{
				ID:       item.Operation.ID,
				Type:     collab.OpType(item.Operation.Type),
				Position: item.Operation.Position,
				Content:  item.Operation.Content,
				Length:   item.Operation.Length,
				Author:   c.userID,
			},
		}
	}

	result, err := c.hub.SubmitBatch(ctx, items, data.BaseVersion)
	if err != nil {
		c.sendError(err)
		return
	}
	if payload, err := marshal("batch_result", result); err == nil {
		c.send <- payload
	}
}

func (c *client) handleSync(ctx context.Context, raw json.RawMessage) {
	var data syncData
	if err := json.Unmarshal(raw, &data); err != nil {
		c.sendError(fmt.Errorf("invalid sync payload: %w", err))
		return
	}

	result, err := c.hub.Sync(ctx, data.KnownVersion)
	if err != nil {
		c.sendError(err)
		return
	}
	if payload, err := marshal("sync_response", result); err == nil {
		c.send <- payload
	}
}

func (c *client) handleCursor(raw json.RawMessage) {
	var data cursorData
	if err := json.Unmarshal(raw, &data); err != nil {
		log.Printf("invalid update_cursor payload from session %s: %v", c.sessionID, err)
		return
	}
	c.hub.UpdatePresence(c.sessionID, data.CursorPosition, data.SelectionStart, data.SelectionEnd)
	c.sessions.Touch(context.Background(), c.sessionID, data.CursorPosition, data.SelectionStart, data.SelectionEnd)
}

func (c *client) sendError(err error) {
	payload, marshalErr := marshal("error", map[string]string{
		"code":    errorCode(err),
		"message": err.Error(),
	})
	if marshalErr != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// errorCode maps a collab sentinel error onto the wire code spec.md §6.1's
// error frame table specifies, the WebSocket transport's counterpart to
// api/handlers.go's writeError HTTP status mapping.
func errorCode(err error) string {
	switch {
	case errors.Is(err, collab.ErrStaleBase):
		return "STALE_BASE"
	case errors.Is(err, collab.ErrInvalidPosition):
		return "INVALID_POSITION"
	case errors.Is(err, collab.ErrOverloaded):
		return "OVERLOADED"
	case errors.Is(err, collab.ErrUnknownDocument):
		return "UNKNOWN_DOCUMENT"
	default:
		return "INTERNAL"
	}
}

// writePump is unchanged from the teacher's: single writer to the socket,
// periodic pings, opportunistic coalescing of queued messages.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// parseDocumentID extracts {id} from a "/ws/document/{id}" path, the same
// manual split the teacher used for "/ws/room/{roomId}".
func parseDocumentID(path string) (string, bool) {
	parts := strings.Split(path, "/")
	if len(parts) >= 4 && parts[2] == "document" {
		return parts[3], true
	}
	return "", false
}
