// Package transport is the bidirectional WebSocket session layer (spec.md
// §6.1), grounded on the teacher's websocket/client.go read/write pump
// pattern, generalized from room/stroke messages to the collab protocol's
// join/submit/batch/sync/presence frames and routed through
// collab.HubRegistry instead of a flat websocket.Hub room map.
package transport

import "encoding/json"

// inboundFrame is the envelope every client message arrives in (spec.md
// §6.1): type discriminates how data is interpreted.
type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// joinData is the shape of a join request. The transport does not read it:
// a connection joins through its URL path and user_id query parameter, and
// handleFrame accepts no "join" frame.
type joinData struct {
	DocumentID string `json:"document_id"`
	UserID     string `json:"user_id"`
}

// submitData is the payload of an inbound "submit_op" frame.
type submitData struct {
	BaseVersion int64       `json:"base_version"`
	Operation   opWire      `json:"operation"`
}

// opWire is the wire shape of a single operation the client sends before
// the server assigns it a version and a final author-stamped identity.
type opWire struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Position int    `json:"position"`
	Content  string `json:"content,omitempty"`
	Length   int    `json:"length,omitempty"`
}

// batchItemWire is one element of an inbound "submit_batch" frame.
type batchItemWire struct {
	Index     int    `json:"index"`
	Operation opWire `json:"operation"`
}

// batchData is the payload of an inbound "submit_batch" frame.
type batchData struct {
	BaseVersion int64           `json:"base_version"`
	Operations  []batchItemWire `json:"operations"`
}

// syncData is the payload of an inbound "sync" frame.
type syncData struct {
	KnownVersion int64 `json:"known_version"`
}

// cursorData is the payload of an inbound "update_cursor" frame.
type cursorData struct {
	CursorPosition int `json:"cursor_position"`
	SelectionStart int `json:"selection_start"`
	SelectionEnd   int `json:"selection_end"`
}

// outboundFrame is the envelope every server-initiated message is wrapped
// in before being written to the socket.
type outboundFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func marshal(frameType string, data interface{}) ([]byte, error) {
	return json.Marshal(outboundFrame{Type: frameType, Data: data})
}
