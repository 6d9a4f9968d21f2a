package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alexos-labs/watchtower-agent/internal/events"
)

const (
	// subscribeWait bounds how long a fresh connection may sit silent
	// before sending its subscribe message.
	subscribeWait = 10 * time.Second

	wsWriteWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The agent binds to an operator-controlled address; cross-origin
	// browsers are not part of the trust model.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClientMessage is what clients send: a subscribe to open the stream,
// then optional pings.
type wsClientMessage struct {
	Action       string `json:"action"`
	FromSequence uint64 `json:"from_sequence"`
}

// wsControl is a non-event server push: a gap marker, a pong, or a
// handshake error. Events themselves go out as bare envelopes.
type wsControl struct {
	Type string `json:"type"` // gap | pong | error
	From uint64 `json:"from,omitempty"`
}

// handleWS streams sequenced events over a WebSocket. The client opens
// with {"action":"subscribe","from_sequence":N}; N > 0 replays buffered
// events from that sequence, 0 starts live. Events are pushed as their
// JSON envelopes; a {"type":"gap","from":N} control message tells the
// client events were dropped for it and names the first missing
// sequence.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.deps.Log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(subscribeWait))
	var sub wsClientMessage
	if err := conn.ReadJSON(&sub); err != nil || sub.Action != "subscribe" {
		_ = writeWS(conn, wsControl{Type: "error"})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	var msgCh <-chan events.Message
	var cancel func()
	if sub.FromSequence > 0 {
		msgCh, cancel = s.deps.Bus.SubscribeFrom(sub.FromSequence)
	} else {
		msgCh, cancel = s.deps.Bus.Subscribe()
	}
	defer cancel()

	// Reader goroutine: surfaces pings and detects close. Closing pingCh
	// ends the writer loop below.
	pingCh := make(chan struct{}, 1)
	go func() {
		defer close(pingCh)
		for {
			var msg wsClientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Action == "ping" {
				select {
				case pingCh <- struct{}{}:
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case _, ok := <-pingCh:
			if !ok {
				return
			}
			if err := writeWS(conn, wsControl{Type: "pong"}); err != nil {
				return
			}
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			var payload any = msg.Event
			if msg.GapFrom != 0 {
				payload = wsControl{Type: "gap", From: msg.GapFrom}
			}
			if err := writeWS(conn, payload); err != nil {
				return
			}
		}
	}
}

func writeWS(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(v)
}
