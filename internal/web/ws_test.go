package web

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alexos-labs/watchtower-agent/internal/events"
)

// wsFrame covers both server push shapes: event envelopes and control
// messages (gap/pong/error).
type wsFrame struct {
	Type        string      `json:"type"`
	From        uint64      `json:"from"`
	Sequence    uint64      `json:"sequence"`
	Kind        events.Kind `json:"kind"`
	ContainerID string      `json:"container_id"`
}

func dialWS(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(f.srv.Handler())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wsFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestWSSubscribeAndStream(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)

	// Replay from sequence 1: whether the emit below lands before or
	// after the server-side subscription, the event arrives.
	if err := conn.WriteJSON(wsClientMessage{Action: "subscribe", FromSequence: 1}); err != nil {
		t.Fatal(err)
	}

	f.bus.Emit(events.UpdateAvailable, "c1", events.UpdateAvailablePayload{Name: "web"})

	frame := readFrame(t, conn)
	if frame.Kind != events.UpdateAvailable || frame.ContainerID != "c1" {
		t.Errorf("frame = %+v", frame)
	}
	if frame.Sequence == 0 {
		t.Error("event frame missing sequence")
	}
}

func TestWSReplayFromSequence(t *testing.T) {
	f := newFixture(t)
	f.bus.Emit(events.ContainerRegistered, "c1", nil)
	f.bus.Emit(events.ContainerRegistered, "c2", nil)
	f.bus.Emit(events.ContainerRegistered, "c3", nil)

	conn := dialWS(t, f)
	if err := conn.WriteJSON(wsClientMessage{Action: "subscribe", FromSequence: 2}); err != nil {
		t.Fatal(err)
	}

	for _, want := range []uint64{2, 3} {
		frame := readFrame(t, conn)
		if frame.Sequence != want {
			t.Fatalf("frame = %+v, want sequence %d", frame, want)
		}
	}
}

func TestWSRejectsNonSubscribe(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)

	if err := conn.WriteJSON(wsClientMessage{Action: "ping"}); err != nil {
		t.Fatal(err)
	}
	if frame := readFrame(t, conn); frame.Type != "error" {
		t.Errorf("frame = %q, want error", frame.Type)
	}
}

func TestWSPong(t *testing.T) {
	f := newFixture(t)
	conn := dialWS(t, f)

	if err := conn.WriteJSON(wsClientMessage{Action: "subscribe"}); err != nil {
		t.Fatal(err)
	}

	if err := conn.WriteJSON(wsClientMessage{Action: "ping"}); err != nil {
		t.Fatal(err)
	}
	if frame := readFrame(t, conn); frame.Type != "pong" {
		t.Errorf("frame = %q, want pong", frame.Type)
	}
}
