package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alexos-labs/watchtower-agent/internal/events"
)

func TestWebhookSend(t *testing.T) {
	received := make(chan events.Event, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt events.Event
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		received <- evt
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	wh := NewWebhook(ts.URL)
	err := wh.Send(context.Background(), events.Event{
		Sequence: 7,
		Kind:     events.UpdateApplied,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := <-received
	if got.Sequence != 7 || got.Kind != events.UpdateApplied {
		t.Errorf("received = %+v", got)
	}
}

func TestWebhookSendNon2xx(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	wh := NewWebhook(ts.URL)
	if err := wh.Send(context.Background(), events.Event{Kind: events.UpdateFailed}); err == nil {
		t.Error("expected error for 502 response")
	}
}
