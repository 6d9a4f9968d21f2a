package events

import (
	"testing"
	"time"
)

// mockClock implements clock.Clock for testing.
type mockClock struct {
	now time.Time
}

func (c *mockClock) Now() time.Time { return c.now }
func (c *mockClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.now.Add(d)
	return ch
}
func (c *mockClock) Since(t time.Time) time.Duration { return c.now.Sub(t) }

func newBus(capacity int) *Bus {
	return New(capacity, &mockClock{now: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)})
}

func recvEvent(t *testing.T, ch <-chan Message) Event {
	t.Helper()
	select {
	case msg := <-ch:
		if msg.Event == nil {
			t.Fatalf("expected event, got gap from %d", msg.GapFrom)
		}
		return *msg.Event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestEmitAssignsSequence(t *testing.T) {
	bus := newBus(16)
	if got := bus.LastSequence(); got != 0 {
		t.Fatalf("LastSequence = %d before any emit, want 0", got)
	}
	for i := 1; i <= 3; i++ {
		evt := bus.Emit(ContainerRegistered, "c1", nil)
		if evt.Sequence != uint64(i) {
			t.Errorf("event %d: Sequence = %d", i, evt.Sequence)
		}
	}
	if got := bus.LastSequence(); got != 3 {
		t.Errorf("LastSequence = %d, want 3", got)
	}
}

func TestSubscribeReceivesLive(t *testing.T) {
	bus := newBus(16)
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Emit(UpdateAvailable, "c1", UpdateAvailablePayload{Name: "nginx"})

	got := recvEvent(t, ch)
	if got.Kind != UpdateAvailable {
		t.Errorf("Kind = %q, want %q", got.Kind, UpdateAvailable)
	}
	if got.ContainerID != "c1" {
		t.Errorf("ContainerID = %q, want c1", got.ContainerID)
	}
}

func TestSubscribeFromReplays(t *testing.T) {
	bus := newBus(16)
	bus.Emit(AgentStarted, "", nil)
	bus.Emit(ContainerRegistered, "c1", nil)
	bus.Emit(ContainerRegistered, "c2", nil)

	ch, cancel := bus.SubscribeFrom(2)
	defer cancel()

	first := recvEvent(t, ch)
	second := recvEvent(t, ch)
	if first.Sequence != 2 || second.Sequence != 3 {
		t.Errorf("replayed sequences %d, %d, want 2, 3", first.Sequence, second.Sequence)
	}

	// Live events continue after the replay.
	bus.Emit(ContainerUnregistered, "c1", nil)
	if got := recvEvent(t, ch); got.Sequence != 4 {
		t.Errorf("live sequence = %d, want 4", got.Sequence)
	}
}

func TestReplayDropsEvictedEvents(t *testing.T) {
	bus := newBus(2)
	for i := 0; i < 5; i++ {
		bus.Emit(ContainerStatusChanged, "c1", nil)
	}

	// Ring holds sequences 4 and 5; asking from 1 yields only those.
	ch, cancel := bus.SubscribeFrom(1)
	defer cancel()

	if got := recvEvent(t, ch); got.Sequence != 4 {
		t.Errorf("first replayed sequence = %d, want 4", got.Sequence)
	}
	if got := recvEvent(t, ch); got.Sequence != 5 {
		t.Errorf("second replayed sequence = %d, want 5", got.Sequence)
	}
}

func TestSlowSubscriberGetsGapMarker(t *testing.T) {
	bus := newBus(1) // subscriber channel capacity 1 + slack
	ch, cancel := bus.Subscribe()
	defer cancel()

	// Fill the subscriber buffer and then overflow it.
	buffered := cap(ch)
	for i := 0; i < buffered+2; i++ {
		bus.Emit(ContainerStatusChanged, "c1", nil)
	}

	// Drain what was delivered.
	for i := 0; i < buffered; i++ {
		msg := <-ch
		if msg.Event == nil {
			t.Fatalf("message %d: unexpected gap marker", i)
		}
	}

	// The next emit flushes the gap marker, then delivers the event.
	bus.Emit(ContainerStatusChanged, "c1", nil)

	select {
	case msg := <-ch:
		if msg.GapFrom != uint64(buffered+1) {
			t.Errorf("GapFrom = %d, want %d", msg.GapFrom, buffered+1)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for gap marker")
	}

	got := recvEvent(t, ch)
	if got.Sequence != uint64(buffered+3) {
		t.Errorf("post-gap sequence = %d, want %d", got.Sequence, buffered+3)
	}
}

func TestGapIsPerSubscriber(t *testing.T) {
	bus := newBus(1)
	slow, cancelSlow := bus.Subscribe()
	defer cancelSlow()

	for i := 0; i < cap(slow)+2; i++ {
		bus.Emit(ContainerStatusChanged, "c1", nil)
	}

	// A fresh subscriber sees clean live delivery despite the slow one.
	fresh, cancelFresh := bus.Subscribe()
	defer cancelFresh()
	evt := bus.Emit(ContainerStatusChanged, "c1", nil)

	got := recvEvent(t, fresh)
	if got.Sequence != evt.Sequence {
		t.Errorf("fresh subscriber sequence = %d, want %d", got.Sequence, evt.Sequence)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := newBus(16)
	ch, cancel := bus.Subscribe()
	cancel()

	// Emitting after cancel must not block or panic.
	bus.Emit(AgentStopped, "", nil)

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel to be closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestRecent(t *testing.T) {
	bus := newBus(8)
	for i := 0; i < 5; i++ {
		bus.Emit(ContainerRegistered, "c1", nil)
	}

	recent := bus.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("len(Recent(3)) = %d", len(recent))
	}
	if recent[0].Sequence != 3 || recent[2].Sequence != 5 {
		t.Errorf("Recent returned sequences %d..%d, want 3..5", recent[0].Sequence, recent[2].Sequence)
	}
	if got := bus.Recent(0); len(got) != 5 {
		t.Errorf("Recent(0) returned %d events, want all 5", len(got))
	}
}
