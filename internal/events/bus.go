// Package events provides the agent's sequenced event bus: an
// in-process fan-out with a bounded replay ring. The sequence number is
// the canonical ordering for external observers.
package events

import (
	"sync"
	"time"

	"github.com/alexos-labs/watchtower-agent/internal/clock"
	"github.com/alexos-labs/watchtower-agent/internal/metrics"
)

// Kind identifies a domain event.
type Kind string

const (
	AgentStarted           Kind = "agent.started"
	AgentStopped           Kind = "agent.stopped"
	ContainerRegistered    Kind = "container.registered"
	ContainerUnregistered  Kind = "container.unregistered"
	ContainerStatusChanged Kind = "container.status_changed"
	UpdateAvailable        Kind = "update.available"
	UpdateStarted          Kind = "update.started"
	UpdateApplied          Kind = "update.applied"
	UpdateFailed           Kind = "update.failed"
	RuntimeUnavailable     Kind = "runtime.unavailable"
	RuntimeRecovered       Kind = "runtime.recovered"
)

// Event is one domain occurrence. Payload shapes are the typed structs
// below; they marshal into the tagged JSON envelope the dashboard and
// the orchestration plane consume.
type Event struct {
	Sequence    uint64    `json:"sequence"`
	Kind        Kind      `json:"kind"`
	At          time.Time `json:"at"`
	ContainerID string    `json:"container_id,omitempty"`
	Payload     any       `json:"payload,omitempty"`
}

// StartedPayload announces a process (re)start; its presence as the
// first event tells consumers the sequence counter has reset.
type StartedPayload struct {
	Version string `json:"version"`
}

// StatusChangedPayload carries a container status transition.
type StatusChangedPayload struct {
	Name      string `json:"name"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// RegisteredPayload describes a newly monitored container.
type RegisteredPayload struct {
	Name     string `json:"name"`
	ImageRef string `json:"image_ref"`
}

// UnregisteredPayload names the container that left the fleet.
type UnregisteredPayload struct {
	Name string `json:"name"`
}

// UpdateAvailablePayload carries the digest pair of a detected update.
type UpdateAvailablePayload struct {
	Name      string `json:"name"`
	OldDigest string `json:"old_digest"`
	NewDigest string `json:"new_digest"`
}

// UpdateAppliedPayload reports a completed replace.
type UpdateAppliedPayload struct {
	Name      string `json:"name"`
	OldDigest string `json:"old_digest"`
	NewDigest string `json:"new_digest"`
	NewID     string `json:"new_id"`
}

// UpdateFailedPayload reports a failed apply with its fault kind.
// RolledBack says whether the old container is running again; when a
// rollback was attempted and also failed, RollbackError carries that
// nested cause and the container is down.
type UpdateFailedPayload struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Error         string `json:"error"`
	RolledBack    bool   `json:"rolled_back"`
	RollbackError string `json:"rollback_error,omitempty"`
}

// RuntimeErrorPayload carries the daemon error behind an outage event.
type RuntimeErrorPayload struct {
	Error string `json:"error,omitempty"`
}

// Message is what subscribers receive: either an event or a gap marker
// telling this subscriber that events starting at GapFrom were dropped
// for it. Other subscribers are unaffected by a gap.
type Message struct {
	Event   *Event `json:"event,omitempty"`
	GapFrom uint64 `json:"gap_from,omitempty"`
}

// subscriberSlack is buffer headroom beyond the replay ring so a
// subscriber can absorb a full replay plus a burst of live events.
const subscriberSlack = 16

// Bus is the sequenced fan-out bus. Emit never blocks: a subscriber
// that cannot keep up has events dropped for it and receives a gap
// marker once it drains.
type Bus struct {
	mu      sync.Mutex
	clock   clock.Clock
	ring    []Event // chronological; len <= capacity
	cap     int
	nextSeq uint64
	subs    map[uint64]*subscriber
	nextSub uint64
}

type subscriber struct {
	ch      chan Message
	gapFrom uint64 // first dropped sequence; 0 = no pending gap
}

// New creates a Bus with the given replay-ring capacity.
func New(capacity int, clk clock.Clock) *Bus {
	if capacity < 1 {
		capacity = 1
	}
	return &Bus{
		clock:   clk,
		cap:     capacity,
		nextSeq: 1,
		subs:    make(map[uint64]*subscriber),
	}
}

// Emit assigns the next sequence number, stores the event in the ring,
// and fans it out to all subscribers.
func (b *Bus) Emit(kind Kind, containerID string, payload any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	evt := Event{
		Sequence:    b.nextSeq,
		Kind:        kind,
		At:          b.clock.Now(),
		ContainerID: containerID,
		Payload:     payload,
	}
	b.nextSeq++
	metrics.EventsEmitted.WithLabelValues(string(kind)).Inc()

	if len(b.ring) == b.cap {
		b.ring = b.ring[1:]
	}
	b.ring = append(b.ring, evt)

	for _, sub := range b.subs {
		b.deliver(sub, evt)
	}
	return evt
}

// deliver sends evt to one subscriber, flushing any pending gap marker
// first. Called with the bus lock held.
func (b *Bus) deliver(sub *subscriber, evt Event) {
	if sub.gapFrom != 0 {
		select {
		case sub.ch <- Message{GapFrom: sub.gapFrom}:
			sub.gapFrom = 0
		default:
			// Still stuck; the event below extends the gap.
		}
	}
	if sub.gapFrom != 0 {
		return
	}
	e := evt
	select {
	case sub.ch <- Message{Event: &e}:
	default:
		sub.gapFrom = evt.Sequence
	}
}

// Subscribe returns a stream of live events and a cancel function. The
// caller must invoke cancel to release the subscription.
func (b *Bus) Subscribe() (<-chan Message, func()) {
	return b.subscribe(0, false)
}

// SubscribeFrom is Subscribe plus a replay of buffered events with
// sequence >= from, delivered before any live event. Events already
// evicted from the ring are not replayed.
func (b *Bus) SubscribeFrom(from uint64) (<-chan Message, func()) {
	return b.subscribe(from, true)
}

func (b *Bus) subscribe(from uint64, replay bool) (<-chan Message, func()) {
	b.mu.Lock()
	ch := make(chan Message, b.cap+subscriberSlack)
	if replay {
		for i := range b.ring {
			if b.ring[i].Sequence >= from {
				e := b.ring[i]
				ch <- Message{Event: &e}
			}
		}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = &subscriber{ch: ch}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel
}

// Recent returns up to n buffered events, oldest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.ring) {
		n = len(b.ring)
	}
	out := make([]Event, n)
	copy(out, b.ring[len(b.ring)-n:])
	return out
}

// LastSequence returns the most recently assigned sequence number, or 0
// if nothing has been emitted.
func (b *Bus) LastSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq - 1
}
