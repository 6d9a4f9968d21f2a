// Package notify forwards selected agent events to external systems:
// the structured log, a generic webhook, and an MQTT broker.
package notify

import (
	"context"
	"sync"

	"github.com/alexos-labs/watchtower-agent/internal/events"
)

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event events.Event) error
	Name() string
}

// Logger is the minimal logging surface notifiers need.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers. Failures are logged but
// never propagated: notifications must not block updates.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
func (m *Multi) Notify(ctx context.Context, event events.Event) {
	m.mu.RLock()
	targets := m.notifiers
	m.mu.RUnlock()

	for _, n := range targets {
		if err := n.Send(ctx, event); err != nil {
			m.log.Warn("notification failed", "notifier", n.Name(), "kind", event.Kind, "error", err)
		}
	}
}

// Len returns the number of registered notifiers.
func (m *Multi) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.notifiers)
}

// forwardedKinds are the events worth waking an external system for.
var forwardedKinds = map[events.Kind]bool{
	events.UpdateAvailable:    true,
	events.UpdateApplied:      true,
	events.UpdateFailed:       true,
	events.RuntimeUnavailable: true,
	events.RuntimeRecovered:   true,
}

// Forward subscribes to the bus and pushes forwardable events through
// the dispatcher until ctx is cancelled. Run it in its own goroutine.
func (m *Multi) Forward(ctx context.Context, bus *events.Bus) {
	if m.Len() == 0 {
		return
	}
	ch, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Event == nil || !forwardedKinds[msg.Event.Kind] {
				continue
			}
			m.Notify(ctx, *msg.Event)
		}
	}
}
