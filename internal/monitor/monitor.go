// Package monitor runs the reconciliation loop: observe the daemon,
// apply the observation to the fleet registry, and track daemon
// availability.
package monitor

import (
	"context"

	"github.com/alexos-labs/watchtower-agent/internal/clock"
	"github.com/alexos-labs/watchtower-agent/internal/config"
	"github.com/alexos-labs/watchtower-agent/internal/events"
	"github.com/alexos-labs/watchtower-agent/internal/faults"
	"github.com/alexos-labs/watchtower-agent/internal/fleet"
	"github.com/alexos-labs/watchtower-agent/internal/logging"
	"github.com/alexos-labs/watchtower-agent/internal/metrics"
	"github.com/alexos-labs/watchtower-agent/internal/runtime"
)

// Monitor owns the observation sweep. It is the only writer of
// ApplyObservation, so registry contents always reflect a single
// consistent pass over the daemon.
type Monitor struct {
	adapter  runtime.Adapter
	registry *fleet.Registry
	bus      *events.Bus
	cfg      *config.Config
	log      *logging.Logger
	clock    clock.Clock

	pokeCh chan struct{}

	// down tracks the daemon outage edge so each outage produces one
	// runtime.unavailable and one runtime.recovered event. Only touched
	// from the Run goroutine.
	down bool
}

// New creates a Monitor.
func New(adapter runtime.Adapter, registry *fleet.Registry, bus *events.Bus, cfg *config.Config, log *logging.Logger, clk clock.Clock) *Monitor {
	return &Monitor{
		adapter:  adapter,
		registry: registry,
		bus:      bus,
		cfg:      cfg,
		log:      log,
		clock:    clk,
		pokeCh:   make(chan struct{}, 1),
	}
}

// Run sweeps immediately, then on every check interval or poke until
// ctx is cancelled. The interval is re-read each cycle so config
// changes take effect on the next wait.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info("monitor started", "interval", m.cfg.CheckInterval())
	m.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return
		case <-m.clock.After(m.cfg.CheckInterval()):
		case <-m.pokeCh:
		}
		m.Sweep(ctx)
	}
}

// Poke requests an immediate sweep. Never blocks; a pending poke is
// enough.
func (m *Monitor) Poke() {
	select {
	case m.pokeCh <- struct{}{}:
	default:
	}
}

// Sweep performs one observation pass. A failed listing marks the
// daemon down and leaves the registry untouched so the last good view
// survives the outage.
func (m *Monitor) Sweep(ctx context.Context) {
	summaries, diags, err := m.adapter.List(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if !m.down {
			m.down = true
			metrics.RuntimeOutages.Inc()
			m.log.Error("container daemon unavailable", "error", err)
			m.bus.Emit(events.RuntimeUnavailable, "", events.RuntimeErrorPayload{Error: err.Error()})
		}
		return
	}
	if m.down {
		m.down = false
		m.log.Info("container daemon recovered")
		m.bus.Emit(events.RuntimeRecovered, "", nil)
	}
	for _, d := range diags {
		m.log.Warn("listing diagnostic", "id", d.ID, "error", d.Err)
	}

	filter, err := config.ParseLabelFilter(m.cfg.LabelFilter())
	if err != nil {
		// Validated at load and on every mutation; should not happen.
		m.log.Error("invalid label filter", "error", err)
		filter = nil
	}

	observed := make([]runtime.Details, 0, len(summaries))
	for _, s := range summaries {
		if !filter.Matches(s.Labels) {
			continue
		}
		details, err := m.adapter.Inspect(ctx, s.ID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if faults.IsKind(err, faults.NotFound) {
				// Vanished between list and inspect; the registry will
				// unregister it this pass.
				continue
			}
			// Transient inspect failure: keep the previous snapshot with
			// the freshly listed status so the container is not dropped.
			if rec, ok := m.registry.Get(s.ID); ok {
				stale := rec.Details
				stale.Summary = s
				observed = append(observed, stale)
			}
			m.log.Warn("inspect failed", "id", s.ID, "error", err)
			continue
		}
		observed = append(observed, details)
	}

	m.registry.ApplyObservation(observed)
}
