package fleet

import (
	"sort"
	"sync"
	"time"

	"github.com/alexos-labs/watchtower-agent/internal/clock"
	"github.com/alexos-labs/watchtower-agent/internal/events"
	"github.com/alexos-labs/watchtower-agent/internal/faults"
	"github.com/alexos-labs/watchtower-agent/internal/logging"
	"github.com/alexos-labs/watchtower-agent/internal/runtime"
)

// Registry holds the authoritative view of the monitored fleet.
// Observations come in through ApplyObservation (monitor loop only);
// update-state changes come in through SetState and SetCandidate.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Record
	bus   *events.Bus
	log   *logging.Logger
	clock clock.Clock

	lastSweep time.Time
}

// NewRegistry creates an empty Registry that publishes lifecycle events
// on bus.
func NewRegistry(bus *events.Bus, log *logging.Logger, clk clock.Clock) *Registry {
	return &Registry{
		byID:  make(map[string]*Record),
		bus:   bus,
		log:   log,
		clock: clk,
	}
}

// ApplyObservation reconciles a full daemon observation into the
// registry: registers new containers, updates changed ones, and
// unregisters the missing. A container that disappears while its update
// is applying stays registered until the update settles; the engine
// replaces the old record itself.
func (r *Registry) ApplyObservation(observed []runtime.Details) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSweep = now

	seen := make(map[string]bool, len(observed))
	for _, d := range observed {
		seen[d.ID] = true
		rec, ok := r.byID[d.ID]
		if !ok {
			r.byID[d.ID] = &Record{
				Details:        d,
				State:          StateIdle,
				LastTransition: now,
				Fingerprint:    Fingerprint(d),
				FirstSeen:      now,
				LastObserved:   now,
			}
			r.log.Info("container registered", "name", d.Name, "id", shortID(d.ID), "image", d.ImageRef)
			r.bus.Emit(events.ContainerRegistered, d.ID, events.RegisteredPayload{
				Name:     d.Name,
				ImageRef: d.ImageRef,
			})
			continue
		}

		if rec.Details.Status != d.Status {
			r.log.Info("container status changed", "name", d.Name,
				"old", rec.Details.Status, "new", d.Status)
			r.bus.Emit(events.ContainerStatusChanged, d.ID, events.StatusChangedPayload{
				Name:      d.Name,
				OldStatus: rec.Details.Status,
				NewStatus: d.Status,
			})
		}
		rec.Details = d
		rec.Fingerprint = Fingerprint(d)
		rec.LastObserved = now
		rec.removalPending = false
	}

	for id, rec := range r.byID {
		if seen[id] {
			continue
		}
		if rec.State == StateUpdating {
			// The engine is mid-replace; the old container being gone is
			// expected. Defer the decision until the update settles.
			rec.removalPending = true
			continue
		}
		r.unregisterLocked(rec)
	}
}

// Replace swaps an updated container's record for its successor,
// carrying lifecycle timestamps over. The successor keeps the old
// record's identity in the fleet even though the daemon sees a new ID.
func (r *Registry) Replace(oldID string, d runtime.Details) error {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.byID[oldID]
	if !ok {
		return faults.New(faults.NotFound, "no record for container "+shortID(oldID))
	}
	delete(r.byID, oldID)
	r.byID[d.ID] = &Record{
		Details:        d,
		State:          StateUpdated,
		LastTransition: now,
		Fingerprint:    Fingerprint(d),
		FirstSeen:      old.FirstSeen,
		LastObserved:   now,
	}
	return nil
}

// unregisterLocked removes a record and emits the event. Caller holds
// the write lock.
func (r *Registry) unregisterLocked(rec *Record) {
	delete(r.byID, rec.ID())
	r.log.Info("container unregistered", "name", rec.Name(), "id", shortID(rec.ID()))
	r.bus.Emit(events.ContainerUnregistered, rec.ID(), events.UnregisteredPayload{
		Name: rec.Name(),
	})
}

// SettleRemoval unregisters a container whose removal was deferred
// while it was updating. No-op when the container reappeared.
func (r *Registry) SettleRemoval(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byID[id]; ok && rec.removalPending {
		r.unregisterLocked(rec)
	}
}

// SetState moves a container through the update state machine,
// rejecting illegal transitions with a Conflict fault. lastErr is
// recorded on the transition into StateFailed and cleared otherwise.
func (r *Registry) SetState(id string, to UpdateState, lastErr string) error {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return faults.New(faults.NotFound, "no record for container "+shortID(id))
	}
	if !CanTransition(rec.State, to) {
		return transitionErr(rec.Name(), rec.State, to)
	}
	rec.State = to
	rec.LastTransition = now
	if to == StateFailed {
		rec.LastError = lastErr
	} else {
		rec.LastError = ""
	}
	if to == StateIdle || to == StateChecking {
		rec.CandidateDigest = ""
	}
	return nil
}

// SetCandidate records the digest a pending update would move to.
func (r *Registry) SetCandidate(id, digest string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byID[id]; ok {
		rec.CandidateDigest = digest
	}
}

// Get returns a copy of the record for a container ID.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Resolve finds a record by full ID, unambiguous ID prefix, or name.
func (r *Registry) Resolve(ref string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.byID[ref]; ok {
		return *rec, true
	}
	var match *Record
	for id, rec := range r.byID {
		if rec.Name() == ref {
			return *rec, true
		}
		if len(ref) >= 8 && len(id) > len(ref) && id[:len(ref)] == ref {
			if match != nil {
				return Record{}, false
			}
			match = rec
		}
	}
	if match != nil {
		return *match, true
	}
	return Record{}, false
}

// Snapshot returns copies of all records, sorted by name.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Counts returns total and running container counts.
func (r *Registry) Counts() (total, running int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total = len(r.byID)
	for _, rec := range r.byID {
		if rec.Details.Running {
			running++
		}
	}
	return total, running
}

// LastSweep returns the time of the most recent applied observation.
func (r *Registry) LastSweep() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSweep
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
