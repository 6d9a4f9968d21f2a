// Package fleet tracks the monitored container population. The Registry
// is the single source of truth other components read; only the monitor
// loop writes observations into it.
package fleet

import (
	"time"

	"github.com/alexos-labs/watchtower-agent/internal/faults"
	"github.com/alexos-labs/watchtower-agent/internal/runtime"
)

// UpdateState is the per-container position in the update lifecycle.
type UpdateState string

const (
	StateIdle            UpdateState = "idle"
	StateChecking        UpdateState = "checking"
	StateUpdateAvailable UpdateState = "update_available"
	StateUpdating        UpdateState = "updating"
	StateUpdated         UpdateState = "updated"
	StateFailed          UpdateState = "failed"
)

// transitions lists the legal moves of the update state machine.
var transitions = map[UpdateState][]UpdateState{
	StateIdle:            {StateChecking},
	StateChecking:        {StateIdle, StateUpdateAvailable, StateFailed},
	StateUpdateAvailable: {StateUpdating, StateChecking, StateIdle},
	StateUpdating:        {StateUpdated, StateFailed},
	StateUpdated:         {StateIdle, StateChecking},
	StateFailed:          {StateIdle, StateChecking},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to UpdateState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Record is one monitored container as the agent knows it. Details is
// the recreation-grade inspection snapshot; it may lag the live
// container by up to one monitor interval.
type Record struct {
	Details runtime.Details `json:"details"`

	State           UpdateState `json:"state"`
	LastTransition  time.Time   `json:"last_transition"`
	LastError       string      `json:"last_error,omitempty"`
	CandidateDigest string      `json:"candidate_digest,omitempty"`

	// Fingerprint is the hash of the replicable configuration, used to
	// prove recreation preserved it. Empty when inspection failed to
	// produce a complete snapshot.
	Fingerprint string `json:"fingerprint,omitempty"`

	FirstSeen    time.Time `json:"first_seen"`
	LastObserved time.Time `json:"last_observed"`

	// removalPending marks a container that vanished from the daemon
	// while an update was applying; it is unregistered once the update
	// settles.
	removalPending bool
}

// ID returns the container ID.
func (r *Record) ID() string { return r.Details.ID }

// Name returns the container name.
func (r *Record) Name() string { return r.Details.Name }

// Updatable reports whether the record may begin an update check.
func (r *Record) Updatable() bool {
	return r.State != StateUpdating && r.State != StateChecking
}

// transitionErr builds the Conflict fault for an illegal state change.
func transitionErr(name string, from, to UpdateState) error {
	return faults.Newf(faults.Conflict, "container %s: cannot move %s -> %s", name, from, to)
}
