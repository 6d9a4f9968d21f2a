package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/alexos-labs/watchtower-agent/internal/config"
	"github.com/alexos-labs/watchtower-agent/internal/engine"
	"github.com/alexos-labs/watchtower-agent/internal/faults"
	"github.com/alexos-labs/watchtower-agent/internal/fleet"
	"github.com/alexos-labs/watchtower-agent/internal/runtime"
)

// containerView is the listing representation of a monitored container.
type containerView struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	ImageRef        string    `json:"image_ref"`
	ImageDigest     string    `json:"image_digest,omitempty"`
	Status          string    `json:"status"`
	State           string    `json:"state"`
	CandidateDigest string    `json:"candidate_digest,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	FirstSeen       time.Time `json:"first_seen"`
	LastObserved    time.Time `json:"last_observed"`
}

func viewOf(rec fleet.Record) containerView {
	return containerView{
		ID:              rec.ID(),
		Name:            rec.Name(),
		ImageRef:        rec.Details.ImageRef,
		ImageDigest:     rec.Details.ImageDigest,
		Status:          rec.Details.Status,
		State:           string(rec.State),
		CandidateDigest: rec.CandidateDigest,
		LastError:       rec.LastError,
		FirstSeen:       rec.FirstSeen,
		LastObserved:    rec.LastObserved,
	}
}

// apiStatus reports the agent's overall state.
func (s *Server) apiStatus(w http.ResponseWriter, r *http.Request) {
	total, running := s.deps.Registry.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "running",
		"version":              s.deps.Version,
		"monitored_containers": total,
		"running_containers":   running,
		"auto_update":          s.deps.Config.AutoUpdate(),
		"last_sweep":           s.deps.Registry.LastSweep(),
		"last_check":           s.deps.Engine.LastCheck(),
		"update_history_count": s.deps.History.Len(),
		"last_sequence":        s.deps.Bus.LastSequence(),
	})
}

// apiStats reports fleet and update counters for dashboards.
func (s *Server) apiStats(w http.ResponseWriter, r *http.Request) {
	total, running := s.deps.Registry.Counts()
	dayAgo := s.deps.Clock.Now().Add(-24 * time.Hour)

	agentStatus := "running"
	if err := s.deps.Runtime.Ping(r.Context()); err != nil {
		agentStatus = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"containers": map[string]int{
			"total":   total,
			"running": running,
			"stopped": total - running,
		},
		"updates": map[string]int{
			"total":      s.deps.History.Len(),
			"recent_24h": s.deps.History.CountSince(dayAgo),
		},
		"last_check":   s.deps.Engine.LastCheck(),
		"last_sweep":   s.deps.Registry.LastSweep(),
		"agent_status": agentStatus,
	})
}

// apiContainers lists the monitored fleet.
func (s *Server) apiContainers(w http.ResponseWriter, r *http.Request) {
	records := s.deps.Registry.Snapshot()
	views := make([]containerView, 0, len(records))
	for _, rec := range records {
		views = append(views, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

// apiContainerDetail returns the full record for one container,
// resolvable by ID, ID prefix, or name.
func (s *Server) apiContainerDetail(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.resolve(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"container":   viewOf(rec),
		"details":     rec.Details,
		"fingerprint": rec.Fingerprint,
	})
}

// apiUpdate triggers a check-and-apply for one container. The work runs
// in the background; conflicts with an in-flight update are rejected
// up front.
func (s *Server) apiUpdate(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.resolve(w, r)
	if !ok {
		return
	}
	if rec.State == fleet.StateUpdating {
		writeFault(w, faults.New(faults.Conflict, "container "+rec.Name()+" is already updating"))
		return
	}

	// Detached context: the check outlives the HTTP request.
	go func() {
		if _, err := s.deps.Engine.TriggerUpdate(context.Background(), rec.ID()); err != nil {
			s.deps.Log.Warn("triggered update failed", "name", rec.Name(), "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": rec.ID()})
}

// apiDismiss drops a detected update without applying it.
func (s *Server) apiDismiss(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.resolve(w, r)
	if !ok {
		return
	}
	if err := s.deps.Engine.Dismiss(rec.ID()); err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed", "id": rec.ID()})
}

// controlAction runs a daemon operation in the background and pokes the
// monitor so the registry catches up promptly.
func (s *Server) controlAction(w http.ResponseWriter, r *http.Request, verb string,
	op func(ctx context.Context, id string) error) {
	rec, ok := s.resolve(w, r)
	if !ok {
		return
	}
	if rec.State == fleet.StateUpdating {
		writeFault(w, faults.New(faults.Conflict, "container "+rec.Name()+" is updating"))
		return
	}

	go func() {
		if err := op(context.Background(), rec.ID()); err != nil {
			s.deps.Log.Warn(verb+" failed", "name", rec.Name(), "error", err)
		}
		s.deps.Monitor.Poke()
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": rec.ID()})
}

func (s *Server) apiRestart(w http.ResponseWriter, r *http.Request) {
	s.controlAction(w, r, "restart", s.deps.Runtime.Restart)
}

func (s *Server) apiStop(w http.ResponseWriter, r *http.Request) {
	s.controlAction(w, r, "stop", func(ctx context.Context, id string) error {
		return s.deps.Runtime.Stop(ctx, id, s.deps.Config.StopGrace)
	})
}

func (s *Server) apiStart(w http.ResponseWriter, r *http.Request) {
	s.controlAction(w, r, "start", s.deps.Runtime.Start)
}

func (s *Server) apiRemove(w http.ResponseWriter, r *http.Request) {
	s.controlAction(w, r, "remove", func(ctx context.Context, id string) error {
		return s.deps.Runtime.Remove(ctx, id, true)
	})
}

// apiUpdates returns recent update attempts, newest first.
func (s *Server) apiUpdates(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	records := s.deps.History.Recent(limit)
	if records == nil {
		records = []engine.UpdateRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// apiCheckUpdates triggers an immediate check sweep.
func (s *Server) apiCheckUpdates(w http.ResponseWriter, r *http.Request) {
	s.deps.Monitor.Poke()
	s.deps.Engine.TriggerCheck()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// apiGetConfig returns the mutable configuration.
func (s *Server) apiGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Config.View())
}

// apiPutConfig applies a partial configuration update. Invalid fields
// reject the whole request; nothing is applied partially.
func (s *Server) apiPutConfig(w http.ResponseWriter, r *http.Request) {
	var update config.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if fieldErrs := s.deps.Config.Apply(update); len(fieldErrs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "invalid configuration",
			"fields": fieldErrs,
		})
		return
	}
	s.deps.Log.Info("configuration updated via API")
	writeJSON(w, http.StatusOK, s.deps.Config.View())
}

// apiImages lists images on the host.
func (s *Server) apiImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.deps.Runtime.Images(r.Context())
	if err != nil {
		writeFault(w, err)
		return
	}
	if images == nil {
		images = []runtime.Image{}
	}
	writeJSON(w, http.StatusOK, images)
}

// apiPullImage pulls an image by reference in the background.
func (s *Server) apiPullImage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Image == "" {
		writeError(w, http.StatusBadRequest, "body must be {\"image\": \"ref\"}")
		return
	}

	go func() {
		if _, err := s.deps.Runtime.Pull(context.Background(), body.Image); err != nil {
			s.deps.Log.Warn("pull failed", "image", body.Image, "error", err)
			return
		}
		s.deps.Log.Info("image pulled", "image", body.Image)
		s.deps.Engine.TriggerCheck()
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "image": body.Image})
}

// apiRecentEvents returns the buffered tail of the event stream for
// clients that cannot hold a WebSocket open.
func (s *Server) apiRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.deps.Bus.Recent(limit))
}

// apiHealthz reports liveness, degraded when the daemon is unreachable.
func (s *Server) apiHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Runtime.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resolve looks up the container named in the path, writing 404 when it
// is not part of the fleet.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request) (fleet.Record, bool) {
	ref := r.PathValue("id")
	if ref == "" {
		writeError(w, http.StatusBadRequest, "container id required")
		return fleet.Record{}, false
	}
	rec, ok := s.deps.Registry.Resolve(ref)
	if !ok {
		writeError(w, http.StatusNotFound, "no monitored container "+ref)
		return fleet.Record{}, false
	}
	return rec, true
}
