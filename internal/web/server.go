// Package web is the agent's control surface: a JSON API under
// /api/watchtower, a Prometheus endpoint, and a WebSocket event stream.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alexos-labs/watchtower-agent/internal/clock"
	"github.com/alexos-labs/watchtower-agent/internal/config"
	"github.com/alexos-labs/watchtower-agent/internal/engine"
	"github.com/alexos-labs/watchtower-agent/internal/events"
	"github.com/alexos-labs/watchtower-agent/internal/faults"
	"github.com/alexos-labs/watchtower-agent/internal/fleet"
	"github.com/alexos-labs/watchtower-agent/internal/logging"
	"github.com/alexos-labs/watchtower-agent/internal/runtime"
)

// FleetReader is the registry view the API serves from.
type FleetReader interface {
	Snapshot() []fleet.Record
	Resolve(ref string) (fleet.Record, bool)
	Counts() (total, running int)
	LastSweep() time.Time
}

// UpdateController drives the update engine.
type UpdateController interface {
	TriggerUpdate(ctx context.Context, id string) (queued bool, err error)
	TriggerCheck()
	Dismiss(id string) error
	LastCheck() time.Time
}

// SweepController nudges the monitor loop.
type SweepController interface {
	Poke()
}

// ContainerController is the subset of daemon operations the API
// exposes directly. Satisfied by runtime.Adapter.
type ContainerController interface {
	Stop(ctx context.Context, id string, grace time.Duration) error
	Start(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Remove(ctx context.Context, id string, force bool) error
	Pull(ctx context.Context, imageRef string) (string, error)
	Images(ctx context.Context) ([]runtime.Image, error)
	Ping(ctx context.Context) error
}

// Dependencies defines what the server needs from the rest of the
// agent.
type Dependencies struct {
	Registry FleetReader
	Engine   UpdateController
	History  *engine.History
	Monitor  SweepController
	Runtime  ContainerController
	Config   *config.Config
	Bus      *events.Bus
	Log      *logging.Logger
	Clock    clock.Clock
	Version  string
}

// Server is the control-surface HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Mutations require the bearer token when one is configured.
	protected := s.requireToken

	s.mux.HandleFunc("GET /api/watchtower/status", s.apiStatus)
	s.mux.HandleFunc("GET /api/watchtower/stats", s.apiStats)
	s.mux.HandleFunc("GET /api/watchtower/containers", s.apiContainers)
	s.mux.HandleFunc("GET /api/watchtower/containers/{id}", s.apiContainerDetail)
	s.mux.Handle("POST /api/watchtower/containers/{id}/update", protected(s.apiUpdate))
	s.mux.Handle("POST /api/watchtower/containers/{id}/dismiss", protected(s.apiDismiss))
	s.mux.Handle("POST /api/watchtower/containers/{id}/restart", protected(s.apiRestart))
	s.mux.Handle("POST /api/watchtower/containers/{id}/stop", protected(s.apiStop))
	s.mux.Handle("POST /api/watchtower/containers/{id}/start", protected(s.apiStart))
	s.mux.Handle("DELETE /api/watchtower/containers/{id}", protected(s.apiRemove))
	s.mux.HandleFunc("GET /api/watchtower/updates", s.apiUpdates)
	s.mux.Handle("POST /api/watchtower/check-updates", protected(s.apiCheckUpdates))
	s.mux.HandleFunc("GET /api/watchtower/config", s.apiGetConfig)
	s.mux.Handle("PUT /api/watchtower/config", protected(s.apiPutConfig))
	s.mux.HandleFunc("GET /api/watchtower/images", s.apiImages)
	s.mux.Handle("POST /api/watchtower/images/pull", protected(s.apiPullImage))
	s.mux.HandleFunc("GET /api/watchtower/events", s.apiRecentEvents)

	s.mux.HandleFunc("GET /ws", s.handleWS)
	s.mux.HandleFunc("GET /healthz", s.apiHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// requireToken rejects the request with 401 unless it carries the
// configured API token. With no token configured the wrapper is a
// pass-through: the agent is then assumed to sit behind a trusted
// reverse proxy.
func (s *Server) requireToken(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.deps.Config.APIToken
		if token != "" {
			got := bearerToken(r)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "missing or invalid API token")
				return
			}
		}
		next(w, r)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.mux,
		ReadTimeout: 30 * time.Second,
		// WebSocket connections are long-lived; no write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("control surface listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the route mux for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFault maps a fault to its HTTP status and writes it.
func writeFault(w http.ResponseWriter, err error) {
	writeJSON(w, faults.HTTPStatus(err), map[string]string{
		"error": err.Error(),
		"kind":  string(faults.KindOf(err)),
	})
}
