// Package runtime is the sole path to the container daemon. Every
// other component consumes the Adapter interface; the concrete
// implementations are Client (real daemon) and Fake (in-memory).
package runtime

import (
	"context"
	"time"
)

// Summary is the lightweight listing view of a container.
type Summary struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	ImageRef  string            `json:"image_ref"`
	Status    string            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// PortMapping is one published port. ContainerPort carries the
// protocol suffix ("80/tcp").
type PortMapping struct {
	HostIP        string `json:"host_ip,omitempty"`
	HostPort      string `json:"host_port"`
	ContainerPort string `json:"container_port"`
}

// Details is the full inspection view, complete enough to recreate the
// container with identical externally observable configuration.
type Details struct {
	Summary
	ImageDigest   string        `json:"image_digest"`
	StartedAt     time.Time     `json:"started_at"`
	Running       bool          `json:"running"`
	Restarting    bool          `json:"restarting"`
	Env           []string      `json:"env,omitempty"`
	Cmd           []string      `json:"cmd,omitempty"`
	Entrypoint    []string      `json:"entrypoint,omitempty"`
	Binds         []string      `json:"binds,omitempty"`
	Ports         []PortMapping `json:"ports,omitempty"`
	ExposedPorts  []string      `json:"exposed_ports,omitempty"`
	NetworkMode   string        `json:"network_mode,omitempty"`
	RestartPolicy string        `json:"restart_policy,omitempty"`
}

// CreateSpec is the recreation spec derived from an existing record
// plus the replacement image.
type CreateSpec struct {
	Name          string
	ImageRef      string
	Env           []string
	Cmd           []string
	Entrypoint    []string
	Binds         []string
	Labels        map[string]string
	Ports         []PortMapping
	ExposedPorts  []string
	NetworkMode   string
	RestartPolicy string
}

// Image is one known image on the host.
type Image struct {
	ID        string    `json:"id"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// Diagnostic is a per-entry listing failure; the rest of the listing
// is still usable.
type Diagnostic struct {
	ID  string
	Err error
}

// Adapter abstracts the container daemon. All methods are safe for
// concurrent use and block until the daemon answers or ctx is done.
type Adapter interface {
	// List returns container summaries. Per-entry problems come back as
	// diagnostics; a non-nil error means the listing itself failed.
	List(ctx context.Context) ([]Summary, []Diagnostic, error)
	// Inspect returns full details, or a NotFound fault if the
	// container disappeared.
	Inspect(ctx context.Context, id string) (Details, error)
	// Pull fetches the image and returns its digest, which may equal
	// the digest already running.
	Pull(ctx context.Context, imageRef string) (string, error)
	// Stop stops with a cooperative grace period then forces.
	// Idempotent on already-stopped.
	Stop(ctx context.Context, id string, grace time.Duration) error
	// Start starts a stopped container. Idempotent on already-running.
	Start(ctx context.Context, id string) error
	// Restart restarts a container.
	Restart(ctx context.Context, id string) error
	// Create creates a container from spec and returns the new id.
	Create(ctx context.Context, spec CreateSpec) (string, error)
	// Remove removes a container. Idempotent on missing.
	Remove(ctx context.Context, id string, force bool) error
	// RemoveImage removes an image by reference or digest, best-effort.
	RemoveImage(ctx context.Context, ref string) error
	// Images lists known images.
	Images(ctx context.Context) ([]Image, error)
	// Ping checks daemon reachability.
	Ping(ctx context.Context) error
	Close() error
}
