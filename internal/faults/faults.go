// Package faults defines the agent's error taxonomy. Every error that
// crosses a component boundary carries a Kind so callers can decide
// whether to retry, surface, or map it to an HTTP status.
package faults

import (
	"errors"
	"fmt"
	"net/http"

	cerrdefs "github.com/containerd/errdefs"
)

// Kind discriminates fault categories.
type Kind string

const (
	RuntimeUnavailable  Kind = "runtime_unavailable"
	NotFound            Kind = "not_found"
	Conflict            Kind = "conflict"
	RegistryUnreachable Kind = "registry_unreachable"
	AuthRequired        Kind = "auth_required"
	ConfigNotReplicable Kind = "config_not_replicable"
	Timeout             Kind = "timeout"
	InvalidConfig       Kind = "invalid_config"
	Internal            Kind = "internal"
)

// Fault is a discriminated error value.
type Fault struct {
	Kind      Kind
	Message   string
	Retryable bool
	cause     error
}

func (f *Fault) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.cause }

// Is matches two faults by kind, so errors.Is(err, &Fault{Kind: NotFound})
// works without comparing messages.
func (f *Fault) Is(target error) bool {
	var t *Fault
	if !errors.As(target, &t) {
		return false
	}
	return f.Kind == t.Kind
}

// New creates a fault without a cause.
func New(kind Kind, msg string) *Fault {
	return &Fault{Kind: kind, Message: msg, Retryable: retryableByDefault(kind)}
}

// Newf creates a fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Fault {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches a kind to an underlying error. A nil cause yields nil.
func Wrap(kind Kind, msg string, cause error) *Fault {
	if cause == nil {
		return nil
	}
	return &Fault{Kind: kind, Message: msg, Retryable: retryableByDefault(kind), cause: cause}
}

func retryableByDefault(kind Kind) bool {
	switch kind {
	case RuntimeUnavailable, RegistryUnreachable, Timeout:
		return true
	default:
		return false
	}
}

// KindOf extracts the kind of an error, or Internal if it carries none.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err is worth retrying.
func Retryable(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Retryable
	}
	return false
}

// FromRuntime classifies an error returned by the container daemon
// client into the agent taxonomy. The moby client surfaces errdefs
// sentinel types for the interesting cases.
func FromRuntime(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case cerrdefs.IsNotFound(err):
		return Wrap(NotFound, op, err)
	case cerrdefs.IsUnauthorized(err):
		return Wrap(AuthRequired, op, err)
	case cerrdefs.IsDeadlineExceeded(err):
		return Wrap(Timeout, op, err)
	case cerrdefs.IsUnavailable(err), cerrdefs.IsCanceled(err):
		return Wrap(RuntimeUnavailable, op, err)
	case cerrdefs.IsConflict(err):
		return Wrap(Conflict, op, err)
	default:
		return Wrap(RuntimeUnavailable, op, err)
	}
}

// HTTPStatus maps a fault kind to the status code the control surface
// returns for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case InvalidConfig, ConfigNotReplicable:
		return http.StatusBadRequest
	case AuthRequired:
		return http.StatusUnauthorized
	case RuntimeUnavailable, RegistryUnreachable:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
