// Package errs gives every layer a shared error taxonomy (kinds, not
// concrete types) so HTTP-layer code can map kind to status code without
// string-sniffing, per the design's error-handling section. Kinds are
// sentinel errors; check with errors.Is, same idiom the rest of this module
// uses for comparing well-known error values.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy's error classes.
type Kind error

var (
	// Validation: malformed input; no state change.
	Validation Kind = errors.New("validation")
	// Conflict: duplicate name, running-while-edit, paused-execute,
	// already-executing.
	Conflict Kind = errors.New("conflict")
	// NotFound: missing task/schedule/execution.
	NotFound Kind = errors.New("not_found")
	// Permission: RBAC denial.
	Permission Kind = errors.New("permission")
	// TransientInfrastructure: store/cache/host-driver timeout or
	// connection loss; retried internally where safe, surfaced to the
	// caller only once local retries are exhausted.
	TransientInfrastructure Kind = errors.New("transient_infrastructure")
	// Exhaustion: port range empty, host unreachable; not retried
	// automatically.
	Exhaustion Kind = errors.New("exhaustion")
	// ContainerError: container exited non-zero or was killed externally.
	ContainerError Kind = errors.New("container_error")
	// InvariantViolation: a bug class, e.g. a terminal row rewritten.
	// Never recovered from; the guarded write is a no-op.
	InvariantViolation Kind = errors.New("invariant_violation")
)

// taggedError pairs a Kind with a human-readable reason and, optionally, a
// structured detail (exit code, port attempts, container id).
type taggedError struct {
	kind   Kind
	reason string
	detail any
}

func (e *taggedError) Error() string {
	if e.detail != nil {
		return fmt.Sprintf("%v: %s (%v)", e.kind, e.reason, e.detail)
	}
	return fmt.Sprintf("%v: %s", e.kind, e.reason)
}

func (e *taggedError) Unwrap() error { return e.kind }

// New builds an error of the given kind carrying a human-readable reason.
func New(kind Kind, reason string) error {
	return &taggedError{kind: kind, reason: reason}
}

// Newf is New with a formatted reason.
func Newf(kind Kind, format string, args ...any) error {
	return &taggedError{kind: kind, reason: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a structured field (exit code, port attempts,
// container id) to a kinded error for logging/audit.
func WithDetail(kind Kind, reason string, detail any) error {
	return &taggedError{kind: kind, reason: reason, detail: detail}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}

// Reason returns the human-readable reason of a tagged error, or err's own
// message if it isn't one.
func Reason(err error) string {
	var te *taggedError
	if errors.As(err, &te) {
		return te.reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
