// Package hostdriver abstracts starting, stopping, and inspecting the
// containers that back a task execution, plus staging the execution's
// config file onto the host that will run it.
package hostdriver

import "context"

// Inspection is the result of inspecting a container by id.
type Inspection struct {
	Exists   bool
	Running  bool
	Status   string
	ExitCode int
}

// Binding is a read-only (or read-write) bind mount into the container.
type Binding struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// StartSpec is everything needed to start one execution's container.
type StartSpec struct {
	Image       string
	Name        string
	Hostname    string
	Bindings    []Binding
	Env         map[string]string
	HostPort    int
	ContainerPort int
	AutoRemove  bool
}

// Driver operates containers on a single host (local or remote) and stages
// per-execution config files onto that host. Implementations must be safe
// for concurrent use: the execution engine and reconciler call the same
// Driver instance from many goroutines.
type Driver interface {
	// StageConfig writes localPath's contents to a per-execution directory
	// on the host and returns the path on the host. Remote implementations
	// require an authenticated channel; they fail fast if unavailable.
	StageConfig(ctx context.Context, localPath, executionID string) (string, error)

	// Start launches a detached container per spec, returning the
	// container-engine-assigned id.
	Start(ctx context.Context, spec StartSpec) (string, error)

	// Stop stops a container by id or name. A container that is already
	// gone is reported as "not found", not an error.
	Stop(ctx context.Context, containerIDOrName string) (found bool, err error)

	// Remove force-removes a container by id or name. Safe to call on a
	// container that does not exist.
	Remove(ctx context.Context, containerIDOrName string) error

	// Inspect reports current container state, used by the reconciler's
	// container-reality check.
	Inspect(ctx context.Context, containerID string) (Inspection, error)

	// Logs returns up to tailLines of combined stdout/stderr.
	Logs(ctx context.Context, containerID string, tailLines int) (string, error)

	// ProbePortListening reports whether the host currently publishes a
	// container on hostPort. Used by the port allocator's first probe.
	ProbePortListening(ctx context.Context, hostPort int) (bool, error)

	// PurgeConfig best-effort removes the staged config directory for an
	// execution.
	PurgeConfig(ctx context.Context, executionID string) error
}
