// Package container defines the runtime abstraction the broker provisions
// terminal sandboxes through. The docker subpackage provides the only
// production implementation; tests substitute fakes.
package container

import (
	"context"
	"io"
)

// Labels applied to every sandbox container so the broker can find and reap
// its own containers without touching anything else on the host.
const (
	// ManagedLabel marks a container as broker-managed.
	ManagedLabel = "shellbroker.managed"
	// SessionLabel carries the owning session ID.
	SessionLabel = "shellbroker.session"
)

// CreateOptions describes the sandbox to provision for one session.
type CreateOptions struct {
	// SessionID is the owning session, recorded as a container label.
	SessionID string
	// Image is the sandbox image reference.
	Image string
	// Cmd overrides the image entrypoint arguments. Empty uses the image
	// default.
	Cmd []string
	// Env is extra environment in KEY=VALUE form.
	Env []string

	// NetworkName is the restricted bridge network to join.
	NetworkName string

	// MemoryBytes caps container memory.
	MemoryBytes int64
	// PidsLimit caps container process count.
	PidsLimit int64
	// NanoCPUs caps CPU in billionths of a core.
	NanoCPUs int64

	// SeccompProfilePath is a host path to a seccomp profile JSON, empty to
	// use the runtime default.
	SeccompProfilePath string
	// AppArmorProfileName is the AppArmor profile to apply, empty to skip.
	AppArmorProfileName string
}

// AttachStreams is the bidirectional byte pipe to a container's TTY.
type AttachStreams struct {
	// Stdin writes to the container's stdin.
	Stdin io.WriteCloser
	// Output reads the container's multiplexed or raw TTY output.
	Output io.ReadCloser
}

// Close releases both stream halves.
func (s AttachStreams) Close() {
	if s.Stdin != nil {
		_ = s.Stdin.Close()
	}
	if s.Output != nil {
		_ = s.Output.Close()
	}
}

// ExitEvent reports that a broker-managed container stopped running.
type ExitEvent struct {
	ContainerID string
	ExitCode    int
}

// Runtime provisions and tears down session sandboxes.
//
// Destroy is idempotent: destroying an already-removed container succeeds.
// Events delivers exit notifications for broker-managed containers until ctx
// is cancelled.
type Runtime interface {
	// Create provisions and starts a hardened sandbox, returning its ID.
	Create(ctx context.Context, opts CreateOptions) (string, error)
	// Attach opens the bidirectional stream to a running sandbox.
	Attach(ctx context.Context, containerID string) (AttachStreams, error)
	// Resize sets the sandbox TTY dimensions.
	Resize(ctx context.Context, containerID string, rows, cols uint) error
	// IsRunning reports whether the sandbox is currently running.
	IsRunning(ctx context.Context, containerID string) (bool, error)
	// Destroy stops and removes the sandbox.
	Destroy(ctx context.Context, containerID string) error
	// Events streams exit events for broker-managed containers.
	Events(ctx context.Context) (<-chan ExitEvent, <-chan error)
	// ImageExists reports whether the sandbox image is present locally.
	ImageExists(ctx context.Context, image string) (bool, error)
	// PullImage fetches the sandbox image from its registry.
	PullImage(ctx context.Context, image string) error
	// ListManaged returns the IDs of all broker-managed containers,
	// running or not. Used to reap leftovers from a previous broker run.
	ListManaged(ctx context.Context) ([]string, error)
}
