package container

import (
	"errors"
	"fmt"
)

// Error sentinels for runtime operations.
var (
	// ErrRuntimeUnavailable is returned when no container runtime socket
	// can be reached.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrContainerNotFound is returned when a container does not exist.
	ErrContainerNotFound = errors.New("container not found")

	// ErrContainerNotRunning is returned when an operation needs a running
	// container and the container has stopped.
	ErrContainerNotRunning = errors.New("container not running")

	// ErrCreateFailed is returned when sandbox provisioning fails.
	ErrCreateFailed = errors.New("failed to create container")

	// ErrAttachFailed is returned when attaching to a sandbox fails.
	ErrAttachFailed = errors.New("failed to attach to container")
)

// Error wraps a runtime failure with the container it concerns.
type Error struct {
	// Err is the underlying error.
	Err error
	// ContainerID is the ID of the container, empty when not applicable.
	ContainerID string
	// Message is an optional detail message.
	Message string
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Message != "" {
		if e.ContainerID != "" {
			return fmt.Sprintf("%s: %s (container: %s)", e.Err, e.Message, e.ContainerID)
		}
		return fmt.Sprintf("%s: %s", e.Err, e.Message)
	}
	if e.ContainerID != "" {
		return fmt.Sprintf("%s (container: %s)", e.Err, e.ContainerID)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a container error.
func NewError(err error, containerID, message string) *Error {
	return &Error{Err: err, ContainerID: containerID, Message: message}
}
