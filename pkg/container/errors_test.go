package container

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "full",
			err:  NewError(ErrAttachFailed, "abc123", "hijack refused"),
			want: "failed to attach to container: hijack refused (container: abc123)",
		},
		{
			name: "no container",
			err:  NewError(ErrCreateFailed, "", "image missing"),
			want: "failed to create container: image missing",
		},
		{
			name: "no message",
			err:  NewError(ErrContainerNotFound, "abc123", ""),
			want: "container not found (container: abc123)",
		},
		{
			name: "bare",
			err:  NewError(ErrRuntimeUnavailable, "", ""),
			want: "container runtime unavailable",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	err := NewError(ErrContainerNotRunning, "abc123", "stopped")
	assert.ErrorIs(t, err, ErrContainerNotRunning)
	assert.NotErrorIs(t, err, ErrContainerNotFound)

	var cerr *Error
	assert.True(t, errors.As(err, &cerr))
	assert.Equal(t, "abc123", cerr.ContainerID)
}
