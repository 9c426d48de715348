// Package docker implements the sandbox runtime on the Docker Engine API
// over a local unix socket.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	containerpkg "github.com/shellbroker/shellbroker/pkg/container"
	"github.com/shellbroker/shellbroker/pkg/logger"
)

// DockerSocketPath is the default Docker socket path.
const DockerSocketPath = "/var/run/docker.sock"

// DockerSocketEnv overrides the socket path.
const DockerSocketEnv = "SHELLBROKER_DOCKER_SOCKET"

// stopTimeoutSeconds is how long a sandbox gets to exit on SIGTERM before the
// removal forces it.
const stopTimeoutSeconds = 5

// Client implements the Runtime interface against the Docker daemon.
type Client struct {
	socketPath string
	client     *client.Client
}

var _ containerpkg.Runtime = (*Client)(nil)

// NewClient connects to the Docker daemon over its unix socket and verifies
// it responds.
func NewClient(ctx context.Context) (*Client, error) {
	socketPath := os.Getenv(DockerSocketEnv)
	if socketPath == "" {
		socketPath = DockerSocketPath
	}
	if _, err := os.Stat(socketPath); err != nil {
		return nil, containerpkg.NewError(containerpkg.ErrRuntimeUnavailable, "",
			fmt.Sprintf("socket %s not accessible: %v", socketPath, err))
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
	}

	dockerClient, err := client.NewClientWithOpts(
		client.WithAPIVersionNegotiation(),
		client.WithHTTPClient(httpClient),
		client.WithHost("unix://"+socketPath),
	)
	if err != nil {
		return nil, containerpkg.NewError(err, "", fmt.Sprintf("failed to create client: %v", err))
	}

	c := &Client{socketPath: socketPath, client: dockerClient}
	if _, err := dockerClient.Ping(ctx); err != nil {
		return nil, containerpkg.NewError(containerpkg.ErrRuntimeUnavailable, "",
			fmt.Sprintf("failed to ping runtime at %s: %v", socketPath, err))
	}

	logger.Debugf("connected to container runtime at %s", socketPath)
	return c, nil
}

// Create provisions and starts a hardened sandbox container.
func (c *Client) Create(ctx context.Context, opts containerpkg.CreateOptions) (string, error) {
	resp, err := c.client.ContainerCreate(ctx,
		sandboxConfig(opts),
		sandboxHostConfig(opts),
		nil, nil, "")
	if err != nil {
		return "", containerpkg.NewError(containerpkg.ErrCreateFailed, "",
			fmt.Sprintf("failed to create sandbox: %v", err))
	}

	if err := c.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Do not leak a created-but-unstarted container.
		if rmErr := c.Destroy(ctx, resp.ID); rmErr != nil {
			logger.Warnf("failed to remove unstarted sandbox %s: %v", resp.ID, rmErr)
		}
		return "", containerpkg.NewError(containerpkg.ErrCreateFailed, resp.ID,
			fmt.Sprintf("failed to start sandbox: %v", err))
	}

	logger.Infow("sandbox started",
		"container_id", resp.ID,
		"session_id", opts.SessionID,
		"image", opts.Image,
	)
	return resp.ID, nil
}

// readCloserWrapper adapts the hijacked response reader, whose lifetime is
// owned by the connection, into an io.ReadCloser.
type readCloserWrapper struct {
	reader io.Reader
}

func (r *readCloserWrapper) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

func (*readCloserWrapper) Close() error {
	return nil
}

// Attach opens the bidirectional TTY stream to a running sandbox.
func (c *Client) Attach(ctx context.Context, containerID string) (containerpkg.AttachStreams, error) {
	running, err := c.IsRunning(ctx, containerID)
	if err != nil {
		return containerpkg.AttachStreams{}, err
	}
	if !running {
		return containerpkg.AttachStreams{}, containerpkg.NewError(
			containerpkg.ErrContainerNotRunning, containerID, "sandbox is not running")
	}

	resp, err := c.client.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return containerpkg.AttachStreams{}, containerpkg.NewError(
			containerpkg.ErrAttachFailed, containerID, fmt.Sprintf("failed to attach: %v", err))
	}

	return containerpkg.AttachStreams{
		Stdin:  resp.Conn,
		Output: &readCloserWrapper{reader: resp.Reader},
	}, nil
}

// Resize sets the sandbox TTY dimensions.
func (c *Client) Resize(ctx context.Context, containerID string, rows, cols uint) error {
	err := c.client.ContainerResize(ctx, containerID, container.ResizeOptions{
		Height: rows,
		Width:  cols,
	})
	if err != nil {
		return containerpkg.NewError(err, containerID, fmt.Sprintf("failed to resize tty: %v", err))
	}
	return nil
}

// IsRunning reports whether the sandbox is currently running.
func (c *Client) IsRunning(ctx context.Context, containerID string) (bool, error) {
	info, err := c.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, containerpkg.NewError(containerpkg.ErrContainerNotFound, containerID, "sandbox not found")
		}
		return false, containerpkg.NewError(err, containerID, fmt.Sprintf("failed to inspect sandbox: %v", err))
	}
	return info.State.Running, nil
}

// Destroy stops and removes the sandbox. A sandbox that is already stopped or
// already removed is treated as success.
func (c *Client) Destroy(ctx context.Context, containerID string) error {
	timeout := stopTimeoutSeconds
	err := c.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		logger.Debugf("stop of sandbox %s failed, forcing removal: %v", containerID, err)
	}

	err = c.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return containerpkg.NewError(err, containerID, fmt.Sprintf("failed to remove sandbox: %v", err))
	}
	return nil
}

// Events streams exit notifications for broker-managed containers. Both
// channels close when ctx is cancelled or the daemon stream breaks.
func (c *Client) Events(ctx context.Context) (<-chan containerpkg.ExitEvent, <-chan error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("type", "container")
	filterArgs.Add("event", "die")
	filterArgs.Add("label", containerpkg.ManagedLabel+"=true")

	msgCh, errCh := c.client.Events(ctx, events.ListOptions{Filters: filterArgs})

	exits := make(chan containerpkg.ExitEvent)
	errs := make(chan error, 1)
	go func() {
		defer close(exits)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-errCh:
				if !ok {
					return
				}
				if err != nil && ctx.Err() == nil {
					errs <- err
				}
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				code := 0
				if raw, ok := msg.Actor.Attributes["exitCode"]; ok {
					if parsed, perr := strconv.Atoi(raw); perr == nil {
						code = parsed
					}
				}
				select {
				case exits <- containerpkg.ExitEvent{ContainerID: msg.Actor.ID, ExitCode: code}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return exits, errs
}

// ImageExists checks whether the image is present locally.
func (c *Client) ImageExists(ctx context.Context, image string) (bool, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("reference", image)

	images, err := c.client.ImageList(ctx, dockerimage.ListOptions{Filters: filterArgs})
	if err != nil {
		return false, containerpkg.NewError(err, "", fmt.Sprintf("failed to list images: %v", err))
	}
	return len(images) > 0, nil
}

// PullImage fetches the image, draining the daemon's progress stream into the
// debug log.
func (c *Client) PullImage(ctx context.Context, image string) error {
	logger.Infof("pulling image: %s", image)

	reader, err := c.client.ImagePull(ctx, image, dockerimage.PullOptions{})
	if err != nil {
		return containerpkg.NewError(err, "", fmt.Sprintf("failed to pull image: %v", err))
	}
	defer reader.Close()

	decoder := json.NewDecoder(reader)
	for {
		var status struct {
			Status string `json:"status"`
			ID     string `json:"id,omitempty"`
		}
		if err := decoder.Decode(&status); err != nil {
			if err == io.EOF {
				break
			}
			return containerpkg.NewError(err, "", "failed to decode pull output")
		}
		if status.ID != "" {
			logger.Debugf("pull %s: %s", status.ID, status.Status)
		} else {
			logger.Debugf("pull: %s", status.Status)
		}
	}
	return nil
}

// ListManaged returns the IDs of all broker-managed containers, including
// stopped ones.
func (c *Client) ListManaged(ctx context.Context) ([]string, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", containerpkg.ManagedLabel+"=true")

	containers, err := c.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, containerpkg.NewError(err, "", fmt.Sprintf("failed to list sandboxes: %v", err))
	}

	ids := make([]string, 0, len(containers))
	for _, ctr := range containers {
		ids = append(ids, ctr.ID)
	}
	return ids, nil
}
