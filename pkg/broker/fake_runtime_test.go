package broker

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/shellbroker/shellbroker/pkg/container"
)

// fakeContainer is one provisioned sandbox in the fake runtime. The test
// writes container output through outW; stdin captures client input.
type fakeContainer struct {
	id      string
	mu      sync.Mutex
	stdin   []byte
	outW    *io.PipeWriter
	running bool
}

func (c *fakeContainer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stdin = append(c.stdin, p...)
	return len(p), nil
}

func (*fakeContainer) Close() error { return nil }

func (c *fakeContainer) stdinString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.stdin)
}

// emit writes container output toward the attached pump.
func (c *fakeContainer) emit(p []byte) {
	c.mu.Lock()
	w := c.outW
	c.mu.Unlock()
	if w != nil {
		_, _ = w.Write(p)
	}
}

// exit simulates the container process ending.
func (c *fakeContainer) exit() {
	c.mu.Lock()
	w := c.outW
	c.running = false
	c.mu.Unlock()
	if w != nil {
		_ = w.Close()
	}
}

// fakeRuntime implements container.Runtime in memory.
type fakeRuntime struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*fakeContainer
	destroyed  []string
	resizes    []string
	failCreate bool
	failAttach bool
	eventsCh   chan container.ExitEvent
}

var _ container.Runtime = (*fakeRuntime)(nil)

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[string]*fakeContainer),
		eventsCh:   make(chan container.ExitEvent, 16),
	}
}

func (f *fakeRuntime) Create(_ context.Context, opts container.CreateOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return "", container.NewError(container.ErrCreateFailed, "", "injected create failure")
	}
	f.seq++
	id := fmt.Sprintf("ctr-%d", f.seq)
	f.containers[id] = &fakeContainer{id: id, running: true}
	_ = opts
	return id, nil
}

func (f *fakeRuntime) Attach(_ context.Context, containerID string) (container.AttachStreams, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAttach {
		return container.AttachStreams{}, container.NewError(container.ErrAttachFailed, containerID, "injected attach failure")
	}
	c, ok := f.containers[containerID]
	if !ok {
		return container.AttachStreams{}, container.NewError(container.ErrContainerNotFound, containerID, "")
	}

	pr, pw := io.Pipe()
	c.mu.Lock()
	c.outW = pw
	c.mu.Unlock()
	return container.AttachStreams{Stdin: c, Output: pr}, nil
}

func (f *fakeRuntime) Resize(_ context.Context, containerID string, rows, cols uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, fmt.Sprintf("%s:%dx%d", containerID, cols, rows))
	return nil
}

func (f *fakeRuntime) IsRunning(_ context.Context, containerID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return false, container.NewError(container.ErrContainerNotFound, containerID, "")
	}
	return c.running, nil
}

func (f *fakeRuntime) Destroy(_ context.Context, containerID string) error {
	f.mu.Lock()
	c, ok := f.containers[containerID]
	if ok {
		delete(f.containers, containerID)
		f.destroyed = append(f.destroyed, containerID)
	}
	f.mu.Unlock()
	if ok {
		c.exit()
	}
	return nil
}

func (f *fakeRuntime) Events(ctx context.Context) (<-chan container.ExitEvent, <-chan error) {
	errs := make(chan error)
	out := make(chan container.ExitEvent)
	go func() {
		defer close(out)
		defer close(errs)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.eventsCh:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errs
}

func (f *fakeRuntime) ImageExists(context.Context, string) (bool, error) { return true, nil }
func (f *fakeRuntime) PullImage(context.Context, string) error           { return nil }

func (f *fakeRuntime) ListManaged(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.containers))
	for id := range f.containers {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeRuntime) get(containerID string) *fakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[containerID]
}

func (f *fakeRuntime) destroyedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroyed...)
}
