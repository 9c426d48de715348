package pump

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shellbroker/shellbroker/pkg/auth"
	"github.com/shellbroker/shellbroker/pkg/container"
	"github.com/shellbroker/shellbroker/pkg/session"
)

// fakeSink records every frame in arrival order.
type fakeSink struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeSink) record(ev string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) SendOutput(p []byte) error    { return f.record("out:" + string(p)) }
func (f *fakeSink) SendStatus(p, _ string) error { return f.record("status:" + p) }
func (f *fakeSink) SendHello(id string) error    { return f.record("hello:" + id) }
func (f *fakeSink) CloseUserExit(string) error   { return f.record("close:user-exit") }

func (f *fakeSink) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

// fakeStdin records everything written to container stdin.
type fakeStdin struct {
	mu  sync.Mutex
	buf []byte
}

func (f *fakeStdin) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = append(f.buf, p...)
	return len(p), nil
}

func (*fakeStdin) Close() error { return nil }

func (f *fakeStdin) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.buf)
}

func newTestPump(t *testing.T, mode Mode) (*Pump, *fakeSink, *fakeStdin, *io.PipeWriter, *session.Session) {
	t.Helper()

	sess := session.New(auth.ClassAuthenticated, auth.Hash{}, auth.Fingerprint{}, 100, 64*1024)
	pr, pw := io.Pipe()
	stdin := &fakeStdin{}
	sink := &fakeSink{}

	p := New(mode, sess, container.AttachStreams{Stdin: stdin, Output: pr}, sink,
		func(_ context.Context, _, _ uint) error { return nil })
	p.flushWindow = time.Millisecond
	p.helloSettle = time.Millisecond
	return p, sink, stdin, pw, sess
}

func TestPump_FrameOrdering(t *testing.T) {
	t.Parallel()

	p, sink, _, pw, sess := newTestPump(t, ModeRawTTY)
	sess.Output.Append([]byte("replayed"))

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	_, err := pw.Write([]byte(attachHandshake + "live"))
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	require.NoError(t, <-done)

	events := sink.snapshot()
	require.GreaterOrEqual(t, len(events), 5)
	assert.Equal(t, "status:connected", events[0])
	assert.Equal(t, "hello:"+sess.ID, events[1])
	assert.Equal(t, "out:replayed", events[2], "replay must precede live output")
	assert.Equal(t, "out:live", events[3], "handshake must be swallowed before live bytes")
	assert.Equal(t, "status:disconnected", events[len(events)-2])
	assert.Equal(t, "close:user-exit", events[len(events)-1])
}

func TestPump_LiveOutputEntersReplayBuffer(t *testing.T) {
	t.Parallel()

	p, _, _, pw, sess := newTestPump(t, ModeRawTTY)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	_, err := pw.Write([]byte("prompt$ "))
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	require.NoError(t, <-done)

	snap := sess.Output.Snapshot()
	require.NotEmpty(t, snap)
	assert.Equal(t, "prompt$ ", string(snap[0]))
}

func TestPump_DetachSuppressesTerminationFrames(t *testing.T) {
	t.Parallel()

	p, sink, _, pw, _ := newTestPump(t, ModeRawTTY)
	defer pw.Close()

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	// Let the pump get past its opening frames before detaching.
	require.Eventually(t, func() bool {
		return len(sink.snapshot()) >= 2
	}, time.Second, time.Millisecond)

	p.Detach()
	assert.ErrorIs(t, <-done, ErrDetached)

	for _, ev := range sink.snapshot() {
		assert.NotEqual(t, "status:disconnected", ev)
		assert.NotEqual(t, "close:user-exit", ev)
	}
}

func TestPump_FramedModeDemultiplexes(t *testing.T) {
	t.Parallel()

	p, sink, _, pw, _ := newTestPump(t, ModeFramed)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	chunk := append(frame(streamStdout, "out1"), frame(streamStderr, "err1")...)
	_, err := pw.Write(chunk)
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	require.NoError(t, <-done)

	events := sink.snapshot()
	assert.Contains(t, events, "out:out1")
	assert.Contains(t, events, "out:err1")
}

func TestPump_HandleInbound(t *testing.T) {
	t.Parallel()

	var resized []string
	sess := session.New(auth.ClassAnonymous, auth.Hash{}, auth.Fingerprint{}, 10, 1024)
	stdin := &fakeStdin{}
	p := New(ModeRawTTY, sess, container.AttachStreams{Stdin: stdin}, &fakeSink{},
		func(_ context.Context, rows, cols uint) error {
			resized = append(resized, fmt.Sprintf("%dx%d", cols, rows))
			return nil
		})

	ctx := context.Background()
	require.NoError(t, p.HandleInbound(ctx, []byte("ls\r")))
	require.NoError(t, p.HandleInbound(ctx, []byte(`{"type":"resize","cols":100,"rows":30}`)))
	require.NoError(t, p.HandleInbound(ctx, []byte(`{"type":"data","data":"echo\n"}`)))
	require.NoError(t, p.HandleInbound(ctx, []byte("\x03")))

	assert.Equal(t, "ls\recho\n\x03", stdin.String())
	assert.Equal(t, []string{"100x30"}, resized)
}

// failingSink rejects output writes, like a websocket whose peer vanished.
type failingSink struct {
	fakeSink
}

func (f *failingSink) SendOutput([]byte) error {
	_ = f.record("out:rejected")
	return fmt.Errorf("broken pipe")
}

func TestPump_SinkFailureReportsSentinel(t *testing.T) {
	t.Parallel()

	sess := session.New(auth.ClassAuthenticated, auth.Hash{}, auth.Fingerprint{}, 100, 64*1024)
	pr, pw := io.Pipe()
	sink := &failingSink{}
	p := New(ModeRawTTY, sess, container.AttachStreams{Stdin: &fakeStdin{}, Output: pr}, sink,
		func(_ context.Context, _, _ uint) error { return nil })
	p.flushWindow = time.Millisecond
	p.helloSettle = time.Millisecond

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	_, err := pw.Write([]byte("tick"))
	require.NoError(t, err)
	defer pw.Close()

	got := <-done
	require.Error(t, got)
	assert.ErrorIs(t, got, ErrSinkFailed, "a dead client transport must not look like a container exit")

	// The container stream is still healthy, so no termination frames.
	for _, ev := range sink.snapshot() {
		assert.NotEqual(t, "status:disconnected", ev)
		assert.NotEqual(t, "close:user-exit", ev)
	}
}

func TestPump_ReplayWaitsAfterHello(t *testing.T) {
	t.Parallel()

	p, sink, _, pw, sess := newTestPump(t, ModeRawTTY)
	defer pw.Close()
	sess.Output.Append([]byte("old"))
	p.helloSettle = 150 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		events := sink.snapshot()
		return len(events) >= 2 && events[1] == "hello:"+sess.ID
	}, time.Second, time.Millisecond)
	assert.NotContains(t, sink.snapshot(), "out:old",
		"replay must give the client a beat after hello")

	require.Eventually(t, func() bool {
		for _, ev := range sink.snapshot() {
			if ev == "out:old" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestPump_InboundTouchesActivity(t *testing.T) {
	t.Parallel()

	p, _, _, pw, sess := newTestPump(t, ModeRawTTY)
	defer pw.Close()

	before := sess.LastActivity()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, p.HandleInbound(context.Background(), []byte("k")))
	assert.True(t, sess.LastActivity().After(before), "inbound bytes must refresh idle accounting")
}
