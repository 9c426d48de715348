package pump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/shellbroker/shellbroker/pkg/container"
	"github.com/shellbroker/shellbroker/pkg/logger"
	"github.com/shellbroker/shellbroker/pkg/session"
)

// Mode selects how the container output stream is interpreted.
type Mode int

// Pump modes.
const (
	// ModeRawTTY forwards output verbatim after the one-time handshake
	// swallow. Default for attached shells.
	ModeRawTTY Mode = iota
	// ModeFramed demultiplexes the exec-style length-prefixed stream.
	ModeFramed
)

// ErrDetached is returned by Run when the pump was detached for a resume
// rather than ended by the container.
var ErrDetached = errors.New("pump detached")

// ErrSinkFailed is returned by Run when a write to the client-side sink
// failed. The container stream is still healthy in that case, so the broker
// must treat it as a client disconnect, not a container exit.
var ErrSinkFailed = errors.New("client transport write failed")

// defaultFlushWindow is how long the pump waits after the disconnected frame
// before closing the transport, giving the client a chance to render it.
const defaultFlushWindow = 100 * time.Millisecond

// defaultHelloSettle is how long the pump waits after the hello frame before
// replaying buffered output, giving a resuming client a beat to process the
// session announcement.
const defaultHelloSettle = 50 * time.Millisecond

// readBufferSize is the container read chunk size.
const readBufferSize = 32 * 1024

// ResizeFunc dispatches a terminal resize to the container runtime.
type ResizeFunc func(ctx context.Context, rows, cols uint) error

// Pump ties one attached client to one container stream. A pump lives for a
// single attach; resume detaches the old pump and creates a new one over the
// same session.
type Pump struct {
	mode    Mode
	sess    *session.Session
	streams container.AttachStreams
	sink    Sink
	resize  ResizeFunc

	swallower handshakeSwallower
	decoder   framedDecoder
	detaching atomic.Bool

	flushWindow time.Duration
	helloSettle time.Duration
}

// New creates a pump over freshly attached streams.
func New(mode Mode, sess *session.Session, streams container.AttachStreams, sink Sink, resize ResizeFunc) *Pump {
	return &Pump{
		mode:        mode,
		sess:        sess,
		streams:     streams,
		sink:        sink,
		resize:      resize,
		flushWindow: defaultFlushWindow,
		helloSettle: defaultHelloSettle,
	}
}

// Run drives the outbound half until the container stream ends or the pump is
// detached. It first emits the connected status and hello frames, then the
// ring buffer replay, then live output; that ordering is what lets a resuming
// client render a contiguous view.
//
// On container stream end it emits the disconnected status frame, waits the
// flush window, closes the transport with the user-exit code and returns nil.
// When Detach raced the stream end, ErrDetached is returned and no frames are
// emitted. When a sink write fails the container is still alive; Run returns
// an error wrapping ErrSinkFailed so the caller can route the session as a
// client disconnect.
func (p *Pump) Run(ctx context.Context) error {
	if err := p.sink.SendStatus(StatusConnected, ""); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkFailed, err)
	}
	if err := p.sink.SendHello(p.sess.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkFailed, err)
	}
	replay := p.sess.Output.Snapshot()
	if len(replay) > 0 {
		select {
		case <-time.After(p.helloSettle):
		case <-ctx.Done():
		}
	}
	for _, chunk := range replay {
		if err := p.sink.SendOutput(chunk); err != nil {
			return fmt.Errorf("%w: %v", ErrSinkFailed, err)
		}
	}

	buf := make([]byte, readBufferSize)
	for {
		n, err := p.streams.Output.Read(buf)
		if n > 0 {
			if werr := p.forward(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return p.finish(ctx, err)
		}
	}
}

// forward pushes one container chunk through the mode-specific decoding,
// records it for replay and sends it to the client.
func (p *Pump) forward(chunk []byte) error {
	switch p.mode {
	case ModeFramed:
		for _, payload := range p.decoder.Feed(chunk) {
			if err := p.emit(payload); err != nil {
				return err
			}
		}
		return nil
	default:
		out := p.swallower.Feed(chunk)
		if len(out) == 0 {
			return nil
		}
		return p.emit(out)
	}
}

func (p *Pump) emit(payload []byte) error {
	p.sess.Output.Append(payload)
	if err := p.sink.SendOutput(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkFailed, err)
	}
	return nil
}

// finish handles the end of the container stream.
func (p *Pump) finish(ctx context.Context, cause error) error {
	if p.detaching.Load() {
		return ErrDetached
	}

	// A clean stream end means the process inside the sandbox exited.
	reason := "Session ended by user"
	if cause != nil && !errors.Is(cause, io.EOF) && !errors.Is(cause, context.Canceled) &&
		!errors.Is(cause, io.ErrClosedPipe) {
		reason = cause.Error()
	}
	logger.Debugw("container stream ended",
		"session_id", p.sess.ID,
		"reason", reason,
	)

	if err := p.sink.SendStatus(StatusDisconnected, reason); err != nil {
		logger.Debugf("failed to send disconnected frame: %v", err)
	}

	select {
	case <-time.After(p.flushWindow):
	case <-ctx.Done():
	}

	if err := p.sink.CloseUserExit(reason); err != nil {
		logger.Debugf("failed to close transport: %v", err)
	}
	return nil
}

// Detach releases the container streams for a resume. The running Run call
// unblocks and returns ErrDetached without emitting termination frames, so
// the old transport's death is not mistaken for a user exit.
func (p *Pump) Detach() {
	p.detaching.Store(true)
	p.streams.Close()
}

// HandleInbound processes one client message: JSON control frames are
// dispatched, everything else is raw keystrokes to container stdin. Every
// inbound message counts as session activity.
func (p *Pump) HandleInbound(ctx context.Context, msg []byte) error {
	p.sess.TouchActivity()

	in := Classify(msg)
	switch in.Kind {
	case KindResize:
		if err := p.resize(ctx, in.Rows, in.Cols); err != nil {
			// A failed resize must not kill the session.
			logger.Warnf("resize to %dx%d failed: %v", in.Cols, in.Rows, err)
		}
		return nil
	case KindData:
		_, err := p.streams.Stdin.Write(in.Data)
		return err
	default:
		_, err := p.streams.Stdin.Write(msg)
		return err
	}
}
