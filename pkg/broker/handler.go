package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shellbroker/shellbroker/pkg/auth"
	"github.com/shellbroker/shellbroker/pkg/container"
	"github.com/shellbroker/shellbroker/pkg/logger"
	"github.com/shellbroker/shellbroker/pkg/pump"
	"github.com/shellbroker/shellbroker/pkg/ratelimit"
	"github.com/shellbroker/shellbroker/pkg/session"
)

// maxInboundMessageBytes bounds a single client message. Keystroke traffic is
// tiny; anything near this size is a paste or abuse.
const maxInboundMessageBytes = 64 * 1024

// reject reports a pre-attach failure in both client message forms, the
// status frame and the typed error frame, then closes the transport.
func (b *Broker) reject(conn *wsConn, f ErrorFrame, closeCode int, closeReason string) {
	_ = conn.SendStatus(pump.StatusError, f.Message)
	_ = conn.SendError(f)
	_ = conn.CloseWith(closeCode, closeReason)
}

// handleWS runs one client connection from upgrade to teardown. The handler
// goroutine is the per-connection task: it owns the read loop and all state
// transitions for its session.
func (b *Broker) handleWS(w http.ResponseWriter, r *http.Request) {
	raw, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugf("websocket upgrade failed: %v", err)
		return
	}
	conn := newWSConn(raw, b.metrics)

	ip := auth.NormalizeIP(r.RemoteAddr)
	if b.connLimiter != nil {
		if d := b.connLimiter.Allow(ip); !d.Allowed {
			b.metrics.Throttled.WithLabelValues("connection").Inc()
			frame := NewErrorFrame(KindRateLimited, "too many connections from this address")
			frame.RetryAfterSeconds = int(d.RetryAfter.Seconds())
			b.reject(conn, frame, ClosePolicy, "rate limited")
			return
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(preAuthTimeout))
	first, err := conn.ReadMessage()
	if err != nil {
		logger.Debugf("no auth envelope from %s: %v", ip, err)
		_ = conn.CloseWith(ClosePolicy, "auth envelope not received in time")
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(pongDeadline))

	var env Envelope
	if err := json.Unmarshal(first, &env); err != nil {
		b.reject(conn, NewErrorFrame(KindInvalidCredentials, "first message must be an auth envelope"),
			CloseInvalidCredentials, "malformed auth envelope")
		return
	}

	// The request context dies with the hijacked connection; session
	// teardown must outlive it.
	ctx := context.Background()
	fp := auth.ClientFingerprint(r.RemoteAddr, r.Header.Get("User-Agent"))

	if env.IsResume() {
		b.resumeSession(ctx, conn, &env, fp)
	} else {
		b.newSession(ctx, conn, &env, fp)
	}
}

// newSession authenticates the envelope, admits and provisions a fresh
// session and serves it until either side ends.
func (b *Broker) newSession(ctx context.Context, conn *wsConn, env *Envelope, fp auth.Fingerprint) {
	creds := &auth.Credentials{
		APIKey:      []byte(env.APIKey),
		AccessToken: []byte(env.AccessToken),
	}
	res, err := auth.Validate(creds)
	creds.Zeroize()
	if err != nil {
		logger.Infow("credential validation failed", "error", err.Error())
		b.reject(conn, NewErrorFrame(KindInvalidCredentials, "credential validation failed"),
			CloseInvalidCredentials, "invalid credentials")
		return
	}

	sess := session.New(res.Class, res.Hash, fp, b.cfg.OutputBufferMaxLines, b.cfg.OutputBufferMaxBytes)
	if err := sess.Transition(session.StateAuthenticated); err != nil {
		b.fail(ctx, sess, conn, KindInternalError, "session state corrupt")
		return
	}

	if err := b.registry.Register(sess); err != nil {
		b.metrics.SessionsEnded.WithLabelValues(session.StateRejected.String()).Inc()
		b.reject(conn, NewErrorFrame(KindAdmissionDenied, err.Error()), ClosePolicy, "admission denied")
		return
	}
	b.metrics.SessionsStarted.WithLabelValues(sess.Class().String()).Inc()
	b.metrics.ActiveSessions.WithLabelValues(sess.Class().String()).Inc()

	if err := sess.Transition(session.StateProvisioning); err != nil {
		b.fail(ctx, sess, conn, KindInternalError, "session state corrupt")
		return
	}
	_ = conn.SendStatus(pump.StatusConnecting, "")

	createCtx, cancel := context.WithTimeout(ctx, createTimeout)
	containerID, err := b.runtime.Create(createCtx, b.createOptions(sess.ID))
	cancel()
	if err != nil {
		logger.Errorw("sandbox provisioning failed",
			"session_id", sess.ID,
			"error", err.Error(),
		)
		b.fail(ctx, sess, conn, KindContainerUnavailable, "sandbox provisioning failed")
		return
	}
	sess.SetContainerID(containerID)
	b.registry.BindContainer(sess.ID, containerID)

	streams, err := b.runtime.Attach(ctx, containerID)
	if err != nil {
		logger.Errorw("sandbox attach failed",
			"session_id", sess.ID,
			"container_id", containerID,
			"error", err.Error(),
		)
		b.fail(ctx, sess, conn, KindContainerUnavailable, "sandbox attach failed")
		return
	}

	if err := sess.Transition(session.StateAttached); err != nil {
		streams.Close()
		b.fail(ctx, sess, conn, KindInternalError, "session state corrupt")
		return
	}
	b.serve(ctx, conn, sess, streams)
}

// resumeSession authorises a resume against the stored credential hash and
// re-attaches the client to its orphaned session.
func (b *Broker) resumeSession(ctx context.Context, conn *wsConn, env *Envelope, fp auth.Fingerprint) {
	if d := b.resumeLimiter.Allow(env.SessionID); !d.Allowed {
		b.metrics.Throttled.WithLabelValues("resume").Inc()
		frame := NewErrorFrame(KindRateLimited, "too many resume attempts for this session")
		frame.RetryAfterSeconds = int(d.RetryAfter.Seconds())
		b.reject(conn, frame, ClosePolicy, "rate limited")
		return
	}

	sess, err := b.registry.Get(env.SessionID)
	if err != nil {
		b.metrics.Resumes.WithLabelValues("denied").Inc()
		b.reject(conn, NewErrorFrame(KindSessionNotFound, "unknown session"),
			CloseInvalidSession, "unknown session")
		return
	}

	creds := &auth.Credentials{
		APIKey:      []byte(env.APIKey),
		AccessToken: []byte(env.AccessToken),
	}
	res, err := auth.Validate(creds)
	creds.Zeroize()
	// One generic denial for both validation failure and hash mismatch, so
	// the response does not reveal which part of the tuple was wrong.
	if err != nil || !res.Hash.Equal(sess.CredentialHash) {
		b.metrics.Resumes.WithLabelValues("denied").Inc()
		b.reject(conn, NewErrorFrame(KindResumeDenied, "resume denied"), CloseResumeDenied, "resume denied")
		return
	}

	if !sess.BeginAttach() {
		b.metrics.Resumes.WithLabelValues("denied").Inc()
		b.reject(conn, NewErrorFrame(KindResumeDenied, "another attach is in progress"),
			CloseResumeDenied, "resume denied")
		return
	}
	defer sess.EndAttach()

	if sess.State() != session.StateOrphaned {
		b.metrics.Resumes.WithLabelValues("denied").Inc()
		b.reject(conn, NewErrorFrame(KindResumeDenied, "session is not resumable"),
			CloseResumeDenied, "resume denied")
		return
	}
	b.cancelGrace(sess.ID)

	if fp != sess.Fingerprint {
		// Advisory only: mobile clients change addresses legitimately.
		logger.Infow("client fingerprint changed on resume", "session_id", sess.ID)
	}

	streams, err := b.runtime.Attach(ctx, sess.ContainerID())
	if err != nil {
		logger.Errorw("re-attach failed",
			"session_id", sess.ID,
			"error", err.Error(),
		)
		b.fail(ctx, sess, conn, KindContainerUnavailable, "sandbox attach failed")
		return
	}
	if err := sess.Transition(session.StateAttached); err != nil {
		streams.Close()
		b.fail(ctx, sess, conn, KindInternalError, "session state corrupt")
		return
	}

	b.metrics.Resumes.WithLabelValues("ok").Inc()
	logger.Infow("session resumed",
		"session_id", sess.ID,
		"resume_count", sess.ResumeCount(),
	)
	b.serve(ctx, conn, sess, streams)
}

// serve pumps an attached session until the container stream ends or the
// client disconnects, then routes the session to its next state.
func (b *Broker) serve(ctx context.Context, conn *wsConn, sess *session.Session, streams container.AttachStreams) {
	p := pump.New(pump.ModeRawTTY, sess, streams, conn, func(rctx context.Context, rows, cols uint) error {
		return b.runtime.Resize(rctx, sess.ContainerID(), rows, cols)
	})

	keepaliveDone := make(chan struct{})
	go conn.keepalive(keepaliveDone)

	pumpDone := make(chan error, 1)
	go func() { pumpDone <- p.Run(ctx) }()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if !ratelimit.WithinBufferCap(0, len(msg), maxInboundMessageBytes) {
			logger.Warnf("dropping oversized inbound message (%d bytes) for session %s", len(msg), sess.ID)
			continue
		}
		b.metrics.InputBytes.Add(float64(len(msg)))
		if err := p.HandleInbound(ctx, msg); err != nil {
			logger.Debugf("inbound write failed for session %s: %v", sess.ID, err)
			break
		}
	}
	close(keepaliveDone)

	// The read loop ends either because the pump closed the transport after
	// a container exit, or because the client went away. Give the pump a
	// moment to report before concluding the client disconnected.
	var pumpErr error
	pumpEnded := true
	select {
	case pumpErr = <-pumpDone:
	case <-time.After(pumpSettleWindow):
		pumpEnded = false
	}
	if pumpEnded && !errors.Is(pumpErr, pump.ErrSinkFailed) {
		if pumpErr != nil && !errors.Is(pumpErr, pump.ErrDetached) {
			logger.Warnf("pump for session %s failed: %v", sess.ID, pumpErr)
		}
		b.terminalize(ctx, sess, session.StateTerminal, "container exited")
		return
	}

	// Client disconnect with the container still alive: either the read
	// loop ended with the pump still running, or the pump hit the dead
	// transport mid-write.
	p.Detach()
	if !pumpEnded {
		<-pumpDone
	}

	if sess.Class() == auth.ClassAuthenticated {
		b.orphan(ctx, sess)
		return
	}
	b.terminalize(ctx, sess, session.StateTerminal, "anonymous client disconnected")
}

// fail moves the session to failed with a best-effort teardown and tells the
// client why.
func (b *Broker) fail(ctx context.Context, sess *session.Session, conn *wsConn, kind ErrorKind, msg string) {
	_ = conn.SendStatus(pump.StatusError, msg)
	_ = conn.SendError(NewErrorFrame(kind, msg))
	b.terminalize(ctx, sess, session.StateFailed, msg)
	_ = conn.CloseWith(websocket.CloseInternalServerErr, msg)
}

// createOptions assembles the sandbox shape for one session from the static
// configuration and the verified security posture.
func (b *Broker) createOptions(sessionID string) container.CreateOptions {
	opts := container.CreateOptions{
		SessionID:   sessionID,
		Image:       b.cfg.ContainerImage,
		NetworkName: b.cfg.ContainerNetworkName,
		MemoryBytes: b.cfg.ContainerMemoryBytes,
		PidsLimit:   b.cfg.ContainerPidsLimit,
		NanoCPUs:    int64(b.cfg.ContainerCPUs * 1e9),
	}
	if b.security != nil {
		opts.SeccompProfilePath = b.security.EffectiveSeccompPath
		opts.AppArmorProfileName = b.security.EffectiveAppArmorProfile
		if b.security.EffectiveNetworkName != "" {
			opts.NetworkName = b.security.EffectiveNetworkName
		}
	}
	return opts
}
