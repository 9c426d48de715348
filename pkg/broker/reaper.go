package broker

import (
	"context"
	"time"

	"github.com/shellbroker/shellbroker/pkg/logger"
	"github.com/shellbroker/shellbroker/pkg/session"
)

// orphan parks a disconnected authenticated session and arms its grace
// reaper. If the broker is already shutting down, or the session cannot enter
// orphaned, it goes straight to terminal.
func (b *Broker) orphan(ctx context.Context, sess *session.Session) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.terminalize(ctx, sess, session.StateTerminal, "broker shutting down")
		return
	}
	b.mu.Unlock()

	if err := sess.Transition(session.StateOrphaned); err != nil {
		b.terminalize(ctx, sess, session.StateTerminal, "client disconnected")
		return
	}

	logger.Infow("session orphaned",
		"session_id", sess.ID,
		"grace", b.cfg.SessionOrphanGrace.String(),
	)

	timer := time.AfterFunc(b.cfg.SessionOrphanGrace, func() {
		b.onGraceExpired(sess.ID)
	})

	b.mu.Lock()
	if old, ok := b.grace[sess.ID]; ok {
		old.Stop()
	}
	b.grace[sess.ID] = timer
	b.mu.Unlock()
}

// cancelGrace disarms the grace reaper for a session being resumed.
func (b *Broker) cancelGrace(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if timer, ok := b.grace[sessionID]; ok {
		timer.Stop()
		delete(b.grace, sessionID)
	}
}

// onGraceExpired fires when an orphaned session's grace window lapses without
// a resume.
func (b *Broker) onGraceExpired(sessionID string) {
	b.cancelGrace(sessionID)

	sess, err := b.registry.Get(sessionID)
	if err != nil {
		return
	}
	// A resume may have won the race; only still-orphaned sessions die.
	if sess.State() != session.StateOrphaned {
		return
	}
	b.terminalize(context.Background(), sess, session.StateTerminal, "orphan grace elapsed")
}

// idleScan terminates attached sessions whose client has been silent past the
// idle cap. Destroying the container ends the attach stream, so the pump
// delivers the disconnected frame and the user-exit close on its own.
func (b *Broker) idleScan(ctx context.Context) {
	ticker := time.NewTicker(idleScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range b.registry.List() {
				if sess.State() != session.StateAttached {
					continue
				}
				idle := time.Since(sess.LastActivity())
				if idle <= b.cfg.SessionMaxIdle {
					continue
				}
				logger.Infow("terminating idle session",
					"session_id", sess.ID,
					"idle", idle.String(),
				)
				if cid := sess.ContainerID(); cid != "" {
					if err := b.runtime.Destroy(ctx, cid); err != nil {
						logger.Warnf("failed to destroy idle sandbox %s: %v", cid, err)
					}
				}
			}
		}
	}
}

// consumeExitEvents watches the runtime for container deaths. An attached
// session learns of the exit through its pump; this loop covers orphaned
// sessions, whose containers have no pump watching them.
func (b *Broker) consumeExitEvents(ctx context.Context) {
	for {
		events, errs := b.runtime.Events(ctx)
		for ev := range events {
			sess, err := b.registry.ByContainer(ev.ContainerID)
			if err != nil {
				continue
			}
			if sess.State() != session.StateOrphaned {
				continue
			}
			logger.Infow("orphaned session's container exited",
				"session_id", sess.ID,
				"exit_code", ev.ExitCode,
			)
			b.terminalize(ctx, sess, session.StateTerminal, "container exited while orphaned")
		}
		if err, ok := <-errs; ok && err != nil {
			logger.Warnf("container event stream failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
			// Reconnect to the event stream.
		}
	}
}

// terminalize is the single teardown path. The state transition is the
// idempotency gate: once a session is final every later call is a no-op.
func (b *Broker) terminalize(ctx context.Context, sess *session.Session, target session.State, reason string) {
	if err := sess.Transition(target); err != nil {
		return
	}
	b.cancelGrace(sess.ID)

	if cid := sess.ContainerID(); cid != "" {
		if err := b.runtime.Destroy(ctx, cid); err != nil {
			logger.Warnf("failed to destroy sandbox %s: %v", cid, err)
		}
	}

	b.registry.Unregister(sess.ID)
	b.resumeLimiter.Reset(sess.ID)

	b.metrics.ActiveSessions.WithLabelValues(sess.Class().String()).Dec()
	b.metrics.SessionsEnded.WithLabelValues(target.String()).Inc()
	b.metrics.SessionDuration.Observe(time.Since(sess.CreatedAt).Seconds())

	logger.Infow("session ended",
		"session_id", sess.ID,
		"final_state", target.String(),
		"reason", reason,
	)
}
