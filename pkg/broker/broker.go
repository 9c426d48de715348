// Package broker accepts client connections, drives each session through its
// lifecycle and owns the background reapers. It is the only package that
// touches the websocket transport directly.
package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/shellbroker/shellbroker/pkg/config"
	"github.com/shellbroker/shellbroker/pkg/container"
	"github.com/shellbroker/shellbroker/pkg/logger"
	"github.com/shellbroker/shellbroker/pkg/ratelimit"
	"github.com/shellbroker/shellbroker/pkg/security"
	"github.com/shellbroker/shellbroker/pkg/session"
	"github.com/shellbroker/shellbroker/pkg/telemetry"
)

// preAuthTimeout bounds how long a fresh connection may sit silent before its
// auth envelope arrives.
const preAuthTimeout = 5 * time.Second

// idleScanInterval is how often attached sessions are checked against the
// idle cap.
const idleScanInterval = 30 * time.Second

// createTimeout bounds sandbox provisioning for one session.
const createTimeout = 30 * time.Second

// pumpSettleWindow is how long serve waits after the read loop ends for the
// pump to report a container exit, before concluding the client disconnected.
const pumpSettleWindow = 200 * time.Millisecond

// Broker ties the transport, the session registry, the rate limiters and the
// container runtime together.
type Broker struct {
	cfg      *config.Config
	runtime  container.Runtime
	registry *session.Registry
	metrics  *telemetry.Metrics
	security *security.Result

	connLimiter   *ratelimit.Limiter
	resumeLimiter *ratelimit.Limiter
	upgrader      websocket.Upgrader

	mu     sync.Mutex
	grace  map[string]*time.Timer
	closed bool
}

// New creates a broker over the given runtime. secResult may be nil when no
// hardening verification ran (tests).
func New(cfg *config.Config, runtime container.Runtime, metrics *telemetry.Metrics, secResult *security.Result) *Broker {
	b := &Broker{
		cfg:           cfg,
		runtime:       runtime,
		registry:      session.NewRegistry(cfg.MaxSessions, cfg.MaxAnonymousSessions, cfg.MaxAuthenticatedSessions),
		metrics:       metrics,
		security:      secResult,
		resumeLimiter: ratelimit.NewResumeLimiter(cfg.MaxResumeAttemptsPerSessionPerMinute, time.Minute),
		grace:         make(map[string]*time.Timer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The broker fronts terminal clients from arbitrary origins;
			// credentials travel in the first frame, not in cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if cfg.EnableConnectionThrottling {
		b.connLimiter = ratelimit.NewConnectionLimiter(cfg.MaxConnectionsPerIPPerMinute, cfg.ConnectionThrottleWindow)
	}
	if secResult != nil && len(secResult.Degraded) > 0 {
		metrics.SecurityDegraded.Set(1)
	}
	return b
}

// Handler returns the broker's HTTP surface: the websocket endpoint, the
// health probe and the metrics scrape.
func (b *Broker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	mux.HandleFunc("/healthz", b.handleHealth)
	mux.Handle("/metrics", b.metrics.Handler())
	return mux
}

func (b *Broker) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	w.Header().Set("Content-Type", "application/json")
	if err := b.registry.ValidateInvariants(); err != nil {
		logger.Errorf("registry invariant violated: %v", err)
		status = "error"
		w.WriteHeader(http.StatusInternalServerError)
	}
	degraded := b.security != nil && len(b.security.Degraded) > 0
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":           status,
		"securityDegraded": degraded,
		"activeSessions":   b.registry.CountsSnapshot().Total,
	})
}

// Run drives the background loops until ctx is cancelled: limiter sweeps, the
// idle session scan and the container exit event stream.
func (b *Broker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if b.connLimiter != nil {
		g.Go(func() error {
			b.connLimiter.Sweep(ctx)
			return nil
		})
	}
	g.Go(func() error {
		b.resumeLimiter.Sweep(ctx)
		return nil
	})
	g.Go(func() error {
		b.idleScan(ctx)
		return nil
	})
	g.Go(func() error {
		b.consumeExitEvents(ctx)
		return nil
	})

	return g.Wait()
}

// ReapStale destroys broker-managed containers left behind by a previous run.
// Sessions do not survive a restart, so any managed container found at
// startup is garbage.
func (b *Broker) ReapStale(ctx context.Context) error {
	ids, err := b.runtime.ListManaged(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := b.runtime.Destroy(ctx, id); err != nil {
			logger.Warnf("failed to reap stale sandbox %s: %v", id, err)
			continue
		}
		logger.Infof("reaped stale sandbox %s", id)
	}
	return nil
}

// Shutdown tears down every live session. New work is refused afterwards.
func (b *Broker) Shutdown(ctx context.Context) {
	b.mu.Lock()
	b.closed = true
	for id, timer := range b.grace {
		timer.Stop()
		delete(b.grace, id)
	}
	b.mu.Unlock()

	for _, s := range b.registry.List() {
		b.terminalize(ctx, s, session.StateTerminal, "broker shutting down")
	}
}
