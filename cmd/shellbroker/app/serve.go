package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/shellbroker/shellbroker/pkg/broker"
	"github.com/shellbroker/shellbroker/pkg/config"
	"github.com/shellbroker/shellbroker/pkg/container/docker"
	"github.com/shellbroker/shellbroker/pkg/logger"
	"github.com/shellbroker/shellbroker/pkg/security"
	"github.com/shellbroker/shellbroker/pkg/telemetry"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session broker",
		RunE:  runServe,
	}

	flags := cmd.Flags()
	flags.String("listen-address", "127.0.0.1:8090", "Address the websocket listener binds to")
	flags.String("environment", "development", "Environment profile: development, ci or production")
	flags.String("container-image", "shellbroker/sandbox:latest", "Sandbox image")
	flags.String("container-network-name", "shellbroker-restricted", "Restricted bridge network for sandboxes")
	flags.String("seccomp-profile-path", "", "Seccomp profile JSON applied to sandboxes")
	flags.String("apparmor-profile-name", "", "AppArmor profile applied to sandboxes")
	flags.Int("max-sessions", 50, "Global live session cap")
	flags.Int("max-anonymous-sessions", 20, "Anonymous session cap")
	flags.Int("max-authenticated-sessions", 40, "Authenticated session cap")
	flags.Duration("session-orphan-grace", 5*time.Minute, "How long an orphaned session stays resumable")
	flags.Duration("session-max-idle", 30*time.Minute, "Idle time after which an attached session is terminated")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	// Config keys use underscores; the flags use the conventional dashes.
	bindings := map[string]string{
		"listen_address":             "listen-address",
		"environment":                "environment",
		"container_image":            "container-image",
		"container_network_name":     "container-network-name",
		"seccomp_profile_path":       "seccomp-profile-path",
		"apparmor_profile_name":      "apparmor-profile-name",
		"max_sessions":               "max-sessions",
		"max_anonymous_sessions":     "max-anonymous-sessions",
		"max_authenticated_sessions": "max-authenticated-sessions",
		"session_orphan_grace":       "session-orphan-grace",
		"session_max_idle":           "session-max-idle",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := docker.NewClient(ctx)
	if err != nil {
		return err
	}

	exists, err := rt.ImageExists(ctx, cfg.ContainerImage)
	if err != nil {
		return err
	}
	if !exists {
		if err := rt.PullImage(ctx, cfg.ContainerImage); err != nil {
			return err
		}
	}

	secResult, err := security.Verify(ctx, rt, security.Options{
		SeccompProfilePath:  cfg.SeccompProfilePath,
		AppArmorProfileName: cfg.AppArmorProfileName,
		NetworkName:         cfg.ContainerNetworkName,
		Strict:              cfg.RequireHardenedSecurity,
	})
	if err != nil {
		return err
	}
	defer secResult.Cleanup()

	b := broker.New(cfg, rt, telemetry.New(), secResult)
	if err := b.ReapStale(ctx); err != nil {
		logger.Warnf("stale sandbox reaping failed: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(gctx)
	})
	g.Go(func() error {
		logger.Infow("broker listening",
			"address", cfg.ListenAddress,
			"environment", string(cfg.Environment),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		b.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
