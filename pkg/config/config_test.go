package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8090", cfg.ListenAddress)
	assert.Equal(t, 50, cfg.MaxSessions)
	assert.Equal(t, 20, cfg.MaxAnonymousSessions)
	assert.Equal(t, 40, cfg.MaxAuthenticatedSessions)
	assert.Equal(t, 5*time.Minute, cfg.SessionOrphanGrace)
	assert.Equal(t, 30*time.Minute, cfg.SessionMaxIdle)
	assert.Equal(t, 1000, cfg.OutputBufferMaxLines)
	assert.Equal(t, 256*1024, cfg.OutputBufferMaxBytes)
	assert.True(t, cfg.EnableConnectionThrottling)
	assert.Equal(t, time.Minute, cfg.ConnectionThrottleWindow)
	assert.Equal(t, ProfileDevelopment, cfg.Environment)
	assert.False(t, cfg.RequireHardenedSecurity)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("SHELLBROKER_LISTEN_ADDRESS", "0.0.0.0:9000")
	t.Setenv("SHELLBROKER_MAX_SESSIONS", "7")
	t.Setenv("SHELLBROKER_SESSION_ORPHAN_GRACE", "90s")
	t.Setenv("SHELLBROKER_MAX_ANONYMOUS_SESSIONS", "3")
	t.Setenv("SHELLBROKER_MAX_AUTHENTICATED_SESSIONS", "7")
	t.Setenv("SHELLBROKER_CONTAINER_IMAGE", "example/sandbox:v2")
	t.Setenv("SHELLBROKER_ENVIRONMENT", "ci")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddress)
	assert.Equal(t, 7, cfg.MaxSessions)
	assert.Equal(t, 90*time.Second, cfg.SessionOrphanGrace)
	assert.Equal(t, "example/sandbox:v2", cfg.ContainerImage)
	assert.Equal(t, ProfileCI, cfg.Environment)
}

func TestLoad_ProductionForcesHardenedSecurity(t *testing.T) {
	t.Setenv("SHELLBROKER_ENVIRONMENT", "production")
	t.Setenv("SHELLBROKER_REQUIRE_HARDENED_SECURITY", "false")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.True(t, cfg.RequireHardenedSecurity)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		cfg, err := Load(viper.New())
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "zero max sessions",
			mutate:  func(c *Config) { c.MaxSessions = 0 },
			wantErr: "max_sessions",
		},
		{
			name:    "anonymous cap above global",
			mutate:  func(c *Config) { c.MaxAnonymousSessions = c.MaxSessions + 1 },
			wantErr: "max_anonymous_sessions",
		},
		{
			name:    "authenticated cap above global",
			mutate:  func(c *Config) { c.MaxAuthenticatedSessions = c.MaxSessions + 1 },
			wantErr: "max_authenticated_sessions",
		},
		{
			name:    "negative orphan grace",
			mutate:  func(c *Config) { c.SessionOrphanGrace = -time.Second },
			wantErr: "session_orphan_grace",
		},
		{
			name:    "zero buffer cap",
			mutate:  func(c *Config) { c.OutputBufferMaxBytes = 0 },
			wantErr: "buffer caps",
		},
		{
			name: "throttle window required when enabled",
			mutate: func(c *Config) {
				c.EnableConnectionThrottling = true
				c.ConnectionThrottleWindow = 0
			},
			wantErr: "connection_throttle_window",
		},
		{
			name:    "empty image",
			mutate:  func(c *Config) { c.ContainerImage = "" },
			wantErr: "container_image",
		},
		{
			name:    "unknown profile",
			mutate:  func(c *Config) { c.Environment = Profile("staging") },
			wantErr: "unknown environment profile",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
