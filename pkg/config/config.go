// Package config materialises the broker configuration from environment
// variables and command-line flags into a single immutable record.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Profile selects how strictly the broker treats security verification
// failures at startup.
type Profile string

// Recognised environment profiles.
const (
	ProfileDevelopment Profile = "development"
	ProfileCI          Profile = "ci"
	ProfileProduction  Profile = "production"
)

// EnvPrefix is the prefix for all broker environment variables, e.g.
// SHELLBROKER_LISTEN_ADDRESS.
const EnvPrefix = "SHELLBROKER"

// Config is the immutable broker configuration. It is materialised once at
// startup by Load and never mutated afterwards.
type Config struct {
	// ListenAddress is the host:port the websocket listener binds to.
	ListenAddress string

	// Admission caps.
	MaxSessions              int
	MaxAnonymousSessions     int
	MaxAuthenticatedSessions int

	// SessionOrphanGrace is how long an orphaned session remains resumable
	// before its container is reaped.
	SessionOrphanGrace time.Duration

	// SessionMaxIdle terminates an attached session after this long without
	// client activity.
	SessionMaxIdle time.Duration

	// Output ring-buffer bounds.
	OutputBufferMaxLines int
	OutputBufferMaxBytes int

	// Per-IP connection throttle.
	EnableConnectionThrottling   bool
	MaxConnectionsPerIPPerMinute int
	ConnectionThrottleWindow     time.Duration

	// Per-session resume throttle.
	MaxResumeAttemptsPerSessionPerMinute int

	// Container shape.
	ContainerImage       string
	ContainerNetworkName string
	ContainerMemoryBytes int64
	ContainerPidsLimit   int64
	ContainerCPUs        float64

	// Security posture.
	SeccompProfilePath      string
	AppArmorProfileName     string
	RequireHardenedSecurity bool

	// Environment controls whether missing security profiles fail-fast
	// (production) or degrade with a warning (development, ci).
	Environment Profile
}

// setDefaults registers the default value for every recognised option.
func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_address", "127.0.0.1:8090")

	v.SetDefault("max_sessions", 50)
	v.SetDefault("max_anonymous_sessions", 20)
	v.SetDefault("max_authenticated_sessions", 40)

	v.SetDefault("session_orphan_grace", 5*time.Minute)
	v.SetDefault("session_max_idle", 30*time.Minute)

	v.SetDefault("output_buffer_max_lines", 1000)
	v.SetDefault("output_buffer_max_bytes", 256*1024)

	v.SetDefault("enable_connection_throttling", true)
	v.SetDefault("max_connections_per_ip_per_minute", 10)
	v.SetDefault("connection_throttle_window", time.Minute)

	v.SetDefault("max_resume_attempts_per_session_per_minute", 5)

	v.SetDefault("container_image", "shellbroker/sandbox:latest")
	v.SetDefault("container_network_name", "shellbroker-restricted")
	v.SetDefault("container_memory_bytes", int64(512*1024*1024))
	v.SetDefault("container_pids_limit", int64(128))
	v.SetDefault("container_cpus", 1.0)

	v.SetDefault("seccomp_profile_path", "")
	v.SetDefault("apparmor_profile_name", "")
	v.SetDefault("require_hardened_security", false)

	v.SetDefault("environment", string(ProfileDevelopment))
}

// Load reads configuration from the environment (SHELLBROKER_* variables,
// upper-cased option names) plus any values already bound to v by flags, and
// returns the validated, immutable Config.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		ListenAddress: v.GetString("listen_address"),

		MaxSessions:              v.GetInt("max_sessions"),
		MaxAnonymousSessions:     v.GetInt("max_anonymous_sessions"),
		MaxAuthenticatedSessions: v.GetInt("max_authenticated_sessions"),

		SessionOrphanGrace: v.GetDuration("session_orphan_grace"),
		SessionMaxIdle:     v.GetDuration("session_max_idle"),

		OutputBufferMaxLines: v.GetInt("output_buffer_max_lines"),
		OutputBufferMaxBytes: v.GetInt("output_buffer_max_bytes"),

		EnableConnectionThrottling:   v.GetBool("enable_connection_throttling"),
		MaxConnectionsPerIPPerMinute: v.GetInt("max_connections_per_ip_per_minute"),
		ConnectionThrottleWindow:     v.GetDuration("connection_throttle_window"),

		MaxResumeAttemptsPerSessionPerMinute: v.GetInt("max_resume_attempts_per_session_per_minute"),

		ContainerImage:       v.GetString("container_image"),
		ContainerNetworkName: v.GetString("container_network_name"),
		ContainerMemoryBytes: v.GetInt64("container_memory_bytes"),
		ContainerPidsLimit:   v.GetInt64("container_pids_limit"),
		ContainerCPUs:        v.GetFloat64("container_cpus"),

		SeccompProfilePath:      v.GetString("seccomp_profile_path"),
		AppArmorProfileName:     v.GetString("apparmor_profile_name"),
		RequireHardenedSecurity: v.GetBool("require_hardened_security"),

		Environment: Profile(strings.ToLower(v.GetString("environment"))),
	}

	// Production always requires the hardened posture, regardless of the
	// explicit toggle.
	if cfg.Environment == ProfileProduction {
		cfg.RequireHardenedSecurity = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal coherence.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address must not be empty")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive, got %d", c.MaxSessions)
	}
	if c.MaxAnonymousSessions < 0 || c.MaxAuthenticatedSessions < 0 {
		return fmt.Errorf("per-class session caps must not be negative")
	}
	if c.MaxAnonymousSessions > c.MaxSessions {
		return fmt.Errorf("max_anonymous_sessions (%d) exceeds max_sessions (%d)",
			c.MaxAnonymousSessions, c.MaxSessions)
	}
	if c.MaxAuthenticatedSessions > c.MaxSessions {
		return fmt.Errorf("max_authenticated_sessions (%d) exceeds max_sessions (%d)",
			c.MaxAuthenticatedSessions, c.MaxSessions)
	}
	if c.SessionOrphanGrace <= 0 {
		return fmt.Errorf("session_orphan_grace must be positive")
	}
	if c.SessionMaxIdle <= 0 {
		return fmt.Errorf("session_max_idle must be positive")
	}
	if c.OutputBufferMaxLines <= 0 || c.OutputBufferMaxBytes <= 0 {
		return fmt.Errorf("output buffer caps must be positive")
	}
	if c.EnableConnectionThrottling {
		if c.MaxConnectionsPerIPPerMinute <= 0 {
			return fmt.Errorf("max_connections_per_ip_per_minute must be positive when throttling is enabled")
		}
		if c.ConnectionThrottleWindow <= 0 {
			return fmt.Errorf("connection_throttle_window must be positive when throttling is enabled")
		}
	}
	if c.MaxResumeAttemptsPerSessionPerMinute <= 0 {
		return fmt.Errorf("max_resume_attempts_per_session_per_minute must be positive")
	}
	if c.ContainerImage == "" {
		return fmt.Errorf("container_image must not be empty")
	}
	if c.ContainerNetworkName == "" {
		return fmt.Errorf("container_network_name must not be empty")
	}

	switch c.Environment {
	case ProfileDevelopment, ProfileCI, ProfileProduction:
	default:
		return fmt.Errorf("unknown environment profile %q", c.Environment)
	}
	return nil
}

// IsProduction reports whether the broker runs under the production profile.
func (c *Config) IsProduction() bool {
	return c.Environment == ProfileProduction
}
