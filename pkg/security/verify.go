// Package security runs the startup verification of the sandbox hardening
// stack. In production every check must pass before the broker accepts its
// first connection; in development and CI a failed check degrades the
// corresponding feature with a warning instead.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shellbroker/shellbroker/pkg/logger"
)

// apparmorEnabledPath is where the kernel reports AppArmor availability.
const apparmorEnabledPath = "/sys/module/apparmor/parameters/enabled"

// apparmorProfilesPath lists the loaded AppArmor profiles, one per line as
// "<name> (<mode>)".
const apparmorProfilesPath = "/sys/kernel/security/apparmor/profiles"

// NetworkEnsurer is the slice of the container runtime the verifier needs.
type NetworkEnsurer interface {
	EnsureRestrictedNetwork(ctx context.Context, name string) error
}

// Options configures a verification run.
type Options struct {
	// SeccompProfilePath is the configured seccomp profile, empty to skip.
	SeccompProfilePath string
	// AppArmorProfileName is the configured AppArmor profile, empty to skip.
	AppArmorProfileName string
	// NetworkName is the restricted sandbox network.
	NetworkName string
	// Strict makes any failed check fatal instead of degrading.
	Strict bool
}

// Result reports the outcome of verification. When a non-strict check fails
// the corresponding Effective field is cleared so provisioning proceeds
// without that layer.
type Result struct {
	// EffectiveNetworkName is the network sandboxes join: the restricted
	// bridge when verified, the default bridge when degraded.
	EffectiveNetworkName string
	// EffectiveSeccompPath is the materialized profile path to hand to the
	// runtime, empty when seccomp is skipped or degraded away.
	EffectiveSeccompPath string
	// EffectiveAppArmorProfile is the profile name to apply, empty when
	// AppArmor is unavailable or degraded away.
	EffectiveAppArmorProfile string
	// Degraded lists the hardening layers that were disabled.
	Degraded []string

	cleanup func()
}

// Cleanup removes any temporary files the verification materialized.
func (r *Result) Cleanup() {
	if r.cleanup != nil {
		r.cleanup()
	}
}

// Verify runs all hardening checks. With Options.Strict any failure is
// returned as an error; otherwise failures log a warning and the layer is
// recorded in Result.Degraded.
func Verify(ctx context.Context, ensurer NetworkEnsurer, opts Options) (*Result, error) {
	res := &Result{EffectiveNetworkName: opts.NetworkName}

	if err := ensurer.EnsureRestrictedNetwork(ctx, opts.NetworkName); err != nil {
		if opts.Strict {
			return nil, fmt.Errorf("restricted network verification failed: %w", err)
		}
		logger.Warnf("restricted network %s unavailable, sandboxes will use the default bridge: %v",
			opts.NetworkName, err)
		res.EffectiveNetworkName = "bridge"
		res.Degraded = append(res.Degraded, "network")
	}

	if opts.SeccompProfilePath != "" {
		path, cleanup, err := materializeSeccompProfile(opts.SeccompProfilePath)
		if err != nil {
			if opts.Strict {
				return nil, fmt.Errorf("seccomp verification failed: %w", err)
			}
			logger.Warnf("seccomp profile unusable, sandboxes will run without it: %v", err)
			res.Degraded = append(res.Degraded, "seccomp")
		} else {
			res.EffectiveSeccompPath = path
			res.cleanup = cleanup
		}
	}

	if opts.AppArmorProfileName != "" {
		if err := checkAppArmor(opts.AppArmorProfileName); err != nil {
			if opts.Strict {
				return nil, fmt.Errorf("apparmor verification failed: %w", err)
			}
			logger.Warnf("apparmor unavailable, sandboxes will run without it: %v", err)
			res.Degraded = append(res.Degraded, "apparmor")
		} else {
			res.EffectiveAppArmorProfile = opts.AppArmorProfileName
		}
	}

	if len(res.Degraded) > 0 {
		logger.Warnw("running with degraded sandbox hardening",
			"disabled_layers", strings.Join(res.Degraded, ","),
		)
	} else {
		logger.Info("sandbox hardening verified")
	}
	return res, nil
}

// seccompProfile is the subset of the profile schema the verifier inspects.
type seccompProfile struct {
	DefaultAction string `json:"defaultAction"`
	Syscalls      []struct {
		Names  []string `json:"names"`
		Action string   `json:"action"`
	} `json:"syscalls"`
}

// materializeSeccompProfile validates the configured profile and copies it to
// a private 0600 file, so a later edit of the original cannot change what
// running sandboxes were started with.
func materializeSeccompProfile(path string) (string, func(), error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("read profile: %w", err)
	}

	var profile seccompProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return "", nil, fmt.Errorf("profile is not valid JSON: %w", err)
	}
	if profile.DefaultAction == "" {
		return "", nil, fmt.Errorf("profile %s has no defaultAction", path)
	}

	dir, err := os.MkdirTemp("", "shellbroker-seccomp-")
	if err != nil {
		return "", nil, fmt.Errorf("create staging dir: %w", err)
	}
	staged := filepath.Join(dir, "profile.json")
	if err := os.WriteFile(staged, raw, 0600); err != nil {
		_ = os.RemoveAll(dir)
		return "", nil, fmt.Errorf("stage profile: %w", err)
	}

	cleanup := func() {
		if err := os.RemoveAll(dir); err != nil {
			logger.Warnf("failed to remove staged seccomp profile: %v", err)
		}
	}
	return staged, cleanup, nil
}

// checkAppArmor reports whether the kernel has AppArmor enabled and the
// named profile loaded. Without the load check a missing profile would only
// surface later, at the first container start.
func checkAppArmor(profile string) error {
	raw, err := os.ReadFile(apparmorEnabledPath)
	if err != nil {
		return fmt.Errorf("apparmor not available: %w", err)
	}
	if strings.TrimSpace(string(raw)) != "Y" {
		return fmt.Errorf("apparmor is present but not enabled")
	}

	loaded, err := os.ReadFile(apparmorProfilesPath)
	if err != nil {
		return fmt.Errorf("apparmor profile list unreadable: %w", err)
	}
	if !apparmorProfileLoaded(loaded, profile) {
		return fmt.Errorf("apparmor profile %s is not loaded", profile)
	}
	return nil
}

// apparmorProfileLoaded scans the kernel's profile list for the given name.
func apparmorProfileLoaded(list []byte, name string) bool {
	for _, line := range strings.Split(string(list), "\n") {
		prof, _, _ := strings.Cut(strings.TrimSpace(line), " ")
		if prof == name {
			return true
		}
	}
	return false
}
