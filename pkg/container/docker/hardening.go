package docker

import (
	"github.com/docker/docker/api/types/container"

	containerpkg "github.com/shellbroker/shellbroker/pkg/container"
)

// tmpfsSpec shapes the only writable mounts a sandbox gets. Scratch space
// without the ability to stage or run binaries.
const tmpfsSpec = "rw,noexec,nosuid,size=64m"

// sandboxHome gives the image's non-root user a writable home on top of the
// read-only rootfs.
const sandboxHome = "/home/sandbox"

// sandboxConfig builds the container config for a session sandbox. The TTY is
// allocated here so the attach stream carries raw terminal bytes.
func sandboxConfig(opts containerpkg.CreateOptions) *container.Config {
	cfg := &container.Config{
		Image:        opts.Image,
		Env:          opts.Env,
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Labels: map[string]string{
			containerpkg.ManagedLabel: "true",
			containerpkg.SessionLabel: opts.SessionID,
		},
	}
	if len(opts.Cmd) > 0 {
		cfg.Cmd = opts.Cmd
	}
	return cfg
}

// sandboxHostConfig builds the hardened host config: read-only rootfs, noexec
// tmpfs scratch, all capabilities dropped, no privilege escalation, optional
// seccomp and AppArmor confinement, hard resource caps, and the restricted
// bridge network.
func sandboxHostConfig(opts containerpkg.CreateOptions) *container.HostConfig {
	securityOpt := []string{"no-new-privileges:true"}
	if opts.SeccompProfilePath != "" {
		securityOpt = append(securityOpt, "seccomp="+opts.SeccompProfilePath)
	}
	if opts.AppArmorProfileName != "" {
		securityOpt = append(securityOpt, "apparmor="+opts.AppArmorProfileName)
	}

	pids := opts.PidsLimit
	return &container.HostConfig{
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp":      tmpfsSpec,
			sandboxHome: tmpfsSpec,
		},
		CapDrop:     []string{"ALL"},
		SecurityOpt: securityOpt,
		NetworkMode: container.NetworkMode(opts.NetworkName),
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled,
		},
		Resources: container.Resources{
			Memory:    opts.MemoryBytes,
			NanoCPUs:  opts.NanoCPUs,
			PidsLimit: &pids,
		},
	}
}
