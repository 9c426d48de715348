package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"

	containerpkg "github.com/shellbroker/shellbroker/pkg/container"
	"github.com/shellbroker/shellbroker/pkg/logger"
)

// bridgeICCOption is the bridge driver knob for inter-container traffic.
const bridgeICCOption = "com.docker.network.bridge.enable_icc"

// EnsureRestrictedNetwork finds or creates the sandbox bridge network with
// inter-container communication disabled, so sandboxes cannot talk to each
// other even when attached to the same bridge.
func (c *Client) EnsureRestrictedNetwork(ctx context.Context, name string) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("name", name)

	networks, err := c.client.NetworkList(ctx, network.ListOptions{Filters: filterArgs})
	if err != nil {
		return containerpkg.NewError(err, "", fmt.Sprintf("failed to list networks: %v", err))
	}

	for _, nw := range networks {
		if nw.Name != name {
			continue
		}
		info, err := c.client.NetworkInspect(ctx, nw.ID, network.InspectOptions{})
		if err != nil {
			return containerpkg.NewError(err, "", fmt.Sprintf("failed to inspect network %s: %v", name, err))
		}
		if info.Options[bridgeICCOption] != "false" {
			return fmt.Errorf("network %s exists but inter-container communication is not disabled", name)
		}
		logger.Debugf("restricted network %s already present", name)
		return nil
	}

	_, err = c.client.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Options: map[string]string{
			bridgeICCOption: "false",
		},
		Labels: map[string]string{
			containerpkg.ManagedLabel: "true",
		},
	})
	if err != nil {
		return containerpkg.NewError(err, "", fmt.Sprintf("failed to create network %s: %v", name, err))
	}

	logger.Infof("created restricted network %s", name)
	return nil
}
