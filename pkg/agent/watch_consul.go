//go:build consul

package agent

import (
	"context"

	consulapi "github.com/hashicorp/consul/api"

	"plugin-fleet/pkg/consul"
)

// WatchEnabled returns true when consul tag is on.
func WatchEnabled() bool { return true }

// StartDesiredWatch calls onChange whenever the desired plugin set of clusterID changes in Consul.
func StartDesiredWatch(ctx context.Context, addr, token, clusterID string, onChange func()) error {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	if token != "" {
		cfg.Token = token
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return err
	}
	ch := make(chan []*consulapi.KVPair, 1)
	if err := consul.WatchPrefix(ctx, cli, consul.DesiredPrefix(clusterID), ch); err != nil {
		return err
	}
	go func() {
		for range ch {
			onChange()
		}
	}()
	return nil
}
