// Package agent runs on every cluster node. It reports the plugins the node holds,
// applies the corrections the controller returns and executes queued plugin commands.
package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/juju/clock"

	"plugin-fleet/pkg/model"
	"plugin-fleet/pkg/reconcile"
)

// Config holds agent settings.
type Config struct {
	Controller   string
	ClusterID    string
	NodeIP       string
	Token        string
	SyncInterval time.Duration
	PollInterval time.Duration
	// Push enables the websocket listener that triggers an early command poll.
	Push bool
	TLS  *tls.Config
}

// Agent reconciles one node against the controller.
type Agent struct {
	cfg     Config
	client  *Client
	inv     *Inventory
	clock   clock.Clock
	logger  hclog.Logger
	pollNow chan struct{}
	syncNow chan struct{}
}

func New(cfg Config, client *Client, inv *Inventory, clk clock.Clock, logger hclog.Logger) *Agent {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Agent{
		cfg:     cfg,
		client:  client,
		inv:     inv,
		clock:   clk,
		logger:  logger.Named("agent").With("cluster", cfg.ClusterID, "node", cfg.NodeIP),
		pollNow: make(chan struct{}, 1),
		syncNow: make(chan struct{}, 1),
	}
}

// TriggerPoll asks the command loop to poll without waiting for the interval.
func (a *Agent) TriggerPoll() {
	select {
	case a.pollNow <- struct{}{}:
	default:
	}
}

// TriggerSync asks the sync loop to report without waiting for the interval.
func (a *Agent) TriggerSync() {
	select {
	case a.syncNow <- struct{}{}:
	default:
	}
}

// SyncOnce reports enabled plugins and applies the returned batch.
func (a *Agent) SyncOnce(ctx context.Context) error {
	plugins, err := a.inv.Enabled(ctx)
	if err != nil {
		return fmt.Errorf("read inventory: %w", err)
	}
	batch, err := a.client.Sync(ctx, model.SyncReport{ClusterID: a.cfg.ClusterID, NodeIP: a.cfg.NodeIP, Plugins: plugins})
	if err != nil {
		return err
	}
	if batch == nil {
		a.logger.Trace("nothing to reconcile")
		return nil
	}
	for _, action := range batch.Actions {
		if action.ActionType != model.CommandDownAndEnable {
			a.logger.Warn("unsupported sync action", "action", action.ActionType)
			continue
		}
		for _, p := range action.Plugins {
			if err := a.install(ctx, p); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Agent) install(ctx context.Context, p reconcile.Plugin) error {
	a.logger.Info("enabling missing plugin", "plugin", p.Name, "version", p.Version, "type", p.Type)
	return a.inv.Mark(ctx, model.ReportedPlugin{Name: p.Name, Version: p.Version, Type: p.Type}, StatusEnabled)
}

// PollOnce fetches commands after the stored cursor and applies them in order.
// It returns the number of commands applied.
func (a *Agent) PollOnce(ctx context.Context) (int, error) {
	after, err := a.inv.Cursor(ctx)
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	cmds, err := a.client.Commands(ctx, a.cfg.ClusterID, a.cfg.NodeIP, after)
	if err != nil {
		return 0, err
	}
	for i, cmd := range cmds {
		if err := a.apply(ctx, cmd); err != nil {
			return i, fmt.Errorf("apply command %d: %w", cmd.ID, err)
		}
		if err := a.inv.SetCursor(ctx, cmd.ID); err != nil {
			return i, fmt.Errorf("store cursor: %w", err)
		}
	}
	return len(cmds), nil
}

func (a *Agent) apply(ctx context.Context, cmd model.Command) error {
	p := model.ReportedPlugin{Name: cmd.PluginName, Version: cmd.PluginVersion}
	if cmd.PluginType != nil {
		p.Type = *cmd.PluginType
	}
	log := a.logger.With("command", cmd.ID, "kind", cmd.Kind, "plugin", cmd.PluginName, "version", cmd.PluginVersion)
	switch cmd.Kind {
	case model.CommandDownload:
		log.Info("plugin downloaded")
		return a.inv.Mark(ctx, p, StatusDownloaded)
	case model.CommandUpgrade, model.CommandDownAndEnable:
		log.Info("plugin enabled")
		return a.inv.Mark(ctx, p, StatusEnabled)
	case model.CommandRemove:
		log.Info("plugin removed")
		return a.inv.Delete(ctx, cmd.PluginName, cmd.PluginVersion)
	default:
		log.Warn("skipping unknown command")
		return nil
	}
}

// Run drives the sync and command loops until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.Push {
		ws := newWSClient(a.cfg.Controller, a.cfg.ClusterID, a.cfg.NodeIP, a.cfg.Token, a.cfg.TLS, a.logger)
		if ws != nil {
			ws.on("command", func(json.RawMessage) { a.TriggerPoll() })
			go ws.run(ctx)
		}
	}

	syncT := a.clock.NewTimer(0)
	pollT := a.clock.NewTimer(0)
	defer syncT.Stop()
	defer pollT.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-syncT.Chan():
			a.doSync(ctx)
			syncT.Reset(a.cfg.SyncInterval)
		case <-a.syncNow:
			a.doSync(ctx)
		case <-pollT.Chan():
			a.doPoll(ctx)
			pollT.Reset(a.cfg.PollInterval)
		case <-a.pollNow:
			a.doPoll(ctx)
		}
	}
}

func (a *Agent) doSync(ctx context.Context) {
	if err := a.SyncOnce(ctx); err != nil && ctx.Err() == nil {
		a.logger.Warn("sync failed", "error", err)
	}
}

func (a *Agent) doPoll(ctx context.Context) {
	n, err := a.PollOnce(ctx)
	if err != nil && ctx.Err() == nil {
		a.logger.Warn("command poll failed", "applied", n, "error", err)
		return
	}
	if n > 0 {
		a.logger.Debug("commands applied", "count", n)
	}
}
