// Package command turns plugin actions into per-node command records and
// fans them out over the nodes of a cluster.
package command

import (
	"github.com/google/uuid"
	"github.com/juju/clock"

	"plugin-fleet/pkg/model"
)

// KindFor maps an action to the command a node must run.
// Actions that never reach a node map to CommandUnknown.
func KindFor(action model.Action) model.CommandKind {
	switch action {
	case model.ActionDownload:
		return model.CommandDownload
	case model.ActionUpgrade:
		return model.CommandUpgrade
	case model.ActionRemove:
		return model.CommandRemove
	default:
		return model.CommandUnknown
	}
}

// Plugin identifies the plugin a command is about. Type is only carried onto
// commands that install files.
type Plugin struct {
	Name    string
	Version string
	Type    *model.PluginType
}

// Factory builds command records.
type Factory struct {
	clock  clock.Clock
	newRef func() string
}

// NewFactory returns a Factory stamping commands with clk. A nil clock means wall time.
func NewFactory(clk clock.Clock) *Factory {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Factory{clock: clk, newRef: uuid.NewString}
}

// Build returns the command for one node.
func (f *Factory) Build(action model.Action, clusterID string, node model.NodeAddress, p Plugin) model.Command {
	return f.build(KindFor(action), clusterID, node, p)
}

// BuildKind is Build for callers that already hold a command kind, such as reconciliation.
func (f *Factory) BuildKind(kind model.CommandKind, clusterID string, node model.NodeAddress, p Plugin) model.Command {
	return f.build(kind, clusterID, node, p)
}

func (f *Factory) build(kind model.CommandKind, clusterID string, node model.NodeAddress, p Plugin) model.Command {
	cmd := model.Command{
		Ref:           f.newRef(),
		ClusterID:     clusterID,
		NodeIP:        node.IP(),
		PluginName:    p.Name,
		PluginVersion: p.Version,
		Kind:          kind,
		CreatedAt:     f.clock.Now(),
	}
	// removal needs no target directory, so no type
	if kind.Installs() && p.Type != nil {
		t := *p.Type
		cmd.PluginType = &t
	}
	return cmd
}
