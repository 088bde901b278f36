package command

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"plugin-fleet/pkg/model"
	"plugin-fleet/pkg/store"
)

// Intent is one logical command before it is bound to nodes.
type Intent struct {
	Action    model.Action
	ClusterID string
	Plugin    Plugin
}

// FanoutError reports the nodes whose command could not be written.
// Commands written for the other nodes are kept.
type FanoutError struct {
	ClusterID string
	Action    model.Action
	Failed    []string
	err       *multierror.Error
}

func (e *FanoutError) Error() string {
	return fmt.Sprintf("%s command for cluster %s failed on %d node(s): %v", e.Action, e.ClusterID, len(e.Failed), e.err.ErrorOrNil())
}

func (e *FanoutError) Unwrap() error { return e.err.ErrorOrNil() }

// Dispatcher writes commands for a single node or for every node of a cluster.
type Dispatcher struct {
	directory store.ClusterDirectory
	commands  store.CommandStore
	factory   *Factory
	workers   int
	logger    hclog.Logger
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWorkers bounds concurrent per-node writes. Values below 1 mean sequential.
func WithWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n < 1 {
			n = 1
		}
		d.workers = n
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(l hclog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l.Named("fanout")
		}
	}
}

func NewDispatcher(directory store.ClusterDirectory, commands store.CommandStore, factory *Factory, opts ...DispatcherOption) *Dispatcher {
	if factory == nil {
		factory = NewFactory(nil)
	}
	d := &Dispatcher{
		directory: directory,
		commands:  commands,
		factory:   factory,
		workers:   1,
		logger:    hclog.NewNullLogger(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// ToNode writes exactly one command for node. A placeholder slot produces nothing.
func (d *Dispatcher) ToNode(ctx context.Context, in Intent, node model.NodeAddress) ([]model.Command, error) {
	return d.write(ctx, in, []model.NodeAddress{node})
}

// ToCluster writes one command per physical node of the cluster.
func (d *Dispatcher) ToCluster(ctx context.Context, in Intent) ([]model.Command, error) {
	nodes, err := d.directory.NodeAddresses(ctx, in.ClusterID)
	if err != nil {
		return nil, fmt.Errorf("resolve nodes of cluster %s: %w", in.ClusterID, err)
	}
	return d.write(ctx, in, nodes)
}

func (d *Dispatcher) write(ctx context.Context, in Intent, nodes []model.NodeAddress) ([]model.Command, error) {
	targets := make([]model.NodeAddress, 0, len(nodes))
	for _, n := range nodes {
		if n.IsPlaceholder() {
			d.logger.Trace("skipping placeholder slot", "cluster", in.ClusterID)
			continue
		}
		targets = append(targets, n)
	}

	written := make([]*model.Command, len(targets))
	var (
		mu     sync.Mutex
		merr   *multierror.Error
		failed []string
	)
	var g errgroup.Group
	g.SetLimit(d.workers)
	for i, node := range targets {
		g.Go(func() error {
			cmd := d.factory.Build(in.Action, in.ClusterID, node, in.Plugin)
			saved, err := d.commands.AppendCommand(ctx, cmd)
			if err != nil {
				d.logger.Warn("command write failed", "cluster", in.ClusterID, "node", node.IP(), "action", in.Action, "error", err)
				mu.Lock()
				merr = multierror.Append(merr, fmt.Errorf("node %s: %w", node.IP(), err))
				failed = append(failed, node.IP())
				mu.Unlock()
				return nil
			}
			written[i] = &saved
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.Command, 0, len(targets))
	for _, c := range written {
		if c != nil {
			out = append(out, *c)
		}
	}
	d.logger.Debug("commands written", "cluster", in.ClusterID, "action", in.Action, "plugin", in.Plugin.Name,
		"version", in.Plugin.Version, "written", len(out), "failed", len(failed))
	if merr != nil {
		return out, &FanoutError{ClusterID: in.ClusterID, Action: in.Action, Failed: failed, err: merr}
	}
	return out, nil
}
