package workflow

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/im7mortal/kmutex"

	"plugin-fleet/pkg/command"
	"plugin-fleet/pkg/model"
	"plugin-fleet/pkg/store"
)

// Dispatcher sends command intents to nodes.
type Dispatcher interface {
	ToNode(ctx context.Context, in command.Intent, node model.NodeAddress) ([]model.Command, error)
	ToCluster(ctx context.Context, in command.Intent) ([]model.Command, error)
}

// Request is an action submitted against an upgrade request.
type Request struct {
	UpgradeID uint64
	Action    string
	// Target is the canary node of an upgrade; a placeholder means none was given.
	Target model.NodeAddress
	Actor  string
}

// Result describes an applied action.
type Result struct {
	Upgrade  model.UpgradeRequest
	Previous model.UpgradeState
	Commands []model.Command
}

// Changed reports whether the stored state moved.
func (r Result) Changed() bool { return r.Upgrade.State != r.Previous }

// Workflow applies actions to stored upgrade requests.
type Workflow struct {
	requests   store.UpgradeRequestStore
	desired    store.DesiredPluginStore
	dispatcher Dispatcher
	locks      *kmutex.Kmutex
	logger     hclog.Logger
}

// New returns a Workflow. desired may be nil, in which case DONE and REMOVE do not
// touch the cluster's desired plugin set.
func New(requests store.UpgradeRequestStore, desired store.DesiredPluginStore, dispatcher Dispatcher, logger hclog.Logger) *Workflow {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Workflow{
		requests:   requests,
		desired:    desired,
		dispatcher: dispatcher,
		locks:      kmutex.New(),
		logger:     logger.Named("workflow"),
	}
}

// Apply runs one action. Actions on the same request are serialized; a missing request or an
// illegal action fails before any command is sent or any state is written.
func (w *Workflow) Apply(ctx context.Context, req Request) (Result, error) {
	w.locks.Lock(req.UpgradeID)
	defer w.locks.Unlock(req.UpgradeID)

	up, err := w.requests.GetUpgrade(ctx, req.UpgradeID)
	if err != nil {
		return Result{}, err
	}
	action, _ := model.ParseAction(req.Action)
	tr, err := Plan(action, up.State, req.Target)
	if err != nil {
		w.logger.Info("action rejected", "request", up.ID, "action", req.Action, "state", up.State)
		return Result{}, err
	}

	res := Result{Upgrade: up, Previous: up.State}
	if tr.Emits() {
		res.Commands, err = w.emit(ctx, up, tr)
		if err != nil {
			return res, err
		}
	}

	// the grey node goes first so a failed write never leaves a moved state behind
	if !req.Target.IsPlaceholder() {
		if err := w.requests.AppendGreyNode(ctx, up.ID, req.Target.IP()); err != nil {
			return res, fmt.Errorf("record grey node of upgrade request %d: %w", up.ID, err)
		}
		res.Upgrade.GreyIPs = model.AppendGreyIP(res.Upgrade.GreyIPs, req.Target.IP())
	}
	if tr.Next != up.State {
		if err := w.requests.SetUpgradeState(ctx, req.Actor, up.ID, up.State, tr.Next); err != nil {
			return res, fmt.Errorf("persist state of upgrade request %d: %w", up.ID, err)
		}
		res.Upgrade.State = tr.Next
		res.Upgrade.Approver = req.Actor
		w.syncDesired(ctx, up, tr.Next)
	}

	w.logger.Info("action applied", "request", up.ID, "action", action, "from", res.Previous,
		"to", res.Upgrade.State, "commands", len(res.Commands), "actor", req.Actor)
	return res, nil
}

func (w *Workflow) emit(ctx context.Context, up model.UpgradeRequest, tr Transition) ([]model.Command, error) {
	in := command.Intent{
		Action:    tr.Command,
		ClusterID: up.ClusterID,
		Plugin: command.Plugin{
			Name:    up.PluginName,
			Version: up.PluginVersion,
			Type:    model.PluginTypePtr(up.PluginType),
		},
	}
	if !tr.Target.IsPlaceholder() {
		return w.dispatcher.ToNode(ctx, in, tr.Target)
	}
	return w.dispatcher.ToCluster(ctx, in)
}

// syncDesired keeps the cluster's desired plugin set in line with finished requests.
func (w *Workflow) syncDesired(ctx context.Context, up model.UpgradeRequest, next model.UpgradeState) {
	if w.desired == nil {
		return
	}
	var err error
	switch next {
	case model.StateDone:
		err = w.desired.PutDesired(ctx, model.DesiredPlugin{
			ClusterID:     up.ClusterID,
			PluginName:    up.PluginName,
			PluginVersion: up.PluginVersion,
			PluginType:    up.PluginType,
		})
	case model.StateRemove:
		err = w.desired.DeleteDesired(ctx, up.ClusterID, up.PluginName, up.PluginVersion)
	default:
		return
	}
	if err != nil {
		w.logger.Warn("desired plugin update failed", "request", up.ID, "cluster", up.ClusterID,
			"plugin", up.PluginName, "version", up.PluginVersion, "error", err)
	}
}
