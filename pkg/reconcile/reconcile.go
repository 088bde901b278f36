// Package reconcile compares the plugins a cluster should run with the plugins a
// node agent reports and builds the correction the agent has to apply.
package reconcile

import (
	"context"
	"strings"

	"github.com/hashicorp/go-hclog"

	"plugin-fleet/pkg/model"
	"plugin-fleet/pkg/store"
)

// Status tells the caller whether a batch was computed.
type Status int

const (
	// StatusNothingToReconcile means the cluster has no desired plugins recorded.
	StatusNothingToReconcile Status = iota
	// StatusComputed means desired plugins exist and the batch reflects the diff (possibly empty).
	StatusComputed
)

func (s Status) String() string {
	if s == StatusComputed {
		return "computed"
	}
	return "nothing_to_reconcile"
}

// Plugin is one entry of a corrective action.
type Plugin struct {
	Name    string           `json:"name"`
	Version string           `json:"version"`
	Type    model.PluginType `json:"type"`
}

// Action groups plugins the agent must handle the same way.
type Action struct {
	ActionType model.CommandKind `json:"actionType"`
	Plugins    []Plugin          `json:"plugins"`
}

// Batch is the whole correction for one cluster in one sync cycle.
type Batch struct {
	ClusterID string   `json:"clusterId"`
	Actions   []Action `json:"actions"`
}

// Empty reports whether the batch asks for nothing.
func (b Batch) Empty() bool { return len(b.Actions) == 0 }

// Result is a reconciliation outcome.
type Result struct {
	Status Status
	Batch  Batch
}

// Reconcile returns the plugins in desired that reported lacks, grouped into a single
// DOWN_AND_ENABLE action. Desired entries with a blank name or version are skipped.
// Output follows the order of desired.
func Reconcile(clusterID string, desired []model.DesiredPlugin, reported []model.ReportedPlugin) Result {
	if len(desired) == 0 {
		return Result{Status: StatusNothingToReconcile}
	}
	batch := Batch{ClusterID: clusterID, Actions: []Action{}}
	var missing []Plugin
	for _, d := range desired {
		if blank(d.PluginName) || blank(d.PluginVersion) {
			continue
		}
		if present(d, reported) {
			continue
		}
		missing = append(missing, Plugin{Name: d.PluginName, Version: d.PluginVersion, Type: d.PluginType})
	}
	if len(missing) > 0 {
		batch.Actions = append(batch.Actions, Action{ActionType: model.CommandDownAndEnable, Plugins: missing})
	}
	return Result{Status: StatusComputed, Batch: batch}
}

// Matches reports whether a reported plugin satisfies a desired one.
func Matches(d model.DesiredPlugin, r model.ReportedPlugin) bool {
	return !blank(d.PluginName) && d.PluginName == r.Name &&
		!blank(d.PluginVersion) && d.PluginVersion == r.Version &&
		d.PluginType == r.Type
}

func present(d model.DesiredPlugin, reported []model.ReportedPlugin) bool {
	for _, r := range reported {
		if Matches(d, r) {
			return true
		}
	}
	return false
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

// Engine answers sync reports from node agents.
type Engine struct {
	desired store.DesiredPluginStore
	logger  hclog.Logger
}

func NewEngine(desired store.DesiredPluginStore, logger hclog.Logger) *Engine {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Engine{desired: desired, logger: logger.Named("reconcile")}
}

// Sync loads the desired set of the reporting cluster and reconciles it against the report.
func (e *Engine) Sync(ctx context.Context, report model.SyncReport) (Result, error) {
	desired, err := e.desired.ListDesired(ctx, report.ClusterID)
	if err != nil {
		return Result{}, err
	}
	res := Reconcile(report.ClusterID, desired, report.Plugins)
	missing := 0
	for _, a := range res.Batch.Actions {
		missing += len(a.Plugins)
	}
	e.logger.Debug("sync reconciled", "cluster", report.ClusterID, "node", report.NodeIP,
		"status", res.Status, "desired", len(desired), "reported", len(report.Plugins), "missing", missing)
	return res, nil
}
