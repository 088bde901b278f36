package api

import "plugin-fleet/pkg/model"

// UpgradeActionRequest drives one step of an upgrade request.
type UpgradeActionRequest struct {
	PluginUpgradeID uint64 `json:"pluginUpgradeId"`
	Action          string `json:"action"`
	// NodeIP targets a single node for a canary upgrade. Empty means the whole cluster.
	NodeIP string `json:"nodeIp,omitempty"`
}

// RemovePluginRequest removes a plugin version from every node of a cluster.
type RemovePluginRequest struct {
	ClusterID     string `json:"clusterId"`
	PluginName    string `json:"pluginName"`
	PluginVersion string `json:"pluginVersion"`
}

// CreateUpgradeRequest submits a new plugin change for approval.
type CreateUpgradeRequest struct {
	ClusterID     string           `json:"clusterId"`
	PluginName    string           `json:"pluginName"`
	PluginVersion string           `json:"pluginVersion"`
	PluginType    model.PluginType `json:"pluginType"`
	Applicant     string           `json:"applicant,omitempty"`
}

// ClusterRequest registers a cluster and its node list. An empty address is a placeholder slot.
type ClusterRequest struct {
	ClusterID string   `json:"clusterId"`
	Nodes     []string `json:"nodes"`
}

// RuntimeRequest records a plugin the cluster is expected to run.
type RuntimeRequest struct {
	ClusterID     string           `json:"clusterId"`
	PluginName    string           `json:"pluginName"`
	PluginVersion string           `json:"pluginVersion"`
	PluginType    model.PluginType `json:"pluginType"`
}

// ActionResponse is returned after an accepted action.
type ActionResponse struct {
	Status string             `json:"status"`
	State  model.UpgradeState `json:"state"`
}

// SyncResponse wraps a reconciliation batch for the agent.
type SyncResponse struct {
	Status   int         `json:"status"`
	Response interface{} `json:"response"`
}

type errorResponse struct {
	Error  string   `json:"error"`
	Failed []string `json:"failed,omitempty"`
}
