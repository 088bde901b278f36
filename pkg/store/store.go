package store

import (
	"context"

	"plugin-fleet/pkg/model"
)

// ClusterDirectory resolves cluster membership.
type ClusterDirectory interface {
	// NodeAddresses returns the member slots of a cluster, placeholders included.
	NodeAddresses(ctx context.Context, clusterID string) ([]model.NodeAddress, error)
	ClusterExists(ctx context.Context, clusterID string) (bool, error)
}

// ClusterAdmin maintains cluster membership records.
type ClusterAdmin interface {
	UpsertCluster(ctx context.Context, clusterID string, nodeIPs []string) (model.Cluster, error)
	ListClusters(ctx context.Context) ([]model.Cluster, error)
}

// UpgradeRequestStore persists upgrade requests.
type UpgradeRequestStore interface {
	CreateUpgrade(ctx context.Context, req model.UpgradeRequest) (model.UpgradeRequest, error)
	// GetUpgrade returns model.ErrNotFound when id is unknown.
	GetUpgrade(ctx context.Context, id uint64) (model.UpgradeRequest, error)
	ListUpgrades(ctx context.Context, clusterID string) ([]model.UpgradeRequest, error)
	// SetUpgradeState moves id from one state to another and returns model.ErrStateConflict
	// when the stored state is no longer from.
	SetUpgradeState(ctx context.Context, actor string, id uint64, from, to model.UpgradeState) error
	AppendGreyNode(ctx context.Context, id uint64, nodeIP string) error
}

// DesiredPluginStore persists the plugins each cluster is expected to run.
type DesiredPluginStore interface {
	ListDesired(ctx context.Context, clusterID string) ([]model.DesiredPlugin, error)
	PutDesired(ctx context.Context, p model.DesiredPlugin) error
	DeleteDesired(ctx context.Context, clusterID, name, version string) error
}

// CommandStore queues commands for node agents.
type CommandStore interface {
	// AppendCommand stores cmd and returns it with its store-assigned ID.
	AppendCommand(ctx context.Context, cmd model.Command) (model.Command, error)
	// ListCommands returns commands for a node with ID greater than after, oldest first.
	ListCommands(ctx context.Context, clusterID, nodeIP string, after uint64, limit int) ([]model.Command, error)
}

// AuditStore records operations against the control plane.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry model.AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error)
}

// UserStore holds console users.
type UserStore interface {
	CountUsers(ctx context.Context) (int64, error)
	CreateUser(ctx context.Context, u model.User) (model.User, error)
	// FindUser returns model.ErrNotFound when username is unknown.
	FindUser(ctx context.Context, username string) (model.User, error)
}

// Store is the full persistence surface used by the controller.
type Store interface {
	ClusterDirectory
	ClusterAdmin
	UpgradeRequestStore
	DesiredPluginStore
	CommandStore
	AuditStore
	UserStore
	Ping(ctx context.Context) error
}

// NewMemory is a helper to construct the in-memory implementation without importing it directly.
func NewMemory() Store {
	return NewMemoryStore()
}
