package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/juju/clock"

	"plugin-fleet/pkg/model"
)

// MemoryStore is a simple in-memory implementation, intended for dev/demo and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	clusters  map[string]model.Cluster
	upgrades  map[uint64]model.UpgradeRequest
	desired   map[string][]model.DesiredPlugin
	commands  []model.Command
	audit     []model.AuditEntry
	users     map[string]model.User
	nextReqID uint64
	nextCmdID uint64
	nextDesID uint64
	nextUser  uint
	clock     clock.Clock
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clock.WallClock)
}

// NewMemoryStoreWithClock stamps records with clk.
func NewMemoryStoreWithClock(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryStore{
		clusters: make(map[string]model.Cluster),
		upgrades: make(map[uint64]model.UpgradeRequest),
		desired:  make(map[string][]model.DesiredPlugin),
		users:    make(map[string]model.User),
		clock:    clk,
	}
}

// Ping reports readiness for health/info endpoints.
func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) UpsertCluster(_ context.Context, clusterID string, nodeIPs []string) (model.Cluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[clusterID]
	if !ok {
		c = model.Cluster{ID: clusterID, CreatedAt: m.clock.Now()}
	}
	c.Nodes = make([]model.ClusterNode, 0, len(nodeIPs))
	for _, ip := range nodeIPs {
		c.Nodes = append(c.Nodes, model.ClusterNode{ClusterID: clusterID, NodeIP: ip})
	}
	c.UpdatedAt = m.clock.Now()
	m.clusters[clusterID] = c
	return c, nil
}

func (m *MemoryStore) ListClusters(context.Context) ([]model.Cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Cluster, 0, len(m.clusters))
	for _, c := range m.clusters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) NodeAddresses(_ context.Context, clusterID string) ([]model.NodeAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clusters[clusterID]
	if !ok {
		return nil, fmt.Errorf("cluster %s: %w", clusterID, model.ErrNotFound)
	}
	return model.NodeAddresses(c.NodeIPs()), nil
}

func (m *MemoryStore) ClusterExists(_ context.Context, clusterID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.clusters[clusterID]
	return ok, nil
}

func (m *MemoryStore) CreateUpgrade(_ context.Context, req model.UpgradeRequest) (model.UpgradeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextReqID++
	req.ID = m.nextReqID
	now := m.clock.Now()
	req.CreatedAt = now
	req.UpdatedAt = now
	m.upgrades[req.ID] = req
	return req, nil
}

func (m *MemoryStore) GetUpgrade(_ context.Context, id uint64) (model.UpgradeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.upgrades[id]
	if !ok {
		return model.UpgradeRequest{}, fmt.Errorf("upgrade request %d: %w", id, model.ErrNotFound)
	}
	return u, nil
}

func (m *MemoryStore) ListUpgrades(_ context.Context, clusterID string) ([]model.UpgradeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.UpgradeRequest{}
	for _, u := range m.upgrades {
		if clusterID == "" || u.ClusterID == clusterID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SetUpgradeState(_ context.Context, actor string, id uint64, from, to model.UpgradeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.upgrades[id]
	if !ok {
		return fmt.Errorf("upgrade request %d: %w", id, model.ErrNotFound)
	}
	if u.State != from {
		return fmt.Errorf("upgrade request %d is %s, expected %s: %w", id, u.State, from, model.ErrStateConflict)
	}
	u.State = to
	u.Approver = actor
	u.UpdatedAt = m.clock.Now()
	m.upgrades[id] = u
	return nil
}

func (m *MemoryStore) AppendGreyNode(_ context.Context, id uint64, nodeIP string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.upgrades[id]
	if !ok {
		return fmt.Errorf("upgrade request %d: %w", id, model.ErrNotFound)
	}
	u.GreyIPs = model.AppendGreyIP(u.GreyIPs, nodeIP)
	m.upgrades[id] = u
	return nil
}

func (m *MemoryStore) ListDesired(_ context.Context, clusterID string) ([]model.DesiredPlugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.DesiredPlugin(nil), m.desired[clusterID]...), nil
}

func (m *MemoryStore) PutDesired(_ context.Context, p model.DesiredPlugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.desired[p.ClusterID]
	for i, existing := range list {
		if existing.PluginName == p.PluginName && existing.PluginVersion == p.PluginVersion {
			p.ID = existing.ID
			p.CreatedAt = existing.CreatedAt
			list[i] = p
			return nil
		}
	}
	m.nextDesID++
	p.ID = m.nextDesID
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.clock.Now()
	}
	m.desired[p.ClusterID] = append(list, p)
	return nil
}

func (m *MemoryStore) DeleteDesired(_ context.Context, clusterID, name, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.desired[clusterID]
	keep := list[:0]
	for _, p := range list {
		if p.PluginName == name && p.PluginVersion == version {
			continue
		}
		keep = append(keep, p)
	}
	m.desired[clusterID] = keep
	return nil
}

func (m *MemoryStore) AppendCommand(_ context.Context, cmd model.Command) (model.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCmdID++
	cmd.ID = m.nextCmdID
	m.commands = append(m.commands, cmd)
	return cmd, nil
}

func (m *MemoryStore) ListCommands(_ context.Context, clusterID, nodeIP string, after uint64, limit int) ([]model.Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.Command{}
	for _, c := range m.commands {
		if c.ID <= after || c.ClusterID != clusterID || c.NodeIP != nodeIP {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = m.clock.Now()
	}
	m.audit = append(m.audit, entry)
	return nil
}

func (m *MemoryStore) ListAudit(_ context.Context, limit int) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.audit) {
		limit = len(m.audit)
	}
	out := make([]model.AuditEntry, 0, limit)
	start := len(m.audit) - limit
	for i := start; i < len(m.audit); i++ {
		out = append(out, m.audit[i])
	}
	return out, nil
}

func (m *MemoryStore) CountUsers(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.users)), nil
}

func (m *MemoryStore) CreateUser(_ context.Context, u model.User) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Username]; ok {
		return model.User{}, fmt.Errorf("user %s already exists", u.Username)
	}
	m.nextUser++
	u.ID = m.nextUser
	u.CreatedAt = m.clock.Now()
	m.users[u.Username] = u
	return u, nil
}

func (m *MemoryStore) FindUser(_ context.Context, username string) (model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	if !ok {
		return model.User{}, fmt.Errorf("user %s: %w", username, model.ErrNotFound)
	}
	return u, nil
}
