//go:build consul

package consul

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/juju/clock"

	"plugin-fleet/pkg/model"
)

// Store keeps controller state in the Consul KV store.
type Store struct {
	cli   *consulapi.Client
	clock clock.Clock
}

const (
	clusterPrefix = "plugin-fleet/clusters/"
	upgradePrefix = "plugin-fleet/upgrades/"
	desiredPrefix = "plugin-fleet/desired/"
	commandPrefix = "plugin-fleet/commands/"
	auditPrefix   = "plugin-fleet/audit/"
	userPrefix    = "plugin-fleet/users/"
	seqPrefix     = "plugin-fleet/seq/"

	casRetries = 16
)

// NewStore connects to the agent at addr. Records are stamped with clk; nil means wall time.
func NewStore(addr string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Store{cli: cli, clock: clk}, nil
}

// Client exposes the underlying Consul client for watch helpers.
func (s *Store) Client() *consulapi.Client {
	return s.cli
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := s.cli.Status().Leader()
	return err
}

func q(ctx context.Context) *consulapi.QueryOptions {
	return (&consulapi.QueryOptions{}).WithContext(ctx)
}

func w(ctx context.Context) *consulapi.WriteOptions {
	return (&consulapi.WriteOptions{}).WithContext(ctx)
}

// seqKey keeps lexical order equal to numeric order.
func seqKey(id uint64) string {
	return fmt.Sprintf("%020d", id)
}

// nextID increments a named counter with check-and-set.
func (s *Store) nextID(ctx context.Context, name string) (uint64, error) {
	key := seqPrefix + name
	for i := 0; i < casRetries; i++ {
		kv, _, err := s.cli.KV().Get(key, q(ctx))
		if err != nil {
			return 0, err
		}
		var cur, index uint64
		if kv != nil {
			cur, _ = strconv.ParseUint(string(kv.Value), 10, 64)
			index = kv.ModifyIndex
		}
		next := cur + 1
		ok, _, err := s.cli.KV().CAS(&consulapi.KVPair{Key: key, Value: []byte(strconv.FormatUint(next, 10)), ModifyIndex: index}, w(ctx))
		if err != nil {
			return 0, err
		}
		if ok {
			return next, nil
		}
	}
	return 0, fmt.Errorf("allocate %s id: too much contention", name)
}

func (s *Store) put(ctx context.Context, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.cli.KV().Put(&consulapi.KVPair{Key: key, Value: b}, w(ctx))
	return err
}

func list[T any](ctx context.Context, s *Store, prefix string) ([]T, error) {
	pairs, _, err := s.cli.KV().List(prefix, q(ctx))
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(pairs))
	for _, p := range pairs {
		var v T
		if err := json.Unmarshal(p.Value, &v); err == nil {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *Store) UpsertCluster(ctx context.Context, clusterID string, nodeIPs []string) (model.Cluster, error) {
	now := s.clock.Now()
	c := model.Cluster{ID: clusterID, CreatedAt: now}
	kv, _, err := s.cli.KV().Get(clusterPrefix+clusterID, q(ctx))
	if err != nil {
		return model.Cluster{}, err
	}
	if kv != nil {
		var prev model.Cluster
		if err := json.Unmarshal(kv.Value, &prev); err == nil {
			c.CreatedAt = prev.CreatedAt
		}
	}
	c.UpdatedAt = now
	for _, ip := range nodeIPs {
		c.Nodes = append(c.Nodes, model.ClusterNode{ClusterID: clusterID, NodeIP: ip})
	}
	if err := s.put(ctx, clusterPrefix+clusterID, c); err != nil {
		return model.Cluster{}, err
	}
	return c, nil
}

func (s *Store) ListClusters(ctx context.Context) ([]model.Cluster, error) {
	return list[model.Cluster](ctx, s, clusterPrefix)
}

func (s *Store) getCluster(ctx context.Context, clusterID string) (*model.Cluster, error) {
	kv, _, err := s.cli.KV().Get(clusterPrefix+clusterID, q(ctx))
	if err != nil || kv == nil {
		return nil, err
	}
	var c model.Cluster
	if err := json.Unmarshal(kv.Value, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) NodeAddresses(ctx context.Context, clusterID string) ([]model.NodeAddress, error) {
	c, err := s.getCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("cluster %s: %w", clusterID, model.ErrNotFound)
	}
	return model.NodeAddresses(c.NodeIPs()), nil
}

func (s *Store) ClusterExists(ctx context.Context, clusterID string) (bool, error) {
	c, err := s.getCluster(ctx, clusterID)
	return c != nil, err
}

func (s *Store) CreateUpgrade(ctx context.Context, req model.UpgradeRequest) (model.UpgradeRequest, error) {
	id, err := s.nextID(ctx, "upgrade")
	if err != nil {
		return model.UpgradeRequest{}, err
	}
	now := s.clock.Now()
	req.ID = id
	req.CreatedAt = now
	req.UpdatedAt = now
	if err := s.put(ctx, upgradePrefix+seqKey(id), req); err != nil {
		return model.UpgradeRequest{}, err
	}
	return req, nil
}

func (s *Store) getUpgrade(ctx context.Context, id uint64) (model.UpgradeRequest, uint64, error) {
	kv, _, err := s.cli.KV().Get(upgradePrefix+seqKey(id), q(ctx))
	if err != nil {
		return model.UpgradeRequest{}, 0, err
	}
	if kv == nil {
		return model.UpgradeRequest{}, 0, fmt.Errorf("upgrade request %d: %w", id, model.ErrNotFound)
	}
	var u model.UpgradeRequest
	if err := json.Unmarshal(kv.Value, &u); err != nil {
		return model.UpgradeRequest{}, 0, err
	}
	return u, kv.ModifyIndex, nil
}

func (s *Store) GetUpgrade(ctx context.Context, id uint64) (model.UpgradeRequest, error) {
	u, _, err := s.getUpgrade(ctx, id)
	return u, err
}

func (s *Store) ListUpgrades(ctx context.Context, clusterID string) ([]model.UpgradeRequest, error) {
	all, err := list[model.UpgradeRequest](ctx, s, upgradePrefix)
	if err != nil {
		return nil, err
	}
	if clusterID == "" {
		return all, nil
	}
	out := all[:0]
	for _, u := range all {
		if u.ClusterID == clusterID {
			out = append(out, u)
		}
	}
	return out, nil
}

// casUpgrade rewrites a request guarded by its ModifyIndex.
func (s *Store) casUpgrade(ctx context.Context, id uint64, mutate func(*model.UpgradeRequest) error) error {
	for i := 0; i < casRetries; i++ {
		u, index, err := s.getUpgrade(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(&u); err != nil {
			return err
		}
		u.UpdatedAt = s.clock.Now()
		b, err := json.Marshal(u)
		if err != nil {
			return err
		}
		ok, _, err := s.cli.KV().CAS(&consulapi.KVPair{Key: upgradePrefix + seqKey(id), Value: b, ModifyIndex: index}, w(ctx))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("upgrade request %d: %w", id, model.ErrStateConflict)
}

func (s *Store) SetUpgradeState(ctx context.Context, actor string, id uint64, from, to model.UpgradeState) error {
	return s.casUpgrade(ctx, id, func(u *model.UpgradeRequest) error {
		if u.State != from {
			return fmt.Errorf("upgrade request %d is no longer %s: %w", id, from, model.ErrStateConflict)
		}
		u.State = to
		u.Approver = actor
		return nil
	})
}

func (s *Store) AppendGreyNode(ctx context.Context, id uint64, nodeIP string) error {
	return s.casUpgrade(ctx, id, func(u *model.UpgradeRequest) error {
		u.GreyIPs = model.AppendGreyIP(u.GreyIPs, nodeIP)
		return nil
	})
}

// DesiredPrefix is the KV prefix holding the desired plugins of a cluster.
func DesiredPrefix(clusterID string) string {
	return desiredPrefix + clusterID + "/"
}

func desiredKey(clusterID, name, version string) string {
	return DesiredPrefix(clusterID) + name + "@" + version
}

func (s *Store) ListDesired(ctx context.Context, clusterID string) ([]model.DesiredPlugin, error) {
	out, err := list[model.DesiredPlugin](ctx, s, DesiredPrefix(clusterID))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) PutDesired(ctx context.Context, p model.DesiredPlugin) error {
	key := desiredKey(p.ClusterID, p.PluginName, p.PluginVersion)
	kv, _, err := s.cli.KV().Get(key, q(ctx))
	if err != nil {
		return err
	}
	p.CreatedAt = s.clock.Now()
	if kv != nil {
		var prev model.DesiredPlugin
		if err := json.Unmarshal(kv.Value, &prev); err == nil {
			p.ID = prev.ID
			p.CreatedAt = prev.CreatedAt
		}
	}
	if p.ID == 0 {
		if p.ID, err = s.nextID(ctx, "desired"); err != nil {
			return err
		}
	}
	return s.put(ctx, key, p)
}

func (s *Store) DeleteDesired(ctx context.Context, clusterID, name, version string) error {
	_, err := s.cli.KV().Delete(desiredKey(clusterID, name, version), w(ctx))
	return err
}

func commandNodePrefix(clusterID, nodeIP string) string {
	return commandPrefix + clusterID + "/" + nodeIP + "/"
}

func (s *Store) AppendCommand(ctx context.Context, cmd model.Command) (model.Command, error) {
	id, err := s.nextID(ctx, "command")
	if err != nil {
		return model.Command{}, err
	}
	cmd.ID = id
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = s.clock.Now()
	}
	if err := s.put(ctx, commandNodePrefix(cmd.ClusterID, cmd.NodeIP)+seqKey(id), cmd); err != nil {
		return model.Command{}, err
	}
	return cmd, nil
}

func (s *Store) ListCommands(ctx context.Context, clusterID, nodeIP string, after uint64, limit int) ([]model.Command, error) {
	all, err := list[model.Command](ctx, s, commandNodePrefix(clusterID, nodeIP))
	if err != nil {
		return nil, err
	}
	out := []model.Command{}
	for _, c := range all {
		if c.ID <= after {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now()
	}
	key := fmt.Sprintf("%s%d-%s", auditPrefix, entry.Timestamp.UnixNano(), strings.ReplaceAll(entry.Target, "/", "_"))
	return s.put(ctx, key, entry)
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	out, err := list[model.AuditEntry](ctx, s, auditPrefix)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	keys, _, err := s.cli.KV().Keys(userPrefix, "", q(ctx))
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

func (s *Store) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	id, err := s.nextID(ctx, "user")
	if err != nil {
		return model.User{}, err
	}
	u.ID = uint(id)
	u.CreatedAt = s.clock.Now()
	b, err := json.Marshal(u)
	if err != nil {
		return model.User{}, err
	}
	// index 0 only succeeds when the key does not exist yet
	ok, _, err := s.cli.KV().CAS(&consulapi.KVPair{Key: userPrefix + u.Username, Value: b}, w(ctx))
	if err != nil {
		return model.User{}, err
	}
	if !ok {
		return model.User{}, fmt.Errorf("user %s already exists", u.Username)
	}
	return u, nil
}

func (s *Store) FindUser(ctx context.Context, username string) (model.User, error) {
	kv, _, err := s.cli.KV().Get(userPrefix+username, q(ctx))
	if err != nil {
		return model.User{}, err
	}
	if kv == nil {
		return model.User{}, fmt.Errorf("user %s: %w", username, model.ErrNotFound)
	}
	var u model.User
	err = json.Unmarshal(kv.Value, &u)
	return u, err
}

// WatchPrefix streams KV snapshots of prefix using blocking queries until ctx is done.
func WatchPrefix(ctx context.Context, cli *consulapi.Client, prefix string, out chan<- []*consulapi.KVPair) error {
	if cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	opts := &consulapi.QueryOptions{}
	go func() {
		defer close(out)
		for {
			kv, meta, err := cli.KV().List(prefix, opts.WithContext(ctx))
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			if meta.LastIndex == opts.WaitIndex {
				continue
			}
			opts.WaitIndex = meta.LastIndex
			select {
			case out <- kv:
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
