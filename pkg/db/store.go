package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/juju/clock"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"plugin-fleet/pkg/model"
)

// Store is the MySQL-backed store of the controller.
type Store struct {
	db    *gorm.DB
	clock clock.Clock
}

// NewStore wraps db. Timestamps, including the ones gorm fills in, come from clk; nil means wall time.
func NewStore(db *gorm.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{db: db.Session(&gorm.Session{NowFunc: clk.Now}), clock: clk}
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) UpsertCluster(ctx context.Context, clusterID string, nodeIPs []string) (model.Cluster, error) {
	var out model.Cluster
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c := model.Cluster{ID: clusterID}
		if err := tx.Where(model.Cluster{ID: clusterID}).FirstOrCreate(&c).Error; err != nil {
			return err
		}
		if err := tx.Where("cluster_id = ?", clusterID).Delete(&model.ClusterNode{}).Error; err != nil {
			return err
		}
		nodes := make([]model.ClusterNode, 0, len(nodeIPs))
		for _, ip := range nodeIPs {
			nodes = append(nodes, model.ClusterNode{ClusterID: clusterID, NodeIP: ip})
		}
		if len(nodes) > 0 {
			if err := tx.Create(&nodes).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&c).Update("updated_at", s.clock.Now()).Error; err != nil {
			return err
		}
		c.Nodes = nodes
		out = c
		return nil
	})
	return out, err
}

func (s *Store) ListClusters(ctx context.Context) ([]model.Cluster, error) {
	var out []model.Cluster
	err := s.db.WithContext(ctx).
		Preload("Nodes", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Order("id").Find(&out).Error
	return out, err
}

func (s *Store) NodeAddresses(ctx context.Context, clusterID string) ([]model.NodeAddress, error) {
	ok, err := s.ClusterExists(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("cluster %s: %w", clusterID, model.ErrNotFound)
	}
	var ips []string
	if err := s.db.WithContext(ctx).Model(&model.ClusterNode{}).
		Where("cluster_id = ?", clusterID).Order("id").Pluck("node_ip", &ips).Error; err != nil {
		return nil, err
	}
	return model.NodeAddresses(ips), nil
}

func (s *Store) ClusterExists(ctx context.Context, clusterID string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Cluster{}).Where("id = ?", clusterID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) CreateUpgrade(ctx context.Context, req model.UpgradeRequest) (model.UpgradeRequest, error) {
	req.ID = 0
	if err := s.db.WithContext(ctx).Create(&req).Error; err != nil {
		return model.UpgradeRequest{}, err
	}
	return req, nil
}

func (s *Store) GetUpgrade(ctx context.Context, id uint64) (model.UpgradeRequest, error) {
	var u model.UpgradeRequest
	err := s.db.WithContext(ctx).First(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.UpgradeRequest{}, fmt.Errorf("upgrade request %d: %w", id, model.ErrNotFound)
	}
	return u, err
}

func (s *Store) ListUpgrades(ctx context.Context, clusterID string) ([]model.UpgradeRequest, error) {
	q := s.db.WithContext(ctx).Order("id")
	if clusterID != "" {
		q = q.Where("cluster_id = ?", clusterID)
	}
	out := []model.UpgradeRequest{}
	err := q.Find(&out).Error
	return out, err
}

// SetUpgradeState is a conditional update on the current state.
func (s *Store) SetUpgradeState(ctx context.Context, actor string, id uint64, from, to model.UpgradeState) error {
	res := s.db.WithContext(ctx).Model(&model.UpgradeRequest{}).
		Where("id = ? AND state = ?", id, from).
		Updates(map[string]interface{}{"state": to, "approver": actor, "updated_at": s.clock.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetUpgrade(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("upgrade request %d is no longer %s: %w", id, from, model.ErrStateConflict)
	}
	return nil
}

func (s *Store) AppendGreyNode(ctx context.Context, id uint64, nodeIP string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u model.UpgradeRequest
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&u, id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("upgrade request %d: %w", id, model.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return tx.Model(&u).Update("grey_ips", model.AppendGreyIP(u.GreyIPs, nodeIP)).Error
	})
}

func (s *Store) ListDesired(ctx context.Context, clusterID string) ([]model.DesiredPlugin, error) {
	var out []model.DesiredPlugin
	err := s.db.WithContext(ctx).Where("cluster_id = ?", clusterID).Order("id").Find(&out).Error
	return out, err
}

func (s *Store) PutDesired(ctx context.Context, p model.DesiredPlugin) error {
	p.ID = 0
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cluster_id"}, {Name: "plugin_name"}, {Name: "plugin_version"}},
		DoUpdates: clause.AssignmentColumns([]string{"plugin_type"}),
	}).Create(&p).Error
}

func (s *Store) DeleteDesired(ctx context.Context, clusterID, name, version string) error {
	return s.db.WithContext(ctx).
		Where("cluster_id = ? AND plugin_name = ? AND plugin_version = ?", clusterID, name, version).
		Delete(&model.DesiredPlugin{}).Error
}

func (s *Store) AppendCommand(ctx context.Context, cmd model.Command) (model.Command, error) {
	cmd.ID = 0
	if err := s.db.WithContext(ctx).Create(&cmd).Error; err != nil {
		return model.Command{}, err
	}
	return cmd, nil
}

func (s *Store) ListCommands(ctx context.Context, clusterID, nodeIP string, after uint64, limit int) ([]model.Command, error) {
	q := s.db.WithContext(ctx).
		Where("cluster_id = ? AND node_ip = ? AND id > ?", clusterID, nodeIP, after).
		Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	out := []model.Command{}
	err := q.Find(&out).Error
	return out, err
}

func (s *Store) AppendAudit(ctx context.Context, entry model.AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now()
	}
	return s.db.WithContext(ctx).Create(&entry).Error
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	q := s.db.WithContext(ctx).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []model.AuditEntry
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	// oldest first, like the other stores
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.User{}).Count(&count).Error
	return count, err
}

func (s *Store) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
		return model.User{}, err
	}
	return u, nil
}

func (s *Store) FindUser(ctx context.Context, username string) (model.User, error) {
	var u model.User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.User{}, fmt.Errorf("user %s: %w", username, model.ErrNotFound)
	}
	return u, err
}
