package model

import "time"

// Cluster is a managed service cluster.
type Cluster struct {
	ID        string        `gorm:"primaryKey;size:128" json:"clusterId"`
	Nodes     []ClusterNode `gorm:"foreignKey:ClusterID;constraint:OnDelete:CASCADE" json:"nodes"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// ClusterNode is one member slot. An empty NodeIP marks a virtual runtime entry.
type ClusterNode struct {
	ID        uint64 `gorm:"primaryKey" json:"-"`
	ClusterID string `gorm:"size:128;index" json:"-"`
	NodeIP    string `gorm:"size:64" json:"nodeIp"`
}

// NodeIPs returns the stored node list in slot order.
func (c Cluster) NodeIPs() []string {
	out := make([]string, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		out = append(out, n.NodeIP)
	}
	return out
}
