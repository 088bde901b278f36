package model

import (
	"strings"
	"time"
)

// UpgradeRequest is one plugin change request moving through the approval workflow.
type UpgradeRequest struct {
	ID            uint64       `gorm:"primaryKey" json:"id"`
	ClusterID     string       `gorm:"size:128;index" json:"clusterId"`
	PluginName    string       `gorm:"size:128" json:"pluginName"`
	PluginVersion string       `gorm:"size:64" json:"pluginVersion"`
	PluginType    PluginType   `json:"pluginType"`
	State         UpgradeState `gorm:"index" json:"state"`
	GreyIPs       string       `gorm:"type:text" json:"greyIps,omitempty"` // comma separated, in targeting order
	Applicant     string       `gorm:"size:64" json:"applicant,omitempty"`
	Approver      string       `gorm:"size:64" json:"approver,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// Finished reports whether the request accepts no further action.
func (u UpgradeRequest) Finished() bool { return u.State.Finished() }

// GreyNodes returns the nodes targeted by canary upgrades so far.
func (u UpgradeRequest) GreyNodes() []string {
	if u.GreyIPs == "" {
		return nil
	}
	return strings.Split(u.GreyIPs, ",")
}

// AppendGreyIP returns list with ip added once.
func AppendGreyIP(list, ip string) string {
	if ip == "" {
		return list
	}
	if list == "" {
		return ip
	}
	for _, existing := range strings.Split(list, ",") {
		if existing == ip {
			return list
		}
	}
	return list + "," + ip
}
