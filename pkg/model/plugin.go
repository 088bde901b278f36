package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PluginType is the plugin category; it selects the install directory on a node.
type PluginType int

const (
	PluginTypeIndex    PluginType = 1
	PluginTypeAnalysis PluginType = 2
	PluginTypeScript   PluginType = 3
)

var pluginTypeNames = map[PluginType]string{
	PluginTypeIndex:    "INDEX",
	PluginTypeAnalysis: "ANALYSIS",
	PluginTypeScript:   "SCRIPT",
}

func (t PluginType) Valid() bool {
	_, ok := pluginTypeNames[t]
	return ok
}

func (t PluginType) String() string {
	if n, ok := pluginTypeNames[t]; ok {
		return n
	}
	return strconv.Itoa(int(t))
}

// ParsePluginType accepts a category name or its numeric value.
func ParsePluginType(v string) (PluginType, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		t := PluginType(n)
		if !t.Valid() {
			return 0, fmt.Errorf("unknown plugin type %d", n)
		}
		return t, nil
	}
	up := strings.ToUpper(v)
	for t, n := range pluginTypeNames {
		if n == up {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown plugin type %q", v)
}

// MarshalJSON writes the category name.
func (t PluginType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON reads either a name ("INDEX") or a number (1).
func (t *PluginType) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = 0
		return nil
	}
	var s string
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}
	v, err := ParsePluginType(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// PluginTypePtr is a helper for optional plugin types on commands.
func PluginTypePtr(t PluginType) *PluginType {
	return &t
}

// DesiredPlugin is a plugin the cluster is expected to run (persisted runtime record).
type DesiredPlugin struct {
	ID            uint64     `gorm:"primaryKey" json:"id"`
	ClusterID     string     `gorm:"size:128;uniqueIndex:idx_runtime_plugin" json:"clusterId"`
	PluginName    string     `gorm:"size:128;uniqueIndex:idx_runtime_plugin" json:"pluginName"`
	PluginVersion string     `gorm:"size:64;uniqueIndex:idx_runtime_plugin" json:"pluginVersion"`
	PluginType    PluginType `json:"pluginType"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// ReportedPlugin is a plugin a node agent claims to have.
type ReportedPlugin struct {
	Name    string     `json:"name"`
	Version string     `json:"version"`
	Type    PluginType `json:"type"`
}

// SyncReport is the inventory payload posted by a node agent.
type SyncReport struct {
	ClusterID string           `json:"clusterId"`
	NodeIP    string           `json:"nodeIp,omitempty"`
	Plugins   []ReportedPlugin `json:"plugins"`
}
