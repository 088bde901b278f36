package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CommandKind is the instruction a node agent must carry out.
type CommandKind int

const (
	CommandUnknown       CommandKind = 0
	CommandDownload      CommandKind = 1
	CommandUpgrade       CommandKind = 2
	CommandRemove        CommandKind = 3
	CommandDownAndEnable CommandKind = 4
)

var commandNames = map[CommandKind]string{
	CommandUnknown:       "UNKNOWN",
	CommandDownload:      "DOWNLOAD",
	CommandUpgrade:       "UPGRADE",
	CommandRemove:        "REMOVE",
	CommandDownAndEnable: "DOWN_AND_ENABLE",
}

func (k CommandKind) String() string {
	if n, ok := commandNames[k]; ok {
		return n
	}
	return fmt.Sprintf("CommandKind(%d)", int(k))
}

// Installs reports whether the command places plugin files on the node and therefore needs a plugin type.
func (k CommandKind) Installs() bool {
	switch k {
	case CommandDownload, CommandUpgrade, CommandDownAndEnable:
		return true
	}
	return false
}

func (k CommandKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *CommandKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.ToUpper(s)
	for kind, n := range commandNames {
		if n == s {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown command kind %q", s)
}

// Command is one instruction for exactly one node. It is never mutated after creation;
// ID is assigned by the command store on append.
type Command struct {
	ID            uint64      `gorm:"primaryKey" json:"id"`
	Ref           string      `gorm:"size:36;uniqueIndex" json:"ref"`
	ClusterID     string      `gorm:"size:128;index:idx_command_node" json:"clusterId"`
	NodeIP        string      `gorm:"size:64;index:idx_command_node" json:"nodeIp"`
	PluginName    string      `gorm:"size:128" json:"pluginName"`
	PluginVersion string      `gorm:"size:64" json:"pluginVersion"`
	PluginType    *PluginType `json:"pluginType,omitempty"`
	Kind          CommandKind `gorm:"column:command" json:"command"`
	CreatedAt     time.Time   `json:"createdAt"`
}
