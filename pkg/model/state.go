package model

import (
	"fmt"
	"strings"
)

// UpgradeState is the lifecycle state of an UpgradeRequest.
// The numeric values are what gets persisted; ordering is defined by rank, not by value.
type UpgradeState int

const (
	StateNeedApproval UpgradeState = 0
	StateDownload     UpgradeState = 1
	StateUpgradeGrey  UpgradeState = 2
	StateUpgrade      UpgradeState = 3
	StateDone         UpgradeState = 4
	StateCancel       UpgradeState = 5
	StateDeny         UpgradeState = 6
	StateRemove       UpgradeState = 7
)

// progression is the happy path, in order.
var progression = []UpgradeState{
	StateNeedApproval,
	StateDownload,
	StateUpgradeGrey,
	StateUpgrade,
	StateDone,
}

var stateNames = map[UpgradeState]string{
	StateNeedApproval: "NEED_APPROVAL",
	StateDownload:     "DOWNLOAD",
	StateUpgradeGrey:  "UPGRADE_GREY",
	StateUpgrade:      "UPGRADE",
	StateDone:         "DONE",
	StateCancel:       "CANCEL",
	StateDeny:         "DENY",
	StateRemove:       "REMOVE",
}

// rank places a state on the happy path. Side states rank after DONE.
func (s UpgradeState) rank() int {
	for i, p := range progression {
		if p == s {
			return i
		}
	}
	return len(progression)
}

// AtMost reports whether s is not past threshold along the happy path.
func (s UpgradeState) AtMost(threshold UpgradeState) bool {
	return s.rank() <= threshold.rank()
}

// Finished reports whether no further action is accepted in s.
func (s UpgradeState) Finished() bool {
	switch s {
	case StateDone, StateCancel, StateDeny, StateRemove:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s UpgradeState) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

func (s UpgradeState) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("UpgradeState(%d)", int(s))
}

// ParseUpgradeState accepts the canonical upper-case name, case-insensitively.
func ParseUpgradeState(v string) (UpgradeState, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	for s, n := range stateNames {
		if n == v {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown upgrade state %q", v)
}

func (s UpgradeState) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid upgrade state %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *UpgradeState) UnmarshalText(b []byte) error {
	v, err := ParseUpgradeState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
