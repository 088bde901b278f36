package model

import "strings"

// Action is an operator or automation request against an UpgradeRequest.
type Action string

const (
	ActionRecall   Action = "recall"
	ActionDeny     Action = "deny"
	ActionStop     Action = "stop"
	ActionDone     Action = "done"
	ActionDownload Action = "download"
	ActionUpgrade  Action = "upgrade"
	ActionRemove   Action = "remove"
)

var actions = map[Action]struct{}{
	ActionRecall:   {},
	ActionDeny:     {},
	ActionStop:     {},
	ActionDone:     {},
	ActionDownload: {},
	ActionUpgrade:  {},
	ActionRemove:   {},
}

// ParseAction normalizes v to lower case and reports whether it names a known action.
// The normalized value is returned even when unknown so callers can report it.
func ParseAction(v string) (Action, bool) {
	a := Action(strings.ToLower(strings.TrimSpace(v)))
	_, ok := actions[a]
	return a, ok
}

// RequiresApprover reports whether the action needs the approver privilege.
// Applicants may always recall their own request.
func (a Action) RequiresApprover() bool {
	return a != ActionRecall
}
