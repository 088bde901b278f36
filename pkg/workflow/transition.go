// Package workflow implements the approval workflow of plugin upgrade requests.
//
// Plan is the pure state machine: it decides whether an action is legal in the
// current state, which command (if any) has to reach the nodes, and the next state.
// Workflow applies a plan against the stores.
package workflow

import (
	"fmt"

	"plugin-fleet/pkg/model"
)

// TransitionError is returned for an action that is not legal in the current state.
type TransitionError struct {
	Action model.Action
	State  model.UpgradeState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("action %q is not supported for an upgrade request in state %s", e.Action, e.State)
}

func (e *TransitionError) Is(target error) bool { return target == model.ErrInvalidTransition }

// Transition is the outcome of a legal action.
type Transition struct {
	Next model.UpgradeState
	// Command is the action to send to nodes, empty when no node is involved.
	Command model.Action
	// Target restricts Command to one node; a placeholder means every node of the cluster.
	Target model.NodeAddress
}

// Emits reports whether the transition sends commands to nodes.
func (t Transition) Emits() bool { return t.Command != "" }

// Plan computes the transition for action on a request in state current.
// A non-placeholder target selects a single node for an upgrade.
func Plan(action model.Action, current model.UpgradeState, target model.NodeAddress) (Transition, error) {
	invalid := &TransitionError{Action: action, State: current}
	// DONE is finished for every action except remove, which only DONE allows.
	if current.Finished() && !(action == model.ActionRemove && current == model.StateDone) {
		return Transition{}, invalid
	}
	switch action {
	case model.ActionRecall:
		if current != model.StateNeedApproval {
			return Transition{}, invalid
		}
		return Transition{Next: model.StateCancel}, nil
	case model.ActionDeny:
		if current != model.StateNeedApproval {
			return Transition{}, invalid
		}
		return Transition{Next: model.StateDeny}, nil
	case model.ActionStop:
		return Transition{Next: model.StateCancel}, nil
	case model.ActionDone:
		return Transition{Next: model.StateDone}, nil
	case model.ActionDownload:
		return Transition{
			Next:    forward(current, model.StateDownload),
			Command: model.ActionDownload,
		}, nil
	case model.ActionUpgrade:
		// a canary step passes through UPGRADE_GREY whatever the stored state
		if !target.IsPlaceholder() {
			current = model.StateUpgradeGrey
		}
		return Transition{
			Next:    forward(current, model.StateUpgrade),
			Command: model.ActionUpgrade,
			Target:  target,
		}, nil
	case model.ActionRemove:
		if current != model.StateDone {
			return Transition{}, invalid
		}
		return Transition{Next: model.StateRemove, Command: model.ActionRemove}, nil
	}
	return Transition{}, invalid
}

// forward moves current up to threshold and never back.
func forward(current, threshold model.UpgradeState) model.UpgradeState {
	if current.AtMost(threshold) {
		return threshold
	}
	return current
}
