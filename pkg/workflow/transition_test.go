package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugin-fleet/pkg/model"
)

var (
	openStates = []model.UpgradeState{
		model.StateNeedApproval,
		model.StateDownload,
		model.StateUpgradeGrey,
		model.StateUpgrade,
	}
	finishedStates = []model.UpgradeState{
		model.StateDone,
		model.StateCancel,
		model.StateDeny,
		model.StateRemove,
	}
	noTarget = model.Placeholder()
	canary   = model.Address("10.0.0.7")
)

func TestPlan_RecallAndDenyOnlyFromNeedApproval(t *testing.T) {
	for _, s := range openStates {
		tr, err := Plan(model.ActionRecall, s, noTarget)
		if s == model.StateNeedApproval {
			require.NoError(t, err)
			assert.Equal(t, model.StateCancel, tr.Next)
			assert.False(t, tr.Emits())
		} else {
			assert.ErrorIs(t, err, model.ErrInvalidTransition, s.String())
		}

		tr, err = Plan(model.ActionDeny, s, noTarget)
		if s == model.StateNeedApproval {
			require.NoError(t, err)
			assert.Equal(t, model.StateDeny, tr.Next)
			assert.False(t, tr.Emits())
		} else {
			assert.ErrorIs(t, err, model.ErrInvalidTransition, s.String())
		}
	}
}

func TestPlan_StopAndDoneFromAnyOpenState(t *testing.T) {
	for _, s := range openStates {
		tr, err := Plan(model.ActionStop, s, noTarget)
		require.NoError(t, err)
		assert.Equal(t, model.StateCancel, tr.Next)

		tr, err = Plan(model.ActionDone, s, noTarget)
		require.NoError(t, err)
		assert.Equal(t, model.StateDone, tr.Next)
		assert.False(t, tr.Emits())
	}
}

func TestPlan_FinishedRejectsEverything(t *testing.T) {
	all := []model.Action{
		model.ActionRecall, model.ActionDeny, model.ActionStop, model.ActionDone,
		model.ActionDownload, model.ActionUpgrade, model.ActionRemove,
	}
	for _, s := range finishedStates {
		for _, a := range all {
			if s == model.StateDone && a == model.ActionRemove {
				continue
			}
			_, err := Plan(a, s, noTarget)
			assert.ErrorIs(t, err, model.ErrInvalidTransition, "%s from %s", a, s)
		}
	}
}

func TestPlan_DownloadNeverRegresses(t *testing.T) {
	want := map[model.UpgradeState]model.UpgradeState{
		model.StateNeedApproval: model.StateDownload,
		model.StateDownload:     model.StateDownload,
		model.StateUpgradeGrey:  model.StateUpgradeGrey,
		model.StateUpgrade:      model.StateUpgrade,
	}
	for from, next := range want {
		tr, err := Plan(model.ActionDownload, from, noTarget)
		require.NoError(t, err)
		assert.Equal(t, next, tr.Next, "from %s", from)
		assert.Equal(t, model.ActionDownload, tr.Command)
		assert.True(t, tr.Target.IsPlaceholder())

		again, err := Plan(model.ActionDownload, tr.Next, noTarget)
		require.NoError(t, err)
		assert.Equal(t, next, again.Next)
	}
}

func TestPlan_UpgradeWholeCluster(t *testing.T) {
	for _, from := range openStates {
		tr, err := Plan(model.ActionUpgrade, from, noTarget)
		require.NoError(t, err)
		assert.Equal(t, model.StateUpgrade, tr.Next, "from %s", from)
		assert.Equal(t, model.ActionUpgrade, tr.Command)
		assert.True(t, tr.Target.IsPlaceholder())
	}
}

func TestPlan_UpgradeCanary(t *testing.T) {
	for _, from := range openStates {
		tr, err := Plan(model.ActionUpgrade, from, canary)
		require.NoError(t, err)
		assert.Equal(t, model.StateUpgrade, tr.Next, "from %s", from)
		assert.Equal(t, model.ActionUpgrade, tr.Command)
		assert.Equal(t, canary, tr.Target)
	}
	for _, from := range []model.UpgradeState{model.StateDone, model.StateCancel, model.StateDeny, model.StateRemove} {
		_, err := Plan(model.ActionUpgrade, from, canary)
		assert.ErrorIs(t, err, model.ErrInvalidTransition, from.String())
	}
}

func TestPlan_RemoveOnlyFromDone(t *testing.T) {
	for _, s := range openStates {
		_, err := Plan(model.ActionRemove, s, noTarget)
		assert.ErrorIs(t, err, model.ErrInvalidTransition, s.String())
	}
	tr, err := Plan(model.ActionRemove, model.StateDone, noTarget)
	require.NoError(t, err)
	assert.Equal(t, model.StateRemove, tr.Next)
	assert.Equal(t, model.ActionRemove, tr.Command)
}

func TestPlan_UnknownAction(t *testing.T) {
	_, err := Plan(model.Action("rollback"), model.StateDownload, noTarget)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, model.Action("rollback"), te.Action)
	assert.Contains(t, err.Error(), "rollback")
}
