package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugin-fleet/pkg/command"
	"plugin-fleet/pkg/model"
	"plugin-fleet/pkg/store"
)

type fixture struct {
	st *store.MemoryStore
	wf *Workflow
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := store.NewMemoryStore()
	_, err := st.UpsertCluster(context.Background(), "es-1", []string{"10.0.0.1", "", "10.0.0.2"})
	require.NoError(t, err)
	d := command.NewDispatcher(st, st, nil)
	return fixture{st: st, wf: New(st, st, d, nil)}
}

func (f fixture) request(t *testing.T, state model.UpgradeState) model.UpgradeRequest {
	t.Helper()
	up, err := f.st.CreateUpgrade(context.Background(), model.UpgradeRequest{
		ClusterID:     "es-1",
		PluginName:    "geo",
		PluginVersion: "1.2",
		PluginType:    model.PluginTypeIndex,
		State:         state,
	})
	require.NoError(t, err)
	return up
}

func (f fixture) commands(t *testing.T, ip string) []model.Command {
	t.Helper()
	cmds, err := f.st.ListCommands(context.Background(), "es-1", ip, 0, 0)
	require.NoError(t, err)
	return cmds
}

func (f fixture) state(t *testing.T, id uint64) model.UpgradeRequest {
	t.Helper()
	up, err := f.st.GetUpgrade(context.Background(), id)
	require.NoError(t, err)
	return up
}

func TestWorkflow_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.wf.Apply(context.Background(), Request{UpgradeID: 99, Action: "download"})
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Empty(t, f.commands(t, "10.0.0.1"))
}

func TestWorkflow_DenyWritesStateOnly(t *testing.T) {
	f := newFixture(t)
	up := f.request(t, model.StateNeedApproval)

	res, err := f.wf.Apply(context.Background(), Request{UpgradeID: up.ID, Action: "DENY", Actor: "alice"})
	require.NoError(t, err)
	assert.True(t, res.Changed())
	assert.Empty(t, res.Commands)

	got := f.state(t, up.ID)
	assert.Equal(t, model.StateDeny, got.State)
	assert.Equal(t, "alice", got.Approver)
	assert.Empty(t, f.commands(t, "10.0.0.1"))
}

func TestWorkflow_DownloadFansOutToCluster(t *testing.T) {
	f := newFixture(t)
	up := f.request(t, model.StateNeedApproval)

	res, err := f.wf.Apply(context.Background(), Request{UpgradeID: up.ID, Action: "download", Actor: "alice"})
	require.NoError(t, err)
	require.Len(t, res.Commands, 2)
	assert.Equal(t, model.StateDownload, f.state(t, up.ID).State)

	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		cmds := f.commands(t, ip)
		require.Len(t, cmds, 1)
		assert.Equal(t, model.CommandDownload, cmds[0].Kind)
		require.NotNil(t, cmds[0].PluginType)
		assert.Equal(t, model.PluginTypeIndex, *cmds[0].PluginType)
	}
}

func TestWorkflow_DownloadAfterUpgradeKeepsStateButResends(t *testing.T) {
	f := newFixture(t)
	up := f.request(t, model.StateUpgrade)

	res, err := f.wf.Apply(context.Background(), Request{UpgradeID: up.ID, Action: "download"})
	require.NoError(t, err)
	assert.False(t, res.Changed())
	assert.Len(t, res.Commands, 2)
	assert.Equal(t, model.StateUpgrade, f.state(t, up.ID).State)
}

func TestWorkflow_CanaryUpgrade(t *testing.T) {
	f := newFixture(t)
	up := f.request(t, model.StateDownload)

	res, err := f.wf.Apply(context.Background(), Request{UpgradeID: up.ID, Action: "upgrade", Target: model.Address("10.0.0.2")})
	require.NoError(t, err)
	require.Len(t, res.Commands, 1)
	assert.Equal(t, "10.0.0.2", res.Commands[0].NodeIP)
	assert.Equal(t, model.CommandUpgrade, res.Commands[0].Kind)
	assert.Empty(t, f.commands(t, "10.0.0.1"))

	got := f.state(t, up.ID)
	assert.Equal(t, model.StateUpgrade, got.State)
	assert.Equal(t, []string{"10.0.0.2"}, got.GreyNodes())

	// second canary: no state change, node still recorded
	res, err = f.wf.Apply(context.Background(), Request{UpgradeID: up.ID, Action: "upgrade", Target: model.Address("10.0.0.1")})
	require.NoError(t, err)
	assert.False(t, res.Changed())
	got = f.state(t, up.ID)
	assert.Equal(t, model.StateUpgrade, got.State)
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.1"}, got.GreyNodes())

	// full rollout re-sends to every node
	_, err = f.wf.Apply(context.Background(), Request{UpgradeID: up.ID, Action: "upgrade"})
	require.NoError(t, err)
	assert.Equal(t, model.StateUpgrade, f.state(t, up.ID).State)
	assert.Len(t, f.commands(t, "10.0.0.1"), 2)
}

func TestWorkflow_DoneThenRemove(t *testing.T) {
	f := newFixture(t)
	up := f.request(t, model.StateUpgrade)
	ctx := context.Background()

	_, err := f.wf.Apply(ctx, Request{UpgradeID: up.ID, Action: "remove"})
	require.ErrorIs(t, err, model.ErrInvalidTransition)
	assert.Empty(t, f.commands(t, "10.0.0.1"))

	_, err = f.wf.Apply(ctx, Request{UpgradeID: up.ID, Action: "done"})
	require.NoError(t, err)
	desired, err := f.st.ListDesired(ctx, "es-1")
	require.NoError(t, err)
	require.Len(t, desired, 1)
	assert.Equal(t, "geo", desired[0].PluginName)

	res, err := f.wf.Apply(ctx, Request{UpgradeID: up.ID, Action: "remove"})
	require.NoError(t, err)
	require.Len(t, res.Commands, 2)
	for _, c := range res.Commands {
		assert.Equal(t, model.CommandRemove, c.Kind)
		assert.Nil(t, c.PluginType)
	}
	assert.Equal(t, model.StateRemove, f.state(t, up.ID).State)

	desired, err = f.st.ListDesired(ctx, "es-1")
	require.NoError(t, err)
	assert.Empty(t, desired)

	_, err = f.wf.Apply(ctx, Request{UpgradeID: up.ID, Action: "stop"})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestWorkflow_InvalidActionHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	up := f.request(t, model.StateDownload)

	_, err := f.wf.Apply(context.Background(), Request{UpgradeID: up.ID, Action: "recall", Target: model.Address("10.0.0.1")})
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	got := f.state(t, up.ID)
	assert.Equal(t, model.StateDownload, got.State)
	assert.Empty(t, got.GreyIPs)
	assert.Empty(t, f.commands(t, "10.0.0.1"))
}

type failingDispatcher struct{}

func (failingDispatcher) ToNode(context.Context, command.Intent, model.NodeAddress) ([]model.Command, error) {
	return nil, errors.New("queue down")
}

func (failingDispatcher) ToCluster(context.Context, command.Intent) ([]model.Command, error) {
	return []model.Command{{NodeIP: "10.0.0.1"}}, errors.New("queue down")
}

func TestWorkflow_DispatchFailureLeavesState(t *testing.T) {
	st := store.NewMemoryStore()
	wf := New(st, st, failingDispatcher{}, nil)
	up, err := st.CreateUpgrade(context.Background(), model.UpgradeRequest{ClusterID: "es-1", PluginName: "geo", PluginVersion: "1.2"})
	require.NoError(t, err)

	res, err := wf.Apply(context.Background(), Request{UpgradeID: up.ID, Action: "download"})
	require.Error(t, err)
	assert.Len(t, res.Commands, 1)

	got, err := st.GetUpgrade(context.Background(), up.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateNeedApproval, got.State)
}

func TestWorkflow_ConcurrentActionsOnSameRequest(t *testing.T) {
	f := newFixture(t)
	up := f.request(t, model.StateNeedApproval)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		okCount int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.wf.Apply(context.Background(), Request{UpgradeID: up.ID, Action: "deny"})
			if err == nil {
				mu.Lock()
				okCount++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, model.ErrInvalidTransition)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, okCount)
	assert.Equal(t, model.StateDeny, f.state(t, up.ID).State)
}

type greyFailingStore struct {
	*store.MemoryStore
}

func (greyFailingStore) AppendGreyNode(context.Context, uint64, string) error {
	return errors.New("data too long for column grey_ips")
}

func TestWorkflow_GreyNodeFailureLeavesState(t *testing.T) {
	f := newFixture(t)
	wf := New(greyFailingStore{f.st}, f.st, command.NewDispatcher(f.st, f.st, nil), nil)
	up := f.request(t, model.StateDownload)

	_, err := wf.Apply(context.Background(), Request{UpgradeID: up.ID, Action: "upgrade", Target: model.Address("10.0.0.2")})
	require.Error(t, err)
	assert.Equal(t, model.StateDownload, f.state(t, up.ID).State)
}
