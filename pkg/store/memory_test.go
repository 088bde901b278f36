package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugin-fleet/pkg/model"
)

func TestMemoryStore_ClusterDirectory(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	ok, err := st.ClusterExists(ctx, "es-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.NodeAddresses(ctx, "es-1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = st.UpsertCluster(ctx, "es-1", []string{"10.0.0.1", "", "10.0.0.2"})
	require.NoError(t, err)

	addrs, err := st.NodeAddresses(ctx, "es-1")
	require.NoError(t, err)
	require.Len(t, addrs, 3)
	assert.True(t, addrs[1].IsPlaceholder())
}

func TestMemoryStore_SetUpgradeStateCAS(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	req, err := st.CreateUpgrade(ctx, model.UpgradeRequest{ClusterID: "es-1", PluginName: "geo", PluginVersion: "1.2"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), req.ID)

	require.NoError(t, st.SetUpgradeState(ctx, "alice", req.ID, model.StateNeedApproval, model.StateDownload))
	err = st.SetUpgradeState(ctx, "bob", req.ID, model.StateNeedApproval, model.StateDeny)
	assert.ErrorIs(t, err, model.ErrStateConflict)

	got, err := st.GetUpgrade(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDownload, got.State)
	assert.Equal(t, "alice", got.Approver)

	_, err = st.GetUpgrade(ctx, 42)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestMemoryStore_CommandsPerNode(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	var wg sync.WaitGroup
	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.1"} {
		wg.Add(1)
		go func(ip string) {
			defer wg.Done()
			_, err := st.AppendCommand(ctx, model.Command{ClusterID: "es-1", NodeIP: ip, Kind: model.CommandDownload})
			assert.NoError(t, err)
		}(ip)
	}
	wg.Wait()

	cmds, err := st.ListCommands(ctx, "es-1", "10.0.0.1", 0, 0)
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Less(t, cmds[0].ID, cmds[1].ID)

	after, err := st.ListCommands(ctx, "es-1", "10.0.0.1", cmds[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, cmds[1].ID, after[0].ID)
}

func TestMemoryStore_Desired(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	require.NoError(t, st.PutDesired(ctx, model.DesiredPlugin{ClusterID: "es-1", PluginName: "geo", PluginVersion: "1.2", PluginType: model.PluginTypeIndex}))
	require.NoError(t, st.PutDesired(ctx, model.DesiredPlugin{ClusterID: "es-1", PluginName: "geo", PluginVersion: "1.2", PluginType: model.PluginTypeAnalysis}))
	require.NoError(t, st.PutDesired(ctx, model.DesiredPlugin{ClusterID: "es-1", PluginName: "ik", PluginVersion: "7.0", PluginType: model.PluginTypeAnalysis}))

	list, err := st.ListDesired(ctx, "es-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, model.PluginTypeAnalysis, list[0].PluginType)

	require.NoError(t, st.DeleteDesired(ctx, "es-1", "geo", "1.2"))
	list, err = st.ListDesired(ctx, "es-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ik", list[0].PluginName)
}

func TestMemoryStore_AuditLimit(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()
	for _, a := range []string{"a", "b", "c"} {
		require.NoError(t, st.AppendAudit(ctx, model.AuditEntry{Action: a}))
	}
	entries, err := st.ListAudit(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Action)
	assert.False(t, entries[1].Timestamp.IsZero())
}

func TestMemoryStore_StampsWithClock(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	st := NewMemoryStoreWithClock(clk)

	req, err := st.CreateUpgrade(ctx, model.UpgradeRequest{ClusterID: "es-1", PluginName: "geo", PluginVersion: "1.2"})
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), req.CreatedAt)

	clk.Advance(time.Minute)
	require.NoError(t, st.SetUpgradeState(ctx, "alice", req.ID, model.StateNeedApproval, model.StateDownload))
	got, err := st.GetUpgrade(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), got.UpdatedAt)
	assert.Equal(t, req.CreatedAt, got.CreatedAt)

	require.NoError(t, st.AppendAudit(ctx, model.AuditEntry{Actor: "alice", Action: "upgrade_download"}))
	entries, err := st.ListAudit(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, clk.Now(), entries[0].Timestamp)
}
