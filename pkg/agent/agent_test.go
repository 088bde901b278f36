package agent

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugin-fleet/pkg/api"
	"plugin-fleet/pkg/command"
	"plugin-fleet/pkg/model"
	"plugin-fleet/pkg/store"
	"plugin-fleet/pkg/workflow"
)

func openInventory(t *testing.T) *Inventory {
	t.Helper()
	inv, err := OpenInventory(context.Background(), filepath.Join(t.TempDir(), "state.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inv.Close() })
	return inv
}

func TestInventory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	clk := testclock.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	inv, err := OpenInventory(ctx, path, clk)
	require.NoError(t, err)

	ik := model.ReportedPlugin{Name: "analysis-ik", Version: "7.1", Type: model.PluginTypeAnalysis}
	require.NoError(t, inv.Mark(ctx, ik, StatusDownloaded))
	enabled, err := inv.Enabled(ctx)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	require.NoError(t, inv.Mark(ctx, ik, StatusEnabled))
	require.NoError(t, inv.Mark(ctx, model.ReportedPlugin{Name: "analysis-ik", Version: "7.1"}, StatusDownloaded))
	enabled, err = inv.Enabled(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ReportedPlugin{ik}, enabled)
	entries, err := inv.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].UpdatedAt.Equal(clk.Now()))

	require.NoError(t, inv.SetCursor(ctx, 7))
	require.NoError(t, inv.Close())

	inv, err = OpenInventory(ctx, path, clk)
	require.NoError(t, err)
	defer inv.Close()
	cur, err := inv.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), cur)

	require.NoError(t, inv.Delete(ctx, "analysis-ik", "7.1"))
	entries, err = inv.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

type controller struct {
	st  *store.MemoryStore
	hub *api.WSHub
	srv *httptest.Server
}

func newController(t *testing.T) controller {
	t.Helper()
	st := store.NewMemoryStore()
	_, err := st.UpsertCluster(context.Background(), "es-1", []string{"10.0.0.1", "10.0.0.2"})
	require.NoError(t, err)
	hub := api.NewWSHub(nil)
	mux := http.NewServeMux()
	api.NewServer(api.Options{Store: st, Hub: hub}).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return controller{st: st, hub: hub, srv: srv}
}

func (c controller) workflow() *workflow.Workflow {
	d := command.NewDispatcher(c.st, api.NotifyingCommands{CommandStore: c.st, Hub: c.hub}, nil)
	return workflow.New(c.st, c.st, d, nil)
}

func (c controller) agent(t *testing.T, inv *Inventory, push bool) *Agent {
	cfg := Config{Controller: c.srv.URL, ClusterID: "es-1", NodeIP: "10.0.0.1", Push: push}
	return New(cfg, NewClient(c.srv.URL, "", c.srv.Client()), inv, testclock.NewClock(time.Now()), nil)
}

func TestPollOnceAppliesCommandsInOrder(t *testing.T) {
	ctx := context.Background()
	c := newController(t)
	inv := openInventory(t)
	a := c.agent(t, inv, false)
	wf := c.workflow()

	up, err := c.st.CreateUpgrade(ctx, model.UpgradeRequest{
		ClusterID: "es-1", PluginName: "geo", PluginVersion: "2.0", PluginType: model.PluginTypeIndex,
	})
	require.NoError(t, err)
	_, err = wf.Apply(ctx, workflow.Request{UpgradeID: up.ID, Action: "download"})
	require.NoError(t, err)

	n, err := a.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	entries, err := inv.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusDownloaded, entries[0].Status)
	assert.Equal(t, model.PluginTypeIndex, entries[0].Type)

	n, err = a.PollOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = wf.Apply(ctx, workflow.Request{UpgradeID: up.ID, Action: "upgrade"})
	require.NoError(t, err)
	_, err = a.PollOnce(ctx)
	require.NoError(t, err)
	enabled, err := inv.Enabled(ctx)
	require.NoError(t, err)
	assert.Len(t, enabled, 1)

	_, err = wf.Apply(ctx, workflow.Request{UpgradeID: up.ID, Action: "done"})
	require.NoError(t, err)
	_, err = wf.Apply(ctx, workflow.Request{UpgradeID: up.ID, Action: "remove"})
	require.NoError(t, err)
	_, err = a.PollOnce(ctx)
	require.NoError(t, err)
	entries, err = inv.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	cur, err := inv.Cursor(ctx)
	require.NoError(t, err)
	assert.NotZero(t, cur)
}

func TestSyncOnceEnablesMissingPlugins(t *testing.T) {
	ctx := context.Background()
	c := newController(t)
	inv := openInventory(t)
	a := c.agent(t, inv, false)

	require.NoError(t, a.SyncOnce(ctx))
	entries, err := inv.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, c.st.PutDesired(ctx, model.DesiredPlugin{
		ClusterID: "es-1", PluginName: "analysis-ik", PluginVersion: "7.1", PluginType: model.PluginTypeAnalysis,
	}))
	require.NoError(t, a.SyncOnce(ctx))
	enabled, err := inv.Enabled(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.ReportedPlugin{{Name: "analysis-ik", Version: "7.1", Type: model.PluginTypeAnalysis}}, enabled)

	// second cycle reports the plugin and gets an empty batch back
	require.NoError(t, a.SyncOnce(ctx))
}

func TestRunPollsOnPush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newController(t)
	inv := openInventory(t)
	a := c.agent(t, inv, true)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	require.Eventually(t, func() bool { return c.hub.Connected("es-1") == 1 }, 5*time.Second, 20*time.Millisecond)

	up, err := c.st.CreateUpgrade(ctx, model.UpgradeRequest{
		ClusterID: "es-1", PluginName: "geo", PluginVersion: "2.0", PluginType: model.PluginTypeIndex,
	})
	require.NoError(t, err)
	_, err = c.workflow().Apply(ctx, workflow.Request{UpgradeID: up.ID, Action: "download"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		entries, err := inv.Entries(ctx)
		return err == nil && len(entries) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}
