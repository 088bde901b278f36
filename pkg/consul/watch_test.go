//go:build consul

package consul

import (
	"context"
	"testing"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/stretchr/testify/require"
)

func TestWatchPrefixStopsDuringBackoff(t *testing.T) {
	// nothing listens on port 1, so every list fails and the loop backs off
	cli, err := consulapi.NewClient(&consulapi.Config{Address: "127.0.0.1:1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan []*consulapi.KVPair, 1)
	require.NoError(t, WatchPrefix(ctx, cli, DesiredPrefix("es-1"), out))

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case _, ok := <-out:
		require.False(t, ok)
	case <-time.After(300 * time.Millisecond):
		t.Fatal("watch kept sleeping after cancel")
	}
}
