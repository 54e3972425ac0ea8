package sqlitestore

import (
	"context"
	"testing"

	"github.com/kagenti/mcp-orchestrator/internal/config"
	"github.com/stretchr/testify/require"
)

func TestStoreLoadRoundTripsUpstreams(t *testing.T) {
	store, err := New()
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.UpsertUpstream(ctx, config.UpstreamConfig{
		Name:    "weather",
		URL:     "https://weather.example.com",
		Enabled: true,
	}))

	snap, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Upstreams, 1)
	require.Equal(t, "weather", snap.Upstreams[0].Name)
}

func TestStoreLoadEmptyDatabase(t *testing.T) {
	store, err := New()
	require.NoError(t, err)
	defer store.Close()

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, snap.Upstreams)
	require.Empty(t, snap.Policies)
}
