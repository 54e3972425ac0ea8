package config

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kagenti/mcp-orchestrator/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestUpstreamConfigToDomainAppliesDefaults(t *testing.T) {
	c := UpstreamConfig{Name: "a", URL: "https://upstream.example.com", Enabled: true}
	u, err := c.ToDomain()
	require.NoError(t, err)
	require.Equal(t, domain.TransportHTTPStreamable, u.Transport)
	require.Equal(t, domain.AuthNone, u.Auth.Kind)
	require.Equal(t, domain.AdminActive, u.AdminStatus)
	require.Equal(t, 3, u.Retry.MaxRetries)
}

func TestUpstreamConfigToDomainRejectsInvalidURL(t *testing.T) {
	c := UpstreamConfig{Name: "a", URL: "not a url"}
	_, err := c.ToDomain()
	require.Error(t, err)
}

func TestRestrictionConfigDecodesFlatForm(t *testing.T) {
	var r RestrictionConfig
	require.NoError(t, json.Unmarshal([]byte(`["x","y"]`), &r))
	restriction := r.ToDomain()
	require.Equal(t, domain.RestrictNames, restriction.Kind)
	require.Contains(t, restriction.Names, "x")
}

func TestRestrictionConfigDecodesTripleForm(t *testing.T) {
	var r RestrictionConfig
	require.NoError(t, json.Unmarshal([]byte(`{"tools":["x"],"prompts":[],"resources":null}`), &r))
	restriction := r.ToDomain()
	require.Equal(t, domain.RestrictTriple, restriction.Kind)
	require.Equal(t, domain.RestrictNames, restriction.Tools.Kind)
	require.Equal(t, domain.RestrictNone, restriction.Prompts.Kind)
	require.Equal(t, domain.RestrictAll, restriction.Resources.Kind)
}

func TestRestrictionConfigAbsentEntryMeansAll(t *testing.T) {
	var r RestrictionConfig
	require.NoError(t, json.Unmarshal([]byte(`null`), &r))
	require.Equal(t, domain.RestrictAll, r.ToDomain().Kind)
}

func TestMCPAccessConfigNormalizesWildcardForms(t *testing.T) {
	var bare MCPAccessConfig
	require.NoError(t, json.Unmarshal([]byte(`"*"`), &bare))
	require.True(t, mcpAccessToDomain(bare).All)

	var list MCPAccessConfig
	require.NoError(t, json.Unmarshal([]byte(`["*"]`), &list))
	require.True(t, mcpAccessToDomain(list).All)

	var names MCPAccessConfig
	require.NoError(t, json.Unmarshal([]byte(`["A","B"]`), &names))
	access := mcpAccessToDomain(names)
	require.False(t, access.All)
	require.Contains(t, access.Names, "A")
}

func TestNotifierFansOutToObservers(t *testing.T) {
	var n Notifier
	received := make(chan *Snapshot, 1)
	n.RegisterObserver(observerFunc(func(_ context.Context, snap *Snapshot) {
		received <- snap
	}))
	n.Notify(context.Background(), &Snapshot{})
	select {
	case snap := <-received:
		require.NotNil(t, snap)
	case <-time.After(time.Second):
		t.Fatal("observer was never notified")
	}
}

type observerFunc func(ctx context.Context, snap *Snapshot)

func (f observerFunc) OnConfigChange(ctx context.Context, snap *Snapshot) { f(ctx, snap) }
