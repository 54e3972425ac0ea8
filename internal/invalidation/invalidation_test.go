package invalidation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	userID   string
	services []string
	calls    int
}

func (f *fakeSessions) OnUserBlocked(ctx context.Context, userID string, blockedServices []string) {
	f.userID = userID
	f.services = blockedServices
	f.calls++
}

type fakeConnections struct {
	closedUser string
	message    string
	calls      int
}

func (f *fakeConnections) CloseUser(userID, message string) {
	f.closedUser = userID
	f.message = message
	f.calls++
}

func TestHandleUserBlockedInvalidatesSessionsAlways(t *testing.T) {
	sessions := &fakeSessions{}
	connections := &fakeConnections{}
	bus := New(sessions, connections, nil)

	err := bus.HandleUserBlocked(t.Context(), `{"user_id":"u1","blocked_services":["mcp"]}`)
	require.NoError(t, err)
	require.Equal(t, "u1", sessions.userID)
	require.Equal(t, 0, connections.calls)
}

func TestHandleUserBlockedClosesConnectionsOnlyForChat(t *testing.T) {
	sessions := &fakeSessions{}
	connections := &fakeConnections{}
	bus := New(sessions, connections, nil)

	err := bus.HandleUserBlocked(t.Context(), `{"user_id":"u1","blocked_services":["chat"],"custom_message":"bye"}`)
	require.NoError(t, err)
	require.Equal(t, 1, connections.calls)
	require.Equal(t, "u1", connections.closedUser)
	require.Equal(t, "bye", connections.message)
}

func TestHandleUserBlockedMalformedPayloadReturnsError(t *testing.T) {
	bus := New(&fakeSessions{}, nil, nil)
	err := bus.HandleUserBlocked(t.Context(), `not json`)
	require.Error(t, err)
}

func TestHandleConfigReloadReplacesCachedConfigAtomically(t *testing.T) {
	bus := New(&fakeSessions{}, nil, nil)
	_, ok := bus.CachedConfig()
	require.False(t, ok)

	require.NoError(t, bus.HandleConfigReload(t.Context(), `{"enabled":true}`))
	cfg, ok := bus.CachedConfig()
	require.True(t, ok)
	require.Equal(t, `{"enabled":true}`, cfg)
}
