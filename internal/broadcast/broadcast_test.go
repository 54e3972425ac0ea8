package broadcast

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, b *Broadcaster, role string) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.HandleUpgrade(w, r, "user-1", role)
	}))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestDisallowedRoleGetsPolicyClose(t *testing.T) {
	b := New([]string{"admin"}, nil)
	_, url := newTestServer(t, b, "guest")

	conn := dial(t, url)
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestSubscribeThenMatchingBroadcastIsDelivered(t *testing.T) {
	b := New([]string{"admin"}, nil)
	_, url := newTestServer(t, b, "admin")
	conn := dial(t, url)

	sub := map[string]any{
		"action":      "subscribe",
		"event_types": []string{"mcp_status_change"},
		"filters":     map[string]any{"mcp_names": []string{"A"}},
	}
	require.NoError(t, conn.WriteJSON(sub))

	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "subscribed", ack["type"])

	require.Eventually(t, func() bool { return b.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	b.BroadcastEvent("mcp_status_change", map[string]any{"mcp_name": "A", "old_status": "healthy", "new_status": "unhealthy"})

	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "mcp_status_change", msg["type"])
}

// TestSubscriptionFilterIsolation is spec.md §8 scenario S6.
func TestSubscriptionFilterIsolation(t *testing.T) {
	b := New([]string{"admin"}, nil)
	_, url := newTestServer(t, b, "admin")
	connA := dial(t, url)
	connB := dial(t, url)

	require.NoError(t, connA.WriteJSON(map[string]any{
		"action": "subscribe", "event_types": []string{"mcp_status_change"},
		"filters": map[string]any{"mcp_names": []string{"A"}},
	}))
	var ack map[string]any
	require.NoError(t, connA.ReadJSON(&ack))

	require.NoError(t, connB.WriteJSON(map[string]any{
		"action": "subscribe", "event_types": []string{"mcp_status_change"},
		"filters": map[string]any{"mcp_names": []string{"B"}},
	}))
	require.NoError(t, connB.ReadJSON(&ack))

	require.Eventually(t, func() bool { return b.ConnectionCount() == 2 }, time.Second, 10*time.Millisecond)

	b.BroadcastEvent("mcp_status_change", map[string]any{
		"mcp_name": "A", "old_status": "healthy", "new_status": "unhealthy", "severity": "high",
	})

	var received map[string]any
	require.NoError(t, connA.ReadJSON(&received))
	require.Equal(t, "mcp_status_change", received["type"])

	_ = connB.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	err := connB.ReadJSON(&received)
	require.Error(t, err, "client B must not receive an event for mcp_name A")
}

func TestGetMetadataReturnsEventRegistry(t *testing.T) {
	b := New([]string{"admin"}, nil)
	_, url := newTestServer(t, b, "admin")
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "get_metadata"}))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "metadata", msg["type"])
	data, ok := msg["data"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, data, "filterable_fields")
}

func TestPingReturnsLiteralPong(t *testing.T) {
	b := New([]string{"admin"}, nil)
	_, url := newTestServer(t, b, "admin")
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "ping"}))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "pong", string(data))
}

// TestEnqueueDropsOldestNonHeartbeatOnOverflow is spec.md §5's backpressure
// invariant: overflow drops the oldest non-heartbeat event, never a
// heartbeat, as long as a non-heartbeat entry is available to evict.
func TestEnqueueDropsOldestNonHeartbeatOnOverflow(t *testing.T) {
	b := New([]string{"admin"}, nil)
	c := &connection{id: "conn-test", wake: make(chan struct{}, 1), closed: make(chan struct{})}

	b.enqueue(c, []byte("hb-1"), true)
	for i := 0; i < outboundQueueSize-1; i++ {
		b.enqueue(c, []byte("event"), false)
	}
	require.Len(t, c.outbound, outboundQueueSize)

	// Queue is now full: one more non-heartbeat event must evict the oldest
	// non-heartbeat entry, not the heartbeat sitting at the front.
	b.enqueue(c, []byte("event-new"), false)

	require.Len(t, c.outbound, outboundQueueSize)
	require.True(t, c.outbound[0].isHeartbeat, "heartbeat must survive while a non-heartbeat entry is available to drop")
	require.Equal(t, []byte("event-new"), c.outbound[len(c.outbound)-1].data)
}

// TestEnqueueFallsBackToDroppingHeartbeatWhenNoEventQueued covers the
// fallback branch: if every queued entry is a heartbeat, overflow must still
// make room rather than silently discard the new message.
func TestEnqueueFallsBackToDroppingHeartbeatWhenNoEventQueued(t *testing.T) {
	b := New([]string{"admin"}, nil)
	c := &connection{id: "conn-test", wake: make(chan struct{}, 1), closed: make(chan struct{})}

	for i := 0; i < outboundQueueSize; i++ {
		b.enqueue(c, []byte("hb"), true)
	}
	require.Len(t, c.outbound, outboundQueueSize)

	b.enqueue(c, []byte("event"), false)

	require.Len(t, c.outbound, outboundQueueSize)
	require.Equal(t, []byte("event"), c.outbound[len(c.outbound)-1].data)
}

func TestMatchesFieldNumericMinimum(t *testing.T) {
	require.True(t, matchesField("failure_cycles", float64(2), map[string]any{"failure_cycles": float64(3)}))
	require.False(t, matchesField("failure_cycles", float64(3), map[string]any{"failure_cycles": float64(2)}))
}

func TestEnvelopeMarshalsTimestampAndData(t *testing.T) {
	env := envelope{Type: "ping", Timestamp: time.Now().UTC().Format(time.RFC3339)}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.Contains(t, string(data), `"type":"ping"`)
}
