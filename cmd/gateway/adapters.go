package main

import (
	"context"

	"github.com/kagenti/mcp-orchestrator/internal/breaker"
	"github.com/kagenti/mcp-orchestrator/internal/broadcast"
	"github.com/kagenti/mcp-orchestrator/internal/domain"
	"github.com/kagenti/mcp-orchestrator/internal/pubsub"
	"github.com/kagenti/mcp-orchestrator/internal/registry"
	"github.com/kagenti/mcp-orchestrator/internal/telemetry"
)

// registryEventSink forwards registry.EventSink notifications ("mcp_status_change",
// "mcp_auto_disabled") onto the dashboard broadcaster.
type registryEventSink struct {
	broadcaster *broadcast.Broadcaster
}

func newRegistryEventSink(b *broadcast.Broadcaster) registry.EventSink {
	return registryEventSink{broadcaster: b}
}

func (s registryEventSink) Emit(eventType string, payload map[string]any) {
	s.broadcaster.BroadcastEvent(eventType, payload)
}

// breakerEventSink forwards circuit breaker transitions both onto the
// dashboard broadcaster (as a "circuit_state_change" event) and into the
// mcp_gateway.breaker.transitions telemetry counter.
type breakerEventSink struct {
	broadcaster *broadcast.Broadcaster
	metrics     *telemetry.Metrics
}

func newBreakerSink(b *broadcast.Broadcaster, m *telemetry.Metrics) breaker.EventSink {
	return breakerEventSink{broadcaster: b, metrics: m}
}

func (s breakerEventSink) CircuitBreakerStateChanged(key string, state domain.CircuitBreakerState, failureCycles int) {
	s.broadcaster.BroadcastEvent("circuit_state_change", map[string]any{
		"mcp_name":       key,
		"circuit_state":  string(state),
		"failure_cycles": failureCycles,
	})
	s.metrics.RecordBreakerTransition(context.Background(), key, "", string(state))
}

// listenerHealthSink forwards resilient pub/sub listener health snapshots
// into the mcp_gateway.pubsub.reconnects telemetry counter and the dashboard
// broadcaster, so a dropped/recovered Redis connection is visible to both.
type listenerHealthSink struct {
	broadcaster *broadcast.Broadcaster
	metrics     *telemetry.Metrics
}

func newListenerHealthSink(b *broadcast.Broadcaster, m *telemetry.Metrics) pubsub.HealthSink {
	return listenerHealthSink{broadcaster: b, metrics: m}
}

func (s listenerHealthSink) PublishHealth(snap pubsub.Snapshot) {
	if s.metrics != nil && snap.State == pubsub.StateReconnecting {
		s.metrics.RecordListenerReconnect(context.Background(), snap.Component)
	}
	if s.broadcaster != nil {
		s.broadcaster.BroadcastEvent("component_health", map[string]any{
			"component":       snap.Component,
			"channel":         snap.Channel,
			"state":           string(snap.State),
			"reconnect_count": snap.ReconnectCount,
		})
	}
}

// statusSource composes the upstream registry and circuit breaker into the
// broadcast.StatusSource view sent as initial_status right after a
// dashboard WebSocket connection is accepted (spec.md §6).
type statusSource struct {
	registry *registry.Registry
	breaker  *breaker.Breaker
}

func (s statusSource) Snapshot() []broadcast.McpStatus {
	names := s.registry.ActiveUpstreams()
	out := make([]broadcast.McpStatus, 0, len(names))
	for _, name := range names {
		up, ok := s.registry.Upstream(name)
		if !ok {
			continue
		}
		circuit := s.breaker.Snapshot(name)
		lastCheck := ""
		if !up.UpdatedAt.IsZero() {
			lastCheck = up.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		out = append(out, broadcast.McpStatus{
			Name:            name,
			HealthStatus:    string(up.HealthStatus),
			CircuitState:    string(circuit.State),
			LastHealthCheck: lastCheck,
		})
	}
	return out
}
