// Package telemetry wraps the otel metrics this gateway exports: breaker
// state transitions, dispatcher latency, tool-result cache hit rate, and
// pub/sub listener reconnects. Grounded on docker/mcp-gateway's
// pkg/telemetry usage in pkg/gateway/dynamic_mcps.go (ToolCallCounter,
// ToolCallDuration, attribute.String-tagged Add/Record calls) and
// pkg/gateway/run.go's periodicMetricExport (ForceFlush on a ticker for
// long-running processes whose exporter only flushes on demand) — that
// package's source isn't in this pack, only its call sites, so this
// implementation is built directly against the otel/metric API using the
// same counter/histogram/attribute shape.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/kagenti/mcp-orchestrator"

// Metrics holds every instrument this gateway records against.
type Metrics struct {
	breakerTransitions metric.Int64Counter
	dispatchDuration   metric.Float64Histogram
	dispatchErrors     metric.Int64Counter
	listenerReconnects metric.Int64Counter
	toolCacheHits      metric.Int64Counter
	toolCacheMisses    metric.Int64Counter

	provider metric.MeterProvider
}

// New builds Metrics against the given MeterProvider. Pass nil to use
// otel.GetMeterProvider() (the global set by the process' SDK wiring).
func New(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	breakerTransitions, err := meter.Int64Counter(
		"mcp_gateway.breaker.transitions",
		metric.WithDescription("circuit breaker state transitions"),
	)
	if err != nil {
		return nil, err
	}
	dispatchDuration, err := meter.Float64Histogram(
		"mcp_gateway.dispatch.duration_ms",
		metric.WithDescription("JSON-RPC dispatch latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	dispatchErrors, err := meter.Int64Counter(
		"mcp_gateway.dispatch.errors",
		metric.WithDescription("JSON-RPC dispatch error replies by method and code"),
	)
	if err != nil {
		return nil, err
	}
	listenerReconnects, err := meter.Int64Counter(
		"mcp_gateway.pubsub.reconnects",
		metric.WithDescription("resilient listener reconnect attempts"),
	)
	if err != nil {
		return nil, err
	}
	toolCacheHits, err := meter.Int64Counter(
		"mcp_gateway.toolcache.hits",
		metric.WithDescription("tool result cache hits"),
	)
	if err != nil {
		return nil, err
	}
	toolCacheMisses, err := meter.Int64Counter(
		"mcp_gateway.toolcache.misses",
		metric.WithDescription("tool result cache misses"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		breakerTransitions: breakerTransitions,
		dispatchDuration:   dispatchDuration,
		dispatchErrors:     dispatchErrors,
		listenerReconnects: listenerReconnects,
		toolCacheHits:      toolCacheHits,
		toolCacheMisses:    toolCacheMisses,
		provider:           provider,
	}, nil
}

// RecordBreakerTransition records a circuit breaker moving from one state
// to another for an upstream (spec.md §4.B).
func (m *Metrics) RecordBreakerTransition(ctx context.Context, upstream, from, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mcp.upstream", upstream),
		attribute.String("mcp.breaker.from", from),
		attribute.String("mcp.breaker.to", to),
	))
}

// RecordDispatch records one JSON-RPC dispatch's latency and, if errCode is
// non-zero, increments the error counter tagged with that code (spec.md
// §4.G).
func (m *Metrics) RecordDispatch(ctx context.Context, method string, duration time.Duration, errCode int) {
	if m == nil {
		return
	}
	m.dispatchDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(
		attribute.String("mcp.method", method),
	))
	if errCode != 0 {
		m.dispatchErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mcp.method", method),
			attribute.Int("mcp.error_code", errCode),
		))
	}
}

// RecordListenerReconnect records a resilient pub/sub listener's reconnect
// attempt for a named channel (spec.md §4.A).
func (m *Metrics) RecordListenerReconnect(ctx context.Context, name string) {
	if m == nil {
		return
	}
	m.listenerReconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("mcp.listener", name)))
}

// RecordToolCacheLookup records a tool-result cache hit or miss (spec.md
// §4.J).
func (m *Metrics) RecordToolCacheLookup(ctx context.Context, upstream, tool string, hit bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mcp.upstream", upstream),
		attribute.String("mcp.tool", tool),
	)
	if hit {
		m.toolCacheHits.Add(ctx, 1, attrs)
		return
	}
	m.toolCacheMisses.Add(ctx, 1, attrs)
}

// StartPeriodicFlush force-flushes the meter provider on an interval, for
// exporters that otherwise only flush on process shutdown. Returns a
// function that stops the flush loop.
func (m *Metrics) StartPeriodicFlush(ctx context.Context, interval time.Duration) (stop func()) {
	flushable, ok := m.provider.(interface{ ForceFlush(context.Context) error })
	if !ok {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				_ = flushable.ForceFlush(flushCtx)
				cancel()
			}
		}
	}()
	return func() { close(done) }
}
