package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := New(provider)
	require.NoError(t, err)
	return m
}

func TestRecordBreakerTransitionDoesNotPanic(t *testing.T) {
	m := newTestMetrics(t)
	require.NotPanics(t, func() {
		m.RecordBreakerTransition(context.Background(), "weather", "closed", "open")
	})
}

func TestRecordDispatchAcceptsSuccessAndErrorCodeWithoutPanic(t *testing.T) {
	m := newTestMetrics(t)
	require.NotPanics(t, func() {
		m.RecordDispatch(context.Background(), "tools/call", 12*time.Millisecond, 0)
		m.RecordDispatch(context.Background(), "tools/call", 5*time.Millisecond, -32602)
	})
}

func TestRecordToolCacheLookupAcceptsHitAndMissWithoutPanic(t *testing.T) {
	m := newTestMetrics(t)
	require.NotPanics(t, func() {
		m.RecordToolCacheLookup(context.Background(), "weather", "forecast", true)
		m.RecordToolCacheLookup(context.Background(), "weather", "forecast", false)
	})
}

func TestRecordListenerReconnectDoesNotPanic(t *testing.T) {
	m := newTestMetrics(t)
	require.NotPanics(t, func() {
		m.RecordListenerReconnect(context.Background(), "invalidation.user_blocked")
	})
}

func TestNilMetricsRecordMethodsAreNoOps(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.RecordBreakerTransition(context.Background(), "a", "b", "c")
		m.RecordDispatch(context.Background(), "m", time.Millisecond, 0)
		m.RecordListenerReconnect(context.Background(), "l")
		m.RecordToolCacheLookup(context.Background(), "a", "b", true)
	})
}

func TestStartPeriodicFlushStopsCleanly(t *testing.T) {
	m := newTestMetrics(t)
	stop := m.StartPeriodicFlush(context.Background(), 10*time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	stop()
}
