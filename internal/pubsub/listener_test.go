package pubsub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextDelayDoublesAndCaps(t *testing.T) {
	p := DefaultBackoffPolicy()
	require.Equal(t, time.Second, p.Initial)

	d := p.Initial
	for i := 0; i < 10; i++ {
		d = nextDelay(d, p.Max)
	}
	require.Equal(t, p.Max, d)
}

type recordingHealthSink struct {
	snapshots []Snapshot
}

func (r *recordingHealthSink) PublishHealth(s Snapshot) {
	r.snapshots = append(r.snapshots, s)
}

func TestPublishUpdatesRegistryAndSink(t *testing.T) {
	reg := NewRegistry()
	sink := &recordingHealthSink{}
	l := New("test-listener", "user_blocked", nil, nil, nil, WithRegistry(reg), WithHealthSink(sink))

	l.publish(2, StateReconnecting, "dial tcp: timeout")

	snap, ok := reg.Get("test-listener")
	require.True(t, ok)
	require.Equal(t, StateReconnecting, snap.State)
	require.Equal(t, 2, snap.ReconnectCount)
	require.Equal(t, "dial tcp: timeout", snap.LastError)
	require.Len(t, sink.snapshots, 1)
}

// TestDispatchSwallowsHandlerErrors ensures a handler error never kills the
// listener (spec.md §4.A).
func TestDispatchSwallowsHandlerErrors(t *testing.T) {
	called := false
	l := New("test", "chan", nil, func(_ context.Context, payload string) error {
		called = true
		return errors.New("boom")
	}, nil)

	require.NotPanics(t, func() {
		l.dispatch(context.Background(), "payload")
	})
	require.True(t, called)
}

// TestDispatchRecoversPanic ensures a handler panic never kills the
// listener either — the listener is a long-lived background goroutine and
// must survive any single bad message.
func TestDispatchRecoversPanic(t *testing.T) {
	l := New("test", "chan", nil, func(_ context.Context, _ string) error {
		panic("handler exploded")
	}, nil)

	require.NotPanics(t, func() {
		l.dispatch(context.Background(), "payload")
	})
}

func TestRegistryAllReturnsCopy(t *testing.T) {
	reg := NewRegistry()
	reg.set("a", Snapshot{Component: "a", State: StateConnected})
	all := reg.All()
	all["a"] = Snapshot{Component: "a", State: StateStopped}

	snap, ok := reg.Get("a")
	require.True(t, ok)
	require.Equal(t, StateConnected, snap.State, "mutating the returned copy must not affect the registry")
}
