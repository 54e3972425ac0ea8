// Package pubsub implements the resilient Redis pub/sub listener described
// in spec.md §4.A: subscribe, reconnect with exponential backoff capped at
// 60s, and publish a health snapshot for every state transition.
//
// The retry idiom here generalizes kagenti/mcp-gateway's
// internal/broker/broker.go ConfigureBackOff/retryDiscovery (itself built
// on k8s.io/apimachinery/pkg/util/wait.ExponentialBackoffWithContext) from
// "retry an upstream discovery call" to "retry a channel subscription",
// reimplemented on stdlib time/context since apimachinery is dropped from
// this module (see DESIGN.md).
package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is one of the three listener health states spec.md §4.A names.
type State string

const (
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateStopped      State = "stopped"
)

// Snapshot is the shared-registry health record spec.md §4.A requires:
// "name -> current snapshot {component, channel, state, reconnect_count,
// timestamps, last_error}".
type Snapshot struct {
	Component      string
	Channel        string
	State          State
	ReconnectCount int
	StartedAt      time.Time
	UpdatedAt      time.Time
	LastError      string
}

// HealthSink receives every listener state transition, so it can be
// republished on the component_health topic (spec.md §4.A, §6).
type HealthSink interface {
	PublishHealth(Snapshot)
}

type noopHealthSink struct{}

func (noopHealthSink) PublishHealth(Snapshot) {}

// Handler processes one pub/sub message. A returned error is logged and
// swallowed (spec.md §4.A: "Handler errors are logged and swallowed — they
// must never kill the listener").
type Handler func(ctx context.Context, payload string) error

// Registry is the shared name -> Snapshot map spec.md §4.A describes.
// Safe for concurrent use; Listener writes, anyone may read.
type Registry struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewRegistry builds an empty snapshot registry.
func NewRegistry() *Registry {
	return &Registry{snapshots: make(map[string]Snapshot)}
}

func (r *Registry) set(name string, snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots[name] = snap
}

// Get returns the current snapshot for name, if any listener has reported
// one yet.
func (r *Registry) Get(name string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.snapshots[name]
	return s, ok
}

// All returns a copy of every tracked snapshot.
func (r *Registry) All() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.snapshots))
	for k, v := range r.snapshots {
		out[k] = v
	}
	return out
}

// BackoffPolicy bounds the reconnect delay. Mirrors the env-configurable
// shape of kagenti/mcp-gateway's ConfigureBackOff.
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoffPolicy matches spec.md §4.A: "starting at 1s and capped at
// 60s".
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Initial: time.Second, Max: 60 * time.Second}
}

// Listener subscribes to one Redis channel and invokes handler for every
// message received, reconnecting indefinitely until Stop is called.
type Listener struct {
	name     string
	channel  string
	client   *redis.Client
	handler  Handler
	backoff  BackoffPolicy
	logger   *slog.Logger
	registry *Registry
	health   HealthSink

	mu       sync.Mutex
	started  time.Time
	stopped  chan struct{}
	stopOnce sync.Once
}

// Option configures a Listener at construction time.
type Option func(*Listener)

// WithBackoff overrides the default backoff bounds.
func WithBackoff(p BackoffPolicy) Option {
	return func(l *Listener) { l.backoff = p }
}

// WithRegistry attaches a shared Registry that tracks every listener's
// snapshot by name.
func WithRegistry(r *Registry) Option {
	return func(l *Listener) { l.registry = r }
}

// WithHealthSink attaches the sink notified of every state transition.
func WithHealthSink(h HealthSink) Option {
	return func(l *Listener) { l.health = h }
}

// New builds a Listener for the given name/channel pair. The listener does
// not start consuming until Run is called.
func New(name, channel string, client *redis.Client, handler Handler, logger *slog.Logger, opts ...Option) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Listener{
		name:     name,
		channel:  channel,
		client:   client,
		handler:  handler,
		backoff:  DefaultBackoffPolicy(),
		logger:   logger,
		registry: NewRegistry(),
		health:   noopHealthSink{},
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run subscribes and consumes until ctx is cancelled or Stop is called.
// Blocking; call it on its own goroutine.
func (l *Listener) Run(ctx context.Context) {
	l.mu.Lock()
	l.started = time.Now()
	l.mu.Unlock()

	delay := l.backoff.Initial
	reconnects := 0

	for {
		select {
		case <-ctx.Done():
			l.publish(reconnects, StateStopped, "")
			return
		case <-l.stopped:
			l.publish(reconnects, StateStopped, "")
			return
		default:
		}

		connected, err := l.consume(ctx)
		if err == nil {
			// consume returns nil only on clean shutdown.
			l.publish(reconnects, StateStopped, "")
			return
		}
		if connected {
			// This attempt reached StateConnected before failing later, so
			// the next wait starts fresh rather than continuing to double
			// (spec.md §4.A: "backoff resets to 1s on successful reconnect").
			delay = l.backoff.Initial
		}

		reconnects++
		l.logger.Warn("pubsub listener disconnected, backing off",
			"name", l.name, "channel", l.channel, "error", err, "delay", delay)
		l.publish(reconnects, StateReconnecting, err.Error())

		select {
		case <-ctx.Done():
			l.publish(reconnects, StateStopped, "")
			return
		case <-l.stopped:
			l.publish(reconnects, StateStopped, "")
			return
		case <-time.After(delay):
		}

		delay = nextDelay(delay, l.backoff.Max)
	}
}

// nextDelay doubles delay, capped at max. Extracted as a pure function so
// the backoff progression is unit-testable without a live Redis server.
func nextDelay(delay, max time.Duration) time.Duration {
	delay *= 2
	if delay > max {
		delay = max
	}
	return delay
}

// consume performs one subscribe-and-read loop. It returns (false, err) if
// the channel was never subscribed to, and (true, err) once it has reached
// StateConnected at least once — the connected flag is Run's signal to reset
// its backoff delay on the next failure. It returns (true, nil) on clean
// shutdown (ctx cancelled or Stop called).
func (l *Listener) consume(ctx context.Context) (connected bool, err error) {
	sub := l.client.Subscribe(ctx, l.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return false, err
	}

	// Successful (re)connect: report it. Run resets its backoff because
	// consume returns connected=true.
	l.publish(0, StateConnected, "")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-l.stopped:
			return true, nil
		case msg, ok := <-ch:
			if !ok {
				return true, errClosedChannel
			}
			l.dispatch(ctx, msg.Payload)
		}
	}
}

// dispatch invokes handler and swallows any error it returns, per
// spec.md §4.A.
func (l *Listener) dispatch(ctx context.Context, payload string) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("pubsub handler panicked", "name", l.name, "recovered", r)
		}
	}()
	if err := l.handler(ctx, payload); err != nil {
		l.logger.Error("pubsub handler error", "name", l.name, "channel", l.channel, "error", err)
	}
}

func (l *Listener) publish(reconnects int, state State, lastErr string) {
	snap := Snapshot{
		Component:      l.name,
		Channel:        l.channel,
		State:          state,
		ReconnectCount: reconnects,
		StartedAt:      l.started,
		UpdatedAt:      time.Now(),
		LastError:      lastErr,
	}
	l.registry.set(l.name, snap)
	l.health.PublishHealth(snap)
}

// Stop requests a clean shutdown; Run returns once the in-flight consume
// loop observes it.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() { close(l.stopped) })
}

// errClosedChannel is returned by consume when the Redis client closes the
// subscription's message channel unexpectedly (connection loss).
var errClosedChannel = &connError{"subscription channel closed"}

type connError struct{ msg string }

func (e *connError) Error() string { return e.msg }
