// Package breaker implements the per-key circuit breaker state machine
// described in spec.md §4.B: Closed -> Open -> HalfOpen -> {Closed, Open},
// with a failure-cycle counter driving an auto-disable signal.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kagenti/mcp-orchestrator/internal/domain"
)

// Config is the reloadable policy for one breaker instance. Every key
// tracked by the same Breaker shares this config; ConfigureBackOff-style
// per-field reload (kagenti/mcp-gateway's internal/broker/broker.go idiom)
// is exposed via Reconfigure.
type Config struct {
	FailureThreshold  int
	TimeoutSeconds    int
	HalfOpenMaxCalls  int
	MaxFailureCycles  int
	AutoDisableEnabled bool
}

// DefaultConfig mirrors the defaults exercised by spec.md's S3/S4 scenarios.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   3,
		TimeoutSeconds:     60,
		HalfOpenMaxCalls:   1,
		MaxFailureCycles:   3,
		AutoDisableEnabled: true,
	}
}

// EventSink receives every state transition, matching spec.md's
// "circuit_breaker_state" event. Implementations must not block — the
// breaker calls this synchronously inside its critical section and will
// stall every other key if it does.
type EventSink interface {
	CircuitBreakerStateChanged(key string, state domain.CircuitBreakerState, failureCycles int)
}

// noopSink is used when no sink is supplied.
type noopSink struct{}

func (noopSink) CircuitBreakerStateChanged(string, domain.CircuitBreakerState, int) {}

// entry is the mutable per-key state. Guarded by Breaker.mu; no suspension
// point is ever reached while mu is held (spec.md §5).
type entry struct {
	state               domain.CircuitBreakerState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenInFlight    int
	failureCycles       int
}

// Breaker is the process-wide (but dependency-injected, per spec.md §9)
// circuit breaker. One instance tracks every key (typically an Upstream
// name).
type Breaker struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	sink    EventSink
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Breaker at construction time.
type Option func(*Breaker)

// WithEventSink registers the sink notified of every state transition.
func WithEventSink(sink EventSink) Option {
	return func(b *Breaker) { b.sink = sink }
}

// WithClock overrides the time source, for deterministic tests (S3/S4).
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New builds a Breaker with the given config and logger.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{
		cfg:     cfg,
		entries: make(map[string]*entry),
		sink:    noopSink{},
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Reconfigure swaps the breaker's policy at runtime (spec.md §4.B "Config
// is reloadable at runtime"). Existing per-key counters are preserved.
func (b *Breaker) Reconfigure(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
}

func (b *Breaker) get(key string) *entry {
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: domain.StateClosed}
		b.entries[key] = e
	}
	return e
}

// IsOpen reports whether calls to key are currently short-circuited. A
// HalfOpen transition (Open -> HalfOpen after timeout_seconds) happens as a
// side effect of this call, matching spec.md's "after which the breaker
// transitions to HalfOpen ... and subsequent is_open returns false".
func (b *Breaker) IsOpen(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.get(key)
	switch e.state {
	case domain.StateClosed:
		return false
	case domain.StateOpen:
		if b.now().Sub(e.lastFailureTime) > time.Duration(b.cfg.TimeoutSeconds)*time.Second {
			b.transition(key, e, domain.StateHalfOpen)
			e.halfOpenInFlight = 0
			return false
		}
		return true
	case domain.StateHalfOpen:
		return e.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls
	default:
		return false
	}
}

// RecordSuccess resets a Closed breaker's failure count, or closes a
// HalfOpen probe.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.get(key)
	switch e.state {
	case domain.StateClosed:
		e.consecutiveFailures = 0
	case domain.StateHalfOpen:
		e.consecutiveFailures = 0
		e.halfOpenInFlight = 0
		b.transition(key, e, domain.StateClosed)
	}
}

// RecordFailure increments the failure count for key and drives every
// transition described in spec.md §4.B.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.get(key)
	switch e.state {
	case domain.StateClosed:
		e.consecutiveFailures++
		if e.consecutiveFailures >= b.cfg.FailureThreshold {
			e.lastFailureTime = b.now()
			b.transition(key, e, domain.StateOpen)
		}
	case domain.StateHalfOpen:
		e.failureCycles++
		e.lastFailureTime = b.now()
		b.transition(key, e, domain.StateOpen)
	case domain.StateOpen:
		// Already open; a failure recorded against an already-open breaker
		// (e.g. a drained in-flight call, spec.md §4.D edge case) just
		// refreshes the timestamp.
		e.lastFailureTime = b.now()
	}
}

// transition must be called with mu held. It updates state and notifies
// the sink; the sink call happens under the lock, matching spec.md §5's
// "circuit breaker state transitions are linearizable per key".
func (b *Breaker) transition(key string, e *entry, next domain.CircuitBreakerState) {
	if e.state == next {
		return
	}
	e.state = next
	b.logger.Debug("circuit breaker transition", "key", key, "state", next, "failure_cycles", e.failureCycles)
	b.sink.CircuitBreakerStateChanged(key, next, e.failureCycles)
}

// ShouldAutoDisable reports whether key has accumulated enough failure
// cycles to warrant the registry flipping its Upstream to admin_status
// inactive (spec.md §4.B, S4).
func (b *Breaker) ShouldAutoDisable(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.AutoDisableEnabled {
		return false
	}
	e := b.get(key)
	return e.failureCycles >= b.cfg.MaxFailureCycles
}

// Snapshot returns the current state for key without mutating it, for
// callers that need to surface circuit_state in a response (e.g. the
// dispatcher's "unavailable" tool-call result, or the broadcaster's
// initial_status snapshot).
func (b *Breaker) Snapshot(key string) domain.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.get(key)
	return domain.CircuitState{
		Key:                 key,
		State:               e.state,
		ConsecutiveFailures: e.consecutiveFailures,
		LastFailureTime:     e.lastFailureTime,
		HalfOpenInFlight:    e.halfOpenInFlight,
		FailureCycles:       e.failureCycles,
	}
}

// RetryAfterSeconds returns how long a caller should wait before retrying
// an Open breaker, for the "unavailable" tool-call result (spec.md S3:
// "retry_after_seconds:<=60").
func (b *Breaker) RetryAfterSeconds(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.get(key)
	if e.state != domain.StateOpen {
		return 0
	}
	remaining := time.Duration(b.cfg.TimeoutSeconds)*time.Second - b.now().Sub(e.lastFailureTime)
	if remaining <= 0 {
		return 0
	}
	secs := int(remaining.Seconds()) + 1
	if secs > b.cfg.TimeoutSeconds {
		secs = b.cfg.TimeoutSeconds
	}
	return secs
}

// Reset forces key back to Closed and zeroes every counter (spec.md §4.B
// "reset(key) forces Closed and zeroes all counters").
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = &entry{state: domain.StateClosed}
}

// BeginHalfOpenProbe records that one HalfOpen probe call is in flight.
// Callers must pair this with RecordSuccess/RecordFailure once the probe
// completes.
func (b *Breaker) BeginHalfOpenProbe(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.get(key)
	if e.state == domain.StateHalfOpen {
		e.halfOpenInFlight++
	}
}
