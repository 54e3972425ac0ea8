// Package registry is the coordinator described by spec.md §4.D: it owns
// every live UpstreamSession, the per-upstream catalog caches, and the
// hot-reload/health-check loops that keep them current. It is grounded on
// kagenti/mcp-gateway's internal/broker (mcpBrokerImpl's server map and
// RegisterServerWithConfig/retryDiscovery flow) and internal/broker/upstream
// (MCPManager's ticker-driven Start/Stop lifecycle and toolsLock pattern),
// generalized from a single mark3labs/mcp-go client per upstream to this
// module's own internal/mcpclient and internal/breaker.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kagenti/mcp-orchestrator/internal/breaker"
	"github.com/kagenti/mcp-orchestrator/internal/config"
	"github.com/kagenti/mcp-orchestrator/internal/domain"
	"github.com/kagenti/mcp-orchestrator/internal/mcpclient"
)

// MaxConnectionAge forces a renewal unload-then-load once a session has been
// open this long (spec.md §4.D).
const MaxConnectionAge = 600 * time.Second

// reloadInterval and healthInterval both run "period ≈ 30s" per spec.md §4.D.
const (
	reloadInterval = 30 * time.Second
	healthInterval = 30 * time.Second
)

// EventSink receives the status-change/auto-disable events spec.md §4.D
// names: "mcp_status_change" and "mcp_auto_disabled". Implementations
// (cmd/gateway's registryEventSink, which forwards to internal/broadcast)
// must not block.
type EventSink interface {
	Emit(eventType string, payload map[string]any)
}

type noopEventSink struct{}

func (noopEventSink) Emit(string, map[string]any) {}

// CredentialResolver turns an Auth reference into mcpclient options,
// isolating pkg/credentials' secret lookup from this package.
type CredentialResolver interface {
	Resolve(ctx context.Context, auth domain.Auth) ([]mcpclient.Option, error)
}

// UnavailableError is the typed "unavailable" tool-call result spec.md §4.D
// requires when the breaker is Open.
type UnavailableError struct {
	Upstream          string
	RetryAfterSeconds int
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("mcp %q unavailable, retry after %ds", e.Upstream, e.RetryAfterSeconds)
}

// loaded is the in-memory state for one currently-connected upstream.
type loaded struct {
	client    *mcpclient.Client
	session   domain.UpstreamSession
	catalog   domain.Catalog
	createdAt time.Time
}

// Registry is the coordinator. One instance per gateway process.
type Registry struct {
	store      config.Store
	breaker    *breaker.Breaker
	credential CredentialResolver
	events     EventSink
	logger     *slog.Logger
	clientInfo mcpclient.ClientInfo

	mu        sync.RWMutex
	upstreams map[string]*domain.Upstream
	live      map[string]*loaded
	recovery  map[string]struct{}

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	lastScan time.Time

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithEventSink registers the sink notified of status-change/auto-disable
// events.
func WithEventSink(sink EventSink) Option {
	return func(r *Registry) { r.events = sink }
}

// New builds a Registry. store is consulted at Start and on every
// hot-reload tick; br tracks per-upstream circuit state; cred resolves
// Auth references into transport options.
func New(store config.Store, br *breaker.Breaker, cred CredentialResolver, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:      store,
		breaker:    br,
		credential: cred,
		events:     noopEventSink{},
		logger:     logger,
		clientInfo: mcpclient.ClientInfo{Name: "mcp-orchestrator", Version: "0.1.0"},
		upstreams:  make(map[string]*domain.Upstream),
		live:       make(map[string]*loaded),
		recovery:   make(map[string]struct{}),
		locks:      make(map[string]*sync.Mutex),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) lockFor(name string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	return l
}

// Start performs the initial load of every active upstream, then launches
// the hot-reload and health-check loops. It returns once the initial load
// pass has been attempted for every upstream currently in the store.
func (r *Registry) Start(ctx context.Context) error {
	snap, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("initial registry load: %w", err)
	}
	r.applySnapshot(ctx, snap)
	r.lastScan = time.Now()

	r.wg.Add(2)
	go func() { defer r.wg.Done(); r.reloadLoop(ctx) }()
	go func() { defer r.wg.Done(); r.healthLoop(ctx) }()
	return nil
}

// Stop halts both background loops and waits for them to exit. Safe to call
// multiple times.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

// OnConfigChange implements config.Observer, so a Registry may be registered
// directly with a config.Notifier for event-driven reload in addition to
// the periodic hot-reload loop.
func (r *Registry) OnConfigChange(ctx context.Context, snap *config.Snapshot) {
	r.applySnapshot(ctx, snap)
}

func (r *Registry) applySnapshot(ctx context.Context, snap *config.Snapshot) {
	active := make(map[string]*domain.Upstream, len(snap.Upstreams))
	for _, u := range snap.Upstreams {
		active[u.Name] = u
	}

	r.mu.RLock()
	known := make(map[string]*domain.Upstream, len(r.upstreams))
	for name, u := range r.upstreams {
		known[name] = u
	}
	r.mu.RUnlock()

	for name, u := range active {
		if _, ok := known[name]; !ok {
			r.events.Emit("mcp_status_change", map[string]any{"mcp_name": name, "old_status": "not_loaded", "new_status": "loading"})
			r.setUpstream(name, u)
			r.Load(ctx, u)
		}
	}
	for name := range known {
		if _, ok := active[name]; !ok {
			r.unload(name, "removed")
			r.mu.Lock()
			delete(r.upstreams, name)
			r.mu.Unlock()
		}
	}
	for name, u := range active {
		prev, ok := known[name]
		if !ok {
			continue
		}
		if !configEqual(prev, u) {
			r.unload(name, "config changed")
			r.setUpstream(name, u)
			r.Load(ctx, u)
		}
	}
}

// configEqual compares only the operator-configured fields of an Upstream,
// ignoring the registry-managed runtime fields (health/error/auto-disable
// state) that a freshly-decoded config snapshot never carries (spec.md
// §4.D: "changed = {u in both where the config differs}").
func configEqual(a, b *domain.Upstream) bool {
	return a.URL == b.URL &&
		a.Transport == b.Transport &&
		a.Timeout == b.Timeout &&
		a.Retry == b.Retry &&
		a.Auth == b.Auth &&
		a.AdminStatus == b.AdminStatus
}

func (r *Registry) setUpstream(name string, u *domain.Upstream) {
	r.mu.Lock()
	r.upstreams[name] = u
	r.mu.Unlock()
}

// Load connects to up, discovers its catalog, and records the outcome with
// the breaker. Per-upstream operations are serialized (spec.md §5).
func (r *Registry) Load(ctx context.Context, up *domain.Upstream) {
	lock := r.lockFor(up.Name)
	lock.Lock()
	defer lock.Unlock()
	r.load(ctx, up)
}

func (r *Registry) load(ctx context.Context, up *domain.Upstream) {
	if r.breaker.IsOpen(up.Name) {
		r.logger.Debug("skip load, breaker open", "upstream", up.Name)
		return
	}

	attempts := up.Retry.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(up.Retry.RetryDelay):
			}
		}

		l, err := r.connect(ctx, up)
		if err == nil {
			r.storeLoaded(up.Name, l)
			r.breaker.RecordSuccess(up.Name)
			r.transitionHealth(up, domain.HealthHealthy)
			r.clearRecovery(up.Name)
			return
		}
		lastErr = err

		var connErr *mcpclient.ConnectError
		if !errors.As(err, &connErr) {
			break
		}
	}

	r.recordLoadFailure(up, lastErr)
}

func (r *Registry) clearRecovery(name string) {
	r.mu.Lock()
	delete(r.recovery, name)
	r.mu.Unlock()
}

func (r *Registry) connect(ctx context.Context, up *domain.Upstream) (*loaded, error) {
	var opts []mcpclient.Option
	if r.credential != nil {
		resolved, err := r.credential.Resolve(ctx, up.Auth)
		if err != nil {
			return nil, fmt.Errorf("resolve credentials for %q: %w", up.Name, err)
		}
		opts = resolved
	}
	opts = append(opts, mcpclient.WithTimeout(up.Timeout))

	client := mcpclient.New(up.URL, r.clientInfo, opts...)
	if _, err := client.Initialize(ctx); err != nil {
		return nil, err
	}

	catalog, err := r.discoverCatalog(ctx, client)
	if err != nil {
		return nil, err
	}

	return &loaded{
		client:    client,
		session:   domain.UpstreamSession{UpstreamName: up.Name, SessionID: client.SessionID(), CreatedAt: time.Now()},
		catalog:   catalog,
		createdAt: time.Now(),
	}, nil
}

func (r *Registry) discoverCatalog(ctx context.Context, client *mcpclient.Client) (domain.Catalog, error) {
	toolsRaw, err := client.ToolsList(ctx)
	if err != nil {
		return domain.Catalog{}, err
	}
	tools, err := decodeTools(toolsRaw)
	if err != nil {
		return domain.Catalog{}, err
	}

	promptsRaw, err := client.PromptsList(ctx)
	if err != nil {
		return domain.Catalog{}, err
	}
	prompts, err := decodePrompts(promptsRaw)
	if err != nil {
		return domain.Catalog{}, err
	}

	resourcesRaw, err := client.ResourcesList(ctx)
	if err != nil {
		return domain.Catalog{}, err
	}
	resources, err := decodeResources(resourcesRaw)
	if err != nil {
		return domain.Catalog{}, err
	}

	return domain.Catalog{Tools: tools, Prompts: prompts, Resources: resources}, nil
}

func (r *Registry) storeLoaded(name string, l *loaded) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = l
}

func (r *Registry) recordLoadFailure(up *domain.Upstream, err error) {
	r.breaker.RecordFailure(up.Name)
	if r.breaker.ShouldAutoDisable(up.Name) {
		now := time.Now()
		up.AdminStatus = domain.AdminInactive
		up.AutoDisabledAt = &now
		if err != nil {
			up.AutoDisableReason = err.Error()
		}
		r.events.Emit("mcp_auto_disabled", map[string]any{
			"mcp_name": up.Name,
			"severity": "critical",
			"reason":   up.AutoDisableReason,
		})
	} else {
		r.transitionHealth(up, domain.HealthUnhealthy)
	}
	r.releaseSession(up.Name)
}

func (r *Registry) transitionHealth(up *domain.Upstream, status domain.HealthStatus) {
	old := up.HealthStatus
	up.HealthStatus = status
	if old != status {
		r.events.Emit("mcp_status_change", map[string]any{"mcp_name": up.Name, "old_status": old, "new_status": status})
	}
}

// unload closes a session (if any), drops the cached catalog, and emits a
// status-change event. It does not remove the upstream from r.upstreams —
// callers that also want that call it separately.
func (r *Registry) unload(name, reason string) {
	lock := r.lockFor(name)
	lock.Lock()
	defer lock.Unlock()
	r.releaseSession(name)
	r.events.Emit("mcp_status_change", map[string]any{"mcp_name": name, "new_status": "not_loaded", "reason": reason})
	r.logger.Debug("unloaded upstream", "upstream", name, "reason", reason)
}

func (r *Registry) releaseSession(name string) {
	r.mu.Lock()
	l, ok := r.live[name]
	delete(r.live, name)
	r.mu.Unlock()
	if ok && l.client != nil {
		// The wire client has no persistent connection to close beyond its
		// http.Client; dropping the reference is sufficient (spec.md §4.D:
		// "the partial session, if any, is released").
		_ = l
	}
}

// Catalog returns the cached catalog for name and whether it is currently
// loaded.
func (r *Registry) Catalog(name string) (domain.Catalog, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.live[name]
	if !ok {
		return domain.Catalog{}, false
	}
	return l.catalog, true
}

// ActiveUpstreams returns the names of every known upstream whose admin
// status is active (loaded or not); the order is not guaranteed.
func (r *Registry) ActiveUpstreams() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.upstreams))
	for name, u := range r.upstreams {
		if u.AdminStatus == domain.AdminActive {
			names = append(names, name)
		}
	}
	return names
}

// Upstream returns the current admin/health record for name.
func (r *Registry) Upstream(name string) (*domain.Upstream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.upstreams[name]
	return u, ok
}

// CallTool invokes tool on upstream, gated by the circuit breaker (spec.md
// §4.D tool-call path).
func (r *Registry) CallTool(ctx context.Context, upstream, tool string, args map[string]any) (any, error) {
	if r.breaker.IsOpen(upstream) {
		return nil, &UnavailableError{Upstream: upstream, RetryAfterSeconds: r.breaker.RetryAfterSeconds(upstream)}
	}

	r.mu.RLock()
	l, ok := r.live[upstream]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnavailableError{Upstream: upstream, RetryAfterSeconds: 0}
	}

	result, err := l.client.ToolsCall(ctx, tool, args)
	if err != nil {
		r.recordCallOutcome(upstream, err)
		return nil, err
	}
	r.breaker.RecordSuccess(upstream)
	return result, nil
}

// Prompt/Resource equivalents of CallTool, used by the dispatcher's
// prompts/get and resources/read handlers.

func (r *Registry) GetPrompt(ctx context.Context, upstream, name string, args map[string]any) (any, error) {
	if r.breaker.IsOpen(upstream) {
		return nil, &UnavailableError{Upstream: upstream, RetryAfterSeconds: r.breaker.RetryAfterSeconds(upstream)}
	}
	r.mu.RLock()
	l, ok := r.live[upstream]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnavailableError{Upstream: upstream, RetryAfterSeconds: 0}
	}
	result, err := l.client.PromptsGet(ctx, name, args)
	if err != nil {
		r.recordCallOutcome(upstream, err)
		return nil, err
	}
	r.breaker.RecordSuccess(upstream)
	return result, nil
}

func (r *Registry) ReadResource(ctx context.Context, upstream, uri string) (any, error) {
	if r.breaker.IsOpen(upstream) {
		return nil, &UnavailableError{Upstream: upstream, RetryAfterSeconds: r.breaker.RetryAfterSeconds(upstream)}
	}
	r.mu.RLock()
	l, ok := r.live[upstream]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnavailableError{Upstream: upstream, RetryAfterSeconds: 0}
	}
	result, err := l.client.ResourcesRead(ctx, uri)
	if err != nil {
		r.recordCallOutcome(upstream, err)
		return nil, err
	}
	r.breaker.RecordSuccess(upstream)
	return result, nil
}

// recordCallOutcome records a tool/prompt/resource call error against the
// breaker, except -32601/-32602 which are protocol-correct responses and do
// not count against availability (spec.md §7).
func (r *Registry) recordCallOutcome(upstream string, err error) {
	var rpcErr *mcpclient.RPCError
	if errors.As(err, &rpcErr) && (rpcErr.Code == -32601 || rpcErr.Code == -32602) {
		return
	}
	r.breaker.RecordFailure(upstream)
}

func (r *Registry) reloadLoop(ctx context.Context) {
	ticker := time.NewTicker(reloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.reloadTick(ctx)
		}
	}
}

func (r *Registry) reloadTick(ctx context.Context) {
	snap, err := r.store.Load(ctx)
	if err != nil {
		r.logger.Warn("hot-reload: failed to read config store", "error", err)
		return
	}
	r.applySnapshot(ctx, snap)
	r.lastScan = time.Now()
	r.renewAgedConnections(ctx)
}

func (r *Registry) renewAgedConnections(ctx context.Context) {
	r.mu.RLock()
	aged := make([]string, 0)
	for name, l := range r.live {
		if time.Since(l.createdAt) > MaxConnectionAge {
			aged = append(aged, name)
		}
	}
	r.mu.RUnlock()

	for _, name := range aged {
		up, ok := r.Upstream(name)
		if !ok {
			continue
		}
		r.unload(name, "max connection age exceeded")
		r.Load(ctx, up)
	}
}

func (r *Registry) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.healthTick(ctx)
		}
	}
}

func (r *Registry) healthTick(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.live))
	for name := range r.live {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.checkHealth(ctx, name)
	}

	r.mu.RLock()
	recovering := make([]string, 0, len(r.recovery))
	for name := range r.recovery {
		recovering = append(recovering, name)
	}
	r.mu.RUnlock()

	for _, name := range recovering {
		if r.breaker.IsOpen(name) {
			continue
		}
		if up, ok := r.Upstream(name); ok {
			r.Load(ctx, up)
		}
	}
}

func (r *Registry) checkHealth(ctx context.Context, name string) {
	r.mu.RLock()
	l, ok := r.live[name]
	r.mu.RUnlock()
	if !ok {
		return
	}

	start := time.Now()
	_, err := l.client.ToolsList(ctx)
	latency := time.Since(start)

	up, known := r.Upstream(name)
	if !known {
		return
	}

	if err == nil {
		r.breaker.RecordSuccess(name)
		up.ErrorCount = 0
		// UpdatedAt records the last successful health check.
		up.UpdatedAt = time.Now()
		r.transitionHealth(up, domain.HealthHealthy)
		r.logger.Debug("health check ok", "upstream", name, "latency", latency)
		return
	}

	r.breaker.RecordFailure(name)
	up.ErrorCount++
	r.unload(name, "health check failed")
	r.mu.Lock()
	r.recovery[name] = struct{}{}
	r.mu.Unlock()

	if r.breaker.IsOpen(name) {
		r.transitionHealth(up, domain.HealthCircuitOpen)
	} else {
		r.transitionHealth(up, domain.HealthUnhealthy)
	}
}
