// Package sessioncache is the Gateway Session Cache (spec.md §4.F): a
// token-keyed cache of GatewaySession with TTL expiry, user-scoped
// invalidation, and a periodic sweep. The in-process/optional-Redis
// functional-option split is grounded on kagenti/mcp-gateway's
// internal/session.Cache (in-memory sync.Map vs. redis.Client, selected via
// WithConnectionString); the key/value shape and invalidate-by-id idiom are
// grounded on internal/cache.Cache's sync.Map session table and
// InvalidateByMCPSessionID sweep.
package sessioncache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/kagenti/mcp-orchestrator/internal/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the gateway session lifetime absent an explicit TTL
// (spec.md §9 ambiguity #3: 60s, the stronger invariant). Configurable via
// --token-cache-ttl / MCP_GATEWAY_TOKEN_CACHE_TTL (cmd/gateway).
const DefaultTTL = 60 * time.Second

// entry is the in-memory record. Redis mode serializes the same fields.
type entry struct {
	session domain.GatewaySession
	expires time.Time
}

// Cache is the Gateway Session Cache. Nil redisClient selects the
// in-process map backend (inmem, guarded by mu).
type Cache struct {
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.RWMutex
	inmem map[string]*entry

	redisClient *redis.Client

	sweepDone chan struct{}
	sweepOnce sync.Once
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

// WithRedis selects the Redis-backed cross-process mode instead of the
// default in-process map, matching internal/session.Cache's
// WithConnectionString option.
func WithRedis(client *redis.Client) Option {
	return func(c *Cache) { c.redisClient = client }
}

// New builds a Cache. Without WithRedis it is a single-process in-memory
// cache; with it, sessions are visible to every gateway replica.
func New(logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		ttl:       DefaultTTL,
		logger:    logger,
		inmem:     make(map[string]*entry),
		sweepDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func redisKey(token string) string { return "gwsession:" + token }

// Get returns the session for token if present and not expired, bumping
// LastAccessed (spec.md §4.F).
func (c *Cache) Get(ctx context.Context, token string) (domain.GatewaySession, bool) {
	if c.redisClient != nil {
		return c.getRedis(ctx, token)
	}
	return c.getLocal(token)
}

func (c *Cache) getLocal(token string) (domain.GatewaySession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.inmem[token]
	if !ok || time.Now().After(e.expires) {
		if ok {
			delete(c.inmem, token)
		}
		return domain.GatewaySession{}, false
	}
	e.session.LastAccessed = time.Now()
	return e.session, true
}

func (c *Cache) getRedis(ctx context.Context, token string) (domain.GatewaySession, bool) {
	raw, err := c.redisClient.Get(ctx, redisKey(token)).Result()
	if err != nil {
		return domain.GatewaySession{}, false
	}
	var sess domain.GatewaySession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		c.logger.Warn("sessioncache: corrupt redis entry", "error", err)
		return domain.GatewaySession{}, false
	}
	sess.LastAccessed = time.Now()
	_ = c.redisClient.Set(ctx, redisKey(token), mustMarshal(sess), time.Until(sess.CreatedAt.Add(c.ttl)))
	return sess, true
}

// Set overwrites any existing entry for token, assigning a fresh
// flow-correlation id (spec.md §4.F).
func (c *Cache) Set(ctx context.Context, token, userID string, userCtx domain.UserContext, availableUpstreams []string, filteredTools any) domain.GatewaySession {
	sess := domain.GatewaySession{
		Token:              token,
		UserID:             userID,
		UserContext:        userCtx,
		AvailableUpstreams: availableUpstreams,
		FilteredTools:      filteredTools,
		CreatedAt:          time.Now(),
		LastAccessed:       time.Now(),
		FlowCorrelationID:  newFlowCorrelationID(),
	}
	if c.redisClient != nil {
		_ = c.redisClient.Set(ctx, redisKey(token), mustMarshal(sess), c.ttl).Err()
		return sess
	}
	c.mu.Lock()
	c.inmem[token] = &entry{session: sess, expires: sess.CreatedAt.Add(c.ttl)}
	c.mu.Unlock()
	return sess
}

// InvalidateUser removes every session belonging to userID (spec.md §4.F).
// In Redis mode this requires a full scan, matching the cost the teacher's
// own InvalidateByMCPSessionID accepts for its sync.Map.Range sweep.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) {
	if c.redisClient != nil {
		c.invalidateUserRedis(ctx, userID)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for token, e := range c.inmem {
		if e.session.UserID == userID {
			delete(c.inmem, token)
		}
	}
}

func (c *Cache) invalidateUserRedis(ctx context.Context, userID string) {
	iter := c.redisClient.Scan(ctx, 0, "gwsession:*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := c.redisClient.Get(ctx, iter.Val()).Result()
		if err != nil {
			continue
		}
		var sess domain.GatewaySession
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			continue
		}
		if sess.UserID == userID {
			_ = c.redisClient.Del(ctx, iter.Val()).Err()
		}
	}
}

// OnUserBlocked is the "user_blocked" event handler (spec.md §4.F, §4.I):
// invalidates every session for userID if "mcp" is in blockedServices.
func (c *Cache) OnUserBlocked(ctx context.Context, userID string, blockedServices []string) {
	for _, svc := range blockedServices {
		if svc == "mcp" {
			c.InvalidateUser(ctx, userID)
			return
		}
	}
}

// StartSweep runs a periodic expired-entry sweep on its own goroutine until
// ctx is cancelled or StopSweep is called. Redis mode relies on native key
// TTL instead and StartSweep is a no-op.
func (c *Cache) StartSweep(ctx context.Context, interval time.Duration) {
	if c.redisClient != nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.sweepDone:
				return
			case <-ticker.C:
				c.sweepExpired()
			}
		}
	}()
}

// StopSweep halts the goroutine started by StartSweep. Safe to call
// multiple times.
func (c *Cache) StopSweep() {
	c.sweepOnce.Do(func() { close(c.sweepDone) })
}

func (c *Cache) sweepExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for token, e := range c.inmem {
		if now.After(e.expires) {
			delete(c.inmem, token)
		}
	}
}

func mustMarshal(sess domain.GatewaySession) string {
	data, err := json.Marshal(sess)
	if err != nil {
		return "{}"
	}
	return string(data)
}

var correlationCounter struct {
	mu sync.Mutex
	n  uint64
}

// newFlowCorrelationID mints a process-local monotonic id, stored on the
// session entry and used by internal/flow as the stream key (flow:<id>).
// It is unique only within one gateway process.
func newFlowCorrelationID() string {
	correlationCounter.mu.Lock()
	correlationCounter.n++
	n := correlationCounter.n
	correlationCounter.mu.Unlock()
	return "flow-" + strconv.FormatUint(n, 10)
}
