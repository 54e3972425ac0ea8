// Package invalidation is the cross-process invalidation bus (spec.md
// §4.I): it turns the two named pub/sub channels into effects on the
// gateway session cache and the WebSocket broadcaster. Grounded on the
// teacher's internal/cache/session-caching.go InvalidateByMCPSessionID
// invalidation idiom, wired here to internal/pubsub's resilient listener
// instead of the teacher's own direct subscription loop.
package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kagenti/mcp-orchestrator/internal/pubsub"
	"github.com/redis/go-redis/v9"
)

// UserBlockedChannel and ConfigReloadChannel are the two channels spec.md
// §4.I names.
const (
	UserBlockedChannel   = "user_blocked"
	ConfigReloadChannel  = "prompt_guard_config_reload"
)

// SessionInvalidator is the gateway session cache's user-block hook.
type SessionInvalidator interface {
	OnUserBlocked(ctx context.Context, userID string, blockedServices []string)
}

// ConnectionCloser is the WebSocket broadcaster's user-close hook.
type ConnectionCloser interface {
	CloseUser(userID, message string)
}

type userBlockedPayload struct {
	UserID          string   `json:"user_id"`
	BlockedServices []string `json:"blocked_services"`
	CustomMessage   string   `json:"custom_message"`
}

// Bus dispatches invalidation-channel payloads to the components that own
// the state being invalidated. All handlers are idempotent (spec.md §4.I).
type Bus struct {
	sessions    SessionInvalidator
	connections ConnectionCloser
	logger      *slog.Logger

	mu           sync.RWMutex
	cachedConfig string
}

// New builds a Bus. connections may be nil if the broadcaster is not wired
// in this process.
func New(sessions SessionInvalidator, connections ConnectionCloser, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{sessions: sessions, connections: connections, logger: logger}
}

// HandleUserBlocked is a pubsub.Handler for UserBlockedChannel (spec.md
// §4.I): invalidates the user's gateway sessions if "mcp" is blocked, and
// closes their WebSocket connections (after a typed "blocked" message) if
// "chat" is blocked.
func (b *Bus) HandleUserBlocked(ctx context.Context, payload string) error {
	var p userBlockedPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("invalidation: decode %s payload: %w", UserBlockedChannel, err)
	}

	b.sessions.OnUserBlocked(ctx, p.UserID, p.BlockedServices)

	if b.connections != nil && containsString(p.BlockedServices, "chat") {
		msg := p.CustomMessage
		if msg == "" {
			msg = "your access has been blocked"
		}
		b.connections.CloseUser(p.UserID, msg)
	}
	return nil
}

// HandleConfigReload is a pubsub.Handler for ConfigReloadChannel (spec.md
// §4.I): replaces the cached config atomically.
func (b *Bus) HandleConfigReload(_ context.Context, payload string) error {
	b.mu.Lock()
	b.cachedConfig = payload
	b.mu.Unlock()
	return nil
}

// CachedConfig returns the most recently received config reload payload.
func (b *Bus) CachedConfig() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cachedConfig, b.cachedConfig != ""
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// Listeners builds the two pubsub.Listener instances this bus answers to,
// ready for the caller to run on their own goroutines.
func (b *Bus) Listeners(client *redis.Client, registry *pubsub.Registry, health pubsub.HealthSink) []*pubsub.Listener {
	opts := func() []pubsub.Option {
		var opts []pubsub.Option
		if registry != nil {
			opts = append(opts, pubsub.WithRegistry(registry))
		}
		if health != nil {
			opts = append(opts, pubsub.WithHealthSink(health))
		}
		return opts
	}()

	userBlocked := pubsub.New("invalidation.user_blocked", UserBlockedChannel, client, b.HandleUserBlocked, b.logger, opts...)
	configReload := pubsub.New("invalidation.config_reload", ConfigReloadChannel, client, b.HandleConfigReload, b.logger, opts...)
	return []*pubsub.Listener{userBlocked, configReload}
}
