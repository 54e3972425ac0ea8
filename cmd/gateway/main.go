// main is the gateway entrypoint: it wires the coordinator, permission
// filter, session cache, dispatcher, broadcaster, invalidation bus, flow
// tracker and telemetry into one process and serves them over HTTP.
// Grounded on the teacher's cmd/mcp-broker-router/main.go wiring style
// (config server + public server + graceful shutdown via signal.Notify +
// context.WithTimeout), with the Envoy ext-proc gRPC server and
// controller-runtime manager branches dropped (see DESIGN.md "Dropped
// dependencies") and the CLI surface rebuilt on cobra+viper in place of the
// teacher's stdlib flag usage.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/kagenti/mcp-orchestrator/internal/authclient"
	"github.com/kagenti/mcp-orchestrator/internal/breaker"
	"github.com/kagenti/mcp-orchestrator/internal/broadcast"
	"github.com/kagenti/mcp-orchestrator/internal/config"
	"github.com/kagenti/mcp-orchestrator/internal/config/sqlitestore"
	"github.com/kagenti/mcp-orchestrator/internal/dispatcher"
	"github.com/kagenti/mcp-orchestrator/internal/flow"
	"github.com/kagenti/mcp-orchestrator/internal/invalidation"
	"github.com/kagenti/mcp-orchestrator/internal/pubsub"
	"github.com/kagenti/mcp-orchestrator/internal/registry"
	"github.com/kagenti/mcp-orchestrator/internal/sessioncache"
	"github.com/kagenti/mcp-orchestrator/internal/telemetry"
	"github.com/kagenti/mcp-orchestrator/internal/toolcache"
	"github.com/kagenti/mcp-orchestrator/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "MCP gateway: JSON-RPC broker, circuit breaker, permission filter and live status broadcaster",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("listen-addr", "0.0.0.0:8080", "address the public JSON-RPC/WebSocket surface listens on")
	flags.String("config-backend", "file", "upstream/policy config backend: file or sqlite")
	flags.String("config-file", "./config/gateway.yaml", "path to the YAML config file (config-backend=file)")
	flags.String("sqlite-file", "", "sqlite database file (config-backend=sqlite; empty selects an in-memory database)")
	flags.String("auth-service-url", "http://auth-service:8090", "base URL of the external auth service")
	flags.String("redis-addr", "", "Redis address for pub/sub invalidation, flow tracking and cross-process session cache; empty disables all three")
	flags.StringSlice("ws-allowed-roles", []string{"admin"}, "roles permitted to open a dashboard WebSocket connection")
	flags.Duration("token-cache-ttl", sessioncache.DefaultTTL, "gateway session cache entry lifetime")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.String("log-format", "text", "text or json")
	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("MCP_GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	logger := newLogger(v.GetString("log-level"), v.GetString("log-format"))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	var redisClient *redis.Client
	if addr := v.GetString("redis-addr"); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr})
	}

	store, err := buildStore(v, logger)
	if err != nil {
		return fmt.Errorf("gateway: build config store: %w", err)
	}

	metrics, err := telemetry.New(nil)
	if err != nil {
		return fmt.Errorf("gateway: build telemetry: %w", err)
	}

	allowedRoles := v.GetStringSlice("ws-allowed-roles")
	status := &statusSource{}
	broadcaster := broadcast.New(allowedRoles, logger, broadcast.WithStatusSource(status))

	br := breaker.New(breaker.DefaultConfig(), logger, breaker.WithEventSink(newBreakerSink(broadcaster, metrics)))

	reg := registry.New(store, br, credentials.Resolver{}, logger, registry.WithEventSink(newRegistryEventSink(broadcaster)))
	status.registry, status.breaker = reg, br

	notifier, hasNotifier := store.(interface {
		RegisterObserver(config.Observer)
	})
	if hasNotifier {
		notifier.RegisterObserver(reg)
	}

	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("gateway: start registry: %w", err)
	}
	defer reg.Stop()

	if watcher, ok := store.(interface {
		Watch(ctx context.Context) error
	}); ok {
		go func() {
			if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
				logger.Error("gateway: config watch stopped", "error", err)
			}
		}()
	}

	authClient := authclient.New(v.GetString("auth-service-url"))

	sessionOpts := []sessioncache.Option{sessioncache.WithTTL(v.GetDuration("token-cache-ttl"))}
	if redisClient != nil {
		sessionOpts = append(sessionOpts, sessioncache.WithRedis(redisClient))
	}
	sessions := sessioncache.New(logger, sessionOpts...)

	cache := toolcache.New()
	cache.StartSweep(time.Minute)
	defer cache.StopSweep()

	d := dispatcher.New(reg, sessions, authClient, logger).WithToolCache(cache)

	if redisClient != nil {
		tracker := flow.New(redisClient, nil, logger)
		d = d.WithFlowTracker(tracker)

		bus := invalidation.New(sessions, broadcaster, logger)
		pubsubRegistry := pubsub.NewRegistry()
		listeners := bus.Listeners(redisClient, pubsubRegistry, newListenerHealthSink(broadcaster, metrics))
		for _, l := range listeners {
			go l.Run(ctx)
		}
	}

	broadcaster.StartHeartbeat()
	defer broadcaster.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", d.ServeSingle)
	mux.HandleFunc("/mcp/stream", d.ServeStream)
	mux.HandleFunc("/ws/status", func(w http.ResponseWriter, r *http.Request) {
		userID, role := dashboardIdentity(r.Context(), authClient, r)
		broadcaster.HandleUpgrade(w, r, userID, role)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         v.GetString("listen-addr"),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // streaming and WebSocket handlers manage their own deadlines
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("gateway: serve: %w", err)
	}

	logger.Info("gateway: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func buildStore(v *viper.Viper, logger *slog.Logger) (config.Store, error) {
	switch strings.ToLower(v.GetString("config-backend")) {
	case "sqlite":
		var opts []sqlitestore.Option
		if f := v.GetString("sqlite-file"); f != "" {
			opts = append(opts, sqlitestore.WithDatabaseFile(f))
		}
		return sqlitestore.New(opts...)
	default:
		fileStore := config.NewFileStore(v.GetString("config-file"), logger)
		return fileStore, nil
	}
}

// dashboardIdentity extracts the authenticated user id and role from the
// WebSocket upgrade request. The broadcaster itself is pre-authenticated
// (spec.md §4.H); in this repository that means the same bearer-token
// resolution path the dispatcher uses. A missing or rejected token yields an
// empty role, which the broadcaster's role allowlist refuses.
func dashboardIdentity(ctx context.Context, auth *authclient.Client, r *http.Request) (userID, role string) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return "", ""
	}
	userCtx, err := auth.ResolveToken(ctx, token)
	if err != nil {
		return "", ""
	}
	return userCtx.UserID, userCtx.RoleName
}
