// Package integration exercises the gateway's wiring end to end, in
// process: a real registry, breaker, dispatcher and broadcaster talking to
// fake upstream MCP servers over httptest, with no Kubernetes cluster or
// Redis required. Grounded on the teacher's tests/e2e Ginkgo/Gomega suite
// style (BeforeEach harness setup, By() narration), with the client-go /
// controller-runtime cluster bootstrap dropped since this module has no
// CRDs or Gateway API resources to reconcile (see DESIGN.md "Dropped
// dependencies").
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/kagenti/mcp-orchestrator/internal/authclient"
	"github.com/kagenti/mcp-orchestrator/internal/breaker"
	"github.com/kagenti/mcp-orchestrator/internal/broadcast"
	"github.com/kagenti/mcp-orchestrator/internal/config"
	"github.com/kagenti/mcp-orchestrator/internal/dispatcher"
	"github.com/kagenti/mcp-orchestrator/internal/domain"
	"github.com/kagenti/mcp-orchestrator/internal/invalidation"
	"github.com/kagenti/mcp-orchestrator/internal/registry"
	"github.com/kagenti/mcp-orchestrator/internal/sessioncache"
	"github.com/kagenti/mcp-orchestrator/internal/toolcache"
	"github.com/kagenti/mcp-orchestrator/pkg/credentials"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestIntegration(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Gateway Integration Suite")
}

// staticStore is a config.Store backed by a fixed snapshot, standing in
// for config.FileStore/sqlitestore so specs can point an Upstream at an
// httptest server without touching the filesystem.
type staticStore struct {
	config.Notifier
	snap *config.Snapshot
}

func (s *staticStore) Load(_ context.Context) (*config.Snapshot, error) {
	return s.snap, nil
}

// rpcFrame is the minimal JSON-RPC 2.0 envelope the fake upstream decodes.
type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      json.RawMessage `json:"id"`
	Params  json.RawMessage `json:"params"`
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0", "id": id, "result": result,
	})
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0", "id": id,
		"error": map[string]any{"code": code, "message": message},
	})
}

// fakeUpstream is a scriptable fake MCP server matching the wire protocol
// internal/mcpclient.Client speaks: a session id minted on initialize and
// echoed back on every later request, tools/list returning a fixed
// catalog, prompts/list and resources/list answering "method not found"
// (spec.md §6 tolerates -32601 there), and tools/call delegating to
// callFn so a spec can inject failures to drive the circuit breaker.
type fakeUpstream struct {
	name        string
	tools       []map[string]any
	callFn      func(name string, args map[string]any) (any, error)
	callCount   int32
	initCount   int32
}

func (f *fakeUpstream) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var frame rpcFrame
		if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		switch frame.Method {
		case "initialize":
			atomic.AddInt32(&f.initCount, 1)
			w.Header().Set("mcp-session-id", f.name+"-session")
			writeResult(w, frame.ID, map[string]any{
				"protocolVersion": "2024-11-05",
				"serverInfo":      map[string]any{"name": f.name, "version": "1.0"},
			})
		case "tools/list":
			writeResult(w, frame.ID, map[string]any{"tools": f.tools})
		case "prompts/list", "resources/list":
			writeRPCError(w, frame.ID, -32601, "method not found")
		case "tools/call":
			atomic.AddInt32(&f.callCount, 1)
			var params struct {
				Name      string         `json:"name"`
				Arguments map[string]any `json:"arguments"`
			}
			_ = json.Unmarshal(frame.Params, &params)
			result, err := f.callFn(params.Name, params.Arguments)
			if err != nil {
				writeRPCError(w, frame.ID, -32000, err.Error())
				return
			}
			writeResult(w, frame.ID, result)
		default:
			writeRPCError(w, frame.ID, -32601, "method not found")
		}
	}
}

func (f *fakeUpstream) calls() int32 { return atomic.LoadInt32(&f.callCount) }

// fakeAuthService serves the two endpoints internal/authclient.Client
// calls: /v1/context (token -> UserContext) and /v1/blocked.
type fakeAuthService struct {
	userID           string
	roleName         string
	mcpAccess        []string
	toolRestrictions map[string]any
	serviceGrants    []string
	blocked          bool
}

func (f *fakeAuthService) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/context":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"user_id":           f.userID,
				"role_name":         f.roleName,
				"mcp_access":        f.mcpAccess,
				"tool_restrictions": f.toolRestrictions,
				"service_grants":    f.serviceGrants,
			})
		case "/v1/blocked":
			_ = json.NewEncoder(w).Encode(map[string]any{"blocked": f.blocked})
		default:
			http.NotFound(w, r)
		}
	}
}

// harness bundles one in-process gateway instance: a real breaker,
// registry, session cache, tool cache and dispatcher wired as cmd/gateway's
// run() wires them, minus telemetry, flow tracking, the status source and
// the breaker/registry event sinks, fronted by an httptest server, talking to a
// scriptable fake upstream and fake auth service.
type harness struct {
	upstreamSrv *httptest.Server
	authSrv     *httptest.Server
	gatewaySrv  *httptest.Server

	upstream *fakeUpstream
	auth     *fakeAuthService

	breaker  *breaker.Breaker
	registry *registry.Registry
	sessions *sessioncache.Cache
	toolCache *toolcache.Cache
	bus      *invalidation.Bus
}

func newHarness(upstream *fakeUpstream, auth *fakeAuthService, breakerCfg ...breaker.Config) *harness {
	logger := slog.New(slog.NewTextHandler(GinkgoWriter, nil))

	upstreamSrv := httptest.NewServer(upstream.handler())
	authSrv := httptest.NewServer(auth.handler())

	up := &domain.Upstream{
		Name:        upstream.name,
		URL:         upstreamSrv.URL,
		Transport:   domain.TransportHTTPStreamable,
		AdminStatus: domain.AdminActive,
		Auth:        domain.Auth{Kind: domain.AuthNone},
	}
	store := &staticStore{snap: &config.Snapshot{Upstreams: []*domain.Upstream{up}}}

	cfg := breaker.DefaultConfig()
	if len(breakerCfg) > 0 {
		cfg = breakerCfg[0]
	}
	br := breaker.New(cfg, logger)
	reg := registry.New(store, br, credentials.Resolver{}, logger)

	authClient := authclient.New(authSrv.URL)
	sessions := sessioncache.New(logger)
	toolCache := toolcache.New()
	d := dispatcher.New(reg, sessions, authClient, logger).WithToolCache(toolCache)

	broadcaster := broadcast.New([]string{"admin"}, logger)
	bus := invalidation.New(sessions, broadcaster, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", d.ServeSingle)
	mux.HandleFunc("/mcp/stream", d.ServeStream)
	gatewaySrv := httptest.NewServer(mux)

	Expect(reg.Start(context.Background())).To(Succeed())

	return &harness{
		upstreamSrv: upstreamSrv, authSrv: authSrv, gatewaySrv: gatewaySrv,
		upstream: upstream, auth: auth,
		breaker: br, registry: reg, sessions: sessions, toolCache: toolCache, bus: bus,
	}
}

func (h *harness) Close() {
	h.registry.Stop()
	h.toolCache.StopSweep()
	h.gatewaySrv.Close()
	h.upstreamSrv.Close()
	h.authSrv.Close()
}

// post sends a single JSON-RPC request to the gateway's /mcp endpoint and
// decodes the response envelope.
func (h *harness) post(token, method string, id int, params any) map[string]any {
	body := map[string]any{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		body["params"] = params
	}
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, h.gatewaySrv.URL+"/mcp", bytes.NewReader(raw))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return map[string]any{"http_status": float64(resp.StatusCode)}
	}
	var decoded map[string]any
	Expect(json.NewDecoder(resp.Body).Decode(&decoded)).To(Succeed())
	decoded["http_status"] = float64(resp.StatusCode)
	return decoded
}
