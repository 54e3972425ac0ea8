// Package dispatcher is the JSON-RPC gateway dispatcher (spec.md §4.G): the
// inbound auth pipeline shared by the single-response and streamable HTTP
// surfaces, and the method dispatch table that turns a validated request
// into a registry/permission-filtered reply. Grounded on
// kagenti/mcp-gateway's cmd/mcp-broker-router/main.go (setUpBroker's
// handler-chain wiring) and internal/broker/virtual_server_handler.go
// (reading the JSON-RPC envelope, rewriting a tools/list result, and
// propagating upstream errors verbatim through a thin wrapper).
package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kagenti/mcp-orchestrator/internal/domain"
	"github.com/kagenti/mcp-orchestrator/internal/mcpclient"
	"github.com/kagenti/mcp-orchestrator/internal/permission"
	"github.com/kagenti/mcp-orchestrator/internal/registry"
	"github.com/kagenti/mcp-orchestrator/internal/toolcache"
)

// FlowTracker is the subset of *flow.Tracker the dispatcher calls to stamp
// a checkpoint on every dispatched method (SPEC_FULL.md §12: every
// FlowEvent carries the session's flow-correlation id).
type FlowTracker interface {
	LogEvent(ctx context.Context, session domain.GatewaySession, eventType, parentNodeID string, payload map[string]any) (string, error)
}

// maxBodyBytes bounds a single JSON-RPC frame read from either surface.
const maxBodyBytes = 4 << 20

// Registry is the subset of *registry.Registry the dispatcher calls.
type Registry interface {
	ActiveUpstreams() []string
	Catalog(name string) (domain.Catalog, bool)
	Upstream(name string) (*domain.Upstream, bool)
	CallTool(ctx context.Context, upstream, tool string, args map[string]any) (any, error)
	GetPrompt(ctx context.Context, upstream, name string, args map[string]any) (any, error)
	ReadResource(ctx context.Context, upstream, uri string) (any, error)
}

// SessionCache is the subset of *sessioncache.Cache the dispatcher calls.
type SessionCache interface {
	Get(ctx context.Context, token string) (domain.GatewaySession, bool)
	Set(ctx context.Context, token, userID string, userCtx domain.UserContext, availableUpstreams []string, filteredTools any) domain.GatewaySession
}

// AuthClient is the subset of *authclient.Client the dispatcher calls.
type AuthClient interface {
	ResolveToken(ctx context.Context, token string) (domain.UserContext, error)
	IsBlocked(ctx context.Context, userID, service string) (bool, error)
}

// Dispatcher implements spec.md §4.G's inbound pipeline and method table.
type Dispatcher struct {
	registry  Registry
	sessions  SessionCache
	auth      AuthClient
	logger    *slog.Logger
	toolCache *toolcache.Cache
	flow      FlowTracker
}

// New builds a Dispatcher.
func New(reg Registry, sessions SessionCache, auth AuthClient, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: reg, sessions: sessions, auth: auth, logger: logger}
}

// WithToolCache enables tool-call result caching (spec.md §4.J). Absent a
// call to this, tools/call always hits the upstream.
func (d *Dispatcher) WithToolCache(cache *toolcache.Cache) *Dispatcher {
	d.toolCache = cache
	return d
}

// WithFlowTracker enables flow-event emission for every dispatched method
// (SPEC_FULL.md §12). Absent a call to this, no flow events are recorded.
func (d *Dispatcher) WithFlowTracker(tracker FlowTracker) *Dispatcher {
	d.flow = tracker
	return d
}

// rpcRequest is an inbound JSON-RPC 2.0 envelope. ID is kept as raw bytes so
// it can be echoed verbatim regardless of whether the caller used a string
// or a number.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func replyResult(id json.RawMessage, result any) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func replyError(id json.RawMessage, code int, message string) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}}
}

// replyUnavailable carries the circuit_state/retry_after_seconds detail
// spec.md §8 S3 requires in the error's data member, since a JSON-RPC
// result would misleadingly imply the call succeeded.
func replyUnavailable(id json.RawMessage, unavailable *registry.UnavailableError) *rpcResponse {
	return &rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &rpcError{
			Code:    -32603,
			Message: "MCP not available",
			Data: map[string]any{
				"status":              "unavailable",
				"circuit_state":       "open",
				"retry_after_seconds": unavailable.RetryAfterSeconds,
			},
		},
	}
}

// ServeSingle is the request/response surface (spec.md §4.G, §6).
func (d *Dispatcher) ServeSingle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userCtx, token, status := d.authenticate(ctx, r)
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	resp := d.handleFrame(ctx, userCtx, token, body)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if resp == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		d.logger.Error("encode single-response reply", "error", err)
	}
}

// ServeStream is the streamable surface: newline-delimited JSON-RPC frames,
// one per logical request, notifications producing no frame (spec.md §4.G,
// §6).
func (d *Dispatcher) ServeStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userCtx, token, status := d.authenticate(ctx, r)
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBodyBytes)
	enc := json.NewEncoder(w)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		resp := d.handleFrame(ctx, userCtx, token, line)
		if resp == nil {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			d.logger.Error("encode stream frame", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (d *Dispatcher) handleFrame(ctx context.Context, userCtx domain.UserContext, token string, raw []byte) *rpcResponse {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return replyError(nil, -32700, "Parse error")
	}
	resp, ok := d.dispatch(ctx, userCtx, token, req)
	if !ok {
		return nil
	}
	return resp
}

// authenticate runs the five-step inbound pipeline (spec.md §4.G), steps
// 1-4; step 5 (JSON-RPC parse) happens per-frame in handleFrame.
func (d *Dispatcher) authenticate(ctx context.Context, r *http.Request) (domain.UserContext, string, int) {
	token, ok := bearerToken(r)
	if !ok {
		return domain.UserContext{}, "", http.StatusUnauthorized
	}

	userCtx, ok := d.resolveUserContext(ctx, token)
	if !ok {
		return domain.UserContext{}, "", http.StatusUnauthorized
	}

	if !userCtx.HasGrant("mcp") {
		return domain.UserContext{}, "", http.StatusForbidden
	}

	blocked, err := d.auth.IsBlocked(ctx, userCtx.UserID, "mcp")
	if err != nil {
		d.logger.Warn("user-block check failed, allowing request", "user", userCtx.UserID, "error", err)
	} else if blocked {
		return domain.UserContext{}, "", http.StatusForbidden
	}

	return userCtx, token, 0
}

func (d *Dispatcher) resolveUserContext(ctx context.Context, token string) (domain.UserContext, bool) {
	if sess, ok := d.sessions.Get(ctx, token); ok {
		return sess.UserContext, true
	}
	userCtx, err := d.auth.ResolveToken(ctx, token)
	if err != nil {
		return domain.UserContext{}, false
	}
	d.sessions.Set(ctx, token, userCtx.UserID, userCtx, nil, nil)
	return userCtx, true
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimPrefix(h, prefix)
	if token == "" {
		return "", false
	}
	return token, true
}

// dispatch routes a parsed request to its method handler. ok is false for
// notifications, which produce no frame on either surface.
func (d *Dispatcher) dispatch(ctx context.Context, userCtx domain.UserContext, token string, req rpcRequest) (*rpcResponse, bool) {
	if strings.HasPrefix(req.Method, "notifications/") || len(req.ID) == 0 {
		return nil, false
	}

	d.logFlowCheckpoint(ctx, token, req.Method)

	switch req.Method {
	case "initialize":
		return replyResult(req.ID, map[string]any{
			"protocolVersion": mcpclient.ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "mcp-orchestrator", "version": "0.1.0"},
		}), true
	case "ping":
		return replyResult(req.ID, map[string]any{}), true
	case "tools/list":
		return d.handleToolsList(ctx, userCtx, token, req.ID), true
	case "prompts/list":
		return d.handlePromptsList(ctx, userCtx, token, req.ID), true
	case "resources/list":
		return d.handleResourcesList(ctx, userCtx, token, req.ID), true
	case "tools/call":
		return d.handleToolsCall(ctx, userCtx, req.ID, req.Params), true
	case "prompts/get":
		return d.handlePromptsGet(ctx, userCtx, req.ID, req.Params), true
	case "resources/read":
		return d.handleResourcesRead(ctx, userCtx, req.ID, req.Params), true
	case "logging/setLevel":
		return replyResult(req.ID, map[string]any{}), true
	case "resources/templates/list":
		return replyResult(req.ID, map[string]any{"resourceTemplates": []any{}}), true
	default:
		return replyError(req.ID, -32601, "Method not found"), true
	}
}

// logFlowCheckpoint stamps a best-effort FlowEvent for method onto the
// caller's gateway session, if a flow tracker is wired and the session is
// already cached (a fresh session has no flow-correlation id to attach to
// until its first cache write).
func (d *Dispatcher) logFlowCheckpoint(ctx context.Context, token, method string) {
	if d.flow == nil {
		return
	}
	sess, ok := d.sessions.Get(ctx, token)
	if !ok {
		return
	}
	if _, err := d.flow.LogEvent(ctx, sess, method, "", nil); err != nil {
		d.logger.Warn("dispatcher: failed to log flow event", "method", method, "error", err)
	}
}

// cachedFilteredEntry and setCachedFilteredEntry share the one
// GatewaySession.FilteredTools slot across tools/list, prompts/list and
// resources/list by keying a small map inside it; each list method caches
// and reads only its own key, so a tools/list miss never invalidates an
// already-cached prompts/list entry.
func (d *Dispatcher) cachedFilteredEntry(ctx context.Context, token, key string) (any, bool) {
	sess, ok := d.sessions.Get(ctx, token)
	if !ok {
		return nil, false
	}
	m, ok := sess.FilteredTools.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

func (d *Dispatcher) setCachedFilteredEntry(ctx context.Context, token string, userCtx domain.UserContext, availableUpstreams []string, key string, value any) {
	merged := map[string]any{}
	if sess, ok := d.sessions.Get(ctx, token); ok {
		if m, ok := sess.FilteredTools.(map[string]any); ok {
			for k, v := range m {
				merged[k] = v
			}
		}
	}
	merged[key] = value
	d.sessions.Set(ctx, token, userCtx.UserID, userCtx, availableUpstreams, merged)
}

func (d *Dispatcher) handleToolsList(ctx context.Context, userCtx domain.UserContext, token string, id json.RawMessage) *rpcResponse {
	if cached, ok := d.cachedFilteredEntry(ctx, token, "tools"); ok {
		return replyResult(id, map[string]any{"tools": cached})
	}

	visible := permission.VisibleUpstreams(userCtx.MCPAccess, d.registry.ActiveUpstreams())
	tools := make([]map[string]any, 0)
	for _, upstream := range visible {
		catalog, ok := d.registry.Catalog(upstream)
		if !ok {
			continue
		}
		filtered := permission.FilterCatalog(userCtx.ToolRestrictions, upstream, catalog)
		for _, t := range filtered.Tools {
			name, ok := mangledName(upstream, t.Name)
			if !ok {
				d.logger.Warn("dropping unsanitizable tool name", "upstream", upstream, "tool", t.Name)
				continue
			}
			tools = append(tools, map[string]any{
				"name":        name,
				"description": fmt.Sprintf("[%s] %s", upstream, t.Description),
				"inputSchema": t.InputSchema,
			})
		}
	}

	d.setCachedFilteredEntry(ctx, token, userCtx, visible, "tools", tools)
	return replyResult(id, map[string]any{"tools": tools})
}

func (d *Dispatcher) handlePromptsList(ctx context.Context, userCtx domain.UserContext, token string, id json.RawMessage) *rpcResponse {
	if cached, ok := d.cachedFilteredEntry(ctx, token, "prompts"); ok {
		return replyResult(id, map[string]any{"prompts": cached})
	}

	visible := permission.VisibleUpstreams(userCtx.MCPAccess, d.registry.ActiveUpstreams())
	prompts := make([]map[string]any, 0)
	for _, upstream := range visible {
		catalog, ok := d.registry.Catalog(upstream)
		if !ok {
			continue
		}
		filtered := permission.FilterCatalog(userCtx.ToolRestrictions, upstream, catalog)
		for _, p := range filtered.Prompts {
			name, ok := mangledName(upstream, p.Name)
			if !ok {
				d.logger.Warn("dropping unsanitizable prompt name", "upstream", upstream, "prompt", p.Name)
				continue
			}
			prompts = append(prompts, map[string]any{
				"name":        name,
				"description": fmt.Sprintf("[%s] %s", upstream, p.Description),
				"arguments":   p.Arguments,
			})
		}
	}

	d.setCachedFilteredEntry(ctx, token, userCtx, visible, "prompts", prompts)
	return replyResult(id, map[string]any{"prompts": prompts})
}

func (d *Dispatcher) handleResourcesList(ctx context.Context, userCtx domain.UserContext, token string, id json.RawMessage) *rpcResponse {
	if cached, ok := d.cachedFilteredEntry(ctx, token, "resources"); ok {
		return replyResult(id, map[string]any{"resources": cached})
	}

	visible := permission.VisibleUpstreams(userCtx.MCPAccess, d.registry.ActiveUpstreams())
	resources := make([]map[string]any, 0)
	for _, upstream := range visible {
		catalog, ok := d.registry.Catalog(upstream)
		if !ok {
			continue
		}
		filtered := permission.FilterCatalog(userCtx.ToolRestrictions, upstream, catalog)
		for _, res := range filtered.Resources {
			uri, ok := prefixResourceURI(upstream, res.URI)
			if !ok {
				d.logger.Warn("dropping resource with unsanitizable upstream name", "upstream", upstream, "uri", res.URI)
				continue
			}
			resources = append(resources, map[string]any{
				"uri":         uri,
				"name":        res.Name,
				"description": fmt.Sprintf("[%s] %s", upstream, res.Description),
				"mimeType":    res.MimeType,
			})
		}
	}

	d.setCachedFilteredEntry(ctx, token, userCtx, visible, "resources", resources)
	return replyResult(id, map[string]any{"resources": resources})
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, userCtx domain.UserContext, id json.RawMessage, rawParams json.RawMessage) *rpcResponse {
	var params toolCallParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return replyError(id, -32602, "Invalid params")
	}
	upstream, tool, ok := splitMangled(params.Name)
	if !ok {
		return replyError(id, -32602, "Invalid params")
	}
	if !permission.CanCallTool(userCtx.ToolRestrictions, upstream, tool) {
		return replyError(id, -32603, "Permission denied")
	}
	if _, ok := d.registry.Upstream(upstream); !ok {
		return replyError(id, -32603, "MCP not available")
	}

	var cacheKey string
	if d.toolCache != nil {
		cacheKey = toolcache.Key(upstream, tool, params.Arguments)
		if cached, ok := d.toolCache.Get(cacheKey); ok {
			return replyResult(id, map[string]any{"content": cached})
		}
	}

	raw, err := d.registry.CallTool(ctx, upstream, tool, params.Arguments)
	if err != nil {
		return upstreamErrorReply(id, err)
	}

	content, err := decodeResultField(raw, "content")
	if err != nil {
		return replyError(id, -32000, "invalid tool result from upstream")
	}
	if d.toolCache != nil {
		d.toolCache.Set(cacheKey, upstream, tool, content)
	}
	return replyResult(id, map[string]any{"content": content})
}

type promptGetParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (d *Dispatcher) handlePromptsGet(ctx context.Context, userCtx domain.UserContext, id json.RawMessage, rawParams json.RawMessage) *rpcResponse {
	var params promptGetParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return replyError(id, -32602, "Invalid params")
	}
	upstream, name, ok := splitMangled(params.Name)
	if !ok {
		return replyError(id, -32602, "Invalid params")
	}
	if !permission.CanGetPrompt(userCtx.ToolRestrictions, upstream, name) {
		return replyError(id, -32603, "Permission denied")
	}
	if _, ok := d.registry.Upstream(upstream); !ok {
		return replyError(id, -32603, "MCP not available")
	}

	raw, err := d.registry.GetPrompt(ctx, upstream, name, params.Arguments)
	if err != nil {
		return upstreamErrorReply(id, err)
	}

	messages, err := decodeResultField(raw, "messages")
	if err != nil {
		return replyError(id, -32000, "invalid prompt result from upstream")
	}
	return replyResult(id, map[string]any{"messages": messages})
}

type resourceReadParams struct {
	URI string `json:"uri"`
}

func (d *Dispatcher) handleResourcesRead(ctx context.Context, userCtx domain.UserContext, id json.RawMessage, rawParams json.RawMessage) *rpcResponse {
	var params resourceReadParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return replyError(id, -32602, "Invalid params")
	}
	upstream, uri, ok := splitResourceURI(params.URI)
	if !ok {
		return replyError(id, -32602, "Invalid params")
	}
	if !permission.CanReadResource(userCtx.ToolRestrictions, upstream, uri) {
		return replyError(id, -32603, "Permission denied")
	}
	if _, ok := d.registry.Upstream(upstream); !ok {
		return replyError(id, -32603, "MCP not available")
	}

	raw, err := d.registry.ReadResource(ctx, upstream, uri)
	if err != nil {
		return upstreamErrorReply(id, err)
	}

	contents, err := decodeResultField(raw, "contents")
	if err != nil {
		return replyError(id, -32000, "invalid resource result from upstream")
	}
	return replyResult(id, map[string]any{"contents": contents})
}

// upstreamErrorCode maps a registry.CallTool/GetPrompt/ReadResource error to
// the JSON-RPC code surfaced to the caller (spec.md §4.G, §7): an
// UnavailableError (breaker open or session missing) is "MCP not available";
// anything else is a generic tool execution error.
func upstreamErrorCode(err error) int {
	var unavailable *registry.UnavailableError
	if errors.As(err, &unavailable) {
		return -32603
	}
	return -32000
}

func upstreamErrorMessage(err error) string {
	var unavailable *registry.UnavailableError
	if errors.As(err, &unavailable) {
		return "MCP not available"
	}
	return safeErrorMessage(err)
}

// upstreamErrorReply translates a registry error into the JSON-RPC error
// reply, attaching the circuit_state/retry_after_seconds detail spec.md §8
// S3 requires when the breaker is Open.
func upstreamErrorReply(id json.RawMessage, err error) *rpcResponse {
	var unavailable *registry.UnavailableError
	if errors.As(err, &unavailable) {
		return replyUnavailable(id, unavailable)
	}
	return replyError(id, upstreamErrorCode(err), upstreamErrorMessage(err))
}

// safeErrorMessage truncates an upstream error to a safe prefix so raw
// upstream text (which may carry secrets) never reaches external clients
// verbatim (spec.md §7).
func safeErrorMessage(err error) string {
	const maxLen = 200
	msg := err.Error()
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}

// decodeResultField extracts one top-level field from an upstream JSON-RPC
// result, decoding it into plain Go values (spec.md §4.G: "convert each
// content block ... into a plain dict").
func decodeResultField(raw any, field string) (any, error) {
	rm, ok := raw.(json.RawMessage)
	if !ok {
		return nil, fmt.Errorf("unexpected upstream result type %T", raw)
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(rm, &wrapper); err != nil {
		return nil, err
	}
	fieldRaw, ok := wrapper[field]
	if !ok {
		return []any{}, nil
	}
	var v any
	if err := json.Unmarshal(fieldRaw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
