// Package mcpclient is a hand-rolled MCP JSON-RPC 2.0 client (spec.md
// §4.C, §6). It deliberately does not use a typed MCP SDK: spec.md requires
// raw-bytes malformed-payload probes, a no-auth-header call variant, and
// manual SSE `data: ` line scanning, none of which a typed client exposes
// hooks for (see DESIGN.md "Dropped dependencies").
//
// The shape of Connect/session handling is grounded on
// kagenti/mcp-gateway's internal/broker/upstream/mcp.go (header
// construction, initialize handshake, session capture).
package mcpclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ProtocolVersion is the MCP wire protocol version this client speaks
// (spec.md §6).
const ProtocolVersion = "2024-11-05"

// SessionHeader is the HTTP header used to carry the session id captured
// from the initialize response and echoed on every subsequent request.
const SessionHeader = "mcp-session-id"

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	ID      int64  `json:"id"`
	Params  any    `json:"params,omitempty"`
}

// RPCError is the JSON-RPC error object (spec.md §6 error codes).
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("mcp rpc error %d: %s", e.Code, e.Message)
}

// Response is a JSON-RPC 2.0 response envelope. Exactly one of Result/Error
// is populated.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// ConnectError is raised for connection failures at initialize time
// (spec.md §4.C: "Connection failures at initialize time raise a distinct
// ConnectError").
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("connect to %s: %v", e.URL, e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// ClientInfo identifies this gateway to upstream servers during
// initialize, mirroring kagenti/mcp-gateway's mcp.Implementation shape.
type ClientInfo struct {
	Name    string
	Version string
}

// Client is a single upstream MCP connection. Not safe for concurrent
// initialize calls; Call/raw variants may be invoked concurrently once a
// session is established (spec.md §4.D: "Tool calls to a stable session may
// run concurrently").
type Client struct {
	baseURL    string
	httpClient *http.Client
	authHeader string // header value: "Bearer <token>" or the raw API key, empty for AuthNone
	authKey    string // header name: Authorization for bearer auth, the key header for api_key; empty for AuthNone
	clientInfo ClientInfo

	mu        sync.RWMutex
	sessionID string

	nextID atomic.Int64
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithTimeout sets the per-request HTTP timeout (spec.md: "default 30s").
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithBearerAuth sets a bearer token sent as "Authorization: Bearer <token>".
func WithBearerAuth(token string) Option {
	return func(c *Client) {
		c.authKey = "Authorization"
		c.authHeader = "Bearer " + token
	}
}

// WithAPIKeyAuth sets an API key sent under the given header name.
func WithAPIKeyAuth(header, key string) Option {
	return func(c *Client) {
		c.authKey = header
		c.authHeader = key
	}
}

// New builds a Client for baseURL (e.g. "https://upstream.example.com"),
// speaking to "<base>/mcp" per spec.md §4.C.
func New(baseURL string, clientInfo ClientInfo, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		clientInfo: clientInfo,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) endpoint() string { return c.baseURL + "/mcp" }

// InitializeResult is the result payload of the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities"`
	ServerInfo      json.RawMessage `json:"serverInfo"`
}

// Initialize performs the session handshake (spec.md §4.C, §6): the first
// call is always initialize; the mcp-session-id response header is
// captured and echoed on every later call.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    c.clientInfo.Name,
			"version": c.clientInfo.Version,
		},
	}
	resp, sessionID, err := c.doRequest(ctx, "initialize", params, true)
	if err != nil {
		return nil, &ConnectError{URL: c.endpoint(), Err: err}
	}
	if resp.Error != nil {
		return nil, &ConnectError{URL: c.endpoint(), Err: resp.Error}
	}
	if sessionID == "" {
		return nil, &ConnectError{URL: c.endpoint(), Err: fmt.Errorf("upstream did not return a %s header", SessionHeader)}
	}
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &ConnectError{URL: c.endpoint(), Err: err}
	}
	return &result, nil
}

// SessionID returns the session id captured at Initialize time, or "" if
// not yet connected.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// ToolsList calls tools/list.
func (c *Client) ToolsList(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "tools/list", map[string]any{}, true)
}

// PromptsList calls prompts/list. A -32601 ("method not found") response is
// tolerated and returned as a nil result with a nil error — spec.md §4.D:
// "tolerate 'method not found' and produce empty lists" — callers check for
// a nil result to mean "no prompts supported".
func (c *Client) PromptsList(ctx context.Context) (json.RawMessage, error) {
	return c.listTolerant(ctx, "prompts/list")
}

// ResourcesList calls resources/list with the same -32601 tolerance as
// PromptsList.
func (c *Client) ResourcesList(ctx context.Context) (json.RawMessage, error) {
	return c.listTolerant(ctx, "resources/list")
}

func (c *Client) listTolerant(ctx context.Context, method string) (json.RawMessage, error) {
	result, err := c.call(ctx, method, map[string]any{}, true)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == -32601 {
			return nil, nil
		}
		return nil, err
	}
	return result, nil
}

// ToolsCall calls tools/call with the given tool name and arguments.
func (c *Client) ToolsCall(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error) {
	return c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": arguments}, true)
}

// PromptsGet calls prompts/get.
func (c *Client) PromptsGet(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error) {
	return c.call(ctx, "prompts/get", map[string]any{"name": name, "arguments": arguments}, true)
}

// ResourcesRead calls resources/read for the given (unprefixed) upstream
// URI.
func (c *Client) ResourcesRead(ctx context.Context, uri string) (json.RawMessage, error) {
	return c.call(ctx, "resources/read", map[string]any{"uri": uri}, true)
}

// Ping calls ping. The registry's health-check loop uses tools/list, not
// Ping (spec.md §4.D); ping is exposed for completeness per spec.md §4.C's
// method list.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", map[string]any{}, true)
	return err
}

// call is the authenticated path used by every method above.
func (c *Client) call(ctx context.Context, method string, params any, withAuth bool) (json.RawMessage, error) {
	resp, _, err := c.doRequest(ctx, method, params, withAuth)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// CallWithoutAuth invokes method without the configured auth header, used
// to probe auth enforcement (spec.md §4.C: "Each method has a variant that
// omits the auth header").
func (c *Client) CallWithoutAuth(ctx context.Context, method string, params any) (*Response, *http.Response, error) {
	return c.doRequestRaw(ctx, method, params, false)
}

// CallRaw sends body verbatim to the upstream's /mcp endpoint without any
// JSON-RPC envelope construction, for deliberately malformed-payload
// security probes (spec.md §4.C).
func (c *Client) CallRaw(ctx context.Context, body []byte, withAuth bool) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	c.applyHeaders(req, withAuth)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return httpResp, nil, err
	}
	return httpResp, data, nil
}

func (c *Client) applyHeaders(req *http.Request, withAuth bool) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sid := c.SessionID(); sid != "" {
		req.Header.Set(SessionHeader, sid)
	}
	if withAuth && c.authHeader != "" {
		req.Header.Set(c.authKey, c.authHeader)
	}
}

// doRequest builds and sends a JSON-RPC request and parses the response,
// returning any session id observed on the response headers.
func (c *Client) doRequest(ctx context.Context, method string, params any, withAuth bool) (*Response, string, error) {
	resp, httpResp, err := c.doRequestRaw(ctx, method, params, withAuth)
	if err != nil {
		return nil, "", err
	}
	sessionID := ""
	if httpResp != nil {
		sessionID = httpResp.Header.Get(SessionHeader)
	}
	return resp, sessionID, nil
}

func (c *Client) doRequestRaw(ctx context.Context, method string, params any, withAuth bool) (*Response, *http.Response, error) {
	id := c.nextID.Add(1)
	envelope := Request{JSONRPC: "2.0", Method: method, ID: id, Params: params}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	c.applyHeaders(req, withAuth)

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	resp, err := parseResponse(httpResp)
	if err != nil {
		return nil, httpResp, err
	}
	return resp, httpResp, nil
}

// parseResponse accepts either a plain JSON body or an SSE stream where one
// `data: {...}` line holds the JSON-RPC envelope (spec.md §4.C, §6).
func parseResponse(httpResp *http.Response) (*Response, error) {
	contentType := httpResp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/event-stream") {
		return parseSSE(httpResp.Body)
	}

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse json-rpc response: %w", err)
	}
	return &resp, nil
}

// parseSSE scans an SSE stream for the first `data: {...}` line carrying a
// JSON-RPC envelope, per spec.md §6: "an SSE stream where one line starts
// with data: followed by the same envelope."
func parseSSE(body io.Reader) (*Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			payload, ok = strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			payload = strings.TrimSpace(payload)
		}
		if payload == "" {
			continue
		}
		var resp Response
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			return nil, fmt.Errorf("parse sse json-rpc envelope: %w", err)
		}
		return &resp, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("sse stream closed without a data line")
}

// FormatSessionID renders an integer session counter as a string. Nothing
// in this repository calls it.
func FormatSessionID(n int64) string {
	return strconv.FormatInt(n, 10)
}
