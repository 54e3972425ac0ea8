// Package broadcast is the WebSocket Broadcaster & Subscription Manager
// (spec.md §4.H). Grounded on CirtusX-ctrl-ai-v1's internal/dashboard
// wsHub (gorilla/websocket, one send channel per connection, a dedicated
// write pump goroutine, drop-on-full-buffer backpressure), generalized from
// a single broadcast-to-everyone feed to per-connection subscription
// filters and a synchronous connections map instead of a single owner
// goroutine, per spec.md §5's "mutated only while the dispatcher task holds
// their exclusive write lock" shared-resource policy.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kagenti/mcp-orchestrator/internal/domain"
)

// HeartbeatInterval is how often the background loop pings every open
// connection (spec.md §4.H).
const HeartbeatInterval = 30 * time.Second

// StaleAfter is how long a connection may go without a heartbeat before it
// is closed (spec.md §4.H: "no heartbeat within 5 min").
const StaleAfter = 5 * time.Minute

// outboundQueueSize bounds each connection's outbound queue (spec.md §5
// backpressure: "bounded outbound queue per connection; overflow drops the
// oldest non-heartbeat event").
const outboundQueueSize = 64

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// McpStatus is one entry of the initial_status snapshot sent right after
// accept (spec.md §6).
type McpStatus struct {
	Name            string `json:"name"`
	HealthStatus    string `json:"health_status"`
	CircuitState    string `json:"circuit_state"`
	LastHealthCheck string `json:"last_health_check"`
}

// StatusSource supplies the initial_status snapshot. Implemented by
// whatever composes the registry and circuit breaker into a status view
// (cmd/gateway wiring).
type StatusSource interface {
	Snapshot() []McpStatus
}

type envelope struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// eventRegistry is the static metadata get_metadata returns (spec.md §4.H).
var eventRegistry = map[string]any{
	"categories": []string{"mcp", "circuit_breaker", "session", "system"},
	"types": []string{
		"mcp_status_change", "mcp_auto_disabled", "circuit_state_change",
		"component_health", "system_events",
	},
	"filterable_fields": []string{
		"mcp_names", "severity", "old_status", "new_status", "state", "health_status", "failure_cycles",
	},
}

// connection is one accepted and (by the caller) pre-authenticated socket.
type connection struct {
	id            string
	userID        string
	role          string
	conn          *websocket.Conn
	connectedAt   time.Time
	writeMu       sync.Mutex
	outbound      []queuedMessage
	outboundMu    sync.Mutex
	wake          chan struct{}
	closed        chan struct{}
	lastHeartbeat time.Time
	hbMu          sync.Mutex

	mu            sync.RWMutex
	subscriptions map[string]domain.Subscription
}

type queuedMessage struct {
	isHeartbeat bool
	data        []byte
}

// Broadcaster owns every accepted connection and its subscriptions.
type Broadcaster struct {
	allowedRoles map[string]struct{}
	logger       *slog.Logger
	status       StatusSource

	mu          sync.RWMutex
	connections map[string]*connection

	idCounter struct {
		mu sync.Mutex
		n  uint64
	}

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// Option configures a Broadcaster at construction time.
type Option func(*Broadcaster)

// WithStatusSource registers the provider of the post-accept initial_status
// snapshot.
func WithStatusSource(s StatusSource) Option {
	return func(b *Broadcaster) { b.status = s }
}

// New builds a Broadcaster. allowedRoles are the only roles permitted to
// open a connection (spec.md §4.H: "only roles in a configured allowlist
// may connect; others receive a 1008 close").
func New(allowedRoles []string, logger *slog.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	roles := make(map[string]struct{}, len(allowedRoles))
	for _, r := range allowedRoles {
		roles[r] = struct{}{}
	}
	b := &Broadcaster{
		allowedRoles: roles,
		logger:       logger,
		connections:  make(map[string]*connection),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broadcaster) nextConnID() string {
	b.idCounter.mu.Lock()
	defer b.idCounter.mu.Unlock()
	b.idCounter.n++
	return "conn-" + strconv.FormatUint(b.idCounter.n, 10)
}

// HandleUpgrade upgrades r to a WebSocket connection and registers it under
// (userID, role). The caller (the dispatcher or an upstream proxy) is
// responsible for authenticating the request and supplying userID/role
// (spec.md §4.H: "pre-authenticated").
func (b *Broadcaster) HandleUpgrade(w http.ResponseWriter, r *http.Request, userID, role string) {
	if _, ok := b.allowedRoles[role]; !ok {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logger.Debug("broadcast: upgrade before policy close failed", "error", err)
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "role not allowed"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("broadcast: websocket upgrade failed", "error", err)
		return
	}

	c := &connection{
		id:            b.nextConnID(),
		userID:        userID,
		role:          role,
		conn:          wsConn,
		connectedAt:   time.Now(),
		wake:          make(chan struct{}, 1),
		closed:        make(chan struct{}),
		lastHeartbeat: time.Now(),
		subscriptions: make(map[string]domain.Subscription),
	}

	b.mu.Lock()
	b.connections[c.id] = c
	b.mu.Unlock()

	if b.status != nil {
		b.sendEnvelope(c, "initial_status", map[string]any{"mcps": b.status.Snapshot()})
	}

	b.wg.Add(2)
	go func() { defer b.wg.Done(); b.writePump(c) }()
	go func() { defer b.wg.Done(); b.readPump(c) }()
}

// writePump drains c.outbound whenever enqueue wakes it, in FIFO order,
// until the connection is closed. It never reads c.outbound directly across
// goroutines without outboundMu, so enqueue's drop-oldest-non-heartbeat
// policy stays consistent with what gets written here.
func (b *Broadcaster) writePump(c *connection) {
	defer func() { _ = c.conn.Close() }()
	for {
		select {
		case <-c.closed:
			return
		case <-c.wake:
		}
		for {
			c.outboundMu.Lock()
			if len(c.outbound) == 0 {
				c.outboundMu.Unlock()
				break
			}
			msg := c.outbound[0]
			c.outbound = c.outbound[1:]
			c.outboundMu.Unlock()
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				return
			}
		}
	}
}

func (b *Broadcaster) readPump(c *connection) {
	defer b.disconnect(c)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		b.handleAction(c, raw)
	}
}

func (b *Broadcaster) disconnect(c *connection) {
	b.mu.Lock()
	_, ok := b.connections[c.id]
	delete(b.connections, c.id)
	b.mu.Unlock()
	if ok {
		close(c.closed)
		_ = c.conn.Close()
	}
}

type inboundAction struct {
	Action         string         `json:"action"`
	EventTypes     []string       `json:"event_types"`
	Filters        map[string]any `json:"filters"`
	SubscriptionID string         `json:"subscription_id"`
}

func (b *Broadcaster) handleAction(c *connection, raw []byte) {
	var action inboundAction
	if err := json.Unmarshal(raw, &action); err != nil {
		b.logger.Debug("broadcast: malformed inbound frame", "conn", c.id, "error", err)
		return
	}

	switch action.Action {
	case "subscribe":
		sub := domain.Subscription{
			ID:           b.nextConnID() + "-sub",
			ConnectionID: c.id,
			EventTypes:   toSet(action.EventTypes),
			Filters:      action.Filters,
		}
		c.mu.Lock()
		c.subscriptions[sub.ID] = sub
		c.mu.Unlock()
		b.sendEnvelope(c, "subscribed", map[string]any{"subscription_id": sub.ID})
	case "unsubscribe":
		c.mu.Lock()
		delete(c.subscriptions, action.SubscriptionID)
		c.mu.Unlock()
	case "get_metadata":
		b.sendEnvelope(c, "metadata", eventRegistry)
	case "ping":
		c.hbMu.Lock()
		c.lastHeartbeat = time.Now()
		c.hbMu.Unlock()
		b.enqueue(c, []byte("pong"), true)
	default:
		b.sendEnvelope(c, "error", map[string]any{"error": "unknown action"})
	}
}

func toSet(vals []string) map[string]struct{} {
	set := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		set[v] = struct{}{}
	}
	return set
}

func (b *Broadcaster) sendEnvelope(c *connection, typ string, data any) {
	env := envelope{Type: typ, Timestamp: time.Now().UTC().Format(time.RFC3339), Data: data}
	payload, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("broadcast: marshal envelope", "error", err)
		return
	}
	b.enqueue(c, payload, typ == "ping")
}

// enqueue implements the bounded-queue-with-drop-oldest backpressure policy
// (spec.md §5): on overflow, drop the oldest non-heartbeat queued message,
// falling back to the oldest heartbeat only if the queue holds nothing else.
func (b *Broadcaster) enqueue(c *connection, payload []byte, isHeartbeat bool) {
	c.outboundMu.Lock()
	if len(c.outbound) >= outboundQueueSize {
		victim := 0
		for i, m := range c.outbound {
			if !m.isHeartbeat {
				victim = i
				break
			}
		}
		b.logger.Warn("broadcast: outbound queue full, dropping queued message",
			"conn", c.id, "dropped_heartbeat", c.outbound[victim].isHeartbeat, "new_heartbeat", isHeartbeat)
		c.outbound = append(c.outbound[:victim], c.outbound[victim+1:]...)
	}
	c.outbound = append(c.outbound, queuedMessage{isHeartbeat: isHeartbeat, data: payload})
	c.outboundMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// BroadcastEvent sends payload to every connection with a subscription
// matching eventType and every declared filter (spec.md §4.H).
func (b *Broadcaster) BroadcastEvent(eventType string, payload map[string]any) {
	b.mu.RLock()
	targets := make([]*connection, 0, len(b.connections))
	for _, c := range b.connections {
		targets = append(targets, c)
	}
	b.mu.RUnlock()

	for _, c := range targets {
		if b.connectionMatches(c, eventType, payload) {
			b.sendEnvelope(c, eventType, payload)
		}
	}
}

func (b *Broadcaster) connectionMatches(c *connection, eventType string, payload map[string]any) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sub := range c.subscriptions {
		if _, ok := sub.EventTypes[eventType]; !ok {
			continue
		}
		if matchesFilters(sub.Filters, payload) {
			return true
		}
	}
	return false
}

// matchesFilters implements spec.md §4.H's per-field filter semantics.
func matchesFilters(filters map[string]any, payload map[string]any) bool {
	for field, want := range filters {
		if !matchesField(field, want, payload) {
			return false
		}
	}
	return true
}

func matchesField(field string, want any, payload map[string]any) bool {
	switch field {
	case "mcp_names":
		return setMembership(want, payload["mcp_name"])
	case "severity":
		return setMembership(want, payload["severity"])
	case "old_status", "new_status", "state", "health_status":
		return setMembership(want, payload[field])
	case "failure_cycles":
		return numericMinimum(want, payload["failure_cycles"])
	default:
		return true
	}
}

func setMembership(want any, got any) bool {
	gotStr, ok := got.(string)
	if !ok {
		return false
	}
	switch v := want.(type) {
	case string:
		return v == gotStr
	case []string:
		for _, s := range v {
			if s == gotStr {
				return true
			}
		}
		return false
	case []any:
		for _, s := range v {
			if str, ok := s.(string); ok && str == gotStr {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func numericMinimum(want any, got any) bool {
	wantN, ok := toFloat(want)
	if !ok {
		return false
	}
	gotN, ok := toFloat(got)
	if !ok {
		return false
	}
	return gotN >= wantN
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// StartHeartbeat runs the periodic ping-everyone loop and the stale
// connection sweep (spec.md §4.H).
func (b *Broadcaster) StartHeartbeat() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-b.done:
				return
			case <-ticker.C:
				b.heartbeatTick()
			}
		}
	}()
}

func (b *Broadcaster) heartbeatTick() {
	b.mu.RLock()
	conns := make([]*connection, 0, len(b.connections))
	for _, c := range b.connections {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	now := time.Now()
	for _, c := range conns {
		c.hbMu.Lock()
		stale := now.Sub(c.lastHeartbeat) > StaleAfter
		c.hbMu.Unlock()
		if stale {
			b.disconnect(c)
			continue
		}
		b.sendEnvelope(c, "ping", nil)
	}
}

// CloseUser closes every connection belonging to userID, sending a typed
// "blocked" message first (spec.md §4.I: invalidation-bus "chat" block
// handling).
func (b *Broadcaster) CloseUser(userID, message string) {
	b.mu.RLock()
	targets := make([]*connection, 0)
	for _, c := range b.connections {
		if c.userID == userID {
			targets = append(targets, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range targets {
		b.sendEnvelope(c, "blocked", map[string]any{"message": message})
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "blocked"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		b.disconnect(c)
	}
}

// ConnectionCount reports the number of currently open connections, used by
// health/metrics reporting.
func (b *Broadcaster) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.connections)
}

// Stop halts the heartbeat loop and closes every connection.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
	b.mu.RLock()
	conns := make([]*connection, 0, len(b.connections))
	for _, c := range b.connections {
		conns = append(conns, c)
	}
	b.mu.RUnlock()
	for _, c := range conns {
		b.disconnect(c)
	}
	b.wg.Wait()
}
