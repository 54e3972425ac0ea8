// Package domain holds the shared entity types every gateway component
// operates on: Upstream, UpstreamSession, Catalog, CircuitState,
// UserContext, GatewaySession, Subscription and FlowEvent.
package domain

import "time"

// TransportKind enumerates the wire transports an Upstream may speak.
type TransportKind string

const (
	// TransportHTTPStreamable is the default JSON-RPC-over-HTTP transport.
	TransportHTTPStreamable TransportKind = "http-streamable"
	// TransportSSE accepts an SSE stream of `data: {...}` lines.
	TransportSSE TransportKind = "sse"
)

// AuthKind enumerates how a client authenticates to an Upstream.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBearer AuthKind = "bearer"
	AuthAPIKey AuthKind = "api_key"
)

// AdminStatus is the operator-controlled lifecycle flag for an Upstream.
type AdminStatus string

const (
	AdminActive   AdminStatus = "active"
	AdminInactive AdminStatus = "inactive"
)

// HealthStatus is the coordinator-observed health of an Upstream.
type HealthStatus string

const (
	HealthUnknown      HealthStatus = "unknown"
	HealthHealthy      HealthStatus = "healthy"
	HealthUnhealthy    HealthStatus = "unhealthy"
	HealthDisconnected HealthStatus = "disconnected"
	HealthCircuitOpen  HealthStatus = "circuit_open"
	HealthDisabled     HealthStatus = "disabled"
)

// RetryPolicy bounds how hard the registry retries a failed load.
type RetryPolicy struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Auth captures how the registry authenticates to an Upstream. Secret is a
// mounted-credential name resolved by pkg/credentials (a file under its
// mount path), never the raw value persisted in config.
type Auth struct {
	Kind   AuthKind
	Secret string
}

// Upstream is a configured MCP server (spec.md §3).
type Upstream struct {
	Name              string
	URL               string `validate:"required,url"`
	Transport         TransportKind
	Timeout           time.Duration
	Retry             RetryPolicy
	Auth              Auth
	AdminStatus       AdminStatus
	HealthStatus      HealthStatus
	ErrorCount        int
	FailureCycleCount int
	AutoDisabledAt    *time.Time
	AutoDisableReason string
	UpdatedAt         time.Time
}

// UpstreamSession is a live connection to an Upstream, owned exclusively by
// the registry.
type UpstreamSession struct {
	UpstreamName string
	SessionID    string
	CreatedAt    time.Time
}

// Tool describes one invokable capability exposed by an Upstream.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Prompt describes one templated message exposed by an Upstream.
type Prompt struct {
	Name        string
	Description string
	Arguments   []PromptArgument
}

// PromptArgument is one named argument a Prompt accepts.
type PromptArgument struct {
	Name        string
	Description string
	Required    bool
}

// Resource describes one addressable read-only artifact exposed by an
// Upstream. URI is treated as an opaque identifier everywhere in this
// module, never parsed with net/url (spec.md §9).
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// Catalog is the triple of tools/prompts/resources currently known for an
// Upstream.
type Catalog struct {
	Tools     []Tool
	Prompts   []Prompt
	Resources []Resource
}

// CircuitBreakerState enumerates the three circuit breaker states.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// CircuitState is the per-key state tracked exclusively by the circuit
// breaker (spec.md §3, §4.B).
type CircuitState struct {
	Key                string
	State              CircuitBreakerState
	ConsecutiveFailures int
	LastFailureTime    time.Time
	HalfOpenInFlight    int
	FailureCycles       int
}

// RestrictionKind tags the shape of a Restriction value.
type RestrictionKind int

const (
	RestrictAll RestrictionKind = iota
	RestrictNone
	RestrictNames
	RestrictTriple
)

// Restriction is the tagged variant spec.md §9 asks for: `All | None |
// Names(set) | Triple{tools,prompts,resources}`. The wildcard is
// represented explicitly (RestrictAll), never by a sentinel string.
type Restriction struct {
	Kind      RestrictionKind
	Names     map[string]struct{} // used when Kind == RestrictNames; may hold glob patterns
	Tools     *Restriction        // used when Kind == RestrictTriple
	Prompts   *Restriction
	Resources *Restriction
}

// AllRestriction returns the wildcard "all items visible" restriction.
func AllRestriction() Restriction { return Restriction{Kind: RestrictAll} }

// NoneRestriction returns the "nothing visible" restriction.
func NoneRestriction() Restriction { return Restriction{Kind: RestrictNone} }

// NamesRestriction returns a restriction allowing exactly the given names
// (which may include glob patterns, see internal/permission).
func NamesRestriction(names ...string) Restriction {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return Restriction{Kind: RestrictNames, Names: set}
}

// MCPAccess is the user's visible-upstream selector: either the wildcard
// "all", or a concrete set of upstream names. Canonical wildcard form is
// list-containing-wildcard (spec.md §9 ambiguity #1); decode-time
// conversion from a bare "*" string happens in internal/config.
type MCPAccess struct {
	All   bool
	Names map[string]struct{}
}

// UserContextPolicy is the role-level policy document the config store
// loads (spec.md §6: "per-role policies live in an external store"). The
// permission filter combines it with a caller's user_id, resolved by the
// external auth service, to produce a full UserContext.
type UserContextPolicy struct {
	RoleName         string
	MCPAccess        MCPAccess
	ToolRestrictions map[string]Restriction // upstream_name -> restriction
	ServiceGrants    map[string]struct{}
}

// UserContext is a snapshot of a caller's effective policy (spec.md §3).
type UserContext struct {
	UserID           string
	RoleName         string
	MCPAccess        MCPAccess
	ToolRestrictions map[string]Restriction // upstream_name -> restriction
	ServiceGrants    map[string]struct{}
}

// WithUser attaches a caller's user_id to a role policy, producing the
// UserContext the permission filter and session cache operate on.
func (p UserContextPolicy) WithUser(userID string) UserContext {
	return UserContext{
		UserID:           userID,
		RoleName:         p.RoleName,
		MCPAccess:        p.MCPAccess,
		ToolRestrictions: p.ToolRestrictions,
		ServiceGrants:    p.ServiceGrants,
	}
}

// HasGrant reports whether the user holds the named service grant.
func (u UserContext) HasGrant(tag string) bool {
	_, ok := u.ServiceGrants[tag]
	return ok
}

// GatewaySession is the cached effective view for one opaque token
// (spec.md §3, §4.F).
type GatewaySession struct {
	Token              string
	UserID             string
	UserContext        UserContext
	AvailableUpstreams []string
	FilteredTools      any // cached tools/list result, shape matches dispatcher's wire reply
	CreatedAt          time.Time
	LastAccessed       time.Time
	FlowCorrelationID  string
}

// Subscription is a WebSocket client's declared interest (spec.md §3, §4.H).
type Subscription struct {
	ID           string
	ConnectionID string
	EventTypes   map[string]struct{}
	Filters      map[string]any
}

// FlowEvent is a checkpoint emitted during request processing (spec.md §3).
type FlowEvent struct {
	SessionID    string
	UserID       string
	NodeID       string
	EventType    string
	ParentNodeID string
	Timestamp    time.Time
	Payload      map[string]any
}
