// Package config holds the Upstream/policy document the coordinator reads
// continuously (spec.md §6 "Upstream definitions and per-role policies live
// in an external store read continuously by the coordinator") and the
// Observer hot-reload pattern the teacher's internal/config package already
// used. Two concrete Store implementations live in sibling files/packages:
// FileStore (YAML + fsnotify) and sqlitestore.Store.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kagenti/mcp-orchestrator/internal/domain"
)

// UpstreamConfig is the on-disk/in-db shape of one Upstream, validated via
// struct tags (SPEC_FULL.md §11.3) before being converted to domain.Upstream.
type UpstreamConfig struct {
	Name       string `yaml:"name" db:"name" validate:"required"`
	URL        string `yaml:"url" db:"url" validate:"required,url"`
	Transport  string `yaml:"transport" db:"transport" validate:"omitempty,oneof=http-streamable sse"`
	TimeoutSec int    `yaml:"timeoutSeconds" json:"timeoutSeconds" db:"timeout_seconds"`
	MaxRetries int    `yaml:"maxRetries" db:"max_retries"`
	RetryDelayMS int  `yaml:"retryDelayMs" db:"retry_delay_ms"`
	AuthKind   string `yaml:"authKind" db:"auth_kind" validate:"omitempty,oneof=none bearer api_key"`
	AuthSecret string `yaml:"authSecret" db:"auth_secret"`
	Enabled    bool   `yaml:"enabled" db:"enabled"`
}

// RestrictionConfig is the on-the-wire shape of one restriction entry: a
// flat sequence (tools only, spec.md §4.E) or the structured triple. Decode
// produces a domain.Restriction; a decode failure is treated as "no
// restrictions" per spec.md §4.E.
type RestrictionConfig struct {
	Flat      []string `yaml:"-"`
	Tools     []string `yaml:"tools,omitempty"`
	Prompts   []string `yaml:"prompts,omitempty"`
	Resources []string `yaml:"resources,omitempty"`
}

// UnmarshalJSON accepts either a bare array ("the flat sequence form,
// applies only to tools") or an object with tools/prompts/resources keys
// ("the structured triple form"), per spec.md §4.E. A value that is
// neither is treated as "no restrictions" (decode failure -> All),
// matching spec.md §4.E's "a decode failure is treated as no restrictions".
func (r *RestrictionConfig) UnmarshalJSON(data []byte) error {
	var flat []string
	if err := json.Unmarshal(data, &flat); err == nil {
		r.Flat = flat
		return nil
	}

	type triple RestrictionConfig
	var t triple
	if err := json.Unmarshal(data, &t); err == nil {
		*r = RestrictionConfig(t)
		return nil
	}

	// Malformed entry: leave r zero-valued, which ToDomain below resolves
	// to AllRestriction (absent entry semantics).
	return nil
}

// MCPAccessConfig accepts both representations the source used for "all
// upstreams" (spec.md §9 ambiguity #1): a bare "*" string, or the canonical
// list-containing-wildcard ["*"]. Either decodes to the same domain value.
type MCPAccessConfig []string

// UnmarshalJSON accepts a bare string or a string array.
func (m *MCPAccessConfig) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = MCPAccessConfig{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*m = list
	return nil
}

// PolicyConfig is one role's effective policy document.
type PolicyConfig struct {
	RoleName         string                        `yaml:"role" json:"role"`
	MCPAccess        MCPAccessConfig               `yaml:"mcpAccess"`
	ToolRestrictions map[string]RestrictionConfig  `yaml:"toolRestrictions"`
	ServiceGrants    []string                      `yaml:"serviceGrants"`
}

// VirtualServer groups a curated subset of tools under one name, adapted
// from kagenti/mcp-gateway's internal/broker/virtual_server_handler.go.
// Not named by spec.md's operations; purely additive, surfaced by the
// dispatcher only when a client asks for it via the x-mcp-virtualserver
// header (see internal/dispatcher).
type VirtualServer struct {
	Name  string   `yaml:"name" db:"name"`
	Tools []string `yaml:"tools" db:"tools"`
}

// Snapshot is everything the coordinator needs after one Load: the active
// Upstream set, the per-role policy table, and any virtual servers.
type Snapshot struct {
	Upstreams      []*domain.Upstream
	Policies       map[string]domain.UserContextPolicy
	VirtualServers []*VirtualServer
}

// Observer mirrors kagenti/mcp-gateway's internal/config Observer: anything
// that wants to react to a reload registers itself and is notified
// asynchronously.
type Observer interface {
	OnConfigChange(ctx context.Context, snap *Snapshot)
}

// Store is implemented by FileStore and sqlitestore.Store. Load is called
// once at startup and again on every hot-reload tick/event.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// Notifier wraps a Store with the Observer registration/fan-out the
// teacher's MCPServersConfig.RegisterObserver/Notify provided.
type Notifier struct {
	mu        sync.Mutex
	observers []Observer
}

// RegisterObserver registers obs to be notified of every future reload.
func (n *Notifier) RegisterObserver(obs Observer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.observers = append(n.observers, obs)
}

// Notify fires every registered observer on its own goroutine, matching
// the teacher's fire-and-forget Notify (a slow observer must not stall
// reload).
func (n *Notifier) Notify(ctx context.Context, snap *Snapshot) {
	n.mu.Lock()
	observers := append([]Observer(nil), n.observers...)
	n.mu.Unlock()
	for _, obs := range observers {
		go obs.OnConfigChange(ctx, snap)
	}
}

var validate = validator.New()

// ToDomain converts a validated UpstreamConfig into a domain.Upstream ready
// for the registry. Secrets are resolved by pkg/credentials at the call
// site, not here — UpstreamConfig.AuthSecret is a mounted-credential name,
// never a raw value.
func (c *UpstreamConfig) ToDomain() (*domain.Upstream, error) {
	if err := validate.Struct(c); err != nil {
		return nil, fmt.Errorf("invalid upstream config %q: %w", c.Name, err)
	}
	transport := domain.TransportHTTPStreamable
	if c.Transport != "" {
		transport = domain.TransportKind(c.Transport)
	}
	authKind := domain.AuthNone
	if c.AuthKind != "" {
		authKind = domain.AuthKind(c.AuthKind)
	}
	adminStatus := domain.AdminInactive
	if c.Enabled {
		adminStatus = domain.AdminActive
	}
	return &domain.Upstream{
		Name:         c.Name,
		URL:          c.URL,
		Transport:    transport,
		Timeout:      time.Duration(intOrDefault(c.TimeoutSec, 30)) * time.Second,
		Retry:        domain.RetryPolicy{MaxRetries: intOrDefault(c.MaxRetries, 3), RetryDelay: time.Duration(intOrDefault(c.RetryDelayMS, 1000)) * time.Millisecond},
		Auth:         domain.Auth{Kind: authKind, Secret: c.AuthSecret},
		AdminStatus:  adminStatus,
		HealthStatus: domain.HealthUnknown,
	}, nil
}

// ToDomain converts a RestrictionConfig into the domain.Restriction tagged
// variant (spec.md §9). Semantics: absent entry or ["*"] -> All; empty
// sequence -> None; otherwise Names.
func (r RestrictionConfig) ToDomain() domain.Restriction {
	if r.Tools != nil || r.Prompts != nil || r.Resources != nil {
		tools := namesToRestriction(r.Tools)
		prompts := namesToRestriction(r.Prompts)
		resources := namesToRestriction(r.Resources)
		return domain.Restriction{Kind: domain.RestrictTriple, Tools: &tools, Prompts: &prompts, Resources: &resources}
	}
	return namesToRestriction(r.Flat)
}

func namesToRestriction(names []string) domain.Restriction {
	if names == nil {
		return domain.AllRestriction()
	}
	if len(names) == 0 {
		return domain.NoneRestriction()
	}
	if len(names) == 1 && names[0] == "*" {
		return domain.AllRestriction()
	}
	return domain.NamesRestriction(names...)
}

// mcpAccessToDomain converts the wildcard/list form of mcp_access into the canonical
// list-containing-wildcard domain.MCPAccess (spec.md §9 ambiguity #1: the
// source used both a bare "*" string and ["*"]; this boundary normalizes
// both into domain.MCPAccess{All:true}).
func mcpAccessToDomain(raw MCPAccessConfig) domain.MCPAccess {
	for _, v := range raw {
		if v == "*" {
			return domain.MCPAccess{All: true}
		}
	}
	names := make(map[string]struct{}, len(raw))
	for _, v := range raw {
		names[strings.TrimSpace(v)] = struct{}{}
	}
	return domain.MCPAccess{Names: names}
}

// ToDomain converts a PolicyConfig into the policy the permission filter
// consumes.
func (p PolicyConfig) ToDomain() domain.UserContextPolicy {
	restrictions := make(map[string]domain.Restriction, len(p.ToolRestrictions))
	for upstream, r := range p.ToolRestrictions {
		restrictions[upstream] = r.ToDomain()
	}
	grants := make(map[string]struct{}, len(p.ServiceGrants))
	for _, g := range p.ServiceGrants {
		grants[g] = struct{}{}
	}
	return domain.UserContextPolicy{
		RoleName:         p.RoleName,
		MCPAccess:        mcpAccessToDomain(p.MCPAccess),
		ToolRestrictions: restrictions,
		ServiceGrants:    grants,
	}
}

func intOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// UnmarshalStoredJSON populates a PolicyConfig's access/restriction/grant
// fields from the three JSON columns sqlitestore persists them under. Used
// only by sqlitestore.Store.Load; the YAML FileStore decodes these fields
// directly via struct tags instead.
func (p *PolicyConfig) UnmarshalStoredJSON(mcpAccessJSON, restrictionsJSON, grantsJSON string) error {
	if mcpAccessJSON != "" {
		if err := json.Unmarshal([]byte(mcpAccessJSON), &p.MCPAccess); err != nil {
			return fmt.Errorf("decode mcp_access_json: %w", err)
		}
	}
	if restrictionsJSON != "" {
		if err := json.Unmarshal([]byte(restrictionsJSON), &p.ToolRestrictions); err != nil {
			return fmt.Errorf("decode tool_restrictions_json: %w", err)
		}
	}
	if grantsJSON != "" {
		if err := json.Unmarshal([]byte(grantsJSON), &p.ServiceGrants); err != nil {
			return fmt.Errorf("decode service_grants_json: %w", err)
		}
	}
	return nil
}
