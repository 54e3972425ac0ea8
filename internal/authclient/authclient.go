// Package authclient is the thin external auth-service HTTP client the
// dispatcher's inbound pipeline uses on a gateway session cache miss
// (spec.md §4.G step 2: "call the external auth service; cache the
// returned context with a short TTL"), plus the user-block lookup (step
// 4). Grounded on kagenti/mcp-gateway's internal/clients/clients.go for the
// plain-HTTP client-construction idiom (trimmed of the Envoy-hairpin
// router-key/mcp-init-host headers, which only exist because that
// transport sits behind an ext-proc filter this module does not have) and
// internal/session/jwt.go for bearer-token parsing via golang-jwt/jwt/v5.
package authclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/kagenti/mcp-orchestrator/internal/config"
	"github.com/kagenti/mcp-orchestrator/internal/domain"
)

// Client calls the external auth service to resolve a bearer token into a
// UserContext, and the external user-block store for service-block checks.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithTimeout overrides the default 5s HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New builds a Client pointed at baseURL (e.g. the external auth service's
// root).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: 5 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ErrInvalidToken is returned when the auth service rejects the token
// (spec.md §4.G step 2: "Invalid -> 401").
var ErrInvalidToken = fmt.Errorf("authclient: invalid token")

type userContextWire struct {
	UserID           string                               `json:"user_id"`
	RoleName         string                               `json:"role_name"`
	MCPAccess        []string                             `json:"mcp_access"`
	ToolRestrictions map[string]config.RestrictionConfig `json:"tool_restrictions"`
	ServiceGrants    []string                             `json:"service_grants"`
}

// ResolveToken exchanges a bearer token for a UserContext.
func (c *Client) ResolveToken(ctx context.Context, token string) (domain.UserContext, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/context", nil)
	if err != nil {
		return domain.UserContext{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.UserContext{}, fmt.Errorf("authclient: contact auth service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return domain.UserContext{}, ErrInvalidToken
	}
	if resp.StatusCode != http.StatusOK {
		return domain.UserContext{}, fmt.Errorf("authclient: auth service returned %d", resp.StatusCode)
	}

	var wire userContextWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return domain.UserContext{}, fmt.Errorf("authclient: decode auth response: %w", err)
	}

	access := domain.MCPAccess{Names: map[string]struct{}{}}
	for _, name := range wire.MCPAccess {
		if name == "*" {
			access.All = true
			break
		}
		access.Names[name] = struct{}{}
	}

	grants := make(map[string]struct{}, len(wire.ServiceGrants))
	for _, g := range wire.ServiceGrants {
		grants[g] = struct{}{}
	}

	restrictions := make(map[string]domain.Restriction, len(wire.ToolRestrictions))
	for upstream, r := range wire.ToolRestrictions {
		restrictions[upstream] = r.ToDomain()
	}

	return domain.UserContext{
		UserID:           wire.UserID,
		RoleName:         wire.RoleName,
		MCPAccess:        access,
		ToolRestrictions: restrictions,
		ServiceGrants:    grants,
	}, nil
}

// IsBlocked checks the external user-block store for userID blocked under
// service tag (spec.md §4.G step 4).
func (c *Client) IsBlocked(ctx context.Context, userID, service string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/blocked", nil)
	if err != nil {
		return false, err
	}
	q := req.URL.Query()
	q.Set("user_id", userID)
	q.Set("service", service)
	req.URL.RawQuery = q.Encode()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("authclient: contact block store: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("authclient: block store returned %d", resp.StatusCode)
	}
	var body struct {
		Blocked bool `json:"blocked"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Blocked, nil
}

// ParseUnverifiedUserID extracts the "sub" claim from a bearer JWT without
// verifying its signature. Nothing in the request pipeline calls it; the
// authoritative identity always comes from ResolveToken.
func ParseUnverifiedUserID(token string) (string, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("token has no sub claim")
	}
	return sub, nil
}
