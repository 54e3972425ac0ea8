package credentials

import (
	"context"
	"fmt"

	"github.com/kagenti/mcp-orchestrator/internal/domain"
	"github.com/kagenti/mcp-orchestrator/internal/mcpclient"
)

// Resolver implements registry.CredentialResolver against the mounted-secret
// reader above: domain.Auth.Secret names a credential file under MountPath,
// never a raw value.
type Resolver struct{}

// Resolve turns an Auth reference into the mcpclient.Option that attaches
// it to every request the registry makes against that upstream.
func (Resolver) Resolve(_ context.Context, auth domain.Auth) ([]mcpclient.Option, error) {
	switch auth.Kind {
	case domain.AuthNone, "":
		return nil, nil
	case domain.AuthBearer:
		token, err := Get(auth.Secret)
		if err != nil {
			return nil, fmt.Errorf("credentials: resolve bearer auth: %w", err)
		}
		return []mcpclient.Option{mcpclient.WithBearerAuth(token)}, nil
	case domain.AuthAPIKey:
		key, err := Get(auth.Secret)
		if err != nil {
			return nil, fmt.Errorf("credentials: resolve api_key auth: %w", err)
		}
		return []mcpclient.Option{mcpclient.WithAPIKeyAuth("X-API-Key", key)}, nil
	default:
		return nil, fmt.Errorf("credentials: unsupported auth kind %q", auth.Kind)
	}
}
