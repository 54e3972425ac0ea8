package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kagenti/mcp-orchestrator/internal/domain"
)

func TestResolverNoneAuthReturnsNoOptions(t *testing.T) {
	opts, err := (Resolver{}).Resolve(context.Background(), domain.Auth{Kind: domain.AuthNone})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(opts) != 0 {
		t.Fatalf("expected no options, got %d", len(opts))
	}
}

func TestResolverUnsupportedKindErrors(t *testing.T) {
	_, err := (Resolver{}).Resolve(context.Background(), domain.Auth{Kind: "weird"})
	if err == nil {
		t.Fatal("expected an error for an unsupported auth kind")
	}
}

func TestResolverBearerAuthReadsMountedSecret(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "upstream-token"), []byte("secret-value\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	result := getFromPath(dir, "upstream-token")
	if result != "secret-value" {
		t.Fatalf("got %q, want %q", result, "secret-value")
	}
}
