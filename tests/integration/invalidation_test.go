package integration

import (
	"context"

	"github.com/kagenti/mcp-orchestrator/internal/domain"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// Session cache invalidation on a user_blocked event (spec.md §8 S5),
// exercised by calling the invalidation bus's channel handler directly
// rather than through a live Redis connection — the handler itself is a
// plain function of (ctx, payload), decoupled from pub/sub transport.
var _ = Describe("user-blocked session invalidation", func() {
	var (
		h  *harness
		up *fakeUpstream
	)

	BeforeEach(func() {
		up = &fakeUpstream{
			name:  "A",
			tools: []map[string]any{{"name": "x", "description": "does x", "inputSchema": map[string]any{}}},
			callFn: func(string, map[string]any) (any, error) {
				return map[string]any{"content": map[string]any{"ok": true}}, nil
			},
		}
		as := &fakeAuthService{userID: "u1", roleName: "admin", mcpAccess: []string{"*"}, serviceGrants: []string{"mcp"}}
		h = newHarness(up, as)
	})

	AfterEach(func() { h.Close() })

	It("evicts the blocked user's cached session", func() {
		By("populating the session cache via a normal authenticated call")
		resp := h.post("tok", "tools/list", 1, nil)
		Expect(resp["http_status"]).To(Equal(float64(200)))

		_, ok := h.sessions.Get(context.Background(), "tok")
		Expect(ok).To(BeTrue())

		By("delivering a user_blocked payload for the mcp service")
		payload := `{"user_id":"u1","blocked_services":["mcp"]}`
		Expect(h.bus.HandleUserBlocked(context.Background(), payload)).To(Succeed())

		By("asserting the cached session for that token is gone")
		_, ok = h.sessions.Get(context.Background(), "tok")
		Expect(ok).To(BeFalse())
	})

	It("leaves an unrelated user's session untouched", func() {
		h.sessions.Set(context.Background(), "other-tok", "u2", domain.UserContext{UserID: "u2"}, nil, nil)

		payload := `{"user_id":"u1","blocked_services":["mcp"]}`
		Expect(h.bus.HandleUserBlocked(context.Background(), payload)).To(Succeed())

		_, ok := h.sessions.Get(context.Background(), "other-tok")
		Expect(ok).To(BeTrue())
	})
})
