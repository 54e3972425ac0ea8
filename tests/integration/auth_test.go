package integration

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// Inbound pipeline: missing bearer token rejected before any upstream
// contact; a valid token with no "mcp" grant rejected as forbidden.
var _ = Describe("inbound authentication", func() {
	var (
		h   *harness
		up  *fakeUpstream
		as  *fakeAuthService
	)

	BeforeEach(func() {
		up = &fakeUpstream{
			name:  "A",
			tools: []map[string]any{{"name": "x", "description": "does x", "inputSchema": map[string]any{}}},
			callFn: func(string, map[string]any) (any, error) {
				return map[string]any{"ok": true}, nil
			},
		}
		as = &fakeAuthService{userID: "u1", roleName: "admin", mcpAccess: []string{"*"}, serviceGrants: []string{"mcp"}}
		h = newHarness(up, as)
	})

	AfterEach(func() { h.Close() })

	It("rejects a request with no Authorization header without contacting the upstream", func() {
		By("posting without a bearer token")
		resp := h.post("", "tools/list", 1, nil)

		Expect(resp["http_status"]).To(Equal(float64(401)))
		Expect(up.calls()).To(Equal(int32(0)))
	})

	It("rejects a caller with no mcp service grant", func() {
		as.serviceGrants = nil

		resp := h.post("some-token", "tools/list", 1, nil)

		Expect(resp["http_status"]).To(Equal(float64(403)))
	})

	It("accepts a valid bearer token with the mcp grant", func() {
		resp := h.post("some-token", "tools/list", 1, nil)

		Expect(resp["http_status"]).To(Equal(float64(200)))
		Expect(resp["error"]).To(BeNil())
	})
})
