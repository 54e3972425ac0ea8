package integration

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// tools/list name-mangling and tools/call round trip through a single
// upstream (spec.md §8 S2).
var _ = Describe("tool catalog and invocation", func() {
	var (
		h  *harness
		up *fakeUpstream
	)

	BeforeEach(func() {
		up = &fakeUpstream{
			name:  "A",
			tools: []map[string]any{{"name": "x", "description": "does x", "inputSchema": map[string]any{"type": "object"}}},
			callFn: func(name string, args map[string]any) (any, error) {
				return map[string]any{"content": map[string]any{"echoed": name, "args": args}}, nil
			},
		}
		as := &fakeAuthService{userID: "u1", roleName: "admin", mcpAccess: []string{"*"}, serviceGrants: []string{"mcp"}}
		h = newHarness(up, as)
	})

	AfterEach(func() { h.Close() })

	It("mangles the upstream-qualified tool name as upstream__tool", func() {
		resp := h.post("tok", "tools/list", 1, nil)

		result := resp["result"].(map[string]any)
		tools := result["tools"].([]any)
		Expect(tools).To(HaveLen(1))

		tool := tools[0].(map[string]any)
		Expect(tool["name"]).To(Equal("A__x"))
		Expect(tool["description"]).To(Equal("[A] does x"))
	})

	It("routes a mangled tools/call to the correct upstream and tool", func() {
		resp := h.post("tok", "tools/call", 2, map[string]any{
			"name":      "A__x",
			"arguments": map[string]any{"n": 1},
		})

		Expect(resp["error"]).To(BeNil())
		result := resp["result"].(map[string]any)
		content := result["content"].(map[string]any)
		Expect(content["echoed"]).To(Equal("x"))
		Expect(up.calls()).To(Equal(int32(1)))
	})

	It("rejects a tools/call for an unmangleable or unknown name", func() {
		resp := h.post("tok", "tools/call", 3, map[string]any{"name": "nonsense", "arguments": map[string]any{}})

		Expect(resp["error"]).NotTo(BeNil())
	})
})
