// Package permission is the pure filtering function spec.md §4.E
// describes: given a caller's mcp_access and tool_restrictions plus the
// registry's current catalogs, compute the visible tools/prompts/resources.
// The restriction-set idea is grounded on kagenti/mcp-gateway's
// internal/broker/filtered_tools_handler.go (authorized-tool-name
// filtering against a discovered catalog) and
// internal/broker/virtual_server_handler.go (restricting a catalog to a
// named subset); glob-pattern restriction entries are grounded on
// CirtusX-ctrl-ai-v1's internal/engine/matcher.go (gobwas/glob compiled
// once, matched many times), per SPEC_FULL.md §11.5.
package permission

import (
	"encoding/json"
	"sync"

	"github.com/gobwas/glob"
	"github.com/kagenti/mcp-orchestrator/internal/domain"
)

// VisibleUpstreams returns the set of active upstream names the user's
// mcp_access grants (spec.md §4.E).
func VisibleUpstreams(access domain.MCPAccess, active []string) []string {
	if access.All {
		out := make([]string, len(active))
		copy(out, active)
		return out
	}
	visible := make([]string, 0, len(active))
	for _, name := range active {
		if _, ok := access.Names[name]; ok {
			visible = append(visible, name)
		}
	}
	return visible
}

// globCache compiles restriction name patterns once and reuses them;
// restriction entries are typically static per-role config, re-filtered on
// every tools/list, so compiling per-call would be wasted work.
var globCache sync.Map // map[string]glob.Glob

func compiledGlob(pattern string) (glob.Glob, bool) {
	if cached, ok := globCache.Load(pattern); ok {
		return cached.(glob.Glob), true
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, false
	}
	globCache.Store(pattern, g)
	return g, true
}

func nameAllowed(restriction domain.Restriction, name string) bool {
	switch restriction.Kind {
	case domain.RestrictAll:
		return true
	case domain.RestrictNone:
		return false
	case domain.RestrictNames:
		if _, ok := restriction.Names[name]; ok {
			return true
		}
		for pattern := range restriction.Names {
			g, ok := compiledGlob(pattern)
			if ok && g.Match(name) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func kindRestriction(restriction domain.Restriction, kind string) domain.Restriction {
	if restriction.Kind != domain.RestrictTriple {
		if kind == "tools" {
			return restriction
		}
		// A flat sequence "applies only to tools" (spec.md §4.E); prompts
		// and resources see no restriction from a flat entry.
		return domain.AllRestriction()
	}
	switch kind {
	case "tools":
		if restriction.Tools != nil {
			return *restriction.Tools
		}
	case "prompts":
		if restriction.Prompts != nil {
			return *restriction.Prompts
		}
	case "resources":
		if restriction.Resources != nil {
			return *restriction.Resources
		}
	}
	return domain.AllRestriction()
}

// restrictionFor looks up the already-decoded restriction for upstream; an
// absent entry means "no restrictions" (spec.md §4.E). Decoding of stored
// forms happens earlier, in DecodeStoredRestriction.
func restrictionFor(restrictions map[string]domain.Restriction, upstream string) domain.Restriction {
	r, ok := restrictions[upstream]
	if !ok {
		return domain.AllRestriction()
	}
	return r
}

// DecodeStoredRestriction parses a restriction serialized as a JSON column
// value (spec.md §4.E: "when restrictions arrive serialized ... the filter
// accepts a stringified form and decodes it transparently"). A decode
// failure returns AllRestriction, never an error.
func DecodeStoredRestriction(raw string) domain.Restriction {
	if raw == "" {
		return domain.AllRestriction()
	}
	var flat []string
	if err := json.Unmarshal([]byte(raw), &flat); err == nil {
		return namesOrAll(flat)
	}
	var triple struct {
		Tools     []string `json:"tools"`
		Prompts   []string `json:"prompts"`
		Resources []string `json:"resources"`
	}
	if err := json.Unmarshal([]byte(raw), &triple); err == nil {
		tools := namesOrAll(triple.Tools)
		prompts := namesOrAll(triple.Prompts)
		resources := namesOrAll(triple.Resources)
		return domain.Restriction{Kind: domain.RestrictTriple, Tools: &tools, Prompts: &prompts, Resources: &resources}
	}
	return domain.AllRestriction()
}

func namesOrAll(names []string) domain.Restriction {
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

// CanCallTool reports whether tool on upstream is callable under
// restrictions, per spec.md §4.E's can_call_tool.
func CanCallTool(restrictions map[string]domain.Restriction, upstream, tool string) bool {
	r := kindRestriction(restrictionFor(restrictions, upstream), "tools")
	return nameAllowed(r, tool)
}

// CanGetPrompt is CanCallTool's prompts/get analogue.
func CanGetPrompt(restrictions map[string]domain.Restriction, upstream, prompt string) bool {
	r := kindRestriction(restrictionFor(restrictions, upstream), "prompts")
	return nameAllowed(r, prompt)
}

// CanReadResource is CanCallTool's resources/read analogue. Resource URIs
// are matched as opaque strings (spec.md §9), same as tool/prompt names.
func CanReadResource(restrictions map[string]domain.Restriction, upstream, uri string) bool {
	r := kindRestriction(restrictionFor(restrictions, upstream), "resources")
	return nameAllowed(r, uri)
}

// FilterCatalog reduces catalog to the tools/prompts/resources the user's
// restrictions permit for a single upstream. Callers combine this across
// every visible upstream to build the full tools/list reply.
func FilterCatalog(restrictions map[string]domain.Restriction, upstream string, catalog domain.Catalog) domain.Catalog {
	toolsRestriction := kindRestriction(restrictionFor(restrictions, upstream), "tools")
	promptsRestriction := kindRestriction(restrictionFor(restrictions, upstream), "prompts")
	resourcesRestriction := kindRestriction(restrictionFor(restrictions, upstream), "resources")

	out := domain.Catalog{}
	for _, t := range catalog.Tools {
		if nameAllowed(toolsRestriction, t.Name) {
			out.Tools = append(out.Tools, t)
		}
	}
	for _, p := range catalog.Prompts {
		if nameAllowed(promptsRestriction, p.Name) {
			out.Prompts = append(out.Prompts, p)
		}
	}
	for _, res := range catalog.Resources {
		if nameAllowed(resourcesRestriction, res.URI) {
			out.Resources = append(out.Resources, res)
		}
	}
	return out
}
