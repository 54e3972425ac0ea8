package registry

import (
	"encoding/json"

	"github.com/kagenti/mcp-orchestrator/internal/domain"
)

// decodeTools/decodePrompts/decodeResources unwrap the {tools:[...]} /
// {prompts:[...]} / {resources:[...]} envelopes the tools/list,
// prompts/list and resources/list methods return. A nil raw payload (the
// -32601 tolerance internal/mcpclient already applies) decodes to an empty
// slice, matching spec.md §4.D: "tolerate method not found and produce
// empty lists".

func decodeTools(raw json.RawMessage) ([]domain.Tool, error) {
	if raw == nil {
		return nil, nil
	}
	var wire struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	tools := make([]domain.Tool, 0, len(wire.Tools))
	for _, t := range wire.Tools {
		tools = append(tools, domain.Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return tools, nil
}

func decodePrompts(raw json.RawMessage) ([]domain.Prompt, error) {
	if raw == nil {
		return nil, nil
	}
	var wire struct {
		Prompts []struct {
			Name        string `json:"name"`
			Description string `json:"description"`
			Arguments   []struct {
				Name        string `json:"name"`
				Description string `json:"description"`
				Required    bool   `json:"required"`
			} `json:"arguments"`
		} `json:"prompts"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	prompts := make([]domain.Prompt, 0, len(wire.Prompts))
	for _, p := range wire.Prompts {
		args := make([]domain.PromptArgument, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			args = append(args, domain.PromptArgument{Name: a.Name, Description: a.Description, Required: a.Required})
		}
		prompts = append(prompts, domain.Prompt{Name: p.Name, Description: p.Description, Arguments: args})
	}
	return prompts, nil
}

func decodeResources(raw json.RawMessage) ([]domain.Resource, error) {
	if raw == nil {
		return nil, nil
	}
	var wire struct {
		Resources []struct {
			URI         string `json:"uri"`
			Name        string `json:"name"`
			Description string `json:"description"`
			MimeType    string `json:"mimeType"`
		} `json:"resources"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	resources := make([]domain.Resource, 0, len(wire.Resources))
	for _, res := range wire.Resources {
		resources = append(resources, domain.Resource{URI: res.URI, Name: res.Name, Description: res.Description, MimeType: res.MimeType})
	}
	return resources, nil
}
