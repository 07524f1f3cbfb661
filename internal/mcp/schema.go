package mcp

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/prbarcelon/mcporch/internal/protocol"
)

// parseSchema returns the required names and the sorted property names of
// a JSON-schema object.
func parseSchema(schema any) ([]string, []string) {
	type inputSchema struct {
		Required   []string       `json:"required"`
		Properties map[string]any `json:"properties"`
	}
	var parsed inputSchema
	b, err := json.Marshal(schema)
	if err != nil {
		return nil, nil
	}
	if err := json.Unmarshal(b, &parsed); err != nil {
		return nil, nil
	}
	props := make([]string, 0, len(parsed.Properties))
	for key := range parsed.Properties {
		props = append(props, key)
	}
	sort.Strings(props)
	return parsed.Required, props
}

func parseSchemaDetail(schema any, requiredList []string) []protocol.PropertyDetail {
	type propEntry struct {
		Type        any    `json:"type"`
		Enum        []any  `json:"enum"`
		Const       any    `json:"const"`
		Description string `json:"description"`
	}
	type inputSchema struct {
		Properties map[string]propEntry `json:"properties"`
	}
	b, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var parsed inputSchema
	if err := json.Unmarshal(b, &parsed); err != nil {
		return nil
	}

	required := map[string]bool{}
	for _, r := range requiredList {
		required[r] = true
	}

	keys := make([]string, 0, len(parsed.Properties))
	for k := range parsed.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]protocol.PropertyDetail, 0, len(keys))
	for _, k := range keys {
		p := parsed.Properties[k]
		enum := []string{}
		for _, v := range p.Enum {
			enum = append(enum, fmt.Sprintf("%v", v))
		}
		constValue := ""
		if p.Const != nil {
			constValue = fmt.Sprintf("%v", p.Const)
		}
		out = append(out, protocol.PropertyDetail{
			Name:        k,
			Type:        typeName(p.Type),
			Enum:        enum,
			Const:       constValue,
			Description: p.Description,
			Required:    required[k],
		})
	}
	return out
}

// typeName flattens `"type": ["string", "null"]` into "string|null".
func typeName(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		out := ""
		for i, item := range t {
			if i > 0 {
				out += "|"
			}
			out += fmt.Sprint(item)
		}
		return out
	}
	return ""
}
