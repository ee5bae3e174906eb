package tool

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// GenerateSchema produces a JSON-schema parameter object from a Go
// struct type, using json and jsonschema struct tags.
func GenerateSchema[T any]() json.RawMessage {
	var zero T
	s := jsonschema.Reflect(&zero)
	root := extractRoot(s)

	out := map[string]interface{}{
		"type":       "object",
		"properties": schemaProperties(root),
	}
	if len(root.Required) > 0 {
		out["required"] = root.Required
	}
	b, _ := json.Marshal(out)
	return b
}

// extractRoot resolves the root schema, following $ref into $defs where
// invopop/jsonschema places the actual type.
func extractRoot(s *jsonschema.Schema) *jsonschema.Schema {
	if s.Ref != "" && s.Definitions != nil {
		for _, def := range s.Definitions {
			if def.Type == "object" {
				return def
			}
		}
	}
	return s
}

func schemaProperties(s *jsonschema.Schema) map[string]interface{} {
	if s.Properties == nil {
		return nil
	}
	props := make(map[string]interface{})
	for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
		props[pair.Key] = propertySchema(pair.Value)
	}
	return props
}

func propertySchema(s *jsonschema.Schema) map[string]interface{} {
	m := make(map[string]interface{})
	if s.Type != "" {
		m["type"] = s.Type
	}
	if s.Description != "" {
		m["description"] = s.Description
	}
	if len(s.Enum) > 0 {
		m["enum"] = s.Enum
	}
	// Pointer fields surface as anyOf with a null branch.
	if len(s.AnyOf) > 0 {
		for _, sub := range s.AnyOf {
			if sub.Type != "null" && sub.Type != "" {
				m["type"] = sub.Type
				break
			}
		}
	}
	if s.Properties != nil {
		m["type"] = "object"
		m["properties"] = schemaProperties(s)
		if len(s.Required) > 0 {
			m["required"] = s.Required
		}
	}
	if s.Items != nil {
		m["items"] = propertySchema(s.Items)
	}
	return m
}
