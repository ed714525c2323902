//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package slot

// GenerateExample produces a type-appropriate placeholder instance for a
// schema node: declared defaults and const values win, otherwise the zero
// value of the declared type with nested structures filled recursively.
func GenerateExample(schemaNode map[string]any) any {
	if schemaNode == nil {
		return nil
	}
	if v, ok := schemaNode["default"]; ok {
		return v
	}
	if v, ok := schemaNode["const"]; ok {
		return v
	}

	switch schemaType(schemaNode) {
	case "string":
		return ""
	case "number":
		return 0.0
	case "integer":
		return 0
	case "boolean":
		return false
	case "array":
		return []any{}
	case "object":
		out := map[string]any{}
		props, _ := schemaNode["properties"].(map[string]any)
		for name, raw := range props {
			if sub, ok := raw.(map[string]any); ok {
				out[name] = GenerateExample(sub)
			}
		}
		return out
	case "null":
		return nil
	default:
		// No declared type: objects are the common case for call inputs.
		if _, ok := schemaNode["properties"]; ok {
			return GenerateExample(withType(schemaNode, "object"))
		}
		return nil
	}
}

// schemaType extracts the declared type, taking the first entry of a
// multi-type declaration.
func schemaType(node map[string]any) string {
	switch t := node["type"].(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			if s, ok := t[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

// withType returns a shallow copy of node with the given type set.
func withType(node map[string]any, typ string) map[string]any {
	out := make(map[string]any, len(node)+1)
	for k, v := range node {
		out[k] = v
	}
	out["type"] = typ
	return out
}
