//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package slot reconciles candidate argument objects against a JSON schema.
// It reports the still-unsatisfied part of the schema as a flat
// JSON-Pointer keyed remaining-schema, converts patch-style loose updates
// into well-formed nested objects, and generates example instances.
package slot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

func init() {
	gojsonschema.FormatCheckers.Add("date", dateFormatChecker{})
	gojsonschema.FormatCheckers.Add("timestamp", timestampFormatChecker{})
}

// dateFormatChecker accepts YYYY-MM-DD strings.
type dateFormatChecker struct{}

// IsFormat implements gojsonschema.FormatChecker.
func (dateFormatChecker) IsFormat(input any) bool {
	s, ok := input.(string)
	if !ok {
		return false
	}
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

// timestampFormatChecker accepts RFC3339 strings and non-negative unix epochs.
type timestampFormatChecker struct{}

// IsFormat implements gojsonschema.FormatChecker.
func (timestampFormatChecker) IsFormat(input any) bool {
	switch v := input.(type) {
	case string:
		_, err := time.Parse(time.RFC3339, v)
		return err == nil
	case float64:
		return v >= 0
	case int:
		return v >= 0
	case int64:
		return v >= 0
	default:
		return false
	}
}

// Slot validates and fills argument objects for one Call input schema.
type Slot struct {
	schema   map[string]any
	compiled *gojsonschema.Schema
}

// New compiles schema into a Slot. A malformed schema fails fast here so
// that a broken Call definition rejects engine startup instead of failing
// at execution time.
func New(schema map[string]any) (*Slot, error) {
	if schema == nil {
		return nil, fmt.Errorf("slot: schema cannot be nil")
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("slot: malformed schema: %w", err)
	}
	return &Slot{schema: schema, compiled: compiled}, nil
}

// Schema returns the raw schema document the slot was built from.
func (s *Slot) Schema() map[string]any {
	return s.schema
}

// Remaining maps JSON-Pointer paths to the sub-schema of each unsatisfied
// field. An empty Remaining means the candidate fully satisfies the schema.
type Remaining map[string]map[string]any

// Empty reports whether the candidate was fully satisfied.
func (r Remaining) Empty() bool {
	return len(r) == 0
}

// Schema renders the remaining fields as a JSON-Schema-shaped object:
// {"properties": {pointer: sub-schema, ...}}, or {} when empty.
func (r Remaining) Schema() map[string]any {
	if r.Empty() {
		return map[string]any{}
	}
	props := make(map[string]any, len(r))
	for path, sub := range r {
		props[path] = sub
	}
	return map[string]any{"properties": props}
}

// CheckJSON validates candidate against the slot schema. Every validation
// error is stripped down to the minimal offending sub-schema keyed by its
// JSON-Pointer location; required-property errors point directly at the
// missing property's own sub-schema. A nil candidate is treated as empty.
func (s *Slot) CheckJSON(candidate map[string]any) (Remaining, error) {
	if candidate == nil {
		candidate = map[string]any{}
	}
	result, err := s.compiled.Validate(gojsonschema.NewGoLoader(candidate))
	if err != nil {
		return nil, &ParseError{Op: "check", Err: err}
	}

	remaining := Remaining{}
	for _, desc := range result.Errors() {
		pointer := fieldToPointer(desc.Field())
		if desc.Type() == "required" {
			// Point at the missing property itself, not its parent object.
			if prop, ok := desc.Details()["property"].(string); ok {
				pointer = pointer + "/" + escapePointerSegment(prop)
			}
		}
		remaining[pointer] = s.minimalSubSchema(pointer, desc.Description())
	}
	return remaining, nil
}

// minimalSubSchema returns a copy of the sub-schema at pointer with a
// default value injected when the schema declares none. When the pointer
// cannot be resolved in the schema the error description is preserved.
func (s *Slot) minimalSubSchema(pointer, description string) map[string]any {
	sub, ok := s.subSchemaAt(pointer)
	if !ok {
		return map[string]any{"description": description}
	}
	out := make(map[string]any, len(sub)+1)
	for k, v := range sub {
		out[k] = v
	}
	if _, ok := out["default"]; !ok {
		out["default"] = GenerateExample(sub)
	}
	return out
}

// subSchemaAt walks the schema document along a JSON-Pointer path through
// "properties" and "items" keywords.
func (s *Slot) subSchemaAt(pointer string) (map[string]any, bool) {
	node := s.schema
	if pointer == "" {
		return node, true
	}
	for _, seg := range splitPointer(pointer) {
		if props, ok := node["properties"].(map[string]any); ok {
			if child, ok := props[seg].(map[string]any); ok {
				node = child
				continue
			}
		}
		if _, err := strconv.Atoi(seg); err == nil {
			if items, ok := node["items"].(map[string]any); ok {
				node = items
				continue
			}
		}
		return nil, false
	}
	return node, true
}

// fieldToPointer converts a gojsonschema field path ("(root)", "a.b.0")
// into a JSON-Pointer ("", "/a/b/0").
func fieldToPointer(field string) string {
	if field == "" || field == gojsonschema.STRING_CONTEXT_ROOT || field == "(root)" {
		return ""
	}
	segs := strings.Split(field, ".")
	for i, seg := range segs {
		segs[i] = escapePointerSegment(seg)
	}
	return "/" + strings.Join(segs, "/")
}

// splitPointer splits a JSON-Pointer into unescaped segments.
func splitPointer(pointer string) []string {
	trimmed := strings.TrimPrefix(pointer, "/")
	if trimmed == "" {
		return nil
	}
	segs := strings.Split(trimmed, "/")
	for i, seg := range segs {
		seg = strings.ReplaceAll(seg, "~1", "/")
		segs[i] = strings.ReplaceAll(seg, "~0", "~")
	}
	return segs
}

// escapePointerSegment escapes a single JSON-Pointer segment per RFC 6901.
func escapePointerSegment(seg string) string {
	seg = strings.ReplaceAll(seg, "~", "~0")
	return strings.ReplaceAll(seg, "/", "~1")
}

// ParseError reports malformed candidate data handed to a slot operation.
type ParseError struct {
	// Op is the operation that failed: "check" or "convert".
	Op string
	// Path is the JSON-Pointer path being applied, when applicable.
	Path string
	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("slot: %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("slot: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ParseError) Unwrap() error {
	return e.Err
}
