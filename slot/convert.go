//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package slot

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// ConvertJSON turns a loosely-typed patch-style update into a well-formed
// nested object. Keys that are literal JSON-Pointer paths (starting with
// "/") become an ordered list of add-operations, shallow paths first;
// ordinary keys are merged directly. Missing intermediate objects and array
// elements are auto-created using schema-derived default values, retrying
// progressively shorter prefixes before giving up.
func (s *Slot) ConvertJSON(raw map[string]any) (map[string]any, error) {
	doc := make(map[string]any)
	var pointers []string
	for k, v := range raw {
		if strings.HasPrefix(k, "/") {
			pointers = append(pointers, k)
			continue
		}
		doc[k] = v
	}
	sort.Slice(pointers, func(i, j int) bool {
		di, dj := len(splitPointer(pointers[i])), len(splitPointer(pointers[j]))
		if di != dj {
			return di < dj
		}
		return pointers[i] < pointers[j]
	})

	buf, err := json.Marshal(doc)
	if err != nil {
		return nil, &ParseError{Op: "convert", Err: err}
	}
	for _, pointer := range pointers {
		buf, err = s.applyAdd(buf, pointer, raw[pointer], creationBudget(pointer))
		if err != nil {
			return nil, err
		}
	}

	var out map[string]any
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, &ParseError{Op: "convert", Err: err}
	}
	return out, nil
}

// creationBudget bounds intermediate-node creation for one pointer: one per
// path segment plus one per array element that may need appending.
func creationBudget(pointer string) int {
	segs := splitPointer(pointer)
	budget := len(segs)
	for _, seg := range segs {
		if n, err := strconv.Atoi(seg); err == nil && n >= 0 {
			budget += n + 1
		}
	}
	return budget
}

// applyAdd applies one add-operation, creating missing intermediate nodes
// from the deepest prefix downward when the direct application fails.
func (s *Slot) applyAdd(doc []byte, path string, value any, budget int) ([]byte, error) {
	out, err := applyAddOp(doc, path, value)
	if err == nil {
		return out, nil
	}
	if budget <= 0 {
		return nil, &ParseError{Op: "convert", Path: path, Err: err}
	}
	segs := splitPointer(path)
	for end := len(segs) - 1; end >= 1; end-- {
		prefix := joinPointer(segs[:end])
		if created, cerr := s.createAt(doc, prefix, segs[end]); cerr == nil {
			return s.applyAdd(created, path, value, budget-1)
		}
	}
	return nil, &ParseError{Op: "convert", Path: path, Err: err}
}

// createAt creates the intermediate node at pointer. Array elements are
// appended rather than addressed by index, so sparse indices fill up one
// element at a time.
func (s *Slot) createAt(doc []byte, pointer, nextSeg string) ([]byte, error) {
	stub := s.stubAt(pointer, nextSeg)
	segs := splitPointer(pointer)
	last := segs[len(segs)-1]
	if _, err := strconv.Atoi(last); err == nil {
		parent := joinPointer(segs[:len(segs)-1])
		return applyAddOp(doc, parent+"/-", stub)
	}
	return applyAddOp(doc, pointer, stub)
}

// stubAt derives a default value for the node at pointer: the schema's
// example when the pointer resolves, otherwise a container guessed from the
// following path segment.
func (s *Slot) stubAt(pointer, nextSeg string) any {
	if sub, ok := s.subSchemaAt(pointer); ok {
		return GenerateExample(sub)
	}
	if _, err := strconv.Atoi(nextSeg); err == nil {
		return []any{}
	}
	return map[string]any{}
}

// applyAddOp applies a single RFC 6902 add-operation to doc.
func applyAddOp(doc []byte, path string, value any) ([]byte, error) {
	ops := []map[string]any{{"op": "add", "path": path, "value": value}}
	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, err
	}
	return patch.Apply(doc)
}

// joinPointer assembles escaped segments back into a JSON-Pointer.
func joinPointer(segs []string) string {
	escaped := make([]string, len(segs))
	for i, seg := range segs {
		escaped[i] = escapePointerSegment(seg)
	}
	return "/" + strings.Join(escaped, "/")
}
