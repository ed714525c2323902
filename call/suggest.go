//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package call

import (
	"context"
	"errors"
	"fmt"

	"trpc.group/trpc-go/trpc-flow-go/model"
)

var suggestSchema = map[string]any{
	"type":     "object",
	"required": []any{"suggestions"},
	"properties": map[string]any{
		"suggestions": map[string]any{
			"type":     "array",
			"items":    map[string]any{"type": "string"},
			"maxItems": 5,
		},
	},
}

// suggestCall proposes follow-up questions for the user based on the answer
// so far.
type suggestCall struct {
	gen model.StructuredGenerator
	max int
}

func newSuggest(deps Deps, params map[string]any) (Call, error) {
	if deps.Structured == nil {
		return nil, errors.New("suggest requires a structured generator")
	}
	c := &suggestCall{gen: deps.Structured, max: 3}
	if v, ok := params["count"].(float64); ok && v > 0 {
		c.max = int(v)
	}
	return c, nil
}

// Declaration implements Call.
func (c *suggestCall) Declaration() *Declaration {
	return &Declaration{Name: IDSuggest, Description: "propose follow-up questions"}
}

// Init implements Call.
func (c *suggestCall) Init(_ context.Context, vars *Vars) (map[string]any, error) {
	return map[string]any{
		"question": vars.Question,
		"context":  vars.ContextSummary,
		"language": vars.Language,
	}, nil
}

// Exec implements Call.
func (c *suggestCall) Exec(ctx context.Context, input map[string]any) (<-chan Chunk, error) {
	prompt := fmt.Sprintf(
		"Suggest up to %d short follow-up questions the user may ask next.\n\nContext: %v\nLatest question: %v\nAnswer in %v.",
		c.max, input["context"], input["question"], input["language"],
	)
	out, err := c.gen.GenerateStructured(ctx, &model.Request{
		Messages: []model.Message{model.NewUserMessage(prompt)},
	}, suggestSchema)
	if err != nil {
		return nil, NewError("suggest: "+err.Error(), nil)
	}
	suggestions := make([]string, 0, c.max)
	if raw, ok := out["suggestions"].([]any); ok {
		for _, s := range raw {
			if str, ok := s.(string); ok && str != "" && len(suggestions) < c.max {
				suggestions = append(suggestions, str)
			}
		}
	}
	ch := make(chan Chunk, 1)
	go emitAll(ctx, ch, Chunk{Type: ChunkTypeData, Data: map[string]any{"suggestions": suggestions}})
	return ch, nil
}
