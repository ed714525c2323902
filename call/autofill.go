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
	"trpc.group/trpc-go/trpc-flow-go/slot"
)

// AutoFillResult is the DATA payload of an auto-fill run. Remaining is the
// remaining-schema of fields still unsatisfied after filling; an empty
// Remaining means the values fully satisfy the target schema.
type AutoFillResult struct {
	Values    map[string]any `json:"values"`
	Remaining map[string]any `json:"remaining"`
}

// autoFillCall reconciles a partial argument object against a target schema,
// asking the structured generator to supply missing fields from the
// conversation context.
type autoFillCall struct {
	sl      *slot.Slot
	gen     model.StructuredGenerator
	partial map[string]any
	vars    *Vars
}

// NewAutoFill builds an auto-fill call for one target input schema and the
// current partial input. gen may be nil, in which case the call only reports
// what is missing without attempting to fill it.
func NewAutoFill(gen model.StructuredGenerator, schema, partial map[string]any) (Call, error) {
	sl, err := slot.New(schema)
	if err != nil {
		return nil, fmt.Errorf("auto_fill: %w", err)
	}
	return &autoFillCall{sl: sl, gen: gen, partial: partial}, nil
}

func newAutoFillFromParams(deps Deps, params map[string]any) (Call, error) {
	schema, ok := params["schema"].(map[string]any)
	if !ok {
		return nil, errors.New("auto_fill requires a schema parameter")
	}
	partial, _ := params["values"].(map[string]any)
	return NewAutoFill(deps.Structured, schema, partial)
}

// Declaration implements Call.
func (c *autoFillCall) Declaration() *Declaration {
	return &Declaration{
		Name:        IDAutoFill,
		Description: "fill missing call parameters from conversation context",
		InputSchema: c.sl.Schema(),
	}
}

// Init normalizes the partial input, applying any patch-style pointer keys.
func (c *autoFillCall) Init(_ context.Context, vars *Vars) (map[string]any, error) {
	c.vars = vars
	if c.partial == nil {
		return map[string]any{}, nil
	}
	normalized, err := c.sl.ConvertJSON(c.partial)
	if err != nil {
		return nil, NewError("auto_fill: malformed partial input: "+err.Error(), c.partial)
	}
	return normalized, nil
}

// Exec implements Call. The single DATA chunk carries an AutoFillResult.
func (c *autoFillCall) Exec(ctx context.Context, input map[string]any) (<-chan Chunk, error) {
	remaining, err := c.sl.CheckJSON(input)
	if err != nil {
		return nil, NewError("auto_fill: "+err.Error(), input)
	}
	if remaining.Empty() || c.gen == nil {
		return c.emitResult(ctx, input, remaining)
	}

	filled, err := c.generate(ctx, input, remaining)
	if err != nil {
		return nil, err
	}
	remaining, err = c.sl.CheckJSON(filled)
	if err != nil {
		return nil, NewError("auto_fill: "+err.Error(), filled)
	}
	return c.emitResult(ctx, filled, remaining)
}

func (c *autoFillCall) emitResult(ctx context.Context, values map[string]any, remaining slot.Remaining) (<-chan Chunk, error) {
	ch := make(chan Chunk, 1)
	go emitAll(ctx, ch, Chunk{
		Type: ChunkTypeData,
		Data: &AutoFillResult{Values: values, Remaining: remaining.Schema()},
	})
	return ch, nil
}

// generate asks the structured generator for the missing fields and merges
// them into the input. Generated keys are JSON-Pointer paths taken straight
// from the remaining-schema, so ConvertJSON places them.
func (c *autoFillCall) generate(ctx context.Context, input map[string]any, remaining slot.Remaining) (map[string]any, error) {
	question, summary := "", ""
	if c.vars != nil {
		question, summary = c.vars.Question, c.vars.ContextSummary
	}
	prompt := fmt.Sprintf(
		"Fill the missing parameters below from the conversation. Use null for anything truly unknown.\n\nContext: %s\nQuestion: %s\nKnown values: %v",
		summary, question, input,
	)
	out, err := c.gen.GenerateStructured(ctx, &model.Request{
		Messages: []model.Message{model.NewUserMessage(prompt)},
	}, remaining.Schema())
	if err != nil {
		return nil, NewError("auto_fill: generation failed: "+err.Error(), nil)
	}

	merged := make(map[string]any, len(input)+len(out))
	for k, v := range input {
		merged[k] = v
	}
	for k, v := range out {
		if v == nil {
			continue
		}
		merged[k] = v
	}
	filled, err := c.sl.ConvertJSON(merged)
	if err != nil {
		return nil, NewError("auto_fill: generated values unusable: "+err.Error(), out)
	}
	return filled, nil
}
