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

// emptyCall is the no-op builtin. It records its parameters as input and
// yields nothing.
type emptyCall struct {
	params map[string]any
}

func newEmpty(_ Deps, params map[string]any) (Call, error) {
	return &emptyCall{params: params}, nil
}

// Declaration implements Call.
func (c *emptyCall) Declaration() *Declaration {
	return &Declaration{Name: IDEmpty, Description: "no-op placeholder step"}
}

// Init implements Call.
func (c *emptyCall) Init(_ context.Context, _ *Vars) (map[string]any, error) {
	if c.params == nil {
		return map[string]any{}, nil
	}
	return c.params, nil
}

// Exec implements Call.
func (c *emptyCall) Exec(_ context.Context, _ map[string]any) (<-chan Chunk, error) {
	ch := make(chan Chunk)
	close(ch)
	return ch, nil
}

const summarizePrompt = `Condense the conversation below into a short context summary.
Keep concrete entities, decisions and unresolved points. Answer in %s.

Previous summary:
%s

Steps so far:
%s

Latest question:
%s`

// summarizeContextCall condenses the accumulated history into a fresh context
// summary using the chat model.
type summarizeContextCall struct {
	chat model.Model
}

func newSummarizeContext(deps Deps, _ map[string]any) (Call, error) {
	if deps.Model == nil {
		return nil, errors.New("summarize_context requires a chat model")
	}
	return &summarizeContextCall{chat: deps.Model}, nil
}

// Declaration implements Call.
func (c *summarizeContextCall) Declaration() *Declaration {
	return &Declaration{Name: IDSummarizeContext, Description: "condense conversation history into a context summary"}
}

// Init implements Call.
func (c *summarizeContextCall) Init(_ context.Context, vars *Vars) (map[string]any, error) {
	language := vars.Language
	if language == "" {
		language = "the user's language"
	}
	return map[string]any{
		"prompt": fmt.Sprintf(summarizePrompt, language, vars.ContextSummary, vars.HistoryText(), vars.Question),
	}, nil
}

// Exec implements Call.
func (c *summarizeContextCall) Exec(ctx context.Context, input map[string]any) (<-chan Chunk, error) {
	prompt, _ := input["prompt"].(string)
	if prompt == "" {
		return nil, NewError("summarize_context: empty prompt", input)
	}
	responses, err := c.chat.GenerateContent(ctx, &model.Request{
		Messages: []model.Message{model.NewUserMessage(prompt)},
	})
	if err != nil {
		return nil, NewError("summarize_context: "+err.Error(), nil)
	}
	ch := make(chan Chunk, 1)
	go forwardModelResponses(ctx, responses, ch)
	return ch, nil
}

var factsSchema = map[string]any{
	"type":     "object",
	"required": []any{"facts"},
	"properties": map[string]any{
		"facts": map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		},
	},
}

// extractFactsCall pulls durable memory items out of the conversation via
// structured generation. Extracted facts reach the runtime only through
// AfterExec, so a failed step never persists them.
type extractFactsCall struct {
	gen   model.StructuredGenerator
	sink  func(facts []string)
	facts []string
}

func newExtractFacts(deps Deps, _ map[string]any) (Call, error) {
	if deps.Structured == nil {
		return nil, errors.New("extract_facts requires a structured generator")
	}
	return &extractFactsCall{gen: deps.Structured, sink: deps.FactsSink}, nil
}

// Declaration implements Call.
func (c *extractFactsCall) Declaration() *Declaration {
	return &Declaration{
		Name:        IDExtractFacts,
		Description: "extract durable facts from the conversation",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{"type": "string"},
				"history":  map[string]any{"type": "string"},
			},
		},
	}
}

// Init implements Call.
func (c *extractFactsCall) Init(_ context.Context, vars *Vars) (map[string]any, error) {
	return map[string]any{
		"question": vars.Question,
		"history":  vars.HistoryText(),
	}, nil
}

// Exec implements Call.
func (c *extractFactsCall) Exec(ctx context.Context, input map[string]any) (<-chan Chunk, error) {
	prompt := fmt.Sprintf(
		"Extract standalone facts worth remembering from this exchange.\n\nSteps:\n%v\n\nQuestion: %v",
		input["history"], input["question"],
	)
	out, err := c.gen.GenerateStructured(ctx, &model.Request{
		Messages: []model.Message{model.NewUserMessage(prompt)},
	}, factsSchema)
	if err != nil {
		return nil, NewError("extract_facts: "+err.Error(), nil)
	}
	// A fresh slice per run: the sink keeps what it was handed, so a reused
	// backing array would rewrite facts it already received.
	var facts []string
	if raw, ok := out["facts"].([]any); ok {
		for _, f := range raw {
			if s, ok := f.(string); ok && s != "" {
				facts = append(facts, s)
			}
		}
	}
	c.facts = facts
	ch := make(chan Chunk, 1)
	go emitAll(ctx, ch, Chunk{Type: ChunkTypeData, Data: map[string]any{"facts": facts}})
	return ch, nil
}

// AfterExec implements AfterExecutor: facts are handed to the sink only after
// the step succeeded.
func (c *extractFactsCall) AfterExec(_ context.Context, _ map[string]any) error {
	if c.sink != nil && len(c.facts) > 0 {
		c.sink(c.facts)
	}
	return nil
}

// forwardModelResponses converts a model response stream into chunks: deltas
// become TEXT chunks, the final response carries usage, a response error ends
// the stream with a recoverable call error.
func forwardModelResponses(ctx context.Context, responses <-chan *model.Response, ch chan<- Chunk) {
	defer close(ch)
	send := func(c Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	sentText := false
	for rsp := range responses {
		if rsp == nil {
			continue
		}
		if rsp.Error != nil {
			send(Chunk{Err: NewError(rsp.Error.Message, nil)})
			return
		}
		if rsp.Delta != "" {
			if !send(Chunk{Type: ChunkTypeText, Text: rsp.Delta}) {
				return
			}
			sentText = true
		}
		if rsp.Done {
			if !sentText && rsp.Message.Content != "" {
				// Non-streaming models deliver the whole answer at once.
				if !send(Chunk{Type: ChunkTypeText, Text: rsp.Message.Content}) {
					return
				}
			}
			if rsp.Usage != nil {
				send(Chunk{Type: ChunkTypeText, Usage: rsp.Usage})
			}
			return
		}
	}
}
