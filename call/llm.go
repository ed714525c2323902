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
	"strings"
	"text/template"

	"trpc.group/trpc-go/trpc-flow-go/model"
)

// llmCall renders a prompt template against the invocation vars and streams
// the chat model's answer as TEXT chunks.
type llmCall struct {
	chat        model.Model
	template    string
	system      string
	temperature *float64
	maxTokens   *int
}

func newLLM(deps Deps, params map[string]any) (Call, error) {
	if deps.Model == nil {
		return nil, errors.New("llm requires a chat model")
	}
	c := &llmCall{chat: deps.Model}
	if t, ok := params["template"].(string); ok {
		c.template = t
	}
	if s, ok := params["system"].(string); ok {
		c.system = s
	}
	if v, ok := params["temperature"].(float64); ok {
		c.temperature = &v
	}
	if v, ok := params["max_tokens"].(float64); ok {
		n := int(v)
		c.maxTokens = &n
	}
	if c.template == "" {
		c.template = "{{.Question}}"
	}
	return c, nil
}

// Declaration implements Call.
func (c *llmCall) Declaration() *Declaration {
	return &Declaration{
		Name:        IDLLM,
		Description: "render a prompt template and stream the chat model answer",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"prompt"},
			"properties": map[string]any{
				"prompt": map[string]any{"type": "string"},
			},
		},
	}
}

// Init renders the template with the vars. A malformed template is a
// recoverable call failure, not a crash.
func (c *llmCall) Init(_ context.Context, vars *Vars) (map[string]any, error) {
	tmpl, err := template.New("prompt").Parse(c.template)
	if err != nil {
		return nil, NewError("llm: malformed prompt template: "+err.Error(), map[string]any{"template": c.template})
	}
	var buf strings.Builder
	if err := tmpl.Execute(&buf, vars); err != nil {
		return nil, NewError("llm: prompt template execution failed: "+err.Error(), map[string]any{"template": c.template})
	}
	return map[string]any{"prompt": buf.String()}, nil
}

// Exec implements Call.
func (c *llmCall) Exec(ctx context.Context, input map[string]any) (<-chan Chunk, error) {
	prompt, _ := input["prompt"].(string)
	if prompt == "" {
		return nil, NewError("llm: empty prompt", input)
	}
	var messages []model.Message
	if c.system != "" {
		messages = append(messages, model.NewSystemMessage(c.system))
	}
	messages = append(messages, model.NewUserMessage(prompt))

	responses, err := c.chat.GenerateContent(ctx, &model.Request{
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, NewError("llm: "+err.Error(), nil)
	}
	ch := make(chan Chunk, 16)
	go forwardModelResponses(ctx, responses, ch)
	return ch, nil
}
