//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package llm implements the model-backed agent planner. Every decision of
// the tool-calling loop is one model round-trip: pick the next tool, phrase a
// confirmation prompt, classify a failure, or stream the final answer.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"trpc.group/trpc-go/trpc-flow-go/agent"
	"trpc.group/trpc-go/trpc-flow-go/log"
	"trpc.group/trpc-go/trpc-flow-go/model"
	"trpc.group/trpc-go/trpc-flow-go/task"
	"trpc.group/trpc-go/trpc-flow-go/tool"
)

// Verify that Planner implements the agent planner contract.
var _ agent.Planner = (*Planner)(nil)

const defaultRepairAttempts = 2

// nextStepSchema constrains the planner's tool decision.
var nextStepSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"tool": map[string]any{
			"type":        "string",
			"description": "name of the tool to call next, or \"" + agent.FinalToolName + "\" to finish",
		},
		"description": map[string]any{
			"type":        "string",
			"description": "one sentence stating what this step achieves",
		},
		"input": map[string]any{
			"type":        "object",
			"description": "argument object for the tool, matching its input schema",
		},
	},
	"required": []any{"tool"},
}

// paramErrorSchema constrains the failure classification.
var paramErrorSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"is_param_error": map[string]any{
			"type":        "boolean",
			"description": "true when the failure is caused by missing or wrong arguments",
		},
	},
	"required": []any{"is_param_error"},
}

// Planner decides agent steps with a chat model. A structured generator is
// used for decisions when wired; otherwise the chat output is parsed with a
// bounded repair pass tolerating code fences and surrounding prose.
type Planner struct {
	chat        model.Model
	structured  model.StructuredGenerator
	temperature *float64
	repairs     int
}

// Option configures the Planner.
type Option func(*Planner)

// WithStructuredGenerator wires native structured outputs for decisions.
func WithStructuredGenerator(g model.StructuredGenerator) Option {
	return func(p *Planner) {
		p.structured = g
	}
}

// WithTemperature sets the sampling temperature for planning calls.
func WithTemperature(t float64) Option {
	return func(p *Planner) {
		p.temperature = &t
	}
}

// WithRepairAttempts bounds how often an unparseable chat decision is
// re-requested before failing (default: 2).
func WithRepairAttempts(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.repairs = n
		}
	}
}

// New creates a model-backed planner.
func New(chat model.Model, opts ...Option) *Planner {
	p := &Planner{
		chat:    chat,
		repairs: defaultRepairAttempts,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreateNextStep implements agent.Planner.
func (p *Planner) CreateNextStep(ctx context.Context, question string,
	history []*task.HistoryEntry, tools []*tool.Descriptor) (*agent.NextStep, error) {
	prompt := buildNextStepPrompt(question, history, tools)
	obj, err := p.decide(ctx, prompt, nextStepSchema)
	if err != nil {
		return nil, fmt.Errorf("plan next step: %w", err)
	}
	next := &agent.NextStep{}
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("plan next step: %w", err)
	}
	if err := json.Unmarshal(raw, next); err != nil {
		return nil, fmt.Errorf("plan next step: %w", err)
	}
	return next, nil
}

// GetToolRisk implements agent.Planner.
func (p *Planner) GetToolRisk(ctx context.Context, t *tool.Descriptor,
	input map[string]any) (string, error) {
	args, _ := json.Marshal(input)
	prompt := strings.Join([]string{
		"A tool call is about to run and the user must confirm it first.",
		"Write ONE short sentence telling the user what the call will do and",
		"asking for confirmation. Answer with the sentence only.",
		"",
		"Tool: " + t.Name,
		"Purpose: " + t.Description,
		"Arguments: " + string(args),
	}, "\n")
	text, err := p.complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("phrase confirmation for %s: %w", t.Name, err)
	}
	return strings.TrimSpace(text), nil
}

// GetMissingParam implements agent.Planner.
func (p *Planner) GetMissingParam(ctx context.Context, t *tool.Descriptor,
	input map[string]any, errMsg string) (map[string]any, error) {
	args, _ := json.Marshal(input)
	schema, _ := json.Marshal(t.InputSchema)
	prompt := strings.Join([]string{
		"A tool call failed because arguments were missing or wrong.",
		"Return a JSON object mapping each missing or wrong parameter name to",
		"a short question that asks the user for its value.",
		"",
		"Tool: " + t.Name,
		"Input schema: " + string(schema),
		"Arguments sent: " + string(args),
		"Error: " + errMsg,
	}, "\n")
	obj, err := p.decide(ctx, prompt, map[string]any{"type": "object"})
	if err != nil {
		return nil, fmt.Errorf("describe missing params for %s: %w", t.Name, err)
	}
	return obj, nil
}

// IsParamError implements agent.Planner.
func (p *Planner) IsParamError(ctx context.Context, history []*task.HistoryEntry,
	errMsg string, t *tool.Descriptor, input map[string]any) (bool, error) {
	args, _ := json.Marshal(input)
	prompt := strings.Join([]string{
		"Classify the following tool failure.",
		"It is a parameter error when correcting the arguments could fix it,",
		"for example a missing required field or a malformed value. Transport",
		"faults, timeouts and server-side errors are not parameter errors.",
		"",
		"Tool: " + t.Name,
		"Arguments sent: " + string(args),
		"Error: " + errMsg,
		"",
		historyDigest(history),
	}, "\n")
	obj, err := p.decide(ctx, prompt, paramErrorSchema)
	if err != nil {
		return false, fmt.Errorf("classify failure of %s: %w", t.Name, err)
	}
	isParam, _ := obj["is_param_error"].(bool)
	return isParam, nil
}

// GenerateAnswer implements agent.Planner. The answer streams as it is
// produced; the channel closes when the model finishes.
func (p *Planner) GenerateAnswer(ctx context.Context, question string,
	history []*task.HistoryEntry) (<-chan string, error) {
	prompt := strings.Join([]string{
		"Answer the user's question using the tool results below.",
		"Answer directly, do not describe the steps that were taken.",
		"If the results are insufficient, say so and answer as far as possible.",
		"",
		"Question: " + question,
		"",
		historyDigest(history),
	}, "\n")
	responses, err := p.chat.GenerateContent(ctx, &model.Request{
		Messages:    []model.Message{model.NewUserMessage(prompt)},
		Temperature: p.temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}
	out := make(chan string)
	go func() {
		defer close(out)
		sentDelta := false
		for rsp := range responses {
			if rsp.Error != nil {
				log.Warnf("answer stream failed: %s", rsp.Error.Message)
				return
			}
			if rsp.Delta != "" {
				sentDelta = true
				select {
				case out <- rsp.Delta:
				case <-ctx.Done():
					return
				}
			}
			if rsp.Done && !sentDelta && rsp.Message.Content != "" {
				select {
				case out <- rsp.Message.Content:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return out, nil
}

// decide obtains one schema-shaped decision. With a structured generator the
// schema is enforced natively; otherwise the chat output is parsed, retrying
// a bounded number of times when the model returns ill-formed JSON.
func (p *Planner) decide(ctx context.Context, prompt string,
	schema map[string]any) (map[string]any, error) {
	req := &model.Request{
		Messages:    []model.Message{model.NewUserMessage(prompt)},
		Temperature: p.temperature,
	}
	if p.structured != nil {
		return p.structured.GenerateStructured(ctx, req, schema)
	}
	raw, _ := json.Marshal(schema)
	jsonPrompt := prompt + "\n\nAnswer with a single JSON object matching this schema, no other text:\n" + string(raw)
	var lastErr error
	for attempt := 0; attempt <= p.repairs; attempt++ {
		text, err := p.complete(ctx, jsonPrompt)
		if err != nil {
			return nil, err
		}
		obj, err := parseObject(text)
		if err == nil {
			return obj, nil
		}
		lastErr = err
		log.Warnf("decision was not valid JSON (attempt %d): %v", attempt+1, err)
	}
	return nil, fmt.Errorf("model kept returning ill-formed JSON: %w", lastErr)
}

// complete runs one non-streaming chat turn and returns the full text.
func (p *Planner) complete(ctx context.Context, prompt string) (string, error) {
	responses, err := p.chat.GenerateContent(ctx, &model.Request{
		Messages:    []model.Message{model.NewUserMessage(prompt)},
		Temperature: p.temperature,
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for rsp := range responses {
		if rsp.Error != nil {
			return "", errors.New(rsp.Error.Message)
		}
		if rsp.Delta != "" {
			sb.WriteString(rsp.Delta)
			continue
		}
		if rsp.Done && sb.Len() == 0 {
			sb.WriteString(rsp.Message.Content)
		}
	}
	return sb.String(), nil
}

// parseObject extracts the JSON object from model output, tolerating code
// fences and prose around the object.
func parseObject(text string) (map[string]any, error) {
	candidate := strings.TrimSpace(text)
	if start := strings.Index(candidate, "```"); start >= 0 {
		candidate = candidate[start+3:]
		candidate = strings.TrimPrefix(candidate, "json")
		if end := strings.Index(candidate, "```"); end >= 0 {
			candidate = candidate[:end]
		}
		candidate = strings.TrimSpace(candidate)
	}
	if first := strings.Index(candidate, "{"); first > 0 {
		candidate = candidate[first:]
	}
	if last := strings.LastIndex(candidate, "}"); last >= 0 && last < len(candidate)-1 {
		candidate = candidate[:last+1]
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return nil, fmt.Errorf("parse model JSON: %w", err)
	}
	return obj, nil
}

// buildNextStepPrompt assembles the planning context: question, tool catalog
// and the digest of steps taken so far.
func buildNextStepPrompt(question string, history []*task.HistoryEntry,
	tools []*tool.Descriptor) string {
	var catalog strings.Builder
	for _, t := range tools {
		catalog.WriteString("- " + t.Name)
		if t.Description != "" {
			catalog.WriteString(": " + t.Description)
		}
		if t.InputSchema != nil {
			if raw, err := json.Marshal(t.InputSchema); err == nil {
				catalog.WriteString("\n  input schema: " + string(raw))
			}
		}
		catalog.WriteString("\n")
	}
	return strings.Join([]string{
		"You solve the user's question step by step by calling tools.",
		"Pick exactly ONE next step. Choose the tool \"" + agent.FinalToolName + "\"",
		"when the collected results already answer the question, when no tool",
		"can help, or when further calls would repeat previous failures.",
		"",
		"Question: " + question,
		"",
		"Available tools:",
		catalog.String(),
		historyDigest(history),
	}, "\n")
}

// historyDigest renders the step log for prompting.
func historyDigest(history []*task.HistoryEntry) string {
	if len(history) == 0 {
		return "No steps have run yet."
	}
	var sb strings.Builder
	sb.WriteString("Steps so far:\n")
	for _, entry := range history {
		sb.WriteString(fmt.Sprintf("- %s [%s]", entry.StepName, entry.Status))
		if entry.Output != nil {
			if raw, err := json.Marshal(entry.Output); err == nil {
				sb.WriteString(" output: " + string(raw))
			}
		}
		if msg, ok := entry.Extra["err_msg"].(string); ok {
			sb.WriteString(" error: " + msg)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
