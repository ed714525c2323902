//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package agent drives the plan-as-you-go tool-calling loop for agent-typed
// tasks: a planner chooses the next tool, the executor invokes it through a
// pooled tool client, and the loop ends at a synthetic final step or a
// configured ceiling.
package agent

import (
	"context"

	"trpc.group/trpc-go/trpc-flow-go/task"
	"trpc.group/trpc-go/trpc-flow-go/tool"
)

// FinalToolName is the synthetic tool the planner selects to end the loop.
// It is appended to every tool list and never invoked against a server.
const FinalToolName = "final"

// NextStep is the planner's decision for one loop iteration.
type NextStep struct {
	// Tool is the name of the tool to call, FinalToolName to finish.
	Tool string `json:"tool"`
	// Description says what this step is meant to achieve.
	Description string `json:"description,omitempty"`
	// Input is the resolved argument object for the tool.
	Input map[string]any `json:"input,omitempty"`
}

// Planner decides what an agent does next. Implementations are typically
// LLM-backed and therefore slow and fallible; the executor retries a bounded
// number of times and falls back to the final step.
type Planner interface {
	// CreateNextStep picks the next tool call given the history so far.
	CreateNextStep(ctx context.Context, question string, history []*task.HistoryEntry,
		tools []*tool.Descriptor) (*NextStep, error)
	// GetToolRisk phrases a confirmation prompt for a pending tool call.
	GetToolRisk(ctx context.Context, t *tool.Descriptor, input map[string]any) (string, error)
	// GetMissingParam describes the parameters a failed call was missing.
	GetMissingParam(ctx context.Context, t *tool.Descriptor, input map[string]any,
		errMsg string) (map[string]any, error)
	// IsParamError classifies a tool failure as parameter-shaped or generic.
	IsParamError(ctx context.Context, history []*task.HistoryEntry, errMsg string,
		t *tool.Descriptor, input map[string]any) (bool, error)
	// GenerateAnswer streams the user-facing final answer from the history.
	GenerateAnswer(ctx context.Context, question string,
		history []*task.HistoryEntry) (<-chan string, error)
}
