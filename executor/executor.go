//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package executor drives task execution: the step executor runs one call
// within a flow, the flow executor walks a step graph, and the QA executor
// answers direct-chat turns. All of them mutate the task's checkpoint and
// history through the invocation, never by raising past their boundary.
package executor

import (
	"context"
	"fmt"

	"trpc.group/trpc-go/trpc-flow-go/call"
	"trpc.group/trpc-go/trpc-flow-go/event"
	"trpc.group/trpc-go/trpc-flow-go/task"
)

// Executor advances one task to a terminal or waiting state. The outcome is
// recorded in the task's checkpoint; a returned error means a fatal
// configuration or infrastructure failure, never a recoverable call failure.
type Executor interface {
	// Name identifies the executor in checkpoints and logs.
	Name() string
	// Execute runs the task until it succeeds, fails, pauses or is cancelled.
	Execute(ctx context.Context, inv *Invocation) error
}

// Invocation is the per-run bundle every executor works against: the task
// and its history plus the store and event emitter collaborators.
type Invocation struct {
	// Task is the unit of work, carrying runtime and checkpoint.
	Task *task.Task
	// History is the ordered step log, flushed to the store between steps.
	History []*task.HistoryEntry
	// Store persists task and history; nil disables persistence (tests).
	Store task.Store
	// Emitter receives engine events; nil disables emission.
	Emitter *event.Emitter
	// FlowID is the flow definition id for flow-typed runs.
	FlowID string
	// Language is the active response language.
	Language string
}

// Flush persists the task and history synchronously. Mutations performed by
// one step must be durably visible before the next step begins.
func (inv *Invocation) Flush(ctx context.Context) error {
	if inv.Store == nil {
		return nil
	}
	inv.Task.Runtime.Touch()
	if err := inv.Store.SaveTask(ctx, inv.Task.ID, inv.Task); err != nil {
		return fmt.Errorf("flush task %s: %w", inv.Task.ID, err)
	}
	if err := inv.Store.SaveHistory(ctx, inv.Task.ID, inv.History); err != nil {
		return fmt.Errorf("flush history %s: %w", inv.Task.ID, err)
	}
	return nil
}

// Emit pushes an engine event, dropping it when no emitter is wired.
func (inv *Invocation) Emit(ctx context.Context, e *event.Event) {
	if inv.Emitter == nil || e == nil {
		return
	}
	_ = inv.Emitter.Emit(ctx, e)
}

// Vars assembles the read-only system-variables bundle for one call
// invocation from the task and the history so far.
func (inv *Invocation) Vars() *call.Vars {
	rt := inv.Task.Runtime
	history := make(map[string]any, len(inv.History))
	order := make([]string, 0, len(inv.History))
	for _, entry := range inv.History {
		if _, seen := history[entry.StepID]; !seen {
			order = append(order, entry.StepID)
		}
		history[entry.StepID] = entry.Output
	}
	return &call.Vars{
		ContextSummary: rt.Reasoning,
		Question:       rt.Question,
		History:        history,
		HistoryOrder:   order,
		TaskID:         inv.Task.ID,
		FlowID:         inv.FlowID,
		SessionID:      inv.Task.SessionID,
		AppID:          inv.Task.AppID,
		UserID:         inv.Task.UserID,
		Language:       inv.Language,
	}
}
