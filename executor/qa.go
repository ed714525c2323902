//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package executor

import (
	"context"

	"trpc.group/trpc-go/trpc-flow-go/call"
	"trpc.group/trpc-go/trpc-flow-go/task"
	"trpc.group/trpc-go/trpc-flow-go/telemetry"
)

const qaExecutorName = "qa_executor"

// QAExecutor answers a direct-chat turn: one user-visible LLM step assembled
// from the task's question and context, no graph.
type QAExecutor struct {
	steps  *StepExecutor
	system string
}

// NewQAExecutor creates a QA executor. system optionally sets the system
// prompt for the answering model.
func NewQAExecutor(steps *StepExecutor, system string) *QAExecutor {
	return &QAExecutor{steps: steps, system: system}
}

// Name implements Executor.
func (e *QAExecutor) Name() string {
	return qaExecutorName
}

// Execute implements Executor.
func (e *QAExecutor) Execute(ctx context.Context, inv *Invocation) error {
	ctx, span := telemetry.Tracer.Start(ctx, "qa.execute")
	defer span.End()
	span.SetAttributes(telemetry.KeyTaskID.String(inv.Task.ID))

	cp := inv.Task.Checkpoint
	if cp == nil {
		cp = task.NewCheckpoint(qaExecutorName)
		inv.Task.Checkpoint = cp
	}
	cp.ExecutorStatus = task.ExecutorStatusRunning

	params := map[string]any{
		"template": "{{if .ContextSummary}}Context: {{.ContextSummary}}\n\n{{end}}{{.Question}}",
	}
	if e.system != "" {
		params["system"] = e.system
	}
	result, err := e.steps.Run(ctx, inv, &Step{
		ID:          "qa",
		Name:        "answer",
		CallID:      call.IDLLM,
		Params:      params,
		UserVisible: true,
	})
	if err != nil {
		cp.ExecutorStatus = task.ExecutorStatusError
		return err
	}
	switch result.Status {
	case task.StepStatusSuccess:
		cp.ExecutorStatus = task.ExecutorStatusSuccess
	case task.StepStatusCancelled:
		cp.ExecutorStatus = task.ExecutorStatusCancelled
	default:
		cp.ExecutorStatus = task.ExecutorStatusError
	}
	return nil
}
