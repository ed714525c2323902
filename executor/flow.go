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
	"fmt"

	"trpc.group/trpc-go/trpc-flow-go/call"
	"trpc.group/trpc-go/trpc-flow-go/log"
	"trpc.group/trpc-go/trpc-flow-go/task"
	"trpc.group/trpc-go/trpc-flow-go/telemetry"
)

const flowExecutorName = "flow_executor"

// FlowExecutor walks a step graph from its start node to the end node,
// running one step per node. Step errors terminate the run; a PARAM pause
// leaves the executor WAITING at the same node for resumption.
type FlowExecutor struct {
	flow  *Flow
	steps *StepExecutor
}

// NewFlowExecutor creates a flow executor over a validated flow graph.
func NewFlowExecutor(flow *Flow, steps *StepExecutor) (*FlowExecutor, error) {
	if err := flow.Validate(); err != nil {
		return nil, err
	}
	return &FlowExecutor{flow: flow, steps: steps}, nil
}

// Name implements Executor.
func (e *FlowExecutor) Name() string {
	return flowExecutorName
}

// Execute implements Executor.
func (e *FlowExecutor) Execute(ctx context.Context, inv *Invocation) error {
	ctx, span := telemetry.Tracer.Start(ctx, "flow.execute")
	defer span.End()
	span.SetAttributes(telemetry.KeyTaskID.String(inv.Task.ID))

	cp := inv.Task.Checkpoint
	if cp == nil {
		cp = task.NewCheckpoint(flowExecutorName)
		inv.Task.Checkpoint = cp
	}
	cp.FlowID = e.flow.ID
	inv.FlowID = e.flow.ID

	current, err := e.currentNode(cp)
	if err != nil {
		cp.ExecutorStatus = task.ExecutorStatusError
		cp.SetError(err.Error(), nil)
		return err
	}
	cp.ExecutorStatus = task.ExecutorStatusRunning

	for current != EndID {
		if ctx.Err() != nil {
			cp.ExecutorStatus = task.ExecutorStatusCancelled
			return nil
		}
		step, ok := e.flow.Step(current)
		if !ok {
			err := fmt.Errorf("flow %s: checkpointed node %q no longer exists", e.flow.ID, current)
			cp.ExecutorStatus = task.ExecutorStatusError
			cp.SetError(err.Error(), nil)
			return err
		}

		result, err := e.steps.Run(ctx, inv, step)
		if err != nil {
			cp.ExecutorStatus = task.ExecutorStatusError
			return err
		}
		switch result.Status {
		case task.StepStatusParam:
			cp.ExecutorStatus = task.ExecutorStatusWaiting
			log.Infof("flow %s paused at node %s awaiting parameters", e.flow.ID, current)
			return nil
		case task.StepStatusError:
			cp.ExecutorStatus = task.ExecutorStatusError
			return nil
		case task.StepStatusCancelled:
			cp.ExecutorStatus = task.ExecutorStatusCancelled
			return nil
		}

		next, err := e.flow.Next(current, branchOf(result.Output))
		if err != nil {
			cp.ExecutorStatus = task.ExecutorStatusError
			cp.SetError(err.Error(), nil)
			return err
		}
		current = next
	}

	cp.ExecutorStatus = task.ExecutorStatusSuccess
	cp.SetStep(EndID, EndID, task.StepStatusSuccess)
	return nil
}

// currentNode picks where to (re-)enter the graph: the checkpointed node when
// resuming a paused run, the entry node otherwise.
func (e *FlowExecutor) currentNode(cp *task.Checkpoint) (string, error) {
	if cp.StepID != "" &&
		(cp.StepStatus == task.StepStatusParam || cp.StepStatus == task.StepStatusWaiting) {
		return cp.StepID, nil
	}
	return e.flow.Entry()
}

// branchOf extracts the branch id a choice step reported, empty for every
// other output shape.
func branchOf(output any) string {
	data, ok := output.(map[string]any)
	if !ok {
		return ""
	}
	id, _ := data[call.BranchKey].(string)
	return id
}
