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
	"errors"
	"time"

	"trpc.group/trpc-go/trpc-flow-go/call"
	"trpc.group/trpc-go/trpc-flow-go/event"
	"trpc.group/trpc-go/trpc-flow-go/log"
	"trpc.group/trpc-go/trpc-flow-go/model"
	"trpc.group/trpc-go/trpc-flow-go/task"
	"trpc.group/trpc-go/trpc-flow-go/telemetry"
)

// StepResult is the outcome of one step run.
type StepResult struct {
	// Status is the step's final state: SUCCESS, ERROR or PARAM.
	Status task.StepStatus
	// Output is the recorded step output: the last DATA payload, or the
	// accumulated text when the call only produced TEXT chunks.
	Output any
	// Answer is the accumulated TEXT output.
	Answer string
	// Remaining is the remaining-schema when Status is PARAM.
	Remaining map[string]any
}

// StepExecutor runs exactly one step against the current task. Recoverable
// call failures are absorbed into checkpoint state; only configuration
// errors propagate.
type StepExecutor struct {
	registry   *call.Registry
	structured model.StructuredGenerator
}

// NewStepExecutor creates a step executor. structured may be nil; the
// slot-filling sub-step then only reports missing fields without generating
// them.
func NewStepExecutor(registry *call.Registry, structured model.StructuredGenerator) *StepExecutor {
	return &StepExecutor{registry: registry, structured: structured}
}

// Run executes step within inv. The returned error is non-nil only for
// fatal configuration errors; runtime call failures surface as Status ERROR.
func (e *StepExecutor) Run(ctx context.Context, inv *Invocation, step *Step) (*StepResult, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "step.run")
	defer span.End()
	span.SetAttributes(
		telemetry.KeyTaskID.String(inv.Task.ID),
		telemetry.KeyStepID.String(step.ID),
		telemetry.KeyStepName.String(step.Name),
		telemetry.KeyCallName.String(step.CallID),
	)

	cp := inv.Task.Checkpoint
	cp.SetStep(step.ID, step.Name, task.StepStatusInit)

	c, err := e.registry.Resolve(step.CallID, step.Params)
	if err != nil {
		return e.fail(ctx, inv, step, nil, err)
	}
	vars := inv.Vars()

	input, err := c.Init(ctx, vars)
	if err != nil {
		return e.fail(ctx, inv, step, nil, err)
	}
	if input == nil {
		input = map[string]any{}
	}
	// Parameters supplied externally while the step was paused override the
	// call's own resolution.
	for k, v := range cp.CurrentInput {
		input[k] = v
	}

	decl := c.Declaration()
	if (step.EnableFilling || decl.EnableFilling) && decl.InputSchema != nil {
		filled, remaining, err := e.fillSlots(ctx, inv, vars, decl.InputSchema, input)
		if err != nil {
			return e.fail(ctx, inv, step, input, err)
		}
		if len(remaining) > 0 {
			return e.pauseForParams(ctx, inv, step, filled, remaining)
		}
		input = filled
	}

	cp.SetStep(step.ID, step.Name, task.StepStatusRunning)
	cp.CurrentInput = input
	inv.Emit(ctx, event.New(inv.Task.ID, event.TypeStepInput,
		event.WithStepID(step.ID), event.WithPayload(input)))

	ch, err := c.Exec(ctx, input)
	if err != nil {
		return e.fail(ctx, inv, step, input, err)
	}

	var answer string
	var output any
	for chunk := range ch {
		if chunk.Err != nil {
			return e.fail(ctx, inv, step, input, chunk.Err)
		}
		if chunk.Usage != nil {
			inv.Task.Runtime.AddUsage(chunk.Usage)
		}
		switch chunk.Type {
		case call.ChunkTypeText:
			if chunk.Text == "" {
				continue
			}
			answer += chunk.Text
			if step.UserVisible {
				inv.Emit(ctx, event.New(inv.Task.ID, event.TypeTextIncrement,
					event.WithStepID(step.ID), event.WithPayload(chunk.Text)))
			}
		case call.ChunkTypeData:
			output = chunk.Data
		}
	}
	if ctx.Err() != nil {
		return e.cancel(ctx, inv, step)
	}

	if after, ok := c.(call.AfterExecutor); ok {
		if err := after.AfterExec(ctx, input); err != nil {
			log.Warnf("step %s after-exec hook failed: %v", step.ID, err)
		}
	}

	if output == nil && answer != "" {
		output = answer
	}
	if step.UserVisible {
		inv.Task.Runtime.AppendAnswer(answer)
	}
	cp.SetStep(step.ID, step.Name, task.StepStatusSuccess)
	cp.CurrentInput = nil
	inv.History = task.AppendHistory(inv.History, e.entry(inv, step, task.StepStatusSuccess, input, output, nil))
	inv.Emit(ctx, event.New(inv.Task.ID, event.TypeStepOutput,
		event.WithStepID(step.ID), event.WithPayload(output)))
	if err := inv.Flush(ctx); err != nil {
		return nil, err
	}
	return &StepResult{Status: task.StepStatusSuccess, Output: output, Answer: answer}, nil
}

// fillSlots runs the slot-filling sub-step: an auto-fill call over the
// target schema and current partial input, returning the filled values and
// whatever remains unsatisfied.
func (e *StepExecutor) fillSlots(
	ctx context.Context,
	inv *Invocation,
	vars *call.Vars,
	schema map[string]any,
	partial map[string]any,
) (map[string]any, map[string]any, error) {
	af, err := call.NewAutoFill(e.structured, schema, partial)
	if err != nil {
		return nil, nil, err
	}
	afInput, err := af.Init(ctx, vars)
	if err != nil {
		return nil, nil, err
	}
	ch, err := af.Exec(ctx, afInput)
	if err != nil {
		return nil, nil, err
	}
	var result *call.AutoFillResult
	for chunk := range ch {
		if chunk.Err != nil {
			return nil, nil, chunk.Err
		}
		if r, ok := chunk.Data.(*call.AutoFillResult); ok {
			result = r
		}
	}
	if result == nil {
		return nil, nil, errors.New("slot filling produced no result")
	}
	inv.Task.Runtime.SlotData = result.Values
	return result.Values, result.Remaining, nil
}

// pauseForParams records the PARAM pause: the step keeps its partially
// filled input in the checkpoint and the run returns to the caller.
func (e *StepExecutor) pauseForParams(
	ctx context.Context,
	inv *Invocation,
	step *Step,
	values map[string]any,
	remaining map[string]any,
) (*StepResult, error) {
	cp := inv.Task.Checkpoint
	cp.SetStep(step.ID, step.Name, task.StepStatusParam)
	cp.CurrentInput = values
	inv.History = task.AppendHistory(inv.History, e.entry(inv, step, task.StepStatusParam, values, nil,
		map[string]any{"remaining": remaining}))
	inv.Emit(ctx, event.New(inv.Task.ID, event.TypeStepWaitingParam,
		event.WithStepID(step.ID), event.WithPayload(remaining)))
	if err := inv.Flush(ctx); err != nil {
		return nil, err
	}
	return &StepResult{Status: task.StepStatusParam, Remaining: remaining}, nil
}

// cancel records a cooperative cancellation observed at the step boundary.
func (e *StepExecutor) cancel(ctx context.Context, inv *Invocation, step *Step) (*StepResult, error) {
	cp := inv.Task.Checkpoint
	cp.SetStep(step.ID, step.Name, task.StepStatusCancelled)
	inv.History = task.AppendHistory(inv.History, e.entry(inv, step, task.StepStatusCancelled, cp.CurrentInput, nil, nil))
	if err := inv.Flush(context.WithoutCancel(ctx)); err != nil {
		log.Errorf("flush after cancel failed: %v", err)
	}
	return &StepResult{Status: task.StepStatusCancelled}, nil
}

// fail absorbs a step failure into checkpoint state. Configuration errors
// (unresolvable call, unmatched branch) additionally propagate; recoverable
// call failures do not.
func (e *StepExecutor) fail(
	ctx context.Context,
	inv *Invocation,
	step *Step,
	input map[string]any,
	cause error,
) (*StepResult, error) {
	cp := inv.Task.Checkpoint
	cp.SetStep(step.ID, step.Name, task.StepStatusError)
	var cerr *call.Error
	if errors.As(cause, &cerr) {
		cp.SetError(cerr.Message, cerr.Data)
	} else {
		cp.SetError(cause.Error(), nil)
	}
	inv.History = task.AppendHistory(inv.History, e.entry(inv, step, task.StepStatusError, input, nil,
		map[string]any{"err_msg": cp.LastError.ErrMsg}))
	if err := inv.Flush(ctx); err != nil {
		log.Errorf("flush after step error failed: %v", err)
	}
	if isConfigError(cause) {
		log.Errorf("step %s configuration error: %v", step.ID, cause)
		return nil, cause
	}
	log.Warnf("step %s failed: %v", step.ID, cause)
	return &StepResult{Status: task.StepStatusError}, nil
}

// entry builds a history record snapshotting the executor state.
func (e *StepExecutor) entry(
	inv *Invocation,
	step *Step,
	status task.StepStatus,
	input map[string]any,
	output any,
	extra map[string]any,
) *task.HistoryEntry {
	cp := inv.Task.Checkpoint
	return &task.HistoryEntry{
		StepID:         step.ID,
		StepName:       step.Name,
		CallName:       step.CallID,
		Status:         status,
		Input:          input,
		Output:         output,
		Extra:          extra,
		ExecutorID:     cp.ExecutorID,
		ExecutorName:   cp.ExecutorName,
		ExecutorStatus: cp.ExecutorStatus,
		Timestamp:      time.Now(),
	}
}

// isConfigError distinguishes fatal configuration errors from recoverable
// call failures.
func isConfigError(err error) bool {
	var rerr *call.ResolutionError
	return errors.As(err, &rerr) || errors.Is(err, call.ErrNoBranchMatched)
}
