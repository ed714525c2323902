//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-flow-go/event"
	"trpc.group/trpc-go/trpc-flow-go/executor"
	"trpc.group/trpc-go/trpc-flow-go/log"
	"trpc.group/trpc-go/trpc-flow-go/task"
	"trpc.group/trpc-go/trpc-flow-go/telemetry"
	"trpc.group/trpc-go/trpc-flow-go/tool"
)

const (
	executorName = "mcp_agent_executor"

	defaultMaxSteps       = 25
	defaultMaxRetries     = 3
	defaultPlannerRetries = 3
)

// Executor runs the bounded tool-calling loop for one agent-typed task.
type Executor struct {
	planner        Planner
	resolver       tool.Resolver
	pool           tool.Pool
	maxSteps       int
	maxRetries     int
	plannerRetries int
	manualConfirm  func(userID string) bool
}

// Option configures the Executor.
type Option func(*Executor)

// WithMaxSteps sets the total step ceiling (default: 25). Reaching it forces
// the final step regardless of planner output.
func WithMaxSteps(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithMaxRetries sets the consecutive-error ceiling (default: 3).
func WithMaxRetries(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithPlannerRetries bounds how often an invalid planner decision is retried
// before falling back to the final step (default: 3).
func WithPlannerRetries(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.plannerRetries = n
		}
	}
}

// WithManualConfirm installs the account policy deciding whether a user must
// confirm tool calls before they run. Nil means every account auto-executes.
func WithManualConfirm(f func(userID string) bool) Option {
	return func(e *Executor) {
		e.manualConfirm = f
	}
}

// New creates an agent executor.
func New(planner Planner, resolver tool.Resolver, pool tool.Pool, opts ...Option) *Executor {
	e := &Executor{
		planner:        planner,
		resolver:       resolver,
		pool:           pool,
		maxSteps:       defaultMaxSteps,
		maxRetries:     defaultMaxRetries,
		plannerRetries: defaultPlannerRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements executor.Executor.
func (e *Executor) Name() string {
	return executorName
}

// Execute implements executor.Executor. Tool clients acquired during the run
// are stopped on every exit path; panics inside the loop are absorbed into an
// ERROR checkpoint instead of crashing the process.
func (e *Executor) Execute(ctx context.Context, inv *executor.Invocation) (err error) {
	ctx, span := telemetry.Tracer.Start(ctx, "agent.execute")
	defer span.End()
	span.SetAttributes(
		telemetry.KeyTaskID.String(inv.Task.ID),
		telemetry.KeyAppID.String(inv.Task.AppID),
	)

	cp := inv.Task.Checkpoint
	if cp == nil {
		cp = task.NewCheckpoint(executorName)
		inv.Task.Checkpoint = cp
	}

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("agent run for task %s panicked: %v", inv.Task.ID, r)
			cp.ExecutorStatus = task.ExecutorStatusError
			cp.SetError(fmt.Sprintf("internal error: %v", r), nil)
			if flushErr := inv.Flush(context.WithoutCancel(ctx)); flushErr != nil {
				log.Errorf("flush after panic failed: %v", flushErr)
			}
			err = nil
		}
	}()

	acquired := make(map[string]struct{})
	defer e.releaseClients(acquired, inv.Task.UserID)

	tools, resolveErr := e.resolver.ResolveTools(ctx, inv.Task.AppID, inv.Task.UserID)
	if resolveErr != nil {
		cp.ExecutorStatus = task.ExecutorStatusError
		cp.SetError(resolveErr.Error(), nil)
		return fmt.Errorf("resolve tools for app %s: %w", inv.Task.AppID, resolveErr)
	}
	tools = append(tools, &tool.Descriptor{
		Name:        FinalToolName,
		Description: "finish the run and produce the final answer",
	})
	byName := make(map[string]*tool.Descriptor, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}

	question := inv.Task.Runtime.Question
	cp.ExecutorStatus = task.ExecutorStatusRunning

	// A paused run re-enters at the pending tool call: confirmation arrived
	// or the missing parameters were merged into the checkpoint input.
	var pending *NextStep
	skipConfirm := false
	if cp.StepName != "" &&
		(cp.StepStatus == task.StepStatusWaiting || cp.StepStatus == task.StepStatusParam) {
		pending = &NextStep{Tool: cp.StepName, Input: cp.CurrentInput}
		skipConfirm = true
	}

	for {
		if ctx.Err() != nil {
			cp.ExecutorStatus = task.ExecutorStatusCancelled
			if flushErr := inv.Flush(context.WithoutCancel(ctx)); flushErr != nil {
				log.Errorf("flush after cancel failed: %v", flushErr)
			}
			return nil
		}
		if pending == nil {
			pending = e.nextStep(ctx, inv, question, tools, byName)
		}
		if pending.Tool == FinalToolName {
			return e.finish(ctx, inv, question)
		}
		desc := byName[pending.Tool]
		if desc == nil {
			log.Warnf("pending tool %q is no longer available for task %s", pending.Tool, inv.Task.ID)
			pending = nil
			skipConfirm = false
			continue
		}

		stepID := cp.StepID
		if !skipConfirm || stepID == "" {
			stepID = uuid.New().String()
		}

		if !skipConfirm && e.manualConfirm != nil && e.manualConfirm(inv.Task.UserID) {
			return e.pauseForConfirm(ctx, inv, stepID, desc, pending.Input)
		}
		skipConfirm = false

		cp.SetStep(stepID, pending.Tool, task.StepStatusRunning)
		cp.CurrentInput = pending.Input
		inv.Emit(ctx, event.New(inv.Task.ID, event.TypeStepInput,
			event.WithStepID(stepID), event.WithPayload(pending.Input)))

		result, callErr := e.invokeTool(ctx, inv, desc, pending.Input, acquired)
		if callErr != nil || result == nil || result.IsError {
			errMsg := resultError(result, callErr)
			done, waitErr := e.handleStepError(ctx, inv, stepID, desc, pending.Input, errMsg)
			if done {
				return waitErr
			}
			pending = nil
			continue
		}

		cp.Retries = 0
		cp.StepCount++
		cp.SetStep(stepID, pending.Tool, task.StepStatusSuccess)
		output := stepOutput(result)
		inv.History = task.AppendHistory(inv.History,
			e.entry(inv, stepID, pending.Tool, task.StepStatusSuccess, pending.Input, output, nil))
		inv.Emit(ctx, event.New(inv.Task.ID, event.TypeStepOutput,
			event.WithStepID(stepID), event.WithPayload(output)))
		if flushErr := inv.Flush(ctx); flushErr != nil {
			cp.ExecutorStatus = task.ExecutorStatusError
			return flushErr
		}
		pending = nil
	}
}

// nextStep asks the planner for the next tool call. An invalid or unknown
// decision is retried a bounded number of times before falling back to the
// final step; reaching the step ceiling forces the final step outright.
func (e *Executor) nextStep(
	ctx context.Context,
	inv *executor.Invocation,
	question string,
	tools []*tool.Descriptor,
	byName map[string]*tool.Descriptor,
) *NextStep {
	cp := inv.Task.Checkpoint
	if cp.StepCount >= e.maxSteps {
		log.Infof("task %s reached step ceiling %d, forcing final step", inv.Task.ID, e.maxSteps)
		return &NextStep{Tool: FinalToolName}
	}
	for attempt := 0; attempt < e.plannerRetries; attempt++ {
		next, err := e.planner.CreateNextStep(ctx, question, inv.History, tools)
		if err != nil {
			log.Warnf("planner failed to produce a step (attempt %d): %v", attempt+1, err)
			continue
		}
		if next == nil || next.Tool == "" {
			log.Warnf("planner returned an empty step (attempt %d)", attempt+1)
			continue
		}
		if _, known := byName[next.Tool]; !known {
			log.Warnf("planner chose unknown tool %q (attempt %d)", next.Tool, attempt+1)
			continue
		}
		return next
	}
	log.Warnf("planner exhausted %d attempts for task %s, falling back to final step",
		e.plannerRetries, inv.Task.ID)
	return &NextStep{Tool: FinalToolName}
}

// invokeTool acquires the pooled client for the tool's server and calls it.
// Acquired servers are remembered for release at run end.
func (e *Executor) invokeTool(
	ctx context.Context,
	inv *executor.Invocation,
	desc *tool.Descriptor,
	input map[string]any,
	acquired map[string]struct{},
) (*tool.Result, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "agent.tool")
	defer span.End()
	span.SetAttributes(
		telemetry.KeyTaskID.String(inv.Task.ID),
		telemetry.KeyToolName.String(desc.Name),
	)

	client, err := e.pool.Get(ctx, desc.ServerID, inv.Task.UserID)
	if err != nil {
		return nil, err
	}
	acquired[desc.ServerID] = struct{}{}
	return client.CallTool(ctx, desc.Name, input)
}

// handleStepError runs the error branch of the loop. It returns done=true
// when the run must stop here: retry budget exhausted (terminal ERROR) or a
// parameter-shaped failure pausing for user input.
func (e *Executor) handleStepError(
	ctx context.Context,
	inv *executor.Invocation,
	stepID string,
	desc *tool.Descriptor,
	input map[string]any,
	errMsg string,
) (bool, error) {
	cp := inv.Task.Checkpoint
	cp.Retries++
	cp.SetError(errMsg, map[string]any{"tool": desc.Name})
	log.Warnf("tool %s failed for task %s (retry %d/%d): %s",
		desc.Name, inv.Task.ID, cp.Retries, e.maxRetries, errMsg)

	// Under manual execution a parameter-shaped failure pauses for user input
	// instead of burning through the retry budget as plain errors.
	if cp.Retries < e.maxRetries && e.manualConfirm != nil && e.manualConfirm(inv.Task.UserID) {
		isParam, err := e.planner.IsParamError(ctx, inv.History, errMsg, desc, input)
		if err != nil {
			log.Warnf("param-error classification failed: %v", err)
		} else if isParam {
			return true, e.pauseForParam(ctx, inv, stepID, desc, input, errMsg)
		}
	}

	cp.SetStep(stepID, desc.Name, task.StepStatusError)
	inv.History = task.AppendHistory(inv.History,
		e.entry(inv, stepID, desc.Name, task.StepStatusError, input, nil,
			map[string]any{"err_msg": errMsg}))

	if cp.Retries >= e.maxRetries {
		cp.ExecutorStatus = task.ExecutorStatusError
		if flushErr := inv.Flush(ctx); flushErr != nil {
			return true, flushErr
		}
		return true, nil
	}
	if flushErr := inv.Flush(ctx); flushErr != nil {
		return true, flushErr
	}
	return false, nil
}

// pauseForConfirm records the confirmation gate and returns control: the
// process may exit, the run resumes once the user confirms.
func (e *Executor) pauseForConfirm(
	ctx context.Context,
	inv *executor.Invocation,
	stepID string,
	desc *tool.Descriptor,
	input map[string]any,
) error {
	risk, err := e.planner.GetToolRisk(ctx, desc, input)
	if err != nil {
		log.Warnf("risk prompt generation failed: %v", err)
		risk = fmt.Sprintf("About to call tool %q. Confirm to continue.", desc.Name)
	}
	cp := inv.Task.Checkpoint
	cp.SetStep(stepID, desc.Name, task.StepStatusWaiting)
	cp.CurrentInput = input
	cp.ExecutorStatus = task.ExecutorStatusWaiting
	inv.History = task.AppendHistory(inv.History,
		e.entry(inv, stepID, desc.Name, task.StepStatusWaiting, input, nil,
			map[string]any{"confirm": risk}))
	inv.Emit(ctx, event.New(inv.Task.ID, event.TypeStepWaitingConfirm,
		event.WithStepID(stepID), event.WithPayload(risk)))
	return inv.Flush(ctx)
}

// pauseForParam records a parameter-shaped failure and exposes the missing
// fields for user resumption.
func (e *Executor) pauseForParam(
	ctx context.Context,
	inv *executor.Invocation,
	stepID string,
	desc *tool.Descriptor,
	input map[string]any,
	errMsg string,
) error {
	prompt, err := e.planner.GetMissingParam(ctx, desc, input, errMsg)
	if err != nil {
		log.Warnf("missing-param prompt generation failed: %v", err)
		prompt = map[string]any{"err_msg": errMsg}
	}
	cp := inv.Task.Checkpoint
	cp.SetStep(stepID, desc.Name, task.StepStatusParam)
	cp.CurrentInput = input
	cp.ExecutorStatus = task.ExecutorStatusWaiting
	inv.History = task.AppendHistory(inv.History,
		e.entry(inv, stepID, desc.Name, task.StepStatusParam, input, nil,
			map[string]any{"missing": prompt}))
	inv.Emit(ctx, event.New(inv.Task.ID, event.TypeStepWaitingParam,
		event.WithStepID(stepID), event.WithPayload(prompt)))
	return inv.Flush(ctx)
}

// finish runs the summarization pass over the accumulated history and
// streams the final answer.
func (e *Executor) finish(ctx context.Context, inv *executor.Invocation, question string) error {
	cp := inv.Task.Checkpoint
	stepID := uuid.New().String()
	cp.SetStep(stepID, FinalToolName, task.StepStatusRunning)

	stream, err := e.planner.GenerateAnswer(ctx, question, inv.History)
	if err != nil {
		cp.SetStep(stepID, FinalToolName, task.StepStatusError)
		cp.ExecutorStatus = task.ExecutorStatusError
		cp.SetError("final answer generation failed: "+err.Error(), nil)
		if flushErr := inv.Flush(ctx); flushErr != nil {
			log.Errorf("flush after answer failure: %v", flushErr)
		}
		return nil
	}
	var answer string
	for text := range stream {
		if text == "" {
			continue
		}
		answer += text
		inv.Task.Runtime.AppendAnswer(text)
		inv.Emit(ctx, event.New(inv.Task.ID, event.TypeTextIncrement,
			event.WithStepID(stepID), event.WithPayload(text)))
	}
	if ctx.Err() != nil {
		cp.ExecutorStatus = task.ExecutorStatusCancelled
		cp.SetStep(stepID, FinalToolName, task.StepStatusCancelled)
		if flushErr := inv.Flush(context.WithoutCancel(ctx)); flushErr != nil {
			log.Errorf("flush after cancel failed: %v", flushErr)
		}
		return nil
	}

	cp.SetStep(stepID, FinalToolName, task.StepStatusSuccess)
	cp.CurrentInput = nil
	cp.ExecutorStatus = task.ExecutorStatusSuccess
	inv.History = task.AppendHistory(inv.History,
		e.entry(inv, stepID, FinalToolName, task.StepStatusSuccess, nil, answer, nil))
	return inv.Flush(ctx)
}

// releaseClients stops every acquired tool client exactly once.
func (e *Executor) releaseClients(acquired map[string]struct{}, userID string) {
	for serverID := range acquired {
		if err := e.pool.Stop(serverID, userID); err != nil {
			log.Errorf("stop tool client %s/%s: %v", serverID, userID, err)
		}
		delete(acquired, serverID)
	}
}

// entry builds a history record snapshotting the executor state.
func (e *Executor) entry(
	inv *executor.Invocation,
	stepID, toolName string,
	status task.StepStatus,
	input map[string]any,
	output any,
	extra map[string]any,
) *task.HistoryEntry {
	cp := inv.Task.Checkpoint
	return &task.HistoryEntry{
		StepID:         stepID,
		StepName:       toolName,
		CallName:       toolName,
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

// resultError normalizes a failed tool exchange into one message.
func resultError(result *tool.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	if result != nil && result.Text != "" {
		return result.Text
	}
	return "tool returned an error"
}

// stepOutput picks the recorded output of a successful call: structured
// payload when present, text otherwise.
func stepOutput(result *tool.Result) any {
	if result == nil {
		return nil
	}
	if result.Structured != nil {
		return result.Structured
	}
	return result.Text
}
