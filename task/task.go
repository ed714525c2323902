//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package task defines the durable execution state of one user turn: the
// task record, its mutable runtime scratch state, the resumable executor
// checkpoint, the append-only step history, and the store contract that
// persists them.
package task

import (
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-flow-go/model"
)

// ExecutorStatus is the lifecycle state of one executor invocation.
type ExecutorStatus string

// Executor lifecycle states.
const (
	ExecutorStatusInit      ExecutorStatus = "INIT"
	ExecutorStatusRunning   ExecutorStatus = "RUNNING"
	ExecutorStatusWaiting   ExecutorStatus = "WAITING"
	ExecutorStatusSuccess   ExecutorStatus = "SUCCESS"
	ExecutorStatusError     ExecutorStatus = "ERROR"
	ExecutorStatusCancelled ExecutorStatus = "CANCELLED"
)

// Terminal reports whether the executor run has ended for good. WAITING is
// not terminal: the task stays alive for resumption.
func (s ExecutorStatus) Terminal() bool {
	return s == ExecutorStatusSuccess || s == ExecutorStatusError || s == ExecutorStatusCancelled
}

// StepStatus is the lifecycle state of one step within an executor run.
type StepStatus string

// Step lifecycle states. PARAM means the step is paused awaiting externally
// supplied parameter values.
const (
	StepStatusInit      StepStatus = "INIT"
	StepStatusRunning   StepStatus = "RUNNING"
	StepStatusParam     StepStatus = "PARAM"
	StepStatusWaiting   StepStatus = "WAITING"
	StepStatusSuccess   StepStatus = "SUCCESS"
	StepStatusError     StepStatus = "ERROR"
	StepStatusCancelled StepStatus = "CANCELLED"
)

// Terminated reports whether the step reached a final state.
func (s StepStatus) Terminated() bool {
	return s == StepStatusSuccess || s == StepStatusError || s == StepStatusCancelled
}

// ErrorPayload is the structured error recorded into a checkpoint.
type ErrorPayload struct {
	ErrMsg string `json:"err_msg"`
	Data   any    `json:"data,omitempty"`
}

// Task is the root unit of work for one user turn.
type Task struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	SessionID  string      `json:"session_id"`
	AppID      string      `json:"app_id"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Runtime    *Runtime    `json:"runtime,omitempty"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
}

// New creates a task with a fresh id and an empty runtime.
func New(userID, sessionID, appID, question string) *Task {
	now := time.Now()
	return &Task{
		ID:        uuid.New().String(),
		UserID:    userID,
		SessionID: sessionID,
		AppID:     appID,
		CreatedAt: now,
		UpdatedAt: now,
		Runtime:   &Runtime{Question: question, StartedAt: now},
	}
}

// Runtime is the mutable scratch state tied to a task. It is mutated
// continuously during execution and flushed to the store at checkpoints.
type Runtime struct {
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	StartedAt    time.Time      `json:"started_at"`
	Elapsed      time.Duration  `json:"elapsed"`
	Question     string         `json:"question"`
	Answer       string         `json:"answer"`
	Facts        []string       `json:"facts,omitempty"`
	Reasoning    string         `json:"reasoning,omitempty"`
	SlotData     map[string]any `json:"slot_data,omitempty"`
	DocRefs      []string       `json:"doc_refs,omitempty"`
}

// AddUsage accumulates token counts from a model response.
func (r *Runtime) AddUsage(u *model.Usage) {
	if u == nil {
		return
	}
	r.InputTokens += u.PromptTokens
	r.OutputTokens += u.CompletionTokens
}

// AppendAnswer adds text to the accumulated full answer.
func (r *Runtime) AppendAnswer(text string) {
	r.Answer += text
}

// AddFacts appends extracted memory items.
func (r *Runtime) AddFacts(facts ...string) {
	r.Facts = append(r.Facts, facts...)
}

// Touch updates the elapsed time against the run start.
func (r *Runtime) Touch() {
	r.Elapsed = time.Since(r.StartedAt)
}

// Checkpoint is the resumable state of one executor invocation. Exactly one
// checkpoint exists per in-flight task.
type Checkpoint struct {
	ID             string         `json:"id"`
	ExecutorID     string         `json:"executor_id"`
	ExecutorName   string         `json:"executor_name"`
	ExecutorStatus ExecutorStatus `json:"executor_status"`
	StepID         string         `json:"step_id,omitempty"`
	StepName       string         `json:"step_name,omitempty"`
	StepStatus     StepStatus     `json:"step_status,omitempty"`
	CurrentInput   map[string]any `json:"current_input,omitempty"`
	LastError      *ErrorPayload  `json:"last_error,omitempty"`
	FlowID         string         `json:"flow_id,omitempty"`
	StepCount      int            `json:"step_count,omitempty"`
	Retries        int            `json:"retries,omitempty"`
}

// NewCheckpoint creates a checkpoint for a fresh executor run.
func NewCheckpoint(executorName string) *Checkpoint {
	return &Checkpoint{
		ID:             uuid.New().String(),
		ExecutorID:     uuid.New().String(),
		ExecutorName:   executorName,
		ExecutorStatus: ExecutorStatusInit,
	}
}

// SetStep positions the checkpoint at a step.
func (c *Checkpoint) SetStep(id, name string, status StepStatus) {
	c.StepID, c.StepName, c.StepStatus = id, name, status
}

// SetError records the step failure payload.
func (c *Checkpoint) SetError(msg string, data any) {
	c.LastError = &ErrorPayload{ErrMsg: msg, Data: data}
}

// HistoryEntry is one record of the append-only step log.
type HistoryEntry struct {
	StepID         string         `json:"step_id"`
	StepName       string         `json:"step_name"`
	CallName       string         `json:"call_name,omitempty"`
	Status         StepStatus     `json:"status"`
	Input          map[string]any `json:"input,omitempty"`
	Output         any            `json:"output,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
	ExecutorID     string         `json:"executor_id,omitempty"`
	ExecutorName   string         `json:"executor_name,omitempty"`
	ExecutorStatus ExecutorStatus `json:"executor_status,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// AppendHistory appends entry in execution order. A retried or corrected step
// replaces the prior entry for the same step id when that entry is the most
// recent one and had not terminated; otherwise a new entry is appended.
func AppendHistory(history []*HistoryEntry, entry *HistoryEntry) []*HistoryEntry {
	if entry == nil {
		return history
	}
	if n := len(history); n > 0 {
		last := history[n-1]
		if last.StepID == entry.StepID && !last.Status.Terminated() {
			history[n-1] = entry
			return history
		}
	}
	return append(history, entry)
}
