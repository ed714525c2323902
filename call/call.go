//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package call defines the polymorphic unit of work executed by a step: the
// Call contract, its streamed output chunks, the recoverable call error type,
// and the registry resolving call implementations by string identifier.
package call

import (
	"context"
	"fmt"

	"trpc.group/trpc-go/trpc-flow-go/model"
)

// ChunkType tags a streamed output chunk.
type ChunkType string

const (
	// ChunkTypeText is an incremental natural-language fragment. Consumers
	// concatenate TEXT chunks into a running answer.
	ChunkTypeText ChunkType = "TEXT"
	// ChunkTypeData is a complete structured payload. Consumers replace any
	// previously accumulated output with the latest DATA chunk.
	ChunkTypeData ChunkType = "DATA"
)

// Chunk is one element of a Call's output stream.
type Chunk struct {
	// Type tags the chunk as TEXT or DATA.
	Type ChunkType
	// Text carries the fragment for TEXT chunks.
	Text string
	// Data carries the payload for DATA chunks.
	Data any
	// Usage carries token accounting when the producing model reports it.
	// It rides alongside either chunk type and never affects output content.
	Usage *model.Usage
	// Err terminates the stream with a failure. A *call.Error value is a
	// recoverable call failure; any other error is fatal to the step.
	Err error
}

// Declaration is the display and wiring metadata of a Call.
type Declaration struct {
	// Name is the call identifier shown in catalogs and history entries.
	Name string `json:"name"`
	// Description is the human-readable summary.
	Description string `json:"description,omitempty"`
	// InputSchema is the JSON schema of the call's input object.
	InputSchema map[string]any `json:"input_schema,omitempty"`
	// EnableFilling requests the slot-filling sub-step before execution.
	EnableFilling bool `json:"enable_filling,omitempty"`
}

// Call is the contract every call variant implements. Init prepares and
// returns the input object that will be recorded as the step's input; it may
// read external state but must not perform the call's core side effect.
// Exec performs the work and yields chunks until the returned channel closes.
type Call interface {
	// Declaration returns the call's metadata. It must not be nil.
	Declaration() *Declaration
	// Init assembles the validated input object from the per-invocation vars.
	Init(ctx context.Context, vars *Vars) (map[string]any, error)
	// Exec runs the call against the prepared input. The channel is closed by
	// the producer when the stream ends; a chunk with Err set ends it early.
	Exec(ctx context.Context, input map[string]any) (<-chan Chunk, error)
}

// AfterExecutor is the optional hook for side effects that must happen only
// after successful execution.
type AfterExecutor interface {
	AfterExec(ctx context.Context, input map[string]any) error
}

// Error is the expected, recoverable-at-the-step-level failure a call raises
// intentionally. It is absorbed into checkpoint state rather than propagated.
type Error struct {
	// Message is the human-readable failure description.
	Message string `json:"err_msg"`
	// Data is an optional structured payload describing the failure.
	Data any `json:"data,omitempty"`
}

// NewError creates a call error with a message and structured payload.
func NewError(message string, data any) *Error {
	return &Error{Message: message, Data: data}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Vars is the read-only system-variables bundle assembled fresh for each call
// invocation. It is derived from the task and its history, never persisted.
type Vars struct {
	// ContextSummary is the running summary of the conversation so far.
	ContextSummary string
	// Question is the (possibly rewritten) user question.
	Question string
	// History maps step id to that step's recorded output.
	History map[string]any
	// HistoryOrder lists step ids in execution order.
	HistoryOrder []string
	// TaskID identifies the task owning this invocation.
	TaskID string
	// FlowID identifies the flow definition, when flow-typed.
	FlowID string
	// SessionID identifies the conversation.
	SessionID string
	// AppID identifies the application.
	AppID string
	// UserID identifies the requesting user.
	UserID string
	// Language is the active response language.
	Language string
}

// HistoryText renders the ordered history as prompt-ready text, one line per
// step in execution order.
func (v *Vars) HistoryText() string {
	var out string
	for _, id := range v.HistoryOrder {
		rec, ok := v.History[id]
		if !ok {
			continue
		}
		out += fmt.Sprintf("- %s: %v\n", id, rec)
	}
	return out
}

// emitAll sends chunks in order, respecting context cancellation, then closes
// the channel. Producers run it in their own goroutine.
func emitAll(ctx context.Context, ch chan<- Chunk, chunks ...Chunk) {
	defer close(ch)
	for _, c := range chunks {
		select {
		case ch <- c:
		case <-ctx.Done():
			return
		}
	}
}
