//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package event provides the event system used to stream engine progress
// to the user-facing message channel.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of an event on the message channel.
type Type string

// Event types pushed by the engine.
const (
	// TypeFlowStarted signals that an executor run has begun.
	TypeFlowStarted Type = "flow.started"
	// TypeFlowStopped signals that an executor run has ended, whatever the outcome.
	TypeFlowStopped Type = "flow.stopped"
	// TypeFlowSuccess signals a successful terminal state.
	TypeFlowSuccess Type = "flow.success"
	// TypeFlowFailed signals an error terminal state.
	TypeFlowFailed Type = "flow.failed"
	// TypeFlowCancelled signals a cancelled run.
	TypeFlowCancelled Type = "flow.cancelled"
	// TypeStepInput carries the recorded input of a step.
	TypeStepInput Type = "step.input"
	// TypeStepOutput carries the accumulated output of a completed step.
	TypeStepOutput Type = "step.output"
	// TypeTextIncrement carries one incremental text chunk of a user-visible step.
	TypeTextIncrement Type = "text.increment"
	// TypeStepWaitingConfirm signals that a step is paused awaiting user confirmation.
	TypeStepWaitingConfirm Type = "step.waiting.confirm"
	// TypeStepWaitingParam signals that a step is paused awaiting user-supplied parameters.
	TypeStepWaitingParam Type = "step.waiting.param"
	// TypeHeartbeat is a keep-alive event injected independently of engine activity.
	TypeHeartbeat Type = "heartbeat"
)

// Event is one (eventType, payload) pair on the message channel.
type Event struct {
	// ID is the unique identifier of the event.
	ID string `json:"id"`
	// Type is the event type.
	Type Type `json:"type"`
	// TaskID identifies the task the event belongs to. Empty for heartbeats.
	TaskID string `json:"task_id,omitempty"`
	// StepID identifies the step the event belongs to, when applicable.
	StepID string `json:"step_id,omitempty"`
	// Payload is the event payload. Its shape depends on the event type.
	Payload any `json:"payload,omitempty"`
	// Timestamp is when the event was created.
	Timestamp time.Time `json:"timestamp"`
}

// Option configures an Event.
type Option func(*Event)

// WithStepID sets the step ID on the event.
func WithStepID(stepID string) Option {
	return func(e *Event) {
		e.StepID = stepID
	}
}

// WithPayload sets the payload on the event.
func WithPayload(payload any) Option {
	return func(e *Event) {
		e.Payload = payload
	}
}

// New creates a new Event with a generated ID and timestamp.
func New(taskID string, typ Type, opts ...Option) *Event {
	e := &Event{
		ID:        uuid.New().String(),
		Type:      typ,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}
