//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package scheduler coordinates one task run end to end: it selects the
// executor matching the application type, races it against an activity
// monitor, emits the flow lifecycle events and finalizes the task record.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"trpc.group/trpc-go/trpc-flow-go/event"
	"trpc.group/trpc-go/trpc-flow-go/executor"
	"trpc.group/trpc-go/trpc-flow-go/log"
	"trpc.group/trpc-go/trpc-flow-go/task"
	"trpc.group/trpc-go/trpc-flow-go/telemetry"
)

// AppType selects which executor drives a task.
type AppType string

// Application types.
const (
	AppTypeQA    AppType = "qa"
	AppTypeFlow  AppType = "flow"
	AppTypeAgent AppType = "agent"
)

// App describes the application an incoming request targets.
type App struct {
	// ID is the application identifier.
	ID string `json:"id"`
	// Type selects the executor.
	Type AppType `json:"type"`
	// FlowID is the flow definition to run, flow-typed apps only.
	FlowID string `json:"flow_id,omitempty"`
	// Language is the response language for this app.
	Language string `json:"language,omitempty"`
}

// ErrInactive is the monitor's signal that the originating user went away.
var ErrInactive = errors.New("scheduler: user inactive")

// ActivityFunc reports whether the originating user is still active. A false
// return cancels the in-flight run at the next safe boundary.
type ActivityFunc func(ctx context.Context, taskID, userID string) bool

const defaultPollInterval = 500 * time.Millisecond

// Scheduler owns tasks for the duration of one run.
type Scheduler struct {
	store        task.Store
	emitter      *event.Emitter
	executors    map[AppType]executor.Executor
	activity     ActivityFunc
	pollInterval time.Duration
}

// Option configures the Scheduler.
type Option func(*Scheduler)

// WithEmitter wires the message-channel emitter.
func WithEmitter(e *event.Emitter) Option {
	return func(s *Scheduler) {
		s.emitter = e
	}
}

// WithActivity installs the user-activity probe the monitor polls. Nil means
// runs are never cancelled for inactivity.
func WithActivity(f ActivityFunc) Option {
	return func(s *Scheduler) {
		s.activity = f
	}
}

// WithPollInterval sets the monitor poll interval (default: 500ms).
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// New creates a scheduler persisting through store.
func New(store task.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		executors:    make(map[AppType]executor.Executor),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds an executor to an application type, replacing any previous
// binding.
func (s *Scheduler) Register(t AppType, exec executor.Executor) {
	s.executors[t] = exec
}

// Run executes one task to a terminal or waiting state. The executor runs as
// one cooperative unit of work racing an activity monitor; whichever finishes
// first decides the outcome. The returned error reports fatal configuration
// or infrastructure failures only; run outcomes land in the checkpoint and on
// the event channel.
func (s *Scheduler) Run(ctx context.Context, app *App, tk *task.Task) error {
	exec, ok := s.executors[app.Type]
	if !ok {
		return fmt.Errorf("scheduler: no executor registered for app type %q", app.Type)
	}
	ctx, span := telemetry.Tracer.Start(ctx, "scheduler.run")
	defer span.End()
	span.SetAttributes(
		telemetry.KeyTaskID.String(tk.ID),
		telemetry.KeyAppID.String(app.ID),
	)

	history, err := s.store.GetHistory(ctx, tk.ID)
	if err != nil && !errors.Is(err, task.ErrTaskNotFound) {
		return fmt.Errorf("scheduler: load history for task %s: %w", tk.ID, err)
	}
	inv := &executor.Invocation{
		Task:     tk,
		History:  history,
		Store:    s.store,
		Emitter:  s.emitter,
		FlowID:   app.FlowID,
		Language: app.Language,
	}

	s.emit(ctx, event.New(tk.ID, event.TypeFlowStarted, event.WithPayload(app.ID)))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	var execErr error
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer close(done)
		execErr = exec.Execute(gctx, inv)
		return nil
	})
	g.Go(func() error {
		return s.monitor(gctx, done, tk)
	})
	if waitErr := g.Wait(); errors.Is(waitErr, ErrInactive) {
		log.Infof("task %s cancelled: user inactive", tk.ID)
	}

	s.finalize(context.WithoutCancel(ctx), inv, execErr)
	return execErr
}

// monitor polls user activity until the executor finishes. Observed
// inactivity surfaces as ErrInactive, which cancels the executor's context
// through the group.
func (s *Scheduler) monitor(ctx context.Context, done <-chan struct{}, tk *task.Task) error {
	if s.activity == nil {
		return nil
	}
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !s.activity(ctx, tk.ID, tk.UserID) {
				return ErrInactive
			}
		}
	}
}

// finalize persists the final state, emits the outcome event and settles the
// task record: terminal runs are deleted, paused runs are retained for
// resumption. The failure event fires here and nowhere else, so a failed run
// produces it exactly once.
func (s *Scheduler) finalize(ctx context.Context, inv *executor.Invocation, execErr error) {
	tk := inv.Task
	if tk.Checkpoint == nil {
		tk.Checkpoint = task.NewCheckpoint("unknown")
	}
	cp := tk.Checkpoint
	if execErr != nil && !cp.ExecutorStatus.Terminal() {
		cp.ExecutorStatus = task.ExecutorStatusError
		cp.SetError(execErr.Error(), nil)
	}
	if err := inv.Flush(ctx); err != nil {
		log.Errorf("finalize: flush task %s: %v", tk.ID, err)
	}

	switch cp.ExecutorStatus {
	case task.ExecutorStatusSuccess:
		s.emit(ctx, event.New(tk.ID, event.TypeFlowSuccess,
			event.WithPayload(tk.Runtime.Answer)))
	case task.ExecutorStatusError:
		s.emit(ctx, event.New(tk.ID, event.TypeFlowFailed,
			event.WithPayload(cp.LastError)))
	case task.ExecutorStatusCancelled:
		s.emit(ctx, event.New(tk.ID, event.TypeFlowCancelled))
	}

	if cp.ExecutorStatus.Terminal() {
		if err := s.store.DeleteTask(ctx, tk.ID); err != nil {
			log.Errorf("finalize: delete task %s: %v", tk.ID, err)
		}
	}
	s.emit(ctx, event.New(tk.ID, event.TypeFlowStopped,
		event.WithPayload(string(cp.ExecutorStatus))))
}

func (s *Scheduler) emit(ctx context.Context, evt *event.Event) {
	if s.emitter == nil {
		return
	}
	if err := s.emitter.Emit(ctx, evt); err != nil {
		log.Debugf("scheduler: emit %s dropped: %v", evt.Type, err)
	}
}
