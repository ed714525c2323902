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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-flow-go/call"
	"trpc.group/trpc-go/trpc-flow-go/event"
	"trpc.group/trpc-go/trpc-flow-go/model"
	"trpc.group/trpc-go/trpc-flow-go/task"
	"trpc.group/trpc-go/trpc-flow-go/task/inmemory"
)

// fakeModel streams a fixed answer split into deltas.
type fakeModel struct {
	deltas []string
}

func (f *fakeModel) GenerateContent(_ context.Context, _ *model.Request) (<-chan *model.Response, error) {
	ch := make(chan *model.Response, len(f.deltas)+1)
	for _, d := range f.deltas {
		ch <- &model.Response{Delta: d}
	}
	ch <- &model.Response{Done: true, Usage: &model.Usage{PromptTokens: 2, CompletionTokens: 2, TotalTokens: 4}}
	close(ch)
	return ch, nil
}

// failingCall raises a recoverable call error during exec.
type failingCall struct{}

func (failingCall) Declaration() *call.Declaration {
	return &call.Declaration{Name: "failing"}
}

func (failingCall) Init(_ context.Context, _ *call.Vars) (map[string]any, error) {
	return map[string]any{}, nil
}

func (failingCall) Exec(_ context.Context, _ map[string]any) (<-chan call.Chunk, error) {
	ch := make(chan call.Chunk, 1)
	ch <- call.Chunk{Err: call.NewError("boom", map[string]any{"x": 1})}
	close(ch)
	return ch, nil
}

// echoCall declares a city parameter and echoes it back as data.
type echoCall struct{}

func (echoCall) Declaration() *call.Declaration {
	return &call.Declaration{
		Name: "echo_city",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"city"},
			"properties": map[string]any{
				"city": map[string]any{"type": "string"},
			},
		},
		EnableFilling: true,
	}
}

func (echoCall) Init(_ context.Context, _ *call.Vars) (map[string]any, error) {
	return map[string]any{}, nil
}

func (echoCall) Exec(_ context.Context, input map[string]any) (<-chan call.Chunk, error) {
	ch := make(chan call.Chunk, 1)
	ch <- call.Chunk{Type: call.ChunkTypeData, Data: map[string]any{"city": input["city"]}}
	close(ch)
	return ch, nil
}

func newInvocation(t *testing.T) *Invocation {
	t.Helper()
	return &Invocation{
		Task:  task.New("u1", "s1", "app1", "hi"),
		Store: inmemory.New(),
	}
}

func chainFlow(t *testing.T, callID string, n int) *Flow {
	t.Helper()
	f := NewFlow("f1")
	prev := StartID
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		require.NoError(t, f.AddStep(&Step{ID: id, Name: "step-" + id, CallID: callID}))
		require.NoError(t, f.AddEdge(prev, id))
		prev = id
	}
	require.NoError(t, f.AddEdge(prev, EndID))
	return f
}

func TestFlowSingleLLMNode(t *testing.T) {
	registry := call.NewRegistry(call.Deps{Model: &fakeModel{deltas: []string{"hi ", "there"}}})
	f := NewFlow("f1")
	require.NoError(t, f.AddStep(&Step{ID: "llm", Name: "echo", CallID: call.IDLLM, UserVisible: true}))
	require.NoError(t, f.AddEdge(StartID, "llm"))
	require.NoError(t, f.AddEdge("llm", EndID))

	fe, err := NewFlowExecutor(f, NewStepExecutor(registry, nil))
	require.NoError(t, err)

	inv := newInvocation(t)
	emitter := event.NewEmitter()
	inv.Emitter = emitter
	require.NoError(t, fe.Execute(context.Background(), inv))
	emitter.Close()

	cp := inv.Task.Checkpoint
	assert.Equal(t, task.ExecutorStatusSuccess, cp.ExecutorStatus)
	require.Len(t, inv.History, 1)
	assert.Equal(t, "llm", inv.History[0].StepID)
	assert.Equal(t, task.StepStatusSuccess, inv.History[0].Status)
	assert.Equal(t, "hi there", inv.History[0].Output)
	assert.Equal(t, "hi there", inv.Task.Runtime.Answer)
	assert.Equal(t, 4, inv.Task.Runtime.InputTokens+inv.Task.Runtime.OutputTokens)

	var increments []string
	for evt := range emitter.Events() {
		if evt.Type == event.TypeTextIncrement {
			increments = append(increments, evt.Payload.(string))
		}
	}
	assert.Equal(t, []string{"hi ", "there"}, increments)
}

func TestFlowHistoryOrdering(t *testing.T) {
	registry := call.NewRegistry(call.Deps{})
	f := chainFlow(t, call.IDEmpty, 3)
	fe, err := NewFlowExecutor(f, NewStepExecutor(registry, nil))
	require.NoError(t, err)

	inv := newInvocation(t)
	require.NoError(t, fe.Execute(context.Background(), inv))

	require.Len(t, inv.History, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, inv.History[i].StepID)
	}
	// The persisted history matches what the run accumulated.
	stored, err := inv.Store.GetHistory(context.Background(), inv.Task.ID)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, "c", stored[2].StepID)
}

func TestStepErrorAbsorbed(t *testing.T) {
	registry := call.NewRegistry(call.Deps{})
	require.NoError(t, registry.Register("failing", func(call.Deps, map[string]any) (call.Call, error) {
		return failingCall{}, nil
	}))
	f := chainFlow(t, "failing", 1)
	fe, err := NewFlowExecutor(f, NewStepExecutor(registry, nil))
	require.NoError(t, err)

	inv := newInvocation(t)
	// The recoverable failure is absorbed, not propagated.
	require.NoError(t, fe.Execute(context.Background(), inv))

	cp := inv.Task.Checkpoint
	assert.Equal(t, task.ExecutorStatusError, cp.ExecutorStatus)
	assert.Equal(t, task.StepStatusError, cp.StepStatus)
	require.NotNil(t, cp.LastError)
	assert.Equal(t, "boom", cp.LastError.ErrMsg)
	assert.Equal(t, map[string]any{"x": 1}, cp.LastError.Data)
}

func TestUnresolvableCallIsFatal(t *testing.T) {
	registry := call.NewRegistry(call.Deps{})
	f := chainFlow(t, "no_such_call", 1)
	fe, err := NewFlowExecutor(f, NewStepExecutor(registry, nil))
	require.NoError(t, err)

	inv := newInvocation(t)
	err = fe.Execute(context.Background(), inv)
	var rerr *call.ResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, task.ExecutorStatusError, inv.Task.Checkpoint.ExecutorStatus)
}

func TestFlowParamPauseAndResume(t *testing.T) {
	registry := call.NewRegistry(call.Deps{})
	require.NoError(t, registry.Register("echo_city", func(call.Deps, map[string]any) (call.Call, error) {
		return echoCall{}, nil
	}))
	f := chainFlow(t, "echo_city", 1)
	fe, err := NewFlowExecutor(f, NewStepExecutor(registry, nil))
	require.NoError(t, err)

	inv := newInvocation(t)
	require.NoError(t, fe.Execute(context.Background(), inv))

	cp := inv.Task.Checkpoint
	assert.Equal(t, task.ExecutorStatusWaiting, cp.ExecutorStatus)
	assert.Equal(t, task.StepStatusParam, cp.StepStatus)
	assert.Equal(t, "a", cp.StepID)
	require.Len(t, inv.History, 1)
	assert.Equal(t, task.StepStatusParam, inv.History[0].Status)

	// The user supplies the missing parameter; the run re-enters at the
	// same node.
	cp.CurrentInput = map[string]any{"city": "Wuhan"}
	require.NoError(t, fe.Execute(context.Background(), inv))
	assert.Equal(t, task.ExecutorStatusSuccess, cp.ExecutorStatus)
	require.Len(t, inv.History, 1)
	assert.Equal(t, task.StepStatusSuccess, inv.History[0].Status)
	assert.Equal(t, map[string]any{"city": "Wuhan"}, inv.History[0].Output)
}

func TestFlowBranching(t *testing.T) {
	registry := call.NewRegistry(call.Deps{})
	f := NewFlow("f1")
	require.NoError(t, f.AddStep(&Step{ID: "decide", CallID: call.IDChoice, Params: map[string]any{
		"branches": []any{
			map[string]any{"id": "high", "conditions": []any{
				map[string]any{"left": 5.0, "op": "GREATER_THAN", "right": 3.0},
			}},
			map[string]any{"id": "low", "is_default": true},
		},
	}}))
	require.NoError(t, f.AddStep(&Step{ID: "when_high", CallID: call.IDEmpty}))
	require.NoError(t, f.AddStep(&Step{ID: "when_low", CallID: call.IDEmpty}))
	require.NoError(t, f.AddEdge(StartID, "decide"))
	require.NoError(t, f.AddBranchEdge("decide", "when_high", "high"))
	require.NoError(t, f.AddBranchEdge("decide", "when_low", "low"))
	require.NoError(t, f.AddEdge("when_high", EndID))
	require.NoError(t, f.AddEdge("when_low", EndID))

	fe, err := NewFlowExecutor(f, NewStepExecutor(registry, nil))
	require.NoError(t, err)

	inv := newInvocation(t)
	require.NoError(t, fe.Execute(context.Background(), inv))
	assert.Equal(t, task.ExecutorStatusSuccess, inv.Task.Checkpoint.ExecutorStatus)
	require.Len(t, inv.History, 2)
	assert.Equal(t, "decide", inv.History[0].StepID)
	assert.Equal(t, "when_high", inv.History[1].StepID)
}

func TestFlowValidate(t *testing.T) {
	f := NewFlow("bad")
	require.NoError(t, f.AddStep(&Step{ID: "a", CallID: call.IDEmpty}))
	require.NoError(t, f.AddEdge(StartID, "a"))
	// No path to end.
	assert.Error(t, f.Validate())

	require.NoError(t, f.AddEdge("a", EndID))
	assert.NoError(t, f.Validate())

	// Unreachable node.
	require.NoError(t, f.AddStep(&Step{ID: "orphan", CallID: call.IDEmpty}))
	require.NoError(t, f.AddEdge("orphan", EndID))
	assert.Error(t, f.Validate())

	assert.Error(t, f.AddStep(&Step{ID: StartID}))
	assert.Error(t, f.AddStep(&Step{ID: "a"}))
	assert.Error(t, f.AddEdge("missing", EndID))
}

func TestFlowNextBranchResolution(t *testing.T) {
	f := NewFlow("f")
	require.NoError(t, f.AddStep(&Step{ID: "c", CallID: call.IDChoice}))
	require.NoError(t, f.AddStep(&Step{ID: "x", CallID: call.IDEmpty}))
	require.NoError(t, f.AddStep(&Step{ID: "y", CallID: call.IDEmpty}))
	require.NoError(t, f.AddEdge(StartID, "c"))
	require.NoError(t, f.AddBranchEdge("c", "x", "bx"))
	require.NoError(t, f.AddBranchEdge("c", "y", "by"))

	next, err := f.Next("c", "by")
	require.NoError(t, err)
	assert.Equal(t, "y", next)

	// No matching branch and no default edge is a configuration error.
	_, err = f.Next("c", "unknown")
	assert.Error(t, err)

	require.NoError(t, f.AddEdge("c", "x"))
	next, err = f.Next("c", "unknown")
	require.NoError(t, err)
	assert.Equal(t, "x", next)
}

func TestQAExecutor(t *testing.T) {
	registry := call.NewRegistry(call.Deps{Model: &fakeModel{deltas: []string{"answer"}}})
	qa := NewQAExecutor(NewStepExecutor(registry, nil), "be brief")

	inv := newInvocation(t)
	require.NoError(t, qa.Execute(context.Background(), inv))
	assert.Equal(t, task.ExecutorStatusSuccess, inv.Task.Checkpoint.ExecutorStatus)
	assert.Equal(t, "answer", inv.Task.Runtime.Answer)
	require.Len(t, inv.History, 1)
	assert.Equal(t, "qa", inv.History[0].StepID)
}
