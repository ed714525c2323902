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
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-flow-go/executor"
	"trpc.group/trpc-go/trpc-flow-go/task"
	"trpc.group/trpc-go/trpc-flow-go/task/inmemory"
	"trpc.group/trpc-go/trpc-flow-go/tool"
)

type fakePlanner struct {
	mu          sync.Mutex
	queue       []*NextStep
	fallback    *NextStep
	createErr   error
	createCalls int
	paramError  bool
	missing     map[string]any
	answer      []string
	answerErr   error
}

func (p *fakePlanner) CreateNextStep(_ context.Context, _ string, _ []*task.HistoryEntry,
	_ []*tool.Descriptor) (*NextStep, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	if p.createErr != nil {
		return nil, p.createErr
	}
	if len(p.queue) > 0 {
		next := p.queue[0]
		p.queue = p.queue[1:]
		return next, nil
	}
	if p.fallback != nil {
		cp := *p.fallback
		return &cp, nil
	}
	return &NextStep{Tool: FinalToolName}, nil
}

func (p *fakePlanner) GetToolRisk(_ context.Context, t *tool.Descriptor,
	_ map[string]any) (string, error) {
	return "confirm " + t.Name, nil
}

func (p *fakePlanner) GetMissingParam(_ context.Context, _ *tool.Descriptor,
	_ map[string]any, _ string) (map[string]any, error) {
	return p.missing, nil
}

func (p *fakePlanner) IsParamError(_ context.Context, _ []*task.HistoryEntry, _ string,
	_ *tool.Descriptor, _ map[string]any) (bool, error) {
	return p.paramError, nil
}

func (p *fakePlanner) GenerateAnswer(_ context.Context, _ string,
	_ []*task.HistoryEntry) (<-chan string, error) {
	if p.answerErr != nil {
		return nil, p.answerErr
	}
	ch := make(chan string, len(p.answer))
	for _, text := range p.answer {
		ch <- text
	}
	close(ch)
	return ch, nil
}

type fakeResolver struct {
	tools []*tool.Descriptor
	err   error
}

func (r *fakeResolver) ResolveTools(_ context.Context, _, _ string) ([]*tool.Descriptor, error) {
	return r.tools, r.err
}

type fakeClient struct {
	mu     sync.Mutex
	calls  []string
	inputs []map[string]any
	result *tool.Result
	err    error
	panics bool
}

func (c *fakeClient) ListTools(_ context.Context) ([]*tool.Descriptor, error) {
	return nil, nil
}

func (c *fakeClient) CallTool(_ context.Context, name string,
	args map[string]any) (*tool.Result, error) {
	if c.panics {
		panic("client blew up")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
	c.inputs = append(c.inputs, args)
	return c.result, c.err
}

func (c *fakeClient) Close() error { return nil }

type fakePool struct {
	mu     sync.Mutex
	client *fakeClient
	gets   map[string]int
	stops  map[string]int
	getErr error
}

func newFakePool(client *fakeClient) *fakePool {
	return &fakePool{
		client: client,
		gets:   make(map[string]int),
		stops:  make(map[string]int),
	}
}

func (p *fakePool) Get(_ context.Context, serverID, userID string) (tool.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.getErr != nil {
		return nil, p.getErr
	}
	p.gets[serverID+"/"+userID]++
	return p.client, nil
}

func (p *fakePool) Stop(serverID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops[serverID+"/"+userID]++
	return nil
}

func newAgentInvocation(t *testing.T) *executor.Invocation {
	t.Helper()
	return &executor.Invocation{
		Task:  task.New("u1", "s1", "app1", "what is the weather"),
		Store: inmemory.New(),
	}
}

func TestInvalidPlannerDecisionsFallBackToFinal(t *testing.T) {
	planner := &fakePlanner{
		fallback: &NextStep{Tool: "no_such_tool"},
		answer:   []string{"best ", "effort"},
	}
	client := &fakeClient{result: &tool.Result{Text: "ok"}}
	pool := newFakePool(client)
	resolver := &fakeResolver{tools: []*tool.Descriptor{{Name: "echo", ServerID: "s1"}}}
	exec := New(planner, resolver, pool)

	inv := newAgentInvocation(t)
	require.NoError(t, exec.Execute(context.Background(), inv))

	cp := inv.Task.Checkpoint
	assert.Equal(t, task.ExecutorStatusSuccess, cp.ExecutorStatus)
	assert.Equal(t, defaultPlannerRetries, planner.createCalls)
	assert.Empty(t, client.calls)
	assert.Equal(t, "best effort", inv.Task.Runtime.Answer)
}

func TestStepCeilingForcesFinal(t *testing.T) {
	planner := &fakePlanner{
		fallback: &NextStep{Tool: "echo", Input: map[string]any{"n": 1.0}},
		answer:   []string{"summary"},
	}
	client := &fakeClient{result: &tool.Result{Text: "ok"}}
	pool := newFakePool(client)
	resolver := &fakeResolver{tools: []*tool.Descriptor{{Name: "echo", ServerID: "s1"}}}
	exec := New(planner, resolver, pool, WithMaxSteps(2))

	inv := newAgentInvocation(t)
	require.NoError(t, exec.Execute(context.Background(), inv))

	cp := inv.Task.Checkpoint
	assert.Equal(t, task.ExecutorStatusSuccess, cp.ExecutorStatus)
	assert.Equal(t, 2, cp.StepCount)
	assert.Len(t, client.calls, 2)
	// Two tool steps plus the final step.
	assert.Len(t, inv.History, 3)
	assert.Equal(t, FinalToolName, inv.History[2].StepName)
}

func TestClientsStoppedOncePerServer(t *testing.T) {
	planner := &fakePlanner{
		queue: []*NextStep{
			{Tool: "t1"},
			{Tool: "t2"},
			{Tool: "t1"},
		},
		answer: []string{"done"},
	}
	client := &fakeClient{result: &tool.Result{Text: "ok"}}
	pool := newFakePool(client)
	resolver := &fakeResolver{tools: []*tool.Descriptor{
		{Name: "t1", ServerID: "srv-a"},
		{Name: "t2", ServerID: "srv-b"},
	}}
	exec := New(planner, resolver, pool)

	inv := newAgentInvocation(t)
	require.NoError(t, exec.Execute(context.Background(), inv))

	assert.Equal(t, task.ExecutorStatusSuccess, inv.Task.Checkpoint.ExecutorStatus)
	assert.Equal(t, 1, pool.stops["srv-a/u1"])
	assert.Equal(t, 1, pool.stops["srv-b/u1"])
	assert.Len(t, pool.stops, 2)
}

func TestPanicRecordedAsErrorAndClientsReleased(t *testing.T) {
	planner := &fakePlanner{queue: []*NextStep{{Tool: "t1"}}}
	client := &fakeClient{panics: true}
	pool := newFakePool(client)
	resolver := &fakeResolver{tools: []*tool.Descriptor{{Name: "t1", ServerID: "srv-a"}}}
	exec := New(planner, resolver, pool)

	inv := newAgentInvocation(t)
	require.NoError(t, exec.Execute(context.Background(), inv))

	cp := inv.Task.Checkpoint
	assert.Equal(t, task.ExecutorStatusError, cp.ExecutorStatus)
	require.NotNil(t, cp.LastError)
	assert.Contains(t, cp.LastError.ErrMsg, "internal error")
	assert.Equal(t, 1, pool.stops["srv-a/u1"])
}

func TestConsecutiveErrorCeiling(t *testing.T) {
	planner := &fakePlanner{fallback: &NextStep{Tool: "t1"}}
	client := &fakeClient{result: &tool.Result{Text: "bad gateway", IsError: true}}
	pool := newFakePool(client)
	resolver := &fakeResolver{tools: []*tool.Descriptor{{Name: "t1", ServerID: "srv-a"}}}
	exec := New(planner, resolver, pool)

	inv := newAgentInvocation(t)
	require.NoError(t, exec.Execute(context.Background(), inv))

	cp := inv.Task.Checkpoint
	assert.Equal(t, task.ExecutorStatusError, cp.ExecutorStatus)
	assert.Equal(t, defaultMaxRetries, cp.Retries)
	assert.Len(t, client.calls, defaultMaxRetries)
	require.NotNil(t, cp.LastError)
	assert.Equal(t, "bad gateway", cp.LastError.ErrMsg)
	assert.Equal(t, 1, pool.stops["srv-a/u1"])
}

func TestConfirmPauseAndResume(t *testing.T) {
	planner := &fakePlanner{
		queue:  []*NextStep{{Tool: "t1", Input: map[string]any{"q": "x"}}},
		answer: []string{"answered"},
	}
	client := &fakeClient{result: &tool.Result{Text: "tool says hi"}}
	pool := newFakePool(client)
	resolver := &fakeResolver{tools: []*tool.Descriptor{{Name: "t1", ServerID: "srv-a"}}}
	exec := New(planner, resolver, pool,
		WithManualConfirm(func(string) bool { return true }))

	inv := newAgentInvocation(t)
	require.NoError(t, exec.Execute(context.Background(), inv))

	cp := inv.Task.Checkpoint
	assert.Equal(t, task.ExecutorStatusWaiting, cp.ExecutorStatus)
	assert.Equal(t, task.StepStatusWaiting, cp.StepStatus)
	assert.Equal(t, "t1", cp.StepName)
	assert.Equal(t, map[string]any{"q": "x"}, cp.CurrentInput)
	assert.Empty(t, client.calls)
	require.Len(t, inv.History, 1)
	assert.Equal(t, "confirm t1", inv.History[0].Extra["confirm"])

	// The user confirms and the run re-enters at the pending tool call.
	require.NoError(t, exec.Execute(context.Background(), inv))

	assert.Equal(t, task.ExecutorStatusSuccess, cp.ExecutorStatus)
	require.Len(t, client.calls, 1)
	assert.Equal(t, map[string]any{"q": "x"}, client.inputs[0])
	// The waiting entry is replaced by the success entry for the same step.
	require.Len(t, inv.History, 2)
	assert.Equal(t, task.StepStatusSuccess, inv.History[0].Status)
	assert.Equal(t, FinalToolName, inv.History[1].StepName)
	assert.Equal(t, "answered", inv.Task.Runtime.Answer)
}

func TestParamErrorPausesThenResumes(t *testing.T) {
	planner := &fakePlanner{
		queue:      []*NextStep{{Tool: "t1", Input: map[string]any{"q": "x"}}},
		paramError: true,
		missing:    map[string]any{"city": "which city?"},
		answer:     []string{"fixed"},
	}
	client := &fakeClient{result: &tool.Result{Text: "missing city", IsError: true}}
	pool := newFakePool(client)
	resolver := &fakeResolver{tools: []*tool.Descriptor{{Name: "t1", ServerID: "srv-a"}}}
	exec := New(planner, resolver, pool,
		WithManualConfirm(func(string) bool { return true }))

	inv := newAgentInvocation(t)
	// First run pauses at the confirmation gate.
	require.NoError(t, exec.Execute(context.Background(), inv))
	require.Equal(t, task.StepStatusWaiting, inv.Task.Checkpoint.StepStatus)

	// Confirmed run fails with a parameter-shaped error and pauses again.
	require.NoError(t, exec.Execute(context.Background(), inv))
	cp := inv.Task.Checkpoint
	assert.Equal(t, task.ExecutorStatusWaiting, cp.ExecutorStatus)
	assert.Equal(t, task.StepStatusParam, cp.StepStatus)
	require.Len(t, inv.History, 1)
	assert.Equal(t, map[string]any{"city": "which city?"},
		inv.History[0].Extra["missing"])

	// The user supplies the missing value and the tool succeeds.
	client.result = &tool.Result{Structured: map[string]any{"temp": 21.0}}
	cp.CurrentInput["city"] = "Shenzhen"
	require.NoError(t, exec.Execute(context.Background(), inv))

	assert.Equal(t, task.ExecutorStatusSuccess, cp.ExecutorStatus)
	last := client.inputs[len(client.inputs)-1]
	assert.Equal(t, "Shenzhen", last["city"])
	assert.Equal(t, "fixed", inv.Task.Runtime.Answer)
}

func TestResolveFailureIsFatal(t *testing.T) {
	planner := &fakePlanner{}
	pool := newFakePool(&fakeClient{})
	resolver := &fakeResolver{err: errors.New("catalog unreachable")}
	exec := New(planner, resolver, pool)

	inv := newAgentInvocation(t)
	err := exec.Execute(context.Background(), inv)
	require.Error(t, err)
	assert.Equal(t, task.ExecutorStatusError, inv.Task.Checkpoint.ExecutorStatus)
	assert.Empty(t, pool.stops)
}

func TestCancellationStopsTheLoop(t *testing.T) {
	planner := &fakePlanner{fallback: &NextStep{Tool: "t1"}}
	client := &fakeClient{result: &tool.Result{Text: "ok"}}
	pool := newFakePool(client)
	resolver := &fakeResolver{tools: []*tool.Descriptor{{Name: "t1", ServerID: "srv-a"}}}
	exec := New(planner, resolver, pool)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inv := newAgentInvocation(t)
	require.NoError(t, exec.Execute(ctx, inv))
	assert.Equal(t, task.ExecutorStatusCancelled, inv.Task.Checkpoint.ExecutorStatus)
	assert.Empty(t, client.calls)
}
