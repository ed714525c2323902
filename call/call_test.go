//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package call

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-flow-go/model"
)

// fakeModel streams a fixed answer split into deltas.
type fakeModel struct {
	deltas []string
	usage  *model.Usage
	err    string
}

func (f *fakeModel) GenerateContent(ctx context.Context, _ *model.Request) (<-chan *model.Response, error) {
	ch := make(chan *model.Response, len(f.deltas)+1)
	go func() {
		defer close(ch)
		if f.err != "" {
			ch <- &model.Response{
				Done:  true,
				Error: &model.ResponseError{Message: f.err, Type: model.ErrorTypeAPIError},
			}
			return
		}
		for _, d := range f.deltas {
			ch <- &model.Response{Delta: d}
		}
		ch <- &model.Response{Done: true, Usage: f.usage}
	}()
	return ch, nil
}

// fakeStructured returns a canned object.
type fakeStructured struct {
	out map[string]any
	err error
}

func (f *fakeStructured) GenerateStructured(
	_ context.Context, _ *model.Request, _ map[string]any,
) (map[string]any, error) {
	return f.out, f.err
}

func collectChunks(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var out []Chunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

func TestRegistryResolveUnknown(t *testing.T) {
	r := NewRegistry(Deps{})
	_, err := r.Resolve("no_such_call", nil)
	var rerr *ResolutionError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "no_such_call", rerr.ID)
}

func TestRegistryRejectsDuplicateAndInvalid(t *testing.T) {
	r := NewRegistry(Deps{})
	assert.Error(t, r.Register(IDEmpty, func(Deps, map[string]any) (Call, error) { return nil, nil }))
	assert.Error(t, r.Register("", func(Deps, map[string]any) (Call, error) { return nil, nil }))
	assert.Error(t, r.Register("x", nil))

	require.NoError(t, r.Register("x", func(Deps, map[string]any) (Call, error) {
		return &emptyCall{}, nil
	}))
	c, err := r.Resolve("x", nil)
	require.NoError(t, err)
	assert.Equal(t, IDEmpty, c.Declaration().Name)
}

func TestRegistryBuiltinsNeedDeps(t *testing.T) {
	r := NewRegistry(Deps{})
	_, err := r.Resolve(IDLLM, nil)
	var rerr *ResolutionError
	assert.ErrorAs(t, err, &rerr)

	r = NewRegistry(Deps{Model: &fakeModel{deltas: []string{"ok"}}})
	_, err = r.Resolve(IDLLM, nil)
	assert.NoError(t, err)
}

func TestEmptyCallYieldsNothing(t *testing.T) {
	r := NewRegistry(Deps{})
	c, err := r.Resolve(IDEmpty, map[string]any{"k": "v"})
	require.NoError(t, err)

	input, err := c.Init(context.Background(), &Vars{})
	require.NoError(t, err)
	assert.Equal(t, "v", input["k"])

	ch, err := c.Exec(context.Background(), input)
	require.NoError(t, err)
	assert.Empty(t, collectChunks(t, ch))
}

func TestLLMCallStreamsText(t *testing.T) {
	deps := Deps{Model: &fakeModel{
		deltas: []string{"Hel", "lo"},
		usage:  &model.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}}
	c, err := newLLM(deps, map[string]any{"template": "say hi to {{.Question}}"})
	require.NoError(t, err)

	input, err := c.Init(context.Background(), &Vars{Question: "world"})
	require.NoError(t, err)
	assert.Equal(t, "say hi to world", input["prompt"])

	ch, err := c.Exec(context.Background(), input)
	require.NoError(t, err)
	chunks := collectChunks(t, ch)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", chunks[0].Text)
	assert.Equal(t, "lo", chunks[1].Text)
	require.NotNil(t, chunks[2].Usage)
	assert.Equal(t, 5, chunks[2].Usage.TotalTokens)
}

func TestLLMCallModelErrorIsRecoverable(t *testing.T) {
	c, err := newLLM(Deps{Model: &fakeModel{err: "upstream 500"}}, nil)
	require.NoError(t, err)

	input, err := c.Init(context.Background(), &Vars{Question: "hi"})
	require.NoError(t, err)
	ch, err := c.Exec(context.Background(), input)
	require.NoError(t, err)

	chunks := collectChunks(t, ch)
	require.Len(t, chunks, 1)
	var cerr *Error
	require.ErrorAs(t, chunks[0].Err, &cerr)
	assert.Equal(t, "upstream 500", cerr.Message)
}

func TestLLMCallMalformedTemplate(t *testing.T) {
	c, err := newLLM(Deps{Model: &fakeModel{}}, map[string]any{"template": "{{.Broken"})
	require.NoError(t, err)

	_, err = c.Init(context.Background(), &Vars{})
	var cerr *Error
	assert.ErrorAs(t, err, &cerr)
}

func TestExtractFactsAfterExecSink(t *testing.T) {
	var got []string
	deps := Deps{
		Structured: &fakeStructured{out: map[string]any{"facts": []any{"likes tea", ""}}},
		FactsSink:  func(facts []string) { got = facts },
	}
	c, err := newExtractFacts(deps, nil)
	require.NoError(t, err)

	input, err := c.Init(context.Background(), &Vars{Question: "q"})
	require.NoError(t, err)
	ch, err := c.Exec(context.Background(), input)
	require.NoError(t, err)
	chunks := collectChunks(t, ch)
	require.Len(t, chunks, 1)
	assert.Equal(t, ChunkTypeData, chunks[0].Type)

	// Sink fires only through AfterExec.
	assert.Nil(t, got)
	after, ok := c.(AfterExecutor)
	require.True(t, ok)
	require.NoError(t, after.AfterExec(context.Background(), input))
	assert.Equal(t, []string{"likes tea"}, got)
}

func TestExtractFactsRunsDoNotShareBackingArray(t *testing.T) {
	gen := &fakeStructured{out: map[string]any{"facts": []any{"likes tea"}}}
	var batches [][]string
	c, err := newExtractFacts(Deps{
		Structured: gen,
		FactsSink:  func(facts []string) { batches = append(batches, facts) },
	}, nil)
	require.NoError(t, err)

	run := func() {
		input, err := c.Init(context.Background(), &Vars{Question: "q"})
		require.NoError(t, err)
		ch, err := c.Exec(context.Background(), input)
		require.NoError(t, err)
		collectChunks(t, ch)
		after, ok := c.(AfterExecutor)
		require.True(t, ok)
		require.NoError(t, after.AfterExec(context.Background(), input))
	}
	run()
	gen.out = map[string]any{"facts": []any{"prefers coffee"}}
	run()

	// The second run must not rewrite the batch the sink already received.
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"likes tea"}, batches[0])
	assert.Equal(t, []string{"prefers coffee"}, batches[1])
}

func TestAutoFillReportsRemaining(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"city"},
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
		},
	}
	c, err := NewAutoFill(nil, schema, map[string]any{})
	require.NoError(t, err)

	input, err := c.Init(context.Background(), &Vars{})
	require.NoError(t, err)
	ch, err := c.Exec(context.Background(), input)
	require.NoError(t, err)

	chunks := collectChunks(t, ch)
	require.Len(t, chunks, 1)
	result, ok := chunks[0].Data.(*AutoFillResult)
	require.True(t, ok)
	props, ok := result.Remaining["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "/city")
}

func TestAutoFillGeneratesMissingFields(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"city", "days"},
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
			"days": map[string]any{"type": "integer"},
		},
	}
	gen := &fakeStructured{out: map[string]any{"/days": 3.0}}
	c, err := NewAutoFill(gen, schema, map[string]any{"city": "Xiamen"})
	require.NoError(t, err)

	input, err := c.Init(context.Background(), &Vars{Question: "plan a trip"})
	require.NoError(t, err)
	ch, err := c.Exec(context.Background(), input)
	require.NoError(t, err)

	chunks := collectChunks(t, ch)
	require.Len(t, chunks, 1)
	result, ok := chunks[0].Data.(*AutoFillResult)
	require.True(t, ok)
	assert.Empty(t, result.Remaining)
	assert.Equal(t, "Xiamen", result.Values["city"])
	assert.Equal(t, 3.0, result.Values["days"])
}

func TestVarsHistoryText(t *testing.T) {
	v := &Vars{
		History:      map[string]any{"s1": "one", "s2": "two"},
		HistoryOrder: []string{"s2", "s1"},
	}
	assert.Equal(t, "- s2: two\n- s1: one\n", v.HistoryText())
}
