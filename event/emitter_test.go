//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitPreservesOrder(t *testing.T) {
	e := NewEmitter(WithBufferSize(8))
	defer e.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		evt := New("task-1", TypeTextIncrement, WithPayload(i))
		require.NoError(t, e.Emit(ctx, evt))
	}

	for i := 0; i < 5; i++ {
		evt := <-e.Events()
		assert.Equal(t, i, evt.Payload)
		assert.Equal(t, "task-1", evt.TaskID)
	}
}

func TestEmitBlockedProducerRespectsContext(t *testing.T) {
	e := NewEmitter(WithBufferSize(1))
	defer e.Close()

	require.NoError(t, e.Emit(context.Background(), New("t", TypeStepOutput)))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	// Buffer is full and nobody consumes: the emit must return once the
	// context expires instead of blocking forever.
	err := e.Emit(ctx, New("t", TypeStepOutput))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEmitAfterClose(t *testing.T) {
	e := NewEmitter()
	e.Close()
	e.Close() // idempotent

	err := e.Emit(context.Background(), New("t", TypeStepOutput))
	assert.ErrorIs(t, err, ErrEmitterClosed)
}

func TestEmitNilEvent(t *testing.T) {
	e := NewEmitter()
	defer e.Close()
	assert.NoError(t, e.Emit(context.Background(), nil))
}

func TestHeartbeat(t *testing.T) {
	e := NewEmitter()
	defer e.Close()

	stop := StartHeartbeat(context.Background(), e, 10*time.Millisecond)
	defer stop()

	select {
	case evt := <-e.Events():
		assert.Equal(t, TypeHeartbeat, evt.Type)
		assert.Empty(t, evt.TaskID)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat received")
	}
}
