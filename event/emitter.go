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
	"errors"
	"time"

	"trpc.group/trpc-go/trpc-flow-go/log"
)

const (
	// defaultBufferSize is the buffer size of the underlying channel.
	defaultBufferSize = 256

	// idleSleep is how long a producer backs off when the consumer is not
	// keeping up, so that a stalled consumer never busy-loops the producer
	// while the emitter stays responsive to Close.
	idleSleep = 10 * time.Millisecond
)

// ErrEmitterClosed is returned when emitting on a closed emitter.
var ErrEmitterClosed = errors.New("event: emitter is closed")

// Emitter is an ordered, buffered hand-off between the engine and the
// message-channel consumer. Producers never block indefinitely: when the
// buffer is full they retry with a short idle sleep until the event is
// accepted, the context is done, or the emitter is closed.
type Emitter struct {
	ch     chan *Event
	closed chan struct{}
}

// EmitterOption configures an Emitter.
type EmitterOption func(*emitterOptions)

type emitterOptions struct {
	bufferSize int
}

// WithBufferSize sets the channel buffer size (default: 256).
func WithBufferSize(size int) EmitterOption {
	return func(o *emitterOptions) {
		if size > 0 {
			o.bufferSize = size
		}
	}
}

// NewEmitter creates a new Emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	options := emitterOptions{bufferSize: defaultBufferSize}
	for _, opt := range opts {
		opt(&options)
	}
	return &Emitter{
		ch:     make(chan *Event, options.bufferSize),
		closed: make(chan struct{}),
	}
}

// Events returns the consumer side of the emitter.
func (e *Emitter) Events() <-chan *Event {
	return e.ch
}

// Emit hands evt to the consumer, preserving emission order. It returns
// ctx.Err() if the context is done and ErrEmitterClosed after Close.
// A nil event is ignored.
func (e *Emitter) Emit(ctx context.Context, evt *Event) (err error) {
	if evt == nil {
		return nil
	}
	// Close may race with an in-flight send; treat it as a closed emitter
	// instead of propagating the panic.
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("emitter: recovered from emit on closed channel: %v", r)
			err = ErrEmitterClosed
		}
	}()
	for {
		select {
		case <-e.closed:
			return ErrEmitterClosed
		case <-ctx.Done():
			return ctx.Err()
		case e.ch <- evt:
			return nil
		default:
		}
		// Buffer full: back off briefly instead of spinning.
		select {
		case <-e.closed:
			return ErrEmitterClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(idleSleep):
		}
	}
}

// Close closes the emitter. Pending events already in the buffer remain
// readable; subsequent Emit calls fail with ErrEmitterClosed.
// Close is idempotent.
func (e *Emitter) Close() {
	select {
	case <-e.closed:
		return
	default:
	}
	close(e.closed)
	close(e.ch)
}

// StartHeartbeat starts a goroutine that injects keep-alive events at the
// given interval until ctx is done or the emitter is closed. It returns a
// stop function; calling it more than once is safe.
func StartHeartbeat(ctx context.Context, e *Emitter, interval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.closed:
				return
			case <-ticker.C:
				if err := e.Emit(ctx, New("", TypeHeartbeat)); err != nil {
					log.Debugf("heartbeat emit stopped: %v", err)
					return
				}
			}
		}
	}()
	return cancel
}
