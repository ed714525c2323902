//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package redis provides a Redis-backed task store for multi-node
// deployments where a paused task may resume in another process.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-flow-go/task"
)

const (
	taskKeyPrefix    = "flow:task:"
	historyKeyPrefix = "flow:history:"
	defaultTTL       = 24 * time.Hour
)

// Store persists tasks and history as JSON values in Redis with a bounded
// TTL, so abandoned paused tasks eventually expire.
type Store struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// Option configures the store.
type Option func(*Store)

// WithTTL overrides the record expiry (default: 24h). Zero disables expiry.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// New creates a Redis-backed store on an existing client.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, ttl: defaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromAddr creates a store with its own single-node client.
func NewFromAddr(addr string, opts ...Option) *Store {
	return New(goredis.NewClient(&goredis.Options{Addr: addr}), opts...)
}

// GetTask implements task.Store.
func (s *Store) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	raw, err := s.client.Get(ctx, taskKeyPrefix+taskID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, task.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	var t task.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return &t, nil
}

// SaveTask implements task.Store.
func (s *Store) SaveTask(ctx context.Context, taskID string, t *task.Task) error {
	if t == nil {
		return fmt.Errorf("save task %s: nil task", taskID)
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", taskID, err)
	}
	if err := s.client.Set(ctx, taskKeyPrefix+taskID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save task %s: %w", taskID, err)
	}
	return nil
}

// DeleteTask implements task.Store.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, taskKeyPrefix+taskID, historyKeyPrefix+taskID).Err(); err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	return nil
}

// SaveHistory implements task.Store.
func (s *Store) SaveHistory(ctx context.Context, taskID string, history []*task.HistoryEntry) error {
	raw, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode history %s: %w", taskID, err)
	}
	if err := s.client.Set(ctx, historyKeyPrefix+taskID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save history %s: %w", taskID, err)
	}
	return nil
}

// GetHistory implements task.Store.
func (s *Store) GetHistory(ctx context.Context, taskID string) ([]*task.HistoryEntry, error) {
	raw, err := s.client.Get(ctx, historyKeyPrefix+taskID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get history %s: %w", taskID, err)
	}
	var history []*task.HistoryEntry
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", taskID, err)
	}
	return history, nil
}
