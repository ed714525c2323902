//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides a process-local task store for tests and
// single-node deployments.
package inmemory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"trpc.group/trpc-go/trpc-flow-go/task"
)

// Store keeps tasks and history in memory. Records are stored serialized so
// callers never share mutable state with the store.
type Store struct {
	mu      sync.RWMutex
	tasks   map[string][]byte
	history map[string][]byte
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		tasks:   make(map[string][]byte),
		history: make(map[string][]byte),
	}
}

// GetTask implements task.Store.
func (s *Store) GetTask(_ context.Context, taskID string) (*task.Task, error) {
	s.mu.RLock()
	raw, ok := s.tasks[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, task.ErrTaskNotFound
	}
	var t task.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return &t, nil
}

// SaveTask implements task.Store.
func (s *Store) SaveTask(_ context.Context, taskID string, t *task.Task) error {
	if t == nil {
		return fmt.Errorf("save task %s: nil task", taskID)
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", taskID, err)
	}
	s.mu.Lock()
	s.tasks[taskID] = raw
	s.mu.Unlock()
	return nil
}

// DeleteTask implements task.Store.
func (s *Store) DeleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	delete(s.tasks, taskID)
	delete(s.history, taskID)
	s.mu.Unlock()
	return nil
}

// SaveHistory implements task.Store.
func (s *Store) SaveHistory(_ context.Context, taskID string, history []*task.HistoryEntry) error {
	raw, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode history %s: %w", taskID, err)
	}
	s.mu.Lock()
	s.history[taskID] = raw
	s.mu.Unlock()
	return nil
}

// GetHistory implements task.Store.
func (s *Store) GetHistory(_ context.Context, taskID string) ([]*task.HistoryEntry, error) {
	s.mu.RLock()
	raw, ok := s.history[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var history []*task.HistoryEntry
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", taskID, err)
	}
	return history, nil
}
