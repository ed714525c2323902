//
// Tencent is pleased to support the open source community by making trpc-flow-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flow-go is licensed under the Apache License Version 2.0.
//
//

package task

import (
	"context"
	"errors"
)

// ErrTaskNotFound is returned by GetTask when no record exists for the id.
var ErrTaskNotFound = errors.New("task not found")

// Store persists tasks and their step history. Save operations are
// idempotent upserts keyed by task id. The store is the single source of
// truth for in-flight state; at most one executor mutates a given task.
type Store interface {
	// GetTask loads the task for id, ErrTaskNotFound when absent.
	GetTask(ctx context.Context, taskID string) (*Task, error)
	// SaveTask upserts the task under id.
	SaveTask(ctx context.Context, taskID string, t *Task) error
	// DeleteTask removes the task and its history. Deleting an absent task
	// is a no-op.
	DeleteTask(ctx context.Context, taskID string) error
	// SaveHistory replaces the stored history for id with the given entries.
	SaveHistory(ctx context.Context, taskID string, history []*HistoryEntry) error
	// GetHistory loads the stored history for id, empty when absent.
	GetHistory(ctx context.Context, taskID string) ([]*HistoryEntry, error)
}
