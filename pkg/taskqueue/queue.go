// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrQueueClosed  = errors.New("task queue is closed")

	// ErrInvalidPayload marks a task that can never succeed. Workers cancel
	// such tasks instead of retrying them.
	ErrInvalidPayload = errors.New("invalid task payload")
)

// Queue stores upload tasks and hands them to workers. Every backend gives
// at-least-once delivery: a task claimed by a worker that stops
// heartbeating is handed out again after the visibility timeout.
type Queue interface {
	Enqueue(ctx context.Context, task *Task) error

	// Dequeue claims the next ready task of one of taskTypes (any type when
	// empty) for workerID. It returns nil, nil when nothing is ready.
	Dequeue(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error)

	Complete(ctx context.Context, taskID string) error

	// Fail records err and schedules a retry after RetryBackoff, or moves
	// the task to the dead letter set once MaxRetries attempts were used.
	Fail(ctx context.Context, taskID string, err error) error

	// Cancel finishes a task without retrying it.
	Cancel(ctx context.Context, taskID string) error

	// Heartbeat keeps a running task claimed by workerID. It returns
	// ErrTaskNotFound when the task is no longer running for that worker.
	Heartbeat(ctx context.Context, taskID string, workerID string) error

	Get(ctx context.Context, taskID string) (*Task, error)
	List(ctx context.Context, filter TaskFilter) ([]*Task, error)
	Stats(ctx context.Context) (*QueueStats, error)

	// Cleanup deletes completed and cancelled tasks finished more than
	// olderThan ago and returns how many were removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	Close() error
}

// Handler processes one task type. A nil error completes the task, an
// error wrapping ErrInvalidPayload cancels it and any other error fails it.
type Handler interface {
	Type() TaskType
	Handle(ctx context.Context, task *Task) error
}
