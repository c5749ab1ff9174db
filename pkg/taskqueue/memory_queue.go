// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time interface verification
var _ Queue = (*MemoryQueue)(nil)

// MemoryQueue is an in-memory implementation of Queue for tests and local
// runs. Tasks are not persisted.
type MemoryQueue struct {
	mu                sync.Mutex
	tasks             map[string]*memTask
	seq               uint64
	visibilityTimeout time.Duration
	closed            bool
}

type memTask struct {
	*Task
	seq uint64
}

// NewMemoryQueue creates a new in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		tasks:             make(map[string]*memTask),
		visibilityTimeout: DefaultVisibilityTimeout,
	}
}

// SetVisibilityTimeout changes how long a running task may go without a
// heartbeat before it is handed out again.
func (q *MemoryQueue) SetVisibilityTimeout(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.visibilityTimeout = d
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	now := time.Now()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = now
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	q.seq++
	q.tasks[task.ID] = &memTask{Task: task, seq: q.seq}
	TasksEnqueuedTotal.WithLabelValues(string(task.Type)).Inc()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	now := time.Now()
	var best *memTask

	for _, task := range q.tasks {
		if q.stale(task.Task, now) {
			task.Status = StatusPending
			task.WorkerID = ""
			task.Attempts++
		}
		if !task.ready(now) {
			continue
		}
		if len(taskTypes) > 0 && !slices.Contains(taskTypes, task.Type) {
			continue
		}

		// Highest priority first, then enqueue order.
		if best == nil || task.Priority > best.Priority ||
			(task.Priority == best.Priority && task.seq < best.seq) {
			best = task
		}
	}

	if best == nil {
		return nil, nil
	}

	best.Status = StatusRunning
	best.WorkerID = workerID
	startTime := now
	best.StartedAt = &startTime
	best.UpdatedAt = now

	return best.Task, nil
}

func (q *MemoryQueue) stale(task *Task, now time.Time) bool {
	return task.Status == StatusRunning && q.visibilityTimeout > 0 &&
		now.Sub(task.UpdatedAt) > q.visibilityTimeout
}

func (q *MemoryQueue) Complete(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	now := time.Now()
	task.Status = StatusCompleted
	task.CompletedAt = &now
	task.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, taskID string, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	task.Attempts++
	task.LastError = err.Error()
	task.UpdatedAt = time.Now()

	if task.Attempts >= task.MaxRetries {
		task.Status = StatusDeadLetter
		task.WorkerID = ""
		TasksDeadLettered.WithLabelValues(string(task.Type)).Inc()
		return nil
	}
	task.RetryAfter = time.Now().Add(RetryBackoff(task.Attempts))
	task.Status = StatusPending
	task.WorkerID = ""
	TaskRetries.WithLabelValues(string(task.Type)).Inc()
	return nil
}

func (q *MemoryQueue) Cancel(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	now := time.Now()
	task.Status = StatusCancelled
	task.CompletedAt = &now
	task.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) Heartbeat(ctx context.Context, taskID string, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}

	if task.WorkerID != workerID || task.Status != StatusRunning {
		return ErrTaskNotFound
	}

	task.UpdatedAt = time.Now()
	return nil
}

func (q *MemoryQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Task, nil
}

// List returns matching tasks in enqueue order.
func (q *MemoryQueue) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var matched []*memTask
	for _, task := range q.tasks {
		if filter.Type != "" && task.Type != filter.Type {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		matched = append(matched, task)
	}
	slices.SortFunc(matched, func(a, b *memTask) int { return cmp.Compare(a.seq, b.seq) })

	if filter.Offset > 0 {
		matched = matched[min(filter.Offset, len(matched)):]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	result := make([]*Task, len(matched))
	for i, task := range matched {
		result[i] = task.Task
	}
	return result, nil
}

func (q *MemoryQueue) Stats(ctx context.Context) (*QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := &QueueStats{
		ByType: make(map[TaskType]int64),
	}

	for _, task := range q.tasks {
		switch task.Status {
		case StatusPending:
			stats.Pending++
			if stats.OldestPending == nil || task.ScheduledAt.Before(*stats.OldestPending) {
				oldest := task.ScheduledAt
				stats.OldestPending = &oldest
			}
		case StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusDeadLetter:
			stats.DeadLetter++
		case StatusCancelled:
			stats.Cancelled++
		}
		stats.ByType[task.Type]++
	}

	return stats, nil
}

func (q *MemoryQueue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	count := 0

	for id, task := range q.tasks {
		if task.Status != StatusCompleted && task.Status != StatusCancelled {
			continue
		}
		if task.CompletedAt != nil && task.CompletedAt.Before(cutoff) {
			delete(q.tasks, id)
			count++
		}
	}

	return count, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
