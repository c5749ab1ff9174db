// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/zapingest/pkg/taskqueue"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends runs fn once per Queue implementation that needs no external
// service.
func backends(t *testing.T, fn func(t *testing.T, q taskqueue.Queue)) {
	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		q := taskqueue.NewMemoryQueue()
		defer q.Close()
		fn(t, q)
	})
	t.Run("redis", func(t *testing.T) {
		t.Parallel()
		s := miniredis.RunT(t)
		q, err := taskqueue.NewRedisQueue(context.Background(), taskqueue.RedisQueueConfig{Addr: s.Addr()})
		require.NoError(t, err)
		defer q.Close()
		fn(t, q)
	})
}

func partTask(t *testing.T, n int) *taskqueue.Task {
	t.Helper()
	task, err := taskqueue.NewTask(taskqueue.TaskTypeVideoPart, map[string]any{
		"UploadId":   "u-1",
		"PartNumber": n,
	})
	require.NoError(t, err)
	return task
}

func TestQueue_EnqueueAssignsDefaults(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, q taskqueue.Queue) {
		ctx := context.Background()
		task := partTask(t, 1)
		require.NoError(t, q.Enqueue(ctx, task))

		assert.NotEmpty(t, task.ID)
		assert.Equal(t, taskqueue.StatusPending, task.Status)
		assert.False(t, task.CreatedAt.IsZero())
		assert.False(t, task.ScheduledAt.IsZero())

		got, err := q.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, taskqueue.TaskTypeVideoPart, got.Type)
		assert.JSONEq(t, `{"UploadId":"u-1","PartNumber":1}`, string(got.Payload))
	})
}

func TestQueue_DequeueOldestFirst(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, q taskqueue.Queue) {
		ctx := context.Background()
		base := time.Now().Add(-time.Minute)
		var ids []string
		for i := range 3 {
			task := partTask(t, i+1)
			task.ScheduledAt = base.Add(time.Duration(i) * time.Second)
			require.NoError(t, q.Enqueue(ctx, task))
			ids = append(ids, task.ID)
		}

		for _, want := range ids {
			got, err := q.Dequeue(ctx, "worker-1", taskqueue.TaskTypeVideoPart)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, want, got.ID)
			assert.Equal(t, taskqueue.StatusRunning, got.Status)
			assert.Equal(t, "worker-1", got.WorkerID)
			assert.NotNil(t, got.StartedAt)
		}

		got, err := q.Dequeue(ctx, "worker-1", taskqueue.TaskTypeVideoPart)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestQueue_DequeueTypeFilter(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, q taskqueue.Queue) {
		ctx := context.Background()
		title, err := taskqueue.NewTask(taskqueue.TaskTypeTitle, map[string]string{"title": "Demo"})
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(ctx, title))
		require.NoError(t, q.Enqueue(ctx, partTask(t, 1)))

		got, err := q.Dequeue(ctx, "w", taskqueue.TaskTypeLastVideoPart)
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = q.Dequeue(ctx, "w", taskqueue.TaskTypeTitle)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, title.ID, got.ID)

		// No filter means any type.
		got, err = q.Dequeue(ctx, "w")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, taskqueue.TaskTypeVideoPart, got.Type)
	})
}

func TestQueue_SkipsFutureTasks(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, q taskqueue.Queue) {
		ctx := context.Background()
		task := partTask(t, 1)
		task.ScheduledAt = time.Now().Add(time.Hour)
		require.NoError(t, q.Enqueue(ctx, task))

		got, err := q.Dequeue(ctx, "w", taskqueue.TaskTypeVideoPart)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestQueue_Complete(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, q taskqueue.Queue) {
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, partTask(t, 1)))
		task, err := q.Dequeue(ctx, "w", taskqueue.TaskTypeVideoPart)
		require.NoError(t, err)
		require.NotNil(t, task)

		require.NoError(t, q.Complete(ctx, task.ID))

		got, err := q.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, taskqueue.StatusCompleted, got.Status)
		assert.NotNil(t, got.CompletedAt)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Completed)
		assert.Zero(t, stats.Running)
	})
}

func TestQueue_UnknownTask(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, q taskqueue.Queue) {
		ctx := context.Background()
		assert.ErrorIs(t, q.Complete(ctx, "missing"), taskqueue.ErrTaskNotFound)
		assert.ErrorIs(t, q.Fail(ctx, "missing", errors.New("x")), taskqueue.ErrTaskNotFound)
		assert.ErrorIs(t, q.Cancel(ctx, "missing"), taskqueue.ErrTaskNotFound)
		assert.ErrorIs(t, q.Heartbeat(ctx, "missing", "w"), taskqueue.ErrTaskNotFound)
		_, err := q.Get(ctx, "missing")
		assert.ErrorIs(t, err, taskqueue.ErrTaskNotFound)
	})
}

func TestQueue_FailSchedulesRetry(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, q taskqueue.Queue) {
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, partTask(t, 1)))
		task, err := q.Dequeue(ctx, "w", taskqueue.TaskTypeVideoPart)
		require.NoError(t, err)
		require.NotNil(t, task)

		before := time.Now()
		require.NoError(t, q.Fail(ctx, task.ID, errors.New("store unavailable")))

		got, err := q.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, taskqueue.StatusPending, got.Status)
		assert.Equal(t, 1, got.Attempts)
		assert.Equal(t, "store unavailable", got.LastError)
		assert.True(t, got.RetryAfter.After(before.Add(time.Second)), "retry should back off")

		again, err := q.Dequeue(ctx, "w", taskqueue.TaskTypeVideoPart)
		require.NoError(t, err)
		assert.Nil(t, again, "task is in backoff")
	})
}

func TestQueue_FailDeadLetters(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, q taskqueue.Queue) {
		ctx := context.Background()
		task := partTask(t, 1)
		task.MaxRetries = 1
		require.NoError(t, q.Enqueue(ctx, task))
		_, err := q.Dequeue(ctx, "w", taskqueue.TaskTypeVideoPart)
		require.NoError(t, err)

		require.NoError(t, q.Fail(ctx, task.ID, errors.New("boom")))

		got, err := q.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, taskqueue.StatusDeadLetter, got.Status)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.DeadLetter)
		assert.Zero(t, stats.Pending)
	})
}

func TestQueue_Cancel(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, q taskqueue.Queue) {
		ctx := context.Background()
		task := partTask(t, 1)
		require.NoError(t, q.Enqueue(ctx, task))

		require.NoError(t, q.Cancel(ctx, task.ID))

		got, err := q.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, taskqueue.StatusCancelled, got.Status)
		assert.NotNil(t, got.CompletedAt)

		next, err := q.Dequeue(ctx, "w", taskqueue.TaskTypeVideoPart)
		require.NoError(t, err)
		assert.Nil(t, next, "cancelled tasks are never handed out")

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Cancelled)
	})
}

func TestQueue_Heartbeat(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, q taskqueue.Queue) {
		ctx := context.Background()
		pending := partTask(t, 2)
		require.NoError(t, q.Enqueue(ctx, partTask(t, 1)))
		task, err := q.Dequeue(ctx, "worker-1", taskqueue.TaskTypeVideoPart)
		require.NoError(t, err)
		require.NotNil(t, task)
		require.NoError(t, q.Enqueue(ctx, pending))

		assert.NoError(t, q.Heartbeat(ctx, task.ID, "worker-1"))
		assert.ErrorIs(t, q.Heartbeat(ctx, task.ID, "worker-2"), taskqueue.ErrTaskNotFound)
		assert.ErrorIs(t, q.Heartbeat(ctx, pending.ID, "worker-1"), taskqueue.ErrTaskNotFound)
	})
}

func TestQueue_ListFilters(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, q taskqueue.Queue) {
		ctx := context.Background()
		base := time.Now().Add(-time.Minute)
		for i := range 4 {
			task := partTask(t, i+1)
			task.CreatedAt = base.Add(time.Duration(i) * time.Second)
			require.NoError(t, q.Enqueue(ctx, task))
		}
		title, err := taskqueue.NewTask(taskqueue.TaskTypeTitle, map[string]string{"title": "x"})
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(ctx, title))
		require.NoError(t, q.Cancel(ctx, title.ID))

		all, err := q.List(ctx, taskqueue.TaskFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 5)

		parts, err := q.List(ctx, taskqueue.TaskFilter{Type: taskqueue.TaskTypeVideoPart})
		require.NoError(t, err)
		assert.Len(t, parts, 4)

		cancelled, err := q.List(ctx, taskqueue.TaskFilter{Status: taskqueue.StatusCancelled})
		require.NoError(t, err)
		require.Len(t, cancelled, 1)
		assert.Equal(t, title.ID, cancelled[0].ID)

		page, err := q.List(ctx, taskqueue.TaskFilter{Type: taskqueue.TaskTypeVideoPart, Offset: 1, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, parts[1].ID, page[0].ID)
		assert.Equal(t, parts[2].ID, page[1].ID)
	})
}

func TestQueue_Stats(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, q taskqueue.Queue) {
		ctx := context.Background()
		for i := range 3 {
			require.NoError(t, q.Enqueue(ctx, partTask(t, i+1)))
		}
		last, err := taskqueue.NewTask(taskqueue.TaskTypeLastVideoPart, map[string]any{"PartNumber": 4})
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(ctx, last))

		_, err = q.Dequeue(ctx, "w", taskqueue.TaskTypeLastVideoPart)
		require.NoError(t, err)

		stats, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stats.Pending)
		assert.Equal(t, int64(1), stats.Running)
		assert.Equal(t, int64(3), stats.ByType[taskqueue.TaskTypeVideoPart])
		assert.NotNil(t, stats.OldestPending)
	})
}

func TestQueue_CleanupKeepsRecent(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, q taskqueue.Queue) {
		ctx := context.Background()
		task := partTask(t, 1)
		require.NoError(t, q.Enqueue(ctx, task))
		require.NoError(t, q.Complete(ctx, task.ID))
		require.NoError(t, q.Enqueue(ctx, partTask(t, 2)))

		n, err := q.Cleanup(ctx, time.Hour)
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = q.Cleanup(ctx, -time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = q.Get(ctx, task.ID)
		assert.ErrorIs(t, err, taskqueue.ErrTaskNotFound)

		remaining, err := q.List(ctx, taskqueue.TaskFilter{})
		require.NoError(t, err)
		assert.Len(t, remaining, 1, "pending tasks survive cleanup")
	})
}

func TestQueue_ConcurrentDequeueHandsOutOnce(t *testing.T) {
	t.Parallel()
	backends(t, func(t *testing.T, q taskqueue.Queue) {
		ctx := context.Background()
		const tasks = 20
		for i := range tasks {
			require.NoError(t, q.Enqueue(ctx, partTask(t, i+1)))
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for w := range 4 {
			wg.Go(func() {
				for {
					task, err := q.Dequeue(ctx, fmt.Sprintf("worker-%d", w), taskqueue.TaskTypeVideoPart)
					if err != nil || task == nil {
						return
					}
					mu.Lock()
					seen[task.ID]++
					mu.Unlock()
				}
			})
		}
		wg.Wait()

		assert.Len(t, seen, tasks)
		for id, n := range seen {
			assert.Equal(t, 1, n, "task %s dequeued %d times", id, n)
		}
	})
}

func TestMemoryQueue_Closed(t *testing.T) {
	t.Parallel()

	q := taskqueue.NewMemoryQueue()
	require.NoError(t, q.Close())

	err := q.Enqueue(context.Background(), &taskqueue.Task{Type: taskqueue.TaskTypeTitle, Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, taskqueue.ErrQueueClosed)

	_, err = q.Dequeue(context.Background(), "w")
	assert.ErrorIs(t, err, taskqueue.ErrQueueClosed)
}

func TestRedisQueue_ReclaimsStaleTask(t *testing.T) {
	t.Parallel()

	s := miniredis.RunT(t)
	ctx := context.Background()
	q, err := taskqueue.NewRedisQueue(ctx, taskqueue.RedisQueueConfig{
		Addr:              s.Addr(),
		Prefix:            "test",
		VisibilityTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Enqueue(ctx, partTask(t, 1)))
	first, err := q.Dequeue(ctx, "worker-1", taskqueue.TaskTypeVideoPart)
	require.NoError(t, err)
	require.NotNil(t, first)

	time.Sleep(100 * time.Millisecond)

	second, err := q.Dequeue(ctx, "worker-2", taskqueue.TaskTypeVideoPart)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "worker-2", second.WorkerID)
	assert.Equal(t, 1, second.Attempts)

	assert.True(t, s.Exists("test:task:"+first.ID))
	members, err := s.ZMembers("test:running:video_part")
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID}, members)
}

func TestRedisQueue_DuplicateID(t *testing.T) {
	t.Parallel()

	s := miniredis.RunT(t)
	ctx := context.Background()
	q, err := taskqueue.NewRedisQueue(ctx, taskqueue.RedisQueueConfig{Addr: s.Addr()})
	require.NoError(t, err)
	defer q.Close()

	task := partTask(t, 1)
	task.ID = "fixed"
	require.NoError(t, q.Enqueue(ctx, task))

	dup := partTask(t, 1)
	dup.ID = "fixed"
	assert.Error(t, q.Enqueue(ctx, dup))
}

func TestRedisQueue_RequiresAddr(t *testing.T) {
	t.Parallel()

	_, err := taskqueue.NewRedisQueue(context.Background(), taskqueue.RedisQueueConfig{})
	assert.Error(t, err)

	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()
	_, err = taskqueue.NewRedisQueue(context.Background(), taskqueue.RedisQueueConfig{Addr: addr})
	assert.ErrorContains(t, err, "redis ping failed")
}

func TestRedisQueue_IgnoresBullJobs(t *testing.T) {
	t.Parallel()

	s := miniredis.RunT(t)
	ctx := context.Background()
	q, err := taskqueue.NewRedisQueue(ctx, taskqueue.RedisQueueConfig{Addr: s.Addr()})
	require.NoError(t, err)
	defer q.Close()

	// A job as a Bull producer writes it.
	_, err = s.Lpush("bull:uploadQueue:wait", "1")
	require.NoError(t, err)
	s.HSet("bull:uploadQueue:1", "name", "video_part", "data", `{"UploadId":"u-1","PartNumber":1}`)

	got, err := q.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)

	task := partTask(t, 1)
	require.NoError(t, q.Enqueue(ctx, task))
	assert.True(t, s.Exists("uploadQueue:task:"+task.ID))
}
