// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/LeeDigitalWorks/zapingest/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig configures the Redis queue.
type RedisQueueConfig struct {
	// Client is used as is when set; Addr, Password and DB are ignored.
	Client *redis.Client

	Addr     string
	Password string
	DB       int

	// Prefix namespaces every key (default "uploadQueue").
	Prefix string

	// VisibilityTimeout is how long a running task may go without a
	// heartbeat before another worker reclaims it (default 5m).
	VisibilityTimeout time.Duration
}

// RedisQueue stores tasks in Redis.
//
// Layout, with p the prefix:
//
//	p:task:{id}          task JSON
//	p:all                zset of every task id by creation time
//	p:types              set of task types ever enqueued
//	p:pending:{type}     zset of ready time (unix ms)
//	p:running:{type}     zset of last heartbeat (unix ms)
//	p:completed          zset of completion time
//	p:cancelled          zset of cancellation time
//	p:dead_letter        zset of failure time
//
// Tasks are handed out oldest ready time first; priorities are recorded
// but not used for ordering.
//
// This layout is not Bull's (bull:{queue}:wait, bull:{queue}:{jobId}, ...).
// Jobs pushed by a Bull producer are invisible to RedisQueue; producers must
// go through Enqueue. Only the job payload shape is shared with Bull, which
// is why the handlers accept Buffer-encoded bodies.
type RedisQueue struct {
	client            *redis.Client
	ownsClient        bool
	prefix            string
	visibilityTimeout time.Duration
}

// NewRedisQueue connects to Redis and verifies the connection with PING.
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultQueueName
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}

	client, owns := cfg.Client, false
	if client == nil {
		if cfg.Addr == "" {
			return nil, fmt.Errorf("redis address is required")
		}
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		owns = true
	}

	if err := client.Ping(ctx).Err(); err != nil {
		if owns {
			client.Close()
		}
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logger.Info().Str("prefix", cfg.Prefix).Msg("taskqueue: connected to redis")
	return &RedisQueue{
		client:            client,
		ownsClient:        owns,
		prefix:            cfg.Prefix,
		visibilityTimeout: cfg.VisibilityTimeout,
	}, nil
}

func (q *RedisQueue) key(parts ...string) string {
	k := q.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *RedisQueue) taskKey(id string) string { return q.key("task", id) }

func (q *RedisQueue) pendingKey(t TaskType) string { return q.key("pending", string(t)) }

func (q *RedisQueue) runningKey(t TaskType) string { return q.key("running", string(t)) }

func (q *RedisQueue) Enqueue(ctx context.Context, task *Task) error {
	now := time.Now()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Status = StatusPending
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = now
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = DefaultMaxRetries
	}
	task.UpdatedAt = now

	body, err := json.Marshal(task)
	if err != nil {
		return err
	}

	set, err := q.client.SetNX(ctx, q.taskKey(task.ID), body, 0).Result()
	if err != nil {
		return err
	}
	if !set {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, q.key("all"), redis.Z{Score: float64(task.CreatedAt.UnixMilli()), Member: task.ID})
		p.SAdd(ctx, q.key("types"), string(task.Type))
		p.ZAdd(ctx, q.pendingKey(task.Type), redis.Z{Score: float64(task.ScheduledAt.UnixMilli()), Member: task.ID})
		return nil
	})
	if err != nil {
		return err
	}
	TasksEnqueuedTotal.WithLabelValues(string(task.Type)).Inc()
	return nil
}

// claimScript takes KEYS as pending/running pairs, one pair per type. A
// stale running task is reclaimed before any pending task is considered.
// Returns {id, reclaimed, pairIndex} or nil.
var claimScript = redis.NewScript(`
local now = ARGV[1]
local stale = ARGV[2]
for i = 1, #KEYS, 2 do
	local old = redis.call('ZRANGEBYSCORE', KEYS[i+1], '-inf', '(' .. stale, 'LIMIT', 0, 1)
	if #old > 0 then
		redis.call('ZADD', KEYS[i+1], now, old[1])
		return {old[1], 1, i}
	end
end
local best, bestScore, bestIdx = nil, nil, nil
for i = 1, #KEYS, 2 do
	local ready = redis.call('ZRANGEBYSCORE', KEYS[i], '-inf', now, 'WITHSCORES', 'LIMIT', 0, 1)
	if #ready > 0 then
		local s = tonumber(ready[2])
		if bestScore == nil or s < bestScore then
			best, bestScore, bestIdx = ready[1], s, i
		end
	end
end
if best == nil then
	return false
end
redis.call('ZREM', KEYS[bestIdx], best)
redis.call('ZADD', KEYS[bestIdx+1], now, best)
return {best, 0, bestIdx}
`)

func (q *RedisQueue) Dequeue(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error) {
	if len(taskTypes) == 0 {
		types, err := q.types(ctx)
		if err != nil {
			return nil, err
		}
		taskTypes = types
	}
	if len(taskTypes) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, 2*len(taskTypes))
	for _, t := range taskTypes {
		keys = append(keys, q.pendingKey(t), q.runningKey(t))
	}

	now := time.Now()
	stale := now.Add(-q.visibilityTimeout)
	res, err := claimScript.Run(ctx, q.client, keys, now.UnixMilli(), stale.UnixMilli()).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("taskqueue: unexpected claim reply %v", res)
	}
	id, _ := res[0].(string)
	reclaimed, _ := res[1].(int64)

	task, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if reclaimed == 1 {
		task.Attempts++
		logger.Warn().Str("task_id", id).Str("previous_worker", task.WorkerID).Msg("taskqueue: reclaimed stale task")
	}
	task.Status = StatusRunning
	task.StartedAt = &now
	task.WorkerID = workerID
	task.UpdatedAt = now
	if err := q.put(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (q *RedisQueue) put(ctx context.Context, task *Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.taskKey(task.ID), body, 0).Err()
}

func (q *RedisQueue) types(ctx context.Context) ([]TaskType, error) {
	names, err := q.client.SMembers(ctx, q.key("types")).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	types := make([]TaskType, len(names))
	for i, n := range names {
		types[i] = TaskType(n)
	}
	return types, nil
}

// finish moves a task out of the active sets into the given terminal zset.
func (q *RedisQueue) finish(ctx context.Context, task *Task, status TaskStatus, zset string) error {
	now := time.Now()
	task.Status = status
	task.UpdatedAt = now
	task.CompletedAt = &now
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.pendingKey(task.Type), task.ID)
		p.ZRem(ctx, q.runningKey(task.Type), task.ID)
		p.ZAdd(ctx, q.key(zset), redis.Z{Score: float64(now.UnixMilli()), Member: task.ID})
		p.Set(ctx, q.taskKey(task.ID), body, 0)
		return nil
	})
	return err
}

func (q *RedisQueue) Complete(ctx context.Context, taskID string) error {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}
	return q.finish(ctx, task, StatusCompleted, "completed")
}

func (q *RedisQueue) Cancel(ctx context.Context, taskID string) error {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}
	return q.finish(ctx, task, StatusCancelled, "cancelled")
}

func (q *RedisQueue) Fail(ctx context.Context, taskID string, taskErr error) error {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}

	task.Attempts++
	task.LastError = taskErr.Error()
	task.WorkerID = ""
	if task.Attempts >= task.MaxRetries {
		TasksDeadLettered.WithLabelValues(string(task.Type)).Inc()
		return q.finish(ctx, task, StatusDeadLetter, "dead_letter")
	}

	now := time.Now()
	task.Status = StatusPending
	task.RetryAfter = now.Add(RetryBackoff(task.Attempts))
	task.UpdatedAt = now
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.runningKey(task.Type), task.ID)
		p.ZAdd(ctx, q.pendingKey(task.Type), redis.Z{Score: float64(task.RetryAfter.UnixMilli()), Member: task.ID})
		p.Set(ctx, q.taskKey(task.ID), body, 0)
		return nil
	})
	if err != nil {
		return err
	}
	TaskRetries.WithLabelValues(string(task.Type)).Inc()
	return nil
}

func (q *RedisQueue) Heartbeat(ctx context.Context, taskID string, workerID string) error {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != StatusRunning || task.WorkerID != workerID {
		return ErrTaskNotFound
	}
	return q.client.ZAddXX(ctx, q.runningKey(task.Type), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: taskID,
	}).Err()
}

func (q *RedisQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	body, err := q.client.Get(ctx, q.taskKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return &task, nil
}

func (q *RedisQueue) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	ids, err := q.client.ZRange(ctx, q.key("all"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.taskKey(id)
	}
	bodies, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var tasks []*Task
	skipped := 0
	for _, b := range bodies {
		s, ok := b.(string)
		if !ok {
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(s), &task); err != nil {
			return nil, err
		}
		if filter.Type != "" && task.Type != filter.Type {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		tasks = append(tasks, &task)
		if filter.Limit > 0 && len(tasks) >= filter.Limit {
			break
		}
	}
	return tasks, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (*QueueStats, error) {
	types, err := q.types(ctx)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{ByType: make(map[TaskType]int64)}
	var oldest float64 = -1
	for _, t := range types {
		pending, err := q.client.ZCard(ctx, q.pendingKey(t)).Result()
		if err != nil {
			return nil, err
		}
		running, err := q.client.ZCard(ctx, q.runningKey(t)).Result()
		if err != nil {
			return nil, err
		}
		stats.Pending += pending
		stats.Running += running
		if pending > 0 {
			stats.ByType[t] = pending
			first, err := q.client.ZRangeWithScores(ctx, q.pendingKey(t), 0, 0).Result()
			if err != nil {
				return nil, err
			}
			if len(first) > 0 && (oldest < 0 || first[0].Score < oldest) {
				oldest = first[0].Score
			}
		}
	}
	if oldest >= 0 {
		ts := time.UnixMilli(int64(oldest))
		stats.OldestPending = &ts
	}

	for status, dst := range map[string]*int64{
		"completed":   &stats.Completed,
		"cancelled":   &stats.Cancelled,
		"dead_letter": &stats.DeadLetter,
	} {
		n, err := q.client.ZCard(ctx, q.key(status)).Result()
		if err != nil {
			return nil, err
		}
		*dst = n
	}
	return stats, nil
}

func (q *RedisQueue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := fmt.Sprintf("(%d", time.Now().Add(-olderThan).UnixMilli())
	removed := 0
	for _, zset := range []string{"completed", "cancelled"} {
		ids, err := q.client.ZRangeByScore(ctx, q.key(zset), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return removed, err
		}
		if len(ids) == 0 {
			continue
		}
		keys := make([]string, len(ids))
		members := make([]any, len(ids))
		for i, id := range ids {
			keys[i] = q.taskKey(id)
			members[i] = id
		}
		_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, keys...)
			p.ZRem(ctx, q.key(zset), members...)
			p.ZRem(ctx, q.key("all"), members...)
			return nil
		})
		if err != nil {
			return removed, err
		}
		removed += len(ids)
	}
	return removed, nil
}

// Close closes the client if the queue created it.
func (q *RedisQueue) Close() error {
	if q.ownsClient {
		return q.client.Close()
	}
	return nil
}
