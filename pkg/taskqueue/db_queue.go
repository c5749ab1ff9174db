// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/zapingest/pkg/logger"
	"github.com/LeeDigitalWorks/zapingest/pkg/sqldb"

	"github.com/google/uuid"
)

const (
	// maxDeadlockRetries is the maximum number of retry attempts for deadlock errors
	maxDeadlockRetries = 3
	// baseDeadlockBackoff is the base backoff duration for deadlock retries
	baseDeadlockBackoff = 10 * time.Millisecond

	// DefaultTableName is the task table used when none is configured.
	DefaultTableName = "upload_tasks"

	taskColumns = `id, type, status, priority, payload, scheduled_at, started_at,
		completed_at, attempts, max_retries, retry_after, last_error,
		created_at, updated_at, worker_id`
)

// ErrInvalidTableName rejects table names that are not plain identifiers.
var ErrInvalidTableName = errors.New("taskqueue: invalid table name")

// DBQueue is a database-backed implementation of Queue.
// Supports MySQL/Vitess and PostgreSQL/CockroachDB for durable, distributed task storage.
// Supports multiple concurrent workers via FOR UPDATE SKIP LOCKED.
type DBQueue struct {
	db                *sql.DB
	tableName         string
	visibilityTimeout time.Duration // How long a task can be "running" before being reclaimed
	driver            sqldb.Driver  // Database driver type for SQL dialect differences
}

// DBQueueConfig configures the database queue.
type DBQueueConfig struct {
	DB                *sql.DB
	Driver            sqldb.Driver  // Defaults to postgres.
	TableName         string        // Defaults to "upload_tasks"
	VisibilityTimeout time.Duration // How long before a running task is considered abandoned (default: 5m)
}

// NewDBQueue creates a new database-backed queue.
func NewDBQueue(cfg DBQueueConfig) (*DBQueue, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if cfg.TableName == "" {
		cfg.TableName = DefaultTableName
	}
	if !sqldb.ValidIdentifier(cfg.TableName) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, cfg.TableName)
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.Driver == "" {
		cfg.Driver = sqldb.DriverPostgres
	}

	return &DBQueue{
		db:                cfg.DB,
		tableName:         cfg.TableName,
		visibilityTimeout: cfg.VisibilityTimeout,
		driver:            cfg.Driver,
	}, nil
}

func (q *DBQueue) rebind(query string) string {
	return sqldb.Rebind(q.driver, query)
}

// Schema returns the DDL for the task table in this queue's dialect.
func (q *DBQueue) Schema() string {
	ts, payload := "DATETIME(6)", "JSON"
	if q.driver == sqldb.DriverPostgres {
		ts, payload = "TIMESTAMPTZ", "JSONB"
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id VARCHAR(36) PRIMARY KEY,
	type VARCHAR(64) NOT NULL,
	status VARCHAR(16) NOT NULL,
	priority INT NOT NULL DEFAULT 0,
	payload %[3]s NOT NULL,
	scheduled_at %[2]s NOT NULL,
	started_at %[2]s NULL,
	completed_at %[2]s NULL,
	heartbeat_at %[2]s NULL,
	attempts INT NOT NULL DEFAULT 0,
	max_retries INT NOT NULL DEFAULT 3,
	retry_after %[2]s NULL,
	last_error TEXT NULL,
	worker_id VARCHAR(255) NULL,
	created_at %[2]s NOT NULL,
	updated_at %[2]s NOT NULL
)`, q.tableName, ts, payload)
}

// Migrate creates the task table and its dequeue index if needed.
func (q *DBQueue) Migrate(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, q.Schema()); err != nil {
		return fmt.Errorf("taskqueue: migrate %s: %w", q.tableName, err)
	}
	index := fmt.Sprintf("CREATE INDEX idx_%[1]s_dequeue ON %[1]s (status, priority, scheduled_at)", q.tableName)
	if q.driver == sqldb.DriverPostgres {
		index = fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%[1]s_dequeue ON %[1]s (status, priority, scheduled_at)", q.tableName)
	}
	if _, err := q.db.ExecContext(ctx, index); err != nil && !isDuplicateIndex(err) {
		return fmt.Errorf("taskqueue: index %s: %w", q.tableName, err)
	}
	logger.Info().Str("table", q.tableName).Str("driver", string(q.driver)).Msg("taskqueue: schema ready")
	return nil
}

// isDuplicateIndex matches MySQL error 1061, which has no IF NOT EXISTS form.
func isDuplicateIndex(err error) bool {
	return strings.Contains(err.Error(), "Error 1061")
}

func (q *DBQueue) Enqueue(ctx context.Context, task *Task) error {
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

	query := q.rebind(fmt.Sprintf(`
		INSERT INTO %s (id, type, status, priority, payload, scheduled_at,
			attempts, max_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, q.tableName))

	_, err := q.db.ExecContext(ctx, query,
		task.ID, string(task.Type), string(task.Status), int(task.Priority), []byte(task.Payload),
		task.ScheduledAt, task.Attempts, task.MaxRetries,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return err
	}
	TasksEnqueuedTotal.WithLabelValues(string(task.Type)).Inc()
	return nil
}

// withDeadlockRetry runs fn, retrying deadlocks with jittered exponential
// backoff: 10-20ms, 20-40ms, 40-80ms.
func withDeadlockRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := range maxDeadlockRetries {
		err := fn()
		if err == nil || !sqldb.IsDeadlock(err) {
			return err
		}
		lastErr = err
		DeadlockRetries.Inc()

		backoff := baseDeadlockBackoff * time.Duration(1<<attempt)
		jitter := rand.N(backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}
	return lastErr
}

func (q *DBQueue) Dequeue(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error) {
	var task *Task
	err := withDeadlockRetry(ctx, func() error {
		var err error
		task, err = q.dequeueOnce(ctx, workerID, taskTypes...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (q *DBQueue) dequeueOnce(ctx context.Context, workerID string, taskTypes ...TaskType) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now()
	staleThreshold := now.Add(-q.visibilityTimeout)

	typeFilter := ""
	args := []any{now, now, staleThreshold}
	if len(taskTypes) > 0 {
		typeFilter = " AND type IN (?" + strings.Repeat(",?", len(taskTypes)-1) + ")"
		for _, t := range taskTypes {
			args = append(args, string(t))
		}
	}

	// Highest priority, oldest first. Running tasks without a recent
	// heartbeat belong to a crashed worker and are reclaimed.
	selectQuery := q.rebind(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE (
			(status = 'pending' AND scheduled_at <= ? AND (retry_after IS NULL OR retry_after <= ?))
			OR
			(status = 'running' AND heartbeat_at < ?)
		)
		%s
		ORDER BY priority DESC, scheduled_at ASC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, taskColumns, q.tableName, typeFilter))

	task, err := scanTask(tx.QueryRowContext(ctx, selectQuery, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Increment attempts if reclaiming a stale task
	if task.Status == StatusRunning {
		task.Attempts++
	}

	updateQuery := q.rebind(fmt.Sprintf(`
		UPDATE %s SET status = 'running', started_at = ?, heartbeat_at = ?,
			worker_id = ?, attempts = ?, updated_at = ?
		WHERE id = ?
	`, q.tableName))

	if _, err := tx.ExecContext(ctx, updateQuery, now, now, workerID, task.Attempts, now, task.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	task.Status = StatusRunning
	task.StartedAt = &now
	task.WorkerID = workerID
	task.UpdatedAt = now
	return task, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task                                Task
		taskType, status                    string
		payload                             []byte
		startedAt, completedAt, retryAfter  sql.NullTime
		lastError, workerID                 sql.NullString
	)

	err := row.Scan(
		&task.ID, &taskType, &status, &task.Priority, &payload,
		&task.ScheduledAt, &startedAt, &completedAt, &task.Attempts,
		&task.MaxRetries, &retryAfter, &lastError, &task.CreatedAt,
		&task.UpdatedAt, &workerID,
	)
	if err != nil {
		return nil, err
	}

	task.Type = TaskType(taskType)
	task.Status = TaskStatus(status)
	task.Payload = payload
	if startedAt.Valid {
		task.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	if retryAfter.Valid {
		task.RetryAfter = retryAfter.Time
	}
	task.LastError = lastError.String
	task.WorkerID = workerID.String
	return &task, nil
}

func (q *DBQueue) execOne(ctx context.Context, query string, args ...any) error {
	result, err := q.db.ExecContext(ctx, q.rebind(query), args...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (q *DBQueue) Complete(ctx context.Context, taskID string) error {
	now := time.Now()
	return q.execOne(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'completed', completed_at = ?, updated_at = ?
		WHERE id = ?
	`, q.tableName), now, now, taskID)
}

func (q *DBQueue) Fail(ctx context.Context, taskID string, taskErr error) error {
	task, err := q.Get(ctx, taskID)
	if err != nil {
		return err
	}

	task.Attempts++
	task.LastError = taskErr.Error()
	task.UpdatedAt = time.Now()

	var retryAfter *time.Time
	if task.Attempts >= task.MaxRetries {
		task.Status = StatusDeadLetter
		TasksDeadLettered.WithLabelValues(string(task.Type)).Inc()
	} else {
		next := time.Now().Add(RetryBackoff(task.Attempts))
		retryAfter = &next
		task.Status = StatusPending
		TaskRetries.WithLabelValues(string(task.Type)).Inc()
	}

	return q.execOne(ctx, fmt.Sprintf(`
		UPDATE %s SET status = ?, attempts = ?, last_error = ?,
			retry_after = ?, worker_id = NULL, updated_at = ?
		WHERE id = ?
	`, q.tableName),
		string(task.Status), task.Attempts, task.LastError,
		retryAfter, task.UpdatedAt, taskID,
	)
}

func (q *DBQueue) Cancel(ctx context.Context, taskID string) error {
	now := time.Now()
	return q.execOne(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'cancelled', completed_at = ?, updated_at = ?
		WHERE id = ?
	`, q.tableName), now, now, taskID)
}

func (q *DBQueue) Get(ctx context.Context, taskID string) (*Task, error) {
	query := q.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, taskColumns, q.tableName))

	task, err := scanTask(q.db.QueryRowContext(ctx, query, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, err
}

func (q *DBQueue) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1", taskColumns, q.tableName)
	args := []any{}

	if filter.Type != "" {
		query += " AND type = ?"
		args = append(args, string(filter.Type))
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	query += " ORDER BY created_at ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := q.db.QueryContext(ctx, q.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (q *DBQueue) Stats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{
		ByType: make(map[TaskType]int64),
	}

	rows, err := q.db.QueryContext(ctx, fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, q.tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch TaskStatus(status) {
		case StatusPending:
			stats.Pending = count
		case StatusRunning:
			stats.Running = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		case StatusDeadLetter:
			stats.DeadLetter = count
		case StatusCancelled:
			stats.Cancelled = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	typeRows, err := q.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT type, COUNT(*) FROM %s WHERE status = 'pending' GROUP BY type
	`, q.tableName))
	if err != nil {
		return nil, err
	}
	defer typeRows.Close()

	for typeRows.Next() {
		var taskType string
		var count int64
		if err := typeRows.Scan(&taskType, &count); err != nil {
			return nil, err
		}
		stats.ByType[TaskType(taskType)] = count
	}
	if err := typeRows.Err(); err != nil {
		return nil, err
	}

	var oldest sql.NullTime
	err = q.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT MIN(scheduled_at) FROM %s WHERE status = 'pending'`, q.tableName)).Scan(&oldest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if oldest.Valid {
		stats.OldestPending = &oldest.Time
	}

	return stats, nil
}

func (q *DBQueue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	query := q.rebind(fmt.Sprintf(`
		DELETE FROM %s
		WHERE status IN ('completed', 'cancelled')
		AND completed_at < ?
	`, q.tableName))

	result, err := q.db.ExecContext(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}

	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// Heartbeat extends the visibility timeout for a running task.
// Uses deadlock retry to ensure heartbeat succeeds even under contention.
func (q *DBQueue) Heartbeat(ctx context.Context, taskID string, workerID string) error {
	return withDeadlockRetry(ctx, func() error {
		now := time.Now()
		return q.execOne(ctx, fmt.Sprintf(`
			UPDATE %s SET heartbeat_at = ?, updated_at = ?
			WHERE id = ? AND worker_id = ? AND status = 'running'
		`, q.tableName), now, now, taskID, workerID)
	})
}

// ReclaimStale finds tasks that have been running too long without a heartbeat
// and marks them as pending for retry. Returns the number of tasks reclaimed.
func (q *DBQueue) ReclaimStale(ctx context.Context) (int, error) {
	now := time.Now()
	staleThreshold := now.Add(-q.visibilityTimeout)

	result, err := q.db.ExecContext(ctx, q.rebind(fmt.Sprintf(`
		UPDATE %s
		SET status = 'pending',
			worker_id = NULL,
			attempts = attempts + 1,
			last_error = 'reclaimed: worker timeout',
			updated_at = ?
		WHERE status = 'running'
			AND heartbeat_at < ?
			AND attempts < max_retries
	`, q.tableName)), now, staleThreshold)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()

	deadResult, err := q.db.ExecContext(ctx, q.rebind(fmt.Sprintf(`
		UPDATE %s
		SET status = 'dead_letter',
			worker_id = NULL,
			last_error = 'reclaimed: max retries exceeded',
			updated_at = ?
		WHERE status = 'running'
			AND heartbeat_at < ?
			AND attempts >= max_retries
	`, q.tableName)), now, staleThreshold)
	if err != nil {
		return int(rows), err
	}

	deadRows, _ := deadResult.RowsAffected()
	return int(rows) + int(deadRows), nil
}

// VisibilityTimeout returns the configured visibility timeout.
func (q *DBQueue) VisibilityTimeout() time.Duration {
	return q.visibilityTimeout
}

// Close closes the pool.
func (q *DBQueue) Close() error {
	return q.db.Close()
}
