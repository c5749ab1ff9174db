// Package taskqueue provides a durable task queue feeding the upload worker.
//
// Supported backends:
// - Redis - default, shared with the producers that enqueue chunk jobs
// - Database (PostgreSQL/MySQL) - uses FOR UPDATE SKIP LOCKED
// - In-memory - for tests and local runs
//
// Task types:
// - title: sets the title recorded for finished uploads
// - video_part: one chunk of a multipart upload
// - last_video_part: the final chunk, which triggers completion
package taskqueue

import (
	"encoding/json"
	"time"
)

// Default configuration values
const (
	DefaultPollInterval      = time.Second
	DefaultConcurrency       = 5
	DefaultVisibilityTimeout = 5 * time.Minute
	DefaultMaxRetries        = 3
	DefaultQueueName         = "uploadQueue"

	maxRetryBackoff = 5 * time.Minute
)

// TaskType identifies the type of task for routing to handlers.
type TaskType string

const (
	TaskTypeTitle         TaskType = "title"
	TaskTypeVideoPart     TaskType = "video_part"
	TaskTypeLastVideoPart TaskType = "last_video_part"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"     // Waiting to be picked up
	StatusRunning    TaskStatus = "running"     // Currently being processed
	StatusCompleted  TaskStatus = "completed"   // Successfully finished
	StatusFailed     TaskStatus = "failed"      // Failed, may retry
	StatusDeadLetter TaskStatus = "dead_letter" // Failed permanently
	StatusCancelled  TaskStatus = "cancelled"   // Dropped without retry
)

// TaskPriority allows urgent tasks to be processed first.
type TaskPriority int

const (
	PriorityLow    TaskPriority = 0
	PriorityNormal TaskPriority = 5
	PriorityHigh   TaskPriority = 10
	PriorityUrgent TaskPriority = 20
)

// Task represents a unit of work to be processed.
type Task struct {
	// Identification
	ID       string       `json:"id" db:"id"`
	Type     TaskType     `json:"type" db:"type"`
	Status   TaskStatus   `json:"status" db:"status"`
	Priority TaskPriority `json:"priority" db:"priority"`

	// Payload - JSON encoded task-specific data
	Payload json.RawMessage `json:"payload" db:"payload"`

	// Scheduling
	ScheduledAt time.Time  `json:"scheduled_at" db:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	// Retry handling
	Attempts   int       `json:"attempts" db:"attempts"`
	MaxRetries int       `json:"max_retries" db:"max_retries"`
	RetryAfter time.Time `json:"retry_after,omitempty" db:"retry_after"`

	// Error tracking
	LastError string `json:"last_error,omitempty" db:"last_error"`

	// Metadata
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	WorkerID  string    `json:"worker_id,omitempty" db:"worker_id"`
}

// ready reports whether a pending task may be handed out at now.
func (t *Task) ready(now time.Time) bool {
	if t.Status != StatusPending || t.ScheduledAt.After(now) {
		return false
	}
	return t.RetryAfter.IsZero() || !t.RetryAfter.After(now)
}

// TaskFilter for querying tasks.
type TaskFilter struct {
	Type   TaskType   `json:"type,omitempty"`
	Status TaskStatus `json:"status,omitempty"`
	Limit  int        `json:"limit,omitempty"`
	Offset int        `json:"offset,omitempty"`
}

// QueueStats provides queue metrics.
type QueueStats struct {
	Pending    int64 `json:"pending"`
	Running    int64 `json:"running"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	DeadLetter int64 `json:"dead_letter"`
	Cancelled  int64 `json:"cancelled"`

	// By type
	ByType map[TaskType]int64 `json:"by_type"`

	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// NewTask builds a pending task with the given payload.
func NewTask(taskType TaskType, payload any) (*Task, error) {
	raw, err := MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Task{
		Type:       taskType,
		Payload:    raw,
		Priority:   PriorityNormal,
		MaxRetries: DefaultMaxRetries,
	}, nil
}

// RetryBackoff is the delay before a task that failed attempts times is
// handed out again: 2s, 4s, 8s... capped at five minutes.
func RetryBackoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 16 {
		return maxRetryBackoff
	}
	return min(time.Duration(1<<attempts)*time.Second, maxRetryBackoff)
}

// MarshalPayload is a helper to marshal a payload struct to JSON.
func MarshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}

// UnmarshalPayload is a helper to unmarshal a JSON payload.
func UnmarshalPayload[T any](payload json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}
