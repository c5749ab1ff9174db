package taskqueue

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapingest/pkg/logger"
	"github.com/LeeDigitalWorks/zapingest/pkg/utils"
)

// pollJitter spreads idle polls of workers sharing a queue.
const pollJitter = 0.1

// Worker polls the queue and executes tasks.
//
// A handler's result decides the task's fate: nil completes it, an error
// wrapping ErrInvalidPayload cancels it, anything else fails it so the
// queue can retry.
type Worker struct {
	id       string
	queue    Queue
	handlers map[TaskType]Handler

	pollInterval      time.Duration
	concurrency       int
	heartbeatInterval time.Duration
	statsInterval     time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// WorkerConfig configures the task worker.
type WorkerConfig struct {
	ID           string
	Queue        Queue
	PollInterval time.Duration
	Concurrency  int

	// HeartbeatInterval refreshes running tasks while their handler runs.
	// 0 disables heartbeats.
	HeartbeatInterval time.Duration

	// StatsInterval publishes queue depth gauges. 0 disables it.
	StatsInterval time.Duration
}

// NewWorker creates a new task worker.
func NewWorker(cfg WorkerConfig) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	return &Worker{
		id:                cfg.ID,
		queue:             cfg.Queue,
		handlers:          make(map[TaskType]Handler),
		pollInterval:      cfg.PollInterval,
		concurrency:       cfg.Concurrency,
		heartbeatInterval: cfg.HeartbeatInterval,
		statsInterval:     cfg.StatsInterval,
		stopCh:            make(chan struct{}),
	}
}

// RegisterHandler registers a handler for a task type.
func (w *Worker) RegisterHandler(h Handler) {
	if h == nil {
		return
	}
	w.handlers[h.Type()] = h
	logger.Debug().
		Str("type", string(h.Type())).
		Msg("taskqueue: registered handler")
}

// Start begins processing tasks.
func (w *Worker) Start(ctx context.Context) {
	types := w.HandlerTypes()
	if len(types) == 0 {
		logger.Warn().Msg("taskqueue: worker started with no handlers")
		return
	}

	logger.Info().
		Str("worker_id", w.id).
		Int("concurrency", w.concurrency).
		Int("handlers", len(types)).
		Msg("taskqueue: worker starting")

	for range w.concurrency {
		w.wg.Go(func() { w.work(ctx, types) })
	}
	if w.statsInterval > 0 {
		w.wg.Go(func() { w.reportStats(ctx) })
	}
}

// Stop gracefully shuts down the worker. In-flight tasks run to completion.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
	logger.Info().Str("worker_id", w.id).Msg("taskqueue: worker stopped")
}

func (w *Worker) work(ctx context.Context, types []TaskType) {
	WorkerActive.Inc()
	defer WorkerActive.Dec()

	timer := time.NewTimer(utils.JitterUp(w.pollInterval, pollJitter))
	defer timer.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			// Drain while work is available so bursts of chunks are not
			// throttled to one per poll interval.
			for w.processOne(ctx, types) {
				select {
				case <-w.stopCh:
					return
				case <-ctx.Done():
					return
				default:
				}
			}
			timer.Reset(utils.JitterUp(w.pollInterval, pollJitter))
		}
	}
}

// processOne handles at most one task and reports whether one was found.
func (w *Worker) processOne(ctx context.Context, types []TaskType) bool {
	task, err := w.queue.Dequeue(ctx, w.id, types...)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			DequeueErrors.Inc()
			logger.Error().Err(err).Msg("taskqueue: dequeue failed")
		}
		return false
	}
	if task == nil {
		return false
	}

	handler, ok := w.handlers[task.Type]
	if !ok {
		logger.Error().
			Str("task_id", task.ID).
			Str("type", string(task.Type)).
			Msg("taskqueue: no handler for task type")
		TasksProcessedTotal.WithLabelValues(string(task.Type), "no_handler").Inc()
		w.queue.Fail(ctx, task.ID, errors.New("no handler registered"))
		return true
	}

	logger.Debug().
		Str("task_id", task.ID).
		Str("type", string(task.Type)).
		Int("attempt", task.Attempts).
		Msg("taskqueue: processing task")

	start := time.Now()
	err = w.handle(ctx, handler, task)
	TaskProcessingDuration.WithLabelValues(string(task.Type)).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		logger.Debug().
			Str("task_id", task.ID).
			Str("type", string(task.Type)).
			Msg("taskqueue: task completed")
		TasksProcessedTotal.WithLabelValues(string(task.Type), "completed").Inc()
		if cerr := w.queue.Complete(ctx, task.ID); cerr != nil {
			logger.Error().Err(cerr).Str("task_id", task.ID).Msg("taskqueue: failed to complete task")
		}
	case errors.Is(err, ErrInvalidPayload):
		logger.Error().
			Err(err).
			Str("task_id", task.ID).
			Str("type", string(task.Type)).
			Msg("taskqueue: dropping malformed task")
		TasksProcessedTotal.WithLabelValues(string(task.Type), "cancelled").Inc()
		if cerr := w.queue.Cancel(ctx, task.ID); cerr != nil {
			logger.Error().Err(cerr).Str("task_id", task.ID).Msg("taskqueue: failed to cancel task")
		}
	default:
		logger.Warn().
			Err(err).
			Str("task_id", task.ID).
			Str("type", string(task.Type)).
			Int("attempt", task.Attempts).
			Msg("taskqueue: task failed")
		TasksProcessedTotal.WithLabelValues(string(task.Type), "failed").Inc()
		if ferr := w.queue.Fail(ctx, task.ID, err); ferr != nil {
			logger.Error().Err(ferr).Str("task_id", task.ID).Msg("taskqueue: failed to record failure")
		}
	}
	return true
}

// handle runs the handler, heartbeating the task until it returns.
func (w *Worker) handle(ctx context.Context, h Handler, task *Task) error {
	if w.heartbeatInterval <= 0 {
		return h.Handle(ctx, task)
	}

	done := make(chan struct{})
	var hb sync.WaitGroup
	hb.Go(func() {
		ticker := time.NewTicker(w.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := w.queue.Heartbeat(ctx, task.ID, w.id); err != nil {
					logger.Warn().Err(err).Str("task_id", task.ID).Msg("taskqueue: heartbeat failed")
				}
			}
		}
	})
	defer func() {
		close(done)
		hb.Wait()
	}()
	return h.Handle(ctx, task)
}

func (w *Worker) reportStats(ctx context.Context) {
	ticker := time.NewTicker(w.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := w.queue.Stats(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("taskqueue: stats failed")
				continue
			}
			QueueDepth.WithLabelValues(string(StatusPending)).Set(float64(stats.Pending))
			QueueDepth.WithLabelValues(string(StatusRunning)).Set(float64(stats.Running))
			QueueDepth.WithLabelValues(string(StatusDeadLetter)).Set(float64(stats.DeadLetter))
		}
	}
}

// Queue returns the underlying queue (for testing/metrics).
func (w *Worker) Queue() Queue {
	return w.queue
}

// HandlerTypes returns the task types this worker handles, sorted.
func (w *Worker) HandlerTypes() []TaskType {
	return slices.Sorted(maps.Keys(w.handlers))
}
