// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/zapingest/pkg/debug"
	"github.com/LeeDigitalWorks/zapingest/pkg/logger"
	"github.com/LeeDigitalWorks/zapingest/pkg/multipart"
	"github.com/LeeDigitalWorks/zapingest/pkg/taskqueue"
	"github.com/LeeDigitalWorks/zapingest/pkg/taskqueue/handlers"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// WorkerOpts holds everything `zapingest worker` needs.
type WorkerOpts struct {
	Queue   QueueOpts
	Store   StoreOpts
	Catalog CatalogOpts
	Notify  NotifyOpts

	WorkerID          string
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StatsInterval     time.Duration

	PartTimeout   time.Duration
	MaxConcurrent int64
	RateLimit     float64

	IdleTimeout       time.Duration
	ListPartsPolicy   multipart.ListPartsPolicy
	RequireContiguous bool
	ArrivalGrace      time.Duration
	Retention         time.Duration
	Tombstone         time.Duration

	IP               string
	DebugPort        int
	DebugConnTimeout time.Duration
	ShutdownTimeout  time.Duration
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume upload jobs and assemble multipart uploads",
	Long: `Start an upload worker that:
- Pulls title, video_part and last_video_part jobs from the upload queue
- Uploads each chunk as one part of the object's multipart upload
- Completes the upload once the last chunk and every earlier part finished
- Records the finished object in the catalog and sends notifications`,
	Run: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	f := workerCmd.Flags()
	addQueueFlags(workerCmd)
	addStoreFlags(workerCmd)
	addCatalogFlags(workerCmd)
	addNotifyFlags(workerCmd)

	f.String("worker.id", "", "Worker identifier used to claim tasks (default: random)")
	f.Int("worker.concurrency", taskqueue.DefaultConcurrency, "Jobs handled in parallel; must exceed 1 with session.require_contiguous")
	f.Duration("worker.poll_interval", taskqueue.DefaultPollInterval, "Delay between polls of an empty queue")
	f.Duration("worker.heartbeat_interval", 30*time.Second, "How often running tasks are refreshed")
	f.Duration("worker.stats_interval", 15*time.Second, "How often queue depth gauges are updated")

	f.Duration("upload.part_timeout", 0, "Timeout for one part upload (0 leaves it to s3.timeout)")
	f.Int64("upload.max_concurrent", 0, "Maximum simultaneous part uploads (0 for unlimited)")
	f.Float64("upload.rate_limit", 0, "Maximum part uploads started per second (0 for unlimited)")

	f.Duration("session.idle_timeout", 0, "Abort sessions idle this long (0 disables)")
	f.String("session.list_parts_policy", string(multipart.ListPartsStrict), "Part listing check before complete (strict, advisory, off)")
	f.Bool("session.require_contiguous", false, "Refuse to complete when part numbers below the last chunk have gaps")
	f.Duration("session.arrival_grace", multipart.DefaultArrivalGrace, "How long the last chunk waits for lower parts to arrive")
	f.Duration("session.retention", multipart.DefaultRetention, "How long finished sessions are remembered")
	f.Duration("session.tombstone", multipart.DefaultTombstone, "How long finished upload IDs keep refusing late chunks")

	f.String("ip", "0.0.0.0", "IP address the debug server binds to")
	f.Int("debug_port", 8090, "Debug HTTP port (metrics, health, sessions)")
	f.Duration("debug.conn_timeout", time.Minute, "Read/write deadline for debug connections (0 disables)")
	f.Duration("shutdown_timeout", 30*time.Second, "How long to wait for finalizing sessions on shutdown")

	viper.BindPFlags(f)
}

func loadWorkerOpts(cmd *cobra.Command) (WorkerOpts, error) {
	f := NewFlagLoader(cmd)

	policy, err := multipart.ParseListPartsPolicy(f.String("session.list_parts_policy"))
	if err != nil {
		return WorkerOpts{}, fmt.Errorf("session.list_parts_policy: %w", err)
	}

	id := f.String("worker.id")
	if id == "" {
		id = "worker-" + uuid.NewString()[:8]
	}

	return WorkerOpts{
		Queue:             loadQueueOpts(cmd),
		Store:             loadStoreOpts(cmd),
		Catalog:           loadCatalogOpts(cmd),
		Notify:            loadNotifyOpts(cmd),
		WorkerID:          id,
		Concurrency:       f.Int("worker.concurrency"),
		PollInterval:      f.Duration("worker.poll_interval"),
		HeartbeatInterval: f.Duration("worker.heartbeat_interval"),
		StatsInterval:     f.Duration("worker.stats_interval"),
		PartTimeout:       f.Duration("upload.part_timeout"),
		MaxConcurrent:     f.Int64("upload.max_concurrent"),
		RateLimit:         f.Float64("upload.rate_limit"),
		IdleTimeout:       f.Duration("session.idle_timeout"),
		ListPartsPolicy:   policy,
		RequireContiguous: f.Bool("session.require_contiguous"),
		ArrivalGrace:      f.Duration("session.arrival_grace"),
		Retention:         f.Duration("session.retention"),
		Tombstone:         f.Duration("session.tombstone"),
		IP:                f.String("ip"),
		DebugPort:         f.Int("debug_port"),
		DebugConnTimeout:  f.Duration("debug.conn_timeout"),
		ShutdownTimeout:   f.Duration("shutdown_timeout"),
	}, nil
}

func runWorker(cmd *cobra.Command, args []string) {
	opts, err := loadWorkerOpts(cmd)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid worker configuration")
	}
	if opts.RequireContiguous && opts.Concurrency < 2 {
		logger.Warn().Int("concurrency", opts.Concurrency).
			Msg("a last chunk blocks its slot while waiting for lower parts; use concurrency above 1")
	}

	debug.SetNotReady()
	workerLog := logger.Ctx(cmd.Context()).With().Str("worker_id", opts.WorkerID).Logger()
	ctx := logger.WithLogger(cmd.Context(), &workerLog)

	queue, err := openQueue(ctx, opts.Queue)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", opts.Queue.Backend).Msg("failed to open task queue")
	}
	defer queue.Close()

	store, err := openStore(ctx, opts.Store)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create multipart store")
	}

	cat, err := openCatalog(ctx, opts.Catalog)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", opts.Catalog.Driver).Msg("failed to open catalog")
	}
	if cat != nil {
		defer cat.Close()
	} else {
		logger.Warn().Msg("catalog disabled; completed uploads will not be recorded")
	}

	notifier, err := openNotifier(opts.Notify)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create notifier")
	}
	if notifier != nil {
		defer notifier.Close()
	}

	uploader := multipart.NewPartUploader(store, multipart.UploaderConfig{
		MaxConcurrent: opts.MaxConcurrent,
		RateLimit:     opts.RateLimit,
		PartTimeout:   opts.PartTimeout,
	})
	finalizer := multipart.NewSessionFinalizer(cat, notifier)
	assembler := multipart.NewAssembler(ctx, store, uploader, finalizer, multipart.Config{
		ListPartsPolicy:   opts.ListPartsPolicy,
		RequireContiguous: opts.RequireContiguous,
		ArrivalGrace:      opts.ArrivalGrace,
		IdleTimeout:       opts.IdleTimeout,
		Retention:         opts.Retention,
		Tombstone:         opts.Tombstone,
		OnFinish:          logResult,
	})

	worker := taskqueue.NewWorker(taskqueue.WorkerConfig{
		ID:                opts.WorkerID,
		Queue:             queue,
		PollInterval:      opts.PollInterval,
		Concurrency:       opts.Concurrency,
		HeartbeatInterval: opts.HeartbeatInterval,
		StatsInterval:     opts.StatsInterval,
	})
	worker.RegisterHandler(handlers.NewTitleHandler(assembler))
	worker.RegisterHandler(handlers.NewPartHandler(assembler))
	worker.RegisterHandler(handlers.NewLastPartHandler(assembler))

	debug.RegisterHandler("/debug/sessions", assembler)
	debug.AddReadyCheck("queue", func() error {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := queue.Stats(pingCtx)
		return err
	})
	debugServer := startHTTPServer(debug.GetMux(), opts.IP, opts.DebugPort, opts.DebugConnTimeout)

	worker.Start(ctx)
	logger.Info().
		Str("worker_id", opts.WorkerID).
		Str("queue", opts.Queue.Backend).
		Str("store", opts.Store.Backend).
		Int("concurrency", opts.Concurrency).
		Strs("task_types", taskTypeNames(worker.HandlerTypes())).
		Msg("upload worker started")

	debug.SetReady()
	waitForShutdown()
	debug.SetNotReady()

	logger.Info().Msg("shutting down upload worker")
	worker.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.ShutdownTimeout)
	defer cancel()
	if err := assembler.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("sessions still finalizing at shutdown")
	}
	debugServer.Shutdown(shutdownCtx)
}

func logResult(res multipart.Result) {
	event := logger.Info()
	switch res.Status {
	case multipart.StatusAborted:
		event = logger.Warn()
		if errors.Is(res.Err, multipart.ErrAssemblerClosed) {
			event = logger.Info()
			break
		}
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("bucket", res.Bucket)
			scope.SetExtra("upload_id", res.UploadID)
			scope.SetExtra("key", res.Key)
			sentry.CaptureException(res.Err)
		})
	case multipart.StatusDegraded:
		event = logger.Warn()
	}
	event.
		Str("upload_id", res.UploadID).
		Str("bucket", res.Bucket).
		Str("key", res.Key).
		Str("status", string(res.Status)).
		Int("parts", len(res.Parts)).
		Dur("duration", res.Duration).
		AnErr("cause", res.Err).
		Msg("upload session finished")
}

func taskTypeNames(types []taskqueue.TaskType) []string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return names
}
