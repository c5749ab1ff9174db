// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/LeeDigitalWorks/zapingest/pkg/catalog"
	"github.com/LeeDigitalWorks/zapingest/pkg/logger"
	"github.com/LeeDigitalWorks/zapingest/pkg/multipart"
	"github.com/LeeDigitalWorks/zapingest/pkg/multipart/s3store"
	"github.com/LeeDigitalWorks/zapingest/pkg/notify"
	"github.com/LeeDigitalWorks/zapingest/pkg/s3client"
	"github.com/LeeDigitalWorks/zapingest/pkg/sqldb"
	"github.com/LeeDigitalWorks/zapingest/pkg/taskqueue"

	"github.com/spf13/cobra"
)

// QueueOpts selects and configures the task queue backend.
type QueueOpts struct {
	Backend           string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	Name              string
	DSN               string
	Table             string
	Migrate           bool
	VisibilityTimeout time.Duration
}

func addQueueFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("queue.backend", "redis", "Queue backend (redis, postgres, mysql, memory)")
	f.String("queue.redis_addr", "localhost:6379", "Redis address for the redis backend")
	f.String("queue.redis_password", "", "Redis password")
	f.Int("queue.redis_db", 0, "Redis database number")
	f.String("queue.name", taskqueue.DefaultQueueName, "Queue name, used as the Redis key prefix")
	f.String("queue.dsn", "", "Database connection string for the postgres and mysql backends")
	f.String("queue.table", taskqueue.DefaultTableName, "Task table for the postgres and mysql backends")
	f.Bool("queue.migrate", false, "Create the task table on startup")
	f.Duration("queue.visibility_timeout", taskqueue.DefaultVisibilityTimeout, "How long a running task may go without a heartbeat before it is reclaimed")
}

func loadQueueOpts(cmd *cobra.Command) QueueOpts {
	f := NewFlagLoader(cmd)
	return QueueOpts{
		Backend:           strings.ToLower(f.String("queue.backend")),
		RedisAddr:         f.String("queue.redis_addr"),
		RedisPassword:     f.String("queue.redis_password"),
		RedisDB:           f.Int("queue.redis_db"),
		Name:              f.String("queue.name"),
		DSN:               f.String("queue.dsn"),
		Table:             f.String("queue.table"),
		Migrate:           f.Bool("queue.migrate"),
		VisibilityTimeout: f.Duration("queue.visibility_timeout"),
	}
}

func openQueue(ctx context.Context, opts QueueOpts) (taskqueue.Queue, error) {
	switch opts.Backend {
	case "memory":
		q := taskqueue.NewMemoryQueue()
		q.SetVisibilityTimeout(opts.VisibilityTimeout)
		return q, nil
	case "redis":
		q, err := taskqueue.NewRedisQueue(ctx, taskqueue.RedisQueueConfig{
			Addr:              opts.RedisAddr,
			Password:          opts.RedisPassword,
			DB:                opts.RedisDB,
			Prefix:            opts.Name,
			VisibilityTimeout: opts.VisibilityTimeout,
		})
		if err != nil {
			return nil, err
		}
		return q, nil
	}

	driver, err := sqldb.ParseDriver(opts.Backend)
	if err != nil {
		return nil, fmt.Errorf("queue backend: %w", err)
	}
	db, err := sqldb.Open(ctx, sqldb.Config{Driver: driver, DSN: opts.DSN})
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewDBQueue(taskqueue.DBQueueConfig{
		DB:                db,
		Driver:            driver,
		TableName:         opts.Table,
		VisibilityTimeout: opts.VisibilityTimeout,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	if opts.Migrate {
		if err := q.Migrate(ctx); err != nil {
			q.Close()
			return nil, err
		}
	}
	return q, nil
}

// StoreOpts configures the remote multipart store.
type StoreOpts struct {
	Backend string
	S3      s3client.Config
}

func addStoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("store.backend", "s3", "Multipart store (s3, memory)")
	f.String("s3.endpoint", "", "S3 endpoint URL; empty for AWS")
	f.String("s3.region", "us-east-1", "S3 region")
	f.String("s3.access_key", "", "S3 access key; empty uses the default credential chain")
	f.String("s3.secret_key", "", "S3 secret key")
	f.Bool("s3.path_style", false, "Use path-style addressing")
	f.Duration("s3.timeout", 20*time.Minute, "HTTP timeout for each S3 call")
	f.Int("s3.max_attempts", 10, "Attempts per S3 call, including the first")
}

func loadStoreOpts(cmd *cobra.Command) StoreOpts {
	f := NewFlagLoader(cmd)
	return StoreOpts{
		Backend: strings.ToLower(f.String("store.backend")),
		S3: s3client.Config{
			Endpoint:        f.String("s3.endpoint"),
			Region:          f.String("s3.region"),
			AccessKeyID:     f.String("s3.access_key"),
			SecretAccessKey: f.String("s3.secret_key"),
			PathStyle:       f.Bool("s3.path_style"),
			Timeout:         f.Duration("s3.timeout"),
			MaxAttempts:     f.Int("s3.max_attempts"),
		},
	}
}

func openStore(ctx context.Context, opts StoreOpts) (multipart.Store, error) {
	switch opts.Backend {
	case "memory":
		logger.Warn().Msg("using in-memory multipart store; objects are not persisted")
		return multipart.NewMemoryStore(), nil
	case "s3", "":
		client, err := s3client.New(ctx, opts.S3)
		if err != nil {
			return nil, err
		}
		return s3store.New(client), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}

// CatalogOpts configures the completion catalog.
type CatalogOpts struct {
	Driver  string
	DSN     string
	Table   string
	Migrate bool
}

func addCatalogFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("catalog.driver", "postgres", "Catalog database (postgres, mysql, memory, none)")
	f.String("catalog.dsn", "", "Catalog connection string")
	f.String("catalog.table", catalog.DefaultTable, "Catalog table")
	f.Bool("catalog.migrate", false, "Create the catalog table on startup")
}

func loadCatalogOpts(cmd *cobra.Command) CatalogOpts {
	f := NewFlagLoader(cmd)
	return CatalogOpts{
		Driver:  strings.ToLower(f.String("catalog.driver")),
		DSN:     f.String("catalog.dsn"),
		Table:   f.String("catalog.table"),
		Migrate: f.Bool("catalog.migrate"),
	}
}

// openCatalog returns nil without error when the catalog is disabled.
func openCatalog(ctx context.Context, opts CatalogOpts) (catalog.Catalog, error) {
	switch opts.Driver {
	case "none", "":
		return nil, nil
	case "memory":
		return catalog.NewMemoryCatalog(), nil
	}

	driver, err := sqldb.ParseDriver(opts.Driver)
	if err != nil {
		return nil, fmt.Errorf("catalog driver: %w", err)
	}
	c, err := catalog.OpenSQLCatalog(ctx, sqldb.Config{Driver: driver, DSN: opts.DSN}, opts.Table)
	if err != nil {
		return nil, err
	}
	if opts.Migrate {
		if err := c.Migrate(ctx); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// NotifyOpts configures completion notifications. Every configured channel
// receives each notification.
type NotifyOpts struct {
	WebhookURL        string
	WebhookTimeout    time.Duration
	WebhookMaxRetries int
	RedisAddr         string
	RedisPassword     string
	RedisChannel      string
	KafkaBrokers      []string
	KafkaTopic        string
	KafkaTLS          bool
	KafkaSASL         string
	KafkaUsername     string
	KafkaPassword     string
}

func addNotifyFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("notify.webhook_url", "", "URL receiving a POST per completed upload")
	f.Duration("notify.webhook_timeout", 10*time.Second, "Timeout per webhook attempt")
	f.Int("notify.webhook_max_retries", 3, "Webhook retries after the first attempt")
	f.String("notify.redis_addr", "", "Redis address for Pub/Sub notifications")
	f.String("notify.redis_password", "", "Redis password for notifications")
	f.String("notify.redis_channel", "uploads:completed", "Pub/Sub channel prefix")
	f.StringSlice("notify.kafka_brokers", nil, "Kafka brokers for notifications")
	f.String("notify.kafka_topic", "uploads-completed", "Kafka topic for notifications")
	f.Bool("notify.kafka_tls", false, "Use TLS for Kafka")
	f.String("notify.kafka_sasl_mechanism", "", "Kafka SASL mechanism (PLAIN, SCRAM-SHA-256, SCRAM-SHA-512)")
	f.String("notify.kafka_sasl_username", "", "Kafka SASL username")
	f.String("notify.kafka_sasl_password", "", "Kafka SASL password")
}

func loadNotifyOpts(cmd *cobra.Command) NotifyOpts {
	f := NewFlagLoader(cmd)
	return NotifyOpts{
		WebhookURL:        f.String("notify.webhook_url"),
		WebhookTimeout:    f.Duration("notify.webhook_timeout"),
		WebhookMaxRetries: f.Int("notify.webhook_max_retries"),
		RedisAddr:         f.String("notify.redis_addr"),
		RedisPassword:     f.String("notify.redis_password"),
		RedisChannel:      f.String("notify.redis_channel"),
		KafkaBrokers:      f.StringSlice("notify.kafka_brokers"),
		KafkaTopic:        f.String("notify.kafka_topic"),
		KafkaTLS:          f.Bool("notify.kafka_tls"),
		KafkaSASL:         f.String("notify.kafka_sasl_mechanism"),
		KafkaUsername:     f.String("notify.kafka_sasl_username"),
		KafkaPassword:     f.String("notify.kafka_sasl_password"),
	}
}

// openNotifier returns nil without error when no channel is configured.
func openNotifier(opts NotifyOpts) (notify.Notifier, error) {
	var notifiers []notify.Notifier
	closeAll := func() {
		for _, n := range notifiers {
			n.Close()
		}
	}

	if opts.WebhookURL != "" {
		cfg := notify.DefaultWebhookConfig(opts.WebhookURL)
		cfg.Timeout = opts.WebhookTimeout
		cfg.MaxRetries = opts.WebhookMaxRetries
		w, err := notify.NewWebhook(cfg)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, w)
	}
	if opts.RedisAddr != "" {
		cfg := notify.DefaultRedisConfig(opts.RedisAddr)
		cfg.Password = opts.RedisPassword
		cfg.Channel = opts.RedisChannel
		r, err := notify.NewRedis(cfg)
		if err != nil {
			closeAll()
			return nil, err
		}
		notifiers = append(notifiers, r)
	}
	if len(opts.KafkaBrokers) > 0 {
		cfg := notify.DefaultKafkaConfig(opts.KafkaBrokers)
		cfg.Topic = opts.KafkaTopic
		cfg.TLS = opts.KafkaTLS
		cfg.SASLMechanism = opts.KafkaSASL
		cfg.SASLUsername = opts.KafkaUsername
		cfg.SASLPassword = opts.KafkaPassword
		k, err := notify.NewKafka(cfg)
		if err != nil {
			closeAll()
			return nil, err
		}
		notifiers = append(notifiers, k)
	}

	switch len(notifiers) {
	case 0:
		return nil, nil
	case 1:
		return notifiers[0], nil
	default:
		return notify.NewMulti(notifiers...), nil
	}
}
