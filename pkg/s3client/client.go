// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package s3client builds the S3 client used for multipart uploads.
package s3client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/LeeDigitalWorks/zapingest/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	// DefaultTimeout bounds one HTTP exchange with the store. Parts can be
	// large and links slow, so it is generous.
	DefaultTimeout = 20 * time.Minute
	// DefaultMaxAttempts is the SDK retry budget per call, first attempt included.
	DefaultMaxAttempts = 10
)

// Config holds configuration for connecting to an S3-compatible service.
type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool

	// Timeout is the per-request socket timeout.
	Timeout time.Duration
	// MaxAttempts caps SDK-level retries of a single call.
	MaxAttempts int
	// MaxIdleConns sizes the shared connection pool.
	MaxIdleConns int
}

func (c *Config) setDefaults() {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 100
	}
}

// New returns an S3 client. Without static keys the default AWS credential
// chain is used.
func New(ctx context.Context, cfg Config) (*s3.Client, error) {
	cfg.setDefaults()

	httpClient := &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxIdleConnsPerHost: max(cfg.MaxIdleConns/10, 2),
			IdleConnTimeout:     90 * time.Second,
		},
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
		config.WithRetryer(func() aws.Retryer {
			return retry.AddWithMaxAttempts(retry.NewStandard(), cfg.MaxAttempts)
		}),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.Debug().
		Str("endpoint", cfg.Endpoint).
		Str("region", cfg.Region).
		Dur("timeout", cfg.Timeout).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Created S3 client")

	return client, nil
}
