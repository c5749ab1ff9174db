// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package multipart

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/zapingest/pkg/logger"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// UploaderConfig bounds outbound part uploads across all sessions.
type UploaderConfig struct {
	// MaxConcurrent caps simultaneous part uploads. 0 means unlimited.
	MaxConcurrent int64

	// RateLimit caps part uploads started per second. 0 means unlimited.
	RateLimit float64

	// Burst is the rate limiter's bucket size (default 1).
	Burst int

	// PartTimeout bounds a single part upload. 0 leaves it to the transport.
	PartTimeout time.Duration
}

// PartUploader sends one chunk to the store per call. It never retries.
type PartUploader struct {
	store       Store
	sem         *semaphore.Weighted
	limiter     *rate.Limiter
	partTimeout time.Duration
}

func NewPartUploader(store Store, cfg UploaderConfig) *PartUploader {
	u := &PartUploader{store: store, partTimeout: cfg.PartTimeout}
	if cfg.MaxConcurrent > 0 {
		u.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		u.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return u
}

// Upload forwards job to the store. Every failure is an *UploadError.
func (u *PartUploader) Upload(ctx context.Context, job ChunkJob) (Part, error) {
	if job.PartNumber < 1 {
		return Part{}, &UploadError{PartNumber: job.PartNumber, Cause: fmt.Errorf("%w: part number %d", ErrInvalidJob, job.PartNumber)}
	}

	if u.sem != nil {
		if err := u.sem.Acquire(ctx, 1); err != nil {
			return Part{}, &UploadError{PartNumber: job.PartNumber, Cause: err}
		}
		defer u.sem.Release(1)
	}
	if u.limiter != nil {
		if err := u.limiter.Wait(ctx); err != nil {
			return Part{}, &UploadError{PartNumber: job.PartNumber, Cause: err}
		}
	}

	if u.partTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.partTimeout)
		defer cancel()
	}

	start := time.Now()
	part, err := u.store.UploadPart(ctx, job.Target, job.PartNumber, job.Body, job.ContentMD5)
	PartUploadDuration.Observe(time.Since(start).Seconds())
	if err == nil && part.ETag == "" {
		err = &TransportError{Op: OpUploadPart, Err: errors.New("store returned no etag")}
	}
	if err != nil {
		PartsUploadedTotal.WithLabelValues("error").Inc()
		StoreErrorsTotal.WithLabelValues(OpUploadPart).Inc()
		return Part{}, &UploadError{PartNumber: job.PartNumber, Cause: err}
	}

	PartsUploadedTotal.WithLabelValues("success").Inc()
	PartUploadBytes.Add(float64(len(job.Body)))
	logger.Ctx(ctx).Debug().
		Int("part_number", job.PartNumber).
		Str("size", humanize.IBytes(uint64(len(job.Body)))).
		Dur("took", time.Since(start)).
		Msg("multipart: part uploaded")

	part.PartNumber = job.PartNumber
	return part, nil
}
