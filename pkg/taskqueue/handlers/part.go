// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/LeeDigitalWorks/zapingest/pkg/logger"
	"github.com/LeeDigitalWorks/zapingest/pkg/multipart"
	"github.com/LeeDigitalWorks/zapingest/pkg/taskqueue"

	"github.com/dustin/go-humanize"
)

// PartHandler processes video_part and last_video_part tasks.
//
// Tasks are acknowledged whatever happens to the upload: a session's
// outcome is reported through logs, metrics and the catalog, not through
// redelivery. The exceptions are a closed assembler, which leaves the task
// for another worker, and malformed payloads, which are cancelled.
type PartHandler struct {
	assembler Assembler
	last      bool
}

// NewPartHandler handles video_part tasks.
func NewPartHandler(a Assembler) *PartHandler {
	return &PartHandler{assembler: a}
}

// NewLastPartHandler handles last_video_part tasks.
func NewLastPartHandler(a Assembler) *PartHandler {
	return &PartHandler{assembler: a, last: true}
}

func (h *PartHandler) Type() taskqueue.TaskType {
	if h.last {
		return taskqueue.TaskTypeLastVideoPart
	}
	return taskqueue.TaskTypeVideoPart
}

func (h *PartHandler) Handle(ctx context.Context, task *taskqueue.Task) error {
	payload, err := decode[PartPayload](task)
	if err != nil {
		return err
	}
	job := payload.Job()
	ctx = logger.WithUpload(ctx, job.UploadID, job.Bucket, job.Key)
	log := logger.Ctx(ctx)

	log.Debug().
		Str("task_id", task.ID).
		Int("part_number", job.PartNumber).
		Str("size", humanize.IBytes(uint64(len(job.Body)))).
		Bool("last", h.last).
		Msg("taskqueue: chunk received")

	if !h.last {
		return h.settle(ctx, task, h.assembler.Dispatch(ctx, job))
	}

	res, err := h.assembler.Finalize(ctx, job)
	if err != nil {
		return h.settle(ctx, task, err)
	}

	ev := log.Info()
	if res.Status != multipart.StatusCompleted {
		ev = log.Warn().Err(res.Err)
	}
	ev.Str("task_id", task.ID).
		Str("status", string(res.Status)).
		Str("filename", res.Filename).
		Int("parts", len(res.Parts)).
		Msg("taskqueue: upload finished")
	return nil
}

// settle maps an assembler error to the task's fate.
func (h *PartHandler) settle(ctx context.Context, task *taskqueue.Task, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, multipart.ErrAssemblerClosed):
		return err
	case errors.Is(err, multipart.ErrInvalidJob):
		return fmt.Errorf("%w: %w", taskqueue.ErrInvalidPayload, err)
	default:
		// Late or duplicate chunks for a finished session.
		logger.Ctx(ctx).Warn().
			Err(err).
			Str("task_id", task.ID).
			Msg("taskqueue: chunk dropped")
		return nil
	}
}
