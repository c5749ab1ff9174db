// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"

	"github.com/LeeDigitalWorks/zapingest/pkg/logger"
	"github.com/LeeDigitalWorks/zapingest/pkg/multipart"
	"github.com/LeeDigitalWorks/zapingest/pkg/taskqueue"
)

// TitleHandler processes title tasks.
type TitleHandler struct {
	assembler Assembler
}

func NewTitleHandler(a Assembler) *TitleHandler {
	return &TitleHandler{assembler: a}
}

func (h *TitleHandler) Type() taskqueue.TaskType {
	return taskqueue.TaskTypeTitle
}

// Handle records the title. A title for a session that already started
// finalizing is dropped.
func (h *TitleHandler) Handle(ctx context.Context, task *taskqueue.Task) error {
	payload, err := decode[TitlePayload](task)
	if err != nil {
		return err
	}

	err = h.assembler.SetTitle(payload.UploadID, payload.Title)
	switch {
	case err == nil:
		logger.Debug().
			Str("task_id", task.ID).
			Str("upload_id", payload.UploadID).
			Str("title", payload.Title).
			Msg("taskqueue: title set")
		return nil
	case errors.Is(err, multipart.ErrAssemblerClosed):
		return err
	default:
		logger.Warn().
			Err(err).
			Str("task_id", task.ID).
			Str("upload_id", payload.UploadID).
			Msg("taskqueue: title dropped")
		return nil
	}
}
