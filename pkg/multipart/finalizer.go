// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package multipart

import (
	"context"

	"github.com/LeeDigitalWorks/zapingest/pkg/catalog"
	"github.com/LeeDigitalWorks/zapingest/pkg/logger"
	"github.com/LeeDigitalWorks/zapingest/pkg/notify"
)

// SessionFinalizer records a completed object in the catalog and notifies
// downstream consumers. Each side effect runs once and is never retried here.
type SessionFinalizer struct {
	catalog  catalog.Catalog
	notifier notify.Notifier
}

// NewSessionFinalizer accepts nil for either side effect to skip it.
func NewSessionFinalizer(c catalog.Catalog, n notify.Notifier) *SessionFinalizer {
	return &SessionFinalizer{catalog: c, notifier: n}
}

// Run performs both side effects and returns the catalog filename. A
// non-nil error is always a *FinalizationSideEffectError.
func (f *SessionFinalizer) Run(ctx context.Context, t Target, title string) (string, error) {
	filename := catalog.FilenameFromKey(t.Key)
	if f == nil {
		return filename, nil
	}
	log := logger.Ctx(ctx)

	var sideErr FinalizationSideEffectError
	if f.catalog != nil {
		if err := f.catalog.CreateRecord(ctx, catalog.Record{Title: title, Filename: filename}); err != nil {
			log.Error().Err(err).Str("filename", filename).Msg("multipart: catalog write failed")
			sideErr.CatalogErr = err
		}
	}
	if f.notifier != nil {
		n := notify.Notification{Filename: t.Key, Title: title, Bucket: t.Bucket, UploadID: t.UploadID}
		if err := f.notifier.Notify(ctx, n); err != nil {
			log.Error().Err(err).Str("channel", f.notifier.Name()).Msg("multipart: notification failed")
			sideErr.NotifyErr = err
		}
	}

	if sideErr.CatalogErr != nil || sideErr.NotifyErr != nil {
		return filename, &sideErr
	}
	return filename, nil
}
