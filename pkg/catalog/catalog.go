// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalog persists one record per completed upload so operators can
// tell which objects finished assembling.
package catalog

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidRecord    = errors.New("catalog: title or filename required")
	ErrInvalidTableName = errors.New("catalog: invalid table name")
)

// Record describes a completed object.
type Record struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Filename  string    `json:"filename"`
	CreatedAt time.Time `json:"created_at"`
}

// Catalog stores completion records.
type Catalog interface {
	CreateRecord(ctx context.Context, rec Record) error
	FindByFilename(ctx context.Context, filename string) ([]Record, error)
	Close() error
}

// FilenameFromKey strips everything from the first dot of an object key,
// so "videos/intro.final.mp4" becomes "videos/intro".
func FilenameFromKey(key string) string {
	name, _, _ := strings.Cut(key, ".")
	return name
}
