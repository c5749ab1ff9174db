// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Catalog = (*MemoryCatalog)(nil)

// MemoryCatalog keeps records in process memory. Used for local runs and tests.
type MemoryCatalog struct {
	mu      sync.Mutex
	records []Record
	failErr error
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{}
}

// FailWith makes every subsequent CreateRecord return err. nil clears it.
func (c *MemoryCatalog) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failErr = err
}

func (c *MemoryCatalog) CreateRecord(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Title == "" && rec.Filename == "" {
		return ErrInvalidRecord
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failErr != nil {
		return c.failErr
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	c.records = append(c.records, rec)
	return nil
}

func (c *MemoryCatalog) FindByFilename(ctx context.Context, filename string) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Record
	for _, r := range c.records {
		if r.Filename == filename {
			out = append(out, r)
		}
	}
	return out, nil
}

// Records returns a copy of everything stored so far.
func (c *MemoryCatalog) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.records)
}

func (c *MemoryCatalog) Close() error {
	return nil
}
