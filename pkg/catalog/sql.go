// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/LeeDigitalWorks/zapingest/pkg/logger"
	"github.com/LeeDigitalWorks/zapingest/pkg/sqldb"

	"github.com/google/uuid"
)

// DefaultTable matches the table the upload service has always written to.
const DefaultTable = "videos"

var _ Catalog = (*SQLCatalog)(nil)

// SQLCatalog writes records to PostgreSQL or MySQL.
type SQLCatalog struct {
	db     *sql.DB
	driver sqldb.Driver
	table  string
}

// NewSQLCatalog wraps an existing pool. The pool is closed by Close.
func NewSQLCatalog(db *sql.DB, driver sqldb.Driver, table string) (*SQLCatalog, error) {
	if table == "" {
		table = DefaultTable
	}
	if !sqldb.ValidIdentifier(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, table)
	}
	return &SQLCatalog{db: db, driver: driver, table: table}, nil
}

// OpenSQLCatalog opens a pool from cfg and wraps it.
func OpenSQLCatalog(ctx context.Context, cfg sqldb.Config, table string) (*SQLCatalog, error) {
	db, err := sqldb.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	c, err := NewSQLCatalog(db, cfg.Driver, table)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Schema returns the DDL for the catalog table in this catalog's dialect.
func (c *SQLCatalog) Schema() string {
	if c.driver == sqldb.DriverPostgres {
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(36) PRIMARY KEY,
	title TEXT NOT NULL,
	filename TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`, c.table)
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(36) PRIMARY KEY,
	title TEXT NOT NULL,
	filename VARCHAR(1024) NOT NULL,
	created_at DATETIME(6) NOT NULL,
	INDEX idx_%s_filename (filename(255))
)`, c.table, c.table)
}

// Migrate creates the catalog table if needed.
func (c *SQLCatalog) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, c.Schema()); err != nil {
		return fmt.Errorf("catalog: migrate %s: %w", c.table, err)
	}
	logger.Info().Str("table", c.table).Str("driver", string(c.driver)).Msg("catalog: schema ready")
	return nil
}

func (c *SQLCatalog) CreateRecord(ctx context.Context, rec Record) error {
	if rec.Title == "" && rec.Filename == "" {
		return ErrInvalidRecord
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := sqldb.Rebind(c.driver, fmt.Sprintf(
		"INSERT INTO %s (id, title, filename, created_at) VALUES (?, ?, ?, ?)", c.table))
	if _, err := c.db.ExecContext(ctx, query, rec.ID, rec.Title, rec.Filename, rec.CreatedAt); err != nil {
		return fmt.Errorf("catalog: insert record: %w", err)
	}
	return nil
}

func (c *SQLCatalog) FindByFilename(ctx context.Context, filename string) ([]Record, error) {
	query := sqldb.Rebind(c.driver, fmt.Sprintf(
		"SELECT id, title, filename, created_at FROM %s WHERE filename = ? ORDER BY created_at", c.table))
	rows, err := c.db.QueryContext(ctx, query, filename)
	if err != nil {
		return nil, fmt.Errorf("catalog: query records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Title, &r.Filename, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("catalog: scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *SQLCatalog) Close() error {
	return c.db.Close()
}
