// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqldb opens database/sql pools for the supported drivers and
// hides the placeholder differences between them.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL/MariaDB/Vitess
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL/CockroachDB
)

// Driver identifies the SQL flavour behind a pool.
type Driver string

const (
	// DriverMySQL uses ? placeholders
	DriverMySQL Driver = "mysql"
	// DriverPostgres uses $N placeholders
	DriverPostgres Driver = "postgres"
)

const (
	DefaultMaxOpenConns    = 20
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 30 * time.Minute
	DefaultConnMaxIdleTime = 5 * time.Minute
	pingTimeout            = 5 * time.Second
)

// Config holds connection and pool settings.
type Config struct {
	Driver          Driver
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// ParseDriver maps a configured driver name to a Driver.
func ParseDriver(name string) (Driver, error) {
	switch strings.ToLower(name) {
	case "postgres", "postgresql", "pgx", "cockroachdb":
		return DriverPostgres, nil
	case "mysql", "mariadb", "vitess":
		return DriverMySQL, nil
	default:
		return "", fmt.Errorf("unsupported sql driver %q", name)
	}
}

// sqlDriverName is the name registered with database/sql.
func (d Driver) sqlDriverName() string {
	if d == DriverPostgres {
		return "pgx"
	}
	return "mysql"
}

// Open opens and pings a pool.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverPostgres
	}

	db, err := sql.Open(cfg.Driver.sqlDriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, DefaultMaxOpenConns))
	db.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, DefaultMaxIdleConns))
	db.SetConnMaxLifetime(orDefault(cfg.ConnMaxLifetime, DefaultConnMaxLifetime))
	db.SetConnMaxIdleTime(orDefault(cfg.ConnMaxIdleTime, DefaultConnMaxIdleTime))

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func orDefault[T int | time.Duration](v, def T) T {
	if v > 0 {
		return v
	}
	return def
}

// Rebind converts ? placeholders to $N for PostgreSQL. MySQL queries are
// returned unchanged. Question marks inside quoted literals are left alone.
func Rebind(d Driver, query string) string {
	if d != DriverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// IsDeadlock reports whether err is a MySQL (1213) or PostgreSQL (40P01) deadlock.
func IsDeadlock(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Error 1213") ||
		strings.Contains(msg, "Deadlock") ||
		strings.Contains(msg, "40P01") ||
		strings.Contains(msg, "deadlock detected")
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidIdentifier reports whether name is safe to splice into SQL as a table name.
func ValidIdentifier(name string) bool {
	return identifierPattern.MatchString(name)
}
