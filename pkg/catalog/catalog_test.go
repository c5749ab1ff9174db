// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/LeeDigitalWorks/zapingest/pkg/sqldb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilenameFromKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		key  string
		want string
	}{
		{"movie.mp4", "movie"},
		{"videos/intro.final.mp4", "videos/intro"},
		{"no-extension", "no-extension"},
		{".hidden", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, FilenameFromKey(tt.key))
		})
	}
}

func TestMemoryCatalog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewMemoryCatalog()

	require.NoError(t, c.CreateRecord(ctx, Record{Title: "demo", Filename: "movie"}))
	require.NoError(t, c.CreateRecord(ctx, Record{Title: "other", Filename: "clip"}))

	recs := c.Records()
	require.Len(t, recs, 2)
	assert.NotEmpty(t, recs[0].ID)
	assert.False(t, recs[0].CreatedAt.IsZero())

	found, err := c.FindByFilename(ctx, "movie")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "demo", found[0].Title)

	assert.ErrorIs(t, c.CreateRecord(ctx, Record{}), ErrInvalidRecord)

	boom := errors.New("db down")
	c.FailWith(boom)
	assert.ErrorIs(t, c.CreateRecord(ctx, Record{Title: "x", Filename: "y"}), boom)
	c.FailWith(nil)
	assert.NoError(t, c.CreateRecord(ctx, Record{Title: "x", Filename: "y"}))
}

func TestNewSQLCatalog_TableValidation(t *testing.T) {
	t.Parallel()

	_, err := NewSQLCatalog(nil, sqldb.DriverPostgres, "videos; DROP TABLE x")
	assert.ErrorIs(t, err, ErrInvalidTableName)

	c, err := NewSQLCatalog(nil, sqldb.DriverPostgres, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultTable, c.table)
}

func TestSQLCatalog_Schema(t *testing.T) {
	t.Parallel()

	pg, err := NewSQLCatalog(nil, sqldb.DriverPostgres, "videos")
	require.NoError(t, err)
	assert.Contains(t, pg.Schema(), "TIMESTAMPTZ")

	my, err := NewSQLCatalog(nil, sqldb.DriverMySQL, "videos")
	require.NoError(t, err)
	assert.Contains(t, my.Schema(), "DATETIME(6)")
	assert.Contains(t, my.Schema(), "idx_videos_filename")
}

func TestSQLCatalog_CreateAndFind(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	db := openRecorder(t, rec)

	c, err := NewSQLCatalog(db, sqldb.DriverPostgres, "videos")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Migrate(ctx))
	require.NoError(t, c.CreateRecord(ctx, Record{Title: "demo", Filename: "movie"}))

	execs := rec.execs()
	require.Len(t, execs, 2)
	assert.Contains(t, execs[0].query, "CREATE TABLE IF NOT EXISTS videos")
	assert.Equal(t, "INSERT INTO videos (id, title, filename, created_at) VALUES ($1, $2, $3, $4)", execs[1].query)
	require.Len(t, execs[1].args, 4)
	assert.Equal(t, "demo", execs[1].args[1])
	assert.Equal(t, "movie", execs[1].args[2])

	found, err := c.FindByFilename(ctx, "movie")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "demo", found[0].Title)
	assert.Equal(t, "movie", found[0].Filename)
}

func TestSQLCatalog_InsertError(t *testing.T) {
	t.Parallel()

	rec := &recorder{execErr: errors.New("connection reset")}
	db := openRecorder(t, rec)

	c, err := NewSQLCatalog(db, sqldb.DriverMySQL, "videos")
	require.NoError(t, err)

	err = c.CreateRecord(context.Background(), Record{Title: "demo", Filename: "movie"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog: insert record")
	assert.Contains(t, err.Error(), "connection reset")
}

// recorder is a database/sql driver that remembers executed statements and
// answers SELECTs from the rows previously inserted.
type recorder struct {
	mu      sync.Mutex
	calls   []execCall
	execErr error
}

type execCall struct {
	query string
	args  []driver.Value
}

func (r *recorder) execs() []execCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]execCall(nil), r.calls...)
}

var (
	registerOnce sync.Once
	recordersMu  sync.Mutex
	recorders    = map[string]*recorder{}
)

type recorderDriver struct{}

func (recorderDriver) Open(name string) (driver.Conn, error) {
	recordersMu.Lock()
	defer recordersMu.Unlock()
	r, ok := recorders[name]
	if !ok {
		return nil, errors.New("unknown recorder " + name)
	}
	return &recorderConn{r: r}, nil
}

func openRecorder(t *testing.T, r *recorder) *sql.DB {
	t.Helper()
	registerOnce.Do(func() { sql.Register("catalogrecorder", recorderDriver{}) })

	recordersMu.Lock()
	recorders[t.Name()] = r
	recordersMu.Unlock()

	db, err := sql.Open("catalogrecorder", t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type recorderConn struct {
	r *recorder
}

func (c *recorderConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare not supported")
}
func (c *recorderConn) Close() error              { return nil }
func (c *recorderConn) Begin() (driver.Tx, error) { return nil, errors.New("tx not supported") }

func (c *recorderConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	if c.r.execErr != nil {
		return nil, c.r.execErr
	}
	call := execCall{query: query}
	for _, a := range args {
		call.args = append(call.args, a.Value)
	}
	c.r.calls = append(c.r.calls, call)
	return driver.RowsAffected(1), nil
}

func (c *recorderConn) QueryContext(_ context.Context, _ string, args []driver.NamedValue) (driver.Rows, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()

	rows := &recorderRows{}
	for _, call := range c.r.calls {
		if len(call.args) == 4 && len(args) == 1 && call.args[2] == args[0].Value {
			rows.data = append(rows.data, call.args)
		}
	}
	return rows, nil
}

type recorderRows struct {
	data [][]driver.Value
	pos  int
}

func (r *recorderRows) Columns() []string { return []string{"id", "title", "filename", "created_at"} }
func (r *recorderRows) Close() error      { return nil }

func (r *recorderRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.data) {
		return io.EOF
	}
	row := r.data[r.pos]
	r.pos++
	for i := range dest {
		dest[i] = row[i]
	}
	if _, ok := dest[3].(time.Time); !ok {
		dest[3] = time.Now()
	}
	return nil
}
