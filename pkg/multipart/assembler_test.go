// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package multipart_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/LeeDigitalWorks/zapingest/pkg/multipart"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBareAssembler(store multipart.Store, cfg multipart.Config) *multipart.Assembler {
	return multipart.NewAssembler(context.Background(), store,
		multipart.NewPartUploader(store, multipart.UploaderConfig{}),
		multipart.NewSessionFinalizer(nil, nil), cfg)
}

func TestAssembler_IdleTimeout_Synctest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		store := multipart.NewMemoryStore()
		target := beginUpload(t, store)

		cfg := multipart.DefaultConfig()
		cfg.IdleTimeout = time.Minute
		cfg.SweepInterval = 10 * time.Second
		asm := newBareAssembler(store, cfg)
		defer asm.Close(ctx)

		require.NoError(t, asm.Dispatch(ctx, chunk(target, 1, "a")))
		c, ok := asm.Get(target.UploadID)
		require.True(t, ok)

		time.Sleep(50 * time.Second)
		synctest.Wait()
		assert.Equal(t, multipart.StateAccumulating, c.State())

		time.Sleep(30 * time.Second)
		synctest.Wait()
		<-c.Done()

		res, ok := c.Result()
		require.True(t, ok)
		assert.Equal(t, multipart.StatusAborted, res.Status)
		assert.ErrorIs(t, res.Err, multipart.ErrIdleTimeout)
		assert.False(t, store.Pending(target.UploadID))
		assert.Equal(t, 0, store.Calls(multipart.OpComplete))

		assert.ErrorIs(t, asm.Dispatch(ctx, chunk(target, 2, "b")), multipart.ErrSessionClosed)
	})
}

func TestAssembler_IdleTimeoutDisabled_Synctest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		store := multipart.NewMemoryStore()
		target := beginUpload(t, store)

		cfg := multipart.DefaultConfig()
		cfg.SweepInterval = time.Minute
		asm := newBareAssembler(store, cfg)
		defer asm.Close(ctx)

		require.NoError(t, asm.Dispatch(ctx, chunk(target, 1, "a")))
		time.Sleep(24 * time.Hour)
		synctest.Wait()

		c, ok := asm.Get(target.UploadID)
		require.True(t, ok)
		assert.Equal(t, multipart.StateAccumulating, c.State())
	})
}

func TestAssembler_Retention_Synctest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		store := multipart.NewMemoryStore()
		target := beginUpload(t, store)

		cfg := multipart.DefaultConfig()
		cfg.Retention = 5 * time.Minute
		cfg.SweepInterval = time.Minute
		asm := newBareAssembler(store, cfg)
		defer asm.Close(ctx)

		res, err := asm.Finalize(ctx, chunk(target, 1, "a"))
		require.NoError(t, err)
		require.Equal(t, multipart.StatusCompleted, res.Status)
		assert.Equal(t, 1, asm.Len())

		time.Sleep(6 * time.Minute)
		synctest.Wait()
		assert.Equal(t, 0, asm.Len())

		// The forgotten session is still tombstoned.
		_, err = asm.Finalize(ctx, chunk(target, 1, "a"))
		assert.ErrorIs(t, err, multipart.ErrAlreadyFinalizing)
		assert.Equal(t, 0, asm.Len())
		assert.Equal(t, 1, store.Calls(multipart.OpUploadPart))

		// Once the tombstone expires the upload ID is unknown again and the
		// store refuses a second complete.
		time.Sleep(multipart.DefaultTombstone)
		synctest.Wait()
		res, err = asm.Finalize(ctx, chunk(target, 1, "a"))
		require.NoError(t, err)
		assert.Equal(t, multipart.StatusAborted, res.Status)
		assert.ErrorIs(t, res.Err, multipart.ErrNoSuchUpload)
		assert.Equal(t, 1, store.Calls(multipart.OpComplete))
	})
}

func TestAssembler_NoRetention(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := multipart.NewMemoryStore()
	target := beginUpload(t, store)

	cfg := multipart.DefaultConfig()
	cfg.Retention = 0
	asm := newBareAssembler(store, cfg)
	defer asm.Close(ctx)

	res, err := asm.Finalize(ctx, chunk(target, 2, "b"))
	require.NoError(t, err)
	require.Equal(t, multipart.StatusCompleted, res.Status)
	assert.Equal(t, 0, asm.Len())

	// Late duplicates of every job type are refused without touching the store.
	_, err = asm.Finalize(ctx, chunk(target, 2, "b"))
	assert.ErrorIs(t, err, multipart.ErrAlreadyFinalizing)
	assert.ErrorIs(t, asm.Dispatch(ctx, chunk(target, 1, "a")), multipart.ErrSessionClosed)
	assert.ErrorIs(t, asm.SetTitle(target.UploadID, "late"), multipart.ErrSessionClosed)

	assert.Equal(t, 0, asm.Len())
	assert.Equal(t, 1, store.Calls(multipart.OpUploadPart))
	assert.Equal(t, 1, store.Calls(multipart.OpComplete))
}

func TestAssembler_CloseAbortsAccumulating(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := multipart.NewMemoryStore()
	target := beginUpload(t, store)
	asm := newBareAssembler(store, multipart.DefaultConfig())

	require.NoError(t, asm.Dispatch(ctx, chunk(target, 1, "a")))
	require.NoError(t, asm.Close(ctx))

	c, ok := asm.Get(target.UploadID)
	require.True(t, ok)
	res, ok := c.Result()
	require.True(t, ok)
	assert.Equal(t, multipart.StatusAborted, res.Status)
	assert.ErrorIs(t, res.Err, multipart.ErrAssemblerClosed)
	assert.False(t, store.Pending(target.UploadID))

	assert.ErrorIs(t, asm.Dispatch(ctx, chunk(target, 2, "b")), multipart.ErrAssemblerClosed)
	assert.ErrorIs(t, asm.SetTitle("", "late"), multipart.ErrAssemblerClosed)
}

func TestAssembler_CloseWaitsForFinalizing_Synctest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		store := multipart.NewMemoryStore()
		target := beginUpload(t, store)
		store.OnUploadPart = func(context.Context, multipart.Target, int) {
			time.Sleep(time.Minute)
		}
		asm := newBareAssembler(store, multipart.DefaultConfig())

		var (
			wg  sync.WaitGroup
			res multipart.Result
		)
		wg.Go(func() {
			var err error
			res, err = asm.Finalize(ctx, chunk(target, 1, "a"))
			assert.NoError(t, err)
		})
		synctest.Wait()

		start := time.Now()
		require.NoError(t, asm.Close(ctx))
		assert.Equal(t, time.Minute, time.Since(start))

		wg.Wait()
		assert.Equal(t, multipart.StatusCompleted, res.Status)
	})
}

func TestAssembler_CloseDeadline_Synctest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		store := multipart.NewMemoryStore()
		target := beginUpload(t, store)
		store.OnUploadPart = func(context.Context, multipart.Target, int) {
			time.Sleep(time.Hour)
		}
		asm := newBareAssembler(store, multipart.DefaultConfig())

		var wg sync.WaitGroup
		wg.Go(func() {
			_, err := asm.Finalize(ctx, chunk(target, 1, "a"))
			assert.NoError(t, err)
		})
		synctest.Wait()

		closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		assert.ErrorIs(t, asm.Close(closeCtx), context.DeadlineExceeded)

		// Closing cancelled the upload context, so the part fails once the store returns.
		wg.Wait()
		c, _ := asm.Get(target.UploadID)
		res, ok := c.Result()
		require.True(t, ok)
		assert.Equal(t, multipart.StatusAborted, res.Status)
		assert.ErrorIs(t, res.Err, context.Canceled)
	})
}

func TestAssembler_ServeHTTP(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := multipart.NewMemoryStore()
	target := beginUpload(t, store)
	asm := newBareAssembler(store, multipart.DefaultConfig())
	defer asm.Close(ctx)

	require.NoError(t, asm.SetTitle(target.UploadID, "demo"))
	require.NoError(t, asm.Dispatch(ctx, chunk(target, 1, "a")))

	rec := httptest.NewRecorder()
	asm.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []multipart.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, target.UploadID, got[0].UploadID)
	assert.Equal(t, target.Key, got[0].Key)
	assert.Equal(t, "demo", got[0].Title)
	assert.Equal(t, "accumulating", got[0].State)
}

func TestAssembler_ArrivalGrace_Synctest(t *testing.T) {
	t.Run("late part arrives", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			ctx := context.Background()
			store := multipart.NewMemoryStore()
			target := beginUpload(t, store)
			cfg := multipart.DefaultConfig()
			cfg.RequireContiguous = true
			asm := newBareAssembler(store, cfg)
			defer asm.Close(ctx)

			require.NoError(t, asm.Dispatch(ctx, chunk(target, 1, "a")))

			var (
				wg  sync.WaitGroup
				res multipart.Result
			)
			wg.Go(func() {
				var err error
				res, err = asm.Finalize(ctx, chunk(target, 3, "c"))
				assert.NoError(t, err)
			})

			time.Sleep(3 * time.Second)
			synctest.Wait()
			c, _ := asm.Get(target.UploadID)
			assert.Equal(t, multipart.StateAccumulating, c.State())

			require.NoError(t, asm.Dispatch(ctx, chunk(target, 2, "b")))
			wg.Wait()

			assert.Equal(t, multipart.StatusCompleted, res.Status)
			obj, ok := store.Object(target.Bucket, target.Key)
			require.True(t, ok)
			assert.Equal(t, "abc", string(obj))
		})
	})

	t.Run("part never arrives", func(t *testing.T) {
		synctest.Test(t, func(t *testing.T) {
			ctx := context.Background()
			store := multipart.NewMemoryStore()
			target := beginUpload(t, store)
			cfg := multipart.DefaultConfig()
			cfg.RequireContiguous = true
			asm := newBareAssembler(store, cfg)
			defer asm.Close(ctx)

			require.NoError(t, asm.Dispatch(ctx, chunk(target, 1, "a")))

			start := time.Now()
			res, err := asm.Finalize(ctx, chunk(target, 3, "c"))
			require.NoError(t, err)
			assert.Equal(t, multipart.DefaultArrivalGrace, time.Since(start))

			assert.Equal(t, multipart.StatusAborted, res.Status)
			var inc *multipart.IncompleteUploadError
			require.ErrorAs(t, res.Err, &inc)
			assert.Equal(t, []int{2}, inc.Missing)
		})
	})
}
