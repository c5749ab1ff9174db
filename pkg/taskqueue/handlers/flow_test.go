// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"testing"
	"testing/synctest"
	"time"

	"github.com/LeeDigitalWorks/zapingest/pkg/catalog"
	"github.com/LeeDigitalWorks/zapingest/pkg/multipart"
	"github.com/LeeDigitalWorks/zapingest/pkg/taskqueue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flow struct {
	queue   *taskqueue.MemoryQueue
	store   *multipart.MemoryStore
	catalog *catalog.MemoryCatalog
	asm     *multipart.Assembler
	worker  *taskqueue.Worker
	target  multipart.Target
}

// newFlow wires a worker to a real assembler over in-memory backends.
// It must run inside a synctest bubble.
func newFlow(t *testing.T) *flow {
	t.Helper()
	ctx := context.Background()

	f := &flow{
		queue:   taskqueue.NewMemoryQueue(),
		store:   multipart.NewMemoryStore(),
		catalog: catalog.NewMemoryCatalog(),
	}
	var err error
	f.target, err = f.store.Begin(ctx, "videos", "clips/demo.mp4")
	require.NoError(t, err)

	// Chunks are enqueued together and pollers may claim the last one first.
	cfg := multipart.DefaultConfig()
	cfg.RequireContiguous = true
	f.asm = multipart.NewAssembler(ctx, f.store,
		multipart.NewPartUploader(f.store, multipart.UploaderConfig{MaxConcurrent: 4}),
		multipart.NewSessionFinalizer(f.catalog, nil),
		cfg)

	f.worker = taskqueue.NewWorker(taskqueue.WorkerConfig{
		ID:           "flow",
		Queue:        f.queue,
		Concurrency:  4,
		PollInterval: 50 * time.Millisecond,
	})
	f.worker.RegisterHandler(NewTitleHandler(f.asm))
	f.worker.RegisterHandler(NewPartHandler(f.asm))
	f.worker.RegisterHandler(NewLastPartHandler(f.asm))
	f.worker.Start(ctx)
	return f
}

func (f *flow) stop(t *testing.T) {
	t.Helper()
	f.worker.Stop()
	require.NoError(t, f.asm.Close(context.Background()))
}

func (f *flow) enqueuePart(t *testing.T, n int, body string, last bool) *taskqueue.Task {
	t.Helper()
	task, err := NewPartTask(PartPayload{
		Body:       Body(body),
		Bucket:     f.target.Bucket,
		Key:        f.target.Key,
		UploadID:   f.target.UploadID,
		PartNumber: n,
	}, last)
	require.NoError(t, err)
	require.NoError(t, f.queue.Enqueue(context.Background(), task))
	return task
}

func (f *flow) status(t *testing.T, task *taskqueue.Task) taskqueue.TaskStatus {
	t.Helper()
	got, err := f.queue.Get(context.Background(), task.ID)
	require.NoError(t, err)
	return got.Status
}

func TestFlow_OutOfOrderParts(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFlow(t)
		ctx := context.Background()

		title, err := NewTitleTask("", "demo")
		require.NoError(t, err)
		require.NoError(t, f.queue.Enqueue(ctx, title))
		time.Sleep(100 * time.Millisecond)
		synctest.Wait()

		tasks := []*taskqueue.Task{
			f.enqueuePart(t, 2, "bb", false),
			f.enqueuePart(t, 1, "aa", false),
			f.enqueuePart(t, 3, "cc", true),
		}
		time.Sleep(time.Second)
		synctest.Wait()

		obj, ok := f.store.Object("videos", "clips/demo.mp4")
		require.True(t, ok)
		assert.Equal(t, "aabbcc", string(obj))
		assert.Equal(t, 1, f.store.Calls(multipart.OpComplete))
		recs := f.catalog.Records()
		require.Len(t, recs, 1)
		assert.Equal(t, "demo", recs[0].Title)
		assert.Equal(t, "clips/demo", recs[0].Filename)

		assert.Equal(t, taskqueue.StatusCompleted, f.status(t, title))
		for _, task := range tasks {
			assert.Equal(t, taskqueue.StatusCompleted, f.status(t, task))
		}

		// A redelivered terminal chunk is acknowledged without a second complete.
		dup := f.enqueuePart(t, 3, "cc", true)
		time.Sleep(time.Second)
		synctest.Wait()
		assert.Equal(t, taskqueue.StatusCompleted, f.status(t, dup))
		assert.Equal(t, 1, f.store.Calls(multipart.OpComplete))

		f.stop(t)
	})
}

func TestFlow_PartFailureAborts(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFlow(t)
		f.store.FailPart(2, errors.New("connection reset"))

		f.enqueuePart(t, 1, "aa", false)
		f.enqueuePart(t, 2, "bb", false)
		last := f.enqueuePart(t, 3, "cc", true)
		time.Sleep(time.Second)
		synctest.Wait()

		assert.Equal(t, 0, f.store.Calls(multipart.OpComplete))
		assert.False(t, f.store.Pending(f.target.UploadID))
		assert.Empty(t, f.catalog.Records())
		assert.Equal(t, taskqueue.StatusCompleted, f.status(t, last), "aborted sessions are still acknowledged")

		c, ok := f.asm.Get(f.target.UploadID)
		require.True(t, ok)
		res, ok := c.Result()
		require.True(t, ok)
		assert.Equal(t, multipart.StatusAborted, res.Status)
		assert.Equal(t, []int{2}, multipart.FailedParts(res.Err))

		f.stop(t)
	})
}

func TestFlow_MalformedTaskCancelled(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFlow(t)

		task := &taskqueue.Task{Type: taskqueue.TaskTypeVideoPart, Payload: []byte(`{"Body":"%%%"}`)}
		require.NoError(t, f.queue.Enqueue(context.Background(), task))
		time.Sleep(time.Second)
		synctest.Wait()

		assert.Equal(t, taskqueue.StatusCancelled, f.status(t, task))
		assert.Zero(t, f.asm.Len())

		f.stop(t)
	})
}
