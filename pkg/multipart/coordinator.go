// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package multipart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LeeDigitalWorks/zapingest/pkg/logger"

	"github.com/hashicorp/go-multierror"
)

// ListPartsPolicy controls how the store's part listing is used before completion.
type ListPartsPolicy string

const (
	// ListPartsStrict aborts the upload when the listing disagrees or fails.
	ListPartsStrict ListPartsPolicy = "strict"
	// ListPartsAdvisory logs a disagreement and completes anyway.
	ListPartsAdvisory ListPartsPolicy = "advisory"
	// ListPartsOff skips the listing.
	ListPartsOff ListPartsPolicy = "off"
)

// ParseListPartsPolicy accepts "strict", "advisory" or "off". Empty means strict.
func ParseListPartsPolicy(s string) (ListPartsPolicy, error) {
	switch p := ListPartsPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ListPartsStrict, nil
	case ListPartsStrict, ListPartsAdvisory, ListPartsOff:
		return p, nil
	default:
		return "", fmt.Errorf("multipart: unknown list parts policy %q", s)
	}
}

// CoordinatorConfig tunes the finalize decision.
type CoordinatorConfig struct {
	ListPartsPolicy ListPartsPolicy

	// RequireContiguous aborts when any part number between 1 and the
	// terminal part was never acknowledged.
	RequireContiguous bool

	// ArrivalGrace is how long a terminal chunk waits for lower-numbered
	// chunks that have not been dispatched yet. Only used with
	// RequireContiguous. Concurrent queue workers can hand the terminal
	// chunk over slightly before an earlier one.
	ArrivalGrace time.Duration

	// DefaultTitle is consulted when the session never received a title.
	DefaultTitle func() string

	// OnFinish runs once after the session reaches a terminal state.
	OnFinish func(Result)
}

// Coordinator drives one session from Accumulating through Finalizing to
// Completed or Aborted. Leaving Accumulating happens at most once, so the
// store's Complete is called at most once per upload ID.
type Coordinator struct {
	session   *UploadSession
	uploader  *PartUploader
	store     Store
	finalizer *SessionFinalizer
	cfg       CoordinatorConfig

	// ctx scopes part uploads. It is cancelled on abort and after finishing.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	dispatched map[int]struct{}
	arrived    chan struct{} // closed and replaced on every dispatch
	failures   *multierror.Error
	wg         sync.WaitGroup
	result     Result
	finished   time.Time
	done       chan struct{}
}

// NewCoordinator starts a session in Accumulating. base supplies the logger
// and lifetime for background part uploads.
func NewCoordinator(base context.Context, session *UploadSession, uploader *PartUploader, store Store, finalizer *SessionFinalizer, cfg CoordinatorConfig) *Coordinator {
	if cfg.ListPartsPolicy == "" {
		cfg.ListPartsPolicy = ListPartsStrict
	}
	ctx, cancel := context.WithCancel(base)
	SessionsActive.Inc()
	return &Coordinator{
		session:    session,
		uploader:   uploader,
		store:      store,
		finalizer:  finalizer,
		cfg:        cfg,
		ctx:        ctx,
		cancel:     cancel,
		state:      StateAccumulating,
		dispatched: make(map[int]struct{}),
		arrived:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (c *Coordinator) Session() *UploadSession {
	return c.session
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the session reaches Completed or Aborted.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome once the session finished.
func (c *Coordinator) Result() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.Terminal() {
		return Result{}, false
	}
	return c.result, true
}

// FinishedAt is zero until the session finished.
func (c *Coordinator) FinishedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// Info returns a snapshot for operators.
func (c *Coordinator) Info() SessionInfo {
	t := c.session.Target()
	info := SessionInfo{
		UploadID:     c.session.UploadID(),
		Bucket:       t.Bucket,
		Key:          t.Key,
		Title:        c.session.Title(),
		Parts:        c.session.Registry().Len(),
		Created:      c.session.created,
		LastActivity: c.session.LastActivity(),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	info.State = c.state.String()
	if c.state.Terminal() {
		info.Status = c.result.Status
		if c.result.Err != nil {
			info.Error = c.result.Err.Error()
		}
	}
	return info
}

// Dispatch starts uploading a non-terminal chunk and returns without
// waiting for it. Failures are collected for the finalize decision.
func (c *Coordinator) Dispatch(job ChunkJob) error {
	if err := c.session.bind(job.Target); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateAccumulating {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: part %d arrived while %s", ErrSessionClosed, job.PartNumber, state)
	}
	c.markDispatchedLocked(job.PartNumber)
	c.wg.Add(1)
	c.mu.Unlock()

	go c.upload(job)
	return nil
}

func (c *Coordinator) upload(job ChunkJob) {
	defer c.wg.Done()

	ctx := logger.WithUpload(c.ctx, job.UploadID, job.Bucket, job.Key)
	part, err := c.uploader.Upload(ctx, job)
	if err == nil {
		err = c.session.Registry().Record(part)
	}
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Int("part_number", job.PartNumber).Msg("multipart: part upload failed")
		c.mu.Lock()
		c.failures = multierror.Append(c.failures, err)
		c.mu.Unlock()
	}
}

// Finalize handles the terminal chunk: it uploads the chunk, waits for every
// outstanding upload, then completes or aborts the remote upload and runs
// the finalizer. The returned error is non-nil only when the chunk was
// rejected; the outcome of the session is in the Result.
func (c *Coordinator) Finalize(ctx context.Context, job ChunkJob) (Result, error) {
	if err := c.session.bind(job.Target); err != nil {
		return Result{}, err
	}
	if c.cfg.RequireContiguous && c.cfg.ArrivalGrace > 0 {
		c.awaitArrivals(ctx, job.PartNumber)
	}

	c.mu.Lock()
	if c.state != StateAccumulating {
		c.mu.Unlock()
		DuplicateTerminalTotal.Inc()
		return Result{}, ErrAlreadyFinalizing
	}
	c.state = StateFinalizing
	c.markDispatchedLocked(job.PartNumber)
	c.wg.Add(1)
	c.mu.Unlock()

	ctx = logger.WithUpload(context.WithoutCancel(ctx), job.UploadID, job.Bucket, job.Key)
	logger.Ctx(ctx).Debug().Int("last_part", job.PartNumber).Msg("multipart: finalizing")

	c.upload(job)
	c.wg.Wait()

	res := c.decide(ctx, job.PartNumber)
	c.finish(ctx, res)
	return res, nil
}

func (c *Coordinator) markDispatchedLocked(partNumber int) {
	c.dispatched[partNumber] = struct{}{}
	close(c.arrived)
	c.arrived = make(chan struct{})
}

// undispatchedLocked returns part numbers below last never handed to Dispatch.
func (c *Coordinator) undispatchedLocked(last int) []int {
	var missing []int
	for n := 1; n < last; n++ {
		if _, ok := c.dispatched[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

// awaitArrivals blocks until every part below last was dispatched, giving
// up after ArrivalGrace.
func (c *Coordinator) awaitArrivals(ctx context.Context, last int) {
	timer := time.NewTimer(c.cfg.ArrivalGrace)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if c.state != StateAccumulating || len(c.undispatchedLocked(last)) == 0 {
			c.mu.Unlock()
			return
		}
		arrived := c.arrived
		c.mu.Unlock()

		select {
		case <-arrived:
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Abort abandons a session that is still accumulating. In-flight uploads
// are cancelled and awaited before the store's upload is aborted.
func (c *Coordinator) Abort(ctx context.Context, reason error) (Result, error) {
	c.mu.Lock()
	if c.state != StateAccumulating {
		c.mu.Unlock()
		return Result{}, ErrAlreadyFinalizing
	}
	c.state = StateFinalizing
	c.mu.Unlock()

	t := c.session.Target()
	ctx = logger.WithUpload(context.WithoutCancel(ctx), t.UploadID, t.Bucket, t.Key)

	c.cancel()
	c.wg.Wait()

	res := c.abort(ctx, reason)
	c.finish(ctx, res)
	return res, nil
}

func (c *Coordinator) decide(ctx context.Context, last int) Result {
	log := logger.Ctx(ctx)
	t := c.session.Target()
	reg := c.session.Registry()

	c.mu.Lock()
	failed := c.failures.ErrorOrNil()
	c.mu.Unlock()
	if failed != nil {
		return c.abort(ctx, failed)
	}

	if c.cfg.RequireContiguous {
		if missing := reg.Missing(last); len(missing) > 0 {
			return c.abort(ctx, &IncompleteUploadError{LastPart: last, Missing: missing})
		}
	} else if !reg.Has(last) {
		return c.abort(ctx, &IncompleteUploadError{LastPart: last, Missing: []int{last}})
	}

	parts := reg.OrderedParts()
	if err := ValidateOrder(parts); err != nil {
		return c.abort(ctx, err)
	}

	if c.cfg.ListPartsPolicy != ListPartsOff {
		if err := c.crossCheck(ctx, t, parts); err != nil {
			if c.cfg.ListPartsPolicy == ListPartsStrict {
				return c.abort(ctx, err)
			}
			log.Warn().Err(err).Msg("multipart: completing despite part listing mismatch")
		}
	}

	if err := c.store.Complete(ctx, t, parts); err != nil {
		StoreErrorsTotal.WithLabelValues(OpComplete).Inc()
		return c.abort(ctx, err)
	}

	title := c.title()
	filename, sideErr := c.finalizer.Run(ctx, t, title)
	res := Result{
		Target:   t,
		Status:   StatusCompleted,
		Title:    title,
		Filename: filename,
		Parts:    parts,
	}
	if sideErr != nil {
		res.Status = StatusDegraded
		res.Err = sideErr
	}
	return res
}

// crossCheck compares the store's listing with the locally recorded parts.
// Parts the store holds beyond the local list are ignored.
func (c *Coordinator) crossCheck(ctx context.Context, t Target, parts []Part) error {
	listed, err := c.store.ListParts(ctx, t)
	if err != nil {
		StoreErrorsTotal.WithLabelValues(OpListParts).Inc()
		ListPartsMismatchTotal.Inc()
		return fmt.Errorf("%w: %w", ErrListPartsMismatch, err)
	}

	remote := make(map[int]string, len(listed))
	for _, p := range listed {
		remote[p.PartNumber] = normalizeETag(p.ETag)
	}
	var bad []string
	for _, p := range parts {
		etag, ok := remote[p.PartNumber]
		switch {
		case !ok:
			bad = append(bad, fmt.Sprintf("part %d missing", p.PartNumber))
		case etag != normalizeETag(p.ETag):
			bad = append(bad, fmt.Sprintf("part %d etag %s != %s", p.PartNumber, etag, normalizeETag(p.ETag)))
		}
	}
	if len(bad) > 0 {
		ListPartsMismatchTotal.Inc()
		return fmt.Errorf("%w: %s", ErrListPartsMismatch, strings.Join(bad, ", "))
	}
	return nil
}

func (c *Coordinator) abort(ctx context.Context, cause error) Result {
	c.cancel()
	t := c.session.Target()

	var err error = cause
	if c.session.Bound() {
		if aerr := c.store.Abort(ctx, t); aerr != nil && !errors.Is(aerr, ErrNoSuchUpload) {
			StoreErrorsTotal.WithLabelValues(OpAbort).Inc()
			logger.Ctx(ctx).Error().Err(aerr).Msg("multipart: abort failed, upload left for external cleanup")
			err = multierror.Append(cause, fmt.Errorf("abort: %w", aerr))
		}
	}

	return Result{
		Target: t,
		Status: StatusAborted,
		Title:  c.title(),
		Parts:  c.session.Registry().OrderedParts(),
		Err:    err,
	}
}

func (c *Coordinator) finish(ctx context.Context, res Result) {
	res.Duration = time.Since(c.session.created)

	c.mu.Lock()
	if res.Status == StatusAborted {
		c.state = StateAborted
	} else {
		c.state = StateCompleted
	}
	c.result = res
	c.finished = time.Now()
	c.mu.Unlock()
	c.cancel()

	SessionsActive.Dec()
	SessionsFinishedTotal.WithLabelValues(string(res.Status)).Inc()

	log := logger.Ctx(ctx)
	ev := log.Info()
	if res.Status != StatusCompleted {
		ev = log.Error().Err(res.Err)
		if failed := FailedParts(res.Err); len(failed) > 0 {
			ev = ev.Ints("failed_parts", failed)
		}
	}
	ev.Str("status", string(res.Status)).
		Str("title", res.Title).
		Int("parts", len(res.Parts)).
		Dur("took", res.Duration).
		Msg("multipart: session finished")

	close(c.done)
	if c.cfg.OnFinish != nil {
		c.cfg.OnFinish(res)
	}
}

func (c *Coordinator) title() string {
	if t := c.session.Title(); t != "" {
		return t
	}
	if c.cfg.DefaultTitle != nil {
		return c.cfg.DefaultTitle()
	}
	return ""
}

func normalizeETag(etag string) string {
	return strings.Trim(etag, `"`)
}
