// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package multipart

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeeDigitalWorks/zapingest/pkg/logger"
)

const (
	DefaultArrivalGrace  = 10 * time.Second
	DefaultRetention     = 10 * time.Minute
	DefaultTombstone     = 24 * time.Hour
	DefaultSweepInterval = 30 * time.Second
)

// Config configures an Assembler.
type Config struct {
	ListPartsPolicy ListPartsPolicy

	// RequireContiguous aborts sessions whose terminal chunk leaves a gap
	// below it. Off by default: the terminal chunk alone ends the upload.
	RequireContiguous bool

	// ArrivalGrace lets a terminal chunk wait for lower parts still in the queue.
	ArrivalGrace time.Duration

	// IdleTimeout aborts sessions that received nothing for this long while
	// accumulating. 0 disables expiry.
	IdleTimeout time.Duration

	// Retention keeps finished sessions around so late duplicates are
	// rejected instead of starting a new session. 0 forgets them at once.
	Retention time.Duration

	// Tombstone remembers finished upload IDs after their session was
	// forgotten so late chunks are refused. Defaults to DefaultTombstone.
	Tombstone time.Duration

	// SweepInterval is how often idle and retained sessions are checked.
	SweepInterval time.Duration

	// OnFinish runs after each session reaches a terminal state.
	OnFinish func(Result)
}

// DefaultConfig returns the production defaults: strict part listing,
// gaps in part numbers accepted, no idle expiry.
func DefaultConfig() Config {
	return Config{
		ListPartsPolicy: ListPartsStrict,
		ArrivalGrace:    DefaultArrivalGrace,
		Retention:       DefaultRetention,
		Tombstone:       DefaultTombstone,
		SweepInterval:   DefaultSweepInterval,
	}
}

// Assembler routes chunk and title jobs to one Coordinator per upload ID.
type Assembler struct {
	store     Store
	uploader  *PartUploader
	finalizer *SessionFinalizer
	cfg       Config
	sessions  *sessionTable

	ctx    context.Context
	cancel context.CancelFunc

	titleMu      sync.RWMutex
	defaultTitle string

	tombMu     sync.Mutex
	tombstones map[string]time.Time

	closed     atomic.Bool
	closeOnce  sync.Once
	stopReaper chan struct{}
	reaperDone chan struct{}
}

// NewAssembler returns a running Assembler. ctx supplies the logger for
// background work; its cancellation does not stop the assembler, Close does.
func NewAssembler(ctx context.Context, store Store, uploader *PartUploader, finalizer *SessionFinalizer, cfg Config) *Assembler {
	if cfg.ListPartsPolicy == "" {
		cfg.ListPartsPolicy = ListPartsStrict
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Tombstone <= 0 {
		cfg.Tombstone = DefaultTombstone
	}

	a := &Assembler{
		store:      store,
		uploader:   uploader,
		finalizer:  finalizer,
		cfg:        cfg,
		sessions:   newSessionTable(),
		tombstones: make(map[string]time.Time),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))

	go a.reap()
	return a
}

// SetTitle records a title. An empty uploadID sets the title used by every
// session that never received its own; later titles replace earlier ones.
func (a *Assembler) SetTitle(uploadID, title string) error {
	if a.closed.Load() {
		return ErrAssemblerClosed
	}
	if uploadID == "" {
		a.titleMu.Lock()
		a.defaultTitle = title
		a.titleMu.Unlock()
		return nil
	}

	c := a.coordinator(uploadID)
	if c == nil {
		return fmt.Errorf("%w: title arrived after upload %s finished", ErrSessionClosed, uploadID)
	}
	if s := c.State(); s != StateAccumulating {
		return fmt.Errorf("%w: title arrived while %s", ErrSessionClosed, s)
	}
	c.Session().SetTitle(title)
	return nil
}

// DefaultTitle returns the title set without an upload ID.
func (a *Assembler) DefaultTitle() string {
	a.titleMu.RLock()
	defer a.titleMu.RUnlock()
	return a.defaultTitle
}

// Dispatch starts uploading a non-terminal chunk.
func (a *Assembler) Dispatch(ctx context.Context, job ChunkJob) error {
	if err := a.validate(job); err != nil {
		return err
	}
	c := a.coordinator(job.UploadID)
	if c == nil {
		return fmt.Errorf("%w: part %d arrived after upload finished", ErrSessionClosed, job.PartNumber)
	}
	return c.Dispatch(job)
}

// Finalize handles the terminal chunk of an upload and blocks until the
// session finished.
func (a *Assembler) Finalize(ctx context.Context, job ChunkJob) (Result, error) {
	if err := a.validate(job); err != nil {
		return Result{}, err
	}
	c := a.coordinator(job.UploadID)
	if c == nil {
		DuplicateTerminalTotal.Inc()
		return Result{}, ErrAlreadyFinalizing
	}
	return c.Finalize(ctx, job)
}

// Abort abandons an accumulating session.
func (a *Assembler) Abort(ctx context.Context, uploadID string, reason error) (Result, error) {
	c, ok := a.sessions.get(uploadID)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrNoSuchUpload, uploadID)
	}
	return c.Abort(ctx, reason)
}

// Get returns the coordinator for uploadID, including retained finished ones.
func (a *Assembler) Get(uploadID string) (*Coordinator, bool) {
	return a.sessions.get(uploadID)
}

// Len returns the number of tracked sessions, finished ones included.
func (a *Assembler) Len() int {
	return a.sessions.len()
}

// Sessions returns a snapshot of every tracked session, oldest first.
func (a *Assembler) Sessions() []SessionInfo {
	coords := a.sessions.snapshot()
	out := make([]SessionInfo, 0, len(coords))
	for _, c := range coords {
		out = append(out, c.Info())
	}
	slices.SortFunc(out, func(x, y SessionInfo) int {
		return x.Created.Compare(y.Created)
	})
	return out
}

// ServeHTTP lists sessions as JSON.
func (a *Assembler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.Sessions()); err != nil {
		logger.Ctx(r.Context()).Warn().Err(err).Msg("multipart: failed to encode sessions")
	}
}

// Close stops accepting work, aborts accumulating sessions and waits for
// finalizing ones until ctx is done.
func (a *Assembler) Close(ctx context.Context) error {
	a.closed.Store(true)
	a.closeOnce.Do(func() { close(a.stopReaper) })
	<-a.reaperDone

	var pending []*Coordinator
	for _, c := range a.sessions.snapshot() {
		switch c.State() {
		case StateAccumulating:
			if _, err := c.Abort(ctx, ErrAssemblerClosed); err == nil {
				continue
			}
			pending = append(pending, c)
		case StateFinalizing:
			pending = append(pending, c)
		}
	}

	defer a.cancel()
	for _, c := range pending {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (a *Assembler) validate(job ChunkJob) error {
	if a.closed.Load() {
		return ErrAssemblerClosed
	}
	switch {
	case job.UploadID == "":
		return fmt.Errorf("%w: missing upload id", ErrInvalidJob)
	case job.Bucket == "" || job.Key == "":
		return fmt.Errorf("%w: missing bucket or key", ErrInvalidJob)
	case job.PartNumber < 1 || job.PartNumber > 10000:
		return fmt.Errorf("%w: part number %d out of range", ErrInvalidJob, job.PartNumber)
	}
	return nil
}

// coordinator returns the session for uploadID, starting one if needed. It
// returns nil when the upload already finished and its session was forgotten.
func (a *Assembler) coordinator(uploadID string) *Coordinator {
	c, created := a.sessions.getOrCreate(uploadID, func() *Coordinator {
		if a.finished(uploadID) {
			return nil
		}
		return NewCoordinator(a.ctx, NewUploadSession(uploadID), a.uploader, a.store, a.finalizer, CoordinatorConfig{
			ListPartsPolicy:   a.cfg.ListPartsPolicy,
			RequireContiguous: a.cfg.RequireContiguous,
			ArrivalGrace:      a.cfg.ArrivalGrace,
			DefaultTitle:      a.DefaultTitle,
			OnFinish:          a.onFinish,
		})
	})
	if created {
		logger.Ctx(a.ctx).Debug().Str("upload_id", uploadID).Msg("multipart: session started")
	}
	return c
}

func (a *Assembler) finished(uploadID string) bool {
	a.tombMu.Lock()
	defer a.tombMu.Unlock()
	_, ok := a.tombstones[uploadID]
	return ok
}

// onFinish tombstones the upload before its session can be forgotten.
func (a *Assembler) onFinish(res Result) {
	a.tombMu.Lock()
	a.tombstones[res.UploadID] = time.Now()
	a.tombMu.Unlock()

	if a.cfg.Retention <= 0 {
		a.sessions.remove(res.UploadID)
	}
	if a.cfg.OnFinish != nil {
		a.cfg.OnFinish(res)
	}
}

func (a *Assembler) reap() {
	defer close(a.reaperDone)

	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopReaper:
			return
		case now := <-ticker.C:
			a.sweep(now)
		}
	}
}

// sweep aborts idle sessions, forgets finished ones past retention and
// drops expired tombstones.
func (a *Assembler) sweep(now time.Time) {
	if a.cfg.IdleTimeout > 0 {
		for _, c := range a.sessions.snapshot() {
			if c.State() != StateAccumulating {
				continue
			}
			idle := now.Sub(c.Session().LastActivity())
			if idle < a.cfg.IdleTimeout {
				continue
			}
			logger.Ctx(a.ctx).Warn().
				Str("upload_id", c.Session().UploadID()).
				Dur("idle", idle).
				Msg("multipart: aborting idle session")
			c.Abort(a.ctx, fmt.Errorf("%w after %s", ErrIdleTimeout, idle))
		}
	}

	if a.cfg.Retention > 0 {
		removed := a.sessions.deleteIf(func(c *Coordinator) bool {
			f := c.FinishedAt()
			return !f.IsZero() && now.Sub(f) >= a.cfg.Retention
		})
		if removed > 0 {
			logger.Ctx(a.ctx).Debug().Int("removed", removed).Msg("multipart: forgot finished sessions")
		}
	}

	a.tombMu.Lock()
	for id, at := range a.tombstones {
		if now.Sub(at) >= a.cfg.Tombstone {
			delete(a.tombstones, id)
		}
	}
	a.tombMu.Unlock()
}
