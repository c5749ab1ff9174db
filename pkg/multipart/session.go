// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package multipart

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// UploadSession is the mutable state for one object being assembled.
// Bucket and key are learned from the first chunk; a title may arrive
// before any chunk and is overwritten by later titles.
type UploadSession struct {
	uploadID string
	registry *PartRegistry
	created  time.Time

	mu           sync.RWMutex
	target       Target
	title        string
	lastActivity time.Time
}

func NewUploadSession(uploadID string) *UploadSession {
	now := time.Now()
	return &UploadSession{
		uploadID:     uploadID,
		registry:     NewPartRegistry(),
		created:      now,
		target:       Target{UploadID: uploadID},
		lastActivity: now,
	}
}

func (s *UploadSession) UploadID() string {
	return s.uploadID
}

func (s *UploadSession) Registry() *PartRegistry {
	return s.registry
}

// SetTitle replaces the title. The last call wins.
func (s *UploadSession) SetTitle(title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.title = title
	s.lastActivity = time.Now()
}

func (s *UploadSession) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

// Target returns the destination. Bucket and Key are empty until a chunk arrived.
func (s *UploadSession) Target() Target {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

// Bound reports whether the destination bucket and key are known.
func (s *UploadSession) Bound() bool {
	t := s.Target()
	return t.Bucket != "" && t.Key != ""
}

// bind fixes the destination on the first chunk and rejects later chunks
// naming a different one.
func (s *UploadSession) bind(t Target) error {
	if t.UploadID != s.uploadID {
		return fmt.Errorf("%w: upload %q sent to session %q", ErrTargetMismatch, t.UploadID, s.uploadID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = time.Now()
	if s.target.Bucket == "" && s.target.Key == "" {
		s.target.Bucket = t.Bucket
		s.target.Key = t.Key
		return nil
	}
	if s.target.Bucket != t.Bucket || s.target.Key != t.Key {
		return fmt.Errorf("%w: got %s/%s, session has %s/%s",
			ErrTargetMismatch, t.Bucket, t.Key, s.target.Bucket, s.target.Key)
	}
	return nil
}

// LastActivity is when the session last received a chunk or title.
func (s *UploadSession) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// SessionInfo is a point-in-time view of a session for operators.
type SessionInfo struct {
	UploadID     string    `json:"upload_id"`
	Bucket       string    `json:"bucket,omitempty"`
	Key          string    `json:"key,omitempty"`
	Title        string    `json:"title,omitempty"`
	State        string    `json:"state"`
	Parts        int       `json:"parts"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"last_activity"`
	Status       Status    `json:"status,omitempty"`
	Error        string    `json:"error,omitempty"`
}

const sessionShards = 32

// sessionTable maps upload IDs to coordinators, sharded by FNV-1a hash.
type sessionTable struct {
	shards [sessionShards]sessionShard
}

type sessionShard struct {
	sync.RWMutex
	m map[string]*Coordinator
}

func newSessionTable() *sessionTable {
	t := &sessionTable{}
	for i := range t.shards {
		t.shards[i].m = make(map[string]*Coordinator)
	}
	return t
}

func (t *sessionTable) shard(uploadID string) *sessionShard {
	h := fnv.New32a()
	h.Write([]byte(uploadID))
	return &t.shards[h.Sum32()%sessionShards]
}

func (t *sessionTable) get(uploadID string) (*Coordinator, bool) {
	s := t.shard(uploadID)
	s.RLock()
	c, ok := s.m[uploadID]
	s.RUnlock()
	return c, ok
}

// getOrCreate returns the coordinator for uploadID, building it with create
// if absent. The second result is true when a coordinator was created; a nil
// coordinator from create is not stored.
func (t *sessionTable) getOrCreate(uploadID string, create func() *Coordinator) (*Coordinator, bool) {
	if c, ok := t.get(uploadID); ok {
		return c, false
	}

	s := t.shard(uploadID)
	s.Lock()
	defer s.Unlock()
	if c, ok := s.m[uploadID]; ok {
		return c, false
	}
	c := create()
	if c == nil {
		return nil, false
	}
	s.m[uploadID] = c
	return c, true
}

func (t *sessionTable) remove(uploadID string) {
	s := t.shard(uploadID)
	s.Lock()
	delete(s.m, uploadID)
	s.Unlock()
}

// deleteIf removes every coordinator for which pred returns true and
// returns how many were removed.
func (t *sessionTable) deleteIf(pred func(*Coordinator) bool) int {
	removed := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.Lock()
		for id, c := range s.m {
			if pred(c) {
				delete(s.m, id)
				removed++
			}
		}
		s.Unlock()
	}
	return removed
}

// snapshot returns every coordinator currently tracked.
func (t *sessionTable) snapshot() []*Coordinator {
	var out []*Coordinator
	for i := range t.shards {
		s := &t.shards[i]
		s.RLock()
		for _, c := range s.m {
			out = append(out, c)
		}
		s.RUnlock()
	}
	return out
}

func (t *sessionTable) len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.RLock()
		n += len(s.m)
		s.RUnlock()
	}
	return n
}
