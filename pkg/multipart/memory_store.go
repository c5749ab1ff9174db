// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package multipart

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store. It enforces the same rules as S3:
// unknown uploads are rejected, Content-MD5 is checked when given, and
// Complete requires a strictly ascending list of parts it holds.
// Failures can be injected per operation for tests and local runs.
type MemoryStore struct {
	mu       sync.Mutex
	uploads  map[string]*memUpload
	objects  map[string][]byte
	failures map[string]error
	partErrs map[int]error
	calls    map[string]int

	// OnUploadPart, when set, runs before a part is stored.
	OnUploadPart func(ctx context.Context, t Target, partNumber int)
}

type memUpload struct {
	target Target
	parts  map[int]memPart
}

type memPart struct {
	etag string
	data []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		uploads:  make(map[string]*memUpload),
		objects:  make(map[string][]byte),
		failures: make(map[string]error),
		partErrs: make(map[int]error),
		calls:    make(map[string]int),
	}
}

// FailOp makes every call to op ("begin", "upload_part", "list_parts",
// "complete", "abort") return err. nil clears the failure.
func (s *MemoryStore) FailOp(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// FailPart makes uploads of partNumber return err.
func (s *MemoryStore) FailPart(partNumber int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partErrs[partNumber] = err
}

// Calls returns how many times op was invoked.
func (s *MemoryStore) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Object returns the assembled object, if Complete succeeded for bucket/key.
func (s *MemoryStore) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[bucket+"/"+key]
	return b, ok
}

// Pending reports whether the upload is still open.
func (s *MemoryStore) Pending(uploadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.uploads[uploadID]
	return ok
}

// DropPart removes a stored part behind the caller's back, simulating
// part loss on the store side.
func (s *MemoryStore) DropPart(uploadID string, partNumber int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.uploads[uploadID]; ok {
		delete(u.parts, partNumber)
	}
}

func (s *MemoryStore) enter(op string) (func(), error) {
	s.mu.Lock()
	s.calls[op]++
	if err := s.failures[op]; err != nil {
		s.mu.Unlock()
		return func() {}, &TransportError{Op: op, Err: err}
	}
	return s.mu.Unlock, nil
}

func (s *MemoryStore) Begin(ctx context.Context, bucket, key string) (Target, error) {
	unlock, err := s.enter(OpBegin)
	if err != nil {
		return Target{}, err
	}
	defer unlock()

	t := Target{Bucket: bucket, Key: key, UploadID: uuid.NewString()}
	s.uploads[t.UploadID] = &memUpload{target: t, parts: make(map[int]memPart)}
	return t, nil
}

func (s *MemoryStore) UploadPart(ctx context.Context, t Target, partNumber int, body []byte, contentMD5 string) (Part, error) {
	if s.OnUploadPart != nil {
		s.OnUploadPart(ctx, t, partNumber)
	}
	if err := ctx.Err(); err != nil {
		return Part{}, &TransportError{Op: OpUploadPart, Err: err}
	}

	unlock, err := s.enter(OpUploadPart)
	if err != nil {
		return Part{}, err
	}
	defer unlock()

	if perr := s.partErrs[partNumber]; perr != nil {
		return Part{}, &TransportError{Op: OpUploadPart, Err: perr}
	}
	u, ok := s.uploads[t.UploadID]
	if !ok {
		return Part{}, &TransportError{Op: OpUploadPart, Err: ErrNoSuchUpload}
	}
	if partNumber < 1 || partNumber > 10000 {
		return Part{}, &TransportError{Op: OpUploadPart, Err: fmt.Errorf("invalid part number %d", partNumber)}
	}

	sum := md5.Sum(body)
	if contentMD5 != "" && contentMD5 != base64.StdEncoding.EncodeToString(sum[:]) {
		return Part{}, &TransportError{Op: OpUploadPart, Err: fmt.Errorf("BadDigest: content md5 mismatch for part %d", partNumber)}
	}

	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	u.parts[partNumber] = memPart{etag: etag, data: bytes.Clone(body)}
	return Part{PartNumber: partNumber, ETag: etag}, nil
}

func (s *MemoryStore) ListParts(ctx context.Context, t Target) ([]Part, error) {
	unlock, err := s.enter(OpListParts)
	if err != nil {
		return nil, err
	}
	defer unlock()

	u, ok := s.uploads[t.UploadID]
	if !ok {
		return nil, &TransportError{Op: OpListParts, Err: ErrNoSuchUpload}
	}
	nums := slices.Sorted(maps.Keys(u.parts))
	out := make([]Part, 0, len(nums))
	for _, n := range nums {
		out = append(out, Part{PartNumber: n, ETag: u.parts[n].etag})
	}
	return out, nil
}

func (s *MemoryStore) Complete(ctx context.Context, t Target, parts []Part) error {
	unlock, err := s.enter(OpComplete)
	if err != nil {
		return err
	}
	defer unlock()

	u, ok := s.uploads[t.UploadID]
	if !ok {
		return &TransportError{Op: OpComplete, Err: ErrNoSuchUpload}
	}
	if len(parts) == 0 {
		return &TransportError{Op: OpComplete, Err: fmt.Errorf("MalformedXML: no parts")}
	}

	var buf bytes.Buffer
	prev := 0
	for _, p := range parts {
		if p.PartNumber <= prev {
			return &TransportError{Op: OpComplete, Err: fmt.Errorf("InvalidPartOrder: part %d after %d", p.PartNumber, prev)}
		}
		prev = p.PartNumber
		stored, ok := u.parts[p.PartNumber]
		if !ok || stored.etag != p.ETag {
			return &TransportError{Op: OpComplete, Err: fmt.Errorf("InvalidPart: part %d", p.PartNumber)}
		}
		buf.Write(stored.data)
	}

	s.objects[u.target.Bucket+"/"+u.target.Key] = buf.Bytes()
	delete(s.uploads, t.UploadID)
	return nil
}

func (s *MemoryStore) Abort(ctx context.Context, t Target) error {
	unlock, err := s.enter(OpAbort)
	if err != nil {
		return err
	}
	defer unlock()

	if _, ok := s.uploads[t.UploadID]; !ok {
		return &TransportError{Op: OpAbort, Err: ErrNoSuchUpload}
	}
	delete(s.uploads, t.UploadID)
	return nil
}
