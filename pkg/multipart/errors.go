// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package multipart

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"
)

var (
	// ErrAlreadyFinalizing is returned for a terminal chunk or abort request
	// that arrives after the session already left the accumulating state.
	ErrAlreadyFinalizing = errors.New("multipart: session already finalizing")
	// ErrSessionClosed rejects chunks for a session that stopped accepting parts.
	ErrSessionClosed = errors.New("multipart: session closed")
	// ErrAssemblerClosed rejects work after shutdown began.
	ErrAssemblerClosed = errors.New("multipart: assembler closed")
	// ErrListPartsMismatch means the store's part listing disagreed with the
	// parts recorded locally.
	ErrListPartsMismatch = errors.New("multipart: listed parts do not match uploaded parts")
	// ErrIdleTimeout aborts sessions that stopped receiving chunks.
	ErrIdleTimeout = errors.New("multipart: session idle timeout")
	// ErrTargetMismatch rejects a chunk whose bucket or key differs from its session.
	ErrTargetMismatch = errors.New("multipart: chunk target does not match session")
	// ErrNoSuchUpload is returned by stores for unknown upload IDs.
	ErrNoSuchUpload = errors.New("multipart: no such upload")
	// ErrInvalidJob rejects malformed chunk jobs before any I/O.
	ErrInvalidJob = errors.New("multipart: invalid chunk job")
)

// TransportError wraps a failed call to the remote store.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("multipart: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Code returns the store's error code when the store reported one.
func (e *TransportError) Code() string {
	var apiErr smithy.APIError
	if errors.As(e.Err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// UploadError reports a part that could not be uploaded.
type UploadError struct {
	PartNumber int
	Cause      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("part %d: %v", e.PartNumber, e.Cause)
}

func (e *UploadError) Unwrap() error {
	return e.Cause
}

// OrderingViolation means a part list was not strictly ascending. It is
// raised before the list can reach the store.
type OrderingViolation struct {
	Previous int
	Current  int
}

func (e *OrderingViolation) Error() string {
	if e.Previous == 0 {
		return fmt.Sprintf("multipart: invalid part number %d", e.Current)
	}
	return fmt.Sprintf("multipart: part %d follows part %d", e.Current, e.Previous)
}

// IncompleteUploadError lists part numbers missing when the session tried to finalize.
type IncompleteUploadError struct {
	LastPart int
	Missing  []int
}

func (e *IncompleteUploadError) Error() string {
	nums := make([]string, len(e.Missing))
	for i, n := range e.Missing {
		nums[i] = fmt.Sprint(n)
	}
	return fmt.Sprintf("multipart: upload incomplete through part %d, missing [%s]", e.LastPart, strings.Join(nums, " "))
}

// FinalizationSideEffectError reports catalog or notification failures after
// the remote upload completed.
type FinalizationSideEffectError struct {
	CatalogErr error
	NotifyErr  error
}

func (e *FinalizationSideEffectError) Error() string {
	var parts []string
	if e.CatalogErr != nil {
		parts = append(parts, "catalog: "+e.CatalogErr.Error())
	}
	if e.NotifyErr != nil {
		parts = append(parts, "notify: "+e.NotifyErr.Error())
	}
	return "multipart: upload completed but side effects failed: " + strings.Join(parts, "; ")
}

func (e *FinalizationSideEffectError) Unwrap() []error {
	var errs []error
	if e.CatalogErr != nil {
		errs = append(errs, e.CatalogErr)
	}
	if e.NotifyErr != nil {
		errs = append(errs, e.NotifyErr)
	}
	return errs
}

// FailedParts extracts the part numbers of every UploadError in err.
func FailedParts(err error) []int {
	var out []int
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		if u, ok := e.(*UploadError); ok {
			out = append(out, u.PartNumber)
			return
		}
		switch x := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				walk(inner)
			}
		case interface{ WrappedErrors() []error }:
			for _, inner := range x.WrappedErrors() {
				walk(inner)
			}
		default:
			walk(errors.Unwrap(e))
		}
	}
	walk(err)
	return out
}
