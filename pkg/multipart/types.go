// Package multipart assembles chunk jobs into a single object through a
// remote multipart upload.
//
// Chunks for one upload arrive in any order and are uploaded concurrently.
// When the chunk marked last arrives, the session's Coordinator waits for
// every outstanding upload, then either completes the remote upload with the
// parts sorted by number or aborts it when any part failed. Completion is
// guarded to fire at most once per upload ID. A successful completion is
// followed by a catalog write and a notification whose failures are
// reported as StatusDegraded without undoing the upload.
package multipart

import (
	"fmt"
	"time"
)

// Target identifies an in-progress remote multipart upload.
type Target struct {
	Bucket   string
	Key      string
	UploadID string
}

func (t Target) String() string {
	return fmt.Sprintf("s3://%s/%s?uploadId=%s", t.Bucket, t.Key, t.UploadID)
}

// ChunkJob is one piece of the object to upload.
type ChunkJob struct {
	Target
	PartNumber int
	Body       []byte
	// ContentMD5 is the base64 MD5 of Body, forwarded to the store as-is.
	ContentMD5 string
}

// Part is the store's acknowledgment of an uploaded chunk.
type Part struct {
	PartNumber int
	ETag       string
}

// State is a coordinator's position in its lifecycle.
type State int32

const (
	StateAccumulating State = iota
	StateFinalizing
	StateCompleted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateAccumulating:
		return "accumulating"
	case StateFinalizing:
		return "finalizing"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// Status is the operator-visible outcome of a finished session.
type Status string

const (
	// StatusCompleted means the object exists and every side effect succeeded.
	StatusCompleted Status = "completed"
	// StatusDegraded means the object exists but the catalog write or the
	// notification failed.
	StatusDegraded Status = "degraded"
	// StatusAborted means the remote upload was abandoned.
	StatusAborted Status = "aborted"
)

// Result describes how a session ended.
type Result struct {
	Target
	Status   Status
	Title    string
	Filename string
	Parts    []Part
	Err      error
	Duration time.Duration
}
