// Package handlers turns upload queue tasks into calls on the multipart
// assembler.
package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/LeeDigitalWorks/zapingest/pkg/multipart"
	"github.com/LeeDigitalWorks/zapingest/pkg/taskqueue"
)

// Assembler is the part of *multipart.Assembler the handlers drive.
type Assembler interface {
	SetTitle(uploadID, title string) error
	Dispatch(ctx context.Context, job multipart.ChunkJob) error
	Finalize(ctx context.Context, job multipart.ChunkJob) (multipart.Result, error)
}

// TitlePayload sets the title recorded for finished uploads. Without an
// UploadId it applies to every session that has none of its own.
type TitlePayload struct {
	Title    string `json:"title"`
	UploadID string `json:"UploadId,omitempty"`
}

// PartPayload is one chunk of a multipart upload. Field names follow the
// producers, which reuse the S3 UploadPart parameter names.
type PartPayload struct {
	Body       Body   `json:"Body"`
	Bucket     string `json:"Bucket"`
	Key        string `json:"Key"`
	UploadID   string `json:"UploadId"`
	PartNumber int    `json:"PartNumber"`
	ContentMD5 string `json:"ContentMD5,omitempty"`
}

// Job converts the payload to a chunk job.
func (p PartPayload) Job() multipart.ChunkJob {
	return multipart.ChunkJob{
		Target:     multipart.Target{Bucket: p.Bucket, Key: p.Key, UploadID: p.UploadID},
		PartNumber: p.PartNumber,
		Body:       p.Body,
		ContentMD5: p.ContentMD5,
	}
}

// Body decodes chunk bytes sent either as a base64 string or as a
// serialized Node.js Buffer ({"type":"Buffer","data":[...]}).
type Body []byte

func (b *Body) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*b = nil
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("body: %w", err)
		}
		*b = raw
		return nil
	case len(data) > 0 && data[0] == '[':
		return b.fromInts(data)
	case len(data) > 0 && data[0] == '{':
		var buf struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &buf); err != nil {
			return err
		}
		if buf.Type != "Buffer" {
			return fmt.Errorf("body: unsupported object type %q", buf.Type)
		}
		return b.fromInts(buf.Data)
	default:
		return fmt.Errorf("body: unsupported encoding %.16q", data)
	}
}

// fromInts decodes a JSON array of byte values.
func (b *Body) fromInts(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("body: %w", err)
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("body: byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// MarshalJSON encodes as base64, like []byte.
func (b Body) MarshalJSON() ([]byte, error) {
	return json.Marshal([]byte(b))
}

func decode[T any](task *taskqueue.Task) (T, error) {
	v, err := taskqueue.UnmarshalPayload[T](task.Payload)
	if err != nil {
		return v, fmt.Errorf("%w: %w", taskqueue.ErrInvalidPayload, err)
	}
	return v, nil
}

// NewTitleTask builds a title task.
func NewTitleTask(uploadID, title string) (*taskqueue.Task, error) {
	return taskqueue.NewTask(taskqueue.TaskTypeTitle, TitlePayload{Title: title, UploadID: uploadID})
}

// NewPartTask builds a video_part task, or a last_video_part task when last is set.
func NewPartTask(p PartPayload, last bool) (*taskqueue.Task, error) {
	typ := taskqueue.TaskTypeVideoPart
	if last {
		typ = taskqueue.TaskTypeLastVideoPart
	}
	return taskqueue.NewTask(typ, p)
}
