// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package s3store

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/LeeDigitalWorks/zapingest/pkg/multipart"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 records requests and serves canned responses.
type fakeS3 struct {
	uploaded  []*s3.UploadPartInput
	bodies    [][]byte
	completed *s3.CompleteMultipartUploadInput
	aborted   *s3.AbortMultipartUploadInput
	listPages [][]types.Part
	listCalls int
	err       error
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &s3.CreateMultipartUploadOutput{Bucket: in.Bucket, Key: in.Key, UploadId: aws.String("upload-1")}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.uploaded = append(f.uploaded, in)
	f.bodies = append(f.bodies, body)
	return &s3.UploadPartOutput{ETag: aws.String(`"etag-` + string(body) + `"`)}, nil
}

func (f *fakeS3) ListParts(_ context.Context, in *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	page := f.listCalls
	f.listCalls++
	out := &s3.ListPartsOutput{Parts: f.listPages[page]}
	if page+1 < len(f.listPages) {
		out.IsTruncated = aws.Bool(true)
		out.NextPartNumberMarker = aws.String("next")
	}
	return out, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.completed = in
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.aborted = in
	return &s3.AbortMultipartUploadOutput{}, nil
}

var target = multipart.Target{Bucket: "videos", Key: "clips/demo.mp4", UploadID: "upload-1"}

func TestStore_Begin(t *testing.T) {
	t.Parallel()

	s := New(&fakeS3{})
	got, err := s.Begin(context.Background(), "videos", "clips/demo.mp4")
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestStore_UploadPart(t *testing.T) {
	t.Parallel()

	f := &fakeS3{}
	s := New(f)

	part, err := s.UploadPart(context.Background(), target, 3, []byte("abc"), "kAFQmDzST7DWlj99KOF/cg==")
	require.NoError(t, err)
	assert.Equal(t, multipart.Part{PartNumber: 3, ETag: `"etag-abc"`}, part)

	require.Len(t, f.uploaded, 1)
	in := f.uploaded[0]
	assert.Equal(t, int32(3), aws.ToInt32(in.PartNumber))
	assert.Equal(t, int64(3), aws.ToInt64(in.ContentLength))
	assert.Equal(t, "kAFQmDzST7DWlj99KOF/cg==", aws.ToString(in.ContentMD5))
	assert.Equal(t, "upload-1", aws.ToString(in.UploadId))
	assert.Equal(t, "abc", string(f.bodies[0]))
}

func TestStore_UploadPartWithoutMD5(t *testing.T) {
	t.Parallel()

	f := &fakeS3{}
	_, err := New(f).UploadPart(context.Background(), target, 1, []byte("x"), "")
	require.NoError(t, err)
	assert.Nil(t, f.uploaded[0].ContentMD5)
}

func TestStore_ListPartsPaginates(t *testing.T) {
	t.Parallel()

	f := &fakeS3{listPages: [][]types.Part{
		{{PartNumber: aws.Int32(1), ETag: aws.String(`"a"`)}, {PartNumber: aws.Int32(2), ETag: aws.String(`"b"`)}},
		{{PartNumber: aws.Int32(3), ETag: aws.String(`"c"`)}},
	}}

	parts, err := New(f).ListParts(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, []multipart.Part{
		{PartNumber: 1, ETag: `"a"`},
		{PartNumber: 2, ETag: `"b"`},
		{PartNumber: 3, ETag: `"c"`},
	}, parts)
	assert.Equal(t, 2, f.listCalls)
}

func TestStore_Complete(t *testing.T) {
	t.Parallel()

	f := &fakeS3{}
	err := New(f).Complete(context.Background(), target, []multipart.Part{
		{PartNumber: 1, ETag: `"a"`},
		{PartNumber: 2, ETag: `"b"`},
	})
	require.NoError(t, err)

	require.NotNil(t, f.completed)
	got := f.completed.MultipartUpload.Parts
	require.Len(t, got, 2)
	assert.Equal(t, int32(1), aws.ToInt32(got[0].PartNumber))
	assert.Equal(t, `"b"`, aws.ToString(got[1].ETag))
}

func TestStore_CompleteRejectsUnorderedParts(t *testing.T) {
	t.Parallel()

	f := &fakeS3{}
	err := New(f).Complete(context.Background(), target, []multipart.Part{
		{PartNumber: 2, ETag: `"b"`},
		{PartNumber: 1, ETag: `"a"`},
	})

	var ov *multipart.OrderingViolation
	require.ErrorAs(t, err, &ov)
	assert.Nil(t, f.completed)
}

func TestStore_Abort(t *testing.T) {
	t.Parallel()

	f := &fakeS3{}
	require.NoError(t, New(f).Abort(context.Background(), target))
	require.NotNil(t, f.aborted)
	assert.Equal(t, "clips/demo.mp4", aws.ToString(f.aborted.Key))
}

func TestStore_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		err          error
		wantNoUpload bool
		wantCode     string
	}{
		{"typed no such upload", &types.NoSuchUpload{Message: aws.String("gone")}, true, "NoSuchUpload"},
		{"generic no such upload", &smithy.GenericAPIError{Code: "NoSuchUpload"}, true, "NoSuchUpload"},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, false, "AccessDenied"},
		{"network", errors.New("dial tcp: connection refused"), false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := New(&fakeS3{err: tt.err}).Abort(context.Background(), target)

			var te *multipart.TransportError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, multipart.OpAbort, te.Op)
			assert.Equal(t, tt.wantCode, te.Code())
			assert.Equal(t, tt.wantNoUpload, errors.Is(err, multipart.ErrNoSuchUpload))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
