// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package s3store implements multipart.Store on Amazon S3 and compatible services.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/LeeDigitalWorks/zapingest/pkg/multipart"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3API is the subset of *s3.Client used here.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ multipart.Store = (*Store)(nil)

type Store struct {
	client S3API
}

func New(client S3API) *Store {
	return &Store{client: client}
}

func (s *Store) Begin(ctx context.Context, bucket, key string) (multipart.Target, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return multipart.Target{}, wrap(multipart.OpBegin, err)
	}
	return multipart.Target{Bucket: bucket, Key: key, UploadID: aws.ToString(out.UploadId)}, nil
}

func (s *Store) UploadPart(ctx context.Context, t multipart.Target, partNumber int, body []byte, contentMD5 string) (multipart.Part, error) {
	in := &s3.UploadPartInput{
		Bucket:        aws.String(t.Bucket),
		Key:           aws.String(t.Key),
		UploadId:      aws.String(t.UploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if contentMD5 != "" {
		in.ContentMD5 = aws.String(contentMD5)
	}

	out, err := s.client.UploadPart(ctx, in)
	if err != nil {
		return multipart.Part{}, wrap(multipart.OpUploadPart, err)
	}
	return multipart.Part{PartNumber: partNumber, ETag: aws.ToString(out.ETag)}, nil
}

func (s *Store) ListParts(ctx context.Context, t multipart.Target) ([]multipart.Part, error) {
	p := s3.NewListPartsPaginator(s.client, &s3.ListPartsInput{
		Bucket:   aws.String(t.Bucket),
		Key:      aws.String(t.Key),
		UploadId: aws.String(t.UploadID),
	})

	var parts []multipart.Part
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, wrap(multipart.OpListParts, err)
		}
		for _, part := range page.Parts {
			parts = append(parts, multipart.Part{
				PartNumber: int(aws.ToInt32(part.PartNumber)),
				ETag:       aws.ToString(part.ETag),
			})
		}
	}
	return parts, nil
}

func (s *Store) Complete(ctx context.Context, t multipart.Target, parts []multipart.Part) error {
	if err := multipart.ValidateOrder(parts); err != nil {
		return err
	}

	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		}
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(t.Bucket),
		Key:             aws.String(t.Key),
		UploadId:        aws.String(t.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return wrap(multipart.OpComplete, err)
	}
	return nil
}

func (s *Store) Abort(ctx context.Context, t multipart.Target) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(t.Bucket),
		Key:      aws.String(t.Key),
		UploadId: aws.String(t.UploadID),
	})
	if err != nil {
		return wrap(multipart.OpAbort, err)
	}
	return nil
}

func wrap(op string, err error) error {
	if isNoSuchUpload(err) {
		err = fmt.Errorf("%w: %w", multipart.ErrNoSuchUpload, err)
	}
	return &multipart.TransportError{Op: op, Err: err}
}

func isNoSuchUpload(err error) bool {
	var nsu *types.NoSuchUpload
	if errors.As(err, &nsu) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchUpload"
}
