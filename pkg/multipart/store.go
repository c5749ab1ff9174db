// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package multipart

import "context"

// Store operation names, used in TransportError.Op and metrics labels.
const (
	OpBegin      = "begin"
	OpUploadPart = "upload_part"
	OpListParts  = "list_parts"
	OpComplete   = "complete"
	OpAbort      = "abort"
)

// Store is the remote object store's multipart capability. Implementations
// wrap failures in *TransportError.
type Store interface {
	// Begin starts a multipart upload and returns its target.
	Begin(ctx context.Context, bucket, key string) (Target, error)

	// UploadPart stores one part and returns the store's acknowledgment.
	UploadPart(ctx context.Context, t Target, partNumber int, body []byte, contentMD5 string) (Part, error)

	// ListParts returns the parts the store holds for t, ascending by number.
	ListParts(ctx context.Context, t Target) ([]Part, error)

	// Complete assembles the object from parts, which must be strictly ascending.
	Complete(ctx context.Context, t Target, parts []Part) error

	// Abort discards the upload and any stored parts.
	Abort(ctx context.Context, t Target) error
}
