// Package core defines the blob storage abstraction shared by the blob
// backends and the blob-backed record provider.
package core

import (
	"context"
	"errors"
	"io"
)

// Driver identifies a concrete blob storage backend implementation.
type Driver string

const (
	// DriverFilesystem represents the local filesystem implementation.
	DriverFilesystem Driver = "fs"
	// DriverS3 represents an S3 / MinIO compatible implementation.
	DriverS3 Driver = "s3"
	// DriverMemory represents an in-memory implementation typically used in tests.
	DriverMemory Driver = "memory"
)

// PutOptions carries the content type recorded with a new blob.
type PutOptions struct {
	ContentType string
}

// Info describes a stored blob. List results may leave ContentType empty.
type Info struct {
	Key         string
	Size        int64
	ContentType string
}

// Store is a create-only key/value blob store. Blobs are replaced by
// deleting and putting them again.
type Store interface {
	// Put stores a new blob at key. It fails with ErrExists if the key is taken.
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	// Get returns the blob contents and metadata, or ErrNotFound.
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	// Head returns metadata only.
	Head(ctx context.Context, key string) (Info, error)
	// Delete removes a blob. Returns (false, nil) if not found.
	Delete(ctx context.Context, key string) (bool, error)
	// List returns blobs whose key has the provided prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

var (
	// ErrNotFound is returned (wrapped) when a key does not exist.
	ErrNotFound = errors.New("blobstore: not found")
	// ErrExists is returned (wrapped) when Put targets an existing key.
	ErrExists = errors.New("blobstore: already exists")
)
