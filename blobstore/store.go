// Package blobstore abstracts where derived-index snapshots are kept.
//
// Snapshots are an optimization only: the dense and lexical indexes are
// rebuildable from chunk rows alone, so losing a blob store never loses
// data. Backends exist for the local filesystem, memory (tests), MinIO and
// S3.
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations must return an error satisfying
// errors.Is(err, ErrNotFound).
var ErrNotFound = errors.New("blob not found")

// Store is an abstraction for reading and writing named immutable blobs.
type Store interface {
	// Put writes a blob atomically under the given name, replacing any
	// previous blob of that name.
	Put(ctx context.Context, name string, r io.Reader) error

	// Get opens a blob for reading. The caller must close the returned
	// reader.
	Get(ctx context.Context, name string) (io.ReadCloser, error)

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all blobs with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
