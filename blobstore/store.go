package blobstore

import (
	"context"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
// It aliases os.ErrNotExist so filesystem errors match without translation.
var ErrNotFound = os.ErrNotExist

// Store is a flat namespace of immutable blobs.
type Store interface {
	// Put writes data under name, replacing any existing blob.
	Put(ctx context.Context, name string, data []byte) error
	// Get returns the content of name, or an error matching ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)
	// Delete removes name. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the names starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
