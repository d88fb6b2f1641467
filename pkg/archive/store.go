// Package archive keeps closed-call records in a file store: the local
// disk for single-node deployments, or any S3-compatible object store.
package archive

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the object does not exist.
var ErrNotFound = errors.New("archive: not found")

// Store holds whole objects addressed by forward-slash paths. Paths are
// relative to the store root. Implementations are safe for concurrent use.
type Store interface {
	// Put writes data at path, replacing any existing object.
	Put(ctx context.Context, path string, data []byte) error

	// Get reads the object at path. A missing object yields an error
	// wrapping ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)

	// Delete removes the object. Missing objects are not an error.
	Delete(ctx context.Context, path string) error
}
