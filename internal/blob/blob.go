// Package blob abstracts the object store holding uploaded document bytes.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no object exists under the requested key.
// Callers treat this as a soft condition, not an infrastructure failure.
var ErrNotFound = errors.New("blob not found")

// Store is the byte-buffer contract the pipeline depends on. All other
// failures surface as wrapped IO errors.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}
