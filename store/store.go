// Package store holds the contracts the replica needs from the outside world:
// a content-addressed object store for versions and trees, and a branch store
// that maps branch keys to the hash of the currently accepted version.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrHashMismatch = errors.New("content does not match hash")
)

// ObjectStore stores immutable objects under the hash of their content.
type ObjectStore interface {
	GetObject(ctx context.Context, hash string) ([]byte, error)
	PutObject(ctx context.Context, hash string, data []byte) error
}

// BranchStore stores branch pointers.
type BranchStore interface {
	// GetBranch returns the hash the branch points to and whether it exists.
	GetBranch(ctx context.Context, key string) (string, bool, error)
	PutBranch(ctx context.Context, key, hash string) error
	// Listen calls fn with the current value of key and then with every new
	// value until ctx is done. Values may be skipped, never reordered.
	Listen(ctx context.Context, key string, fn func(hash string)) error
}

type Store interface {
	ObjectStore
	BranchStore
}

// Hash is the content hash used for every object.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
