// Package kv defines the key-value store interface the persistence
// backends are built on.
package kv

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Get for keys absent from a bucket.
// Bucket implementations wrap it where the backing store lets them
// distinguish a missing key from a read failure; callers that need a
// reliable absence check should prefer Has.
var ErrKeyNotFound = errors.New("key not found")

// Bucket defines basic CRUD operations for key-value pairs in a single "namespace."
type Bucket interface {
	Get(ctx context.Context, k string) (v []byte, err error)
	Set(ctx context.Context, k string, v []byte) error
	Has(ctx context.Context, k string) (found bool, err error)
	Delete(ctx context.Context, k string) error
}

// TraversingBucket allows us to get a list of the keys in the bucket as well.
type TraversingBucket interface {
	Bucket
	// Keys returns the unordered keys in the bucket
	Keys(cancel <-chan struct{}) <-chan string
}
