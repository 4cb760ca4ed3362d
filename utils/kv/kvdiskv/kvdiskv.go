// Package kvdiskv adapts a diskv store to the key-value bucket interface.
package kvdiskv

import (
	"context"

	"github.com/peterbourgon/diskv/v3"
)

// KVDiskv is an on-disk key-value bucket backed by diskv.
// Missing keys surface diskv's own read error; callers needing a
// reliable absence check should use Has.
type KVDiskv struct {
	dv *diskv.Diskv
}

// NewBucket wraps dv as a bucket.
func NewBucket(dv *diskv.Diskv) *KVDiskv {
	return &KVDiskv{dv: dv}
}

func (s *KVDiskv) Get(_ context.Context, k string) ([]byte, error) {
	return s.dv.Read(k)
}

func (s *KVDiskv) Set(_ context.Context, k string, v []byte) error {
	return s.dv.Write(k, v)
}

func (s *KVDiskv) Has(_ context.Context, k string) (bool, error) {
	return s.dv.Has(k), nil
}

func (s *KVDiskv) Delete(_ context.Context, k string) error {
	return s.dv.Erase(k)
}

// Keys returns the unordered keys in the bucket.
func (s *KVDiskv) Keys(cancel <-chan struct{}) <-chan string {
	return s.dv.Keys(cancel)
}
