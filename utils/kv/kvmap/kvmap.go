// Package kvmap implements an in-memory key-value bucket backed by a Go map.
package kvmap

import (
	"context"
	"fmt"
	"sync"

	"github.com/micromdm/nanoupdate/utils/kv"
)

// KVMap is an in-memory key-value bucket backed by a Go map.
// Values are copied on write and on read so callers cannot mutate stored data.
type KVMap struct {
	mu sync.RWMutex
	kv map[string][]byte
}

// NewBucket creates a new empty in-memory bucket.
func NewBucket() *KVMap {
	return &KVMap{kv: make(map[string][]byte)}
}

// Get returns the value for k, or an error wrapping kv.ErrKeyNotFound.
func (s *KVMap) Get(_ context.Context, k string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", kv.ErrKeyNotFound, k)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set stores a copy of v under k.
func (s *KVMap) Set(_ context.Context, k string, v []byte) error {
	stored := make([]byte, len(v))
	copy(stored, v)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[k] = stored
	return nil
}

func (s *KVMap) Has(_ context.Context, k string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.kv[k]
	return ok, nil
}

func (s *KVMap) Delete(_ context.Context, k string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, k)
	return nil
}

// Keys returns the keys in this bucket.
// The spawned goroutine holds a read lock on the internal map until
// the channel drains or cancel closes; writing to the bucket while
// iterating will deadlock.
func (s *KVMap) Keys(cancel <-chan struct{}) <-chan string {
	keys := make(chan string)
	go func() {
		s.mu.RLock()
		defer s.mu.RUnlock()
		defer close(keys)
		for k := range s.kv {
			select {
			case <-cancel:
				return
			case keys <- k:
			}
		}
	}()
	return keys
}
