// Package kv implements a workflow persistence backend using a key-value interface.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/micromdm/nanoupdate/engine/storage"
	"github.com/micromdm/nanoupdate/utils/kv"
)

// key of the single active-deployment record
const workflowKey = "workflow"

// KV is a workflow persistence backend using a key-value interface.
type KV struct {
	mu sync.RWMutex
	b  kv.Bucket
}

// New creates a new key-value workflow persistence backend.
func New(b kv.Bucket) *KV {
	return &KV{b: b}
}

// StoreWorkflow implements the storage interface method.
func (s *KV) StoreWorkflow(ctx context.Context, pw *storage.PersistedWorkflow) error {
	if err := pw.Validate(); err != nil {
		return fmt.Errorf("validating persisted workflow: %w", err)
	}
	raw, err := json.Marshal(pw)
	if err != nil {
		return fmt.Errorf("marshal persisted workflow: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Set(ctx, workflowKey, raw)
}

// RetrieveWorkflow implements the storage interface method.
func (s *KV) RetrieveWorkflow(ctx context.Context) (*storage.PersistedWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found, err := s.b.Has(ctx, workflowKey)
	if err != nil {
		return nil, fmt.Errorf("checking persisted workflow: %w", err)
	}
	if !found {
		return nil, nil
	}
	raw, err := s.b.Get(ctx, workflowKey)
	if err != nil {
		return nil, fmt.Errorf("reading persisted workflow: %w", err)
	}
	pw := new(storage.PersistedWorkflow)
	if err = json.Unmarshal(raw, pw); err != nil {
		return nil, storage.NewErrCorrupt(err)
	}
	if err = pw.Validate(); err != nil {
		return nil, storage.NewErrCorrupt(err)
	}
	return pw, nil
}

// DeleteWorkflow implements the storage interface method.
func (s *KV) DeleteWorkflow(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if found, err := s.b.Has(ctx, workflowKey); err != nil {
		return fmt.Errorf("checking persisted workflow: %w", err)
	} else if !found {
		return nil
	}
	return s.b.Delete(ctx, workflowKey)
}
