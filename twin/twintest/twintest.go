// Package twintest provides twin channel test doubles.
package twintest

import (
	"context"
	"sync"
)

// CollectingSender records every reported payload it is handed.
type CollectingSender struct {
	mu       sync.RWMutex
	payloads [][]byte
	err      error
}

func NewCollectingSender() *CollectingSender {
	return new(CollectingSender)
}

// FailWith makes subsequent sends return err. Pass nil to heal.
func (s *CollectingSender) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// SendReported records payload, or returns the configured error
// without recording anything.
func (s *CollectingSender) SendReported(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	s.payloads = append(s.payloads, p)
	return nil
}

// Payloads returns the recorded payloads in send order.
func (s *CollectingSender) Payloads() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.payloads
}

// Reset discards the recorded payloads.
func (s *CollectingSender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = nil
}
