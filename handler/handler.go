// Package handler defines the content handler contract and the
// update-type registry used to find handlers for deployments.
package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/micromdm/nanoupdate/workflow"
)

var ErrNoSuchHandler = errors.New("no registered handler")

func NewErrNoSuchHandler(updateType string) error {
	return fmt.Errorf("%w: %s", ErrNoSuchHandler, updateType)
}

// ContentHandler performs the phases of a deployment for one update type.
// Each operation receives the workflow object and returns a result; a
// handler signals failure through the result code, not a Go error.
// Operations are expected to either complete quickly or do a bounded
// amount of work and return an in-progress result; the engine calls
// again on its next tick. Handlers should observe the workflow's
// cancel-requested flag at their progress checks.
type ContentHandler interface {
	// Download fetches and verifies the content artifacts referenced
	// by the manifest into the workflow's work folder.
	Download(ctx context.Context, w *workflow.Workflow) workflow.Result

	// Install applies content to a staging area without committing it.
	Install(ctx context.Context, w *workflow.Workflow) workflow.Result

	// Apply commits the installed content. A result code variant may
	// request a system reboot or agent restart.
	Apply(ctx context.Context, w *workflow.Workflow) workflow.Result

	// Cancel rolls back any pending work. Safe to call at any time.
	Cancel(ctx context.Context, w *workflow.Workflow) workflow.Result

	// IsInstalled reports whether the workflow's installed criteria
	// already holds on the device.
	IsInstalled(ctx context.Context, w *workflow.Workflow) workflow.Result
}

// Factory instantiates a content handler. A handler instance belongs
// to a single workflow and is released with it.
type Factory func() ContentHandler

// Registry maps update-type strings to content handler factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty content handler registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register associates updateType with f.
// Registering the same update type again replaces the factory.
func (r *Registry) Register(updateType string, f Factory) error {
	if updateType == "" {
		return errors.New("empty update type")
	}
	if f == nil {
		return errors.New("nil handler factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[updateType] = f
	return nil
}

// Lookup instantiates a new handler for updateType by exact match.
func (r *Registry) Lookup(updateType string) (ContentHandler, error) {
	r.mu.RLock()
	f := r.factories[updateType]
	r.mu.RUnlock()
	if f == nil {
		return nil, NewErrNoSuchHandler(updateType)
	}
	return f(), nil
}

// Registered returns true if updateType has a registered factory.
func (r *Registry) Registered(updateType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[updateType]
	return ok
}
