// Package simulator implements a content handler that simulates a
// deployment without touching the system. Each phase can be scripted
// with a canned result for testing and for end-to-end agent dry runs.
package simulator

import (
	"context"
	"sync"

	"github.com/micromdm/nanoupdate/workflow"
)

// UpdateType is the update type the simulator registers under.
const UpdateType = "nanoupdate/simulator:1"

// phase names for scripting canned results
const (
	OpDownload    = "download"
	OpInstall     = "install"
	OpApply       = "apply"
	OpCancel      = "cancel"
	OpIsInstalled = "isInstalled"
)

// Simulator is a scriptable no-op content handler.
type Simulator struct {
	mu        sync.Mutex
	results   map[string]workflow.Result
	installed bool
}

type Option func(*Simulator)

// WithResult scripts the result returned for op.
func WithResult(op string, r workflow.Result) Option {
	return func(s *Simulator) {
		s.results[op] = r
	}
}

// WithInstalled configures whether the installed criteria already holds.
func WithInstalled(installed bool) Option {
	return func(s *Simulator) {
		s.installed = installed
	}
}

func New(opts ...Option) *Simulator {
	s := &Simulator{results: make(map[string]workflow.Result)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Simulator) result(op string, code int32) workflow.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.results[op]; ok {
		return r
	}
	return workflow.Result{ResultCode: code}
}

func (s *Simulator) Download(_ context.Context, _ *workflow.Workflow) workflow.Result {
	return s.result(OpDownload, workflow.ResultDownloadSuccess)
}

func (s *Simulator) Install(_ context.Context, _ *workflow.Workflow) workflow.Result {
	return s.result(OpInstall, workflow.ResultInstallSuccess)
}

// Apply marks the simulated update as installed on success so that a
// later IsInstalled check (e.g. post-reboot verification) passes.
func (s *Simulator) Apply(_ context.Context, _ *workflow.Workflow) workflow.Result {
	r := s.result(OpApply, workflow.ResultApplySuccess)
	if r.Succeeded() {
		s.mu.Lock()
		s.installed = true
		s.mu.Unlock()
	}
	return r
}

func (s *Simulator) Cancel(_ context.Context, _ *workflow.Workflow) workflow.Result {
	return s.result(OpCancel, workflow.ResultCancelSuccess)
}

func (s *Simulator) IsInstalled(_ context.Context, _ *workflow.Workflow) workflow.Result {
	s.mu.Lock()
	installed := s.installed
	s.mu.Unlock()
	if r, ok := s.scripted(OpIsInstalled); ok {
		return r
	}
	if installed {
		return workflow.Result{ResultCode: workflow.ResultIsInstalledInstalled}
	}
	return workflow.Result{ResultCode: workflow.ResultIsInstalledNotInstalled}
}

func (s *Simulator) scripted(op string) (workflow.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[op]
	return r, ok
}
