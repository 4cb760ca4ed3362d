// Package storage defines types and primitives for workflow persistence backends.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/micromdm/nanoupdate/workflow"
)

var (
	ErrEmptyPersistedWorkflow = errors.New("empty persisted workflow")
	ErrMissingWorkflowID      = errors.New("missing workflow id")
	ErrMissingUpdateType      = errors.New("missing update type")

	// ErrCorrupt indicates an unreadable persistence record.
	// Backends wrap this error so the engine can discard the record
	// and report the dedicated extended result code.
	ErrCorrupt = errors.New("corrupt persisted workflow")
)

// PersistedWorkflow is the single record written before any operation
// that may be interrupted by a reboot or agent restart, and read back
// on startup to resume the in-flight deployment.
type PersistedWorkflow struct {
	WorkflowID        string               `json:"workflow_id"`
	RetryTimestamp    string               `json:"retry_timestamp,omitempty"`
	UpdateType        string               `json:"update_type"`
	InstalledCriteria string               `json:"installed_criteria"`
	WorkFolder        string               `json:"work_folder"`
	CurrentState      workflow.UpdateState `json:"current_state"`
	LastReportedState workflow.UpdateState `json:"last_reported_state"`

	// ReportingJSON is the reported document generated when the record
	// was persisted. Reused for the startup idle report with only the
	// lastInstallResult outcome patched in.
	ReportingJSON json.RawMessage `json:"reporting_json,omitempty"`
}

// Validate checks for missing values.
func (pw *PersistedWorkflow) Validate() error {
	if pw == nil {
		return ErrEmptyPersistedWorkflow
	}
	if pw.WorkflowID == "" {
		return ErrMissingWorkflowID
	}
	if pw.UpdateType == "" {
		return ErrMissingUpdateType
	}
	return nil
}

// Storage is the interface for workflow persistence backends.
// At most one record exists at a time (one active deployment per agent).
type Storage interface {
	// StoreWorkflow durably writes pw, replacing any existing record.
	// The write must be atomic: a reader never observes a partial record.
	StoreWorkflow(ctx context.Context, pw *PersistedWorkflow) error

	// RetrieveWorkflow returns the persisted record, or nil with no
	// error when none exists. An unreadable record returns an error
	// wrapping ErrCorrupt.
	RetrieveWorkflow(ctx context.Context) (*PersistedWorkflow, error)

	// DeleteWorkflow removes the record. Deleting a missing record is not an error.
	DeleteWorkflow(ctx context.Context) error
}

// NewErrCorrupt wraps err as a corrupt-record error.
func NewErrCorrupt(err error) error {
	return fmt.Errorf("%w: %v", ErrCorrupt, err)
}
