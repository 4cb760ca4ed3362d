// Package test implements a conformance test suite for workflow persistence backends.
package test

import (
	"context"
	"errors"
	"testing"

	"github.com/micromdm/nanoupdate/engine/storage"
	"github.com/micromdm/nanoupdate/workflow"
)

// TestWorkflowStorage runs the persistence backend conformance tests against s.
func TestWorkflowStorage(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	t.Run("retrieve-none", func(t *testing.T) {
		pw, err := s.RetrieveWorkflow(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if pw != nil {
			t.Errorf("expected no persisted workflow, got %+v", pw)
		}
	})

	t.Run("delete-missing", func(t *testing.T) {
		if err := s.DeleteWorkflow(ctx); err != nil {
			t.Errorf("deleting a missing record should not error: %v", err)
		}
	})

	t.Run("validate", func(t *testing.T) {
		if err := s.StoreWorkflow(ctx, nil); !errors.Is(err, storage.ErrEmptyPersistedWorkflow) {
			t.Errorf("expected ErrEmptyPersistedWorkflow, got %v", err)
		}
		if err := s.StoreWorkflow(ctx, &storage.PersistedWorkflow{UpdateType: "u"}); !errors.Is(err, storage.ErrMissingWorkflowID) {
			t.Errorf("expected ErrMissingWorkflowID, got %v", err)
		}
		if err := s.StoreWorkflow(ctx, &storage.PersistedWorkflow{WorkflowID: "w"}); !errors.Is(err, storage.ErrMissingUpdateType) {
			t.Errorf("expected ErrMissingUpdateType, got %v", err)
		}
	})

	pw := &storage.PersistedWorkflow{
		WorkflowID:        "w1",
		RetryTimestamp:    "t1",
		UpdateType:        "nanoupdate/simulator:1",
		InstalledCriteria: "v2",
		WorkFolder:        "/var/lib/nanoupdate/downloads/w1",
		CurrentState:      workflow.StateApplyStarted,
		LastReportedState: workflow.StateApplyStarted,
		ReportingJSON:     []byte(`{"state":0,"lastInstallResult":{"resultCode":700,"extendedResultCode":0,"resultDetails":null}}`),
	}

	t.Run("roundtrip", func(t *testing.T) {
		if err := s.StoreWorkflow(ctx, pw); err != nil {
			t.Fatal(err)
		}
		got, err := s.RetrieveWorkflow(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil {
			t.Fatal("expected persisted workflow")
		}
		if got.WorkflowID != pw.WorkflowID ||
			got.RetryTimestamp != pw.RetryTimestamp ||
			got.UpdateType != pw.UpdateType ||
			got.InstalledCriteria != pw.InstalledCriteria ||
			got.WorkFolder != pw.WorkFolder ||
			got.CurrentState != pw.CurrentState ||
			got.LastReportedState != pw.LastReportedState {
			t.Errorf("roundtrip mismatch:\nwant %+v\nhave %+v", pw, got)
		}
		if string(got.ReportingJSON) != string(pw.ReportingJSON) {
			t.Errorf("reporting json mismatch: %s", got.ReportingJSON)
		}
	})

	t.Run("overwrite", func(t *testing.T) {
		pw2 := *pw
		pw2.WorkflowID = "w2"
		pw2.RetryTimestamp = ""
		if err := s.StoreWorkflow(ctx, &pw2); err != nil {
			t.Fatal(err)
		}
		got, err := s.RetrieveWorkflow(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got == nil || got.WorkflowID != "w2" {
			t.Errorf("expected overwritten record, got %+v", got)
		}
		if got.RetryTimestamp != "" {
			t.Errorf("retry timestamp should be empty, got %q", got.RetryTimestamp)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := s.DeleteWorkflow(ctx); err != nil {
			t.Fatal(err)
		}
		got, err := s.RetrieveWorkflow(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			t.Errorf("expected record to be deleted, got %+v", got)
		}
	})
}
