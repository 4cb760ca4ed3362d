// Package report builds the reported-property documents the agent
// publishes to the update service.
package report

import (
	"encoding/json"
	"fmt"

	"github.com/micromdm/nanoupdate/workflow"
)

// jsonNull is an explicit JSON null for fields that must be present-but-null.
var jsonNull = json.RawMessage("null")

// StepKey names a step in the stepResults map. Twin keys disallow
// some punctuation (e.g. ':' and '-') so steps are keyed by their
// zero-based index only.
func StepKey(i int) string {
	return fmt.Sprintf("step_%d", i)
}

// UpdateResult is the reported outcome of a step or of the whole deployment.
type UpdateResult struct {
	ResultCode         int32   `json:"resultCode"`
	ExtendedResultCode int32   `json:"extendedResultCode"`
	ResultDetails      *string `json:"resultDetails"`
}

func newUpdateResult(r workflow.Result) UpdateResult {
	ur := UpdateResult{
		ResultCode:         r.ResultCode,
		ExtendedResultCode: r.ExtendedResultCode,
	}
	if r.ResultDetails != "" {
		details := r.ResultDetails
		ur.ResultDetails = &details
	}
	return ur
}

// InstallResult is the reported lastInstallResult document.
// StepResults is raw JSON: an explicit null when the state requires
// clearing previous results, a step_N-keyed object otherwise, or
// absent for workflows without steps.
type InstallResult struct {
	UpdateResult
	StepResults json.RawMessage `json:"stepResults,omitempty"`
}

// WorkflowProperties echo the deployment identity in a reported document.
type WorkflowProperties struct {
	Action         workflow.UpdateAction `json:"action"`
	ID             string                `json:"id"`
	RetryTimestamp string                `json:"retryTimestamp,omitempty"`
}

// Document is one reported-property document.
type Document struct {
	State             workflow.UpdateState `json:"state"`
	Workflow          *WorkflowProperties  `json:"workflow,omitempty"`
	InstalledUpdateID string               `json:"installedUpdateId,omitempty"`
	LastInstallResult InstallResult        `json:"lastInstallResult"`
}

// New builds a reported document for w at state.
// If result is non-nil it overrides the workflow's root result.
// installedUpdateID is only set when reporting terminal idle after a
// successful apply. A nil workflow produces a bare idle document with
// no workflow properties (startup with no deployment).
func New(w *workflow.Workflow, state workflow.UpdateState, result *workflow.Result, installedUpdateID string) *Document {
	doc := &Document{
		State:             state,
		InstalledUpdateID: installedUpdateID,
	}

	var rootResult workflow.Result
	if result != nil {
		rootResult = *result
	} else if w != nil {
		rootResult = w.Result
	}
	doc.LastInstallResult.UpdateResult = newUpdateResult(rootResult)

	if w != nil && w.ID != "" {
		doc.Workflow = &WorkflowProperties{
			Action:         w.Action,
			ID:             w.ID,
			RetryTimestamp: w.RetryTimestamp,
		}
	}

	// Previous step results must be cleared when a (re)run begins;
	// otherwise report the results of every step that has run.
	if state == workflow.StateDownloadStarted || state == workflow.StateDeploymentInProgress {
		doc.LastInstallResult.StepResults = jsonNull
	} else if w != nil && w.StepCount() > 0 {
		steps := make(map[string]UpdateResult)
		for i := range w.Steps {
			if !w.Steps[i].Ran {
				continue
			}
			steps[StepKey(i)] = newUpdateResult(w.Steps[i].Result)
		}
		raw, err := json.Marshal(steps)
		if err != nil {
			// nothing in an UpdateResult map can fail to marshal;
			// keep the document usable regardless
			raw = json.RawMessage("{}")
		}
		doc.LastInstallResult.StepResults = raw
	}

	return doc
}

// MarshalBytes serializes the document as UTF-8 JSON.
func (d *Document) MarshalBytes() ([]byte, error) {
	return json.Marshal(d)
}

// UpdateForStartup rewrites the lastInstallResult codes of a
// previously-persisted reported document. Used on startup when the
// terminal idle report reuses the reporting JSON persisted before a
// reboot, with only the just-computed outcome patched in.
func UpdateForStartup(persisted json.RawMessage, result workflow.Result) (json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(persisted, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal persisted reporting document: %w", err)
	}
	var lir map[string]json.RawMessage
	if raw, ok := doc["lastInstallResult"]; ok {
		if err := json.Unmarshal(raw, &lir); err != nil {
			return nil, fmt.Errorf("unmarshal lastInstallResult: %w", err)
		}
	} else {
		lir = make(map[string]json.RawMessage)
	}
	rc, err := json.Marshal(result.ResultCode)
	if err != nil {
		return nil, err
	}
	erc, err := json.Marshal(result.ExtendedResultCode)
	if err != nil {
		return nil, err
	}
	lir["resultCode"] = rc
	lir["extendedResultCode"] = erc
	rawLIR, err := json.Marshal(lir)
	if err != nil {
		return nil, err
	}
	doc["lastInstallResult"] = rawLIR
	return json.Marshal(doc)
}
