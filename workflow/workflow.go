// Package workflow defines the deployment workflow object and the
// desired-document and update-manifest forms it is parsed from.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
)

var (
	ErrEmptyDesired      = errors.New("empty desired document")
	ErrMissingWorkflowID = errors.New("missing workflow id")
	ErrInvalidAction     = errors.New("invalid update action")
	ErrMissingUpdateType = errors.New("missing update type")
	ErrNoSteps           = errors.New("no deployment steps")
)

// Desired is the parsed cloud-to-device desired-property document.
type Desired struct {
	Workflow struct {
		Action         UpdateAction `json:"action"`
		ID             string       `json:"id"`
		RetryTimestamp string       `json:"retryTimestamp,omitempty"`
	} `json:"workflow"`

	// UpdateManifest is a JSON document, usually delivered as an
	// escaped JSON string to keep its signature stable.
	UpdateManifest json.RawMessage `json:"updateManifest,omitempty"`

	UpdateManifestSignature string            `json:"updateManifestSignature,omitempty"`
	FileURLs                map[string]string `json:"fileUrls,omitempty"`

	// flattened legacy fields. older services put these at the
	// top level rather than in workflow and updateManifest.
	LegacyAction            *UpdateAction `json:"action,omitempty"`
	LegacyWorkflowID        string        `json:"workflowId,omitempty"`
	LegacyRetryTimestamp    string        `json:"retryTimestamp,omitempty"`
	LegacyUpdateType        string        `json:"updateType,omitempty"`
	LegacyInstalledCriteria string        `json:"installedCriteria,omitempty"`
}

// ParseDesired parses and normalizes a raw desired-property document.
// Legacy top-level fields are folded into the workflow sub-document and
// legacy single-phase actions are flattened to ActionApplyDeployment.
func ParseDesired(raw []byte) (*Desired, error) {
	if len(raw) < 1 {
		return nil, ErrEmptyDesired
	}
	d := new(Desired)
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("unmarshal desired document: %w", err)
	}
	if d.Workflow.ID == "" {
		d.Workflow.ID = d.LegacyWorkflowID
		if d.Workflow.RetryTimestamp == "" {
			d.Workflow.RetryTimestamp = d.LegacyRetryTimestamp
		}
		if d.LegacyAction != nil {
			d.Workflow.Action = *d.LegacyAction
		}
	}
	if !d.Workflow.Action.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAction, int(d.Workflow.Action))
	}
	if d.Workflow.Action.Legacy() {
		d.Workflow.Action = ActionApplyDeployment
	}
	if d.Workflow.ID == "" {
		return nil, ErrMissingWorkflowID
	}
	return d, nil
}

// Manifest is the parsed update manifest carried inside a desired document.
type Manifest struct {
	ManifestVersion string `json:"manifestVersion,omitempty"`

	UpdateID *UpdateID `json:"updateId,omitempty"`

	// legacy (v2) manifests describe a single step with these fields
	UpdateType        string `json:"updateType,omitempty"`
	InstalledCriteria string `json:"installedCriteria,omitempty"`

	Compatibility []map[string]string `json:"compatibility,omitempty"`

	Instructions struct {
		Steps []ManifestStep `json:"steps,omitempty"`
	} `json:"instructions"`

	Files map[string]ManifestFile `json:"files,omitempty"`
}

// UpdateID identifies an update by provider, name, and version.
type UpdateID struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
	Version  string `json:"version"`
}

// ManifestStep is one instruction step of an update manifest.
type ManifestStep struct {
	Type              string   `json:"type,omitempty"`
	Handler           string   `json:"handler"`
	Files             []string `json:"files,omitempty"`
	HandlerProperties struct {
		InstalledCriteria string `json:"installedCriteria,omitempty"`
	} `json:"handlerProperties"`
}

// ManifestFile describes a content artifact referenced by a manifest step.
type ManifestFile struct {
	FileName    string            `json:"fileName"`
	SizeInBytes int64             `json:"sizeInBytes,omitempty"`
	Hashes      map[string]string `json:"hashes,omitempty"`
}

// parseManifest parses raw as an update manifest.
// The manifest is usually a JSON-escaped string inside the desired
// document; a bare object is accepted too.
func parseManifest(raw json.RawMessage) (*Manifest, error) {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("unquote update manifest: %w", err)
		}
		raw = json.RawMessage(s)
	}
	m := new(Manifest)
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("unmarshal update manifest: %w", err)
	}
	return m, nil
}

// Step is one child of a deployment workflow.
type Step struct {
	// Handler is the update type whose content handler performs this step.
	Handler string

	InstalledCriteria string
	Files             []string

	// Result of the most recent phase run against this step.
	Result Result

	// Ran indicates at least one phase has run against this step.
	Ran bool
}

// Workflow is one deployment from the update service: the root of the
// parsed manifest tree plus mutable per-deployment state. Steps are
// referenced by index, never by pointer.
type Workflow struct {
	ID                string
	RetryTimestamp    string
	UpdateType        string
	InstalledCriteria string
	WorkFolder        string

	Action            UpdateAction
	State             UpdateState
	LastReportedState UpdateState
	Result            Result

	Steps []Step

	// CurrentStep is the index of the step the active phase is working on.
	CurrentStep int

	cancelRequested bool
}

// New builds a workflow tree from a parsed desired document.
// The work folder is rooted at workRoot and owned by this workflow for
// the lifetime of the deployment. Manifests without instruction steps
// are flattened to a single step from the root update type.
func New(d *Desired, workRoot string) (*Workflow, error) {
	if d == nil {
		return nil, ErrEmptyDesired
	}
	w := &Workflow{
		ID:             d.Workflow.ID,
		RetryTimestamp: d.Workflow.RetryTimestamp,
		Action:         d.Workflow.Action,
		WorkFolder:     filepath.Join(workRoot, d.Workflow.ID),
	}

	var m *Manifest
	if len(d.UpdateManifest) > 0 {
		var err error
		if m, err = parseManifest(d.UpdateManifest); err != nil {
			return nil, err
		}
		w.UpdateType = m.UpdateType
		w.InstalledCriteria = m.InstalledCriteria
	}
	if w.UpdateType == "" {
		w.UpdateType = d.LegacyUpdateType
	}
	if w.InstalledCriteria == "" {
		w.InstalledCriteria = d.LegacyInstalledCriteria
	}

	if m != nil {
		for _, ms := range m.Instructions.Steps {
			step := Step{
				Handler:           ms.Handler,
				InstalledCriteria: ms.HandlerProperties.InstalledCriteria,
				Files:             ms.Files,
			}
			if step.InstalledCriteria == "" {
				step.InstalledCriteria = w.InstalledCriteria
			}
			w.Steps = append(w.Steps, step)
		}
	}
	if len(w.Steps) < 1 {
		// legacy flattening: one implicit step from the root
		if w.UpdateType == "" {
			return nil, ErrMissingUpdateType
		}
		w.Steps = []Step{{
			Handler:           w.UpdateType,
			InstalledCriteria: w.InstalledCriteria,
		}}
	}
	if w.UpdateType == "" {
		w.UpdateType = w.Steps[0].Handler
	}
	if w.InstalledCriteria == "" {
		w.InstalledCriteria = w.Steps[0].InstalledCriteria
	}

	return w, nil
}

// Step returns the step at index i or nil if out of range.
func (w *Workflow) Step(i int) *Step {
	if i < 0 || i >= len(w.Steps) {
		return nil
	}
	return &w.Steps[i]
}

// StepCount returns the number of steps in the workflow.
func (w *Workflow) StepCount() int {
	return len(w.Steps)
}

// Matches returns true when the (id, retryTimestamp) pair identifies
// the same deployment attempt as w.
func (w *Workflow) Matches(id, retryTimestamp string) bool {
	return w != nil && w.ID == id && w.RetryTimestamp == retryTimestamp
}

// RequestCancel flags the workflow for cooperative cancellation.
// The engine observes the flag at the next phase or step boundary.
func (w *Workflow) RequestCancel() {
	w.cancelRequested = true
}

// CancelRequested reports whether cancellation has been requested.
func (w *Workflow) CancelRequested() bool {
	return w.cancelRequested
}

// AggregateStepResults computes the root deployment result from the
// step results: the first failing step's codes, or the last ran step's
// codes when every step succeeded.
func (w *Workflow) AggregateStepResults() Result {
	var last Result
	found := false
	for i := range w.Steps {
		step := &w.Steps[i]
		if !step.Ran {
			continue
		}
		if !step.Result.Succeeded() {
			return step.Result
		}
		last = step.Result
		found = true
	}
	if !found {
		return w.Result
	}
	return last
}
