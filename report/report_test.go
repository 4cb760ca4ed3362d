package report

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/micromdm/nanoupdate/workflow"
)

var stepKeyRE = regexp.MustCompile(`^step_\d+$`)

func testWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID:                "w1",
		RetryTimestamp:    "t1",
		UpdateType:        "nanoupdate/simulator:1",
		InstalledCriteria: "v2",
		Action:            workflow.ActionApplyDeployment,
		Steps: []workflow.Step{
			{Result: workflow.Result{ResultCode: workflow.ResultApplySuccess}, Ran: true},
			{Result: workflow.Result{ResultCode: workflow.ResultFailure, ExtendedResultCode: 7, ResultDetails: "boom"}, Ran: true},
			{},
		},
	}
}

func roundtrip(t *testing.T, d *Document) map[string]interface{} {
	t.Helper()
	raw, err := d.MarshalBytes()
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	if err = json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestStepResultsCleared(t *testing.T) {
	w := testWorkflow()
	for _, state := range []workflow.UpdateState{
		workflow.StateDeploymentInProgress,
		workflow.StateDownloadStarted,
	} {
		m := roundtrip(t, New(w, state, nil, ""))
		lir, ok := m["lastInstallResult"].(map[string]interface{})
		if !ok {
			t.Fatalf("%v: missing lastInstallResult", state)
		}
		sr, present := lir["stepResults"]
		if !present {
			t.Errorf("%v: stepResults key must be present", state)
		}
		if sr != nil {
			t.Errorf("%v: stepResults must be null, got %v", state, sr)
		}
	}
}

func TestStepResultsKeys(t *testing.T) {
	w := testWorkflow()
	m := roundtrip(t, New(w, workflow.StateFailed, nil, ""))
	lir := m["lastInstallResult"].(map[string]interface{})
	sr, ok := lir["stepResults"].(map[string]interface{})
	if !ok {
		t.Fatal("expected stepResults object")
	}
	if len(sr) != 2 {
		t.Errorf("expected 2 ran steps, got %d", len(sr))
	}
	for k := range sr {
		if !stepKeyRE.MatchString(k) {
			t.Errorf("bad step key: %s", k)
		}
	}
	step1 := sr["step_1"].(map[string]interface{})
	if step1["resultCode"].(float64) != 0 {
		t.Errorf("unexpected step_1 resultCode: %v", step1["resultCode"])
	}
	if step1["extendedResultCode"].(float64) != 7 {
		t.Errorf("unexpected step_1 extendedResultCode: %v", step1["extendedResultCode"])
	}
	if step1["resultDetails"].(string) != "boom" {
		t.Errorf("unexpected step_1 resultDetails: %v", step1["resultDetails"])
	}
	step0 := sr["step_0"].(map[string]interface{})
	if step0["resultDetails"] != nil {
		t.Errorf("empty details must serialize as null, got %v", step0["resultDetails"])
	}
}

func TestWorkflowOmittedWithoutID(t *testing.T) {
	m := roundtrip(t, New(nil, workflow.StateIdle, &workflow.Result{ResultCode: workflow.ResultSuccess}, ""))
	if _, present := m["workflow"]; present {
		t.Error("workflow must be omitted when no workflow id is set")
	}
	if m["state"].(float64) != 0 {
		t.Errorf("unexpected state: %v", m["state"])
	}
}

func TestInstalledUpdateID(t *testing.T) {
	w := testWorkflow()
	result := &workflow.Result{ResultCode: workflow.ResultApplySuccess}
	m := roundtrip(t, New(w, workflow.StateIdle, result, "v2"))
	if m["installedUpdateId"].(string) != "v2" {
		t.Errorf("unexpected installedUpdateId: %v", m["installedUpdateId"])
	}
	wf := m["workflow"].(map[string]interface{})
	if wf["id"].(string) != "w1" || wf["retryTimestamp"].(string) != "t1" {
		t.Errorf("unexpected workflow properties: %v", wf)
	}
	if wf["action"].(float64) != 3 {
		t.Errorf("unexpected workflow action: %v", wf["action"])
	}
	lir := m["lastInstallResult"].(map[string]interface{})
	if lir["resultCode"].(float64) != 700 {
		t.Errorf("result override not applied: %v", lir["resultCode"])
	}

	// no installedUpdateId on failure reports
	m = roundtrip(t, New(w, workflow.StateFailed, nil, ""))
	if _, present := m["installedUpdateId"]; present {
		t.Error("installedUpdateId must be omitted unless reporting terminal idle")
	}
}

func TestUpdateForStartup(t *testing.T) {
	w := testWorkflow()
	doc := New(w, workflow.StateIdle, &workflow.Result{ResultCode: workflow.ResultApplyRequiredReboot}, "v2")
	raw, err := doc.MarshalBytes()
	if err != nil {
		t.Fatal(err)
	}

	patched, err := UpdateForStartup(raw, workflow.Result{ResultCode: workflow.ResultApplySuccess})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	if err = json.Unmarshal(patched, &m); err != nil {
		t.Fatal(err)
	}
	lir := m["lastInstallResult"].(map[string]interface{})
	if lir["resultCode"].(float64) != 700 {
		t.Errorf("patched resultCode: %v", lir["resultCode"])
	}
	if lir["extendedResultCode"].(float64) != 0 {
		t.Errorf("patched extendedResultCode: %v", lir["extendedResultCode"])
	}
	// everything else survives the patch
	if m["installedUpdateId"].(string) != "v2" {
		t.Errorf("installedUpdateId lost: %v", m["installedUpdateId"])
	}
	if _, ok := lir["stepResults"].(map[string]interface{}); !ok {
		t.Errorf("stepResults lost: %v", lir["stepResults"])
	}

	if _, err = UpdateForStartup(json.RawMessage(`{`), workflow.Result{}); err == nil {
		t.Error("expected error on malformed persisted document")
	}
}
