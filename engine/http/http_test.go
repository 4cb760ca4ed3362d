package http

import (
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/micromdm/nanoupdate/engine"
	"github.com/micromdm/nanoupdate/workflow"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
)

type fakeEngine struct {
	status    engine.Status
	cancelled []string
	cancelErr error
}

func (e *fakeEngine) Status() engine.Status { return e.status }

func (e *fakeEngine) CancelDeployment(workflowID string) error {
	if e.cancelErr != nil {
		return e.cancelErr
	}
	e.cancelled = append(e.cancelled, workflowID)
	return nil
}

func newMux(e *fakeEngine) *flow.Mux {
	mux := flow.New()
	HandleAPIv1("/v1", mux, log.NopLogger, e)
	return mux
}

func TestStatusHandler(t *testing.T) {
	e := &fakeEngine{status: engine.Status{
		WorkflowID: "w1",
		State:      workflow.StateDownloadStarted,
		StepCount:  2,
	}}
	rec := httptest.NewRecorder()
	newMux(e).ServeHTTP(rec, httptest.NewRequest(nethttp.MethodGet, "/v1/status", nil))
	if rec.Code != nethttp.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var status engine.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.WorkflowID != "w1" || status.State != workflow.StateDownloadStarted {
		t.Errorf("unexpected status body: %+v", status)
	}
}

func TestCancelHandler(t *testing.T) {
	e := new(fakeEngine)
	rec := httptest.NewRecorder()
	newMux(e).ServeHTTP(rec, httptest.NewRequest(nethttp.MethodPost, "/v1/deployment/w1/cancel", nil))
	if rec.Code != nethttp.StatusNoContent {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if len(e.cancelled) != 1 || e.cancelled[0] != "w1" {
		t.Errorf("cancel not delivered: %v", e.cancelled)
	}

	e.cancelErr = engine.ErrNoActiveDeployment
	rec = httptest.NewRecorder()
	newMux(e).ServeHTTP(rec, httptest.NewRequest(nethttp.MethodPost, "/v1/deployment/w1/cancel", nil))
	if rec.Code != nethttp.StatusNotFound {
		t.Errorf("expected 404 with no active deployment, got %d", rec.Code)
	}
}
