package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/micromdm/nanolib/log"
)

type captureHandler struct {
	connected int
	values    []json.RawMessage
	versions  []int
}

func (h *captureHandler) Connected(_ context.Context) error {
	h.connected++
	return nil
}

func (h *captureHandler) DesiredProperty(_ context.Context, value json.RawMessage, version int) error {
	h.values = append(h.values, value)
	h.versions = append(h.versions, version)
	return nil
}

func post(t *testing.T, handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestWebhookHandler(t *testing.T) {
	recv := new(captureHandler)
	handler := WebhookHandler(recv, log.NopLogger)

	rec := post(t, handler, `{"topic": "twin.Connect"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("connect: unexpected status %d", rec.Code)
	}
	if recv.connected != 1 {
		t.Errorf("connected calls: %d", recv.connected)
	}

	rec = post(t, handler, `{
		"topic": "twin.DesiredProperty",
		"property_event": {
			"component": "deviceUpdate",
			"property": "service",
			"value": {"workflow": {"action": 3, "id": "w1"}},
			"version": 4
		}
	}`)
	if rec.Code != http.StatusOK {
		t.Errorf("desired: unexpected status %d", rec.Code)
	}
	if len(recv.values) != 1 || recv.versions[0] != 4 {
		t.Fatalf("desired property not delivered: %v %v", recv.values, recv.versions)
	}

	// other components/properties are ignored but accepted
	rec = post(t, handler, `{
		"topic": "twin.DesiredProperty",
		"property_event": {"component": "thermostat", "property": "target", "value": 70, "version": 1}
	}`)
	if rec.Code != http.StatusOK {
		t.Errorf("foreign property: unexpected status %d", rec.Code)
	}
	if len(recv.values) != 1 {
		t.Error("foreign property should not be delivered")
	}

	// malformed body
	rec = post(t, handler, `{"topic":`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed: unexpected status %d", rec.Code)
	}

	// missing property event
	rec = post(t, handler, `{"topic": "twin.DesiredProperty"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing property event: unexpected status %d", rec.Code)
	}

	// unknown topic
	rec = post(t, handler, `{"topic": "twin.Bogus"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown topic: unexpected status %d", rec.Code)
	}
}
