package twin

import (
	"encoding/json"
	"testing"
)

func TestWrapReported(t *testing.T) {
	raw, err := WrapReported(PropertyAgent, json.RawMessage(`{"state":0}`))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]map[string]interface{}
	if err = json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	comp, ok := m[ComponentName]
	if !ok {
		t.Fatalf("missing component: %s", raw)
	}
	if comp["__t"] != "c" {
		t.Errorf("missing component marker: %v", comp)
	}
	agent, ok := comp[PropertyAgent].(map[string]interface{})
	if !ok {
		t.Fatalf("missing agent property: %v", comp)
	}
	if agent["state"].(float64) != 0 {
		t.Errorf("unexpected agent value: %v", agent)
	}

	if _, err = WrapReported(PropertyAgent, nil); err == nil {
		t.Error("expected error on empty value")
	}
}

func TestWrapAck(t *testing.T) {
	raw, err := WrapAck(json.RawMessage(`{"workflow":{"id":"w1"}}`), AckSuccess, 7)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]map[string]json.RawMessage
	if err = json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	var ack struct {
		Value   map[string]interface{} `json:"value"`
		AckCode int                    `json:"ac"`
		Version int                    `json:"av"`
	}
	if err = json.Unmarshal(m[ComponentName][PropertyService], &ack); err != nil {
		t.Fatal(err)
	}
	if ack.AckCode != AckSuccess || ack.Version != 7 {
		t.Errorf("unexpected ack status: %+v", ack)
	}
	if ack.Value["workflow"] == nil {
		t.Errorf("ack should echo the desired value: %+v", ack)
	}

	// nil value acks with a null echo
	raw, err = WrapAck(nil, AckBadRequest, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err = json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	var nullAck struct {
		Value   json.RawMessage `json:"value"`
		AckCode int             `json:"ac"`
	}
	if err = json.Unmarshal(m[ComponentName][PropertyService], &nullAck); err != nil {
		t.Fatal(err)
	}
	if string(nullAck.Value) != "null" || nullAck.AckCode != AckBadRequest {
		t.Errorf("unexpected failure ack: %+v", nullAck)
	}
}

func TestRedact(t *testing.T) {
	redacted, err := Redact(json.RawMessage(`{
		"workflow": {"action": 3, "id": "w1"},
		"updateManifest": "{}",
		"updateManifestSignature": "c2ln",
		"fileUrls": {"f0": "http://example.com"}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	if err = json.Unmarshal(redacted, &m); err != nil {
		t.Fatal(err)
	}
	if m["updateManifestSignature"] != nil {
		t.Errorf("updateManifestSignature not redacted: %v", m["updateManifestSignature"])
	}
	if m["fileUrls"] != nil {
		t.Errorf("fileUrls not redacted: %v", m["fileUrls"])
	}
	if m["workflow"] == nil || m["updateManifest"] == nil {
		t.Errorf("redaction must keep the other fields: %v", m)
	}

	if _, err = Redact(json.RawMessage(`[1]`)); err == nil {
		t.Error("expected error redacting a non-object document")
	}
}
