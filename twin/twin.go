// Package twin defines the device twin channel consumed by the
// deployment engine: the reported-property sender, the desired-property
// receiver contract, and helpers for the component property envelopes.
package twin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Component and property names of the device update twin interface.
const (
	ComponentName = "deviceUpdate"

	// PropertyAgent is the device-to-cloud property the agent reports
	// state and results through.
	PropertyAgent = "agent"

	// PropertyService is the cloud-to-device property the update
	// service delivers update actions through.
	PropertyService = "service"
)

// Acknowledgement status codes (HTTP-style).
const (
	AckSuccess    = 200
	AckBadRequest = 400
)

var ErrEmptyPayload = errors.New("empty payload")

// Sender delivers reported-property payloads to the twin.
// Delivery is at-least-once; consumers are expected to be idempotent
// on workflow id and state.
type Sender interface {
	SendReported(ctx context.Context, payload []byte) error
}

// DesiredHandler consumes twin lifecycle and desired-property events.
// The deployment engine implements this interface.
type DesiredHandler interface {
	// Connected is invoked once the twin transport is ready.
	Connected(ctx context.Context) error

	// DesiredProperty ingests one desired-property document at the
	// given twin version.
	DesiredProperty(ctx context.Context, value json.RawMessage, version int) error
}

// componentValue is a component-scoped property envelope.
type componentValue map[string]json.RawMessage

// componentMarker marks the object as a component in the twin model.
var componentMarker = json.RawMessage(`"c"`)

// WrapReported wraps a property value in the component envelope for
// reporting: {"deviceUpdate":{"__t":"c","<property>":<value>}}.
func WrapReported(property string, value json.RawMessage) ([]byte, error) {
	if len(value) < 1 {
		return nil, ErrEmptyPayload
	}
	return json.Marshal(map[string]componentValue{
		ComponentName: {
			"__t":    componentMarker,
			property: value,
		},
	})
}

// ackValue is the acknowledgement envelope for a desired property:
// the (redacted) desired value plus status and version.
type ackValue struct {
	Value          json.RawMessage `json:"value"`
	AckCode        int             `json:"ac"`
	AckDescription string          `json:"ad"`
	AckVersion     int             `json:"av"`
}

// WrapAck builds the reported acknowledgement of a desired-property
// document: the service property is echoed back with an HTTP-style
// status code and the desired document's version.
func WrapAck(value json.RawMessage, ackCode, version int) ([]byte, error) {
	if len(value) < 1 {
		value = json.RawMessage("null")
	}
	raw, err := json.Marshal(&ackValue{
		Value:          value,
		AckCode:        ackCode,
		AckDescription: "",
		AckVersion:     version,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ack envelope: %w", err)
	}
	return WrapReported(PropertyService, raw)
}

// Redact nulls the updateManifestSignature and fileUrls fields of a
// desired document to bound the size of the acknowledgement echoed
// into the twin. The fields are set to explicit nulls even when absent.
func Redact(desired json.RawMessage) (json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(desired, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal desired document: %w", err)
	}
	doc["updateManifestSignature"] = json.RawMessage("null")
	doc["fileUrls"] = json.RawMessage("null")
	return json.Marshal(doc)
}
