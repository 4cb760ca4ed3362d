// Package webhook receives device twin events from the transport glue
// over HTTP and hands them to the deployment engine.
package webhook

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/micromdm/nanoupdate/logkeys"
	"github.com/micromdm/nanoupdate/twin"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// Topics of twin webhook events.
const (
	TopicConnect         = "twin.Connect"
	TopicDesiredProperty = "twin.DesiredProperty"
)

// Event is one twin event delivered by the transport glue.
type Event struct {
	Topic     string    `json:"topic"`
	EventID   string    `json:"event_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	PropertyEvent *PropertyEvent `json:"property_event,omitempty"`
}

// PropertyEvent carries a desired-property change.
type PropertyEvent struct {
	Component string          `json:"component"`
	Property  string          `json:"property"`
	Value     json.RawMessage `json:"value"`
	Version   int             `json:"version"`
}

// WebhookHandler parses twin webhook callbacks and hands them off to recv.
// Only the deviceUpdate component's service property is routed; other
// properties are logged and ignored.
func WebhookHandler(recv twin.DesiredHandler, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)

		event := new(Event)
		if err := json.NewDecoder(r.Body).Decode(event); err != nil {
			logger.Info(logkeys.Message, "decoding body", logkeys.Error, err)
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}

		logger = logger.With("topic", event.Topic)

		switch event.Topic {
		case TopicConnect:
			if err := recv.Connected(r.Context()); err != nil {
				logger.Info(logkeys.Message, "process connect event", logkeys.Error, err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
		case TopicDesiredProperty:
			pe := event.PropertyEvent
			if pe == nil {
				logger.Info(logkeys.Error, "empty property event")
				http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
				return
			}
			if pe.Component != twin.ComponentName || pe.Property != twin.PropertyService {
				logger.Debug(
					logkeys.Message, "unsupported property",
					"component", pe.Component,
					"property", pe.Property,
				)
				break
			}
			if err := recv.DesiredProperty(r.Context(), pe.Value, pe.Version); err != nil {
				logger.Info(logkeys.Message, "process desired property", logkeys.Error, err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
		default:
			logger.Info(logkeys.Error, "unknown topic")
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		logger.Debug(logkeys.Message, "webhook event")
	}
}
