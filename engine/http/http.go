// Package http provides the local API endpoints for the deployment engine.
package http

import (
	"encoding/json"
	"errors"
	nethttp "net/http"

	"github.com/micromdm/nanoupdate/engine"
	"github.com/micromdm/nanoupdate/http/api"
	"github.com/micromdm/nanoupdate/logkeys"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// StatusEngine exposes engine state snapshots.
type StatusEngine interface {
	Status() engine.Status
}

// CancelEngine cancels active deployments.
type CancelEngine interface {
	CancelDeployment(workflowID string) error
}

// APIEngine is the engine surface the local API uses.
type APIEngine interface {
	StatusEngine
	CancelEngine
}

// Mux can register HTTP handlers.
// Ostensibly this supports flow router.
type Mux interface {
	// Handle registers the handler for the given pattern.
	Handle(pattern string, handler nethttp.Handler, methods ...string)
}

// HandleAPIv1 registers the engine API handlers into mux.
// API endpoint paths are prepended with prefix. Authentication is
// assumed to be layered with mux.
func HandleAPIv1(prefix string, mux Mux, logger log.Logger, e APIEngine) {
	mux.Handle(
		prefix+"/status",
		StatusHandler(e, logger.With("handler", "status")),
		"GET",
	)
	mux.Handle(
		prefix+"/deployment/:id/cancel",
		CancelHandler(e, logger.With("handler", "cancel deployment")),
		"POST",
	)
}

// StatusHandler returns the engine status snapshot as JSON.
func StatusHandler(e StatusEngine, logger log.Logger) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(e.Status()); err != nil {
			logger.Info(logkeys.Message, "encoding status", logkeys.Error, err)
		}
	}
}

// CancelHandler requests cancellation of the deployment in the URL.
func CancelHandler(e CancelEngine, logger log.Logger) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		id := flow.Param(r.Context(), "id")
		if err := e.CancelDeployment(id); err != nil {
			logger.Info(
				logkeys.Message, "cancel deployment",
				logkeys.WorkflowID, id,
				logkeys.Error, err,
			)
			status := nethttp.StatusInternalServerError
			if errors.Is(err, engine.ErrNoActiveDeployment) || errors.Is(err, engine.ErrWorkflowMismatch) {
				status = nethttp.StatusNotFound
			}
			api.JSONError(w, err, status)
			return
		}
		logger.Debug(logkeys.Message, "cancel requested", logkeys.WorkflowID, id)
		w.WriteHeader(nethttp.StatusNoContent)
	}
}
