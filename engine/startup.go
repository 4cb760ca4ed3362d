package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/micromdm/nanoupdate/engine/storage"
	"github.com/micromdm/nanoupdate/handler"
	"github.com/micromdm/nanoupdate/logkeys"
	"github.com/micromdm/nanoupdate/report"
	"github.com/micromdm/nanoupdate/twin"
	"github.com/micromdm/nanoupdate/workflow"

	"github.com/micromdm/nanolib/log/ctxlog"
)

// startupMessage is the once-per-connect device information report.
type startupMessage struct {
	DeviceProperties    deviceProperties `json:"deviceProperties"`
	CompatPropertyNames string           `json:"compatPropertyNames"`
}

type deviceProperties struct {
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	InterfaceID  string `json:"interfaceId,omitempty"`
	AgentVersion string `json:"agentVersion,omitempty"`
}

// sendStartupMessage reports the device properties and compatibility
// property names once the transport connects.
func (e *Engine) sendStartupMessage(ctx context.Context) error {
	msg := startupMessage{
		DeviceProperties: deviceProperties{
			Manufacturer: e.props.Manufacturer,
			Model:        e.props.Model,
			InterfaceID:  e.props.InterfaceID,
		},
		CompatPropertyNames: e.props.CompatPropertyNames,
	}
	if msg.CompatPropertyNames == "" {
		msg.CompatPropertyNames = DefaultCompatPropertyNames
	}
	if e.props.TelemetryVersions {
		msg.DeviceProperties.AgentVersion = e.props.AgentVersion
	}
	raw, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("marshal startup message: %w", err)
	}
	payload, err := twin.WrapReported(twin.PropertyAgent, raw)
	if err != nil {
		return fmt.Errorf("wrap startup message: %w", err)
	}
	return e.sender.SendReported(ctx, payload)
}

// loadPersisted loads a persisted in-flight workflow, runs post-boot
// verification via the content handler's IsInstalled, reports the
// outcome, and removes the record. The returned bool indicates a
// startup state report was emitted.
func (e *Engine) loadPersisted(ctx context.Context) (bool, error) {
	logger := ctxlog.Logger(ctx, e.logger)

	pw, err := e.store.RetrieveWorkflow(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrCorrupt) {
			return false, fmt.Errorf("retrieving persisted workflow: %w", err)
		}
		// unreadable record: discard it, report the dedicated code, carry on
		logger.Info(logkeys.Message, "persisted workflow unreadable", logkeys.Error, err)
		if err = e.store.DeleteWorkflow(ctx); err != nil {
			return false, fmt.Errorf("deleting corrupt persisted workflow: %w", err)
		}
		result := workflow.Result{
			ResultCode:         workflow.ResultFailure,
			ExtendedResultCode: workflow.ErcPersistenceCorrupt,
			ResultDetails:      "persisted workflow state was unreadable",
		}
		if err = e.reportState(ctx, workflow.StateIdle, &result, ""); err != nil {
			return false, err
		}
		return true, nil
	}
	if pw == nil {
		return false, nil
	}

	logger = logger.With(
		logkeys.WorkflowID, pw.WorkflowID,
		logkeys.UpdateType, pw.UpdateType,
	)

	// hydrate the workflow for verification and reporting
	wf := &workflow.Workflow{
		ID:                pw.WorkflowID,
		RetryTimestamp:    pw.RetryTimestamp,
		UpdateType:        pw.UpdateType,
		InstalledCriteria: pw.InstalledCriteria,
		WorkFolder:        pw.WorkFolder,
		Action:            workflow.ActionApplyDeployment,
		State:             pw.CurrentState,
		LastReportedState: pw.LastReportedState,
	}
	e.wf = wf
	e.handlers = make(map[string]handler.ContentHandler)

	h, err := e.handlerFor(wf.UpdateType)
	if err != nil {
		logger.Info(logkeys.Message, "looking up content handler", logkeys.Error, err)
		result := workflow.Result{
			ResultCode:         workflow.ResultFailure,
			ExtendedResultCode: workflow.ErcUnknownUpdateType,
			ResultDetails:      err.Error(),
		}
		return true, e.resolveStartup(ctx, pw, nil, workflow.StateFailed, result)
	}

	res := h.IsInstalled(ctx, wf)
	if res.Installed() {
		logger.Debug(logkeys.Message, "post-boot verification succeeded")
		applied := workflow.Result{ResultCode: workflow.ResultApplySuccess}
		return true, e.resolveStartup(ctx, pw, pw.ReportingJSON, workflow.StateIdle, applied)
	}

	logger.Info(
		logkeys.Message, "post-boot verification failed",
		"result_code", res.ResultCode,
	)
	result := workflow.Result{
		ResultCode:         workflow.ResultFailure,
		ExtendedResultCode: workflow.ErcBootVerifyFailed,
		ResultDetails:      "update not installed after restart",
	}
	return true, e.resolveStartup(ctx, pw, nil, workflow.StateFailed, result)
}

// resolveStartup reports the outcome of a resumed workflow and releases
// it along with its persisted record and work folder. When persisted
// reporting json is supplied the report reuses it with only the
// lastInstallResult outcome patched in.
func (e *Engine) resolveStartup(ctx context.Context, pw *storage.PersistedWorkflow, persistedDoc json.RawMessage, state workflow.UpdateState, result workflow.Result) error {
	logger := ctxlog.Logger(ctx, e.logger).With(logkeys.WorkflowID, pw.WorkflowID)
	wf := e.wf

	var err error
	if len(persistedDoc) > 0 {
		var payload json.RawMessage
		if payload, err = report.UpdateForStartup(persistedDoc, result); err == nil {
			var wrapped []byte
			if wrapped, err = twin.WrapReported(twin.PropertyAgent, payload); err == nil {
				err = e.sender.SendReported(ctx, wrapped)
			}
		} else {
			logger.Info(logkeys.Message, "reusing persisted reporting json", logkeys.Error, err)
			persistedDoc = nil
		}
	}
	if len(persistedDoc) < 1 {
		installedUpdateID := ""
		if state == workflow.StateIdle && result.Succeeded() {
			installedUpdateID = wf.InstalledCriteria
		}
		wf.Result = result
		err = e.reportState(ctx, state, &result, installedUpdateID)
	}
	if err != nil {
		// leave the record in place; the resume is retried on work ticks
		e.wf = nil
		e.handlers = nil
		return fmt.Errorf("reporting startup outcome: %w", err)
	}

	if err = e.store.DeleteWorkflow(ctx); err != nil {
		logger.Info(logkeys.Message, "deleting persisted workflow", logkeys.Error, err)
	}
	if wf.WorkFolder != "" {
		if err = os.RemoveAll(wf.WorkFolder); err != nil {
			logger.Info(logkeys.Message, "removing work folder", logkeys.Error, err)
		}
	}

	e.lastTerminalID = wf.ID
	e.lastTerminalRT = wf.RetryTimestamp
	e.haveTerminal = true
	e.wf = nil
	e.handlers = nil
	return nil
}
