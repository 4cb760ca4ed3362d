package engine

import (
	"context"
	"os"

	"github.com/micromdm/nanoupdate/engine/storage"
	"github.com/micromdm/nanoupdate/logkeys"
	"github.com/micromdm/nanoupdate/report"
	"github.com/micromdm/nanoupdate/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// DoWork is the cooperative tick invoked by the host loop. Each tick
// performs a bounded amount of work: retrying an unsent report,
// advancing one phase of the active deployment, or nothing. Failed
// sends and transient errors leave state untouched and are retried on
// the next tick.
func (e *Engine) DoWork(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	logger := ctxlog.Logger(ctx, e.logger)

	if e.resumeRetry {
		if _, err := e.loadPersisted(ctx); err != nil {
			logger.Info(logkeys.Message, "retrying persisted workflow resume", logkeys.Error, err)
			return
		}
		e.resumeRetry = false
		return
	}

	if e.terminal != nil {
		e.finishTerminal(ctx, logger)
		return
	}

	wf := e.wf
	if wf == nil || e.restartPending {
		return
	}

	logger = logger.With(
		logkeys.WorkflowID, wf.ID,
		logkeys.State, wf.State.String(),
	)

	// the twin must observe the current state before the machine advances
	if wf.LastReportedState != wf.State {
		if err := e.reportState(ctx, wf.State, nil, ""); err != nil {
			return
		}
	}

	if wf.CancelRequested() {
		e.cancelDeployment(ctx, logger)
		return
	}

	switch wf.State {
	case workflow.StateDeploymentInProgress:
		e.transition(ctx, workflow.StateDownloadStarted)
	case workflow.StateDownloadStarted:
		if e.runPhaseSteps(ctx, logger, workflow.PhaseDownload) {
			e.transition(ctx, workflow.StateDownloadSucceeded)
		}
	case workflow.StateDownloadSucceeded:
		e.transition(ctx, workflow.StateInstallStarted)
	case workflow.StateInstallStarted:
		if e.runPhaseSteps(ctx, logger, workflow.PhaseInstall) {
			e.transition(ctx, workflow.StateInstallSucceeded)
		}
	case workflow.StateInstallSucceeded:
		e.transition(ctx, workflow.StateApplyStarted)
	case workflow.StateApplyStarted:
		// the apply phase may be interrupted by a reboot; persist
		// first so the next boot can verify and resolve the deployment
		if err := e.persistApplyEntry(ctx); err != nil {
			logger.Info(logkeys.Message, "persisting workflow", logkeys.Error, err)
			return
		}
		if e.runPhaseSteps(ctx, logger, workflow.PhaseApply) {
			e.finishApply(ctx, logger)
		}
	}
}

// transition moves the workflow to state and reports it. A failed
// report restores the previous state; the next tick retries the
// transition.
func (e *Engine) transition(ctx context.Context, state workflow.UpdateState) {
	prev := e.wf.State
	e.wf.State = state
	if err := e.reportState(ctx, state, nil, ""); err != nil {
		e.wf.State = prev
	}
}

// runPhaseSteps drives a phase across the workflow's steps from the
// current step index. Returns true when every step completed
// successfully. An in-progress result returns early without advancing
// the step index; a failure or cancellation queues the terminal
// transition. A result code the phase does not document is treated as
// a failure with the extended result code preserved verbatim.
func (e *Engine) runPhaseSteps(ctx context.Context, logger log.Logger, phase workflow.Phase) bool {
	wf := e.wf
	for wf.CurrentStep < wf.StepCount() {
		if wf.CancelRequested() {
			e.cancelDeployment(ctx, logger)
			return false
		}
		i := wf.CurrentStep
		step := wf.Step(i)
		stepLogger := logger.With(logkeys.StepIndex, i, logkeys.UpdateType, step.Handler)

		h, err := e.handlerFor(step.Handler)
		if err != nil {
			stepLogger.Info(logkeys.Message, "looking up content handler", logkeys.Error, err)
			step.Ran = true
			step.Result = workflow.Result{
				ResultCode:         workflow.ResultFailure,
				ExtendedResultCode: workflow.ErcUnknownUpdateType,
				ResultDetails:      err.Error(),
			}
			e.failDeployment(ctx, logger)
			return false
		}

		var res workflow.Result
		switch phase {
		case workflow.PhaseDownload:
			res = h.Download(ctx, wf)
		case workflow.PhaseInstall:
			res = h.Install(ctx, wf)
		case workflow.PhaseApply:
			res = h.Apply(ctx, wf)
		}
		if !res.Recognized(phase) {
			stepLogger.Info(
				logkeys.Message, "unrecognized result code",
				"phase", phase.String(),
				"result_code", res.ResultCode,
			)
			res = workflow.Result{
				ResultCode:         workflow.ResultFailure,
				ExtendedResultCode: res.ExtendedResultCode,
				ResultDetails:      res.ResultDetails,
			}
		}
		step.Ran = true
		step.Result = res

		if res.InProgress() {
			// bounded work done for this tick; same step continues next tick
			stepLogger.Debug(logkeys.Message, "phase in progress")
			return false
		}
		if !res.Succeeded() {
			stepLogger.Info(
				logkeys.Message, "phase failed",
				"result_code", res.ResultCode,
				"extended_result_code", res.ExtendedResultCode,
			)
			e.failDeployment(ctx, logger)
			return false
		}
		wf.CurrentStep++
	}
	wf.CurrentStep = 0
	return true
}

// finishApply resolves a fully-applied deployment: either a terminal
// idle, or a persisted reboot/agent-restart handoff.
func (e *Engine) finishApply(ctx context.Context, logger log.Logger) {
	wf := e.wf

	var reboot, restart bool
	for i := range wf.Steps {
		if wf.Steps[i].Result.RebootRequired() {
			reboot = true
		}
		if wf.Steps[i].Result.AgentRestartRequired() {
			restart = true
		}
	}

	if reboot || restart {
		// refresh the record so its reporting json carries the
		// apply-phase step results; the apply-entry record already
		// covers a crash if this write fails
		if err := e.persistApplyEntry(ctx); err != nil {
			logger.Info(logkeys.Message, "refreshing persisted workflow", logkeys.Error, err)
		}
		var rc int
		erc := workflow.ErcSystemReboot
		if reboot {
			logger.Info(logkeys.Message, "rebooting system")
			rc = e.caps.RebootSystem()
		} else {
			logger.Info(logkeys.Message, "restarting agent")
			erc = workflow.ErcAgentRestart
			rc = e.caps.RestartAgent()
		}
		if rc != 0 {
			logger.Info(logkeys.Message, "system capability failed", logkeys.GenericCount, rc)
			wf.Result = workflow.Result{
				ResultCode:         workflow.ResultFailure,
				ExtendedResultCode: erc,
			}
			e.terminal = &pendingTerminal{state: workflow.StateFailed, result: wf.Result}
			e.finishTerminal(ctx, logger)
			return
		}
		e.restartPending = true
		return
	}

	result := wf.AggregateStepResults()
	wf.Result = result
	e.terminal = &pendingTerminal{
		state:             workflow.StateIdle,
		result:            result,
		installedUpdateID: wf.InstalledCriteria,
	}
	e.finishTerminal(ctx, logger)
}

// failDeployment aggregates step results into the root and queues the
// terminal failed transition.
func (e *Engine) failDeployment(ctx context.Context, logger log.Logger) {
	wf := e.wf
	wf.Result = wf.AggregateStepResults()
	e.terminal = &pendingTerminal{state: workflow.StateFailed, result: wf.Result}
	e.finishTerminal(ctx, logger)
}

// cancelDeployment observes a cancel request at a safe point: the
// handler's cancel operation runs and the deployment terminates.
func (e *Engine) cancelDeployment(ctx context.Context, logger log.Logger) {
	wf := e.wf
	logger.Debug(logkeys.Message, "cancelling deployment")

	updateType := wf.UpdateType
	if step := wf.Step(wf.CurrentStep); step != nil {
		updateType = step.Handler
	}
	if h, err := e.handlerFor(updateType); err != nil {
		logger.Info(logkeys.Message, "looking up content handler for cancel", logkeys.Error, err)
	} else if res := h.Cancel(ctx, wf); !res.Succeeded() {
		logger.Info(
			logkeys.Message, "handler cancel",
			"result_code", res.ResultCode,
			"extended_result_code", res.ExtendedResultCode,
		)
	}

	result := workflow.Result{
		ResultCode:         workflow.ResultFailureCancelled,
		ExtendedResultCode: workflow.ErcCancelled,
		ResultDetails:      "deployment cancelled",
	}
	wf.Result = result

	state := workflow.StateFailed
	if wf.State == workflow.StateDeploymentInProgress {
		// cancelled before any phase began
		state = workflow.StateIdle
	}
	e.terminal = &pendingTerminal{state: state, result: result}
	e.finishTerminal(ctx, logger)
}

// finishTerminal reports the pending terminal transition and, once the
// report is delivered, releases the workflow and its resources. The
// work folder and persistence record outlive a failed terminal report.
func (e *Engine) finishTerminal(ctx context.Context, logger log.Logger) {
	tp := e.terminal
	wf := e.wf

	if err := e.reportState(ctx, tp.state, &tp.result, tp.installedUpdateID); err != nil {
		// retried on the next tick
		return
	}

	if err := e.store.DeleteWorkflow(ctx); err != nil {
		logger.Info(logkeys.Message, "deleting persisted workflow", logkeys.Error, err)
	}
	if wf != nil && wf.WorkFolder != "" {
		if err := os.RemoveAll(wf.WorkFolder); err != nil {
			logger.Info(logkeys.Message, "removing work folder", logkeys.Error, err)
		}
	}
	if wf != nil {
		wf.State = tp.state
		e.lastTerminalID = wf.ID
		e.lastTerminalRT = wf.RetryTimestamp
		e.haveTerminal = true
	}

	logger.Debug(
		logkeys.Message, "deployment finished",
		logkeys.State, tp.state.String(),
		"result_code", tp.result.ResultCode,
	)

	e.wf = nil
	e.handlers = nil
	e.terminal = nil
}

// persistApplyEntry writes the persistence record at the entry of the
// apply phase, including the reporting json a post-reboot startup will
// reuse for its terminal idle report.
func (e *Engine) persistApplyEntry(ctx context.Context) error {
	wf := e.wf

	applied := workflow.Result{ResultCode: workflow.ResultApplySuccess}
	doc := report.New(wf, workflow.StateIdle, &applied, wf.InstalledCriteria)
	raw, err := doc.MarshalBytes()
	if err != nil {
		return err
	}

	return e.store.StoreWorkflow(ctx, &storage.PersistedWorkflow{
		WorkflowID:        wf.ID,
		RetryTimestamp:    wf.RetryTimestamp,
		UpdateType:        wf.UpdateType,
		InstalledCriteria: wf.InstalledCriteria,
		WorkFolder:        wf.WorkFolder,
		CurrentState:      workflow.StateApplyStarted,
		LastReportedState: wf.LastReportedState,
		ReportingJSON:     raw,
	})
}
