// Package engine implements the NanoUPDATE deployment workflow engine.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/micromdm/nanoupdate/engine/storage"
	"github.com/micromdm/nanoupdate/handler"
	"github.com/micromdm/nanoupdate/logkeys"
	"github.com/micromdm/nanoupdate/report"
	"github.com/micromdm/nanoupdate/twin"
	"github.com/micromdm/nanoupdate/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	ErrNoActiveDeployment = errors.New("no active deployment")
	ErrWorkflowMismatch   = errors.New("workflow id does not match active deployment")
)

// DefaultWorkRoot is where deployment work folders are created unless configured.
const DefaultWorkRoot = "/var/lib/nanoupdate/downloads"

// Capabilities bundle the system operations the engine invokes between
// persisted phases. A zero return signals success. Test assemblies
// inject fakes; production wires real system calls.
type Capabilities struct {
	RebootSystem func() int
	RestartAgent func() int
}

func unavailable() int { return -1 }

// StartupProperties are merged into the startup message sent once the
// twin transport connects.
type StartupProperties struct {
	Manufacturer string
	Model        string
	InterfaceID  string
	AgentVersion string

	// CompatPropertyNames configures the compatPropertyNames startup
	// value. Empty uses the default.
	CompatPropertyNames string

	// TelemetryVersions includes agent version telemetry in the
	// startup message when enabled.
	TelemetryVersions bool
}

// DefaultCompatPropertyNames is sent when no override is configured.
const DefaultCompatPropertyNames = "manufacturer,model"

// pendingTerminal is a terminal transition awaiting a successful report.
// The workflow is only released (and its resources reclaimed) after
// the terminal report is delivered.
type pendingTerminal struct {
	state             workflow.UpdateState
	result            workflow.Result
	installedUpdateID string
}

// Engine coordinates deployment workflows between the device twin and
// content handlers. The engine owns at most one workflow at a time and
// processes twin events and work ticks one at a time in arrival order.
type Engine struct {
	mu sync.Mutex

	wf       *workflow.Workflow
	handlers map[string]handler.ContentHandler

	registry *handler.Registry
	store    storage.Storage
	sender   twin.Sender

	caps     Capabilities
	props    StartupProperties
	workRoot string

	logger log.Logger

	terminal *pendingTerminal

	// identity of the last deployment reported terminal; used to
	// recognize service replays.
	lastTerminalID string
	lastTerminalRT string
	haveTerminal   bool

	// a reboot or agent restart has been requested; the deployment
	// resolves after the next startup's IsInstalled verification.
	restartPending bool

	// startup resume could not complete (e.g. report send failed);
	// retried on work ticks.
	resumeRetry bool

	destroyed bool
}

// Options configure the engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithCapabilities sets the system capability functions.
func WithCapabilities(caps Capabilities) Option {
	return func(e *Engine) {
		if caps.RebootSystem != nil {
			e.caps.RebootSystem = caps.RebootSystem
		}
		if caps.RestartAgent != nil {
			e.caps.RestartAgent = caps.RestartAgent
		}
	}
}

// WithWorkRoot sets the directory deployment work folders are created under.
func WithWorkRoot(path string) Option {
	return func(e *Engine) {
		e.workRoot = path
	}
}

// WithStartupProperties sets the device properties sent in the startup message.
func WithStartupProperties(props StartupProperties) Option {
	return func(e *Engine) {
		e.props = props
	}
}

// New creates a new deployment workflow engine.
func New(store storage.Storage, registry *handler.Registry, sender twin.Sender, opts ...Option) *Engine {
	engine := &Engine{
		store:    store,
		registry: registry,
		sender:   sender,
		caps: Capabilities{
			RebootSystem: unavailable,
			RestartAgent: unavailable,
		},
		workRoot: DefaultWorkRoot,
		logger:   log.NopLogger,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// handlerFor lazily instantiates the content handler for updateType.
// Handler instances belong to the active workflow and are released with it.
func (e *Engine) handlerFor(updateType string) (handler.ContentHandler, error) {
	if h, ok := e.handlers[updateType]; ok {
		return h, nil
	}
	h, err := e.registry.Lookup(updateType)
	if err != nil {
		return nil, err
	}
	if e.handlers == nil {
		e.handlers = make(map[string]handler.ContentHandler)
	}
	e.handlers[updateType] = h
	return h, nil
}

// Connected is invoked once the twin transport is ready.
// If no workflow is in memory a persisted one is loaded and resolved
// via post-boot verification. A startup message and a startup state
// report are always emitted.
func (e *Engine) Connected(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	logger := ctxlog.Logger(ctx, e.logger)

	reported := false
	if e.wf == nil {
		var err error
		if reported, err = e.loadPersisted(ctx); err != nil {
			logger.Info(logkeys.Message, "resuming persisted workflow", logkeys.Error, err)
			e.resumeRetry = true
			reported = true // the retried resume emits the startup report
		}
	}

	if err := e.sendStartupMessage(ctx); err != nil {
		logger.Info(logkeys.Message, "sending startup message", logkeys.Error, err)
	}

	if !reported && e.wf == nil {
		// fresh start with nothing in flight: report idle
		result := workflow.Result{ResultCode: workflow.ResultSuccess}
		if err := e.reportState(ctx, workflow.StateIdle, &result, ""); err != nil {
			logger.Info(logkeys.Message, "reporting startup idle", logkeys.Error, err)
		}
	}
	return nil
}

// DesiredProperty ingests one desired-property document at the given
// twin version. Malformed documents are acknowledged with a failure
// status and cause no state change.
func (e *Engine) DesiredProperty(ctx context.Context, value json.RawMessage, version int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	logger := ctxlog.Logger(ctx, e.logger).With(logkeys.TwinVersion, version)

	d, err := workflow.ParseDesired(value)
	if err != nil {
		logger.Info(logkeys.Message, "parsing desired document", logkeys.Error, err)
		e.sendAck(ctx, value, twin.AckBadRequest, version)
		return nil
	}

	logger = logger.With(
		logkeys.WorkflowID, d.Workflow.ID,
		logkeys.Action, d.Workflow.Action.String(),
	)

	switch d.Workflow.Action {
	case workflow.ActionCancel:
		e.sendAck(ctx, value, twin.AckSuccess, version)
		e.handleCancelAction(ctx, logger, d)
	case workflow.ActionApplyDeployment:
		e.handleApplyDeployment(ctx, logger, d, value, version)
	default:
		// ParseDesired flattens legacy actions; anything else is a bug
		logger.Info(logkeys.Error, "unhandled update action")
		e.sendAck(ctx, value, twin.AckBadRequest, version)
	}
	return nil
}

// handleCancelAction resolves a desired cancel per the action rules.
func (e *Engine) handleCancelAction(ctx context.Context, logger log.Logger, d *workflow.Desired) {
	if e.wf != nil && e.wf.ID == d.Workflow.ID && !e.wf.State.Terminal() {
		logger.Debug(logkeys.Message, "cancel requested")
		e.wf.RequestCancel()
		return
	}
	// nothing to cancel; converge by reporting idle
	logger.Debug(logkeys.Message, "cancel with no matching deployment")
	result := workflow.Result{ResultCode: workflow.ResultSuccess}
	if err := e.reportState(ctx, workflow.StateIdle, &result, ""); err != nil {
		logger.Info(logkeys.Message, "reporting idle", logkeys.Error, err)
	}
}

// handleApplyDeployment resolves a desired deployment: duplicate,
// conflict, replay, or adoption.
func (e *Engine) handleApplyDeployment(ctx context.Context, logger log.Logger, d *workflow.Desired, value json.RawMessage, version int) {
	id, rt := d.Workflow.ID, d.Workflow.RetryTimestamp

	if e.wf != nil && !e.wf.State.Terminal() {
		if e.wf.Matches(id, rt) {
			// duplicate delivery of the in-flight deployment
			logger.Debug(logkeys.Message, "deployment already in progress")
			e.sendAck(ctx, value, twin.AckSuccess, version)
			return
		}
		// adopting would abandon a non-terminal deployment
		logger.Info(
			logkeys.Message, "rejecting deployment",
			logkeys.Error, "another deployment is in progress",
			logkeys.RetryTimestamp, rt,
		)
		e.sendAck(ctx, value, twin.AckBadRequest, version)
		return
	}

	if e.haveTerminal && e.lastTerminalID == id && e.lastTerminalRT == rt {
		// service replay of an observed terminal deployment:
		// re-run from the download phase
		logger.Debug(logkeys.Message, "replaying deployment")
	}

	e.sendAck(ctx, value, twin.AckSuccess, version)
	e.adopt(ctx, logger, d)
}

// adopt creates and activates a workflow from a parsed desired document.
func (e *Engine) adopt(ctx context.Context, logger log.Logger, d *workflow.Desired) {
	wf, err := workflow.New(d, e.workRoot)
	if err != nil {
		logger.Info(logkeys.Message, "building workflow", logkeys.Error, err)
		e.reportAdoptFailure(ctx, logger, d, workflow.ErcParseDesired, err)
		return
	}
	if err = os.MkdirAll(wf.WorkFolder, 0o755); err != nil {
		logger.Info(logkeys.Message, "creating work folder", logkeys.Error, err)
		e.reportAdoptFailure(ctx, logger, d, workflow.ErcWorkFolder, err)
		return
	}

	wf.State = workflow.StateDeploymentInProgress
	wf.Result = workflow.Result{ResultCode: workflow.ResultDeploymentInProgress}
	e.wf = wf
	e.handlers = make(map[string]handler.ContentHandler)
	e.restartPending = false
	e.terminal = nil

	logger.Debug(
		logkeys.Message, "deployment adopted",
		logkeys.UpdateType, wf.UpdateType,
		logkeys.GenericCount, wf.StepCount(),
		logkeys.WorkFolder, wf.WorkFolder,
	)

	// initial report; a failed send is retried on the next work tick
	if err = e.reportState(ctx, workflow.StateDeploymentInProgress, nil, ""); err != nil {
		logger.Info(logkeys.Message, "reporting deployment in progress", logkeys.Error, err)
	}
}

// reportAdoptFailure emits a service-visible failure for a deployment
// that could not be adopted.
func (e *Engine) reportAdoptFailure(ctx context.Context, logger log.Logger, d *workflow.Desired, erc int32, cause error) {
	wf := &workflow.Workflow{
		ID:             d.Workflow.ID,
		RetryTimestamp: d.Workflow.RetryTimestamp,
		Action:         d.Workflow.Action,
	}
	result := workflow.Result{
		ResultCode:         workflow.ResultFailure,
		ExtendedResultCode: erc,
		ResultDetails:      cause.Error(),
	}
	doc := report.New(wf, workflow.StateFailed, &result, "")
	if err := e.sendReportDoc(ctx, doc); err != nil {
		logger.Info(logkeys.Message, "reporting adoption failure", logkeys.Error, err)
	}
}

// CancelDeployment flags the active deployment for cooperative
// cancellation. Exposed for the local API.
func (e *Engine) CancelDeployment(workflowID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wf == nil || e.wf.State.Terminal() {
		return ErrNoActiveDeployment
	}
	if workflowID != "" && e.wf.ID != workflowID {
		return fmt.Errorf("%w: %s", ErrWorkflowMismatch, workflowID)
	}
	e.wf.RequestCancel()
	return nil
}

// Status is a point-in-time snapshot of the engine for the local API.
type Status struct {
	WorkflowID        string               `json:"workflow_id,omitempty"`
	RetryTimestamp    string               `json:"retry_timestamp,omitempty"`
	UpdateType        string               `json:"update_type,omitempty"`
	State             workflow.UpdateState `json:"state"`
	LastReportedState workflow.UpdateState `json:"last_reported_state"`
	StepCount         int                  `json:"step_count,omitempty"`
	RestartPending    bool                 `json:"restart_pending,omitempty"`
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	status := Status{RestartPending: e.restartPending}
	if e.wf != nil {
		status.WorkflowID = e.wf.ID
		status.RetryTimestamp = e.wf.RetryTimestamp
		status.UpdateType = e.wf.UpdateType
		status.State = e.wf.State
		status.LastReportedState = e.wf.LastReportedState
		status.StepCount = e.wf.StepCount()
	}
	return status
}

// Destroy shuts the engine down best-effort. In-flight phases finish at
// their next safe point; persisted state enables resume on restart.
func (e *Engine) Destroy(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ctxlog.Logger(ctx, e.logger).Info(logkeys.Message, "agent stopping")
	e.destroyed = true
	return nil
}

// reportState builds and sends a reported document for the active
// workflow at state. The workflow's last-reported state is only
// updated after a successful send.
func (e *Engine) reportState(ctx context.Context, state workflow.UpdateState, result *workflow.Result, installedUpdateID string) error {
	logger := ctxlog.Logger(ctx, e.logger).With(logkeys.State, state.String())
	if !ShouldReport(state) {
		logger.Debug(logkeys.Message, "skipping report of state")
		return nil
	}
	doc := report.New(e.wf, state, result, installedUpdateID)
	if err := e.sendReportDoc(ctx, doc); err != nil {
		logger.Info(logkeys.Message, "send reported state", logkeys.Error, err)
		return err
	}
	if e.wf != nil {
		e.wf.LastReportedState = state
	}
	logger.Debug(logkeys.Message, "reported state")
	return nil
}

// sendReportDoc wraps doc as the agent property and sends it.
func (e *Engine) sendReportDoc(ctx context.Context, doc *report.Document) error {
	raw, err := doc.MarshalBytes()
	if err != nil {
		return fmt.Errorf("marshal reported document: %w", err)
	}
	payload, err := twin.WrapReported(twin.PropertyAgent, raw)
	if err != nil {
		return fmt.Errorf("wrap reported document: %w", err)
	}
	return e.sender.SendReported(ctx, payload)
}

// sendAck acknowledges a desired document with an HTTP-style status and
// the document's twin version. The echoed document is redacted to bound
// twin size. Send failures are logged; acks are not retried.
func (e *Engine) sendAck(ctx context.Context, value json.RawMessage, ackCode, version int) {
	logger := ctxlog.Logger(ctx, e.logger).With(logkeys.TwinVersion, version)
	redacted, err := twin.Redact(value)
	if err != nil {
		logger.Debug(logkeys.Message, "redacting desired document", logkeys.Error, err)
		redacted = nil
	}
	payload, err := twin.WrapAck(redacted, ackCode, version)
	if err != nil {
		logger.Info(logkeys.Message, "building ack", logkeys.Error, err)
		return
	}
	if err = e.sender.SendReported(ctx, payload); err != nil {
		logger.Info(logkeys.Message, "sending ack", logkeys.Error, err)
	}
}
