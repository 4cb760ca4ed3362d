// Package logkeys defines some static logging keys for consistent structured logging output.
// Mostly exists as a mental aid when drafting log messages.
package logkeys

const (
	Message = "msg"
	Error   = "err"

	// the deployment workflow id issued by the update service
	WorkflowID = "workflow_id"

	// the service-issued retry nonce accompanying a workflow id
	RetryTimestamp = "retry_timestamp"

	UpdateType = "update_type"

	// reported (device-to-cloud) update state
	State = "state"

	// desired (cloud-to-device) update action
	Action = "action"

	// zero-based index of a workflow step
	StepIndex = "step"

	// desired-property document version
	TwinVersion = "twin_version"

	WorkFolder = "work_folder"

	// a context-dependent numerical count/length of something
	GenericCount = "count"
)
