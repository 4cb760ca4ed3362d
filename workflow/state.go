package workflow

import "fmt"

// UpdateState is the device-to-cloud state the agent reports to the update service.
type UpdateState int

// Values 1 and 2 are reserved by the legacy wire protocol
// (single-phase download states) and are never reported.
const (
	StateIdle                 UpdateState = 0
	StateDeploymentInProgress UpdateState = 3
	StateDownloadStarted      UpdateState = 4
	StateDownloadSucceeded    UpdateState = 5
	StateInstallStarted       UpdateState = 6
	StateInstallSucceeded     UpdateState = 7
	StateApplyStarted         UpdateState = 8
	StateFailed               UpdateState = 255
)

// Valid returns true when s is a state the agent may report.
func (s UpdateState) Valid() bool {
	switch s {
	case StateIdle, StateDeploymentInProgress,
		StateDownloadStarted, StateDownloadSucceeded,
		StateInstallStarted, StateInstallSucceeded,
		StateApplyStarted, StateFailed:
		return true
	}
	return false
}

// Terminal returns true when s ends a deployment.
func (s UpdateState) Terminal() bool {
	return s == StateIdle || s == StateFailed
}

func (s UpdateState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDeploymentInProgress:
		return "deploymentInProgress"
	case StateDownloadStarted:
		return "downloadStarted"
	case StateDownloadSucceeded:
		return "downloadSucceeded"
	case StateInstallStarted:
		return "installStarted"
	case StateInstallSucceeded:
		return "installSucceeded"
	case StateApplyStarted:
		return "applyStarted"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}
