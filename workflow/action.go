package workflow

import "fmt"

// UpdateAction is the cloud-to-device action requested by the update service.
type UpdateAction int

const (
	// legacy single-phase actions. accepted on input for
	// backward-compatibility and flattened to ActionApplyDeployment.
	ActionDownload UpdateAction = 0
	ActionInstall  UpdateAction = 1
	ActionApply    UpdateAction = 2

	// ActionApplyDeployment instructs the agent to run an entire
	// download-install-apply deployment.
	ActionApplyDeployment UpdateAction = 3

	// ActionCancel cancels the active deployment.
	ActionCancel UpdateAction = 255
)

// Valid returns true when a is a known update action.
func (a UpdateAction) Valid() bool {
	switch a {
	case ActionDownload, ActionInstall, ActionApply, ActionApplyDeployment, ActionCancel:
		return true
	}
	return false
}

// Legacy returns true when a is a single-phase action from the old wire protocol.
func (a UpdateAction) Legacy() bool {
	switch a {
	case ActionDownload, ActionInstall, ActionApply:
		return true
	}
	return false
}

func (a UpdateAction) String() string {
	switch a {
	case ActionDownload:
		return "download"
	case ActionInstall:
		return "install"
	case ActionApply:
		return "apply"
	case ActionApplyDeployment:
		return "applyDeployment"
	case ActionCancel:
		return "cancel"
	}
	return fmt.Sprintf("unknown(%d)", int(a))
}
