package dispatcher

import "github.com/arkeep-io/orchestrator/internal/transport"

// deploymentStatusFor implements the status-mapping table in §4.2: given the
// action a terminal command:result was for and whether it succeeded, returns
// the deployment status to apply and whether any change applies at all.
// Every action's failure column maps to "error", which is also what ack and
// completion timeouts apply unconditionally (§7) — there is no action for
// which a failure leaves the deployment untouched.
func deploymentStatusFor(action transport.CommandAction, success bool) (status string, apply bool) {
	if !success {
		return "error", true
	}

	switch action {
	case transport.ActionInstall, transport.ActionConfigure:
		return "stopped", true
	case transport.ActionStart:
		return "running", true
	case transport.ActionStop:
		return "stopped", true
	case transport.ActionUninstall:
		// The row is expected to be deleted by an external code path; the
		// dispatcher only reaches a terminal state and stops touching it.
		return "", false
	default:
		return "", false
	}
}
