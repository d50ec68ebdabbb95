package dispatcher

import (
	"sync"
	"time"

	"github.com/arkeep-io/orchestrator/internal/transport"
	"github.com/google/uuid"
)

// Outcome is the terminal result of a dispatched command, delivered to
// whoever is awaiting it via PendingCommand.resultCh.
type Outcome struct {
	Status  string // success|error|timeout
	Message string
	Data    []byte
}

// ackTimeout applies to every command regardless of action (§4.2 Timeouts).
const ackTimeout = 10 * time.Second

// completionTimeout returns the completion-timeout duration for action,
// per the table in §4.2.
func completionTimeout(action transport.CommandAction) time.Duration {
	switch action {
	case transport.ActionInstall:
		return 10 * time.Minute
	case transport.ActionConfigure, transport.ActionRestart, transport.ActionMountStorage, transport.ActionConfigureKeepalived:
		return time.Minute
	case transport.ActionStart, transport.ActionStop, transport.ActionUnmountStorage:
		return 30 * time.Second
	case transport.ActionUninstall:
		return 2 * time.Minute
	case transport.ActionCheckMount, transport.ActionCheckKeepalived:
		return 10 * time.Second
	default:
		return 60 * time.Second
	}
}

// PendingCommand is the in-memory state for one in-flight command, exclusively
// owned by the Dispatcher (§3 Ownership).
type PendingCommand struct {
	ID                   string
	ServerID             string
	Action               transport.CommandAction
	DeploymentID         *uuid.UUID
	ConnectionGeneration uint64
	CreatedAt            time.Time

	resultCh chan Outcome

	mu              sync.Mutex
	acked           bool
	terminal        bool
	ackTimer        *time.Timer
	completionTimer *time.Timer
}

func newPendingCommand(id, serverID string, action transport.CommandAction, deploymentID *uuid.UUID, generation uint64) *PendingCommand {
	return &PendingCommand{
		ID:                   id,
		ServerID:             serverID,
		Action:               action,
		DeploymentID:         deploymentID,
		ConnectionGeneration: generation,
		CreatedAt:            time.Now(),
		resultCh:             make(chan Outcome, 1),
	}
}

// markAcked cancels the ack timer and reports whether this call was the one
// that transitioned created/pending(ack) -> pending(completion). A duplicate
// or late ack is a no-op.
func (pc *PendingCommand) markAcked() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.terminal || pc.acked {
		return false
	}
	pc.acked = true
	if pc.ackTimer != nil {
		pc.ackTimer.Stop()
	}
	return true
}

// markTerminal transitions the command to terminal exactly once, stopping
// both timers. Returns false if the command was already terminal — callers
// use this to make every terminal-transition path (result, timeout,
// disconnect, generation-rejected) idempotent.
func (pc *PendingCommand) markTerminal() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.terminal {
		return false
	}
	pc.terminal = true
	if pc.ackTimer != nil {
		pc.ackTimer.Stop()
	}
	if pc.completionTimer != nil {
		pc.completionTimer.Stop()
	}
	return true
}

func (pc *PendingCommand) isAcked() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.acked
}
