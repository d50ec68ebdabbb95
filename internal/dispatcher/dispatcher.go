// Package dispatcher implements C7, the Command Dispatcher: best-effort,
// at-most-once-sent, at-most-once-resolved command delivery to agents, with
// explicit ack/completion timeouts and strict correlation back to the
// connection generation that sent the command.
//
// It is grounded on the teacher's scheduler.Scheduler (gocron-driven
// dispatch against agentmanager, durable JobRepository bookkeeping around
// every dispatch) generalized from "one cron tick creates one job" into
// "one call creates one pending command with a two-phase ack/completion
// timeout", which the teacher's fire-and-forget job dispatch never needed.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/arkeep-io/orchestrator/internal/agentconn"
	"github.com/arkeep-io/orchestrator/internal/db"
	"github.com/arkeep-io/orchestrator/internal/eventbus"
	"github.com/arkeep-io/orchestrator/internal/mutexregistry"
	"github.com/arkeep-io/orchestrator/internal/repository"
	"github.com/arkeep-io/orchestrator/internal/transport"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Dispatcher implements C7.
type Dispatcher struct {
	registry    *agentconn.Registry
	locks       *mutexregistry.Locks
	commandLog  repository.CommandLogRepository
	deployments repository.DeploymentRepository
	bus         *eventbus.Hub
	logger      *zap.Logger

	// pendingGauge and resultCounter are optional (may be nil) metrics
	// collectors served over the ops HTTP mux's /metrics endpoint.
	pendingGauge  prometheus.Gauge
	resultCounter *prometheus.CounterVec

	mu      sync.Mutex
	pending map[string]*PendingCommand // keyed by command id string
}

// New creates a Dispatcher. pendingGauge and resultCounter may be nil if
// metrics are not wired; resultCounter is expected to carry "action" and
// "status" labels.
func New(
	registry *agentconn.Registry,
	locks *mutexregistry.Locks,
	commandLog repository.CommandLogRepository,
	deployments repository.DeploymentRepository,
	bus *eventbus.Hub,
	pendingGauge prometheus.Gauge,
	resultCounter *prometheus.CounterVec,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry:      registry,
		locks:         locks,
		commandLog:    commandLog,
		deployments:   deployments,
		bus:           bus,
		pendingGauge:  pendingGauge,
		resultCounter: resultCounter,
		logger:        logger.Named("dispatcher"),
		pending:       make(map[string]*PendingCommand),
	}
}

// Send is the fire-and-forget variant: it returns false if no agent is
// connected for serverID. The command is still tracked for ack/completion
// like any other, so a caller that doesn't want the result can simply
// ignore the returned command id.
func (d *Dispatcher) Send(ctx context.Context, serverID uuid.UUID, action transport.CommandAction, appName string, payload any, deploymentID *uuid.UUID) (uuid.UUID, bool) {
	return d.dispatch(ctx, serverID, action, appName, payload, deploymentID)
}

// SendAndWait sends the command and blocks until it reaches a terminal
// state or ctx is cancelled.
func (d *Dispatcher) SendAndWait(ctx context.Context, serverID uuid.UUID, action transport.CommandAction, appName string, payload any, deploymentID *uuid.UUID) (Outcome, error) {
	id, ok := d.dispatch(ctx, serverID, action, appName, payload, deploymentID)
	if !ok {
		return Outcome{}, fmt.Errorf("dispatcher: no agent connected for server %s", serverID)
	}

	d.mu.Lock()
	pc, ok := d.pending[id.String()]
	d.mu.Unlock()
	if !ok {
		// Already resolved (e.g. the send itself failed synchronously) before
		// the caller could look it up — treat as immediate failure.
		return Outcome{}, fmt.Errorf("dispatcher: command %s resolved before it could be awaited", id)
	}

	select {
	case outcome := <-pc.resultCh:
		return outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// SendMount is SendAndWait specialized for the mount-command action set used
// internally by the mount orchestrator (C10) — the wire shape is identical,
// only the caller's intent differs (§4.2 Operations).
func (d *Dispatcher) SendMount(ctx context.Context, serverID uuid.UUID, action transport.CommandAction, payload any, deploymentID *uuid.UUID) (Outcome, error) {
	return d.SendAndWait(ctx, serverID, action, "", payload, deploymentID)
}

func (d *Dispatcher) dispatch(ctx context.Context, serverID uuid.UUID, action transport.CommandAction, appName string, payload any, deploymentID *uuid.UUID) (uuid.UUID, bool) {
	entry, ok := d.registry.Get(serverID.String())
	if !ok {
		return uuid.UUID{}, false
	}

	id, err := uuid.NewV7()
	if err != nil {
		d.logger.Error("dispatcher: failed to generate command id", zap.Error(err))
		return uuid.UUID{}, false
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("dispatcher: failed to marshal command payload", zap.Error(err))
		return uuid.UUID{}, false
	}
	if string(payloadBytes) == "null" {
		payloadBytes = nil
	}

	cmd := transport.Command{ID: id.String(), Action: action, AppName: appName, Payload: payloadBytes}

	logEntry := &db.CommandLogEntry{
		ServerID:     serverID,
		DeploymentID: deploymentID,
		Action:       string(action),
		Payload:      mustMarshalLog(cmd),
		Status:       "pending",
	}
	logEntry.ID = id
	if err := d.commandLog.Insert(ctx, logEntry); err != nil {
		d.logger.Error("dispatcher: failed to persist command log entry", zap.Error(err))
		return uuid.UUID{}, false
	}

	pc := newPendingCommand(id.String(), serverID.String(), action, deploymentID, entry.Generation)
	d.mu.Lock()
	d.pending[id.String()] = pc
	d.mu.Unlock()
	if d.pendingGauge != nil {
		d.pendingGauge.Inc()
	}

	if err := entry.Conn.Send(cmd); err != nil {
		d.terminal(pc, "error", "agent disconnected", nil, false)
		return id, true
	}

	pc.mu.Lock()
	pc.ackTimer = time.AfterFunc(ackTimeout, func() { d.onAckTimeout(pc) })
	pc.mu.Unlock()

	return id, true
}

// OnAck transitions a pending command from pending(ack) to pending(completion).
func (d *Dispatcher) OnAck(serverID string, ack transport.CommandAck) {
	pc := d.lookup(ack.CommandID)
	if pc == nil || pc.ServerID != serverID {
		return
	}
	if !pc.markAcked() {
		return
	}

	duration := completionTimeout(pc.Action)
	pc.mu.Lock()
	pc.completionTimer = time.AfterFunc(duration, func() { d.onCompletionTimeout(pc) })
	pc.mu.Unlock()
}

// OnResult applies a command:result message. A result arriving on a
// generation older than the server's current one is logged but never
// resolves the future (§4.2 Generation gating).
func (d *Dispatcher) OnResult(serverID string, result transport.CommandResult) {
	pc := d.lookup(result.CommandID)
	if pc == nil || pc.ServerID != serverID {
		return
	}

	current, _ := d.registry.Generation(serverID)
	if pc.ConnectionGeneration != current {
		if !pc.markTerminal() {
			return
		}
		d.logger.Info("dispatcher: dropping stale command result from prior generation",
			zap.String("server_id", serverID),
			zap.String("command_id", result.CommandID),
		)
		d.forget(pc)
		d.recordResultLog(pc, result)
		return
	}

	d.terminal(pc, result.Status, result.Message, result.Data, true)
}

// FailAllForServer fails every pending command for serverID with a terminal
// "agent disconnected" error (§4.1 Teardown step 3). Deployment status is
// left untouched, per §7 Disconnect mid-command.
func (d *Dispatcher) FailAllForServer(serverID string) {
	d.mu.Lock()
	var toFail []*PendingCommand
	for _, pc := range d.pending {
		if pc.ServerID == serverID {
			toFail = append(toFail, pc)
		}
	}
	d.mu.Unlock()

	for _, pc := range toFail {
		d.terminal(pc, "error", "agent disconnected", nil, false)
	}
}

// FailAllShuttingDown fails every still-pending command across all servers
// with a "shutting down" error, used once the shutdown drain deadline hits
// (§5 Graceful shutdown step 2).
func (d *Dispatcher) FailAllShuttingDown() {
	d.mu.Lock()
	all := make([]*PendingCommand, 0, len(d.pending))
	for _, pc := range d.pending {
		all = append(all, pc)
	}
	d.mu.Unlock()

	for _, pc := range all {
		d.terminal(pc, "error", "shutting down", nil, false)
	}
}

// PendingCount returns the number of commands awaiting a terminal result,
// used by the shutdown drain loop to detect when it can stop waiting early.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) onAckTimeout(pc *PendingCommand) {
	if pc.isAcked() {
		return
	}
	d.logger.Warn("dispatcher: ack timeout",
		zap.String("command_id", pc.ID), zap.String("action", string(pc.Action)),
		zap.String("age", humanize.Time(pc.CreatedAt)))
	d.terminal(pc, "timeout", "Agent did not acknowledge command", nil, true)
}

func (d *Dispatcher) onCompletionTimeout(pc *PendingCommand) {
	d.logger.Warn("dispatcher: completion timeout",
		zap.String("command_id", pc.ID), zap.String("action", string(pc.Action)),
		zap.String("age", humanize.Time(pc.CreatedAt)))
	d.terminal(pc, "timeout", "Agent did not complete command", nil, true)
}

// terminal performs the one terminal transition for pc: persists the
// command-log row, optionally applies the deployment status mapping under
// the deployment's mutex, publishes command:result, and resolves the
// caller's channel. It is a no-op if pc already reached a terminal state.
func (d *Dispatcher) terminal(pc *PendingCommand, status, message string, data []byte, applyDeploymentMapping bool) {
	if !pc.markTerminal() {
		return
	}
	d.forget(pc)
	if d.resultCounter != nil {
		d.resultCounter.WithLabelValues(string(pc.Action), status).Inc()
	}

	now := time.Now()
	if err := d.commandLog.Update(context.Background(), mustParseUUID(pc.ID), status, message, &now); err != nil {
		d.logger.Warn("dispatcher: failed to update command log", zap.String("command_id", pc.ID), zap.Error(err))
	}

	if applyDeploymentMapping && pc.DeploymentID != nil {
		newStatus, apply := deploymentStatusFor(pc.Action, status == "success")
		if apply {
			depID := pc.DeploymentID.String()
			ctx := context.Background()
			err := d.locks.WithDeploymentLock(ctx, depID, func(ctx context.Context) error {
				return d.deployments.SetStatus(ctx, *pc.DeploymentID, newStatus, message)
			})
			if err != nil {
				d.logger.Warn("dispatcher: failed to apply deployment status mapping",
					zap.String("deployment_id", depID), zap.Error(err))
			}
		}
	}

	if d.bus != nil {
		d.bus.PublishServerEvent(pc.ServerID, eventbus.Event{
			Type:  eventbus.EventCommandResult,
			Topic: "server:" + pc.ServerID,
			Payload: eventbus.CommandResultPayload{
				ServerID:  pc.ServerID,
				CommandID: pc.ID,
				Status:    status,
				Message:   message,
			},
		})
	}

	select {
	case pc.resultCh <- Outcome{Status: status, Message: message, Data: data}:
	default:
	}
}

// recordResultLog persists a stale (generation-rejected) result's status
// without resolving anything or touching deployment state — it is logged
// for audit purposes only (§4.2 Generation gating).
func (d *Dispatcher) recordResultLog(pc *PendingCommand, result transport.CommandResult) {
	now := time.Now()
	if err := d.commandLog.Update(context.Background(), mustParseUUID(pc.ID), result.Status, result.Message, &now); err != nil {
		d.logger.Warn("dispatcher: failed to record stale command result", zap.String("command_id", pc.ID), zap.Error(err))
	}
}

func (d *Dispatcher) lookup(commandID string) *PendingCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending[commandID]
}

func (d *Dispatcher) forget(pc *PendingCommand) {
	d.mu.Lock()
	_, existed := d.pending[pc.ID]
	delete(d.pending, pc.ID)
	d.mu.Unlock()
	if existed && d.pendingGauge != nil {
		d.pendingGauge.Dec()
	}
}

func mustMarshalLog(cmd transport.Command) string {
	b, err := json.Marshal(cmd)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func mustParseUUID(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}
	}
	return id
}
