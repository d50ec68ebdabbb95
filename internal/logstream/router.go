// Package logstream implements C8, the Log Stream Router: per-deployment log
// subscriptions shared across UI clients, agent-side streaming lifecycle,
// and one-shot log fetches.
//
// It is grounded on the teacher's notification fan-out (pub/sub keyed by
// topic, per-client subscription bookkeeping for disconnect cleanup) from
// _ref_notification, generalized from a single user-scoped topic into one
// subscription per deploymentId shared by any number of watching clients.
package logstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arkeep-io/orchestrator/internal/agentconn"
	"github.com/arkeep-io/orchestrator/internal/eventbus"
	"github.com/arkeep-io/orchestrator/internal/repository"
	"github.com/arkeep-io/orchestrator/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestLogsTimeout = 30 * time.Second

// subscription is one live log stream, shared by every client watching its
// deployment.
type subscription struct {
	streamID     string
	deploymentID uuid.UUID
	serverID     uuid.UUID
	appName      string
	clients      map[string]struct{}
}

// Router implements C8.
type Router struct {
	deployments repository.DeploymentRepository
	manifests   repository.AppManifestRepository
	registry    *agentconn.Registry
	bus         *eventbus.Hub
	logger      *zap.Logger

	mu              sync.Mutex
	byStream        map[string]*subscription
	byDeployment    map[uuid.UUID]*subscription
	clientStreams   map[string]map[string]struct{} // clientID -> set of streamIDs

	pendingMu     sync.Mutex
	pending       map[string]chan transport.LogsResult // one-shot getLogs, keyed by command id
	pendingServer map[string]uuid.UUID                  // command id -> owning server, for teardown
}

// New creates a Router.
func New(
	deployments repository.DeploymentRepository,
	manifests repository.AppManifestRepository,
	registry *agentconn.Registry,
	bus *eventbus.Hub,
	logger *zap.Logger,
) *Router {
	return &Router{
		deployments:   deployments,
		manifests:     manifests,
		registry:      registry,
		bus:           bus,
		logger:        logger.Named("logstream"),
		byStream:      make(map[string]*subscription),
		byDeployment:  make(map[uuid.UUID]*subscription),
		clientStreams: make(map[string]map[string]struct{}),
		pending:       make(map[string]chan transport.LogsResult),
		pendingServer: make(map[string]uuid.UUID),
	}
}

// Subscribe joins clientID to the log stream for deploymentID, starting a
// new agent-side stream if none exists yet (§4.4 Subscribe flow).
func (r *Router) Subscribe(ctx context.Context, clientID string, deploymentID uuid.UUID) error {
	deployment, err := r.deployments.GetByID(ctx, deploymentID)
	if err != nil {
		r.publishStatus(deploymentID, "", "error", "deployment not found")
		return fmt.Errorf("logstream: resolve deployment: %w", err)
	}

	entry, online := r.registry.Get(deployment.ServerID.String())
	if !online {
		r.publishStatus(deploymentID, "", "error", "agent offline")
		return fmt.Errorf("logstream: server %s is not connected", deployment.ServerID)
	}

	r.mu.Lock()
	if sub, ok := r.byDeployment[deploymentID]; ok {
		sub.clients[clientID] = struct{}{}
		r.addClientStreamLocked(clientID, sub.streamID)
		r.mu.Unlock()
		r.publishStatus(deploymentID, sub.streamID, "started", "joined existing stream")
		return nil
	}
	r.mu.Unlock()

	serviceName := deployment.AppName
	if manifest, err := r.manifests.Get(ctx, deployment.AppName); err == nil && manifest.LoggingServiceName != "" {
		serviceName = manifest.LoggingServiceName
	}

	streamID := fmt.Sprintf("%s-%d", deploymentID, time.Now().UnixNano())
	sub := &subscription{
		streamID:     streamID,
		deploymentID: deploymentID,
		serverID:     deployment.ServerID,
		appName:      deployment.AppName,
		clients:      map[string]struct{}{clientID: {}},
	}

	r.mu.Lock()
	r.byStream[streamID] = sub
	r.byDeployment[deploymentID] = sub
	r.addClientStreamLocked(clientID, streamID)
	r.mu.Unlock()

	payload := map[string]string{"serviceName": serviceName}
	cmd, err := marshalCommand(streamID, transport.ActionStreamLogs, deployment.AppName, payload)
	if err != nil {
		return fmt.Errorf("logstream: build streamLogs command: %w", err)
	}
	if err := entry.Conn.Send(cmd); err != nil {
		r.teardown(streamID, "error", "failed to reach agent")
		return fmt.Errorf("logstream: send streamLogs: %w", err)
	}

	return nil
}

// Unsubscribe removes clientID from streamID's subscriber set, sending
// stopStreamLogs to the agent and deleting the subscription once the last
// client leaves.
func (r *Router) Unsubscribe(clientID, streamID string) {
	r.mu.Lock()
	sub, ok := r.byStream[streamID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(sub.clients, clientID)
	empty := len(sub.clients) == 0
	r.mu.Unlock()

	r.untrackClientStream(clientID, streamID)

	if empty {
		r.stopStream(sub)
	}
}

// OnClientDisconnect unsubscribes clientID from every stream it had joined.
func (r *Router) OnClientDisconnect(clientID string) {
	r.mu.Lock()
	streamIDs := make([]string, 0, len(r.clientStreams[clientID]))
	for id := range r.clientStreams[clientID] {
		streamIDs = append(streamIDs, id)
	}
	r.mu.Unlock()

	for _, id := range streamIDs {
		r.Unsubscribe(clientID, id)
	}
}

func (r *Router) stopStream(sub *subscription) {
	entry, online := r.registry.Get(sub.serverID.String())
	if online {
		cmd, err := marshalCommand(sub.streamID, transport.ActionStopStreamLogs, sub.appName, nil)
		if err == nil {
			if err := entry.Conn.Send(cmd); err != nil {
				r.logger.Warn("logstream: failed to send stopStreamLogs",
					zap.String("stream_id", sub.streamID), zap.Error(err))
			}
		}
	}

	r.mu.Lock()
	delete(r.byStream, sub.streamID)
	delete(r.byDeployment, sub.deploymentID)
	r.mu.Unlock()
}

// HandleStreamLine forwards one log line to every subscriber of streamID as
// a deployment:log event (§4.4 Fan-out).
func (r *Router) HandleStreamLine(line transport.LogsStreamLine) {
	r.mu.Lock()
	sub, ok := r.byStream[line.StreamID]
	r.mu.Unlock()
	if !ok {
		return
	}

	r.bus.PublishDeploymentEvent(sub.deploymentID.String(), eventbus.Event{
		Type:  eventbus.EventDeploymentLog,
		Topic: topicFor(sub.deploymentID),
		Payload: eventbus.DeploymentLogPayload{
			DeploymentID: sub.deploymentID.String(),
			Line:         line.Line,
			Timestamp:    line.Timestamp,
		},
	})
}

// HandleStreamStatus forwards a stream lifecycle transition as
// deployment:log:status and tears down the subscription on stopped/error
// (§4.4 Fan-out).
func (r *Router) HandleStreamStatus(status transport.LogsStreamStatus) {
	r.mu.Lock()
	sub, ok := r.byStream[status.StreamID]
	r.mu.Unlock()
	if !ok {
		return
	}

	r.publishStatus(sub.deploymentID, sub.streamID, status.Status, status.Message)

	if status.Status == "stopped" || status.Status == "error" {
		r.mu.Lock()
		delete(r.byStream, sub.streamID)
		delete(r.byDeployment, sub.deploymentID)
		r.mu.Unlock()
	}
}

func (r *Router) teardown(streamID, status, message string) {
	r.mu.Lock()
	sub, ok := r.byStream[streamID]
	if ok {
		delete(r.byStream, streamID)
		delete(r.byDeployment, sub.deploymentID)
	}
	r.mu.Unlock()
	if ok {
		r.publishStatus(sub.deploymentID, streamID, status, message)
	}
}

func (r *Router) publishStatus(deploymentID uuid.UUID, streamID, status, message string) {
	r.bus.PublishDeploymentEvent(deploymentID.String(), eventbus.Event{
		Type:  eventbus.EventDeploymentLogStatus,
		Topic: topicFor(deploymentID),
		Payload: eventbus.DeploymentLogStatusPayload{
			DeploymentID: deploymentID.String(),
			StreamID:     streamID,
			Status:       status,
			Message:      message,
		},
	})
}

// RequestLogs sends a one-shot getLogs command and resolves on the matching
// logs:result. It returns an error once requestLogsTimeout (30s) elapses or
// ctx is done. If the agent disconnects first, FailAllForServer resolves it
// with a LogsResult whose Status is "error" and a nil error (§4.4 One-shot
// logs).
func (r *Router) RequestLogs(ctx context.Context, serverID uuid.UUID, appName string, opts any) (transport.LogsResult, error) {
	entry, online := r.registry.Get(serverID.String())
	if !online {
		return transport.LogsResult{}, fmt.Errorf("logstream: server %s is not connected", serverID)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return transport.LogsResult{}, fmt.Errorf("logstream: generate request id: %w", err)
	}
	requestID := id.String()

	ch := make(chan transport.LogsResult, 1)
	r.pendingMu.Lock()
	r.pending[requestID] = ch
	r.pendingServer[requestID] = serverID
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, requestID)
		delete(r.pendingServer, requestID)
		r.pendingMu.Unlock()
	}()

	cmd, err := marshalCommand(requestID, transport.ActionGetLogs, appName, opts)
	if err != nil {
		return transport.LogsResult{}, fmt.Errorf("logstream: build getLogs command: %w", err)
	}
	if err := entry.Conn.Send(cmd); err != nil {
		return transport.LogsResult{}, fmt.Errorf("logstream: send getLogs: %w", err)
	}

	timeout := time.NewTimer(requestLogsTimeout)
	defer timeout.Stop()

	select {
	case result := <-ch:
		return result, nil
	case <-timeout.C:
		return transport.LogsResult{}, fmt.Errorf("logstream: getLogs timed out for server %s", serverID)
	case <-ctx.Done():
		return transport.LogsResult{}, ctx.Err()
	}
}

// HandleLogsResult resolves the pending RequestLogs call matching result's
// command id, if any is still waiting.
func (r *Router) HandleLogsResult(result transport.LogsResult) {
	r.pendingMu.Lock()
	ch, ok := r.pending[result.CommandID]
	r.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- result:
	default:
	}
}

// FailAllForServer tears down every subscription and resolves every pending
// one-shot request owned by serverID without contacting the agent, since its
// transport is already gone (§4.1 Teardown step 3, "fail every pending log
// request").
func (r *Router) FailAllForServer(serverID uuid.UUID) {
	r.mu.Lock()
	var affected []*subscription
	for _, sub := range r.byDeployment {
		if sub.serverID == serverID {
			affected = append(affected, sub)
		}
	}
	for _, sub := range affected {
		delete(r.byStream, sub.streamID)
		delete(r.byDeployment, sub.deploymentID)
	}
	r.mu.Unlock()

	for _, sub := range affected {
		r.publishStatus(sub.deploymentID, sub.streamID, "error", "agent disconnected")
	}

	r.pendingMu.Lock()
	var requestIDs []string
	for id, owner := range r.pendingServer {
		if owner == serverID {
			requestIDs = append(requestIDs, id)
		}
	}
	chans := make([]chan transport.LogsResult, 0, len(requestIDs))
	for _, id := range requestIDs {
		chans = append(chans, r.pending[id])
	}
	r.pendingMu.Unlock()

	for i, ch := range chans {
		select {
		case ch <- transport.LogsResult{CommandID: requestIDs[i], Status: "error"}:
		default:
		}
	}
}

// addClientStreamLocked requires r.mu to already be held by the caller.
func (r *Router) addClientStreamLocked(clientID, streamID string) {
	if r.clientStreams[clientID] == nil {
		r.clientStreams[clientID] = make(map[string]struct{})
	}
	r.clientStreams[clientID][streamID] = struct{}{}
}

func (r *Router) untrackClientStream(clientID, streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.clientStreams[clientID]; ok {
		delete(set, streamID)
		if len(set) == 0 {
			delete(r.clientStreams, clientID)
		}
	}
}

func topicFor(deploymentID uuid.UUID) string {
	return "deployment:" + deploymentID.String()
}
