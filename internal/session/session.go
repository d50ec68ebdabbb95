// Package session implements C11, the Agent Session: the glue between one
// physical agent connection and every other component (C5-C10). It
// implements transport.Acceptor, runs the connect bring-up and disconnect
// teardown sequences, and drives a 30s heartbeat per connection. The
// stale-connection sweep (SweepStale) runs on its own cadence, driven by
// internal/scheduler.
//
// It is grounded on the teacher's agentmanager.Manager (mutex-guarded
// connect/disconnect registry, Register logs a replace-on-duplicate warning,
// a reconnect poll loop) generalized from "map of streams" into the fuller
// bring-up/teardown state machine this domain's reconnect-displacement and
// liveness-sweep requirements need, which the teacher's always-on gRPC
// stream never had to reason about.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/arkeep-io/orchestrator/internal/agentconn"
	"github.com/arkeep-io/orchestrator/internal/dispatcher"
	"github.com/arkeep-io/orchestrator/internal/eventbus"
	"github.com/arkeep-io/orchestrator/internal/logstream"
	"github.com/arkeep-io/orchestrator/internal/mount"
	"github.com/arkeep-io/orchestrator/internal/mutexregistry"
	"github.com/arkeep-io/orchestrator/internal/reconciler"
	"github.com/arkeep-io/orchestrator/internal/repository"
	"github.com/arkeep-io/orchestrator/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	heartbeatInterval = 30 * time.Second
	staleAfter        = 90 * time.Second
)

// Manager implements transport.Acceptor (C11), wiring every connected agent
// to the dispatcher, log router, reconciler and mount orchestrator.
type Manager struct {
	registry    *agentconn.Registry
	auth        *agentconn.Authenticator
	locks       *mutexregistry.Locks
	servers     repository.ServerRepository
	dispatcher  *dispatcher.Dispatcher
	logstream   *logstream.Router
	reconciler  *reconciler.Reconciler
	mounts      *mount.Orchestrator
	bus         *eventbus.Hub
	logger      *zap.Logger

	hbMu       sync.Mutex
	heartbeats map[*agentconn.Entry]context.CancelFunc
}

// New creates a Manager.
func New(
	registry *agentconn.Registry,
	auth *agentconn.Authenticator,
	locks *mutexregistry.Locks,
	servers repository.ServerRepository,
	disp *dispatcher.Dispatcher,
	logs *logstream.Router,
	rec *reconciler.Reconciler,
	mounts *mount.Orchestrator,
	bus *eventbus.Hub,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		registry:   registry,
		auth:       auth,
		locks:      locks,
		servers:    servers,
		dispatcher: disp,
		logstream:  logs,
		reconciler: rec,
		mounts:     mounts,
		bus:        bus,
		logger:     logger.Named("session"),
		heartbeats: make(map[*agentconn.Entry]context.CancelFunc),
	}
}

// Accept implements transport.Acceptor. It authenticates the connection,
// runs bring-up under the server's mutex, then blocks running the
// connection's read/write pumps for the lifetime of the session (§4.1).
func (m *Manager) Accept(ctx context.Context, auth transport.AgentAuth, conn *transport.Conn) {
	server, err := m.auth.Authenticate(ctx, auth)
	if err != nil {
		m.logger.Warn("session: rejecting connection", zap.String("server_id", auth.ServerID), zap.Error(err))
		_ = conn.Close()
		return
	}

	serverID := server.ID.String()

	var entry *agentconn.Entry
	err = m.locks.WithServerLock(ctx, serverID, func(ctx context.Context) error {
		entry = m.bringUp(ctx, server.ID, conn)
		return nil
	})
	if err != nil {
		m.logger.Error("session: bring-up failed", zap.String("server_id", serverID), zap.Error(err))
		_ = conn.Close()
		return
	}

	handler := &sessionHandler{mgr: m, serverID: server.ID, entry: entry}
	conn.Run(handler)
}

// bringUp implements §4.1 Session bring-up, steps 1-7. The caller already
// holds the server's mutex.
func (m *Manager) bringUp(ctx context.Context, serverID uuid.UUID, conn *transport.Conn) *agentconn.Entry {
	serverIDStr := serverID.String()

	entry, previous := m.registry.Install(serverIDStr, conn)
	if previous != nil {
		if cancel, ok := m.takeHeartbeat(previous); ok {
			cancel()
		}
		_ = previous.Conn.Close()

		// The displaced connection's own HandleClose->teardown will run
		// asynchronously once its read loop unblocks, but registry.Remove
		// there is a no-op (this new entry already replaced it) and skips
		// steps 3-6 to avoid clobbering the session we're bringing up here.
		// Run those two steps for the old generation right now instead, so
		// its pending commands and log subscriptions fail immediately
		// rather than riding out their own timeouts (§4.1 step 1).
		m.dispatcher.FailAllForServer(serverIDStr)
		m.logstream.FailAllForServer(serverID)
	}

	hbCtx, cancelHeartbeat := context.WithCancel(context.Background())
	m.setHeartbeat(entry, cancelHeartbeat)
	entry.SetHeartbeatCanceller(cancelHeartbeat)
	go m.runHeartbeat(hbCtx, entry)

	if err := m.servers.UpdateStatus(ctx, serverID, "online", time.Now()); err != nil {
		m.logger.Warn("session: failed to persist online status", zap.String("server_id", serverIDStr), zap.Error(err))
	}

	m.bus.PublishServerEvent(serverIDStr, eventbus.Event{
		Type:    eventbus.EventServerConnected,
		Topic:   "server:" + serverIDStr,
		Payload: eventbus.ServerConnectedPayload{ServerID: serverIDStr},
	})

	if err := conn.Send(transport.RequestStatus{}); err != nil {
		m.logger.Warn("session: failed to request initial status", zap.String("server_id", serverIDStr), zap.Error(err))
	}

	go m.mounts.RunForServer(context.Background(), serverID)

	return entry
}

// teardown implements §4.1 Teardown. It is only invoked once per connection,
// from sessionHandler.HandleClose.
func (m *Manager) teardown(entry *agentconn.Entry, serverID uuid.UUID) {
	if cancel, ok := m.takeHeartbeat(entry); ok {
		cancel()
	}

	// Remove only succeeds if this entry is still the registry's current
	// one. If a newer connection has already displaced it (reconnect raced
	// ahead of this teardown), the newer session owns the server's state
	// from here on and this teardown must not clobber it.
	if !m.registry.Remove(entry) {
		return
	}

	serverIDStr := serverID.String()

	m.dispatcher.FailAllForServer(serverIDStr)
	m.logstream.FailAllForServer(serverID)

	ctx := context.Background()
	if err := m.servers.UpdateStatus(ctx, serverID, "offline", time.Now()); err != nil {
		m.logger.Warn("session: failed to persist offline status", zap.String("server_id", serverIDStr), zap.Error(err))
	}

	m.bus.PublishServerEvent(serverIDStr, eventbus.Event{
		Type:    eventbus.EventServerDisconnected,
		Topic:   "server:" + serverIDStr,
		Payload: eventbus.ServerDisconnectedPayload{ServerID: serverIDStr},
	})
}

func (m *Manager) runHeartbeat(ctx context.Context, entry *agentconn.Entry) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := entry.Conn.Send(transport.Ping{}); err != nil {
				return
			}
		}
	}
}

func (m *Manager) setHeartbeat(entry *agentconn.Entry, cancel context.CancelFunc) {
	m.hbMu.Lock()
	m.heartbeats[entry] = cancel
	m.hbMu.Unlock()
}

func (m *Manager) takeHeartbeat(entry *agentconn.Entry) (context.CancelFunc, bool) {
	m.hbMu.Lock()
	defer m.hbMu.Unlock()
	cancel, ok := m.heartbeats[entry]
	if ok {
		delete(m.heartbeats, entry)
	}
	return cancel, ok
}

// SweepStale runs one pass of the §4.1 Liveness background sweep, closing
// every connection that has not been heard from in staleAfter. Closing
// triggers that connection's own teardown via HandleClose, so this method
// does not duplicate any of the teardown logic itself. Intended to be called
// on a fixed interval by a scheduler (internal/scheduler).
func (m *Manager) SweepStale() {
	cutoff := time.Now().Add(-staleAfter)
	for _, entry := range m.registry.StaleBefore(cutoff) {
		m.logger.Info("session: closing stale connection", zap.String("server_id", entry.ServerID))
		_ = entry.Conn.Close()
	}
}

// BroadcastShutdown advises every connected agent of an impending shutdown
// (§5 Graceful shutdown step 1).
func (m *Manager) BroadcastShutdown(ctx context.Context) {
	msg := transport.Shutdown{Timestamp: time.Now().Format(time.RFC3339)}
	for _, entry := range m.registry.All() {
		if err := entry.Conn.Send(msg); err != nil {
			m.logger.Warn("session: failed to broadcast shutdown", zap.String("server_id", entry.ServerID), zap.Error(err))
		}
	}
}

// CloseAll closes every currently connected transport (§5 Graceful shutdown
// step 3). Each Close triggers that connection's own teardown via
// HandleClose.
func (m *Manager) CloseAll() {
	for _, entry := range m.registry.All() {
		_ = entry.Conn.Close()
	}
}

// sessionHandler implements transport.Handler for one connection, routing
// decoded inbound messages to the components that own them and refreshing
// the entry's last-seen timestamp on every message (§4.1 Liveness).
type sessionHandler struct {
	mgr      *Manager
	serverID uuid.UUID
	entry    *agentconn.Entry
}

func (h *sessionHandler) HandlePong() {
	h.entry.Touch(time.Now())
}

func (h *sessionHandler) HandleStatus(report transport.StatusReport) {
	h.entry.Touch(time.Now())
	if err := h.mgr.reconciler.Apply(context.Background(), h.serverID, report); err != nil {
		h.mgr.logger.Warn("session: failed to apply status report",
			zap.String("server_id", h.serverID.String()), zap.Error(err))
	}
}

func (h *sessionHandler) HandleCommandAck(ack transport.CommandAck) {
	h.entry.Touch(time.Now())
	h.mgr.dispatcher.OnAck(h.serverID.String(), ack)
}

func (h *sessionHandler) HandleCommandResult(result transport.CommandResult) {
	h.entry.Touch(time.Now())
	h.mgr.dispatcher.OnResult(h.serverID.String(), result)
}

func (h *sessionHandler) HandleLogsResult(result transport.LogsResult) {
	h.entry.Touch(time.Now())
	h.mgr.logstream.HandleLogsResult(result)
}

func (h *sessionHandler) HandleLogsStreamLine(line transport.LogsStreamLine) {
	h.entry.Touch(time.Now())
	h.mgr.logstream.HandleStreamLine(line)
}

func (h *sessionHandler) HandleLogsStreamStatus(status transport.LogsStreamStatus) {
	h.entry.Touch(time.Now())
	h.mgr.logstream.HandleStreamStatus(status)
}

func (h *sessionHandler) HandleClose() {
	h.mgr.teardown(h.entry, h.serverID)
}
