package session

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arkeep-io/orchestrator/internal/agentconn"
	"github.com/arkeep-io/orchestrator/internal/db"
	"github.com/arkeep-io/orchestrator/internal/dispatcher"
	"github.com/arkeep-io/orchestrator/internal/eventbus"
	"github.com/arkeep-io/orchestrator/internal/logstream"
	"github.com/arkeep-io/orchestrator/internal/mount"
	"github.com/arkeep-io/orchestrator/internal/mutexregistry"
	"github.com/arkeep-io/orchestrator/internal/reconciler"
	"github.com/arkeep-io/orchestrator/internal/repository"
	"github.com/arkeep-io/orchestrator/internal/secretsbox"
	"github.com/arkeep-io/orchestrator/internal/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type fakeServers struct {
	mu       sync.Mutex
	byID     map[uuid.UUID]*db.Server
	statuses map[uuid.UUID]string
}

func newFakeServers() *fakeServers {
	return &fakeServers{byID: make(map[uuid.UUID]*db.Server), statuses: make(map[uuid.UUID]string)}
}

func (f *fakeServers) GetByID(ctx context.Context, id uuid.UUID) (*db.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s, nil
}

func (f *fakeServers) UpdateStatus(ctx context.Context, id uuid.UUID, agentStatus string, lastSeen time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = agentStatus
	return nil
}

func (f *fakeServers) UpdateMetrics(ctx context.Context, id uuid.UUID, metricsJSON, networkInfoJSON string) error {
	return nil
}

func (f *fakeServers) List(ctx context.Context, opts repository.ListOptions) ([]db.Server, int64, error) {
	return nil, 0, nil
}

func (f *fakeServers) statusOf(id uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

type fakeTokens struct{}

func (fakeTokens) FindByServerAndHash(ctx context.Context, serverID uuid.UUID, tokenHash string) (*db.AgentToken, error) {
	return nil, repository.ErrNotFound
}
func (fakeTokens) Touch(ctx context.Context, tokenID uuid.UUID, usedAt time.Time) error { return nil }

type fakeCommandLog struct{ mu sync.Mutex }

func (f *fakeCommandLog) Insert(ctx context.Context, entry *db.CommandLogEntry) error { return nil }
func (f *fakeCommandLog) Update(ctx context.Context, id uuid.UUID, status, resultMessage string, completedAt *time.Time) error {
	return nil
}
func (f *fakeCommandLog) Get(ctx context.Context, id uuid.UUID) (*db.CommandLogEntry, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeCommandLog) ListByServer(ctx context.Context, serverID uuid.UUID, opts repository.ListOptions) ([]db.CommandLogEntry, int64, error) {
	return nil, 0, nil
}

type fakeDeployments struct{}

func (fakeDeployments) GetByID(ctx context.Context, id uuid.UUID) (*db.Deployment, error) {
	return nil, repository.ErrNotFound
}
func (fakeDeployments) GetByServerAndApp(ctx context.Context, serverID uuid.UUID, appName string) (*db.Deployment, error) {
	return nil, repository.ErrNotFound
}
func (fakeDeployments) SetStatusIfNotTransient(ctx context.Context, id uuid.UUID, newStatus string) (bool, error) {
	return true, nil
}
func (fakeDeployments) SetStatus(ctx context.Context, id uuid.UUID, status, message string) error {
	return nil
}

type fakeRoutes struct{}

func (fakeRoutes) GetByDeployment(ctx context.Context, deploymentID uuid.UUID) (*db.ProxyRoute, error) {
	return nil, repository.ErrNotFound
}
func (fakeRoutes) SetActive(ctx context.Context, deploymentID uuid.UUID, active bool) error { return nil }

type fakeManifests struct{}

func (fakeManifests) Get(ctx context.Context, appName string) (*db.AppManifest, error) {
	return &db.AppManifest{AppName: appName}, nil
}

type fakeMounts struct{}

func (fakeMounts) GetByID(ctx context.Context, id uuid.UUID) (*db.Mount, error) {
	return nil, repository.ErrNotFound
}
func (fakeMounts) ListAutoForServer(ctx context.Context, serverID uuid.UUID) ([]db.ServerMount, error) {
	return nil, nil
}
func (fakeMounts) SetStatus(ctx context.Context, serverMountID uuid.UUID, status, message string, usageBytes, totalBytes *int64) error {
	return nil
}

type fakeMountCredentials struct{}

func (fakeMountCredentials) Get(ctx context.Context, mountID uuid.UUID) (*db.MountCredentials, error) {
	return nil, repository.ErrNotFound
}
func (fakeMountCredentials) Upsert(ctx context.Context, mountID uuid.UUID, encryptedBlob []byte) error {
	return nil
}

// testHarness wires a full Manager against fakes, exposing the pieces tests
// need to assert on.
type testHarness struct {
	manager    *Manager
	registry   *agentconn.Registry
	servers    *fakeServers
	listener   *transport.Listener
	dispatcher *dispatcher.Dispatcher
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	registry := agentconn.NewRegistry()
	servers := newFakeServers()
	auth := agentconn.NewAuthenticator(servers, fakeTokens{})
	locks := mutexregistry.NewLocks(nil, nil)
	bus := eventbus.NewHub()
	go bus.Run(context.Background())

	disp := dispatcher.New(registry, locks, &fakeCommandLog{}, fakeDeployments{}, bus, nil, nil, zap.NewNop())
	logs := logstream.New(fakeDeployments{}, fakeManifests{}, registry, bus, zap.NewNop())
	rec := reconciler.New(servers, fakeDeployments{}, fakeRoutes{}, locks, nil, bus, zap.NewNop())

	key := make([]byte, secretsbox.KeySize)
	box, err := secretsbox.New(key)
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	mountOrch := mount.New(fakeMounts{}, fakeMountCredentials{}, box, disp, zap.NewNop())

	mgr := New(registry, auth, locks, servers, disp, logs, rec, mountOrch, bus, zap.NewNop())
	listener := transport.NewListener(mgr, zap.NewNop())

	return &testHarness{manager: mgr, registry: registry, servers: servers, listener: listener, dispatcher: disp}
}

func dialAgent(t *testing.T, listener *transport.Listener, serverID uuid.UUID) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(listener)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?server_id=" + serverID.String()
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return client
}

func readEnvelope(t *testing.T, client *websocket.Conn) transport.Envelope {
	t.Helper()
	var env transport.Envelope
	if err := client.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

// TestAccept_BringUpAndTeardown verifies bring-up persists the server
// online, requests an immediate status snapshot, and teardown on disconnect
// persists it offline again (§4.1 Session bring-up / Teardown).
func TestAccept_BringUpAndTeardown(t *testing.T) {
	h := newTestHarness(t)

	serverID := uuid.Must(uuid.NewV7())
	h.servers.byID[serverID] = &db.Server{IsCore: true}
	h.servers.byID[serverID].ID = serverID

	client := dialAgent(t, h.listener, serverID)

	env := readEnvelope(t, client)
	if env.Type != transport.MsgRequestStatus {
		t.Fatalf("expected request_status, got %s", env.Type)
	}

	waitFor(t, func() bool { return h.servers.statusOf(serverID) == "online" })

	if _, online := h.registry.Get(serverID.String()); !online {
		t.Fatal("expected server to be registered as connected")
	}

	client.Close()

	waitFor(t, func() bool { return h.servers.statusOf(serverID) == "offline" })

	if _, online := h.registry.Get(serverID.String()); online {
		t.Fatal("expected server to be removed from the registry after disconnect")
	}
}

// TestAccept_ReconnectDisplacesPreviousConnection verifies a second
// connection for the same server evicts the first, and the first's delayed
// teardown does not clobber the new connection's online status (§4.1 Session
// bring-up step 1, registry.Install's displacement-ordering note).
func TestAccept_ReconnectDisplacesPreviousConnection(t *testing.T) {
	h := newTestHarness(t)

	serverID := uuid.Must(uuid.NewV7())
	h.servers.byID[serverID] = &db.Server{IsCore: true}
	h.servers.byID[serverID].ID = serverID

	firstClient := dialAgent(t, h.listener, serverID)
	readEnvelope(t, firstClient) // request_status from the first bring-up

	waitFor(t, func() bool { return h.servers.statusOf(serverID) == "online" })
	firstEntry, _ := h.registry.Get(serverID.String())

	secondClient := dialAgent(t, h.listener, serverID)
	t.Cleanup(func() { secondClient.Close() })
	readEnvelope(t, secondClient) // request_status from the second bring-up

	waitFor(t, func() bool {
		current, ok := h.registry.Get(serverID.String())
		return ok && current != firstEntry
	})

	// Give the first connection's (now-displaced) teardown a chance to run;
	// it must not flip the server back offline.
	time.Sleep(100 * time.Millisecond)

	if got := h.servers.statusOf(serverID); got != "online" {
		t.Fatalf("expected server to remain online after displaced reconnect teardown, got %q", got)
	}
	if current, ok := h.registry.Get(serverID.String()); !ok || current == firstEntry {
		t.Fatal("expected the second connection to remain the registry's current entry")
	}
}

// TestAccept_ReconnectFailsDisplacedPendingCommands verifies a command
// dispatched on a connection that later gets displaced by a reconnect is
// failed immediately as part of bring-up, rather than riding out its own
// ack/completion timeout (§4.1 step 1 / Teardown steps 3-4).
func TestAccept_ReconnectFailsDisplacedPendingCommands(t *testing.T) {
	h := newTestHarness(t)

	serverID := uuid.Must(uuid.NewV7())
	h.servers.byID[serverID] = &db.Server{IsCore: true}
	h.servers.byID[serverID].ID = serverID

	firstClient := dialAgent(t, h.listener, serverID)
	readEnvelope(t, firstClient) // request_status from the first bring-up
	waitFor(t, func() bool { return h.servers.statusOf(serverID) == "online" })

	if _, ok := h.dispatcher.Send(context.Background(), serverID, transport.ActionStart, "myapp", nil, nil); !ok {
		t.Fatal("expected command to dispatch against the first connection")
	}
	if got := h.dispatcher.PendingCount(); got != 1 {
		t.Fatalf("expected 1 pending command before reconnect, got %d", got)
	}

	secondClient := dialAgent(t, h.listener, serverID)
	t.Cleanup(func() { secondClient.Close() })
	readEnvelope(t, secondClient) // request_status from the second bring-up

	waitFor(t, func() bool { return h.dispatcher.PendingCount() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
