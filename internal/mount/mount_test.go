package mount

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arkeep-io/orchestrator/internal/agentconn"
	"github.com/arkeep-io/orchestrator/internal/db"
	"github.com/arkeep-io/orchestrator/internal/dispatcher"
	"github.com/arkeep-io/orchestrator/internal/eventbus"
	"github.com/arkeep-io/orchestrator/internal/mutexregistry"
	"github.com/arkeep-io/orchestrator/internal/repository"
	"github.com/arkeep-io/orchestrator/internal/secretsbox"
	"github.com/arkeep-io/orchestrator/internal/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type capturingAcceptor struct {
	accepted chan *transport.Conn
}

func (a *capturingAcceptor) Accept(ctx context.Context, auth transport.AgentAuth, conn *transport.Conn) {
	a.accepted <- conn
}

func newServerConn(t *testing.T) (*transport.Conn, *websocket.Conn) {
	t.Helper()

	acceptor := &capturingAcceptor{accepted: make(chan *transport.Conn, 1)}
	listener := transport.NewListener(acceptor, zap.NewNop())

	srv := httptest.NewServer(listener)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	select {
	case conn := <-acceptor.accepted:
		return conn, client
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server-side connection")
		return nil, nil
	}
}

type fakeCommandLog struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*db.CommandLogEntry
}

func newFakeCommandLog() *fakeCommandLog {
	return &fakeCommandLog{entries: make(map[uuid.UUID]*db.CommandLogEntry)}
}

func (f *fakeCommandLog) Insert(ctx context.Context, entry *db.CommandLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[entry.ID] = entry
	return nil
}

func (f *fakeCommandLog) Update(ctx context.Context, id uuid.UUID, status, resultMessage string, completedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.Status = status
	e.ResultMessage = resultMessage
	e.CompletedAt = completedAt
	return nil
}

func (f *fakeCommandLog) Get(ctx context.Context, id uuid.UUID) (*db.CommandLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return e, nil
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

// fakeMounts implements repository.MountRepository, recording every
// SetStatus call in order so tests can assert on the transition sequence.
type fakeMounts struct {
	mu          sync.Mutex
	byID        map[uuid.UUID]*db.Mount
	transitions map[uuid.UUID][]string
}

func newFakeMounts() *fakeMounts {
	return &fakeMounts{
		byID:        make(map[uuid.UUID]*db.Mount),
		transitions: make(map[uuid.UUID][]string),
	}
}

func (f *fakeMounts) GetByID(ctx context.Context, id uuid.UUID) (*db.Mount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return m, nil
}

func (f *fakeMounts) ListAutoForServer(ctx context.Context, serverID uuid.UUID) ([]db.ServerMount, error) {
	return nil, nil
}

func (f *fakeMounts) SetStatus(ctx context.Context, serverMountID uuid.UUID, status, message string, usageBytes, totalBytes *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions[serverMountID] = append(f.transitions[serverMountID], status)
	return nil
}

func (f *fakeMounts) statusesOf(serverMountID uuid.UUID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.transitions[serverMountID]...)
}

type fakeMountCredentials struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*db.MountCredentials
}

func (f *fakeMountCredentials) Get(ctx context.Context, mountID uuid.UUID) (*db.MountCredentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[mountID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

func (f *fakeMountCredentials) Upsert(ctx context.Context, mountID uuid.UUID, encryptedBlob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byID == nil {
		f.byID = make(map[uuid.UUID]*db.MountCredentials)
	}
	f.byID[mountID] = &db.MountCredentials{MountID: mountID, EncryptedBlob: encryptedBlob}
	return nil
}

func newTestDispatcher() (*dispatcher.Dispatcher, *agentconn.Registry) {
	registry := agentconn.NewRegistry()
	locks := mutexregistry.NewLocks(nil, nil)
	bus := eventbus.NewHub()
	go bus.Run(context.Background())
	d := dispatcher.New(registry, locks, newFakeCommandLog(), fakeDeployments{}, bus, nil, nil, zap.NewNop())
	return d, registry
}

func newTestBox(t *testing.T) *secretsbox.Box {
	t.Helper()
	key := make([]byte, secretsbox.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	box, err := secretsbox.New(key)
	if err != nil {
		t.Fatalf("new box: %v", err)
	}
	return box
}

// forwardingHandler plays the role session (C11) plays in production,
// forwarding decoded command:ack/command:result messages to the dispatcher.
type forwardingHandler struct {
	serverID string
	d        *dispatcher.Dispatcher
}

func (h forwardingHandler) HandlePong()                         {}
func (h forwardingHandler) HandleStatus(transport.StatusReport) {}
func (h forwardingHandler) HandleCommandAck(ack transport.CommandAck) {
	h.d.OnAck(h.serverID, ack)
}
func (h forwardingHandler) HandleCommandResult(result transport.CommandResult) {
	h.d.OnResult(h.serverID, result)
}
func (h forwardingHandler) HandleLogsResult(transport.LogsResult)             {}
func (h forwardingHandler) HandleLogsStreamLine(transport.LogsStreamLine)     {}
func (h forwardingHandler) HandleLogsStreamStatus(transport.LogsStreamStatus) {}
func (h forwardingHandler) HandleClose()                                     {}

func readCommand(t *testing.T, client *websocket.Conn) transport.Command {
	t.Helper()
	var env transport.Envelope
	if err := client.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	if env.Type != transport.MsgCommand {
		t.Fatalf("expected command envelope, got %s", env.Type)
	}
	var cmd transport.Command
	if err := json.Unmarshal(env.Payload, &cmd); err != nil {
		t.Fatalf("unmarshal command: %v", err)
	}
	return cmd
}

func ackAndResult(t *testing.T, client *websocket.Conn, cmd transport.Command, status, message string, data any) {
	t.Helper()
	writeJSON(t, client, transport.MsgCommandAck, transport.CommandAck{
		CommandID:  cmd.ID,
		ReceivedAt: time.Now().Format(time.RFC3339),
	})
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			t.Fatalf("marshal result data: %v", err)
		}
		raw = b
	}
	writeJSON(t, client, transport.MsgCommandResult, transport.CommandResult{
		CommandID: cmd.ID,
		Status:    status,
		Message:   message,
		Data:      raw,
	})
}

func writeJSON(t *testing.T, client *websocket.Conn, msgType transport.MessageType, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env := transport.Envelope{Type: msgType, Payload: raw}
	if err := client.WriteJSON(env); err != nil {
		t.Fatalf("write envelope: %v", err)
	}
}

// TestRunOne_CheckMountShortcut verifies a mount already reported as mounted
// by checkMount skips mountStorage entirely and is persisted straight to
// "mounted" (§4.5 checkMount shortcut).
func TestRunOne_CheckMountShortcut(t *testing.T) {
	d, registry := newTestDispatcher()
	serverConn, client := newServerConn(t)

	serverID := uuid.Must(uuid.NewV7())
	registry.Install(serverID.String(), serverConn)
	go serverConn.Run(forwardingHandler{serverID: serverID.String(), d: d})

	mountID := uuid.Must(uuid.NewV7())
	serverMountID := uuid.Must(uuid.NewV7())
	mounts := newFakeMounts()
	mounts.byID[mountID] = &db.Mount{Type: "nfs", Source: "nfs.example:/export"}

	orch := New(mounts, &fakeMountCredentials{}, newTestBox(t), d, zap.NewNop())

	sm := db.ServerMount{MountID: mountID, ServerID: serverID, MountPoint: "/mnt/data"}
	sm.ID = serverMountID

	done := make(chan struct{})
	go func() {
		orch.runOne(context.Background(), serverID, sm)
		close(done)
	}()

	cmd := readCommand(t, client)
	if cmd.Action != transport.ActionCheckMount {
		t.Fatalf("expected checkMount, got %s", cmd.Action)
	}
	usage := int64(1024)
	ackAndResult(t, client, cmd, "success", "", checkMountResult{Mounted: true, UsageBytes: &usage})

	<-done

	statuses := mounts.statusesOf(serverMountID)
	if len(statuses) != 1 || statuses[0] != "mounted" {
		t.Fatalf("expected single mounted transition, got %v", statuses)
	}
}

// TestRunOne_MountingThenMounted verifies an unmounted NFS mount goes
// through the mounting -> mountStorage -> mounted sequence.
func TestRunOne_MountingThenMounted(t *testing.T) {
	d, registry := newTestDispatcher()
	serverConn, client := newServerConn(t)

	serverID := uuid.Must(uuid.NewV7())
	registry.Install(serverID.String(), serverConn)
	go serverConn.Run(forwardingHandler{serverID: serverID.String(), d: d})

	mountID := uuid.Must(uuid.NewV7())
	serverMountID := uuid.Must(uuid.NewV7())
	mounts := newFakeMounts()
	mounts.byID[mountID] = &db.Mount{Type: "nfs", Source: "nfs.example:/export", DefaultOptions: "ro"}

	orch := New(mounts, &fakeMountCredentials{}, newTestBox(t), d, zap.NewNop())

	sm := db.ServerMount{MountID: mountID, ServerID: serverID, MountPoint: "/mnt/data"}
	sm.ID = serverMountID

	done := make(chan struct{})
	go func() {
		orch.runOne(context.Background(), serverID, sm)
		close(done)
	}()

	checkCmd := readCommand(t, client)
	if checkCmd.Action != transport.ActionCheckMount {
		t.Fatalf("expected checkMount, got %s", checkCmd.Action)
	}
	ackAndResult(t, client, checkCmd, "success", "", checkMountResult{Mounted: false})

	mountCmd := readCommand(t, client)
	if mountCmd.Action != transport.ActionMountStorage {
		t.Fatalf("expected mountStorage, got %s", mountCmd.Action)
	}
	var payload mountStorageCommand
	if err := json.Unmarshal(mountCmd.Payload, &payload); err != nil {
		t.Fatalf("unmarshal mountStorage payload: %v", err)
	}
	if payload.Options != "ro" {
		t.Fatalf("expected default options to apply, got %q", payload.Options)
	}
	if payload.Credentials != nil {
		t.Fatal("nfs mount must not carry credentials")
	}
	ackAndResult(t, client, mountCmd, "success", "", nil)

	<-done

	statuses := mounts.statusesOf(serverMountID)
	if len(statuses) != 2 || statuses[0] != "mounting" || statuses[1] != "mounted" {
		t.Fatalf("expected [mounting mounted], got %v", statuses)
	}
}

// TestRunOne_CIFSCredentialsDecrypted verifies a CIFS mount loads and
// decrypts its stored credentials before sending mountStorage.
func TestRunOne_CIFSCredentialsDecrypted(t *testing.T) {
	d, registry := newTestDispatcher()
	serverConn, client := newServerConn(t)

	serverID := uuid.Must(uuid.NewV7())
	registry.Install(serverID.String(), serverConn)
	go serverConn.Run(forwardingHandler{serverID: serverID.String(), d: d})

	mountID := uuid.Must(uuid.NewV7())
	serverMountID := uuid.Must(uuid.NewV7())
	mounts := newFakeMounts()
	mounts.byID[mountID] = &db.Mount{Type: "cifs", Source: "//fileserver/share"}

	box := newTestBox(t)
	blob, err := box.EncryptCredentials(secretsbox.MountCredentials{Username: "svc", Password: "hunter2", Domain: "CORP"})
	if err != nil {
		t.Fatalf("encrypt credentials: %v", err)
	}
	creds := &fakeMountCredentials{byID: map[uuid.UUID]*db.MountCredentials{
		mountID: {MountID: mountID, EncryptedBlob: blob},
	}}

	orch := New(mounts, creds, box, d, zap.NewNop())

	sm := db.ServerMount{MountID: mountID, ServerID: serverID, MountPoint: "/mnt/share", Options: "vers=3.0"}
	sm.ID = serverMountID

	done := make(chan struct{})
	go func() {
		orch.runOne(context.Background(), serverID, sm)
		close(done)
	}()

	checkCmd := readCommand(t, client)
	ackAndResult(t, client, checkCmd, "success", "", checkMountResult{Mounted: false})

	mountCmd := readCommand(t, client)
	var payload mountStorageCommand
	if err := json.Unmarshal(mountCmd.Payload, &payload); err != nil {
		t.Fatalf("unmarshal mountStorage payload: %v", err)
	}
	if payload.Credentials == nil || payload.Credentials.Username != "svc" || payload.Credentials.Password != "hunter2" {
		t.Fatalf("expected decrypted credentials in payload, got %+v", payload.Credentials)
	}
	if payload.Options != "vers=3.0" {
		t.Fatalf("expected server mount options to override default, got %q", payload.Options)
	}
	ackAndResult(t, client, mountCmd, "success", "", nil)

	<-done

	statuses := mounts.statusesOf(serverMountID)
	if len(statuses) != 2 || statuses[1] != "mounted" {
		t.Fatalf("expected final status mounted, got %v", statuses)
	}
}

// TestRunOne_ErrorIsolatedToSingleMount verifies a mountStorage failure on
// one mount is recorded as an error without panicking or otherwise
// affecting the caller's ability to process the next mount (§4.5 error
// isolation).
func TestRunOne_ErrorIsolatedToSingleMount(t *testing.T) {
	d, registry := newTestDispatcher()
	serverConn, client := newServerConn(t)

	serverID := uuid.Must(uuid.NewV7())
	registry.Install(serverID.String(), serverConn)
	go serverConn.Run(forwardingHandler{serverID: serverID.String(), d: d})

	mountID := uuid.Must(uuid.NewV7())
	serverMountID := uuid.Must(uuid.NewV7())
	mounts := newFakeMounts()
	mounts.byID[mountID] = &db.Mount{Type: "nfs", Source: "nfs.example:/export"}

	orch := New(mounts, &fakeMountCredentials{}, newTestBox(t), d, zap.NewNop())

	sm := db.ServerMount{MountID: mountID, ServerID: serverID, MountPoint: "/mnt/broken"}
	sm.ID = serverMountID

	done := make(chan struct{})
	go func() {
		orch.runOne(context.Background(), serverID, sm)
		close(done)
	}()

	checkCmd := readCommand(t, client)
	ackAndResult(t, client, checkCmd, "success", "", checkMountResult{Mounted: false})

	mountCmd := readCommand(t, client)
	ackAndResult(t, client, mountCmd, "error", "permission denied", nil)

	<-done

	statuses := mounts.statusesOf(serverMountID)
	if len(statuses) != 2 || statuses[1] != "error" {
		t.Fatalf("expected final status error, got %v", statuses)
	}

	// A second mount on the same server must still be processed after the
	// first one's failure.
	otherMountID := uuid.Must(uuid.NewV7())
	otherServerMountID := uuid.Must(uuid.NewV7())
	mounts.byID[otherMountID] = &db.Mount{Type: "nfs", Source: "nfs.example:/export2"}
	otherSM := db.ServerMount{MountID: otherMountID, ServerID: serverID, MountPoint: "/mnt/ok"}
	otherSM.ID = otherServerMountID

	done2 := make(chan struct{})
	go func() {
		orch.runOne(context.Background(), serverID, otherSM)
		close(done2)
	}()

	otherCheck := readCommand(t, client)
	ackAndResult(t, client, otherCheck, "success", "", checkMountResult{Mounted: true})

	<-done2

	otherStatuses := mounts.statusesOf(otherServerMountID)
	if len(otherStatuses) != 1 || otherStatuses[0] != "mounted" {
		t.Fatalf("expected second mount to succeed independently, got %v", otherStatuses)
	}
}
