package logstream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/arkeep-io/orchestrator/internal/agentconn"
	"github.com/arkeep-io/orchestrator/internal/db"
	"github.com/arkeep-io/orchestrator/internal/eventbus"
	"github.com/arkeep-io/orchestrator/internal/repository"
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

type fakeDeployments struct {
	byID map[uuid.UUID]*db.Deployment
}

func (f *fakeDeployments) GetByID(ctx context.Context, id uuid.UUID) (*db.Deployment, error) {
	d, ok := f.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return d, nil
}

func (f *fakeDeployments) GetByServerAndApp(ctx context.Context, serverID uuid.UUID, appName string) (*db.Deployment, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeDeployments) SetStatusIfNotTransient(ctx context.Context, id uuid.UUID, newStatus string) (bool, error) {
	return true, nil
}
func (f *fakeDeployments) SetStatus(ctx context.Context, id uuid.UUID, status, message string) error {
	return nil
}

type fakeManifests struct{}

func (fakeManifests) Get(ctx context.Context, appName string) (*db.AppManifest, error) {
	return &db.AppManifest{AppName: appName}, nil
}

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

// TestSubscribe_SharesExistingStream verifies a second subscriber to the
// same deployment joins the existing subscription instead of issuing a
// second streamLogs command to the agent.
func TestSubscribe_SharesExistingStream(t *testing.T) {
	serverConn, client := newServerConn(t)
	go serverConn.Run(discardHandler{})

	serverID := uuid.Must(uuid.NewV7())
	deploymentID := uuid.Must(uuid.NewV7())

	registry := agentconn.NewRegistry()
	registry.Install(serverID.String(), serverConn)

	deployments := &fakeDeployments{byID: map[uuid.UUID]*db.Deployment{
		deploymentID: {ServerID: serverID, AppName: "demo"},
	}}
	bus := eventbus.NewHub()
	go bus.Run(context.Background())

	router := New(deployments, fakeManifests{}, registry, bus, zap.NewNop())

	if err := router.Subscribe(context.Background(), "client-a", deploymentID); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	cmd := readCommand(t, client)
	if cmd.Action != transport.ActionStreamLogs {
		t.Fatalf("expected streamLogs, got %s", cmd.Action)
	}

	if err := router.Subscribe(context.Background(), "client-b", deploymentID); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}

	router.mu.Lock()
	sub := router.byDeployment[deploymentID]
	n := len(sub.clients)
	router.mu.Unlock()
	if n != 2 {
		t.Fatalf("expected 2 clients sharing the stream, got %d", n)
	}
}

// TestUnsubscribe_LastClientStopsStream verifies the last client leaving a
// subscription sends stopStreamLogs and removes the subscription.
func TestUnsubscribe_LastClientStopsStream(t *testing.T) {
	serverConn, client := newServerConn(t)
	go serverConn.Run(discardHandler{})

	serverID := uuid.Must(uuid.NewV7())
	deploymentID := uuid.Must(uuid.NewV7())

	registry := agentconn.NewRegistry()
	registry.Install(serverID.String(), serverConn)

	deployments := &fakeDeployments{byID: map[uuid.UUID]*db.Deployment{
		deploymentID: {ServerID: serverID, AppName: "demo"},
	}}
	bus := eventbus.NewHub()
	go bus.Run(context.Background())

	router := New(deployments, fakeManifests{}, registry, bus, zap.NewNop())

	if err := router.Subscribe(context.Background(), "client-a", deploymentID); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cmd := readCommand(t, client)

	router.Unsubscribe("client-a", cmd.ID)

	stopCmd := readCommand(t, client)
	if stopCmd.Action != transport.ActionStopStreamLogs {
		t.Fatalf("expected stopStreamLogs, got %s", stopCmd.Action)
	}

	router.mu.Lock()
	_, stillExists := router.byDeployment[deploymentID]
	router.mu.Unlock()
	if stillExists {
		t.Fatal("expected subscription to be removed after last client left")
	}
}

type discardHandler struct{}

func (discardHandler) HandlePong()                                       {}
func (discardHandler) HandleStatus(transport.StatusReport)                {}
func (discardHandler) HandleCommandAck(transport.CommandAck)              {}
func (discardHandler) HandleCommandResult(transport.CommandResult)        {}
func (discardHandler) HandleLogsResult(transport.LogsResult)              {}
func (discardHandler) HandleLogsStreamLine(transport.LogsStreamLine)      {}
func (discardHandler) HandleLogsStreamStatus(transport.LogsStreamStatus)  {}
func (discardHandler) HandleClose()                                      {}
