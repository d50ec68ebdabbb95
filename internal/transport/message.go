// Package transport implements the agent wire protocol over a persistent
// gorilla/websocket connection: the JSON-shaped, transport-agnostic messages
// named in §6.2, framed as {type, payload} envelopes in both directions.
//
// It replaces the teacher's internal/grpc package (a unary+server-streaming
// gRPC service generated from shared/proto/agent.proto). Hand-authoring
// valid protobuf Go bindings without running protoc is not possible here,
// and the message set this protocol carries is already JSON end to end, so
// gorilla/websocket — already a direct dependency for the UI-facing event
// bus — serves both sides of the process with one library instead of two.
package transport

import "encoding/json"

// MessageType identifies the kind of message carried by an envelope.
type MessageType string

const (
	// Orchestrator -> agent.
	MsgPing          MessageType = "ping"
	MsgRequestStatus MessageType = "request_status"
	MsgCommand       MessageType = "command"
	MsgShutdown      MessageType = "server:shutdown"

	// Agent -> orchestrator.
	MsgPong             MessageType = "pong"
	MsgStatus           MessageType = "status"
	MsgCommandAck       MessageType = "command:ack"
	MsgCommandResult    MessageType = "command:result"
	MsgLogsResult       MessageType = "logs:result"
	MsgLogsStreamLine   MessageType = "logs:stream:line"
	MsgLogsStreamStatus MessageType = "logs:stream:status"
)

// Envelope is the wire shape for every message in both directions: a type
// tag plus an opaque payload decoded according to that tag.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is implemented by every orchestrator -> agent message so Conn.Send
// can wrap it in an Envelope without a type switch at the call site.
type Outbound interface {
	messageType() MessageType
}

// CommandAction enumerates the command verbs the agent understands (§6.2).
type CommandAction string

const (
	ActionInstall              CommandAction = "install"
	ActionConfigure            CommandAction = "configure"
	ActionStart                CommandAction = "start"
	ActionStop                 CommandAction = "stop"
	ActionRestart              CommandAction = "restart"
	ActionUninstall            CommandAction = "uninstall"
	ActionGetLogs              CommandAction = "getLogs"
	ActionStreamLogs           CommandAction = "streamLogs"
	ActionStopStreamLogs       CommandAction = "stopStreamLogs"
	ActionMountStorage         CommandAction = "mountStorage"
	ActionUnmountStorage       CommandAction = "unmountStorage"
	ActionCheckMount           CommandAction = "checkMount"
	ActionConfigureKeepalived  CommandAction = "configureKeepalived"
	ActionCheckKeepalived      CommandAction = "checkKeepalived"
)

// Ping is sent every 30s by the heartbeat timer (§4.1 Session bring-up).
type Ping struct{}

func (Ping) messageType() MessageType { return MsgPing }

// RequestStatus asks the agent for an immediate status snapshot, sent once
// right after a connection is installed (§4.1 step 6).
type RequestStatus struct{}

func (RequestStatus) messageType() MessageType { return MsgRequestStatus }

// Command is the generic downstream command envelope (§6.2).
type Command struct {
	ID      string          `json:"id"`
	Action  CommandAction   `json:"action"`
	AppName string          `json:"appName,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (Command) messageType() MessageType { return MsgCommand }

// Shutdown advises the agent of an orchestrator shutdown (§5 Graceful shutdown).
type Shutdown struct {
	Timestamp string `json:"timestamp"`
}

func (Shutdown) messageType() MessageType { return MsgShutdown }

// Pong is the agent's reply to Ping.
type Pong struct{}

// AppStatus is one entry of StatusReport.Apps.
type AppStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"` // running|stopped|error
}

// StatusReport is the agent's periodic/requested status snapshot (§4.3).
type StatusReport struct {
	Timestamp   string          `json:"timestamp"`
	Metrics     json.RawMessage `json:"metrics"`
	NetworkInfo json.RawMessage `json:"networkInfo,omitempty"`
	Apps        []AppStatus     `json:"apps"`
}

// CommandAck acknowledges receipt of a Command before execution begins.
type CommandAck struct {
	CommandID  string `json:"commandId"`
	ReceivedAt string `json:"receivedAt"`
}

// CommandResult is the terminal outcome of a Command (§4.2).
type CommandResult struct {
	CommandID string          `json:"commandId"`
	Status    string          `json:"status"` // success|error
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// LogsResult answers a one-shot getLogs command (§4.4 One-shot logs).
type LogsResult struct {
	CommandID string   `json:"commandId"`
	Status    string   `json:"status"`
	Logs      []string `json:"logs"`
}

// LogsStreamLine carries one line of a live log stream (§4.4 Fan-out).
type LogsStreamLine struct {
	StreamID  string `json:"streamId"`
	Line      string `json:"line"`
	Timestamp string `json:"timestamp"`
}

// LogsStreamStatus reports a log stream lifecycle transition (§4.4 Fan-out).
type LogsStreamStatus struct {
	StreamID string `json:"streamId"`
	Status   string `json:"status"` // started|stopped|error
	Message  string `json:"message,omitempty"`
}
