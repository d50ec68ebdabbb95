// Package eventbus implements C4, the Event Bus: best-effort, fire-and-forget
// fan-out of orchestrator events to connected UI clients. It is adapted from
// the teacher's server/internal/websocket package (gorilla/websocket hub +
// per-client read/write pumps), but the teacher's single generic
// string-keyed topic map is collapsed into the two concrete keyspaces this
// domain ever publishes on — server ID and deployment ID (§4.3/§4.4) — so
// Hub exposes PublishServerEvent/PublishDeploymentEvent instead of a
// Publish(topic string, ...) that could be called with an arbitrary string.
package eventbus

// EventType identifies the kind of event carried by an Event. UI clients
// route on this field.
type EventType string

const (
	EventServerConnected     EventType = "server:connected"
	EventServerDisconnected  EventType = "server:disconnected"
	EventServerStatus        EventType = "server:status"
	EventDeploymentStatus    EventType = "deployment:status"
	EventCommandResult       EventType = "command:result"
	EventDeploymentLog       EventType = "deployment:log"
	EventDeploymentLogStatus EventType = "deployment:log:status"
)

// Event is the envelope published on the bus and forwarded verbatim to every
// client subscribed to Topic. Topic conventions:
//
//	server:<serverId>         — connection/status events for one server
//	deployment:<deploymentId> — status and log events for one deployment
type Event struct {
	Type    EventType `json:"type"`
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
}

// ServerConnectedPayload is the payload of an EventServerConnected event.
type ServerConnectedPayload struct {
	ServerID string `json:"server_id"`
}

// ServerDisconnectedPayload is the payload of an EventServerDisconnected event.
type ServerDisconnectedPayload struct {
	ServerID string `json:"server_id"`
}

// ServerStatusPayload is the payload of an EventServerStatus event (§4.3).
type ServerStatusPayload struct {
	ServerID string            `json:"server_id"`
	Metrics  any               `json:"metrics"`
	Apps     map[string]string `json:"apps"` // appName -> effective status
}

// DeploymentStatusPayload is the payload of an EventDeploymentStatus event.
type DeploymentStatusPayload struct {
	DeploymentID   string `json:"deployment_id"`
	PreviousStatus string `json:"previous_status"`
	Status         string `json:"status"`
	RouteActive    *bool  `json:"route_active,omitempty"`
}

// CommandResultPayload is the payload of an EventCommandResult event.
type CommandResultPayload struct {
	ServerID  string `json:"server_id"`
	CommandID string `json:"command_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// DeploymentLogPayload is the payload of an EventDeploymentLog event (§4.4).
type DeploymentLogPayload struct {
	DeploymentID string `json:"deployment_id"`
	Line         string `json:"line"`
	Timestamp    string `json:"timestamp"`
}

// DeploymentLogStatusPayload is the payload of an EventDeploymentLogStatus event.
type DeploymentLogStatusPayload struct {
	DeploymentID string `json:"deployment_id"`
	StreamID     string `json:"stream_id,omitempty"`
	Status       string `json:"status"`
	Message      string `json:"message,omitempty"`
}
