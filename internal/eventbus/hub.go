package eventbus

import (
	"sync"
)

// Hub is the central pub/sub broker for UI WebSocket clients. Every event
// this orchestrator ever publishes belongs to exactly one of two keyspaces
// (§4.3/§4.4): a server ID (connection/status events) or a deployment ID
// (status and log events). Hub keeps those two keyspaces as separate maps
// rather than a single generic topic string, so a caller can never publish
// to a malformed or unintended third namespace — PublishServerEvent and
// PublishDeploymentEvent are the only ways in.
//
// # Design: single-writer event loop
//
// All mutations to the client registry (register, unregister) are serialised
// through a single goroutine — the Run loop — via channels, which makes the
// data flow easy to reason about. Run takes the write lock around each
// mutation so that the Publish methods, which run on other goroutines, can
// read the maps: each holds a read-lock for the shortest possible time to
// copy the target set, then
// sends outside the lock to avoid blocking the event loop while waiting on
// slow client channels.
type Hub struct {
	// clients is the set of every connected client, for ConnectedCount and
	// shutdown fan-out.
	clients map[*Client]struct{}

	// byServer maps a server ID to the set of clients watching it.
	byServer map[string]map[*Client]struct{}

	// byDeployment maps a deployment ID to the set of clients watching it.
	byDeployment map[string]map[*Client]struct{}

	// mu protects clients, byServer and byDeployment during Publish, which
	// reads them from outside the Run goroutine. Writes happen only inside
	// Run (register, unregister, shutdown), which takes the write lock for
	// each of them.
	mu sync.RWMutex

	// register receives clients that have just completed the WebSocket
	// upgrade and are ready to receive events.
	register chan *Client

	// unregister receives clients that have disconnected or encountered a
	// write error. The hub removes them from both keyspaces.
	unregister chan *Client

	// stopped is closed when the hub's Run loop exits, signalling that no
	// further events will be delivered.
	stopped chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:      make(map[*Client]struct{}),
		byServer:     make(map[string]map[*Client]struct{}),
		byDeployment: make(map[string]map[*Client]struct{}),
		register:     make(chan *Client, 16),
		unregister:   make(chan *Client, 16),
		stopped:      make(chan struct{}),
	}
}

// Run starts the hub's event loop. It must be called exactly once, in its own
// goroutine. It exits when ctx is cancelled (via server graceful shutdown).
//
//	go hub.Run(ctx)
func (h *Hub) Run(ctx interface{ Done() <-chan struct{} }) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			for _, id := range client.serverIDs {
				if h.byServer[id] == nil {
					h.byServer[id] = make(map[*Client]struct{})
				}
				h.byServer[id][client] = struct{}{}
			}
			for _, id := range client.deploymentIDs {
				if h.byDeployment[id] == nil {
					h.byDeployment[id] = make(map[*Client]struct{})
				}
				h.byDeployment[id][client] = struct{}{}
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				for _, id := range client.serverIDs {
					delete(h.byServer[id], client)
					if len(h.byServer[id]) == 0 {
						delete(h.byServer, id)
					}
				}
				for _, id := range client.deploymentIDs {
					delete(h.byDeployment[id], client)
					if len(h.byDeployment[id]) == 0 {
						delete(h.byDeployment, id)
					}
				}
				// Signal the client's writePump to drain and exit.
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			// Close all connected clients on shutdown.
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Client]struct{})
			h.byServer = make(map[string]map[*Client]struct{})
			h.byDeployment = make(map[string]map[*Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// PublishServerEvent sends evt to every client watching serverID (§4.3:
// server:connected, server:disconnected, server:status, command:result).
// It is safe to call from any goroutine — the reconciler, dispatcher,
// session manager and log stream router all publish from their own
// goroutines.
func (h *Hub) PublishServerEvent(serverID string, evt Event) {
	h.publish(h.targets(h.byServer, serverID), evt)
}

// PublishDeploymentEvent sends evt to every client watching deploymentID
// (§4.3/§4.4: deployment:status, deployment:log, deployment:log:status).
func (h *Hub) PublishDeploymentEvent(deploymentID string, evt Event) {
	h.publish(h.targets(h.byDeployment, deploymentID), evt)
}

// targets copies the client set registered under key in keyspace, holding
// the read-lock for the shortest time possible — channel sends in publish
// can block if a client's buffer is full, so the lock must not be held
// across them.
func (h *Hub) targets(keyspace map[string]map[*Client]struct{}, key string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var clients []*Client
	for c := range keyspace[key] {
		clients = append(clients, c)
	}
	return clients
}

// publish delivers evt to clients. A client whose send buffer is full is
// disconnected to prevent backpressure from a slow consumer blocking
// delivery to every other subscriber.
func (h *Hub) publish(clients []*Client, evt Event) {
	for _, c := range clients {
		select {
		case c.send <- evt:
			// Event queued successfully.
		default:
			// Client send buffer is full — it is too slow to keep up.
			// Disconnect it so it does not stall other subscribers.
			h.unregister <- c
		}
	}
}

// Subscribe registers client with the hub and adds it to both its keyspaces.
// Called by the HTTP upgrade handler after the client is initialised.
func (h *Hub) Subscribe(client *Client) {
	h.register <- client
}

// Unsubscribe removes client from the hub and both its keyspaces. Called by
// the client's readPump when the connection closes.
func (h *Hub) Unsubscribe(client *Client) {
	h.unregister <- client
}

// ConnectedCount returns the current number of connected WebSocket clients.
// Intended for metrics and health endpoints.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
