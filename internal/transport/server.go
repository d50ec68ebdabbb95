package transport

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// AgentAuth is the tagged record extracted from the connect request before
// any websocket frame is read: the serverId the agent claims to be, and the
// bearer token it presents (empty for a core server, which authenticates by
// isCore alone — see the authenticator in package agentconn).
type AgentAuth struct {
	ServerID string
	Token    string
}

// Acceptor is implemented by the agent session manager (C11). Accept owns
// conn from the moment it is called: on rejection it must close conn itself;
// on acceptance it is responsible for running conn.Run with its Handler and
// for all further lifecycle management. Accept is always called in its own
// goroutine, so it may block for the lifetime of the connection.
type Acceptor interface {
	Accept(ctx context.Context, auth AgentAuth, conn *Conn)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Listener is the HTTP handler agents connect to. It performs the websocket
// upgrade, extracts the connect-time auth payload, and hands the resulting
// Conn to the Acceptor — authentication itself is the Acceptor's concern
// (via agentconn.Authenticator), not the transport's.
type Listener struct {
	acceptor Acceptor
	logger   *zap.Logger
}

// NewListener creates a Listener that delegates every accepted connection to
// acceptor.
func NewListener(acceptor Acceptor, logger *zap.Logger) *Listener {
	return &Listener{acceptor: acceptor, logger: logger.Named("transport")}
}

// ServeHTTP implements http.Handler. Mount it at the agent connect path
// (e.g. "/agent/ws") in the orchestrator's listener mux.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	auth := authFromRequest(r)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("transport: upgrade failed", zap.String("server_id", auth.ServerID), zap.Error(err))
		return
	}

	conn := newConn(auth.ServerID, ws, l.logger)
	go l.acceptor.Accept(r.Context(), auth, conn)
}

// authFromRequest reads the serverId from the "X-Server-Id" header (falling
// back to the "server_id" query parameter, for agents behind proxies that
// strip custom headers) and the bearer token from the standard
// Authorization header.
func authFromRequest(r *http.Request) AgentAuth {
	serverID := r.Header.Get("X-Server-Id")
	if serverID == "" {
		serverID = r.URL.Query().Get("server_id")
	}

	token := ""
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}

	return AgentAuth{ServerID: serverID, Token: token}
}
