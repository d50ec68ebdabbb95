package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20 // a streamed log line or a status report can be sizable
	sendBufferSize = 64
)

// Handler receives decoded inbound messages for one connection. Every method
// is called from the connection's single readPump goroutine, so
// implementations do not need to be safe for concurrent calls to different
// Handle* methods of the same Conn.
type Handler interface {
	HandlePong()
	HandleStatus(StatusReport)
	HandleCommandAck(CommandAck)
	HandleCommandResult(CommandResult)
	HandleLogsResult(LogsResult)
	HandleLogsStreamLine(LogsStreamLine)
	HandleLogsStreamStatus(LogsStreamStatus)
	// HandleClose is invoked exactly once when the connection's readPump
	// exits for any reason (remote close, write failure, Close called).
	HandleClose()
}

// Conn is one persistent agent connection. It owns the underlying websocket
// connection and serializes all writes through a single goroutine — the
// gorilla/websocket docs require at most one concurrent writer per
// connection, the same constraint the event bus's Client observes.
type Conn struct {
	ServerID string

	ws     *websocket.Conn
	logger *zap.Logger
	send   chan Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

// newConn wraps an upgraded websocket connection. The caller must call Run
// in a goroutine to start the read/write pumps.
func newConn(serverID string, ws *websocket.Conn, logger *zap.Logger) *Conn {
	return &Conn{
		ServerID: serverID,
		ws:       ws,
		logger:   logger,
		send:     make(chan Envelope, sendBufferSize),
		closed:   make(chan struct{}),
	}
}

// Run starts the read and write pumps and blocks until the connection
// closes. handler.HandleClose is guaranteed to be called before Run returns.
func (c *Conn) Run(handler Handler) {
	done := make(chan struct{})
	go func() {
		c.writePump()
		close(done)
	}()

	c.readPump(handler)
	<-done
	handler.HandleClose()
}

// Send enqueues msg for delivery. It returns an error if the connection's
// send buffer is full or already closed — the caller (dispatcher, session)
// treats that the same as "agent not connected".
func (c *Conn) Send(msg Outbound) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: marshal payload: %w", err)
	}
	env := Envelope{Type: msg.messageType(), Payload: body}

	select {
	case <-c.closed:
		return fmt.Errorf("transport: connection to %s is closed", c.ServerID)
	default:
	}

	select {
	case c.send <- env:
		return nil
	default:
		return fmt.Errorf("transport: send buffer full for %s", c.ServerID)
	}
}

// Close closes the underlying connection. Safe to call more than once and
// from any goroutine.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) writePump() {
	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteJSON(env); err != nil {
				c.logger.Warn("transport: write error", zap.String("server_id", c.ServerID), zap.Error(err))
				return
			}
		case <-c.closed:
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Conn) readPump(handler Handler) {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Warn("transport: dropping malformed envelope",
				zap.String("server_id", c.ServerID), zap.Error(err))
			continue
		}

		if err := c.dispatch(env, handler); err != nil {
			c.logger.Warn("transport: dropping invalid message",
				zap.String("server_id", c.ServerID),
				zap.String("type", string(env.Type)),
				zap.Error(err))
			continue
		}
	}
}

// dispatch validates and routes one inbound envelope. Unknown types are
// ignored without error (§4.1 Inbound message validation).
func (c *Conn) dispatch(env Envelope, handler Handler) error {
	switch env.Type {
	case MsgPong:
		handler.HandlePong()
		return nil

	case MsgStatus:
		var s StatusReport
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			return err
		}
		if s.Timestamp == "" {
			return fmt.Errorf("status: missing timestamp")
		}
		handler.HandleStatus(s)
		return nil

	case MsgCommandAck:
		var a CommandAck
		if err := json.Unmarshal(env.Payload, &a); err != nil {
			return err
		}
		if a.CommandID == "" {
			return fmt.Errorf("command:ack: missing commandId")
		}
		handler.HandleCommandAck(a)
		return nil

	case MsgCommandResult:
		var r CommandResult
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return err
		}
		if r.CommandID == "" || (r.Status != "success" && r.Status != "error") {
			return fmt.Errorf("command:result: invalid commandId/status")
		}
		handler.HandleCommandResult(r)
		return nil

	case MsgLogsResult:
		var r LogsResult
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			return err
		}
		if r.CommandID == "" {
			return fmt.Errorf("logs:result: missing commandId")
		}
		handler.HandleLogsResult(r)
		return nil

	case MsgLogsStreamLine:
		var l LogsStreamLine
		if err := json.Unmarshal(env.Payload, &l); err != nil {
			return err
		}
		if l.StreamID == "" {
			return fmt.Errorf("logs:stream:line: missing streamId")
		}
		handler.HandleLogsStreamLine(l)
		return nil

	case MsgLogsStreamStatus:
		var s LogsStreamStatus
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			return err
		}
		if s.StreamID == "" {
			return fmt.Errorf("logs:stream:status: missing streamId")
		}
		handler.HandleLogsStreamStatus(s)
		return nil

	default:
		// Unknown event names are ignored, not treated as invalid (§4.1).
		return nil
	}
}
