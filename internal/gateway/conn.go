// Package gateway accepts websocket connections, authenticates them, and
// bridges them to the subscription registry.
package gateway

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/calyptra/relay/internal/auth"
	"github.com/calyptra/relay/internal/broker"
	"github.com/calyptra/relay/pkg/wire"
)

// connState is the explicit connection lifecycle. Transitions only move
// forward: connecting → authenticating → open → closed.
type connState int32

const (
	stateConnecting connState = iota
	stateAuthenticating
	stateOpen
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is one authenticated websocket connection. It implements broker.Conn:
// the registry hands it events and the write pump serializes them onto the
// socket. Sends never block the broadcaster; a full send buffer fails the
// send and the registry drops the connection.
type Conn struct {
	id       string
	ws       *websocket.Conn
	identity *auth.Identity
	registry *broker.Registry

	send      chan []byte
	state     atomic.Int32
	closeOnce sync.Once
	done      chan struct{}

	writeTimeout time.Duration
	pongTimeout  time.Duration
}

// ID implements broker.Conn.
func (c *Conn) ID() string { return c.id }

// Identity returns the principal attached at handshake time.
func (c *Conn) Identity() *auth.Identity { return c.identity }

// SendEvent implements broker.Conn. The event is wrapped in a session_event
// envelope and queued for the write pump. Returns an error when the
// connection is not open or the send buffer is full.
func (c *Conn) SendEvent(sessionID string, ev wire.Event) error {
	if connState(c.state.Load()) != stateOpen {
		return fmt.Errorf("connection %s is %s", c.id, connState(c.state.Load()))
	}

	data, err := wire.SessionEventFrame(sessionID, ev).Encode()
	if err != nil {
		return fmt.Errorf("encode session event: %w", err)
	}

	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send buffer full for connection %s", c.id)
	}
}

// sendFrame queues a control frame, dropping it if the buffer is full.
// Control frames are advisory; a client too slow to drain pongs and error
// frames is about to be dropped anyway.
func (c *Conn) sendFrame(f wire.ServerFrame) {
	data, err := f.Encode()
	if err != nil {
		log.Error().Err(err).Str("connId", c.id).Msg("Failed to encode frame")
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// transition advances the state machine. Invalid transitions indicate a bug
// in the gateway and are logged loudly rather than panicking the server.
func (c *Conn) transition(from, to connState) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		log.Error().
			Str("connId", c.id).
			Str("from", from.String()).
			Str("to", to.String()).
			Str("actual", connState(c.state.Load()).String()).
			Msg("Invalid connection state transition")
		return false
	}
	return true
}

// close tears the connection down exactly once: registry cleanup, state to
// closed, socket closed, write pump released. Safe to call from the read
// pump, the write pump, and the error path simultaneously.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(stateClosed))
		if c.registry != nil {
			c.registry.DropConnection(c)
		}
		close(c.done)
		_ = c.ws.Close()

		log.Debug().Str("connId", c.id).Msg("Connection closed")
	})
}

// readPump consumes inbound control frames until the socket errors or
// closes. Runs on the connection's handler goroutine.
func (c *Conn) readPump() {
	defer c.close()

	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongTimeout))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Str("connId", c.id).Err(err).Msg("Read failed")
			}
			return
		}
		// Any inbound traffic proves liveness.
		_ = c.ws.SetReadDeadline(time.Now().Add(c.pongTimeout))

		c.handleFrame(data)
	}
}

// handleFrame dispatches one inbound control frame. Malformed input is
// answered with an error frame and the connection stays open.
func (c *Conn) handleFrame(data []byte) {
	if connState(c.state.Load()) != stateOpen {
		// Cannot happen: the pump starts after authentication. Guard anyway
		// so a future refactor fails visibly instead of leaking frames.
		c.sendFrame(wire.ErrorFrame("connection not open"))
		return
	}

	frame, err := wire.DecodeClientFrame(data)
	if err != nil {
		c.sendFrame(wire.ErrorFrame("malformed frame"))
		return
	}
	if err := frame.Validate(); err != nil {
		c.sendFrame(wire.ErrorFrame(err.Error()))
		return
	}

	switch frame.Type {
	case wire.FrameSubscribe:
		c.registry.Subscribe(frame.SessionID, c)
	case wire.FrameUnsubscribe:
		c.registry.Unsubscribe(frame.SessionID, c)
	case wire.FramePing:
		c.sendFrame(wire.ServerFrame{Type: wire.FramePong})
	}
}

// writePump drains the send channel onto the socket. One writer per
// connection keeps gorilla's single-writer requirement.
func (c *Conn) writePump() {
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Str("connId", c.id).Err(err).Msg("Write failed")
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}
