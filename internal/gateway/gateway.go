package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/calyptra/relay/internal/auth"
	"github.com/calyptra/relay/internal/broker"
	"github.com/calyptra/relay/pkg/wire"
)

// Options tunes per-connection behavior. Zero values fall back to defaults.
type Options struct {
	SendBuffer   int
	WriteTimeout time.Duration
	PongTimeout  time.Duration
}

const (
	defaultSendBuffer   = 256
	defaultWriteTimeout = 5 * time.Second
	defaultPongTimeout  = 60 * time.Second
	maxFrameBytes       = 32 * 1024
)

// Gateway upgrades HTTP requests to websocket connections, authenticates
// them, and wires them into the subscription registry.
type Gateway struct {
	registry *broker.Registry
	verifier auth.Verifier
	upgrader websocket.Upgrader
	opts     Options
}

// New creates a Gateway bound to the given registry and credential verifier.
func New(registry *broker.Registry, verifier auth.Verifier, opts Options) *Gateway {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaultPongTimeout
	}
	return &Gateway{
		registry: registry,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser tabs connect from arbitrary origins in local
			// deployments; token auth is the access control.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		opts: opts,
	}
}

// HandleWS is the HTTP handler for /ws. The credential is a connection
// establishment parameter (query string or Authorization header), never a
// frame. A failed handshake sends one error frame and closes with a code
// that distinguishes a missing credential from an invalid one.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	conn := &Conn{
		id:           uuid.NewString(),
		ws:           ws,
		registry:     g.registry,
		send:         make(chan []byte, g.opts.SendBuffer),
		done:         make(chan struct{}),
		writeTimeout: g.opts.WriteTimeout,
		pongTimeout:  g.opts.PongTimeout,
	}

	conn.transition(stateConnecting, stateAuthenticating)

	identity, err := g.verifier.Verify(r.Context(), bearerToken(r))
	if err != nil {
		g.rejectHandshake(conn, err)
		return
	}
	conn.identity = identity

	if !conn.transition(stateAuthenticating, stateOpen) {
		_ = ws.Close()
		return
	}

	log.Debug().
		Str("connId", conn.id).
		Str("userId", identity.UserID).
		Msg("Connection authenticated")

	go conn.writePump()
	conn.sendFrame(wire.ServerFrame{Type: wire.FrameConnected})
	conn.readPump()
}

// rejectHandshake sends a single error frame and closes the socket with a
// close code the client can branch on.
func (g *Gateway) rejectHandshake(conn *Conn, err error) {
	code := wire.CloseInvalidCredential
	if errors.Is(err, auth.ErrMissingToken) {
		code = wire.CloseMissingCredential
	}

	deadline := time.Now().Add(g.opts.WriteTimeout)
	if data, encErr := wire.ErrorFrame(err.Error()).Encode(); encErr == nil {
		_ = conn.ws.SetWriteDeadline(deadline)
		_ = conn.ws.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, err.Error()),
		deadline,
	)

	conn.state.Store(int32(stateClosed))
	_ = conn.ws.Close()

	log.Debug().
		Str("connId", conn.id).
		Int("code", code).
		Msg("Handshake rejected")
}

// bearerToken extracts the credential from the request: the token query
// parameter, or an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return ""
}
