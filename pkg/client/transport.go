// Package client implements the relay client: a managed websocket connection
// with reconnect and subscription replay, plus session-view reconstruction
// from the event stream.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/calyptra/relay/pkg/wire"
)

// State is the transport manager's externally visible connection state.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateSignInRequired State = "sign_in_required"
	StateStopped        State = "stopped"
)

// Listener receives events delivered through the fan-out. Listeners run
// synchronously on the delivery goroutine, in receipt order.
type Listener func(ev wire.Event)

// Options configures a Manager. URL and Token are required; the rest falls
// back to defaults.
type Options struct {
	// URL is the websocket endpoint, e.g. "ws://localhost:7433/ws".
	URL string
	// Token is the credential attached at connection establishment.
	Token string
	// ReconnectBase is the backoff base; delay = base × 2^attempt.
	ReconnectBase time.Duration
	// MaxReconnects bounds consecutive failed attempts. Once exhausted the
	// manager stops retrying until the credential changes.
	MaxReconnects int
	// PingInterval is the idle heartbeat period.
	PingInterval time.Duration
	// OnStateChange, when set, observes every state transition.
	OnStateChange func(State)
	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer
}

const (
	defaultReconnectBase = time.Second
	defaultMaxReconnects = 8
	defaultPingInterval  = 30 * time.Second
	readTimeout          = 90 * time.Second
	writeTimeout         = 5 * time.Second
)

type listenerEntry struct {
	sessionID string // "" matches every session
	fn        Listener
}

// Manager owns at most one physical connection to the relay server. It
// reconnects with exponential backoff, replays the desired subscription set
// after every successful connect, and fans received events out to local
// listeners. All event delivery is single-threaded from the application's
// point of view.
type Manager struct {
	opts Options

	mu        sync.Mutex
	token     string
	desired   map[string]struct{}
	listeners map[int]listenerEntry
	nextID    int
	state     State
	conn      *websocket.Conn
	writeMu   sync.Mutex // gorilla allows one concurrent writer

	attempt int
	wakeup  chan struct{} // credential change; buffered, capacity 1

	ctx    context.Context
	cancel context.CancelFunc
	donec  chan struct{}
}

// NewManager creates a Manager. Call Start to begin connecting.
func NewManager(opts Options) *Manager {
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = defaultReconnectBase
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = defaultMaxReconnects
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:      opts,
		token:     opts.Token,
		desired:   make(map[string]struct{}),
		listeners: make(map[int]listenerEntry),
		state:     StateDisconnected,
		wakeup:    make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		donec:     make(chan struct{}),
	}
}

// Start launches the connection loop. It returns immediately.
func (m *Manager) Start() {
	go m.run()
}

// Close shuts the manager down deliberately. Pending reconnect waits are
// cancelled; no further attempts are made.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.mu.Unlock()
	<-m.donec
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetToken replaces the credential. The live connection is torn down, the
// attempt counter resets, and a reconnect starts immediately — including
// from the terminal disconnected state. An empty token is a logout: the
// manager disconnects and waits for a new credential.
func (m *Manager) SetToken(token string) {
	m.mu.Lock()
	m.token = token
	m.attempt = 0
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	// Wake a pending backoff wait or a terminal-state park.
	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

// Subscribe adds sessionID to the desired subscription set and, when
// connected, sends the subscribe frame. The set survives disconnects and is
// replayed after every successful reconnect.
func (m *Manager) Subscribe(sessionID string) {
	m.mu.Lock()
	m.desired[sessionID] = struct{}{}
	conn := m.connIfConnected()
	m.mu.Unlock()

	if conn != nil {
		m.writeFrame(conn, wire.ClientFrame{Type: wire.FrameSubscribe, SessionID: sessionID})
	}
}

// Unsubscribe removes sessionID from the desired set and, when connected,
// sends the unsubscribe frame.
func (m *Manager) Unsubscribe(sessionID string) {
	m.mu.Lock()
	delete(m.desired, sessionID)
	conn := m.connIfConnected()
	m.mu.Unlock()

	if conn != nil {
		m.writeFrame(conn, wire.ClientFrame{Type: wire.FrameUnsubscribe, SessionID: sessionID})
	}
}

// OnSessionEvent registers a listener for events of one session, or for all
// sessions when sessionID is empty. The returned function deregisters the
// listener; it is safe to call multiple times and from within the listener
// callback itself.
func (m *Manager) OnSessionEvent(sessionID string, fn Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = listenerEntry{sessionID: sessionID, fn: fn}
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// run is the connection loop: dial, serve, classify the failure, back off,
// repeat. It exits only when the manager is closed.
func (m *Manager) run() {
	defer close(m.donec)
	defer m.setState(StateStopped)

	for {
		if m.ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		token := m.token
		m.mu.Unlock()

		if token == "" {
			// Logged out: no credential to present, nothing to retry.
			m.setState(StateSignInRequired)
			if !m.waitWakeup() {
				return
			}
			continue
		}

		authFailed := m.connectAndServe(token)
		if m.ctx.Err() != nil {
			return
		}

		m.mu.Lock()
		m.attempt++
		attempt := m.attempt
		m.mu.Unlock()

		if attempt > m.opts.MaxReconnects {
			// Retry budget exhausted: surface a terminal state and park
			// until the credential changes.
			if authFailed {
				m.setState(StateSignInRequired)
			} else {
				m.setState(StateDisconnected)
			}
			log.Warn().
				Int("attempts", attempt).
				Msg("Reconnect attempts exhausted")
			if !m.waitWakeup() {
				return
			}
			continue
		}

		delay := BackoffDelay(m.opts.ReconnectBase, attempt)
		log.Debug().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Scheduling reconnect")

		m.setState(StateDisconnected)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-m.wakeup:
			// Credential changed: reconnect immediately.
			timer.Stop()
		case <-m.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// connectAndServe performs one connection cycle: dial, await the post-auth
// ack, replay subscriptions, then pump events until the connection fails.
// Reports whether the failure was an authentication rejection.
func (m *Manager) connectAndServe(token string) (authFailed bool) {
	m.setState(StateConnecting)

	conn, resp, err := m.opts.Dialer.DialContext(m.ctx, m.opts.URL+"?token="+token, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		log.Debug().Err(err).Msg("Dial failed")
		return false
	}
	defer conn.Close()

	// The first frame is the post-auth ack; a rejected handshake sends an
	// error frame followed by a distinguishable close code instead.
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	first, err := m.readFrame(conn)
	if err != nil {
		return isAuthClose(err)
	}
	if first.Type != wire.FrameConnected {
		// Error frame before the ack: drain until the close code tells us
		// whether the credential was rejected.
		for {
			if _, err := m.readFrame(conn); err != nil {
				return isAuthClose(err)
			}
		}
	}

	m.mu.Lock()
	if m.token != token {
		// The credential changed while the dial was in flight. This
		// connection authenticated with the stale token and must not
		// survive a logout or credential swap.
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.attempt = 0
	// State flips inside the same critical section as the replay snapshot:
	// a Subscribe landing between the two would otherwise miss both the
	// replay and the live send.
	m.state = StateConnected
	replay := make([]string, 0, len(m.desired))
	for id := range m.desired {
		replay = append(replay, id)
	}
	m.mu.Unlock()

	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(StateConnected)
	}

	for _, id := range replay {
		m.writeFrame(conn, wire.ClientFrame{Type: wire.FrameSubscribe, SessionID: id})
	}

	pingDone := make(chan struct{})
	go m.pingLoop(conn, pingDone)
	defer close(pingDone)

	for {
		frame, err := m.readFrame(conn)
		if err != nil {
			m.mu.Lock()
			m.conn = nil
			m.mu.Unlock()
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("Connection lost")
			}
			return isAuthClose(err)
		}

		switch frame.Type {
		case wire.FrameSessionEvent:
			if frame.Event != nil {
				m.fanOut(*frame.Event)
			}
		case wire.FramePong:
			// Heartbeat answered; the read deadline was already extended.
		case wire.FrameError:
			log.Warn().Str("message", frame.Message).Msg("Server reported error")
		}
	}
}

func (m *Manager) readFrame(conn *websocket.Conn) (wire.ServerFrame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return wire.ServerFrame{}, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	return wire.DecodeServerFrame(data)
}

func (m *Manager) writeFrame(conn *websocket.Conn, f wire.ClientFrame) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(f); err != nil {
		log.Debug().Err(err).Str("type", string(f.Type)).Msg("Write failed")
	}
}

// pingLoop sends application-level pings until the connection cycle ends.
func (m *Manager) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.writeFrame(conn, wire.ClientFrame{Type: wire.FramePing})
		case <-done:
			return
		}
	}
}

// fanOut delivers one event to every matching listener, synchronously and
// in registration-independent order. The listener map is snapshotted first
// so deregistration from within a callback cannot corrupt iteration.
func (m *Manager) fanOut(ev wire.Event) {
	m.mu.Lock()
	entries := make([]listenerEntry, 0, len(m.listeners))
	for _, e := range m.listeners {
		if e.sessionID == "" || e.sessionID == ev.SessionID {
			entries = append(entries, e)
		}
	}
	m.mu.Unlock()

	for _, e := range entries {
		e.fn(ev)
	}
}

func (m *Manager) connIfConnected() *websocket.Conn {
	if m.state != StateConnected {
		return nil
	}
	return m.conn
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.mu.Unlock()

	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(s)
	}
}

// waitWakeup parks until the credential changes or the manager closes.
// Returns false on shutdown.
func (m *Manager) waitWakeup() bool {
	select {
	case <-m.wakeup:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// BackoffDelay returns the reconnect delay for the given attempt (1-based):
// base × 2^(attempt-1). The bound lives in the attempt cap, not the delay.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// isAuthClose reports whether the connection was closed with one of the
// handshake rejection codes.
func isAuthClose(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == wire.CloseMissingCredential || closeErr.Code == wire.CloseInvalidCredential
	}
	return false
}
