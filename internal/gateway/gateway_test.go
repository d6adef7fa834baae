// Package gateway accepts websocket connections, authenticates them, and
// bridges them to the subscription registry.
package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"

	"github.com/calyptra/relay/internal/auth"
	"github.com/calyptra/relay/internal/broker"
	"github.com/calyptra/relay/pkg/wire"
)

// GatewaySuite is a test suite for websocket handshake and frame handling.
type GatewaySuite struct {
	suite.Suite
	registry *broker.Registry
	server   *httptest.Server
}

func (s *GatewaySuite) SetupTest() {
	hash, err := auth.HashSecret("s3cret")
	s.Require().NoError(err)
	verifier := auth.NewStaticVerifier([]auth.TokenEntry{
		{UserID: "u1", Name: "Alice", Hash: hash},
	})

	s.registry = broker.NewRegistry()
	gw := New(s.registry, verifier, Options{
		SendBuffer:   16,
		WriteTimeout: time.Second,
		PongTimeout:  5 * time.Second,
	})
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWS)
	s.server = httptest.NewServer(mux)
}

func (s *GatewaySuite) TearDownTest() {
	s.server.Close()
}

func TestGatewaySuite(t *testing.T) {
	suite.Run(t, new(GatewaySuite))
}

func (s *GatewaySuite) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

// dial connects and consumes the post-auth connected frame.
func (s *GatewaySuite) dial(token string) *websocket.Conn {
	ws, _, err := websocket.DefaultDialer.Dial(s.wsURL(token), nil)
	s.Require().NoError(err)
	s.T().Cleanup(func() { ws.Close() })

	frame := s.readFrame(ws)
	s.Require().Equal(wire.FrameConnected, frame.Type)
	return ws
}

func (s *GatewaySuite) readFrame(ws *websocket.Conn) wire.ServerFrame {
	s.Require().NoError(ws.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, data, err := ws.ReadMessage()
	s.Require().NoError(err)
	frame, err := wire.DecodeServerFrame(data)
	s.Require().NoError(err)
	return frame
}

func (s *GatewaySuite) writeFrame(ws *websocket.Conn, f wire.ClientFrame) {
	s.Require().NoError(ws.WriteJSON(f))
}

// expectClose reads until the peer closes and returns the close code.
func (s *GatewaySuite) expectClose(ws *websocket.Conn) int {
	s.Require().NoError(ws.SetReadDeadline(time.Now().Add(2 * time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		s.Require().True(ok, "expected close error, got %v", err)
		return closeErr.Code
	}
}

// TestHandshake_MissingCredential tests that connecting without a token
// yields an error frame and close code 4001.
func (s *GatewaySuite) TestHandshake_MissingCredential() {
	ws, _, err := websocket.DefaultDialer.Dial(s.wsURL(""), nil)
	s.Require().NoError(err)
	defer ws.Close()

	frame := s.readFrame(ws)
	s.Equal(wire.FrameError, frame.Type)
	s.Equal(wire.CloseMissingCredential, s.expectClose(ws))
}

// TestHandshake_InvalidCredential tests that a bad token yields close code
// 4002, distinct from the missing-credential code.
func (s *GatewaySuite) TestHandshake_InvalidCredential() {
	ws, _, err := websocket.DefaultDialer.Dial(s.wsURL("u1:wrong"), nil)
	s.Require().NoError(err)
	defer ws.Close()

	frame := s.readFrame(ws)
	s.Equal(wire.FrameError, frame.Type)
	s.Equal(wire.CloseInvalidCredential, s.expectClose(ws))
}

// TestHandshake_BearerHeader tests the Authorization header path.
func (s *GatewaySuite) TestHandshake_BearerHeader() {
	headers := map[string][]string{"Authorization": {"Bearer u1:s3cret"}}
	ws, _, err := websocket.DefaultDialer.Dial(s.wsURL(""), headers)
	s.Require().NoError(err)
	defer ws.Close()

	frame := s.readFrame(ws)
	s.Equal(wire.FrameConnected, frame.Type)
}

// TestPingPong tests the application-level heartbeat.
func (s *GatewaySuite) TestPingPong() {
	ws := s.dial("u1:s3cret")

	s.writeFrame(ws, wire.ClientFrame{Type: wire.FramePing})
	s.Equal(wire.FramePong, s.readFrame(ws).Type)
}

// TestSubscribeAndBroadcast tests that a subscribed connection receives
// broadcast events wrapped in a session_event envelope.
func (s *GatewaySuite) TestSubscribeAndBroadcast() {
	ws := s.dial("u1:s3cret")

	s.writeFrame(ws, wire.ClientFrame{Type: wire.FrameSubscribe, SessionID: "s1"})
	s.Require().Eventually(func() bool {
		return s.registry.SubscriberCount("s1") == 1
	}, time.Second, 10*time.Millisecond)

	s.registry.Broadcast("s1", wire.Event{
		Kind:      wire.KindToolStart,
		SessionID: "s1",
		TurnID:    "t1",
		ToolUseID: "u1",
		ToolName:  "bash",
	})

	frame := s.readFrame(ws)
	s.Equal(wire.FrameSessionEvent, frame.Type)
	s.Equal("s1", frame.SessionID)
	s.Require().NotNil(frame.Event)
	s.Equal(wire.KindToolStart, frame.Event.Kind)
	s.Equal("bash", frame.Event.ToolName)
}

// TestUnsubscribeStopsDelivery tests that unsubscribe removes the
// connection from the session.
func (s *GatewaySuite) TestUnsubscribeStopsDelivery() {
	ws := s.dial("u1:s3cret")

	s.writeFrame(ws, wire.ClientFrame{Type: wire.FrameSubscribe, SessionID: "s1"})
	s.Require().Eventually(func() bool {
		return s.registry.SubscriberCount("s1") == 1
	}, time.Second, 10*time.Millisecond)

	s.writeFrame(ws, wire.ClientFrame{Type: wire.FrameUnsubscribe, SessionID: "s1"})
	s.Require().Eventually(func() bool {
		return s.registry.SubscriberCount("s1") == 0
	}, time.Second, 10*time.Millisecond)
}

// TestMalformedFrame tests that garbage input yields an error frame with
// the connection left open.
func (s *GatewaySuite) TestMalformedFrame() {
	ws := s.dial("u1:s3cret")

	s.Require().NoError(ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	s.Equal(wire.FrameError, s.readFrame(ws).Type)

	// Connection survives: heartbeat still answered.
	s.writeFrame(ws, wire.ClientFrame{Type: wire.FramePing})
	s.Equal(wire.FramePong, s.readFrame(ws).Type)
}

// TestUnknownFrameType tests that a well-formed frame of an unknown type is
// rejected without closing the connection.
func (s *GatewaySuite) TestUnknownFrameType() {
	ws := s.dial("u1:s3cret")

	s.writeFrame(ws, wire.ClientFrame{Type: "resubscribe", SessionID: "s1"})
	frame := s.readFrame(ws)
	s.Equal(wire.FrameError, frame.Type)
	s.Contains(frame.Message, "unknown frame type")

	s.writeFrame(ws, wire.ClientFrame{Type: wire.FramePing})
	s.Equal(wire.FramePong, s.readFrame(ws).Type)
}

// TestCloseDropsSubscriptions tests that closing the socket removes the
// connection from every session it was subscribed to.
func (s *GatewaySuite) TestCloseDropsSubscriptions() {
	ws := s.dial("u1:s3cret")

	s.writeFrame(ws, wire.ClientFrame{Type: wire.FrameSubscribe, SessionID: "s1"})
	s.writeFrame(ws, wire.ClientFrame{Type: wire.FrameSubscribe, SessionID: "s2"})
	s.Require().Eventually(func() bool {
		return s.registry.SubscriberCount("s1") == 1 && s.registry.SubscriberCount("s2") == 1
	}, time.Second, 10*time.Millisecond)

	ws.Close()

	s.Require().Eventually(func() bool {
		return s.registry.SessionCount() == 0
	}, time.Second, 10*time.Millisecond)
}
