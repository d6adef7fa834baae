package wire

import (
	"fmt"

	"github.com/goccy/go-json"
)

// FrameType identifies a control or data frame on the duplex connection.
type FrameType string

// Client → server control frames.
const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FramePing        FrameType = "ping"
)

// Server → client frames.
const (
	FrameConnected    FrameType = "connected"
	FramePong         FrameType = "pong"
	FrameError        FrameType = "error"
	FrameSessionEvent FrameType = "session_event"
)

// WebSocket close codes used during the handshake. They are deliberately
// distinct so the client can tell a missing credential apart from an invalid
// or expired one.
const (
	CloseMissingCredential = 4001
	CloseInvalidCredential = 4002
)

// ClientFrame is a control frame sent by the client. Exactly three shapes are
// valid: subscribe, unsubscribe (both with a session ID) and ping.
type ClientFrame struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
}

// Validate checks the frame shape. Malformed frames are answered with an
// error frame and the connection stays open.
func (f ClientFrame) Validate() error {
	switch f.Type {
	case FrameSubscribe, FrameUnsubscribe:
		if f.SessionID == "" {
			return fmt.Errorf("%s frame requires sessionId", f.Type)
		}
		return nil
	case FramePing:
		return nil
	case "":
		return fmt.Errorf("frame missing type")
	default:
		return fmt.Errorf("unknown frame type %q", f.Type)
	}
}

// ServerFrame is the envelope for everything the server writes. Session
// events are wrapped with their session ID so clients can route them without
// inspecting the payload.
type ServerFrame struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Message   string    `json:"message,omitempty"`
	Event     *Event    `json:"event,omitempty"`
}

// SessionEventFrame wraps a broadcast event for one subscriber.
func SessionEventFrame(sessionID string, ev Event) ServerFrame {
	return ServerFrame{Type: FrameSessionEvent, SessionID: sessionID, Event: &ev}
}

// ErrorFrame reports a per-connection failure without closing the connection.
func ErrorFrame(message string) ServerFrame {
	return ServerFrame{Type: FrameError, Message: message}
}

// Encode marshals the frame for the wire.
func (f ServerFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// DecodeClientFrame unmarshals an inbound control frame.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ClientFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// DecodeServerFrame unmarshals an outbound frame on the client side.
func DecodeServerFrame(data []byte) (ServerFrame, error) {
	var f ServerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ServerFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}

// PermissionResponse is the body of the synchronous permission side channel.
type PermissionResponse struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Decision  string `json:"decision"`
}

// CredentialResponse is the body of the synchronous credential side channel.
type CredentialResponse struct {
	SessionID string          `json:"sessionId"`
	RequestID string          `json:"requestId"`
	Response  json.RawMessage `json:"response"`
}
