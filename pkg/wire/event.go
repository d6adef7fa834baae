// Package wire defines the event taxonomy and frame types exchanged between
// the relay server and its clients. Both sides share this package, so it
// carries no behavior beyond encoding helpers.
package wire

import (
	"github.com/goccy/go-json"
)

// EventKind identifies the payload shape of an Event.
type EventKind string

// Event kinds emitted by the agent runtime and streamed to subscribers.
// Within one session, tool_start always precedes its tool_result and a
// text_delta always precedes the matching text_complete. At most one
// permission_request or credential_request is outstanding per session at a
// time; this is guaranteed by the producer, not enforced here.
const (
	KindTextDelta         EventKind = "text_delta"
	KindTextComplete      EventKind = "text_complete"
	KindToolStart         EventKind = "tool_start"
	KindToolResult        EventKind = "tool_result"
	KindPermissionRequest EventKind = "permission_request"
	KindCredentialRequest EventKind = "credential_request"
	KindUserMessage       EventKind = "user_message"
	KindComplete          EventKind = "complete"
	KindInterrupted       EventKind = "interrupted"
	KindError             EventKind = "error"

	// Metadata kinds mutate session attributes without touching messages.
	KindTitleGenerated   EventKind = "title_generated"
	KindSessionFlagged   EventKind = "session_flagged"
	KindTodoStateChanged EventKind = "todo_state_changed"
	KindUsageUpdate      EventKind = "usage_update"
)

// IsMetadata reports whether the kind only mutates session attributes.
func (k EventKind) IsMetadata() bool {
	switch k {
	case KindTitleGenerated, KindSessionFlagged, KindTodoStateChanged, KindUsageUpdate:
		return true
	}
	return false
}

// Event is a single entry in a session's event stream. It is a tagged union
// keyed by Kind; only the fields relevant to that kind are populated.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"sessionId"`

	// Streaming text (text_delta, text_complete).
	TurnID string `json:"turnId,omitempty"`
	Delta  string `json:"delta,omitempty"`
	Text   string `json:"text,omitempty"`

	// Tool calls (tool_start, tool_result). ParentToolUseID forms a tree for
	// nested and backgrounded calls.
	ToolUseID       string          `json:"toolUseId,omitempty"`
	ToolName        string          `json:"toolName,omitempty"`
	ToolInput       json.RawMessage `json:"toolInput,omitempty"`
	ParentToolUseID string          `json:"parentToolUseId,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	IsError         bool            `json:"isError,omitempty"`

	// Prompts (permission_request, credential_request).
	RequestID  string `json:"requestId,omitempty"`
	RiskLevel  string `json:"riskLevel,omitempty"`
	SourceSlug string `json:"sourceSlug,omitempty"`
	Mode       string `json:"mode,omitempty"`

	// Turn boundary and error detail (user_message, error).
	Message string `json:"message,omitempty"`

	// Session metadata (title_generated, session_flagged, todo_state_changed,
	// usage_update).
	Title   string          `json:"title,omitempty"`
	Flagged *bool           `json:"flagged,omitempty"`
	Todos   json.RawMessage `json:"todos,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// Usage carries cumulative token accounting for a session.
type Usage struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUSD      float64 `json:"costUsd,omitempty"`
}

// Encode marshals the event for the wire.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent unmarshals a wire event.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(data, &ev)
	return ev, err
}
