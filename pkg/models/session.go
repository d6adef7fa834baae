// Package models contains domain models for relay.
package models

import (
	"github.com/goccy/go-json"
)

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionStatusActive      SessionStatus = "active"
	SessionStatusCompleted   SessionStatus = "completed"
	SessionStatusInterrupted SessionStatus = "interrupted"
	SessionStatusFailed      SessionStatus = "failed"
)

// Session is the persisted session record.
type Session struct {
	ID             string          `json:"id"`
	Title          string          `json:"title,omitempty"`
	Status         SessionStatus   `json:"status"`
	Flagged        bool            `json:"flagged"`
	TodoState      json.RawMessage `json:"todoState,omitempty"`
	InputTokens    int64           `json:"inputTokens"`
	OutputTokens   int64           `json:"outputTokens"`
	CostUSD        float64         `json:"costUsd,omitempty"`
	CreatedAtEpoch int64           `json:"createdAtEpoch"`
	UpdatedAtEpoch int64           `json:"updatedAtEpoch"`
}

// MessageRole identifies who produced a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Message is one persisted entry in a session's transcript.
type Message struct {
	ID              int64           `json:"id"`
	SessionID       string          `json:"sessionId"`
	TurnID          string          `json:"turnId,omitempty"`
	Role            MessageRole     `json:"role"`
	Content         string          `json:"content,omitempty"`
	ToolUseID       string          `json:"toolUseId,omitempty"`
	ParentToolUseID string          `json:"parentToolUseId,omitempty"`
	ToolName        string          `json:"toolName,omitempty"`
	ToolInput       json.RawMessage `json:"toolInput,omitempty"`
	ToolResult      json.RawMessage `json:"toolResult,omitempty"`
	IsError         bool            `json:"isError,omitempty"`
	CreatedAtEpoch  int64           `json:"createdAtEpoch"`
}

// SessionSnapshot is the authoritative persisted view of a session: the
// session record plus its ordered message list. Streaming state lives in the
// client-side overlay, never here.
type SessionSnapshot struct {
	Session  Session   `json:"session"`
	Messages []Message `json:"messages"`
}
