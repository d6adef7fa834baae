package store

import (
	"time"

	"gorm.io/gorm"
)

// GORM models. The wire/API shapes live in pkg/models; these carry the
// storage-only concerns (indexes, autoincrement keys, status checks).

// Session is a persisted session row.
type Session struct {
	ID             string `gorm:"primaryKey"`
	Title          string
	Status         string `gorm:"type:text;check:status IN ('active', 'completed', 'interrupted', 'failed');default:'active';index"`
	Flagged        bool   `gorm:"default:false"`
	TodoState      string `gorm:"type:text"` // JSON
	InputTokens    int64  `gorm:"default:0"`
	OutputTokens   int64  `gorm:"default:0"`
	CostUSD        float64
	CreatedAtEpoch int64 `gorm:"index:idx_sessions_created,sort:desc;not null"`
	UpdatedAtEpoch int64 `gorm:"not null"`
}

func (Session) TableName() string { return "sessions" }

// BeforeCreate hook to ensure timestamps are set.
func (s *Session) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().UnixMilli()
	if s.CreatedAtEpoch == 0 {
		s.CreatedAtEpoch = now
	}
	if s.UpdatedAtEpoch == 0 {
		s.UpdatedAtEpoch = now
	}
	return nil
}

// Message is one persisted transcript entry.
type Message struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	SessionID       string `gorm:"index:idx_messages_session;not null"`
	TurnID          string `gorm:"index"`
	Role            string `gorm:"type:text;check:role IN ('user', 'assistant', 'tool');not null"`
	Content         string `gorm:"type:text"`
	ToolUseID       string `gorm:"index"`
	ParentToolUseID string
	ToolName        string
	ToolInput       string `gorm:"type:text"` // JSON
	ToolResult      string `gorm:"type:text"` // JSON
	IsError         bool   `gorm:"default:false"`
	CreatedAtEpoch  int64  `gorm:"index:idx_messages_created;not null"`
}

func (Message) TableName() string { return "messages" }

// BeforeCreate hook to ensure timestamps are set.
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.CreatedAtEpoch == 0 {
		m.CreatedAtEpoch = time.Now().UnixMilli()
	}
	return nil
}
