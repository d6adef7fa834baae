package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"

	"github.com/calyptra/relay/pkg/models"
	"github.com/calyptra/relay/pkg/wire"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// SessionStore provides session-related database operations.
type SessionStore struct {
	db *gorm.DB
}

// NewSessionStore creates a new session store.
func NewSessionStore(store *Store) *SessionStore {
	return &SessionStore{db: store.DB}
}

// CreateSession inserts a new active session.
func (s *SessionStore) CreateSession(ctx context.Context, id, title string) (*models.Session, error) {
	row := &Session{
		ID:     id,
		Title:  title,
		Status: string(models.SessionStatusActive),
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m := toModel(row)
	return &m, nil
}

// GetSession retrieves a session by ID.
func (s *SessionStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var row Session
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	m := toModel(&row)
	return &m, nil
}

// ListSessions returns sessions ordered by creation time, newest first.
func (s *SessionStore) ListSessions(ctx context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []Session
	err := s.db.WithContext(ctx).
		Order("created_at_epoch DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]models.Session, len(rows))
	for i := range rows {
		out[i] = toModel(&rows[i])
	}
	return out, nil
}

// DeleteSession removes a session and its messages.
func (s *SessionStore) DeleteSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&Session{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Delete(&Message{}, "session_id = ?", id).Error
	})
}

// SetStatus updates a session's lifecycle status.
func (s *SessionStore) SetStatus(ctx context.Context, id string, status models.SessionStatus) error {
	return s.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":           string(status),
			"updated_at_epoch": time.Now().UnixMilli(),
		}).Error
}

// ApplyMetadata shallow-merges a metadata event onto the session row. Only
// the attributes the event carries are written; the message list is never
// touched.
func (s *SessionStore) ApplyMetadata(ctx context.Context, ev wire.Event) error {
	updates := map[string]any{
		"updated_at_epoch": time.Now().UnixMilli(),
	}

	switch ev.Kind {
	case wire.KindTitleGenerated:
		updates["title"] = ev.Title
	case wire.KindSessionFlagged:
		if ev.Flagged != nil {
			updates["flagged"] = *ev.Flagged
		}
	case wire.KindTodoStateChanged:
		updates["todo_state"] = string(ev.Todos)
	case wire.KindUsageUpdate:
		if ev.Usage != nil {
			updates["input_tokens"] = ev.Usage.InputTokens
			updates["output_tokens"] = ev.Usage.OutputTokens
			updates["cost_usd"] = ev.Usage.CostUSD
		}
	default:
		return fmt.Errorf("not a metadata event: %s", ev.Kind)
	}

	return s.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", ev.SessionID).
		Updates(updates).Error
}

// AppendMessage appends one transcript entry.
func (s *SessionStore) AppendMessage(ctx context.Context, msg models.Message) (int64, error) {
	row := &Message{
		SessionID:       msg.SessionID,
		TurnID:          msg.TurnID,
		Role:            string(msg.Role),
		Content:         msg.Content,
		ToolUseID:       msg.ToolUseID,
		ParentToolUseID: msg.ParentToolUseID,
		ToolName:        msg.ToolName,
		ToolInput:       string(msg.ToolInput),
		ToolResult:      string(msg.ToolResult),
		IsError:         msg.IsError,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	return row.ID, nil
}

// GetSessionSnapshot returns the authoritative session view: the session
// record plus its messages in insertion order. Returns ErrNotFound when the
// session does not exist.
func (s *SessionStore) GetSessionSnapshot(ctx context.Context, id string) (*models.SessionSnapshot, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	var rows []Message
	err = s.db.WithContext(ctx).
		Where("session_id = ?", id).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}

	snap := &models.SessionSnapshot{
		Session:  *session,
		Messages: make([]models.Message, len(rows)),
	}
	for i := range rows {
		snap.Messages[i] = toMessageModel(&rows[i])
	}
	return snap, nil
}

func toModel(row *Session) models.Session {
	m := models.Session{
		ID:             row.ID,
		Title:          row.Title,
		Status:         models.SessionStatus(row.Status),
		Flagged:        row.Flagged,
		InputTokens:    row.InputTokens,
		OutputTokens:   row.OutputTokens,
		CostUSD:        row.CostUSD,
		CreatedAtEpoch: row.CreatedAtEpoch,
		UpdatedAtEpoch: row.UpdatedAtEpoch,
	}
	if row.TodoState != "" {
		m.TodoState = json.RawMessage(row.TodoState)
	}
	return m
}

func toMessageModel(row *Message) models.Message {
	m := models.Message{
		ID:              row.ID,
		SessionID:       row.SessionID,
		TurnID:          row.TurnID,
		Role:            models.MessageRole(row.Role),
		Content:         row.Content,
		ToolUseID:       row.ToolUseID,
		ParentToolUseID: row.ParentToolUseID,
		ToolName:        row.ToolName,
		IsError:         row.IsError,
		CreatedAtEpoch:  row.CreatedAtEpoch,
	}
	if row.ToolInput != "" {
		m.ToolInput = json.RawMessage(row.ToolInput)
	}
	if row.ToolResult != "" {
		m.ToolResult = json.RawMessage(row.ToolResult)
	}
	return m
}
