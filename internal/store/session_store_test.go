// Package store persists sessions and their transcripts in SQLite via GORM.
package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	"github.com/calyptra/relay/pkg/models"
	"github.com/calyptra/relay/pkg/wire"
)

// SessionStoreSuite is a test suite for session persistence.
type SessionStoreSuite struct {
	suite.Suite
	store    *Store
	sessions *SessionStore
	ctx      context.Context
}

func (s *SessionStoreSuite) SetupTest() {
	var err error
	s.store, err = NewStore(Config{
		Path:     filepath.Join(s.T().TempDir(), "relay-test.db"),
		LogLevel: logger.Silent,
	})
	s.Require().NoError(err)
	s.sessions = NewSessionStore(s.store)
	s.ctx = context.Background()
}

func (s *SessionStoreSuite) TearDownTest() {
	s.store.Close()
}

func TestSessionStoreSuite(t *testing.T) {
	suite.Run(t, new(SessionStoreSuite))
}

// TestNewStore_UnreachablePath exercises the setup error path: the parent
// directory does not exist, so the connection never becomes usable.
func TestNewStore_UnreachablePath(t *testing.T) {
	_, err := NewStore(Config{
		Path:     filepath.Join(t.TempDir(), "missing", "relay-test.db"),
		LogLevel: logger.Silent,
	})
	require.Error(t, err)
}

// TestCreateAndGet tests session creation and retrieval.
func (s *SessionStoreSuite) TestCreateAndGet() {
	created, err := s.sessions.CreateSession(s.ctx, "s1", "First session")
	s.Require().NoError(err)
	s.Equal(models.SessionStatusActive, created.Status)
	s.NotZero(created.CreatedAtEpoch)

	got, err := s.sessions.GetSession(s.ctx, "s1")
	s.Require().NoError(err)
	s.Equal("First session", got.Title)
}

// TestGetMissing tests ErrNotFound for unknown IDs.
func (s *SessionStoreSuite) TestGetMissing() {
	_, err := s.sessions.GetSession(s.ctx, "nope")
	s.ErrorIs(err, ErrNotFound)
}

// TestListSessions tests ordering and limit.
func (s *SessionStoreSuite) TestListSessions() {
	for _, id := range []string{"s1", "s2", "s3"} {
		_, err := s.sessions.CreateSession(s.ctx, id, "")
		s.Require().NoError(err)
	}

	list, err := s.sessions.ListSessions(s.ctx, 2)
	s.Require().NoError(err)
	s.Len(list, 2)
}

// TestDeleteSession tests that delete removes the session and its messages.
func (s *SessionStoreSuite) TestDeleteSession() {
	_, err := s.sessions.CreateSession(s.ctx, "s1", "")
	s.Require().NoError(err)
	_, err = s.sessions.AppendMessage(s.ctx, models.Message{
		SessionID: "s1", Role: models.RoleUser, Content: "hi",
	})
	s.Require().NoError(err)

	s.Require().NoError(s.sessions.DeleteSession(s.ctx, "s1"))

	_, err = s.sessions.GetSession(s.ctx, "s1")
	s.ErrorIs(err, ErrNotFound)

	s.ErrorIs(s.sessions.DeleteSession(s.ctx, "s1"), ErrNotFound)
}

// TestApplyMetadata tests shallow merge of metadata events.
func (s *SessionStoreSuite) TestApplyMetadata() {
	_, err := s.sessions.CreateSession(s.ctx, "s1", "")
	s.Require().NoError(err)

	s.Require().NoError(s.sessions.ApplyMetadata(s.ctx, wire.Event{
		Kind: wire.KindTitleGenerated, SessionID: "s1", Title: "Renamed",
	}))

	flagged := true
	s.Require().NoError(s.sessions.ApplyMetadata(s.ctx, wire.Event{
		Kind: wire.KindSessionFlagged, SessionID: "s1", Flagged: &flagged,
	}))

	s.Require().NoError(s.sessions.ApplyMetadata(s.ctx, wire.Event{
		Kind: wire.KindUsageUpdate, SessionID: "s1",
		Usage: &wire.Usage{InputTokens: 10, OutputTokens: 20, CostUSD: 0.01},
	}))

	got, err := s.sessions.GetSession(s.ctx, "s1")
	s.Require().NoError(err)
	s.Equal("Renamed", got.Title)
	s.True(got.Flagged)
	s.Equal(int64(10), got.InputTokens)
	s.Equal(int64(20), got.OutputTokens)
}

// TestApplyMetadata_RejectsNonMetadata tests kind validation.
func (s *SessionStoreSuite) TestApplyMetadata_RejectsNonMetadata() {
	err := s.sessions.ApplyMetadata(s.ctx, wire.Event{
		Kind: wire.KindTextDelta, SessionID: "s1",
	})
	s.Error(err)
}

// TestSnapshot tests the authoritative snapshot with ordered messages.
func (s *SessionStoreSuite) TestSnapshot() {
	_, err := s.sessions.CreateSession(s.ctx, "s1", "")
	s.Require().NoError(err)

	_, err = s.sessions.AppendMessage(s.ctx, models.Message{
		SessionID: "s1", TurnID: "t1", Role: models.RoleUser, Content: "run it",
	})
	s.Require().NoError(err)
	_, err = s.sessions.AppendMessage(s.ctx, models.Message{
		SessionID: "s1", TurnID: "t1", Role: models.RoleTool,
		ToolUseID: "u1", ToolName: "bash",
		ToolInput:  json.RawMessage(`{"command":"ls"}`),
		ToolResult: json.RawMessage(`"ok"`),
	})
	s.Require().NoError(err)

	snap, err := s.sessions.GetSessionSnapshot(s.ctx, "s1")
	s.Require().NoError(err)
	s.Require().Len(snap.Messages, 2)
	s.Equal(models.RoleUser, snap.Messages[0].Role)
	s.Equal("u1", snap.Messages[1].ToolUseID)
	s.JSONEq(`{"command":"ls"}`, string(snap.Messages[1].ToolInput))

	_, err = s.sessions.GetSessionSnapshot(s.ctx, "missing")
	s.ErrorIs(err, ErrNotFound)
}

// TestSetStatus tests status transitions persist.
func (s *SessionStoreSuite) TestSetStatus() {
	_, err := s.sessions.CreateSession(s.ctx, "s1", "")
	s.Require().NoError(err)

	s.Require().NoError(s.sessions.SetStatus(s.ctx, "s1", models.SessionStatusCompleted))

	got, err := s.sessions.GetSession(s.ctx, "s1")
	s.Require().NoError(err)
	s.Equal(models.SessionStatusCompleted, got.Status)
}
