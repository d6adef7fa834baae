package client

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/calyptra/relay/pkg/models"
	"github.com/calyptra/relay/pkg/wire"
)

// ToolStatus is the lifecycle of an in-flight tool call in the overlay.
type ToolStatus string

const (
	ToolStatusExecuting ToolStatus = "executing"
	ToolStatusCompleted ToolStatus = "completed"
	ToolStatusError     ToolStatus = "error"
)

// StreamingText is an in-flight assistant message accumulated from deltas,
// keyed by turn ID. It exists only until text_complete or a terminal event.
type StreamingText struct {
	TurnID string
	Text   string
}

// ToolCall is an in-flight or just-finished tool invocation in the overlay.
// ParentToolUseID links nested and backgrounded calls to their parent.
type ToolCall struct {
	ToolUseID       string
	ParentToolUseID string
	ToolName        string
	Input           json.RawMessage
	Result          json.RawMessage
	Status          ToolStatus
	// Synthesized marks an entry created from a tool_result whose
	// tool_start was never seen (missed frame during a reconnect gap).
	Synthesized bool
}

// PendingPrompt is the session's single outstanding permission or
// credential request. The producer guarantees at most one at a time.
type PendingPrompt struct {
	RequestID  string
	Kind       wire.EventKind
	ToolName   string
	ToolInput  json.RawMessage
	RiskLevel  string
	SourceSlug string
	Mode       string
}

// SessionView is the reconstructor's output: the authoritative snapshot
// plus the ephemeral streaming overlay.
type SessionView struct {
	Snapshot *models.SessionSnapshot
	Texts    []StreamingText
	Tools    []ToolCall
	Pending  *PendingPrompt
}

// SnapshotFunc fetches the authoritative session snapshot from storage.
type SnapshotFunc func(ctx context.Context, sessionID string) (*models.SessionSnapshot, error)

// Reconstructor folds the ordered event stream of one session into a
// displayable view. It is single-threaded by construction: there is exactly
// one event-delivery path per session per client process, so no locking is
// needed beyond normal UI update semantics.
type Reconstructor struct {
	sessionID string
	fetch     SnapshotFunc

	snapshot *models.SessionSnapshot
	texts    map[string]*strings.Builder // turnID → accumulated text
	textSeq  []string                    // turnIDs in first-seen order
	tools    map[string]*ToolCall        // toolUseID → entry
	toolSeq  []string                    // toolUseIDs in first-seen order
	pending  *PendingPrompt

	refreshes int
}

// NewReconstructor creates a reconstructor for one session. fetch is called
// to refresh the authoritative snapshot when a turn completes; it may be nil
// when the caller manages snapshots itself.
func NewReconstructor(sessionID string, fetch SnapshotFunc) *Reconstructor {
	return &Reconstructor{
		sessionID: sessionID,
		fetch:     fetch,
		texts:     make(map[string]*strings.Builder),
		tools:     make(map[string]*ToolCall),
	}
}

// SessionID returns the session this reconstructor tracks.
func (r *Reconstructor) SessionID() string { return r.sessionID }

// Apply folds one event into the view. Events for other sessions are
// ignored. Out-of-order leftovers — a tool_result or text_complete with no
// seen start — are treated as best-effort updates, never fatal.
func (r *Reconstructor) Apply(ctx context.Context, ev wire.Event) {
	if ev.SessionID != r.sessionID {
		return
	}

	switch ev.Kind {
	case wire.KindTextDelta:
		b, ok := r.texts[ev.TurnID]
		if !ok {
			b = &strings.Builder{}
			r.texts[ev.TurnID] = b
			r.textSeq = append(r.textSeq, ev.TurnID)
		}
		b.WriteString(ev.Delta)

	case wire.KindTextComplete:
		// The persisted version arrives via the snapshot refresh on turn
		// completion; the accumulation buffer is done.
		r.dropText(ev.TurnID)

	case wire.KindToolStart:
		r.upsertTool(&ToolCall{
			ToolUseID:       ev.ToolUseID,
			ParentToolUseID: ev.ParentToolUseID,
			ToolName:        ev.ToolName,
			Input:           ev.ToolInput,
			Status:          ToolStatusExecuting,
		})

	case wire.KindToolResult:
		entry, ok := r.tools[ev.ToolUseID]
		if !ok {
			// Start event missed: record the result anyway with unknown
			// input rather than dropping it.
			entry = &ToolCall{
				ToolUseID:   ev.ToolUseID,
				ToolName:    ev.ToolName,
				Synthesized: true,
			}
			r.upsertTool(entry)
		}
		entry.Result = ev.Result
		if ev.IsError {
			entry.Status = ToolStatusError
		} else {
			entry.Status = ToolStatusCompleted
		}

	case wire.KindPermissionRequest:
		r.pending = &PendingPrompt{
			RequestID: ev.RequestID,
			Kind:      ev.Kind,
			ToolName:  ev.ToolName,
			ToolInput: ev.ToolInput,
			RiskLevel: ev.RiskLevel,
		}

	case wire.KindCredentialRequest:
		r.pending = &PendingPrompt{
			RequestID:  ev.RequestID,
			Kind:       ev.Kind,
			SourceSlug: ev.SourceSlug,
			Mode:       ev.Mode,
		}

	case wire.KindComplete:
		r.clearOverlay()
		r.refresh(ctx)

	case wire.KindInterrupted, wire.KindError:
		// Same overlay clearing as complete, but no success to refresh
		// from; the pending prompt is cleared without resolution.
		r.clearOverlay()

	case wire.KindUserMessage:
		// The user message reaches the transcript through storage; nothing
		// streams for it.

	default:
		if ev.Kind.IsMetadata() {
			r.applyMetadata(ev)
			return
		}
		log.Debug().
			Str("sessionId", r.sessionID).
			Str("kind", string(ev.Kind)).
			Msg("Ignoring unknown event kind")
	}
}

// View returns the current derived view. The overlay slices are fresh
// copies in first-seen order; the snapshot is shared.
func (r *Reconstructor) View() SessionView {
	view := SessionView{Snapshot: r.snapshot, Pending: r.pending}

	for _, turnID := range r.textSeq {
		view.Texts = append(view.Texts, StreamingText{
			TurnID: turnID,
			Text:   r.texts[turnID].String(),
		})
	}
	for _, id := range r.toolSeq {
		view.Tools = append(view.Tools, *r.tools[id])
	}
	return view
}

// StreamingTextFor returns the accumulated in-flight text for a turn.
func (r *Reconstructor) StreamingTextFor(turnID string) (string, bool) {
	b, ok := r.texts[turnID]
	if !ok {
		return "", false
	}
	return b.String(), true
}

// ToolFor returns the overlay entry for a tool call.
func (r *Reconstructor) ToolFor(toolUseID string) (ToolCall, bool) {
	entry, ok := r.tools[toolUseID]
	if !ok {
		return ToolCall{}, false
	}
	return *entry, true
}

// Pending returns the outstanding prompt, if any.
func (r *Reconstructor) Pending() *PendingPrompt { return r.pending }

// Refreshes returns how many snapshot refreshes have been triggered.
func (r *Reconstructor) Refreshes() int { return r.refreshes }

func (r *Reconstructor) upsertTool(entry *ToolCall) {
	if _, ok := r.tools[entry.ToolUseID]; !ok {
		r.toolSeq = append(r.toolSeq, entry.ToolUseID)
	}
	r.tools[entry.ToolUseID] = entry
}

func (r *Reconstructor) dropText(turnID string) {
	if _, ok := r.texts[turnID]; !ok {
		return
	}
	delete(r.texts, turnID)
	for i, id := range r.textSeq {
		if id == turnID {
			r.textSeq = append(r.textSeq[:i], r.textSeq[i+1:]...)
			break
		}
	}
}

func (r *Reconstructor) clearOverlay() {
	r.texts = make(map[string]*strings.Builder)
	r.textSeq = nil
	r.tools = make(map[string]*ToolCall)
	r.toolSeq = nil
	r.pending = nil
}

// refresh replaces the snapshot with the authoritative stored view. The
// streamed overlay never survives a completed turn.
func (r *Reconstructor) refresh(ctx context.Context) {
	r.refreshes++
	if r.fetch == nil {
		return
	}
	snap, err := r.fetch(ctx, r.sessionID)
	if err != nil {
		log.Warn().
			Str("sessionId", r.sessionID).
			Err(err).
			Msg("Snapshot refresh failed, keeping previous snapshot")
		return
	}
	r.snapshot = snap
}

// applyMetadata shallow-merges session attributes; the message list is
// never touched.
func (r *Reconstructor) applyMetadata(ev wire.Event) {
	if r.snapshot == nil {
		r.snapshot = &models.SessionSnapshot{Session: models.Session{ID: r.sessionID}}
	}
	sess := &r.snapshot.Session

	switch ev.Kind {
	case wire.KindTitleGenerated:
		sess.Title = ev.Title
	case wire.KindSessionFlagged:
		if ev.Flagged != nil {
			sess.Flagged = *ev.Flagged
		}
	case wire.KindTodoStateChanged:
		sess.TodoState = ev.Todos
	case wire.KindUsageUpdate:
		if ev.Usage != nil {
			sess.InputTokens = ev.Usage.InputTokens
			sess.OutputTokens = ev.Usage.OutputTokens
			sess.CostUSD = ev.Usage.CostUSD
		}
	}
}
