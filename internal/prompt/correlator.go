// Package prompt correlates permission and credential requests with their
// out-of-band responses.
package prompt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Kind distinguishes the two prompt flavors the agent runtime can raise.
type Kind string

const (
	KindPermission Kind = "permission"
	KindCredential Kind = "credential"
)

// ErrAbandoned is returned to a waiter whose session completed or was
// interrupted before a response arrived.
var ErrAbandoned = errors.New("prompt abandoned")

// Resolution carries the user's answer back to the waiting agent runtime.
// Decision is set for permission prompts, Response for credential prompts.
type Resolution struct {
	Decision string
	Response json.RawMessage
}

type waiter struct {
	sessionID string
	kind      Kind
	createdAt time.Time
	ch        chan Resolution
}

// Correlator pairs a prompt event, identified by its requestId, with the
// response submitted later through the synchronous side channel. Each
// requestId resolves exactly once; duplicate or unknown responses report
// failure to the caller and touch nothing else.
type Correlator struct {
	mu      sync.Mutex
	waiters map[string]*waiter // requestID → waiter
}

// NewCorrelator creates an empty correlator, constructed once at server
// start and shared between the agent runtime and the response routes.
func NewCorrelator() *Correlator {
	return &Correlator{
		waiters: make(map[string]*waiter),
	}
}

// Wait registers a waiter for requestID and blocks until a response arrives,
// the session's prompts are abandoned, or ctx is done. The agent runtime
// calls this after emitting the matching prompt event; at most one prompt is
// outstanding per session at a time, which the runtime guarantees.
func (c *Correlator) Wait(ctx context.Context, sessionID, requestID string, kind Kind) (Resolution, error) {
	w := &waiter{
		sessionID: sessionID,
		kind:      kind,
		createdAt: time.Now(),
		ch:        make(chan Resolution, 1),
	}

	c.mu.Lock()
	c.waiters[requestID] = w
	c.mu.Unlock()

	select {
	case res, ok := <-w.ch:
		if !ok {
			return Resolution{}, ErrAbandoned
		}
		return res, nil
	case <-ctx.Done():
		c.remove(requestID)
		return Resolution{}, ctx.Err()
	}
}

// Resolve delivers a response to the waiter registered for requestID. It
// returns false when the requestID is unknown, already resolved, or belongs
// to a different session; the caller surfaces that as a failed response.
func (c *Correlator) Resolve(sessionID, requestID string, res Resolution) bool {
	c.mu.Lock()
	w, ok := c.waiters[requestID]
	if ok && w.sessionID == sessionID {
		delete(c.waiters, requestID)
	} else {
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		log.Debug().
			Str("sessionId", sessionID).
			Str("requestId", requestID).
			Msg("Response for unknown or resolved prompt")
		return false
	}

	w.ch <- res
	return true
}

// Abandon resolves every outstanding prompt for sessionID as abandoned.
// Called when the session completes, errors, or is interrupted so no waiter
// is left blocked forever.
func (c *Correlator) Abandon(sessionID string) {
	c.mu.Lock()
	var dropped []*waiter
	for id, w := range c.waiters {
		if w.sessionID == sessionID {
			delete(c.waiters, id)
			dropped = append(dropped, w)
		}
	}
	c.mu.Unlock()

	for _, w := range dropped {
		close(w.ch)
	}

	if len(dropped) > 0 {
		log.Debug().
			Str("sessionId", sessionID).
			Int("prompts", len(dropped)).
			Msg("Abandoned outstanding prompts")
	}
}

// Pending reports whether sessionID has an outstanding prompt.
func (c *Correlator) Pending(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.waiters {
		if w.sessionID == sessionID {
			return true
		}
	}
	return false
}

func (c *Correlator) remove(requestID string) {
	c.mu.Lock()
	delete(c.waiters, requestID)
	c.mu.Unlock()
}
