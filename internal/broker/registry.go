// Package broker routes session events to subscribed connections.
package broker

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/calyptra/relay/pkg/wire"
)

// Conn is the subscriber contract the registry delivers to. The gateway's
// websocket connection implements it; tests substitute fakes.
type Conn interface {
	// ID returns a stable identifier for logging and map keys.
	ID() string
	// SendEvent delivers one event envelope. It must not block: a slow or
	// dead connection returns an error instead of stalling the broadcast.
	SendEvent(sessionID string, ev wire.Event) error
}

// Registry maps session IDs to the set of live connections interested in
// them. All methods are safe for concurrent use. The registry owns no
// connection lifecycle beyond membership: a connection that fails a send is
// dropped from every session, and closing the socket stays the gateway's job.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]map[string]Conn // sessionID → connID → conn
}

// NewRegistry creates an empty registry. One instance is constructed at
// server start and injected into the gateway; there is no ambient singleton.
func NewRegistry() *Registry {
	return &Registry{
		subs: make(map[string]map[string]Conn),
	}
}

// Subscribe registers conn as interested in sessionID. Subscribing twice is
// a no-op.
func (r *Registry) Subscribe(sessionID string, conn Conn) {
	r.mu.Lock()
	set, ok := r.subs[sessionID]
	if !ok {
		set = make(map[string]Conn)
		r.subs[sessionID] = set
	}
	set[conn.ID()] = conn
	count := len(set)
	r.mu.Unlock()

	log.Debug().
		Str("sessionId", sessionID).
		Str("connId", conn.ID()).
		Int("subscribers", count).
		Msg("Subscribed")
}

// Unsubscribe removes conn from sessionID's subscriber set. Unsubscribing a
// connection that is not subscribed is a no-op. An emptied set is removed
// from the map immediately so deleted sessions do not accumulate entries.
func (r *Registry) Unsubscribe(sessionID string, conn Conn) {
	r.mu.Lock()
	if set, ok := r.subs[sessionID]; ok {
		delete(set, conn.ID())
		if len(set) == 0 {
			delete(r.subs, sessionID)
		}
	}
	r.mu.Unlock()
}

// DropConnection removes conn from every session it was subscribed to. It is
// idempotent and safe to call from both the close and the error handler for
// the same connection.
func (r *Registry) DropConnection(conn Conn) {
	id := conn.ID()

	r.mu.Lock()
	removed := 0
	for sessionID, set := range r.subs {
		if _, ok := set[id]; ok {
			delete(set, id)
			removed++
			if len(set) == 0 {
				delete(r.subs, sessionID)
			}
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		log.Debug().
			Str("connId", id).
			Int("sessions", removed).
			Msg("Connection dropped from registry")
	}
}

// DropSession removes every subscription for sessionID, e.g. when the
// session itself is deleted. Subscribers are not notified; the deletion is
// observable through the CRUD API.
func (r *Registry) DropSession(sessionID string) {
	r.mu.Lock()
	delete(r.subs, sessionID)
	r.mu.Unlock()
}

// Broadcast delivers ev to every connection currently subscribed to
// sessionID. Zero subscribers is a no-op. Each send is isolated: a failing
// connection is logged and dropped from the registry after the iteration,
// and the remaining subscribers still receive the event. Iteration uses a
// snapshot of the subscriber set so concurrent subscribe/unsubscribe never
// corrupts delivery.
func (r *Registry) Broadcast(sessionID string, ev wire.Event) {
	r.mu.RLock()
	set := r.subs[sessionID]
	conns := make([]Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	if len(conns) == 0 {
		return
	}

	var failed []Conn
	for _, c := range conns {
		if err := c.SendEvent(sessionID, ev); err != nil {
			log.Debug().
				Str("sessionId", sessionID).
				Str("connId", c.ID()).
				Err(err).
				Msg("Send failed, dropping connection from registry")
			failed = append(failed, c)
		}
	}

	for _, c := range failed {
		r.DropConnection(c)
	}
}

// SubscriberCount returns the number of connections subscribed to sessionID.
func (r *Registry) SubscriberCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[sessionID])
}

// SessionCount returns the number of sessions with at least one subscriber.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
