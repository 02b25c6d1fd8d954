// Package session implements the registry of live client sessions. A
// session is created when a connection is established, is mutated once
// when it successfully authenticates, and is destroyed when the connection
// goes away.
//
// The registry is not safe for concurrent use: the relay server only
// accesses it from its event loop.
package session

import (
	"github.com/pborman/uuid"
	"github.com/trippledave/drupal-nodejs/message"
)

// Transport is the outbound side of a session. Send must not block: it
// queues the payload for delivery and returns false if the payload could
// not be queued (e.g. the connection is gone or its queue is full).
type Transport interface {
	Send(payload []byte) bool
	Close(err error)
}

// Session is a live connection and its claimed identity.
type Session struct {
	// ID is the unique identifier of the session.
	ID string

	// AuthToken is the token presented when the session authenticated.
	AuthToken string

	// UID is the backend user id, 0 if anonymous or not authenticated.
	UID message.UID

	// Authenticated is true once the session successfully authenticated,
	// even if it did so as an anonymous user.
	Authenticated bool

	t Transport
}

// New creates a session with a random ID that delivers its messages
// over t.
func New(t Transport) *Session {
	return &Session{ID: uuid.NewRandom().String(), t: t}
}

// Transport returns the session's transport.
func (s *Session) Transport() Transport {
	return s.t
}

// Identity returns the identity of the session as seen by token channel
// members: the uid if the session is authenticated as a user, otherwise
// its raw auth token.
func (s *Session) Identity() string {
	if s.UID != 0 {
		return s.UID.String()
	}
	return s.AuthToken
}

// Registry is the set of live sessions.
type Registry struct {
	// OnChange, if set, is called after a session is registered
	// (opened is true) or unregistered (opened is false).
	OnChange func(s *Session, opened bool)

	sessions map[string]*Session
	order    []string
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds s to the registry. Registering an ID that is already
// registered replaces the previous session.
func (r *Registry) Register(s *Session) {
	if _, ok := r.sessions[s.ID]; !ok {
		r.order = append(r.order, s.ID)
	}
	r.sessions[s.ID] = s
	if fn := r.OnChange; fn != nil {
		fn(s, true)
	}
}

// Unregister removes the session identified by id and returns it, or
// nil if it was not registered.
func (r *Registry) Unregister(id string) *Session {
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if fn := r.OnChange; fn != nil {
		fn(s, false)
	}
	return s
}

// Find returns the session identified by id, or nil.
func (r *Registry) Find(id string) *Session {
	return r.sessions[id]
}

// IDsForUID returns the IDs of the live sessions of uid, in
// registration order.
func (r *Registry) IDsForUID(uid message.UID) []string {
	return r.filter(func(s *Session) bool { return s.UID == uid })
}

// IDsForAuthToken returns the IDs of the live sessions that
// authenticated with token, in registration order.
func (r *Registry) IDsForAuthToken(token string) []string {
	return r.filter(func(s *Session) bool { return s.AuthToken == token })
}

func (r *Registry) filter(fn func(*Session) bool) []string {
	var ids []string
	for _, id := range r.order {
		if fn(r.sessions[id]) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Each calls fn for each live session, in registration order. fn must
// not register or unregister sessions.
func (r *Registry) Each(fn func(*Session)) {
	for _, id := range r.order {
		fn(r.sessions[id])
	}
}

// Send queues payload on the session identified by id. It returns false
// if there is no such session or if its transport refused the payload.
func (r *Registry) Send(id string, payload []byte) bool {
	s := r.sessions[id]
	if s == nil || s.t == nil {
		return false
	}
	return s.t.Send(payload)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.sessions)
}
