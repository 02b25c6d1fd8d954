// Package channel implements the registry of named channels and of the
// sessions that belong to each channel.
//
// Channel names are trusted: they are validated by the management
// interface before reaching the registry. The registry is not safe for
// concurrent use.
package channel

import (
	"log"

	"github.com/trippledave/drupal-nodejs/session"
)

// Channel is a named broadcast group.
type Channel struct {
	// Name is the name of the channel.
	Name string

	// ClientWritable is true if member sessions may publish directly
	// into the channel.
	ClientWritable bool

	members map[string]struct{}
}

// Len returns the number of member sessions of the channel.
func (c *Channel) Len() int {
	return len(c.members)
}

// Registry is the set of channels.
type Registry struct {
	// LogFunc is the logging function to use. If nil, log.Printf is used.
	LogFunc func(string, ...interface{})

	// DefaultWritable is the ClientWritable value of channels created
	// implicitly by Ensure or AddMember.
	DefaultWritable bool

	sessions *session.Registry
	channels map[string]*Channel
}

// NewRegistry creates an empty channel registry that delivers published
// messages to the sessions of sessions.
func NewRegistry(sessions *session.Registry) *Registry {
	return &Registry{
		sessions: sessions,
		channels: make(map[string]*Channel),
	}
}

func (r *Registry) logf(f string, args ...interface{}) {
	if fn := r.LogFunc; fn != nil {
		fn(f, args...)
	} else {
		log.Printf(f, args...)
	}
}

// Ensure returns the channel name, creating it if it does not exist.
func (r *Registry) Ensure(name string) *Channel {
	c := r.channels[name]
	if c == nil {
		c = &Channel{Name: name, ClientWritable: r.DefaultWritable, members: make(map[string]struct{})}
		r.channels[name] = c
	}
	return c
}

// Add creates the channel name. It returns false if the channel already
// exists.
func (r *Registry) Add(name string, writable bool) bool {
	if _, ok := r.channels[name]; ok {
		return false
	}
	r.channels[name] = &Channel{Name: name, ClientWritable: writable, members: make(map[string]struct{})}
	return true
}

// Remove deletes the channel name. It returns false if the channel does
// not exist.
func (r *Registry) Remove(name string) bool {
	if _, ok := r.channels[name]; !ok {
		return false
	}
	delete(r.channels, name)
	return true
}

// Exists returns true if the channel name exists.
func (r *Registry) Exists(name string) bool {
	_, ok := r.channels[name]
	return ok
}

// IsWritableByClients returns true if the channel exists and its member
// sessions may publish into it.
func (r *Registry) IsWritableByClients(name string) bool {
	c := r.channels[name]
	return c != nil && c.ClientWritable
}

// IsMember returns true if the session is a member of the channel.
func (r *Registry) IsMember(sessionID, name string) bool {
	c := r.channels[name]
	if c == nil {
		return false
	}
	_, ok := c.members[sessionID]
	return ok
}

// AddMember adds the session to the channel, creating the channel if
// needed.
func (r *Registry) AddMember(name, sessionID string) {
	r.Ensure(name).members[sessionID] = struct{}{}
}

// RemoveMember removes the session from the channel. It returns false
// if the session was not a member.
func (r *Registry) RemoveMember(name, sessionID string) bool {
	c := r.channels[name]
	if c == nil {
		return false
	}
	if _, ok := c.members[sessionID]; !ok {
		return false
	}
	delete(c.members, sessionID)
	return true
}

// RemoveSession removes the session from every channel.
func (r *Registry) RemoveSession(sessionID string) {
	for _, c := range r.channels {
		delete(c.members, sessionID)
	}
}

// Publish sends payload to every live member session of the channel and
// returns the number of sessions reached. Publishing to a channel that
// does not exist returns 0.
func (r *Registry) Publish(name string, payload []byte) int {
	c := r.channels[name]
	if c == nil {
		r.logf("channel: publish to non-existent channel %q", name)
		return 0
	}

	var n int
	for id := range c.members {
		if r.sessions.Send(id, payload) {
			n++
		}
	}
	return n
}

// Broadcast sends payload to every live session and returns the number
// of sessions reached.
func (r *Registry) Broadcast(payload []byte) int {
	var n int
	r.sessions.Each(func(s *session.Session) {
		if t := s.Transport(); t != nil && t.Send(payload) {
			n++
		}
	})
	return n
}

// Len returns the number of channels.
func (r *Registry) Len() int {
	return len(r.channels)
}
