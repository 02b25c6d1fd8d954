// Package authcache caches the result of successful authentications by
// auth token, so that a client reconnecting with the same token is set up
// without another backend round trip.
package authcache

import (
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/trippledave/drupal-nodejs/backend"
	"github.com/trippledave/drupal-nodejs/message"
)

// ErrNotFound is returned by Get when no record exists for a token.
var ErrNotFound = errors.New("authcache: record not found")

// Record is the cached result of a successful authentication.
type Record struct {
	AuthToken     string            `json:"authToken"`
	UID           message.UID       `json:"uid"`
	Channels      []string          `json:"channels"`
	PresenceUIDs  []message.UID     `json:"presenceUids"`
	ContentTokens map[string]string `json:"contentTokens,omitempty"`
}

// FromResult creates a record from a backend authentication result.
func FromResult(res *backend.AuthResult) *Record {
	return &Record{
		AuthToken:     res.AuthToken,
		UID:           res.UID,
		Channels:      append([]string(nil), res.Channels...),
		PresenceUIDs:  append([]message.UID(nil), res.PresenceUIDs...),
		ContentTokens: res.ContentTokens,
	}
}

// HasChannel returns true if the record grants channel.
func (r *Record) HasChannel(channel string) bool {
	for _, c := range r.Channels {
		if c == channel {
			return true
		}
	}
	return false
}

// AddChannel grants channel to the record. It returns false if the
// channel was already granted.
func (r *Record) AddChannel(channel string) bool {
	if r.HasChannel(channel) {
		return false
	}
	r.Channels = append(r.Channels, channel)
	return true
}

// RemoveChannel revokes channel from the record. It returns false if
// the channel was not granted.
func (r *Record) RemoveChannel(channel string) bool {
	for i, c := range r.Channels {
		if c == channel {
			r.Channels = append(r.Channels[:i], r.Channels[i+1:]...)
			return true
		}
	}
	return false
}

// Store is a cache of authentication records, keyed by auth token.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the record of token, or ErrNotFound.
	Get(token string) (*Record, error)

	// Put stores rec under rec.AuthToken, replacing any existing record.
	Put(rec *Record) error

	// Delete removes the record of token. Deleting a missing record is
	// not an error.
	Delete(token string) error

	// TokensForUID returns the tokens of the records of uid.
	TokensForUID(uid message.UID) ([]string, error)

	// Len returns the number of records.
	Len() (int, error)
}

// DefaultSize and DefaultTTL are the bounds of a Memory store created
// with zero values.
const (
	DefaultSize = 10000
	DefaultTTL  = 24 * time.Hour
)

// Memory is an in-memory Store bounded in size and age. When full, the
// least recently used record is evicted.
type Memory struct {
	c *lru.LRU[string, *Record]
}

var _ Store = (*Memory)(nil)

// NewMemory creates an in-memory store holding at most size records,
// each for at most ttl. Zero values use DefaultSize and DefaultTTL.
func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{c: lru.NewLRU[string, *Record](size, nil, ttl)}
}

// Get implements Store. The returned record is a copy.
func (m *Memory) Get(token string) (*Record, error) {
	rec, ok := m.c.Get(token)
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

// Put implements Store.
func (m *Memory) Put(rec *Record) error {
	m.c.Add(rec.AuthToken, rec.clone())
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(token string) error {
	m.c.Remove(token)
	return nil
}

// TokensForUID implements Store.
func (m *Memory) TokensForUID(uid message.UID) ([]string, error) {
	var toks []string
	for _, rec := range m.c.Values() {
		if rec.UID == uid {
			toks = append(toks, rec.AuthToken)
		}
	}
	return toks, nil
}

// Len implements Store.
func (m *Memory) Len() (int, error) {
	return m.c.Len(), nil
}

func (r *Record) clone() *Record {
	c := *r
	c.Channels = append([]string(nil), r.Channels...)
	c.PresenceUIDs = append([]message.UID(nil), r.PresenceUIDs...)
	if r.ContentTokens != nil {
		c.ContentTokens = make(map[string]string, len(r.ContentTokens))
		for k, v := range r.ContentTokens {
			c.ContentTokens[k] = v
		}
	}
	return &c
}
