// Package tokenchannel implements token channels: the backend hands out
// one-shot tokens for a channel to a recipient that is not connected yet,
// and the recipient's connection later presents the token to join the
// channel without a full authentication round trip.
//
// A pending token is claimed at most once. The Authenticator is not safe
// for concurrent use.
package tokenchannel

import (
	"bytes"
	"encoding/json"

	"github.com/trippledave/drupal-nodejs/message"
	"github.com/trippledave/drupal-nodejs/session"
)

// Payload is the value the backend registered with a token.
type Payload struct {
	// Raw is the JSON value supplied by the backend.
	Raw json.RawMessage

	// NotifyOnDisconnect is true if the other members of the channel
	// should be notified when the session that claimed the token goes
	// away.
	NotifyOnDisconnect bool
}

// NewPayload creates a payload from the raw JSON value. If raw is an
// object with a truthy notifyOnDisconnect property, NotifyOnDisconnect
// is set.
func NewPayload(raw json.RawMessage) Payload {
	p := Payload{Raw: raw}
	var props map[string]json.RawMessage
	if err := json.Unmarshal(raw, &props); err == nil {
		if v, ok := props["notifyOnDisconnect"]; ok {
			switch string(bytes.TrimSpace(v)) {
			case "", "null", "false", "0", `""`:
			default:
				p.NotifyOnDisconnect = true
			}
		}
	}
	return p
}

// MarshalJSON returns the raw payload.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p.Raw) == 0 {
		return []byte("null"), nil
	}
	return p.Raw, nil
}

// Members identifies the sessions that claimed a token in a channel.
// Sessions authenticated as a user are listed by uid, the others by
// their auth token.
type Members struct {
	UIDs       []message.UID `json:"uids"`
	AuthTokens []string      `json:"authTokens"`
}

type tokenChannel struct {
	pending map[string]Payload
	claimed map[string]Payload
	order   []string // claim order of the session IDs
}

func newTokenChannel() *tokenChannel {
	return &tokenChannel{
		pending: make(map[string]Payload),
		claimed: make(map[string]Payload),
	}
}

// Authenticator tracks the pending and claimed tokens of every token
// channel.
type Authenticator struct {
	sessions *session.Registry
	channels map[string]*tokenChannel
}

// New creates an Authenticator that resolves the identity of claimed
// sessions using sessions.
func New(sessions *session.Registry) *Authenticator {
	return &Authenticator{
		sessions: sessions,
		channels: make(map[string]*tokenChannel),
	}
}

// SetToken registers token as pending for channel, creating the token
// channel if needed. Setting the same token again overwrites its payload.
func (a *Authenticator) SetToken(channel, token string, payload Payload) {
	tc := a.channels[channel]
	if tc == nil {
		tc = newTokenChannel()
		a.channels[channel] = tc
	}
	tc.pending[token] = payload
}

// Claim admits the session in channel if token is pending for that
// channel. The token is consumed: no other session can claim it. It
// returns true if the token matched.
func (a *Authenticator) Claim(channel, sessionID, token string) bool {
	tc := a.channels[channel]
	if tc == nil {
		return false
	}
	p, ok := tc.pending[token]
	if !ok {
		return false
	}
	delete(tc.pending, token)
	if _, ok := tc.claimed[sessionID]; !ok {
		tc.order = append(tc.order, sessionID)
	}
	tc.claimed[sessionID] = p
	return true
}

// ClaimAll attempts a claim for each channel-token pair of bundle and
// returns the channels that were joined.
func (a *Authenticator) ClaimAll(sessionID string, bundle map[string]string) []string {
	var joined []string
	for ch, tok := range bundle {
		if a.Claim(ch, sessionID, tok) {
			joined = append(joined, ch)
		}
	}
	return joined
}

// ReleaseSession removes the session from the claimed sessions of
// channel, returning the payload it had claimed.
func (a *Authenticator) ReleaseSession(channel, sessionID string) (Payload, bool) {
	tc := a.channels[channel]
	if tc == nil {
		return Payload{}, false
	}
	p, ok := tc.claimed[sessionID]
	if !ok {
		return Payload{}, false
	}
	delete(tc.claimed, sessionID)
	for i, id := range tc.order {
		if id == sessionID {
			tc.order = append(tc.order[:i], tc.order[i+1:]...)
			break
		}
	}
	return p, true
}

// ChannelsOf returns the token channels in which the session claimed a
// token.
func (a *Authenticator) ChannelsOf(sessionID string) []string {
	var chans []string
	for name, tc := range a.channels {
		if _, ok := tc.claimed[sessionID]; ok {
			chans = append(chans, name)
		}
	}
	return chans
}

// SessionsOf returns the IDs of the sessions that claimed a token in
// channel, in claim order.
func (a *Authenticator) SessionsOf(channel string) []string {
	tc := a.channels[channel]
	if tc == nil {
		return nil
	}
	return append([]string(nil), tc.order...)
}

// IsClaimed returns true if the session claimed a token in channel.
func (a *Authenticator) IsClaimed(channel, sessionID string) bool {
	tc := a.channels[channel]
	if tc == nil {
		return false
	}
	_, ok := tc.claimed[sessionID]
	return ok
}

// MembersOf returns the identities of the live sessions that claimed a
// token in channel.
func (a *Authenticator) MembersOf(channel string) Members {
	m := Members{UIDs: []message.UID{}, AuthTokens: []string{}}
	tc := a.channels[channel]
	if tc == nil {
		return m
	}
	for _, id := range tc.order {
		s := a.sessions.Find(id)
		if s == nil {
			continue
		}
		if s.UID != 0 {
			m.UIDs = append(m.UIDs, s.UID)
		} else {
			m.AuthTokens = append(m.AuthTokens, s.AuthToken)
		}
	}
	return m
}

// Publish sends payload to every session that claimed a token in
// channel. It returns the number of sessions reached, and false if the
// token channel does not exist.
func (a *Authenticator) Publish(channel string, payload []byte) (int, bool) {
	tc := a.channels[channel]
	if tc == nil {
		return 0, false
	}
	var n int
	for _, id := range tc.order {
		if a.sessions.Send(id, payload) {
			n++
		}
	}
	return n, true
}

// Exists returns true if the token channel exists.
func (a *Authenticator) Exists(channel string) bool {
	_, ok := a.channels[channel]
	return ok
}

// Len returns the number of token channels.
func (a *Authenticator) Len() int {
	return len(a.channels)
}

// Pending returns a copy of the pending tokens, by channel.
func (a *Authenticator) Pending() map[string]map[string]Payload {
	res := make(map[string]map[string]Payload, len(a.channels))
	for name, tc := range a.channels {
		toks := make(map[string]Payload, len(tc.pending))
		for k, v := range tc.pending {
			toks[k] = v
		}
		res[name] = toks
	}
	return res
}
