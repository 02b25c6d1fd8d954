package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/trippledave/drupal-nodejs/authcache"
	"github.com/trippledave/drupal-nodejs/backend"
	"github.com/trippledave/drupal-nodejs/message"
	"github.com/trippledave/drupal-nodejs/tokenchannel"
)

// Authenticate authenticates the session with the token and content
// tokens of m, and blocks until the authentication completes. A token
// found in the authentication cache is reused without calling the
// backend.
//
// On success, the session gets the uid and channels granted by the
// backend, claims its content tokens and, for a user, comes online. On
// failure, the cached record for the token is dropped and the session
// stays anonymous. A session authenticates once, later attempts fail
// with ErrAlreadyAuthenticated.
func (s *Server) Authenticate(ctx context.Context, sessionID string, m *message.Authenticate) error {
	s.init()
	s.debugf("relay: authenticating session %s with token %q", sessionID, m.AuthToken)

	var authed bool
	if err := s.do(func() {
		sess := s.sessions.Find(sessionID)
		authed = sess != nil && sess.Authenticated
	}); err != nil {
		return err
	}
	if authed {
		return ErrAlreadyAuthenticated
	}

	rec, bundle, err := s.resolve(ctx, sessionID, m)
	if err != nil {
		s.add("AuthFailures", 1)
		s.logf("relay: authentication of session %s failed: %v", sessionID, err)
		if !errors.Is(err, context.Canceled) {
			if derr := s.cache.Delete(m.AuthToken); derr != nil {
				s.logf("relay: failed to delete cached token: %v", derr)
			}
		}
		return err
	}

	var serr error
	if err := s.do(func() {
		serr = s.setup(sessionID, rec, bundle)
	}); err != nil {
		return err
	}
	return serr
}

// resolve returns the authentication record of m's token and the content
// token bundle to claim. It runs off the event loop.
func (s *Server) resolve(ctx context.Context, sessionID string, m *message.Authenticate) (*authcache.Record, map[string]string, error) {
	rec, err := s.cache.Get(m.AuthToken)
	if err == nil {
		s.add("AuthCacheHits", 1)
		s.debugf("relay: reusing cached authentication for token %q, session %s", m.AuthToken, sessionID)
		return rec, m.ContentTokens, nil
	}
	if err != authcache.ErrNotFound {
		s.logf("relay: failed to read authentication cache: %v", err)
	}

	if s.Backend == nil {
		return nil, nil, ErrNoBackend
	}

	select {
	case <-s.done:
		return nil, nil, ErrServerClosed
	default:
	}
	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, s.authTimeout())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	res, err := s.Backend.Authenticate(ctx, backend.AuthRequest{
		SessionID:     sessionID,
		AuthToken:     m.AuthToken,
		ContentTokens: m.ContentTokens,
	})
	if err != nil {
		return nil, nil, err
	}

	rec = authcache.FromResult(res)
	if err := s.cache.Put(rec); err != nil {
		s.logf("relay: failed to cache authentication: %v", err)
	}
	bundle := res.ContentTokens
	if len(bundle) == 0 {
		bundle = m.ContentTokens
	}
	return rec, bundle, nil
}

// setup applies an authentication record to the session. It runs on the
// event loop.
func (s *Server) setup(id string, rec *authcache.Record, bundle map[string]string) error {
	sess := s.sessions.Find(id)
	if sess == nil {
		s.logf("relay: session %s went away before its authentication completed", id)
		return ErrUnknownSession
	}
	if sess.Authenticated {
		// a concurrent authentication of the session completed first
		s.logf("relay: session %s is already authenticated as uid %d", id, sess.UID)
		return ErrAlreadyAuthenticated
	}

	sess.AuthToken = rec.AuthToken
	sess.UID = rec.UID
	sess.Authenticated = true
	for _, ch := range rec.Channels {
		s.channels.AddMember(ch, id)
	}
	if rec.UID != 0 {
		s.presence.Online(rec.UID, rec.PresenceUIDs)
	}
	for _, ch := range s.tokens.ClaimAll(id, bundle) {
		s.debugf("relay: session %s claimed its token for channel %s", id, ch)
	}

	s.add("Authentications", 1)
	s.debugf("relay: session %s authenticated as uid %d with channels %v", id, rec.UID, rec.Channels)
	for _, ext := range s.Extensions {
		if o, ok := ext.(AuthObserver); ok {
			o.ClientAuthenticated(sess, rec)
		}
	}
	return nil
}

// ProcessMessage routes a message sent by the session. A message with a
// channel is published to that channel if it is writable by clients and
// the session is a member of it. A message without a channel is passed
// to the extensions if ClientsCanWriteToClients is set. Other messages
// are dropped and ErrNotAuthorized is returned.
func (s *Server) ProcessMessage(sessionID string, m *message.Client) error {
	var rerr error
	err := s.do(func() {
		sess := s.sessions.Find(sessionID)
		if sess == nil {
			rerr = ErrUnknownSession
			return
		}
		s.debugf("relay: received message %q from session %s", m.Kind, sessionID)

		if m.HasChannel {
			if !s.channels.IsWritableByClients(m.Channel) || !s.channels.IsMember(sessionID, m.Channel) {
				s.debugf("relay: session %s cannot write to channel %q", sessionID, m.Channel)
				rerr = ErrNotAuthorized
				return
			}
			n := s.channels.Publish(m.Channel, m.Raw)
			s.add("ClientChannelMsgs", 1)
			s.debugf("relay: message from session %s sent to %d sessions of channel %s", sessionID, n, m.Channel)
			for _, ext := range s.Extensions {
				if o, ok := ext.(MessageObserver); ok {
					o.ChannelMessage(sess, m)
				}
			}
			return
		}

		if !s.ClientsCanWriteToClients {
			s.debugf("relay: session %s cannot write to clients", sessionID)
			rerr = ErrNotAuthorized
			return
		}
		s.add("ClientToClientMsgs", 1)
		for _, ext := range s.Extensions {
			if o, ok := ext.(MessageObserver); ok {
				o.ClientMessage(sess, m)
			}
		}
	})
	if err != nil {
		return err
	}
	if rerr == ErrNotAuthorized {
		s.add("UnauthorizedMsgs", 1)
	}
	return rerr
}

// Publish sends the message to every session of its channel, or to
// every session if it is a broadcast. It returns the number of sessions
// reached.
func (s *Server) Publish(m *message.Publish) (int, error) {
	if !m.Broadcast && m.Channel == "" {
		return 0, ErrNoTarget
	}

	var n int
	err := s.do(func() {
		if m.Broadcast {
			n = s.channels.Broadcast(m.Raw)
		} else {
			n = s.channels.Publish(m.Channel, m.Raw)
		}
		s.add("PublishedMsgs", 1)
		s.debugf("relay: published message to %d sessions", n)
		for _, ext := range s.Extensions {
			if o, ok := ext.(PublishObserver); ok {
				o.MessagePublished(m, n)
			}
		}
	})
	return n, err
}

// Broadcast sends payload to every session and returns the number of
// sessions reached.
func (s *Server) Broadcast(payload json.RawMessage) (int, error) {
	return s.Publish(&message.Publish{Broadcast: true, Raw: payload})
}

// dropSessions runs the disconnect cleanup of the sessions and closes
// their transport with err. It runs on the event loop.
func (s *Server) dropSessions(ids []string, err error) int {
	var n int
	for _, id := range ids {
		sess := s.cleanup(id)
		if sess == nil {
			continue
		}
		n++
		if t := sess.Transport(); t != nil {
			t.Close(err)
		}
	}
	return n
}

// KickUser drops the cached authentications of uid and disconnects all
// its sessions. It returns the number of sessions disconnected.
func (s *Server) KickUser(uid message.UID) (int, error) {
	s.init()
	toks, err := s.cache.TokensForUID(uid)
	if err != nil {
		return 0, fmt.Errorf("relay: failed to find cached tokens of uid %d: %w", uid, err)
	}
	for _, tok := range toks {
		if err := s.cache.Delete(tok); err != nil {
			return 0, fmt.Errorf("relay: failed to delete cached token: %w", err)
		}
	}

	var n int
	err = s.do(func() {
		n = s.dropSessions(s.sessions.IDsForUID(uid), ErrKicked)
		s.debugf("relay: kicked uid %d, %d sessions dropped", uid, n)
	})
	return n, err
}

// LogoutUser drops the cached authentication of token and disconnects
// the sessions that authenticated with it. It returns the number of
// sessions disconnected.
func (s *Server) LogoutUser(token string) (int, error) {
	s.init()
	if err := s.cache.Delete(token); err != nil {
		return 0, fmt.Errorf("relay: failed to delete cached token: %w", err)
	}

	var n int
	err := s.do(func() {
		n = s.dropSessions(s.sessions.IDsForAuthToken(token), ErrLoggedOut)
		s.debugf("relay: logged out token %q, %d sessions dropped", token, n)
	})
	return n, err
}

// AddChannel creates the channel. It returns false if the channel
// already exists.
func (s *Server) AddChannel(name string, clientWritable bool) (bool, error) {
	var ok bool
	err := s.do(func() {
		ok = s.channels.Add(name, clientWritable)
	})
	return ok, err
}

// RemoveChannel removes the channel. It returns false if the channel
// does not exist.
func (s *Server) RemoveChannel(name string) (bool, error) {
	var ok bool
	err := s.do(func() {
		ok = s.channels.Remove(name)
	})
	return ok, err
}

// CheckChannel returns true if the channel exists.
func (s *Server) CheckChannel(name string) (bool, error) {
	var ok bool
	err := s.do(func() {
		ok = s.channels.Exists(name)
	})
	return ok, err
}

// AddUserToChannel adds every session of uid to the channel, creating
// it if needed, and grants the channel to the cached authentications of
// uid. It returns false if uid has no live session.
func (s *Server) AddUserToChannel(name string, uid message.UID) (bool, error) {
	var ok bool
	err := s.do(func() {
		s.channels.Ensure(name)
		ids := s.sessions.IDsForUID(uid)
		for _, id := range ids {
			s.channels.AddMember(name, id)
		}
		ok = len(ids) > 0
	})
	if err != nil || !ok {
		return ok, err
	}
	return true, s.updateUserRecords(uid, func(rec *authcache.Record) bool { return rec.AddChannel(name) })
}

// RemoveUserFromChannel removes every session of uid from the channel
// and revokes the channel from the cached authentications of uid. It
// returns false if the channel does not exist.
func (s *Server) RemoveUserFromChannel(name string, uid message.UID) (bool, error) {
	var ok bool
	err := s.do(func() {
		if ok = s.channels.Exists(name); ok {
			for _, id := range s.sessions.IDsForUID(uid) {
				s.channels.RemoveMember(name, id)
			}
		}
	})
	if err != nil || !ok {
		return ok, err
	}
	return true, s.updateUserRecords(uid, func(rec *authcache.Record) bool { return rec.RemoveChannel(name) })
}

// AddAuthTokenToChannel adds every session authenticated with token to
// the channel, creating it if needed, and grants the channel to the
// cached authentication of token. It returns false if the token is not
// cached or has no live session.
func (s *Server) AddAuthTokenToChannel(name, token string) (bool, error) {
	s.init()
	rec, err := s.cache.Get(token)
	if err == authcache.ErrNotFound {
		s.logf("relay: unknown auth token %q", token)
		return false, nil
	} else if err != nil {
		return false, err
	}

	var ok bool
	err = s.do(func() {
		s.channels.Ensure(name)
		ids := s.sessions.IDsForAuthToken(token)
		for _, id := range ids {
			s.channels.AddMember(name, id)
		}
		ok = len(ids) > 0
	})
	if err != nil || !ok {
		return ok, err
	}
	if rec.AddChannel(name) {
		return true, s.cache.Put(rec)
	}
	return true, nil
}

// RemoveAuthTokenFromChannel removes every session authenticated with
// token from the channel and revokes the channel from the cached
// authentication of token. It returns false if the token is not cached
// or the channel does not exist.
func (s *Server) RemoveAuthTokenFromChannel(name, token string) (bool, error) {
	s.init()
	rec, err := s.cache.Get(token)
	if err == authcache.ErrNotFound {
		s.logf("relay: unknown auth token %q", token)
		return false, nil
	} else if err != nil {
		return false, err
	}

	var ok bool
	err = s.do(func() {
		if ok = s.channels.Exists(name); ok {
			for _, id := range s.sessions.IDsForAuthToken(token) {
				s.channels.RemoveMember(name, id)
			}
		}
	})
	if err != nil || !ok {
		return ok, err
	}
	if rec.RemoveChannel(name) {
		return true, s.cache.Put(rec)
	}
	return true, nil
}

func (s *Server) updateUserRecords(uid message.UID, fn func(*authcache.Record) bool) error {
	toks, err := s.cache.TokensForUID(uid)
	if err != nil {
		return err
	}
	for _, tok := range toks {
		rec, err := s.cache.Get(tok)
		if err == authcache.ErrNotFound {
			continue
		} else if err != nil {
			return err
		}
		if fn(rec) {
			if err := s.cache.Put(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetContentToken registers token as a pending token of the token
// channel, with its payload.
func (s *Server) SetContentToken(channel, token string, payload tokenchannel.Payload) error {
	return s.do(func() {
		s.tokens.SetToken(channel, token, payload)
		s.debugf("relay: set content token for channel %s", channel)
	})
}

// ContentTokenUsers returns the identities of the sessions that claimed
// a token in the token channel.
func (s *Server) ContentTokenUsers(channel string) (tokenchannel.Members, error) {
	var m tokenchannel.Members
	err := s.do(func() {
		m = s.tokens.MembersOf(channel)
	})
	return m, err
}

// PublishToContentChannel sends payload to every session that claimed a
// token in the token channel. It returns false if the token channel does
// not exist.
func (s *Server) PublishToContentChannel(channel string, payload json.RawMessage) (int, bool, error) {
	var (
		n  int
		ok bool
	)
	err := s.do(func() {
		n, ok = s.tokens.Publish(channel, payload)
		if !ok {
			s.logf("relay: token channel %q does not exist", channel)
		}
	})
	return n, ok, err
}

// SetUserPresenceList sets the uids allowed to observe the presence of
// uid.
func (s *Server) SetUserPresenceList(uid message.UID, uids []message.UID) error {
	return s.do(func() {
		s.presence.SetObservers(uid, uids)
	})
}

// Stats is a snapshot of the server's state.
type Stats struct {
	AuthenticatedClients int                                      `json:"authenticatedClients"`
	Sockets              int                                      `json:"sockets"`
	OnlineUsers          int                                      `json:"onlineUsers"`
	TokenChannels        int                                      `json:"tokenChannels"`
	ContentTokens        map[string]map[string]tokenchannel.Payload `json:"contentTokens"`
}

// Stats returns a snapshot of the server's state.
func (s *Server) Stats() (*Stats, error) {
	s.init()
	n, err := s.cache.Len()
	if err != nil {
		return nil, err
	}

	st := &Stats{AuthenticatedClients: n}
	err = s.do(func() {
		st.Sockets = s.sessions.Len()
		st.OnlineUsers = s.presence.Len()
		st.TokenChannels = s.tokens.Len()
		st.ContentTokens = s.tokens.Pending()
	})
	return st, err
}
