package relay

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/trippledave/drupal-nodejs/authcache"
	"github.com/trippledave/drupal-nodejs/backend"
	"github.com/trippledave/drupal-nodejs/channel"
	"github.com/trippledave/drupal-nodejs/internal/debounce"
	"github.com/trippledave/drupal-nodejs/message"
	"github.com/trippledave/drupal-nodejs/presence"
	"github.com/trippledave/drupal-nodejs/session"
	"github.com/trippledave/drupal-nodejs/tokenchannel"
	"golang.org/x/time/rate"
)

// Errors returned by the Server.
var (
	// ErrServerClosed is returned by the Server's methods once it has
	// been closed.
	ErrServerClosed = errors.New("relay: server closed")

	// ErrUnknownSession is returned when a session ID does not identify
	// a live session.
	ErrUnknownSession = errors.New("relay: unknown session")

	// ErrNotAuthorized is returned by ProcessMessage when the session is
	// not allowed to send the message. The message is dropped.
	ErrNotAuthorized = errors.New("relay: message not authorized")

	// ErrNoBackend is returned by Authenticate when a token is not
	// cached and no backend is configured.
	ErrNoBackend = errors.New("relay: no backend configured")

	// ErrAlreadyAuthenticated is returned by Authenticate when the
	// session is already authenticated. Its identity is left unchanged.
	ErrAlreadyAuthenticated = errors.New("relay: session already authenticated")

	// ErrNoTarget is returned by Publish when the message has neither a
	// channel nor the broadcast flag.
	ErrNoTarget = errors.New("relay: message has no channel")

	// ErrKicked and ErrLoggedOut are the close errors of the connections
	// dropped by KickUser and LogoutUser.
	ErrKicked    = errors.New("relay: user kicked")
	ErrLoggedOut = errors.New("relay: user logged out")
)

// Default values of the Server's fields.
const (
	DefaultAuthTimeout         = 10 * time.Second
	DefaultContentChannelDelay = 2 * time.Second
	DefaultSendQueueSize       = 256
)

// Server is a relay server. It owns the session, channel, token channel
// and presence registries, and mutates them from a single goroutine: the
// event loop. Every method of the Server posts its work to the event loop,
// so it is safe to call them concurrently, but the methods must not be
// called from the extensions' callbacks, which already run on the loop.
//
// Once a websocket handshake has been established over a standard HTTP
// server, the connections can get served by this server by calling
// Server.ServeConn, or the Upgrade handler can be used.
//
// The fields should not be updated once a server has started serving
// connections.
type Server struct {
	// ReadLimit defines the maximum size, in bytes, of incoming
	// messages. If a client sends a message that exceeds this limit,
	// the connection is closed. The default of 0 means no limit.
	ReadLimit int64

	// ReadTimeout is the maximum time without any incoming message or
	// pong before the connection is closed. The default of 0 means no
	// timeout.
	ReadTimeout time.Duration

	// ReadRate is the maximum rate of incoming messages per second on a
	// connection, with bursts of up to ReadBurst messages. Messages over
	// the rate are dropped. The default of 0 means no limit.
	ReadRate  float64
	ReadBurst int

	// WriteLimit defines the maximum size, in bytes, of outgoing
	// messages. If a message exceeds this limit, the connection is
	// closed. The default of 0 means no limit.
	WriteLimit int64

	// WriteTimeout is the timeout to write an outgoing message. The
	// default of 0 means no timeout.
	WriteTimeout time.Duration

	// AcquireWriteLockTimeout is the time to wait for the exclusive
	// write lock for a connection. If the lock cannot be acquired
	// before the timeout, the connection is dropped. The default of
	// 0 means no timeout.
	AcquireWriteLockTimeout time.Duration

	// PingInterval is the interval at which pings are sent on idle
	// connections. The default of 0 disables pings.
	PingInterval time.Duration

	// SendQueueSize is the number of outgoing messages that can be
	// queued on a connection. If the queue is full, the connection is
	// closed. It defaults to DefaultSendQueueSize.
	SendQueueSize int

	// ConnState specifies an optional callback function that is called
	// when a connection changes state. If non-nil, it is called for
	// Accepting, Connected and Closed states.
	//
	// The possible state transitions are:
	//
	//     Accepting -> Closed (if the server failed to setup the connection)
	//     Accepting -> Connected
	//     Connected -> Closed
	ConnState func(*Conn, ConnState)

	// Handler is the handler that is called when a message is
	// received. The ProcessMsg function is called if the default
	// nil value is set. If a custom handler is set, it is assumed
	// that it will call ProcessMsg at some point, or otherwise
	// manually process the messages.
	Handler Handler

	// Backend authenticates the tokens that are not cached. Its Reporter
	// side, if implemented, is told about users going offline.
	Backend backend.Authenticator

	// AuthTimeout is the maximum duration of a backend authentication.
	// It defaults to DefaultAuthTimeout.
	AuthTimeout time.Duration

	// AuthCache caches the successful authentications. If nil, an
	// authcache.Memory with default bounds is used.
	AuthCache authcache.Store

	// PresenceDelay is the time to wait after the disconnection of a
	// user's last session before it is considered offline. It defaults
	// to presence.DefaultDelay.
	PresenceDelay time.Duration

	// ContentChannelDelay is the time to wait after the disconnection
	// of a session that claimed a token before the other members of the
	// token channel are notified. It defaults to
	// DefaultContentChannelDelay.
	ContentChannelDelay time.Duration

	// ClientsCanWriteToChannels is the default client-writable flag of
	// the channels that are created implicitly.
	ClientsCanWriteToChannels bool

	// ClientsCanWriteToClients allows clients to send messages without
	// a channel, which are passed to the MessageObserver extensions.
	ClientsCanWriteToClients bool

	// Extensions is the list of extensions of the server. Each value
	// may implement any of ConnectionObserver, AuthObserver,
	// MessageObserver and PublishObserver. They are called on the
	// event loop.
	Extensions []interface{}

	// LogFunc is the logging function to use. If nil, log.Printf is
	// used.
	LogFunc func(string, ...interface{})

	// Vars can be set to an *expvar.Map to collect metrics about the
	// server.
	Vars *expvar.Map

	initOnce  sync.Once
	closeOnce sync.Once
	events    chan func()
	done      chan struct{}
	stopped   chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	debug     int32
	wg        sync.WaitGroup

	sessions *session.Registry
	channels *channel.Registry
	tokens   *tokenchannel.Authenticator
	presence *presence.Tracker
	sched    *debounce.Scheduler
	cache    authcache.Store
}

func (s *Server) init() {
	s.initOnce.Do(func() {
		s.events = make(chan func(), 64)
		s.done = make(chan struct{})
		s.stopped = make(chan struct{})
		s.ctx, s.cancel = context.WithCancel(context.Background())

		s.sched = debounce.New(func(fn func()) { s.post(fn) })

		s.sessions = session.NewRegistry()
		s.sessions.OnChange = s.sessionChanged

		s.channels = channel.NewRegistry(s.sessions)
		s.channels.LogFunc = s.logf
		s.channels.DefaultWritable = s.ClientsCanWriteToChannels

		s.tokens = tokenchannel.New(s.sessions)

		s.presence = presence.New(s.sessions, s.sched)
		s.presence.Delay = s.PresenceDelay
		s.presence.LogFunc = s.logf
		s.presence.Debug = s.Debug
		if r, ok := s.Backend.(backend.Reporter); ok {
			s.presence.Reporter = r
		}

		s.cache = s.AuthCache
		if s.cache == nil {
			s.cache = authcache.NewMemory(0, 0)
		}

		go s.run()
	})
}

// run is the event loop, started in its own goroutine. stopped is
// closed once no event runs anymore.
func (s *Server) run() {
	defer close(s.stopped)
	for {
		select {
		case fn := <-s.events:
			s.exec(fn)
		case <-s.done:
			return
		}
	}
}

func (s *Server) exec(fn func()) {
	defer func() {
		if e := recover(); e != nil {
			s.add("RecoveredPanics", 1)
			s.logf("relay: recovered from panic in event loop: %v", e)
		}
	}()
	fn()
}

// post queues fn to run on the event loop. It returns false if the
// server is closed.
func (s *Server) post(fn func()) bool {
	s.init()
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

// do runs fn on the event loop and waits for its completion.
func (s *Server) do(fn func()) error {
	ch := make(chan struct{})
	if !s.post(func() {
		defer close(ch)
		fn()
	}) {
		return ErrServerClosed
	}
	select {
	case <-ch:
		return nil
	case <-s.done:
		return ErrServerClosed
	}
}

// Close stops the event loop, cancels the pending backend calls and the
// scheduled checks. It returns once the event that may be running has
// completed. The connections currently served are not closed.
func (s *Server) Close() error {
	s.init()
	s.closeOnce.Do(func() {
		s.sched.Stop()
		s.cancel()
		close(s.done)
	})
	<-s.stopped
	s.wg.Wait()
	s.presence.Wait()
	return nil
}

func (s *Server) logf(f string, args ...interface{}) {
	if fn := s.LogFunc; fn != nil {
		fn(f, args...)
	} else {
		log.Printf(f, args...)
	}
}

func (s *Server) debugf(f string, args ...interface{}) {
	if s.Debug() {
		s.logf(f, args...)
	}
}

func (s *Server) add(key string, delta int64) {
	if s.Vars != nil {
		s.Vars.Add(key, delta)
	}
}

// SetDebug enables or disables the logging of debug messages.
func (s *Server) SetDebug(v bool) {
	var i int32
	if v {
		i = 1
	}
	atomic.StoreInt32(&s.debug, i)
}

// Debug returns true if debug messages are logged.
func (s *Server) Debug() bool {
	return atomic.LoadInt32(&s.debug) == 1
}

func (s *Server) authTimeout() time.Duration {
	if s.AuthTimeout <= 0 {
		return DefaultAuthTimeout
	}
	return s.AuthTimeout
}

func (s *Server) contentChannelDelay() time.Duration {
	if s.ContentChannelDelay <= 0 {
		return DefaultContentChannelDelay
	}
	return s.ContentChannelDelay
}

func (s *Server) sendQueueSize() int {
	if s.SendQueueSize <= 0 {
		return DefaultSendQueueSize
	}
	return s.SendQueueSize
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.ReadRate <= 0 {
		return nil
	}
	burst := s.ReadBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.ReadRate), burst)
}

func (s *Server) sessionChanged(sess *session.Session, opened bool) {
	if opened {
		s.add("ActiveSessions", 1)
		s.add("TotalSessions", 1)
	} else {
		s.add("ActiveSessions", -1)
	}
	for _, ext := range s.Extensions {
		if o, ok := ext.(ConnectionObserver); ok {
			if opened {
				o.ClientConnected(sess)
			} else {
				o.ClientDisconnected(sess)
			}
		}
	}
}

// Connect registers a new session that delivers its messages over t and
// returns it. The session is anonymous until it authenticates.
func (s *Server) Connect(t session.Transport) (*session.Session, error) {
	var sess *session.Session
	err := s.do(func() {
		sess = session.New(t)
		s.sessions.Register(sess)
		s.debugf("relay: session %s connected", sess.ID)
	})
	return sess, err
}

// Disconnect unregisters the session, strips its channel memberships and
// token channel claims, and schedules the presence and token channel
// checks. Disconnecting an unknown session is a no-op.
func (s *Server) Disconnect(sessionID string) error {
	return s.do(func() {
		s.cleanup(sessionID)
	})
}

// cleanup runs on the event loop. It returns the removed session, or nil.
func (s *Server) cleanup(id string) *session.Session {
	sess := s.sessions.Unregister(id)
	if sess == nil {
		return nil
	}
	s.debugf("relay: cleaning up after session %s, uid %d", id, sess.UID)

	s.channels.RemoveSession(id)
	if sess.UID != 0 {
		s.presence.Disconnected(sess.UID)
	}
	for _, ch := range s.tokens.ChannelsOf(id) {
		p, ok := s.tokens.ReleaseSession(ch, id)
		if !ok || !p.NotifyOnDisconnect {
			continue
		}
		ch := ch
		key := fmt.Sprintf("content:%s:%s", ch, sess.Identity())
		s.sched.Schedule(key, s.contentChannelDelay(), func() {
			s.checkTokenChannel(ch, sess)
		})
	}
	return sess
}

// checkTokenChannel notifies the members of the token channel ch that the
// identity of gone left, unless it reconnected to the channel.
func (s *Server) checkTokenChannel(ch string, gone *session.Session) {
	if !s.tokens.Exists(ch) {
		return
	}

	var ids []string
	if gone.UID != 0 {
		ids = s.sessions.IDsForUID(gone.UID)
	} else {
		ids = s.sessions.IDsForAuthToken(gone.AuthToken)
	}
	for _, id := range ids {
		if s.tokens.IsClaimed(ch, id) {
			s.debugf("relay: %s still in token channel %s", gone.Identity(), ch)
			return
		}
	}

	b, err := json.Marshal(message.NewContentChannelDisconnect(ch, gone.UID))
	if err != nil {
		s.logf("relay: failed to marshal content channel notification: %v", err)
		return
	}
	n, _ := s.tokens.Publish(ch, b)
	s.debugf("relay: sent disconnect notification of %s to %d sessions of token channel %s", gone.Identity(), n, ch)
}

// ServeConn serves the websocket connection as a relay session. It
// blocks until the connection is closed, leaving the websocket
// connection open.
func (s *Server) ServeConn(conn *websocket.Conn) {
	if s.Vars != nil {
		s.Vars.Add("ActiveConns", 1)
		s.Vars.Add("TotalConns", 1)
		defer s.Vars.Add("ActiveConns", -1)
	}

	conn.SetReadLimit(s.ReadLimit)
	c := newConn(conn, s)

	// start lifecycle - Accepting, and ensure Closed is called on exit
	if cs := s.ConnState; cs != nil {
		defer func() {
			cs(c, Closed)
		}()
		cs(c, Accepting)
	}

	sess, err := s.Connect(c)
	if err != nil {
		c.Close(fmt.Errorf("failed to register session: %w; dropping connection", err))
		return
	}
	c.SessionID = sess.ID

	if cs := s.ConnState; cs != nil {
		cs(c, Connected)
	}

	go c.writePump()
	go c.receive()

	<-c.CloseNotify()
	if err := s.Disconnect(sess.ID); err != nil {
		s.debugf("relay: failed to disconnect session %s: %v", sess.ID, err)
	}
}

// Upgrade returns an http.Handler that upgrades connections to
// the websocket protocol using upgrader.
//
// Once connected, the websocket connection is served via srv.ServeConn.
// The websocket connection is closed when the relay connection is closed.
func Upgrade(upgrader *websocket.Upgrader, srv *Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer wsConn.Close()

		// this call blocks until the relay connection is closed
		srv.ServeConn(wsConn)
	})
}
