// Package activity implements an example extension of the relay server.
// It logs the lifecycle of the sessions and the published messages, and
// adds two management routes: an open greeting route and a route,
// protected by the service key, that reports its counters.
//
// Register the same *Extension on both the relay.Server and the
// admin.Server:
//
//	ext := &activity.Extension{}
//	srv := &relay.Server{Extensions: []interface{}{ext}}
//	adm := &admin.Server{Relay: srv, Extensions: []interface{}{ext}}
package activity

import (
	"log"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/trippledave/drupal-nodejs/admin"
	"github.com/trippledave/drupal-nodejs/authcache"
	"github.com/trippledave/drupal-nodejs/message"
	"github.com/trippledave/drupal-nodejs/session"
)

// Name is the name of the extension in the relay-server configuration.
const Name = "activity"

// Extension logs the activity of a relay server. The zero value is ready
// to use.
type Extension struct {
	// LogFunc is the logging function to use. If nil, log.Printf is
	// used.
	LogFunc func(string, ...interface{})

	connected     int64
	disconnected  int64
	authenticated int64
	channelMsgs   int64
	clientMsgs    int64
	published     int64
}

// Counters is the JSON body of the counters route.
type Counters struct {
	Connected     int64 `json:"connected"`
	Disconnected  int64 `json:"disconnected"`
	Authenticated int64 `json:"authenticated"`
	ChannelMsgs   int64 `json:"channelMessages"`
	ClientMsgs    int64 `json:"clientMessages"`
	Published     int64 `json:"published"`
}

// Counters returns a snapshot of the counters. It is safe to call
// concurrently with the relay server's event loop.
func (e *Extension) Counters() Counters {
	return Counters{
		Connected:     atomic.LoadInt64(&e.connected),
		Disconnected:  atomic.LoadInt64(&e.disconnected),
		Authenticated: atomic.LoadInt64(&e.authenticated),
		ChannelMsgs:   atomic.LoadInt64(&e.channelMsgs),
		ClientMsgs:    atomic.LoadInt64(&e.clientMsgs),
		Published:     atomic.LoadInt64(&e.published),
	}
}

func (e *Extension) ClientConnected(sess *session.Session) {
	atomic.AddInt64(&e.connected, 1)
	e.logf("activity: session %s connected", sess.ID)
}

func (e *Extension) ClientDisconnected(sess *session.Session) {
	atomic.AddInt64(&e.disconnected, 1)
	e.logf("activity: session %s disconnected (uid %d)", sess.ID, sess.UID)
}

func (e *Extension) ClientAuthenticated(sess *session.Session, rec *authcache.Record) {
	atomic.AddInt64(&e.authenticated, 1)
	e.logf("activity: session %s authenticated as uid %d, channels %v", sess.ID, rec.UID, rec.Channels)
}

func (e *Extension) ChannelMessage(sess *session.Session, m *message.Client) {
	atomic.AddInt64(&e.channelMsgs, 1)
	e.logf("activity: session %s wrote %q to channel %s", sess.ID, m.Kind, m.Channel)
}

func (e *Extension) ClientMessage(sess *session.Session, m *message.Client) {
	atomic.AddInt64(&e.clientMsgs, 1)
	e.logf("activity: session %s sent %q", sess.ID, m.Kind)
}

func (e *Extension) MessagePublished(m *message.Publish, n int) {
	atomic.AddInt64(&e.published, 1)
	if m.Broadcast {
		e.logf("activity: broadcast reached %d sessions", n)
		return
	}
	e.logf("activity: message to channel %s reached %d sessions", m.Channel, n)
}

// Routes returns the open /example route and the activity route under
// the base auth path.
func (e *Extension) Routes() []admin.Route {
	return []admin.Route{
		{Method: http.MethodGet, Path: "/example", Handler: func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"text": "Hello world."})
		}},
		{Method: http.MethodGet, Path: "activity", Auth: true, Handler: func(c *gin.Context) {
			c.JSON(http.StatusOK, e.Counters())
		}},
	}
}

func (e *Extension) logf(f string, args ...interface{}) {
	if fn := e.LogFunc; fn != nil {
		fn(f, args...)
	} else {
		log.Printf(f, args...)
	}
}
