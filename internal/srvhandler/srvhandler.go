// Package srvhandler implements server handlers used by the relay-server
// command and various tests.
package srvhandler

import (
	"context"
	"expvar"
	"fmt"

	"github.com/trippledave/drupal-nodejs/message"
	"github.com/trippledave/drupal-nodejs/relay"
)

// Chain returns a relay.Handler that calls the provided handlers
// in order, one after the other.
func Chain(hs ...relay.Handler) relay.Handler {
	return relay.HandlerFunc(func(ctx context.Context, c *relay.Conn, m message.Msg) {
		for _, h := range hs {
			h.Handle(ctx, c, m)
		}
	})
}

// PanicRecover returns a relay.Handler that recovers from panics that
// may happen in h. The connection is closed on a panic. If a non-nil
// vars is passed as parameter, the RecoveredPanics counter is incremented
// for each panic.
func PanicRecover(h relay.Handler, vars *expvar.Map) relay.Handler {
	return relay.HandlerFunc(func(ctx context.Context, c *relay.Conn, m message.Msg) {
		defer func() {
			if e := recover(); e != nil {
				if vars != nil {
					vars.Add("RecoveredPanics", 1)
				}

				var err error
				switch e := e.(type) {
				case error:
					err = e
				default:
					err = fmt.Errorf("%v", e)
				}
				c.Close(err)
			}
		}()
		h.Handle(ctx, c, m)
	})
}

// LogConn returns a function compatible with the Server.ConnState field
// type that logs connections and disconnections to the provided logger
// function. It is not a relay.Handler.
func LogConn(logFn func(string, ...interface{})) func(*relay.Conn, relay.ConnState) {
	return func(c *relay.Conn, state relay.ConnState) {
		switch state {
		case relay.Connected:
			logFn("%v: connected from %v", c.SessionID, c.RemoteAddr())
		case relay.Closed:
			logFn("%v: closing from %v with error %v", c.SessionID, c.RemoteAddr(), c.CloseErr)
		}
	}
}

// LogMsg returns a relay.Handler that logs the messages received on the
// connection to the provided logger function.
func LogMsg(logFn func(string, ...interface{})) relay.Handler {
	return relay.HandlerFunc(func(ctx context.Context, c *relay.Conn, m message.Msg) {
		switch m := m.(type) {
		case *message.Authenticate:
			logFn("%v: received message %s", c.SessionID, m.Type())
		case *message.Client:
			if m.HasChannel {
				logFn("%v: received message %s %q for channel %q", c.SessionID, m.Type(), m.Kind, m.Channel)
			} else {
				logFn("%v: received message %s %q", c.SessionID, m.Type(), m.Kind)
			}
		}
	})
}
