package relay

import (
	"context"
	"expvar"
	"time"

	"github.com/trippledave/drupal-nodejs/message"
)

// SlowProcessMsgThreshold defines the threshold at which calls to
// ProcessMsg are marked as slow in the expvar metrics, if Server.Vars
// is set. Set to 0 to disable SlowProcessMsg metrics.
var SlowProcessMsgThreshold = 100 * time.Millisecond

// Handler defines the method required for a server to handle a message
// received on a connection.
type Handler interface {
	Handle(context.Context, *Conn, message.Msg)
}

// HandlerFunc is a function signature that implements the Handler
// interface.
type HandlerFunc func(context.Context, *Conn, message.Msg)

// Handle implements Handler for the HandlerFunc by calling the
// function itself.
func (h HandlerFunc) Handle(ctx context.Context, c *Conn, m message.Msg) {
	h(ctx, c, m)
}

func saveMsgMetrics(vars *expvar.Map, m message.Msg) func() {
	vars.Add("Msgs", 1)
	vars.Add("MsgsRead", 1)
	vars.Add("Msgs"+m.Type().String(), 1)

	if SlowProcessMsgThreshold > 0 {
		start := time.Now()
		return func() {
			if time.Since(start) >= SlowProcessMsgThreshold {
				vars.Add("SlowProcessMsg", 1)
				vars.Add("SlowProcessMsg"+m.Type().String(), 1)
			}
		}
	}
	return nil
}

// ProcessMsg implements the standard message processing. An
// authenticate message authenticates the connection's session, blocking
// until the backend answers or ctx is done. A client message is routed
// by Server.ProcessMessage. A message that fails or is not authorized
// is dropped, the connection stays open.
//
// When a custom Handler is set on the Server, it should at some
// point call ProcessMsg so the expected behaviour happens.
func ProcessMsg(ctx context.Context, c *Conn, m message.Msg) {
	if c.srv.Vars != nil {
		if fn := saveMsgMetrics(c.srv.Vars, m); fn != nil {
			defer fn()
		}
	}

	switch m := m.(type) {
	case *message.Authenticate:
		if err := c.srv.Authenticate(ctx, c.SessionID, m); err != nil {
			c.srv.debugf("relay: %s: authenticate: %v", c.SessionID, err)
		}

	case *message.Client:
		if err := c.srv.ProcessMessage(c.SessionID, m); err != nil {
			c.srv.debugf("relay: %s: message %q dropped: %v", c.SessionID, m.Kind, err)
		}

	default:
		c.srv.add("MsgsUnknown", 1)
	}
}
