package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/trippledave/drupal-nodejs/internal/wswriter"
	"github.com/trippledave/drupal-nodejs/message"
	"golang.org/x/time/rate"
)

// ErrSendQueueFull is the close error of a connection whose send queue
// overflowed.
var ErrSendQueueFull = errors.New("relay: send queue full")

// ConnState represents the possible states of a connection.
type ConnState int

// The list of possible connection states.
const (
	Unknown ConnState = iota
	Accepting
	Connected
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Accepting:
		return "accepting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Conn is a websocket connection served by the relay. It is the
// transport of a session: messages queued with Send are written by a
// dedicated goroutine. It is safe to call methods on a Conn concurrently,
// but the fields should be treated as read-only.
type Conn struct {
	// SessionID is the ID of the session of the connection. It is set
	// once the connection is registered, before the Connected state.
	SessionID string

	// CloseErr is the error, if any, that caused the connection
	// to close. Must only be accessed after the close notification
	// has been received (i.e. after a <-conn.CloseNotify()).
	CloseErr error

	wsConn  *websocket.Conn
	srv     *Server
	send    chan []byte
	wmu     wswriter.Lock
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	// ensure the kill channel can only be closed once
	closeOnce sync.Once
	kill      chan struct{}
}

func newConn(c *websocket.Conn, srv *Server) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		wsConn:  c,
		srv:     srv,
		send:    make(chan []byte, srv.sendQueueSize()),
		wmu:     wswriter.NewLock(),
		limiter: srv.newLimiter(),
		ctx:     ctx,
		cancel:  cancel,
		kill:    make(chan struct{}),
	}
}

// UnderlyingConn returns the underlying websocket connection. Care
// should be taken when using the websocket connection directly,
// as it may interfere with the normal connection behaviour.
func (c *Conn) UnderlyingConn() *websocket.Conn {
	return c.wsConn
}

// CloseNotify returns a signal channel that is closed when the
// Conn is closed.
func (c *Conn) CloseNotify() <-chan struct{} {
	return c.kill
}

// Context returns a context that is cancelled when the Conn is closed.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.wsConn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.wsConn.RemoteAddr()
}

// Close closes the connection, setting err as CloseErr to identify
// the reason of the close. It does not send a websocket close message,
// nor does it close the underlying websocket connection.
// As with all Conn methods, it is safe to call concurrently, but
// only the first call will set the CloseErr field to err.
func (c *Conn) Close(err error) {
	c.closeOnce.Do(func() {
		c.CloseErr = err
		c.cancel()
		close(c.kill)
	})
}

// Send queues the payload to be written to the client. It never blocks:
// if the queue is full, the connection is closed with ErrSendQueueFull.
// It returns false if the payload was not queued.
func (c *Conn) Send(payload []byte) bool {
	select {
	case <-c.kill:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
		c.srv.add("SendQueueFull", 1)
		c.Close(ErrSendQueueFull)
		return false
	}
}

// Writer returns an io.WriteCloser that can be used to send a
// message on the connection. Only one writer can be active at
// any moment for a given connection, so the returned writer
// will acquire a lock on the first call to Write, and will
// release it only when Close is called. The timeout controls
// the time to wait to acquire the lock on the first call to
// Write.
//
// Messages queued with Send are written through such a writer, so
// Writer can be used to write a message directly, bypassing the queue.
func (c *Conn) Writer(timeout time.Duration) io.WriteCloser {
	return wswriter.Exclusive(c.wsConn, c.wmu, timeout, c.srv.WriteTimeout)
}

func (c *Conn) write(p []byte) error {
	w := c.Writer(c.srv.AcquireWriteLockTimeout)
	defer w.Close()

	lw := io.Writer(w)
	if l := c.srv.WriteLimit; l > 0 {
		lw = wswriter.Limit(w, l)
	}
	_, err := lw.Write(p)
	return err
}

func (c *Conn) ping() error {
	if err := c.wmu.Acquire(c.srv.AcquireWriteLockTimeout); err != nil {
		return err
	}
	defer c.wmu.Release()

	var deadline time.Time
	if to := c.srv.WriteTimeout; to > 0 {
		deadline = time.Now().Add(to)
	}
	return c.wsConn.WriteControl(websocket.PingMessage, nil, deadline)
}

// writePump is the write loop, started in its own goroutine.
func (c *Conn) writePump() {
	if c.srv.Vars != nil {
		c.srv.Vars.Add("TotalConnGoros", 1)
		c.srv.Vars.Add("ActiveConnGoros", 1)
		defer c.srv.Vars.Add("ActiveConnGoros", -1)
	}

	var tick <-chan time.Time
	if iv := c.srv.PingInterval; iv > 0 {
		t := time.NewTicker(iv)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case p := <-c.send:
			if err := c.write(p); err != nil {
				switch err {
				case wswriter.ErrWriteLockTimeout:
					c.srv.add("WriteLockTimeouts", 1)
				case wswriter.ErrWriteLimitExceeded:
					c.srv.add("WriteLimitExceeded", 1)
				}
				// client may be gone
				c.Close(err)
				return
			}
			c.srv.add("MsgsWrite", 1)

		case <-tick:
			if err := c.ping(); err != nil {
				c.Close(err)
				return
			}

		case <-c.kill:
			return
		}
	}
}

func (c *Conn) extendReadDeadline() {
	if to := c.srv.ReadTimeout; to > 0 {
		c.wsConn.SetReadDeadline(time.Now().Add(to))
	}
}

// receive is the read loop, started in its own goroutine.
func (c *Conn) receive() {
	if c.srv.Vars != nil {
		c.srv.Vars.Add("TotalConnGoros", 1)
		c.srv.Vars.Add("ActiveConnGoros", 1)
		defer c.srv.Vars.Add("ActiveConnGoros", -1)
	}

	c.extendReadDeadline()
	c.wsConn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	for {
		// NextReader returns with an error once a connection is closed,
		// so this loop doesn't need to check the c.kill channel.
		mt, r, err := c.wsConn.NextReader()
		if err != nil {
			c.Close(err)
			return
		}
		c.extendReadDeadline()
		if mt != websocket.TextMessage {
			c.Close(fmt.Errorf("invalid websocket message type: %d", mt))
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.srv.add("RateLimitedMsgs", 1)
			c.srv.debugf("relay: %s: message dropped, rate limit exceeded", c.SessionID)
			continue
		}

		m, err := message.UnmarshalRequest(r)
		if err != nil {
			if errors.Is(err, message.ErrMissingType) {
				c.srv.debugf("relay: %s: message dropped: %v", c.SessionID, err)
				continue
			}
			c.Close(err)
			return
		}

		if h := c.srv.Handler; h != nil {
			h.Handle(c.ctx, c, m)
		} else {
			ProcessMsg(c.ctx, c, m)
		}
	}
}
