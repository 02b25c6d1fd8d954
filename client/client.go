// Package client implements a relay client. Once a Client is returned
// via a call to Dial or New, it can be used to authenticate the
// connection and to send messages to the server.
//
// Received presence notifications, token channel notifications and
// published messages are handled by a Handler. Each received message
// is sent to the Handler in a separate goroutine.
package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/trippledave/drupal-nodejs/internal/wswriter"
	"github.com/trippledave/drupal-nodejs/message"
)

// Client is a relay client based on a websocket connection. It is
// used to send and receive messages to and from a relay server.
type Client struct {
	conn *websocket.Conn

	// options
	handler                 Handler
	readTimeout             time.Duration
	writeTimeout            time.Duration
	acquireWriteLockTimeout time.Duration
	writeLimit              int64

	// signals close of client
	stop chan struct{}

	wmu wswriter.Lock // exclusive write lock
	mu  sync.Mutex    // lock access to the err field
	err error
}

// New creates a relay client using the provided websocket
// connection. Received messages are sent to the handler set by
// the SetHandler option.
func New(conn *websocket.Conn, opts ...Option) *Client {
	c := &Client{
		conn: conn,
		stop: make(chan struct{}),
		wmu:  wswriter.NewLock(),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.handleMessages()
	return c
}

func (c *Client) extendReadDeadline() {
	if c.readTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
}

func (c *Client) handleMessages() {
	defer close(c.stop)

	c.extendReadDeadline()
	for {
		_, r, err := c.conn.NextReader()
		if err != nil {
			c.setErr(err)
			return
		}
		c.extendReadDeadline()

		m, err := message.UnmarshalResponse(r)
		if err != nil {
			continue
		}
		if c.handler != nil {
			go c.handler.Handle(context.Background(), m)
		}
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *Client) getErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Dial is a helper function to create a Client connected to urlStr using
// the provided *websocket.Dialer and request headers. If the connection
// succeeds, it returns the initialized client, otherwise it returns an
// error. For a better control over the connection, directly use the
// *websocket.Dialer and create the client once the connection is
// established, using New.
func Dial(d *websocket.Dialer, urlStr string, reqHeader http.Header, opts ...Option) (*Client, error) {
	conn, _, err := d.Dial(urlStr, reqHeader)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// Close closes the connection. No more messages will be received.
func (c *Client) Close() error {
	err := c.getErr()

	// closing the websocket connection causes the NextReader
	// call in handleMessages to fail, closing c.stop.
	err2 := c.conn.Close()
	<-c.stop

	if err == nil {
		// if c.err is nil, store the close error
		err = err2
		c.mu.Lock()
		if err2 != nil {
			c.err = err2
		} else {
			c.err = errors.New("closed connection")
		}
		c.mu.Unlock()
	}
	return err
}

// CloseNotify returns a channel that is closed when the client is
// closed.
func (c *Client) CloseNotify() <-chan struct{} {
	return c.stop
}

// UnderlyingConn returns the underlying websocket connection used by the
// client. Care should be taken when using the websocket connection
// directly, as it may interfere with the normal behaviour of the client.
func (c *Client) UnderlyingConn() *websocket.Conn {
	return c.conn
}

// Authenticate sends an authentication request to the server with the
// auth token and the content tokens to claim, keyed by token channel.
// The server does not reply: once authenticated, the connection starts
// receiving the messages of its channels.
func (c *Client) Authenticate(authToken string, contentTokens map[string]string) error {
	if err := c.getErr(); err != nil {
		return err
	}
	return c.doWrite(message.NewAuthenticate(authToken, contentTokens))
}

// Send sends a message to the server. The v value is marshaled as JSON
// and must be an object with a type property. If it has a channel
// property, the server relays it to that channel.
func (c *Client) Send(v interface{}) error {
	if err := c.getErr(); err != nil {
		return err
	}
	m, err := message.NewClient(v)
	if err != nil {
		return err
	}
	return c.doWrite(m)
}

// doWrite calls writeMsg and handles errors so that the connection is
// marked as failed if the error is fatal.
func (c *Client) doWrite(m message.Msg) error {
	err := c.writeMsg(m)
	switch err {
	case wswriter.ErrWriteLimitExceeded,
		wswriter.ErrWriteLockTimeout:
		c.setErr(err)
	}
	return err
}

func (c *Client) writeMsg(m message.Msg) error {
	b, err := message.MarshalRequest(m)
	if err != nil {
		return err
	}

	w := wswriter.Exclusive(c.conn, c.wmu, c.acquireWriteLockTimeout, c.writeTimeout)
	defer w.Close()

	lw := io.Writer(w)
	if l := c.writeLimit; l > 0 {
		lw = wswriter.Limit(w, l)
	}
	_, err = lw.Write(b)
	return err
}

// Handler defines the method required to handle a message received
// from the server.
type Handler interface {
	Handle(context.Context, message.Msg)
}

// HandlerFunc is a function that implements the Handler interface.
type HandlerFunc func(context.Context, message.Msg)

// Handle implements Handler for a HandlerFunc. It calls fn
// with the parameters.
func (fn HandlerFunc) Handle(ctx context.Context, m message.Msg) {
	fn(ctx, m)
}

// Option sets an option on the Client.
type Option func(*Client)

// SetHandler sets the handler that is called with each message
// received from the server. Each invocation runs in its own
// goroutine, so proper synchronization must be used when accessing
// shared data.
func SetHandler(h Handler) Option {
	return func(c *Client) {
		c.handler = h
	}
}

// SetReadTimeout sets the read timeout of the connection.
func SetReadTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// SetWriteTimeout sets the write timeout of the connection.
func SetWriteTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// SetAcquireWriteLockTimeout sets the timeout to acquire the exclusive
// write lock. If a lock cannot be acquired before the timeout, the connection
// is marked as failed and should be closed.
func SetAcquireWriteLockTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.acquireWriteLockTimeout = timeout
	}
}

// SetReadLimit sets the limit in bytes of messages read from the connection.
// If a message exceeds the limit, the connection is marked as failed and
// should be closed.
func SetReadLimit(limit int64) Option {
	return func(c *Client) {
		c.conn.SetReadLimit(limit)
	}
}

// SetWriteLimit sets the limit in bytes of messages sent on the connection.
// If a message exceeds the limit, the connection is marked as failed and
// should be closed.
func SetWriteLimit(limit int64) Option {
	return func(c *Client) {
		c.writeLimit = limit
	}
}
