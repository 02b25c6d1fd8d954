package relay

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trippledave/drupal-nodejs/client"
	"github.com/trippledave/drupal-nodejs/internal/wstest"
	"github.com/trippledave/drupal-nodejs/internal/wswriter"
	"github.com/trippledave/drupal-nodejs/message"
)

func TestDelegatedMethods(t *testing.T) {
	done := make(chan bool, 1)
	srv := wstest.StartRecordingServer(t, done, ioutil.Discard)
	defer srv.Close()

	wsc := wstest.Dial(t, srv.URL)
	defer wsc.Close()

	c := newConn(wsc, &Server{})
	defer c.Close(nil)

	addr1, addr2 := wsc.LocalAddr(), c.LocalAddr()
	assert.Equal(t, addr1, addr2, "LocalAddr")
	addr1, addr2 = wsc.RemoteAddr(), c.RemoteAddr()
	assert.Equal(t, addr1, addr2, "RemoteAddr")
	assert.Equal(t, wsc, c.UnderlyingConn(), "UnderlyingConn")
}

func TestConnClose(t *testing.T) {
	c := newConn(&websocket.Conn{}, &Server{})

	ctx := c.Context()
	c.Close(ErrKicked)
	c.Close(ErrLoggedOut)

	select {
	case <-c.CloseNotify():
	default:
		assert.Fail(t, "connection not closed")
	}
	assert.Equal(t, ErrKicked, c.CloseErr, "first close error is kept")
	assert.Equal(t, context.Canceled, ctx.Err(), "context cancelled")
	assert.False(t, c.Send([]byte("x")), "send after close")
}

func TestSendQueueFull(t *testing.T) {
	c := newConn(&websocket.Conn{}, &Server{SendQueueSize: 1})

	assert.True(t, c.Send([]byte("a")), "first send")
	assert.False(t, c.Send([]byte("b")), "second send")
	<-c.CloseNotify()
	assert.Equal(t, ErrSendQueueFull, c.CloseErr, "close error")
}

func TestExclusiveWriter(t *testing.T) {
	var buf bytes.Buffer
	done := make(chan bool, 1)
	srv := wstest.StartRecordingServer(t, done, &buf)
	defer srv.Close()

	wsc := wstest.Dial(t, srv.URL)
	defer wsc.Close()

	c := newConn(wsc, &Server{})
	w := c.Writer(100 * time.Millisecond)

	_, err := fmt.Fprint(w, "a") // acquires the lock
	assert.NoError(t, err, "write a")

	w2 := c.Writer(10 * time.Millisecond)
	_, err = fmt.Fprint(w2, "b")
	assert.Equal(t, wswriter.ErrWriteLockTimeout, err, "write b")
	require.NoError(t, w2.Close(), "close b")

	require.NoError(t, w.Close(), "close a")
	require.NoError(t, c.write([]byte("c")), "write c")

	wsc.Close()
	<-done
	assert.Equal(t, "ac", buf.String(), "writes are as expected")
}

func startServer(t *testing.T, srv *Server) string {
	ts := httptest.NewServer(Upgrade(&websocket.Upgrader{}, srv))
	t.Cleanup(ts.Close)
	return strings.Replace(ts.URL, "http:", "ws:", 1)
}

func TestSendBinaryMessage(t *testing.T) {
	srv := newTestServer(t, newFakeBackend())
	url := startServer(t, srv)

	cli, err := client.Dial(&websocket.Dialer{}, url, nil)
	require.NoError(t, err, "Dial")

	wsc := cli.UnderlyingConn()
	w, err := wsc.NextWriter(websocket.BinaryMessage)
	require.NoError(t, err, "NextWriter")
	fmt.Fprint(w, "some bytes in binary form")
	require.NoError(t, w.Close(), "Close")

	select {
	case <-cli.CloseNotify():
	case <-time.After(time.Second):
		t.Errorf("client connection not closed as expected")
	}
}

func TestServeConnStates(t *testing.T) {
	done := make(chan bool, 1)
	ws := wstest.StartRecordingServer(t, done, ioutil.Discard)
	defer ws.Close()

	conn := wstest.Dial(t, ws.URL)
	defer conn.Close()

	state := make(chan ConnState)
	fn := func(c *Conn, cs ConnState) {
		select {
		case state <- cs:
		case <-time.After(time.Second):
			assert.Fail(t, "could not send state", "%s", cs)
		}
	}
	srv := newTestServer(t, newFakeBackend())
	srv.ConnState = fn

	go srv.ServeConn(conn)

	for _, want := range []ConnState{Accepting, Connected} {
		select {
		case got := <-state:
			assert.Equal(t, want, got, "state")
		case <-time.After(time.Second):
			require.FailNow(t, "no state received", "%s", want)
		}
	}

	// closing the underlying websocket connection causes the relay
	// connection to close too.
	conn.Close()

	select {
	case got := <-state:
		assert.Equal(t, Closed, got, "received closed connection state")
	case <-time.After(time.Second):
		assert.Fail(t, "no closed state received")
	}

	require.Eventually(t, func() bool {
		st, err := srv.Stats()
		return err == nil && st.Sockets == 0
	}, time.Second, 10*time.Millisecond, "session unregistered")
}

type msgCollector struct {
	mu   sync.Mutex
	msgs []message.Msg
}

func (c *msgCollector) Handle(ctx context.Context, m message.Msg) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, m)
}

func (c *msgCollector) received() []message.Msg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message.Msg(nil), c.msgs...)
}

func waitAuthenticated(t *testing.T, srv *Server, authenticated int) {
	require.Eventually(t, func() bool {
		st, err := srv.Stats()
		return err == nil && st.AuthenticatedClients == authenticated
	}, time.Second, 10*time.Millisecond, "authenticated clients")
}

func TestRelayEndToEnd(t *testing.T) {
	be := newFakeBackend()
	be.set("tok1", 1, "news")
	be.set("tok2", 2, "news")
	srv := newTestServer(t, be)
	srv.ClientsCanWriteToChannels = true
	url := startServer(t, srv)

	col1, col2 := &msgCollector{}, &msgCollector{}
	cli1, err := client.Dial(&websocket.Dialer{}, url, nil, client.SetHandler(col1))
	require.NoError(t, err, "Dial 1")
	defer cli1.Close()
	cli2, err := client.Dial(&websocket.Dialer{}, url, nil, client.SetHandler(col2))
	require.NoError(t, err, "Dial 2")
	defer cli2.Close()

	require.NoError(t, cli1.Authenticate("tok1", nil), "Authenticate 1")
	require.NoError(t, cli2.Authenticate("tok2", nil), "Authenticate 2")
	waitAuthenticated(t, srv, 2)

	// wait for both sessions to be members of news
	require.Eventually(t, func() bool {
		n, err := srv.Publish(&message.Publish{Channel: "news", Raw: []byte(`{"channel":"news","ping":true}`)})
		return err == nil && n == 2
	}, time.Second, 10*time.Millisecond, "publish reaches both sessions")

	require.NoError(t, cli1.Send(map[string]string{"type": "chat", "channel": "news", "text": "hi"}), "Send")
	require.Eventually(t, func() bool {
		for _, m := range col2.received() {
			if p, ok := m.(*message.Publish); ok && strings.Contains(string(p.Raw), `"text":"hi"`) {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "client 2 received the chat message")

	n, err := srv.KickUser(1)
	require.NoError(t, err, "KickUser")
	assert.Equal(t, 1, n, "kicked")
	select {
	case <-cli1.CloseNotify():
	case <-time.After(time.Second):
		assert.Fail(t, "kicked client not closed")
	}
}

func TestMalformedMessages(t *testing.T) {
	srv := newTestServer(t, newFakeBackend())
	url := startServer(t, srv)

	cli, err := client.Dial(&websocket.Dialer{}, url, nil)
	require.NoError(t, err, "Dial")
	defer cli.Close()
	wsc := cli.UnderlyingConn()

	// a message without type is dropped, the connection stays open
	require.NoError(t, wsc.WriteMessage(websocket.TextMessage, []byte(`{"event":"message","data":{"channel":"c"}}`)))
	select {
	case <-cli.CloseNotify():
		require.FailNow(t, "connection closed on missing type")
	case <-time.After(50 * time.Millisecond):
	}

	// an unknown event closes the connection
	require.NoError(t, wsc.WriteMessage(websocket.TextMessage, []byte(`{"event":"subscribe","data":{}}`)))
	select {
	case <-cli.CloseNotify():
	case <-time.After(time.Second):
		assert.Fail(t, "connection not closed on unknown event")
	}
}

func TestReadRateLimit(t *testing.T) {
	srv := newTestServer(t, newFakeBackend())
	srv.ReadRate = 0.001
	srv.ReadBurst = 1
	url := startServer(t, srv)

	cli, err := client.Dial(&websocket.Dialer{}, url, nil)
	require.NoError(t, err, "Dial")
	defer cli.Close()

	for i := 0; i < 3; i++ {
		require.NoError(t, cli.Send(map[string]string{"type": "direct"}), "Send %d", i)
	}
	require.Eventually(t, func() bool {
		v := srv.Vars.Get("RateLimitedMsgs")
		return v != nil && v.String() == "2"
	}, time.Second, 10*time.Millisecond, "rate limited messages")
}
