// Package wstest provides websocket servers and dialers for tests.
package wstest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StartServer starts a websocket server that calls fn with each
// upgraded connection. The connection is closed when fn returns, and a
// value is sent on done. The URL of the returned server uses the ws
// scheme.
func StartServer(t *testing.T, done chan<- bool, fn func(*websocket.Conn)) *httptest.Server {
	upg := &websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upg.Upgrade(w, r, nil)
		if !assert.NoError(t, err, "Upgrade") {
			done <- false
			return
		}
		defer conn.Close()

		fn(conn)
		done <- true
	}))
	srv.URL = strings.Replace(srv.URL, "http:", "ws:", 1)
	return srv
}

// StartRecordingServer starts a websocket server that copies every text
// message it receives to w, until the connection is closed.
func StartRecordingServer(t *testing.T, done chan<- bool, w io.Writer) *httptest.Server {
	return StartServer(t, done, func(c *websocket.Conn) {
		for {
			_, r, err := c.NextReader()
			if err != nil {
				return
			}
			if _, err := io.Copy(w, r); err != nil {
				return
			}
		}
	})
}

// Dial connects to the websocket server at urlStr.
func Dial(t *testing.T, urlStr string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(urlStr, nil)
	require.NoError(t, err, "Dial")
	return conn
}
