package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trippledave/drupal-nodejs/admin"
	"github.com/trippledave/drupal-nodejs/backend"
	"github.com/trippledave/drupal-nodejs/message"
	"github.com/trippledave/drupal-nodejs/relay"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type transport struct{}

func (transport) Send(p []byte) bool { return true }
func (transport) Close(err error)    {}

type newsBackend struct{}

func (newsBackend) Authenticate(ctx context.Context, req backend.AuthRequest) (*backend.AuthResult, error) {
	return &backend.AuthResult{Valid: true, UID: 3, AuthToken: req.AuthToken, Channels: []string{"news"}}, nil
}

type logBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (l *logBuffer) logf(f string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(f, args...))
}

func (l *logBuffer) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

func TestExtension(t *testing.T) {
	var buf logBuffer
	ext := &Extension{LogFunc: buf.logf}

	srv := &relay.Server{
		Backend:                  newsBackend{},
		ClientsCanWriteToClients: true,
		Extensions:               []interface{}{ext},
		LogFunc:                  func(string, ...interface{}) {},
	}
	defer srv.Close()
	adm := &admin.Server{Relay: srv, ServiceKey: "key", Extensions: []interface{}{ext}}
	router := adm.Router()

	_, err := srv.AddChannel("news", true)
	require.NoError(t, err, "AddChannel")

	sess, err := srv.Connect(transport{})
	require.NoError(t, err, "Connect")
	require.NoError(t, srv.Authenticate(context.Background(), sess.ID, message.NewAuthenticate("tok", nil)), "Authenticate")

	cm, err := message.NewClient(map[string]string{"type": "chat", "channel": "news"})
	require.NoError(t, err, "NewClient")
	require.NoError(t, srv.ProcessMessage(sess.ID, cm), "channel message")
	cm, err = message.NewClient(map[string]string{"type": "ping"})
	require.NoError(t, err, "NewClient")
	require.NoError(t, srv.ProcessMessage(sess.ID, cm), "client message")

	pm, err := message.NewPublish(map[string]string{"channel": "news", "text": "hi"})
	require.NoError(t, err, "NewPublish")
	n, err := srv.Publish(pm)
	require.NoError(t, err, "Publish")
	assert.Equal(t, 1, n, "reached")

	require.NoError(t, srv.Disconnect(sess.ID), "Disconnect")

	assert.Equal(t, Counters{
		Connected:     1,
		Disconnected:  1,
		Authenticated: 1,
		ChannelMsgs:   1,
		ClientMsgs:    1,
		Published:     1,
	}, ext.Counters(), "counters")

	lines := buf.get()
	if assert.Len(t, lines, 6, "log lines") {
		assert.Contains(t, lines[1], "authenticated as uid 3", "auth line")
		assert.Contains(t, lines[4], "channel news reached 1 sessions", "publish line")
	}

	// open route
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/example", nil))
	assert.Equal(t, http.StatusOK, w.Code, "example status")
	assert.JSONEq(t, `{"text":"Hello world."}`, w.Body.String(), "example body")

	// counters route requires the service key
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, admin.DefaultBaseAuthPath+"activity", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code, "activity without key")

	r := httptest.NewRequest(http.MethodGet, admin.DefaultBaseAuthPath+"activity", nil)
	r.Header.Set(admin.ServiceKeyHeader, "key")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code, "activity status")
	var got Counters
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got), "Unmarshal")
	assert.Equal(t, ext.Counters(), got, "activity body")
}
