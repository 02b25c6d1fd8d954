package main

import (
	"expvar"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trippledave/drupal-nodejs/admin"
	"github.com/trippledave/drupal-nodejs/authcache"
	"github.com/trippledave/drupal-nodejs/authcache/rediscache"
	"github.com/trippledave/drupal-nodejs/extension/activity"
	"github.com/trippledave/drupal-nodejs/internal/redistest"
	"github.com/trippledave/drupal-nodejs/relay"
)

func TestDefaultConfig(t *testing.T) {
	conf, err := getConfigFromReader(nil)
	require.NoError(t, err, "getConfigFromReader")

	assert.Equal(t, ":8080", conf.Server.Addr, "addr")
	assert.Equal(t, []string{"/ws"}, conf.Server.Paths, "paths")
	assert.Equal(t, "/nodejs/", conf.BaseAuthPath, "base auth path")
	assert.Equal(t, "http", conf.Backend.Scheme, "backend scheme")
	assert.Equal(t, "nodejs/message", conf.Backend.MessagePath, "backend message path")
	assert.True(t, conf.Backend.StrictSSL, "strict ssl")
	assert.Equal(t, "", conf.Redis.Addr, "redis addr")
	assert.Nil(t, conf.TLS, "tls")
}

func TestConfigFromReader(t *testing.T) {
	src := `
server:
  addr: ":9001"
  paths: ["/a", "/b"]
  read_limit: 4096
  read_timeout: 30s
  read_rate: 10
  read_burst: 20
  ping_interval: 5s
  whitelisted_origins: ["http://example.com"]
backend:
  scheme: https
  host: drupal.local
  port: 8443
  base_path: /site/
  http_auth: "user:pass"
  strict_ssl: false
  timeout: 3s
service_key: secret
base_auth_path: /relay/
clients_can_write_to_channels: true
presence_delay: 1s
content_channel_delay: 500ms
auth_cache:
  size: 100
  ttl: 1h
redis:
  addr: ":7000"
  cluster: true
  key_prefix: test
tls:
  cert: cert.pem
  key: key.pem
extensions: [activity]
debug: true
`
	conf, err := getConfigFromReader(strings.NewReader(src))
	require.NoError(t, err, "getConfigFromReader")

	assert.Equal(t, ":9001", conf.Server.Addr, "addr")
	assert.Equal(t, []string{"/a", "/b"}, conf.Server.Paths, "paths")
	assert.Equal(t, int64(4096), conf.Server.ReadLimit, "read limit")
	assert.Equal(t, 30*time.Second, conf.Server.ReadTimeout, "read timeout")
	assert.Equal(t, 10.0, conf.Server.ReadRate, "read rate")
	assert.Equal(t, 20, conf.Server.ReadBurst, "read burst")
	assert.Equal(t, 5*time.Second, conf.Server.PingInterval, "ping interval")
	// not in the file, keeps its default
	assert.Equal(t, 100*time.Millisecond, conf.Server.SlowProcessMsgThreshold, "slow threshold")

	assert.Equal(t, "https", conf.Backend.Scheme, "scheme")
	assert.Equal(t, "drupal.local", conf.Backend.Host, "host")
	assert.Equal(t, 8443, conf.Backend.Port, "port")
	assert.Equal(t, "nodejs/message", conf.Backend.MessagePath, "message path")
	assert.False(t, conf.Backend.StrictSSL, "strict ssl")
	assert.Equal(t, 3*time.Second, conf.Backend.Timeout, "timeout")

	assert.Equal(t, "secret", conf.ServiceKey, "service key")
	assert.Equal(t, "/relay/", conf.BaseAuthPath, "base auth path")
	assert.True(t, conf.ClientsCanWriteToChannels, "clients can write to channels")
	assert.False(t, conf.ClientsCanWriteToClients, "clients can write to clients")
	assert.Equal(t, time.Second, conf.PresenceDelay, "presence delay")
	assert.Equal(t, 500*time.Millisecond, conf.ContentChannelDelay, "content channel delay")
	assert.Equal(t, &AuthCache{Size: 100, TTL: time.Hour}, conf.AuthCache, "auth cache")
	assert.Equal(t, &Redis{Addr: ":7000", Cluster: true, KeyPrefix: "test"}, conf.Redis, "redis")
	assert.Equal(t, &TLS{Cert: "cert.pem", Key: "key.pem"}, conf.TLS, "tls")
	assert.Equal(t, []string{"activity"}, conf.Extensions, "extensions")
	assert.True(t, conf.Debug, "debug")
}

func TestInvalidConfig(t *testing.T) {
	cases := []struct {
		src string
		err string
	}{
		{"server: [", "yaml"},
		{"backend: ~", "must not be null"},
		{"server:\n  paths: []", "server.paths"},
		{"backend:\n  scheme: ftp", "backend.scheme"},
		{"redis:\n  cluster: true", "redis.addr"},
		{"tls:\n  cert: a.pem", "tls.cert"},
	}
	for _, c := range cases {
		_, err := getConfigFromReader(strings.NewReader(c.src))
		if assert.Error(t, err, c.src) {
			assert.Contains(t, err.Error(), c.err, c.src)
		}
	}
}

func TestConfigFromMissingFile(t *testing.T) {
	_, err := getConfigFromFile("does/not/exist.yaml")
	assert.Error(t, err, "missing file")
}

func TestNewAuthCacheMemory(t *testing.T) {
	conf, err := getConfigFromReader(nil)
	require.NoError(t, err, "getConfigFromReader")

	cache, err := newAuthCache(conf, new(expvar.Map).Init(), func(string, ...interface{}) {})
	require.NoError(t, err, "newAuthCache")
	assert.IsType(t, &authcache.Memory{}, cache, "memory cache")
}

func TestNewAuthCacheRedis(t *testing.T) {
	rs := redistest.Start(t, nil)

	conf, err := getConfigFromReader(strings.NewReader("redis:\n  addr: " + rs.Addr + "\n  key_prefix: cfg"))
	require.NoError(t, err, "getConfigFromReader")

	cache, err := newAuthCache(conf, new(expvar.Map).Init(), func(string, ...interface{}) {})
	require.NoError(t, err, "newAuthCache")
	if store, ok := cache.(*rediscache.Store); assert.True(t, ok, "redis cache") {
		defer store.Pool.Close()
		assert.Equal(t, "cfg", store.KeyPrefix, "key prefix")
		require.NoError(t, store.Put(&authcache.Record{AuthToken: "a", UID: 1}), "Put")
		rec, err := store.Get("a")
		require.NoError(t, err, "Get")
		assert.EqualValues(t, 1, rec.UID, "uid")
	}

	// a standalone redis is not a cluster
	conf.Redis.Cluster = true
	_, err = newAuthCache(conf, nil, func(string, ...interface{}) {})
	assert.Error(t, err, "cluster on standalone redis")
}

func TestNewAuthCacheRedisDown(t *testing.T) {
	conf, err := getConfigFromReader(strings.NewReader("redis:\n  addr: 127.0.0.1:1"))
	require.NoError(t, err, "getConfigFromReader")

	_, err = newAuthCache(conf, nil, func(string, ...interface{}) {})
	if assert.Error(t, err, "newAuthCache") {
		assert.Contains(t, err.Error(), "redis pool", "newAuthCache")
	}
}

func TestNewExtensions(t *testing.T) {
	exts, err := newExtensions(nil, nil)
	require.NoError(t, err, "no extension")
	assert.Empty(t, exts, "no extension")

	exts, err = newExtensions([]string{"activity"}, func(string, ...interface{}) {})
	require.NoError(t, err, "activity")
	if assert.Len(t, exts, 1, "activity") {
		assert.IsType(t, &activity.Extension{}, exts[0], "activity")
		assert.Implements(t, (*relay.ConnectionObserver)(nil), exts[0], "connection observer")
		assert.Implements(t, (*admin.RouteContributor)(nil), exts[0], "route contributor")
	}

	_, err = newExtensions([]string{"activity", "nope"}, nil)
	if assert.Error(t, err, "unknown extension") {
		assert.Contains(t, err.Error(), `"nope"`, "unknown extension")
	}
}

func TestNewUpgraderOrigins(t *testing.T) {
	upg := newUpgrader(&Server{WhitelistedOrigins: []string{"http://ok.example"}})

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "http://ok.example")
	assert.True(t, upg.CheckOrigin(r), "whitelisted origin")

	r.Header.Set("Origin", "http://evil.example")
	assert.False(t, upg.CheckOrigin(r), "other origin")

	assert.Nil(t, newUpgrader(&Server{}).CheckOrigin, "default origin check")
}

func TestNewServer(t *testing.T) {
	conf, err := getConfigFromReader(strings.NewReader("service_key: k\nclients_can_write_to_clients: true"))
	require.NoError(t, err, "getConfigFromReader")

	srv := newServer(conf, authcache.NewMemory(0, 0), func(string, ...interface{}) {})
	defer srv.Close()

	assert.True(t, srv.ClientsCanWriteToClients, "clients can write to clients")
	assert.Equal(t, conf.Server.PingInterval, srv.PingInterval, "ping interval")
	assert.Equal(t, conf.Backend.Timeout, srv.AuthTimeout, "auth timeout")
	if be := newBackend(conf.Backend, conf.ServiceKey, false, nil); assert.NotNil(t, be, "backend") {
		assert.Equal(t, "http://localhost/nodejs/message", be.URL(), "backend URL")
		assert.Equal(t, "k", be.ServiceKey, "backend service key")
		assert.False(t, be.InsecureSkipVerify, "verifies certificates by default")
	}

	conf.Backend.StrictSSL = false
	assert.True(t, newBackend(conf.Backend, conf.ServiceKey, false, nil).InsecureSkipVerify, "strict_ssl disabled")
}
