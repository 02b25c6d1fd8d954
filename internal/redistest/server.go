// Package redistest provides test helpers to run a throw-away redis
// server.
package redistest

import (
	"io"
	"net"
	"os/exec"
	"testing"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"
)

// Server is a redis-server process started for a test.
type Server struct {
	// Addr is the address the server listens on.
	Addr string

	cmd *exec.Cmd
}

// Start starts a redis-server instance on a free port. The server is
// killed when the test and its subtests complete. If the redis-server
// command is not found in the PATH, the test is skipped.
//
// If w is not nil, both stdout and stderr of the server are written
// to it.
func Start(t *testing.T, w io.Writer) *Server {
	if _, err := exec.LookPath("redis-server"); err != nil {
		t.Skip("redis-server not found in $PATH")
	}

	port := freePort(t)
	c := exec.Command("redis-server", "--port", port, "--save", "", "--appendonly", "no")
	if w != nil {
		c.Stderr = w
		c.Stdout = w
	}
	require.NoError(t, c.Start(), "start redis-server")
	t.Cleanup(func() { c.Process.Kill() })

	addr := "127.0.0.1:" + port
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			conn.Close()
			break
		}
		require.True(t, time.Now().Before(deadline), "wait for redis-server to start")
		time.Sleep(10 * time.Millisecond)
	}

	t.Logf("redis-server started on %s", addr)
	return &Server{Addr: addr, cmd: c}
}

// Pool returns a redis pool to the server, closed when the test
// completes.
func (s *Server) Pool(t *testing.T) *redis.Pool {
	p := &redis.Pool{
		MaxIdle:     2,
		MaxActive:   10,
		IdleTimeout: time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", s.Addr)
		},
		TestOnBorrow: func(c redis.Conn, _ time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func freePort(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "listen on port 0")
	defer l.Close()
	_, p, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err, "parse host and port")
	return p
}
