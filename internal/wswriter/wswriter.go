// Package wswriter implements the writers used to send messages on a
// websocket connection: an exclusive writer that holds the connection's
// write lock for the duration of a message, and a writer that fails once
// a size limit is exceeded.
package wswriter

import (
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
)

// ErrWriteLockTimeout is returned when a call to Write fails because
// the write lock of the connection cannot be acquired before the
// timeout.
var ErrWriteLockTimeout = errors.New("wswriter: timed out waiting for write lock")

// ErrWriteLimitExceeded is returned when a write would exceed the
// limit of a writer returned by Limit.
var ErrWriteLimitExceeded = errors.New("wswriter: write limit exceeded")

// Lock is the write lock of a websocket connection. It is a channel so
// that acquiring it can be select'ed upon with a timeout.
type Lock chan struct{}

// NewLock returns an available write lock.
func NewLock() Lock {
	l := make(Lock, 1)
	l <- struct{}{}
	return l
}

// Acquire acquires the lock, waiting at most timeout. A timeout of 0
// waits indefinitely.
func (l Lock) Acquire(timeout time.Duration) error {
	var wait <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		wait = t.C
	}
	select {
	case <-l:
		return nil
	case <-wait:
		return ErrWriteLockTimeout
	}
}

// Release releases the lock.
func (l Lock) Release() {
	l <- struct{}{}
}

type exclusiveWriter struct {
	w            io.WriteCloser
	init         bool
	lock         Lock
	lockTimeout  time.Duration
	writeTimeout time.Duration
	conn         *websocket.Conn
}

// Exclusive returns a writer of a single text message on conn. The first
// call to Write acquires lock, failing with ErrWriteLockTimeout if it
// can't before acquireTimeout. The writeTimeout is used to set the write
// deadline on the connection. Close completes the message and releases
// the lock.
func Exclusive(conn *websocket.Conn, lock Lock, acquireTimeout, writeTimeout time.Duration) io.WriteCloser {
	return &exclusiveWriter{
		lock:         lock,
		lockTimeout:  acquireTimeout,
		writeTimeout: writeTimeout,
		conn:         conn,
	}
}

func (w *exclusiveWriter) Write(p []byte) (int, error) {
	if !w.init {
		if err := w.lock.Acquire(w.lockTimeout); err != nil {
			return 0, err
		}
		w.init = true
		if to := w.writeTimeout; to > 0 {
			w.conn.SetWriteDeadline(time.Now().Add(to))
		}
		wc, err := w.conn.NextWriter(websocket.TextMessage)
		if err != nil {
			return 0, err
		}
		w.w = wc
	}
	if w.w == nil {
		return 0, io.ErrClosedPipe
	}
	return w.w.Write(p)
}

func (w *exclusiveWriter) Close() error {
	if !w.init {
		return nil
	}

	var err error
	if w.w != nil {
		err = w.w.Close()
		w.conn.SetWriteDeadline(time.Time{})
	}
	w.init = false
	w.w = nil
	w.lock.Release()
	return err
}

type limitWriter struct {
	w io.Writer
	n int64
}

// Limit returns a writer that writes to w until limit bytes have been
// written. A write that would exceed the limit writes what fits and
// returns ErrWriteLimitExceeded.
func Limit(w io.Writer, limit int64) io.Writer {
	return &limitWriter{w: w, n: limit}
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if int64(len(p)) <= l.n {
		n, err := l.w.Write(p)
		l.n -= int64(n)
		return n, err
	}

	n, err := l.w.Write(p[:l.n])
	l.n -= int64(n)
	if err == nil {
		err = ErrWriteLimitExceeded
	}
	return n, err
}
