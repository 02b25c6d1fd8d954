package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trippledave/drupal-nodejs/internal/debounce"
	"github.com/trippledave/drupal-nodejs/message"
	"github.com/trippledave/drupal-nodejs/session"
)

type recTransport struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recTransport) Send(p []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, string(p))
	return true
}

func (r *recTransport) Close(err error) {}

func (r *recTransport) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

type reporter struct {
	uids chan message.UID
}

func (r *reporter) ReportOffline(ctx context.Context, uid message.UID) error {
	r.uids <- uid
	return nil
}

// loop serializes the scheduled checks with the test goroutine, the way
// the relay's event loop does.
type loop struct {
	mu sync.Mutex
}

func (l *loop) post(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn()
}

func (l *loop) do(fn func()) {
	l.post(fn)
}

func setup(t *testing.T, delay time.Duration) (*Tracker, *session.Registry, *loop, *reporter) {
	l := &loop{}
	sessions := session.NewRegistry()
	tr := New(sessions, debounce.New(l.post))
	tr.Delay = delay
	tr.LogFunc = func(string, ...interface{}) {}
	rep := &reporter{uids: make(chan message.UID, 10)}
	tr.Reporter = rep
	return tr, sessions, l, rep
}

func addSession(sessions *session.Registry, uid message.UID) (*session.Session, *recTransport) {
	rt := &recTransport{}
	s := session.New(rt)
	s.UID = uid
	sessions.Register(s)
	return s, rt
}

func presenceMsg(uid message.UID, ev message.PresenceEvent) string {
	b, _ := json.Marshal(&message.Presence{UID: uid, Event: ev})
	return string(b)
}

func TestOnlineIsCoalesced(t *testing.T) {
	t.Parallel()

	tr, sessions, _, _ := setup(t, time.Hour)
	_, obs := addSession(sessions, 2)

	addSession(sessions, 1)
	assert.True(t, tr.Online(1, []message.UID{2}), "first online")
	addSession(sessions, 1)
	assert.False(t, tr.Online(1, []message.UID{2, 3}), "second online")

	assert.Equal(t, []string{presenceMsg(1, message.Online)}, obs.received(), "single online notification")
	got, ok := tr.Observers(1)
	assert.True(t, ok, "online")
	assert.Equal(t, []message.UID{2, 3}, got, "observers replaced")
	assert.False(t, tr.Online(0, nil), "anonymous is never online")
	assert.Equal(t, 1, tr.Len(), "len")
}

func TestOfflineAfterDelay(t *testing.T) {
	t.Parallel()

	tr, sessions, l, rep := setup(t, 20*time.Millisecond)
	_, obs := addSession(sessions, 2)
	s, _ := addSession(sessions, 1)
	l.do(func() {
		tr.Online(1, []message.UID{2})
		sessions.Unregister(s.ID)
		tr.Disconnected(1)
	})

	select {
	case uid := <-rep.uids:
		assert.Equal(t, message.UID(1), uid, "reported uid")
	case <-time.After(time.Second):
		require.FailNow(t, "offline not reported")
	}
	tr.Wait()

	l.do(func() {
		assert.False(t, tr.IsOnline(1), "offline")
	})
	assert.Equal(t, []string{
		presenceMsg(1, message.Online),
		presenceMsg(1, message.Offline),
	}, obs.received(), "notifications")
}

func TestReconnectSuppressesOffline(t *testing.T) {
	t.Parallel()

	tr, sessions, l, rep := setup(t, 30*time.Millisecond)
	_, obs := addSession(sessions, 2)
	s, _ := addSession(sessions, 1)
	l.do(func() {
		tr.Online(1, []message.UID{2})
		sessions.Unregister(s.ID)
		tr.Disconnected(1)

		// reconnect before the delay
		addSession(sessions, 1)
		tr.Online(1, []message.UID{2})
	})

	time.Sleep(100 * time.Millisecond)
	select {
	case <-rep.uids:
		assert.Fail(t, "offline reported")
	default:
	}
	l.do(func() {
		assert.True(t, tr.IsOnline(1), "still online")
	})
	assert.Equal(t, []string{presenceMsg(1, message.Online)}, obs.received(), "no offline notification")
}

func TestDisconnectReschedules(t *testing.T) {
	t.Parallel()

	tr, sessions, l, rep := setup(t, 40*time.Millisecond)
	s1, _ := addSession(sessions, 1)
	s2, _ := addSession(sessions, 1)
	l.do(func() {
		tr.Online(1, nil)
		sessions.Unregister(s1.ID)
		tr.Disconnected(1)
	})
	time.Sleep(20 * time.Millisecond)
	l.do(func() {
		sessions.Unregister(s2.ID)
		tr.Disconnected(1)
	})

	select {
	case <-rep.uids:
	case <-time.After(time.Second):
		require.FailNow(t, "offline not reported")
	}
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, rep.uids, 0, "exactly one offline report")
}

func TestSetObservers(t *testing.T) {
	t.Parallel()

	tr, _, _, _ := setup(t, time.Hour)
	tr.SetObservers(5, []message.UID{6})
	assert.True(t, tr.IsOnline(5), "online")
	obs, _ := tr.Observers(5)
	assert.Equal(t, []message.UID{6}, obs, "observers")
	assert.Equal(t, "presence:5", Key(5), "key")
}
