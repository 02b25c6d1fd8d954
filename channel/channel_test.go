package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trippledave/drupal-nodejs/session"
)

type countingTransport struct {
	n int
}

func (c *countingTransport) Send(p []byte) bool { c.n++; return true }
func (c *countingTransport) Close(err error)    {}

func newSession(reg *session.Registry) (*session.Session, *countingTransport) {
	ct := &countingTransport{}
	s := session.New(ct)
	reg.Register(s)
	return s, ct
}

func discardLog(string, ...interface{}) {}

func TestAddRemove(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(session.NewRegistry())
	reg.LogFunc = discardLog

	assert.True(t, reg.Add("news", true), "add")
	assert.False(t, reg.Add("news", false), "add existing")
	assert.True(t, reg.IsWritableByClients("news"), "writable is kept")
	assert.True(t, reg.Exists("news"), "exists")

	assert.True(t, reg.Remove("news"), "remove")
	assert.False(t, reg.Remove("news"), "remove twice")
	assert.False(t, reg.Exists("news"), "exists after remove")
	assert.Equal(t, 0, reg.Len(), "len")

	c1 := reg.Ensure("a")
	c2 := reg.Ensure("a")
	assert.Same(t, c1, c2, "ensure is idempotent")
	assert.False(t, c1.ClientWritable, "default writable")

	reg.DefaultWritable = true
	assert.True(t, reg.Ensure("b").ClientWritable, "default writable set")
	assert.False(t, reg.IsWritableByClients("missing"), "missing channel is not writable")
}

func TestMembership(t *testing.T) {
	t.Parallel()

	sessions := session.NewRegistry()
	reg := NewRegistry(sessions)

	reg.AddMember("news", "s1")
	reg.AddMember("news", "s2")
	reg.AddMember("sports", "s1")
	assert.True(t, reg.IsMember("s1", "news"), "s1 in news")
	assert.False(t, reg.IsMember("s3", "news"), "s3 not in news")
	assert.False(t, reg.IsMember("s1", "missing"), "missing channel")

	assert.True(t, reg.RemoveMember("news", "s2"), "remove s2")
	assert.False(t, reg.RemoveMember("news", "s2"), "remove s2 twice")
	assert.False(t, reg.RemoveMember("missing", "s2"), "remove from missing channel")

	reg.RemoveSession("s1")
	assert.False(t, reg.IsMember("s1", "news"), "s1 removed from news")
	assert.False(t, reg.IsMember("s1", "sports"), "s1 removed from sports")
	assert.Equal(t, 0, reg.Ensure("news").Len(), "news is empty")
}

func TestPublishCountsLiveSessions(t *testing.T) {
	t.Parallel()

	sessions := session.NewRegistry()
	reg := NewRegistry(sessions)
	reg.LogFunc = discardLog

	var transports []*countingTransport
	for i := 0; i < 3; i++ {
		s, ct := newSession(sessions)
		transports = append(transports, ct)
		reg.AddMember("news", s.ID)
	}
	// stale member, its session is gone
	stale, staleT := newSession(sessions)
	reg.AddMember("news", stale.ID)
	sessions.Unregister(stale.ID)

	n := reg.Publish("news", []byte(`{"channel":"news","text":"hi"}`))
	assert.Equal(t, 3, n, "sent count")
	for i, ct := range transports {
		assert.Equal(t, 1, ct.n, "transport %d", i)
	}
	assert.Equal(t, 0, staleT.n, "stale transport")

	assert.Equal(t, 0, reg.Publish("missing", []byte(`{}`)), "publish to missing channel")
}

func TestBroadcast(t *testing.T) {
	t.Parallel()

	sessions := session.NewRegistry()
	reg := NewRegistry(sessions)

	_, ct1 := newSession(sessions)
	_, ct2 := newSession(sessions)
	require.Equal(t, 2, reg.Broadcast([]byte(`{"broadcast":true}`)), "broadcast count")
	assert.Equal(t, 1, ct1.n, "ct1")
	assert.Equal(t, 1, ct2.n, "ct2")
}
