package tokenchannel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trippledave/drupal-nodejs/message"
	"github.com/trippledave/drupal-nodejs/session"
)

type nopTransport struct{ n int }

func (t *nopTransport) Send(p []byte) bool { t.n++; return true }
func (t *nopTransport) Close(err error)    {}

func TestClaimIsOneShot(t *testing.T) {
	t.Parallel()

	sessions := session.NewRegistry()
	a := New(sessions)
	a.SetToken("chan1", "tok1", NewPayload(json.RawMessage(`{"channel":"chan1","token":"tok1"}`)))

	assert.False(t, a.Claim("chan1", "s1", "other"), "wrong token")
	assert.False(t, a.Claim("missing", "s1", "tok1"), "wrong channel")
	assert.True(t, a.Claim("chan1", "s1", "tok1"), "first claim")
	assert.False(t, a.Claim("chan1", "s2", "tok1"), "second claim")

	assert.True(t, a.IsClaimed("chan1", "s1"), "s1 claimed")
	assert.False(t, a.IsClaimed("chan1", "s2"), "s2 not claimed")
	assert.Empty(t, a.Pending()["chan1"], "no pending token left")
}

func TestSetTokenOverwrites(t *testing.T) {
	t.Parallel()

	a := New(session.NewRegistry())
	a.SetToken("c", "t", NewPayload(json.RawMessage(`{"v":1}`)))
	a.SetToken("c", "t", NewPayload(json.RawMessage(`{"v":2,"notifyOnDisconnect":true}`)))
	assert.Equal(t, 1, a.Len(), "single token channel")

	pending := a.Pending()
	require.Len(t, pending["c"], 1, "single pending token")
	p := pending["c"]["t"]
	assert.JSONEq(t, `{"v":2,"notifyOnDisconnect":true}`, string(p.Raw), "payload overwritten")
	assert.True(t, p.NotifyOnDisconnect, "notify flag")

	require.True(t, a.Claim("c", "s", "t"), "claim")
	got, ok := a.ReleaseSession("c", "s")
	assert.True(t, ok, "release")
	assert.True(t, got.NotifyOnDisconnect, "released payload")
	_, ok = a.ReleaseSession("c", "s")
	assert.False(t, ok, "release twice")
}

func TestClaimAllAndMembers(t *testing.T) {
	t.Parallel()

	sessions := session.NewRegistry()
	a := New(sessions)

	user := session.New(&nopTransport{})
	user.UID, user.AuthToken = 7, "u-tok"
	anon := session.New(&nopTransport{})
	anon.AuthToken = "anon-tok"
	gone := session.New(&nopTransport{})
	gone.UID = 8
	sessions.Register(user)
	sessions.Register(anon)
	sessions.Register(gone)

	a.SetToken("news", "abc", NewPayload(nil))
	a.SetToken("news", "def", NewPayload(nil))
	a.SetToken("news", "ghi", NewPayload(nil))
	a.SetToken("sports", "xyz", NewPayload(nil))

	joined := a.ClaimAll(user.ID, map[string]string{"news": "abc", "sports": "xyz", "other": "q"})
	assert.ElementsMatch(t, []string{"news", "sports"}, joined, "joined channels")
	assert.ElementsMatch(t, []string{"news", "sports"}, a.ChannelsOf(user.ID), "channels of user")
	require.True(t, a.Claim("news", anon.ID, "def"), "anon claim")
	require.True(t, a.Claim("news", gone.ID, "ghi"), "gone claim")
	sessions.Unregister(gone.ID)

	m := a.MembersOf("news")
	assert.Equal(t, []message.UID{7}, m.UIDs, "uids")
	assert.Equal(t, []string{"anon-tok"}, m.AuthTokens, "auth tokens")
	assert.Equal(t, []string{user.ID, anon.ID, gone.ID}, a.SessionsOf("news"), "sessions of news")

	empty := a.MembersOf("missing")
	assert.NotNil(t, empty.UIDs, "uids not nil")
	assert.NotNil(t, empty.AuthTokens, "auth tokens not nil")

	n, ok := a.Publish("news", []byte(`{}`))
	assert.True(t, ok, "publish to news")
	assert.Equal(t, 2, n, "live sessions reached")
	_, ok = a.Publish("missing", []byte(`{}`))
	assert.False(t, ok, "publish to missing")
}
