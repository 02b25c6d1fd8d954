package backend

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trippledave/drupal-nodejs/message"
)

func TestValidateServiceKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		configured, candidate string
		want                  bool
	}{
		{"", "", true},
		{"", "anything", true},
		{"secret", "secret", true},
		{"secret", "Secret", false},
		{"secret", "", false},
		{"secret", "secret2", false},
	}
	for i, c := range cases {
		assert.Equal(t, c.want, ValidateServiceKey(c.configured, c.candidate), "%d: %q / %q", i, c.configured, c.candidate)
	}
}

func TestAuthResultDecode(t *testing.T) {
	t.Parallel()

	body := `{"nodejsValidAuthToken":true,"uid":"12","authToken":"tok","channels":["a","b"],
		"contentTokens":{"news":"abc"},"presenceUids":[3,"4"],"serviceKey":"k"}`
	var res AuthResult
	require.NoError(t, json.Unmarshal([]byte(body), &res), "Unmarshal")
	assert.True(t, res.Valid, "valid")
	assert.Equal(t, message.UID(12), res.UID, "uid")
	assert.Equal(t, []string{"a", "b"}, res.Channels, "channels")
	assert.Equal(t, map[string]string{"news": "abc"}, res.ContentTokens, "content tokens")
	assert.Equal(t, []message.UID{3, 4}, res.PresenceUIDs, "presence uids")
	assert.Equal(t, "k", res.ServiceKey, "service key")
}
