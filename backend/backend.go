// Package backend defines the contract between the relay and the trusted
// backend application: authenticating the tokens presented by websocket
// clients and reporting users that went offline.
//
// The httpbackend subpackage implements it over HTTP.
package backend

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/trippledave/drupal-nodejs/message"
)

// ErrInvalidToken is returned by an Authenticator when the backend
// answered that the auth token is not valid.
var ErrInvalidToken = errors.New("backend: invalid auth token")

// ErrInvalidServiceKey is returned when the backend's response carries a
// service key that does not match the configured one.
var ErrInvalidServiceKey = errors.New("backend: invalid service key")

// AuthRequest is the authentication request sent for a session.
type AuthRequest struct {
	// SessionID is the ID of the session that presented the token.
	SessionID string `json:"clientId"`

	// AuthToken is the raw token sent by the client.
	AuthToken string `json:"authToken"`

	// ContentTokens is the token-channel to content-token bundle sent
	// by the client, if any.
	ContentTokens map[string]string `json:"contentTokens,omitempty"`
}

// AuthResult is the backend's answer to a successful authentication.
type AuthResult struct {
	// Valid is the validity flag of the token.
	Valid bool `json:"nodejsValidAuthToken"`

	// UID is the resolved user id, 0 for an anonymous user.
	UID message.UID `json:"uid"`

	// AuthToken is the token that was authenticated.
	AuthToken string `json:"authToken"`

	// Channels is the list of channels the session is granted.
	Channels []string `json:"channels"`

	// ContentTokens is the token-channel to content-token bundle to
	// claim on behalf of the session.
	ContentTokens map[string]string `json:"contentTokens"`

	// PresenceUIDs is the list of uids allowed to observe the presence
	// of UID.
	PresenceUIDs []message.UID `json:"presenceUids"`

	// ServiceKey is the service key echoed by the backend, if any.
	ServiceKey string `json:"serviceKey,omitempty"`
}

// Authenticator authenticates the tokens presented by clients.
type Authenticator interface {
	// Authenticate resolves the token of req. It returns ErrInvalidToken
	// if the backend rejected the token, or any other error if the
	// backend could not be reached or answered with garbage.
	Authenticate(ctx context.Context, req AuthRequest) (*AuthResult, error)
}

// Reporter notifies the backend of presence changes.
type Reporter interface {
	// ReportOffline tells the backend that uid has no live session left.
	ReportOffline(ctx context.Context, uid message.UID) error
}

// AuthReporter is the combination of the Authenticator and Reporter
// interfaces.
type AuthReporter interface {
	Authenticator
	Reporter
}

// ValidateServiceKey returns true if candidate matches the configured
// service key. Any candidate is valid if no key is configured.
func ValidateServiceKey(configured, candidate string) bool {
	if configured == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(candidate)) == 1
}
