package relay

import (
	"github.com/trippledave/drupal-nodejs/authcache"
	"github.com/trippledave/drupal-nodejs/message"
	"github.com/trippledave/drupal-nodejs/session"
)

// ConnectionObserver is implemented by extensions that need to know when
// sessions are registered and unregistered.
type ConnectionObserver interface {
	ClientConnected(*session.Session)
	ClientDisconnected(*session.Session)
}

// AuthObserver is implemented by extensions that need to know when a
// session successfully authenticates.
type AuthObserver interface {
	ClientAuthenticated(*session.Session, *authcache.Record)
}

// MessageObserver is implemented by extensions that process the messages
// sent by clients. ChannelMessage is called for an authorized message to
// a channel, after it was published to the channel. ClientMessage is
// called for a message without channel, if the server allows clients to
// write to clients.
type MessageObserver interface {
	ChannelMessage(*session.Session, *message.Client)
	ClientMessage(*session.Session, *message.Client)
}

// PublishObserver is implemented by extensions that need to know when a
// message is published by the backend, with the number of sessions it
// reached.
type PublishObserver interface {
	MessagePublished(*message.Publish, int)
}
