// Package message defines the messages exchanged between the relay server
// and its websocket clients. Client requests are wrapped in an envelope
// that names the event ("authenticate" or "message"), while messages sent
// by the server are bare JSON objects, as expected by the browser-side
// library.
//
// Messages are decoded once, at the boundary, into one of the concrete
// types of this package, so that the rest of the server works with typed
// values.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// Type is the type of a message.
type Type int

// List of message types.
const (
	Unknown Type = iota
	AuthenticateMsg
	ClientMsg
	PresenceMsg
	ContentChannelMsg
	PublishMsg
)

var typeNames = [...]string{
	Unknown:           "UNKNOWN",
	AuthenticateMsg:   "AUTH",
	ClientMsg:         "MSG",
	PresenceMsg:       "PRES",
	ContentChannelMsg: "CNTC",
	PublishMsg:        "PUB",
}

func (t Type) String() string {
	if t >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("<unknown: %d>", t)
}

// IsRead returns true if the message type is a type read by the server,
// that is, sent by a client.
func (t Type) IsRead() bool {
	return t == AuthenticateMsg || t == ClientMsg
}

// IsWrite returns true if the message type is a type written by the
// server to a client.
func (t Type) IsWrite() bool {
	return t == PresenceMsg || t == ContentChannelMsg || t == PublishMsg
}

// Msg is a message exchanged between a client and the server.
type Msg interface {
	Type() Type
}

// Names of the envelope events sent by clients.
const (
	EventAuthenticate = "authenticate"
	EventMessage      = "message"
)

// ErrUnknownEvent is returned by UnmarshalRequest when the envelope's
// event is not supported.
var ErrUnknownEvent = errors.New("message: unknown event")

// ErrMissingType is returned when a client message has no type property.
var ErrMissingType = errors.New("message: missing type property")

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Authenticate is the message sent by a client to authenticate its
// connection. ContentTokens maps token channel names to the one-shot
// token the client presents for that channel.
type Authenticate struct {
	AuthToken     string            `json:"authToken"`
	ContentTokens map[string]string `json:"contentTokens,omitempty"`
}

// NewAuthenticate creates an authenticate message.
func NewAuthenticate(authToken string, contentTokens map[string]string) *Authenticate {
	return &Authenticate{AuthToken: authToken, ContentTokens: contentTokens}
}

// Type returns the message type.
func (m *Authenticate) Type() Type { return AuthenticateMsg }

// Client is an arbitrary message sent by a client. Its raw JSON value is
// kept as-is so it can be relayed untouched.
type Client struct {
	// Kind is the value of the type property.
	Kind string
	// Channel is the target channel, if HasChannel is true.
	Channel string
	// HasChannel is true if the message had a channel property.
	HasChannel bool
	// Raw is the complete JSON message.
	Raw json.RawMessage
}

// NewClient marshals v and creates the corresponding client message. v
// must marshal to a JSON object with a type property.
func NewClient(v interface{}) (*Client, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m Client
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Type returns the message type.
func (m *Client) Type() Type { return ClientMsg }

// MarshalJSON implements json.Marshaler for the client message.
func (m *Client) MarshalJSON() ([]byte, error) {
	if len(m.Raw) == 0 {
		return []byte("{}"), nil
	}
	return m.Raw, nil
}

// UnmarshalJSON implements json.Unmarshaler for the client message.
func (m *Client) UnmarshalJSON(b []byte) error {
	var props map[string]json.RawMessage
	if err := json.Unmarshal(b, &props); err != nil {
		return err
	}
	kind, ok := props["type"]
	if !ok {
		return ErrMissingType
	}

	m.Kind = rawString(kind)
	m.Channel, m.HasChannel = "", false
	if ch, ok := props["channel"]; ok {
		m.HasChannel = true
		m.Channel = rawString(ch)
	}
	m.Raw = append(m.Raw[:0], b...)
	return nil
}

// rawString returns the string value of a JSON string, or the raw
// JSON text for any other value.
func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// PresenceEvent is the kind of presence transition.
type PresenceEvent string

// List of presence events.
const (
	Online  PresenceEvent = "online"
	Offline PresenceEvent = "offline"
)

// Presence is the notification sent to observers of a user when that
// user goes online or offline.
type Presence struct {
	UID   UID
	Event PresenceEvent
}

// Type returns the message type.
func (m *Presence) Type() Type { return PresenceMsg }

type presenceJSON struct {
	UID   UID           `json:"uid"`
	Event PresenceEvent `json:"event"`
}

// MarshalJSON implements json.Marshaler for the presence notification.
func (m *Presence) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		N presenceJSON `json:"presenceNotification"`
	}{presenceJSON{m.UID, m.Event}})
}

// UnmarshalJSON implements json.Unmarshaler for the presence notification.
func (m *Presence) UnmarshalJSON(b []byte) error {
	var v struct {
		N *presenceJSON `json:"presenceNotification"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if v.N == nil {
		return errors.New("message: missing presenceNotification property")
	}
	m.UID, m.Event = v.N.UID, v.N.Event
	return nil
}

// ContentChannel is the notification sent to the sessions of a token
// channel when one of its members went away.
type ContentChannel struct {
	Channel string
	UID     UID
	Kind    string
}

// NewContentChannelDisconnect creates the disconnect notification for uid
// leaving the token channel.
func NewContentChannelDisconnect(channel string, uid UID) *ContentChannel {
	return &ContentChannel{Channel: channel, UID: uid, Kind: "disconnect"}
}

// Type returns the message type.
func (m *ContentChannel) Type() Type { return ContentChannelMsg }

type contentChannelJSON struct {
	Channel string `json:"channel"`
	Notif   bool   `json:"contentChannelNotification"`
	Data    struct {
		UID  UID    `json:"uid"`
		Kind string `json:"type"`
	} `json:"data"`
}

// MarshalJSON implements json.Marshaler for the content channel
// notification.
func (m *ContentChannel) MarshalJSON() ([]byte, error) {
	v := contentChannelJSON{Channel: m.Channel, Notif: true}
	v.Data.UID, v.Data.Kind = m.UID, m.Kind
	return json.Marshal(v)
}

// UnmarshalJSON implements json.Unmarshaler for the content channel
// notification.
func (m *ContentChannel) UnmarshalJSON(b []byte) error {
	var v contentChannelJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	m.Channel, m.UID, m.Kind = v.Channel, v.Data.UID, v.Data.Kind
	return nil
}

// Publish is a message supplied by the backend to be relayed to a
// channel, or to every connection if Broadcast is set. The raw JSON is
// sent as-is to the clients.
type Publish struct {
	Channel   string
	Broadcast bool
	Raw       json.RawMessage
}

// NewPublish marshals v as a publish message.
func NewPublish(v interface{}) (*Publish, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m Publish
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Type returns the message type.
func (m *Publish) Type() Type { return PublishMsg }

// MarshalJSON implements json.Marshaler for the publish message.
func (m *Publish) MarshalJSON() ([]byte, error) {
	if len(m.Raw) == 0 {
		return []byte("{}"), nil
	}
	return m.Raw, nil
}

// UnmarshalJSON implements json.Unmarshaler for the publish message.
func (m *Publish) UnmarshalJSON(b []byte) error {
	var props map[string]json.RawMessage
	if err := json.Unmarshal(b, &props); err != nil {
		return err
	}
	m.Channel, m.Broadcast = "", false
	if ch, ok := props["channel"]; ok {
		m.Channel = rawString(ch)
	}
	if bc, ok := props["broadcast"]; ok {
		m.Broadcast = truthy(bc)
	}
	m.Raw = append(m.Raw[:0], b...)
	return nil
}

// truthy reports whether the JSON value would be considered true by the
// backend (a non-empty, non-zero, non-false value).
func truthy(raw json.RawMessage) bool {
	switch s := string(bytes.TrimSpace(raw)); s {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}

// MarshalRequest marshals the client request m in its event envelope.
func MarshalRequest(m Msg) ([]byte, error) {
	var ev string
	switch m.Type() {
	case AuthenticateMsg:
		ev = EventAuthenticate
	case ClientMsg:
		ev = EventMessage
	default:
		return nil, fmt.Errorf("message: %s is not a request", m.Type())
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: ev, Data: data})
}

// UnmarshalRequest unmarshals a client request from r.
func UnmarshalRequest(r io.Reader) (Msg, error) {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, err
	}

	switch env.Event {
	case EventAuthenticate:
		var m Authenticate
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &m); err != nil {
				return nil, err
			}
		}
		return &m, nil

	case EventMessage:
		var m Client
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, err
		}
		return &m, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

// UnmarshalResponse unmarshals a message sent by the server from r.
// Notifications are recognized by their marker property, anything else
// is returned as a *Publish.
func UnmarshalResponse(r io.Reader) (Msg, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, err
	}
	var props map[string]json.RawMessage
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, err
	}

	var m Msg
	switch {
	case props["presenceNotification"] != nil:
		m = &Presence{}
	case props["contentChannelNotification"] != nil:
		m = &ContentChannel{}
	default:
		m = &Publish{}
	}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, err
	}
	return m, nil
}

// UID is the identifier of a user in the backend application. The zero
// value identifies an anonymous user.
type UID int64

// ParseUID parses s as a decimal uid. Only ASCII digits are accepted.
func ParseUID(s string) (UID, error) {
	if s == "" {
		return 0, errors.New("message: empty uid")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("message: invalid uid %q", s)
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("message: invalid uid %q: %w", s, err)
	}
	return UID(v), nil
}

func (u UID) String() string {
	return strconv.FormatInt(int64(u), 10)
}

// UnmarshalJSON accepts a JSON number, a decimal string or null.
func (u *UID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if string(b) == "null" {
		*u = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*u = 0
			return nil
		}
		v, err := ParseUID(s)
		if err != nil {
			return err
		}
		*u = v
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	v, err := n.Int64()
	if err != nil {
		return fmt.Errorf("message: invalid uid %s: %w", b, err)
	}
	*u = UID(v)
	return nil
}
