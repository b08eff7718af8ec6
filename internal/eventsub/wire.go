// Package eventsub maintains the single upstream EventSub WebSocket session,
// reconciles desired against active subscriptions over the Helix REST API,
// and routes notifications to per-channel workers over Unix sockets.
package eventsub

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/perchbot/perch/errs"
)

// Upstream envelope message types.
const (
	TypeWelcome      = "session_welcome"
	TypeKeepalive    = "session_keepalive"
	TypeNotification = "notification"
	TypeReconnect    = "session_reconnect"
	TypeRevocation   = "revocation"
)

// Metadata describes one upstream frame.
type Metadata struct {
	MessageID        string    `json:"message_id"`
	MessageType      string    `json:"message_type"`
	MessageTimestamp time.Time `json:"message_timestamp"`
}

// Envelope is the metadata/payload shape every upstream frame shares.
type Envelope struct {
	Metadata Metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

// Session describes the upstream session from welcome and reconnect frames.
type Session struct {
	ID                      string `json:"id"`
	Status                  string `json:"status"`
	KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
	ReconnectURL            string `json:"reconnect_url"`
}

// Condition narrows a subscription to one channel. Topics disagree on which
// field carries the channel, so ChannelID tries them in order.
type Condition struct {
	BroadcasterUserID   string `json:"broadcaster_user_id"`
	ToBroadcasterUserID string `json:"to_broadcaster_user_id"`
	UserID              string `json:"user_id"`
}

// ChannelID returns the channel the condition targets.
func (c Condition) ChannelID() string {
	if id := strings.TrimSpace(c.BroadcasterUserID); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.ToBroadcasterUserID); id != "" {
		return id
	}
	return strings.TrimSpace(c.UserID)
}

// Subscription is the upstream subscription object embedded in notification
// and revocation payloads.
type Subscription struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Version   string    `json:"version"`
	Status    string    `json:"status"`
	Cost      int       `json:"cost"`
	Condition Condition `json:"condition"`
}

type sessionPayload struct {
	Session Session `json:"session"`
}

type subscriptionPayload struct {
	Subscription Subscription `json:"subscription"`
}

// Notification is one upstream event resolved to its routing key. Payload is
// the envelope's payload object, forwarded to workers verbatim.
type Notification struct {
	EventID   string
	ChannelID string
	Topic     string
	Payload   json.RawMessage
}

// ParseEnvelope decodes one upstream frame. Unknown message types are not an
// error here; callers switch on Metadata.MessageType and skip what they do
// not handle.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errs.New("hub/wire", errs.CodeProtocol,
			errs.WithMessage("malformed upstream frame"),
			errs.WithCause(err))
	}
	if strings.TrimSpace(env.Metadata.MessageType) == "" {
		return Envelope{}, errs.New("hub/wire", errs.CodeProtocol,
			errs.WithMessage("upstream frame missing message_type"))
	}
	return env, nil
}

// SessionInfo extracts the session object from welcome and reconnect frames.
func (e Envelope) SessionInfo() (Session, error) {
	var payload sessionPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return Session{}, errs.New("hub/wire", errs.CodeProtocol,
			errs.WithMessage("malformed session payload"),
			errs.WithField("message_type", e.Metadata.MessageType),
			errs.WithCause(err))
	}
	if strings.TrimSpace(payload.Session.ID) == "" {
		return Session{}, errs.New("hub/wire", errs.CodeProtocol,
			errs.WithMessage("session payload missing id"),
			errs.WithField("message_type", e.Metadata.MessageType))
	}
	return payload.Session, nil
}

// Notification resolves a notification frame to its routing key.
func (e Envelope) Notification() (Notification, error) {
	var payload subscriptionPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return Notification{}, errs.New("hub/wire", errs.CodeProtocol,
			errs.WithMessage("malformed notification payload"),
			errs.WithCause(err))
	}
	topic := strings.TrimSpace(payload.Subscription.Type)
	channelID := payload.Subscription.Condition.ChannelID()
	if topic == "" || channelID == "" {
		return Notification{}, errs.New("hub/wire", errs.CodeProtocol,
			errs.WithMessage("notification missing topic or channel"),
			errs.WithField("topic", topic),
			errs.WithField("channel_id", channelID))
	}
	return Notification{
		EventID:   strings.TrimSpace(e.Metadata.MessageID),
		ChannelID: channelID,
		Topic:     topic,
		Payload:   e.Payload,
	}, nil
}

// Revocation extracts the revoked subscription from a revocation frame.
func (e Envelope) Revocation() (Subscription, error) {
	var payload subscriptionPayload
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return Subscription{}, errs.New("hub/wire", errs.CodeProtocol,
			errs.WithMessage("malformed revocation payload"),
			errs.WithCause(err))
	}
	if strings.TrimSpace(payload.Subscription.ID) == "" {
		return Subscription{}, errs.New("hub/wire", errs.CodeProtocol,
			errs.WithMessage("revocation missing subscription id"))
	}
	return payload.Subscription, nil
}
