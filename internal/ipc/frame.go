// Package ipc implements the newline-delimited JSON protocol spoken between
// platform processes over Unix-domain stream sockets. Frames are UTF-8 JSON
// objects discriminated by a required "type" field; senders are
// fire-and-forget and expect no acknowledgement.
package ipc

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// MaxFrameBytes bounds a single frame including the trailing newline.
const MaxFrameBytes = 1 << 20

// Type discriminates frame variants.
type Type string

const (
	// TypeHello announces a worker to the hub with its channel identity and topics.
	TypeHello Type = "hello"
	// TypeSubscribe requests event delivery for one topic.
	TypeSubscribe Type = "subscribe"
	// TypeUnsubscribe withdraws a topic request.
	TypeUnsubscribe Type = "unsubscribe"
	// TypeEvent carries one upstream notification from the hub to a worker.
	TypeEvent Type = "eventsub_event"
	// TypeRegister announces a worker to the monitor.
	TypeRegister Type = "register"
	// TypeHeartbeat refreshes a worker's liveness with optional resource samples.
	TypeHeartbeat Type = "heartbeat"
	// TypeUnregister retires a worker from the monitor.
	TypeUnregister Type = "unregister"
	// TypeLLMUsage reports one model invocation for accounting.
	TypeLLMUsage Type = "llm_usage"
	// TypePing is accepted and ignored.
	TypePing Type = "ping"
)

var (
	// ErrUnknownType marks frames whose type has no known variant.
	ErrUnknownType = errors.New("ipc: unknown frame type")
	// ErrFrameTooLarge marks frames exceeding MaxFrameBytes.
	ErrFrameTooLarge = errors.New("ipc: frame exceeds size limit")
	// ErrEmptyFrame marks blank lines.
	ErrEmptyFrame = errors.New("ipc: empty frame")
)

// Message is one decoded frame variant. The set of variants is closed.
type Message interface {
	MessageType() Type
	stamp()
	validate() error
}

// Hello announces a worker connection to the hub.
type Hello struct {
	Type      Type     `json:"type"`
	Channel   string   `json:"channel"`
	ChannelID string   `json:"channel_id"`
	Topics    []string `json:"topics"`
}

// MessageType implements Message.
func (*Hello) MessageType() Type { return TypeHello }

func (m *Hello) stamp() { m.Type = TypeHello }

func (m *Hello) validate() error {
	if strings.TrimSpace(m.Channel) == "" {
		return fmt.Errorf("hello: channel required")
	}
	if strings.TrimSpace(m.ChannelID) == "" {
		return fmt.Errorf("hello: channel_id required")
	}
	return nil
}

// Subscribe requests delivery of one topic for a channel.
type Subscribe struct {
	Type      Type   `json:"type"`
	ChannelID string `json:"channel_id"`
	Topic     string `json:"topic"`
	Version   string `json:"version,omitempty"`
}

// MessageType implements Message.
func (*Subscribe) MessageType() Type { return TypeSubscribe }

func (m *Subscribe) stamp() { m.Type = TypeSubscribe }

func (m *Subscribe) validate() error {
	if strings.TrimSpace(m.ChannelID) == "" {
		return fmt.Errorf("subscribe: channel_id required")
	}
	if strings.TrimSpace(m.Topic) == "" {
		return fmt.Errorf("subscribe: topic required")
	}
	return nil
}

// Unsubscribe withdraws a topic request for a channel.
type Unsubscribe struct {
	Type      Type   `json:"type"`
	ChannelID string `json:"channel_id"`
	Topic     string `json:"topic"`
}

// MessageType implements Message.
func (*Unsubscribe) MessageType() Type { return TypeUnsubscribe }

func (m *Unsubscribe) stamp() { m.Type = TypeUnsubscribe }

func (m *Unsubscribe) validate() error {
	if strings.TrimSpace(m.ChannelID) == "" {
		return fmt.Errorf("unsubscribe: channel_id required")
	}
	if strings.TrimSpace(m.Topic) == "" {
		return fmt.Errorf("unsubscribe: topic required")
	}
	return nil
}

// Event forwards one upstream notification verbatim to the owning worker.
type Event struct {
	Type      Type            `json:"type"`
	ChannelID string          `json:"channel_id"`
	Topic     string          `json:"topic"`
	EventID   string          `json:"event_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// MessageType implements Message.
func (*Event) MessageType() Type { return TypeEvent }

func (m *Event) stamp() { m.Type = TypeEvent }

func (m *Event) validate() error {
	if strings.TrimSpace(m.ChannelID) == "" {
		return fmt.Errorf("eventsub_event: channel_id required")
	}
	if strings.TrimSpace(m.Topic) == "" {
		return fmt.Errorf("eventsub_event: topic required")
	}
	return nil
}

// Register announces a worker process to the monitor.
type Register struct {
	Type     Type            `json:"type"`
	Channel  string          `json:"channel"`
	PID      int             `json:"pid"`
	Features map[string]bool `json:"features,omitempty"`
}

// MessageType implements Message.
func (*Register) MessageType() Type { return TypeRegister }

func (m *Register) stamp() { m.Type = TypeRegister }

func (m *Register) validate() error {
	if strings.TrimSpace(m.Channel) == "" {
		return fmt.Errorf("register: channel required")
	}
	if m.PID <= 0 {
		return fmt.Errorf("register: pid required")
	}
	return nil
}

// Heartbeat refreshes worker liveness. Resource samples are optional.
type Heartbeat struct {
	Type    Type     `json:"type"`
	Channel string   `json:"channel"`
	PID     int      `json:"pid"`
	RSSMB   *float64 `json:"rss_mb,omitempty"`
	CPUPct  *float64 `json:"cpu_pct,omitempty"`
}

// MessageType implements Message.
func (*Heartbeat) MessageType() Type { return TypeHeartbeat }

func (m *Heartbeat) stamp() { m.Type = TypeHeartbeat }

func (m *Heartbeat) validate() error {
	if strings.TrimSpace(m.Channel) == "" {
		return fmt.Errorf("heartbeat: channel required")
	}
	if m.PID <= 0 {
		return fmt.Errorf("heartbeat: pid required")
	}
	return nil
}

// Unregister retires a worker registration.
type Unregister struct {
	Type    Type   `json:"type"`
	Channel string `json:"channel"`
	PID     int    `json:"pid"`
}

// MessageType implements Message.
func (*Unregister) MessageType() Type { return TypeUnregister }

func (m *Unregister) stamp() { m.Type = TypeUnregister }

func (m *Unregister) validate() error {
	if strings.TrimSpace(m.Channel) == "" {
		return fmt.Errorf("unregister: channel required")
	}
	if m.PID <= 0 {
		return fmt.Errorf("unregister: pid required")
	}
	return nil
}

// LLMUsage reports one model invocation for cost accounting.
type LLMUsage struct {
	Type          Type            `json:"type"`
	Channel       string          `json:"channel"`
	Model         string          `json:"model"`
	Feature       string          `json:"feature"`
	TokensIn      int64           `json:"tokens_in"`
	TokensOut     int64           `json:"tokens_out"`
	LatencyMS     int64           `json:"latency_ms"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
}

// MessageType implements Message.
func (*LLMUsage) MessageType() Type { return TypeLLMUsage }

func (m *LLMUsage) stamp() { m.Type = TypeLLMUsage }

func (m *LLMUsage) validate() error {
	if strings.TrimSpace(m.Channel) == "" {
		return fmt.Errorf("llm_usage: channel required")
	}
	if strings.TrimSpace(m.Model) == "" {
		return fmt.Errorf("llm_usage: model required")
	}
	if m.TokensIn < 0 || m.TokensOut < 0 {
		return fmt.Errorf("llm_usage: token counts must be non-negative")
	}
	return nil
}

// Ping is a no-op liveness probe. Receivers ignore it.
type Ping struct {
	Type Type `json:"type"`
}

// MessageType implements Message.
func (*Ping) MessageType() Type { return TypePing }

func (m *Ping) stamp() { m.Type = TypePing }

func (m *Ping) validate() error { return nil }

// Encode renders msg as one newline-terminated frame.
func Encode(msg Message) ([]byte, error) {
	msg.stamp()
	if err := msg.validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", msg.MessageType(), err)
	}
	if len(body)+1 > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	return append(body, '\n'), nil
}

// Decode parses one frame line into its typed variant. Unknown types return
// ErrUnknownType so callers can log and discard them.
func Decode(line []byte) (Message, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(trimmed) > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}

	var env struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("decode frame envelope: %w", err)
	}

	var msg Message
	switch env.Type {
	case TypeHello:
		msg = &Hello{}
	case TypeSubscribe:
		msg = &Subscribe{}
	case TypeUnsubscribe:
		msg = &Unsubscribe{}
	case TypeEvent:
		msg = &Event{}
	case TypeRegister:
		msg = &Register{}
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeUnregister:
		msg = &Unregister{}
	case TypeLLMUsage:
		msg = &LLMUsage{}
	case TypePing:
		msg = &Ping{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, string(env.Type))
	}

	if err := json.Unmarshal(trimmed, msg); err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", env.Type, err)
	}
	if err := msg.validate(); err != nil {
		return nil, fmt.Errorf("invalid %s frame: %w", env.Type, err)
	}
	return msg, nil
}
