package ws

import "github.com/jkaninda/toolgate/internal/audit"

// MessageType identifies a stream message.
type MessageType string

const (
	MsgSubscribed MessageType = "subscribed"
	MsgEvent      MessageType = "audit.event"
	MsgDropped    MessageType = "dropped"
)

// Envelope wraps every message sent to subscribers.
type Envelope struct {
	Type MessageType `json:"type"`
	Data any         `json:"data,omitempty"`
}

// Subscribed confirms a subscription and echoes the effective filter.
type Subscribed struct {
	Filter audit.Filter `json:"filter"`
}

// Dropped reports the hub-wide count of events skipped for slow clients.
type Dropped struct {
	Total int64 `json:"total"`
}

func newEnvelope(t MessageType, data any) Envelope {
	return Envelope{Type: t, Data: data}
}
