package eventbus

import (
	"encoding/json"
	"net/http"
)

// Event names.
const (
	NameFetch             = "fetch"
	NameSync              = "sync"
	NameMessage           = "message"
	NamePush              = "push"
	NameNotificationClick = "notificationclick"
)

// Event is anything dispatched on the bus.
type Event interface {
	EventName() string
}

// Message is the command channel envelope, in both directions.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds a Message, encoding data as JSON.
func NewMessage(msgType string, data any) (Message, error) {
	msg := Message{Type: msgType}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	msg.Data = raw
	return msg, nil
}

// FetchIntercepted carries a request that reached the engine. Handlers
// resolve to an *http.Response.
type FetchIntercepted struct {
	Request *http.Request
}

func (FetchIntercepted) EventName() string { return NameFetch }

// SyncRequested asks for a background sync pass with the given tag.
type SyncRequested struct {
	Tag string
}

func (SyncRequested) EventName() string { return NameSync }

// MessageReceived carries a command from a client.
type MessageReceived struct {
	Message Message
}

func (MessageReceived) EventName() string { return NameMessage }

// PushReceived carries a raw push payload.
type PushReceived struct {
	Payload []byte
}

func (PushReceived) EventName() string { return NamePush }

// NotificationClicked reports a click on a shown notification.
type NotificationClicked struct {
	Action string
}

func (NotificationClicked) EventName() string { return NameNotificationClick }
