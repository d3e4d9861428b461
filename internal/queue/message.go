package queue

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind is the outbound channel family a queued message belongs to.
type Kind string

const (
	KindChat         Kind = "chat"
	KindNotification Kind = "notification"
	KindTask         Kind = "task"
	KindStatus       Kind = "status"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindChat, KindNotification, KindTask, KindStatus:
		return true
	default:
		return false
	}
}

// QueuedMessage is one undelivered outbound message. Data holds the exact
// JSON that will be written to the socket.
type QueuedMessage struct {
	ID         string              `json:"id"`
	Type       Kind                `json:"type"`
	Data       jsoniter.RawMessage `json:"data"`
	ChannelID  string              `json:"channelId,omitempty"`
	EnqueuedAt int64               `json:"enqueuedAt"`
	RetryCount int                 `json:"retryCount"`
	MaxRetries int                 `json:"maxRetries"`
	LastError  string              `json:"lastError,omitempty"`
}

// EnqueuedTime returns EnqueuedAt as a time.
func (m QueuedMessage) EnqueuedTime() time.Time {
	return time.UnixMilli(m.EnqueuedAt)
}

func (m QueuedMessage) clone() QueuedMessage {
	m.Data = append(jsoniter.RawMessage(nil), m.Data...)
	return m
}

func (m QueuedMessage) matches(kind Kind, channelID string) bool {
	if kind != "" && m.Type != kind {
		return false
	}
	if channelID != "" && m.ChannelID != channelID {
		return false
	}
	return true
}

// Action names a queue mutation.
type Action string

const (
	ActionEnqueue            Action = "enqueue"
	ActionDequeue            Action = "dequeue"
	ActionEvict              Action = "evict"
	ActionRetry              Action = "retry"
	ActionMaxRetriesExceeded Action = "maxRetriesExceeded"
	ActionClear              Action = "clear"
)

// Event is delivered to subscribers after every mutation. Message is nil for
// ActionClear.
type Event struct {
	Action    Action
	Message   *QueuedMessage
	QueueSize int
}

func encodeData(data any) (jsoniter.RawMessage, error) {
	switch v := data.(type) {
	case jsoniter.RawMessage:
		if json.Valid(v) {
			return append(jsoniter.RawMessage(nil), v...), nil
		}
		return json.Marshal(string(v))
	case []byte:
		if json.Valid(v) {
			return append(jsoniter.RawMessage(nil), v...), nil
		}
		return json.Marshal(string(v))
	}
	return json.Marshal(data)
}
