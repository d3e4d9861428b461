// Package channel turns inbound frames of one logical socket into typed
// application state and wraps the outbound frames each channel accepts.
package channel

import (
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"sitesync/internal/processor"
	"sitesync/pkg/exception"
	"sitesync/pkg/websocket"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Endpoint paths, relative to the server base URL.
const (
	ChatPath          = "/ws/chat/%s/"
	NotificationsPath = "/ws/notifications/"
	TasksPath         = "/ws/tasks/%s/"
	StatusPath        = "/ws/status/"
)

// Transport is the part of websocket.Transport an adapter binds to.
type Transport interface {
	Connected() bool
	Send(data any) error
	On(event websocket.Event, fn websocket.Listener) websocket.ListenerID
	Off(event websocket.Event, id websocket.ListenerID) bool
}

var _ Transport = (*websocket.Transport)(nil)

// Outbox queues what the transport cannot take right now.
type Outbox interface {
	SendOrQueue(data any) processor.Result
}

var _ Outbox = (*processor.Processor)(nil)

// User identifies a participant.
type User struct {
	UserID   ID     `json:"user_id"`
	Username string `json:"username"`
}

type registration struct {
	event websocket.Event
	id    websocket.ListenerID
}

// binding holds what every adapter shares: its transport, an optional
// outbox and the listeners to remove on Close.
type binding struct {
	name      string
	transport Transport
	outbox    Outbox

	mu        sync.Mutex
	listeners []registration
	closed    bool
}

func newBinding(name string, transport Transport, outbox Outbox) (*binding, error) {
	if transport == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, name+" transport")
	}
	return &binding{name: name, transport: transport, outbox: outbox}, nil
}

func (b *binding) listen(event websocket.Event, fn websocket.Listener) {
	id := b.transport.On(event, fn)
	b.mu.Lock()
	b.listeners = append(b.listeners, registration{event: event, id: id})
	b.mu.Unlock()
}

// onEnvelope routes JSON object frames to fn and logs anything else.
func (b *binding) onEnvelope(fn func(websocket.Envelope)) {
	b.listen(websocket.EventMessage, func(n websocket.Notice) {
		if n.Message.Envelope == nil {
			logs.Debugf("%s ignores non-json frame, frame: %s", b.name, n.Message.Text())
			return
		}
		fn(*n.Message.Envelope)
	})
}

// send writes v now, without queueing.
func (b *binding) send(v any) error {
	return b.transport.Send(v)
}

// deliver hands v to the outbox when there is one, otherwise it sends directly.
func (b *binding) deliver(v any) processor.Result {
	if b.outbox != nil {
		return b.outbox.SendOrQueue(v)
	}
	return processor.Result{Err: b.transport.Send(v)}
}

// detach removes every listener and reports whether it was the first call.
func (b *binding) detach() bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.closed = true
	listeners := b.listeners
	b.listeners = nil
	b.mu.Unlock()

	for _, l := range listeners {
		b.transport.Off(l.event, l.id)
	}
	return true
}

// decode reads an envelope, logging and reporting false on failure.
func decode(name string, env websocket.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		malformed(name, env.Type, err)
		return false
	}
	return true
}

func malformed(name, frameType string, err error) {
	logs.Warnf("%s drops malformed %s frame, err: %+v", name, frameType, err)
}

func ignoreUnknown(name string, env websocket.Envelope) {
	logs.Debugf("%s ignores unknown frame type %q", name, env.Type)
}
