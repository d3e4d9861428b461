package testutil

import (
	"context"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/yanun0323/errors"

	"sitesync/pkg/exception"
	"sitesync/pkg/websocket"
)

// ErrConnectionReset is reported by Socket.Drop and Socket.Fail.
var ErrConnectionReset = errors.New("connection reset by peer")

// Dialer records every dial as a Socket the test drives by hand.
type Dialer struct {
	mu      sync.Mutex
	sockets []*Socket
}

var _ websocket.Dialer = (*Dialer)(nil)

// NewDialer creates an empty fake dialer.
func NewDialer() *Dialer {
	return &Dialer{}
}

func (d *Dialer) Dial(_ context.Context, url string, h websocket.Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sockets = append(d.sockets, &Socket{URL: url, h: h})
}

// Count returns how many dials were made.
func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

// Last returns the most recent socket, or nil.
func (d *Dialer) Last() *Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil
	}
	return d.sockets[len(d.sockets)-1]
}

// Find returns the most recent socket dialed to url, or nil.
func (d *Dialer) Find(url string) *Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.sockets) - 1; i >= 0; i-- {
		if d.sockets[i].URL == url {
			return d.sockets[i]
		}
	}
	return nil
}

// Socket is one fake physical connection.
type Socket struct {
	URL string
	h   websocket.Handler

	mu        sync.Mutex
	sent      [][]byte
	closed    bool
	closeCode websocket.CloseCode
	writeHook func(payload []byte) error
}

// Open completes the dial.
func (s *Socket) Open() {
	s.h.OnOpen(s)
}

// Deliver pushes a raw inbound frame.
func (s *Socket) Deliver(frame string) {
	s.h.OnMessage(websocket.MessageText, []byte(frame))
}

// DeliverJSON marshals v and pushes it as an inbound frame.
func (s *Socket) DeliverJSON(v any) {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
	if err != nil {
		panic(err)
	}
	s.h.OnMessage(websocket.MessageText, data)
}

// Drop simulates the network failing under an open connection.
func (s *Socket) Drop() {
	s.mu.Lock()
	s.closed = true
	s.closeCode = websocket.CloseAbnormal
	s.mu.Unlock()
	s.h.OnError(ErrConnectionReset)
	s.h.OnClose(websocket.CloseAbnormal, ErrConnectionReset.Error())
}

// Fail simulates a dial that never opens.
func (s *Socket) Fail() {
	s.Drop()
}

// SetWriteHook installs a function consulted on every Write; a non-nil error
// fails the write.
func (s *Socket) SetWriteHook(fn func(payload []byte) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeHook = fn
}

func (s *Socket) Write(_ context.Context, _ websocket.MessageType, payload []byte) error {
	s.mu.Lock()
	hook := s.writeHook
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return exception.ErrWebSocketConnectionClose
	}
	if hook != nil {
		if err := hook(payload); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.sent = append(s.sent, append([]byte(nil), payload...))
	s.mu.Unlock()
	return nil
}

func (s *Socket) Close(code websocket.CloseCode, reason string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.closeCode = code
	s.mu.Unlock()
	s.h.OnClose(code, reason)
	return nil
}

// Sent returns every written frame as a string.
func (s *Socket) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, b := range s.sent {
		out[i] = string(b)
	}
	return out
}

// Closed reports whether the socket was closed and with which code.
func (s *Socket) Closed() (bool, websocket.CloseCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeCode
}
