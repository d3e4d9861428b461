package websocket

import "context"

// Conn is one physical socket handed to a Handler on open.
type Conn interface {
	Write(ctx context.Context, msgType MessageType, payload []byte) error
	Close(code CloseCode, reason string) error
}

// Handler receives socket lifecycle callbacks from a Dialer.
//
// A dial reports either OnOpen followed by any number of OnMessage calls, or a
// failure; both paths end with exactly one OnClose. OnError may precede OnClose.
// Callbacks may arrive on any goroutine.
type Handler interface {
	OnOpen(conn Conn)
	OnMessage(msgType MessageType, payload []byte)
	OnError(err error)
	OnClose(code CloseCode, reason string)
}

// Dialer opens sockets asynchronously and reports their lifecycle to h.
type Dialer interface {
	Dial(ctx context.Context, url string, h Handler)
}
