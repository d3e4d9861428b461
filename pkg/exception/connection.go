package exception

import "github.com/yanun0323/errors"

// Connection errors
var (
	// ErrNotConnected is returned when sending on a transport that is not open.
	ErrNotConnected = errors.New("connection: not connected")

	// ErrConnectionClose is returned when the transport was closed by its owner.
	ErrConnectionClose = errors.New("connection: closed")

	// ErrReconnectExhausted is reported once the reconnect budget is used up.
	ErrReconnectExhausted = errors.New("connection: reconnect attempts exhausted")

	// ErrNilDialer is returned when a transport is built without a socket factory.
	ErrNilDialer = errors.New("connection: nil dialer")

	// ErrEmptyURL is returned when a transport is built without a URL.
	ErrEmptyURL = errors.New("connection: empty url")
)
