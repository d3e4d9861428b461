package websocket

// MessageType represents a WebSocket message type.
// Values match RFC 6455 opcodes where applicable.
type MessageType uint8

const (
	// MessageText is a text data frame.
	MessageText MessageType = 1
	// MessageBinary is a binary data frame.
	MessageBinary MessageType = 2
	// MessageClose is a close control frame.
	MessageClose MessageType = 8
	// MessagePing is a ping control frame.
	MessagePing MessageType = 9
	// MessagePong is a pong control frame.
	MessagePong MessageType = 10
)

// CloseCode is a WebSocket close code.
type CloseCode uint16

const (
	// CloseNormal indicates a normal closure.
	CloseNormal CloseCode = 1000
	// CloseGoingAway indicates the peer is going away.
	CloseGoingAway CloseCode = 1001
	// CloseAbnormal indicates the connection dropped without a close frame.
	CloseAbnormal CloseCode = 1006
)

// State is the lifecycle state of a Transport connection.
type State uint8

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Event names a Transport notification.
type Event uint8

const (
	EventOpen Event = iota + 1
	EventMessage
	EventClose
	EventError
	// EventReconnecting fires when a reconnect has been scheduled.
	EventReconnecting
	// EventExhausted fires once when the reconnect budget is used up.
	EventExhausted
)

func (e Event) String() string {
	switch e {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	case EventReconnecting:
		return "reconnecting"
	case EventExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}
