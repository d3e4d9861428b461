package websocket

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
)

const (
	DefaultDialerTimeout       = 10 * time.Second
	DefaultCloseGrace          = time.Second
	DefaultReadLimit     int64 = 1 << 20
)

// DialerOption configures the gorilla backed Dialer.
type DialerOption struct {
	// Header is sent with the upgrade request.
	Header http.Header
	// HandshakeTimeout bounds the opening handshake.
	HandshakeTimeout time.Duration
	// ReadLimit caps the size of one inbound message.
	ReadLimit int64
}

type dialer struct {
	opt    DialerOption
	dialer *websocket.Dialer
}

// NewDialer returns a Dialer backed by gorilla/websocket.
func NewDialer(opt DialerOption) Dialer {
	if opt.HandshakeTimeout <= 0 {
		opt.HandshakeTimeout = DefaultDialerTimeout
	}
	if opt.ReadLimit <= 0 {
		opt.ReadLimit = DefaultReadLimit
	}
	return &dialer{
		opt: opt,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opt.HandshakeTimeout,
		},
	}
}

func (d *dialer) Dial(ctx context.Context, url string, h Handler) {
	go d.run(ctx, url, h)
}

func (d *dialer) run(ctx context.Context, url string, h Handler) {
	raw, resp, err := d.dialer.DialContext(ctx, url, d.opt.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		h.OnError(errors.Wrap(err, "dial websocket").With("url", url))
		h.OnClose(CloseAbnormal, err.Error())
		return
	}
	raw.SetReadLimit(d.opt.ReadLimit)

	conn := &wsConn{conn: raw}
	h.OnOpen(conn)

	for {
		msgType, payload, err := raw.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			if code == CloseAbnormal && !conn.closing.Load() {
				h.OnError(errors.Wrap(err, "read websocket"))
			}
			if conn.closing.Load() && code == CloseAbnormal {
				code = CloseNormal
			}
			_ = raw.Close()
			h.OnClose(code, reason)
			return
		}
		h.OnMessage(MessageType(msgType), payload)
	}
}

func closeInfo(err error) (CloseCode, string) {
	if closeErr, ok := err.(*websocket.CloseError); ok {
		return CloseCode(closeErr.Code), closeErr.Text
	}
	return CloseAbnormal, err.Error()
}

type wsConn struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	closing atomic.Bool
}

func (c *wsConn) Write(ctx context.Context, msgType MessageType, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	} else if err := c.conn.SetWriteDeadline(time.Time{}); err != nil {
		return err
	}
	return c.conn.WriteMessage(int(msgType), payload)
}

// Close sends a close frame and tears down the socket. The read loop reports
// the closure through Handler.OnClose.
func (c *wsConn) Close(code CloseCode, reason string) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(int(code), reason),
		time.Now().Add(DefaultCloseGrace),
	)
	c.mu.Unlock()
	if cerr := c.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
