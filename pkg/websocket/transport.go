package websocket

import (
	"context"
	"net/url"
	"sync"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"sitesync/pkg/eventloop"
	"sitesync/pkg/exception"
)

const DefaultMaxReconnectAttempts = 10

// Config defines the transport runtime configuration.
type Config struct {
	// URL is the logical endpoint, e.g. wss://host/ws/chat/42/.
	URL string
	// Token is appended as the "token" query parameter when not empty.
	Token                string
	Dialer               Dialer
	Scheduler            eventloop.Scheduler
	Backoff              Backoff
	MaxReconnectAttempts int
}

// Transport owns exactly one physical connection for a logical URL and keeps
// it alive with exponential backoff until closed by its owner.
//
// Connect, Send, Close and Online must be called from the scheduler. State
// accessors are safe from any goroutine.
type Transport struct {
	cfg     Config
	dialURL string
	router  *Router
	ctx     context.Context
	cancel  context.CancelFunc

	mu             sync.RWMutex
	state          State
	conn           Conn
	gen            uint64
	started        bool
	attempts       int
	manualClose    bool
	exhausted      bool
	reconnectTimer eventloop.Timer
}

// NewTransport validates config and builds an idle transport in CLOSED state.
func NewTransport(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, exception.ErrEmptyURL
	}
	if cfg.Dialer == nil {
		return nil, exception.ErrNilDialer
	}
	if cfg.Scheduler == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "scheduler")
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if cfg.Backoff.Min == 0 && cfg.Backoff.Max == 0 && cfg.Backoff.Factor == 0 && cfg.Backoff.Jitter == 0 {
		cfg.Backoff = DefaultBackoff()
	}
	dialURL, err := withToken(cfg.URL, cfg.Token)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:     cfg,
		dialURL: dialURL,
		router:  NewRouter(),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateClosed,
	}, nil
}

func withToken(rawURL, token string) (string, error) {
	if token == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.Wrap(err, "parse transport url").With("url", rawURL)
	}
	query := u.Query()
	query.Set("token", token)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// URL returns the logical URL, without the token.
func (t *Transport) URL() string {
	return t.cfg.URL
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Connected reports whether the transport is OPEN.
func (t *Transport) Connected() bool {
	return t.State() == StateOpen
}

// ReconnectAttempts returns the number of reconnects scheduled since the last open.
func (t *Transport) ReconnectAttempts() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.attempts
}

// Exhausted reports whether the reconnect budget is used up.
func (t *Transport) Exhausted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.exhausted
}

// On registers fn for event. Listeners run on the scheduler in registration order.
func (t *Transport) On(event Event, fn Listener) ListenerID {
	return t.router.Add(event, fn)
}

// Off removes a listener registered with On.
func (t *Transport) Off(event Event, id ListenerID) bool {
	return t.router.Remove(event, id)
}

// Connect opens the socket. Calling it while connecting or open is the caller's
// responsibility to avoid. After exhaustion it starts a fresh reconnect budget.
func (t *Transport) Connect() error {
	t.mu.Lock()
	if t.manualClose {
		t.mu.Unlock()
		return exception.ErrConnectionClose
	}
	t.started = true
	if t.exhausted {
		t.exhausted = false
		t.attempts = 0
	}
	t.mu.Unlock()

	t.connect()
	return nil
}

func (t *Transport) connect() {
	t.mu.Lock()
	if t.manualClose {
		t.mu.Unlock()
		return
	}
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	t.gen++
	gen := t.gen
	t.state = StateConnecting
	t.mu.Unlock()

	logs.Debugf("transport connecting, url: %s", t.cfg.URL)
	t.cfg.Dialer.Dial(t.ctx, t.dialURL, &socketHandler{t: t, gen: gen})
}

// Send serializes data and writes it when OPEN. Otherwise it returns
// exception.ErrNotConnected and has no other effect.
func (t *Transport) Send(data any) error {
	t.mu.RLock()
	state, conn := t.state, t.conn
	t.mu.RUnlock()
	if state != StateOpen || conn == nil {
		return exception.ErrNotConnected
	}

	payload, err := Encode(data)
	if err != nil {
		return err
	}
	if err := conn.Write(t.ctx, MessageText, payload); err != nil {
		return errors.Wrap(err, "write frame").With("url", t.cfg.URL)
	}
	return nil
}

// Close permanently stops the transport: it closes the socket and cancels any
// pending reconnect.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.manualClose {
		t.mu.Unlock()
		return nil
	}
	t.manualClose = true
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	conn := t.conn
	if conn != nil {
		t.state = StateClosing
	} else {
		// invalidate an in-flight dial
		t.gen++
		t.state = StateClosed
	}
	t.mu.Unlock()

	t.cancel()
	if conn == nil {
		t.router.Route(Notice{Event: EventClose, Code: CloseNormal, Reason: "client close", Manual: true})
		return nil
	}
	if err := conn.Close(CloseNormal, "client close"); err != nil {
		return errors.Wrap(err, "close socket").With("url", t.cfg.URL)
	}
	return nil
}

// Online is the host connectivity signal. A transport waiting on its backoff
// timer reconnects immediately.
func (t *Transport) Online() {
	t.mu.RLock()
	skip := t.manualClose || t.exhausted || !t.started || t.reconnectTimer == nil || t.state != StateClosed
	t.mu.RUnlock()
	if skip {
		return
	}
	logs.Infof("transport online signal, reconnecting now, url: %s", t.cfg.URL)
	t.connect()
}

func (t *Transport) handleOpen(gen uint64, conn Conn) {
	t.mu.Lock()
	if gen != t.gen || t.manualClose {
		t.mu.Unlock()
		_ = conn.Close(CloseNormal, "stale connection")
		return
	}
	t.conn = conn
	t.state = StateOpen
	t.attempts = 0
	t.exhausted = false
	t.mu.Unlock()

	logs.Infof("transport open, url: %s", t.cfg.URL)
	t.router.Route(Notice{Event: EventOpen})
}

func (t *Transport) handleMessage(gen uint64, msgType MessageType, payload []byte) {
	if !t.current(gen) {
		return
	}
	t.router.Route(Notice{Event: EventMessage, Message: newMessage(msgType, payload)})
}

func (t *Transport) handleError(gen uint64, err error) {
	if !t.current(gen) {
		return
	}
	logs.Warnf("transport error, url: %s, err: %+v", t.cfg.URL, err)
	t.router.Route(Notice{Event: EventError, Err: err})
}

func (t *Transport) handleClose(gen uint64, code CloseCode, reason string) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.state = StateClosed
	manual := t.manualClose
	t.mu.Unlock()

	t.router.Route(Notice{Event: EventClose, Code: code, Reason: reason, Manual: manual})
	if manual {
		return
	}
	t.scheduleReconnect()
}

func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	if t.manualClose || t.reconnectTimer != nil {
		t.mu.Unlock()
		return
	}
	if t.attempts >= t.cfg.MaxReconnectAttempts {
		t.exhausted = true
		attempts := t.attempts
		t.mu.Unlock()

		logs.Errorf("transport reconnect exhausted, url: %s, attempts: %d", t.cfg.URL, attempts)
		t.router.Route(Notice{Event: EventExhausted, Err: exception.ErrReconnectExhausted, Attempt: attempts})
		return
	}
	t.attempts++
	attempt := t.attempts
	delay := t.cfg.Backoff.Next(attempt)
	var timer eventloop.Timer
	timer = t.cfg.Scheduler.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.reconnectTimer != timer {
			t.mu.Unlock()
			return
		}
		t.reconnectTimer = nil
		t.mu.Unlock()
		t.connect()
	})
	t.reconnectTimer = timer
	t.mu.Unlock()

	logs.Infof("transport reconnect scheduled, url: %s, attempt: %d, delay: %s", t.cfg.URL, attempt, delay)
	t.router.Route(Notice{Event: EventReconnecting, Attempt: attempt, Delay: delay})
}

func (t *Transport) current(gen uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return gen == t.gen
}

// socketHandler moves socket callbacks of one dial onto the scheduler.
type socketHandler struct {
	t   *Transport
	gen uint64
}

func (h *socketHandler) OnOpen(conn Conn) {
	h.t.cfg.Scheduler.Post(func() { h.t.handleOpen(h.gen, conn) })
}

func (h *socketHandler) OnMessage(msgType MessageType, payload []byte) {
	h.t.cfg.Scheduler.Post(func() { h.t.handleMessage(h.gen, msgType, payload) })
}

func (h *socketHandler) OnError(err error) {
	h.t.cfg.Scheduler.Post(func() { h.t.handleError(h.gen, err) })
}

func (h *socketHandler) OnClose(code CloseCode, reason string) {
	h.t.cfg.Scheduler.Post(func() { h.t.handleClose(h.gen, code, reason) })
}
