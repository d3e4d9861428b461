package session

import (
	"sync"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"sitesync/pkg/exception"
	"sitesync/pkg/websocket"
)

// Registry hands out exactly one Transport per logical URL.
type Registry struct {
	base websocket.Config
	// onCreate runs once for every new transport, before it is returned.
	onCreate func(*websocket.Transport)

	mu         sync.Mutex
	transports map[string]*websocket.Transport
	order      []string
	closed     bool
}

// NewRegistry creates a registry whose transports share base. base.URL is
// ignored.
func NewRegistry(base websocket.Config, onCreate func(*websocket.Transport)) *Registry {
	return &Registry{
		base:       base,
		onCreate:   onCreate,
		transports: make(map[string]*websocket.Transport),
	}
}

// Transport returns the transport of url, creating it on first use.
func (r *Registry) Transport(url string) (*websocket.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.Wrap(exception.ErrConnectionClose, "registry")
	}
	if t, ok := r.transports[url]; ok {
		return t, nil
	}

	cfg := r.base
	cfg.URL = url
	t, err := websocket.NewTransport(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "new transport").With("url", url)
	}
	if r.onCreate != nil {
		r.onCreate(t)
	}
	r.transports[url] = t
	r.order = append(r.order, url)
	return t, nil
}

// Len returns how many transports exist.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transports)
}

// Transports returns every transport in creation order.
func (r *Registry) Transports() []*websocket.Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*websocket.Transport, 0, len(r.order))
	for _, url := range r.order {
		out = append(out, r.transports[url])
	}
	return out
}

// ConnectAll connects every transport. Call it from the scheduler.
func (r *Registry) ConnectAll() {
	for _, t := range r.Transports() {
		if err := t.Connect(); err != nil {
			logs.Errorf("connect %s, err: %+v", t.URL(), err)
		}
	}
}

// Online forwards a restored host connectivity signal to every transport.
// Call it from the scheduler.
func (r *Registry) Online() {
	for _, t := range r.Transports() {
		t.Online()
	}
}

// Close closes every transport and refuses new ones. Call it from the
// scheduler.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	for _, t := range r.Transports() {
		if err := t.Close(); err != nil {
			logs.Warnf("close %s, err: %+v", t.URL(), err)
		}
	}
}
