package channel

import (
	"sort"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"sitesync/internal/processor"
	"sitesync/pkg/eventloop"
	"sitesync/pkg/exception"
	"sitesync/pkg/websocket"
)

const DefaultHeartbeatInterval = 30 * time.Second

// Presence frame types.
const (
	TypeUserStatusChanged = "user_status_changed"
	TypeUpdateStatus      = "update_status"
)

// Known statuses. Any status other than StatusOffline counts as online.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// UserStatus is the last known presence of one user.
type UserStatus struct {
	UserID   ID     `json:"user_id"`
	Username string `json:"username"`
	Status   string `json:"status"`
	LastSeen string `json:"last_seen,omitempty"`
}

// Online reports whether the status counts as online.
func (s UserStatus) Online() bool {
	return s.Status != "" && s.Status != StatusOffline
}

type statusSnapshotFrame struct {
	Users []UserStatus `json:"users"`
}

type heartbeatOut struct {
	Action string `json:"action"`
}

type updateStatusOut struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// PresenceOptions configures a Presence adapter.
type PresenceOptions struct {
	HeartbeatInterval time.Duration
	OnUpdate          func(UserStatus)
}

// Presence keeps the status of every known user and sends a heartbeat while
// the socket is open.
type Presence struct {
	*binding
	opt   PresenceOptions
	sched eventloop.Scheduler

	mu        sync.RWMutex
	statuses  map[ID]UserStatus
	heartbeat eventloop.Timer
}

// NewPresence binds a presence adapter.
func NewPresence(transport Transport, outbox Outbox, sched eventloop.Scheduler, opt PresenceOptions) (*Presence, error) {
	if sched == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "presence scheduler")
	}
	b, err := newBinding("presence", transport, outbox)
	if err != nil {
		return nil, err
	}
	if opt.HeartbeatInterval <= 0 {
		opt.HeartbeatInterval = DefaultHeartbeatInterval
	}
	p := &Presence{
		binding:  b,
		opt:      opt,
		sched:    sched,
		statuses: make(map[ID]UserStatus),
	}
	p.onEnvelope(p.handle)
	p.listen(websocket.EventOpen, func(websocket.Notice) { p.startHeartbeat() })
	p.listen(websocket.EventClose, func(websocket.Notice) { p.stopHeartbeat() })
	return p, nil
}

func (p *Presence) handle(env websocket.Envelope) {
	switch env.Type {
	case TypeUserStatusChanged:
		var status UserStatus
		if !decode(p.name, env, &status) || status.UserID == "" {
			return
		}
		p.mu.Lock()
		p.statuses[status.UserID] = status
		p.mu.Unlock()
		if p.opt.OnUpdate != nil {
			p.opt.OnUpdate(status)
		}
	case TypeOnlineUsers:
		var frame statusSnapshotFrame
		if !decode(p.name, env, &frame) {
			return
		}
		statuses := make(map[ID]UserStatus, len(frame.Users))
		for _, s := range frame.Users {
			if s.UserID == "" {
				continue
			}
			if s.Status == "" {
				s.Status = StatusOnline
			}
			statuses[s.UserID] = s
		}
		p.mu.Lock()
		p.statuses = statuses
		p.mu.Unlock()
	default:
		ignoreUnknown(p.name, env)
	}
}

func (p *Presence) startHeartbeat() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.heartbeat != nil {
		p.heartbeat.Stop()
	}
	p.scheduleLocked()
}

func (p *Presence) scheduleLocked() {
	var timer eventloop.Timer
	timer = p.sched.AfterFunc(p.opt.HeartbeatInterval, func() {
		p.mu.Lock()
		if p.heartbeat != timer {
			p.mu.Unlock()
			return
		}
		p.scheduleLocked()
		p.mu.Unlock()

		if err := p.send(heartbeatOut{Action: "heartbeat"}); err != nil {
			logs.Warnf("presence heartbeat, err: %+v", err)
		}
	})
	p.heartbeat = timer
}

func (p *Presence) stopHeartbeat() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.heartbeat != nil {
		p.heartbeat.Stop()
		p.heartbeat = nil
	}
}

// HeartbeatActive reports whether the heartbeat timer runs.
func (p *Presence) HeartbeatActive() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.heartbeat != nil
}

// Status returns the last known status of a user.
func (p *Presence) Status(userID string) (UserStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.statuses[ID(userID)]
	return s, ok
}

// Statuses returns every known status, sorted by user id.
func (p *Presence) Statuses() []UserStatus {
	p.mu.RLock()
	out := make([]UserStatus, 0, len(p.statuses))
	for _, s := range p.statuses {
		out = append(out, s)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// OnlineUsers returns the users whose status counts as online, sorted by id.
func (p *Presence) OnlineUsers() []User {
	var users []User
	for _, s := range p.Statuses() {
		if s.Online() {
			users = append(users, User{UserID: s.UserID, Username: s.Username})
		}
	}
	return users
}

// UpdateStatus publishes the local user's status.
func (p *Presence) UpdateStatus(status string) processor.Result {
	return p.deliver(updateStatusOut{Type: TypeUpdateStatus, Status: status})
}

// Close detaches from the transport and stops the heartbeat.
func (p *Presence) Close() {
	if p.detach() {
		p.stopHeartbeat()
	}
}
