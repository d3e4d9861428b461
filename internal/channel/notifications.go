package channel

import (
	"sync"

	jsoniter "github.com/json-iterator/go"

	"sitesync/internal/processor"
	"sitesync/pkg/websocket"
)

// Notification frame types.
const (
	TypeNotification       = "notification"
	TypeSendNotification   = "send_notification"
	TypeNotificationUpdate = "notification_update"
	TypeUnreadCount        = "unread_count"
	TypeMarkAllAsRead      = "mark_all_as_read"
	TypeDismiss            = "dismiss"
)

// Notification is one user notification.
type Notification struct {
	ID               ID     `json:"id"`
	Title            string `json:"title"`
	Message          string `json:"message"`
	NotificationType string `json:"notification_type"`
	Link             string `json:"link,omitempty"`
	Read             bool   `json:"is_read"`
	CreatedAt        string `json:"created_at"`
}

// notificationFrame carries the notification either nested or flat.
type notificationFrame struct {
	Notification jsoniter.RawMessage `json:"notification"`
}

type notificationUpdateFrame struct {
	NotificationID ID    `json:"notification_id"`
	Read           *bool `json:"is_read"`
}

type unreadCountFrame struct {
	Count *int `json:"count"`
}

type notificationOut struct {
	Type           string `json:"type"`
	NotificationID string `json:"notification_id,omitempty"`
}

// NotificationsOptions configures a Notifications adapter.
type NotificationsOptions struct {
	// OnToast runs for every new notification.
	OnToast  func(Notification)
	OnUpdate func(frameType string)
}

// Notifications keeps the newest-first notification list and the unread
// counter of the current user.
type Notifications struct {
	*binding
	opt NotificationsOptions

	mu     sync.RWMutex
	list   []Notification
	unread int
}

// NewNotifications binds a notifications adapter.
func NewNotifications(transport Transport, outbox Outbox, opt NotificationsOptions) (*Notifications, error) {
	b, err := newBinding("notifications", transport, outbox)
	if err != nil {
		return nil, err
	}
	n := &Notifications{binding: b, opt: opt}
	n.onEnvelope(n.handle)
	return n, nil
}

func (n *Notifications) handle(env websocket.Envelope) {
	switch env.Type {
	case TypeNotification, TypeSendNotification:
		var frame notificationFrame
		if !decode(n.name, env, &frame) {
			return
		}
		source := env
		if len(frame.Notification) != 0 && string(frame.Notification) != "null" {
			source = websocket.Envelope{Type: env.Type, Raw: frame.Notification}
		}
		var item Notification
		if !decode(n.name, source, &item) {
			return
		}
		n.mu.Lock()
		n.list = append([]Notification{item}, n.list...)
		if !item.Read {
			n.unread++
		}
		n.mu.Unlock()
		if n.opt.OnToast != nil {
			n.opt.OnToast(item)
		}
	case TypeNotificationUpdate:
		var frame notificationUpdateFrame
		if !decode(n.name, env, &frame) || frame.Read == nil {
			return
		}
		n.mu.Lock()
		n.setReadLocked(frame.NotificationID, *frame.Read)
		n.mu.Unlock()
	case TypeUnreadCount:
		var frame unreadCountFrame
		if !decode(n.name, env, &frame) || frame.Count == nil {
			return
		}
		n.mu.Lock()
		n.unread = max(*frame.Count, 0)
		n.mu.Unlock()
	default:
		ignoreUnknown(n.name, env)
		return
	}
	if n.opt.OnUpdate != nil {
		n.opt.OnUpdate(env.Type)
	}
}

func (n *Notifications) setReadLocked(id ID, read bool) bool {
	for i := range n.list {
		if n.list[i].ID != id {
			continue
		}
		if n.list[i].Read != read {
			n.list[i].Read = read
			if read {
				n.unread = max(n.unread-1, 0)
			} else {
				n.unread++
			}
		}
		return true
	}
	return false
}

// List returns the notifications, newest first.
func (n *Notifications) List() []Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Notification(nil), n.list...)
}

// UnreadCount returns the unread counter.
func (n *Notifications) UnreadCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.unread
}

// MarkAsRead flags one notification read locally and tells the server.
func (n *Notifications) MarkAsRead(id string) processor.Result {
	n.mu.Lock()
	n.setReadLocked(ID(id), true)
	n.mu.Unlock()
	return n.deliver(notificationOut{Type: TypeMarkAsRead, NotificationID: id})
}

// MarkAllAsRead flags every notification read.
func (n *Notifications) MarkAllAsRead() processor.Result {
	n.mu.Lock()
	for i := range n.list {
		n.list[i].Read = true
	}
	n.unread = 0
	n.mu.Unlock()
	return n.deliver(notificationOut{Type: TypeMarkAllAsRead})
}

// Dismiss removes a notification.
func (n *Notifications) Dismiss(id string) processor.Result {
	n.mu.Lock()
	for i, item := range n.list {
		if item.ID != ID(id) {
			continue
		}
		if !item.Read {
			n.unread = max(n.unread-1, 0)
		}
		n.list = append(n.list[:i:i], n.list[i+1:]...)
		break
	}
	n.mu.Unlock()
	return n.deliver(notificationOut{Type: TypeDismiss, NotificationID: id})
}

// Close detaches from the transport.
func (n *Notifications) Close() {
	n.detach()
}
