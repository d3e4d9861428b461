package channel

import (
	"sort"
	"sync"
	"time"

	"github.com/yanun0323/errors"

	"sitesync/internal/processor"
	"sitesync/pkg/eventloop"
	"sitesync/pkg/exception"
	"sitesync/pkg/websocket"
)

const DefaultTypingTTL = 3 * time.Second

// Inbound chat frame types.
const (
	TypeChatMessage     = "chat_message"
	TypeTypingIndicator = "typing_indicator"
	TypeUserJoined      = "user_joined"
	TypeUserLeft        = "user_left"
	TypeOnlineUsers     = "online_users"
	TypeMessageHistory  = "message_history"
)

// Outbound chat frame types.
const (
	TypeMarkAsRead = "mark_as_read"
)

// ChatMessage is one received chat line.
type ChatMessage struct {
	ID        ID     `json:"message_id"`
	Message   string `json:"message"`
	UserID    ID     `json:"user_id"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

type typingFrame struct {
	User
	IsTyping bool `json:"is_typing"`
}

type usersFrame struct {
	Users []User `json:"users"`
}

type historyFrame struct {
	Messages []ChatMessage `json:"messages"`
}

type chatOut struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type typingOut struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

type markReadOut struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// ChatOptions configures a Chat adapter.
type ChatOptions struct {
	ChannelID string
	TypingTTL time.Duration
	// OnUpdate runs after each handled frame with its type.
	OnUpdate func(frameType string)
}

type typingEntry struct {
	user  User
	seq   uint64
	timer eventloop.Timer
}

// Chat keeps the message list, typing users and online users of one chat
// channel.
type Chat struct {
	*binding
	opt   ChatOptions
	sched eventloop.Scheduler

	mu       sync.RWMutex
	messages []ChatMessage
	typing   map[ID]*typingEntry
	online   map[ID]User
	seq      uint64
}

// NewChat binds a chat adapter. outbox may be nil, in which case sends that
// fail are lost.
func NewChat(transport Transport, outbox Outbox, sched eventloop.Scheduler, opt ChatOptions) (*Chat, error) {
	if sched == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "chat scheduler")
	}
	b, err := newBinding("chat", transport, outbox)
	if err != nil {
		return nil, err
	}
	if opt.TypingTTL <= 0 {
		opt.TypingTTL = DefaultTypingTTL
	}

	c := &Chat{
		binding: b,
		opt:     opt,
		sched:   sched,
		typing:  make(map[ID]*typingEntry),
		online:  make(map[ID]User),
	}
	c.onEnvelope(c.handle)
	c.listen(websocket.EventClose, func(websocket.Notice) { c.clearTyping() })
	return c, nil
}

// ChannelID returns the bound channel.
func (c *Chat) ChannelID() string {
	return c.opt.ChannelID
}

func (c *Chat) handle(env websocket.Envelope) {
	switch env.Type {
	case TypeChatMessage:
		var msg ChatMessage
		if !decode(c.name, env, &msg) {
			return
		}
		c.mu.Lock()
		c.messages = append(c.messages, msg)
		c.mu.Unlock()
	case TypeTypingIndicator:
		var frame typingFrame
		if !decode(c.name, env, &frame) || frame.UserID == "" {
			return
		}
		if frame.IsTyping {
			c.startTyping(frame.User)
		} else {
			c.stopTyping(frame.UserID)
		}
	case TypeUserJoined:
		var user User
		if !decode(c.name, env, &user) || user.UserID == "" {
			return
		}
		c.mu.Lock()
		c.online[user.UserID] = user
		c.mu.Unlock()
	case TypeUserLeft:
		var user User
		if !decode(c.name, env, &user) {
			return
		}
		c.mu.Lock()
		delete(c.online, user.UserID)
		c.mu.Unlock()
	case TypeOnlineUsers:
		var frame usersFrame
		if !decode(c.name, env, &frame) {
			return
		}
		online := make(map[ID]User, len(frame.Users))
		for _, u := range frame.Users {
			if u.UserID != "" {
				online[u.UserID] = u
			}
		}
		c.mu.Lock()
		c.online = online
		c.mu.Unlock()
	case TypeMessageHistory:
		var frame historyFrame
		if !decode(c.name, env, &frame) {
			return
		}
		c.mu.Lock()
		c.messages = append([]ChatMessage(nil), frame.Messages...)
		c.mu.Unlock()
	default:
		ignoreUnknown(c.name, env)
		return
	}
	if c.opt.OnUpdate != nil {
		c.opt.OnUpdate(env.Type)
	}
}

// startTyping adds or refreshes a typing user and restarts its expiry.
func (c *Chat) startTyping(user User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.typing[user.UserID]; ok {
		old.timer.Stop()
	}
	c.seq++
	entry := &typingEntry{user: user, seq: c.seq}
	entry.timer = c.sched.AfterFunc(c.opt.TypingTTL, func() { c.expireTyping(user.UserID, entry.seq) })
	c.typing[user.UserID] = entry
}

func (c *Chat) expireTyping(userID ID, seq uint64) {
	c.mu.Lock()
	entry, ok := c.typing[userID]
	if !ok || entry.seq != seq {
		c.mu.Unlock()
		return
	}
	delete(c.typing, userID)
	c.mu.Unlock()

	if c.opt.OnUpdate != nil {
		c.opt.OnUpdate(TypeTypingIndicator)
	}
}

func (c *Chat) stopTyping(userID ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.typing[userID]; ok {
		entry.timer.Stop()
		delete(c.typing, userID)
	}
}

func (c *Chat) clearTyping() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.typing {
		entry.timer.Stop()
		delete(c.typing, id)
	}
}

// Messages returns the received messages in arrival order.
func (c *Chat) Messages() []ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ChatMessage(nil), c.messages...)
}

// TypingUsers returns the users currently typing, sorted by id.
func (c *Chat) TypingUsers() []User {
	c.mu.RLock()
	users := make([]User, 0, len(c.typing))
	for _, entry := range c.typing {
		users = append(users, entry.user)
	}
	c.mu.RUnlock()
	sortUsers(users)
	return users
}

// OnlineUsers returns the users in the channel, sorted by id.
func (c *Chat) OnlineUsers() []User {
	c.mu.RLock()
	users := make([]User, 0, len(c.online))
	for _, u := range c.online {
		users = append(users, u)
	}
	c.mu.RUnlock()
	sortUsers(users)
	return users
}

// SendChatMessage sends text, queueing it when the socket is down.
func (c *Chat) SendChatMessage(text string) processor.Result {
	return c.deliver(chatOut{Type: TypeChatMessage, Message: text})
}

// SendTyping announces the local typing state. It is never queued.
func (c *Chat) SendTyping(isTyping bool) error {
	return c.send(typingOut{Type: TypeTypingIndicator, IsTyping: isTyping})
}

// MarkAsRead acknowledges a message.
func (c *Chat) MarkAsRead(messageID string) processor.Result {
	return c.deliver(markReadOut{Type: TypeMarkAsRead, MessageID: messageID})
}

// Close detaches from the transport and stops typing timers.
func (c *Chat) Close() {
	if c.detach() {
		c.clearTyping()
	}
}

func sortUsers(users []User) {
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
}
