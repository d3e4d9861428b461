package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesync/internal/processor"
	"sitesync/internal/queue"
	"sitesync/internal/storage"
	"sitesync/pkg/exception"
)

func newChat(t *testing.T, r *rig, outbox Outbox) (*Chat, *[]string) {
	t.Helper()
	var updates []string
	c, err := NewChat(r.transport, outbox, r.sched, ChatOptions{
		ChannelID: "42",
		OnUpdate:  func(frameType string) { updates = append(updates, frameType) },
	})
	require.NoError(t, err)
	return c, &updates
}

func TestChatMessages(t *testing.T) {
	r := newRig(t, "/ws/chat/42/")
	c, updates := newChat(t, r, nil)
	sock := r.open(t)

	sock.Deliver(`{"type":"chat_message","message_id":"m1","message":"Concrete pour moved to 9am","user_id":"u1","username":"ana","timestamp":"2024-03-04T08:00:00Z"}`)
	sock.Deliver(`{"type":"chat_message","message_id":"m2","message":"ok","user_id":"u2","username":"bo"}`)

	msgs := c.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, ChatMessage{ID: "m1", Message: "Concrete pour moved to 9am", UserID: "u1", Username: "ana", Timestamp: "2024-03-04T08:00:00Z"}, msgs[0])
	assert.Equal(t, ID("m2"), msgs[1].ID)

	sock.Deliver(`{"type":"message_history","messages":[{"message_id":"h1","message":"first"}]}`)
	msgs = c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, ID("h1"), msgs[0].ID)

	assert.Equal(t, []string{TypeChatMessage, TypeChatMessage, TypeMessageHistory}, *updates)
}

func TestChatNumericIDs(t *testing.T) {
	r := newRig(t, "/ws/chat/42/")
	c, _ := newChat(t, r, nil)
	sock := r.open(t)

	sock.Deliver(`{"type":"user_joined","user_id":42,"username":"ana"}`)
	sock.Deliver(`{"type":"user_joined","user_id":"42","username":"ana"}`)
	sock.Deliver(`{"type":"chat_message","message_id":7,"message":"ok","user_id":42,"username":"ana"}`)
	sock.Deliver(`{"type":"typing_indicator","user_id":43,"username":"bo","is_typing":true}`)

	assert.Equal(t, []User{{UserID: "42", Username: "ana"}}, c.OnlineUsers(), "numeric and string ids name the same user")
	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, ChatMessage{ID: "7", Message: "ok", UserID: "42", Username: "ana"}, msgs[0])
	assert.Equal(t, []User{{UserID: "43", Username: "bo"}}, c.TypingUsers())

	sock.Deliver(`{"type":"user_left","user_id":42}`)
	assert.Empty(t, c.OnlineUsers())
	sock.Deliver(`{"type":"typing_indicator","user_id":43,"is_typing":false}`)
	assert.Empty(t, c.TypingUsers())

	sock.Deliver(`{"type":"user_joined","user_id":true,"username":"x"}`)
	assert.Empty(t, c.OnlineUsers(), "non string, non number ids are malformed")
}

func TestChatIgnoresUnknownAndMalformed(t *testing.T) {
	r := newRig(t, "/ws/chat/42/")
	c, updates := newChat(t, r, nil)
	sock := r.open(t)

	assert.NotPanics(t, func() {
		sock.Deliver(`{"type":"reaction_added","emoji":"+1"}`)
		sock.Deliver(`{"type":"chat_message","message":{"nested":true}}`)
		sock.Deliver(`{"type":"typing_indicator","is_typing":true}`)
		sock.Deliver(`pong`)
		sock.Deliver(`[1,2,3]`)
		sock.Deliver(`{"message":"no type"}`)
	})
	assert.Empty(t, c.Messages())
	assert.Empty(t, c.TypingUsers())
	assert.Empty(t, *updates)
}

func TestChatOnlineUsers(t *testing.T) {
	r := newRig(t, "/ws/chat/42/")
	c, _ := newChat(t, r, nil)
	sock := r.open(t)

	sock.Deliver(`{"type":"online_users","users":[{"user_id":"u2","username":"bo"},{"user_id":"u1","username":"ana"}]}`)
	assert.Equal(t, []User{{UserID: "u1", Username: "ana"}, {UserID: "u2", Username: "bo"}}, c.OnlineUsers())

	sock.Deliver(`{"type":"user_joined","user_id":"u3","username":"cy"}`)
	sock.Deliver(`{"type":"user_left","user_id":"u1","username":"ana"}`)
	assert.Equal(t, []User{{UserID: "u2", Username: "bo"}, {UserID: "u3", Username: "cy"}}, c.OnlineUsers())

	sock.Deliver(`{"type":"online_users","users":[]}`)
	assert.Empty(t, c.OnlineUsers())
}

func typing(userID string, on bool) map[string]any {
	return map[string]any{"type": TypeTypingIndicator, "user_id": userID, "username": "user-" + userID, "is_typing": on}
}

func TestChatTypingExpires(t *testing.T) {
	r := newRig(t, "/ws/chat/42/")
	c, updates := newChat(t, r, nil)
	sock := r.open(t)

	sock.DeliverJSON(typing("u1", true))
	assert.Equal(t, []User{{UserID: "u1", Username: "user-u1"}}, c.TypingUsers())

	r.sched.Advance(2999 * time.Millisecond)
	assert.Len(t, c.TypingUsers(), 1)

	r.sched.Advance(time.Millisecond)
	assert.Empty(t, c.TypingUsers())
	assert.Equal(t, []string{TypeTypingIndicator, TypeTypingIndicator}, *updates, "one update for start, one for expiry")
}

func TestChatTypingRestartResetsTimer(t *testing.T) {
	r := newRig(t, "/ws/chat/42/")
	c, updates := newChat(t, r, nil)
	sock := r.open(t)

	sock.DeliverJSON(typing("u1", true))
	r.sched.Advance(2 * time.Second)
	sock.DeliverJSON(typing("u1", true))

	r.sched.Advance(time.Second)
	assert.Len(t, c.TypingUsers(), 1, "the first timer no longer clears the entry")
	r.sched.Advance(1999 * time.Millisecond)
	assert.Len(t, c.TypingUsers(), 1)
	r.sched.Advance(time.Millisecond)
	assert.Empty(t, c.TypingUsers())

	expiries := len(*updates) - 2
	assert.Equal(t, 1, expiries)
	assert.Equal(t, 0, r.sched.Pending())
}

func TestChatTypingIndependentUsers(t *testing.T) {
	r := newRig(t, "/ws/chat/42/")
	c, _ := newChat(t, r, nil)
	sock := r.open(t)

	sock.DeliverJSON(typing("u1", true))
	r.sched.Advance(time.Second)
	sock.DeliverJSON(typing("u2", true))
	sock.DeliverJSON(typing("u3", true))
	sock.DeliverJSON(typing("u3", false))
	assert.Len(t, c.TypingUsers(), 2)

	r.sched.Advance(2 * time.Second)
	assert.Equal(t, []User{{UserID: "u2", Username: "user-u2"}}, c.TypingUsers())
	r.sched.Advance(time.Second)
	assert.Empty(t, c.TypingUsers())
}

func TestChatCloseClearsTyping(t *testing.T) {
	r := newRig(t, "/ws/chat/42/")
	c, _ := newChat(t, r, nil)
	sock := r.open(t)

	sock.DeliverJSON(typing("u1", true))
	sock.Drop()
	assert.Empty(t, c.TypingUsers())

	c.Close()
	r.sched.Advance(time.Second)
	second := r.dialer.Last()
	second.Open()
	second.DeliverJSON(typing("u1", true))
	assert.Empty(t, c.TypingUsers(), "detached adapters ignore frames")
}

func TestChatSendWithoutOutbox(t *testing.T) {
	r := newRig(t, "/ws/chat/42/")
	c, _ := newChat(t, r, nil)

	res := c.SendChatMessage("hello")
	assert.False(t, res.Queued)
	assert.True(t, exception.Is(res.Err, exception.ErrNotConnected))
	assert.True(t, exception.Is(c.SendTyping(true), exception.ErrNotConnected))
}

func TestChatSendQueuesOffline(t *testing.T) {
	r := newRig(t, "/ws/chat/42/")
	q, err := queue.New(storage.NewMemory(0), queue.Options{Now: r.sched.Now})
	require.NoError(t, err)
	proc, err := processor.New(r.transport, q, r.sched, processor.Options{Kind: queue.KindChat, ChannelID: "42"})
	require.NoError(t, err)
	c, _ := newChat(t, r, proc)

	res := c.SendChatMessage("rebar delivered")
	require.True(t, res.Queued)
	assert.Equal(t, 1, q.Size())

	sock := r.open(t)
	r.sched.Advance(time.Second)
	assert.Equal(t, []string{`{"type":"chat_message","message":"rebar delivered"}`}, sock.Sent())
	assert.Equal(t, 0, q.Size())
}
