package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationsIncoming(t *testing.T) {
	r := newRig(t, NotificationsPath)
	var toasts []Notification
	n, err := NewNotifications(r.transport, nil, NotificationsOptions{
		OnToast: func(item Notification) { toasts = append(toasts, item) },
	})
	require.NoError(t, err)
	sock := r.open(t)

	sock.Deliver(`{"type":"notification","notification":{"id":"n1","title":"RFI answered","message":"RFI-12 has a response","notification_type":"rfi","is_read":false}}`)
	sock.Deliver(`{"type":"send_notification","id":"n2","title":"Inspection booked","notification_type":"inspection","is_read":false}`)
	sock.Deliver(`{"type":"notification","notification":{"id":"n3","title":"Old","is_read":true}}`)

	list := n.List()
	require.Len(t, list, 3)
	assert.Equal(t, []ID{"n3", "n2", "n1"}, []ID{list[0].ID, list[1].ID, list[2].ID}, "newest first")
	assert.Equal(t, "RFI-12 has a response", list[2].Message)
	assert.Equal(t, 2, n.UnreadCount())
	require.Len(t, toasts, 3)
	assert.Equal(t, ID("n1"), toasts[0].ID)
}

func TestNotificationsReconcile(t *testing.T) {
	r := newRig(t, NotificationsPath)
	n, err := NewNotifications(r.transport, nil, NotificationsOptions{})
	require.NoError(t, err)
	sock := r.open(t)

	sock.Deliver(`{"type":"notification","notification":{"id":"n1","title":"a"}}`)
	sock.Deliver(`{"type":"notification","notification":{"id":"n2","title":"b"}}`)
	require.Equal(t, 2, n.UnreadCount())

	sock.Deliver(`{"type":"notification_update","notification_id":"n1","is_read":true}`)
	assert.Equal(t, 1, n.UnreadCount())
	assert.True(t, n.List()[1].Read)

	// repeating the update does not double count
	sock.Deliver(`{"type":"notification_update","notification_id":"n1","is_read":true}`)
	assert.Equal(t, 1, n.UnreadCount())

	sock.Deliver(`{"type":"notification_update","notification_id":"n1"}`)
	assert.Equal(t, 1, n.UnreadCount(), "an update without a read flag is ignored")

	sock.Deliver(`{"type":"unread_count","count":7}`)
	assert.Equal(t, 7, n.UnreadCount())
	sock.Deliver(`{"type":"unread_count","count":-3}`)
	assert.Equal(t, 0, n.UnreadCount())
	sock.Deliver(`{"type":"unread_count"}`)
	assert.Equal(t, 0, n.UnreadCount())
}

func TestNotificationsLocalActions(t *testing.T) {
	r := newRig(t, NotificationsPath)
	n, err := NewNotifications(r.transport, nil, NotificationsOptions{})
	require.NoError(t, err)
	sock := r.open(t)

	for _, id := range []string{"n1", "n2", "n3"} {
		sock.DeliverJSON(map[string]any{"type": TypeNotification, "notification": map[string]any{"id": id}})
	}
	require.Equal(t, 3, n.UnreadCount())

	require.NoError(t, n.MarkAsRead("n1").Err)
	assert.Equal(t, 2, n.UnreadCount())

	require.NoError(t, n.Dismiss("n2").Err)
	assert.Equal(t, 1, n.UnreadCount())
	assert.Len(t, n.List(), 2)

	require.NoError(t, n.Dismiss("n1").Err)
	assert.Equal(t, 1, n.UnreadCount(), "dismissing a read notification keeps the counter")

	require.NoError(t, n.MarkAllAsRead().Err)
	assert.Equal(t, 0, n.UnreadCount())
	for _, item := range n.List() {
		assert.True(t, item.Read)
	}

	assert.Equal(t, []string{
		`{"type":"mark_as_read","notification_id":"n1"}`,
		`{"type":"dismiss","notification_id":"n2"}`,
		`{"type":"dismiss","notification_id":"n1"}`,
		`{"type":"mark_all_as_read"}`,
	}, sock.Sent())
}
