package channel

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

func TestOutboundFrames(t *testing.T) {
	testCases := []struct {
		name string
		path string
		send func(t *testing.T, r *rig)
	}{
		{
			name: "chat_message",
			path: "/ws/chat/42/",
			send: func(t *testing.T, r *rig) {
				c, err := NewChat(r.transport, nil, r.sched, ChatOptions{})
				require.NoError(t, err)
				require.NoError(t, c.SendChatMessage("Crane arrives at 7am, gate B").Err)
			},
		},
		{
			name: "typing_indicator",
			path: "/ws/chat/42/",
			send: func(t *testing.T, r *rig) {
				c, err := NewChat(r.transport, nil, r.sched, ChatOptions{})
				require.NoError(t, err)
				require.NoError(t, c.SendTyping(true))
			},
		},
		{
			name: "chat_mark_as_read",
			path: "/ws/chat/42/",
			send: func(t *testing.T, r *rig) {
				c, err := NewChat(r.transport, nil, r.sched, ChatOptions{})
				require.NoError(t, err)
				require.NoError(t, c.MarkAsRead("m-17").Err)
			},
		},
		{
			name: "notification_mark_as_read",
			path: NotificationsPath,
			send: func(t *testing.T, r *rig) {
				n, err := NewNotifications(r.transport, nil, NotificationsOptions{})
				require.NoError(t, err)
				require.NoError(t, n.MarkAsRead("n-1").Err)
			},
		},
		{
			name: "mark_all_as_read",
			path: NotificationsPath,
			send: func(t *testing.T, r *rig) {
				n, err := NewNotifications(r.transport, nil, NotificationsOptions{})
				require.NoError(t, err)
				require.NoError(t, n.MarkAllAsRead().Err)
			},
		},
		{
			name: "dismiss",
			path: NotificationsPath,
			send: func(t *testing.T, r *rig) {
				n, err := NewNotifications(r.transport, nil, NotificationsOptions{})
				require.NoError(t, err)
				require.NoError(t, n.Dismiss("n-2").Err)
			},
		},
		{
			name: "update_task_status",
			path: "/ws/tasks/p1/",
			send: func(t *testing.T, r *rig) {
				tasks, err := NewTasks(r.transport, nil, r.sched, TasksOptions{})
				require.NoError(t, err)
				require.NoError(t, tasks.UpdateStatus("t-9", "done").Err)
			},
		},
		{
			name: "update_status",
			path: StatusPath,
			send: func(t *testing.T, r *rig) {
				p, err := NewPresence(r.transport, nil, r.sched, PresenceOptions{})
				require.NoError(t, err)
				require.NoError(t, p.UpdateStatus(StatusAway).Err)
			},
		},
	}

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t, tc.path)
			sock := r.open(t)
			tc.send(t, r)

			sent := sock.Sent()
			require.Len(t, sent, 1)
			g.Assert(t, tc.name, []byte(sent[0]))
		})
	}
}
