package processor

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitesync/internal/queue"
	"sitesync/internal/storage"
	"sitesync/internal/testutil"
	"sitesync/pkg/exception"
	"sitesync/pkg/websocket"
)

type harness struct {
	sched     *testutil.Scheduler
	dialer    *testutil.Dialer
	transport *websocket.Transport
	queue     *queue.Queue
	proc      *Processor
	reports   []Report
	events    []queue.Event
}

func newHarness(t *testing.T, channelID string) *harness {
	t.Helper()
	h := &harness{
		sched:  testutil.NewScheduler(),
		dialer: testutil.NewDialer(),
	}
	tr, err := websocket.NewTransport(websocket.Config{
		URL:       "wss://site.example/ws/chat/" + channelID + "/",
		Dialer:    h.dialer,
		Scheduler: h.sched,
	})
	require.NoError(t, err)
	h.transport = tr

	q, err := queue.New(storage.NewMemory(0), queue.Options{Now: h.sched.Now})
	require.NoError(t, err)
	h.queue = q
	q.Subscribe(func(ev queue.Event) { h.events = append(h.events, ev) })

	p, err := New(tr, q, h.sched, Options{
		Kind:      queue.KindChat,
		ChannelID: channelID,
		OnReport:  func(r Report) { h.reports = append(h.reports, r) },
	})
	require.NoError(t, err)
	h.proc = p
	return h
}

func (h *harness) open(t *testing.T) *testutil.Socket {
	t.Helper()
	require.NoError(t, h.transport.Connect())
	sock := h.dialer.Last()
	sock.Open()
	require.True(t, h.transport.Connected())
	return sock
}

func chat(n int) map[string]any {
	return map[string]any{"type": "chat_message", "message": fmt.Sprintf("m%d", n)}
}

func chatJSON(n int) string {
	return fmt.Sprintf(`{"message":"m%d","type":"chat_message"}`, n)
}

func TestNewValidates(t *testing.T) {
	h := newHarness(t, "7")
	_, err := New(nil, h.queue, h.sched, Options{Kind: queue.KindChat})
	assert.Error(t, err)
	_, err = New(h.transport, h.queue, h.sched, Options{})
	assert.Error(t, err)
}

func TestSendOrQueueConnected(t *testing.T) {
	h := newHarness(t, "7")
	sock := h.open(t)

	res := h.proc.SendOrQueue(chat(1))
	assert.False(t, res.Queued)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{chatJSON(1)}, sock.Sent())
	assert.Equal(t, 0, h.queue.Size())
}

func TestSendOrQueueDisconnected(t *testing.T) {
	h := newHarness(t, "7")

	res := h.proc.SendOrQueue(chat(1))
	assert.True(t, res.Queued)
	assert.NoError(t, res.Err)
	msg, ok := h.queue.Get(res.ID)
	require.True(t, ok)
	assert.Equal(t, queue.KindChat, msg.Type)
	assert.Equal(t, "7", msg.ChannelID)
	assert.Equal(t, chatJSON(1), string(msg.Data))
}

func TestSendOrQueueSendFailure(t *testing.T) {
	h := newHarness(t, "7")
	sock := h.open(t)
	sock.SetWriteHook(func([]byte) error { return testutil.ErrConnectionReset })

	res := h.proc.SendOrQueue(chat(1))
	assert.True(t, res.Queued)
	assert.True(t, exception.Is(res.Err, testutil.ErrConnectionReset))
	assert.Equal(t, 1, h.queue.Size())
}

// Five messages queued offline are replayed in order, 100ms apart, once the
// connection opens.
func TestReplayAfterOpen(t *testing.T) {
	h := newHarness(t, "7")
	for i := 1; i <= 5; i++ {
		require.True(t, h.proc.SendOrQueue(chat(i)).Queued)
	}
	require.Equal(t, 5, h.queue.Size())

	sock := h.open(t)
	var sentAt []time.Time
	sock.SetWriteHook(func([]byte) error {
		sentAt = append(sentAt, h.sched.Now())
		return nil
	})

	h.sched.Advance(999 * time.Millisecond)
	assert.Empty(t, sock.Sent(), "waits for the connection to settle")

	h.sched.Advance(time.Millisecond + 400*time.Millisecond)
	assert.Equal(t, []string{chatJSON(1), chatJSON(2), chatJSON(3), chatJSON(4), chatJSON(5)}, sock.Sent())
	require.Len(t, sentAt, 5)
	for i := 1; i < len(sentAt); i++ {
		assert.GreaterOrEqual(t, sentAt[i].Sub(sentAt[i-1]), 100*time.Millisecond)
	}
	assert.Equal(t, 0, h.queue.Size())
	assert.Equal(t, []Report{{Sent: 5, Elapsed: 400 * time.Millisecond}}, h.reports)
	assert.False(t, h.proc.Processing())
}

// A message whose send fails on three replays is dropped with one event.
func TestReplayDropsAfterThreeFailures(t *testing.T) {
	h := newHarness(t, "7")
	sock := h.open(t)
	sock.SetWriteHook(func([]byte) error { return testutil.ErrConnectionReset })

	res := h.proc.SendOrQueue(chat(1))
	require.True(t, res.Queued)

	for i := 0; i < 3; i++ {
		require.True(t, h.proc.RetryFailed())
	}
	assert.Equal(t, 0, h.queue.Size())
	assert.False(t, h.proc.RetryFailed(), "nothing left to retry")

	exceeded := 0
	for _, ev := range h.events {
		if ev.Action == queue.ActionMaxRetriesExceeded {
			exceeded++
			assert.Contains(t, ev.Message.LastError, testutil.ErrConnectionReset.Error())
		}
	}
	assert.Equal(t, 1, exceeded)
	require.Len(t, h.reports, 3)
	assert.Equal(t, Report{Failed: 1, Dropped: 1}, h.reports[2])
}

// The connection drops after the third replayed message; the last two stay
// queued and go out after the reconnect.
func TestReplayResumesAfterDrop(t *testing.T) {
	h := newHarness(t, "7")
	var ids []string
	for i := 1; i <= 5; i++ {
		res := h.proc.SendOrQueue(chat(i))
		require.True(t, res.Queued)
		ids = append(ids, res.ID)
	}

	first := h.open(t)
	h.sched.Advance(time.Second)
	h.sched.Advance(100 * time.Millisecond)
	h.sched.Advance(100 * time.Millisecond)
	require.Len(t, first.Sent(), 3)

	first.Drop()
	h.sched.Advance(100 * time.Millisecond)
	assert.Equal(t, []string{chatJSON(1), chatJSON(2), chatJSON(3)}, first.Sent())
	require.Len(t, h.reports, 1)
	assert.Equal(t, Report{Sent: 3, Remaining: 2, Aborted: true, Elapsed: 300 * time.Millisecond}, h.reports[0])

	remaining := h.queue.All()
	require.Len(t, remaining, 2)
	assert.Equal(t, ids[3:], []string{remaining[0].ID, remaining[1].ID})
	assert.Equal(t, 0, remaining[0].RetryCount, "an aborted batch does not count as a failure")

	// backoff for the first reconnect attempt
	h.sched.Advance(time.Second)
	second := h.dialer.Last()
	require.NotSame(t, first, second)
	second.Open()
	h.sched.Advance(time.Second + 100*time.Millisecond)

	assert.Equal(t, []string{chatJSON(4), chatJSON(5)}, second.Sent())
	assert.Equal(t, 0, h.queue.Size())
}

func TestProcessQueueReentrancy(t *testing.T) {
	h := newHarness(t, "7")
	for i := 1; i <= 3; i++ {
		h.proc.SendOrQueue(chat(i))
	}
	sock := h.open(t)

	require.True(t, h.proc.ProcessQueue())
	assert.True(t, h.proc.Processing())
	assert.False(t, h.proc.ProcessQueue(), "a replay is already running")

	h.sched.Advance(200 * time.Millisecond)
	assert.Len(t, sock.Sent(), 3)
	assert.False(t, h.proc.Processing())
}

func TestOpenWithEmptyScopeSchedulesNothing(t *testing.T) {
	h := newHarness(t, "7")
	other, err := New(h.transport, h.queue, h.sched, Options{Kind: queue.KindChat, ChannelID: "8"})
	require.NoError(t, err)
	other.SendOrQueue(chat(1))

	h.open(t)
	// only the processor for channel 8 waits to replay
	assert.Equal(t, 1, h.sched.Pending())
	assert.Empty(t, h.proc.Pending())
	assert.Len(t, other.Pending(), 1)
}

func TestClearQueueScoped(t *testing.T) {
	h := newHarness(t, "7")
	h.proc.SendOrQueue(chat(1))
	_, err := h.queue.Enqueue(queue.KindChat, chat(2), "8")
	require.NoError(t, err)

	assert.Equal(t, 1, h.proc.ClearQueue())
	assert.Equal(t, 1, h.queue.Size())
	assert.Equal(t, "8", h.queue.All()[0].ChannelID)
}

func TestCloseStopsReplay(t *testing.T) {
	h := newHarness(t, "7")
	for i := 1; i <= 3; i++ {
		h.proc.SendOrQueue(chat(i))
	}
	sock := h.open(t)
	h.sched.Advance(time.Second)
	require.Len(t, sock.Sent(), 1)

	h.proc.Close()
	h.sched.Advance(time.Second)
	assert.Len(t, sock.Sent(), 1)
	require.Len(t, h.reports, 1)
	assert.True(t, h.reports[0].Aborted)
	assert.Equal(t, 2, h.reports[0].Remaining)
	assert.False(t, h.proc.ProcessQueue())
}

func TestCloseCancelsStabilizeTimer(t *testing.T) {
	h := newHarness(t, "7")
	h.proc.SendOrQueue(chat(1))
	sock := h.open(t)
	require.Equal(t, 1, h.sched.Pending())

	h.proc.Close()
	assert.Equal(t, 0, h.sched.Pending())
	h.sched.Advance(time.Minute)
	assert.Empty(t, sock.Sent())
}
