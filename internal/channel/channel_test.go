package channel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sitesync/internal/testutil"
	"sitesync/pkg/websocket"
)

type rig struct {
	sched     *testutil.Scheduler
	dialer    *testutil.Dialer
	transport *websocket.Transport
}

func newRig(t *testing.T, path string) *rig {
	t.Helper()
	r := &rig{
		sched:  testutil.NewScheduler(),
		dialer: testutil.NewDialer(),
	}
	tr, err := websocket.NewTransport(websocket.Config{
		URL:       "wss://site.example" + path,
		Token:     "tkn",
		Dialer:    r.dialer,
		Scheduler: r.sched,
	})
	require.NoError(t, err)
	r.transport = tr
	return r
}

// open connects and returns the live socket.
func (r *rig) open(t *testing.T) *testutil.Socket {
	t.Helper()
	require.NoError(t, r.transport.Connect())
	sock := r.dialer.Last()
	sock.Open()
	require.True(t, r.transport.Connected())
	return sock
}
