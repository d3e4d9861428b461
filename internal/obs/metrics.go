package obs

import (
	"sync/atomic"
	"time"

	"sitesync/internal/queue"
	"sitesync/pkg/websocket"
)

var queueActions = [...]queue.Action{
	queue.ActionEnqueue,
	queue.ActionDequeue,
	queue.ActionEvict,
	queue.ActionRetry,
	queue.ActionMaxRetriesExceeded,
	queue.ActionClear,
}

var transportEvents = [...]websocket.Event{
	websocket.EventOpen,
	websocket.EventMessage,
	websocket.EventClose,
	websocket.EventError,
	websocket.EventReconnecting,
	websocket.EventExhausted,
}

// Metrics collects lightweight counters and replay durations.
type Metrics struct {
	queueActions    [len(queueActions)]uint64
	transportEvents [len(transportEvents)]uint64
	queueSize       int64
	replays         uint64
	replayAborts    uint64

	replayLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds. Metrics uses it
// for how long each offline queue replay took, from start until its report.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	QueueActions    map[queue.Action]uint64
	TransportEvents map[websocket.Event]uint64
	QueueSize       int64
	Replays         uint64
	ReplayAborts    uint64
	ReplayLatency   LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveQueue counts a queue event and tracks the queue size.
func (m *Metrics) ObserveQueue(ev queue.Event) {
	if m == nil {
		return
	}
	for i, action := range queueActions {
		if action == ev.Action {
			atomic.AddUint64(&m.queueActions[i], 1)
			break
		}
	}
	atomic.StoreInt64(&m.queueSize, int64(ev.QueueSize))
}

// ObserveTransport counts a transport notice.
func (m *Metrics) ObserveTransport(n websocket.Notice) {
	if m == nil {
		return
	}
	for i, event := range transportEvents {
		if event == n.Event {
			atomic.AddUint64(&m.transportEvents[i], 1)
			break
		}
	}
}

// ObserveReplay records one finished replay and how long it ran.
func (m *Metrics) ObserveReplay(d time.Duration, aborted bool) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.replays, 1)
	if aborted {
		atomic.AddUint64(&m.replayAborts, 1)
	}
	m.replayLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	actions := make(map[queue.Action]uint64)
	for i := range m.queueActions {
		if v := atomic.LoadUint64(&m.queueActions[i]); v > 0 {
			actions[queueActions[i]] = v
		}
	}
	events := make(map[websocket.Event]uint64)
	for i := range m.transportEvents {
		if v := atomic.LoadUint64(&m.transportEvents[i]); v > 0 {
			events[transportEvents[i]] = v
		}
	}
	return Snapshot{
		QueueActions:    actions,
		TransportEvents: events,
		QueueSize:       atomic.LoadInt64(&m.queueSize),
		Replays:         atomic.LoadUint64(&m.replays),
		ReplayAborts:    atomic.LoadUint64(&m.replayAborts),
		ReplayLatency:   m.replayLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		cur := atomic.LoadUint64(&l.min)
		if cur != 0 && nanos >= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, cur, nanos) {
			break
		}
	}

	for {
		cur := atomic.LoadUint64(&l.max)
		if nanos <= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, cur, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(atomic.LoadUint64(&l.sum) / count),
	}
}
