package processor

import (
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"sitesync/internal/queue"
	"sitesync/pkg/eventloop"
	"sitesync/pkg/exception"
	"sitesync/pkg/websocket"
)

const (
	DefaultSendDelay      = 100 * time.Millisecond
	DefaultStabilizeDelay = time.Second
)

// Transport is the part of websocket.Transport a processor drives.
type Transport interface {
	Connected() bool
	Send(data any) error
	On(event websocket.Event, fn websocket.Listener) websocket.ListenerID
	Off(event websocket.Event, id websocket.ListenerID) bool
}

var _ Transport = (*websocket.Transport)(nil)

// Options scopes a processor to one kind and optionally one channel.
type Options struct {
	Kind      queue.Kind
	ChannelID string
	// SendDelay spaces replayed messages.
	SendDelay time.Duration
	// StabilizeDelay is the wait between an open event and the replay.
	StabilizeDelay time.Duration
	// OnReport receives the outcome of every replay.
	OnReport func(Report)
}

// Result tells the caller what SendOrQueue did with a message.
type Result struct {
	Queued bool
	ID     string
	// Err is the send failure that caused queueing, or the enqueue failure.
	Err error
}

// Report summarizes one replay.
type Report struct {
	Sent      int
	Failed    int
	Dropped   int
	Remaining int
	Aborted   bool
	// Elapsed runs from the first step to the report.
	Elapsed time.Duration
}

// Processor drains the queue entries of its scope through a transport and
// queues messages the transport cannot take.
//
// Every method except Processing must be called from the scheduler.
type Processor struct {
	transport Transport
	queue     *queue.Queue
	sched     eventloop.Scheduler
	opt       Options
	openID    websocket.ListenerID

	mu         sync.Mutex
	processing bool
	closed     bool
	stabilize  eventloop.Timer
	started    time.Time
}

// New binds a processor to transport and q and starts listening for opens.
func New(transport Transport, q *queue.Queue, sched eventloop.Scheduler, opt Options) (*Processor, error) {
	if transport == nil || q == nil || sched == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "processor dependency")
	}
	if !opt.Kind.Valid() {
		return nil, errors.Wrap(exception.ErrQueueUnknownKind, string(opt.Kind))
	}
	if opt.SendDelay <= 0 {
		opt.SendDelay = DefaultSendDelay
	}
	if opt.StabilizeDelay <= 0 {
		opt.StabilizeDelay = DefaultStabilizeDelay
	}

	p := &Processor{
		transport: transport,
		queue:     q,
		sched:     sched,
		opt:       opt,
	}
	p.openID = transport.On(websocket.EventOpen, p.handleOpen)
	return p, nil
}

// Kind returns the scope kind.
func (p *Processor) Kind() queue.Kind {
	return p.opt.Kind
}

// ChannelID returns the scope channel, empty when unscoped.
func (p *Processor) ChannelID() string {
	return p.opt.ChannelID
}

// Pending returns the queued entries of this scope.
func (p *Processor) Pending() []queue.QueuedMessage {
	return p.queue.Select(p.opt.Kind, p.opt.ChannelID)
}

// Processing reports whether a replay is running.
func (p *Processor) Processing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processing
}

// SendOrQueue sends data when the transport is connected and queues it
// otherwise, or when the send fails.
func (p *Processor) SendOrQueue(data any) Result {
	var cause error
	if p.transport.Connected() {
		err := p.transport.Send(data)
		if err == nil {
			return Result{}
		}
		logs.Warnf("send failed, queueing, kind: %s, err: %+v", p.opt.Kind, err)
		cause = err
	}

	id, err := p.queue.Enqueue(p.opt.Kind, data, p.opt.ChannelID)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Queued: true, ID: id, Err: cause}
}

// ProcessQueue starts a replay of this scope and reports whether one started.
// It does nothing while another replay runs or when the scope is empty.
func (p *Processor) ProcessQueue() bool {
	p.mu.Lock()
	if p.processing || p.closed {
		p.mu.Unlock()
		return false
	}
	batch := p.Pending()
	if len(batch) == 0 {
		p.mu.Unlock()
		return false
	}
	p.processing = true
	p.started = p.sched.Now()
	p.mu.Unlock()

	logs.Infof("replay start, kind: %s, channel: %s, size: %d", p.opt.Kind, p.opt.ChannelID, len(batch))
	p.step(batch, 0, &Report{})
	return true
}

func (p *Processor) step(batch []queue.QueuedMessage, i int, report *Report) {
	for ; i < len(batch); i++ {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()

		if closed || !p.transport.Connected() {
			report.Aborted = true
			break
		}

		msg := batch[i]
		if _, ok := p.queue.Get(msg.ID); !ok {
			continue
		}

		if err := p.transport.Send(msg.Data); err != nil {
			report.Failed++
			if dropped, _ := p.queue.MarkFailed(msg.ID, err); dropped {
				report.Dropped++
			}
		} else {
			report.Sent++
			p.queue.Dequeue(msg.ID)
		}

		if i+1 < len(batch) {
			next := i + 1
			p.sched.AfterFunc(p.opt.SendDelay, func() { p.step(batch, next, report) })
			return
		}
	}
	p.finish(report)
}

func (p *Processor) finish(report *Report) {
	report.Remaining = len(p.Pending())

	p.mu.Lock()
	p.processing = false
	report.Elapsed = p.sched.Now().Sub(p.started)
	p.mu.Unlock()

	logs.Infof("replay done, kind: %s, channel: %s, sent: %d, failed: %d, remaining: %d, aborted: %t",
		p.opt.Kind, p.opt.ChannelID, report.Sent, report.Failed, report.Remaining, report.Aborted)
	if p.opt.OnReport != nil {
		p.opt.OnReport(*report)
	}
}

// RetryFailed replays the scope now when connected.
func (p *Processor) RetryFailed() bool {
	if !p.transport.Connected() {
		return false
	}
	return p.ProcessQueue()
}

// ClearQueue removes every entry of this scope and returns how many.
func (p *Processor) ClearQueue() int {
	return p.queue.ClearScope(p.opt.Kind, p.opt.ChannelID)
}

// Close detaches from the transport. A running replay stops at its next step
// and still reports.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	stabilize := p.stabilize
	p.stabilize = nil
	p.mu.Unlock()

	p.transport.Off(websocket.EventOpen, p.openID)
	if stabilize != nil {
		stabilize.Stop()
	}
}

func (p *Processor) handleOpen(websocket.Notice) {
	if len(p.Pending()) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.stabilize != nil {
		p.stabilize.Stop()
	}
	var timer eventloop.Timer
	timer = p.sched.AfterFunc(p.opt.StabilizeDelay, func() {
		p.mu.Lock()
		if p.stabilize != timer {
			p.mu.Unlock()
			return
		}
		p.stabilize = nil
		p.mu.Unlock()

		if p.transport.Connected() {
			p.ProcessQueue()
		}
	})
	p.stabilize = timer
}
