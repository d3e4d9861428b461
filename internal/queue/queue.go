package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"sitesync/internal/storage"
	"sitesync/pkg/exception"
)

const (
	DefaultMaxSize        = 100
	DefaultMaxRetries     = 3
	DefaultRetention      = 24 * time.Hour
	DefaultTruncateTo     = 50
	DefaultKey            = "offline_message_queue"
	DefaultPersistTimeout = 5 * time.Second
)

// Options tunes a Queue. Zero fields take the defaults above.
type Options struct {
	MaxSize        int
	MaxRetries     int
	Retention      time.Duration
	TruncateTo     int
	Key            string
	PersistTimeout time.Duration
	// Now is the clock used for ids, enqueue time and retention.
	Now func() time.Time
}

func (opt Options) withDefaults() Options {
	if opt.MaxSize <= 0 {
		opt.MaxSize = DefaultMaxSize
	}
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = DefaultMaxRetries
	}
	if opt.Retention <= 0 {
		opt.Retention = DefaultRetention
	}
	if opt.TruncateTo <= 0 || opt.TruncateTo > opt.MaxSize {
		opt.TruncateTo = min(DefaultTruncateTo, opt.MaxSize)
	}
	if opt.Key == "" {
		opt.Key = DefaultKey
	}
	if opt.PersistTimeout <= 0 {
		opt.PersistTimeout = DefaultPersistTimeout
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return opt
}

// Subscriber receives queue events.
type Subscriber func(Event)

type subscription struct {
	id uint64
	fn Subscriber
}

// Queue is a bounded FIFO of undelivered outbound messages persisted to a
// Storage under one key on every mutation.
//
// Subscribers run after the mutation completes and outside the queue lock,
// so they may call back into the queue.
type Queue struct {
	opt   Options
	store storage.Storage

	mu       sync.Mutex
	messages []QueuedMessage

	subMu  sync.RWMutex
	subs   []subscription
	nextID uint64
}

// New builds an empty queue. Call Load to restore persisted entries.
func New(store storage.Storage, opt Options) (*Queue, error) {
	if store == nil {
		return nil, exception.ErrQueueNilStorage
	}
	return &Queue{
		opt:   opt.withDefaults(),
		store: store,
	}, nil
}

// MaxSize returns the capacity.
func (q *Queue) MaxSize() int {
	return q.opt.MaxSize
}

// Load replaces the in-memory entries with the persisted record and drops
// entries older than the retention window. It returns how many were purged.
// A missing record is an empty queue; an unreadable record is discarded.
func (q *Queue) Load(ctx context.Context) (int, error) {
	data, err := q.store.Get(ctx, q.opt.Key)
	if err != nil {
		if exception.Is(err, exception.ErrStorageNotFound) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "load queue").With("key", q.opt.Key)
	}

	var stored []QueuedMessage
	if err := json.Unmarshal(data, &stored); err != nil {
		logs.Warnf("discard unreadable queue record, key: %s, err: %+v", q.opt.Key, err)
		stored = nil
	}

	cutoff := q.opt.Now().Add(-q.opt.Retention).UnixMilli()
	kept := make([]QueuedMessage, 0, len(stored))
	for _, m := range stored {
		if m.EnqueuedAt < cutoff || m.ID == "" {
			continue
		}
		if m.MaxRetries <= 0 {
			m.MaxRetries = q.opt.MaxRetries
		}
		kept = append(kept, m)
	}
	if over := len(kept) - q.opt.MaxSize; over > 0 {
		kept = kept[over:]
	}
	purged := len(stored) - len(kept)

	q.mu.Lock()
	q.messages = kept
	var events []Event
	if purged > 0 {
		events = q.persistLocked()
	}
	q.mu.Unlock()

	if purged > 0 {
		logs.Infof("queue purged %d stale entries, key: %s", purged, q.opt.Key)
	}
	q.emit(events...)
	return purged, nil
}

func (q *Queue) newID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// Enqueue appends a message and returns its id. When the queue is full the
// oldest entry is evicted first.
func (q *Queue) Enqueue(kind Kind, data any, channelID string) (string, error) {
	if !kind.Valid() {
		return "", errors.Wrap(exception.ErrQueueUnknownKind, string(kind))
	}
	raw, err := encodeData(data)
	if err != nil {
		return "", errors.Wrap(err, "encode queued data")
	}

	now := q.opt.Now()
	msg := QueuedMessage{
		ID:         q.newID(now),
		Type:       kind,
		Data:       raw,
		ChannelID:  channelID,
		EnqueuedAt: now.UnixMilli(),
		MaxRetries: q.opt.MaxRetries,
	}

	q.mu.Lock()
	var events []Event
	for len(q.messages) >= q.opt.MaxSize {
		evicted := q.messages[0]
		q.messages = q.messages[1:]
		logs.Warnf("queue full, evict oldest, id: %s, type: %s", evicted.ID, evicted.Type)
		events = append(events, q.event(ActionEvict, &evicted))
	}
	q.messages = append(q.messages, msg)
	events = append(events, q.event(ActionEnqueue, &msg))
	events = append(events, q.persistLocked()...)
	q.mu.Unlock()

	q.emit(events...)
	return msg.ID, nil
}

// Dequeue removes and returns the entry with id.
func (q *Queue) Dequeue(id string) (QueuedMessage, bool) {
	q.mu.Lock()
	idx := q.indexLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		return QueuedMessage{}, false
	}
	msg := q.removeLocked(idx)
	events := []Event{q.event(ActionDequeue, &msg)}
	events = append(events, q.persistLocked()...)
	q.mu.Unlock()

	q.emit(events...)
	return msg.clone(), true
}

// MarkFailed records a failed send. Once the retry budget is used the entry
// is removed and ActionMaxRetriesExceeded is emitted instead of ActionRetry.
// It reports whether the entry was dropped, and false for ok when id is unknown.
func (q *Queue) MarkFailed(id string, cause error) (dropped bool, ok bool) {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	q.mu.Lock()
	idx := q.indexLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		return false, false
	}
	q.messages[idx].RetryCount++
	q.messages[idx].LastError = reason
	msg := q.messages[idx]

	var events []Event
	if msg.RetryCount >= msg.MaxRetries {
		q.removeLocked(idx)
		dropped = true
		logs.Warnf("queued message dropped after %d attempts, id: %s, err: %s", msg.RetryCount, msg.ID, reason)
		events = append(events, q.event(ActionMaxRetriesExceeded, &msg))
	} else {
		events = append(events, q.event(ActionRetry, &msg))
	}
	events = append(events, q.persistLocked()...)
	q.mu.Unlock()

	q.emit(events...)
	return dropped, true
}

// Clear empties the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.messages = nil
	events := []Event{q.event(ActionClear, nil)}
	events = append(events, q.persistLocked()...)
	q.mu.Unlock()

	q.emit(events...)
}

// ClearScope removes every entry matching kind and channelID, where empty
// values match anything, and returns how many were removed.
func (q *Queue) ClearScope(kind Kind, channelID string) int {
	if kind == "" && channelID == "" {
		size := q.Size()
		q.Clear()
		return size
	}

	q.mu.Lock()
	kept := q.messages[:0:0]
	for _, m := range q.messages {
		if !m.matches(kind, channelID) {
			kept = append(kept, m)
		}
	}
	removed := len(q.messages) - len(kept)
	if removed == 0 {
		q.mu.Unlock()
		return 0
	}
	q.messages = kept
	events := []Event{q.event(ActionClear, nil)}
	events = append(events, q.persistLocked()...)
	q.mu.Unlock()

	q.emit(events...)
	return removed
}

// Get returns the entry with id.
func (q *Queue) Get(id string) (QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx := q.indexLocked(id); idx >= 0 {
		return q.messages[idx].clone(), true
	}
	return QueuedMessage{}, false
}

// All returns every entry in FIFO order.
func (q *Queue) All() []QueuedMessage {
	return q.Select("", "")
}

// ByKind returns the entries of one kind in FIFO order.
func (q *Queue) ByKind(kind Kind) []QueuedMessage {
	return q.Select(kind, "")
}

// ByChannel returns the entries bound to one channel in FIFO order.
func (q *Queue) ByChannel(channelID string) []QueuedMessage {
	if channelID == "" {
		return nil
	}
	return q.Select("", channelID)
}

// Select returns the entries matching kind and channelID in FIFO order.
// Empty values match anything.
func (q *Queue) Select(kind Kind, channelID string) []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedMessage, 0, len(q.messages))
	for _, m := range q.messages {
		if m.matches(kind, channelID) {
			out = append(out, m.clone())
		}
	}
	return out
}

// Size returns the number of entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Subscribe registers fn for every event and returns its unsubscribe func.
func (q *Queue) Subscribe(fn Subscriber) func() {
	if fn == nil {
		return func() {}
	}
	q.subMu.Lock()
	q.nextID++
	id := q.nextID
	q.subs = append(q.subs, subscription{id: id, fn: fn})
	q.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.subMu.Lock()
			defer q.subMu.Unlock()
			for i, s := range q.subs {
				if s.id == id {
					q.subs = append(q.subs[:i:i], q.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (q *Queue) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	q.subMu.RLock()
	subs := q.subs
	q.subMu.RUnlock()
	for _, ev := range events {
		for _, s := range subs {
			s.fn(ev)
		}
	}
}

func (q *Queue) event(action Action, msg *QueuedMessage) Event {
	ev := Event{Action: action, QueueSize: len(q.messages)}
	if msg != nil {
		m := msg.clone()
		ev.Message = &m
	}
	return ev
}

func (q *Queue) indexLocked(id string) int {
	for i, m := range q.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) removeLocked(idx int) QueuedMessage {
	msg := q.messages[idx]
	q.messages = append(q.messages[:idx:idx], q.messages[idx+1:]...)
	return msg
}

// persistLocked writes the queue. On a quota error it keeps only the newest
// TruncateTo entries and retries once; a second failure is logged and the
// queue carries on in memory. It returns evict events for truncated entries.
func (q *Queue) persistLocked() []Event {
	err := q.writeLocked()
	if err == nil {
		return nil
	}
	if !exception.Is(err, exception.ErrStorageQuotaExceeded) {
		logs.Errorf("persist queue, key: %s, err: %+v", q.opt.Key, err)
		return nil
	}

	over := len(q.messages) - q.opt.TruncateTo
	if over <= 0 {
		logs.Errorf("persist queue, quota exceeded with %d entries, key: %s", len(q.messages), q.opt.Key)
		return nil
	}
	truncated := append([]QueuedMessage(nil), q.messages[:over]...)
	q.messages = append([]QueuedMessage(nil), q.messages[over:]...)
	logs.Warnf("queue storage quota exceeded, truncated to newest %d entries, key: %s", len(q.messages), q.opt.Key)

	events := make([]Event, 0, len(truncated))
	for i := range truncated {
		events = append(events, q.event(ActionEvict, &truncated[i]))
	}
	if err := q.writeLocked(); err != nil {
		logs.Errorf("persist truncated queue, continuing in memory, key: %s, err: %+v", q.opt.Key, err)
	}
	return events
}

func (q *Queue) writeLocked() error {
	list := q.messages
	if list == nil {
		list = []QueuedMessage{}
	}
	data, err := json.Marshal(list)
	if err != nil {
		return errors.Wrap(err, "encode queue")
	}
	ctx, cancel := context.WithTimeout(context.Background(), q.opt.PersistTimeout)
	defer cancel()
	return q.store.Set(ctx, q.opt.Key, data)
}
