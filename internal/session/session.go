/*
Package session assembles the sync core for one signed-in user.

# Module
  - registry: one transport per logical URL
  - queue: the offline outbound queue shared by every processor
  - adapters: chat per channel, tasks per project, notifications, presence
  - processors: one per adapter scope, replaying its queue entries on open

# Threading
  - New may run on any goroutine; Start, SetOnline and Close run on the scheduler
  - adapter and queue accessors are safe from any goroutine
*/
package session

import (
	"context"
	"sync"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"sitesync/internal/channel"
	"sitesync/internal/config"
	"sitesync/internal/obs"
	"sitesync/internal/processor"
	"sitesync/internal/queue"
	"sitesync/internal/storage"
	"sitesync/pkg/eventloop"
	"sitesync/pkg/exception"
	"sitesync/pkg/websocket"
)

// Hooks receive adapter updates. Every field is optional.
type Hooks struct {
	OnChat   func(channelID, frameType string)
	OnToast  func(channel.Notification)
	OnTask   func(projectID string, update channel.TaskUpdate)
	OnStatus func(channel.UserStatus)
}

// Options are the collaborators of a session.
type Options struct {
	Config    config.Loaded
	Dialer    websocket.Dialer
	Scheduler eventloop.Scheduler
	// Storage persists the queue. Nil opens Config.Storage.
	Storage storage.Storage
	// Metrics is optional.
	Metrics *obs.Metrics
	Hooks   Hooks
}

// Session owns the transports, the queue, the adapters and their processors.
type Session struct {
	cfg      config.Loaded
	sched    eventloop.Scheduler
	store    storage.Storage
	ownStore bool
	metrics  *obs.Metrics

	registry    *Registry
	queue       *queue.Queue
	unsubscribe func()

	chats         map[string]*channel.Chat
	tasks         map[string]*channel.Tasks
	notifications *channel.Notifications
	presence      *channel.Presence
	processors    []*processor.Processor

	mu     sync.Mutex
	closed bool
}

// New loads the persisted queue and binds every configured channel. Nothing
// connects until Start.
func New(ctx context.Context, opt Options) (*Session, error) {
	if opt.Dialer == nil {
		return nil, exception.ErrNilDialer
	}
	if opt.Scheduler == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "session scheduler")
	}

	s := &Session{
		cfg:     opt.Config,
		sched:   opt.Scheduler,
		store:   opt.Storage,
		metrics: opt.Metrics,
		chats:   make(map[string]*channel.Chat),
		tasks:   make(map[string]*channel.Tasks),
	}
	if s.store == nil {
		store, err := OpenStorage(ctx, opt.Config.Storage)
		if err != nil {
			return nil, err
		}
		s.store = store
		s.ownStore = true
	}

	qopt := opt.Config.Queue
	qopt.Now = opt.Scheduler.Now
	q, err := queue.New(s.store, qopt)
	if err != nil {
		s.release()
		return nil, errors.Wrap(err, "new queue")
	}
	purged, err := q.Load(ctx)
	if err != nil {
		s.release()
		return nil, errors.Wrap(err, "load queue")
	}
	if purged > 0 {
		logs.Infof("purged %d expired queue entries", purged)
	}
	s.queue = q
	if s.metrics != nil {
		s.unsubscribe = q.Subscribe(s.metrics.ObserveQueue)
	}

	s.registry = NewRegistry(websocket.Config{
		Token:                opt.Config.Token,
		Dialer:               opt.Dialer,
		Scheduler:            opt.Scheduler,
		Backoff:              opt.Config.Backoff,
		MaxReconnectAttempts: opt.Config.MaxReconnectAttempts,
	}, s.observeTransport)

	if err := s.bind(opt.Hooks); err != nil {
		s.shutdown()
		return nil, err
	}
	return s, nil
}

func (s *Session) bind(hooks Hooks) error {
	cfg := s.cfg

	for _, id := range cfg.Chat {
		if _, ok := s.chats[id]; ok {
			continue
		}
		channelID := id
		t, proc, err := s.scope(cfg.ChatURL(channelID), queue.KindChat, channelID)
		if err != nil {
			return err
		}
		chat, err := channel.NewChat(t, proc, s.sched, channel.ChatOptions{
			ChannelID: channelID,
			TypingTTL: cfg.TypingTTL,
			OnUpdate: func(frameType string) {
				if hooks.OnChat != nil {
					hooks.OnChat(channelID, frameType)
				}
			},
		})
		if err != nil {
			return errors.Wrap(err, "new chat").With("channel", channelID)
		}
		s.chats[channelID] = chat
	}

	for _, id := range cfg.Tasks {
		if _, ok := s.tasks[id]; ok {
			continue
		}
		projectID := id
		t, proc, err := s.scope(cfg.TasksURL(projectID), queue.KindTask, projectID)
		if err != nil {
			return err
		}
		tasks, err := channel.NewTasks(t, proc, s.sched, channel.TasksOptions{
			ProjectID: projectID,
			OnUpdate: func(u channel.TaskUpdate) {
				if hooks.OnTask != nil {
					hooks.OnTask(projectID, u)
				}
			},
		})
		if err != nil {
			return errors.Wrap(err, "new tasks").With("project", projectID)
		}
		s.tasks[projectID] = tasks
	}

	if cfg.Notifications {
		t, proc, err := s.scope(cfg.NotificationsURL(), queue.KindNotification, "")
		if err != nil {
			return err
		}
		n, err := channel.NewNotifications(t, proc, channel.NotificationsOptions{OnToast: hooks.OnToast})
		if err != nil {
			return errors.Wrap(err, "new notifications")
		}
		s.notifications = n
	}

	if cfg.Status {
		t, proc, err := s.scope(cfg.StatusURL(), queue.KindStatus, "")
		if err != nil {
			return err
		}
		p, err := channel.NewPresence(t, proc, s.sched, channel.PresenceOptions{
			HeartbeatInterval: cfg.Heartbeat,
			OnUpdate:          hooks.OnStatus,
		})
		if err != nil {
			return errors.Wrap(err, "new presence")
		}
		s.presence = p
	}
	return nil
}

// scope returns the transport of url and a processor replaying kind and
// channelID through it.
func (s *Session) scope(url string, kind queue.Kind, channelID string) (*websocket.Transport, *processor.Processor, error) {
	t, err := s.registry.Transport(url)
	if err != nil {
		return nil, nil, err
	}
	proc, err := processor.New(t, s.queue, s.sched, processor.Options{
		Kind:           kind,
		ChannelID:      channelID,
		SendDelay:      s.cfg.SendDelay,
		StabilizeDelay: s.cfg.StabilizeDelay,
		OnReport: func(r processor.Report) {
			s.metrics.ObserveReplay(r.Elapsed, r.Aborted)
		},
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "new processor").With("url", url)
	}
	s.processors = append(s.processors, proc)
	return t, proc, nil
}

func (s *Session) observeTransport(t *websocket.Transport) {
	if s.metrics == nil {
		return
	}
	for _, event := range []websocket.Event{
		websocket.EventOpen,
		websocket.EventClose,
		websocket.EventError,
		websocket.EventReconnecting,
		websocket.EventExhausted,
	} {
		t.On(event, s.metrics.ObserveTransport)
	}
}

// Start connects every transport. Call it from the scheduler.
func (s *Session) Start() {
	s.registry.ConnectAll()
}

// SetOnline forwards the host connectivity signal. Going offline needs no
// action: the sockets report their own closes. Call it from the scheduler.
func (s *Session) SetOnline(online bool) {
	if !online {
		return
	}
	s.registry.Online()
}

// Close detaches adapters and processors, closes the transports and releases
// the store when the session opened it. Call it from the scheduler.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.shutdown()
}

func (s *Session) shutdown() error {
	for _, chat := range s.chats {
		chat.Close()
	}
	for _, tasks := range s.tasks {
		tasks.Close()
	}
	if s.notifications != nil {
		s.notifications.Close()
	}
	if s.presence != nil {
		s.presence.Close()
	}
	for _, proc := range s.processors {
		proc.Close()
	}
	s.registry.Close()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	return s.release()
}

func (s *Session) release() error {
	if !s.ownStore {
		return nil
	}
	if err := storage.Close(s.store); err != nil {
		return errors.Wrap(err, "close storage")
	}
	return nil
}

// Queue returns the shared offline queue.
func (s *Session) Queue() *queue.Queue {
	return s.queue
}

// Registry returns the transport registry.
func (s *Session) Registry() *Registry {
	return s.registry
}

// Chat returns the adapter of channelID.
func (s *Session) Chat(channelID string) (*channel.Chat, bool) {
	c, ok := s.chats[channelID]
	return c, ok
}

// Tasks returns the adapter of projectID.
func (s *Session) Tasks(projectID string) (*channel.Tasks, bool) {
	t, ok := s.tasks[projectID]
	return t, ok
}

// Notifications returns the notifications adapter, nil when disabled.
func (s *Session) Notifications() *channel.Notifications {
	return s.notifications
}

// Presence returns the presence adapter, nil when disabled.
func (s *Session) Presence() *channel.Presence {
	return s.presence
}

// Processors returns every processor in binding order.
func (s *Session) Processors() []*processor.Processor {
	return append([]*processor.Processor(nil), s.processors...)
}

// Pending returns how many queued messages wait across every scope.
func (s *Session) Pending() int {
	return s.queue.Size()
}
