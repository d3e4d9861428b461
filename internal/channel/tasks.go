package channel

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/yanun0323/decimal"
	"github.com/yanun0323/errors"

	"sitesync/internal/processor"
	"sitesync/pkg/eventloop"
	"sitesync/pkg/exception"
	"sitesync/pkg/websocket"
)

// Task frame types.
const (
	TypeTaskCreated       = "task_created"
	TypeTaskUpdated       = "task_updated"
	TypeTaskDeleted       = "task_deleted"
	TypeTaskStatusChanged = "task_status_changed"
	TypeUpdateTaskStatus  = "update_task_status"
)

const DefaultTaskLogLimit = 200

var errMissingTaskID = errors.New("missing task id")

// Task is the live view of one project task. Progress is a percentage.
type Task struct {
	ID         ID              `json:"id"`
	Title      string          `json:"title"`
	Status     string          `json:"status"`
	Priority   string          `json:"priority,omitempty"`
	AssignedTo string          `json:"assigned_to,omitempty"`
	DueDate    string          `json:"due_date,omitempty"`
	Progress   decimal.Decimal `json:"progress"`
}

// TaskUpdate is one applied delta. Task is the state after the change and is
// nil for deletions.
type TaskUpdate struct {
	Type      string
	TaskID    ID
	Task      *Task
	OldStatus string
	At        time.Time
}

type taskFrame struct {
	Task jsoniter.RawMessage `json:"task"`
}

type taskRefFrame struct {
	TaskID    ID     `json:"task_id"`
	Status    string `json:"status"`
	OldStatus string `json:"old_status"`
}

type taskStatusOut struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// TasksOptions configures a Tasks adapter.
type TasksOptions struct {
	ProjectID string
	// LogLimit bounds the update log; the oldest updates go first.
	LogLimit int
	OnUpdate func(TaskUpdate)
}

// Tasks keeps the task list of one project and a log of applied changes.
type Tasks struct {
	*binding
	opt   TasksOptions
	sched eventloop.Scheduler

	mu    sync.RWMutex
	tasks map[ID]Task
	order []ID
	log   []TaskUpdate
}

// NewTasks binds a tasks adapter.
func NewTasks(transport Transport, outbox Outbox, sched eventloop.Scheduler, opt TasksOptions) (*Tasks, error) {
	if sched == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "tasks scheduler")
	}
	b, err := newBinding("tasks", transport, outbox)
	if err != nil {
		return nil, err
	}
	if opt.LogLimit <= 0 {
		opt.LogLimit = DefaultTaskLogLimit
	}
	t := &Tasks{
		binding: b,
		opt:     opt,
		sched:   sched,
		tasks:   make(map[ID]Task),
	}
	t.onEnvelope(t.handle)
	return t, nil
}

// ProjectID returns the bound project.
func (t *Tasks) ProjectID() string {
	return t.opt.ProjectID
}

func (t *Tasks) handle(env websocket.Envelope) {
	var update TaskUpdate
	switch env.Type {
	case TypeTaskCreated, TypeTaskUpdated:
		var frame taskFrame
		if !decode(t.name, env, &frame) {
			return
		}
		raw := []byte(frame.Task)
		if len(raw) == 0 || string(raw) == "null" {
			raw = env.Raw
		}
		var ref struct {
			ID ID `json:"id"`
		}
		if err := json.Unmarshal(raw, &ref); err != nil {
			malformed(t.name, env.Type, err)
			return
		}
		if ref.ID == "" {
			malformed(t.name, env.Type, errMissingTaskID)
			return
		}

		t.mu.Lock()
		task, existed := t.tasks[ref.ID]
		if env.Type == TypeTaskCreated {
			task = Task{}
		}
		// unmarshal over the current copy so absent fields keep their values
		if err := json.Unmarshal(raw, &task); err != nil {
			t.mu.Unlock()
			malformed(t.name, env.Type, err)
			return
		}
		t.putLocked(task, existed)
		t.mu.Unlock()
		update = TaskUpdate{Type: env.Type, TaskID: task.ID, Task: &task}
	case TypeTaskDeleted:
		var frame taskRefFrame
		if !decode(t.name, env, &frame) {
			return
		}
		t.mu.Lock()
		t.deleteLocked(frame.TaskID)
		t.mu.Unlock()
		update = TaskUpdate{Type: env.Type, TaskID: frame.TaskID}
	case TypeTaskStatusChanged:
		var frame taskRefFrame
		if !decode(t.name, env, &frame) {
			return
		}
		t.mu.Lock()
		task, ok := t.tasks[frame.TaskID]
		if !ok {
			task = Task{ID: frame.TaskID}
		}
		oldStatus := frame.OldStatus
		if oldStatus == "" {
			oldStatus = task.Status
		}
		task.Status = frame.Status
		t.putLocked(task, ok)
		t.mu.Unlock()
		update = TaskUpdate{Type: env.Type, TaskID: task.ID, Task: &task, OldStatus: oldStatus}
	default:
		ignoreUnknown(t.name, env)
		return
	}

	update.At = t.sched.Now()
	t.mu.Lock()
	t.log = append(t.log, update)
	if over := len(t.log) - t.opt.LogLimit; over > 0 {
		t.log = append([]TaskUpdate(nil), t.log[over:]...)
	}
	t.mu.Unlock()

	if t.opt.OnUpdate != nil {
		t.opt.OnUpdate(update)
	}
}

func (t *Tasks) putLocked(task Task, existed bool) {
	if !existed {
		t.order = append(t.order, task.ID)
	}
	t.tasks[task.ID] = task
}

func (t *Tasks) deleteLocked(id ID) {
	if _, ok := t.tasks[id]; !ok {
		return
	}
	delete(t.tasks, id)
	for i, existing := range t.order {
		if existing == id {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
}

// Task returns one task.
func (t *Tasks) Task(id string) (Task, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	task, ok := t.tasks[ID(id)]
	return task, ok
}

// List returns the tasks in the order they were first seen.
func (t *Tasks) List() []Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Task, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.tasks[id])
	}
	return out
}

// Updates returns the update log, oldest first.
func (t *Tasks) Updates() []TaskUpdate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]TaskUpdate(nil), t.log...)
}

// UpdateStatus asks the server to move a task to status.
func (t *Tasks) UpdateStatus(taskID, status string) processor.Result {
	return t.deliver(taskStatusOut{Type: TypeUpdateTaskStatus, TaskID: taskID, Status: status})
}

// Close detaches from the transport.
func (t *Tasks) Close() {
	t.detach()
}
