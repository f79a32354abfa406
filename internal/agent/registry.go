package agent

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Task statuses.
const (
	TaskRunning = "running"
	TaskDone    = "done"
	TaskFailed  = "failed"
)

const (
	// maxTaskEvents caps the per-task event log; older events drop off
	// the front.
	maxTaskEvents = 64
	// defaultRegistryCap caps how many finished tasks the registry
	// retains for /tasks/:id/events.
	defaultRegistryCap = 128
)

// TaskEvent is one step in a turn's event log.
type TaskEvent struct {
	At     int64  `json:"at"` // unix ms
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// Task describes one agent turn, live or recently finished.
type Task struct {
	ID         string      `json:"id"`
	ChatID     string      `json:"chatId"`
	Channel    string      `json:"channel"`
	Status     string      `json:"status"`
	StartedAt  int64       `json:"startedAt"` // unix ms
	FinishedAt int64       `json:"finishedAt,omitempty"`
	Events     []TaskEvent `json:"events"`
}

// Registry tracks agent turns so the API can expose what the agent is
// doing right now and what it did recently. Finished tasks are evicted
// oldest-first once the capacity is reached; running tasks are never
// evicted.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Task
	order []string // insertion order, for eviction
	cap   int
}

// NewRegistry creates a registry retaining up to capacity tasks
// (default 128).
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = defaultRegistryCap
	}
	return &Registry{
		tasks: make(map[string]*Task),
		cap:   capacity,
	}
}

func newTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Begin records a new running task and returns its id.
func (r *Registry) Begin(chatID, channel string) string {
	t := &Task{
		ID:        newTaskID(),
		ChatID:    chatID,
		Channel:   channel,
		Status:    TaskRunning,
		StartedAt: time.Now().UnixMilli(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked()
	r.tasks[t.ID] = t
	r.order = append(r.order, t.ID)
	return t.ID
}

// Event appends to a task's event log. Unknown ids are ignored.
func (r *Registry) Event(id, kind, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return
	}
	if len(t.Events) == maxTaskEvents {
		copy(t.Events, t.Events[1:])
		t.Events = t.Events[:maxTaskEvents-1]
	}
	t.Events = append(t.Events, TaskEvent{
		At:     time.Now().UnixMilli(),
		Kind:   kind,
		Detail: detail,
	})
}

// Finish marks a task done or failed.
func (r *Registry) Finish(id string, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return
	}
	if failed {
		t.Status = TaskFailed
	} else {
		t.Status = TaskDone
	}
	t.FinishedAt = time.Now().UnixMilli()
}

// Active returns copies of all running tasks, oldest first.
func (r *Registry) Active() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Task, 0)
	for _, t := range r.tasks {
		if t.Status == TaskRunning {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt == out[j].StartedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt < out[j].StartedAt
	})
	return out
}

// Get returns a copy of the task with id.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return copyTask(t), true
}

// evictLocked drops the oldest finished tasks until there is room for
// one more. Caller holds r.mu.
func (r *Registry) evictLocked() {
	for len(r.tasks) >= r.cap {
		evicted := false
		for i, id := range r.order {
			t := r.tasks[id]
			if t != nil && t.Status == TaskRunning {
				continue
			}
			delete(r.tasks, id)
			r.order = append(r.order[:i], r.order[i+1:]...)
			evicted = true
			break
		}
		if !evicted {
			// Everything is running; grow past cap rather than drop a
			// live task.
			return
		}
	}
}

func copyTask(t *Task) Task {
	out := *t
	out.Events = make([]TaskEvent, len(t.Events))
	copy(out.Events, t.Events)
	return out
}
