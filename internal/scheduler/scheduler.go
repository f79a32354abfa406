package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kenobot/kenobot/internal/bus"
)

// ErrTaskNotFound is returned when removing a task that does not exist.
var ErrTaskNotFound = errors.New("task not found")

// Scheduler owns the live task table and one timer per task. Fired
// tasks are injected with the bus's low-level Emit so middleware never
// rewrites synthetic messages.
type Scheduler struct {
	logger  *slog.Logger
	bus     *bus.Bus
	journal *Journal

	mu      sync.Mutex
	tasks   map[string]*Task
	timers  map[string]*time.Timer
	running bool
	wg      sync.WaitGroup
}

// New creates a scheduler journaling to journalPath.
func New(logger *slog.Logger, b *bus.Bus, journalPath string) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	journal, err := OpenJournal(journalPath, logger)
	if err != nil {
		return nil, err
	}
	return &Scheduler{
		logger:  logger,
		bus:     b,
		journal: journal,
		tasks:   make(map[string]*Task),
		timers:  make(map[string]*time.Timer),
	}, nil
}

// Start loads the journal and arms a timer for every task. Calling
// Start on a running scheduler is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := s.LoadTasks(); err != nil {
		return err
	}
	s.logger.Info("scheduler started", "tasks", s.Size())
	return nil
}

// Stop cancels all timers, waits for in-flight fires, and closes the
// journal. The journal closes even when the scheduler never started;
// calling Stop twice is safe.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	running := s.running
	s.running = false
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	if err := s.journal.Close(); err != nil {
		s.logger.Warn("journal close failed", "error", err)
	}
	if running {
		s.logger.Info("scheduler stopped")
	}
}

// LoadTasks replaces the live table with the journal's contents and,
// when running, rearms every timer. Occurrences missed while the
// daemon was down are not replayed; only future fire times are armed.
func (s *Scheduler) LoadTasks() error {
	tasks, err := s.journal.Replay()
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	s.mu.Lock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.tasks = tasks
	s.mu.Unlock()

	for _, task := range tasks {
		s.arm(task)
	}
	return nil
}

// Add validates, persists, and arms a new task. The cron parse error
// is returned verbatim so callers can surface it.
func (s *Scheduler) Add(task Task) (*Task, error) {
	if _, err := ParseCron(task.CronExpr); err != nil {
		return nil, err
	}
	if task.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("task id: %w", err)
		}
		task.ID = id.String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	if err := s.journal.AppendAdd(&task); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.tasks[task.ID] = &task
	s.mu.Unlock()

	s.arm(&task)
	s.logger.Info("task added",
		"id", task.ID,
		"cron", task.CronExpr,
		"chat_id", task.ChatID,
	)
	return &task, nil
}

// Remove tombstones a task and cancels its timer. It returns
// [ErrTaskNotFound] for unknown IDs.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	_, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}

	if err := s.journal.AppendRemove(id); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.tasks, id)
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.logger.Info("task removed", "id", id)
	return nil
}

// Get returns a task by ID, or nil.
func (s *Scheduler) Get(id string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

// List returns all tasks ordered by creation time.
func (s *Scheduler) List() []*Task {
	s.mu.Lock()
	out := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Size returns the number of live tasks.
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// arm schedules the next fire of a task. No timer is set when the
// scheduler is stopped; Start rearms from the journal.
func (s *Scheduler) arm(task *Task) {
	next, ok := task.NextRun(time.Now())
	if !ok {
		s.logger.Warn("task has unparseable schedule", "id", task.ID, "cron", task.CronExpr)
		return
	}
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if timer, ok := s.timers[task.ID]; ok {
		timer.Stop()
	}
	id := task.ID
	s.timers[id] = time.AfterFunc(delay, func() { s.onFire(id) })
	s.logger.Debug("task armed",
		"id", task.ID,
		"next", next.Format(time.RFC3339),
	)
}

// onFire injects the task's message on the bus and rearms the timer.
func (s *Scheduler) onFire(taskID string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	task, ok := s.tasks[taskID]
	delete(s.timers, taskID)
	s.mu.Unlock()
	defer s.wg.Done()

	if !ok {
		return
	}

	s.logger.Info("scheduled task firing",
		"id", task.ID,
		"chat_id", task.ChatID,
		"description", task.Description,
	)
	s.bus.Emit(bus.Signal{
		Type:   bus.TypeIncomingMessage,
		Source: "scheduler",
		Payload: map[string]any{
			"text":    task.Message,
			"chatId":  task.ChatID,
			"userId":  task.UserID,
			"channel": task.Channel,
		},
	})

	s.arm(task)
}
