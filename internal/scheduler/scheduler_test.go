package scheduler

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kenobot/kenobot/internal/bus"
)

func testScheduler(t *testing.T) (*Scheduler, *bus.Bus) {
	t.Helper()
	b := bus.New(testLogger())
	s, err := New(testLogger(), b, filepath.Join(t.TempDir(), "tasks.jsonl"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Stop)
	return s, b
}

func TestAddValidatesCron(t *testing.T) {
	s, _ := testScheduler(t)

	cases := []struct {
		expr string
		ok   bool
	}{
		{"*/5 * * * *", true},
		{"0 9 * * 1-5", true},
		{"61 * * * *", false},
		{"* * * * * *", false}, // six fields
		{"@daily", false},      // descriptors rejected
		{"not a cron", false},
	}
	for _, tc := range cases {
		_, err := s.Add(Task{CronExpr: tc.expr, Message: "m", ChatID: "c", UserID: "u", Channel: "api"})
		if tc.ok && err != nil {
			t.Errorf("Add(%q) failed: %v", tc.expr, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("Add(%q) succeeded, want parse error", tc.expr)
		}
	}
}

func TestAddAssignsIdentity(t *testing.T) {
	s, _ := testScheduler(t)

	task, err := s.Add(Task{CronExpr: "0 9 * * *", Message: "brief", ChatID: "api-1", UserID: "owner", Channel: "api"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if task.ID == "" {
		t.Error("expected generated task ID")
	}
	if task.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
	if s.Size() != 1 {
		t.Errorf("size = %d, want 1", s.Size())
	}
}

func TestRemoveMissingTask(t *testing.T) {
	s, _ := testScheduler(t)

	if err := s.Remove("ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Remove = %v, want ErrTaskNotFound", err)
	}
}

func TestListSortedByCreation(t *testing.T) {
	s, _ := testScheduler(t)

	first, err := s.Add(Task{CronExpr: "0 9 * * *", Message: "a", ChatID: "c", UserID: "u", Channel: "api", CreatedAt: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	second, err := s.Add(Task{CronExpr: "0 9 * * *", Message: "b", ChatID: "c", UserID: "u", Channel: "api"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("got %d tasks, want 2", len(list))
	}
	if list[0].ID != first.ID || list[1].ID != second.ID {
		t.Errorf("list order = [%s %s], want [%s %s]", list[0].ID, list[1].ID, first.ID, second.ID)
	}
}

func TestTasksSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	b := bus.New(testLogger())

	s1, err := New(testLogger(), b, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s1.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	kept, err := s1.Add(Task{CronExpr: "0 9 * * *", Message: "keep", ChatID: "c", UserID: "u", Channel: "api"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	dropped, err := s1.Add(Task{CronExpr: "0 9 * * *", Message: "drop", ChatID: "c", UserID: "u", Channel: "api"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s1.Remove(dropped.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	s1.Stop()

	s2, err := New(testLogger(), b, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s2.Stop()
	if err := s2.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s2.Size() != 1 {
		t.Fatalf("size after restart = %d, want 1", s2.Size())
	}
	if got := s2.Get(kept.ID); got == nil || got.Message != "keep" {
		t.Errorf("restored task = %+v, want the kept one", got)
	}
}

func TestFireInjectsIncomingMessage(t *testing.T) {
	s, b := testScheduler(t)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := make(chan bus.Signal, 1)
	b.On(bus.TypeIncomingMessage, func(sig bus.Signal) {
		got <- sig
	})

	task, err := s.Add(Task{CronExpr: "0 9 * * *", Message: "morning brief", ChatID: "api-owner", UserID: "owner", Channel: "api"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.onFire(task.ID)

	select {
	case sig := <-got:
		if sig.Source != "scheduler" {
			t.Errorf("source = %q, want scheduler", sig.Source)
		}
		if sig.Str("text") != "morning brief" {
			t.Errorf("text = %q, want morning brief", sig.Str("text"))
		}
		if sig.Str("chatId") != "api-owner" || sig.Str("userId") != "owner" || sig.Str("channel") != "api" {
			t.Errorf("identity = %s/%s/%s, want api-owner/owner/api",
				sig.Str("chatId"), sig.Str("userId"), sig.Str("channel"))
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fired signal")
	}

	// The task must be rearmed for its next occurrence.
	s.mu.Lock()
	_, rearmed := s.timers[task.ID]
	s.mu.Unlock()
	if !rearmed {
		t.Error("expected timer to be rearmed after fire")
	}
}

func TestFireBypassesMiddleware(t *testing.T) {
	s, b := testScheduler(t)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	b.Use(func(sig *bus.Signal) bool { return false }) // inhibit everything

	got := make(chan bus.Signal, 1)
	b.On(bus.TypeIncomingMessage, func(sig bus.Signal) {
		got <- sig
	})

	task, err := s.Add(Task{CronExpr: "0 9 * * *", Message: "m", ChatID: "c", UserID: "u", Channel: "api"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.onFire(task.ID)

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("scheduled fire was inhibited by middleware")
	}
}

func TestNoFireAfterStop(t *testing.T) {
	s, b := testScheduler(t)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	task, err := s.Add(Task{CronExpr: "0 9 * * *", Message: "m", ChatID: "c", UserID: "u", Channel: "api"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	got := make(chan bus.Signal, 1)
	b.On(bus.TypeIncomingMessage, func(sig bus.Signal) {
		got <- sig
	})

	s.Stop()
	s.onFire(task.ID)

	select {
	case <-got:
		t.Fatal("task fired after Stop")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s, _ := testScheduler(t)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
	s.Stop()
}
