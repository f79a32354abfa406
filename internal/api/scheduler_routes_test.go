package api

import (
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kenobot/kenobot/internal/scheduler"
)

func newSchedulerEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnv(t, func(_ *Config, deps *Deps) {
		sched, err := scheduler.New(testLogger(), deps.Bus, filepath.Join(t.TempDir(), "journal.jsonl"))
		if err != nil {
			t.Fatalf("scheduler: %v", err)
		}
		deps.Scheduler = sched
	})
}

func TestSchedulerAddListRemove(t *testing.T) {
	env := newSchedulerEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/scheduler", testAPIKey,
		`{"cron":"0 9 * * 1-5","message":"stand-up time","description":"weekday nudge"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add status = %d, want 201 (body %s)", w.Code, w.Body.String())
	}
	data, _, _ := envelope(t, w)
	id, _ := data["id"].(string)
	if id == "" {
		t.Fatal("add returned no id")
	}

	w = env.do(t, http.MethodGet, "/api/v1/scheduler", testAPIKey, "")
	data, _, _ = envelope(t, w)
	if count, _ := data["count"].(float64); count != 1 {
		t.Fatalf("list count = %v, want 1", data["count"])
	}
	tasks, _ := data["tasks"].([]any)
	task, _ := tasks[0].(map[string]any)
	if task["chatId"] != "api-scheduler" {
		t.Errorf("default chatId = %v, want api-scheduler", task["chatId"])
	}
	if task["userId"] != "scheduler" {
		t.Errorf("default userId = %v, want scheduler", task["userId"])
	}
	if task["channel"] != "api" {
		t.Errorf("default channel = %v, want api", task["channel"])
	}

	w = env.do(t, http.MethodDelete, "/api/v1/scheduler/"+id, testAPIKey, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("remove status = %d, want 204", w.Code)
	}
	w = env.do(t, http.MethodDelete, "/api/v1/scheduler/"+id, testAPIKey, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("second remove status = %d, want 404", w.Code)
	}
}

func TestSchedulerAddRejectsBadInput(t *testing.T) {
	env := newSchedulerEnv(t)

	cases := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"missing cron", `{"message":"hi"}`, codeMissingField},
		{"missing message", `{"cron":"* * * * *"}`, codeMissingField},
		{"bad cron", `{"cron":"not a cron","message":"hi"}`, codeInvalidCron},
		{"six fields", `{"cron":"* * * * * *","message":"hi"}`, codeInvalidCron},
		{"bad json", `{nope`, codeInvalidBody},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/scheduler", testAPIKey, tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			_, errBody, _ := envelope(t, w)
			if errBody["code"] != tc.wantCode {
				t.Errorf("code = %v, want %s", errBody["code"], tc.wantCode)
			}
		})
	}
}

// The cron parser's own message reaches the caller so bad expressions
// are debuggable without reading server logs.
func TestSchedulerAddSurfacesParserError(t *testing.T) {
	env := newSchedulerEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/scheduler", testAPIKey,
		`{"cron":"61 * * * *","message":"hi"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	_, errBody, _ := envelope(t, w)
	msg, _ := errBody["message"].(string)
	if !strings.Contains(msg, "61") {
		t.Errorf("message = %q, want the parser's own description", msg)
	}
}
