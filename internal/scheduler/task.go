// Package scheduler fires recurring messages into the signal bus on
// cron schedules. Tasks persist in an append-only journal so they
// survive restarts; occurrences missed while the daemon was down are
// not backfilled.
package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts exactly five fields: minute, hour, day of month,
// month, day of week. No seconds column, no @descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Task is one recurring scheduled message. When its cron expression
// fires, Message is injected on the bus as if UserID had sent it on
// Channel.
type Task struct {
	ID          string    `json:"id"`
	CronExpr    string    `json:"cronExpr"`
	Message     string    `json:"message"`
	Description string    `json:"description,omitempty"`
	ChatID      string    `json:"chatId"`
	UserID      string    `json:"userId"`
	Channel     string    `json:"channel"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ParseCron validates a five-field cron expression, returning the
// parser's error verbatim on failure.
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// NextRun returns the task's next fire time strictly after now, or
// false when the expression does not parse.
func (t *Task) NextRun(now time.Time) (time.Time, bool) {
	sched, err := cronParser.Parse(t.CronExpr)
	if err != nil {
		return time.Time{}, false
	}
	return sched.Next(now), true
}
