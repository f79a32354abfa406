package scheduler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal ops.
const (
	opAdd    = "add"
	opRemove = "remove"
)

// journalRecord is one line of the task journal.
type journalRecord struct {
	Op   string    `json:"op"`
	Task *Task     `json:"task,omitempty"`
	ID   string    `json:"id,omitempty"`
	At   time.Time `json:"at"`
}

// Journal persists tasks as an append-only JSONL file. Adds carry the
// full task; removals are tombstones. The live table is rebuilt by
// replaying the file front to back, and the file is compacted when
// tombstones outnumber live tasks.
type Journal struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
	f  *os.File
}

// OpenJournal opens (creating if needed) the journal at path.
func OpenJournal(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{path: path, logger: logger, f: f}, nil
}

// AppendAdd records a task addition.
func (j *Journal) AppendAdd(task *Task) error {
	return j.append(journalRecord{Op: opAdd, Task: task, At: time.Now().UTC()})
}

// AppendRemove records a task removal tombstone.
func (j *Journal) AppendRemove(id string) error {
	return j.append(journalRecord{Op: opRemove, ID: id, At: time.Now().UTC()})
}

func (j *Journal) append(rec journalRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return fmt.Errorf("journal closed")
	}
	if _, err := j.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append journal record: %w", err)
	}
	return nil
}

// Replay rebuilds the live task table from the journal. Malformed
// lines (a crash can truncate the final record) are skipped with a
// warning. When tombstones dominate, the file is rewritten to just the
// live tasks.
func (j *Journal) Replay() (map[string]*Task, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.path)
	if err != nil {
		return nil, fmt.Errorf("open journal for replay: %w", err)
	}
	defer f.Close()

	tasks := make(map[string]*Task)
	tombstones := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			j.logger.Warn("skipping malformed journal line",
				"path", j.path,
				"error", err,
			)
			continue
		}
		switch rec.Op {
		case opAdd:
			if rec.Task != nil && rec.Task.ID != "" {
				tasks[rec.Task.ID] = rec.Task
			}
		case opRemove:
			if _, ok := tasks[rec.ID]; ok {
				delete(tasks, rec.ID)
				tombstones++
			}
		default:
			j.logger.Warn("skipping unknown journal op", "op", rec.Op)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}

	if tombstones >= 8 && tombstones >= len(tasks) {
		if err := j.compactLocked(tasks); err != nil {
			j.logger.Warn("journal compaction failed", "error", err)
		}
	}
	return tasks, nil
}

// compactLocked rewrites the journal to contain only the live tasks.
// Caller holds j.mu.
func (j *Journal) compactLocked(tasks map[string]*Task) error {
	tmp := j.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create compact file: %w", err)
	}
	for _, task := range tasks {
		line, err := json.Marshal(journalRecord{Op: opAdd, Task: task, At: time.Now().UTC()})
		if err != nil {
			f.Close()
			return fmt.Errorf("marshal task: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("write compact file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close compact file: %w", err)
	}

	if j.f != nil {
		j.f.Close()
		j.f = nil
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("swap journal: %w", err)
	}
	nf, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reopen journal: %w", err)
	}
	j.f = nf
	j.logger.Info("journal compacted", "path", j.path, "tasks", len(tasks))
	return nil
}

// Path returns the journal file location.
func (j *Journal) Path() string {
	return j.path
}

// Close releases the journal's file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}
