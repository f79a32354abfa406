package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry is one distilled long-term memory record, typically written by
// a sleep-cycle phase.
type Entry struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Content   string    `json:"content"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// WorkingItem is one key/value slot of per-session working memory.
// Items with an expiry become invisible to reads once it passes and
// are reaped by the sleep cycle's pruning phase.
type WorkingItem struct {
	SessionID string     `json:"sessionId"`
	Key       string     `json:"key"`
	Value     string     `json:"value"`
	UpdatedAt time.Time  `json:"updatedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Pattern is a learned procedural rule: when trigger matches, do
// action. Uses counts how often the rule has been reinforced.
type Pattern struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Trigger   string    `json:"trigger"`
	Action    string    `json:"action"`
	Uses      int       `json:"uses"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Overview summarises the long-term store.
type Overview struct {
	Entries       int            `json:"entries"`
	ByCategory    map[string]int `json:"byCategory"`
	WorkingItems  int            `json:"workingItems"`
	Patterns      int            `json:"patterns"`
	LatestEntryAt *time.Time     `json:"latestEntryAt,omitempty"`
}

// LongTermStore persists distilled memory entries, per-session working
// memory, and learned patterns.
type LongTermStore struct {
	db *sql.DB
}

// NewLongTermStore creates a long-term memory store using the given
// database connection and creates its tables if they do not exist.
func NewLongTermStore(db *sql.DB) (*LongTermStore, error) {
	s := &LongTermStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("long-term migration: %w", err)
	}
	return s, nil
}

func (s *LongTermStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS longterm_entries (
		id         TEXT NOT NULL PRIMARY KEY,
		category   TEXT NOT NULL,
		content    TEXT NOT NULL,
		source     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_longterm_created ON longterm_entries(created_at);
	CREATE INDEX IF NOT EXISTS idx_longterm_category ON longterm_entries(category);

	CREATE TABLE IF NOT EXISTS working_memory (
		session_id TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		expires_at TEXT,
		PRIMARY KEY (session_id, key)
	);

	CREATE TABLE IF NOT EXISTS patterns (
		id         TEXT NOT NULL PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		trigger    TEXT NOT NULL,
		action     TEXT NOT NULL,
		uses       INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	`)
	return err
}

// AddEntry records a distilled memory entry and returns it.
func (s *LongTermStore) AddEntry(ctx context.Context, category, content, source string) (*Entry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("entry id: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO longterm_entries (id, category, content, source, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), category, content, source, now.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}
	return &Entry{
		ID:        id.String(),
		Category:  category,
		Content:   content,
		Source:    source,
		CreatedAt: now,
	}, nil
}

// RecentEntries returns entries created within the last days days,
// newest first. days at or below zero defaults to 3.
func (s *LongTermStore) RecentEntries(ctx context.Context, days int) ([]Entry, error) {
	if days <= 0 {
		days = 3
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, content, source, created_at
		FROM longterm_entries
		WHERE created_at >= ?
		ORDER BY created_at DESC, id DESC
	`, cutoff.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("recent entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Category, &e.Content, &e.Source, &createdAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.CreatedAt = parseStoredTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SetWorking writes or replaces one working memory slot. A ttl at or
// below zero means the item never expires.
func (s *LongTermStore) SetWorking(ctx context.Context, sessionID, key, value string, ttl time.Duration) error {
	now := time.Now().UTC()
	var expires any
	if ttl > 0 {
		expires = now.Add(ttl).Format(timeLayout)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO working_memory (session_id, key, value, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at
	`, sessionID, key, value, now.Format(timeLayout), expires)
	if err != nil {
		return fmt.Errorf("set working memory: %w", err)
	}
	return nil
}

// Working returns the live working memory items for a session, sorted
// by key. Expired items are excluded.
func (s *LongTermStore) Working(ctx context.Context, sessionID string) ([]WorkingItem, error) {
	now := time.Now().UTC().Format(timeLayout)
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, key, value, updated_at, expires_at
		FROM working_memory
		WHERE session_id = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY key
	`, sessionID, now)
	if err != nil {
		return nil, fmt.Errorf("get working memory: %w", err)
	}
	defer rows.Close()

	var out []WorkingItem
	for rows.Next() {
		var w WorkingItem
		var updatedAt string
		var expiresAt sql.NullString
		if err := rows.Scan(&w.SessionID, &w.Key, &w.Value, &updatedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan working memory: %w", err)
		}
		w.UpdatedAt = parseStoredTime(updatedAt)
		if expiresAt.Valid {
			t := parseStoredTime(expiresAt.String)
			w.ExpiresAt = &t
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// PruneWorking deletes expired working memory items and returns how
// many were removed.
func (s *LongTermStore) PruneWorking(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM working_memory
		WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, now.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune working memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// SavePattern inserts a pattern or, when a pattern of the same name
// already exists, updates it and counts one more use.
func (s *LongTermStore) SavePattern(ctx context.Context, name, trigger, action string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("pattern id: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO patterns (id, name, trigger, action, uses, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(name) DO UPDATE SET
			trigger = excluded.trigger,
			action = excluded.action,
			uses = uses + 1,
			updated_at = excluded.updated_at
	`, id.String(), name, trigger, action, time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save pattern: %w", err)
	}
	return nil
}

// Patterns returns all learned patterns, most used first.
func (s *LongTermStore) Patterns(ctx context.Context) ([]Pattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, trigger, action, uses, updated_at
		FROM patterns ORDER BY uses DESC, name
	`)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		var p Pattern
		var updatedAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.Trigger, &p.Action, &p.Uses, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		p.UpdatedAt = parseStoredTime(updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Overview reports aggregate counts across the long-term store.
func (s *LongTermStore) Overview(ctx context.Context) (*Overview, error) {
	o := &Overview{ByCategory: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT category, COUNT(*) FROM longterm_entries GROUP BY category
	`)
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	for rows.Next() {
		var category string
		var n int
		if err := rows.Scan(&category, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan category: %w", err)
		}
		o.ByCategory[category] = n
		o.Entries += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM working_memory`).Scan(&o.WorkingItems); err != nil {
		return nil, fmt.Errorf("count working memory: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM patterns`).Scan(&o.Patterns); err != nil {
		return nil, fmt.Errorf("count patterns: %w", err)
	}

	var latest sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM longterm_entries`).Scan(&latest); err != nil {
		return nil, fmt.Errorf("latest entry: %w", err)
	}
	if latest.Valid {
		t := parseStoredTime(latest.String)
		o.LatestEntryAt = &t
	}
	return o, nil
}
