package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// titleMaxRunes caps conversation titles derived from the first user
// message.
const titleMaxRunes = 60

// Conversation is one chat session. Sessions originating from a
// transport carry prefixed IDs (api-<id>, webhook-<id>, relay-<id>);
// transient webhook sessions use a bare UUID.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Message is a single turn within a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ConversationStore persists conversations and their messages.
type ConversationStore struct {
	db *sql.DB
}

// NewConversationStore creates a conversation store using the given
// database connection and creates its tables if they do not exist.
func NewConversationStore(db *sql.DB) (*ConversationStore, error) {
	s := &ConversationStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("conversation migration: %w", err)
	}
	return s, nil
}

func (s *ConversationStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS conversations (
		id            TEXT NOT NULL PRIMARY KEY,
		title         TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT NOT NULL PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
	`)
	return err
}

// Create ensures a conversation with the given ID exists and returns
// it. Creating an existing conversation is a no-op.
func (s *ConversationStore) Create(ctx context.Context, id string) (*Conversation, error) {
	ts := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (id, title, message_count, created_at, updated_at)
		VALUES (?, '', 0, ?, ?)
	`, id, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return s.Get(ctx, id)
}

// AppendMessage records one turn, creating the conversation on first
// use. The first user message seeds the conversation title.
func (s *ConversationStore) AppendMessage(ctx context.Context, conversationID, role, content string) (*Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	now := time.Now().UTC()
	ts := now.Format(timeLayout)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO conversations (id, title, message_count, created_at, updated_at)
		VALUES (?, '', 0, ?, ?)
	`, conversationID, ts, ts); err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), conversationID, role, content, ts); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = message_count + 1,
		    updated_at = ?,
		    title = CASE WHEN title = '' AND ? = 'user' THEN ? ELSE title END
		WHERE id = ?
	`, ts, role, titleSnippet(content), conversationID); err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &Message{
		ID:             id.String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}, nil
}

// Get returns a conversation by ID, or [ErrNotFound].
func (s *ConversationStore) Get(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, message_count, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id).Scan(&c.ID, &c.Title, &c.MessageCount, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	c.CreatedAt = parseStoredTime(createdAt)
	c.UpdatedAt = parseStoredTime(updatedAt)
	return &c, nil
}

// List returns all conversations, most recently active first.
func (s *ConversationStore) List(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, message_count, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// UpdatedSince returns conversations whose last activity is at or
// after t, most recent first. The sleep cycle uses this to pick the
// sessions worth consolidating.
func (s *ConversationStore) UpdatedSince(ctx context.Context, t time.Time) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, message_count, created_at, updated_at
		FROM conversations WHERE updated_at >= ? ORDER BY updated_at DESC, id
	`, t.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

func scanConversations(rows *sql.Rows) ([]Conversation, error) {
	var out []Conversation
	for rows.Next() {
		var c Conversation
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.Title, &c.MessageCount, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.CreatedAt = parseStoredTime(createdAt)
		c.UpdatedAt = parseStoredTime(updatedAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Messages returns up to limit messages of a conversation in
// chronological order. When more exist, the most recent ones win.
func (s *ConversationStore) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = parseStoredTime(createdAt)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query order is newest-first so LIMIT keeps the recent tail.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Delete removes a conversation and all of its messages. It returns
// [ErrNotFound] when the conversation does not exist.
func (s *ConversationStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return tx.Commit()
}

// DeleteTransientBefore removes transient conversations (bare-UUID
// IDs, as minted for webhook calls without a chat_id) whose last
// activity is older than cutoff. It returns how many were removed.
func (s *ConversationStore) DeleteTransientBefore(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM conversations WHERE updated_at < ?
	`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("scan stale conversations: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan id: %w", err)
		}
		if isBareUUID(id) {
			stale = append(stale, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range stale {
		if err := s.Delete(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Counts reports the number of conversations and messages stored.
func (s *ConversationStore) Counts(ctx context.Context) (conversations, messages int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&conversations); err != nil {
		return 0, 0, fmt.Errorf("count conversations: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&messages); err != nil {
		return 0, 0, fmt.Errorf("count messages: %w", err)
	}
	return conversations, messages, nil
}

// titleSnippet derives a conversation title from message content:
// whitespace collapsed, capped at titleMaxRunes.
func titleSnippet(content string) string {
	t := strings.Join(strings.Fields(content), " ")
	r := []rune(t)
	if len(r) > titleMaxRunes {
		return string(r[:titleMaxRunes])
	}
	return t
}

// isBareUUID reports whether id is a canonical dashed UUID, the shape
// of transient webhook session IDs.
func isBareUUID(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func parseStoredTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
