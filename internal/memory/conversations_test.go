package memory

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func setupConversationStore(t *testing.T) *ConversationStore {
	t.Helper()
	s, err := NewConversationStore(setupTestDB(t))
	if err != nil {
		t.Fatalf("NewConversationStore: %v", err)
	}
	return s
}

func TestAppendMessageCreatesConversation(t *testing.T) {
	s := setupConversationStore(t)
	ctx := context.Background()

	msg, err := s.AppendMessage(ctx, "api-alpha", "user", "hello there")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if msg.ID == "" {
		t.Error("expected message ID to be set")
	}
	if msg.ConversationID != "api-alpha" {
		t.Errorf("conversation ID = %q, want api-alpha", msg.ConversationID)
	}

	conv, err := s.Get(ctx, "api-alpha")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conv.MessageCount != 1 {
		t.Errorf("message count = %d, want 1", conv.MessageCount)
	}
	if conv.Title != "hello there" {
		t.Errorf("title = %q, want %q", conv.Title, "hello there")
	}
}

func TestTitleComesFromFirstUserMessage(t *testing.T) {
	s := setupConversationStore(t)
	ctx := context.Background()

	if _, err := s.AppendMessage(ctx, "c1", "assistant", "how can I help?"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := s.AppendMessage(ctx, "c1", "user", "first question"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := s.AppendMessage(ctx, "c1", "user", "second question"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	conv, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conv.Title != "first question" {
		t.Errorf("title = %q, want %q", conv.Title, "first question")
	}
	if conv.MessageCount != 3 {
		t.Errorf("message count = %d, want 3", conv.MessageCount)
	}
}

func TestTitleTruncatedAndCollapsed(t *testing.T) {
	s := setupConversationStore(t)
	ctx := context.Background()

	long := strings.Repeat("word ", 30) // 150 chars
	if _, err := s.AppendMessage(ctx, "c1", "user", long); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	conv, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := len([]rune(conv.Title)); got != titleMaxRunes {
		t.Errorf("title length = %d runes, want %d", got, titleMaxRunes)
	}

	if _, err := s.AppendMessage(ctx, "c2", "user", "  lines\nand\ttabs  "); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	conv, err = s.Get(ctx, "c2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conv.Title != "lines and tabs" {
		t.Errorf("title = %q, want %q", conv.Title, "lines and tabs")
	}
}

func TestMessagesReturnsRecentTailInOrder(t *testing.T) {
	s := setupConversationStore(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three", "four", "five"} {
		if _, err := s.AppendMessage(ctx, "c1", "user", text); err != nil {
			t.Fatalf("AppendMessage(%s): %v", text, err)
		}
	}

	msgs, err := s.Messages(ctx, "c1", 2)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "four" || msgs[1].Content != "five" {
		t.Errorf("got [%s %s], want [four five]", msgs[0].Content, msgs[1].Content)
	}
}

func TestGetMissingConversation(t *testing.T) {
	s := setupConversationStore(t)

	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestCreateIsIdempotent(t *testing.T) {
	s := setupConversationStore(t)
	ctx := context.Background()

	first, err := s.Create(ctx, "c1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := s.Create(ctx, "c1")
	if err != nil {
		t.Fatalf("Create again: %v", err)
	}
	if !first.CreatedAt.Equal(second.CreatedAt) {
		t.Errorf("created_at changed on repeat create: %v vs %v", first.CreatedAt, second.CreatedAt)
	}

	convs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(convs) != 1 {
		t.Errorf("got %d conversations, want 1", len(convs))
	}
}

func TestListOrdersByRecency(t *testing.T) {
	s := setupConversationStore(t)
	ctx := context.Background()

	if _, err := s.AppendMessage(ctx, "older", "user", "a"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := s.AppendMessage(ctx, "newer", "user", "b"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := s.AppendMessage(ctx, "older", "user", "c"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	convs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].ID != "older" {
		t.Errorf("most recent = %q, want older", convs[0].ID)
	}
}

func TestDeleteRemovesConversationAndMessages(t *testing.T) {
	s := setupConversationStore(t)
	ctx := context.Background()

	if _, err := s.AppendMessage(ctx, "c1", "user", "hello"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := s.Delete(ctx, "c1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := s.Get(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	msgs, err := s.Messages(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages after delete, want 0", len(msgs))
	}

	if err := s.Delete(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestUpdatedSince(t *testing.T) {
	s := setupConversationStore(t)
	ctx := context.Background()

	if _, err := s.AppendMessage(ctx, "c1", "user", "a"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	mark := time.Now()
	if _, err := s.AppendMessage(ctx, "c2", "user", "b"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	convs, err := s.UpdatedSince(ctx, mark)
	if err != nil {
		t.Fatalf("UpdatedSince: %v", err)
	}
	if len(convs) != 1 || convs[0].ID != "c2" {
		t.Errorf("got %v, want just c2", convs)
	}
}

func TestDeleteTransientBefore(t *testing.T) {
	s := setupConversationStore(t)
	ctx := context.Background()

	transient := uuid.NewString()
	if _, err := s.AppendMessage(ctx, transient, "user", "one-shot"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := s.AppendMessage(ctx, "webhook-42", "user", "persistent"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	cutoff := time.Now().Add(time.Second)
	fresh := uuid.NewString()
	if _, err := s.AppendMessage(ctx, fresh, "user", "too new"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	// The fresh transient conversation sits after the cutoff only if
	// its timestamp does; push it there explicitly.
	future := time.Now().Add(time.Minute).UTC().Format(timeLayout)
	if _, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, future, fresh); err != nil {
		t.Fatalf("adjust timestamp: %v", err)
	}

	removed, err := s.DeleteTransientBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteTransientBefore: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if _, err := s.Get(ctx, transient); !errors.Is(err, ErrNotFound) {
		t.Errorf("transient conversation survived pruning: %v", err)
	}
	if _, err := s.Get(ctx, "webhook-42"); err != nil {
		t.Errorf("persistent conversation pruned: %v", err)
	}
	if _, err := s.Get(ctx, fresh); err != nil {
		t.Errorf("fresh transient conversation pruned: %v", err)
	}
}

func TestCounts(t *testing.T) {
	s := setupConversationStore(t)
	ctx := context.Background()

	if _, err := s.AppendMessage(ctx, "c1", "user", "a"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := s.AppendMessage(ctx, "c1", "assistant", "b"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := s.AppendMessage(ctx, "c2", "user", "c"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	convs, msgs, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if convs != 2 || msgs != 3 {
		t.Errorf("counts = (%d, %d), want (2, 3)", convs, msgs)
	}
}
