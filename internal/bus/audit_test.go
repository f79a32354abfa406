package bus

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAuditTrailRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bus-audit.jsonl")

	b := New(testLogger())
	if err := b.EnableAudit(path); err != nil {
		t.Fatalf("EnableAudit: %v", err)
	}
	defer b.Close()

	want, _ := b.Fire(Signal{
		Type:    TypeIncomingMessage,
		Source:  "webhook",
		Payload: map[string]any{"chatId": "webhook-7", "text": "hello there"},
	})

	if trail := b.AuditTrail(); trail == nil {
		t.Fatal("AuditTrail() = nil after EnableAudit")
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("audit file is empty")
	}

	var got Signal
	if err := json.Unmarshal(scanner.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal audit line: %v", err)
	}
	if got.Type != want.Type {
		t.Errorf("type = %q, want %q", got.Type, want.Type)
	}
	if got.Source != want.Source {
		t.Errorf("source = %q, want %q", got.Source, want.Source)
	}
	if got.TraceID != want.TraceID {
		t.Errorf("traceId = %q, want %q", got.TraceID, want.TraceID)
	}
	if got.Timestamp != want.Timestamp {
		t.Errorf("timestamp = %d, want %d", got.Timestamp, want.Timestamp)
	}
	if got.Str("text") != "hello there" {
		t.Errorf("payload text = %q, want %q", got.Str("text"), "hello there")
	}
}

func TestAuditTrailDisabledByDefault(t *testing.T) {
	b := New(testLogger())
	if trail := b.AuditTrail(); trail != nil {
		t.Errorf("AuditTrail() = %v, want nil", trail)
	}
	// Firing without a trail must not panic.
	b.Fire(Signal{Type: TypeError, Source: "test"})
}

func TestAuditTrailRecordsEmit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	b := New(testLogger())
	if err := b.EnableAudit(path); err != nil {
		t.Fatalf("EnableAudit: %v", err)
	}

	b.Emit(Signal{Type: TypeIncomingMessage, Source: "scheduler"})
	b.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if len(data) == 0 {
		t.Error("Emit was not recorded")
	}
}

func TestAuditTrailInhibitedNotRecorded(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")

	b := New(testLogger())
	if err := b.EnableAudit(path); err != nil {
		t.Fatalf("EnableAudit: %v", err)
	}
	b.Use(func(*Signal) bool { return false })

	b.Fire(Signal{Type: TypeIncomingMessage, Source: "test"})
	b.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("inhibited signal was recorded: %q", data)
	}
}
