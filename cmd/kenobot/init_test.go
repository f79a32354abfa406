package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/kenobot/kenobot/internal/config"
)

// clearUmask sets the process umask to 0 so file permission assertions
// are deterministic. It restores the original umask when the test
// completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "data"))
	if err != nil {
		t.Errorf("expected data directory: %v", err)
	} else if !info.IsDir() {
		t.Error("data is not a directory")
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	cfgInfo, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := cfgInfo.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}

	// The starter file must parse and validate as-is so a fresh
	// install can go straight to "kenobot serve".
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("starter config does not load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("starter config does not validate: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "created") {
		t.Error("output missing created marker")
	}
	if !strings.Contains(out, "config.yaml") {
		t.Error("output missing config.yaml")
	}
	if !strings.Contains(out, "kenobot serve") {
		t.Error("output missing next-step hint")
	}
}

func TestRunInit_KeepsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer

	// Simulate a configured installation.
	sentinel := []byte("# hand-edited, do not overwrite\n")
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, sentinel, 0o600); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	if !strings.Contains(buf.String(), "kept existing") {
		t.Error("output missing kept-existing marker")
	}

	got, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatalf("read config.yaml: %v", err)
	}
	if !bytes.Equal(got, sentinel) {
		t.Errorf("config.yaml was overwritten: %q", got)
	}
}

func TestWriteIfMissing(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()

	path := filepath.Join(dir, "fresh.txt")
	created, err := writeIfMissing(path, []byte("hello"), 0o600)
	if err != nil {
		t.Fatalf("writeIfMissing failed: %v", err)
	}
	if !created {
		t.Error("expected created=true for a new file")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat new file: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Errorf("permissions = %o, want 0600", got)
	}

	created, err = writeIfMissing(path, []byte("other"), 0o600)
	if err != nil {
		t.Fatalf("second writeIfMissing failed: %v", err)
	}
	if created {
		t.Error("expected created=false for an existing file")
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("existing file was rewritten: %q", got)
	}
}
