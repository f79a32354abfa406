package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// AuditTrail appends each dispatched signal as one JSON line to a file.
// Writes are best-effort: a failing disk degrades to a single logged
// warning rather than failing the bus.
type AuditTrail struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	f      *os.File
	warned bool
}

// NewAuditTrail opens (creating if needed) the audit file at path.
func NewAuditTrail(path string, logger *slog.Logger) (*AuditTrail, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &AuditTrail{path: path, logger: logger, f: f}, nil
}

// Record serializes sig and appends it.
func (a *AuditTrail) Record(sig Signal) {
	data, err := json.Marshal(sig)
	if err != nil {
		a.mu.Lock()
		a.warnOnceLocked("audit marshal failed", err)
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return
	}
	if _, err := a.f.Write(append(data, '\n')); err != nil {
		a.warnOnceLocked("audit write failed", err)
	}
}

// Path returns the audit file location.
func (a *AuditTrail) Path() string {
	return a.path
}

// Close flushes and closes the audit file. Records after Close are
// dropped.
func (a *AuditTrail) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

// warnOnceLocked logs the first failure only. Caller holds a.mu.
func (a *AuditTrail) warnOnceLocked(msg string, err error) {
	if a.warned {
		return
	}
	a.warned = true
	a.logger.Warn(msg+"; further errors suppressed", "path", a.path, "error", err)
}
