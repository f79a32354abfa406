package sleep

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// writeProposal saves a report under <dataDir>/sleep/proposals and
// returns its path. Filenames are UTC timestamps so the directory
// listing sorts chronologically.
func (s *Supervisor) writeProposal(content string, now time.Time) (string, error) {
	dir := filepath.Join(s.cfg.DataDir, "sleep", "proposals")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create proposals dir: %w", err)
	}
	path := filepath.Join(dir, now.UTC().Format("20060102T150405Z")+".md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write proposal: %w", err)
	}
	return path, nil
}
