package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kenobot/kenobot/internal/defaults"
)

// runInit handles the "kenobot init" subcommand. It prepares dir for a
// first run: a starter config.yaml plus the data directory the daemon
// writes into. Existing files are never touched, so re-running init on
// a configured installation is safe.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	created, err := writeIfMissing(cfgPath, defaults.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(w, "created %s\n", cfgPath)
	} else {
		fmt.Fprintf(w, "kept existing %s\n", cfgPath)
	}

	fmt.Fprintln(w, "Edit config.yaml, then start the daemon with: kenobot serve")
	return nil
}

// writeIfMissing writes content to path unless the file already
// exists. It reports whether a new file was written. The config file
// carries secrets, hence the restrictive default mode.
func writeIfMissing(path string, content []byte, mode os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
