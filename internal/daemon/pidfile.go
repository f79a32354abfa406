package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
)

// writePIDFile records the current process id at path so operators and
// service managers can find the running daemon.
func writePIDFile(path string) error {
	pid := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(path, []byte(pid), 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// removePIDFile deletes the pid file. A missing file is not an error.
func removePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}
