// Package tempfile tracks temporary files owned by a single bridge invocation.
package tempfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Prefix is put in front of every temp file name so the janitor can find
// leftovers from crashed invocations.
const Prefix = "clibridge-"

// Queue collects paths to remove once an invocation is over. It is safe for
// concurrent use; Cleanup runs at most once and later registrations are
// removed immediately.
type Queue struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	paths   []string
	cleaned bool
}

// NewQueue creates a queue whose files are created under dir (os.TempDir when empty).
func NewQueue(dir string, log *slog.Logger) *Queue {
	if dir == "" {
		dir = os.TempDir()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{dir: dir, logger: log}
}

// Dir returns the directory temp files are created in.
func (q *Queue) Dir() string {
	return q.dir
}

// Write creates a new temp file with the given name pattern suffix, writes data
// to it and registers it for cleanup. The pattern follows os.CreateTemp.
func (q *Queue) Write(pattern string, data []byte) (string, error) {
	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	f, err := os.CreateTemp(q.dir, Prefix+pattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	q.Add(path)
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

// Add registers an existing path for cleanup.
func (q *Queue) Add(path string) {
	q.mu.Lock()
	if q.cleaned {
		q.mu.Unlock()
		q.remove(path)
		return
	}
	q.paths = append(q.paths, path)
	q.mu.Unlock()
}

// Paths returns a snapshot of the registered paths.
func (q *Queue) Paths() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.paths...)
}

// Cleanup removes every registered file. Missing files are ignored.
func (q *Queue) Cleanup() {
	q.mu.Lock()
	if q.cleaned {
		q.mu.Unlock()
		return
	}
	q.cleaned = true
	paths := q.paths
	q.paths = nil
	q.mu.Unlock()

	for _, p := range paths {
		q.remove(p)
	}
}

func (q *Queue) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		q.logger.Warn("remove temp file failed", slog.String("path", path), slog.Any("error", err))
	}
}
