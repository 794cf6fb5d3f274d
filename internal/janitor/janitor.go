// Package janitor periodically removes temp files left behind by invocations
// that never reached cleanup, and compacts stores that need it.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/memohai/clibridge/internal/config"
	"github.com/memohai/clibridge/internal/tempfile"
)

// Collector is implemented by stores with a periodic compaction step.
type Collector interface {
	RunGC()
}

type Janitor struct {
	dir        string
	maxAge     time.Duration
	schedule   string
	collectors []Collector
	cron       *cron.Cron
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a janitor sweeping tempDir (os.TempDir when empty). Values of
// collectors that do not implement Collector are ignored.
func New(log *slog.Logger, cfg config.JanitorConfig, tempDir string, collectors ...any) *Janitor {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	schedule := strings.TrimSpace(cfg.Schedule)
	if schedule == "" {
		schedule = config.DefaultJanitorSchedule
	}
	maxAge := cfg.MaxAge.Duration
	if maxAge <= 0 {
		maxAge = config.DefaultJanitorMaxAge
	}
	j := &Janitor{
		dir:      tempDir,
		maxAge:   maxAge,
		schedule: schedule,
		now:      time.Now,
		logger:   log.With(slog.String("service", "janitor")),
	}
	for _, c := range collectors {
		if gc, ok := c.(Collector); ok {
			j.collectors = append(j.collectors, gc)
		}
	}
	return j
}

// Start schedules the sweep. It fails on an invalid schedule expression.
func (j *Janitor) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, j.run); err != nil {
		return fmt.Errorf("janitor schedule %q: %w", j.schedule, err)
	}
	c.Start()
	j.cron = c
	j.logger.Info("janitor started", slog.String("schedule", j.schedule), slog.String("dir", j.dir), slog.Duration("max_age", j.maxAge))
	return nil
}

// Stop waits for a running sweep to finish or ctx to expire.
func (j *Janitor) Stop(ctx context.Context) error {
	if j.cron == nil {
		return nil
	}
	select {
	case <-j.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Janitor) run() {
	if _, err := j.Sweep(); err != nil {
		j.logger.Warn("temp sweep failed", slog.Any("error", err))
	}
	for _, c := range j.collectors {
		c.RunGC()
	}
}

// Sweep removes temp files older than the configured age and returns how many
// were removed. A missing directory is not an error.
func (j *Janitor) Sweep() (int, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read temp dir: %w", err)
	}
	cutoff := j.now().Add(-j.maxAge)
	removed := 0
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), tempfile.Prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(j.dir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		j.logger.Info("removed stale temp files", slog.Int("count", removed))
	}
	return removed, errors.Join(errs...)
}
