package janitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/clibridge/internal/config"
	"github.com/memohai/clibridge/internal/logger"
	"github.com/memohai/clibridge/internal/tempfile"
)

type countingCollector struct{ runs int }

func (c *countingCollector) RunGC() { c.runs++ }

func touch(t *testing.T, dir, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	mod := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mod, mod))
	return path
}

func TestSweep_RemovesOnlyStalePrefixedFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	stale := touch(t, dir, tempfile.Prefix+"system-1.md", time.Hour)
	fresh := touch(t, dir, tempfile.Prefix+"settings-2.json", time.Minute)
	foreign := touch(t, dir, "other-3.txt", time.Hour)
	require.NoError(t, os.Mkdir(filepath.Join(dir, tempfile.Prefix+"dir"), 0o755))

	j := New(logger.Discard(), config.JanitorConfig{MaxAge: config.Duration{Duration: 30 * time.Minute}}, dir)
	removed, err := j.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, foreign)
	assert.DirExists(t, filepath.Join(dir, tempfile.Prefix+"dir"))
}

func TestSweep_MissingDir(t *testing.T) {
	t.Parallel()

	j := New(logger.Discard(), config.JanitorConfig{}, filepath.Join(t.TempDir(), "gone"))
	removed, err := j.Sweep()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRun_CallsCollectors(t *testing.T) {
	t.Parallel()

	gc := &countingCollector{}
	j := New(logger.Discard(), config.JanitorConfig{}, t.TempDir(), gc, "not a collector")
	require.Len(t, j.collectors, 1)
	j.run()
	assert.Equal(t, 1, gc.runs)
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	t.Parallel()

	j := New(logger.Discard(), config.JanitorConfig{Schedule: "every so often"}, t.TempDir())
	require.Error(t, j.Start())

	ok := New(logger.Discard(), config.JanitorConfig{Schedule: "@every 1h"}, t.TempDir())
	require.NoError(t, ok.Start())
	require.NoError(t, ok.Stop(context.Background()))
}
