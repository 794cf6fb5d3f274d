package tempfile

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/clibridge/internal/logger"
)

func TestQueue_WriteAndCleanup(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	q := NewQueue(dir, logger.Discard())

	a, err := q.Write("*.md", []byte("system"))
	require.NoError(t, err)
	b, err := q.Write("*.json", []byte("{}"))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(filepath.Base(a), Prefix))
	assert.True(t, strings.HasSuffix(a, ".md"))
	data, err := os.ReadFile(b)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	q.Cleanup()
	assert.NoFileExists(t, a)
	assert.NoFileExists(t, b)
	assert.Empty(t, q.Paths())
}

func TestQueue_CleanupIsIdempotentAndToleratesMissingFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	q := NewQueue(dir, logger.Discard())
	path, err := q.Write("x", nil)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))
	q.Add(filepath.Join(dir, "never-created"))

	q.Cleanup()
	q.Cleanup()
}

func TestQueue_AddAfterCleanupRemovesImmediately(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	q := NewQueue(dir, logger.Discard())
	q.Cleanup()

	late := filepath.Join(dir, "late.txt")
	require.NoError(t, os.WriteFile(late, []byte("x"), 0o600))
	q.Add(late)
	assert.NoFileExists(t, late)
}

func TestQueue_ConcurrentWrites(t *testing.T) {
	t.Parallel()

	q := NewQueue(t.TempDir(), logger.Discard())
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Write("c", []byte("x"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	paths := q.Paths()
	assert.Len(t, paths, 16)
	q.Cleanup()
	for _, p := range paths {
		assert.NoFileExists(t, p)
	}
}
