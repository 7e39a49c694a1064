package logger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	t.Run("creates the log file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "pronto.log")

		w, err := NewRotatingWriter(logFile, 10, 7, false)
		require.NoError(t, err)
		defer w.Close()

		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})

	t.Run("creates missing parent directories", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "pronto.log")

		w, err := NewRotatingWriter(logFile, 10, 7, false)
		require.NoError(t, err)
		defer w.Close()

		_, err = os.Stat(filepath.Dir(logFile))
		assert.NoError(t, err)
	})
}

func TestRotatingWriterWrite(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "pronto.log")

	w, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)
	defer w.Close()

	line := []byte("order placed\n")
	n, err := w.Write(line)
	require.NoError(t, err)
	assert.Equal(t, len(line), n)

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "order placed")
}

func TestRotatingWriterRotatesAtLimit(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "pronto.log")

	// A 0 MB limit makes every write overflow, so the second write must
	// rename the first one aside.
	w, err := NewRotatingWriter(logFile, 0, 7, false)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("first line\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("second line\n"))
	require.NoError(t, err)

	rotated, err := filepath.Glob(logFile + ".*")
	require.NoError(t, err)
	require.NotEmpty(t, rotated)

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "second line")
	assert.NotContains(t, string(content), "first line")
}

func TestRotatingWriterClose(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "pronto.log")

	w, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)

	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}

func TestArchive(t *testing.T) {
	rotated := filepath.Join(t.TempDir(), "pronto.log.20260101-120000")
	require.NoError(t, os.WriteFile(rotated, []byte("old entries"), 0644))

	require.NoError(t, archive(rotated))

	_, err := os.Stat(rotated + ".gz")
	assert.NoError(t, err)
	_, err = os.Stat(rotated)
	assert.True(t, os.IsNotExist(err))
}

func TestPruneRemovesExpiredFiles(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "pronto.log")

	stale := logFile + ".20200101-120000"
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0644))
	old := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(stale, old, old))

	recent := logFile + "." + time.Now().Format(rotatedStamp)
	require.NoError(t, os.WriteFile(recent, []byte("recent"), 0644))

	w, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)
	defer w.Close()

	w.prune()

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(recent)
	assert.NoError(t, err)
	_, err = os.Stat(logFile)
	assert.NoError(t, err)
}
