package joblog

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_LineFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.log")
	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Line("INFO", "stdout", "hello\n"))
	require.NoError(t, w.Line("INFO", "stderr", "oops"))
	require.NoError(t, w.Event("INFO", "Job finished successfully"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 3)

	re := regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z \[INFO\] \[stdout\] hello$`)
	assert.Regexp(t, re, lines[0])
	assert.True(t, strings.HasSuffix(lines[0], "[stdout] hello"))
	assert.True(t, strings.HasSuffix(lines[1], "[stderr] oops"))
	assert.True(t, strings.HasSuffix(lines[2], "Job finished successfully"))
}

func TestWriter_AppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.log")

	w1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w1.Line("INFO", "stdout", "first"))
	require.NoError(t, w1.Close())

	w2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w2.Line("INFO", "stdout", "second"))
	require.NoError(t, w2.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "first")
	assert.Contains(t, string(data), "second")
}

func TestSweepOlder(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.log")
	fresh := filepath.Join(dir, "fresh.log")
	other := filepath.Join(dir, "keep.txt")
	for _, p := range []string{old, fresh, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	n, err := SweepOlder(dir, time.Now().Add(-24*time.Hour), false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, other)

	// all=true ignores the cutoff.
	n, err = SweepOlder(dir, time.Time{}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, fresh)
	assert.FileExists(t, other)
}

func TestSweepOlder_MissingDir(t *testing.T) {
	n, err := SweepOlder(filepath.Join(t.TempDir(), "nope"), time.Now(), true)
	require.NoError(t, err)
	assert.Zero(t, n)
}
