//go:build !windows

package executor

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobman/jobman/internal/job"
	"github.com/jobman/jobman/internal/store"
)

func newTestExecutor(t *testing.T) (*Executor, *store.HistoryStore, string) {
	t.Helper()
	dir := t.TempDir()
	hs, err := store.NewHistoryStore(filepath.Join(dir, "history.db"),
		store.RetentionPolicy{MaxEntriesPerJob: 100}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { hs.Close() })

	e := New("/bin/sh", []string{"-c"}, hs, func(j *job.Job) string {
		return filepath.Join(dir, "logs", "job.log")
	}, zerolog.Nop())
	e.SetRetryDelay(10 * time.Millisecond)
	return e, hs, dir
}

func testJob(command string) *job.Job {
	now := time.Now().UTC()
	return &job.Job{
		ID:        1,
		Name:      "test-job",
		Command:   command,
		Type:      job.TypeOnce,
		Status:    job.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestExecute_Success(t *testing.T) {
	e, hs, dir := newTestExecutor(t)

	res := e.Execute(testJob("echo hi"), nil)
	assert.Equal(t, store.HistorySuccess, res.Status)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.Nil(t, res.Error)
	assert.InDelta(t, res.EndTime.Sub(res.StartTime).Milliseconds(), res.Duration, 1)

	// Output lands in the job log tagged with the stream.
	data, err := os.ReadFile(filepath.Join(dir, "logs", "job.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[stdout] hi")

	// A history row is recorded.
	entries, err := hs.Query(store.HistoryQuery{JobID: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.HistorySuccess, entries[0].Status)
}

func TestExecute_NonZeroExit(t *testing.T) {
	e, _, _ := newTestExecutor(t)

	res := e.Execute(testJob("exit 3"), nil)
	assert.Equal(t, store.HistoryFailed, res.Status)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 3, *res.ExitCode)
	require.NotNil(t, res.Error)
	assert.Equal(t, "Process exited with code 3", *res.Error)
}

func TestExecute_StderrCaptured(t *testing.T) {
	e, _, _ := newTestExecutor(t)

	res := e.Execute(testJob("echo oops >&2"), nil)
	assert.Equal(t, store.HistorySuccess, res.Status)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Empty(t, res.Stdout)
}

func TestExecute_EnvMergeAndCwd(t *testing.T) {
	e, _, _ := newTestExecutor(t)
	dir := t.TempDir()

	j := testJob("echo $GREETING in $PWD")
	j.Env = map[string]string{"GREETING": "hello"}
	j.Cwd = dir

	res := e.Execute(j, nil)
	assert.Equal(t, store.HistorySuccess, res.Status)
	assert.Contains(t, res.Stdout, "hello in ")
	assert.Contains(t, res.Stdout, filepath.Base(dir))
}

func TestExecute_Timeout(t *testing.T) {
	e, hs, _ := newTestExecutor(t)

	j := testJob("sleep 5")
	d := job.Duration(200 * time.Millisecond)
	j.Timeout = &d

	start := time.Now()
	res := e.Execute(j, nil)
	assert.Less(t, time.Since(start), 3*time.Second)

	assert.Equal(t, store.HistoryTimeout, res.Status)
	assert.Nil(t, res.ExitCode)
	require.NotNil(t, res.Error)
	assert.Equal(t, "Job timed out after 200 ms", *res.Error)

	entries, err := hs.Query(store.HistoryQuery{JobID: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.HistoryTimeout, entries[0].Status)
	assert.Nil(t, entries[0].ExitCode)
}

func TestExecute_SpawnFailure(t *testing.T) {
	e, hs, _ := newTestExecutor(t)

	j := testJob("echo hi")
	j.Cwd = "/definitely/not/a/dir"

	res := e.Execute(j, nil)
	assert.Equal(t, store.HistoryFailed, res.Status)
	assert.Nil(t, res.ExitCode)
	require.NotNil(t, res.Error)

	entries, err := hs.Query(store.HistoryQuery{JobID: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].ExitCode)
}

func TestExecute_StreamSink(t *testing.T) {
	e, _, _ := newTestExecutor(t)

	var mu sync.Mutex
	var chunks []string
	res := e.Execute(testJob("echo one; echo two >&2"), &Options{
		OnStream: func(stream, chunk string) {
			mu.Lock()
			chunks = append(chunks, stream+":"+strings.TrimSpace(chunk))
			mu.Unlock()
		},
	})
	assert.Equal(t, store.HistorySuccess, res.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, chunks, "stdout:one")
	assert.Contains(t, chunks, "stderr:two")
}

func TestExecuteWithRetry_AttemptsExhausted(t *testing.T) {
	e, hs, _ := newTestExecutor(t)

	j := testJob("exit 1")
	j.Retry = 2

	res := e.ExecuteWithRetry(j, nil)
	assert.Equal(t, store.HistoryFailed, res.Status)
	assert.Equal(t, 3, res.Attempts)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 1, *res.ExitCode)

	// One history row per attempt.
	entries, err := hs.Query(store.HistoryQuery{JobID: 1})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestExecuteWithRetry_StopsOnSuccess(t *testing.T) {
	e, hs, dir := newTestExecutor(t)

	// Fails until the marker file exists, which the first attempt creates.
	marker := filepath.Join(dir, "marker")
	j := testJob("test -f " + marker + " || { touch " + marker + "; exit 1; }")
	j.Retry = 5

	res := e.ExecuteWithRetry(j, nil)
	assert.Equal(t, store.HistorySuccess, res.Status)
	assert.Equal(t, 2, res.Attempts)

	entries, err := hs.Query(store.HistoryQuery{JobID: 1})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
