package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobman/jobman/internal/job"
)

func tempJobStore(t *testing.T) *JobStore {
	t.Helper()
	return NewJobStore(filepath.Join(t.TempDir(), "jobs.json"))
}

func makeJob(id int, name string) *job.Job {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &job.Job{
		ID:        id,
		Name:      name,
		Command:   "echo hi",
		Type:      job.TypeCron,
		Cron:      "* * * * *",
		Status:    job.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestJobStore_EmptyOnMissingFile(t *testing.T) {
	s := tempJobStore(t)
	jobs, err := s.ListJobs()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestJobStore_SaveLoadRoundTrip(t *testing.T) {
	s := tempJobStore(t)

	in := []*job.Job{makeJob(1, "first"), makeJob(2, ""), makeJob(3, "third")}
	require.NoError(t, s.SaveJobs(in))

	out, err := s.ListJobs()
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "first", out[0].Name)
	assert.Equal(t, 2, out[1].ID)
	assert.Equal(t, "third", out[2].Name)

	// Saving what was listed is an identity on disk content.
	before, err := os.ReadFile(s.path)
	require.NoError(t, err)
	require.NoError(t, s.SaveJobs(out))
	after, err := os.ReadFile(s.path)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestJobStore_GetByRef(t *testing.T) {
	s := tempJobStore(t)
	require.NoError(t, s.SaveJobs([]*job.Job{makeJob(1, "alpha"), makeJob(2, "beta")}))

	j, err := s.GetByRef("2")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "beta", j.Name)

	j, err = s.GetByRef("alpha")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, 1, j.ID)

	j, err = s.GetByRef("missing")
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestJobStore_NoTempFileLeftBehind(t *testing.T) {
	s := tempJobStore(t)
	require.NoError(t, s.SaveJobs([]*job.Job{makeJob(1, "")}))

	entries, err := os.ReadDir(filepath.Dir(s.path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "jobs.json", entries[0].Name())
}
