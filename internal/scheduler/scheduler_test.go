package scheduler

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobman/jobman/internal/executor"
	"github.com/jobman/jobman/internal/job"
	"github.com/jobman/jobman/internal/store"
)

// fakeRunner records executions and lets tests control their duration.
type fakeRunner struct {
	mu      sync.Mutex
	runs    []int
	block   chan struct{}
	result  store.HistoryStatus
	started chan int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{result: store.HistorySuccess, started: make(chan int, 16)}
}

func (f *fakeRunner) ExecuteWithRetry(j *job.Job, opts *executor.Options) *executor.Result {
	f.mu.Lock()
	f.runs = append(f.runs, j.ID)
	block := f.block
	f.mu.Unlock()
	f.started <- j.ID

	if block != nil {
		<-block
	}
	code := 0
	start := time.Now().UTC()
	return &executor.Result{
		Status:    f.result,
		ExitCode:  &code,
		StartTime: start,
		EndTime:   start,
		Attempts:  1,
	}
}

func (f *fakeRunner) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func newTestScheduler(t *testing.T, runner Runner, maxConc int) (*Scheduler, *store.JobStore) {
	t.Helper()
	js := store.NewJobStore(filepath.Join(t.TempDir(), "jobs.json"))
	s := New(js, runner, time.Second, maxConc, CleanupPolicy{}, zerolog.Nop())
	return s, js
}

// prime gives the scheduler a recent lastTick so a direct tick call is not
// mistaken for a wake from sleep.
func prime(s *Scheduler) {
	s.mu.Lock()
	s.lastTick = time.Now().UTC().Add(-500 * time.Millisecond)
	s.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestAddJob_AssignsSequentialIDs(t *testing.T) {
	s, _ := newTestScheduler(t, newFakeRunner(), 10)

	j1, err := s.AddJob(&job.Data{Command: "echo hi", Cron: "* * * * *"})
	require.NoError(t, err)
	j2, err := s.AddJob(&job.Data{Command: "echo hi", Cron: "* * * * *"})
	require.NoError(t, err)

	assert.Equal(t, 1, j1.ID)
	assert.Equal(t, 2, j2.ID)
	assert.Equal(t, job.StatusActive, j1.Status)
	require.NotNil(t, j1.NextRun)
	assert.True(t, j1.NextRun.After(time.Now().Add(-time.Second)))
}

func TestAddJob_RejectsNameCollision(t *testing.T) {
	s, _ := newTestScheduler(t, newFakeRunner(), 10)

	_, err := s.AddJob(&job.Data{Command: "echo hi", Cron: "* * * * *", Name: "backup"})
	require.NoError(t, err)
	_, err = s.AddJob(&job.Data{Command: "echo hi", Cron: "* * * * *", Name: "backup"})
	assert.ErrorIs(t, err, ErrNameTaken)
}

func TestAddJob_PersistsToStore(t *testing.T) {
	s, js := newTestScheduler(t, newFakeRunner(), 10)

	added, err := s.AddJob(&job.Data{Command: "echo hi", Cron: "* * * * *", Name: "durable"})
	require.NoError(t, err)

	stored, err := js.GetByID(added.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "durable", stored.Name)
	assert.Equal(t, added.Command, stored.Command)
}

func TestGetJobByRef(t *testing.T) {
	s, _ := newTestScheduler(t, newFakeRunner(), 10)

	added, err := s.AddJob(&job.Data{Command: "echo hi", Cron: "* * * * *", Name: "named"})
	require.NoError(t, err)

	assert.NotNil(t, s.GetJobByRef("1"))
	assert.NotNil(t, s.GetJobByRef("named"))
	assert.Nil(t, s.GetJobByRef("99"))
	assert.Nil(t, s.GetJobByRef("missing"))
	assert.Equal(t, added.ID, s.GetJobByRef("named").ID)
}

func TestRemoveJob(t *testing.T) {
	s, _ := newTestScheduler(t, newFakeRunner(), 10)

	j, err := s.AddJob(&job.Data{Command: "echo hi", Cron: "* * * * *"})
	require.NoError(t, err)

	removed, err := s.RemoveJob(j.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.RemoveJob(j.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestPauseResume(t *testing.T) {
	s, _ := newTestScheduler(t, newFakeRunner(), 10)

	j, err := s.AddJob(&job.Data{Command: "echo hi", Cron: "0 * * * *", Name: "hourly"})
	require.NoError(t, err)

	paused, err := s.UpdateStatus(j.ID, job.StatusPaused)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPaused, paused.Status)
	assert.Nil(t, paused.NextRun)

	resumed, err := s.UpdateStatus(j.ID, job.StatusActive)
	require.NoError(t, err)
	assert.Equal(t, job.StatusActive, resumed.Status)
	require.NotNil(t, resumed.NextRun)
	assert.True(t, resumed.NextRun.After(time.Now().UTC()))

	// Everything except nextRun survives the round trip.
	assert.Equal(t, j.Command, resumed.Command)
	assert.Equal(t, j.Name, resumed.Name)
	assert.Equal(t, j.Cron, resumed.Cron)
}

func TestStart_ExpiresPastOnceJobs(t *testing.T) {
	runner := newFakeRunner()
	s, js := newTestScheduler(t, runner, 10)

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	now := time.Now().UTC()
	require.NoError(t, js.SaveJobs([]*job.Job{
		{ID: 1, Command: "echo hi", Type: job.TypeOnce, Status: job.StatusActive, RunAt: &past, CreatedAt: now, UpdatedAt: now},
		{ID: 2, Command: "echo hi", Type: job.TypeOnce, Status: job.StatusActive, RunAt: &future, CreatedAt: now, UpdatedAt: now},
	}))

	require.NoError(t, s.Start())
	defer s.Stop()

	expired := s.GetJob(1)
	require.NotNil(t, expired)
	assert.Equal(t, job.StatusFailed, expired.Status)
	assert.Equal(t, job.ResultFailed, expired.LastResult)
	assert.Contains(t, expired.Error, "expired")
	assert.NotNil(t, expired.ExpiredAt)
	assert.Nil(t, expired.NextRun)

	upcoming := s.GetJob(2)
	require.NotNil(t, upcoming)
	assert.Equal(t, job.StatusActive, upcoming.Status)
	require.NotNil(t, upcoming.NextRun)
	assert.Equal(t, future.UnixMilli(), upcoming.NextRun.UnixMilli())

	// No execution happened for the expired job.
	assert.Zero(t, runner.runCount())
}

func TestStartStop_Idempotent(t *testing.T) {
	s, _ := newTestScheduler(t, newFakeRunner(), 10)

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	s.Stop()
	s.Stop()
	require.NoError(t, s.Start())
	s.Stop()
}

func TestTick_FiresDueOnceJob(t *testing.T) {
	runner := newFakeRunner()
	s, _ := newTestScheduler(t, runner, 10)

	at := time.Now().UTC().Add(-10 * time.Millisecond)
	j, err := s.AddJob(&job.Data{Command: "echo hi", RunAt: &at})
	require.NoError(t, err)

	prime(s)
	s.tick(time.Now().UTC())

	<-runner.started
	done := s.GetJob(j.ID)
	assert.Equal(t, job.StatusCompleted, done.Status)
	assert.Nil(t, done.NextRun)

	waitFor(t, func() bool { return s.GetJob(j.ID).RunCount == 1 })
	assert.Equal(t, job.ResultSuccess, s.GetJob(j.ID).LastResult)
}

func TestTick_OnceJobDueExactlyNow(t *testing.T) {
	runner := newFakeRunner()
	s, _ := newTestScheduler(t, runner, 10)

	now := time.Now().UTC()
	_, err := s.AddJob(&job.Data{Command: "echo hi", RunAt: &now})
	require.NoError(t, err)

	prime(s)
	s.tick(now)
	<-runner.started
	assert.Equal(t, 1, runner.runCount())
}

func TestTick_CronAdvancesPastMissedRuns(t *testing.T) {
	runner := newFakeRunner()
	s, _ := newTestScheduler(t, runner, 10)

	j, err := s.AddJob(&job.Data{Command: "echo hi", Cron: "*/5 * * * *"})
	require.NoError(t, err)

	// Simulate a nextRun parked three occurrences in the past.
	now := time.Now().UTC()
	stale := now.Add(-17 * time.Minute)
	s.mu.Lock()
	s.jobs[j.ID].NextRun = &stale
	s.mu.Unlock()

	prime(s)
	s.tick(now)
	<-runner.started

	// Exactly one firing; the new nextRun is in the future.
	assert.Equal(t, 1, runner.runCount())
	next := s.GetJob(j.ID).NextRun
	require.NotNil(t, next)
	assert.True(t, next.After(now))
}

func TestTick_WakeRepairSkipsStaleCron(t *testing.T) {
	runner := newFakeRunner()
	s, _ := newTestScheduler(t, runner, 10)

	j, err := s.AddJob(&job.Data{Command: "echo hi", Cron: "*/5 * * * *"})
	require.NoError(t, err)

	now := time.Now().UTC()
	stale := now.Add(-17 * time.Minute)
	s.mu.Lock()
	s.jobs[j.ID].NextRun = &stale
	s.lastTick = now.Add(-17 * time.Minute) // long gap: wake detected
	s.mu.Unlock()

	s.tick(now)

	// The parked timer is repaired without a catch-up burst.
	assert.Zero(t, runner.runCount())
	next := s.GetJob(j.ID).NextRun
	require.NotNil(t, next)
	assert.True(t, next.After(now))
}

func TestTick_SkipsOverrun(t *testing.T) {
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	s, _ := newTestScheduler(t, runner, 10)

	at := time.Now().UTC().Add(-time.Second)
	j, err := s.AddJob(&job.Data{Command: "echo hi", Cron: "* * * * *"})
	require.NoError(t, err)
	s.mu.Lock()
	s.jobs[j.ID].NextRun = &at
	s.mu.Unlock()

	prime(s)
	s.tick(time.Now().UTC())
	<-runner.started

	// Same job due again while the first run is still in flight.
	s.mu.Lock()
	s.jobs[j.ID].NextRun = &at
	s.mu.Unlock()
	prime(s)
	s.tick(time.Now().UTC())

	assert.Equal(t, 1, runner.runCount())
	close(runner.block)
}

func TestTick_ConcurrencyCap(t *testing.T) {
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	s, _ := newTestScheduler(t, runner, 1)

	at := time.Now().UTC().Add(-time.Second)
	j1, err := s.AddJob(&job.Data{Command: "echo hi", RunAt: &at})
	require.NoError(t, err)
	at2 := at
	j2, err := s.AddJob(&job.Data{Command: "echo hi", RunAt: &at2})
	require.NoError(t, err)

	prime(s)
	s.tick(time.Now().UTC())
	first := <-runner.started

	// Only one started; the other is still active and due.
	assert.Equal(t, 1, runner.runCount())
	var waiting int
	if first == j1.ID {
		waiting = j2.ID
	} else {
		waiting = j1.ID
	}
	deferred := s.GetJob(waiting)
	assert.Equal(t, job.StatusActive, deferred.Status)
	require.NotNil(t, deferred.NextRun)

	// Once the first finishes, the next tick picks up the deferred job.
	close(runner.block)
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.running) == 0
	})
	runner.block = nil
	prime(s)
	s.tick(time.Now().UTC())
	<-runner.started
	assert.Equal(t, 2, runner.runCount())
}

func TestExecuteJob_Manual(t *testing.T) {
	runner := newFakeRunner()
	s, _ := newTestScheduler(t, runner, 10)

	j, err := s.AddJob(&job.Data{Command: "echo hi", Cron: "0 0 1 1 *"})
	require.NoError(t, err)

	res, err := s.ExecuteJob(j.ID, nil)
	<-runner.started
	require.NoError(t, err)
	assert.Equal(t, store.HistorySuccess, res.Status)

	_, err = s.ExecuteJob(99, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecuteJob_RespectsCapAndInFlight(t *testing.T) {
	runner := newFakeRunner()
	runner.block = make(chan struct{})
	s, _ := newTestScheduler(t, runner, 1)

	j1, err := s.AddJob(&job.Data{Command: "echo hi", Cron: "0 0 1 1 *"})
	require.NoError(t, err)
	j2, err := s.AddJob(&job.Data{Command: "echo hi", Cron: "0 0 1 2 *"})
	require.NoError(t, err)

	require.NoError(t, s.ExecuteJobAsync(j1.ID))
	<-runner.started

	_, err = s.ExecuteJob(j1.ID, nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	_, err = s.ExecuteJob(j2.ID, nil)
	assert.ErrorIs(t, err, ErrMaxConcurrent)

	close(runner.block)
}

func TestStats(t *testing.T) {
	s, _ := newTestScheduler(t, newFakeRunner(), 10)

	_, err := s.AddJob(&job.Data{Command: "echo hi", Cron: "* * * * *"})
	require.NoError(t, err)
	future := time.Now().UTC().Add(time.Hour)
	j2, err := s.AddJob(&job.Data{Command: "echo hi", RunAt: &future})
	require.NoError(t, err)
	_, err = s.UpdateStatus(j2.ID, job.StatusPaused)
	require.NoError(t, err)

	st := s.Stats()
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.ByStatus["active"])
	assert.Equal(t, 1, st.ByStatus["paused"])
	assert.Equal(t, 1, st.ByType["cron"])
	assert.Equal(t, 1, st.ByType["once"])
}

func TestUpdateJob_TogglesSchedule(t *testing.T) {
	s, _ := newTestScheduler(t, newFakeRunner(), 10)

	j, err := s.AddJob(&job.Data{Command: "echo hi", Cron: "* * * * *"})
	require.NoError(t, err)

	at := time.Now().UTC().Add(time.Hour)
	updated, err := s.UpdateJob(j.ID, &job.Patch{RunAt: &at})
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, job.TypeOnce, updated.Type)
	assert.Empty(t, updated.Cron)

	missing, err := s.UpdateJob(99, &job.Patch{})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestReloadJobs(t *testing.T) {
	s, js := newTestScheduler(t, newFakeRunner(), 10)

	_, err := s.AddJob(&job.Data{Command: "echo hi", Cron: "* * * * *"})
	require.NoError(t, err)

	// Another writer replaces the file behind the scheduler's back.
	now := time.Now().UTC()
	require.NoError(t, js.SaveJobs([]*job.Job{
		{ID: 5, Command: "echo new", Type: job.TypeCron, Cron: "* * * * *", Status: job.StatusActive, CreatedAt: now, UpdatedAt: now},
	}))

	n, err := s.ReloadJobs()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Nil(t, s.GetJob(1))
	require.NotNil(t, s.GetJob(5))
	assert.NotNil(t, s.GetJob(5).NextRun)
}
