// Package scheduler owns the in-memory job catalogue and decides what runs
// when. A fixed-interval tick collects due jobs, dispatches them to the
// executor, and re-plans periodic jobs so occurrences missed during sleep
// coalesce into at most one run.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jobman/jobman/internal/executor"
	"github.com/jobman/jobman/internal/job"
	"github.com/jobman/jobman/internal/joblog"
	"github.com/jobman/jobman/internal/store"
	"github.com/jobman/jobman/internal/timeparse"
)

// expiredError is written to once-jobs whose runAt passed while the daemon
// was down.
const expiredError = "Job expired — daemon was not running at scheduled time"

var (
	// ErrNotFound indicates a job lookup failed.
	ErrNotFound = errors.New("job not found")
	// ErrMaxConcurrent indicates the concurrency cap is exhausted.
	ErrMaxConcurrent = errors.New("max concurrent jobs reached")
	// ErrAlreadyRunning indicates the job has an execution in flight.
	ErrAlreadyRunning = errors.New("job is already running")
	// ErrNameTaken indicates a name collision on add or update.
	ErrNameTaken = errors.New("job name already in use")
)

// Runner executes one job to completion. Satisfied by *executor.Executor.
type Runner interface {
	ExecuteWithRetry(j *job.Job, opts *executor.Options) *executor.Result
}

// CleanupPolicy drives the periodic housekeeping pass.
type CleanupPolicy struct {
	CompletedJobRetentionDays int
	LogRetentionDays          int
	LogDir                    string
}

// Stats summarizes the catalogue for the status response.
type Stats struct {
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"byStatus"`
	ByType    map[string]int `json:"byType"`
	DueCount  int            `json:"dueCount"`
	Running   int            `json:"running"`
	TickCount int64          `json:"tickCount"`
}

// Scheduler drives job dispatch. All catalogue mutations go through its
// methods, which persist the full snapshot before returning.
type Scheduler struct {
	store    *store.JobStore
	runner   Runner
	logger   zerolog.Logger
	interval time.Duration
	maxConc  int
	cleanup  CleanupPolicy

	mu          sync.Mutex
	jobs        map[int]*job.Job
	order       []int
	running     map[int]bool
	started     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	lastTick    time.Time
	lastCleanup time.Time
	tickCount   int64
}

// New creates a stopped scheduler.
func New(js *store.JobStore, runner Runner, interval time.Duration, maxConcurrent int, cleanup CleanupPolicy, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Scheduler{
		store:    js,
		runner:   runner,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		interval: interval,
		maxConc:  maxConcurrent,
		cleanup:  cleanup,
		jobs:     make(map[int]*job.Job),
		running:  make(map[int]bool),
	}
}

// Start loads jobs from the store, expires stale once-jobs, and arms the
// tick loop. Idempotent.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}

	jobs, err := s.store.ListJobs()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("loading jobs: %w", err)
	}

	now := time.Now().UTC()
	s.jobs = make(map[int]*job.Job, len(jobs))
	s.order = s.order[:0]
	expired := 0
	for _, j := range jobs {
		s.jobs[j.ID] = j
		s.order = append(s.order, j.ID)

		// A once-job whose moment passed while the daemon was down must
		// not fire on start.
		if j.Type == job.TypeOnce && j.Status == job.StatusActive && j.RunAt != nil && j.RunAt.Before(now) {
			j.Status = job.StatusFailed
			j.LastResult = job.ResultFailed
			j.Error = expiredError
			t := now
			j.ExpiredAt = &t
			j.NextRun = nil
			j.UpdatedAt = now
			expired++
			continue
		}
		j.ComputeNextRun(now)
		if j.Type == job.TypeOnce && j.Status == job.StatusActive && j.RunAt != nil {
			t := j.RunAt.UTC()
			j.NextRun = &t
		}
	}
	if expired > 0 {
		s.logger.Warn().Int("count", expired).Msg("expired once-jobs on load")
	}
	if err := s.persistLocked(); err != nil {
		s.logger.Error().Err(err).Msg("persisting reconciled jobs failed")
	}

	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.lastTick = now
	s.lastCleanup = now
	s.mu.Unlock()

	go s.loop()
	s.logger.Info().Int("jobs", len(jobs)).Dur("interval", s.interval).Msg("scheduler started")
	return nil
}

// Stop ceases ticking. In-flight executions continue to completion.
// Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(time.Now().UTC())
		}
	}
}

// tick runs one scheduling pass. Single-threaded: only dispatch is parallel.
func (s *Scheduler) tick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("tick panicked")
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tickCount++
	gap := now.Sub(s.lastTick)
	if gap > 5*s.interval {
		s.logger.Info().Dur("gap", gap).Msg("wake detected, catching up schedules")
	}
	s.lastTick = now

	dirty := false

	// Wake-from-sleep may have parked cron timers in the past; repair
	// before collecting so missed occurrences coalesce.
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Type == job.TypeCron && j.Status == job.StatusActive &&
			j.NextRun != nil && j.NextRun.Before(now) && gap > 5*s.interval {
			next, err := timeparse.NextAfter(j.Cron, now)
			if err == nil {
				j.NextRun = &next
				dirty = true
			}
		}
	}

	for _, id := range s.order {
		j := s.jobs[id]
		if !j.Due(now) {
			continue
		}
		if s.running[j.ID] {
			// Overrun: previous run still in flight, drop this occurrence.
			s.logger.Debug().Int("job", j.ID).Msg("skipping overrun")
			continue
		}
		if len(s.running) >= s.maxConc {
			// Stays due; re-attempted next tick.
			s.logger.Warn().Int("job", j.ID).Msg("concurrency cap reached, deferring")
			continue
		}

		originalNext := *j.NextRun
		s.running[j.ID] = true
		go s.dispatch(j.Clone())
		dirty = true

		switch j.Type {
		case job.TypeOnce:
			j.Status = job.StatusCompleted
			j.NextRun = nil
			j.UpdatedAt = now
		case job.TypeCron:
			// Advance from the planned occurrence; occurrences missed
			// during sleep collapse into the one we just fired.
			next, err := timeparse.NextAfter(j.Cron, originalNext)
			for err == nil && !next.After(now) {
				next, err = timeparse.NextAfter(j.Cron, next)
			}
			if err != nil {
				next, err = timeparse.NextAfter(j.Cron, now)
			}
			if err == nil {
				j.NextRun = &next
			}
		}
	}

	if dirty {
		if err := s.persistLocked(); err != nil {
			s.logger.Error().Err(err).Msg("persisting jobs snapshot failed")
		}
	}

	if now.Sub(s.lastCleanup) >= time.Hour {
		s.lastCleanup = now
		go s.runCleanup(now)
	}
}

// dispatch runs one job snapshot and folds the result back into the
// catalogue. Runs on its own goroutine; must not hold the lock.
func (s *Scheduler) dispatch(snapshot *job.Job) {
	res := s.runner.ExecuteWithRetry(snapshot, nil)
	s.finishRun(snapshot.ID, res)
}

func (s *Scheduler) finishRun(id int, res *executor.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.running, id)

	j, ok := s.jobs[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	j.RunCount++
	if res.Attempts > 1 {
		j.RetryCount += res.Attempts - 1
	}
	t := res.StartTime
	j.LastRun = &t
	if res.Status == store.HistorySuccess {
		j.LastResult = job.ResultSuccess
	} else {
		j.LastResult = job.ResultFailed
	}
	j.LastExitCode = res.ExitCode
	j.UpdatedAt = now

	if err := s.persistLocked(); err != nil {
		s.logger.Error().Err(err).Msg("persisting run result failed")
	}
}

// AddJob validates data, assigns the next id, and persists.
func (s *Scheduler) AddJob(data *job.Data) (*job.Job, error) {
	if err := data.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if data.Name != "" && s.findByNameLocked(data.Name) != nil {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, data.Name)
	}

	now := time.Now().UTC()
	j := job.NewJob(data, now)
	j.ID = s.nextIDLocked()
	s.jobs[j.ID] = j
	s.order = append(s.order, j.ID)

	if err := s.persistLocked(); err != nil {
		delete(s.jobs, j.ID)
		s.order = s.order[:len(s.order)-1]
		return nil, err
	}
	s.logger.Info().Int("job", j.ID).Str("type", string(j.Type)).Msg("job added")
	return j.Clone(), nil
}

// UpdateJob applies a patch. Returns nil when the job does not exist.
func (s *Scheduler) UpdateJob(id int, patch *job.Patch) (*job.Job, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	if patch.Name != nil && *patch.Name != "" {
		if other := s.findByNameLocked(*patch.Name); other != nil && other.ID != id {
			return nil, fmt.Errorf("%w: %s", ErrNameTaken, *patch.Name)
		}
	}

	patch.Apply(j, time.Now().UTC())
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return j.Clone(), nil
}

// RemoveJob deletes a job from the catalogue.
func (s *Scheduler) RemoveJob(id int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	delete(s.jobs, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if err := s.persistLocked(); err != nil {
		return false, err
	}
	s.logger.Info().Int("job", id).Msg("job removed")
	return true, nil
}

// UpdateStatus pauses or resumes a job. Resume recomputes NextRun from now.
func (s *Scheduler) UpdateStatus(id int, status job.Status) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	now := time.Now().UTC()
	j.Status = status
	j.UpdatedAt = now
	j.ComputeNextRun(now)

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return j.Clone(), nil
}

// ExecuteJob dispatches a manual run, bypassing the schedule but not the
// concurrency cap. Synchronous: returns the execution result.
func (s *Scheduler) ExecuteJob(id int, opts *executor.Options) (*executor.Result, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if s.running[id] {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	if len(s.running) >= s.maxConc {
		s.mu.Unlock()
		return nil, ErrMaxConcurrent
	}
	s.running[id] = true
	snapshot := j.Clone()
	s.mu.Unlock()

	res := s.runner.ExecuteWithRetry(snapshot, opts)
	s.finishRun(id, res)
	return res, nil
}

// ExecuteJobAsync dispatches a manual run without waiting for the result.
func (s *Scheduler) ExecuteJobAsync(id int) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if s.running[id] {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if len(s.running) >= s.maxConc {
		s.mu.Unlock()
		return ErrMaxConcurrent
	}
	s.running[id] = true
	snapshot := j.Clone()
	s.mu.Unlock()

	go s.dispatch(snapshot)
	return nil
}

// GetAllJobs returns the catalogue in insertion order.
func (s *Scheduler) GetAllJobs() []*job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*job.Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id].Clone())
	}
	return out
}

// GetJob returns one job, or nil.
func (s *Scheduler) GetJob(id int) *job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return j.Clone()
	}
	return nil
}

// GetJobByRef resolves a numeric id or a name.
func (s *Scheduler) GetJobByRef(ref string) *job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := parseID(ref); ok {
		if j, found := s.jobs[id]; found {
			return j.Clone()
		}
	}
	if j := s.findByNameLocked(ref); j != nil {
		return j.Clone()
	}
	return nil
}

// Stats summarizes the catalogue.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	st := Stats{
		Total:     len(s.jobs),
		ByStatus:  make(map[string]int),
		ByType:    make(map[string]int),
		Running:   len(s.running),
		TickCount: s.tickCount,
	}
	for _, j := range s.jobs {
		st.ByStatus[string(j.Status)]++
		st.ByType[string(j.Type)]++
		if j.Due(now) {
			st.DueCount++
		}
	}
	return st
}

// MutateJobs applies fn to every job under the lock and persists when fn
// reports a change. Used by the tag operations and flush.
func (s *Scheduler) MutateJobs(fn func(jobs map[int]*job.Job) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !fn(s.jobs) {
		return nil
	}
	// fn may have removed entries; rebuild order.
	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.jobs[id]; ok {
			kept = append(kept, id)
		}
	}
	s.order = kept
	return s.persistLocked()
}

// ReloadJobs replaces the in-memory catalogue with the jobs file contents.
// Jobs with executions in flight keep running; their results fold back in by
// id. Returns the number of jobs loaded.
func (s *Scheduler) ReloadJobs() (int, error) {
	jobs, err := s.store.ListJobs()
	if err != nil {
		return 0, fmt.Errorf("loading jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.jobs = make(map[int]*job.Job, len(jobs))
	s.order = s.order[:0]
	for _, j := range jobs {
		s.jobs[j.ID] = j
		s.order = append(s.order, j.ID)
		if j.Type == job.TypeOnce && j.Status == job.StatusActive && j.RunAt != nil && j.RunAt.Before(now) {
			j.Status = job.StatusFailed
			j.LastResult = job.ResultFailed
			j.Error = expiredError
			t := now
			j.ExpiredAt = &t
			j.NextRun = nil
			j.UpdatedAt = now
			continue
		}
		j.ComputeNextRun(now)
		if j.Type == job.TypeOnce && j.Status == job.StatusActive && j.RunAt != nil {
			t := j.RunAt.UTC()
			j.NextRun = &t
		}
	}
	s.logger.Info().Int("count", len(jobs)).Msg("jobs reloaded")
	return len(jobs), nil
}

// runCleanup removes stale completed once-jobs and old log files.
func (s *Scheduler) runCleanup(now time.Time) {
	if s.cleanup.CompletedJobRetentionDays > 0 {
		cutoff := now.AddDate(0, 0, -s.cleanup.CompletedJobRetentionDays)
		removed := 0
		err := s.MutateJobs(func(jobs map[int]*job.Job) bool {
			for id, j := range jobs {
				if j.Type == job.TypeOnce && j.Status == job.StatusCompleted && j.UpdatedAt.Before(cutoff) {
					delete(jobs, id)
					removed++
				}
			}
			return removed > 0
		})
		if err != nil {
			s.logger.Warn().Err(err).Msg("cleanup persist failed")
		}
		if removed > 0 {
			s.logger.Info().Int("count", removed).Msg("removed stale completed jobs")
		}
	}
	if s.cleanup.LogRetentionDays > 0 && s.cleanup.LogDir != "" {
		cutoff := now.AddDate(0, 0, -s.cleanup.LogRetentionDays)
		if n, err := joblog.SweepOlder(s.cleanup.LogDir, cutoff, false); err == nil && n > 0 {
			s.logger.Info().Int("count", n).Msg("removed stale job logs")
		}
	}
}

func (s *Scheduler) persistLocked() error {
	jobs := make([]*job.Job, 0, len(s.order))
	for _, id := range s.order {
		jobs = append(jobs, s.jobs[id])
	}
	return s.store.SaveJobs(jobs)
}

func (s *Scheduler) findByNameLocked(name string) *job.Job {
	for _, j := range s.jobs {
		if j.Name != "" && j.Name == name {
			return j
		}
	}
	return nil
}

func (s *Scheduler) nextIDLocked() int {
	max := 0
	for id := range s.jobs {
		if id > max {
			max = id
		}
	}
	return max + 1
}

func parseID(ref string) (int, bool) {
	if ref == "" {
		return 0, false
	}
	id := 0
	for _, r := range ref {
		if r < '0' || r > '9' {
			return 0, false
		}
		id = id*10 + int(r-'0')
	}
	return id, true
}
