package daemon

import (
	"errors"
	"os"
	"sort"
	"time"

	"github.com/jobman/jobman/internal/executor"
	"github.com/jobman/jobman/internal/ipc"
	"github.com/jobman/jobman/internal/job"
	"github.com/jobman/jobman/internal/joblog"
	"github.com/jobman/jobman/internal/scheduler"
)

// handle routes one IPC request.
func (d *Daemon) handle(req *ipc.Request, send func(*ipc.Response) error) *ipc.Response {
	switch req.Type {
	case ipc.TypePing:
		return &ipc.Response{Type: ipc.TypePong}

	case ipc.TypeStatus:
		stats := d.scheduler.Stats()
		return &ipc.Response{
			Type:    ipc.TypeStatusResult,
			Running: true,
			PID:     os.Getpid(),
			Stats:   &stats,
		}

	case ipc.TypeStop:
		// Reply first; shutdown after a brief delay so the reply flushes.
		time.AfterFunc(stopDelay, d.Shutdown)
		return &ipc.Response{Type: ipc.TypeStopped}

	case ipc.TypeJobAdd:
		return d.handleJobAdd(req)
	case ipc.TypeJobList:
		return d.handleJobList(req)
	case ipc.TypeJobGet:
		return d.handleJobGet(req)
	case ipc.TypeJobRemove:
		return d.handleJobRemove(req)
	case ipc.TypeJobUpdate:
		return d.handleJobUpdate(req)
	case ipc.TypeJobPause:
		return d.handleJobStatus(req, job.StatusPaused, ipc.TypeJobPaused)
	case ipc.TypeJobResume:
		return d.handleJobStatus(req, job.StatusActive, ipc.TypeJobResumed)
	case ipc.TypeJobRun:
		return d.handleJobRun(req, send)

	case ipc.TypeTagList:
		return d.handleTagList()
	case ipc.TypeTagAdd:
		return d.handleTagAdd(req)
	case ipc.TypeTagRemove:
		return d.handleTagRemove(req)
	case ipc.TypeTagClear:
		return d.handleTagClear(req)
	case ipc.TypeTagRename:
		return d.handleTagRename(req)

	case ipc.TypeFlush:
		return d.handleFlush(req)
	case ipc.TypeReloadJobs:
		n, err := d.scheduler.ReloadJobs()
		if err != nil {
			return ipc.Errorf(ipc.KindIO, err.Error())
		}
		return &ipc.Response{Type: ipc.TypeReloadResult, Count: n}

	default:
		return ipc.Errorf(ipc.KindValidation, "unknown request type: "+req.Type)
	}
}

func (d *Daemon) handleJobAdd(req *ipc.Request) *ipc.Response {
	if req.JobData == nil {
		return ipc.Errorf(ipc.KindValidation, "jobData is required")
	}
	data := req.JobData
	if data.Timeout == nil {
		if dt := d.cfg.DefaultTimeout(); dt > 0 {
			jd := job.Duration(dt)
			data.Timeout = &jd
		}
	}
	if data.Retry == 0 {
		data.Retry = d.cfg.Jobs.DefaultRetry
	}
	if data.Cwd == "" {
		data.Cwd = d.cfg.Jobs.DefaultCwd
	}
	j, err := d.scheduler.AddJob(data)
	if err != nil {
		return schedError(err)
	}
	return &ipc.Response{Type: ipc.TypeJobAdded, Job: j}
}

func (d *Daemon) handleJobList(req *ipc.Request) *ipc.Response {
	jobs := d.scheduler.GetAllJobs()
	if req.Status != "" || req.Tag != "" || req.JobType != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if req.Status != "" && string(j.Status) != req.Status {
				continue
			}
			if req.JobType != "" && string(j.Type) != req.JobType {
				continue
			}
			if req.Tag != "" && !j.HasTag(job.NormalizeTag(req.Tag)) {
				continue
			}
			filtered = append(filtered, j)
		}
		jobs = filtered
	}
	return &ipc.Response{Type: ipc.TypeJobListResult, Jobs: jobs, Count: len(jobs)}
}

func (d *Daemon) handleJobGet(req *ipc.Request) *ipc.Response {
	j := d.scheduler.GetJobByRef(req.Ref)
	if j == nil {
		return ipc.Errorf(ipc.KindNotFound, "job not found: "+req.Ref)
	}
	return &ipc.Response{Type: ipc.TypeJobGetResult, Job: j}
}

func (d *Daemon) handleJobRemove(req *ipc.Request) *ipc.Response {
	j := d.scheduler.GetJobByRef(req.Ref)
	if j == nil {
		return ipc.Errorf(ipc.KindNotFound, "job not found: "+req.Ref)
	}
	removed, err := d.scheduler.RemoveJob(j.ID)
	if err != nil {
		return ipc.Errorf(ipc.KindIO, err.Error())
	}
	return &ipc.Response{Type: ipc.TypeJobRemoved, Removed: removed, Job: j}
}

func (d *Daemon) handleJobUpdate(req *ipc.Request) *ipc.Response {
	if req.Patch == nil {
		return ipc.Errorf(ipc.KindValidation, "patch is required")
	}
	j := d.scheduler.GetJobByRef(req.Ref)
	if j == nil {
		return ipc.Errorf(ipc.KindNotFound, "job not found: "+req.Ref)
	}
	updated, err := d.scheduler.UpdateJob(j.ID, req.Patch)
	if err != nil {
		return schedError(err)
	}
	if updated == nil {
		return ipc.Errorf(ipc.KindNotFound, "job not found: "+req.Ref)
	}
	return &ipc.Response{Type: ipc.TypeJobUpdated, Job: updated}
}

func (d *Daemon) handleJobStatus(req *ipc.Request, target job.Status, respType string) *ipc.Response {
	j := d.scheduler.GetJobByRef(req.Ref)
	if j == nil {
		return ipc.Errorf(ipc.KindNotFound, "job not found: "+req.Ref)
	}
	switch target {
	case job.StatusPaused:
		if j.Status != job.StatusActive {
			return ipc.Errorf(ipc.KindConflict, "only active jobs can be paused")
		}
	case job.StatusActive:
		if j.Status != job.StatusPaused {
			return ipc.Errorf(ipc.KindConflict, "only paused jobs can be resumed")
		}
	}
	updated, err := d.scheduler.UpdateStatus(j.ID, target)
	if err != nil {
		return ipc.Errorf(ipc.KindIO, err.Error())
	}
	return &ipc.Response{Type: respType, Job: updated}
}

func (d *Daemon) handleJobRun(req *ipc.Request, send func(*ipc.Response) error) *ipc.Response {
	j := d.scheduler.GetJobByRef(req.Ref)
	if j == nil {
		return ipc.Errorf(ipc.KindNotFound, "job not found: "+req.Ref)
	}

	if !req.Wait {
		if err := d.scheduler.ExecuteJobAsync(j.ID); err != nil {
			return schedError(err)
		}
		return &ipc.Response{Type: ipc.TypeJobRunResult, Status: "queued", Job: j}
	}

	res, err := d.scheduler.ExecuteJob(j.ID, newStreamOptions(send))
	if err != nil {
		return schedError(err)
	}
	return &ipc.Response{
		Type:   ipc.TypeJobRunResult,
		Status: string(res.Status),
		Result: res,
		Job:    d.scheduler.GetJob(j.ID),
	}
}

func (d *Daemon) handleTagList() *ipc.Response {
	counts := make(map[string]int)
	for _, j := range d.scheduler.GetAllJobs() {
		for _, t := range j.Tags {
			counts[t]++
		}
	}
	tags := make([]string, 0, len(counts))
	for t := range counts {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return &ipc.Response{Type: ipc.TypeTagListResult, Tags: tags, Count: len(tags)}
}

func (d *Daemon) handleTagAdd(req *ipc.Request) *ipc.Response {
	tag := job.NormalizeTag(req.Tag)
	if tag == "" {
		return ipc.Errorf(ipc.KindValidation, "tag is required")
	}
	target := d.scheduler.GetJobByRef(req.Ref)
	if target == nil {
		return ipc.Errorf(ipc.KindNotFound, "job not found: "+req.Ref)
	}
	var ids []int
	err := d.scheduler.MutateJobs(func(jobs map[int]*job.Job) bool {
		j, ok := jobs[target.ID]
		if !ok || j.HasTag(tag) {
			return false
		}
		j.Tags = append(j.Tags, tag)
		j.UpdatedAt = time.Now().UTC()
		ids = append(ids, j.ID)
		return true
	})
	if err != nil {
		return ipc.Errorf(ipc.KindIO, err.Error())
	}
	return &ipc.Response{Type: ipc.TypeTagAddResult, Count: len(ids), IDs: ids}
}

func (d *Daemon) handleTagRemove(req *ipc.Request) *ipc.Response {
	tag := job.NormalizeTag(req.Tag)
	if tag == "" {
		return ipc.Errorf(ipc.KindValidation, "tag is required")
	}
	var only *job.Job
	if req.Ref != "" {
		only = d.scheduler.GetJobByRef(req.Ref)
		if only == nil {
			return ipc.Errorf(ipc.KindNotFound, "job not found: "+req.Ref)
		}
	}
	var ids []int
	err := d.scheduler.MutateJobs(func(jobs map[int]*job.Job) bool {
		for _, j := range jobs {
			if only != nil && j.ID != only.ID {
				continue
			}
			if removeTag(j, tag) {
				j.UpdatedAt = time.Now().UTC()
				ids = append(ids, j.ID)
			}
		}
		return len(ids) > 0
	})
	if err != nil {
		return ipc.Errorf(ipc.KindIO, err.Error())
	}
	sort.Ints(ids)
	return &ipc.Response{Type: ipc.TypeTagRemoveResult, Count: len(ids), IDs: ids}
}

func (d *Daemon) handleTagClear(req *ipc.Request) *ipc.Response {
	var only *job.Job
	if req.Ref != "" {
		only = d.scheduler.GetJobByRef(req.Ref)
		if only == nil {
			return ipc.Errorf(ipc.KindNotFound, "job not found: "+req.Ref)
		}
	}
	var ids []int
	err := d.scheduler.MutateJobs(func(jobs map[int]*job.Job) bool {
		for _, j := range jobs {
			if only != nil && j.ID != only.ID {
				continue
			}
			if len(j.Tags) > 0 {
				j.Tags = nil
				j.UpdatedAt = time.Now().UTC()
				ids = append(ids, j.ID)
			}
		}
		return len(ids) > 0
	})
	if err != nil {
		return ipc.Errorf(ipc.KindIO, err.Error())
	}
	sort.Ints(ids)
	return &ipc.Response{Type: ipc.TypeTagClearResult, Count: len(ids), IDs: ids}
}

func (d *Daemon) handleTagRename(req *ipc.Request) *ipc.Response {
	from := job.NormalizeTag(req.Tag)
	to := job.NormalizeTag(req.NewTag)
	if from == "" || to == "" {
		return ipc.Errorf(ipc.KindValidation, "tag and newTag are required")
	}
	var ids []int
	err := d.scheduler.MutateJobs(func(jobs map[int]*job.Job) bool {
		for _, j := range jobs {
			if !removeTag(j, from) {
				continue
			}
			if !j.HasTag(to) {
				j.Tags = append(j.Tags, to)
			}
			j.UpdatedAt = time.Now().UTC()
			ids = append(ids, j.ID)
		}
		return len(ids) > 0
	})
	if err != nil {
		return ipc.Errorf(ipc.KindIO, err.Error())
	}
	sort.Ints(ids)
	return &ipc.Response{Type: ipc.TypeTagRenameResult, Count: len(ids), IDs: ids}
}

func (d *Daemon) handleFlush(req *ipc.Request) *ipc.Response {
	resp := &ipc.Response{Type: ipc.TypeFlushResult}

	if req.Jobs {
		removed := 0
		err := d.scheduler.MutateJobs(func(jobs map[int]*job.Job) bool {
			for id, j := range jobs {
				// Cron jobs are never flushed, even when completed.
				if j.Type == job.TypeOnce && j.Status == job.StatusCompleted {
					delete(jobs, id)
					removed++
				}
			}
			return removed > 0
		})
		if err != nil {
			return ipc.Errorf(ipc.KindIO, err.Error())
		}
		resp.JobsRemoved = removed
	}

	if req.Logs {
		all := req.LogsAgeMs <= 0
		cutoff := time.Now().Add(-time.Duration(req.LogsAgeMs) * time.Millisecond)
		n, err := joblog.SweepOlder(d.paths.LogDir, cutoff, all)
		if err != nil {
			return ipc.Errorf(ipc.KindIO, err.Error())
		}
		resp.LogsRemoved = n
	}

	if req.History {
		var n int64
		var err error
		if req.HistoryAgeMs <= 0 {
			n, err = d.history.ClearAll()
		} else {
			cutoff := time.Now().UTC().Add(-time.Duration(req.HistoryAgeMs) * time.Millisecond)
			n, err = d.history.ClearBefore(cutoff)
		}
		if err != nil {
			return ipc.Errorf(ipc.KindIO, err.Error())
		}
		resp.HistoryRemoved = n
	}

	return resp
}

func newStreamOptions(send func(*ipc.Response) error) *executor.Options {
	return &executor.Options{
		OnStream: func(stream, chunk string) {
			_ = send(&ipc.Response{Type: ipc.TypeJobRunStream, Stream: stream, Chunk: chunk})
		},
	}
}

func removeTag(j *job.Job, tag string) bool {
	for i, t := range j.Tags {
		if t == tag {
			j.Tags = append(j.Tags[:i], j.Tags[i+1:]...)
			if len(j.Tags) == 0 {
				j.Tags = nil
			}
			return true
		}
	}
	return false
}

// schedError maps scheduler errors onto protocol error kinds.
func schedError(err error) *ipc.Response {
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		return ipc.Errorf(ipc.KindNotFound, err.Error())
	case errors.Is(err, scheduler.ErrMaxConcurrent),
		errors.Is(err, scheduler.ErrAlreadyRunning),
		errors.Is(err, scheduler.ErrNameTaken):
		return ipc.Errorf(ipc.KindConflict, err.Error())
	case isIOError(err):
		return ipc.Errorf(ipc.KindIO, err.Error())
	default:
		return ipc.Errorf(ipc.KindValidation, err.Error())
	}
}

func isIOError(err error) bool {
	var pathErr *os.PathError
	return errors.As(err, &pathErr)
}
