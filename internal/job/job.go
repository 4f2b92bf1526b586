// Package job defines the job model shared by the scheduler, the stores, and
// the wire protocol.
package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jobman/jobman/internal/timeparse"
)

// Type discriminates the two schedule kinds.
type Type string

const (
	TypeCron Type = "cron"
	TypeOnce Type = "once"
)

// Status is the scheduling state of a job.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result is the outcome of the most recent execution.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailed  Result = "failed"
)

// Duration is a time.Duration that travels as a Go duration string ("200ms",
// "1h30m") on the wire and in jobs.json. A bare integer is accepted as
// seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := timeparse.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string or integer seconds")
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

// Job is one scheduled command. Exactly one of Cron and RunAt is set; Type is
// derived from which.
type Job struct {
	ID      int    `json:"id"`
	Name    string `json:"name,omitempty"`
	Command string `json:"command"`
	Type    Type   `json:"type"`

	Cron  string     `json:"cron,omitempty"`
	RunAt *time.Time `json:"runAt,omitempty"`

	Status Status `json:"status"`

	Tags    []string          `json:"tags,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Shell   string            `json:"shell,omitempty"`
	Timeout *Duration         `json:"timeout,omitempty"`
	Retry   int               `json:"retry,omitempty"`

	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	RunCount     int        `json:"runCount"`
	RetryCount   int        `json:"retryCount"`
	LastRun      *time.Time `json:"lastRun,omitempty"`
	LastResult   Result     `json:"lastResult,omitempty"`
	LastExitCode *int       `json:"lastExitCode,omitempty"`
	NextRun      *time.Time `json:"nextRun,omitempty"`
	Error        string     `json:"error,omitempty"`
	ExpiredAt    *time.Time `json:"expiredAt,omitempty"`
}

// Clone returns a deep copy so executor goroutines can borrow a snapshot
// without sharing mutable state with the scheduler.
func (j *Job) Clone() *Job {
	c := *j
	if j.RunAt != nil {
		t := *j.RunAt
		c.RunAt = &t
	}
	if j.Timeout != nil {
		d := *j.Timeout
		c.Timeout = &d
	}
	if j.LastRun != nil {
		t := *j.LastRun
		c.LastRun = &t
	}
	if j.LastExitCode != nil {
		n := *j.LastExitCode
		c.LastExitCode = &n
	}
	if j.NextRun != nil {
		t := *j.NextRun
		c.NextRun = &t
	}
	if j.ExpiredAt != nil {
		t := *j.ExpiredAt
		c.ExpiredAt = &t
	}
	if j.Tags != nil {
		c.Tags = append([]string(nil), j.Tags...)
	}
	if j.Env != nil {
		c.Env = make(map[string]string, len(j.Env))
		for k, v := range j.Env {
			c.Env[k] = v
		}
	}
	return &c
}

// TimeoutDuration returns the job timeout, zero when unset.
func (j *Job) TimeoutDuration() time.Duration {
	if j.Timeout == nil {
		return 0
	}
	return time.Duration(*j.Timeout)
}

// HasTag reports whether the job carries tag (tags are stored lowercase).
func (j *Job) HasTag(tag string) bool {
	for _, t := range j.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ComputeNextRun derives NextRun from the schedule and status. For active
// once-jobs it is RunAt even if that instant has passed; the due detector or
// load-time reconciliation decides what to do with it.
func (j *Job) ComputeNextRun(now time.Time) {
	if j.Status != StatusActive {
		j.NextRun = nil
		return
	}
	switch j.Type {
	case TypeOnce:
		if j.RunAt != nil {
			t := j.RunAt.UTC()
			j.NextRun = &t
		} else {
			j.NextRun = nil
		}
	case TypeCron:
		next, err := timeparse.NextAfter(j.Cron, now)
		if err != nil {
			j.NextRun = nil
			return
		}
		j.NextRun = &next
	}
}

// Due reports whether the job should fire at now.
func (j *Job) Due(now time.Time) bool {
	return j.Status == StatusActive && j.NextRun != nil && !j.NextRun.After(now)
}
