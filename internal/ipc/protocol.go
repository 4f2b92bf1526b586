// Package ipc carries requests between the CLI and the daemon: one JSON
// object per line over a local stream socket.
package ipc

import (
	"github.com/jobman/jobman/internal/executor"
	"github.com/jobman/jobman/internal/job"
	"github.com/jobman/jobman/internal/scheduler"
)

// Request type strings. These are the wire contract.
const (
	TypePing       = "ping"
	TypeStatus     = "status"
	TypeStop       = "stop"
	TypeJobAdd     = "job:add"
	TypeJobList    = "job:list"
	TypeJobGet     = "job:get"
	TypeJobRemove  = "job:remove"
	TypeJobUpdate  = "job:update"
	TypeJobPause   = "job:pause"
	TypeJobResume  = "job:resume"
	TypeJobRun     = "job:run"
	TypeTagList    = "tag:list"
	TypeTagAdd     = "tag:add"
	TypeTagRemove  = "tag:remove"
	TypeTagClear   = "tag:clear"
	TypeTagRename  = "tag:rename"
	TypeFlush      = "flush"
	TypeReloadJobs = "reload:jobs"
)

// Response type strings.
const (
	TypePong            = "pong"
	TypeStatusResult    = "status"
	TypeStopped         = "stopped"
	TypeJobAdded        = "job:added"
	TypeJobListResult   = "job:list:result"
	TypeJobGetResult    = "job:get:result"
	TypeJobRemoved      = "job:removed"
	TypeJobUpdated      = "job:updated"
	TypeJobPaused       = "job:paused"
	TypeJobResumed      = "job:resumed"
	TypeJobRunStream    = "job:run:stream"
	TypeJobRunResult    = "job:run:result"
	TypeTagListResult   = "tag:list:result"
	TypeTagAddResult    = "tag:add:result"
	TypeTagRemoveResult = "tag:remove:result"
	TypeTagClearResult  = "tag:clear:result"
	TypeTagRenameResult = "tag:rename:result"
	TypeFlushResult     = "flush:result"
	TypeReloadResult    = "reload:jobs:result"
	TypeError           = "error"
)

// Error kinds surfaced in error responses.
const (
	KindValidation = "validation"
	KindNotFound   = "not_found"
	KindConflict   = "conflict"
	KindIO         = "io"
	KindExecution  = "execution"
	KindInternal   = "internal"
)

// Request is the flat request envelope; Type selects which fields matter.
type Request struct {
	Type string `json:"type"`

	// job:add
	JobData *job.Data `json:"jobData,omitempty"`

	// job lookups: numeric id or name
	Ref string `json:"ref,omitempty"`

	// job:list filters
	Status  string `json:"status,omitempty"`
	Tag     string `json:"tag,omitempty"`
	JobType string `json:"jobType,omitempty"`

	// job:update
	Patch *job.Patch `json:"patch,omitempty"`

	// job:run
	Wait bool `json:"wait,omitempty"`

	// tag:rename (tag:add / tag:remove / tag:rename carry the tag in Tag)
	NewTag string `json:"newTag,omitempty"`

	// flush
	Jobs         bool  `json:"jobs,omitempty"`
	Logs         bool  `json:"logs,omitempty"`
	LogsAgeMs    int64 `json:"logsAgeMs,omitempty"`
	History      bool  `json:"history,omitempty"`
	HistoryAgeMs int64 `json:"historyAgeMs,omitempty"`
}

// Response is the flat response envelope.
type Response struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`

	Running bool             `json:"running,omitempty"`
	PID     int              `json:"pid,omitempty"`
	Stats   *scheduler.Stats `json:"stats,omitempty"`

	Job  *job.Job   `json:"job,omitempty"`
	Jobs []*job.Job `json:"jobs,omitempty"`

	Removed bool `json:"removed,omitempty"`

	// job:run. Status is "queued" for wait:false, else mirrors the result
	// status.
	Status string           `json:"status,omitempty"`
	Result *executor.Result `json:"result,omitempty"`

	// job:run:stream
	Stream string `json:"stream,omitempty"`
	Chunk  string `json:"chunk,omitempty"`

	// tag operations
	Tags  []string `json:"tags,omitempty"`
	Count int      `json:"count,omitempty"`
	IDs   []int    `json:"ids,omitempty"`

	// flush
	JobsRemoved    int   `json:"jobsRemoved,omitempty"`
	LogsRemoved    int   `json:"logsRemoved,omitempty"`
	HistoryRemoved int64 `json:"historyRemoved,omitempty"`
}

// Errorf builds an error response.
func Errorf(kind, message string) *Response {
	return &Response{Type: TypeError, Kind: kind, Message: message}
}
