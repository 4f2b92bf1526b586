// Package executor runs one job's shell command: spawn, output capture,
// timeout enforcement, retry, history recording.
package executor

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jobman/jobman/internal/job"
	"github.com/jobman/jobman/internal/joblog"
	"github.com/jobman/jobman/internal/store"
)

const (
	// killGrace is how long a timed-out process group gets between the
	// termination signal and the kill signal.
	killGrace = 1 * time.Second

	// maxCaptureBytes bounds each captured stream buffer; output beyond it
	// still flows to the log and stream sink.
	maxCaptureBytes = 1 << 20
)

// Options tunes a single execution.
type Options struct {
	// OnStream receives every output chunk as it arrives, tagged "stdout"
	// or "stderr".
	OnStream func(stream string, chunk string)
}

// Result is the terminal outcome of one execution. Execute never fails with
// an error; spawn problems surface here as a failed Result.
type Result struct {
	Status    store.HistoryStatus `json:"status"`
	ExitCode  *int                `json:"exitCode"`
	Signal    *string             `json:"signal,omitempty"`
	StartTime time.Time           `json:"startTime"`
	EndTime   time.Time           `json:"endTime"`
	Duration  int64               `json:"duration"`
	Stdout    string              `json:"stdout"`
	Stderr    string              `json:"stderr"`
	Error     *string             `json:"error,omitempty"`
	Attempts  int                 `json:"attempts"`
}

// Executor spawns job subprocesses. Safe for concurrent use; each execution
// is independent.
type Executor struct {
	shell      string
	shellArgs  []string
	retryDelay time.Duration
	history    *store.HistoryStore
	logPath    func(j *job.Job) string
	logger     zerolog.Logger
}

// New creates an executor. history may be nil (no recording); logPath maps a
// job to its log file.
func New(shell string, shellArgs []string, history *store.HistoryStore, logPath func(j *job.Job) string, logger zerolog.Logger) *Executor {
	return &Executor{
		shell:      shell,
		shellArgs:  shellArgs,
		retryDelay: 1 * time.Second,
		history:    history,
		logPath:    logPath,
		logger:     logger.With().Str("component", "executor").Logger(),
	}
}

// SetRetryDelay overrides the pause between retry attempts.
func (e *Executor) SetRetryDelay(d time.Duration) { e.retryDelay = d }

// ExecuteWithRetry runs the job up to 1+job.Retry times, pausing between
// attempts, and returns the first success or the final failure.
func (e *Executor) ExecuteWithRetry(j *job.Job, opts *Options) *Result {
	attempts := j.Retry + 1
	var res *Result
	for attempt := 1; attempt <= attempts; attempt++ {
		res = e.Execute(j, opts)
		res.Attempts = attempt
		if res.Status == store.HistorySuccess {
			return res
		}
		if attempt < attempts {
			e.logger.Warn().Int("job", j.ID).Int("attempt", attempt).
				Str("status", string(res.Status)).Msg("attempt failed, retrying")
			time.Sleep(e.retryDelay)
		}
	}
	return res
}

// Execute runs the job's command once and records a history row. The shell
// receives the command as a single argument, sh -c style.
func (e *Executor) Execute(j *job.Job, opts *Options) *Result {
	start := time.Now().UTC()

	res := &Result{
		Status:    store.HistoryFailed,
		StartTime: start,
		Attempts:  1,
	}

	logw, logErr := joblog.Open(e.logPath(j))
	if logErr != nil {
		e.logger.Warn().Err(logErr).Int("job", j.ID).Msg("cannot open job log")
		logw = nil
	}
	if logw != nil {
		defer logw.Close()
	}

	shell := e.shell
	if j.Shell != "" {
		shell = j.Shell
	}
	args := append(append([]string(nil), e.shellArgs...), j.Command)
	cmd := exec.Command(shell, args...)
	cmd.Dir = j.Cwd
	cmd.Env = mergeEnv(os.Environ(), j.Env)
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err == nil {
		var stderr io.ReadCloser
		stderr, err = cmd.StderrPipe()
		if err == nil {
			err = cmd.Start()
			if err == nil {
				e.run(j, cmd, stdout, stderr, logw, opts, res)
				e.record(j, res)
				return res
			}
		}
	}

	// Spawn failure: missing shell, bad cwd, pipe setup.
	now := time.Now().UTC()
	msg := err.Error()
	res.Error = &msg
	res.EndTime = now
	res.Duration = now.Sub(start).Milliseconds()
	if logw != nil {
		_ = logw.Event("ERROR", "Failed to start: "+msg)
	}
	e.record(j, res)
	return res
}

func (e *Executor) run(j *job.Job, cmd *exec.Cmd, stdout, stderr io.ReadCloser, logw *joblog.Writer, opts *Options, res *Result) {
	if logw != nil {
		_ = logw.Event("INFO", "Job starting")
	}
	var outBuf, errBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go e.drain(stdout, "stdout", &outBuf, logw, opts, &wg)
	go e.drain(stderr, "stderr", &errBuf, logw, opts, &wg)

	var timedOut bool
	var timeoutMu sync.Mutex
	var timer *time.Timer
	if d := j.TimeoutDuration(); d > 0 {
		pid := cmd.Process.Pid
		timer = time.AfterFunc(d, func() {
			timeoutMu.Lock()
			timedOut = true
			timeoutMu.Unlock()
			terminateGroup(pid)
			time.Sleep(killGrace)
			killGroup(pid)
		})
	}

	wg.Wait()
	waitErr := cmd.Wait()
	if timer != nil {
		timer.Stop()
	}

	end := time.Now().UTC()
	res.EndTime = end
	res.Duration = end.Sub(res.StartTime).Milliseconds()
	res.Stdout = outBuf.String()
	res.Stderr = errBuf.String()

	timeoutMu.Lock()
	wasTimeout := timedOut
	timeoutMu.Unlock()

	classify(res, cmd, waitErr, wasTimeout, j.TimeoutDuration())

	if logw != nil {
		switch res.Status {
		case store.HistorySuccess:
			_ = logw.Event("INFO", "Job finished successfully")
		default:
			detail := string(res.Status)
			if res.Error != nil {
				detail = *res.Error
			}
			_ = logw.Event("ERROR", "Job finished: "+detail)
		}
	}
}

// drain copies one stream line-by-line into the capture buffer, the job log,
// and the optional stream sink.
func (e *Executor) drain(r io.ReadCloser, stream string, buf *bytes.Buffer, logw *joblog.Writer, opts *Options, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if buf.Len() < maxCaptureBytes {
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
		if logw != nil {
			_ = logw.Line("INFO", stream, line)
		}
		if opts != nil && opts.OnStream != nil {
			opts.OnStream(stream, line+"\n")
		}
	}
	// A scan error (pathological line length) must not leave the pipe
	// unread, or Wait would block on a full buffer.
	_, _ = io.Copy(io.Discard, r)
}

func classify(res *Result, cmd *exec.Cmd, waitErr error, timedOut bool, timeout time.Duration) {
	// A kill that raced with a clean exit is not a timeout.
	if timedOut && waitErr == nil && cmd.ProcessState.Success() {
		timedOut = false
	}
	if timedOut {
		res.Status = store.HistoryTimeout
		msg := fmt.Sprintf("Job timed out after %d ms", timeout.Milliseconds())
		res.Error = &msg
		return
	}

	ps := cmd.ProcessState
	if sig, ok := exitSignal(ps); ok {
		res.Status = store.HistoryKilled
		res.Signal = &sig
		msg := fmt.Sprintf("Job killed with signal %s", sig)
		res.Error = &msg
		return
	}

	code := ps.ExitCode()
	res.ExitCode = &code
	if waitErr == nil && code == 0 {
		res.Status = store.HistorySuccess
		return
	}
	res.Status = store.HistoryFailed
	msg := fmt.Sprintf("Process exited with code %d", code)
	res.Error = &msg
}

// record appends a history row. Failures are logged, never propagated: the
// execution outcome still reaches the caller.
func (e *Executor) record(j *job.Job, res *Result) {
	if e.history == nil {
		return
	}
	entry := &store.HistoryEntry{
		JobID:     j.ID,
		JobName:   j.Name,
		Command:   j.Command,
		Status:    res.Status,
		ExitCode:  res.ExitCode,
		StartTime: res.StartTime,
		EndTime:   res.EndTime,
		Duration:  res.Duration,
		Error:     res.Error,
		Timestamp: res.StartTime,
	}
	if err := e.history.Append(entry); err != nil {
		e.logger.Warn().Err(err).Int("job", j.ID).Msg("failed to record history")
	}
}

func mergeEnv(parent []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return parent
	}
	merged := make([]string, 0, len(parent)+len(extra))
	for _, kv := range parent {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, ok := extra[key]; ok {
			continue
		}
		merged = append(merged, kv)
	}
	for k, v := range extra {
		merged = append(merged, k+"="+v)
	}
	return merged
}
