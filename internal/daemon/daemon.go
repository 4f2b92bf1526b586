// Package daemon wires the scheduler, executor, and IPC server into a
// well-behaved singleton process.
package daemon

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/jobman/jobman/internal/config"
	"github.com/jobman/jobman/internal/executor"
	"github.com/jobman/jobman/internal/infra"
	"github.com/jobman/jobman/internal/ipc"
	"github.com/jobman/jobman/internal/job"
	"github.com/jobman/jobman/internal/joblog"
	"github.com/jobman/jobman/internal/scheduler"
	"github.com/jobman/jobman/internal/store"
)

// ErrAlreadyRunning indicates another daemon owns the singleton lock.
var ErrAlreadyRunning = fmt.Errorf("daemon already running")

// childEnvMarker tells a re-exec'd child it was spawned by its own binary.
const childEnvMarker = "JOBMAN_DAEMONIZED"

// stopDelay gives the stop reply time to flush before shutdown begins.
const stopDelay = 100 * time.Millisecond

// Daemon owns the long-running process state.
type Daemon struct {
	paths  infra.Paths
	cfg    *config.Config
	logger zerolog.Logger
	logOut io.WriteCloser

	lock      *flock.Flock
	history   *store.HistoryStore
	exec      *executor.Executor
	scheduler *scheduler.Scheduler
	server    *ipc.Server

	shutdownOnce sync.Once
	doneCh       chan struct{}
}

// New builds a daemon against the given paths and config.
func New(paths infra.Paths, cfg *config.Config) *Daemon {
	return &Daemon{paths: paths, cfg: cfg, doneCh: make(chan struct{})}
}

// StartDetached spawns the daemon as a background child of the same
// executable and waits for it to come up.
func StartDetached(paths infra.Paths, cfg *config.Config) (int, error) {
	if IsRunning(paths) {
		return 0, ErrAlreadyRunning
	}
	if err := paths.EnsureDirs(); err != nil {
		return 0, err
	}

	executable, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locating executable: %w", err)
	}

	cmd := exec.Command(executable, "daemon", "start", "--foreground")
	cmd.Env = append(os.Environ(), childEnvMarker+"=1")
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawning daemon: %w", err)
	}
	childPid := cmd.Process.Pid
	go cmd.Wait()

	// Bounded wait for the child to write its PID file and stay alive.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(150 * time.Millisecond)
		pid, err := ReadPID(paths)
		if err == nil && processAlive(pid) {
			return pid, nil
		}
		if !processAlive(childPid) {
			return 0, fmt.Errorf("daemon exited during startup, see %s", paths.DaemonLogFile())
		}
	}
	return 0, fmt.Errorf("daemon did not come up within 5s")
}

// Run executes the daemon in-process until shutdown. Returns only after the
// event loop ends.
func (d *Daemon) Run() error {
	if err := d.paths.EnsureDirs(); err != nil {
		return err
	}

	// Singleton: advisory lock first, PID file second.
	d.lock = flock.New(d.paths.LockFile())
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("checking daemon lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	if err := writePID(d.paths, os.Getpid()); err != nil {
		_ = d.lock.Unlock()
		return err
	}

	d.logOut = joblog.OpenDaemonLog(d.paths.DaemonLogFile(), d.cfg.MaxLogFileBytes(), d.cfg.Logging.MaxFiles)
	d.logger = zerolog.New(d.logOut).With().Timestamp().Str("component", "daemon").Logger().
		Level(parseLevel(d.cfg.Logging.Level))
	d.logger.Info().Int("pid", os.Getpid()).Msg("daemon starting")

	d.history, err = store.NewHistoryStore(d.paths.HistoryFile(), store.RetentionPolicy{
		MaxEntriesPerJob: d.cfg.History.MaxEntriesPerJob,
		RetentionDays:    d.cfg.History.RetentionDays,
	}, d.logger)
	if err != nil {
		d.teardownFiles()
		return err
	}

	shell, shellArgs := d.cfg.ResolveShell()
	d.exec = executor.New(shell, shellArgs, d.history, func(j *job.Job) string {
		return d.paths.JobLogFile(j.ID, j.Name)
	}, d.logger)

	jobStore := store.NewJobStore(d.paths.JobsFile())
	d.scheduler = scheduler.New(jobStore, d.exec, d.cfg.TickInterval(), d.cfg.Daemon.MaxConcurrent,
		scheduler.CleanupPolicy{
			CompletedJobRetentionDays: d.cfg.Cleanup.CompletedJobRetentionDays,
			LogRetentionDays:          d.cfg.Cleanup.LogRetentionDays,
			LogDir:                    d.paths.LogDir,
		}, d.logger)
	if err := d.scheduler.Start(); err != nil {
		d.history.Close()
		d.teardownFiles()
		return err
	}

	d.server = ipc.NewServer(d.paths.SocketPath(), d.handle, d.logger)
	if err := d.server.Start(); err != nil {
		d.scheduler.Stop()
		d.history.Close()
		d.teardownFiles()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		d.logger.Info().Str("signal", sig.String()).Msg("termination signal received")
		d.Shutdown()
	}()

	<-d.doneCh
	return nil
}

// Shutdown stops the scheduler and IPC server and removes the PID file.
// In-flight job executions are left to finish. Idempotent.
func (d *Daemon) Shutdown() {
	d.shutdownOnce.Do(func() {
		d.logger.Info().Msg("daemon shutting down")
		d.scheduler.Stop()
		d.server.Stop()
		if err := d.history.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("closing history store")
		}
		d.teardownFiles()
		d.logger.Info().Msg("daemon stopped")
		if d.logOut != nil {
			_ = d.logOut.Close()
		}
		close(d.doneCh)
	})
}

func (d *Daemon) teardownFiles() {
	_ = os.Remove(d.paths.PIDFile())
	if d.lock != nil {
		_ = d.lock.Unlock()
	}
}

// IsRunning reports whether a live daemon owns the PID file.
func IsRunning(paths infra.Paths) bool {
	pid, err := ReadPID(paths)
	if err != nil {
		return false
	}
	return processAlive(pid)
}

// ReadPID reads the daemon PID file.
func ReadPID(paths infra.Paths) (int, error) {
	data, err := os.ReadFile(paths.PIDFile())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file")
	}
	return pid, nil
}

func writePID(paths infra.Paths, pid int) error {
	return os.WriteFile(paths.PIDFile(), []byte(strconv.Itoa(pid)), 0o644)
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
