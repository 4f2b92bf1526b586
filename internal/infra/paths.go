// Package infra provides infrastructure utilities.
package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds commonly used paths.
type Paths struct {
	DataDir    string
	RuntimeDir string
	LogDir     string
}

// Resolve computes the per-user path set. JOBMAN_DATA_DIR overrides the
// platform data dir. On POSIX the runtime dir is XDG_RUNTIME_DIR/jobman when
// XDG_RUNTIME_DIR is set (even with JOBMAN_DATA_DIR), else the data dir.
func Resolve() Paths {
	data := resolveDataDir()
	return Paths{
		DataDir:    data,
		RuntimeDir: resolveRuntimeDir(data),
		LogDir:     filepath.Join(data, "logs"),
	}
}

func resolveDataDir() string {
	if dir := os.Getenv("JOBMAN_DATA_DIR"); dir != "" {
		return dir
	}

	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "jobman")
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData != "" {
			return filepath.Join(localAppData, "Jobman")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Jobman")
	default:
		xdg := os.Getenv("XDG_DATA_HOME")
		if xdg != "" {
			return filepath.Join(xdg, "jobman")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "jobman")
	}
}

func resolveRuntimeDir(dataDir string) string {
	if runtime.GOOS == "windows" {
		// Named pipes are not filesystem paths; SocketPath handles them.
		return dataDir
	}
	if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
		return filepath.Join(xdg, "jobman")
	}
	return dataDir
}

// JobsFile is the durable job catalogue.
func (p Paths) JobsFile() string { return filepath.Join(p.DataDir, "jobs.json") }

// HistoryFile is the execution history database.
func (p Paths) HistoryFile() string { return filepath.Join(p.DataDir, "history.db") }

// ConfigFile is the user configuration file.
func (p Paths) ConfigFile() string { return filepath.Join(p.DataDir, "config.json") }

// PIDFile names the daemon singleton PID file.
func (p Paths) PIDFile() string { return filepath.Join(p.RuntimeDir, "daemon.pid") }

// LockFile names the daemon singleton lock.
func (p Paths) LockFile() string { return filepath.Join(p.RuntimeDir, "daemon.lock") }

// DaemonLogFile is the daemon's own rotated log.
func (p Paths) DaemonLogFile() string { return filepath.Join(p.LogDir, "daemon.log") }

// SocketPath is the IPC endpoint: a Unix socket on POSIX, a named pipe on
// Windows.
func (p Paths) SocketPath() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\jobman`
	}
	return filepath.Join(p.RuntimeDir, "jobman.sock")
}

// JobLogFile is the per-job execution log. Named jobs log under their name,
// anonymous jobs under their id.
func (p Paths) JobLogFile(id int, name string) string {
	base := fmt.Sprintf("job-%d", id)
	if name != "" {
		base = name
	}
	return filepath.Join(p.LogDir, base+".log")
}

// EnsureDirs creates all required directories.
func (p Paths) EnsureDirs() error {
	dirs := []string{p.DataDir, p.RuntimeDir, p.LogDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
