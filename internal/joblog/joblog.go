// Package joblog writes per-job execution logs and the daemon's own rotated
// log file.
package joblog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Writer appends tagged, timestamped lines to one job's log file. Each line
// is written in a single call under a mutex so concurrent stream readers
// never interleave within a line.
type Writer struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// Open creates (or appends to) the log file for a job.
func Open(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{path: path, f: f}, nil
}

// Line writes one record: ISO-8601 UTC timestamp, level, stream tag, text.
// Trailing newlines in text are trimmed; the record always ends with one.
func (w *Writer) Line(level, stream, text string) error {
	text = strings.TrimRight(text, "\r\n")
	record := fmt.Sprintf("%s [%s] [%s] %s\n",
		time.Now().UTC().Format(timestampLayout), level, stream, text)

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := io.WriteString(w.f, record)
	return err
}

// Event writes a lifecycle note (no stream tag).
func (w *Writer) Event(level, text string) error {
	record := fmt.Sprintf("%s [%s] %s\n",
		time.Now().UTC().Format(timestampLayout), level, text)

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := io.WriteString(w.f, record)
	return err
}

// Path returns the log file path.
func (w *Writer) Path() string { return w.path }

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// OpenDaemonLog returns a size-rotated writer for the daemon's own log.
func OpenDaemonLog(path string, maxBytes int64, maxFiles int) io.WriteCloser {
	maxMB := int(maxBytes / (1 << 20))
	if maxMB < 1 {
		maxMB = 1
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxMB,
		MaxBackups: maxFiles,
		Compress:   false,
	}
}

// SweepOlder removes .log files under dir whose mtime is older than cutoff
// and returns how many were removed. With all set, the cutoff is ignored and
// every .log file is removed.
func SweepOlder(dir string, cutoff time.Time, all bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if !all {
			info, err := entry.Info()
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	return removed, nil
}
