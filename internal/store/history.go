package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
	"github.com/rs/zerolog"
)

// HistoryStatus classifies how an execution ended.
type HistoryStatus string

const (
	HistorySuccess HistoryStatus = "success"
	HistoryFailed  HistoryStatus = "failed"
	HistoryTimeout HistoryStatus = "timeout"
	HistoryKilled  HistoryStatus = "killed"
)

// HistoryEntry is one recorded execution.
type HistoryEntry struct {
	ID        int64         `json:"id"`
	JobID     int           `json:"jobId"`
	JobName   string        `json:"jobName,omitempty"`
	Command   string        `json:"command"`
	Status    HistoryStatus `json:"status"`
	ExitCode  *int          `json:"exitCode"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  int64         `json:"duration"`
	Error     *string       `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	CreatedAt time.Time     `json:"createdAt"`
}

// RetentionPolicy bounds per-job history rows and overall row age.
type RetentionPolicy struct {
	MaxEntriesPerJob int
	RetentionDays    int
}

// HistoryQuery selects history rows. Zero values mean "no filter". Order is
// "asc" or "desc" (default) by timestamp.
type HistoryQuery struct {
	JobID  int
	Status HistoryStatus
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
	Order  string
}

// HistoryStore records executions in an indexed SQLite table. Opened with WAL
// and a busy timeout so concurrent executor goroutines can append without
// tripping over the writer lock.
type HistoryStore struct {
	db        *sql.DB
	retention RetentionPolicy
	logger    zerolog.Logger
}

// NewHistoryStore opens or creates the history database at path.
func NewHistoryStore(path string, retention RetentionPolicy, logger zerolog.Logger) (*HistoryStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	s := &HistoryStore{
		db:        db,
		retention: retention,
		logger:    logger.With().Str("component", "history").Logger(),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

func (s *HistoryStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id     INTEGER NOT NULL,
			job_name   TEXT,
			command    TEXT NOT NULL,
			status     TEXT NOT NULL,
			exit_code  INTEGER,
			start_time INTEGER NOT NULL,
			end_time   INTEGER NOT NULL,
			duration   INTEGER NOT NULL,
			error      TEXT,
			timestamp  INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_history_job_id ON history(job_id);
		CREATE INDEX IF NOT EXISTS idx_history_timestamp ON history(timestamp);
		CREATE INDEX IF NOT EXISTS idx_history_job_ts ON history(job_id, timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_history_status ON history(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append inserts an entry and, in the same transaction, applies the per-job
// row cap to the affected job and the age cutoff to all jobs' rows.
func (s *HistoryStore) Append(e *HistoryEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	defer tx.Rollback()

	if e.Timestamp.IsZero() {
		e.Timestamp = e.StartTime
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	res, err := tx.Exec(`
		INSERT INTO history (job_id, job_name, command, status, exit_code,
			start_time, end_time, duration, error, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.JobID, e.JobName, e.Command, string(e.Status), e.ExitCode,
		e.StartTime.UnixMilli(), e.EndTime.UnixMilli(), e.Duration,
		e.Error, e.Timestamp.UnixMilli(), e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}

	if s.retention.MaxEntriesPerJob > 0 {
		_, err = tx.Exec(`
			DELETE FROM history WHERE job_id = ? AND id NOT IN (
				SELECT id FROM history WHERE job_id = ?
				ORDER BY timestamp DESC, id DESC LIMIT ?
			)`, e.JobID, e.JobID, s.retention.MaxEntriesPerJob)
		if err != nil {
			return fmt.Errorf("apply history retention: %w", err)
		}
	}
	if s.retention.RetentionDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -s.retention.RetentionDays)
		_, err = tx.Exec(`DELETE FROM history WHERE created_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return fmt.Errorf("apply history retention: %w", err)
		}
	}

	return tx.Commit()
}

// Query returns entries matching q ordered by timestamp.
func (s *HistoryStore) Query(q HistoryQuery) ([]*HistoryEntry, error) {
	var where []string
	var args []any

	if q.JobID > 0 {
		where = append(where, "job_id = ?")
		args = append(args, q.JobID)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if !q.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, q.Until.UnixMilli())
	}

	query := `SELECT id, job_id, job_name, command, status, exit_code,
		start_time, end_time, duration, error, timestamp, created_at FROM history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if strings.EqualFold(q.Order, "asc") {
		query += " ORDER BY timestamp ASC, id ASC"
	} else {
		query += " ORDER BY timestamp DESC, id DESC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, q.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountForJob returns the number of rows recorded for a job.
func (s *HistoryStore) CountForJob(jobID int) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM history WHERE job_id = ?`, jobID).Scan(&n)
	return n, err
}

// ClearBefore removes entries with timestamp older than cutoff and returns
// the count removed.
func (s *HistoryStore) ClearBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM history WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	return res.RowsAffected()
}

// ClearJob removes all entries for one job.
func (s *HistoryStore) ClearJob(jobID int) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM history WHERE job_id = ?`, jobID)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	return res.RowsAffected()
}

// ClearAll removes every entry.
func (s *HistoryStore) ClearAll() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM history`)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (*HistoryEntry, error) {
	var e HistoryEntry
	var exitCode sql.NullInt64
	var errMsg sql.NullString
	var start, end, ts, created int64

	err := r.Scan(&e.ID, &e.JobID, &e.JobName, &e.Command, (*string)(&e.Status),
		&exitCode, &start, &end, &e.Duration, &errMsg, &ts, &created)
	if err != nil {
		return nil, err
	}
	if exitCode.Valid {
		n := int(exitCode.Int64)
		e.ExitCode = &n
	}
	if errMsg.Valid {
		msg := errMsg.String
		e.Error = &msg
	}
	e.StartTime = time.UnixMilli(start).UTC()
	e.EndTime = time.UnixMilli(end).UTC()
	e.Timestamp = time.UnixMilli(ts).UTC()
	e.CreatedAt = time.UnixMilli(created).UTC()
	return &e, nil
}
