// Package store persists the job catalogue and the execution history.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/jobman/jobman/internal/job"
)

// JobStore persists jobs as a pretty-printed JSON array. All writes are
// serialized and go through a temp-file rename so a crash never leaves a torn
// file.
type JobStore struct {
	path string
	mu   sync.Mutex
}

// NewJobStore creates a store rooted at path.
func NewJobStore(path string) *JobStore {
	return &JobStore{path: path}
}

// ListJobs returns all jobs in insertion order.
func (s *JobStore) ListJobs() ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// SaveJobs atomically replaces the catalogue.
func (s *JobStore) SaveJobs(jobs []*job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if jobs == nil {
		jobs = []*job.Job{}
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("writing jobs file: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".jobs-*.json")
	if err != nil {
		return fmt.Errorf("writing jobs file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing jobs file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing jobs file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("writing jobs file: %w", err)
	}
	return nil
}

// GetByID returns the job with the given id, or nil.
func (s *JobStore) GetByID(id int) (*job.Job, error) {
	jobs, err := s.ListJobs()
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return nil, nil
}

// GetByName returns the job with the given name, or nil.
func (s *JobStore) GetByName(name string) (*job.Job, error) {
	jobs, err := s.ListJobs()
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j.Name != "" && j.Name == name {
			return j, nil
		}
	}
	return nil, nil
}

// GetByRef resolves a job reference: a numeric string is an id, anything
// else a name.
func (s *JobStore) GetByRef(ref string) (*job.Job, error) {
	if id, err := strconv.Atoi(ref); err == nil {
		j, err := s.GetByID(id)
		if err != nil || j != nil {
			return j, err
		}
	}
	return s.GetByName(ref)
}

func (s *JobStore) loadLocked() ([]*job.Job, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading jobs file: %w", err)
	}
	var jobs []*job.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return nil, fmt.Errorf("parsing jobs file: %w", err)
	}
	return jobs, nil
}
