package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/pagerisk/internal/scan"
)

// JobStore provides an in-memory scan.JobStore.
type JobStore struct {
	mu    sync.RWMutex
	now   func() time.Time
	jobs  map[string]scan.Job
	scans map[string][]scan.ScanRecord
}

// NewJobStore constructs a JobStore. A nil clock uses the wall clock.
func NewJobStore(clock scan.Clock) *JobStore {
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &JobStore{
		now:   now,
		jobs:  make(map[string]scan.Job),
		scans: make(map[string][]scan.ScanRecord),
	}
}

// CreateJob stores a new job.
func (s *JobStore) CreateJob(_ context.Context, job scan.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create %s: %w", job.ID, scan.ErrJobExists)
	}
	job.URLs = append([]string(nil), job.URLs...)
	s.jobs[job.ID] = job
	return nil
}

// UpdateJobStatus updates the status and counters for a job. Terminal jobs
// are never moved back to a non-terminal state.
func (s *JobStore) UpdateJobStatus(
	_ context.Context,
	jobID string,
	status scan.JobStatus,
	errText string,
	counters scan.JobCounters,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("update %s: %w", jobID, scan.ErrJobNotFound)
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.Status = status
	job.ErrorText = errText
	job.Counters = counters
	now := s.now()
	if status == scan.JobStatusRunning && job.Started == nil {
		job.Started = &now
	}
	if status.IsTerminal() {
		job.Finished = &now
	}
	s.jobs[jobID] = job
	return nil
}

// RecordScan appends a scan record for a job.
func (s *JobStore) RecordScan(_ context.Context, record scan.ScanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[record.JobID]; !ok {
		return fmt.Errorf("record scan for %s: %w", record.JobID, scan.ErrJobNotFound)
	}
	s.scans[record.JobID] = append(s.scans[record.JobID], record)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scan.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scan.Job{}, fmt.Errorf("get %s: %w", jobID, scan.ErrJobNotFound)
	}
	return job, nil
}

// ListScans returns the scan records of a job in recording order.
func (s *JobStore) ListScans(_ context.Context, jobID string) ([]scan.ScanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, fmt.Errorf("list scans for %s: %w", jobID, scan.ErrJobNotFound)
	}
	records := s.scans[jobID]
	out := make([]scan.ScanRecord, len(records))
	copy(out, records)
	return out, nil
}
