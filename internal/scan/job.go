package scan

import (
	"errors"
	"time"
)

// Job store and queue errors.
var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
	ErrQueueClosed = errors.New("queue closed")
)

// JobStatus represents the lifecycle state of a batch scan job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Job represents the metadata persisted for each submitted batch of URLs.
type Job struct {
	ID        string      `json:"id"`
	Status    JobStatus   `json:"status"`
	URLs      []string    `json:"urls"`
	Submitted time.Time   `json:"submitted_at"`
	Started   *time.Time  `json:"started_at,omitempty"`
	Finished  *time.Time  `json:"finished_at,omitempty"`
	ErrorText string      `json:"error_text,omitempty"`
	Counters  JobCounters `json:"counters"`
}

// JobCounters tracks per-job outcomes.
type JobCounters struct {
	Scanned    int `json:"scanned"`
	Failed     int `json:"failed"`
	Malicious  int `json:"malicious"`
	Suspicious int `json:"suspicious"`
}

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Record bumps the verdict counters for a successful scan.
func (c *JobCounters) Record(v Verdict) {
	c.Scanned++
	switch v {
	case VerdictMalicious:
		c.Malicious++
	case VerdictSuspicious:
		c.Suspicious++
	}
}

// ScanRecord is persisted for every URL processed by a job.
type ScanRecord struct {
	JobID       string    `json:"job_id"`
	ScanID      string    `json:"scan_id"`
	URL         string    `json:"url"`
	ContentHash string    `json:"content_hash,omitempty"`
	BlobURI     string    `json:"blob_uri,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	RecordedAt  time.Time `json:"recorded_at"`
	Error       string    `json:"error,omitempty"`
	Report      *Report   `json:"report,omitempty"`
}

// JobResult is returned by the API result endpoint.
type JobResult struct {
	Job   Job          `json:"job"`
	Scans []ScanRecord `json:"scans"`
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	URLs      []string
	Attempt   int
	Submitted int64
}
