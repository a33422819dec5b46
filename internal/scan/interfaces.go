package scan

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves a URL with a single acquisition strategy.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// JobStore persists job metadata and per-URL scan records.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errText string, counters JobCounters) error
	RecordScan(ctx context.Context, record ScanRecord) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListScans(ctx context.Context, jobID string) ([]ScanRecord, error)
}

// ReportStore archives completed scan reports (e.g. in Postgres).
type ReportStore interface {
	StoreReport(ctx context.Context, record ScanRecord) error
}

// BlobStore writes captured page content and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes verdict notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for scan jobs.
type Queue interface {
	Enqueue(ctx context.Context, job QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// RateLimiter throttles scans per target host.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces scan and job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
