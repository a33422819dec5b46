package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagerisk/internal/scan"
)

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	clock := &stepClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewJobStore(clock)
	ctx := context.Background()
	job := scan.Job{ID: "job-1", Status: scan.JobStatusQueued, URLs: []string{"https://example.com"}}

	require.NoError(t, store.CreateJob(ctx, job))
	require.ErrorIs(t, store.CreateJob(ctx, job), scan.ErrJobExists)
	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, scan.JobStatusRunning, "", scan.JobCounters{}))

	record := scan.ScanRecord{JobID: job.ID, ScanID: "scan-1", URL: "https://example.com"}
	require.NoError(t, store.RecordScan(ctx, record))

	scans, err := store.ListScans(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	scans[0].URL = "modified"
	again, err := store.ListScans(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, "https://example.com", again[0].URL)

	counters := scan.JobCounters{Scanned: 1, Suspicious: 1}
	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, scan.JobStatusSucceeded, "", counters))

	final, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, scan.JobStatusSucceeded, final.Status)
	require.NotNil(t, final.Started)
	require.NotNil(t, final.Finished)
	require.True(t, final.Finished.After(*final.Started))
	require.Equal(t, counters, final.Counters)

	// Terminal jobs stay terminal.
	require.NoError(t, store.UpdateJobStatus(ctx, job.ID, scan.JobStatusRunning, "", scan.JobCounters{}))
	final, err = store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, scan.JobStatusSucceeded, final.Status)
}

func TestJobStoreUnknownJob(t *testing.T) {
	t.Parallel()

	store := NewJobStore(nil)
	ctx := context.Background()

	_, err := store.GetJob(ctx, "missing")
	require.ErrorIs(t, err, scan.ErrJobNotFound)
	_, err = store.ListScans(ctx, "missing")
	require.ErrorIs(t, err, scan.ErrJobNotFound)
	require.ErrorIs(t, store.UpdateJobStatus(ctx, "missing", scan.JobStatusFailed, "", scan.JobCounters{}),
		scan.ErrJobNotFound)
	require.ErrorIs(t, store.RecordScan(ctx, scan.ScanRecord{JobID: "missing"}), scan.ErrJobNotFound)
}
