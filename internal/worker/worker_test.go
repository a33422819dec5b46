package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagerisk/internal/hash/sha256"
	pubmem "github.com/JakeFAU/pagerisk/internal/publisher/memory"
	queuemem "github.com/JakeFAU/pagerisk/internal/queue/memory"
	"github.com/JakeFAU/pagerisk/internal/scan"
	"github.com/JakeFAU/pagerisk/internal/scanner"
	storemem "github.com/JakeFAU/pagerisk/internal/storage/memory"
)

type harness struct {
	queue     *queuemem.Queue
	jobs      *storemem.JobStore
	blobs     *storemem.BlobStore
	reports   *fakeReportStore
	publisher *pubmem.Publisher
	scanner   *fakeScanner
	cancels   *Cancels
	worker    *Worker
}

func newHarness(t *testing.T, topic string) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Unix(100, 0)}
	h := &harness{
		queue:     queuemem.NewQueue(4),
		jobs:      storemem.NewJobStore(clock),
		blobs:     storemem.NewBlobStore(),
		reports:   &fakeReportStore{},
		publisher: pubmem.New(),
		scanner:   &fakeScanner{verdicts: map[string]scan.Verdict{}, errs: map[string]error{}},
		cancels:   NewCancels(),
	}
	h.worker = New(Deps{
		Queue:       h.queue,
		JobStore:    h.jobs,
		ReportStore: h.reports,
		BlobStore:   h.blobs,
		Publisher:   h.publisher,
		Hasher:      sha256.New(),
		Clock:       clock,
		IDs:         &fakeIDGen{},
		Scanner:     h.scanner,
		Cancels:     h.cancels,
	}, Config{BlobPrefix: "pages/", Topic: topic}, zap.NewNop())
	return h
}

func (h *harness) submit(t *testing.T, jobID string, urls ...string) {
	t.Helper()
	require.NoError(t, h.jobs.CreateJob(context.Background(), scan.Job{ID: jobID, Status: scan.JobStatusQueued, URLs: urls}))
	require.NoError(t, h.queue.Enqueue(context.Background(), scan.QueueItem{JobID: jobID, URLs: urls}))
}

func (h *harness) waitStatus(t *testing.T, jobID string, want scan.JobStatus) scan.Job {
	t.Helper()
	var job scan.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.jobs.GetJob(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 2*time.Second, 10*time.Millisecond)
	return job
}

func TestWorker_ProcessJob_SuccessFlow(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, "verdicts")
	h.scanner.verdicts["https://bad.example"] = scan.VerdictMalicious
	h.scanner.verdicts["https://odd.example"] = scan.VerdictSuspicious
	h.submit(t, "job-success", "https://good.example", "https://bad.example", "https://odd.example")

	go h.worker.Run(ctx)
	job := h.waitStatus(t, "job-success", scan.JobStatusSucceeded)

	require.Equal(t, scan.JobCounters{Scanned: 3, Malicious: 1, Suspicious: 1}, job.Counters)
	require.NotNil(t, job.Started)
	require.NotNil(t, job.Finished)

	records, err := h.jobs.ListScans(context.Background(), "job-success")
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.NotEmpty(t, records[0].ContentHash)
	require.Equal(t, "pages/job-success/"+records[0].ContentHash+".html", pathOf(records[0].BlobURI))
	require.NotNil(t, records[0].Report)
	require.Equal(t, records[0].ScanID, records[0].Report.ScanID)

	require.Equal(t, 3, h.blobs.Len())
	require.Len(t, h.reports.stored(), 3)

	msgs := h.publisher.Messages("verdicts")
	require.Len(t, msgs, 3)
	msg, ok := msgs[1].Payload.(VerdictMessage)
	require.True(t, ok)
	require.Equal(t, scan.VerdictMalicious, msg.Verdict)
	require.Equal(t, "Malicious", msg.Attributes()["verdict"])
	require.Equal(t, "job-success", msg.Attributes()["job_id"])
}

func TestWorker_ProcessJob_PartialFailure(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, "")
	h.scanner.errs["https://down.example"] = errors.New("connection refused")
	h.submit(t, "job-partial", "https://down.example", "https://up.example")

	go h.worker.Run(ctx)
	job := h.waitStatus(t, "job-partial", scan.JobStatusSucceeded)

	require.Equal(t, 1, job.Counters.Scanned)
	require.Equal(t, 1, job.Counters.Failed)
	require.Contains(t, job.ErrorText, "connection refused")
	require.Empty(t, h.publisher.Messages())

	records, err := h.jobs.ListScans(context.Background(), "job-partial")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "connection refused", records[0].Error)
	require.Nil(t, records[0].Report)
}

func TestWorker_ProcessJob_AllFailedMarksJobFailed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, "verdicts")
	h.publisher.FailWith(errors.New("pub failure"))
	h.submit(t, "job-publish-fail", "https://example.com")

	go h.worker.Run(ctx)
	job := h.waitStatus(t, "job-publish-fail", scan.JobStatusFailed)

	require.Equal(t, 1, job.Counters.Failed)
	require.Zero(t, job.Counters.Scanned)
	require.Contains(t, job.ErrorText, "publish verdict")
}

func TestWorker_CancelStopsRunningJob(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, "")
	h.scanner.block = make(chan struct{})
	h.submit(t, "job-cancel", "https://slow.example", "https://never.example")

	go h.worker.Run(ctx)
	require.Eventually(t, func() bool {
		return len(h.scanner.seen()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, h.cancels.Cancel("job-cancel"))

	job := h.waitStatus(t, "job-cancel", scan.JobStatusCanceled)
	require.Zero(t, job.Counters.Scanned)
	require.Equal(t, []string{"https://slow.example"}, h.scanner.seen())
}

func TestWorker_SkipsTerminalJob(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, "")
	h.submit(t, "job-done", "https://example.com")
	require.NoError(t, h.jobs.UpdateJobStatus(ctx, "job-done", scan.JobStatusCanceled, "canceled", scan.JobCounters{}))

	go h.worker.Run(ctx)
	require.Eventually(t, func() bool { return h.queue.Len() == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, h.scanner.seen())
}

func TestWorker_RunReturnsWhenQueueClosed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "")
	h.queue.Close()

	done := make(chan struct{})
	go func() {
		h.worker.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

func TestDeriveFinalStatus(t *testing.T) {
	t.Parallel()

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	status, text := deriveFinalStatus(context.Background(), scan.JobCounters{}, "")
	require.Equal(t, scan.JobStatusFailed, status)
	require.Equal(t, "no urls were scanned", text)

	status, _ = deriveFinalStatus(canceled, scan.JobCounters{Scanned: 2}, "")
	require.Equal(t, scan.JobStatusCanceled, status)

	status, text = deriveFinalStatus(context.Background(), scan.JobCounters{Scanned: 1}, "")
	require.Equal(t, scan.JobStatusSucceeded, status)
	require.Empty(t, text)
}

func TestBuildBlobPath(t *testing.T) {
	t.Parallel()

	w := New(Deps{}, Config{}, nil)
	require.Equal(t, "job/abc.html", w.buildBlobPath("job", "abc"))
	require.Equal(t, "text/html; charset=utf-8", w.cfg.ContentType)

	w = New(Deps{}, Config{BlobPrefix: "/raw/"}, nil)
	require.Equal(t, "raw/job/abc.html", w.buildBlobPath("job", "abc"))
}

// --- fakes ---

func pathOf(uri string) string {
	const scheme = "memory://"
	if len(uri) > len(scheme) {
		return uri[len(scheme):]
	}
	return uri
}

type fakeScanner struct {
	mu       sync.Mutex
	verdicts map[string]scan.Verdict
	errs     map[string]error
	block    chan struct{}
	urls     []string
}

func (f *fakeScanner) Run(ctx context.Context, scanID, url string) (scanner.Outcome, error) {
	f.mu.Lock()
	f.urls = append(f.urls, url)
	block := f.block
	err := f.errs[url]
	verdict, ok := f.verdicts[url]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return scanner.Outcome{}, fmt.Errorf("scan %s: %w", url, ctx.Err())
		case <-block:
		}
	}
	if err != nil {
		return scanner.Outcome{}, err
	}
	if !ok {
		verdict = scan.VerdictSafe
	}
	return scanner.Outcome{
		Report: scan.Report{
			ScanID:       scanID,
			URLSubmitted: url,
			FinalURL:     url,
			FetchedBy:    scan.MethodSimple,
			Analysis:     scan.AnalysisResult{Verdict: verdict, Score: 10},
		},
		Fetch:    scan.FetchResult{HTML: "<html>" + url + "</html>", FinalURL: url, Method: scan.MethodSimple},
		Duration: 5 * time.Millisecond,
	}, nil
}

func (f *fakeScanner) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.urls...)
}

type fakeReportStore struct {
	mu      sync.Mutex
	records []scan.ScanRecord
}

func (f *fakeReportStore) StoreReport(_ context.Context, record scan.ScanRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

func (f *fakeReportStore) stored() []scan.ScanRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scan.ScanRecord(nil), f.records...)
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type fakeIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *fakeIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("scan-%d", g.n), nil
}
