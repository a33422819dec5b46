// Package worker implements the batch scan execution loop.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagerisk/internal/metrics"
	"github.com/JakeFAU/pagerisk/internal/scan"
	"github.com/JakeFAU/pagerisk/internal/scanner"
)

// Scanner runs a single scan under a caller-supplied ID.
type Scanner interface {
	Run(ctx context.Context, scanID, url string) (scanner.Outcome, error)
}

// Config controls Worker behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
	Topic       string
}

// Deps groups the collaborators of a Worker. ReportStore, BlobStore and
// Publisher are optional.
type Deps struct {
	Queue       scan.Queue
	JobStore    scan.JobStore
	ReportStore scan.ReportStore
	BlobStore   scan.BlobStore
	Publisher   scan.Publisher
	Hasher      scan.Hasher
	Clock       scan.Clock
	IDs         scan.IDGenerator
	Scanner     Scanner
	Cancels     *Cancels
}

// Worker consumes queue items and scans every URL of a job.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}
}

// Run blocks, consuming queue items until the context finishes or the
// queue is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, scan.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(parent context.Context, item scan.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	if w.deps.Cancels != nil {
		w.deps.Cancels.register(item.JobID, cancel)
		defer w.deps.Cancels.remove(item.JobID)
	}

	if w.deps.Scanner == nil {
		w.finish(parent, item.JobID, scan.JobStatusFailed, "no scanner configured", scan.JobCounters{})
		return
	}

	job, err := w.deps.JobStore.GetJob(ctx, item.JobID)
	if err == nil && job.Status.IsTerminal() {
		w.logger.Info("skipping finished job", zap.String("job_id", item.JobID), zap.String("status", string(job.Status)))
		return
	}

	counters := scan.JobCounters{}
	if err := w.deps.JobStore.UpdateJobStatus(ctx, item.JobID, scan.JobStatusRunning, "", counters); err != nil {
		w.logger.Error("update job status failed", zap.String("job_id", item.JobID), zap.Error(err))
		return
	}

	errText := ""
	for _, url := range item.URLs {
		if ctx.Err() != nil {
			break
		}
		if err := w.handleURL(ctx, item.JobID, url, &counters); err != nil {
			counters.Failed++
			errText = err.Error()
			w.logger.Warn("scan failed", zap.String("job_id", item.JobID), zap.String("url", url), zap.Error(err))
		}
		if err := w.deps.JobStore.UpdateJobStatus(ctx, item.JobID, scan.JobStatusRunning, "", counters); err != nil {
			w.logger.Warn("progress update failed", zap.String("job_id", item.JobID), zap.Error(err))
		}
	}

	status, errText := deriveFinalStatus(ctx, counters, errText)
	// The parent context may still be live when only this job was canceled.
	w.finish(parent, item.JobID, status, errText, counters)
}

func (w *Worker) finish(ctx context.Context, jobID string, status scan.JobStatus, errText string, counters scan.JobCounters) {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := w.deps.JobStore.UpdateJobStatus(ctx, jobID, status, errText, counters); err != nil {
		w.logger.Error("final job status update failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	metrics.ObserveJob(string(status))
	w.logger.Info("job finished",
		zap.String("job_id", jobID),
		zap.String("status", string(status)),
		zap.Int("scanned", counters.Scanned),
		zap.Int("failed", counters.Failed),
		zap.Int("malicious", counters.Malicious),
		zap.Int("suspicious", counters.Suspicious),
	)
}

func (w *Worker) handleURL(ctx context.Context, jobID, url string, counters *scan.JobCounters) error {
	scanID, err := w.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("generate scan id: %w", err)
	}

	record := scan.ScanRecord{JobID: jobID, ScanID: scanID, URL: url}
	out, scanErr := w.deps.Scanner.Run(ctx, scanID, url)
	if scanErr != nil {
		record.Error = scanErr.Error()
		record.RecordedAt = w.deps.Clock.Now().UTC()
		if err := w.deps.JobStore.RecordScan(ctx, record); err != nil {
			w.logger.Error("record failed scan", zap.String("job_id", jobID), zap.Error(err))
		}
		return scanErr
	}

	report := out.Report
	record.Report = &report
	record.DurationMs = out.Duration.Milliseconds()
	if err := w.persist(ctx, jobID, out.Fetch, &record); err != nil {
		return err
	}
	if err := w.publishVerdict(ctx, record); err != nil {
		return err
	}
	counters.Record(report.Analysis.Verdict)
	return nil
}

func (w *Worker) persist(ctx context.Context, jobID string, fetched scan.FetchResult, record *scan.ScanRecord) error {
	body := []byte(fetched.HTML)
	if w.deps.Hasher != nil {
		hash, err := w.deps.Hasher.Hash(body)
		if err != nil {
			return fmt.Errorf("hash body: %w", err)
		}
		record.ContentHash = hash
	}
	if w.deps.BlobStore != nil && record.ContentHash != "" {
		uri, err := w.deps.BlobStore.PutObject(ctx, w.buildBlobPath(jobID, record.ContentHash), w.cfg.ContentType, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("put object: %w", err)
		}
		record.BlobURI = uri
	}

	record.RecordedAt = w.deps.Clock.Now().UTC()
	if err := w.deps.JobStore.RecordScan(ctx, *record); err != nil {
		return fmt.Errorf("record scan: %w", err)
	}
	if w.deps.ReportStore != nil {
		if err := w.deps.ReportStore.StoreReport(ctx, *record); err != nil {
			return fmt.Errorf("store report: %w", err)
		}
	}
	return nil
}

func (w *Worker) buildBlobPath(jobID, hash string) string {
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, hash)
}

// VerdictMessage is published for every completed scan.
type VerdictMessage struct {
	JobID       string       `json:"job_id"`
	ScanID      string       `json:"scan_id"`
	URL         string       `json:"url"`
	FinalURL    string       `json:"final_url"`
	Verdict     scan.Verdict `json:"verdict"`
	Score       int          `json:"score"`
	FetchedBy   string       `json:"fetched_by"`
	BlobURI     string       `json:"blob_uri,omitempty"`
	ContentHash string       `json:"hash,omitempty"`
	Timestamp   string       `json:"timestamp"`
}

// Attributes lets subscribers filter on the verdict without decoding the body.
func (m VerdictMessage) Attributes() map[string]string {
	return map[string]string{
		"job_id":  m.JobID,
		"verdict": string(m.Verdict),
		"score":   strconv.Itoa(m.Score),
	}
}

func (w *Worker) publishVerdict(ctx context.Context, record scan.ScanRecord) error {
	if w.cfg.Topic == "" || w.deps.Publisher == nil || record.Report == nil {
		return nil
	}
	msg := VerdictMessage{
		JobID:       record.JobID,
		ScanID:      record.ScanID,
		URL:         record.URL,
		FinalURL:    record.Report.FinalURL,
		Verdict:     record.Report.Analysis.Verdict,
		Score:       record.Report.Analysis.Score,
		FetchedBy:   string(record.Report.FetchedBy),
		BlobURI:     record.BlobURI,
		ContentHash: record.ContentHash,
		Timestamp:   w.deps.Clock.Now().UTC().Format(time.RFC3339),
	}
	id, err := w.deps.Publisher.Publish(ctx, w.cfg.Topic, msg)
	if err != nil {
		return fmt.Errorf("publish verdict: %w", err)
	}
	w.logger.Debug("verdict published",
		zap.String("job_id", record.JobID),
		zap.String("scan_id", record.ScanID),
		zap.String("message_id", id),
	)
	return nil
}

func deriveFinalStatus(ctx context.Context, counters scan.JobCounters, errText string) (scan.JobStatus, string) {
	if counters.Scanned == 0 && errText == "" {
		errText = "no urls were scanned"
	}

	switch {
	case ctx.Err() != nil:
		return scan.JobStatusCanceled, errText
	case counters.Scanned == 0:
		return scan.JobStatusFailed, errText
	default:
		return scan.JobStatusSucceeded, errText
	}
}

// Cancels tracks the cancel functions of running jobs.
type Cancels struct {
	mu sync.Mutex
	m  map[string]context.CancelFunc
}

// NewCancels returns an empty registry.
func NewCancels() *Cancels {
	return &Cancels{m: make(map[string]context.CancelFunc)}
}

// Cancel stops a running job. It reports whether the job was running.
func (c *Cancels) Cancel(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.m[jobID]
	if ok {
		cancel()
	}
	return ok
}

func (c *Cancels) register(jobID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[jobID] = cancel
}

func (c *Cancels) remove(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, jobID)
}
