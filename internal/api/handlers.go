package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagerisk/internal/acquire"
	"github.com/JakeFAU/pagerisk/internal/policy/target"
	"github.com/JakeFAU/pagerisk/internal/queue/memory"
	"github.com/JakeFAU/pagerisk/internal/scan"
)

const maxBodyBytes = 5 << 20

type scanRequest struct {
	URL string `json:"url"`
}

type analyzeRequest struct {
	HTML     string `json:"html"`
	FinalURL string `json:"final_url"`
}

type jobRequest struct {
	URLs []string `json:"urls"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func (s *Server) scanURL(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.writeError(w, http.StatusBadRequest, "url required")
		return
	}
	if _, err := acquire.NormalizeURL(req.URL); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.deps.Scanner.Scan(r.Context(), req.URL)
	if err != nil {
		s.writeError(w, scanErrorStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func scanErrorStatus(err error) int {
	var fetchErr *acquire.FetchError
	switch {
	case errors.Is(err, target.ErrBlocked):
		return http.StatusForbidden
	case errors.Is(err, acquire.ErrInvalidURL):
		return http.StatusBadRequest
	case errors.As(err, &fetchErr):
		if fetchErr.TimedOut() {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) analyzeHTML(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.FinalURL == "" {
		s.writeError(w, http.StatusBadRequest, "final_url required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Analyzer.Analyze(req.HTML, req.FinalURL))
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.JobStore == nil || s.deps.Enqueuer == nil {
		s.writeError(w, http.StatusNotImplemented, "batch jobs are disabled")
		return
	}
	var req jobRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	urls, err := s.validateURLs(req.URLs)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID, err := s.enqueueJob(r.Context(), urls)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, memory.ErrQueueFull):
			status = http.StatusServiceUnavailable
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusRequestTimeout
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) validateURLs(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, errors.New("urls required")
	}
	if limit := s.cfg.Scanner.MaxURLsPerJob; limit > 0 && len(raw) > limit {
		return nil, fmt.Errorf("at most %d urls per job", limit)
	}
	urls := make([]string, 0, len(raw))
	for _, u := range raw {
		normalized, err := acquire.NormalizeURL(u)
		if err != nil {
			return nil, err
		}
		urls = append(urls, normalized)
	}
	return urls, nil
}

func (s *Server) enqueueJob(ctx context.Context, urls []string) (string, error) {
	jobID, err := s.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.deps.Clock.Now().UTC()
	job := scan.Job{
		ID:        jobID,
		Status:    scan.JobStatusQueued,
		URLs:      urls,
		Submitted: now,
	}
	if err := s.deps.JobStore.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	item := scan.QueueItem{
		JobID:     jobID,
		URLs:      urls,
		Attempt:   1,
		Submitted: now.Unix(),
	}
	if err := s.deps.Enqueuer.Enqueue(queueCtx, item); err != nil {
		if uerr := s.deps.JobStore.UpdateJobStatus(ctx, jobID, scan.JobStatusFailed, err.Error(), scan.JobCounters{}); uerr != nil {
			s.logger.Error("mark rejected job failed", zap.String("job_id", jobID), zap.Error(uerr))
		}
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	s.logger.Info("job queued", zap.String("job_id", jobID), zap.Int("urls", len(urls)))
	return jobID, nil
}

func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (scan.Job, bool) {
	if s.deps.JobStore == nil {
		s.writeError(w, http.StatusNotImplemented, "batch jobs are disabled")
		return scan.Job{}, false
	}
	job, err := s.deps.JobStore.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		if errors.Is(err, scan.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
		} else {
			s.writeError(w, http.StatusInternalServerError, "failed to load job")
		}
		return scan.Job{}, false
	}
	return job, true
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	scans, err := s.deps.JobStore.ListScans(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to fetch job scans")
		return
	}
	if scans == nil {
		scans = []scan.ScanRecord{}
	}
	s.writeJSON(w, http.StatusOK, scan.JobResult{Job: job, Scans: scans})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if job.Status.IsTerminal() {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("job already %s", job.Status))
		return
	}
	if err := s.deps.JobStore.UpdateJobStatus(
		r.Context(),
		job.ID,
		scan.JobStatusCanceled,
		"canceled via API",
		job.Counters,
	); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	if s.deps.Cancels != nil {
		s.deps.Cancels.Cancel(job.ID)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"job_id": job.ID, "status": string(scan.JobStatusCanceled)})
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		s.writeError(w, http.StatusNotImplemented, "report archive is disabled")
		return
	}
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		s.writeError(w, http.StatusBadRequest, "url required")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	reports, err := s.deps.Reports.RecentReports(r.Context(), rawURL, limit)
	if err != nil {
		s.logger.Error("list reports failed", zap.String("url", rawURL), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list reports")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"url": rawURL, "reports": reports})
}
