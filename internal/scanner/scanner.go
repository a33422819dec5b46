// Package scanner composes acquisition and analysis into a single scan.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagerisk/internal/metrics"
	"github.com/JakeFAU/pagerisk/internal/scan"
)

// Acquirer retrieves the markup of a URL.
type Acquirer interface {
	Fetch(ctx context.Context, scanID, url string) (scan.FetchResult, error)
}

// Analyzer scores a document.
type Analyzer interface {
	Analyze(html, finalURL string) scan.AnalysisResult
}

// TargetPolicy vets a URL before any network access.
type TargetPolicy interface {
	AllowScan(ctx context.Context, url string) error
}

// Service runs fetch then analyze for one URL at a time. It is safe for
// concurrent use as long as its collaborators are.
type Service struct {
	acquirer Acquirer
	analyzer Analyzer
	ids      scan.IDGenerator
	limiter  scan.RateLimiter
	policy   TargetPolicy
	logger   *zap.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithRateLimiter throttles acquisitions per target host.
func WithRateLimiter(l scan.RateLimiter) Option {
	return func(s *Service) {
		s.limiter = l
	}
}

// WithTargetPolicy rejects URLs before they are fetched.
func WithTargetPolicy(p TargetPolicy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds a Service.
func New(acquirer Acquirer, analyzer Analyzer, ids scan.IDGenerator, opts ...Option) (*Service, error) {
	if acquirer == nil || analyzer == nil || ids == nil {
		return nil, errors.New("scanner requires an acquirer, an analyzer and an id generator")
	}
	s := &Service{
		acquirer: acquirer,
		analyzer: analyzer,
		ids:      ids,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Outcome carries the report together with the captured page.
type Outcome struct {
	Report   scan.Report
	Fetch    scan.FetchResult
	Duration time.Duration
}

// Scan fetches and analyzes url under a freshly generated scan ID.
func (s *Service) Scan(ctx context.Context, url string) (scan.Report, error) {
	scanID, err := s.ids.NewID()
	if err != nil {
		return scan.Report{}, fmt.Errorf("generate scan id: %w", err)
	}
	out, err := s.Run(ctx, scanID, url)
	if err != nil {
		return scan.Report{}, err
	}
	return out.Report, nil
}

// Run fetches and analyzes url under scanID. Acquisition failures are
// returned unchanged so callers can match *acquire.FetchError.
func (s *Service) Run(ctx context.Context, scanID, url string) (Outcome, error) {
	start := time.Now()
	if s.policy != nil {
		if err := s.policy.AllowScan(ctx, url); err != nil {
			return Outcome{}, fmt.Errorf("scan %s: %w", url, err)
		}
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, url); err != nil {
			return Outcome{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	fetched, err := s.acquirer.Fetch(ctx, scanID, url)
	if err != nil {
		return Outcome{}, err
	}

	analysis := s.analyzer.Analyze(fetched.HTML, fetched.FinalURL)
	metrics.ObserveScan(string(analysis.Verdict), analysis.Score)

	report := scan.Report{
		ScanID:       scanID,
		URLSubmitted: url,
		FinalURL:     fetched.FinalURL,
		FetchedBy:    fetched.Method,
		FetchedAt:    fetched.FetchedAt,
		Analysis:     analysis,
	}
	s.logger.Info("scan complete",
		zap.String("scan_id", scanID),
		zap.String("url", url),
		zap.String("final_url", fetched.FinalURL),
		zap.String("method", string(fetched.Method)),
		zap.String("verdict", string(analysis.Verdict)),
		zap.Int("score", analysis.Score),
		zap.Int("findings", analysis.RawFindingsCount),
	)
	return Outcome{Report: report, Fetch: fetched, Duration: time.Since(start)}, nil
}
