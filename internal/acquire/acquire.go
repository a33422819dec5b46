// Package acquire retrieves the markup of a submitted URL, preferring a
// rendered browser fetch and falling back to a plain HTTP GET.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagerisk/internal/metrics"
	"github.com/JakeFAU/pagerisk/internal/scan"
)

// ErrInvalidURL is returned when a submitted URL cannot be normalized.
var ErrInvalidURL = errors.New("invalid url")

// FetchError reports that every acquisition strategy failed for a URL.
type FetchError struct {
	URL      string
	Rendered error
	Simple   error
}

func (e *FetchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fetch %s failed", e.URL)
	if e.Rendered != nil {
		fmt.Fprintf(&b, "; rendered: %v", e.Rendered)
	}
	if e.Simple != nil {
		fmt.Fprintf(&b, "; simple: %v", e.Simple)
	}
	return b.String()
}

// Unwrap exposes the per-strategy causes to errors.Is and errors.As.
func (e *FetchError) Unwrap() []error {
	var errs []error
	if e.Rendered != nil {
		errs = append(errs, e.Rendered)
	}
	if e.Simple != nil {
		errs = append(errs, e.Simple)
	}
	return errs
}

// TimedOut reports whether every strategy that ran failed on its deadline.
func (e *FetchError) TimedOut() bool {
	causes := e.Unwrap()
	if len(causes) == 0 {
		return false
	}
	for _, err := range causes {
		if !errors.Is(err, context.DeadlineExceeded) {
			return false
		}
	}
	return true
}

// Config bounds each acquisition strategy.
type Config struct {
	RenderTimeout time.Duration
	SimpleTimeout time.Duration
	Headers       map[string]string
}

// Acquirer implements the two-strategy fetch.
type Acquirer struct {
	cfg      Config
	rendered scan.Fetcher
	simple   scan.Fetcher
	clock    scan.Clock
	logger   *zap.Logger
}

// New builds an Acquirer. A nil rendered fetcher disables rendered
// acquisition; the simple fetcher is required.
func New(cfg Config, rendered, simple scan.Fetcher, clock scan.Clock, logger *zap.Logger) (*Acquirer, error) {
	if simple == nil {
		return nil, errors.New("simple fetcher is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = 30 * time.Second
	}
	if cfg.SimpleTimeout <= 0 {
		cfg.SimpleTimeout = 10 * time.Second
	}
	return &Acquirer{
		cfg:      cfg,
		rendered: rendered,
		simple:   simple,
		clock:    clock,
		logger:   logger,
	}, nil
}

// RenderingEnabled reports whether the rendered strategy is wired.
func (a *Acquirer) RenderingEnabled() bool {
	return a.rendered != nil
}

// Fetch retrieves rawURL. It fails with *FetchError only when every
// available strategy failed.
func (a *Acquirer) Fetch(ctx context.Context, scanID, rawURL string) (scan.FetchResult, error) {
	target, err := NormalizeURL(rawURL)
	if err != nil {
		return scan.FetchResult{}, &FetchError{URL: rawURL, Simple: err}
	}
	request := scan.FetchRequest{ScanID: scanID, URL: target, Headers: a.headers()}
	fetchErr := &FetchError{URL: target}

	if a.rendered != nil {
		resp, err := a.attempt(ctx, a.rendered, request, a.cfg.RenderTimeout, metrics.StrategyRendered)
		if err == nil {
			return a.result(target, resp, scan.MethodRendered), nil
		}
		fetchErr.Rendered = err
		a.logger.Info("rendered fetch failed, falling back to simple fetch",
			zap.String("scan_id", scanID),
			zap.String("url", target),
			zap.Error(err),
		)
	}

	resp, err := a.attempt(ctx, a.simple, request, a.cfg.SimpleTimeout, metrics.StrategySimple)
	if err != nil {
		fetchErr.Simple = err
		a.logger.Warn("all fetch strategies failed",
			zap.String("scan_id", scanID),
			zap.String("url", target),
			zap.Error(fetchErr),
		)
		return scan.FetchResult{}, fetchErr
	}
	return a.result(target, resp, scan.MethodSimple), nil
}

func (a *Acquirer) attempt(
	ctx context.Context,
	fetcher scan.Fetcher,
	request scan.FetchRequest,
	timeout time.Duration,
	strategy metrics.Strategy,
) (scan.FetchResponse, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := fetcher.Fetch(attemptCtx, request)
	if err == nil && attemptCtx.Err() != nil {
		err = attemptCtx.Err()
	}
	if err != nil {
		outcome := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
		metrics.ObserveFetch(strategy, outcome)
		return scan.FetchResponse{}, fmt.Errorf("%s fetch: %w", strategy, err)
	}
	metrics.ObserveFetch(strategy, "ok")
	return resp, nil
}

func (a *Acquirer) result(target string, resp scan.FetchResponse, method scan.FetchMethod) scan.FetchResult {
	finalURL := resp.URL
	if finalURL == "" {
		finalURL = target
	}
	return scan.FetchResult{
		HTML:       strings.ToValidUTF8(string(resp.Body), "�"),
		FinalURL:   finalURL,
		Method:     method,
		FetchedAt:  a.clock.Now().UTC(),
		StatusCode: resp.StatusCode,
	}
}

func (a *Acquirer) headers() http.Header {
	if len(a.cfg.Headers) == 0 {
		return nil
	}
	headers := make(http.Header, len(a.cfg.Headers))
	for key, value := range a.cfg.Headers {
		headers.Set(key, value)
	}
	return headers
}

// NormalizeURL trims the input and prepends http:// when no http or https
// scheme is present.
func NormalizeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidURL, raw)
	}
	return u.String(), nil
}
