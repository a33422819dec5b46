// Package headless contains fetchers that execute JavaScript via browsers.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/pagerisk/internal/metrics"
	"github.com/JakeFAU/pagerisk/internal/scan"
)

// ErrUnavailable is returned when no browser binary can be located.
var ErrUnavailable = errors.New("headless browser unavailable")

// Guard vets every URL the browser requests, redirects and subresources
// included.
type Guard interface {
	AllowScan(ctx context.Context, rawURL string) error
}

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	ExecPath          string
	// Guard, when set, turns on request interception.
	Guard Guard
}

type runFunc func(ctx context.Context, actions ...chromedp.Action) error

// Fetcher implements scan.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	run         runFunc
}

var browserNames = []string{
	"headless-shell",
	"headless_shell",
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"chrome",
}

// Available reports whether a browser binary can be launched. It is meant to be
// evaluated once at startup.
func Available(execPath string) bool {
	if execPath != "" {
		info, err := os.Stat(execPath)
		return err == nil && !info.IsDir()
	}
	for _, name := range browserNames {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.ExecPath != "" && !Available(cfg.ExecPath) {
		return nil, fmt.Errorf("exec path %q: %w", cfg.ExecPath, ErrUnavailable)
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1280, 800),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		run:         chromedp.Run,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders the page in a fresh tab and returns the resulting DOM. The
// first navigation waits for network idle; if that fails the navigation is
// retried once waiting only for the load event.
func (f *Fetcher) Fetch(ctx context.Context, request scan.FetchRequest) (scan.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return scan.FetchResponse{}, err
	}
	defer f.release()

	tabCtx, tabCancel := chromedp.NewContext(f.allocator)
	closeTab := sync.OnceFunc(tabCancel)
	defer closeTab()
	// Tie the tab to the caller so cancellation propagates into the browser.
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()

	meta := newResponseMeta()
	idle := newIdleSignal()
	chromedp.ListenTarget(tabCtx, func(ev any) {
		meta.captureEvent(ev)
		idle.captureEvent(ev)
		if paused, ok := ev.(*fetch.EventRequestPaused); ok && f.cfg.Guard != nil {
			go f.screenRequest(tabCtx, paused)
		}
	})

	start := time.Now()
	// The first Run launches the browser and binds it to the context it is
	// given, so it must not carry an attempt deadline.
	if err := f.run(tabCtx); err != nil {
		return scan.FetchResponse{}, fmt.Errorf("open tab for %s: %w", request.URL, err)
	}

	html, finalURL, err := f.attempt(tabCtx, request, f.strictActions(request, idle))
	if err != nil {
		strictErr := err
		html, finalURL, err = f.attempt(tabCtx, request, f.relaxedActions(request))
		if err != nil {
			return scan.FetchResponse{}, fmt.Errorf("render %s: %w", request.URL, errors.Join(strictErr, err))
		}
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}

	return scan.FetchResponse{
		URL:        responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
		Method:     scan.MethodRendered,
	}, nil
}

func (f *Fetcher) attempt(
	tabCtx context.Context,
	request scan.FetchRequest,
	navigate []chromedp.Action,
) (string, string, error) {
	ctx, cancel := context.WithTimeout(tabCtx, f.navTimeout())
	defer cancel()

	var (
		html     string
		finalURL string
	)
	actions := append([]chromedp.Action{f.networkSetupAction(request.Headers)}, navigate...)
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := f.run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) strictActions(request scan.FetchRequest, idle *idleSignal) []chromedp.Action {
	return []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
				return fmt.Errorf("enable lifecycle events: %w", err)
			}
			idle.arm()
			if err := chromedp.Navigate(request.URL).Do(ctx); err != nil {
				return fmt.Errorf("navigate: %w", err)
			}
			return idle.wait(ctx)
		}),
	}
}

func (f *Fetcher) relaxedActions(request scan.FetchRequest) []chromedp.Action {
	return []chromedp.Action{
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
}

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.Guard != nil {
			if err := fetch.Enable().Do(ctx); err != nil {
				return fmt.Errorf("enable request interception: %w", err)
			}
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// screenRequest releases or fails a paused request. Only http(s) requests are
// vetted; data: and blob: URLs never leave the browser.
func (f *Fetcher) screenRequest(tabCtx context.Context, ev *fetch.EventRequestPaused) {
	c := chromedp.FromContext(tabCtx)
	if c == nil || c.Target == nil {
		return
	}
	ctx := cdp.WithExecutor(tabCtx, c.Target)
	if ev.Request != nil && f.blocked(ctx, ev.Request.URL) {
		metrics.ObserveBlockedRequest(metrics.StrategyRendered)
		_ = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(ctx)
		return
	}
	_ = fetch.ContinueRequest(ev.RequestID).Do(ctx)
}

func (f *Fetcher) blocked(ctx context.Context, rawURL string) bool {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return false
	}
	return f.cfg.Guard.AllowScan(ctx, rawURL) != nil
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return 15 * time.Second
}

// idleSignal fires once the frame whose document load started after arm
// reports the networkIdle lifecycle event.
type idleSignal struct {
	mu    sync.Mutex
	armed bool
	frame cdp.FrameID
	ch    chan struct{}
}

func newIdleSignal() *idleSignal {
	return &idleSignal{ch: make(chan struct{})}
}

func (s *idleSignal) arm() {
	s.mu.Lock()
	s.armed = true
	s.mu.Unlock()
}

func (s *idleSignal) captureEvent(ev any) {
	e, ok := ev.(*page.EventLifecycleEvent)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.armed {
		return
	}
	switch {
	case e.Name == "init" && s.frame == "":
		s.frame = e.FrameID
	case e.Name == "networkIdle" && s.frame != "" && e.FrameID == s.frame:
		s.armed = false
		close(s.ch)
	}
}

func (s *idleSignal) wait(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for network idle: %w", ctx.Err())
	}
}
