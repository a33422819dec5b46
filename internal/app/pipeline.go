package app

import (
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagerisk/internal/acquire"
	"github.com/JakeFAU/pagerisk/internal/analyzer"
	"github.com/JakeFAU/pagerisk/internal/clock/system"
	"github.com/JakeFAU/pagerisk/internal/config"
	collyfetcher "github.com/JakeFAU/pagerisk/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/pagerisk/internal/fetcher/headless"
	"github.com/JakeFAU/pagerisk/internal/id/uuid"
	"github.com/JakeFAU/pagerisk/internal/policy/ratelimit"
	"github.com/JakeFAU/pagerisk/internal/policy/target"
	"github.com/JakeFAU/pagerisk/internal/scan"
	"github.com/JakeFAU/pagerisk/internal/scanner"
)

// Pipeline is the fetch-then-analyze core shared by the service and the CLI.
type Pipeline struct {
	Acquirer *acquire.Acquirer
	Analyzer *analyzer.Analyzer
	Scanner  *scanner.Service
	headless *headlessfetcher.Fetcher
}

// NewPipeline builds the acquisition strategies, the analyzer and the scan
// service from cfg. A missing browser disables rendered acquisition instead
// of failing.
func NewPipeline(cfg *config.Config, logger *zap.Logger) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{}

	userAgent := cfg.Scanner.UserAgent
	if userAgent == "" {
		userAgent = collyfetcher.DefaultUserAgent
	}
	policy := target.New(target.Config{
		BlockPrivate: cfg.Scanner.BlockPrivateTargets,
		DenyHosts:    cfg.Scanner.DenyHosts,
	}, nil)
	simpleCfg := collyfetcher.Config{
		UserAgent: userAgent,
		Timeout:   cfg.SimpleTimeout(),
	}
	headlessCfg := headlessfetcher.Config{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         userAgent,
		NavigationTimeout: cfg.NavTimeout(),
		ExecPath:          cfg.Headless.ExecPath,
	}
	if policy.Enabled() {
		simpleCfg.Guard = policy
		headlessCfg.Guard = policy
		logger.Info("target policy enforced on redirects and connections",
			zap.Bool("block_private", cfg.Scanner.BlockPrivateTargets),
			zap.Int("deny_hosts", len(cfg.Scanner.DenyHosts)),
		)
	}
	simple := collyfetcher.New(simpleCfg)
	logger.Info("using colly simple fetcher", zap.Duration("timeout", cfg.SimpleTimeout()))

	var rendered scan.Fetcher
	switch {
	case !cfg.Headless.Enabled:
		logger.Info("rendered acquisition disabled by configuration")
	case !headlessfetcher.Available(cfg.Headless.ExecPath):
		logger.Warn("no chromium-compatible browser found, rendered acquisition disabled",
			zap.String("exec_path", cfg.Headless.ExecPath),
		)
	default:
		fetcher, err := headlessfetcher.NewChromedp(headlessCfg)
		if err != nil {
			logger.Warn("headless fetcher init failed, rendered acquisition disabled", zap.Error(err))
			break
		}
		p.headless = fetcher
		rendered = fetcher
		logger.Info("using headless fetcher",
			zap.Int("max_parallel", cfg.Headless.MaxParallel),
			zap.Duration("nav_timeout", cfg.NavTimeout()),
		)
	}

	clock := system.New()
	acq, err := acquire.New(acquire.Config{
		RenderTimeout: cfg.RenderTimeout(),
		SimpleTimeout: cfg.SimpleTimeout(),
		Headers:       cfg.HTTP.Headers,
	}, rendered, simple, clock, logger.Named("acquire"))
	if err != nil {
		p.Close()
		return nil, err
	}
	p.Acquirer = acq
	p.Analyzer = analyzer.New(cfg.Analysis)

	opts := []scanner.Option{
		scanner.WithLogger(logger.Named("scanner")),
		scanner.WithTargetPolicy(policy),
	}
	if cfg.Scanner.RateLimitRPS > 0 {
		opts = append(opts, scanner.WithRateLimiter(ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Scanner.RateLimitRPS,
			DefaultBurst: cfg.Scanner.RateLimitBurst,
		})))
		logger.Info("rate limiter enabled",
			zap.Float64("rps", cfg.Scanner.RateLimitRPS),
			zap.Int("burst", cfg.Scanner.RateLimitBurst),
		)
	}
	p.Scanner, err = scanner.New(acq, p.Analyzer, uuid.New(), opts...)
	if err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Close shuts down the browser allocator, if one was started.
func (p *Pipeline) Close() {
	if p == nil || p.headless == nil {
		return
	}
	p.headless.Close()
}
