// Package analyzer scores a fetched document for phishing, obfuscation and
// malvertising indicators. Analysis is pure: no network or filesystem access,
// and identical inputs always yield identical results.
package analyzer

import (
	"fmt"
	"math"

	"github.com/JakeFAU/pagerisk/internal/scan"
)

// Weights maps each score category to its share of the composite score.
type Weights struct {
	SourceAnalysis float64 `mapstructure:"source_analysis"`
	URLPattern     float64 `mapstructure:"url_pattern"`
	History        float64 `mapstructure:"history"`
	FeedFlag       float64 `mapstructure:"feed_flag"`
}

// Config holds the tunables of the scoring procedure.
type Config struct {
	Weights             Weights `mapstructure:"weights"`
	MaliciousThreshold  int     `mapstructure:"malicious_threshold"`
	SuspiciousThreshold int     `mapstructure:"suspicious_threshold"`
	ExternalScriptLimit int     `mapstructure:"external_script_limit"`
}

// DefaultConfig returns the compatibility defaults.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			SourceAnalysis: 0.5,
			URLPattern:     0.3,
			History:        0.2,
			FeedFlag:       0.0,
		},
		MaliciousThreshold:  70,
		SuspiciousThreshold: 35,
		ExternalScriptLimit: 10,
	}
}

// Validate rejects configurations that cannot produce a sensible verdict.
func (c Config) Validate() error {
	w := c.Weights
	if w.SourceAnalysis < 0 || w.URLPattern < 0 || w.History < 0 || w.FeedFlag < 0 {
		return fmt.Errorf("analysis weights must be >= 0")
	}
	if c.SuspiciousThreshold <= 0 || c.MaliciousThreshold <= c.SuspiciousThreshold {
		return fmt.Errorf("analysis thresholds must satisfy 0 < suspicious < malicious")
	}
	if c.ExternalScriptLimit < 0 {
		return fmt.Errorf("analysis.external_script_limit must be >= 0")
	}
	return nil
}

// Analyzer runs the detector battery and aggregates its score.
type Analyzer struct {
	cfg       Config
	detectors []Detector
}

// New creates an Analyzer with the standard detector battery.
func New(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg, detectors: Detectors()}
}

// Analyze inspects html as served from finalURL. It never fails: unparseable
// markup is treated as an empty document.
func (a *Analyzer) Analyze(html, finalURL string) scan.AnalysisResult {
	page := newPage(html, finalURL)

	var factors scan.ScoreFactors
	findings := []scan.Finding{}
	for _, d := range a.detectors {
		finding, fired := runDetector(d, page, a.cfg)
		if !fired {
			continue
		}
		findings = append(findings, finding)
		factors.Add(d.Factor, d.Points)
	}

	factors = factors.Clamped()
	score := a.Score(factors)
	return scan.AnalysisResult{
		Verdict:          a.Classify(score),
		Score:            score,
		ScoreFactors:     factors,
		RawFindingsCount: len(findings),
		Findings:         findings,
		PageMetrics:      pageMetrics(page),
	}
}

// Score computes the weighted composite of already-clamped factors.
func (a *Analyzer) Score(f scan.ScoreFactors) int {
	w := a.cfg.Weights
	// Explicit conversions keep each product rounded (no fused multiply-add).
	raw := float64(w.SourceAnalysis*float64(f.SourceAnalysis)) +
		float64(w.URLPattern*float64(f.URLPattern)) +
		float64(w.History*float64(f.History)) +
		float64(w.FeedFlag*float64(f.FeedFlag))
	score := int(math.Round(math.Min(100, raw)))
	if score < 0 {
		return 0
	}
	return score
}

// Classify maps a score to a verdict.
func (a *Analyzer) Classify(score int) scan.Verdict {
	switch {
	case score >= a.cfg.MaliciousThreshold:
		return scan.VerdictMalicious
	case score >= a.cfg.SuspiciousThreshold:
		return scan.VerdictSuspicious
	default:
		return scan.VerdictSafe
	}
}

// runDetector isolates a detector so that a panic degrades to "no finding".
func runDetector(d Detector, p *Page, cfg Config) (finding scan.Finding, fired bool) {
	defer func() {
		if recover() != nil {
			finding, fired = scan.Finding{}, false
		}
	}()
	finding, fired = d.Check(p, cfg)
	if fired {
		finding.Type = d.Type
	}
	return finding, fired
}

func pageMetrics(p *Page) scan.PageMetrics {
	return scan.PageMetrics{
		NumScripts: p.Doc.Find("script").Length(),
		NumIframes: p.Doc.Find("iframe").Length(),
		NumForms:   p.Doc.Find("form").Length(),
		NumLinks:   p.Doc.Find("a").Length(),
	}
}
