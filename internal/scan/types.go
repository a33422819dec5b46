package scan

import (
	"net/http"
	"time"
)

// FetchMethod records which acquisition strategy produced a page.
type FetchMethod string

// Acquisition strategies.
const (
	MethodRendered FetchMethod = "rendered"
	MethodSimple   FetchMethod = "simple"
)

// FetchRequest captures everything a Fetcher needs to retrieve a URL.
type FetchRequest struct {
	ScanID  string
	URL     string
	Headers http.Header
}

// FetchResponse is returned by a single acquisition strategy.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Method     FetchMethod
}

// FetchResult is the outcome of acquisition handed to the analyzer.
type FetchResult struct {
	HTML       string      `json:"-"`
	FinalURL   string      `json:"final_url"`
	Method     FetchMethod `json:"fetched_by"`
	FetchedAt  time.Time   `json:"fetched_at"`
	StatusCode int         `json:"status_code,omitempty"`
}

// Verdict is the three-level classification derived from the composite score.
type Verdict string

// Verdict values.
const (
	VerdictSafe       Verdict = "Safe"
	VerdictSuspicious Verdict = "Suspicious"
	VerdictMalicious  Verdict = "Malicious"
)

// FindingType identifies the detector that produced a Finding.
type FindingType string

// Detector identifiers.
const (
	FindingMetaRefresh         FindingType = "meta_refresh"
	FindingHiddenIframes       FindingType = "hidden_iframes"
	FindingObfuscatedJS        FindingType = "obfuscated_js"
	FindingBase64Payload       FindingType = "base64_payload"
	FindingCryptoMiner         FindingType = "crypto_miner"
	FindingPhishingForms       FindingType = "phishing_forms"
	FindingManyExternalScripts FindingType = "many_external_scripts"
	FindingBrandMismatch       FindingType = "brand_mismatch"
	FindingSuspiciousLinks     FindingType = "suspicious_links"
	FindingNoTLS               FindingType = "no_tls"
	FindingDomainHeuristic     FindingType = "domain_heuristic"
)

// SuspiciousLink is an anchor flagged by the suspicious_links detector.
type SuspiciousLink struct {
	Href   string `json:"href"`
	Reason string `json:"reason"`
}

// Finding is one named observation produced by a single detector.
type Finding struct {
	Type        FindingType      `json:"type"`
	Description string           `json:"desc"`
	Count       int              `json:"count,omitempty"`
	Examples    []string         `json:"examples,omitempty"`
	Signatures  []string         `json:"signatures,omitempty"`
	Brands      []string         `json:"brands,omitempty"`
	Links       []SuspiciousLink `json:"links,omitempty"`
}

// Factor names one of the four score categories.
type Factor string

// Score categories.
const (
	FactorSourceAnalysis Factor = "source_analysis"
	FactorURLPattern     Factor = "url_pattern"
	FactorFeedFlag       Factor = "feed_flag"
	FactorHistory        Factor = "history"
)

// ScoreFactors holds the accumulated points per category.
type ScoreFactors struct {
	FeedFlag       int `json:"feed_flag"`
	SourceAnalysis int `json:"source_analysis"`
	URLPattern     int `json:"url_pattern"`
	History        int `json:"history"`
}

// Add credits points to a single category. Unknown factors are ignored.
func (f *ScoreFactors) Add(factor Factor, points int) {
	switch factor {
	case FactorSourceAnalysis:
		f.SourceAnalysis += points
	case FactorURLPattern:
		f.URLPattern += points
	case FactorFeedFlag:
		f.FeedFlag += points
	case FactorHistory:
		f.History += points
	}
}

// Clamped returns a copy with every category limited to [0,100].
func (f ScoreFactors) Clamped() ScoreFactors {
	return ScoreFactors{
		FeedFlag:       clampPercent(f.FeedFlag),
		SourceAnalysis: clampPercent(f.SourceAnalysis),
		URLPattern:     clampPercent(f.URLPattern),
		History:        clampPercent(f.History),
	}
}

func clampPercent(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// PageMetrics counts notable elements of the analyzed document.
type PageMetrics struct {
	NumScripts int `json:"num_scripts"`
	NumIframes int `json:"num_iframes"`
	NumForms   int `json:"num_forms"`
	NumLinks   int `json:"num_links"`
}

// AnalysisResult is the heuristic verdict for one document.
type AnalysisResult struct {
	Verdict          Verdict      `json:"verdict"`
	Score            int          `json:"score"`
	ScoreFactors     ScoreFactors `json:"score_factors"`
	RawFindingsCount int          `json:"raw_findings_count"`
	Findings         []Finding    `json:"findings"`
	PageMetrics      PageMetrics  `json:"page_metrics"`
}

// Report is the serialized result of one scan handed to API callers.
type Report struct {
	ScanID       string         `json:"scan_id,omitempty"`
	URLSubmitted string         `json:"url_submitted"`
	FinalURL     string         `json:"final_url"`
	FetchedBy    FetchMethod    `json:"fetched_by"`
	FetchedAt    time.Time      `json:"fetched_at"`
	Analysis     AnalysisResult `json:"analysis"`
}
