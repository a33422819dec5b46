package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if scansTotal == nil || fetchTotal == nil || scanScore == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveScanAndFetch(t *testing.T) {
	before := testutil.ToFloat64(scansTotalFor("Suspicious"))
	ObserveScan("Suspicious", 61)
	if val := testutil.ToFloat64(scansTotalFor("Suspicious")); val != before+1 {
		t.Errorf("Expected scans total to grow by one, got %f -> %f", before, val)
	}

	ObserveFetch(StrategyRendered, "timeout")
	ObserveFetch(StrategySimple, "ok")
	if val := testutil.ToFloat64(fetchTotal.WithLabelValues("rendered", "timeout")); val < 1 {
		t.Errorf("Expected rendered timeout to be counted, got %f", val)
	}
	ObserveBlockedRequest(StrategySimple)
	if val := testutil.ToFloat64(blockedRequestsTotal.WithLabelValues("simple")); val < 1 {
		t.Errorf("Expected blocked request to be counted, got %f", val)
	}
}

func scansTotalFor(verdict string) prometheus.Counter {
	Init()
	return scansTotal.WithLabelValues(verdict)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
