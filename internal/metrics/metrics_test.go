package metrics

import (
	"testing"
	"time"

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

func TestCountersAccumulate(t *testing.T) {
	before := testutil.ToFloat64(discoveryItemsTotal.WithLabelValues("feed", "new"))
	ObserveDiscoveryItems("feed", "new", 3)
	ObserveDiscoveryItems("feed", "new", 0)
	if got := testutil.ToFloat64(discoveryItemsTotal.WithLabelValues("feed", "new")) - before; got != 3 {
		t.Errorf("expected 3 new items, got %f", got)
	}

	before = testutil.ToFloat64(cleanupDeletedTotal.WithLabelValues("scrape_queue"))
	ObserveCleanup("scrape_queue", 7)
	if got := testutil.ToFloat64(cleanupDeletedTotal.WithLabelValues("scrape_queue")) - before; got != 7 {
		t.Errorf("expected 7 deleted rows, got %f", got)
	}

	before = testutil.ToFloat64(jobsTotal.WithLabelValues("extract.metadata", "completed"))
	ObserveJob("extract.metadata", "completed")
	if got := testutil.ToFloat64(jobsTotal.WithLabelValues("extract.metadata", "completed")) - before; got != 1 {
		t.Errorf("expected 1 job, got %f", got)
	}
}

func TestObserveFetchLabelsStatusClass(t *testing.T) {
	ObserveFetch("https://news.example.com/a", 503, 10, 20*time.Millisecond)
	ObserveFetch("https://news.example.com/b", 0, 0, time.Millisecond)
	if n := testutil.CollectAndCount(fetchDurationSeconds); n < 2 {
		t.Errorf("expected at least two fetch series, got %d", n)
	}
	if got := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("news.example.com")); got < 10 {
		t.Errorf("expected bytes recorded, got %f", got)
	}
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
