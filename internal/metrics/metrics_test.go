package metrics

import (
	"errors"
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

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if pagesTotal == nil || stageDurationSeconds == nil || browserTabsInUse == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObservePageDefaultsCode(t *testing.T) {
	ObservePage("https://Docs.Example.com/a", "")
	ObservePage("https://docs.example.com/b", "PAGE_NOT_FOUND")

	if val := testutil.ToFloat64(pagesTotal.WithLabelValues("docs.example.com", "ok")); val != 1 {
		t.Errorf("expected one ok page, got %f", val)
	}
	if val := testutil.ToFloat64(pagesTotal.WithLabelValues("docs.example.com", "PAGE_NOT_FOUND")); val != 1 {
		t.Errorf("expected one failed page, got %f", val)
	}
}

func TestObserveStageOutcome(t *testing.T) {
	ObserveStage("navigate", 20*time.Millisecond, nil)
	ObserveStage("navigate", 30*time.Millisecond, errors.New("boom"))

	if val := testutil.CollectAndCount(stageDurationSeconds); val < 2 {
		t.Errorf("expected ok and error series, got %d", val)
	}
}

func TestTabGauge(t *testing.T) {
	before := testutil.ToFloat64(browserTabsInUse)
	ObserveTabLease(time.Millisecond)
	if got := testutil.ToFloat64(browserTabsInUse); got != before+1 {
		t.Errorf("expected gauge %f, got %f", before+1, got)
	}
	ObserveTabRelease()
	if got := testutil.ToFloat64(browserTabsInUse); got != before {
		t.Errorf("expected gauge %f, got %f", before, got)
	}
}

func TestObserveBillingIgnoresZero(t *testing.T) {
	ObserveBilling("refund", 0)
	ObserveBilling("deduct", 5)

	if val := testutil.ToFloat64(billingUnitsTotal.WithLabelValues("deduct")); val != 5 {
		t.Errorf("expected 5 deducted units, got %f", val)
	}
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
