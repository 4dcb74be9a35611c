package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyHTTPStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusOK, ""},
		{http.StatusMovedPermanently, ""},
		{http.StatusTooManyRequests, KindTransientFetch},
		{http.StatusBadGateway, KindTransientFetch},
		{http.StatusRequestTimeout, KindTransientFetch},
		{http.StatusNotFound, KindPermanentContent},
		{http.StatusForbidden, KindPermanentContent},
	}
	for _, tc := range cases {
		err := ClassifyHTTPStatus("scrape", "https://example.com", tc.status)
		require.Equal(t, tc.want, KindOf(err), "status %d", tc.status)
	}
}

func TestErrorMatchesSentinel(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("discover source: %w", ClassifyQuotaStatus("search", "https://api.example.com", 429))
	require.ErrorIs(t, err, ErrQuotaExceeded)
	require.NotErrorIs(t, err, ErrTransientFetch)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, 429, perr.StatusCode)
}

func TestQuotaStatusOnlyChanges429(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, ClassifyHTTPStatus("feed", "https://site.example.com", 429), ErrTransientFetch)
	require.Equal(t, KindTransientFetch, KindOf(ClassifyQuotaStatus("search", "https://api.example.com", 503)))
	require.Equal(t, KindPermanentContent, KindOf(ClassifyQuotaStatus("search", "https://api.example.com", 403)))
	require.NoError(t, ClassifyQuotaStatus("search", "https://api.example.com", 200))
}

func TestKindOfSentinelAndUnknown(t *testing.T) {
	t.Parallel()

	require.Equal(t, KindDataIntegrity, KindOf(fmt.Errorf("wrap: %w", ErrDataIntegrity)))
	require.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	require.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestClassifyTransport(t *testing.T) {
	t.Parallel()

	err := ClassifyTransport("scrape", "https://example.com", context.DeadlineExceeded)
	require.ErrorIs(t, err, ErrTransientFetch)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.ErrorIs(t, ClassifyTransport("scrape", "", context.Canceled), context.Canceled)
	require.NoError(t, ClassifyTransport("scrape", "", nil))
}

func TestParseDiscoveryMethod(t *testing.T) {
	t.Parallel()

	m, err := ParseDiscoveryMethod("RSS")
	require.NoError(t, err)
	require.Equal(t, MethodFeed, m)
	require.Equal(t, RunType("discovery:feed"), m.RunType())

	m, err = ParseDiscoveryMethod("search_engine")
	require.NoError(t, err)
	require.Equal(t, MethodSearchEngine, m)

	_, err = ParseDiscoveryMethod("carrier-pigeon")
	require.Error(t, err)
}

func TestFailureResponse(t *testing.T) {
	t.Parallel()

	resp := Failure(errors.New("load sources: connection refused"))
	require.False(t, resp.Success)
	require.Equal(t, "load sources: connection refused", resp.Error)

	ok := OK("run-1", map[string]int{"new": 3})
	require.True(t, ok.Success)
	require.Equal(t, "run-1", ok.RunID)
}
