package scraper_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/discovery-pipeline/internal/clock/manual"
	"github.com/JakeFAU/discovery-pipeline/internal/discovery"
	collyfetcher "github.com/JakeFAU/discovery-pipeline/internal/fetcher/colly"
	"github.com/JakeFAU/discovery-pipeline/internal/id/uuid"
	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
	"github.com/JakeFAU/discovery-pipeline/internal/scraper"
	"github.com/JakeFAU/discovery-pipeline/internal/storage/memory"
)

// newSite serves a five-item RSS feed at /feed.xml and an article page for
// every /articles/ path.
func newSite(t *testing.T, published time.Time) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/feed.xml", func(w http.ResponseWriter, _ *http.Request) {
		var items strings.Builder
		for i := range 5 {
			fmt.Fprintf(&items, `<item><title>Story %d</title><link>%s/articles/%d</link><pubDate>%s</pubDate></item>`,
				i, server.URL, i, published.Format(time.RFC1123Z))
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, `<?xml version="1.0"?><rss version="2.0"><channel><title>Site</title>%s</channel></rss>`, items.String())
	})
	mux.HandleFunc("/articles/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><head><title>%s</title></head><body><article><p>Full text of %s.</p></article></body></html>`,
			r.URL.Path, r.URL.Path)
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestFeedDiscoveryThenScrapeEndToEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	clock := manual.New(now)
	site := newSite(t, now.Add(-time.Hour))
	store := memory.New()

	source := pipeline.Source{
		ID:      "feed-source",
		Name:    "Test Site",
		Address: site.URL + "/feed.xml",
		Method:  pipeline.MethodFeed,
		Tier:    1,
		Active:  true,
	}
	require.NoError(t, store.UpsertSource(ctx, source))
	_, err := store.InsertEntries(ctx, []pipeline.QueueEntry{
		{ID: "seen-0", SourceID: source.ID, URL: site.URL + "/articles/0", Status: pipeline.ScrapeCompleted, DiscoveredAt: now.Add(-time.Hour)},
		{ID: "seen-1", SourceID: source.ID, URL: site.URL + "/articles/1", Status: pipeline.ScrapeCompleted, DiscoveredAt: now.Add(-time.Hour)},
	})
	require.NoError(t, err)

	orch := discovery.New(store, store, store, clock, uuid.New(), discovery.Config{
		BatchSize:  5,
		MaxSources: 10,
		Recency:    map[pipeline.DiscoveryMethod]time.Duration{pipeline.MethodFeed: 48 * time.Hour},
	}, nil, discovery.NewFeedStrategy(discovery.ClientConfig{Timeout: 5 * time.Second}))

	run, err := orch.Run(ctx, pipeline.MethodFeed, discovery.Request{})
	require.NoError(t, err)
	require.Equal(t, pipeline.RunCompleted, run.Status)
	require.Equal(t, 3, run.ItemsNew)

	var pending []pipeline.QueueEntry
	for _, e := range store.Entries() {
		if e.Status == pipeline.ScrapePending {
			pending = append(pending, e)
		}
	}
	require.Len(t, pending, 3)
	for _, e := range pending {
		require.Equal(t, 1, e.Priority)
	}

	worker := scraper.New(scraper.Deps{
		Queue:   store,
		Fetcher: collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second}),
		Clock:   clock,
	}, scraper.Config{BatchSize: 10, Concurrency: 5, MaxAttempts: 3}, nil)

	summary, err := worker.Run(ctx, scraper.Request{})
	require.NoError(t, err)
	require.Equal(t, 3, summary.Claimed)
	require.Equal(t, 3, summary.Completed)

	for _, e := range pending {
		got, err := store.GetEntry(ctx, e.ID)
		require.NoError(t, err)
		require.Equal(t, pipeline.ScrapeCompleted, got.Status)
		require.NotNil(t, got.FullContent)
		require.Contains(t, *got.FullContent, "Full text of /articles/")
	}
}
