package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/discovery-pipeline/internal/clock/manual"
	hashsha "github.com/JakeFAU/discovery-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
	pubmemory "github.com/JakeFAU/discovery-pipeline/internal/publisher/memory"
	"github.com/JakeFAU/discovery-pipeline/internal/storage/memory"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const articleHTML = `<html><head><title>Grid news</title><script>var x = 1;</script></head>
<body><nav>Home | About</nav><article><h1>Grid news</h1><p>Operators expect record demand this summer.</p></article>
<footer>Copyright</footer></body></html>`

// stubFetcher serves canned responses and records the fetch order.
type stubFetcher struct {
	mu     sync.Mutex
	fail   map[string]error
	status map[string]int
	order  []string
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{fail: map[string]error{}, status: map[string]int{}}
}

func (f *stubFetcher) Fetch(_ context.Context, req pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, req.URL)
	if err := f.fail[req.URL]; err != nil {
		return pipeline.FetchResponse{}, err
	}
	status := 200
	if s, ok := f.status[req.URL]; ok {
		status = s
	}
	return pipeline.FetchResponse{URL: req.URL, StatusCode: status, Body: []byte(articleHTML), Duration: time.Millisecond}, nil
}

func (f *stubFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []pipeline.EntryPayload
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, jobType string, payload any, _ int) (string, error) {
	if jobType != pipeline.JobExtractMetadata {
		return "", fmt.Errorf("unexpected job type %s", jobType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, payload.(pipeline.EntryPayload))
	return fmt.Sprintf("job-%d", len(r.jobs)), nil
}

func seed(t *testing.T, store *memory.Store, n int, priority func(i int) int) []pipeline.QueueEntry {
	t.Helper()
	entries := make([]pipeline.QueueEntry, n)
	for i := range entries {
		entries[i] = pipeline.QueueEntry{
			ID:           fmt.Sprintf("entry-%02d", i),
			SourceID:     "src",
			URL:          fmt.Sprintf("https://news.example.com/a/%d", i),
			DiscoveredAt: start.Add(-time.Hour),
			Status:       pipeline.ScrapePending,
			Priority:     priority(i),
		}
	}
	inserted, err := store.InsertEntries(context.Background(), entries)
	require.NoError(t, err)
	require.Equal(t, n, inserted)
	return entries
}

func flat(int) int { return 1 }

func newWorker(store *memory.Store, fetcher pipeline.Fetcher, cfg Config) *Worker {
	return New(Deps{
		Queue:   store,
		Fetcher: fetcher,
		Hasher:  hashsha.New(),
		Clock:   manual.New(start),
	}, cfg, nil)
}

func TestPartialBatchResolvesEveryEntry(t *testing.T) {
	t.Parallel()

	store := memory.New()
	entries := seed(t, store, 10, flat)
	fetcher := newStubFetcher()
	fetcher.fail[entries[1].URL] = pipeline.NewError(pipeline.KindTransientFetch, "fetch", entries[1].URL, context.DeadlineExceeded)
	fetcher.status[entries[4].URL] = 503
	fetcher.status[entries[7].URL] = 404

	w := newWorker(store, fetcher, Config{BatchSize: 10, Concurrency: 5, MaxAttempts: 3})
	summary, err := w.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 10, summary.Claimed)
	require.Equal(t, 7, summary.Completed)
	require.Equal(t, 3, summary.Failed)
	require.Zero(t, summary.Terminal)

	counts := map[pipeline.ScrapeStatus]int{}
	for _, e := range store.Entries() {
		counts[e.Status]++
		switch e.ID {
		case entries[1].ID, entries[4].ID, entries[7].ID:
			require.Equal(t, pipeline.ScrapeFailed, e.Status)
			require.Equal(t, 1, e.Attempts)
			require.NotEmpty(t, e.LastError)
		default:
			require.Equal(t, pipeline.ScrapeCompleted, e.Status)
			require.Zero(t, e.Attempts)
			require.NotNil(t, e.FullContent)
			require.Contains(t, *e.FullContent, "record demand")
			require.NotContains(t, *e.FullContent, "Copyright")
			require.Equal(t, len(*e.FullContent), e.ContentLength)
			require.Equal(t, "Grid news", e.RawMetadata["page_title"])
		}
	}
	require.Equal(t, 7, counts[pipeline.ScrapeCompleted])
	require.Equal(t, 3, counts[pipeline.ScrapeFailed])
	require.Zero(t, counts[pipeline.ScrapeProcessing])
}

func TestBatchProcessesByPriority(t *testing.T) {
	t.Parallel()

	store := memory.New()
	priorities := []int{3, 1, 2}
	entries := seed(t, store, 3, func(i int) int { return priorities[i] })
	fetcher := newStubFetcher()

	w := newWorker(store, fetcher, Config{BatchSize: 10, Concurrency: 1})
	_, err := w.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, []string{entries[1].URL, entries[2].URL, entries[0].URL}, fetcher.fetched())
}

func TestRepeatedFailuresBecomeTerminalAtMaxAttempts(t *testing.T) {
	t.Parallel()

	store := memory.New()
	entries := seed(t, store, 1, flat)
	fetcher := newStubFetcher()
	fetcher.status[entries[0].URL] = 500
	w := newWorker(store, fetcher, Config{MaxAttempts: 3})

	for attempt := 1; attempt <= 3; attempt++ {
		summary, err := w.Run(context.Background(), Request{})
		require.NoError(t, err)
		require.Equal(t, 1, summary.Claimed)
		e, err := store.GetEntry(context.Background(), entries[0].ID)
		require.NoError(t, err)
		require.Equal(t, attempt, e.Attempts)
		require.Equal(t, pipeline.ScrapeFailed, e.Status)
		require.Equal(t, attempt == 3, summary.Terminal == 1)
	}

	summary, err := w.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Zero(t, summary.Claimed)
	require.Len(t, fetcher.fetched(), 3)
}

func TestStaleLeasesAreReleasedBeforeClaiming(t *testing.T) {
	t.Parallel()

	store := memory.New()
	entries := seed(t, store, 1, flat)
	_, err := store.Claim(context.Background(), pipeline.ClaimRequest{Limit: 1, MaxAttempts: 3, At: start.Add(-20 * time.Minute)})
	require.NoError(t, err)

	w := newWorker(store, newStubFetcher(), Config{MaxAttempts: 3, StaleAfter: 15 * time.Minute})
	summary, err := w.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.StaleRequeued)
	require.Equal(t, 1, summary.Completed)

	e, err := store.GetEntry(context.Background(), entries[0].ID)
	require.NoError(t, err)
	require.Equal(t, pipeline.ScrapeCompleted, e.Status)
	require.Equal(t, 1, e.Attempts, "the abandoned lease is charged one attempt")
}

func TestCompletedEntriesAreArchivedPublishedAndEnqueued(t *testing.T) {
	t.Parallel()

	store := memory.New()
	entries := seed(t, store, 2, flat)
	blobs := memory.NewBlobStore()
	publisher := pubmemory.New()
	jobs := &recordingEnqueuer{}

	w := New(Deps{
		Queue:     store,
		Fetcher:   newStubFetcher(),
		Blobs:     blobs,
		Publisher: publisher,
		Jobs:      jobs,
		Hasher:    hashsha.New(),
		Clock:     manual.New(start),
	}, Config{Archive: true, BlobPrefix: "/content/", Topic: "entry-scraped", EnqueueExtraction: true}, nil)

	summary, err := w.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Completed)

	hash := hashsha.Hex([]byte(articleHTML))
	key := "content/2026-03-01/" + hash + ".html"
	data, contentType, ok := blobs.Object(key)
	require.True(t, ok)
	require.Equal(t, articleHTML, string(data))
	require.Equal(t, "text/html; charset=utf-8", contentType)

	e, err := store.GetEntry(context.Background(), entries[0].ID)
	require.NoError(t, err)
	require.Equal(t, "memory://"+key, e.RawMetadata["archive_uri"])
	require.Equal(t, hash, e.RawMetadata["content_hash"])

	msgs := publisher.Messages("entry-scraped")
	require.Len(t, msgs, 2)
	var note pipeline.ScrapeNotification
	require.NoError(t, json.Unmarshal(msgs[0].Data, &note))
	require.Equal(t, "src", note.SourceID)
	require.True(t, strings.HasPrefix(note.URL, "https://news.example.com/a/"))
	require.Positive(t, note.ContentLength)
	require.Equal(t, start, note.ScrapedAt)

	require.Len(t, jobs.jobs, 2)
}

func TestPublishFailureDoesNotFailEntry(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seed(t, store, 1, flat)
	publisher := pubmemory.New()
	publisher.FailWith(errors.New("topic gone"))

	w := New(Deps{Queue: store, Fetcher: newStubFetcher(), Publisher: publisher, Clock: manual.New(start)},
		Config{Topic: "entry-scraped"}, nil)
	summary, err := w.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Completed)
}

type staticFetcher struct{ body string }

func (s staticFetcher) Fetch(_ context.Context, req pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	return pipeline.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(s.body)}, nil
}

func TestUnusableContentIsPermanentFailure(t *testing.T) {
	t.Parallel()

	for name, body := range map[string]string{
		"empty":   "   ",
		"no text": "<html><head><script>1</script></head><body><nav>menu</nav></body></html>",
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			store := memory.New()
			entries := seed(t, store, 1, flat)
			w := New(Deps{Queue: store, Fetcher: staticFetcher{body: body}, Clock: manual.New(start)}, Config{}, nil)

			summary, err := w.Run(context.Background(), Request{})
			require.NoError(t, err)
			require.Equal(t, 1, summary.Failed)
			e, err := store.GetEntry(context.Background(), entries[0].ID)
			require.NoError(t, err)
			require.Contains(t, e.LastError, string(pipeline.KindPermanentContent))
		})
	}
}

func TestFetchCacheAvoidsRefetch(t *testing.T) {
	t.Parallel()

	fetcher := newStubFetcher()
	w := New(Deps{Fetcher: fetcher, Clock: manual.New(start)}, Config{CacheTTL: time.Minute, CacheSize: 8}, nil)

	_, _, cached, err := w.fetch(context.Background(), "https://news.example.com/x")
	require.NoError(t, err)
	require.False(t, cached)
	body, status, cached, err := w.fetch(context.Background(), "https://news.example.com/x")
	require.NoError(t, err)
	require.True(t, cached)
	require.Equal(t, 200, status)
	require.Equal(t, articleHTML, string(body))
	require.Len(t, fetcher.fetched(), 1)

	fetcher.status["https://news.example.com/y"] = 502
	_, _, _, err = w.fetch(context.Background(), "https://news.example.com/y")
	require.ErrorIs(t, err, pipeline.ErrTransientFetch)
	_, _, _, err = w.fetch(context.Background(), "https://news.example.com/y")
	require.Error(t, err)
	require.Len(t, fetcher.fetched(), 3, "failed fetches are not cached")
}

func TestRequestBatchSizeCapsClaim(t *testing.T) {
	t.Parallel()

	store := memory.New()
	seed(t, store, 5, flat)
	w := newWorker(store, newStubFetcher(), Config{BatchSize: 10})
	summary, err := w.Run(context.Background(), Request{BatchSize: 2})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Claimed)
}

func TestBlobPath(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 1, 23, 0, 0, 0, time.FixedZone("x", -5*3600))
	require.Equal(t, "content/2026-03-02/abc.html", BlobPath("/content/", "abc", at))
	require.Equal(t, "2026-03-02/abc.html", BlobPath("", "abc", at))
}
