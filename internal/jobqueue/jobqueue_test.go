package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/discovery-pipeline/internal/clock/manual"
	"github.com/JakeFAU/discovery-pipeline/internal/extract"
	"github.com/JakeFAU/discovery-pipeline/internal/id/uuid"
	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
	pubmemory "github.com/JakeFAU/discovery-pipeline/internal/publisher/memory"
	"github.com/JakeFAU/discovery-pipeline/internal/storage/memory"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memory.Store
	clock    *manual.Clock
	queue    *Queue
	registry *Registry
}

func newFixture(t *testing.T, maxAttempts int) fixture {
	t.Helper()
	store := memory.New()
	clock := manual.New(now)
	return fixture{
		store:    store,
		clock:    clock,
		queue:    NewQueue(store, uuid.New(), clock, maxAttempts),
		registry: NewRegistry(),
	}
}

func (f fixture) worker(cfg WorkerConfig) *Worker {
	return NewWorker("worker-1", f.store, f.registry, f.clock, cfg, nil)
}

func TestEnqueuePersistsPendingJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 4)

	id, err := f.queue.Enqueue(ctx, "report.build", map[string]int{"week": 9}, 3)
	require.NoError(t, err)
	require.True(t, uuid.Valid(id))

	job, err := f.store.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobPending, job.Status)
	require.Equal(t, "report.build", job.Type)
	require.Equal(t, 4, job.MaxAttempts)
	require.Equal(t, 3, job.Priority)
	require.Equal(t, now, job.CreatedAt)
	require.JSONEq(t, `{"week":9}`, string(job.Payload))

	id, err = f.queue.Enqueue(ctx, "noop", nil, 0)
	require.NoError(t, err)
	job, err = f.store.GetJob(ctx, id)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(job.Payload))

	_, err = f.queue.Enqueue(ctx, "", nil, 0)
	require.Error(t, err)
	_, err = f.queue.Enqueue(ctx, "noop", json.RawMessage(`{broken`), 0)
	require.Error(t, err)
}

func TestProcessNextRunsMostUrgentJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 0)

	var order []string
	f.registry.Register("echo", func(_ context.Context, job pipeline.Job) error {
		var p struct{ Name string }
		require.NoError(t, json.Unmarshal(job.Payload, &p))
		order = append(order, p.Name)
		return nil
	})

	w := f.worker(WorkerConfig{})
	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	require.False(t, processed)

	lowID, err := f.queue.Enqueue(ctx, "echo", map[string]string{"name": "low"}, 0)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.queue.Enqueue(ctx, "echo", map[string]string{"name": "high"}, 5)
	require.NoError(t, err)

	for range 2 {
		processed, err = w.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed)
	}
	require.Equal(t, []string{"high", "low"}, order)

	job, err := f.store.GetJob(ctx, lowID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobCompleted, job.Status)
	require.Equal(t, "worker-1", job.WorkerID)
	require.NotNil(t, job.CompletedAt)
}

func TestFailingJobRetriesUntilMaxAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 2)
	f.registry.Register("flaky", func(context.Context, pipeline.Job) error {
		return errors.New("upstream unavailable")
	})
	id, err := f.queue.Enqueue(ctx, "flaky", nil, 0)
	require.NoError(t, err)

	w := f.worker(WorkerConfig{})
	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	job, err := f.store.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobPending, job.Status)
	require.Equal(t, 1, job.Attempts)
	require.Equal(t, "upstream unavailable", job.LastError)

	_, err = w.ProcessNext(ctx)
	require.NoError(t, err)
	job, err = f.store.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobFailed, job.Status)
	require.Equal(t, 2, job.Attempts)

	processed, err := w.ProcessNext(ctx)
	require.NoError(t, err)
	require.False(t, processed)
}

func TestUnknownTypeTimeoutAndPanicAreFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 1)
	f.registry.Register("slow", func(ctx context.Context, _ pipeline.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	f.registry.Register("boom", func(context.Context, pipeline.Job) error {
		panic("nil map")
	})

	ids := make(map[string]string)
	for _, jobType := range []string{"mystery", "slow", "boom"} {
		id, err := f.queue.Enqueue(ctx, jobType, nil, 0)
		require.NoError(t, err)
		ids[jobType] = id
		f.clock.Advance(time.Second)
	}

	w := f.worker(WorkerConfig{HandlerTimeout: 20 * time.Millisecond})
	for range 3 {
		processed, err := w.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, processed)
	}

	for jobType, want := range map[string]string{
		"mystery": `no handler registered for job type "mystery"`,
		"slow":    context.DeadlineExceeded.Error(),
		"boom":    "handler panic: nil map",
	} {
		job, err := f.store.GetJob(ctx, ids[jobType])
		require.NoError(t, err)
		require.Equal(t, pipeline.JobFailed, job.Status, jobType)
		require.Contains(t, job.LastError, want, jobType)
	}
}

func TestRunFinishesClaimedJobOnShutdown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	started := make(chan struct{})
	release := make(chan struct{})
	var handled atomic.Int32
	f.registry.Register("long", func(ctx context.Context, _ pipeline.Job) error {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		handled.Add(1)
		return nil
	})
	id, err := f.queue.Enqueue(context.Background(), "long", nil, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w := f.worker(WorkerConfig{PollInterval: 5 * time.Millisecond})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	<-started
	cancel()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	require.Equal(t, int32(1), handled.Load())
	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobCompleted, job.Status)
}

func TestRegistryTypes(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(pipeline.JobPublishEntry, func(context.Context, pipeline.Job) error { return nil })
	r.Register(pipeline.JobExtractMetadata, func(context.Context, pipeline.Job) error { return nil })
	require.Equal(t, []string{pipeline.JobPublishEntry, pipeline.JobExtractMetadata}, r.Types())
	_, ok := r.Lookup("missing")
	require.False(t, ok)
}

func seedEntry(t *testing.T, store *memory.Store, id string, status pipeline.ScrapeStatus) {
	t.Helper()
	content := "Acme Power raises output at its solar farm."
	e := pipeline.QueueEntry{
		ID:            id,
		SourceID:      "src-1",
		URL:           "https://example.com/" + id,
		Title:         "Acme Power expands",
		DiscoveredAt:  now.Add(-time.Hour),
		Status:        status,
		ContentLength: len(content),
	}
	if status == pipeline.ScrapeCompleted {
		scraped := now.Add(-10 * time.Minute)
		e.FullContent = &content
		e.ScrapedAt = &scraped
	}
	_, err := store.InsertEntries(context.Background(), []pipeline.QueueEntry{e})
	require.NoError(t, err)
}

func TestExtractMetadataHandler(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, 1)
	seedEntry(t, f.store, "entry-1", pipeline.ScrapeCompleted)
	runner := extract.NewRunner(f.store, f.clock, extract.Config{}, nil)
	f.registry.Register(pipeline.JobExtractMetadata, ExtractMetadataHandler(runner))

	okID, err := f.queue.Enqueue(ctx, pipeline.JobExtractMetadata, pipeline.EntryPayload{EntryID: "entry-1"}, 0)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	badID, err := f.queue.Enqueue(ctx, pipeline.JobExtractMetadata, map[string]string{}, 0)
	require.NoError(t, err)

	w := f.worker(WorkerConfig{})
	for range 2 {
		_, err := w.ProcessNext(ctx)
		require.NoError(t, err)
	}

	job, err := f.store.GetJob(ctx, okID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobCompleted, job.Status)
	e, err := f.store.GetEntry(ctx, "entry-1")
	require.NoError(t, err)
	require.NotNil(t, e.ExtractedMetadata)
	require.Equal(t, pipeline.ConfidenceHigh, e.ExtractedMetadata.Confidence)

	job, err = f.store.GetJob(ctx, badID)
	require.NoError(t, err)
	require.Equal(t, pipeline.JobFailed, job.Status)
	require.Contains(t, job.LastError, "entry_id")
}

func TestPublishEntryHandler(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	seedEntry(t, store, "done", pipeline.ScrapeCompleted)
	seedEntry(t, store, "waiting", pipeline.ScrapePending)
	pub := pubmemory.New()
	h := PublishEntryHandler(store, pub, "entries")

	payload := func(id string) pipeline.Job {
		raw, err := json.Marshal(pipeline.EntryPayload{EntryID: id})
		require.NoError(t, err)
		return pipeline.Job{Type: pipeline.JobPublishEntry, Payload: raw}
	}

	require.NoError(t, h(ctx, payload("done")))
	msgs := pub.Messages("entries")
	require.Len(t, msgs, 1)
	var n pipeline.ScrapeNotification
	require.NoError(t, json.Unmarshal(msgs[0].Data, &n))
	require.Equal(t, "done", n.EntryID)
	require.Equal(t, "src-1", n.SourceID)
	require.Equal(t, now.Add(-10*time.Minute), n.ScrapedAt)

	require.ErrorIs(t, h(ctx, payload("waiting")), pipeline.ErrPermanentContent)
	require.ErrorIs(t, h(ctx, payload("missing")), pipeline.ErrNotFound)

	pub.FailWith(errors.New("topic gone"))
	require.ErrorContains(t, h(ctx, payload("done")), "topic gone")
}
