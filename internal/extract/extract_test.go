package extract

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/discovery-pipeline/internal/clock/manual"
	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
	"github.com/JakeFAU/discovery-pipeline/internal/storage/memory"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func TestConfidenceFollowsRichestInput(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		entry pipeline.QueueEntry
		want  pipeline.Confidence
	}{
		"full content": {
			entry: pipeline.QueueEntry{Title: "t", Description: "d", FullContent: ptr("body")},
			want:  pipeline.ConfidenceHigh,
		},
		"blank content falls back": {
			entry: pipeline.QueueEntry{Title: "t", Description: "d", FullContent: ptr("  ")},
			want:  pipeline.ConfidenceMedium,
		},
		"title only": {
			entry: pipeline.QueueEntry{Title: "t"},
			want:  pipeline.ConfidenceLow,
		},
		"nothing at all": {
			entry: pipeline.QueueEntry{},
			want:  pipeline.ConfidenceLow,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			md := Extract(tc.entry, now)
			require.Equal(t, tc.want, md.Confidence)
			require.Equal(t, now, md.ExtractedAt)
			require.NotNil(t, md.Entities)
			require.NotNil(t, md.Topics)
			require.NotNil(t, md.Industries)
		})
	}
}

func TestTemporalSignals(t *testing.T) {
	t.Parallel()

	cases := []struct {
		age       time.Duration
		breaking  bool
		within24h bool
	}{
		{age: 90 * time.Minute, breaking: true, within24h: true},
		{age: 2 * time.Hour, breaking: true, within24h: true},
		{age: 2*time.Hour + 3*time.Minute, breaking: false, within24h: true},
		{age: 24 * time.Hour, breaking: false, within24h: true},
		{age: 24*time.Hour + 2*time.Minute, breaking: false, within24h: false},
		{age: 5 * time.Hour, breaking: false, within24h: true},
		{age: 30 * time.Hour, breaking: false, within24h: false},
		{age: -time.Hour, breaking: true, within24h: true},
	}
	for _, tc := range cases {
		md := Extract(pipeline.QueueEntry{PublishedAt: ptr(now.Add(-tc.age))}, now)
		require.NotNil(t, md.Temporal.AgeHours, tc.age)
		require.Equal(t, tc.breaking, md.Temporal.Breaking, tc.age)
		require.Equal(t, tc.within24h, md.Temporal.Within24h, tc.age)
	}

	md := Extract(pipeline.QueueEntry{}, now)
	require.Nil(t, md.Temporal.AgeHours)
	require.False(t, md.Temporal.Breaking)
}

func TestEntitiesTypeTopicsAndIndustries(t *testing.T) {
	t.Parallel()

	content := "Acme Power announces acquisition of Blue Grid Systems. " +
		"The deal gives Acme Power new solar capacity. NASA was not involved. " +
		"Regulators at the Federal Energy Regulatory Commission must approve the merger."
	e := pipeline.QueueEntry{
		Title:       "Acme Power to buy Blue Grid Systems",
		FullContent: &content,
		RawMetadata: map[string]any{"industries": []any{"Utilities"}},
	}

	md := Extract(e, now)
	require.Equal(t, TypePressRelease, md.Type)
	require.Equal(t, "Acme Power", md.Entities[0])
	require.Contains(t, md.Entities, "Blue Grid Systems")
	require.Contains(t, md.Entities, "NASA")
	require.Contains(t, md.Entities, "Federal Energy Regulatory Commission")
	require.NotContains(t, md.Entities, "The")
	require.Contains(t, md.Topics, "mergers")
	require.Contains(t, md.Topics, "regulation")
	require.Equal(t, []string{"energy", "utilities"}, md.Industries)
}

func TestKeywordsMatchAtWordStart(t *testing.T) {
	t.Parallel()

	md := Extract(pipeline.QueueEntry{Title: "Biotech startup opens clinical site"}, now)
	require.Contains(t, md.Industries, "healthcare")
	require.NotContains(t, md.Industries, "technology")
	require.Equal(t, TypeNews, md.Type)
}

func TestExtractDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	raw := map[string]any{"industries": []string{"Energy"}}
	e := pipeline.QueueEntry{ID: "e", Title: "Grid update", RawMetadata: raw}
	_ = Extract(e, now)
	require.Equal(t, []string{"Energy"}, raw["industries"])
	require.Nil(t, e.ExtractedMetadata)
}

func TestRunnerStoresMetadataForPendingEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	entries := make([]pipeline.QueueEntry, 5)
	for i := range entries {
		entries[i] = pipeline.QueueEntry{
			ID:           fmt.Sprintf("e-%d", i),
			SourceID:     "s",
			URL:          fmt.Sprintf("https://example.com/%d", i),
			Title:        "Solar output hits record",
			DiscoveredAt: now.Add(-time.Duration(i) * time.Minute),
			Status:       pipeline.ScrapePending,
		}
	}
	_, err := store.InsertEntries(ctx, entries)
	require.NoError(t, err)

	runner := NewRunner(store, manual.New(now), Config{BatchSize: 3, Concurrency: 2}, nil)
	summary, err := runner.Run(ctx, Request{})
	require.NoError(t, err)
	require.Equal(t, Summary{Selected: 3, Extracted: 3}, summary)

	summary, err = runner.Run(ctx, Request{})
	require.NoError(t, err)
	require.Equal(t, 2, summary.Extracted)

	summary, err = runner.Run(ctx, Request{})
	require.NoError(t, err)
	require.Zero(t, summary.Selected)

	got, err := store.GetEntry(ctx, "e-0")
	require.NoError(t, err)
	require.NotNil(t, got.ExtractedMetadata)
	require.Equal(t, pipeline.ConfidenceLow, got.ExtractedMetadata.Confidence)
	require.Contains(t, got.ExtractedMetadata.Industries, "energy")
}

func TestRunnerReextractsAfterScrape(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	_, err := store.InsertEntries(ctx, []pipeline.QueueEntry{{
		ID: "e", SourceID: "s", URL: "https://example.com/e", Description: "Grid operator warns of shortfall",
		DiscoveredAt: now, Status: pipeline.ScrapePending,
	}})
	require.NoError(t, err)

	runner := NewRunner(store, manual.New(now), Config{BatchSize: 10, Concurrency: 1}, nil)
	summary, err := runner.Run(ctx, Request{})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Extracted)
	got, err := store.GetEntry(ctx, "e")
	require.NoError(t, err)
	require.Equal(t, pipeline.ConfidenceMedium, got.ExtractedMetadata.Confidence)

	claimed, err := store.Claim(ctx, pipeline.ClaimRequest{Limit: 1, MaxAttempts: 3, At: now})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, store.MarkCompleted(ctx, "e", *claimed[0].ClaimedAt, pipeline.ScrapeResult{
		Content:   "The grid operator said reserves would fall short during the heat wave.",
		ScrapedAt: now,
	}))

	summary, err = runner.Run(ctx, Request{})
	require.NoError(t, err)
	require.Equal(t, Summary{Selected: 1, Extracted: 1}, summary)
	got, err = store.GetEntry(ctx, "e")
	require.NoError(t, err)
	require.Equal(t, pipeline.ConfidenceHigh, got.ExtractedMetadata.Confidence)
}

func TestExtractEntry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	_, err := store.InsertEntries(ctx, []pipeline.QueueEntry{{
		ID: "one", SourceID: "s", URL: "https://example.com/one", Description: "Quarterly earnings beat forecasts",
	}})
	require.NoError(t, err)

	runner := NewRunner(store, manual.New(now), Config{}, nil)
	md, err := runner.ExtractEntry(ctx, "one")
	require.NoError(t, err)
	require.Equal(t, pipeline.ConfidenceMedium, md.Confidence)
	require.Contains(t, md.Topics, "earnings")

	_, err = runner.ExtractEntry(ctx, "missing")
	require.ErrorIs(t, err, pipeline.ErrNotFound)
}
