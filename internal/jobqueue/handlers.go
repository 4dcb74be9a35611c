package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

// Handler executes one job. A returned error charges an attempt.
type Handler func(ctx context.Context, job pipeline.Job) error

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds h to jobType, replacing any previous handler.
func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Lookup returns the handler for jobType.
func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types lists registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// EntryExtractor extracts and stores metadata for one entry.
type EntryExtractor interface {
	ExtractEntry(ctx context.Context, entryID string) (pipeline.ExtractedMetadata, error)
}

// ExtractMetadataHandler handles pipeline.JobExtractMetadata jobs.
func ExtractMetadataHandler(extractor EntryExtractor) Handler {
	return func(ctx context.Context, job pipeline.Job) error {
		p, err := entryPayload(job)
		if err != nil {
			return err
		}
		if _, err := extractor.ExtractEntry(ctx, p.EntryID); err != nil {
			return fmt.Errorf("extract entry %s: %w", p.EntryID, err)
		}
		return nil
	}
}

// PublishEntryHandler handles pipeline.JobPublishEntry jobs by re-sending the
// completion notification of a scraped entry.
func PublishEntryHandler(queue pipeline.QueueStore, publisher pipeline.Publisher, topic string) Handler {
	return func(ctx context.Context, job pipeline.Job) error {
		p, err := entryPayload(job)
		if err != nil {
			return err
		}
		e, err := queue.GetEntry(ctx, p.EntryID)
		if err != nil {
			return fmt.Errorf("get entry %s: %w", p.EntryID, err)
		}
		if e.Status != pipeline.ScrapeCompleted {
			return pipeline.NewError(pipeline.KindPermanentContent, "publish entry", e.URL,
				fmt.Errorf("entry %s is %s, not completed", e.ID, e.Status))
		}
		if _, err := publisher.Publish(ctx, topic, pipeline.NotificationFor(e)); err != nil {
			return fmt.Errorf("publish entry %s: %w", e.ID, err)
		}
		return nil
	}
}

func entryPayload(job pipeline.Job) (pipeline.EntryPayload, error) {
	var p pipeline.EntryPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, pipeline.NewError(pipeline.KindPermanentContent, job.Type, "", fmt.Errorf("decode payload: %w", err))
	}
	if p.EntryID == "" {
		return p, pipeline.NewError(pipeline.KindPermanentContent, job.Type, "", errors.New("payload missing entry_id"))
	}
	return p, nil
}
