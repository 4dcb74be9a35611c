// Package jobqueue implements the generic background job queue: a producer
// that persists typed jobs, a handler registry, and polling workers.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

// Queue enqueues jobs into a JobStore.
type Queue struct {
	store       pipeline.JobStore
	ids         pipeline.IDGenerator
	clock       pipeline.Clock
	maxAttempts int
}

// NewQueue constructs a Queue. maxAttempts <= 0 uses pipeline.DefaultMaxAttempts.
func NewQueue(store pipeline.JobStore, ids pipeline.IDGenerator, clock pipeline.Clock, maxAttempts int) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = pipeline.DefaultMaxAttempts
	}
	return &Queue{store: store, ids: ids, clock: clock, maxAttempts: maxAttempts}
}

// Enqueue persists a pending job and returns its ID. Higher priority runs first.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload any, priority int) (string, error) {
	if jobType == "" {
		return "", errors.New("enqueue job: job type is required")
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	id, err := q.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: generate id: %w", jobType, err)
	}
	job := pipeline.Job{
		ID:          id,
		Type:        jobType,
		Payload:     raw,
		Status:      pipeline.JobPending,
		MaxAttempts: q.maxAttempts,
		Priority:    priority,
		CreatedAt:   q.clock.Now(),
	}
	if err := q.store.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	return id, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return raw, nil
	}
}

var _ pipeline.JobEnqueuer = (*Queue)(nil)
