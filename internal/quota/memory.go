package quota

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/discovery-pipeline/internal/pipeline"
)

// Memory is a process-local Counter for dev mode and tests.
type Memory struct {
	mu    sync.Mutex
	limit int
	used  map[string]int
}

// NewMemory returns a Memory counter allowing limit units per day.
func NewMemory(limit int) *Memory {
	return &Memory{limit: limit, used: make(map[string]int)}
}

// Take implements Counter.
func (m *Memory) Take(_ context.Context, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := dayKey(at)
	if m.used[key] >= m.limit {
		return 0, pipeline.NewError(pipeline.KindQuotaExceeded, "search quota", "", errLimit(m.limit))
	}
	m.used[key]++
	return m.limit - m.used[key], nil
}

// Used implements Counter.
func (m *Memory) Used(_ context.Context, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used[dayKey(at)], nil
}
