// Package quota enforces the search engine's daily request allowance across
// invocations. Counters are keyed by UTC day so they reset at midnight.
package quota

import (
	"context"
	"time"
)

// Counter consumes units of a daily allowance.
type Counter interface {
	// Take consumes one unit for the day containing at. It returns the units
	// remaining afterwards, or pipeline.ErrQuotaExceeded when none are left.
	Take(ctx context.Context, at time.Time) (int, error)
	// Used reports how many units the day containing at has consumed.
	Used(ctx context.Context, at time.Time) (int, error)
}

func dayKey(at time.Time) string {
	return at.UTC().Format(time.DateOnly)
}
