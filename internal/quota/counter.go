// Package quota tracks per-subject daily usage of metered operations.
//
// The Tracker is backend agnostic: a Counter is picked once at startup
// (Redis, Postgres or the in-process MemoryCounter) and every call goes
// through it. There is no runtime failover between counters.
package quota

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBackendUnavailable marks a counter store failure. It is never
	// treated as zero usage.
	ErrBackendUnavailable = errors.New("quota: backend unavailable")
	// ErrEmptySubject is returned for calls without a subject key.
	ErrEmptySubject = errors.New("quota: empty subject key")
)

// Counter is the storage capability behind the Tracker. One counter value
// exists per (subject, period); period is a UTC day key.
type Counter interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Get returns the count for the period, 0 when absent.
	Get(ctx context.Context, subject, period string) (int64, error)
	// IncrWithExpiry atomically adds one and returns the new count. The
	// first increment of a period arms an expiry of ttl.
	IncrWithExpiry(ctx context.Context, subject, period string, ttl time.Duration) (int64, error)
	// IncrBelow atomically adds one only while the count is below limit.
	// It returns the resulting count and whether the increment happened.
	IncrBelow(ctx context.Context, subject, period string, limit int64, ttl time.Duration) (int64, bool, error)
	// Delete clears the period's counter.
	Delete(ctx context.Context, subject, period string) error
}

// Sweeper is implemented by counters that need periodic housekeeping.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}
