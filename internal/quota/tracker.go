package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/metrics"
	"github.com/nanjiek/pixiu-quota/internal/types"
)

// DefaultFreeLimit is the daily free allowance when nothing is configured.
const DefaultFreeLimit int64 = 5

// Limits supplies the live free limit and bypass flag. The policy cache
// implements it so both can change without a restart.
type Limits interface {
	FreeLimit() int64
	Bypass() bool
}

// StaticLimits is a fixed Limits.
type StaticLimits struct {
	Free     int64
	BypassOn bool
}

func (s StaticLimits) FreeLimit() int64 {
	if s.Free <= 0 {
		return DefaultFreeLimit
	}
	return s.Free
}

func (s StaticLimits) Bypass() bool { return s.BypassOn }

// Tracker reads and advances daily usage through a Counter.
type Tracker struct {
	counter Counter
	limits  Limits
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Collector
}

// Option configures Tracker.
type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithTTL sets the expiry armed on a period's first increment (default 48h).
func WithTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.ttl = d
		}
	}
}

func WithLimits(l Limits) Option {
	return func(t *Tracker) {
		if l != nil {
			t.limits = l
		}
	}
}

func NewTracker(counter Counter, opts ...Option) *Tracker {
	t := &Tracker{
		counter: counter,
		limits:  StaticLimits{Free: DefaultFreeLimit},
		ttl:     48 * time.Hour,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "quota", "backend", counter.Name())
	return t
}

// Backend names the counter in use.
func (t *Tracker) Backend() string { return t.counter.Name() }

// FreeLimit is the current daily free allowance.
func (t *Tracker) FreeLimit() int64 { return t.limits.FreeLimit() }

// Bypass reports whether the operational bypass is on.
func (t *Tracker) Bypass() bool { return t.limits.Bypass() }

// Now returns the tracker clock.
func (t *Tracker) Now() time.Time { return t.now() }

// GetUsage returns today's record for subject. An absent record, or one
// left over from an earlier day, reads as count 0 for today.
func (t *Tracker) GetUsage(ctx context.Context, subject string) (types.UsageRecord, error) {
	if err := checkSubject(subject); err != nil {
		return types.UsageRecord{}, err
	}
	period := types.PeriodKey(t.now())
	n, err := t.counter.Get(ctx, subject, period)
	if err != nil {
		return types.UsageRecord{}, t.backendErr("get", err)
	}
	return types.UsageRecord{SubjectKey: subject, Count: n, PeriodKey: period}, nil
}

// IncrementUsage adds one to today's count and returns the new record.
func (t *Tracker) IncrementUsage(ctx context.Context, subject string) (types.UsageRecord, error) {
	if err := checkSubject(subject); err != nil {
		return types.UsageRecord{}, err
	}
	period := types.PeriodKey(t.now())
	n, err := t.counter.IncrWithExpiry(ctx, subject, period, t.ttl)
	if err != nil {
		return types.UsageRecord{}, t.backendErr("incr", err)
	}
	return types.UsageRecord{SubjectKey: subject, Count: n, PeriodKey: period}, nil
}

// ConsumeBelow increments today's count only while it is below limit.
// The returned record holds the count after the call.
func (t *Tracker) ConsumeBelow(ctx context.Context, subject string, limit int64) (types.UsageRecord, bool, error) {
	if err := checkSubject(subject); err != nil {
		return types.UsageRecord{}, false, err
	}
	period := types.PeriodKey(t.now())
	n, ok, err := t.counter.IncrBelow(ctx, subject, period, limit, t.ttl)
	if err != nil {
		return types.UsageRecord{}, false, t.backendErr("incr_below", err)
	}
	return types.UsageRecord{SubjectKey: subject, Count: n, PeriodKey: period}, ok, nil
}

// HasExceededLimit reports count >= free limit. With the bypass on it is
// always false, and every evaluation says so in the log.
func (t *Tracker) HasExceededLimit(ctx context.Context, subject string) (bool, error) {
	if t.limits.Bypass() {
		t.WarnBypass(subject)
		return false, nil
	}
	t.metrics.SetBypass(false)
	rec, err := t.GetUsage(ctx, subject)
	if err != nil {
		return false, err
	}
	return rec.Count >= t.limits.FreeLimit(), nil
}

// WarnBypass records that a limit check was skipped.
func (t *Tracker) WarnBypass(subject string) {
	t.metrics.SetBypass(true)
	t.logger.Warn("quota bypass active, limit not enforced", "subject", subject)
}

// ResetUsage clears today's count for subject.
func (t *Tracker) ResetUsage(ctx context.Context, subject string) error {
	if err := checkSubject(subject); err != nil {
		return err
	}
	if err := t.counter.Delete(ctx, subject, types.PeriodKey(t.now())); err != nil {
		return t.backendErr("delete", err)
	}
	t.logger.Info("usage reset", "subject", subject)
	return nil
}

func (t *Tracker) backendErr(call string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	t.metrics.BackendError(t.counter.Name(), call)
	t.logger.Error("quota backend call failed", "call", call, "err", err)
	if errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, call, err)
}

func checkSubject(subject string) error {
	if strings.TrimSpace(subject) == "" {
		return ErrEmptySubject
	}
	return nil
}
