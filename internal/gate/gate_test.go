package gate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/config"
	"github.com/nanjiek/pixiu-quota/internal/metrics"
	"github.com/nanjiek/pixiu-quota/internal/policy"
	"github.com/nanjiek/pixiu-quota/internal/policy/source"
	"github.com/nanjiek/pixiu-quota/internal/quota"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	gate    *Gate
	tracker *quota.Tracker
	cache   *policy.Cache
	clock   *clock
	metrics *metrics.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	m := metrics.New(prometheus.NewRegistry())
	cache := policy.NewCache(policy.FromConfig(config.Default()), nil, m)
	tr := quota.NewTracker(
		quota.NewMemoryCounter(quota.WithMemoryClock(c.Now)),
		quota.WithClock(c.Now),
		quota.WithLimits(cache),
		quota.WithMetrics(m),
	)
	g := New(tr, cache,
		WithMetrics(m),
		WithBurstLimiter(NewBurstLimiter(withBurstClock(c.Now))),
	)
	return &fixture{gate: g, tracker: tr, cache: cache, clock: c, metrics: m}
}

func TestConsumeFreeTierAcrossDays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u1 := Subject{Key: "u1", IP: "198.51.100.1"}

	for i := int64(1); i <= 5; i++ {
		dec, err := f.gate.Consume(ctx, config.OpGeneration, u1)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !dec.Allowed || dec.Count != i || dec.Limit != 5 || dec.Remaining != 5-i {
			t.Fatalf("call %d: unexpected decision %+v", i, dec)
		}
	}

	dec, err := f.gate.Consume(ctx, config.OpGeneration, u1)
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("sixth call: expected RateLimitError, got %v", err)
	}
	if dec.Allowed || dec.Count != 5 || dec.Limit != 5 {
		t.Fatalf("sixth call: unexpected decision %+v", dec)
	}
	if rle.Count != 5 || rle.Limit != 5 || !rle.RequiresAPIKey {
		t.Fatalf("unexpected rejection: %+v", rle)
	}
	if want := 15 * time.Hour; rle.RetryAfter != want {
		t.Fatalf("retry after = %v, want %v", rle.RetryAfter, want)
	}

	f.clock.Advance(15 * time.Hour)
	dec, err = f.gate.Consume(ctx, config.OpGeneration, u1)
	if err != nil || !dec.Allowed || dec.Count != 1 {
		t.Fatalf("first call on D+1: %+v err=%v", dec, err)
	}
}

func TestCredentialIsUnlimitedAndUncounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u2 := Subject{Key: "u2", HasCredential: true}

	for i := 0; i < 100; i++ {
		dec, err := f.gate.Consume(ctx, config.OpGeneration, u2)
		if err != nil || !dec.Allowed || !dec.Unlimited {
			t.Fatalf("call %d: %+v err=%v", i, dec, err)
		}
	}
	rec, err := f.tracker.GetUsage(ctx, "u2")
	if err != nil || rec.Count != 0 {
		t.Fatalf("u2 usage = %+v err=%v, want 0", rec, err)
	}
	if got := testutil.ToFloat64(f.metrics.Decisions.WithLabelValues(config.OpGeneration, "unlimited")); got != 100 {
		t.Fatalf("unlimited decisions = %v", got)
	}
}

func TestConcurrentConsumeNeverExceedsLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if dec, err := f.gate.Consume(ctx, config.OpGeneration, Subject{Key: "race"}); err == nil && dec.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := admitted.Load(); got != 5 {
		t.Fatalf("admitted = %d, want 5", got)
	}
}

func TestAdmitDoesNotCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := Subject{Key: "u3"}

	for i := 0; i < 3; i++ {
		dec, err := f.gate.Admit(ctx, config.OpGeneration, s)
		if err != nil || !dec.Allowed || dec.Count != 0 {
			t.Fatalf("admit: %+v err=%v", dec, err)
		}
	}
	for i := 0; i < 5; i++ {
		_, _ = f.gate.Consume(ctx, config.OpGeneration, s)
	}
	dec, err := f.gate.Admit(ctx, config.OpGeneration, s)
	if err != nil || dec.Allowed || dec.Reason != ReasonExceeded {
		t.Fatalf("admit at limit: %+v err=%v", dec, err)
	}
}

func TestOperationClassesCountSeparately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := Subject{Key: "u4"}

	if _, err := f.cache.Upsert(ctx, source.Document{
		Operations: map[string]config.OperationCfg{config.OpImage: {Daily: 1}},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if dec, err := f.gate.Consume(ctx, config.OpImage, s); err != nil || dec.Limit != 1 {
		t.Fatalf("first image: %+v err=%v", dec, err)
	}
	if _, err := f.gate.Consume(ctx, config.OpImage, s); err == nil {
		t.Fatal("second image should be rejected")
	}
	// Generation quota is untouched by image use.
	if dec, err := f.gate.Consume(ctx, config.OpGeneration, s); err != nil || dec.Count != 1 {
		t.Fatalf("generation: %+v err=%v", dec, err)
	}
	if got := CounterKey(config.OpImage, "u4"); got != "image:u4" {
		t.Fatalf("CounterKey = %q", got)
	}
}

func TestBurstLimitedOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := Subject{Key: "203.0.113.9", IP: "203.0.113.9"}

	// keys: 10/min, burst 5, not daily metered.
	for i := 0; i < 5; i++ {
		dec, err := f.gate.Consume(ctx, config.OpKeys, s)
		if err != nil || !dec.Allowed || dec.Reason != ReasonNotMetered {
			t.Fatalf("call %d: %+v err=%v", i, dec, err)
		}
	}
	_, err := f.gate.Consume(ctx, config.OpKeys, s)
	var rle *RateLimitError
	if !errors.As(err, &rle) || rle.Reason != ReasonBurst {
		t.Fatalf("expected burst rejection, got %v", err)
	}
	// A key skips the burst limiter, so the rejection must say so.
	if !rle.RequiresAPIKey || rle.BurstLimit != 5 {
		t.Fatalf("rejection = %+v", rle)
	}
	// keys is not daily metered: no daily figures.
	if rle.Count != 0 || rle.Limit != 0 {
		t.Fatalf("daily figures on unmetered op: %+v", rle)
	}
	if rle.RetryAfter <= 0 || rle.RetryAfter > 7*time.Second {
		t.Fatalf("retry after = %v", rle.RetryAfter)
	}

	withKey := s
	withKey.HasCredential = true
	if dec, err := f.gate.Consume(ctx, config.OpKeys, withKey); err != nil || !dec.Unlimited {
		t.Fatalf("same IP with key: %+v err=%v", dec, err)
	}

	f.clock.Advance(7 * time.Second)
	if _, err := f.gate.Consume(ctx, config.OpKeys, s); err != nil {
		t.Fatalf("after refill: %v", err)
	}
}

func TestBurstRejectionReportsDailyFigures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := Subject{Key: "user:b1", IP: "198.51.100.4"}

	if _, err := f.cache.Upsert(ctx, source.Document{
		Operations: map[string]config.OperationCfg{config.OpGeneration: {PerMinute: 6, Burst: 2}},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.gate.Consume(ctx, config.OpGeneration, s); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	dec, err := f.gate.Consume(ctx, config.OpGeneration, s)
	var rle *RateLimitError
	if !errors.As(err, &rle) || rle.Reason != ReasonBurst {
		t.Fatalf("expected burst rejection, got %v", err)
	}
	if rle.Count != 2 || rle.Limit != 5 || rle.BurstLimit != 2 || !rle.RequiresAPIKey {
		t.Fatalf("rejection = %+v", rle)
	}
	if dec.Allowed || dec.Count != 2 || dec.Remaining != 3 {
		t.Fatalf("decision = %+v", dec)
	}
	// The rejected call was not counted.
	if rec, _ := f.tracker.GetUsage(ctx, "user:b1"); rec.Count != 2 {
		t.Fatalf("count = %d, want 2", rec.Count)
	}
}

func TestAdmitSeesBurstWithoutTakingTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := Subject{Key: "203.0.113.20", IP: "203.0.113.20"}

	// Peeking never drains the bucket.
	for i := 0; i < 10; i++ {
		if dec, err := f.gate.Admit(ctx, config.OpKeys, s); err != nil || !dec.Allowed {
			t.Fatalf("admit %d: %+v err=%v", i, dec, err)
		}
	}
	for i := 0; i < 5; i++ {
		if _, err := f.gate.Consume(ctx, config.OpKeys, s); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}

	dec, err := f.gate.Admit(ctx, config.OpKeys, s)
	if err != nil || dec.Allowed || dec.Reason != ReasonBurst || dec.RetryAfterMs <= 0 {
		t.Fatalf("admit after burst: %+v err=%v", dec, err)
	}
	if _, err := f.gate.Consume(ctx, config.OpKeys, s); err == nil {
		t.Fatal("consume should agree with admit")
	}
}

func TestBypassAllowsButStillCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	on := true
	if _, err := f.cache.Upsert(ctx, source.Document{Bypass: &on}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	for i := 0; i < 8; i++ {
		dec, err := f.gate.Consume(ctx, config.OpGeneration, Subject{Key: "u5"})
		if err != nil || !dec.Allowed || dec.Reason != ReasonBypass {
			t.Fatalf("call %d: %+v err=%v", i, dec, err)
		}
	}
	u, err := f.gate.Usage(ctx, Subject{Key: "u5"})
	if err != nil || u.UsageCount != 8 || !u.Unlimited || u.Remaining != 0 {
		t.Fatalf("usage = %+v err=%v", u, err)
	}
}

type downCounter struct{}

func (downCounter) Name() string { return "down" }
func (downCounter) Get(context.Context, string, string) (int64, error) {
	return 0, quota.ErrBackendUnavailable
}
func (downCounter) IncrWithExpiry(context.Context, string, string, time.Duration) (int64, error) {
	return 0, quota.ErrBackendUnavailable
}
func (downCounter) IncrBelow(context.Context, string, string, int64, time.Duration) (int64, bool, error) {
	return 0, false, quota.ErrBackendUnavailable
}
func (downCounter) Delete(context.Context, string, string) error { return quota.ErrBackendUnavailable }

func TestBackendFailureIsNotAdmitted(t *testing.T) {
	cache := policy.NewCache(policy.FromConfig(config.Default()), nil, nil)
	g := New(quota.NewTracker(downCounter{}), cache)

	dec, err := g.Consume(context.Background(), config.OpGeneration, Subject{Key: "u6"})
	if !errors.Is(err, quota.ErrBackendUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if dec.Allowed || dec.Unlimited {
		t.Fatalf("backend failure must not admit: %+v", dec)
	}
}

func TestUsageAndReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := Subject{Key: "u7"}
	for i := 0; i < 3; i++ {
		_, _ = f.gate.Consume(ctx, config.OpGeneration, s)
	}
	_, _ = f.gate.Consume(ctx, config.OpImage, s)

	u, err := f.gate.Usage(ctx, s)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if u.UsageCount != 3 || u.DailyLimit != 5 || u.Remaining != 2 || u.Unlimited || u.Exceeded {
		t.Fatalf("usage = %+v", u)
	}
	for i := 0; i < 2; i++ {
		_, _ = f.gate.Consume(ctx, config.OpGeneration, s)
	}
	if u, _ = f.gate.Usage(ctx, s); !u.Exceeded || u.Remaining != 0 {
		t.Fatalf("usage at limit = %+v", u)
	}

	if err := f.gate.Reset(ctx, "u7"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	u, _ = f.gate.Usage(ctx, s)
	if u.UsageCount != 0 {
		t.Fatalf("usage after reset = %+v", u)
	}
	if rec, _ := f.tracker.GetUsage(ctx, "image:u7"); rec.Count != 0 {
		t.Fatalf("image usage after reset = %d", rec.Count)
	}
}
