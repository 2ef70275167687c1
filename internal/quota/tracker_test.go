package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/metrics"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(s string) *fakeClock {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(s string) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type failingCounter struct{}

func (failingCounter) Name() string { return "broken" }
func (failingCounter) Get(context.Context, string, string) (int64, error) {
	return 0, errors.New("connection refused")
}
func (failingCounter) IncrWithExpiry(context.Context, string, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}
func (failingCounter) IncrBelow(context.Context, string, string, int64, time.Duration) (int64, bool, error) {
	return 0, false, errors.New("connection refused")
}
func (failingCounter) Delete(context.Context, string, string) error {
	return errors.New("connection refused")
}

func newTestTracker(clock *fakeClock, opts ...Option) *Tracker {
	mem := NewMemoryCounter(WithMemoryClock(clock.Now))
	return NewTracker(mem, append([]Option{WithClock(clock.Now)}, opts...)...)
}

func TestGetUsageFreshSubject(t *testing.T) {
	clock := newClock("2024-05-01T10:00:00Z")
	tr := newTestTracker(clock)

	rec, err := tr.GetUsage(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if rec.Count != 0 || rec.PeriodKey != "2024-05-01" || rec.SubjectKey != "u1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestIncrementUsageConcurrent(t *testing.T) {
	clock := newClock("2024-05-01T10:00:00Z")
	tr := newTestTracker(clock)
	ctx := context.Background()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.IncrementUsage(ctx, "ip:203.0.113.7"); err != nil {
				t.Errorf("IncrementUsage: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, err := tr.GetUsage(ctx, "ip:203.0.113.7")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if rec.Count != n {
		t.Fatalf("count = %d, want %d", rec.Count, n)
	}
}

func TestHasExceededLimitBoundary(t *testing.T) {
	clock := newClock("2024-05-01T10:00:00Z")
	tr := newTestTracker(clock, WithLimits(StaticLimits{Free: 5}))
	ctx := context.Background()

	tests := []struct {
		count int
		want  bool
	}{
		{0, false},
		{4, false},
		{5, true},
		{6, true},
	}
	for _, tt := range tests {
		_ = tr.ResetUsage(ctx, "u1")
		for i := 0; i < tt.count; i++ {
			if _, err := tr.IncrementUsage(ctx, "u1"); err != nil {
				t.Fatalf("IncrementUsage: %v", err)
			}
		}
		got, err := tr.HasExceededLimit(ctx, "u1")
		if err != nil {
			t.Fatalf("HasExceededLimit: %v", err)
		}
		if got != tt.want {
			t.Errorf("count %d: exceeded = %v, want %v", tt.count, got, tt.want)
		}
	}
}

func TestDayRolloverResetsCount(t *testing.T) {
	clock := newClock("2024-05-01T23:59:00Z")
	tr := newTestTracker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := tr.IncrementUsage(ctx, "u1"); err != nil {
			t.Fatalf("IncrementUsage: %v", err)
		}
	}
	if exceeded, _ := tr.HasExceededLimit(ctx, "u1"); !exceeded {
		t.Fatal("expected u1 over limit on day D")
	}

	clock.Set("2024-05-02T00:00:01Z")
	rec, err := tr.GetUsage(ctx, "u1")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if rec.Count != 0 || rec.PeriodKey != "2024-05-02" {
		t.Fatalf("expected fresh record on D+1, got %+v", rec)
	}
	rec, err = tr.IncrementUsage(ctx, "u1")
	if err != nil || rec.Count != 1 {
		t.Fatalf("first increment on D+1: %+v err=%v", rec, err)
	}
}

func TestDayKeyIsUTC(t *testing.T) {
	// 23:30 in UTC-5 is already the next UTC day.
	loc := time.FixedZone("EST", -5*3600)
	local := time.Date(2024, 5, 1, 23, 30, 0, 0, loc)
	tr := NewTracker(NewMemoryCounter(), WithClock(func() time.Time { return local }))
	rec, err := tr.IncrementUsage(context.Background(), "u1")
	if err != nil {
		t.Fatalf("IncrementUsage: %v", err)
	}
	if rec.PeriodKey != "2024-05-02" {
		t.Fatalf("period = %s, want 2024-05-02", rec.PeriodKey)
	}
}

func TestConsumeBelowStopsAtLimit(t *testing.T) {
	clock := newClock("2024-05-01T10:00:00Z")
	tr := newTestTracker(clock)
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		rec, ok, err := tr.ConsumeBelow(ctx, "u1", 5)
		if err != nil || !ok || rec.Count != i {
			t.Fatalf("call %d: rec=%+v ok=%v err=%v", i, rec, ok, err)
		}
	}
	rec, ok, err := tr.ConsumeBelow(ctx, "u1", 5)
	if err != nil {
		t.Fatalf("ConsumeBelow: %v", err)
	}
	if ok || rec.Count != 5 {
		t.Fatalf("sixth call: ok=%v count=%d, want rejected at 5", ok, rec.Count)
	}
}

func TestBypassNeverExceedsAndIsExported(t *testing.T) {
	clock := newClock("2024-05-01T10:00:00Z")
	m := metrics.New(prometheus.NewRegistry())
	tr := newTestTracker(clock, WithLimits(StaticLimits{Free: 5, BypassOn: true}), WithMetrics(m))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, _ = tr.IncrementUsage(ctx, "u1")
	}
	exceeded, err := tr.HasExceededLimit(ctx, "u1")
	if err != nil {
		t.Fatalf("HasExceededLimit: %v", err)
	}
	if exceeded {
		t.Fatal("bypass must force not exceeded")
	}
	if got := testutil.ToFloat64(m.BypassEnabled); got != 1 {
		t.Fatalf("bypass gauge = %v, want 1", got)
	}
}

func TestBackendFailureIsNotZeroUsage(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	tr := NewTracker(failingCounter{}, WithMetrics(m))
	ctx := context.Background()

	if _, err := tr.GetUsage(ctx, "u1"); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("GetUsage err = %v", err)
	}
	exceeded, err := tr.HasExceededLimit(ctx, "u1")
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("HasExceededLimit err = %v", err)
	}
	if exceeded {
		t.Fatal("failure must not report a decision")
	}
	if _, _, err := tr.ConsumeBelow(ctx, "u1", 5); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("ConsumeBelow err = %v", err)
	}
	if got := testutil.ToFloat64(m.BackendErrors.WithLabelValues("broken", "get")); got != 2 {
		t.Fatalf("backend get errors = %v, want 2", got)
	}
}

func TestEmptySubjectRejected(t *testing.T) {
	tr := NewTracker(NewMemoryCounter())
	if _, err := tr.IncrementUsage(context.Background(), " "); !errors.Is(err, ErrEmptySubject) {
		t.Fatalf("err = %v, want ErrEmptySubject", err)
	}
}

func TestResetUsage(t *testing.T) {
	clock := newClock("2024-05-01T10:00:00Z")
	tr := newTestTracker(clock)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = tr.IncrementUsage(ctx, "u1")
	}
	if err := tr.ResetUsage(ctx, "u1"); err != nil {
		t.Fatalf("ResetUsage: %v", err)
	}
	rec, _ := tr.GetUsage(ctx, "u1")
	if rec.Count != 0 {
		t.Fatalf("count after reset = %d", rec.Count)
	}
}
