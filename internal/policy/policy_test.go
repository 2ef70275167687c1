package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
)

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/config"
	"github.com/nanjiek/pixiu-quota/internal/metrics"
	"github.com/nanjiek/pixiu-quota/internal/policy/source"
)

func basePolicy() *Policy {
	return FromConfig(config.Default())
}

func TestDailyLimit(t *testing.T) {
	p := basePolicy()
	p.Operations["custom"] = config.OperationCfg{Daily: 12}

	tests := []struct {
		op      string
		limit   int64
		metered bool
	}{
		{config.OpGeneration, 5, true},
		{config.OpImage, 5, true},
		{config.OpWorlds, 0, false},
		{config.OpKeys, 0, false},
		{"custom", 12, true},
		{"unknown", 5, true},
	}
	for _, tt := range tests {
		limit, metered := p.DailyLimit(tt.op)
		if limit != tt.limit || metered != tt.metered {
			t.Errorf("%s: got (%d,%v), want (%d,%v)", tt.op, limit, metered, tt.limit, tt.metered)
		}
	}
}

func TestWithOverlaysWithoutMutatingBase(t *testing.T) {
	base := basePolicy()
	on := true
	next := base.With(source.Document{
		FreeLimit:  7,
		Bypass:     &on,
		Operations: map[string]config.OperationCfg{config.OpImage: {Daily: 2}},
	}, "v2", "file")

	if next.FreeLimit != 7 || !next.Bypass || next.Operations[config.OpImage].Daily != 2 {
		t.Fatalf("overlay not applied: %#v", next)
	}
	if _, ok := next.Operations[config.OpWorlds]; !ok {
		t.Fatal("untouched operations must be kept")
	}
	if base.FreeLimit != 5 || base.Bypass || base.Operations[config.OpImage].Daily != 0 {
		t.Fatalf("base mutated: %#v", base)
	}
}

type fakeSource struct {
	mu      sync.Mutex
	payload source.Payload
	err     error
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Fetch(ctx context.Context) (source.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return source.Payload{}, f.err
	}
	return f.payload, nil
}

func TestPollerSyncOnceUpdatesSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	cache := NewCache(basePolicy(), nil, m)
	src := &fakeSource{payload: source.Payload{Version: "v1", Doc: source.Document{FreeLimit: 9}}}

	poller := NewPoller(src, cache, PollerConfig{})
	if err := poller.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if got := cache.FreeLimit(); got != 9 {
		t.Fatalf("freeLimit = %d", got)
	}
	if got := cache.Current().Source; got != "fake" {
		t.Fatalf("source = %q", got)
	}
	if got := testutil.ToFloat64(m.PolicyReloads.WithLabelValues("fake", "applied")); got != 1 {
		t.Fatalf("applied reloads = %v", got)
	}
}

func TestPollerSkipsSameVersion(t *testing.T) {
	cache := NewCache(basePolicy(), nil, nil)
	src := &fakeSource{payload: source.Payload{Version: "v1", Doc: source.Document{FreeLimit: 9}}}
	poller := NewPoller(src, cache, PollerConfig{})
	if err := poller.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	// Same version with different content is ignored.
	src.mu.Lock()
	src.payload.Doc.FreeLimit = 1
	src.mu.Unlock()
	if err := poller.SyncOnce(context.Background()); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if got := cache.FreeLimit(); got != 9 {
		t.Fatalf("freeLimit = %d, want 9", got)
	}
}

func TestPollerFailurePolicies(t *testing.T) {
	tests := []struct {
		failPolicy string
		want       int64
	}{
		{FailKeepLast, 9},
		{FailDefaults, 5},
	}
	for _, tt := range tests {
		t.Run(tt.failPolicy, func(t *testing.T) {
			cache := NewCache(basePolicy(), nil, nil)
			src := &fakeSource{payload: source.Payload{Version: "v1", Doc: source.Document{FreeLimit: 9}}}
			poller := NewPoller(src, cache, PollerConfig{FailPolicy: tt.failPolicy})
			if err := poller.SyncOnce(context.Background()); err != nil {
				t.Fatalf("sync failed: %v", err)
			}

			src.mu.Lock()
			src.err = errors.New("nacos down")
			src.mu.Unlock()
			if err := poller.SyncOnce(context.Background()); err == nil {
				t.Fatal("expected error")
			}
			if got := cache.FreeLimit(); got != tt.want {
				t.Fatalf("freeLimit = %d, want %d", got, tt.want)
			}
		})
	}
}

type fakeStore struct {
	mu        sync.Mutex
	raw       []byte
	published []string
}

func (s *fakeStore) LoadPolicy(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.raw, nil
}

func (s *fakeStore) SavePolicy(_ context.Context, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raw = raw
	return nil
}

func (s *fakeStore) PublishUpdate(_ context.Context, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, version)
	return nil
}

func (s *fakeStore) Subscribe(ctx context.Context, fn func(string)) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestUpsertStoresAppliesAndPublishes(t *testing.T) {
	store := &fakeStore{}
	m := metrics.New(prometheus.NewRegistry())
	cache := NewCache(basePolicy(), store, m)

	on := true
	p, err := cache.Upsert(context.Background(), source.Document{Bypass: &on})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !p.Bypass || !cache.Bypass() {
		t.Fatal("bypass not applied")
	}
	if len(store.published) != 1 || store.published[0] != p.Version {
		t.Fatalf("published = %v", store.published)
	}
	if got := testutil.ToFloat64(m.BypassEnabled); got != 1 {
		t.Fatalf("bypass gauge = %v", got)
	}

	// A second instance sharing the store picks it up.
	peer := NewCache(basePolicy(), store, nil)
	if err := peer.ReloadFromStore(context.Background()); err != nil {
		t.Fatalf("ReloadFromStore: %v", err)
	}
	if !peer.Bypass() || peer.Current().Version != p.Version {
		t.Fatalf("peer not updated: %#v", peer.Current())
	}
}

func TestUpsertRejectsInvalid(t *testing.T) {
	cache := NewCache(basePolicy(), nil, nil)
	if _, err := cache.Upsert(context.Background(), source.Document{FreeLimit: -1}); err == nil {
		t.Fatal("expected validation error")
	}
}
