package repo

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

import (
	"github.com/redis/go-redis/v9"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/config"
	"github.com/nanjiek/pixiu-quota/internal/quota"
)

func TestNormalizeAddrs(t *testing.T) {
	cfg := config.RedisCfg{Addr: "127.0.0.1:6379, 127.0.0.2:6379"}
	addrs := normalizeAddrs(cfg)
	if len(addrs) != 2 {
		t.Fatalf("expected 2 addrs, got %d", len(addrs))
	}
	if addrs[0] != "127.0.0.1:6379" || addrs[1] != "127.0.0.2:6379" {
		t.Fatalf("unexpected addrs: %#v", addrs)
	}
	if got := normalizeAddrs(config.RedisCfg{Addrs: []string{"a:1"}, Addr: "b:2"}); len(got) != 1 || got[0] != "a:1" {
		t.Fatalf("explicit addrs should win: %#v", got)
	}
}

func TestKeyUsage(t *testing.T) {
	r := &RedisRepo{Prefix: "pixiu"}
	if got := r.KeyUsage("u1", "2024-05-01"); got != "pixiu:usage:{u1}:2024-05-01" {
		t.Fatalf("KeyUsage = %s", got)
	}
	if got := r.KeyPolicy(); got != "pixiu:policy" {
		t.Fatalf("KeyPolicy = %s", got)
	}
}

func TestNewRedisRequiresAddr(t *testing.T) {
	if _, err := NewRedis(config.RedisCfg{}, nil); err == nil {
		t.Fatal("expected error without addresses")
	}
}

func TestUnreachableRedisIsUnavailableAndRetried(t *testing.T) {
	var dials atomic.Int32
	cfg := config.RedisCfg{Addr: "127.0.0.1:1", DialTimeoutMs: 50, CommandTimeoutMs: 50}
	r, err := NewRedis(cfg, nil, WithClientFactory(func(o *redis.UniversalOptions) redis.UniversalClient {
		dials.Add(1)
		o.MaxRetries = -1
		return redis.NewUniversalClient(o)
	}))
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer r.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := r.Get(ctx, "u1", "2024-05-01"); !errors.Is(err, quota.ErrBackendUnavailable) {
			t.Fatalf("call %d: expected ErrBackendUnavailable, got %v", i, err)
		}
	}
	if _, _, err := r.IncrBelow(ctx, "u1", "2024-05-01", 5, time.Hour); !errors.Is(err, quota.ErrBackendUnavailable) {
		t.Fatalf("IncrBelow: expected ErrBackendUnavailable, got %v", err)
	}
	if got := dials.Load(); got != 3 {
		t.Fatalf("expected a fresh connect attempt per call, got %d", got)
	}
}

func TestNilBreakerRunsCall(t *testing.T) {
	var b *Breaker
	called := false
	if err := b.Do(func() error { called = true; return nil }); err != nil || !called {
		t.Fatalf("nil breaker: called=%v err=%v", called, err)
	}
	disabled, err := NewBreaker("redis", config.BreakerCfg{Enabled: false})
	if err != nil || disabled != nil {
		t.Fatalf("disabled breaker should be nil, got %v %v", disabled, err)
	}
}

func TestTTLMillis(t *testing.T) {
	if got := ttlMillis(0); got != 1 {
		t.Fatalf("ttlMillis(0) = %d", got)
	}
	if got := ttlMillis(48 * time.Hour); got != 172800000 {
		t.Fatalf("ttlMillis(48h) = %d", got)
	}
}
