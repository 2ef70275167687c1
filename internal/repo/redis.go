package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

import (
	"github.com/redis/go-redis/v9"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/config"
	"github.com/nanjiek/pixiu-quota/internal/quota"
	"github.com/nanjiek/pixiu-quota/internal/util"
)

// Key templates. The subject sits in a hash tag so one subject's keys share
// a cluster slot.
const (
	keyUsageTmpl  = "%s:usage:{%s}:%s"
	keyPolicyTmpl = "%s:policy"
)

// RedisRepo is the Redis quota.Counter. The client is created on first use;
// concurrent first callers share one connection attempt, and a failed
// attempt is retried by the next call.
type RedisRepo struct {
	Prefix        string
	UpdateChannel string

	opts           *redis.UniversalOptions
	newClient      func(*redis.UniversalOptions) redis.UniversalClient
	cli            atomic.Pointer[redis.UniversalClient]
	mu             sync.Mutex
	breaker        *Breaker
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// Option customises RedisRepo.
type Option func(*RedisRepo)

func WithDefaultTimeout(d time.Duration) Option {
	return func(r *RedisRepo) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

func WithBreaker(b *Breaker) Option {
	return func(r *RedisRepo) { r.breaker = b }
}

// WithClientFactory replaces redis.NewUniversalClient, mainly for tests.
func WithClientFactory(fn func(*redis.UniversalOptions) redis.UniversalClient) Option {
	return func(r *RedisRepo) { r.newClient = fn }
}

// NewRedis builds the repo without dialing.
func NewRedis(cfg config.RedisCfg, logger *slog.Logger, opts ...Option) (*RedisRepo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addrs := normalizeAddrs(cfg)
	if len(addrs) == 0 {
		return nil, errors.New("no redis addresses configured")
	}
	r := &RedisRepo{
		Prefix:         cfg.Prefix,
		UpdateChannel:  cfg.UpdatesChannel,
		opts:           buildUniversalOptions(cfg),
		newClient:      redis.NewUniversalClient,
		logger:         logger.With("component", "redis"),
		defaultTimeout: durationOrDefault(cfg.CommandTimeoutMs, 200),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *RedisRepo) Name() string { return config.BackendRedis }

// client returns the shared client, connecting it if needed.
func (r *RedisRepo) client(ctx context.Context) (redis.UniversalClient, error) {
	if p := r.cli.Load(); p != nil {
		return *p, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.cli.Load(); p != nil {
		return *p, nil
	}

	cli := r.newClient(r.opts)
	pctx, cancel := context.WithTimeout(ctx, r.opts.DialTimeout+r.defaultTimeout)
	defer cancel()
	if err := cli.Ping(pctx).Err(); err != nil {
		_ = cli.Close()
		r.logger.Error("redis connect failed", "addrs", r.opts.Addrs, "err", err)
		return nil, fmt.Errorf("%w: redis connect: %w", quota.ErrBackendUnavailable, err)
	}
	r.cli.Store(&cli)
	r.logger.Info("redis connected", "addrs", r.opts.Addrs)
	return cli, nil
}

func (r *RedisRepo) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.defaultTimeout)
}

// do resolves the client and runs fn through the breaker.
func (r *RedisRepo) do(ctx context.Context, call string, fn func(context.Context, redis.UniversalClient) error) error {
	cli, err := r.client(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	err = r.breaker.Do(func() error { return fn(ctx, cli) })
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	return fmt.Errorf("%w: redis %s: %w", quota.ErrBackendUnavailable, call, err)
}

func (r *RedisRepo) KeyUsage(subject, period string) string {
	return fmt.Sprintf(keyUsageTmpl, r.Prefix, subject, period)
}

func (r *RedisRepo) Get(ctx context.Context, subject, period string) (int64, error) {
	var n int64
	err := r.do(ctx, "get", func(ctx context.Context, cli redis.UniversalClient) error {
		v, err := cli.Get(ctx, r.KeyUsage(subject, period)).Int64()
		n = v
		return err
	})
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (r *RedisRepo) IncrWithExpiry(ctx context.Context, subject, period string, ttl time.Duration) (int64, error) {
	var n int64
	err := r.do(ctx, "incr", func(ctx context.Context, cli redis.UniversalClient) error {
		v, err := ScriptIncrExpire.Run(ctx, cli, []string{r.KeyUsage(subject, period)}, ttlMillis(ttl)).Int64()
		n = v
		return err
	})
	return n, err
}

func (r *RedisRepo) IncrBelow(ctx context.Context, subject, period string, limit int64, ttl time.Duration) (int64, bool, error) {
	var res []interface{}
	err := r.do(ctx, "incr_below", func(ctx context.Context, cli redis.UniversalClient) error {
		v, err := ScriptIncrBelow.Run(ctx, cli, []string{r.KeyUsage(subject, period)}, limit, ttlMillis(ttl)).Slice()
		res = v
		return err
	})
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("%w: unexpected incr_below reply %v", quota.ErrBackendUnavailable, res)
	}
	ok, _ := util.ToInt64(res[0])
	cnt, _ := util.ToInt64(res[1])
	return cnt, ok == 1, nil
}

func (r *RedisRepo) Delete(ctx context.Context, subject, period string) error {
	return r.do(ctx, "del", func(ctx context.Context, cli redis.UniversalClient) error {
		return cli.Del(ctx, r.KeyUsage(subject, period)).Err()
	})
}

func (r *RedisRepo) KeyPolicy() string {
	return fmt.Sprintf(keyPolicyTmpl, r.Prefix)
}

// SavePolicy stores the shared policy document.
func (r *RedisRepo) SavePolicy(ctx context.Context, raw []byte) error {
	return r.do(ctx, "set_policy", func(ctx context.Context, cli redis.UniversalClient) error {
		return cli.Set(ctx, r.KeyPolicy(), raw, 0).Err()
	})
}

// LoadPolicy returns the shared policy document, nil when none is stored.
func (r *RedisRepo) LoadPolicy(ctx context.Context) ([]byte, error) {
	var raw []byte
	err := r.do(ctx, "get_policy", func(ctx context.Context, cli redis.UniversalClient) error {
		b, err := cli.Get(ctx, r.KeyPolicy()).Bytes()
		raw = b
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return raw, err
}

// PublishUpdate announces a policy change to every instance.
func (r *RedisRepo) PublishUpdate(ctx context.Context, version string) error {
	err := r.do(ctx, "publish", func(ctx context.Context, cli redis.UniversalClient) error {
		return cli.Publish(ctx, r.UpdateChannel, version).Err()
	})
	if err != nil {
		return fmt.Errorf("publish policy update %s: %w", version, err)
	}
	return nil
}

// Subscribe delivers policy update messages to fn until ctx is done.
func (r *RedisRepo) Subscribe(ctx context.Context, fn func(payload string)) error {
	cli, err := r.client(ctx)
	if err != nil {
		return err
	}
	sub := cli.Subscribe(ctx, r.UpdateChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.UpdateChannel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}

// Ping checks connectivity, connecting if needed.
func (r *RedisRepo) Ping(ctx context.Context) error {
	return r.do(ctx, "ping", func(ctx context.Context, cli redis.UniversalClient) error {
		return cli.Ping(ctx).Err()
	})
}

func (r *RedisRepo) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.cli.Swap(nil)
	if p == nil {
		return nil
	}
	return (*p).Close()
}

func normalizeAddrs(cfg config.RedisCfg) []string {
	if len(cfg.Addrs) > 0 {
		return cfg.Addrs
	}
	if cfg.Addr == "" {
		return nil
	}
	parts := strings.Split(cfg.Addr, ",")
	var out []string
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// buildUniversalOptions yields a single-node client for one address and a
// cluster client for several.
func buildUniversalOptions(cfg config.RedisCfg) *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:        normalizeAddrs(cfg),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     atLeast(cfg.PoolSize, 20),
		MinIdleConns: atLeast(cfg.MinIdleConns, 2),
		DialTimeout:  durationOrDefault(cfg.DialTimeoutMs, 800),
		ReadTimeout:  durationOrDefault(cfg.ReadTimeoutMs, 800),
		WriteTimeout: durationOrDefault(cfg.WriteTimeoutMs, 800),
		MaxRetries:   atLeast(cfg.MaxRetries, 1),
	}
}

func ttlMillis(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

func atLeast(val, def int) int {
	if val > def {
		return val
	}
	return def
}

func durationOrDefault(ms int, defMs int) time.Duration {
	if ms <= 0 {
		ms = defMs
	}
	return time.Duration(ms) * time.Millisecond
}
