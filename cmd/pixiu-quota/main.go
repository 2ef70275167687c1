package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/api"
	"github.com/nanjiek/pixiu-quota/internal/config"
	"github.com/nanjiek/pixiu-quota/internal/credential"
	"github.com/nanjiek/pixiu-quota/internal/engine"
	"github.com/nanjiek/pixiu-quota/internal/gate"
	"github.com/nanjiek/pixiu-quota/internal/identity"
	"github.com/nanjiek/pixiu-quota/internal/metrics"
	"github.com/nanjiek/pixiu-quota/internal/policy"
	"github.com/nanjiek/pixiu-quota/internal/policy/source"
	"github.com/nanjiek/pixiu-quota/internal/quota"
	"github.com/nanjiek/pixiu-quota/internal/repo"
	"github.com/nanjiek/pixiu-quota/internal/store"
)

func main() {
	confPath := flag.String("c", "configs/pixiu-quota.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
	logger.Info("server exited properly")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	be, err := openBackend(rootCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	// Policies: configured base, overridden by a file or Nacos document and
	// by admin updates shared over Redis.
	base := policy.FromConfig(cfg)
	policies := policy.NewCache(base, be.policyStore, m)
	m.SetBypass(base.Bypass)
	if base.Bypass {
		logger.Warn("quota bypass enabled by configuration: free-tier limits are NOT enforced")
	}
	if src := policySource(cfg, be.policyStore); src != nil {
		poller := policy.NewPoller(src, policies, policy.PollerConfig{
			Interval:   time.Duration(cfg.Policy.PollIntervalMs) * time.Millisecond,
			FailPolicy: cfg.Policy.FailPolicy,
		})
		go poller.Start(rootCtx)
	}
	if be.policyStore != nil {
		go policies.StartWatcher(rootCtx)
	}

	tracker := quota.NewTracker(be.counter,
		quota.WithLogger(logger),
		quota.WithMetrics(m),
		quota.WithTTL(time.Duration(cfg.Quota.CounterTTLHours)*time.Hour),
		quota.WithLimits(policies),
	)
	if be.sweeper != nil {
		sweeper := quota.NewSweepScheduler(be.sweeper, cfg.Quota.SweepSchedule, m, logger)
		if err := sweeper.Start(rootCtx); err != nil {
			return err
		}
	}

	burst := gate.NewBurstLimiter()
	burst.StartJanitor(rootCtx)
	g := gate.New(tracker, policies,
		gate.WithBurstLimiter(burst),
		gate.WithMetrics(m),
		gate.WithLogger(logger),
	)

	st, err := store.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return err
	}
	defer st.Close()

	vault, err := openVault(cfg.Storage, logger)
	if err != nil {
		return err
	}

	checks := map[string]func(context.Context) error{"store": st.Ping}
	if be.ping != nil {
		checks["quota"] = be.ping
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Resolver: identity.NewResolver(cfg.Auth, cfg.Server.TrustForwardedFor),
		Gate:     g,
		Policies: policies,
		Engine:   newEngine(cfg.Engine),
		Store:    st,
		Keys:     credential.NewManager(st, vault),
		Metrics:  m,
		Gatherer: reg,
		Checks:   checks,
		Logger:   logger,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server is running",
			"addr", cfg.Server.HTTPAddr,
			"pid", os.Getpid(),
			"backend", tracker.Backend(),
			"engine", cfg.Engine.Kind,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-rootCtx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutMs)*time.Millisecond)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// backend is the counter chosen at startup plus what else it can serve.
type backend struct {
	counter     quota.Counter
	sweeper     quota.Sweeper
	policyStore policy.Store
	ping        func(context.Context) error
	closers     []func() error
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	be := &backend{}

	var rdb *repo.RedisRepo
	if cfg.Redis.Enabled() {
		breaker, err := repo.NewBreaker("quota.redis", cfg.Redis.Breaker)
		if err != nil {
			return nil, err
		}
		rdb, err = repo.NewRedis(cfg.Redis, logger, repo.WithBreaker(breaker))
		if err != nil {
			return nil, err
		}
		be.policyStore = rdb
		be.closers = append(be.closers, rdb.Close)
	}

	switch cfg.Quota.Backend {
	case config.BackendRedis:
		be.counter = rdb
		be.ping = rdb.Ping
	case config.BackendPostgres:
		breaker, err := repo.NewBreaker("quota.postgres", cfg.Postgres.Breaker)
		if err != nil {
			return nil, err
		}
		pg, err := repo.NewPostgres(ctx, cfg.Postgres, logger, repo.WithPGBreaker(breaker))
		if err != nil {
			return nil, err
		}
		be.counter, be.sweeper, be.ping = pg, pg, pg.Ping
		be.closers = append(be.closers, pg.Close)
	default:
		logger.Warn("no durable quota backend configured, counting in process memory; counts are lost on restart and not shared between instances")
		mem := quota.NewMemoryCounter(
			quota.WithShards(cfg.Quota.Shards),
			quota.WithRetention(time.Duration(cfg.Quota.RetentionHours)*time.Hour),
		)
		be.counter, be.sweeper = mem, mem
	}
	return be, nil
}

func policySource(cfg *config.Config, st policy.Store) source.PolicySource {
	switch {
	case cfg.Policy.File != "":
		return source.NewFileSource(cfg.Policy.File)
	case cfg.Policy.Nacos.Enabled():
		return source.NewNacosSource(cfg.Policy.Nacos)
	case st != nil:
		return source.NewStoreSource(st)
	}
	return nil
}

func newEngine(cfg config.EngineCfg) engine.Engine {
	if cfg.Kind == "openai" {
		return engine.NewOpenAICompat(cfg.BaseURL,
			engine.WithModels(cfg.Model, cfg.ImageModel),
			engine.WithServiceKey(cfg.APIKey),
			engine.WithImageTimeout(time.Duration(cfg.TimeoutMs)*time.Millisecond),
		)
	}
	return engine.NewScripted()
}

func openVault(cfg config.StorageCfg, logger *slog.Logger) (*credential.Vault, error) {
	if cfg.KeySecret != "" {
		return credential.NewVault(cfg.KeySecret)
	}
	logger.Warn("storage.keySecret not set, stored personal keys will be unreadable after restart")
	return credential.RandomVault()
}

func newLogger(c config.LogCfg) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
