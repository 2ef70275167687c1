package policy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/metrics"
	"github.com/nanjiek/pixiu-quota/internal/policy/source"
	"github.com/nanjiek/pixiu-quota/internal/rcu"
)

// Store shares policy overrides between instances.
type Store interface {
	source.Loader
	SavePolicy(ctx context.Context, raw []byte) error
	PublishUpdate(ctx context.Context, version string) error
	Subscribe(ctx context.Context, fn func(payload string)) error
}

// Cache serves the current Policy from an RCU snapshot. Reads are lock free.
type Cache struct {
	base    *Policy
	snap    *rcu.Snapshot[Policy]
	store   Store
	metrics *metrics.Collector
	log     *slog.Logger
}

// NewCache starts from base. store may be nil for a single instance.
func NewCache(base *Policy, store Store, m *metrics.Collector) *Cache {
	return &Cache{
		base:    base,
		snap:    rcu.NewSnapshot(base),
		store:   store,
		metrics: m,
		log:     slog.Default().With("component", "policy"),
	}
}

// Current returns the live snapshot.
func (c *Cache) Current() *Policy {
	return c.snap.Load()
}

func (c *Cache) FreeLimit() int64 { return c.snap.Load().FreeLimit }

func (c *Cache) Bypass() bool { return c.snap.Load().Bypass }

// Apply overlays payload on the configured base and publishes the result
// locally.
func (c *Cache) Apply(p source.Payload, src string) *Policy {
	cand := c.base.With(p.Doc, p.Version, src)
	next := c.snap.Update(func(cur *Policy) *Policy {
		if cur.Version == cand.Version && cur.Source == cand.Source {
			return cur
		}
		return cand
	})
	if next != cand {
		return next
	}
	c.metrics.SetBypass(next.Bypass)
	c.log.Info("policy applied",
		"source", src,
		"version", p.Version,
		"freeLimit", next.FreeLimit,
		"bypass", next.Bypass,
		"operations", len(next.Operations),
	)
	if next.Bypass {
		c.log.Warn("quota bypass enabled by policy", "source", src)
	}
	return next
}

// Reset returns to the configured base policy.
func (c *Cache) Reset() {
	c.snap.Replace(c.base)
	c.metrics.SetBypass(c.base.Bypass)
	c.log.Warn("policy reset to configured defaults")
}

// Upsert stores doc for every instance, applies it here and announces it.
func (c *Cache) Upsert(ctx context.Context, doc source.Document) (*Policy, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	version := source.Version(raw)
	if c.store != nil {
		if err := c.store.SavePolicy(ctx, raw); err != nil {
			return nil, err
		}
	}
	next := c.Apply(source.Payload{Doc: doc, Version: version}, "admin")
	c.metrics.PolicyReload("admin", "applied")
	if c.store != nil {
		if err := c.store.PublishUpdate(ctx, version); err != nil {
			c.log.Warn("policy update not announced", "err", err)
		}
	}
	return next, nil
}

// ReloadFromStore applies the stored document, if any.
func (c *Cache) ReloadFromStore(ctx context.Context) error {
	if c.store == nil {
		return errors.New("no policy store configured")
	}
	p, err := source.NewStoreSource(c.store).Fetch(ctx)
	if err != nil {
		c.metrics.PolicyReload("store", "error")
		return err
	}
	if p.Version == c.snap.Load().Version {
		c.metrics.PolicyReload("store", "unchanged")
		return nil
	}
	c.Apply(p, "store")
	c.metrics.PolicyReload("store", "applied")
	return nil
}

// StartWatcher reloads from the store whenever another instance announces
// an update. It resubscribes with backoff until ctx is done.
func (c *Cache) StartWatcher(ctx context.Context) {
	if c.store == nil {
		return
	}
	backoff := time.Second
	for {
		err := c.store.Subscribe(ctx, func(version string) {
			if version == c.snap.Load().Version {
				return
			}
			if err := c.ReloadFromStore(ctx); err != nil {
				c.log.Warn("policy reload failed", "version", version, "err", err)
			}
		})
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("policy subscription ended", "err", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}
