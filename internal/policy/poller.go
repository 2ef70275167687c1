package policy

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/policy/source"
)

// Fail policies.
const (
	FailKeepLast = "keep-last"
	FailDefaults = "defaults"
)

// PollerConfig controls the pull loop behavior.
type PollerConfig struct {
	Interval   time.Duration
	FailPolicy string // keep-last | defaults
}

// Poller periodically pulls the policy document from a source and, when
// the source supports it, also on change notifications.
type Poller struct {
	source     source.PolicySource
	cache      *Cache
	interval   time.Duration
	failPolicy string
	lastVer    string
	log        *slog.Logger
	mu         sync.Mutex
}

func NewPoller(src source.PolicySource, cache *Cache, cfg PollerConfig) *Poller {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		source:     src,
		cache:      cache,
		interval:   interval,
		failPolicy: strings.ToLower(strings.TrimSpace(cfg.FailPolicy)),
		log:        slog.Default().With("component", "policy.poller", "source", src.Name()),
	}
}

// SyncOnce pulls once and applies a changed document.
func (p *Poller) SyncOnce(ctx context.Context) error {
	_, err := p.pull(ctx)
	return err
}

// Start runs the polling loop until ctx is done.
func (p *Poller) Start(ctx context.Context) {
	if _, err := p.pull(ctx); err != nil {
		p.log.Warn("policy pull failed on startup", "err", err)
	}

	if w, ok := p.source.(source.Watcher); ok {
		go func() {
			err := w.Watch(ctx, func() {
				if _, err := p.pull(ctx); err != nil {
					p.log.Warn("policy pull after change failed", "err", err)
				}
			})
			if err != nil {
				p.log.Error("policy watcher stopped", "err", err)
			}
		}()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.pull(ctx); err != nil {
				p.log.Warn("policy pull failed", "err", err)
			}
		}
	}
}

func (p *Poller) pull(ctx context.Context) (bool, error) {
	name := p.source.Name()
	payload, err := p.source.Fetch(ctx)
	if err != nil {
		p.cache.metrics.PolicyReload(name, "error")
		p.handleFailure()
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if payload.Version != "" && payload.Version == p.lastVer {
		p.cache.metrics.PolicyReload(name, "unchanged")
		return false, nil
	}
	if payload.Doc.Empty() {
		p.log.Warn("policy payload overrides nothing")
	}

	p.cache.Apply(payload, name)
	p.cache.metrics.PolicyReload(name, "applied")
	p.lastVer = payload.Version
	return true, nil
}

func (p *Poller) handleFailure() {
	if p.failPolicy != FailDefaults {
		return
	}
	p.mu.Lock()
	p.lastVer = ""
	p.mu.Unlock()
	p.cache.Reset()
}
