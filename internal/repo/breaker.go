package repo

import (
	"errors"
	"fmt"
	"sync"
)

import (
	sentinel "github.com/alibaba/sentinel-golang/api"
	"github.com/alibaba/sentinel-golang/core/base"
	"github.com/alibaba/sentinel-golang/core/circuitbreaker"
	"github.com/redis/go-redis/v9"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/config"
)

// ErrBreakerOpen is returned without touching the backend while the
// breaker is open.
var ErrBreakerOpen = errors.New("backend circuit breaker open")

var sentinelInit struct {
	once  sync.Once
	err   error
	mu    sync.Mutex
	rules []*circuitbreaker.Rule
}

// Breaker guards calls to one backend resource with a sentinel
// error-count circuit breaker. A nil *Breaker runs calls unguarded.
type Breaker struct {
	resource string
}

// NewBreaker loads a circuit breaker rule for resource.
func NewBreaker(resource string, cfg config.BreakerCfg) (*Breaker, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	sentinelInit.once.Do(func() {
		sentinelInit.err = sentinel.InitDefault()
	})
	if sentinelInit.err != nil {
		return nil, fmt.Errorf("sentinel init: %w", sentinelInit.err)
	}
	rule := &circuitbreaker.Rule{
		Resource:         resource,
		Strategy:         circuitbreaker.ErrorCount,
		RetryTimeoutMs:   cfg.RetryTimeoutMs,
		MinRequestAmount: uint64(cfg.MinRequests),
		StatIntervalMs:   cfg.StatIntervalMs,
		Threshold:        float64(cfg.ErrorCount),
	}

	// LoadRules replaces the whole rule set, so keep every resource's rule.
	sentinelInit.mu.Lock()
	defer sentinelInit.mu.Unlock()
	rules := make([]*circuitbreaker.Rule, 0, len(sentinelInit.rules)+1)
	for _, r := range sentinelInit.rules {
		if r.Resource != resource {
			rules = append(rules, r)
		}
	}
	rules = append(rules, rule)
	if _, err := circuitbreaker.LoadRules(rules); err != nil {
		return nil, fmt.Errorf("load breaker rule for %s: %w", resource, err)
	}
	sentinelInit.rules = rules
	return &Breaker{resource: resource}, nil
}

// Do runs fn inside a sentinel entry and records its error.
// redis.Nil is a miss, not a failure.
func (b *Breaker) Do(fn func() error) error {
	if b == nil {
		return fn()
	}
	entry, blockErr := sentinel.Entry(b.resource, sentinel.WithTrafficType(base.Outbound))
	if blockErr != nil {
		return ErrBreakerOpen
	}
	defer entry.Exit()

	err := fn()
	if err != nil && !errors.Is(err, redis.Nil) {
		sentinel.TraceError(entry, err)
	}
	return err
}
