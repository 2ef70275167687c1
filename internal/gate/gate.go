// Package gate decides whether a request may run a metered operation and
// counts it when it does.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/config"
	"github.com/nanjiek/pixiu-quota/internal/metrics"
	"github.com/nanjiek/pixiu-quota/internal/policy"
	"github.com/nanjiek/pixiu-quota/internal/quota"
	"github.com/nanjiek/pixiu-quota/internal/types"
)

// Decision reasons.
const (
	ReasonAllowed     = "allowed"
	ReasonCredential  = "personal_credential"
	ReasonNotMetered  = "not_metered"
	ReasonBypass      = "quota_bypass"
	ReasonExceeded    = "daily_limit_exceeded"
	ReasonBurst       = "burst_limited"
	ReasonBackendDown = "backend_unavailable"
)

// Subject is who is asking. Key is the quota subject (user id or client
// IP), IP feeds the burst limiter.
type Subject struct {
	Key           string
	IP            string
	HasCredential bool
}

// RateLimitError is the structured rejection of Consume. Count and Limit
// are always the daily figures of the operation; BurstLimit is set only for
// per-minute rejections.
type RateLimitError struct {
	Op             string
	Count          int64
	Limit          int64
	BurstLimit     int
	RequiresAPIKey bool
	RetryAfter     time.Duration
	Reason         string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s %d/%d (%s)", e.Op, e.Count, e.Limit, e.Reason)
}

// PolicyProvider returns the live policy.
type PolicyProvider interface {
	Current() *policy.Policy
}

// Usage is the introspection view of a subject's quota.
type Usage struct {
	HasCredential bool  `json:"hasCredential"`
	UsageCount    int64 `json:"usageCount"`
	DailyLimit    int64 `json:"dailyLimit"`
	Remaining     int64 `json:"remaining"`
	Unlimited     bool  `json:"unlimited"`
	Exceeded      bool  `json:"exceeded"`
}

type Gate struct {
	tracker  *quota.Tracker
	policies PolicyProvider
	burst    *BurstLimiter
	metrics  *metrics.Collector
	logger   *slog.Logger
}

type Option func(*Gate)

func WithBurstLimiter(b *BurstLimiter) Option {
	return func(g *Gate) { g.burst = b }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(g *Gate) { g.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

func New(tracker *quota.Tracker, policies PolicyProvider, opts ...Option) *Gate {
	g := &Gate{
		tracker:  tracker,
		policies: policies,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.burst == nil {
		g.burst = NewBurstLimiter()
	}
	g.logger = g.logger.With("component", "gate")
	return g
}

// CounterKey is the tracker key of op for subject. Generation counts under
// the bare subject so it is the subject's headline usage.
func CounterKey(op, subject string) string {
	if op == config.OpGeneration {
		return subject
	}
	return op + ":" + subject
}

// Admit reports what Consume would decide without changing any state. The
// burst bucket is only inspected, no token is taken.
func (g *Gate) Admit(ctx context.Context, op string, s Subject) (types.Decision, error) {
	if s.HasCredential {
		return types.Decision{Allowed: true, Unlimited: true, Reason: ReasonCredential}, nil
	}
	pol := g.policies.Current()
	if oc, ok := pol.Operation(op); ok && oc.PerMinute > 0 {
		if ok, wait := g.burst.Peek(burstKey(op, s), oc.PerMinute, oc.Burst); !ok {
			return types.Decision{Reason: ReasonBurst, RetryAfterMs: wait.Milliseconds()}, nil
		}
	}
	limit, metered := pol.DailyLimit(op)
	if !metered {
		return types.Decision{Allowed: true, Reason: ReasonNotMetered}, nil
	}
	rec, err := g.tracker.GetUsage(ctx, CounterKey(op, s.Key))
	if err != nil {
		return types.Decision{Reason: ReasonBackendDown}, err
	}
	dec := decision(rec.Count, limit)
	if pol.Bypass {
		g.tracker.WarnBypass(s.Key)
		dec.Allowed, dec.Reason = true, ReasonBypass
		return dec, nil
	}
	if rec.Count >= limit {
		dec.Allowed = false
		dec.Reason = ReasonExceeded
		dec.RetryAfterMs = g.untilNextPeriod().Milliseconds()
	}
	return dec, nil
}

// Consume admits and counts in one step. An admitted request has been
// counted before Consume returns. Over-limit requests get a
// *RateLimitError and are not counted.
func (g *Gate) Consume(ctx context.Context, op string, s Subject) (types.Decision, error) {
	if s.HasCredential {
		g.metrics.Decision(op, "unlimited")
		return types.Decision{Allowed: true, Unlimited: true, Reason: ReasonCredential}, nil
	}
	pol := g.policies.Current()

	if oc, ok := pol.Operation(op); ok && oc.PerMinute > 0 {
		if ok, wait := g.burst.Allow(burstKey(op, s), oc.PerMinute, oc.Burst); !ok {
			g.metrics.Decision(op, "burst")
			return g.burstRejection(ctx, pol, op, s, oc, wait)
		}
	}

	limit, metered := pol.DailyLimit(op)
	if !metered {
		g.metrics.Decision(op, "allowed")
		return types.Decision{Allowed: true, Reason: ReasonNotMetered}, nil
	}
	key := CounterKey(op, s.Key)

	if pol.Bypass {
		rec, err := g.tracker.IncrementUsage(ctx, key)
		if err != nil {
			g.metrics.Decision(op, "error")
			return types.Decision{Reason: ReasonBackendDown}, err
		}
		g.tracker.WarnBypass(s.Key)
		g.metrics.Decision(op, "bypass")
		dec := decision(rec.Count, limit)
		dec.Allowed, dec.Reason = true, ReasonBypass
		return dec, nil
	}

	rec, ok, err := g.tracker.ConsumeBelow(ctx, key, limit)
	if err != nil {
		g.metrics.Decision(op, "error")
		return types.Decision{Reason: ReasonBackendDown}, err
	}
	dec := decision(rec.Count, limit)
	if ok {
		g.metrics.Decision(op, "allowed")
		dec.Allowed, dec.Reason = true, ReasonAllowed
		return dec, nil
	}

	wait := g.untilNextPeriod()
	g.metrics.Decision(op, "rejected")
	g.logger.Info("daily limit reached", "op", op, "subject", s.Key, "count", rec.Count, "limit", limit)
	dec.Reason = ReasonExceeded
	dec.RetryAfterMs = wait.Milliseconds()
	return dec, &RateLimitError{
		Op:             op,
		Count:          rec.Count,
		Limit:          limit,
		RequiresAPIKey: true,
		RetryAfter:     wait,
		Reason:         ReasonExceeded,
	}
}

// Usage reports the subject's generation quota.
func (g *Gate) Usage(ctx context.Context, s Subject) (Usage, error) {
	pol := g.policies.Current()
	limit, _ := pol.DailyLimit(config.OpGeneration)
	out := Usage{
		HasCredential: s.HasCredential,
		DailyLimit:    limit,
		Unlimited:     s.HasCredential || pol.Bypass,
	}
	key := CounterKey(config.OpGeneration, s.Key)
	rec, err := g.tracker.GetUsage(ctx, key)
	if err != nil {
		return Usage{}, err
	}
	out.UsageCount = rec.Count
	out.Remaining = max(limit-rec.Count, 0)

	switch {
	case s.HasCredential:
	case limit == g.tracker.FreeLimit():
		if out.Exceeded, err = g.tracker.HasExceededLimit(ctx, key); err != nil {
			return Usage{}, err
		}
	default:
		// generation carries its own daily override
		out.Exceeded = !pol.Bypass && rec.Count >= limit
	}
	return out, nil
}

// Reset clears every daily counter of subject.
func (g *Gate) Reset(ctx context.Context, subject string) error {
	pol := g.policies.Current()
	for op := range pol.Operations {
		if _, metered := pol.DailyLimit(op); !metered {
			continue
		}
		if err := g.tracker.ResetUsage(ctx, CounterKey(op, subject)); err != nil {
			return err
		}
	}
	return nil
}

// burstRejection builds the per-minute rejection. A personal credential
// skips the burst limiter, so the caller is told a key would lift it. The
// daily figures are read without counting; a failed read leaves them zero.
func (g *Gate) burstRejection(ctx context.Context, pol *policy.Policy, op string, s Subject, oc config.OperationCfg, wait time.Duration) (types.Decision, error) {
	rle := &RateLimitError{
		Op:             op,
		BurstLimit:     max(oc.Burst, 1),
		RequiresAPIKey: true,
		RetryAfter:     wait,
		Reason:         ReasonBurst,
	}
	if limit, metered := pol.DailyLimit(op); metered {
		rle.Limit = limit
		if rec, err := g.tracker.GetUsage(ctx, CounterKey(op, s.Key)); err == nil {
			rle.Count = rec.Count
		}
	}
	dec := decision(rle.Count, rle.Limit)
	dec.Reason, dec.RetryAfterMs = ReasonBurst, wait.Milliseconds()
	return dec, rle
}

// burstKey buckets by client IP, falling back to the subject key.
func burstKey(op string, s Subject) string {
	ip := s.IP
	if ip == "" {
		ip = s.Key
	}
	return op + "|" + ip
}

func (g *Gate) untilNextPeriod() time.Duration {
	now := g.tracker.Now()
	return types.NextPeriodStart(now).Sub(now)
}

func decision(count, limit int64) types.Decision {
	return types.Decision{
		Count:     count,
		Limit:     limit,
		Remaining: max(limit-count, 0),
	}
}
