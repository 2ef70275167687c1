// Package policy holds the live, hot-reloadable quota policy: the free
// limit, the bypass flag and the per-operation limits.
package policy

import (
	"maps"
)

import (
	"github.com/nanjiek/pixiu-quota/internal/config"
	"github.com/nanjiek/pixiu-quota/internal/policy/source"
)

// Policy is an immutable policy snapshot. Never mutate a loaded Policy;
// derive a new one with With.
type Policy struct {
	FreeLimit  int64
	Bypass     bool
	Operations map[string]config.OperationCfg
	Version    string
	Source     string
}

// FromConfig builds the startup policy.
func FromConfig(cfg *config.Config) *Policy {
	ops := make(map[string]config.OperationCfg, len(cfg.Operations))
	maps.Copy(ops, cfg.Operations)
	return &Policy{
		FreeLimit:  cfg.Quota.FreeLimit,
		Bypass:     cfg.Quota.Bypass,
		Operations: ops,
		Version:    "config",
		Source:     "config",
	}
}

// With overlays doc onto p and returns the result.
func (p *Policy) With(doc source.Document, version, src string) *Policy {
	next := &Policy{
		FreeLimit:  p.FreeLimit,
		Bypass:     p.Bypass,
		Operations: make(map[string]config.OperationCfg, len(p.Operations)+len(doc.Operations)),
		Version:    version,
		Source:     src,
	}
	maps.Copy(next.Operations, p.Operations)
	if doc.FreeLimit > 0 {
		next.FreeLimit = doc.FreeLimit
	}
	if doc.Bypass != nil {
		next.Bypass = *doc.Bypass
	}
	maps.Copy(next.Operations, doc.Operations)
	return next
}

// Operation returns the limits of op.
func (p *Policy) Operation(op string) (config.OperationCfg, bool) {
	oc, ok := p.Operations[op]
	return oc, ok
}

// DailyLimit resolves the daily ceiling of op. Unknown classes are metered
// at the free limit.
func (p *Policy) DailyLimit(op string) (limit int64, metered bool) {
	oc, ok := p.Operations[op]
	switch {
	case !ok, oc.Daily == 0:
		return p.FreeLimit, true
	case oc.Daily < 0:
		return 0, false
	default:
		return oc.Daily, true
	}
}
