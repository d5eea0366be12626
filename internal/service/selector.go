package service

import (
	"sort"

	"github.com/Wei-Shaw/codex-switch/internal/domain"
)

// Hybrid scoring weights. The composite score is
//
//	2*health + 5*(100*tokens/maxTokens) + 0.1*min(idleSeconds, 3600)
//
// plus a flat bonus for the currently active account. A challenger must beat
// the active account's base score by more than switchThreshold to take over,
// which keeps selection sticky under noise.
const (
	hybridHealthWeight = 2.0
	hybridTokenWeight  = 5.0
	hybridIdleWeight   = 0.1
	hybridIdleCapSecs  = 3600.0

	hybridStickyBonus = 150.0
	switchThreshold   = 100.0
)

// Selector picks the next account from a metrics snapshot. Implementations
// are pure: they never mutate pool state, and a nil result means no account
// is currently eligible.
type Selector interface {
	Select(accounts []AccountMetrics, activeIndex int, now int64) *AccountMetrics
}

// StickySelector keeps the active account for as long as it stays eligible,
// falling over to the first eligible account otherwise.
type StickySelector struct{}

func (StickySelector) Select(accounts []AccountMetrics, activeIndex int, _ int64) *AccountMetrics {
	eligible := filterEligible(accounts)
	if len(eligible) == 0 {
		return nil
	}
	for i := range eligible {
		if eligible[i].Index == activeIndex {
			return &eligible[i]
		}
	}
	return &eligible[0]
}

// RoundRobinSelector picks the next eligible account after the active one,
// wrapping circularly.
type RoundRobinSelector struct{}

func (RoundRobinSelector) Select(accounts []AccountMetrics, activeIndex int, _ int64) *AccountMetrics {
	eligible := filterEligible(accounts)
	if len(eligible) == 0 {
		return nil
	}
	// Eligible accounts keep pool order, so the first entry with a larger
	// index than active is the circular successor.
	for i := range eligible {
		if eligible[i].Index > activeIndex {
			return &eligible[i]
		}
	}
	return &eligible[0]
}

// HybridSelector scores accounts on health, token balance, and idle time,
// with stickiness and an anti-flap threshold.
type HybridSelector struct {
	Health *HealthTracker
	Bucket *TokenBucket
}

type hybridCandidate struct {
	metrics AccountMetrics
	base    float64
}

func (s *HybridSelector) Select(accounts []AccountMetrics, activeIndex int, now int64) *AccountMetrics {
	candidates := make([]hybridCandidate, 0, len(accounts))
	for _, m := range accounts {
		if !m.Enabled || m.IsRateLimited {
			continue
		}
		if m.HealthScore < healthMinUsable {
			continue
		}
		if s.Bucket.GetTokens(m.Index) < 1 {
			continue
		}
		candidates = append(candidates, hybridCandidate{
			metrics: m,
			base:    s.baseScore(m, now),
		})
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		si, sj := candidates[i].effective(activeIndex), candidates[j].effective(activeIndex)
		if si != sj {
			return si > sj
		}
		return candidates[i].metrics.Index < candidates[j].metrics.Index
	})

	var active *hybridCandidate
	var challenger *hybridCandidate
	for i := range candidates {
		c := &candidates[i]
		if c.metrics.Index == activeIndex {
			active = c
		} else if challenger == nil {
			challenger = c
		}
	}

	if active == nil {
		return &candidates[0].metrics
	}
	// Anti-flap: the strongest challenger takes over only when it clears
	// the active account's base score by more than the threshold.
	if challenger != nil && challenger.base-active.base > switchThreshold {
		return &challenger.metrics
	}
	return &active.metrics
}

func (s *HybridSelector) baseScore(m AccountMetrics, now int64) float64 {
	tokenRatio := 100 * s.Bucket.GetTokens(m.Index) / s.Bucket.MaxTokens()

	idle := hybridIdleCapSecs
	if m.LastUsed > 0 {
		idle = float64(now-m.LastUsed) / 1000
		if idle < 0 {
			idle = 0
		}
		if idle > hybridIdleCapSecs {
			idle = hybridIdleCapSecs
		}
	}

	return hybridHealthWeight*float64(m.HealthScore) +
		hybridTokenWeight*tokenRatio +
		hybridIdleWeight*idle
}

func (c hybridCandidate) effective(activeIndex int) float64 {
	if c.metrics.Index == activeIndex {
		return c.base + hybridStickyBonus
	}
	return c.base
}

func filterEligible(accounts []AccountMetrics) []AccountMetrics {
	eligible := make([]AccountMetrics, 0, len(accounts))
	for _, m := range accounts {
		if m.Enabled && !m.IsRateLimited {
			eligible = append(eligible, m)
		}
	}
	return eligible
}

// NewSelector maps a strategy name to its implementation.
func NewSelector(strategy string, health *HealthTracker, bucket *TokenBucket) Selector {
	switch strategy {
	case domain.StrategySticky:
		return StickySelector{}
	case domain.StrategyRoundRobin:
		return RoundRobinSelector{}
	default:
		return &HybridSelector{Health: health, Bucket: bucket}
	}
}
