// Package strategies provides the sticky account selection strategy.
// This file corresponds to src/account-manager/strategies/sticky-strategy.js in the Node.js version.
package strategies

import (
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

// StickyStrategy is the cache-continuity profile: it carries no health or
// token bookkeeping of its own (cache continuity comes from the
// scheduler's own session-sticky and 60-second reuse steps), but it's
// still a distinct, selectable Strategy so GetStrategyLabel/GetStatus keep
// reporting "Sticky (Cache-Optimized)" the way operators configured it.
type StickyStrategy struct {
	*BaseStrategy
}

// NewStickyStrategy creates a new StickyStrategy
func NewStickyStrategy(cfg *Config) *StickyStrategy {
	return &StickyStrategy{
		BaseStrategy: NewBaseStrategy(cfg, nil),
	}
}

// OnSuccess is called after a successful request
func (s *StickyStrategy) OnSuccess(account *redis.Account, modelID string) {
	// StickyStrategy doesn't track health scores
}

// OnRateLimit is called when a request is rate-limited
func (s *StickyStrategy) OnRateLimit(account *redis.Account, modelID string) {
	// StickyStrategy doesn't track health scores
}

// OnFailure is called when a request fails
func (s *StickyStrategy) OnFailure(account *redis.Account, modelID string) {
	// StickyStrategy doesn't track health scores
}
