// Package strategies provides the round-robin account selection strategy.
// This file corresponds to src/account-manager/strategies/round-robin-strategy.js in the Node.js version.
package strategies

import (
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

// RoundRobinStrategy is the throughput-maximizing profile: no cache
// continuity preference, and (like StickyStrategy) no health/token
// bookkeeping of its own, since the scheduler's round-robin probe already
// rotates through the pool on every call regardless of which strategy is
// configured. Kept as a distinct, selectable Strategy purely so
// GetStrategyLabel/GetStatus keep reporting "Round-Robin (Load-Balanced)"
// the way operators configured it.
type RoundRobinStrategy struct {
	*BaseStrategy
}

// NewRoundRobinStrategy creates a new RoundRobinStrategy
func NewRoundRobinStrategy(cfg *Config) *RoundRobinStrategy {
	return &RoundRobinStrategy{
		BaseStrategy: NewBaseStrategy(cfg, nil),
	}
}

// OnSuccess is called after a successful request
func (s *RoundRobinStrategy) OnSuccess(account *redis.Account, modelID string) {
	// RoundRobinStrategy doesn't track health scores
}

// OnRateLimit is called when a request is rate-limited
func (s *RoundRobinStrategy) OnRateLimit(account *redis.Account, modelID string) {
	// RoundRobinStrategy doesn't track health scores
}

// OnFailure is called when a request fails
func (s *RoundRobinStrategy) OnFailure(account *redis.Account, modelID string) {
	// RoundRobinStrategy doesn't track health scores
}
