// Package strategies provides the hybrid account selection strategy.
// This file corresponds to src/account-manager/strategies/hybrid-strategy.js in the Node.js version.
package strategies

import (
	"context"

	"github.com/poemonsense/antigravity-proxy-go/internal/account/strategies/trackers"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

// HybridStrategy is the "smart distribution" profile: it doesn't pick
// accounts itself (account.Manager.SelectAccount's pipeline does that for
// every strategy alike), but it's the one profile that accumulates a real
// health score, a per-account token bucket, and a quota-critical signal,
// all surfaced back to the scheduler and the webui health inspector.
type HybridStrategy struct {
	*BaseStrategy
	healthTracker      *trackers.HealthTracker
	tokenBucketTracker *trackers.TokenBucketTracker
	quotaTracker       *trackers.QuotaTracker
	weights            *WeightConfig
	globalThreshold    *float64
}

// NewHybridStrategy creates a new HybridStrategy
func NewHybridStrategy(cfg *Config, redisClient *redis.Client) *HybridStrategy {
	weights := DefaultWeights()
	if cfg != nil && cfg.Weights != nil {
		weights = cfg.Weights
	}

	var healthCfg config.HealthScoreConfig
	var tokenCfg config.TokenBucketConfig
	var quotaCfg config.QuotaConfig

	if cfg != nil {
		healthCfg = cfg.HealthScore
		tokenCfg = cfg.TokenBucket
		quotaCfg = cfg.Quota
	}

	return &HybridStrategy{
		BaseStrategy:       NewBaseStrategy(cfg, redisClient),
		healthTracker:      trackers.NewHealthTracker(healthCfg),
		tokenBucketTracker: trackers.NewTokenBucketTracker(tokenCfg),
		quotaTracker:       trackers.NewQuotaTracker(quotaCfg),
		weights:            weights,
	}
}

// SetGlobalThreshold sets the global quota threshold
func (s *HybridStrategy) SetGlobalThreshold(threshold *float64) {
	s.globalThreshold = threshold
}

// IsAccountUsable extends BaseStrategy's cooldown/rate-limit check with
// this strategy's own health score and token-bucket gates.
func (s *HybridStrategy) IsAccountUsable(ctx context.Context, account *redis.Account, modelID string) bool {
	if !s.BaseStrategy.IsAccountUsable(ctx, account, modelID) {
		return false
	}
	if !s.healthTracker.IsUsable(account.Email) {
		return false
	}
	return s.tokenBucketTracker.HasTokens(account.Email)
}

// IsQuotaCritical reports whether account's remaining quota for modelID has
// dropped below the effective threshold (per-model override, else
// per-account, else the configured global default). Consulted by the
// scheduler as an extra signal alongside its own protected-models check.
func (s *HybridStrategy) IsQuotaCritical(account *redis.Account, modelID string) bool {
	return s.quotaTracker.IsQuotaCritical(account, modelID, s.getEffectiveThreshold(account, modelID))
}

// ConsumeToken deducts one token from account's bucket. The scheduler
// calls this when it actually dispatches a request to account, so the
// token bucket reflects real traffic rather than only refunding on
// OnFailure without ever having consumed.
func (s *HybridStrategy) ConsumeToken(email string) {
	s.tokenBucketTracker.Consume(email)
}

// OnSuccess is called after a successful request
func (s *HybridStrategy) OnSuccess(account *redis.Account, modelID string) {
	if account != nil && account.Email != "" {
		s.healthTracker.RecordSuccess(account.Email)
	}
}

// OnRateLimit is called when a request is rate-limited
func (s *HybridStrategy) OnRateLimit(account *redis.Account, modelID string) {
	if account != nil && account.Email != "" {
		s.healthTracker.RecordRateLimit(account.Email)
	}
}

// OnFailure is called when a request fails
func (s *HybridStrategy) OnFailure(account *redis.Account, modelID string) {
	if account != nil && account.Email != "" {
		s.healthTracker.RecordFailure(account.Email)
		// Refund the token since the request didn't complete
		s.tokenBucketTracker.Refund(account.Email)
	}
}

// getEffectiveThreshold returns the effective quota threshold for an account and model
func (s *HybridStrategy) getEffectiveThreshold(account *redis.Account, modelID string) *float64 {
	// Priority: per-model > per-account > global
	if account.ModelQuotaThresholds != nil {
		if threshold, ok := account.ModelQuotaThresholds[modelID]; ok {
			return &threshold
		}
	}
	if account.QuotaThreshold != nil {
		return account.QuotaThreshold
	}
	return s.globalThreshold
}

// GetHealthTracker returns the health tracker (for testing/debugging)
func (s *HybridStrategy) GetHealthTracker() HealthTracker {
	return s.healthTracker
}

// GetTokenBucketTracker returns the token bucket tracker (for testing/debugging)
func (s *HybridStrategy) GetTokenBucketTracker() *trackers.TokenBucketTracker {
	return s.tokenBucketTracker
}

// GetQuotaTracker returns the quota tracker (for testing/debugging)
func (s *HybridStrategy) GetQuotaTracker() *trackers.QuotaTracker {
	return s.quotaTracker
}
