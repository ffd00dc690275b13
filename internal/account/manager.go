// Package account provides account management with configurable selection strategies.
// This file corresponds to src/account-manager/index.js in the Node.js version.
package account

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/account/strategies"
	"github.com/poemonsense/antigravity-proxy-go/internal/account/strategies/trackers"
	"github.com/poemonsense/antigravity-proxy-go/internal/auth"
	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/internal/format"
	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
)

// schedulerDeadline bounds the whole SelectAccount call: sticky/window
// lookups, the round-robin probe, the optimistic-reset retry, any token
// refresh, and any project-ID discovery all have to land inside it or the
// call fails with a Timeout rather than hanging a request indefinitely.
const schedulerDeadline = 5 * time.Second

// tokenFreshnessWindow is how close to expiry a token must be before
// SelectAccount force-refreshes it rather than handing it to the caller.
const tokenFreshnessWindow = 300 * time.Second

// optimisticResetThreshold is the ceiling on "worth a quick retry" cooldowns:
// if every account is in cooldown but the soonest one clears within this
// window, the scheduler sleeps and re-probes instead of failing immediately.
const optimisticResetThreshold = 2 * time.Second

const optimisticResetSleep = 500 * time.Millisecond

// RateLimitTracker is the scheduler's view onto the shared rate-limit
// store. It's declared locally (rather than imported) because the
// concrete implementation lives in internal/cloudcode, which already
// imports this package for account.Manager -- importing back would cycle.
// *cloudcode.RateLimitTracker satisfies this structurally; Server wires it
// in via SetRateLimitTracker once at startup.
type RateLimitTracker interface {
	IsLimited(accountID, model string) bool
	Remaining(accountID, model string) (time.Duration, bool)
	MinCooldown(accountIDs []string, model string) (time.Duration, bool)
	RecordExplicit(accountID, model string, resetMs int64)
	ClearAll()
	MarkSuccess(accountID string)
}

// sessionBinding records which account a session_id is pinned to, for the
// scheduler's sticky-reuse step.
type sessionBinding struct {
	Email   string
	BoundAt time.Time
}

// lastUsedBinding records the most recently dispatched account for the
// scheduler's 60-second reuse window.
type lastUsedBinding struct {
	Email string
	At    time.Time
}

// Manager manages multiple Antigravity accounts with configurable selection strategies
type Manager struct {
	mu sync.RWMutex

	// Redis storage
	redisClient  *redis.Client
	accountStore *redis.AccountStore

	// Account state
	accounts     []*redis.Account
	currentIndex int
	settings     map[string]interface{}
	initialized  bool

	// Credentials manager (handles token caching with TTL)
	credentials *Credentials

	// Strategy (kept for its health/token-bucket bookkeeping hooks; the
	// selection pipeline itself no longer delegates to it)
	strategy     strategies.Strategy
	strategyName string

	// Shared rate-limit tracker, injected by the server at startup.
	rateLimitTracker RateLimitTracker

	// Scheduler bookkeeping for sticky reuse and the 60s reuse window.
	sessionBindings map[string]*sessionBinding
	lastUsed        *lastUsedBinding

	// Configuration
	config *config.Config
}

// NewManager creates a new account manager
func NewManager(redisClient *redis.Client, cfg *config.Config) *Manager {
	return &Manager{
		redisClient:     redisClient,
		accountStore:    redis.NewAccountStore(redisClient),
		accounts:        make([]*redis.Account, 0),
		settings:        make(map[string]interface{}),
		credentials:     NewCredentials(redisClient),
		strategyName:    config.DefaultSelectionStrategy,
		sessionBindings: make(map[string]*sessionBinding),
		config:          cfg,
	}
}

// Initialize initializes the account manager by loading config
func (m *Manager) Initialize(ctx context.Context, strategyOverride string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	// Load accounts from Redis
	accounts, err := m.accountStore.ListAccounts(ctx)
	if err != nil {
		utils.Warn("[AccountManager] Failed to load accounts: %v", err)
		accounts = make([]*redis.Account, 0)
	}

	m.accounts = accounts

	// Determine strategy: CLI override > env var > config file > default
	configStrategy := m.config.GetStrategy()
	if strategyOverride != "" {
		m.strategyName = strategyOverride
	} else if configStrategy != "" {
		m.strategyName = configStrategy
	}

	// Create the strategy instance
	strategyConfig := &strategies.Config{
		Weights: strategies.DefaultWeights(),
	}
	if m.config.AccountSelection.HealthScore != nil {
		strategyConfig.HealthScore = *m.config.AccountSelection.HealthScore
	}
	if m.config.AccountSelection.TokenBucket != nil {
		strategyConfig.TokenBucket = *m.config.AccountSelection.TokenBucket
	}
	if m.config.AccountSelection.Quota != nil {
		strategyConfig.Quota = *m.config.AccountSelection.Quota
	}
	m.strategy = strategies.NewStrategy(m.strategyName, strategyConfig, m.redisClient)
	utils.Info("[AccountManager] Using %s selection strategy", strategies.GetStrategyLabel(m.strategyName))

	m.initialized = true
	return nil
}

// Reload reloads accounts from storage
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()

	err := m.Initialize(ctx, "")
	if err == nil {
		utils.Info("[AccountManager] Accounts reloaded from storage")
	}
	return err
}

// SetRateLimitTracker wires the shared rate-limit store into the
// scheduler. Must be called once, before traffic starts, by the server
// that owns both internal/account and internal/cloudcode.
func (m *Manager) SetRateLimitTracker(t RateLimitTracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimitTracker = t
}

func (m *Manager) tracker() RateLimitTracker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rateLimitTracker
}

// GetAccountCount returns the number of accounts
func (m *Manager) GetAccountCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

// GetAllAccounts returns all accounts
func (m *Manager) GetAllAccounts() []*redis.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*redis.Account, len(m.accounts))
	copy(result, m.accounts)
	return result
}

// SelectAccount runs the account-scheduling pipeline for modelID: sort the
// pool by tier then remaining quota, try sticky/recent reuse, round-robin
// probe for the first available candidate, optimistically retry once if
// every candidate is briefly in cooldown, refresh a stale token, and
// resolve a missing project ID -- all bounded by schedulerDeadline.
func (m *Manager) SelectAccount(ctx context.Context, modelID string, options SelectOptions) (*SelectionResult, error) {
	m.mu.RLock()
	if !m.initialized {
		m.mu.RUnlock()
		return nil, NewNotInitializedError()
	}
	if len(m.accounts) == 0 {
		m.mu.RUnlock()
		return nil, NewNoAccountsError("No accounts configured", false)
	}
	snapshot := make([]*redis.Account, len(m.accounts))
	copy(snapshot, m.accounts)
	startIndex := m.currentIndex
	m.mu.RUnlock()

	deadline := time.Now().Add(schedulerDeadline)
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	candidates := format.ExpandModelCandidates(modelID)
	if len(candidates) == 0 {
		candidates = []string{modelID}
	}

	sortAccountsForScheduling(snapshot, candidates)

	mode := m.config.SchedulingMode()
	stickyEligible := mode.EnablesStickyBinding() && !options.ForceRotate

	if stickyEligible && options.SessionID != "" {
		if acc, ok := m.consumeStickyBinding(dctx, options.SessionID, snapshot, modelID, candidates); ok {
			return m.dispatch(dctx, acc, indexOf(snapshot, acc), options, deadline), nil
		}
	}

	if stickyEligible && options.QuotaGroup != "image_gen" {
		if acc, ok := m.consumeRecentReuse(dctx, snapshot, modelID, candidates); ok {
			return m.dispatch(dctx, acc, indexOf(snapshot, acc), options, deadline), nil
		}
	}

	attempted := make(map[string]bool, len(snapshot))

	for {
		if time.Now().After(deadline) {
			return nil, NewTimeoutError()
		}

		acc, idx, ok := m.probe(dctx, snapshot, modelID, candidates, attempted, startIndex, true)
		if !ok {
			acc, idx, ok = m.attemptOptimisticReset(dctx, snapshot, modelID, candidates, attempted, startIndex, deadline)
			if !ok {
				allLimited := m.IsAllRateLimited(modelID)
				if allLimited {
					return nil, NewNoAccountsError("all accounts limited, wait "+waitSecondsMessage(m.GetMinWaitTimeMs(dctx, modelID)), true)
				}
				return nil, NewNoAccountsError("all accounts failed", false)
			}
		}

		attempted[acc.Email] = true

		if refreshed := m.ensureFreshToken(dctx, acc); !refreshed {
			// invalid_grant (or any refresh failure) already logged and, if
			// permanent, the account was disabled and removed from future
			// consideration; either way, try the next candidate.
			continue
		}

		if acc.ProjectID == "" {
			projectID, err := m.resolveProjectID(dctx, acc)
			if err != nil {
				utils.Warn("[AccountManager] Project ID discovery failed for %s: %v", acc.Email, err)
				continue
			}
			m.mu.Lock()
			acc.ProjectID = projectID
			_ = m.accountStore.SetAccount(dctx, acc)
			m.mu.Unlock()
		}

		return m.dispatch(dctx, acc, idx, options, deadline), nil
	}
}

// sortAccountsForScheduling orders accounts ULTRA < PRO < FREE < unknown,
// then by descending remaining quota for the requested model's candidates.
// Ties keep their original relative order (stable sort), which is what
// makes the "arbitrary but deterministic" tie-break deterministic.
func sortAccountsForScheduling(accounts []*redis.Account, candidates []string) {
	sort.SliceStable(accounts, func(i, j int) bool {
		ti, tj := tierRank(accounts[i]), tierRank(accounts[j])
		if ti != tj {
			return ti < tj
		}
		return remainingQuotaPercent(accounts[i], candidates) > remainingQuotaPercent(accounts[j], candidates)
	})
}

func tierRank(acc *redis.Account) int {
	tier := ""
	if acc.Subscription != nil {
		tier = strings.ToLower(acc.Subscription.Tier)
	}
	switch tier {
	case "ultra":
		return 0
	case "pro":
		return 1
	case "free":
		return 2
	default:
		return 3
	}
}

// remainingQuotaPercent returns the best known remaining-quota percentage
// across candidates, or 100 (treated as full) when nothing is known yet.
func remainingQuotaPercent(acc *redis.Account, candidates []string) float64 {
	if acc.Quota == nil {
		return 100
	}
	best := -1.0
	for _, c := range candidates {
		if mq, ok := acc.Quota.Models[c]; ok {
			percent := mq.RemainingFraction * 100
			if percent > best {
				best = percent
			}
		}
	}
	if best < 0 {
		return 100
	}
	return best
}

func indexOf(accounts []*redis.Account, target *redis.Account) int {
	for i, acc := range accounts {
		if acc == target {
			return i
		}
	}
	return 0
}

// consumeStickyBinding returns the account bound to sessionID if it still
// exists and is available, clearing the binding otherwise.
func (m *Manager) consumeStickyBinding(ctx context.Context, sessionID string, snapshot []*redis.Account, modelID string, candidates []string) (*redis.Account, bool) {
	m.mu.RLock()
	binding := m.sessionBindings[sessionID]
	m.mu.RUnlock()

	if binding == nil {
		return nil, false
	}

	if acc := findAccountByEmail(snapshot, binding.Email); acc != nil && m.isAvailable(ctx, acc, modelID, candidates) {
		return acc, true
	}

	m.mu.Lock()
	delete(m.sessionBindings, sessionID)
	m.mu.Unlock()
	return nil, false
}

// consumeRecentReuse returns the last-dispatched account if it was used
// within the last 60 seconds and is still available.
func (m *Manager) consumeRecentReuse(ctx context.Context, snapshot []*redis.Account, modelID string, candidates []string) (*redis.Account, bool) {
	m.mu.RLock()
	lu := m.lastUsed
	m.mu.RUnlock()

	if lu == nil || time.Since(lu.At) > 60*time.Second {
		return nil, false
	}

	acc := findAccountByEmail(snapshot, lu.Email)
	if acc == nil || !m.isAvailable(ctx, acc, modelID, candidates) {
		return nil, false
	}
	return acc, true
}

func findAccountByEmail(accounts []*redis.Account, email string) *redis.Account {
	for _, acc := range accounts {
		if acc.Email == email {
			return acc
		}
	}
	return nil
}

// isAvailable is the eligibility check shared by sticky reuse, the 60s
// window, and the round-robin probe.
func (m *Manager) isAvailable(ctx context.Context, acc *redis.Account, modelID string, candidates []string) bool {
	if !acc.Enabled || acc.IsInvalid {
		return false
	}
	if accountProtectsModel(acc, candidates) {
		return false
	}
	if m.config.QuotaProtection.Enabled && m.isQuotaProtected(acc, candidates) {
		return false
	}
	if m.isRateLimitedForModel(acc, modelID) {
		return false
	}
	return m.strategyAllows(ctx, acc, modelID)
}

// strategyAllows consults the configured strategy's own usability/quota
// signals (cooldown windows on every strategy; health score, token bucket,
// and quota-critical on hybrid) as a final gate beyond the scheduler's own
// rate-limit and protected-model checks.
func (m *Manager) strategyAllows(ctx context.Context, acc *redis.Account, modelID string) bool {
	if m.strategy == nil {
		return true
	}
	if !m.strategy.IsAccountUsable(ctx, acc, modelID) {
		return false
	}
	if qc, ok := m.strategy.(interface {
		IsQuotaCritical(*redis.Account, string) bool
	}); ok && qc.IsQuotaCritical(acc, modelID) {
		return false
	}
	return true
}

func accountProtectsModel(acc *redis.Account, candidates []string) bool {
	if len(acc.ProtectedModels) == 0 {
		return false
	}
	for _, protected := range acc.ProtectedModels {
		for _, candidate := range candidates {
			if protected == candidate {
				return true
			}
		}
	}
	return false
}

func (m *Manager) isQuotaProtected(acc *redis.Account, candidates []string) bool {
	if acc.Quota == nil {
		return false
	}
	monitored := m.config.QuotaProtection.MonitoredModels
	for _, candidate := range candidates {
		if len(monitored) > 0 && !containsString(monitored, candidate) {
			continue
		}
		mq, ok := acc.Quota.Models[candidate]
		if !ok {
			continue
		}
		if mq.RemainingFraction*100 < m.config.QuotaProtection.ThresholdPercentage {
			return true
		}
	}
	return false
}

func containsString(list []string, target string) bool {
	for _, s := range list {
		if s == target {
			return true
		}
	}
	return false
}

// probe walks the sorted snapshot starting at startIndex, round-robin
// style, skipping already-attempted accounts and (when honorRateLimit is
// true) rate-limited or quota-protected ones.
func (m *Manager) probe(ctx context.Context, snapshot []*redis.Account, modelID string, candidates []string, attempted map[string]bool, startIndex int, honorRateLimit bool) (*redis.Account, int, bool) {
	n := len(snapshot)
	for i := 0; i < n; i++ {
		idx := (startIndex + i) % n
		acc := snapshot[idx]
		if attempted[acc.Email] {
			continue
		}
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		if accountProtectsModel(acc, candidates) {
			continue
		}
		if m.config.QuotaProtection.Enabled && m.isQuotaProtected(acc, candidates) {
			continue
		}
		if honorRateLimit && m.isRateLimitedForModel(acc, modelID) {
			continue
		}
		if honorRateLimit && !m.strategyAllows(ctx, acc, modelID) {
			continue
		}
		return acc, idx, true
	}
	return nil, 0, false
}

// attemptOptimisticReset implements the scheduler's step 5: if the
// soonest cooldown across the pool is short, sleep briefly and re-probe
// once; if that still yields nothing, wipe every rate-limit entry and
// probe one final time regardless of rate-limit state.
func (m *Manager) attemptOptimisticReset(ctx context.Context, snapshot []*redis.Account, modelID string, candidates []string, attempted map[string]bool, startIndex int, deadline time.Time) (*redis.Account, int, bool) {
	tracker := m.tracker()
	if tracker == nil {
		return nil, 0, false
	}

	ids := make([]string, len(snapshot))
	for i, acc := range snapshot {
		ids[i] = acc.Email
	}

	minCooldown, found := tracker.MinCooldown(ids, modelID)
	if !found || minCooldown > optimisticResetThreshold {
		return nil, 0, false
	}

	sleepFor := optimisticResetSleep
	if remaining := time.Until(deadline); remaining < sleepFor {
		sleepFor = remaining
	}
	if sleepFor > 0 {
		select {
		case <-time.After(sleepFor):
		case <-ctx.Done():
			return nil, 0, false
		}
	}

	if acc, idx, ok := m.probe(ctx, snapshot, modelID, candidates, attempted, startIndex, true); ok {
		return acc, idx, true
	}

	utils.Warn("[AccountManager] All accounts in cooldown, clearing rate-limit state and retrying once")
	tracker.ClearAll()
	return m.probe(ctx, snapshot, modelID, candidates, attempted, startIndex, false)
}

func waitSecondsMessage(waitMs int64) string {
	return fmt.Sprintf("%d seconds", (waitMs+999)/1000)
}

// ensureFreshToken forces a token refresh if the cached one is near
// expiry. Returns false if the refresh failed -- the caller should treat
// the account as unusable for this attempt (and, for invalid_grant, the
// account has already been permanently disabled).
func (m *Manager) ensureFreshToken(ctx context.Context, acc *redis.Account) bool {
	if !m.credentials.ExpiresWithin(acc.Email, tokenFreshnessWindow) {
		return true
	}

	_, err := m.credentials.ForceRefresh(ctx, acc)
	if err == nil {
		return true
	}

	utils.Warn("[AccountManager] Token refresh failed for %s: %v", acc.Email, err)
	if isAuthError(err) {
		_ = m.MarkInvalid(ctx, acc.Email, err.Error())
	}
	return false
}

func (m *Manager) resolveProjectID(ctx context.Context, acc *redis.Account) (string, error) {
	token, err := m.credentials.GetAccessToken(ctx, acc)
	if err != nil {
		return "", err
	}
	return auth.DiscoverProjectID(ctx, token)
}

// dispatch records the selection (round-robin cursor, sticky binding,
// recency) and returns the result.
func (m *Manager) dispatch(ctx context.Context, acc *redis.Account, idx int, options SelectOptions, deadline time.Time) *SelectionResult {
	m.mu.Lock()
	m.currentIndex = idx + 1
	if options.SessionID != "" {
		m.sessionBindings[options.SessionID] = &sessionBinding{Email: acc.Email, BoundAt: time.Now()}
	}
	m.lastUsed = &lastUsedBinding{Email: acc.Email, At: time.Now()}
	m.mu.Unlock()

	if m.strategy != nil {
		if consumer, ok := m.strategy.(interface{ ConsumeToken(string) }); ok {
			consumer.ConsumeToken(acc.Email)
		}
	}

	return &SelectionResult{Account: acc, Index: idx}
}

// IsAllRateLimited checks if all accounts are rate-limited
func (m *Manager) IsAllRateLimited(modelID string) bool {
	m.mu.RLock()
	accounts := make([]*redis.Account, len(m.accounts))
	copy(accounts, m.accounts)
	m.mu.RUnlock()

	for _, acc := range accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		if !m.isRateLimitedForModel(acc, modelID) {
			return false
		}
	}
	return true
}

// GetAvailableAccounts returns accounts that are not rate-limited or invalid
func (m *Manager) GetAvailableAccounts(modelID string) []*redis.Account {
	m.mu.RLock()
	accounts := make([]*redis.Account, len(m.accounts))
	copy(accounts, m.accounts)
	m.mu.RUnlock()

	result := make([]*redis.Account, 0)
	for _, acc := range accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}
		if !m.isRateLimitedForModel(acc, modelID) {
			result = append(result, acc)
		}
	}
	return result
}

// GetInvalidAccounts returns accounts that are marked as invalid
func (m *Manager) GetInvalidAccounts() []*redis.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*redis.Account, 0)
	for _, acc := range m.accounts {
		if acc.IsInvalid {
			result = append(result, acc)
		}
	}
	return result
}

// MarkRateLimited marks an account as rate-limited for a model
func (m *Manager) MarkRateLimited(ctx context.Context, email string, resetMs int64, modelID string) error {
	if t := m.tracker(); t != nil {
		t.RecordExplicit(email, modelID, resetMs)
	}

	resetTime := time.Now().Add(time.Duration(resetMs) * time.Millisecond).UnixMilli()
	info := &redis.RateLimitInfo{
		IsRateLimited: true,
		ResetTime:     resetTime,
		ActualResetMs: resetMs,
	}

	return m.accountStore.SetRateLimit(ctx, email, modelID, info)
}

// MarkInvalid marks an account as invalid
func (m *Manager) MarkInvalid(ctx context.Context, email, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		if acc.Email == email {
			acc.IsInvalid = true
			acc.InvalidReason = reason
			acc.InvalidAt = time.Now().UnixMilli()
			return m.accountStore.SetAccount(ctx, acc)
		}
	}

	return nil
}

// ResetAllRateLimits clears all rate limits
func (m *Manager) ResetAllRateLimits(ctx context.Context) {
	m.mu.RLock()
	accounts := make([]*redis.Account, len(m.accounts))
	copy(accounts, m.accounts)
	m.mu.RUnlock()

	if t := m.tracker(); t != nil {
		t.ClearAll()
	}

	for _, acc := range accounts {
		_ = m.accountStore.ClearRateLimits(ctx, acc.Email)
	}
}

// ClearExpiredLimits removes expired rate limits. Rate limits expire on
// their own (Redis TTL, and the in-memory tracker's own sweep), so this is
// kept only for API compatibility with callers that poll it proactively.
func (m *Manager) ClearExpiredLimits(ctx context.Context) int {
	return 0
}

// GetMinWaitTimeMs returns the minimum wait time until a rate limit clears
func (m *Manager) GetMinWaitTimeMs(ctx context.Context, modelID string) int64 {
	m.mu.RLock()
	accounts := make([]*redis.Account, len(m.accounts))
	copy(accounts, m.accounts)
	m.mu.RUnlock()

	if tracker := m.tracker(); tracker != nil {
		ids := make([]string, 0, len(accounts))
		for _, acc := range accounts {
			if acc.Enabled && !acc.IsInvalid {
				ids = append(ids, acc.Email)
			}
		}
		if wait, found := tracker.MinCooldown(ids, modelID); found {
			return wait.Milliseconds()
		}
		return 0
	}

	var minWait int64 = -1
	now := time.Now()

	for _, acc := range accounts {
		if !acc.Enabled || acc.IsInvalid {
			continue
		}

		info, err := m.accountStore.GetRateLimit(ctx, acc.Email, modelID)
		if err != nil || info == nil || !info.IsRateLimited {
			return 0 // At least one account is available
		}

		if info.ResetTime > 0 {
			wait := info.ResetTime - now.UnixMilli()
			if wait > 0 {
				if minWait < 0 || wait < minWait {
					minWait = wait
				}
			}
		}
	}

	if minWait < 0 {
		return 0
	}
	return minWait
}

// GetRateLimitInfo returns rate limit info for an account and model
func (m *Manager) GetRateLimitInfo(ctx context.Context, email, modelID string) *redis.RateLimitInfo {
	info, _ := m.accountStore.GetRateLimit(ctx, email, modelID)
	return info
}

// NotifySuccess notifies the strategy of a successful request
func (m *Manager) NotifySuccess(account *redis.Account, modelID string) {
	if m.strategy != nil {
		m.strategy.OnSuccess(account, modelID)
	}
	if t := m.tracker(); t != nil {
		t.MarkSuccess(account.Email)
	}
}

// NotifyRateLimit notifies the strategy of a rate limit
func (m *Manager) NotifyRateLimit(account *redis.Account, modelID string) {
	if m.strategy != nil {
		m.strategy.OnRateLimit(account, modelID)
	}
}

// NotifyFailure notifies the strategy of a failure
func (m *Manager) NotifyFailure(account *redis.Account, modelID string) {
	if m.strategy != nil {
		m.strategy.OnFailure(account, modelID)
	}
}

// GetStrategyName returns the current strategy name
func (m *Manager) GetStrategyName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strategyName
}

// GetStrategyLabel returns the display label for the current strategy
func (m *Manager) GetStrategyLabel() string {
	return strategies.GetStrategyLabel(m.GetStrategyName())
}

// GetHealthTracker returns the health tracker (for hybrid strategy)
func (m *Manager) GetHealthTracker() strategies.HealthTracker {
	if hs, ok := m.strategy.(interface{ GetHealthTracker() strategies.HealthTracker }); ok {
		return hs.GetHealthTracker()
	}
	return nil
}

// SaveToDisk saves account state to storage
func (m *Manager) SaveToDisk(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveToDiskLocked(ctx)
}

func (m *Manager) saveToDiskLocked(ctx context.Context) error {
	for _, acc := range m.accounts {
		if err := m.accountStore.SetAccount(ctx, acc); err != nil {
			utils.Warn("[AccountManager] Failed to save account %s: %v", acc.Email, err)
		}
	}
	return nil
}

// GetStatus returns the current status of the account manager
func (m *Manager) GetStatus() *ManagerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := &ManagerStatus{
		Total:    len(m.accounts),
		Accounts: make([]*AccountStatus, 0, len(m.accounts)),
	}

	for _, acc := range m.accounts {
		accStatus := &AccountStatus{
			Email:                acc.Email,
			Source:               acc.Source,
			Enabled:              acc.Enabled,
			ProjectID:            acc.ProjectID,
			IsInvalid:            acc.IsInvalid,
			InvalidReason:        acc.InvalidReason,
			QuotaThreshold:       acc.QuotaThreshold,
			ModelQuotaThresholds: acc.ModelQuotaThresholds,
			ModelRateLimits:      acc.ModelRateLimits,
		}

		if acc.LastUsed > 0 {
			accStatus.LastUsed = acc.LastUsed
		}

		if !acc.Enabled || acc.IsInvalid {
			status.Invalid++
		} else {
			status.Available++
		}

		status.Accounts = append(status.Accounts, accStatus)
	}

	status.Summary = utils.TruncateString(
		m.formatStatusSummary(status.Available, status.RateLimited, status.Total),
		100,
	)

	return status
}

func (m *Manager) formatStatusSummary(available, rateLimited, total int) string {
	if total == 0 {
		return "No accounts configured"
	}
	if rateLimited > 0 {
		return fmt.Sprintf("%d/%d available, %d rate-limited", available, total, rateLimited)
	}
	return "All accounts available"
}

// Helper methods

func (m *Manager) isRateLimitedForModel(acc *redis.Account, modelID string) bool {
	if t := m.tracker(); t != nil {
		return t.IsLimited(acc.Email, modelID)
	}

	if modelID == "" {
		return false
	}
	info, _ := m.accountStore.GetRateLimit(context.Background(), acc.Email, modelID)
	if info == nil {
		return false
	}
	if !info.IsRateLimited {
		return false
	}
	if info.ResetTime > 0 && time.Now().After(time.UnixMilli(info.ResetTime)) {
		return false
	}
	return true
}

// SelectOptions for account selection
type SelectOptions struct {
	SessionID   string
	ForceRotate bool
	// QuotaGroup distinguishes workloads that shouldn't reuse the
	// 60-second window binding (e.g. "image_gen"); "" behaves like any
	// other group and is eligible for reuse.
	QuotaGroup string
}

// SelectionResult from account selection
type SelectionResult struct {
	Account *redis.Account
	Index   int
	WaitMs  int64
}

// ManagerStatus represents the status of the account manager
type ManagerStatus struct {
	Total       int              `json:"total"`
	Available   int              `json:"available"`
	RateLimited int              `json:"rateLimited"`
	Invalid     int              `json:"invalid"`
	Summary     string           `json:"summary"`
	Accounts    []*AccountStatus `json:"accounts"`
}

// AccountStatus represents the status of a single account
type AccountStatus struct {
	Email                string                          `json:"email"`
	Source               string                          `json:"source"`
	Enabled              bool                            `json:"enabled"`
	ProjectID            string                          `json:"projectId,omitempty"`
	IsInvalid            bool                            `json:"isInvalid"`
	InvalidReason        string                          `json:"invalidReason,omitempty"`
	LastUsed             int64                           `json:"lastUsed,omitempty"`
	QuotaThreshold       *float64                        `json:"quotaThreshold,omitempty"`
	ModelQuotaThresholds map[string]float64              `json:"modelQuotaThresholds,omitempty"`
	ModelRateLimits      map[string]*redis.RateLimitInfo `json:"modelRateLimits,omitempty"`
}

// Error types

type NotInitializedError struct{}

func (e *NotInitializedError) Error() string {
	return "AccountManager not initialized"
}

func NewNotInitializedError() *NotInitializedError {
	return &NotInitializedError{}
}

type NoAccountsError struct {
	Message        string
	AllRateLimited bool
}

func (e *NoAccountsError) Error() string {
	return e.Message
}

func NewNoAccountsError(message string, allRateLimited bool) *NoAccountsError {
	return &NoAccountsError{
		Message:        message,
		AllRateLimited: allRateLimited,
	}
}

// TimeoutError is returned when SelectAccount's internal deadline elapses
// before a usable account could be confirmed (e.g. repeated project-ID
// discovery or token-refresh calls eating the whole budget).
type TimeoutError struct{}

func (e *TimeoutError) Error() string {
	return "account selection timed out"
}

func NewTimeoutError() *TimeoutError {
	return &TimeoutError{}
}

// GetTokenForAccount gets an access token for the given account, delegating
// to the credentials manager (which owns caching/TTL), and marks the
// account invalid on an authentication failure.
func (m *Manager) GetTokenForAccount(ctx context.Context, acc *redis.Account) (string, error) {
	token, err := m.credentials.GetAccessToken(ctx, acc)
	if err != nil {
		if isAuthError(err) {
			_ = m.MarkInvalid(ctx, acc.Email, err.Error())
		}
		return "", err
	}

	if acc.IsInvalid {
		acc.IsInvalid = false
		acc.InvalidReason = ""
		_ = m.accountStore.SetAccount(ctx, acc)
	}

	return token, nil
}

// isAuthError reports whether err indicates the account's credentials are
// permanently dead (refresh token revoked), as opposed to a transient
// failure worth retrying.
func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "token refresh failed") ||
		strings.Contains(errStr, "invalid_grant") ||
		strings.Contains(errStr, "Token has been expired or revoked")
}

// ClearTokenCache clears all cached tokens
func (m *Manager) ClearTokenCache() {
	m.credentials.ClearCache()
}

// ClearProjectCache clears project cache (placeholder for now)
func (m *Manager) ClearProjectCache() {
	// In Go version, we don't have a separate project cache
	// This is a placeholder for API compatibility
}

// UpdateAccountSubscription updates the subscription info for an account
func (m *Manager) UpdateAccountSubscription(email, tier, projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		if acc.Email == email {
			if acc.Subscription == nil {
				acc.Subscription = &redis.SubscriptionInfo{}
			}
			acc.Subscription.Tier = tier
			acc.Subscription.ProjectID = projectID
			acc.Subscription.DetectedAt = time.Now().UnixMilli()

			// Save asynchronously
			go func() {
				if err := m.accountStore.SetAccount(context.Background(), acc); err != nil {
					utils.Error("[AccountManager] Failed to save account subscription: %v", err)
				}
			}()
			return
		}
	}
}

// UpdateAccountQuota updates the quota info for an account
// quotas is a map of modelID to quota info with RemainingFraction and ResetTime fields
func (m *Manager) UpdateAccountQuota(email string, quotas map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		if acc.Email == email {
			if acc.Quota == nil {
				acc.Quota = &redis.QuotaInfo{
					Models: make(map[string]*redis.ModelQuotaInfo),
				}
			}
			acc.Quota.LastChecked = time.Now().UnixMilli()

			for modelID, quota := range quotas {
				if quotaMap, ok := quota.(map[string]interface{}); ok {
					info := &redis.ModelQuotaInfo{}
					if rf, ok := quotaMap["remainingFraction"].(float64); ok {
						info.RemainingFraction = rf
					}
					if rt, ok := quotaMap["resetTime"].(string); ok {
						info.ResetTime = rt
					}
					acc.Quota.Models[modelID] = info
				}
			}

			// Save asynchronously
			go func() {
				if err := m.accountStore.SetAccount(context.Background(), acc); err != nil {
					utils.Error("[AccountManager] Failed to save account quota: %v", err)
				}
			}()
			return
		}
	}
}

// ClearTokenCacheFor clears cached token for a specific email
func (m *Manager) ClearTokenCacheFor(email string) {
	m.credentials.ClearCacheForAccount(context.Background(), email)
}

// ClearProjectCacheFor clears project cache for a specific email
func (m *Manager) ClearProjectCacheFor(email string) {
	// Placeholder for API compatibility
	// In Go version, we don't maintain a separate project cache
}

// SetAccountEnabled enables or disables an account
func (m *Manager) SetAccountEnabled(ctx context.Context, email string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, acc := range m.accounts {
		if acc.Email == email {
			acc.Enabled = enabled
			return m.accountStore.SetAccount(ctx, acc)
		}
	}

	return NewNoAccountsError("Account "+email+" not found", false)
}

// RemoveAccount removes an account
func (m *Manager) RemoveAccount(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, acc := range m.accounts {
		if acc.Email == email {
			m.accounts = append(m.accounts[:i], m.accounts[i+1:]...)
			return m.accountStore.DeleteAccount(ctx, email)
		}
	}

	return NewNoAccountsError("Account "+email+" not found", false)
}

// GetAccountByEmail returns an account by email
func (m *Manager) GetAccountByEmail(ctx context.Context, email string) (*redis.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, acc := range m.accounts {
		if acc.Email == email {
			return acc, nil
		}
	}

	return nil, NewNoAccountsError("Account "+email+" not found", false)
}

// UpdateAccount updates an account
func (m *Manager) UpdateAccount(ctx context.Context, acc *redis.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.accounts {
		if existing.Email == acc.Email {
			m.accounts[i] = acc
			return m.accountStore.SetAccount(ctx, acc)
		}
	}

	return NewNoAccountsError("Account "+acc.Email+" not found", false)
}

// AddOrUpdateAccount adds a new account or updates an existing one
func (m *Manager) AddOrUpdateAccount(ctx context.Context, acc *redis.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check if account exists
	for i, existing := range m.accounts {
		if existing.Email == acc.Email {
			// Update existing account
			m.accounts[i] = acc
			utils.Info("[AccountManager] Account %s updated", acc.Email)
			return m.accountStore.SetAccount(ctx, acc)
		}
	}

	// Check max accounts limit
	if len(m.accounts) >= m.config.MaxAccounts {
		return NewNoAccountsError("Maximum accounts reached", false)
	}

	// Add new account
	m.accounts = append(m.accounts, acc)
	utils.Info("[AccountManager] Account %s added", acc.Email)
	return m.accountStore.SetAccount(ctx, acc)
}

// GetAllAccountsWithContext returns all accounts (context-aware version)
func (m *Manager) GetAllAccountsContext(ctx context.Context) ([]*redis.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*redis.Account, len(m.accounts))
	copy(result, m.accounts)
	return result, nil
}

// StrategyHealthData represents health data for the strategy inspector
type StrategyHealthData struct {
	Strategy    string               `json:"strategy"`
	Accounts    []AccountHealthData  `json:"accounts"`
	LastUpdated int64                `json:"lastUpdated"`
}

// AccountHealthData represents health data for a single account
type AccountHealthData struct {
	Email            string  `json:"email"`
	HealthScore      float64 `json:"healthScore"`
	TokensAvailable  float64 `json:"tokensAvailable"`
	ConsecutiveFails int     `json:"consecutiveFails"`
	LastUsed         int64   `json:"lastUsed"`
}

// GetStrategyHealthData returns health data for the strategy inspector
func (m *Manager) GetStrategyHealthData() *StrategyHealthData {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data := &StrategyHealthData{
		Strategy:    m.strategyName,
		Accounts:    make([]AccountHealthData, 0),
		LastUpdated: time.Now().UnixMilli(),
	}

	// Try to get health and token data from hybrid strategy
	var healthGetter interface{ GetHealthScore(string) float64 }
	var tokenGetter interface{ GetTokens(string) float64 }
	var failureGetter interface{ GetConsecutiveFailures(string) int }

	if hs, ok := m.strategy.(interface{ GetHealthTracker() strategies.HealthTracker }); ok {
		if tracker := hs.GetHealthTracker(); tracker != nil {
			healthGetter = tracker
			failureGetter = tracker
		}
	}

	if ts, ok := m.strategy.(interface {
		GetTokenBucketTracker() *trackers.TokenBucketTracker
	}); ok {
		if tracker := ts.GetTokenBucketTracker(); tracker != nil {
			tokenGetter = tracker
		}
	}

	for _, acc := range m.accounts {
		accData := AccountHealthData{
			Email:    acc.Email,
			LastUsed: acc.LastUsed,
		}

		if healthGetter != nil {
			accData.HealthScore = healthGetter.GetHealthScore(acc.Email)
		}

		if tokenGetter != nil {
			accData.TokensAvailable = tokenGetter.GetTokens(acc.Email)
		}

		if failureGetter != nil {
			accData.ConsecutiveFails = failureGetter.GetConsecutiveFailures(acc.Email)
		}

		data.Accounts = append(data.Accounts, accData)
	}

	return data
}
