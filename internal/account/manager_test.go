package account

import (
	"context"
	"testing"
	"time"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/poemonsense/antigravity-proxy-go/pkg/redis"
	"github.com/stretchr/testify/require"
)

// fakeTracker is a minimal in-memory stand-in for the shared rate-limit
// tracker, used so scheduler tests don't need internal/cloudcode or Redis.
type fakeTracker struct {
	limited map[string]bool
	cleared int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{limited: make(map[string]bool)}
}

func (f *fakeTracker) IsLimited(accountID, model string) bool { return f.limited[accountID] }
func (f *fakeTracker) Remaining(accountID, model string) (time.Duration, bool) {
	if f.limited[accountID] {
		return time.Second, true
	}
	return 0, false
}
func (f *fakeTracker) MinCooldown(accountIDs []string, model string) (time.Duration, bool) {
	for _, id := range accountIDs {
		if f.limited[id] {
			return time.Second, true
		}
	}
	return 0, false
}
func (f *fakeTracker) RecordExplicit(accountID, model string, resetMs int64) { f.limited[accountID] = true }
func (f *fakeTracker) ClearAll()                                            { f.cleared++; f.limited = make(map[string]bool) }
func (f *fakeTracker) MarkSuccess(accountID string)                         { delete(f.limited, accountID) }

func acctWithTier(email, tier string, quotaPercent float64) *redis.Account {
	return &redis.Account{
		Email:        email,
		Enabled:      true,
		Subscription: &redis.SubscriptionInfo{Tier: tier},
		Quota: &redis.QuotaInfo{
			Models: map[string]*redis.ModelQuotaInfo{
				"claude-sonnet-4-5": {RemainingFraction: quotaPercent / 100},
			},
		},
	}
}

func TestSortAccountsForSchedulingOrdersByTierThenQuota(t *testing.T) {
	free := acctWithTier("free@example.com", "free", 90)
	ultra := acctWithTier("ultra@example.com", "ultra", 10)
	proLow := acctWithTier("pro-low@example.com", "pro", 20)
	proHigh := acctWithTier("pro-high@example.com", "pro", 80)

	accounts := []*redis.Account{free, proLow, ultra, proHigh}
	sortAccountsForScheduling(accounts, []string{"claude-sonnet-4-5"})

	require.Equal(t, []*redis.Account{ultra, proHigh, proLow, free}, accounts)
}

func TestTierRankUnknownSubscriptionRanksLast(t *testing.T) {
	require.Equal(t, 3, tierRank(&redis.Account{}))
	require.Equal(t, 0, tierRank(&redis.Account{Subscription: &redis.SubscriptionInfo{Tier: "Ultra"}}))
}

func TestRemainingQuotaPercentDefaultsToFullWhenUnknown(t *testing.T) {
	acc := &redis.Account{}
	require.Equal(t, 100.0, remainingQuotaPercent(acc, []string{"claude-sonnet-4-5"}))
}

func TestAccountProtectsModelMatchesExpandedCandidates(t *testing.T) {
	acc := &redis.Account{ProtectedModels: []string{"gemini-3-pro-high"}}
	require.True(t, accountProtectsModel(acc, []string{"gemini-3-pro", "gemini-3-pro-high", "gemini-3-pro-low"}))
	require.False(t, accountProtectsModel(acc, []string{"gemini-3-pro-low"}))
}

func newTestManager(tracker RateLimitTracker) *Manager {
	return &Manager{
		config:          &config.Config{},
		sessionBindings: make(map[string]*sessionBinding),
		rateLimitTracker: tracker,
	}
}

func TestIsAvailableRejectsRateLimitedAccount(t *testing.T) {
	tracker := newFakeTracker()
	m := newTestManager(tracker)
	acc := acctWithTier("a@example.com", "pro", 50)
	tracker.limited[acc.Email] = true

	require.False(t, m.isAvailable(context.Background(), acc, "claude-sonnet-4-5", []string{"claude-sonnet-4-5"}))
}

func TestIsAvailableRejectsProtectedModel(t *testing.T) {
	m := newTestManager(newFakeTracker())
	acc := acctWithTier("a@example.com", "pro", 50)
	acc.ProtectedModels = []string{"claude-sonnet-4-5"}

	require.False(t, m.isAvailable(context.Background(), acc, "claude-sonnet-4-5", []string{"claude-sonnet-4-5"}))
}

func TestIsAvailableRejectsQuotaProtectedWhenThresholdBreached(t *testing.T) {
	m := newTestManager(newFakeTracker())
	m.config.QuotaProtection.Enabled = true
	m.config.QuotaProtection.ThresholdPercentage = 30

	acc := acctWithTier("a@example.com", "pro", 10)
	require.False(t, m.isAvailable(context.Background(), acc, "claude-sonnet-4-5", []string{"claude-sonnet-4-5"}))
}

func TestProbeSkipsAttemptedAndRateLimitedAccounts(t *testing.T) {
	tracker := newFakeTracker()
	m := newTestManager(tracker)

	a := acctWithTier("a@example.com", "pro", 50)
	b := acctWithTier("b@example.com", "pro", 50)
	tracker.limited[a.Email] = true

	snapshot := []*redis.Account{a, b}
	acc, idx, ok := m.probe(context.Background(), snapshot, "claude-sonnet-4-5", []string{"claude-sonnet-4-5"}, map[string]bool{}, 0, true)

	require.True(t, ok)
	require.Equal(t, b, acc)
	require.Equal(t, 1, idx)
}

func TestProbeReturnsFalseWhenEverythingAttempted(t *testing.T) {
	m := newTestManager(newFakeTracker())
	a := acctWithTier("a@example.com", "pro", 50)

	_, _, ok := m.probe(context.Background(), []*redis.Account{a}, "claude-sonnet-4-5", []string{"claude-sonnet-4-5"}, map[string]bool{a.Email: true}, 0, true)
	require.False(t, ok)
}

func TestConsumeStickyBindingClearsStaleBinding(t *testing.T) {
	m := newTestManager(newFakeTracker())
	m.sessionBindings["sess-1"] = &sessionBinding{Email: "gone@example.com", BoundAt: time.Now()}

	_, ok := m.consumeStickyBinding(context.Background(), "sess-1", nil, "claude-sonnet-4-5", []string{"claude-sonnet-4-5"})

	require.False(t, ok)
	_, stillBound := m.sessionBindings["sess-1"]
	require.False(t, stillBound)
}

func TestConsumeStickyBindingReusesBoundAccount(t *testing.T) {
	m := newTestManager(newFakeTracker())
	acc := acctWithTier("bound@example.com", "pro", 50)
	m.sessionBindings["sess-1"] = &sessionBinding{Email: acc.Email, BoundAt: time.Now()}

	got, ok := m.consumeStickyBinding(context.Background(), "sess-1", []*redis.Account{acc}, "claude-sonnet-4-5", []string{"claude-sonnet-4-5"})

	require.True(t, ok)
	require.Equal(t, acc, got)
}

func TestConsumeRecentReuseWindowExpires(t *testing.T) {
	m := newTestManager(newFakeTracker())
	acc := acctWithTier("recent@example.com", "pro", 50)
	m.lastUsed = &lastUsedBinding{Email: acc.Email, At: time.Now().Add(-61 * time.Second)}

	_, ok := m.consumeRecentReuse(context.Background(), []*redis.Account{acc}, "claude-sonnet-4-5", []string{"claude-sonnet-4-5"})
	require.False(t, ok)
}

func TestConsumeRecentReuseWithinWindow(t *testing.T) {
	m := newTestManager(newFakeTracker())
	acc := acctWithTier("recent@example.com", "pro", 50)
	m.lastUsed = &lastUsedBinding{Email: acc.Email, At: time.Now().Add(-10 * time.Second)}

	got, ok := m.consumeRecentReuse(context.Background(), []*redis.Account{acc}, "claude-sonnet-4-5", []string{"claude-sonnet-4-5"})
	require.True(t, ok)
	require.Equal(t, acc, got)
}

func TestWaitSecondsMessageRoundsUp(t *testing.T) {
	require.Equal(t, "1 seconds", waitSecondsMessage(1))
	require.Equal(t, "5 seconds", waitSecondsMessage(4001))
}

func TestIsAuthErrorRecognizesInvalidGrant(t *testing.T) {
	require.True(t, isAuthError(&NoAccountsError{Message: "invalid_grant: token revoked"}))
	require.False(t, isAuthError(&NoAccountsError{Message: "upstream timeout"}))
}
