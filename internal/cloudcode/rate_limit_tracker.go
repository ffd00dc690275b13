// Package cloudcode provides Cloud Code API client implementation.
package cloudcode

import (
	"math"
	"sync"
	"time"
)

// wildcardModel is the tracker-entry key used for an account-wide rate
// limit that applies regardless of which model is requested.
const wildcardModel = "*"

const (
	// backoffBaseSeconds and backoffMaxExponent implement the fallback
	// exponential-backoff source of the reset-time cascade: base *
	// 2^min(consecutive_failures, backoffMaxExponent), capped at
	// backoffCeiling.
	backoffBaseSeconds = 30
	backoffMaxExponent = 6
	backoffCeiling     = time.Hour

	// SweepInterval is how often a background task should call Sweep to
	// purge entries whose reset time has passed.
	SweepInterval = 60 * time.Second
)

// TrackerReason classifies why an account was rate-limited, collapsed to
// the three buckets the scheduler distinguishes.
type TrackerReason string

const (
	ReasonModelCapacity TrackerReason = "model_capacity"
	ReasonQuotaExhausted TrackerReason = "exhausted"
	ReasonUnknown        TrackerReason = "unknown"
)

// classifyTrackerReason collapses the richer RateLimitReason taxonomy used
// for intra-request retry tuning down to the three buckets record() stores,
// since the scheduler only needs to know "temporary capacity hiccup" from
// "this account is really out of quota" from "unclear".
func classifyTrackerReason(errorBody string) TrackerReason {
	switch ParseRateLimitReason(errorBody, 0) {
	case RateLimitReasonModelCapacityExhausted:
		return ReasonModelCapacity
	case RateLimitReasonQuotaExhausted:
		return ReasonQuotaExhausted
	case RateLimitReasonRateLimitExceeded, RateLimitReasonServerError:
		return ReasonQuotaExhausted
	default:
		return ReasonUnknown
	}
}

type rateLimitKey struct {
	AccountID string
	Model     string
}

type rateLimitEntry struct {
	ResetAt             time.Time
	Reason              TrackerReason
	ConsecutiveFailures int
}

// QuotaRefresher supplies the cascade's live-refresh and cached-quota
// sources: the earliest known reset_time for any model on an account, from
// whatever quota data the caller already has on hand.
type QuotaRefresher interface {
	EarliestQuotaReset(accountID string) (time.Time, bool)
}

// RateLimitSnapshotEntry is one row of RateLimitTracker.Snapshot.
type RateLimitSnapshotEntry struct {
	AccountID           string
	Model               string
	ResetAt             time.Time
	Reason              TrackerReason
	ConsecutiveFailures int
}

// RateLimitTracker stores rate-limit entries keyed by (account_id, model |
// "*") and derives each entry's reset_time from a five-source cascade:
// an explicit Retry-After header, a parsed quotaResetDelay in the error
// body, a live quota refresh, a locally cached quota, and finally
// exponential backoff. Reads never block a concurrent record/sweep for a
// different key for long: the whole map shares one mutex, but every
// operation is O(1) or O(n) over a snapshot, never blocking on I/O.
type RateLimitTracker struct {
	mu      sync.Mutex
	entries map[rateLimitKey]*rateLimitEntry
	quota   QuotaRefresher
}

// NewRateLimitTracker creates an empty tracker. quota may be nil if no
// external quota source is available, in which case the cascade falls
// through directly to exponential backoff.
func NewRateLimitTracker(quota QuotaRefresher) *RateLimitTracker {
	return &RateLimitTracker{
		entries: make(map[rateLimitKey]*rateLimitEntry),
		quota:   quota,
	}
}

func normalizeModelKey(model string) string {
	if model == "" {
		return wildcardModel
	}
	return model
}

// Record derives a reset_time for (accountID, model) from the cascade and
// stores it, incrementing the entry's consecutive-failure counter. model
// == "" records an account-wide (wildcard) entry. Returns the resulting
// time-to-reset so callers that need a concrete wait duration (e.g. to
// decide how long to sleep before retrying the same account) don't have to
// re-derive it.
func (t *RateLimitTracker) Record(accountID, model string, retryAfterMs int64, errorBody string) time.Duration {
	key := rateLimitKey{AccountID: accountID, Model: normalizeModelKey(model)}
	reason := classifyTrackerReason(errorBody)

	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.entries[key]
	if entry == nil {
		entry = &rateLimitEntry{}
		t.entries[key] = entry
	}
	entry.ConsecutiveFailures++
	entry.Reason = reason

	now := time.Now()

	// (a) explicit Retry-After header.
	if retryAfterMs > 0 {
		entry.ResetAt = now.Add(time.Duration(retryAfterMs) * time.Millisecond)
		return entry.ResetAt.Sub(now)
	}

	// (b) quotaResetDelay (or any of the other body-embedded hints)
	// parsed straight out of the upstream error body.
	if bodyMs := parseResetTimeFromBody(errorBody); bodyMs > 0 {
		entry.ResetAt = now.Add(time.Duration(bodyMs) * time.Millisecond)
		return entry.ResetAt.Sub(now)
	}

	// (c)/(d) live quota refresh and cached quota both flow through the
	// same QuotaRefresher: it is the caller's job to prefer a fresh read
	// over a cached one before calling Record.
	if t.quota != nil {
		if reset, ok := t.quota.EarliestQuotaReset(accountID); ok && reset.After(now) {
			entry.ResetAt = reset
			return reset.Sub(now)
		}
	}

	// (e) exponential backoff: base * 2^min(failures, maxExponent),
	// capped at backoffCeiling.
	exponent := entry.ConsecutiveFailures
	if exponent > backoffMaxExponent {
		exponent = backoffMaxExponent
	}
	backoff := time.Duration(backoffBaseSeconds) * time.Second * time.Duration(math.Pow(2, float64(exponent)))
	if backoff > backoffCeiling {
		backoff = backoffCeiling
	}
	entry.ResetAt = now.Add(backoff)
	return backoff
}

// RecordExplicit stores a reset_time that the caller has already computed
// (e.g. via ParseResetTime/CalculateSmartBackoff), bypassing the cascade.
// Used when a handler already knows the wait duration and just needs the
// scheduler to see the account as unavailable until then. Kept free of any
// richer reason classification so its signature matches the account
// package's locally-defined RateLimitTracker interface exactly (account
// cannot import this package's TrackerReason type without a cycle).
func (t *RateLimitTracker) RecordExplicit(accountID, model string, resetMs int64) {
	if resetMs <= 0 {
		return
	}
	key := rateLimitKey{AccountID: accountID, Model: normalizeModelKey(model)}

	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.entries[key]
	if entry == nil {
		entry = &rateLimitEntry{}
		t.entries[key] = entry
	}
	entry.ConsecutiveFailures++
	entry.Reason = ReasonUnknown
	entry.ResetAt = time.Now().Add(time.Duration(resetMs) * time.Millisecond)
}

// IsLimited reports whether accountID is currently rate-limited, either by
// a wildcard (all-models) entry or one scoped to model.
func (t *RateLimitTracker) IsLimited(accountID, model string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isLimitedLocked(accountID, model, time.Now())
}

func (t *RateLimitTracker) isLimitedLocked(accountID, model string, now time.Time) bool {
	if e, ok := t.entries[rateLimitKey{AccountID: accountID, Model: wildcardModel}]; ok && now.Before(e.ResetAt) {
		return true
	}
	if model != "" {
		if e, ok := t.entries[rateLimitKey{AccountID: accountID, Model: model}]; ok && now.Before(e.ResetAt) {
			return true
		}
	}
	return false
}

// Remaining returns the longest remaining cooldown for accountID across its
// wildcard and model-scoped entries.
func (t *RateLimitTracker) Remaining(accountID, model string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var best time.Duration
	found := false

	for _, k := range []rateLimitKey{{accountID, wildcardModel}, {accountID, normalizeModelKey(model)}} {
		if e, ok := t.entries[k]; ok {
			if remaining := e.ResetAt.Sub(now); remaining > 0 {
				if !found || remaining > best {
					best = remaining
					found = true
				}
			}
		}
	}
	return best, found
}

// MinCooldown returns the smallest remaining cooldown among accountIDs for
// model, used by the scheduler's optimistic-reset step to decide whether
// it's worth a short sleep-and-reprobe.
func (t *RateLimitTracker) MinCooldown(accountIDs []string, model string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var min time.Duration
	found := false

	check := func(k rateLimitKey) {
		e, ok := t.entries[k]
		if !ok {
			return
		}
		remaining := e.ResetAt.Sub(now)
		if remaining <= 0 {
			return
		}
		if !found || remaining < min {
			min = remaining
			found = true
		}
	}

	for _, id := range accountIDs {
		check(rateLimitKey{AccountID: id, Model: wildcardModel})
		check(rateLimitKey{AccountID: id, Model: normalizeModelKey(model)})
	}
	return min, found
}

// Snapshot returns every live (unexpired) entry, for status/debug endpoints.
func (t *RateLimitTracker) Snapshot() []RateLimitSnapshotEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	out := make([]RateLimitSnapshotEntry, 0, len(t.entries))
	for k, e := range t.entries {
		if now.Before(e.ResetAt) {
			out = append(out, RateLimitSnapshotEntry{
				AccountID:           k.AccountID,
				Model:               k.Model,
				ResetAt:             e.ResetAt,
				Reason:              e.Reason,
				ConsecutiveFailures: e.ConsecutiveFailures,
			})
		}
	}
	return out
}

// Clear removes every entry for accountID (wildcard and per-model),
// returning the number of entries removed.
func (t *RateLimitTracker) Clear(accountID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for k := range t.entries {
		if k.AccountID == accountID {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}

// ClearAll wipes every entry, used by the scheduler's optimistic-reset step
// when every account is in cooldown and the minimum remaining wait is short
// enough to just try again from scratch.
func (t *RateLimitTracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[rateLimitKey]*rateLimitEntry)
}

// MarkSuccess resets accountID's consecutive-failure counters (it does not
// clear an active cooldown; a success response on a still-cooling-down
// entry shouldn't happen, but if it does the entry itself is left alone).
func (t *RateLimitTracker) MarkSuccess(accountID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		if k.AccountID == accountID {
			e.ConsecutiveFailures = 0
		}
	}
}

// Sweep removes every entry whose reset_time has passed, returning the
// count removed. Intended to run on a 60-second cadence.
func (t *RateLimitTracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	removed := 0
	for k, e := range t.entries {
		if !now.Before(e.ResetAt) {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}
