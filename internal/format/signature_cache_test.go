package format

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func longSig(suffix string) string {
	return strings.Repeat("a", 60) + suffix
}

func TestCacheSessionSignatureUpgradesOnLongerSignature(t *testing.T) {
	c := NewSignatureCache(nil)

	c.CacheSessionSignature("sess-1", longSig("-v1"))
	c.CacheSessionSignature("sess-1", longSig("-v2-longer-signature"))

	require.Equal(t, longSig("-v2-longer-signature"), c.GetCachedSessionSignature("sess-1"))
}

func TestCacheSessionSignatureKeepsLongerIncumbentWhenUnexpired(t *testing.T) {
	c := NewSignatureCache(nil)

	c.CacheSessionSignature("sess-1", longSig("-a-much-longer-original-signature"))
	c.CacheSessionSignature("sess-1", longSig("-b"))

	require.Equal(t, longSig("-a-much-longer-original-signature"), c.GetCachedSessionSignature("sess-1"))
}

func TestCacheSessionSignatureIgnoresShortSignatures(t *testing.T) {
	c := NewSignatureCache(nil)
	c.CacheSessionSignature("sess-1", "too-short")
	require.Equal(t, "", c.GetCachedSessionSignature("sess-1"))
}

func TestPurgeExpiredSessionsOnlyRemovesExpiredEntries(t *testing.T) {
	c := NewSignatureCache(nil)

	c.sessionCache["expired"] = &sessionEntry{
		Signature: longSig("-expired"),
		Timestamp: time.Now().Add(-24 * time.Hour),
	}
	c.sessionCache["fresh"] = &sessionEntry{
		Signature: longSig("-fresh"),
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	c.purgeExpiredSessionsLocked(time.Hour)
	c.mu.Unlock()

	_, expiredStillThere := c.sessionCache["expired"]
	_, freshStillThere := c.sessionCache["fresh"]
	require.False(t, expiredStillThere)
	require.True(t, freshStillThere)
}

func TestPurgeExpiredSessionsNeverEvictsUnexpiredEvenOverCapacity(t *testing.T) {
	c := NewSignatureCache(nil)

	for i := 0; i < sessionCacheCap+5; i++ {
		c.sessionCache[string(rune('a'+i%26))+time.Now().Format("150405.000000000")] = &sessionEntry{
			Signature: longSig("-x"),
			Timestamp: time.Now(),
		}
	}

	before := len(c.sessionCache)
	c.mu.Lock()
	c.purgeExpiredSessionsLocked(time.Hour)
	c.mu.Unlock()

	require.Equal(t, before, len(c.sessionCache), "no unexpired entry should ever be evicted, even over capacity")
}

func TestGetCachedSessionSignatureExpires(t *testing.T) {
	c := NewSignatureCache(nil)
	c.sessionCache["sess-1"] = &sessionEntry{
		Signature: longSig("-old"),
		Timestamp: time.Now().Add(-24 * time.Hour),
	}

	require.Equal(t, "", c.GetCachedSessionSignature("sess-1"))
}

func TestCacheSignatureMemoryFallback(t *testing.T) {
	c := NewSignatureCache(nil)
	c.CacheSignature("tool-1", "sig-value")
	require.Equal(t, "sig-value", c.GetCachedSignature("tool-1"))
}
