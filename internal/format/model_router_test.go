package format

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapClaudeModelToGeminiExactTable(t *testing.T) {
	require.Equal(t, "claude-sonnet-4-5", MapClaudeModelToGemini("claude-3-5-sonnet-20241022"))
	require.Equal(t, "claude-opus-4-5-thinking", MapClaudeModelToGemini("claude-opus-4-5"))
	require.Equal(t, "gemini-2.5-pro", MapClaudeModelToGemini("gpt-4o"))
}

func TestMapClaudeModelToGeminiPassthroughAndDefault(t *testing.T) {
	require.Equal(t, "gemini-2.5-pro-preview", MapClaudeModelToGemini("gemini-2.5-pro-preview"))
	require.Equal(t, "custom-model-thinking", MapClaudeModelToGemini("custom-model-thinking"))
	require.Equal(t, "claude-sonnet-4-5", MapClaudeModelToGemini("some-unknown-model"))
}

func TestExpandModelCandidatesThinkingFallsBackToBase(t *testing.T) {
	candidates := ExpandModelCandidates("claude-sonnet-4-5-thinking")
	require.Contains(t, candidates, "claude-sonnet-4-5-thinking")
	require.Contains(t, candidates, "claude-sonnet-4-5")
}

func TestExpandModelCandidatesGemini3ProPairsWithTiers(t *testing.T) {
	candidates := ExpandModelCandidates("gemini-3-pro")
	require.ElementsMatch(t, []string{"gemini-3-pro", "gemini-3-pro-high", "gemini-3-pro-low"}, candidates)
}

func TestIsThinkingModelName(t *testing.T) {
	require.True(t, IsThinkingModelName("claude-opus-4-5-thinking"))
	require.True(t, IsThinkingModelName("gemini-3-pro-high"))
	require.False(t, IsThinkingModelName("claude-sonnet-4-5"))
}

func TestModelAvailabilityResolveRequestedModel(t *testing.T) {
	avail := NewModelAvailability()
	avail.ModelPercentages["gemini-3-pro-low"] = 40
	avail.Models["gemini-3-pro-low"] = true

	resolved, ok := avail.ResolveRequestedModel("gemini-3-pro")
	require.True(t, ok)
	require.Equal(t, "gemini-3-pro-low", resolved)
}

func TestModelAvailabilityResolveRequestedModelNoneAvailable(t *testing.T) {
	avail := NewModelAvailability()
	_, ok := avail.ResolveRequestedModel("gemini-3-pro")
	require.False(t, ok)
}

func TestResolveModelRouteCustomMappingWins(t *testing.T) {
	custom := map[string]string{"my-alias": "gemini-3-flash"}
	got := ResolveModelRoute("my-alias", custom, nil, nil, true)
	require.Equal(t, "gemini-3-flash", got)
}

func TestResolveModelRouteOpenAIFamilyGrouping(t *testing.T) {
	openai := map[string]string{"gpt-4-series": "gemini-2.5-pro"}
	got := ResolveModelRoute("gpt-4-0613", nil, openai, nil, true)
	require.Equal(t, "gemini-2.5-pro", got)
}

func TestResolveModelRouteAnthropicFamilyGrouping(t *testing.T) {
	anthropicMapping := map[string]string{"claude-opus-family": "gemini-3-pro-high"}
	got := ResolveModelRoute("claude-opus-4-1-20250805", nil, nil, anthropicMapping, true)
	require.Equal(t, "gemini-3-pro-high", got)
}

func TestResolveModelRouteHaikuDegradesWithNoQuotaInfo(t *testing.T) {
	got := ResolveModelRoute("claude-3-5-haiku-20241022", nil, nil, map[string]string{}, true)
	require.Equal(t, "gemini-2.5-flash-lite", got)
}

func TestResolveModelRouteFallsBackToBuiltInTable(t *testing.T) {
	got := ResolveModelRoute("claude-3-5-sonnet-20241022", nil, nil, nil, false)
	require.Equal(t, "claude-sonnet-4-5", got)
}

func TestResolveModelRouteWithAvailabilitySkipsLowQuotaCustomMapping(t *testing.T) {
	custom := map[string]string{"my-alias": "gemini-3-pro-low"}
	avail := NewModelAvailability()
	avail.ModelPercentages["gemini-3-pro-low"] = 0

	got := ResolveModelRouteWithAvailability("my-alias", custom, nil, nil, true, avail, 0)
	// the custom target is unavailable (0%), so routing falls through to the
	// default cascade rather than returning the exhausted target.
	require.NotEqual(t, "gemini-3-pro-low", got)
}
