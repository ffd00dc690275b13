// Package format provides conversion between Anthropic and Google Generative AI formats.
// This file corresponds to src/format/model-router.js in the Node.js version.
package format

import (
	"strings"

	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
)

// LowQuotaThresholdPercent is the default minimum remaining-quota percentage
// a candidate model must clear before the router treats it as usable.
const LowQuotaThresholdPercent = 5

// ModelAvailability aggregates remaining-quota percentages across the
// account pool so the router can skip candidates that are exhausted or
// running low, and fall back to a healthy sibling instead.
type ModelAvailability struct {
	Models                    map[string]bool
	ModelPercentages          map[string]int
	HasUnknownQuota           bool
	HasHealthyModels          bool
	HasHealthyThinkingModels  bool
}

// NewModelAvailability builds an empty ModelAvailability ready to be
// populated by the caller from the account pool's quota snapshots.
func NewModelAvailability() *ModelAvailability {
	return &ModelAvailability{
		Models:           make(map[string]bool),
		ModelPercentages: make(map[string]int),
	}
}

// ResolveRequestedModel returns the best available candidate for model, or
// "" if none of its expansions clear the zero-percent floor.
func (a *ModelAvailability) ResolveRequestedModel(model string) (string, bool) {
	return a.ResolveRequestedModelWithMinPercent(model, 0)
}

func (a *ModelAvailability) ResolveRequestedModelWithMinPercent(model string, minPercent int) (string, bool) {
	candidates := ExpandModelCandidates(model)
	for _, candidate := range candidates {
		if a.IsModelAvailableWithMinPercent(candidate, minPercent) {
			return candidate, true
		}
	}
	return "", false
}

func (a *ModelAvailability) IsModelAvailable(model string) bool {
	return a.IsModelAvailableWithMinPercent(model, 0)
}

func (a *ModelAvailability) IsModelAvailableWithMinPercent(model string, minPercent int) bool {
	percent, ok := a.BestPercentageForModel(model)
	return ok && percent > minPercent
}

// BestPercentageForModel returns the highest remaining-quota percentage
// across all of model's candidate expansions.
func (a *ModelAvailability) BestPercentageForModel(model string) (int, bool) {
	var best int
	found := false
	for _, candidate := range ExpandModelCandidates(model) {
		if percent, ok := a.ModelPercentages[candidate]; ok {
			if !found || percent > best {
				best = percent
				found = true
			}
		}
	}
	return best, found
}

// ExpandModelCandidates widens a requested model name into the set of
// concrete pool model names that could satisfy it: stripping an "-online"
// suffix, pairing pro/thinking variants, and letting a "-thinking" request
// fall back to its non-thinking base. The account scheduler reuses this to
// decide which candidate name to check for quota-protection and
// availability before dispatching (account.Manager.normalizedCandidates).
func ExpandModelCandidates(model string) []string {
	trimmed := strings.TrimSpace(model)
	if trimmed == "" {
		return nil
	}

	base := strings.TrimSuffix(trimmed, "-online")

	candidates := []string{base}

	if strings.HasPrefix(base, "gemini-3-pro-image") && base != "gemini-3-pro-image" {
		candidates = append(candidates, "gemini-3-pro-image")
	}

	if base == "gemini-3-pro" {
		candidates = append(candidates, "gemini-3-pro-high", "gemini-3-pro-low")
	}

	if strings.HasPrefix(base, "claude-opus-4-5") && !strings.Contains(base, "thinking") {
		candidates = append(candidates, "claude-opus-4-5-thinking")
	}

	if strings.HasPrefix(base, "claude-sonnet-4-5") && !strings.Contains(base, "thinking") {
		candidates = append(candidates, "claude-sonnet-4-5-thinking")
	}

	if strings.HasSuffix(base, "-thinking") {
		candidates = append(candidates, strings.TrimSuffix(base, "-thinking"))
	}

	return candidates
}

// IsThinkingModelName reports whether model is one of the dedicated
// "thinking" variants, by suffix or by one of the bare gemini-3-pro tiers
// that always reason.
func IsThinkingModelName(model string) bool {
	if strings.Contains(model, "-thinking") {
		return true
	}
	switch model {
	case "gemini-3-pro-high", "gemini-3-pro-medium", "gemini-3-pro-low":
		return true
	}
	return false
}

// claudeToGemini is the built-in Claude/OpenAI -> Gemini pool mapping used
// once custom and family mappings have been exhausted.
var claudeToGemini = map[string]string{
	"claude-opus-4-5-thinking":   "claude-opus-4-5-thinking",
	"claude-sonnet-4-5":          "claude-sonnet-4-5",
	"claude-sonnet-4-5-thinking": "claude-sonnet-4-5-thinking",

	"claude-sonnet-4-5-20250929": "claude-sonnet-4-5-thinking",
	"claude-3-5-sonnet-20241022": "claude-sonnet-4-5",
	"claude-3-5-sonnet-20240620": "claude-sonnet-4-5",
	"claude-opus-4":              "claude-opus-4-5-thinking",
	"claude-opus-4-5":            "claude-opus-4-5-thinking",
	"claude-opus-4-5-20251101":   "claude-opus-4-5-thinking",
	"claude-haiku-4":             "claude-sonnet-4-5",
	"claude-3-haiku-20240307":    "claude-sonnet-4-5",
	"claude-haiku-4-5-20251001":  "claude-sonnet-4-5",

	"gpt-4":                      "gemini-2.5-pro",
	"gpt-4-turbo":                "gemini-2.5-pro",
	"gpt-4-turbo-preview":        "gemini-2.5-pro",
	"gpt-4-0125-preview":         "gemini-2.5-pro",
	"gpt-4-1106-preview":         "gemini-2.5-pro",
	"gpt-4-0613":                 "gemini-2.5-pro",
	"gpt-4o":                     "gemini-2.5-pro",
	"gpt-4o-2024-05-13":          "gemini-2.5-pro",
	"gpt-4o-2024-08-06":          "gemini-2.5-pro",
	"gpt-4o-mini":                "gemini-2.5-flash",
	"gpt-4o-mini-2024-07-18":     "gemini-2.5-flash",
	"gpt-3.5-turbo":              "gemini-2.5-flash",
	"gpt-3.5-turbo-16k":          "gemini-2.5-flash",
	"gpt-3.5-turbo-0125":         "gemini-2.5-flash",
	"gpt-3.5-turbo-1106":         "gemini-2.5-flash",
	"gpt-3.5-turbo-0613":         "gemini-2.5-flash",

	"gemini-2.5-flash-lite":     "gemini-2.5-flash-lite",
	"gemini-2.5-flash-thinking": "gemini-2.5-flash-thinking",
	"gemini-3-pro":              "gemini-3-pro-high",
	"gemini-3-pro-low":          "gemini-3-pro-low",
	"gemini-3-pro-high":         "gemini-3-pro-high",
	"gemini-3-pro-preview":      "gemini-3-pro-preview",
	"gemini-2.5-flash":          "gemini-2.5-flash",
	"gemini-3-flash":            "gemini-3-flash",
	"gemini-3-pro-image":        "gemini-3-pro-image",
}

// MapClaudeModelToGemini is the final, unconditional fallback: exact table
// match, then pass-through for gemini/-thinking names, then the default.
func MapClaudeModelToGemini(model string) string {
	if mapped, ok := claudeToGemini[model]; ok {
		return mapped
	}
	if strings.HasPrefix(model, "gemini-") || strings.Contains(model, "thinking") {
		return model
	}
	return "claude-sonnet-4-5"
}

// ResolveModelRoute resolves model with no quota-availability information.
func ResolveModelRoute(originalModel string, customMapping, openaiMapping, anthropicMapping map[string]string, applyClaudeFamilyMapping bool) string {
	return ResolveModelRouteWithAvailability(originalModel, customMapping, openaiMapping, anthropicMapping, applyClaudeFamilyMapping, nil, 0)
}

// ResolveModelRouteWithAvailability is the router's full cascade:
//
//  1. exact custom mapping
//  2. the original model itself (or one of its candidate expansions), if available
//  3. OpenAI family grouping (gpt-4, gpt-4o/3.5, gpt-5)
//  4. Anthropic family grouping (opus/sonnet/haiku, with a Haiku quota-blind
//     degrade to gemini-2.5-flash-lite, then the 4.5/3.5/default series map)
//  5. the built-in Claude->Gemini table
//
// availability may be nil, in which case every target is assumed usable and
// only steps 1, 3, 4 and 5 can fire (step 2 requires knowing what's in the
// pool).
func ResolveModelRouteWithAvailability(
	originalModel string,
	customMapping, openaiMapping, anthropicMapping map[string]string,
	applyClaudeFamilyMapping bool,
	availability *ModelAvailability,
	minPercent int,
) string {
	var requestedBest int
	haveRequestedBest := false
	if availability != nil {
		requestedBest, haveRequestedBest = availability.BestPercentageForModel(originalModel)
	}

	allowTarget := func(target string) bool {
		if availability == nil {
			return true
		}
		return availability.IsModelAvailableWithMinPercent(target, minPercent)
	}
	logQuotaFallback := func(target string) {
		if originalModel == target {
			return
		}
		if haveRequestedBest && requestedBest == 0 {
			utils.Warn("[Router] Fallback due to 0%% quota for requested model: %s -> %s", originalModel, target)
		}
	}

	// 1. Custom exact mapping takes priority over everything.
	if target, ok := customMapping[originalModel]; ok {
		if allowTarget(target) {
			utils.Info("[Router] Using custom exact mapping: %s -> %s", originalModel, target)
			logQuotaFallback(target)
			return target
		}
		utils.Warn("[Router] Custom mapping skipped (low quota): %s -> %s", originalModel, target)
	}

	// 2. Prefer the original model (or a candidate expansion of it) when available.
	if availability != nil {
		if candidate, ok := availability.ResolveRequestedModelWithMinPercent(originalModel, minPercent); ok {
			return candidate
		}

		if !haveRequestedBest && availability.IsModelAvailableWithMinPercent("gemini-3-flash", 0) {
			utils.Warn("[Router] Requested model not in pool. Fallback to gemini-3-flash: %s -> gemini-3-flash", originalModel)
			return "gemini-3-flash"
		}
	}

	lowerModel := strings.ToLower(originalModel)

	// 3. OpenAI family grouping.
	if (strings.HasPrefix(lowerModel, "gpt-4") && !strings.Contains(lowerModel, "o") && !strings.Contains(lowerModel, "mini") && !strings.Contains(lowerModel, "turbo")) ||
		strings.HasPrefix(lowerModel, "o1-") || strings.HasPrefix(lowerModel, "o3-") || lowerModel == "gpt-4" {
		if target, ok := openaiMapping["gpt-4-series"]; ok && allowTarget(target) {
			utils.Info("[Router] Using GPT-4 series mapping: %s -> %s", originalModel, target)
			logQuotaFallback(target)
			return target
		}
	}

	if strings.Contains(lowerModel, "4o") || strings.HasPrefix(lowerModel, "gpt-3.5") ||
		(strings.Contains(lowerModel, "mini") && !strings.Contains(lowerModel, "gemini")) || strings.Contains(lowerModel, "turbo") {
		if target, ok := openaiMapping["gpt-4o-series"]; ok && allowTarget(target) {
			utils.Info("[Router] Using GPT-4o/3.5 series mapping: %s -> %s", originalModel, target)
			logQuotaFallback(target)
			return target
		}
	}

	if strings.HasPrefix(lowerModel, "gpt-5") {
		if target, ok := openaiMapping["gpt-5-series"]; ok && allowTarget(target) {
			utils.Info("[Router] Using GPT-5 series mapping: %s -> %s", originalModel, target)
			logQuotaFallback(target)
			return target
		}
		if target, ok := openaiMapping["gpt-4-series"]; ok && allowTarget(target) {
			utils.Info("[Router] Using GPT-4 series mapping (GPT-5 fallback): %s -> %s", originalModel, target)
			logQuotaFallback(target)
			return target
		}
	}

	// 4. Anthropic family grouping.
	if strings.HasPrefix(lowerModel, "claude-") {
		if !applyClaudeFamilyMapping {
			if mapped, ok := claudeToGemini[originalModel]; ok && mapped == originalModel {
				utils.Info("[Router] Non-CLI request, skipping family mapping: %s", originalModel)
				return originalModel
			}
		}

		if applyClaudeFamilyMapping {
			var familyKey string
			switch {
			case strings.Contains(lowerModel, "opus"):
				familyKey = "claude-opus-family"
			case strings.Contains(lowerModel, "sonnet"):
				familyKey = "claude-sonnet-family"
			case strings.Contains(lowerModel, "haiku"):
				familyKey = "claude-haiku-family"
			}

			if familyKey != "" {
				if target, ok := anthropicMapping[familyKey]; ok && allowTarget(target) {
					utils.Warn("[Router] Using Anthropic family mapping: %s -> %s", originalModel, target)
					logQuotaFallback(target)
					return target
				}
			}
		}

		// Haiku degradation: with no quota information at all, send Haiku to
		// the cheapest pool model instead of whatever the series map picks.
		if _, hasHaikuFamily := anthropicMapping["claude-haiku-family"]; applyClaudeFamilyMapping && availability == nil &&
			strings.Contains(lowerModel, "haiku") && !hasHaikuFamily {
			utils.Info("[Router] Haiku degradation (CLI): %s -> gemini-2.5-flash-lite", originalModel)
			logQuotaFallback("gemini-2.5-flash-lite")
			return "gemini-2.5-flash-lite"
		}

		familyKey := "claude-default"
		switch {
		case strings.Contains(lowerModel, "4-5"), strings.Contains(lowerModel, "4.5"):
			familyKey = "claude-4.5-series"
		case strings.Contains(lowerModel, "3-5"), strings.Contains(lowerModel, "3.5"):
			familyKey = "claude-3.5-series"
		}

		if target, ok := anthropicMapping[familyKey]; ok && allowTarget(target) {
			utils.Warn("[Router] Using Anthropic series mapping: %s -> %s", originalModel, target)
			logQuotaFallback(target)
			return target
		}

		if target, ok := anthropicMapping[originalModel]; ok && allowTarget(target) {
			logQuotaFallback(target)
			return target
		}
	}

	// 5. System default mapping.
	fallback := MapClaudeModelToGemini(originalModel)
	logQuotaFallback(fallback)
	return fallback
}
