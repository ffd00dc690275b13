// Package format provides conversion between Anthropic and Google Generative AI formats.
// This file implements request/response shaping for the optional z.ai
// Anthropic-compatible upstream; z.ai's endpoint is stricter than Anthropic's
// own and needs a few surgical adjustments before forwarding.
package format

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/poemonsense/antigravity-proxy-go/internal/config"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// SanitizeBodyForZai drops sampling parameters z.ai rejects (temperature,
// top_p, effort), renames thinking.budgetTokens to thinking.budget_tokens,
// and shrinks budget_tokens below max_tokens when the two would otherwise
// collide.
func SanitizeBodyForZai(body []byte) []byte {
	out := body

	for _, field := range []string{"temperature", "top_p", "effort"} {
		if gjson.GetBytes(out, field).Exists() {
			if stripped, err := sjson.DeleteBytes(out, field); err == nil {
				out = stripped
			}
		}
	}

	if budget := gjson.GetBytes(out, "thinking.budgetTokens"); budget.Exists() {
		if renamed, err := sjson.SetBytes(out, "thinking.budget_tokens", budget.Value()); err == nil {
			out = renamed
			if stripped, err := sjson.DeleteBytes(out, "thinking.budgetTokens"); err == nil {
				out = stripped
			}
		}
	}

	maxTokens := gjson.GetBytes(out, "max_tokens")
	budgetTokens := gjson.GetBytes(out, "thinking.budget_tokens")
	if maxTokens.Exists() && budgetTokens.Exists() && maxTokens.Int() <= budgetTokens.Int() {
		adjusted := maxTokens.Int() - 1
		if adjusted < 0 {
			adjusted = 0
		}
		if updated, err := sjson.SetBytes(out, "thinking.budget_tokens", adjusted); err == nil {
			out = updated
		}
	}

	return out
}

// MapModelForZai resolves the model name to forward to z.ai: an explicit
// mapping entry wins, then the "zai:" passthrough prefix, then GLM model IDs
// pass through unchanged, then non-Claude models pass through unchanged, and
// finally Claude tiers map onto the configured opus/sonnet/haiku targets.
func MapModelForZai(original string, cfg config.ZaiConfig) string {
	lower := strings.ToLower(original)

	if mapped, ok := cfg.ModelMapping[original]; ok {
		return mapped
	}
	if mapped, ok := cfg.ModelMapping[lower]; ok {
		return mapped
	}
	if strings.HasPrefix(lower, "zai:") {
		return original[4:]
	}
	if strings.HasPrefix(lower, "glm-") {
		return original
	}
	if !strings.HasPrefix(lower, "claude-") {
		return original
	}
	switch {
	case strings.Contains(lower, "opus"):
		return cfg.Models.Opus
	case strings.Contains(lower, "haiku"):
		return cfg.Models.Haiku
	default:
		return cfg.Models.Sonnet
	}
}

// DeepRemoveCacheControl strips cache_control from every object in the
// JSON tree, regardless of nesting depth, since z.ai's validator rejects the
// field unconditionally (Anthropic's own cache_control semantics don't
// carry over to z.ai's models).
func DeepRemoveCacheControl(body []byte) []byte {
	return deepRemoveKey(body, "cache_control", "")
}

// deepRemoveKey walks the JSON value at path (root if path == "") removing
// every occurrence of key from nested objects and arrays.
func deepRemoveKey(body []byte, key, path string) []byte {
	target := body
	value := gjson.GetBytes(body, rootOr(path))

	if !value.Exists() {
		return body
	}

	switch {
	case value.IsObject():
		value.ForEach(func(k, v gjson.Result) bool {
			childPath := joinPath(path, k.String())
			if k.String() == key {
				if stripped, err := sjson.DeleteBytes(target, childPath); err == nil {
					target = stripped
				}
				return true
			}
			target = deepRemoveKey(target, key, childPath)
			return true
		})
	case value.IsArray():
		i := 0
		value.ForEach(func(_, v gjson.Result) bool {
			childPath := fmt.Sprintf("%s.%d", path, i)
			target = deepRemoveKey(target, key, childPath)
			i++
			return true
		})
	}

	return target
}

func rootOr(path string) string {
	if path == "" {
		return "@this"
	}
	return path
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

// SetZaiAuth mirrors the incoming request's auth scheme onto the outgoing
// header set: a client using x-api-key (or no auth at all) gets an x-api-key
// credential; a client using Authorization gets a Bearer credential.
func SetZaiAuth(out http.Header, incoming http.Header, apiKey string) {
	hasXAPIKey := incoming.Get("x-api-key") != ""
	hasAuth := incoming.Get("Authorization") != ""

	if hasXAPIKey || !hasAuth {
		out.Set("x-api-key", apiKey)
	}
	if hasAuth {
		out.Set("Authorization", "Bearer "+apiKey)
	}
}

// passthroughHeaders is the conservative set of incoming headers forwarded
// to z.ai, so the local proxy key and client cookies never leak upstream.
var passthroughHeaders = map[string]bool{
	"content-type":      true,
	"accept":            true,
	"anthropic-version": true,
	"anthropic-beta":    true,
	"user-agent":        true,
	"accept-encoding":   true,
	"cache-control":     true,
}

// CopyPassthroughHeaders returns a fresh header set containing only the
// conservative allowlist of headers from incoming.
func CopyPassthroughHeaders(incoming http.Header) http.Header {
	out := make(http.Header)
	for k, values := range incoming {
		if passthroughHeaders[strings.ToLower(k)] {
			for _, v := range values {
				out.Add(k, v)
			}
		}
	}
	return out
}

// RewriteZaiSSELine rewrites a single raw SSE line (including its trailing
// newline) from z.ai's stream into Anthropic-compatible form:
//
//   - an OpenAI-style "data: [DONE]" terminator becomes an Anthropic
//     message_stop event+data pair
//   - a bare `{error: {...}}` payload under `event: error` (missing the
//     Anthropic `type` discriminator) is rewritten into the Anthropic error
//     envelope
//
// currentEvent tracks the most recently seen "event:" line's name across
// calls; the caller owns it and should reset it to "" on a blank line.
// Returns the (possibly multi-line) replacement bytes to emit verbatim.
func RewriteZaiSSELine(line string, currentEvent *string) string {
	trimmed := strings.TrimRight(line, "\n")

	if strings.TrimSpace(trimmed) == "" {
		*currentEvent = ""
		return line
	}

	if rest, ok := strings.CutPrefix(trimmed, "event:"); ok {
		*currentEvent = strings.TrimSpace(rest)
		return line
	}

	rest, ok := strings.CutPrefix(trimmed, "data:")
	if !ok {
		return line
	}
	data := strings.TrimSpace(rest)

	if data == "[DONE]" {
		*currentEvent = ""
		return "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"
	}

	if *currentEvent == "error" {
		if rewritten, ok := rewriteZaiErrorPayload(data); ok {
			return "data: " + rewritten + "\n"
		}
	}

	return line
}

// rewriteZaiErrorPayload converts a bare {"error": {"code", "message"},
// "request_id"} payload into the Anthropic error envelope. Returns ok=false
// if data isn't that shape (e.g. already carries a "type" field), in which
// case the caller should forward it unchanged.
func rewriteZaiErrorPayload(data string) (string, bool) {
	parsed := gjson.Parse(data)
	if !parsed.IsObject() {
		return "", false
	}
	if parsed.Get("type").Exists() {
		return "", false
	}
	errField := parsed.Get("error")
	if !errField.Exists() {
		return "", false
	}

	code := errField.Get("code")
	codeStr := "unknown"
	if code.Exists() {
		if code.Type == gjson.String {
			codeStr = code.String()
		} else {
			codeStr = strconv.FormatInt(code.Int(), 10)
		}
	}

	message := "Upstream error"
	if m := errField.Get("message"); m.Exists() {
		message = m.String()
	}

	out, err := sjson.Set("{}", "type", "error")
	if err != nil {
		return "", false
	}
	out, err = sjson.Set(out, "error.type", "invalid_request_error")
	if err != nil {
		return "", false
	}
	out, err = sjson.Set(out, "error.message", message)
	if err != nil {
		return "", false
	}
	out, err = sjson.Set(out, "error.code", codeStr)
	if err != nil {
		return "", false
	}

	if requestID := parsed.Get("request_id"); requestID.Exists() {
		out, err = sjson.SetRaw(out, "request_id", requestID.Raw)
		if err != nil {
			return "", false
		}
	}

	return out, true
}

// JoinZaiURL joins the configured z.ai base URL with a request path,
// normalizing the single slash between them.
func JoinZaiURL(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}
