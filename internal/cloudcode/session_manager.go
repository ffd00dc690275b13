// Package cloudcode provides Cloud Code API client implementation.
// This file corresponds to src/cloudcode/session-manager.js in the Node.js version.
package cloudcode

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

// minSessionFingerprintLen is the minimum trimmed length a user message's
// text must reach, after stripping system-reminder fragments, to count as
// non-trivial for session fingerprinting.
const minSessionFingerprintLen = 10

var systemReminderPattern = regexp.MustCompile(`(?s)<system-reminder>.*?</system-reminder>`)

// DeriveSessionID derives a stable session ID from the earliest non-trivial
// user message in the request: the first user message whose text, once
// system-reminder fragments are stripped, is at least minSessionFingerprintLen
// characters. This ensures the same conversation uses the same session ID
// across turns, enabling prompt caching (cache is scoped to session +
// organization).
func DeriveSessionID(request *anthropic.MessagesRequest) string {
	for _, msg := range request.Messages {
		if msg.Role != "user" {
			continue
		}
		content := strings.TrimSpace(stripSystemReminders(extractTextContent(msg)))
		if len(content) >= minSessionFingerprintLen {
			hash := sha256.Sum256([]byte(content))
			return hex.EncodeToString(hash[:16]) // First 32 hex chars
		}
	}

	// Fallback to random UUID if no non-trivial user message found
	return uuid.New().String()
}

// stripSystemReminders removes <system-reminder>...</system-reminder>
// fragments so they don't contribute to the session fingerprint.
func stripSystemReminders(text string) string {
	return systemReminderPattern.ReplaceAllString(text, "")
}

// extractTextContent extracts text content from a message
func extractTextContent(msg anthropic.Message) string {
	var result string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			if result != "" {
				result += "\n"
			}
			result += block.Text
		}
	}
	return result
}
