// Package format provides conversion between Anthropic and Google Generative AI formats.
// This file corresponds to src/format/tool-result-compressor.js in the Node.js version.
package format

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
)

const (
	// maxToolResultChars bounds the total text carried across a tool_result's
	// blocks, to keep a single oversized tool call from blowing the prompt budget.
	maxToolResultChars = 200_000

	// snapshotDetectionThreshold is the minimum text length considered for
	// browser-snapshot compression.
	snapshotDetectionThreshold = 20_000

	// snapshotMaxChars caps a compressed browser snapshot.
	snapshotMaxChars = 16_000

	snapshotHeadRatio = 0.7
)

var (
	savedOutputNoticeRe = regexp.MustCompile(`(?i)result\s*\(\s*([\d,]+)\s*characters\s*\)\s*exceeds\s+maximum\s+allowed\s+tokens\.\s*Output\s+(?:has\s+been\s+)?saved\s+to\s+([^\r\n]+)`)
	styleTagRe           = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style>`)
	scriptTagRe          = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	inlineBase64Re       = regexp.MustCompile(`(?i)data:[^;/]+/[^;]+;base64,[A-Za-z0-9+/=]+`)
	blankLinesRe         = regexp.MustCompile(`\n\s*\n`)
)

// CompactToolResultText shrinks text to at most maxChars, picking the
// cheapest strategy that preserves the most useful information: a
// "saved output to disk" notice is reduced to its essentials, a browser
// snapshot keeps its head and tail, and anything else is safely truncated.
func CompactToolResultText(text string, maxChars int) string {
	if text == "" || len(text) <= maxChars {
		return text
	}

	cleaned := text
	if strings.Contains(text, "<html") || strings.Contains(text, "<body") || strings.Contains(text, "<!DOCTYPE") {
		cleaned = deepCleanHTML(text)
		utils.Debug("[ToolCompressor] Deep cleaned HTML, reduced %d -> %d chars", len(text), len(cleaned))
	}

	if len(cleaned) <= maxChars {
		return cleaned
	}

	if compacted, ok := compactSavedOutputNotice(cleaned, maxChars); ok {
		utils.Debug("[ToolCompressor] Detected saved output notice, compacted to %d chars", len(compacted))
		return compacted
	}

	if len(cleaned) > snapshotDetectionThreshold {
		if compacted, ok := compactBrowserSnapshot(cleaned, maxChars); ok {
			utils.Debug("[ToolCompressor] Detected browser snapshot, compacted to %d chars", len(compacted))
			return compacted
		}
	}

	utils.Debug("[ToolCompressor] Using structured truncation for %d chars", len(cleaned))
	return truncateTextSafe(cleaned, maxChars)
}

// compactSavedOutputNotice detects the "result (N characters) exceeds
// maximum allowed tokens. Output saved to <path>" pattern emitted when a
// tool writes its full output to disk, and reduces it to the notice line,
// any format-description line, and a pointer at the saved path.
func compactSavedOutputNotice(text string, maxChars int) (string, bool) {
	match := savedOutputNoticeRe.FindStringSubmatch(text)
	if match == nil {
		return "", false
	}
	count := match[1]
	filePath := strings.TrimRight(strings.TrimSpace(match[2]), ")]\"'.")
	filePath = strings.TrimSpace(filePath)

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			lines = append(lines, trimmed)
		}
	}

	noticeLine := ""
	for _, line := range lines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "exceeds maximum allowed tokens") && strings.Contains(lower, "saved to") {
			noticeLine = line
			break
		}
	}
	if noticeLine == "" {
		noticeLine = fmt.Sprintf("result (%s characters) exceeds maximum allowed tokens. Output has been saved to %s", count, filePath)
	}

	formatLine := ""
	for _, line := range lines {
		lower := strings.ToLower(line)
		if strings.HasPrefix(line, "Format:") || strings.Contains(line, "JSON array with schema") || strings.HasPrefix(lower, "schema:") {
			formatLine = line
			break
		}
	}

	compactLines := []string{noticeLine}
	if formatLine != "" && formatLine != noticeLine {
		compactLines = append(compactLines, formatLine)
	}
	compactLines = append(compactLines, fmt.Sprintf("[tool_result omitted to reduce prompt size; read file locally if needed: %s]", filePath))

	return truncateTextSafe(strings.Join(compactLines, "\n"), maxChars), true
}

// compactBrowserSnapshot detects an accessibility-tree style browser
// snapshot (identified by "page snapshot" framing or dense "ref=" usage) and
// keeps only its head and tail, summarizing what was dropped in between.
func compactBrowserSnapshot(text string, maxChars int) (string, bool) {
	isSnapshot := strings.Contains(strings.ToLower(text), "page snapshot") ||
		strings.Count(text, "ref=") > 30 ||
		strings.Count(text, "[ref=") > 30
	if !isSnapshot {
		return "", false
	}

	desiredMax := maxChars
	if desiredMax > snapshotMaxChars {
		desiredMax = snapshotMaxChars
	}
	if desiredMax < 2000 || len(text) <= desiredMax {
		return "", false
	}

	meta := fmt.Sprintf("[page snapshot summarized to reduce prompt size; original %d chars]", len(text))
	overhead := len(meta) + 200
	budget := desiredMax - overhead
	if budget < 1000 {
		return "", false
	}

	headLen := int(float64(budget) * snapshotHeadRatio)
	if headLen > 10_000 {
		headLen = 10_000
	}
	if headLen < 500 {
		headLen = 500
	}
	if headLen > len(text) {
		headLen = len(text)
	}

	tailLen := budget - headLen
	if tailLen > 3_000 {
		tailLen = 3_000
	}

	head := text[:headLen]
	tail := ""
	if tailLen > 0 && len(text) > headLen {
		start := len(text) - tailLen
		if start < 0 {
			start = 0
		}
		tail = text[start:]
	}

	omitted := len(text) - headLen - len(tail)
	if omitted < 0 {
		omitted = 0
	}

	var summarized string
	if tail == "" {
		summarized = fmt.Sprintf("%s\n---[HEAD]---\n%s\n---[...omitted %d chars]---", meta, head, omitted)
	} else {
		summarized = fmt.Sprintf("%s\n---[HEAD]---\n%s\n---[...omitted %d chars]---\n---[TAIL]---\n%s", meta, head, omitted, tail)
	}

	return truncateTextSafe(summarized, maxChars), true
}

// truncateTextSafe cuts text to maxChars, backing off to avoid splitting a
// tag or JSON object in half where that's cheap to detect.
func truncateTextSafe(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}

	splitPos := maxChars
	sub := text[:maxChars]

	lastOpen := strings.LastIndexByte(sub, '<')
	lastClose := strings.LastIndexByte(sub, '>')
	if lastOpen >= 0 {
		if lastClose < 0 || lastOpen > lastClose {
			splitPos = lastOpen
		}
	}

	lastOpenBrace := strings.LastIndexByte(sub, '{')
	lastCloseBrace := strings.LastIndexByte(sub, '}')
	if lastOpenBrace >= 0 && (lastCloseBrace < 0 || lastOpenBrace > lastCloseBrace) {
		if maxChars-lastOpenBrace < 100 && lastOpenBrace < splitPos {
			splitPos = lastOpenBrace
		}
	}

	truncated := text[:splitPos]
	omitted := len(text) - splitPos
	return fmt.Sprintf("%s\n...[truncated %d chars]", truncated, omitted)
}

// deepCleanHTML strips style/script bodies, inline base64 data URIs, and
// collapses blank-line runs before the budget check runs again.
func deepCleanHTML(html string) string {
	result := styleTagRe.ReplaceAllString(html, "[style omitted]")
	result = scriptTagRe.ReplaceAllString(result, "[script omitted]")
	result = inlineBase64Re.ReplaceAllString(result, "[base64 omitted]")
	result = blankLinesRe.ReplaceAllString(result, "\n")
	return result
}

// SanitizeToolResultBlocks drops base64 image blocks (replacing them with a
// pointer notice) and compacts text blocks so the combined content never
// exceeds maxToolResultChars.
func SanitizeToolResultBlocks(blocks []anthropic.ContentBlock) []anthropic.ContentBlock {
	if len(blocks) == 0 {
		return blocks
	}

	utils.Info("[ToolCompressor] Processing %d blocks for truncation (MAX: %d chars)", len(blocks), maxToolResultChars)

	usedChars := 0
	removedImage := false
	cleaned := make([]anthropic.ContentBlock, 0, len(blocks))

	for _, block := range blocks {
		if isBase64Image(block) {
			removedImage = true
			utils.Debug("[ToolCompressor] Removed base64 image block")
			continue
		}

		if block.Type == "text" && block.Text != "" {
			remaining := maxToolResultChars - usedChars
			if remaining <= 0 {
				utils.Debug("[ToolCompressor] Reached character limit, stopping")
				break
			}

			compacted := CompactToolResultText(block.Text, remaining)
			newBlock := block
			newBlock.Text = compacted
			cleaned = append(cleaned, newBlock)
			usedChars += len(compacted)

			utils.Debug("[ToolCompressor] Compacted text block: %d -> %d chars", len(block.Text), len(compacted))
		} else {
			cleaned = append(cleaned, block)
			usedChars += 100 // rough estimate for non-text blocks
		}

		if usedChars >= maxToolResultChars {
			break
		}
	}

	if removedImage {
		cleaned = append(cleaned, anthropic.ContentBlock{
			Type: "text",
			Text: "[image omitted to fit Antigravity prompt limits; use the file path in the previous text block]",
		})
	}

	utils.Info("[ToolCompressor] Sanitization complete: %d -> %d blocks, %d chars used", len(blocks), len(cleaned), usedChars)

	return cleaned
}

func isBase64Image(block anthropic.ContentBlock) bool {
	return block.Type == "image" && block.Source != nil && block.Source.Type == "base64"
}

// SanitizeToolResultMessages compacts every tool_result block's content
// across messages so no single tool call can blow the prompt budget. It
// mutates messages in place and also returns the slice for convenience.
func SanitizeToolResultMessages(messages []anthropic.Message) []anthropic.Message {
	for i := range messages {
		blocks := messages[i].Content
		for j := range blocks {
			if blocks[j].Type != "tool_result" {
				continue
			}
			blocks[j].Content = sanitizeToolResultContent(blocks[j].Content)
		}
	}
	return messages
}

// sanitizeToolResultContent normalizes a tool_result block's polymorphic
// content (string or content-block array) and runs it through the same
// compression used for ordinary text/image blocks.
func sanitizeToolResultContent(content any) any {
	switch v := content.(type) {
	case string:
		return CompactToolResultText(v, maxToolResultChars)
	case nil:
		return content
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return content
		}
		var blocks []anthropic.ContentBlock
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return content
		}
		sanitized := SanitizeToolResultBlocks(blocks)
		out, err := json.Marshal(sanitized)
		if err != nil {
			return content
		}
		var result []interface{}
		if err := json.Unmarshal(out, &result); err != nil {
			return content
		}
		return result
	}
}
