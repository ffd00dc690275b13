package format

import (
	"strings"
	"testing"

	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
	"github.com/stretchr/testify/require"
)

func TestCompactToolResultTextUnderBudgetIsUntouched(t *testing.T) {
	text := "short tool output"
	require.Equal(t, text, CompactToolResultText(text, 1000))
}

func TestTruncateTextSafeAvoidsSplittingATag(t *testing.T) {
	text := "prefix " + strings.Repeat("x", 20) + "<div class=\"long-attribute-name\">body</div>"
	out := truncateTextSafe(text, len("prefix ")+20+5)
	require.True(t, strings.HasPrefix(out, "prefix "))
	require.NotContains(t, out, "<div class=\"long")
	require.Contains(t, out, "truncated")
}

func TestCompactSavedOutputNotice(t *testing.T) {
	text := "result (245,000 characters) exceeds maximum allowed tokens. Output has been saved to /tmp/output-12345.json"
	out, ok := compactSavedOutputNotice(text, 1000)
	require.True(t, ok)
	require.Contains(t, out, "245,000 characters")
	require.Contains(t, out, "/tmp/output-12345.json")
	require.Contains(t, out, "[tool_result omitted")
}

func TestCompactSavedOutputNoticeNoMatch(t *testing.T) {
	_, ok := compactSavedOutputNotice("just some regular text without the marker", 1000)
	require.False(t, ok)
}

func TestCompactBrowserSnapshotKeepsHeadAndTail(t *testing.T) {
	var b strings.Builder
	b.WriteString("Page snapshot:\n")
	for i := 0; i < 200; i++ {
		b.WriteString("- generic [ref=e")
		b.WriteString(strings.Repeat("0", i%5+1))
		b.WriteString("]: node\n")
	}
	text := b.String()
	require.Greater(t, len(text), snapshotDetectionThreshold/10) // sanity: exercised below via CompactToolResultText path

	out, ok := compactBrowserSnapshot(text, 4000)
	require.True(t, ok)
	require.Contains(t, out, "[HEAD]")
	require.Contains(t, out, "[TAIL]")
	require.Contains(t, out, "summarized to reduce prompt size")
	require.LessOrEqual(t, len(out), 4000+200)
}

func TestCompactBrowserSnapshotRejectsNonSnapshotText(t *testing.T) {
	_, ok := compactBrowserSnapshot(strings.Repeat("plain text with no refs. ", 1000), 4000)
	require.False(t, ok)
}

func TestDeepCleanHTMLStripsStyleScriptAndBase64(t *testing.T) {
	html := `<!DOCTYPE html><html><head><style>body{color:red}</style>` +
		`<script>alert(1)</script></head><body>` +
		`<img src="data:image/png;base64,iVBORw0KGgoAAAANSUhEUg==">` +
		`\n\n\nhello</body></html>`
	cleaned := deepCleanHTML(html)
	require.NotContains(t, cleaned, "color:red")
	require.NotContains(t, cleaned, "alert(1)")
	require.NotContains(t, cleaned, "iVBORw0KGgo")
	require.Contains(t, cleaned, "[style omitted]")
	require.Contains(t, cleaned, "[script omitted]")
	require.Contains(t, cleaned, "[base64 omitted]")
}

func TestSanitizeToolResultBlocksRemovesBase64Image(t *testing.T) {
	blocks := []anthropic.ContentBlock{
		{Type: "text", Text: "see screenshot below"},
		{
			Type: "image",
			Source: &anthropic.ImageSource{
				Type:      "base64",
				MediaType: "image/png",
				Data:      "iVBORw0KGgoAAAANSUhEUg==",
			},
		},
	}

	out := SanitizeToolResultBlocks(blocks)

	require.Len(t, out, 2)
	require.Equal(t, "text", out[0].Type)
	require.Equal(t, "text", out[1].Type)
	require.Contains(t, out[1].Text, "[image omitted")
}

func TestSanitizeToolResultBlocksCompactsOversizedText(t *testing.T) {
	blocks := []anthropic.ContentBlock{
		{Type: "text", Text: strings.Repeat("a", maxToolResultChars+5000)},
	}

	out := SanitizeToolResultBlocks(blocks)

	require.Len(t, out, 1)
	require.LessOrEqual(t, len(out[0].Text), maxToolResultChars+100)
}

func TestIsBase64Image(t *testing.T) {
	require.True(t, isBase64Image(anthropic.ContentBlock{
		Type:   "image",
		Source: &anthropic.ImageSource{Type: "base64"},
	}))
	require.False(t, isBase64Image(anthropic.ContentBlock{
		Type:   "image",
		Source: &anthropic.ImageSource{Type: "url"},
	}))
	require.False(t, isBase64Image(anthropic.ContentBlock{Type: "text"}))
}

func TestSanitizeToolResultMessagesHandlesStringContent(t *testing.T) {
	messages := []anthropic.Message{
		{
			Role: "user",
			Content: []anthropic.ContentBlock{
				{Type: "tool_result", ToolUseID: "t1", Content: strings.Repeat("z", maxToolResultChars+10)},
			},
		},
	}

	SanitizeToolResultMessages(messages)

	compacted, ok := messages[0].Content[0].Content.(string)
	require.True(t, ok)
	require.LessOrEqual(t, len(compacted), maxToolResultChars+100)
}
