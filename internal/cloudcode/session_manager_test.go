package cloudcode

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
	"github.com/poemonsense/antigravity-proxy-go/pkg/anthropic"
	"github.com/stretchr/testify/require"
)

func textMessage(role, text string) anthropic.Message {
	return anthropic.Message{
		Role:    role,
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	}
}

func TestDeriveSessionIDIsStableAcrossCalls(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			textMessage("user", "please help me debug this function"),
		},
	}

	id1 := DeriveSessionID(req)
	id2 := DeriveSessionID(req)

	require.Equal(t, id1, id2)
	require.NotEmpty(t, id1)
}

func TestDeriveSessionIDMatchesExpectedFingerprint(t *testing.T) {
	content := "please help me debug this function"
	req := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{textMessage("user", content)},
	}

	hash := sha256.Sum256([]byte(content))
	expected := hex.EncodeToString(hash[:16])

	require.Equal(t, expected, DeriveSessionID(req))
}

func TestDeriveSessionIDSkipsSystemReminderFragments(t *testing.T) {
	withReminder := "<system-reminder>ignore this metadata entirely</system-reminder>please help me debug this"
	withoutReminder := "please help me debug this"

	reqA := &anthropic.MessagesRequest{Messages: []anthropic.Message{textMessage("user", withReminder)}}
	reqB := &anthropic.MessagesRequest{Messages: []anthropic.Message{textMessage("user", withoutReminder)}}

	require.Equal(t, DeriveSessionID(reqA), DeriveSessionID(reqB))
}

func TestDeriveSessionIDSkipsTooShortMessages(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{
			textMessage("user", "hi"),
			textMessage("assistant", "hello, how can I help?"),
			textMessage("user", "please help me with this longer request"),
		},
	}

	content := "please help me with this longer request"
	hash := sha256.Sum256([]byte(content))
	expected := hex.EncodeToString(hash[:16])

	require.Equal(t, expected, DeriveSessionID(req))
}

func TestDeriveSessionIDFallsBackToUUIDWhenNoQualifyingMessage(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Messages: []anthropic.Message{textMessage("user", "hi")},
	}

	id := DeriveSessionID(req)
	_, err := uuid.Parse(id)
	require.NoError(t, err)
}

func TestStripSystemReminders(t *testing.T) {
	in := "before<system-reminder>hidden\nmultiline</system-reminder>after"
	require.Equal(t, "beforeafter", stripSystemReminders(in))
}
