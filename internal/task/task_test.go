package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildID_Deterministic(t *testing.T) {
	first := BuildID("C111", "1.1", "!do sh:echo hi")
	second := BuildID("C111", "1.1", "!do sh:echo hi")
	assert.Equal(t, first, second)
	assert.Len(t, first, 16)
	assert.Regexp(t, "^[0-9a-f]{16}$", first)

	// Any component change produces a different ID.
	assert.NotEqual(t, first, BuildID("C222", "1.1", "!do sh:echo hi"))
	assert.NotEqual(t, first, BuildID("C111", "1.2", "!do sh:echo hi"))
	assert.NotEqual(t, first, BuildID("C111", "1.1", "!do sh:echo bye"))
}

func TestPayloadRoundTrip(t *testing.T) {
	spec := Spec{
		TaskID:      "abc123",
		ChannelID:   "C111",
		MessageTS:   "1.1",
		ThreadTS:    "1.1",
		TriggerUser: "U1",
		TriggerText: "!do sh:echo hi",
		CommandText: "sh:echo hi",
		LockKey:     "global",
		ImagePaths:  []string{"/tmp/a.png"},
	}

	payload, err := EncodePayload(spec)
	require.NoError(t, err)

	decoded, err := DecodePayload("abc123", payload)
	require.NoError(t, err)
	assert.Equal(t, spec, decoded)
}

func TestDecodePayload_ThreadTSFallback(t *testing.T) {
	payload := `{"channel_id":"C1","message_ts":"5.5","trigger_user":"U1","trigger_text":"x","command_text":"sh:x","lock_key":"global"}`
	decoded, err := DecodePayload("id1", payload)
	require.NoError(t, err)
	assert.Equal(t, "5.5", decoded.ThreadTS)
}

func TestDecodePayload_Invalid(t *testing.T) {
	_, err := DecodePayload("id1", "not json")
	assert.Error(t, err)

	_, err = DecodePayload("id1", `{"message_ts":"1.1"}`)
	assert.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusSucceeded, StatusFailed, StatusCanceled, StatusAbortedOnRestart} {
		assert.True(t, s.IsTerminal(), string(s))
	}
	for _, s := range []Status{StatusPending, StatusWaitingApproval, StatusRunning} {
		assert.False(t, s.IsTerminal(), string(s))
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		want Command
	}{
		{"sh:echo hi", ShellCommand{Cmd: "echo hi"}},
		{"sh:  ls -la ", ShellCommand{Cmd: "ls -la"}},
		{"kimi:summarize", KimiCommand{Prompt: "summarize"}},
		{"codex:fix tests", CodexCommand{Prompt: "fix tests"}},
		{"claude:review", ClaudeCommand{Prompt: "review"}},
		{"deploy now", NoopCommand{Raw: "deploy now"}},
		{"sh:", ShellCommand{Cmd: ""}},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ParseCommand(tc.text), tc.text)
	}
}
