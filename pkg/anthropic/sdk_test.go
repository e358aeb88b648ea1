package anthropic

import (
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSDKMessage(t *testing.T) {
	sdkMsg := &sdk.Message{
		ID:         "msg_test_123",
		Model:      "claude-haiku-4-5-20251001",
		StopReason: "end_turn",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "receipt"},
		},
		Usage: sdk.Usage{
			InputTokens:              1200,
			OutputTokens:             3,
			CacheCreationInputTokens: 400,
			CacheReadInputTokens:     800,
		},
	}

	resp := fromSDKMessage(sdkMsg)
	require.NotNil(t, resp)
	assert.Equal(t, "msg_test_123", resp.ID)
	assert.Equal(t, "claude-haiku-4-5-20251001", resp.Model)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, "receipt", resp.Text())
	assert.Equal(t, int64(1200), resp.Usage.InputTokens)
	assert.Equal(t, int64(400), resp.Usage.CacheCreationInputTokens)
	assert.Equal(t, int64(800), resp.Usage.CacheReadInputTokens)
}

func TestToSDKMessages(t *testing.T) {
	msgs := toSDKMessages([]Message{
		{Role: "user", Content: "document text"},
		{Role: "assistant", Content: "{"},
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, sdk.MessageParamRoleUser, msgs[0].Role)
	assert.Equal(t, sdk.MessageParamRoleAssistant, msgs[1].Role)
}

func TestToSDKSystemBlocks(t *testing.T) {
	blocks := toSDKSystemBlocks(BuildCachedSystemBlocks("system prompt"))
	require.Len(t, blocks, 1)
	assert.Equal(t, "system prompt", blocks[0].Text)
	assert.Equal(t, sdk.CacheControlEphemeralTTL("1h"), blocks[0].CacheControl.TTL)
}
