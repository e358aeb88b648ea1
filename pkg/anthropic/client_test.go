package anthropic

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockClient implements Client for testing.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*MessageResponse), args.Error(1)
}

func TestResponseText(t *testing.T) {
	resp := &MessageResponse{
		Content: []ContentBlock{
			{Type: "text", Text: `{"document_type":`},
			{Type: "thinking", Text: "ignored"},
			{Type: "text", Text: `"invoice"}`},
		},
	}
	assert.Equal(t, `{"document_type":"invoice"}`, resp.Text())
	assert.Empty(t, (&MessageResponse{}).Text())
}

func TestEstimateCost(t *testing.T) {
	usage := TokenUsage{
		InputTokens:  1_000_000,
		OutputTokens: 100_000,
	}
	// 1M input at $0.80 + 100k output at $4.00.
	assert.InDelta(t, 0.80+0.40, usage.EstimateCost("claude-haiku-4-5-20251001"), 1e-9)
	assert.Zero(t, usage.EstimateCost("unknown-model"))
}

func TestEstimateCost_CacheTokens(t *testing.T) {
	usage := TokenUsage{
		CacheCreationInputTokens: 1_000_000,
		CacheReadInputTokens:     1_000_000,
	}
	// Cache writes cost 1.25x input, reads 0.1x input.
	assert.InDelta(t, 3.00*1.25+3.00*0.1, usage.EstimateCost("claude-sonnet-4-5-20250929"), 1e-9)
}

func TestBuildCachedSystemBlocks(t *testing.T) {
	blocks := BuildCachedSystemBlocks("You classify financial documents.")

	require.Len(t, blocks, 1)
	assert.Equal(t, "You classify financial documents.", blocks[0].Text)
	require.NotNil(t, blocks[0].CacheControl)
	assert.Equal(t, "1h", blocks[0].CacheControl.TTL)
}

func TestMockClientRoundTrip(t *testing.T) {
	mc := new(MockClient)
	ctx := context.Background()

	req := MessageRequest{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 16,
		Messages:  []Message{{Role: "user", Content: "Classify this document."}},
	}
	mc.On("CreateMessage", ctx, req).Return(&MessageResponse{
		ID:         "msg_1",
		Content:    []ContentBlock{{Type: "text", Text: "invoice"}},
		StopReason: "end_turn",
	}, nil)

	resp, err := mc.CreateMessage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "invoice", resp.Text())
	mc.AssertExpectations(t)
}
