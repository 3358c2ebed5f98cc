package transcode

import (
	"encoding/json"
	"testing"

	"github.com/skyforge-ai/antigravity-gateway/pkg/anthropic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicRequestToOpenAI_TextRoundTripPreservesRoleAndText(t *testing.T) {
	req := &anthropic.Request{
		Model: "claude-3-5-sonnet",
		Messages: []anthropic.Message{
			{Role: anthropic.RoleUser, Content: anthropic.NewTextContent("hello there")},
		},
		MaxTokens: 100,
	}

	out := AnthropicRequestToOpenAI(req)
	messages := out["messages"].([]OpenAIMessage)
	require.Len(t, messages, 1)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "hello there", messages[0].Content)

	var decoded OpenAINonStreamResponse
	require.NoError(t, json.Unmarshal([]byte(`{
		"choices": [{"message": {"content": "hello there"}, "finish_reason": "stop"}]
	}`), &decoded))
	resp := OpenAINonStreamToAnthropic(decoded, "claude-3-5-sonnet")

	assert.Equal(t, anthropic.RoleAssistant, resp.Role)
	require.Len(t, resp.Content, 1)
	assert.Equal(t, "hello there", resp.Content[0].(anthropic.TextBlock).Text)
}

func TestAnthropicRequestToOpenAI_SystemBecomesLeadingMessage(t *testing.T) {
	sys := anthropic.NewTextContent("be terse")
	req := &anthropic.Request{
		Model:    "claude-3-5-sonnet",
		System:   &sys,
		Messages: []anthropic.Message{{Role: anthropic.RoleUser, Content: anthropic.NewTextContent("hi")}},
	}

	out := AnthropicRequestToOpenAI(req)
	messages := out["messages"].([]OpenAIMessage)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].Role)
	assert.Equal(t, "be terse", messages[0].Content)
}

func TestAnthropicRequestToOpenAI_AssistantToolUseBecomesToolCalls(t *testing.T) {
	req := &anthropic.Request{
		Model: "claude-3-5-sonnet",
		Messages: []anthropic.Message{
			{
				Role: anthropic.RoleAssistant,
				Content: anthropic.MessageContent{
					IsBlocks: true,
					Blocks: []anthropic.ContentBlock{
						anthropic.TextBlock{Type: "text", Text: "let me check"},
						anthropic.ToolUseBlock{Type: "tool_use", ID: "tool_1", Name: "get_weather", Input: json.RawMessage(`{"city":"sf"}`)},
					},
				},
			},
		},
	}

	out := AnthropicRequestToOpenAI(req)
	messages := out["messages"].([]OpenAIMessage)
	require.Len(t, messages, 1)
	assert.Equal(t, "let me check", messages[0].Content)
	require.Len(t, messages[0].ToolCalls, 1)
	assert.Equal(t, "tool_1", messages[0].ToolCalls[0].ID)
	assert.Equal(t, "get_weather", messages[0].ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"city":"sf"}`, messages[0].ToolCalls[0].Function.Arguments)
}

func TestAnthropicRequestToOpenAI_UserToolResultBecomesToolRoleMessage(t *testing.T) {
	req := &anthropic.Request{
		Model: "claude-3-5-sonnet",
		Messages: []anthropic.Message{
			{
				Role: anthropic.RoleUser,
				Content: anthropic.MessageContent{
					IsBlocks: true,
					Blocks: []anthropic.ContentBlock{
						anthropic.TextBlock{Type: "text", Text: "here's the result"},
						anthropic.ToolResultBlock{Type: "tool_result", ToolUseID: "tool_1", Content: json.RawMessage(`"72F"`)},
					},
				},
			},
		},
	}

	out := AnthropicRequestToOpenAI(req)
	messages := out["messages"].([]OpenAIMessage)
	require.Len(t, messages, 2)
	assert.Equal(t, "user", messages[0].Role)
	assert.Equal(t, "here's the result", messages[0].Content)
	assert.Equal(t, "tool", messages[1].Role)
	assert.Equal(t, "tool_1", messages[1].ToolCallID)
	assert.Equal(t, "72F", messages[1].Content)
}

func decodeChunk(t *testing.T, raw string) OpenAIStreamChunk {
	t.Helper()
	var chunk OpenAIStreamChunk
	require.NoError(t, json.Unmarshal([]byte(raw), &chunk))
	return chunk
}

func TestOpenAIStreamState_TextDeltaSequenceFramesCorrectly(t *testing.T) {
	state := NewOpenAIStreamState("claude-3-5-sonnet")

	chunk := decodeChunk(t, `{"id":"chatcmpl-1","choices":[{"delta":{"content":"ok"}}]}`)

	var allEvents []anthropic.Event
	allEvents = append(allEvents, state.Apply(chunk)...)
	allEvents = append(allEvents, state.Finish("stop")...)

	require.Len(t, allEvents, 6)
	assert.Equal(t, anthropic.EventMessageStart, allEvents[0].Type)
	assert.Equal(t, anthropic.EventContentBlockStart, allEvents[1].Type)
	assert.Equal(t, anthropic.EventContentBlockDelta, allEvents[2].Type)
	assert.Equal(t, anthropic.EventContentBlockStop, allEvents[3].Type)
	assert.Equal(t, anthropic.EventMessageDelta, allEvents[4].Type)
	assert.Equal(t, anthropic.EventMessageStop, allEvents[5].Type)
	assert.False(t, state.Empty())
}

func TestOpenAIStreamState_EmptyStreamDetected(t *testing.T) {
	state := NewOpenAIStreamState("claude-3-5-sonnet")
	state.Apply(OpenAIStreamChunk{ID: "chatcmpl-1"})
	assert.True(t, state.Empty())
}

func TestMapFinishReason(t *testing.T) {
	assert.Equal(t, "max_tokens", mapFinishReason("length"))
	assert.Equal(t, "tool_use", mapFinishReason("tool_calls"))
	assert.Equal(t, "end_turn", mapFinishReason("stop"))
	assert.Equal(t, "end_turn", mapFinishReason(""))
}
