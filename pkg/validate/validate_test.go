package validate

import (
	"encoding/json"
	"testing"

	"github.com/skyforge-ai/antigravity-gateway/internal/gatewayerrors"
	"github.com/skyforge-ai/antigravity-gateway/pkg/anthropic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest(model string) *anthropic.Request {
	return &anthropic.Request{
		Model: model,
		Messages: []anthropic.Message{
			{Role: anthropic.RoleUser, Content: anthropic.NewTextContent("hi")},
		},
		MaxTokens: 10,
	}
}

func TestClassify_LocalPrefixes(t *testing.T) {
	route, ok := Classify("local-gemma")
	require.True(t, ok)
	assert.Equal(t, RouteLocalGateway, route)

	route, ok = Classify("Gemma-7b")
	require.True(t, ok)
	assert.Equal(t, RouteLocalGateway, route)
}

func TestClassify_DispatcherPrefixes(t *testing.T) {
	for _, model := range []string{"claude-3-5-sonnet", "GEMINI-pro", "gpt-4-turbo", "deepseek-chat"} {
		route, ok := Classify(model)
		require.Truef(t, ok, "expected %s to classify", model)
		assert.Equal(t, RouteDispatcher, route)
	}
}

func TestClassify_UnknownPrefixRejected(t *testing.T) {
	_, ok := Classify("mistral-large")
	assert.False(t, ok)
}

func TestValidate_RejectsUnknownModel(t *testing.T) {
	req := validRequest("mistral-large")
	raw, _ := json.Marshal(req)

	_, err := Validate(raw, req, nil)
	require.Error(t, err)
	ge, ok := gatewayerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, gatewayerrors.KindInvalidRequest, ge.Kind)
}

func TestValidate_EmptyMessagesRejected(t *testing.T) {
	req := validRequest("claude-3-5-sonnet")
	req.Messages = nil
	raw, _ := json.Marshal(req)

	_, err := Validate(raw, req, nil)
	require.Error(t, err)
}

func TestValidate_MaxTokensOutOfRange(t *testing.T) {
	req := validRequest("claude-3-5-sonnet")
	req.MaxTokens = 10_000_000
	raw, _ := json.Marshal(req)

	_, err := Validate(raw, req, nil)
	require.Error(t, err)
}

func TestValidate_ZeroMaxTokensRejected(t *testing.T) {
	req := validRequest("claude-3-5-sonnet")
	req.MaxTokens = 0
	raw, _ := json.Marshal(req)

	_, err := Validate(raw, req, nil)
	require.Error(t, err)
	ge, ok := gatewayerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, gatewayerrors.KindInvalidRequest, ge.Kind)
}

func TestValidate_CapsMaxTokensAboveDefault(t *testing.T) {
	req := validRequest("claude-3-5-sonnet")
	req.MaxTokens = 50_000
	raw, _ := json.Marshal(req)

	_, err := Validate(raw, req, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultMaxTokensCap, req.MaxTokens)
}

func TestValidate_DisallowedImageMediaType(t *testing.T) {
	req := validRequest("claude-3-5-sonnet")
	req.Messages[0].Content = anthropic.MessageContent{
		IsBlocks: true,
		Blocks: []anthropic.ContentBlock{
			anthropic.ImageBlock{Type: "image", Source: anthropic.ImageSource{Type: "base64", MediaType: "image/bmp", Data: "abc"}},
		},
	}
	raw, _ := json.Marshal(req)

	_, err := Validate(raw, req, nil)
	require.Error(t, err)
}

func TestValidate_InvalidToolName(t *testing.T) {
	req := validRequest("claude-3-5-sonnet")
	req.Tools = []anthropic.Tool{{Name: "bad name!"}}
	raw, _ := json.Marshal(req)

	_, err := Validate(raw, req, nil)
	require.Error(t, err)
}

func TestValidate_ThinkingBudgetOutOfRange(t *testing.T) {
	req := validRequest("claude-3-5-sonnet")
	req.Thinking = &anthropic.Thinking{BudgetTokens: 10}
	raw, _ := json.Marshal(req)

	_, err := Validate(raw, req, nil)
	require.Error(t, err)
}

func TestValidate_ModelMappingAppliedBeforeAllowlist(t *testing.T) {
	req := validRequest("my-alias")
	mapper := func(model string) (string, bool) {
		if model == "my-alias" {
			return "gemini-pro", true
		}
		return model, false
	}
	raw, _ := json.Marshal(req)

	route, err := Validate(raw, req, mapper)
	require.NoError(t, err)
	assert.Equal(t, RouteDispatcher, route)
	assert.Equal(t, "gemini-pro", req.Model)
}

func TestValidate_MappedAliasStillMustSatisfyAllowlist(t *testing.T) {
	req := validRequest("my-alias")
	mapper := func(model string) (string, bool) {
		return "totally-unknown-vendor", true
	}
	raw, _ := json.Marshal(req)

	_, err := Validate(raw, req, mapper)
	require.Error(t, err)
	ge, ok := gatewayerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, gatewayerrors.KindInvalidRequest, ge.Kind)
}

func TestValidate_PrototypePollutionRejected(t *testing.T) {
	req := validRequest("claude-3-5-sonnet")
	raw := []byte(`{"model":"claude-3-5-sonnet","max_tokens":10,"messages":[{"role":"user","content":"x"}],"__proto__":{"polluted":true}}`)

	_, err := Validate(raw, req, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Prototype pollution")
}

func TestValidate_NestedPrototypePollutionRejected(t *testing.T) {
	req := validRequest("claude-3-5-sonnet")
	raw := []byte(`{"model":"claude-3-5-sonnet","max_tokens":10,"messages":[{"role":"user","content":"x"}],"nested":{"a":{"constructor":{}}}}`)

	_, err := Validate(raw, req, nil)
	require.Error(t, err)
}

func TestValidate_ExcessiveDepthRejected(t *testing.T) {
	req := validRequest("claude-3-5-sonnet")

	depth := 60
	inner := "1"
	for i := 0; i < depth; i++ {
		inner = "[" + inner + "]"
	}
	raw := []byte(`{"model":"claude-3-5-sonnet","max_tokens":10,"messages":[{"role":"user","content":"x"}],"deep":` + inner + `}`)

	_, err := Validate(raw, req, nil)
	require.Error(t, err)
}

func TestValidate_TooManyMessagesRejected(t *testing.T) {
	req := validRequest("claude-3-5-sonnet")
	msgs := make([]anthropic.Message, 501)
	for i := range msgs {
		msgs[i] = anthropic.Message{Role: anthropic.RoleUser, Content: anthropic.NewTextContent("x")}
	}
	req.Messages = msgs
	raw, _ := json.Marshal(req)

	_, err := Validate(raw, req, nil)
	require.Error(t, err)
}

func TestValidate_ToolResultMustReferencePrecedingToolUse(t *testing.T) {
	req := validRequest("claude-3-5-sonnet")
	req.Messages = []anthropic.Message{
		{Role: anthropic.RoleUser, Content: anthropic.NewTextContent("what's the weather?")},
		{
			Role: anthropic.RoleAssistant,
			Content: anthropic.MessageContent{
				IsBlocks: true,
				Blocks: []anthropic.ContentBlock{
					anthropic.ToolUseBlock{Type: "tool_use", ID: "toolu_01", Name: "get_weather", Input: json.RawMessage(`{}`)},
				},
			},
		},
		{
			Role: anthropic.RoleUser,
			Content: anthropic.MessageContent{
				IsBlocks: true,
				Blocks: []anthropic.ContentBlock{
					anthropic.ToolResultBlock{Type: "tool_result", ToolUseID: "toolu_01", Content: json.RawMessage(`"72F"`)},
				},
			},
		},
	}
	raw, _ := json.Marshal(req)

	_, err := Validate(raw, req, nil)
	require.NoError(t, err)
}

func TestValidate_ToolResultWithUnknownToolUseIDRejected(t *testing.T) {
	req := validRequest("claude-3-5-sonnet")
	req.Messages = []anthropic.Message{
		{Role: anthropic.RoleUser, Content: anthropic.NewTextContent("what's the weather?")},
		{
			Role: anthropic.RoleUser,
			Content: anthropic.MessageContent{
				IsBlocks: true,
				Blocks: []anthropic.ContentBlock{
					anthropic.ToolResultBlock{Type: "tool_result", ToolUseID: "toolu_never_seen", Content: json.RawMessage(`"72F"`)},
				},
			},
		},
	}
	raw, _ := json.Marshal(req)

	_, err := Validate(raw, req, nil)
	require.Error(t, err)
	ge, ok := gatewayerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, gatewayerrors.KindInvalidRequest, ge.Kind)
}

func TestValidate_TooManyToolsRejected(t *testing.T) {
	req := validRequest("claude-3-5-sonnet")
	tools := make([]anthropic.Tool, 101)
	for i := range tools {
		tools[i] = anthropic.Tool{Name: "t"}
	}
	req.Tools = tools
	raw, _ := json.Marshal(req)

	_, err := Validate(raw, req, nil)
	require.Error(t, err)
}
