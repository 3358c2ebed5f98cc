// Package transcode implements the stateless protocol conversions
// between the Anthropic wire format and the two upstream shapes the
// gateway speaks: an OpenAI-compatible chat completions API (local
// models) and the Cloud-Code vendor envelope (pooled OAuth accounts).
package transcode

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/skyforge-ai/antigravity-gateway/pkg/anthropic"
)

// OpenAIMessage is one entry of an OpenAI chat completions "messages"
// array. Content is a plain string: the gateway never sends multi-modal
// parts upstream to the OpenAI-compatible endpoint.
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

// OpenAIToolCall is a single assistant-issued function call.
type OpenAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function OpenAIToolCallFunc `json:"function"`
}

type OpenAIToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// OpenAITool is one entry of an OpenAI "tools" array.
type OpenAITool struct {
	Type     string             `json:"type"`
	Function OpenAIToolFunction `json:"function"`
}

type OpenAIToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// AnthropicRequestToOpenAI implements spec §4.2's Anthropic→OpenAI
// request conversion.
func AnthropicRequestToOpenAI(req *anthropic.Request) map[string]interface{} {
	var messages []OpenAIMessage

	if sys := req.SystemText(); sys != "" {
		messages = append(messages, OpenAIMessage{Role: "system", Content: sys})
	}

	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m)...)
	}

	out := map[string]interface{}{
		"model":      req.Model,
		"messages":   messages,
		"max_tokens": req.MaxTokens,
		"stream":     req.Stream,
	}
	if req.Temperature != nil {
		out["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		out["top_p"] = *req.TopP
	}
	if len(req.StopSequences) > 0 {
		out["stop"] = req.StopSequences
	}
	if len(req.Tools) > 0 {
		out["tools"] = convertTools(req.Tools)
	}
	if req.ToolChoice != nil {
		out["tool_choice"] = convertToolChoice(req.ToolChoice)
	}
	if req.Stream {
		out["stream_options"] = map[string]interface{}{"include_usage": true}
	}
	return out
}

// convertMessage renders a single Anthropic message into zero or more
// OpenAI messages, per the four cases of spec §4.2.
func convertMessage(m anthropic.Message) []OpenAIMessage {
	role := string(m.Role)

	if !m.Content.IsBlocks {
		return []OpenAIMessage{{Role: role, Content: m.Content.Text}}
	}

	if role == "assistant" {
		return []OpenAIMessage{convertAssistantBlocks(m.Content.Blocks)}
	}

	// user role
	hasToolResult := false
	for _, b := range m.Content.Blocks {
		if _, ok := b.(anthropic.ToolResultBlock); ok {
			hasToolResult = true
			break
		}
	}
	if hasToolResult {
		return convertUserToolResultBlocks(m.Content.Blocks)
	}

	text := ""
	for _, b := range m.Content.Blocks {
		if t, ok := b.(anthropic.TextBlock); ok {
			text += t.Text
		}
	}
	return []OpenAIMessage{{Role: role, Content: text}}
}

func convertAssistantBlocks(blocks []anthropic.ContentBlock) OpenAIMessage {
	msg := OpenAIMessage{Role: "assistant"}
	text := ""
	for _, b := range blocks {
		switch v := b.(type) {
		case anthropic.TextBlock:
			text += v.Text
		case anthropic.ToolUseBlock:
			input := v.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			msg.ToolCalls = append(msg.ToolCalls, OpenAIToolCall{
				ID:   v.ID,
				Type: "function",
				Function: OpenAIToolCallFunc{
					Name:      v.Name,
					Arguments: string(input),
				},
			})
		}
	}
	msg.Content = text
	return msg
}

func convertUserToolResultBlocks(blocks []anthropic.ContentBlock) []OpenAIMessage {
	var out []OpenAIMessage

	var leadingText string
	for _, b := range blocks {
		if t, ok := b.(anthropic.TextBlock); ok {
			leadingText += t.Text
			continue
		}
		break
	}
	if leadingText != "" {
		out = append(out, OpenAIMessage{Role: "user", Content: leadingText})
	}

	for _, b := range blocks {
		tr, ok := b.(anthropic.ToolResultBlock)
		if !ok {
			continue
		}
		out = append(out, OpenAIMessage{
			Role:       "tool",
			ToolCallID: tr.ToolUseID,
			Content:    stringifyToolResultContent(tr.Content),
		})
	}
	return out
}

func stringifyToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func convertTools(tools []anthropic.Tool) []OpenAITool {
	out := make([]OpenAITool, 0, len(tools))
	for _, t := range tools {
		out = append(out, OpenAITool{
			Type: "function",
			Function: OpenAIToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}

func convertToolChoice(tc *anthropic.ToolChoice) interface{} {
	switch tc.Type {
	case anthropic.ToolChoiceAuto:
		return "auto"
	case anthropic.ToolChoiceAny:
		return "required"
	case anthropic.ToolChoiceTool:
		return map[string]interface{}{
			"type":     "function",
			"function": map[string]string{"name": tc.Name},
		}
	default:
		return "auto"
	}
}

// OpenAIStreamChunk is one decoded "data:" line of an OpenAI chat
// completions stream.
type OpenAIStreamChunk struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Content   string `json:"content,omitempty"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id,omitempty"`
				Function struct {
					Name      string `json:"name,omitempty"`
					Arguments string `json:"arguments,omitempty"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

// OpenAIStreamState accumulates the per-stream bookkeeping the
// delta→event transcoder needs: whether message_start has been emitted,
// which content-block index is the running text block, and which
// indices are already-opened tool_use blocks.
type OpenAIStreamState struct {
	model        string
	started      bool
	textIndex    int
	textOpen     bool
	nextIndex    int
	toolIndex    map[int]int // OpenAI tool_calls[].index -> Anthropic block index
	InputTokens  int
	OutputTokens int
}

// NewOpenAIStreamState creates transcoding state for one streamed
// response from the given model.
func NewOpenAIStreamState(model string) *OpenAIStreamState {
	return &OpenAIStreamState{model: model, toolIndex: map[int]int{}}
}

// Apply consumes one decoded OpenAI stream chunk and returns the
// Anthropic events it produces, per spec §4.2's delta mapping. The
// caller is responsible for emitting the final message_delta/
// message_stop once the upstream stream ends.
func (s *OpenAIStreamState) Apply(chunk OpenAIStreamChunk) []anthropic.Event {
	var events []anthropic.Event

	if !s.started {
		s.started = true
		events = append(events, anthropic.MessageStart(&anthropic.ResponseMessage{
			ID:      chunkID(chunk.ID),
			Type:    "message",
			Role:    anthropic.RoleAssistant,
			Model:   s.model,
			Content: []anthropic.ContentBlock{},
		}))
	}

	if chunk.Usage != nil {
		s.InputTokens = chunk.Usage.PromptTokens
		s.OutputTokens = chunk.Usage.CompletionTokens
	}

	if len(chunk.Choices) == 0 {
		return events
	}
	delta := chunk.Choices[0].Delta

	if delta.Content != "" {
		if !s.textOpen {
			s.textIndex = s.nextIndex
			s.nextIndex++
			s.textOpen = true
			events = append(events, anthropic.ContentBlockStart(s.textIndex, anthropic.TextBlock{Type: "text", Text: ""}))
		}
		events = append(events, anthropic.ContentBlockTextDelta(s.textIndex, delta.Content))
	}

	for _, tc := range delta.ToolCalls {
		blockIndex, known := s.toolIndex[tc.Index]
		if !known {
			blockIndex = s.nextIndex
			s.nextIndex++
			s.toolIndex[tc.Index] = blockIndex
			events = append(events, anthropic.ContentBlockStart(blockIndex, anthropic.ToolUseBlock{
				Type: "tool_use",
				ID:   tc.ID,
				Name: tc.Function.Name,
			}))
		}
		if tc.Function.Arguments != "" {
			events = append(events, anthropic.ContentBlockInputJSONDelta(blockIndex, tc.Function.Arguments))
		}
	}

	return events
}

// Finish returns the content_block_stop events for every open block plus
// the final message_delta carrying the stop reason, followed by
// message_stop, the terminal sequence for a normal (non-empty) stream.
func (s *OpenAIStreamState) Finish(finishReason string) []anthropic.Event {
	var events []anthropic.Event
	if s.textOpen {
		events = append(events, anthropic.ContentBlockStop(s.textIndex))
	}
	for _, idx := range s.toolIndex {
		events = append(events, anthropic.ContentBlockStop(idx))
	}
	events = append(events, anthropic.MessageDeltaEvent(mapFinishReason(finishReason), s.OutputTokens))
	events = append(events, anthropic.MessageStop())
	return events
}

// Empty reports whether the stream produced no content blocks at all.
func (s *OpenAIStreamState) Empty() bool {
	return !s.textOpen && len(s.toolIndex) == 0
}

func mapFinishReason(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "stop", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}

func chunkID(id string) string {
	if id != "" {
		return id
	}
	return "msg_" + uuid.NewString()
}

// OpenAINonStreamResponse is the decoded body of a non-streaming OpenAI
// chat completions response.
type OpenAINonStreamResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// OpenAINonStreamToAnthropic converts a complete OpenAI response into a
// complete Anthropic ResponseMessage.
func OpenAINonStreamToAnthropic(resp OpenAINonStreamResponse, model string) *anthropic.ResponseMessage {
	var blocks []anthropic.ContentBlock
	stopReason := "end_turn"

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		if choice.Message.Content != "" {
			blocks = append(blocks, anthropic.TextBlock{Type: "text", Text: choice.Message.Content})
		}
		for _, tc := range choice.Message.ToolCalls {
			blocks = append(blocks, anthropic.ToolUseBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: json.RawMessage(fmt.Sprintf("%s", orEmptyJSON(tc.Function.Arguments))),
			})
		}
		stopReason = mapFinishReason(choice.FinishReason)
	}
	if blocks == nil {
		blocks = []anthropic.ContentBlock{}
	}

	return &anthropic.ResponseMessage{
		ID:         chunkID(resp.ID),
		Type:       "message",
		Role:       anthropic.RoleAssistant,
		Model:      model,
		Content:    blocks,
		StopReason: stopReason,
		Usage: anthropic.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
}

func orEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
