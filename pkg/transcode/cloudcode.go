package transcode

import (
	"encoding/json"

	"github.com/skyforge-ai/antigravity-gateway/pkg/anthropic"
)

// CloudCodeRequest is the vendor envelope POSTed to
// "<base>/v1internal:streamGenerateContent?alt=sse" (or its non-stream
// equivalent): a project id, a model id, and the conversation rendered
// as the vendor's own content parts.
type CloudCodeRequest struct {
	Project string              `json:"project"`
	Model   string              `json:"model"`
	Request CloudCodeInnerBody  `json:"request"`
}

type CloudCodeInnerBody struct {
	Contents          []CloudCodeContent      `json:"contents"`
	SystemInstruction *CloudCodeContent       `json:"systemInstruction,omitempty"`
	Tools             []CloudCodeTool         `json:"tools,omitempty"`
	GenerationConfig  CloudCodeGenerationConf `json:"generationConfig,omitempty"`
}

// CloudCodeContent is one turn: "user" or "model" paired with ordered
// parts.
type CloudCodeContent struct {
	Role  string          `json:"role"`
	Parts []CloudCodePart `json:"parts"`
}

// CloudCodePart is the vendor's tagged union of content within a turn.
// Exactly one of Text/FunctionCall/FunctionResponse is set; Thought
// marks a thinking part, ThoughtSignature carries the opaque signature
// that must survive a round trip unmodified.
type CloudCodePart struct {
	Text             string                 `json:"text,omitempty"`
	FunctionCall     *CloudCodeFunctionCall  `json:"functionCall,omitempty"`
	FunctionResponse *CloudCodeFuncResponse  `json:"functionResponse,omitempty"`
	Thought          bool                   `json:"thought,omitempty"`
	ThoughtSignature string                 `json:"thoughtSignature,omitempty"`
}

// CloudCodeFunctionCall carries the tool-use id through the Id field so
// a later functionResponse (and the Anthropic tool_result that produced
// it) can be matched back up; the vendor's own schema has no notion of
// tool-call ids so the gateway smuggles ours through this extension
// field rather than losing it.
type CloudCodeFunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type CloudCodeFuncResponse struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

type CloudCodeTool struct {
	FunctionDeclarations []CloudCodeFunctionDecl `json:"functionDeclarations"`
}

type CloudCodeFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type CloudCodeGenerationConf struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
	ThinkingConfig  *CloudCodeThinkingConf `json:"thinkingConfig,omitempty"`
}

type CloudCodeThinkingConf struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

// AnthropicRequestToCloudCode builds the vendor envelope for one
// account's project id, per spec §4.2/§4.5.
func AnthropicRequestToCloudCode(req *anthropic.Request, projectID string) CloudCodeRequest {
	body := CloudCodeInnerBody{
		GenerationConfig: CloudCodeGenerationConf{
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			TopK:            req.TopK,
			MaxOutputTokens: req.MaxTokens,
			StopSequences:   req.StopSequences,
		},
	}
	if req.Thinking != nil {
		body.GenerationConfig.ThinkingConfig = &CloudCodeThinkingConf{ThinkingBudget: req.Thinking.BudgetTokens}
	}
	if sys := req.SystemText(); sys != "" {
		body.SystemInstruction = &CloudCodeContent{Role: "user", Parts: []CloudCodePart{{Text: sys}}}
	}
	for _, m := range req.Messages {
		body.Contents = append(body.Contents, convertMessageToCloudCode(m))
	}
	if len(req.Tools) > 0 {
		decls := make([]CloudCodeFunctionDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, CloudCodeFunctionDecl{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
		}
		body.Tools = []CloudCodeTool{{FunctionDeclarations: decls}}
	}

	return CloudCodeRequest{Project: projectID, Model: req.Model, Request: body}
}

func cloudCodeRole(r anthropic.Role) string {
	if r == anthropic.RoleAssistant {
		return "model"
	}
	return "user"
}

func convertMessageToCloudCode(m anthropic.Message) CloudCodeContent {
	content := CloudCodeContent{Role: cloudCodeRole(m.Role)}

	if !m.Content.IsBlocks {
		content.Parts = append(content.Parts, CloudCodePart{Text: m.Content.Text})
		return content
	}

	for _, b := range m.Content.Blocks {
		switch v := b.(type) {
		case anthropic.TextBlock:
			content.Parts = append(content.Parts, CloudCodePart{Text: v.Text})
		case anthropic.ToolUseBlock:
			input := v.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			content.Parts = append(content.Parts, CloudCodePart{
				FunctionCall: &CloudCodeFunctionCall{ID: v.ID, Name: v.Name, Args: input},
			})
		case anthropic.ToolResultBlock:
			content.Parts = append(content.Parts, CloudCodePart{
				FunctionResponse: &CloudCodeFuncResponse{ID: v.ToolUseID, Name: v.ToolUseID, Response: wrapToolResultResponse(v.Content)},
			})
		case anthropic.ThinkingBlock:
			content.Parts = append(content.Parts, CloudCodePart{Text: v.Thinking, Thought: true, ThoughtSignature: v.Signature})
		case anthropic.RedactedThinkingBlock:
			content.Parts = append(content.Parts, CloudCodePart{Thought: true, ThoughtSignature: v.Data})
		}
	}
	return content
}

func wrapToolResultResponse(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{"result":""}`)
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		wrapped, _ := json.Marshal(map[string]string{"result": s})
		return wrapped
	}
	wrapped, _ := json.Marshal(map[string]json.RawMessage{"result": raw})
	return wrapped
}

// CloudCodeChunk is one decoded SSE event from the vendor stream: a
// single "candidates[0]" worth of incremental content plus optional
// usage metadata, mirroring the vendor's streamGenerateContent shape.
type CloudCodeChunk struct {
	Candidates []struct {
		Content struct {
			Parts []CloudCodePart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// CloudCodeStreamState mirrors OpenAIStreamState for the Cloud-Code
// wire shape: the vendor emits whole parts per chunk rather than raw
// text/argument fragments, so each part maps to its own
// content_block_start+delta+stop triple (a start+stop pair for thinking
// parts) instead of accumulating into a single running block. message_start is deferred until the first real
// content part, so a content-less attempt forwards nothing and the
// empty-stream retry path can reframe the next attempt from scratch
// without the client ever seeing two message_start frames.
type CloudCodeStreamState struct {
	model        string
	nextIndex    int
	InputTokens  int
	OutputTokens int
	emittedAny   bool
}

func NewCloudCodeStreamState(model string) *CloudCodeStreamState {
	return &CloudCodeStreamState{model: model}
}

// Apply consumes one decoded vendor chunk and returns the Anthropic
// events it produces. thinking blocks and their signatures pass through
// unchanged per spec §4.2's preservation requirement.
func (s *CloudCodeStreamState) Apply(chunk CloudCodeChunk) []anthropic.Event {
	var events []anthropic.Event

	if chunk.UsageMetadata != nil {
		s.InputTokens = chunk.UsageMetadata.PromptTokenCount
		s.OutputTokens = chunk.UsageMetadata.CandidatesTokenCount
	}

	if len(chunk.Candidates) == 0 {
		return events
	}

	for _, part := range chunk.Candidates[0].Content.Parts {
		events = append(events, s.emitPart(part)...)
	}
	return events
}

func (s *CloudCodeStreamState) emitPart(part CloudCodePart) []anthropic.Event {
	hasContent := part.FunctionCall != nil || part.Thought || part.Text != ""
	if !hasContent {
		return nil
	}

	var events []anthropic.Event
	if !s.emittedAny {
		s.emittedAny = true
		events = append(events, anthropic.MessageStart(&anthropic.ResponseMessage{
			ID:      chunkID(""),
			Type:    "message",
			Role:    anthropic.RoleAssistant,
			Model:   s.model,
			Content: []anthropic.ContentBlock{},
		}))
	}

	index := s.nextIndex
	s.nextIndex++

	switch {
	case part.FunctionCall != nil:
		input := part.FunctionCall.Args
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		events = append(events,
			anthropic.ContentBlockStart(index, anthropic.ToolUseBlock{Type: "tool_use", ID: part.FunctionCall.ID, Name: part.FunctionCall.Name, Input: input}),
			anthropic.ContentBlockInputJSONDelta(index, string(input)),
			anthropic.ContentBlockStop(index),
		)
	case part.Thought:
		events = append(events,
			anthropic.ContentBlockStart(index, anthropic.ThinkingBlock{Type: "thinking", Thinking: part.Text, Signature: part.ThoughtSignature}),
			anthropic.ContentBlockStop(index),
		)
	default:
		events = append(events,
			anthropic.ContentBlockStart(index, anthropic.TextBlock{Type: "text", Text: ""}),
			anthropic.ContentBlockTextDelta(index, part.Text),
			anthropic.ContentBlockStop(index),
		)
	}
	return events
}

// Finish returns the terminal message_delta/message_stop pair.
func (s *CloudCodeStreamState) Finish(finishReason string) []anthropic.Event {
	return []anthropic.Event{
		anthropic.MessageDeltaEvent(mapCloudCodeFinishReason(finishReason), s.OutputTokens),
		anthropic.MessageStop(),
	}
}

// Empty reports whether the stream produced no content parts at all.
func (s *CloudCodeStreamState) Empty() bool {
	return !s.emittedAny
}

func mapCloudCodeFinishReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "STOP", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}

// CloudCodeNonStreamResponse is the decoded body of a non-streaming
// vendor response.
type CloudCodeNonStreamResponse struct {
	Candidates []struct {
		Content struct {
			Parts []CloudCodePart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// CloudCodeNonStreamToAnthropic converts a complete vendor response into
// a complete Anthropic ResponseMessage.
func CloudCodeNonStreamToAnthropic(resp CloudCodeNonStreamResponse, model string) *anthropic.ResponseMessage {
	var blocks []anthropic.ContentBlock
	stopReason := "end_turn"

	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				input := part.FunctionCall.Args
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropic.ToolUseBlock{Type: "tool_use", ID: part.FunctionCall.ID, Name: part.FunctionCall.Name, Input: input})
			case part.Thought:
				blocks = append(blocks, anthropic.ThinkingBlock{Type: "thinking", Thinking: part.Text, Signature: part.ThoughtSignature})
			case part.Text != "":
				blocks = append(blocks, anthropic.TextBlock{Type: "text", Text: part.Text})
			}
		}
		stopReason = mapCloudCodeFinishReason(cand.FinishReason)
	}
	if blocks == nil {
		blocks = []anthropic.ContentBlock{}
	}

	return &anthropic.ResponseMessage{
		ID:         chunkID(""),
		Type:       "message",
		Role:       anthropic.RoleAssistant,
		Model:      model,
		Content:    blocks,
		StopReason: stopReason,
		Usage: anthropic.Usage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		},
	}
}
