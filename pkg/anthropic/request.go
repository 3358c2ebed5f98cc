package anthropic

import "encoding/json"

// Tool describes a single callable tool offered to the model.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolChoiceType selects how the model should use the offered tools.
type ToolChoiceType string

const (
	ToolChoiceAuto ToolChoiceType = "auto"
	ToolChoiceAny  ToolChoiceType = "any"
	ToolChoiceTool ToolChoiceType = "tool"
)

// ToolChoice mirrors the Anthropic {type, name} shape.
type ToolChoice struct {
	Type ToolChoiceType `json:"type"`
	Name string         `json:"name,omitempty"`
}

// Thinking configures extended-thinking budget.
type Thinking struct {
	BudgetTokens int `json:"budget_tokens"`
}

// Request is the decoded body of POST /v1/messages.
type Request struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        *MessageContent `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Thinking      *Thinking       `json:"thinking,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
}

// SystemText returns the system prompt concatenated to a single string,
// whichever wire shape it arrived in.
func (r *Request) SystemText() string {
	if r.System == nil {
		return ""
	}
	return r.System.ConcatText()
}
