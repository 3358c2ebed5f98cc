package anthropic

import "encoding/json"

// Role is the sender of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageContent is the polymorphic `content` field of a Message or the
// `system` field of a Request: either a bare string or an ordered array of
// content blocks.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
	// IsBlocks distinguishes an explicit single-element array from the
	// string shorthand, since both may render to the same text.
	IsBlocks bool
}

// NewTextContent builds a string-shorthand MessageContent.
func NewTextContent(text string) MessageContent {
	return MessageContent{Text: text}
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if !c.IsBlocks {
		return json.Marshal(c.Text)
	}
	blocks := c.Blocks
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	return json.Marshal(blocks)
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = MessageContent{Text: s}
		return nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	blocks := make([]ContentBlock, 0, len(raws))
	for _, raw := range raws {
		b, err := UnmarshalContentBlock(raw)
		if err != nil {
			return err
		}
		blocks = append(blocks, b)
	}
	*c = MessageContent{Blocks: blocks, IsBlocks: true}
	return nil
}

// ConcatText concatenates every TextBlock's text, in order, ignoring
// other block types. For string-shorthand content it returns the string
// itself.
func (c MessageContent) ConcatText() string {
	if !c.IsBlocks {
		return c.Text
	}
	out := ""
	for _, b := range c.Blocks {
		if t, ok := b.(TextBlock); ok {
			out += t.Text
		}
	}
	return out
}

// Message is a single turn of the conversation.
type Message struct {
	Role    Role           `json:"role"`
	Content MessageContent `json:"content"`
}
