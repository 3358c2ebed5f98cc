package anthropic

import "encoding/json"

// ContentBlock is a single block of a message's content array. Anthropic
// content is a tagged union on "type"; unknown tags are accepted and
// passed through opaquely so the gateway stays forward compatible with
// vendor additions it doesn't understand yet.
type ContentBlock interface {
	BlockType() string
}

// TextBlock is plain text content.
type TextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (b TextBlock) BlockType() string { return "text" }

// ImageSource describes the encoding of an ImageBlock.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ImageBlock is inline base64 image content.
type ImageBlock struct {
	Type   string      `json:"type"`
	Source ImageSource `json:"source"`
}

func (b ImageBlock) BlockType() string { return "image" }

// ToolUseBlock is a model-issued tool invocation.
type ToolUseBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

func (b ToolUseBlock) BlockType() string { return "tool_use" }

// ToolResultBlock carries the result of a previously issued tool_use back
// to the model. ToolUseID must reference a preceding ToolUseBlock.ID
// within the conversation.
type ToolResultBlock struct {
	Type      string          `json:"type"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (b ToolResultBlock) BlockType() string { return "tool_result" }

// ThinkingBlock is an opaque reasoning segment. Signature must be
// preserved byte-exact across turns for the vendor to accept it again.
type ThinkingBlock struct {
	Type      string `json:"type"`
	Thinking  string `json:"thinking"`
	Signature string `json:"signature,omitempty"`
}

func (b ThinkingBlock) BlockType() string { return "thinking" }

// RedactedThinkingBlock is a thinking block the vendor has redacted;
// Data is opaque ciphertext that must round-trip unchanged.
type RedactedThinkingBlock struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func (b RedactedThinkingBlock) BlockType() string { return "redacted_thinking" }

// UnknownBlock preserves a content block of a type the gateway doesn't
// model explicitly, so a future vendor addition survives a round-trip
// instead of being dropped or rejected.
type UnknownBlock struct {
	Type string
	Raw  json.RawMessage
}

func (b UnknownBlock) BlockType() string { return b.Type }

func (b UnknownBlock) MarshalJSON() ([]byte, error) {
	return b.Raw, nil
}

type blockEnvelope struct {
	Type string `json:"type"`
}

// UnmarshalContentBlock decodes a single content block, dispatching on its
// "type" field and falling back to UnknownBlock for anything unrecognized.
func UnmarshalContentBlock(raw json.RawMessage) (ContentBlock, error) {
	var env blockEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case "text":
		var b TextBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "image":
		var b ImageBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "tool_use":
		var b ToolUseBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "tool_result":
		var b ToolResultBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "thinking":
		var b ThinkingBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	case "redacted_thinking":
		var b RedactedThinkingBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return UnknownBlock{Type: env.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

// ContentBlocks is a list of ContentBlock that (de)serializes to/from a
// JSON array, used wherever the wire format always carries an array
// (never the string shorthand).
type ContentBlocks []ContentBlock

func (c *ContentBlocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	blocks := make(ContentBlocks, 0, len(raws))
	for _, raw := range raws {
		b, err := UnmarshalContentBlock(raw)
		if err != nil {
			return err
		}
		blocks = append(blocks, b)
	}
	*c = blocks
	return nil
}

func (c ContentBlocks) MarshalJSON() ([]byte, error) {
	out := make([]ContentBlock, len(c))
	copy(out, c)
	if out == nil {
		out = []ContentBlock{}
	}
	return json.Marshal(out)
}
