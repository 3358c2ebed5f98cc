package anthropic

import "encoding/json"

// EventType is the "type" discriminator of a streamed AnthropicEvent.
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
	EventError             EventType = "error"
)

// Usage is the token accounting attached to message_start/message_delta.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ResponseMessage is the full (non-streaming) message object, and also
// the payload of a message_start event.
type ResponseMessage struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       Role           `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      Usage          `json:"usage"`
}

// DeltaText is the payload of a content_block_delta with a text delta.
type DeltaText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// DeltaInputJSON is the payload of a content_block_delta for a streaming
// tool_use block's input; PartialJSON fragments concatenate, in emit
// order, to a complete JSON value.
type DeltaInputJSON struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

// MessageDelta carries the stop reason that precedes message_stop.
type MessageDelta struct {
	StopReason string `json:"stop_reason,omitempty"`
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Event is a single server-sent event in Anthropic shape. Index is a
// pointer because 0 is a meaningful value (the first content block) and
// must not be dropped by omitempty.
type Event struct {
	Type         EventType
	Message      *ResponseMessage
	Index        *int
	ContentBlock ContentBlock
	Delta        interface{}
	Usage        *Usage
	Error        *ErrorPayload
}

// MarshalJSON renders only the fields relevant to Type, matching the
// Anthropic wire shape for each event kind exactly.
func (e Event) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{"type": string(e.Type)}
	switch e.Type {
	case EventMessageStart:
		out["message"] = e.Message
	case EventContentBlockStart:
		out["index"] = e.Index
		out["content_block"] = e.ContentBlock
	case EventContentBlockDelta:
		out["index"] = e.Index
		out["delta"] = e.Delta
	case EventContentBlockStop:
		out["index"] = e.Index
	case EventMessageDelta:
		out["delta"] = e.Delta
		if e.Usage != nil {
			out["usage"] = e.Usage
		}
	case EventMessageStop:
		// no further fields
	case EventError:
		out["error"] = e.Error
	}
	return json.Marshal(out)
}

func intPtr(i int) *int { return &i }

// MessageStart builds a message_start event.
func MessageStart(msg *ResponseMessage) Event {
	return Event{Type: EventMessageStart, Message: msg}
}

// ContentBlockStart builds a content_block_start event.
func ContentBlockStart(index int, block ContentBlock) Event {
	return Event{Type: EventContentBlockStart, Index: intPtr(index), ContentBlock: block}
}

// ContentBlockTextDelta builds a content_block_delta event carrying text.
func ContentBlockTextDelta(index int, text string) Event {
	return Event{Type: EventContentBlockDelta, Index: intPtr(index), Delta: DeltaText{Type: "text_delta", Text: text}}
}

// ContentBlockInputJSONDelta builds a content_block_delta event carrying a
// partial_json fragment for a tool_use block's input.
func ContentBlockInputJSONDelta(index int, partialJSON string) Event {
	return Event{Type: EventContentBlockDelta, Index: intPtr(index), Delta: DeltaInputJSON{Type: "input_json_delta", PartialJSON: partialJSON}}
}

// ContentBlockStop builds a content_block_stop event.
func ContentBlockStop(index int) Event {
	return Event{Type: EventContentBlockStop, Index: intPtr(index)}
}

// MessageStop builds the terminal message_stop event.
func MessageStop() Event {
	return Event{Type: EventMessageStop}
}

// MessageDeltaEvent builds a message_delta event with stop reason and
// cumulative output usage.
func MessageDeltaEvent(stopReason string, outputTokens int) Event {
	return Event{
		Type:  EventMessageDelta,
		Delta: MessageDelta{StopReason: stopReason},
		Usage: &Usage{OutputTokens: outputTokens},
	}
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(errType, message string) Event {
	return Event{Type: EventError, Error: &ErrorPayload{Type: errType, Message: message}}
}
