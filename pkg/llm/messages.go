package llm

import (
	"encoding/base64"
	"time"
)

//----------------------------------------------------------------
// Message - the common conversation message shape
//----------------------------------------------------------------

// Message represents a single turn in a conversation.
type Message struct {
	Role      string         `json:"role"` // "user", "assistant", "system", "tool"
	Content   []ContentBlock `json:"content"`
	Timestamp int64          `json:"timestamp,omitempty"`

	// ToolCalls holds tool invocations requested by the model (role: assistant only).
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a role:tool message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Function FunctionCall `json:"function"`

	// Meta carries provider-specific state (e.g. Gemini's thought_signature).
	// Never serialized; internal use only.
	Meta map[string]any `json:"-"`
}

// FunctionCall names the tool and carries its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

//----------------------------------------------------------------
// ContentBlock - one unit of message content
//----------------------------------------------------------------

// ContentBlock is one content unit within a message.
// Supported types: text, thinking, image.
type ContentBlock struct {
	Type string `json:"type"`

	// Text holds the payload for type "text" | "thinking".
	Text string `json:"text,omitempty"`

	// Source holds the payload for type "image".
	Source *ImageSource `json:"source,omitempty"`
}

//----------------------------------------------------------------
// ImageSource - where an image block's bytes come from
//----------------------------------------------------------------

// ImageSource describes an image's origin, either inline or by URL.
type ImageSource struct {
	Type      string `json:"type"`       // "base64" | "url"
	MediaType string `json:"media_type"` // "image/jpeg", "image/png", etc.
	Data      []byte `json:"-"`          // raw bytes, never serialized directly
	URL       string `json:"url,omitempty"`
}

// MarshalJSON encodes Data as base64 when present.
func (is *ImageSource) MarshalJSON() ([]byte, error) {
	type Alias ImageSource
	if is.Type == "base64" && len(is.Data) > 0 {
		return []byte(`{"type":"base64","media_type":"` + is.MediaType + `","data":"` + base64.StdEncoding.EncodeToString(is.Data) + `"}`), nil
	}
	return []byte(`{"type":"` + is.Type + `","media_type":"` + is.MediaType + `","url":"` + is.URL + `"}`), nil
}

// UnmarshalJSON decodes a base64 "data" field back into Data.
func (is *ImageSource) UnmarshalJSON(data []byte) error {
	type Alias ImageSource
	aux := &struct {
		DataBase64 string `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(is),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.DataBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(aux.DataBase64)
		if err != nil {
			return err
		}
		is.Data = decoded
	}

	return nil
}

//----------------------------------------------------------------
// StreamChunk - one incremental piece of a streamed response
//----------------------------------------------------------------

// StreamChunk is one incremental delta of a streamed LLM response.
type StreamChunk struct {
	// ContentBlocks holds only the new content since the previous chunk.
	ContentBlocks []ContentBlock `json:"content_blocks,omitempty"`

	// ToolCalls holds incremental tool-call deltas.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// IsFinal marks the last chunk of the stream.
	IsFinal bool `json:"is_final"`

	// FinishReason is set only on the final chunk.
	FinishReason string `json:"finish_reason,omitempty"`

	// Usage may appear early for some providers, but is always present
	// on the final chunk.
	Usage *LLMUsage `json:"usage,omitempty"`
}

//----------------------------------------------------------------
// Helper Functions - Message
//----------------------------------------------------------------

// NewTextMessage builds a message containing a single text block.
func NewTextMessage(role, text string) Message {
	return Message{
		Role: role,
		Content: []ContentBlock{{
			Type: "text",
			Text: text,
		}},
		Timestamp: time.Now().Unix(),
	}
}

// NewSystemMessage builds a system message.
func NewSystemMessage(text string) Message {
	return NewTextMessage("system", text)
}

// NewUserMessage builds a user message.
func NewUserMessage(text string) Message {
	return NewTextMessage("user", text)
}

// NewAssistantMessage builds an assistant message.
func NewAssistantMessage(text string) Message {
	return NewTextMessage("assistant", text)
}

// AddContentBlock appends a content block to the message.
func (m *Message) AddContentBlock(block ContentBlock) {
	m.Content = append(m.Content, block)
}

// GetTextContent concatenates all text blocks, excluding thinking blocks.
func (m *Message) GetTextContent() string {
	var result string
	for _, block := range m.Content {
		if block.Type == "text" {
			result += block.Text
		}
	}
	return result
}

// GetThinkingContent concatenates all thinking blocks.
func (m *Message) GetThinkingContent() string {
	var result string
	for _, block := range m.Content {
		if block.Type == "thinking" {
			result += block.Text
		}
	}
	return result
}

// FilterBlocks returns only the blocks matching blockType.
func (m *Message) FilterBlocks(blockType string) []ContentBlock {
	var filtered []ContentBlock
	for _, block := range m.Content {
		if block.Type == blockType {
			filtered = append(filtered, block)
		}
	}
	return filtered
}

// HasImages reports whether the message contains any image block.
func (m *Message) HasImages() bool {
	for _, block := range m.Content {
		if block.Type == "image" {
			return true
		}
	}
	return false
}

//----------------------------------------------------------------
// Helper Functions - ContentBlock
//----------------------------------------------------------------

// NewTextBlock builds a text content block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{
		Type: "text",
		Text: text,
	}
}

// NewThinkingBlock builds a thinking content block.
func NewThinkingBlock(text string) ContentBlock {
	return ContentBlock{
		Type: "thinking",
		Text: text,
	}
}

// NewImageBlock builds an inline base64 image block.
func NewImageBlock(data []byte, mimeType string) ContentBlock {
	return ContentBlock{
		Type: "image",
		Source: &ImageSource{
			Type:      "base64",
			MediaType: mimeType,
			Data:      data,
		},
	}
}

// NewImageBlockFromURL builds an image block referencing a URL.
func NewImageBlockFromURL(url, mimeType string) ContentBlock {
	return ContentBlock{
		Type: "image",
		Source: &ImageSource{
			Type:      "url",
			MediaType: mimeType,
			URL:       url,
		},
	}
}

//----------------------------------------------------------------
// Helper Functions - StreamChunk
//----------------------------------------------------------------

// NewTextChunk builds a chunk containing a single text delta.
func NewTextChunk(text string) StreamChunk {
	return StreamChunk{
		ContentBlocks: []ContentBlock{{
			Type: "text",
			Text: text,
		}},
	}
}

// NewThinkingChunk builds a chunk containing a single thinking delta.
func NewThinkingChunk(text string) StreamChunk {
	return StreamChunk{
		ContentBlocks: []ContentBlock{{
			Type: "thinking",
			Text: text,
		}},
	}
}

// NewFinalChunk builds the terminal chunk carrying usage and finish reason.
func NewFinalChunk(reason string, usage *LLMUsage) StreamChunk {
	return StreamChunk{
		IsFinal:      true,
		FinishReason: reason,
		Usage:        usage,
	}
}

// NewErrorChunk builds a chunk surfacing an in-stream failure as a visible
// error block. err is not stored in the chunk; only message is. final sets
// IsFinal, marking whether the stream is unrecoverable and should stop.
func NewErrorChunk(message string, err error, final bool) StreamChunk {
	return StreamChunk{
		ContentBlocks: []ContentBlock{{
			Type: BlockTypeError,
			Text: message,
		}},
		IsFinal:      final,
		FinishReason: "error",
	}
}
