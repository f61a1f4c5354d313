package chat

import "encoding/json"

// ToolFunction describes an OpenAI-compatible function tool definition.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolDef describes one function tool exposed to the model.
type ToolDef struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolCallFunction is the function payload of a model tool call.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is an OpenAI-compatible tool call.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ContentPart is one element of a multimodal message body.
type ContentPart interface {
	isContentPart()
}

// TextContent is a text part of a multimodal message.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (TextContent) isContentPart() {}

// ImageContent is an image part of a multimodal message.
type ImageContent struct {
	Type     string   `json:"type"`
	ImageURL ImageURL `json:"image_url"`
}

func (ImageContent) isContentPart() {}

// ImageURL carries an image reference, either a URL or a data URL.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// Message is an OpenAI-compatible chat message.
type Message struct {
	Role         string        `json:"role"`
	Content      string        `json:"content,omitempty"`
	MultiContent []ContentPart `json:"-"`
	Name         string        `json:"name,omitempty"`
	ToolCallID   string        `json:"tool_call_id,omitempty"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
}

// MarshalJSON emits MultiContent as a content array when present, otherwise
// the plain string content. Tool messages always carry a content field.
func (m Message) MarshalJSON() ([]byte, error) {
	type wire struct {
		Role       string     `json:"role"`
		Content    any        `json:"content,omitempty"`
		Name       string     `json:"name,omitempty"`
		ToolCallID string     `json:"tool_call_id,omitempty"`
		ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	}
	w := wire{
		Role:       m.Role,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
		ToolCalls:  m.ToolCalls,
	}
	switch {
	case len(m.MultiContent) > 0:
		w.Content = m.MultiContent
	case m.Content != "" || m.Role == "tool":
		w.Content = m.Content
	}
	return json.Marshal(w)
}

// ImageMessage builds the user-role multimodal message the runner uses to
// fold a tool's image payload back into the next model turn.
func ImageMessage(caption, dataURL string) Message {
	parts := make([]ContentPart, 0, 2)
	if caption != "" {
		parts = append(parts, TextContent{Type: "text", Text: caption})
	}
	parts = append(parts, ImageContent{
		Type:     "image_url",
		ImageURL: ImageURL{URL: dataURL},
	})
	return Message{Role: "user", MultiContent: parts}
}
