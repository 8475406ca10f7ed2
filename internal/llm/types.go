package llm

import (
	"encoding/json"
	"fmt"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

// ContentPart is either a text part or an image reference. Exactly one of
// Text and ImageURL is meaningful, selected by Type.
type ContentPart struct {
	Type     PartType  `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

func ImagePart(uri string) ContentPart {
	return ContentPart{Type: PartImageURL, ImageURL: &ImageURL{URL: uri}}
}

// Message keeps its parts in order. A message made of a single text part is
// encoded with a plain string content.
type Message struct {
	Role    Role
	Content []ContentPart
}

func UserMessage(parts ...ContentPart) Message {
	return Message{Role: RoleUser, Content: parts}
}

func UserText(text string) Message {
	return UserMessage(TextPart(text))
}

func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Content) == 1 && m.Content[0].Type == PartText {
		return json.Marshal(struct {
			Role    Role   `json:"role"`
			Content string `json:"content"`
		}{m.Role, m.Content[0].Text})
	}

	parts := m.Content
	if parts == nil {
		parts = []ContentPart{}
	}
	return json.Marshal(struct {
		Role    Role          `json:"role"`
		Content []ContentPart `json:"content"`
	}{m.Role, parts})
}

type JSONRichMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var rich JSONRichMessage
	if err := json.Unmarshal(data, &rich); err != nil {
		return err
	}

	m.Role = Role(rich.Role)
	m.Content = nil

	if len(rich.Content) == 0 || string(rich.Content) == "null" {
		return nil
	}

	var text string
	if err := json.Unmarshal(rich.Content, &text); err == nil {
		m.Content = []ContentPart{TextPart(text)}
		return nil
	}

	var parts []ContentPart
	if err := json.Unmarshal(rich.Content, &parts); err != nil {
		return fmt.Errorf("message content is neither a string nor a part list: %w", err)
	}
	m.Content = parts
	return nil
}

// CompletionRequest is what callers ask for. Temperature is not exposed: every
// request is sent with temperature 0.
type CompletionRequest struct {
	Model     string
	Messages  []Message
	MaxTokens int // <= 0 leaves the cap to the server
	Stream    bool
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

func (r CompletionRequest) wire() chatRequest {
	maxTokens := r.MaxTokens
	if maxTokens < 0 {
		maxTokens = 0
	}
	return chatRequest{
		Model:       r.Model,
		Messages:    r.Messages,
		Temperature: 0,
		Stream:      r.Stream,
		MaxTokens:   maxTokens,
	}
}

type completionResponse struct {
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (r completionResponse) text() string {
	if len(r.Choices) == 0 || r.Choices[0].Message == nil || r.Choices[0].Message.Content == nil {
		return ""
	}
	return *r.Choices[0].Message.Content
}

type StreamChunk struct {
	Choices []StreamChoice `json:"choices"`
}

type StreamChoice struct {
	Index        int          `json:"index"`
	Delta        *StreamDelta `json:"delta"`
	FinishReason *string      `json:"finish_reason,omitempty"`
}

type StreamDelta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content"`
}

// DeltaContent returns choices[0].delta.content when present and non-null.
func (c StreamChunk) DeltaContent() (string, bool) {
	if len(c.Choices) == 0 || c.Choices[0].Delta == nil || c.Choices[0].Delta.Content == nil {
		return "", false
	}
	return *c.Choices[0].Delta.Content, true
}

type ModelList struct {
	Object string  `json:"object,omitempty"`
	Data   []Model `json:"data"`
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}
