// Package provider builds chat requests and streams responses from the
// messages endpoint.
package provider

import (
	"encoding/json"

	"parley/model"
)

// Request is the JSON body sent to the messages endpoint.
type Request struct {
	Model       string           `json:"model"`
	Messages    []MessageParam   `json:"messages"`
	System      []SystemParam    `json:"system,omitempty"`
	Tools       []ToolParam      `json:"tools,omitempty"`
	ToolChoice  *ToolChoiceParam `json:"tool_choice,omitempty"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
	Thinking    *ThinkingParam   `json:"thinking,omitempty"`
	Stream      bool             `json:"stream"`
}

// MessageParam is one conversation turn on the wire.
type MessageParam struct {
	Role    string       `json:"role"`
	Content []BlockParam `json:"content"`
}

// SystemParam is one system prompt block.
type SystemParam struct {
	Type         string      `json:"type"`
	Text         string      `json:"text"`
	CacheControl *CacheParam `json:"cache_control,omitempty"`
}

// ToolParam is one tool definition on the wire.
type ToolParam struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema"`
	CacheControl *CacheParam     `json:"cache_control,omitempty"`
}

// ToolChoiceParam steers tool selection. Named choices carry the name.
type ToolChoiceParam struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// ThinkingParam enables extended thinking with a token budget.
type ThinkingParam struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// CacheParam marks the prefix through the carrying block as cacheable.
type CacheParam struct {
	Type string `json:"type"`
	TTL  string `json:"ttl,omitempty"`
}

// ImageSourceParam carries inline image data.
type ImageSourceParam struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// BlockParam is one content block on the wire; Type selects which fields
// are set.
type BlockParam struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *ImageSourceParam `json:"source,omitempty"`

	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	Data string `json:"data,omitempty"`

	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	ToolUseID string       `json:"tool_use_id,omitempty"`
	Content   []BlockParam `json:"content,omitempty"`
	IsError   bool         `json:"is_error,omitempty"`

	CacheControl *CacheParam `json:"cache_control,omitempty"`
}

func ephemeral() *CacheParam {
	return &CacheParam{Type: "ephemeral"}
}

func cacheParam(m *model.CacheMarker) *CacheParam {
	if m == nil {
		return nil
	}
	return &CacheParam{Type: "ephemeral", TTL: string(m.TTL)}
}

func blockParam(b model.ContentBlock) BlockParam {
	out := BlockParam{CacheControl: cacheParam(b.Cache)}
	switch b.Kind {
	case model.BlockText:
		out.Type = "text"
		out.Text = b.Text
	case model.BlockImage:
		out.Type = "image"
		out.Source = &ImageSourceParam{Type: "base64", MediaType: b.MediaType, Data: b.Data}
	case model.BlockThinking:
		out.Type = "thinking"
		out.Thinking = b.Thinking
		out.Signature = b.Signature
	case model.BlockRedactedThinking:
		out.Type = "redacted_thinking"
		out.Data = b.Redacted
	case model.BlockToolUse:
		out.Type = "tool_use"
		out.ID = b.ID
		out.Name = b.Name
		out.Input = b.Input
		if out.Input == nil {
			out.Input = map[string]any{}
		}
	case model.BlockToolResult:
		out.Type = "tool_result"
		out.ToolUseID = b.ToolUseID
		out.IsError = b.IsError
		for _, nested := range b.Content {
			out.Content = append(out.Content, blockParam(nested))
		}
	}
	return out
}
