package model

import (
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// BlockKind discriminates the content block variants. Matching on the kind
// is exhaustive; kind-specific fields are zero for other kinds.
type BlockKind string

const (
	BlockText             BlockKind = "text"
	BlockImage            BlockKind = "image"
	BlockThinking         BlockKind = "thinking"
	BlockRedactedThinking BlockKind = "redacted_thinking"
	BlockToolUse          BlockKind = "tool_use"
	BlockToolResult       BlockKind = "tool_result"
)

// CacheTTL is the server-side lifetime hint for an ephemeral cache marker.
type CacheTTL string

const (
	CacheTTL5m CacheTTL = "5m"
	CacheTTL1h CacheTTL = "1h"
)

// CacheMarker asks the server to treat the prefix up to and including the
// carrying block as a cacheable segment.
type CacheMarker struct {
	TTL CacheTTL `json:"ttl,omitempty"`
}

// ContentBlock is a tagged union over the message content block kinds.
// Only the fields belonging to Kind are meaningful.
type ContentBlock struct {
	Kind BlockKind `json:"kind"`

	// text
	Text string `json:"text,omitempty"`

	// image
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// redacted_thinking
	Redacted string `json:"redacted,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   []ContentBlock `json:"content,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`

	Cache *CacheMarker `json:"cache,omitempty"`
}

// Message pairs a role with a non-empty ordered list of content blocks.
// Placeholder marks synthetic messages injected by the history normalizer;
// the sentinel body prefix is kept alongside for compatibility with
// previously persisted data.
type Message struct {
	Role        Role           `json:"role"`
	Blocks      []ContentBlock `json:"blocks"`
	Placeholder bool           `json:"placeholder,omitempty"`
	Timestamp   time.Time      `json:"timestamp,omitzero"`
}

// NewTextBlock returns a text content block.
func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Kind: BlockText, Text: text}
}

// NewTextMessage returns a message holding a single text block.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Blocks: []ContentBlock{NewTextBlock(text)}, Timestamp: time.Now()}
}

// FirstText returns the body of the first text block, or "".
func (m Message) FirstText() string {
	for _, b := range m.Blocks {
		if b.Kind == BlockText {
			return b.Text
		}
	}
	return ""
}

// ToolUses returns the tool_use blocks of the message in order.
func (m Message) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range m.Blocks {
		if b.Kind == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// HasToolUse reports whether any block is a tool_use.
func (m Message) HasToolUse() bool {
	return len(m.ToolUses()) > 0
}

// ToolResultIDs returns the tool-use ids echoed by the message's
// tool_result blocks.
func (m Message) ToolResultIDs() []string {
	var ids []string
	for _, b := range m.Blocks {
		if b.Kind == BlockToolResult {
			ids = append(ids, b.ToolUseID)
		}
	}
	return ids
}

// LastToolUseID returns the id of the trailing tool_use block, or "".
func (m Message) LastToolUseID() string {
	if len(m.Blocks) == 0 {
		return ""
	}
	last := m.Blocks[len(m.Blocks)-1]
	if last.Kind == BlockToolUse {
		return last.ID
	}
	return ""
}

const (
	// placeholderPrefix is the sentinel the normalizer writes and the
	// detection predicate tests. Kept bit-exact for previously persisted
	// conversations.
	placeholderPrefix = "placeholder for missing"

	PlaceholderUserText       = "placeholder for missing user text message"
	PlaceholderUserToolResult = "placeholder for missing user tool result message"
	PlaceholderAssistantText  = "placeholder for missing assistant message"
)

// IsPlaceholder reports whether the message is a normalizer artifact,
// either by the explicit discriminator or by the legacy sentinel prefix.
func (m Message) IsPlaceholder() bool {
	if m.Placeholder {
		return true
	}
	return strings.HasPrefix(m.FirstText(), placeholderPrefix)
}

// UserPlaceholder returns a synthetic user text message.
func UserPlaceholder() Message {
	m := NewTextMessage(RoleUser, PlaceholderUserText)
	m.Placeholder = true
	return m
}

// AssistantPlaceholder returns a synthetic assistant text message.
func AssistantPlaceholder() Message {
	m := NewTextMessage(RoleAssistant, PlaceholderAssistantText)
	m.Placeholder = true
	return m
}

// ToolResultPlaceholder returns a synthetic user message answering the given
// tool-use id. A leading text block is synthesized because tool_result must
// not open a message.
func ToolResultPlaceholder(toolUseID string) Message {
	return Message{
		Role: RoleUser,
		Blocks: []ContentBlock{
			NewTextBlock(PlaceholderUserToolResult),
			{
				Kind:      BlockToolResult,
				ToolUseID: toolUseID,
				Content:   []ContentBlock{NewTextBlock(PlaceholderUserToolResult)},
			},
		},
		Placeholder: true,
		Timestamp:   time.Now(),
	}
}

const (
	// KeepAlivePrompt is the bit-exact keep-alive user message body.
	KeepAlivePrompt = "This is a 'ping' to reset cache ttl, respond with 'ping ack'"

	// keepAliveMarker identifies keep-alive turns in either direction.
	keepAliveMarker = "This is a 'ping'"
)

// IsKeepAlive reports whether the message is a keep-alive ping turn. Such
// turns are excluded from the persistent store.
func (m Message) IsKeepAlive() bool {
	return strings.Contains(m.FirstText(), keepAliveMarker)
}

// StopReason is the server- or client-assigned reason a turn ended.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopToolUse         StopReason = "tool_use"
	StopMaxTokens       StopReason = "max_tokens"
	StopSequence        StopReason = "stop_sequence"
	StopCancelledByUser StopReason = "cancelled_by_user"
)

// Usage carries token accounting reported by the server.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Add folds a usage delta into the running totals. Input-side counts are
// reported once per request, output counts grow monotonically.
func (u *Usage) Add(d Usage) {
	if d.InputTokens > 0 {
		u.InputTokens = d.InputTokens
	}
	if d.OutputTokens > 0 {
		u.OutputTokens = d.OutputTokens
	}
	if d.CacheCreationInputTokens > 0 {
		u.CacheCreationInputTokens = d.CacheCreationInputTokens
	}
	if d.CacheReadInputTokens > 0 {
		u.CacheReadInputTokens = d.CacheReadInputTokens
	}
}
