package provider

import (
	"errors"
	"fmt"
	"strings"

	"parley/model"
	"parley/tools"
)

// ErrBadParams marks a request the builder refuses to assemble.
var ErrBadParams = errors.New("bad request parameters")

// ToolChoiceMode selects how the model may pick tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto  ToolChoiceMode = "auto"
	ToolChoiceAny   ToolChoiceMode = "any"
	ToolChoiceNamed ToolChoiceMode = "tool"
)

// ToolChoice pairs a mode with the tool name required by named mode.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// Params are the per-request knobs the builder consumes.
type Params struct {
	Model          string
	MaxTokens      int
	Temperature    float64
	ThinkingBudget int // 0 disables extended thinking
	ToolChoice     ToolChoice

	UseCache      bool
	CacheTools    bool
	CacheSystem   bool
	CacheMessages bool
}

// Output and thinking ceilings per model family.
const (
	sonnetMaxTokens     = 10000
	thinkingMaxTokens   = 25000
	thinkingBudget      = 15000
	defaultMaxTokens    = 8000
	sonnetThinkingSplit = 5000

	tempThinking = 1.0
	tempDefault  = 0.2
)

// ModelParams selects output-token, thinking, and temperature settings for
// the model family. Sonnet generation 4 gets its own ceiling and gates
// thinking on useThinking; any other model with thinking on gets the large
// ceiling and budget; everything else gets the defaults.
func ModelParams(modelName string, useThinking bool) Params {
	p := Params{Model: modelName}
	switch {
	case strings.Contains(modelName, "sonnet-4"):
		p.MaxTokens = sonnetMaxTokens
		p.Temperature = tempDefault
		if useThinking {
			p.ThinkingBudget = sonnetThinkingSplit
			p.Temperature = tempThinking
		}
	case useThinking:
		p.MaxTokens = thinkingMaxTokens
		p.ThinkingBudget = thinkingBudget
		p.Temperature = tempThinking
	default:
		p.MaxTokens = defaultMaxTokens
		p.Temperature = tempDefault
	}
	return p
}

// BuildRequest assembles the wire request from a history snapshot, system
// prompts, and tool definitions. The history is merged into alternating
// wire turns, tail-trimmed to end on a user turn, and cache-marked per the
// configured flags.
func BuildRequest(history []model.Message, system []string, defs []tools.Definition, p Params) (*Request, error) {
	if p.Model == "" {
		return nil, fmt.Errorf("%w: model is required", ErrBadParams)
	}
	if p.MaxTokens <= 0 {
		return nil, fmt.Errorf("%w: max tokens must be positive", ErrBadParams)
	}
	if p.ToolChoice.Mode == ToolChoiceNamed && p.ToolChoice.Name == "" {
		return nil, fmt.Errorf("%w: named tool choice needs a tool name", ErrBadParams)
	}
	for _, m := range history {
		if m.Role != model.RoleUser && m.Role != model.RoleAssistant {
			return nil, fmt.Errorf("%w: unsupported role %q in history", ErrBadParams, m.Role)
		}
		if len(m.Blocks) == 0 {
			return nil, fmt.Errorf("%w: message with no content", ErrBadParams)
		}
	}

	msgs := mergeRuns(history)
	msgs = tailTrim(msgs)
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: no messages to send", ErrBadParams)
	}

	req := &Request{
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		Stream:      true,
	}
	for _, m := range msgs {
		wm := MessageParam{Role: string(m.Role)}
		for _, b := range m.Blocks {
			wm.Content = append(wm.Content, blockParam(b))
		}
		req.Messages = append(req.Messages, wm)
	}
	for _, s := range system {
		req.System = append(req.System, SystemParam{Type: "text", Text: s})
	}
	for _, def := range defs {
		req.Tools = append(req.Tools, ToolParam{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		})
	}
	if len(defs) > 0 && p.ToolChoice.Mode != "" {
		req.ToolChoice = &ToolChoiceParam{Type: string(p.ToolChoice.Mode), Name: p.ToolChoice.Name}
	}
	if p.ThinkingBudget > 0 {
		req.Thinking = &ThinkingParam{Type: "enabled", BudgetTokens: p.ThinkingBudget}
	}

	if p.UseCache {
		applyCachePolicy(req, p)
	}
	return req, nil
}

// mergeRuns folds consecutive same-role messages into one wire turn. The
// history keeps an assistant's text and tool-use portions as separate
// entries; the wire wants them as one message.
func mergeRuns(msgs []model.Message) []model.Message {
	var out []model.Message
	for _, m := range msgs {
		if len(out) > 0 && out[len(out)-1].Role == m.Role {
			prev := &out[len(out)-1]
			prev.Blocks = append(append([]model.ContentBlock{}, prev.Blocks...), m.Blocks...)
			continue
		}
		out = append(out, m)
	}
	return out
}

// tailTrim drops trailing non-user messages so the request ends with a
// user turn.
func tailTrim(msgs []model.Message) []model.Message {
	end := len(msgs)
	for end > 0 && msgs[end-1].Role != model.RoleUser {
		end--
	}
	return msgs[:end]
}

// applyCachePolicy sets at most one tool, one system block, and two
// user-message breakpoints ephemeral, clearing stale markers elsewhere.
func applyCachePolicy(req *Request, p Params) {
	if p.CacheTools && len(req.Tools) > 0 {
		req.Tools[len(req.Tools)-1].CacheControl = ephemeral()
	}
	if p.CacheSystem && len(req.System) > 0 {
		req.System[len(req.System)-1].CacheControl = ephemeral()
	}
	if !p.CacheMessages {
		return
	}

	var userIdx []int
	for i, m := range req.Messages {
		if m.Role == string(model.RoleUser) {
			userIdx = append(userIdx, i)
		}
	}
	keep := make(map[int]bool)
	if n := len(userIdx); n > 0 {
		keep[userIdx[n-1]] = true
		if n > 1 {
			keep[userIdx[n-2]] = true
		}
	}
	for _, i := range userIdx {
		blocks := req.Messages[i].Content
		for j := range blocks {
			blocks[j].CacheControl = nil
		}
		if !keep[i] {
			continue
		}
		for j := range blocks {
			if blocks[j].Type == "text" || blocks[j].Type == "tool_result" {
				blocks[j].CacheControl = ephemeral()
				break
			}
		}
	}
}
