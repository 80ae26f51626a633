// Package history validates and repairs persisted conversation history so
// it always alternates user/assistant, never opens with an orphan assistant
// turn, never closes with an unanswered user turn, and keeps every
// tool_use paired with its tool_result.
package history

import (
	"log/slog"
	"strings"

	"parley/model"
)

// maxRepairPasses bounds the repair loop. The stages can disturb each
// other's work (a dropped orphan result hollows out a placeholder another
// stage inserted), so the pipeline reruns until the history settles.
const maxRepairPasses = 4

// Normalize deterministically repairs a loaded history. It never fails:
// input beyond repair yields an empty history and a logged warning.
// Normalize(Normalize(h)) == Normalize(h).
func Normalize(msgs []model.Message) []model.Message {
	if Valid(msgs) {
		return msgs
	}

	out := msgs
	for pass := 0; pass < maxRepairPasses && !Valid(out); pass++ {
		out = clean(out)
		out = collapseRepeats(out)
		out = enforceAlternation(out)
		out = removeSandwiches(out)
		out = collapseRuns(out)
		out = dropPlaceholderRuns(out)
		out = repairToolPairs(out)
		out = bookend(out)
		out = verify(out)
	}
	if !Valid(out) {
		slog.Warn("history failed to settle, discarding", "messages", len(out))
		return nil
	}
	if allPlaceholders(out) {
		slog.Warn("history reduced to placeholders, discarding", "messages", len(out))
		return nil
	}
	return out
}

func allPlaceholders(msgs []model.Message) bool {
	for _, m := range msgs {
		if !m.IsPlaceholder() {
			return false
		}
	}
	return len(msgs) > 0
}

// Valid reports whether the history already satisfies every invariant the
// normalizer enforces. A valid history passes through Normalize untouched,
// which is what makes the repair idempotent.
func Valid(msgs []model.Message) bool {
	if len(msgs) == 0 {
		return true
	}
	if msgs[0].Role != model.RoleUser || msgs[len(msgs)-1].Role != model.RoleAssistant {
		return false
	}
	for i, m := range msgs {
		if len(m.Blocks) == 0 {
			return false
		}
		if i > 0 {
			if m.Role == msgs[i-1].Role {
				return false
			}
			if disposable(m) && disposable(msgs[i-1]) {
				return false
			}
		}
	}
	return toolPairsSatisfied(msgs)
}

func toolPairsSatisfied(msgs []model.Message) bool {
	for i, m := range msgs {
		if m.Role == model.RoleAssistant {
			for _, use := range m.ToolUses() {
				if i+1 >= len(msgs) || !hasToolResult(msgs[i+1], use.ID) {
					return false
				}
			}
		}
		if m.Role == model.RoleUser {
			for _, id := range m.ToolResultIDs() {
				if i == 0 || !hasToolUse(msgs[i-1], id) {
					return false
				}
			}
		}
	}
	return true
}

func hasToolResult(m model.Message, id string) bool {
	for _, rid := range m.ToolResultIDs() {
		if rid == id {
			return true
		}
	}
	return false
}

func hasToolUse(m model.Message, id string) bool {
	for _, use := range m.ToolUses() {
		if use.ID == id {
			return true
		}
	}
	return false
}

// disposable reports a placeholder that carries no tool blocks. A tool
// result placeholder is anchored to a real tool_use and must survive the
// placeholder-pruning stages.
func disposable(m model.Message) bool {
	if !m.IsPlaceholder() {
		return false
	}
	for _, b := range m.Blocks {
		if b.Kind == model.BlockToolUse || b.Kind == model.BlockToolResult {
			return false
		}
	}
	return true
}

// clean drops messages with no non-empty content; within a message it drops
// empty text blocks and deduplicates identical text bodies, keeping the
// first occurrence.
func clean(msgs []model.Message) []model.Message {
	var out []model.Message
	for _, m := range msgs {
		seen := make(map[string]bool)
		var blocks []model.ContentBlock
		for _, b := range m.Blocks {
			if b.Kind == model.BlockText {
				body := strings.TrimSpace(b.Text)
				if body == "" || seen[b.Text] {
					continue
				}
				seen[b.Text] = true
			}
			blocks = append(blocks, b)
		}
		if len(blocks) == 0 {
			continue
		}
		m.Blocks = blocks
		out = append(out, m)
	}
	return out
}

// sameMessage reports whether two messages are repeats of each other:
// same role, same block count, same leading text.
func sameMessage(a, b model.Message) bool {
	return a.Role == b.Role && len(a.Blocks) == len(b.Blocks) && a.FirstText() == b.FirstText()
}

// collapseRepeats drops the artifact in an A/placeholder/A window where
// both A's repeat the same message, keeping the newer A.
func collapseRepeats(msgs []model.Message) []model.Message {
	var out []model.Message
	for i := 0; i < len(msgs); i++ {
		if i+2 < len(msgs) && msgs[i+1].IsPlaceholder() && sameMessage(msgs[i], msgs[i+2]) {
			out = append(out, msgs[i+2])
			i += 2
			continue
		}
		out = append(out, msgs[i])
	}
	return out
}

// enforceAlternation inserts an opposite-role placeholder between any two
// consecutive messages that share a role. Between two assistant messages
// where the first ends with a tool_use, the placeholder is the matching
// user tool_result.
func enforceAlternation(msgs []model.Message) []model.Message {
	var out []model.Message
	for _, m := range msgs {
		if len(out) > 0 && out[len(out)-1].Role == m.Role {
			prev := out[len(out)-1]
			switch m.Role {
			case model.RoleAssistant:
				if id := prev.LastToolUseID(); id != "" {
					out = append(out, model.ToolResultPlaceholder(id))
				} else {
					out = append(out, model.UserPlaceholder())
				}
			default:
				out = append(out, model.AssistantPlaceholder())
			}
		}
		out = append(out, m)
	}
	return out
}

// removeSandwiches deletes placeholder, real, placeholder triples: the
// real message was wedged between artifacts and is unreliable.
func removeSandwiches(msgs []model.Message) []model.Message {
	var out []model.Message
	for i := 0; i < len(msgs); i++ {
		if i+2 < len(msgs) &&
			disposable(msgs[i]) && !msgs[i+1].IsPlaceholder() && disposable(msgs[i+2]) {
			i += 2
			continue
		}
		out = append(out, msgs[i])
	}
	return out
}

// collapseRuns reduces any run of consecutive same-role messages to its
// last element.
func collapseRuns(msgs []model.Message) []model.Message {
	var out []model.Message
	for _, m := range msgs {
		if len(out) > 0 && out[len(out)-1].Role == m.Role {
			out[len(out)-1] = m
			continue
		}
		out = append(out, m)
	}
	return out
}

// dropPlaceholderRuns removes adjacent placeholders (keeping the first)
// and, in a remaining placeholder, real, placeholder triple, keeps only
// the first placeholder.
func dropPlaceholderRuns(msgs []model.Message) []model.Message {
	var pass1 []model.Message
	for _, m := range msgs {
		if len(pass1) > 0 && pass1[len(pass1)-1].IsPlaceholder() && disposable(m) {
			continue
		}
		pass1 = append(pass1, m)
	}

	var out []model.Message
	for i := 0; i < len(pass1); i++ {
		if i+2 < len(pass1) &&
			disposable(pass1[i]) && !pass1[i+1].IsPlaceholder() && disposable(pass1[i+2]) {
			out = append(out, pass1[i])
			i += 2
			continue
		}
		out = append(out, pass1[i])
	}
	return out
}

// repairToolPairs makes tool pairing bidirectionally consistent: every
// tool_use gets a tool_result in the following user message, and orphan
// tool_result blocks are dropped.
func repairToolPairs(msgs []model.Message) []model.Message {
	out := make([]model.Message, len(msgs))
	copy(out, msgs)

	for i := range out {
		if out[i].Role != model.RoleUser {
			continue
		}
		var prevUses map[string]bool
		if i > 0 && out[i-1].Role == model.RoleAssistant {
			prevUses = make(map[string]bool)
			for _, use := range out[i-1].ToolUses() {
				prevUses[use.ID] = true
			}
		}
		var blocks []model.ContentBlock
		for _, b := range out[i].Blocks {
			if b.Kind == model.BlockToolResult && !prevUses[b.ToolUseID] {
				continue
			}
			blocks = append(blocks, b)
		}
		// A placeholder stripped of its tool_result is no longer anchored
		// to anything; keeping its sentinel text would leave a degenerate
		// message the pruning stages cannot classify.
		if len(blocks) == 0 || (out[i].IsPlaceholder() && len(blocks) < len(out[i].Blocks)) {
			out[i] = model.UserPlaceholder()
			continue
		}
		out[i].Blocks = blocks
	}

	for i := range out {
		if out[i].Role != model.RoleAssistant || i+1 >= len(out) {
			continue
		}
		next := &out[i+1]
		if next.Role != model.RoleUser {
			continue
		}
		for _, use := range out[i].ToolUses() {
			if hasToolResult(*next, use.ID) {
				continue
			}
			if len(next.Blocks) == 0 || next.Blocks[0].Kind != model.BlockText {
				next.Blocks = append([]model.ContentBlock{model.NewTextBlock(model.PlaceholderUserToolResult)}, next.Blocks...)
			}
			next.Blocks = append(next.Blocks, model.ContentBlock{
				Kind:      model.BlockToolResult,
				ToolUseID: use.ID,
				Content:   []model.ContentBlock{model.NewTextBlock(model.PlaceholderUserToolResult)},
			})
		}
	}
	return out
}

// bookend brackets the history with valid endpoints.
func bookend(msgs []model.Message) []model.Message {
	if len(msgs) == 0 {
		return msgs
	}
	if msgs[0].Role == model.RoleAssistant {
		msgs = append([]model.Message{model.UserPlaceholder()}, msgs...)
	}
	last := msgs[len(msgs)-1]
	switch {
	case last.Role == model.RoleUser:
		msgs = append(msgs, model.AssistantPlaceholder())
	case last.Role == model.RoleAssistant && last.LastToolUseID() != "":
		msgs = append(msgs, model.ToolResultPlaceholder(last.LastToolUseID()))
	}
	return msgs
}

// verify checks the endpoint and alternation invariants; on failure it
// rebuilds the longest alternating suffix starting from the first user
// message and closes with an assistant placeholder if needed. Within a
// same-role run a real message replaces a kept placeholder, so repair
// artifacts never win over user content.
func verify(msgs []model.Message) []model.Message {
	if len(msgs) == 0 {
		return msgs
	}
	ok := msgs[0].Role == model.RoleUser && msgs[len(msgs)-1].Role == model.RoleAssistant
	for i := 1; ok && i < len(msgs); i++ {
		if msgs[i].Role == msgs[i-1].Role {
			ok = false
		}
	}
	if ok {
		return msgs
	}

	start := -1
	for i, m := range msgs {
		if m.Role == model.RoleUser {
			start = i
			break
		}
	}
	if start < 0 {
		slog.Warn("history beyond repair, discarding", "messages", len(msgs))
		return nil
	}

	var out []model.Message
	for _, m := range msgs[start:] {
		if len(out) > 0 && out[len(out)-1].Role == m.Role {
			if out[len(out)-1].IsPlaceholder() && !m.IsPlaceholder() {
				out[len(out)-1] = m
			}
			continue
		}
		out = append(out, m)
	}
	if len(out) > 0 && out[len(out)-1].Role == model.RoleUser {
		out = append(out, model.AssistantPlaceholder())
	}
	return out
}
