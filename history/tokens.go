package history

import (
	"encoding/json"

	"github.com/pkoukk/tiktoken-go"

	"parley/model"
)

// encodingName is the tokenizer used for estimates. Counts are approximate
// for non-OpenAI models but close enough for context-size reporting.
const encodingName = "cl100k_base"

// EstimateTokens returns the approximate token footprint of the history:
// text, thinking and tool bodies plus a small per-message overhead.
func EstimateTokens(msgs []model.Message) int {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		// Fall back to the usual bytes-per-token heuristic.
		total := 0
		for _, m := range msgs {
			for _, b := range m.Blocks {
				total += len(blockBody(b)) / 4
			}
		}
		return total
	}

	const perMessageOverhead = 4
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		for _, b := range m.Blocks {
			body := blockBody(b)
			if body == "" {
				continue
			}
			total += len(enc.Encode(body, nil, nil))
		}
	}
	return total
}

func blockBody(b model.ContentBlock) string {
	switch b.Kind {
	case model.BlockText:
		return b.Text
	case model.BlockThinking:
		return b.Thinking
	case model.BlockToolUse:
		raw, _ := json.Marshal(b.Input)
		return b.Name + string(raw)
	case model.BlockToolResult:
		body := ""
		for _, nested := range b.Content {
			body += nested.Text
		}
		return body
	default:
		return ""
	}
}
