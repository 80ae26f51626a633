package stream

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"parley/model"
)

// StoppedMarker is appended to the last text block of a turn that was
// cancelled mid-generation.
const StoppedMarker = "[generation stopped]"

// accumulator collects the deltas for one content-block index.
type accumulator struct {
	kind      model.BlockKind
	id        string
	name      string
	buf       strings.Builder // text / thinking / partial tool-input JSON
	signature string
	redacted  string
	first     bool // next text fragment is the block's first
	done      bool
	input     map[string]any
}

// Assembler folds decoder events into one assistant turn and republishes
// each event on the UI bus. It owns no state beyond the in-progress turn.
type Assembler struct {
	bus        *model.Bus
	blocks     map[int]*accumulator
	order      []int
	stopReason model.StopReason
	usage      model.Usage
}

// NewAssembler creates an assembler publishing to bus. A nil bus disables
// republication.
func NewAssembler(bus *model.Bus) *Assembler {
	return &Assembler{bus: bus, blocks: make(map[int]*accumulator)}
}

// Handle consumes one decoder event.
func (a *Assembler) Handle(ev Event) {
	switch ev.Type {
	case EventMessageStart:
		if ev.Usage != nil {
			a.usage.Add(*ev.Usage)
		}
		a.publish(model.EventMessageStart, "", ev.Raw)

	case EventContentBlockStart:
		acc := &accumulator{kind: ev.Block.Kind, id: ev.Block.ID, name: ev.Block.Name, redacted: ev.Block.Data, first: true}
		a.blocks[ev.Index] = acc
		a.order = append(a.order, ev.Index)
		a.publish(model.EventContentBlockStart, "", ev.Raw)

	case EventContentBlockDelta:
		acc, ok := a.blocks[ev.Index]
		if !ok || ev.Delta == nil {
			return
		}
		switch ev.Delta.Type {
		case DeltaText:
			text := ev.Delta.Text
			if acc.first {
				text = strings.TrimPrefix(text, "\n")
				acc.first = false
			}
			acc.buf.WriteString(text)
			a.publish(model.EventContentBlockDelta, text, ev.Raw)
		case DeltaInputJSON:
			acc.buf.WriteString(ev.Delta.PartialJSON)
			a.publish(model.EventContentBlockDelta, "", ev.Raw)
		case DeltaThinking:
			acc.buf.WriteString(ev.Delta.Thinking)
			a.publish(model.EventContentBlockDelta, ev.Delta.Thinking, ev.Raw)
		case DeltaSignature:
			acc.signature += ev.Delta.Signature
			a.publish(model.EventContentBlockDelta, "", ev.Raw)
		}

	case EventContentBlockStop:
		if acc, ok := a.blocks[ev.Index]; ok {
			a.finalize(acc)
		}
		a.publish(model.EventContentBlockStop, "", ev.Raw)

	case EventMessageDelta:
		if ev.StopReason != "" {
			a.stopReason = ev.StopReason
		}
		if ev.Usage != nil {
			a.usage.Add(*ev.Usage)
		}
		a.publish(model.EventMessageDelta, "", ev.Raw)

	case EventMessageStop:
		a.publish(model.EventMessageStop, "", ev.Raw)

	case EventPing:
		a.publish(model.EventPing, "", ev.Raw)

	case EventError:
		a.publish(model.EventError, ev.ErrKind+": "+ev.ErrDetail, ev.Raw)
	}
}

// finalize closes one accumulator. Tool-use input that fails to parse is
// reported as a protocol error, but the turn survives with empty input.
func (a *Assembler) finalize(acc *accumulator) {
	if acc.done {
		return
	}
	acc.done = true
	if acc.kind != model.BlockToolUse {
		return
	}
	raw := strings.TrimSpace(acc.buf.String())
	if raw == "" {
		acc.input = map[string]any{}
		return
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		acc.input = map[string]any{}
		a.publish(model.EventError, "protocol_error: bad tool input JSON for "+acc.name+": "+err.Error(), nil)
		return
	}
	acc.input = input
}

// Finish emits the completed assistant turn with blocks in ascending index
// order. When cancelled, the last text block gets the stopped marker and
// the stop reason becomes cancelled_by_user.
func (a *Assembler) Finish(cancelled bool) (model.Message, model.StopReason, model.Usage) {
	sort.Ints(a.order)

	msg := model.Message{Role: model.RoleAssistant, Timestamp: time.Now()}
	for _, idx := range a.order {
		acc := a.blocks[idx]
		a.finalize(acc)
		switch acc.kind {
		case model.BlockText:
			msg.Blocks = append(msg.Blocks, model.ContentBlock{Kind: model.BlockText, Text: acc.buf.String()})
		case model.BlockThinking:
			msg.Blocks = append(msg.Blocks, model.ContentBlock{
				Kind:      model.BlockThinking,
				Thinking:  acc.buf.String(),
				Signature: acc.signature,
			})
		case model.BlockRedactedThinking:
			msg.Blocks = append(msg.Blocks, model.ContentBlock{Kind: model.BlockRedactedThinking, Redacted: acc.redacted})
		case model.BlockToolUse:
			msg.Blocks = append(msg.Blocks, model.ContentBlock{
				Kind:  model.BlockToolUse,
				ID:    acc.id,
				Name:  acc.name,
				Input: acc.input,
			})
		}
	}

	stop := a.stopReason
	if cancelled {
		stop = model.StopCancelledByUser
		appended := false
		for i := len(msg.Blocks) - 1; i >= 0; i-- {
			if msg.Blocks[i].Kind == model.BlockText {
				if msg.Blocks[i].Text != "" {
					msg.Blocks[i].Text += " "
				}
				msg.Blocks[i].Text += StoppedMarker
				appended = true
				break
			}
		}
		if !appended {
			msg.Blocks = append(msg.Blocks, model.NewTextBlock(StoppedMarker))
		}
	}
	if stop == "" {
		stop = model.StopEndTurn
	}
	return msg, stop, a.usage
}

// Usage returns the accumulated token counts so far.
func (a *Assembler) Usage() model.Usage {
	return a.usage
}

// publish forwards an event to the bus; content carries the readable
// fragment so a renderer does not have to reparse the frame.
func (a *Assembler) publish(kind model.EventKind, content string, raw json.RawMessage) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(model.Event{Kind: kind, Content: content, JSON: raw})
}
