// Package stream consumes the server-sent-event wire format of the
// messages API and reassembles the incremental content blocks into one
// completed assistant turn.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"parley/model"
)

// ErrProtocol marks malformed frames: unparseable JSON or deltas that
// reference a content-block index before its content_block_start.
var ErrProtocol = errors.New("stream: protocol error")

// ErrServer marks an error event reported by the server mid-stream.
var ErrServer = errors.New("stream: server error")

// EventType is the decoded SSE frame type.
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
	EventPing              EventType = "ping"
	EventError             EventType = "error"
)

// DeltaType discriminates the content_block_delta payload variants.
type DeltaType string

const (
	DeltaText      DeltaType = "text_delta"
	DeltaInputJSON DeltaType = "input_json_delta"
	DeltaThinking  DeltaType = "thinking_delta"
	DeltaSignature DeltaType = "signature_delta"
)

// BlockStart describes the block announced by content_block_start.
type BlockStart struct {
	Kind model.BlockKind
	ID   string // tool_use
	Name string // tool_use
	Data string // redacted_thinking opaque blob
}

// Delta is one incremental fragment for a started block.
type Delta struct {
	Type        DeltaType
	Text        string
	PartialJSON string
	Thinking    string
	Signature   string
}

// Event is one typed decoder output.
type Event struct {
	Type       EventType
	Index      int
	Block      *BlockStart
	Delta      *Delta
	StopReason model.StopReason
	Usage      *model.Usage
	ErrKind    string
	ErrDetail  string
	Raw        json.RawMessage
}

// Wire shapes. Only the fields the decoder consumes are declared.

type wireEvent struct {
	Type         string            `json:"type"`
	Index        *int              `json:"index"`
	Message      *wireMessage      `json:"message"`
	ContentBlock *wireContentBlock `json:"content_block"`
	Delta        *wireDelta        `json:"delta"`
	Usage        *model.Usage      `json:"usage"`
	Error        *wireError        `json:"error"`
}

type wireMessage struct {
	ID    string       `json:"id"`
	Model string       `json:"model"`
	Usage *model.Usage `json:"usage"`
}

type wireContentBlock struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Data      string `json:"data"` // redacted_thinking
	Signature string `json:"signature"`
}

type wireDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
	Thinking    string `json:"thinking"`
	Signature   string `json:"signature"`
	StopReason  string `json:"stop_reason"`
}

type wireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

const (
	dataPrefix    = "data:"
	doneSentinel  = "[DONE]"
	maxLineBuffer = 1024 * 1024
)

// Decoder frames an SSE byte stream into typed events.
type Decoder struct {
	scanner *bufio.Scanner
	started map[int]bool
}

// NewDecoder wraps the response body. The line buffer tolerates frames up
// to 1 MiB, which covers large tool-input deltas.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBuffer)
	return &Decoder{scanner: sc, started: make(map[int]bool)}
}

// Decode reads frames until the stream ends, emitting each typed event.
// Cancellation is observed between reads. A server error event is emitted
// and then returned as ErrServer; malformed frames return ErrProtocol.
func (d *Decoder) Decode(ctx context.Context, emit func(Event)) error {
	for d.scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(d.scanner.Text())
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
		if data == "" {
			continue
		}
		if data == doneSentinel {
			return nil
		}

		ev, err := d.decodeFrame([]byte(data))
		if err != nil {
			return err
		}
		if ev.Type == "" {
			continue
		}
		emit(ev)
		if ev.Type == EventError {
			return fmt.Errorf("%w: %s: %s", ErrServer, ev.ErrKind, ev.ErrDetail)
		}
		if ev.Type == EventMessageStop {
			return nil
		}
	}

	if err := d.scanner.Err(); err != nil {
		// A cancelled request closes the body mid-read; report the
		// cancellation rather than the IO error it causes.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	// Server closed the stream without message_stop; treated as end.
	return nil
}

func (d *Decoder) decodeFrame(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: bad frame: %v", ErrProtocol, err)
	}

	ev := Event{Raw: json.RawMessage(append([]byte(nil), data...))}
	if w.Index != nil {
		ev.Index = *w.Index
	}

	switch w.Type {
	case "ping":
		ev.Type = EventPing

	case "message_start":
		ev.Type = EventMessageStart
		if w.Message != nil && w.Message.Usage != nil {
			ev.Usage = w.Message.Usage
		}

	case "content_block_start":
		ev.Type = EventContentBlockStart
		if w.ContentBlock == nil {
			return Event{}, fmt.Errorf("%w: content_block_start without content_block", ErrProtocol)
		}
		ev.Block = &BlockStart{
			Kind: model.BlockKind(w.ContentBlock.Type),
			ID:   w.ContentBlock.ID,
			Name: w.ContentBlock.Name,
			Data: w.ContentBlock.Data,
		}
		d.started[ev.Index] = true

	case "content_block_delta":
		ev.Type = EventContentBlockDelta
		if !d.started[ev.Index] {
			return Event{}, fmt.Errorf("%w: delta for unstarted block index %d", ErrProtocol, ev.Index)
		}
		if w.Delta == nil {
			return Event{}, fmt.Errorf("%w: content_block_delta without delta", ErrProtocol)
		}
		ev.Delta = &Delta{
			Type:        DeltaType(w.Delta.Type),
			Text:        w.Delta.Text,
			PartialJSON: w.Delta.PartialJSON,
			Thinking:    w.Delta.Thinking,
			Signature:   w.Delta.Signature,
		}

	case "content_block_stop":
		ev.Type = EventContentBlockStop
		if !d.started[ev.Index] {
			return Event{}, fmt.Errorf("%w: stop for unstarted block index %d", ErrProtocol, ev.Index)
		}

	case "message_delta":
		ev.Type = EventMessageDelta
		if w.Delta != nil && w.Delta.StopReason != "" {
			ev.StopReason = model.StopReason(w.Delta.StopReason)
		}
		ev.Usage = w.Usage

	case "message_stop":
		ev.Type = EventMessageStop

	case "error":
		ev.Type = EventError
		if w.Error != nil {
			ev.ErrKind = w.Error.Type
			ev.ErrDetail = w.Error.Message
		}

	default:
		// Unknown frame types are skipped for forward compatibility.
		ev.Type = ""
	}

	return ev, nil
}
