package model

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// EventKind enumerates the streaming events published to the front-end.
type EventKind string

const (
	EventRawData             EventKind = "raw_data"
	EventDebug               EventKind = "debug"
	EventWarning             EventKind = "warning"
	EventMessageStart        EventKind = "message_start"
	EventContentBlockStart   EventKind = "content_block_start"
	EventContentBlockDelta   EventKind = "content_block_delta"
	EventContentBlockStop    EventKind = "content_block_stop"
	EventMessageDelta        EventKind = "message_delta"
	EventMessageStop         EventKind = "message_stop"
	EventPing                EventKind = "ping"
	EventUsage               EventKind = "usage"
	EventStatus              EventKind = "status"
	EventInteractionComplete EventKind = "interaction_complete"
	EventStopRequested       EventKind = "stop_requested"
	EventCancelled           EventKind = "cancelled"
	EventError               EventKind = "error"
)

// Event is one entry on the UI event bus. Content carries human-readable
// text (delta fragments, status lines), Tag an optional message tag, JSON
// the raw frame when one exists. Cancelled and Error are terminal for a turn.
type Event struct {
	Kind    EventKind
	Content string
	Tag     string
	JSON    json.RawMessage
}

// Bus is an ordered event channel from the orchestrator to the front-end.
// Publish never blocks the producer: when the consumer falls behind and the
// buffer fills, events are dropped and counted. Consumers that render
// streams should size the buffer generously and drain promptly.
type Bus struct {
	ch      chan Event
	dropped atomic.Int64

	closeOnce sync.Once
}

// DefaultBusSize is the buffer used by NewBus when size is not positive.
const DefaultBusSize = 512

// NewBus creates a bus with the given buffer size.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = DefaultBusSize
	}
	return &Bus{ch: make(chan Event, size)}
}

// Publish enqueues an event without blocking. Returns false if the event
// was dropped because the buffer is full.
func (b *Bus) Publish(ev Event) bool {
	select {
	case b.ch <- ev:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// Text publishes a content-only event.
func (b *Bus) Text(kind EventKind, content string) {
	b.Publish(Event{Kind: kind, Content: content})
}

// Raw publishes an event carrying a raw JSON frame.
func (b *Bus) Raw(kind EventKind, raw json.RawMessage) {
	b.Publish(Event{Kind: kind, JSON: raw})
}

// Events returns the receive side of the bus.
func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Dropped returns the number of events discarded due to backpressure.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the channel. Safe to call more than once; publishers must
// stop before Close.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.ch) })
}
