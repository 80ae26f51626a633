// Package tools holds the tool registry, the permission gate, and the
// pair buffer that matches asynchronous tool results back to the
// tool_use blocks that requested them.
package tools

import (
	"sort"
	"sync"
	"time"

	"parley/model"
)

// DefaultPairTimeout bounds how long a tool_use waits for its result.
const DefaultPairTimeout = 5 * time.Minute

// Pair is a matched tool_use / tool_result couple ready to rejoin the
// conversation.
type Pair struct {
	ID       string
	Use      model.Message
	Result   model.Message
	Enqueued time.Time
}

// Expired is a tool_use that never received a result within the timeout.
type Expired struct {
	ID  string
	Use model.Message
	Age time.Duration
}

type pendingUse struct {
	msg model.Message
	at  time.Time
}

// PairBuffer holds tool_use messages awaiting their results and results
// that arrived before their use was committed. All methods are safe for
// concurrent callers; no callback runs under the lock.
type PairBuffer struct {
	mu      sync.Mutex
	timeout time.Duration
	uses    map[string]pendingUse
	results map[string]model.Message
	now     func() time.Time
}

// NewPairBuffer creates a buffer. A non-positive timeout falls back to
// DefaultPairTimeout.
func NewPairBuffer(timeout time.Duration) *PairBuffer {
	if timeout <= 0 {
		timeout = DefaultPairTimeout
	}
	return &PairBuffer{
		timeout: timeout,
		uses:    make(map[string]pendingUse),
		results: make(map[string]model.Message),
		now:     time.Now,
	}
}

// BufferUse records the assistant message carrying the given tool_use id.
// If the result already arrived, the matched pair is returned and both
// entries are removed; otherwise nil.
func (b *PairBuffer) BufferUse(id string, msg model.Message) *Pair {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if result, ok := b.results[id]; ok {
		delete(b.results, id)
		return &Pair{ID: id, Use: msg, Result: result, Enqueued: now}
	}
	b.uses[id] = pendingUse{msg: msg, at: now}
	return nil
}

// BufferResult records the user message carrying the tool_result for the
// given id. If the use is pending, the matched pair is returned and both
// entries are removed; otherwise nil and the result waits for its use.
func (b *PairBuffer) BufferResult(id string, msg model.Message) *Pair {
	b.mu.Lock()
	defer b.mu.Unlock()

	if use, ok := b.uses[id]; ok {
		delete(b.uses, id)
		return &Pair{ID: id, Use: use.msg, Result: msg, Enqueued: use.at}
	}
	b.results[id] = msg
	return nil
}

// Flush returns every id-matched pair still present, in ascending enqueue
// order, and removes them. Pending uses older than the timeout are removed
// and reported as expired. Unmatched results never expire; they wait for
// their use or the end of the process.
func (b *PairBuffer) Flush() ([]Pair, []Expired) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var pairs []Pair
	var expired []Expired
	for id, use := range b.uses {
		if result, ok := b.results[id]; ok {
			pairs = append(pairs, Pair{ID: id, Use: use.msg, Result: result, Enqueued: use.at})
			delete(b.uses, id)
			delete(b.results, id)
			continue
		}
		if age := now.Sub(use.at); age > b.timeout {
			expired = append(expired, Expired{ID: id, Use: use.msg, Age: age})
			delete(b.uses, id)
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Enqueued.Before(pairs[j].Enqueued) })
	return pairs, expired
}

// PendingToolNames returns a sorted snapshot of the tool names still
// waiting for results.
func (b *PairBuffer) PendingToolNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]bool)
	var names []string
	for _, use := range b.uses {
		for _, block := range use.msg.ToolUses() {
			if !seen[block.Name] {
				seen[block.Name] = true
				names = append(names, block.Name)
			}
		}
	}
	sort.Strings(names)
	return names
}

// PendingUses returns the number of tool_use entries awaiting results.
func (b *PairBuffer) PendingUses() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.uses)
}
