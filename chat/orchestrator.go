// Package chat owns the conversation: history, the tool-pair buffer, the
// keep-alive timer, and the single in-flight request.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"parley/history"
	"parley/model"
	"parley/provider"
	"parley/timer"
	"parley/tools"
)

const (
	// ToolCalledText stands in for an assistant turn that carried only
	// tool_use blocks, so role alternation holds.
	ToolCalledText = "[Tool called]"

	// toolResultLead opens a tool-result message; a tool_result block must
	// not be the first block of a message.
	toolResultLead = "[Tool result]"

	pendingNoticeFormat = "[NOTE: Tool(s) '%s' are still processing.]\n\n"
)

// Streamer sends one request and returns the assembled assistant turn.
type Streamer interface {
	Stream(ctx context.Context, req *provider.Request) (model.Message, model.StopReason, model.Usage, error)
}

// Store is the persistent conversation log.
type Store interface {
	Append(msg model.Message) error
	LoadRecent(n, truncateChars int) ([]model.Message, error)
}

// Options configure an orchestrator.
type Options struct {
	Model         string
	SystemPrompts []string
	UseThinking   bool
	ToolsEnabled  bool

	UseCache      bool
	CacheTools    bool
	CacheSystem   bool
	CacheMessages bool

	KeepAliveInterval time.Duration
	ToolTimeout       time.Duration
}

// ToolResult is one completed tool execution handed back by a runner.
type ToolResult struct {
	ID      string
	Lines   []string
	IsError bool
}

// Orchestrator is the single owner of history, the pair buffer, and the
// keep-alive timer. At most one request is in flight; concurrent sends
// queue behind it.
type Orchestrator struct {
	opts     Options
	client   Streamer
	store    Store // nil disables persistence
	bus      *model.Bus
	registry *tools.Registry
	gate     *tools.Gate
	buffer   *tools.PairBuffer

	keepAlive *timer.Timer

	mu           sync.Mutex // history, cancel, timerStarted
	msgs         []model.Message
	cancel       context.CancelFunc
	timerStarted bool

	sendMu sync.Mutex // serializes streams

	handlers errgroup.Group
}

type sendOpts struct {
	display  bool
	persist  bool
	userTurn bool // resets the tool chain and gets the pending-tool notice
}

// New creates an orchestrator. The keep-alive timer is armed but not
// started; the first send starts it.
func New(client Streamer, store Store, bus *model.Bus, reg *tools.Registry, gate *tools.Gate, opts Options) *Orchestrator {
	o := &Orchestrator{
		opts:     opts,
		client:   client,
		store:    store,
		bus:      bus,
		registry: reg,
		gate:     gate,
		buffer:   tools.NewPairBuffer(opts.ToolTimeout),
	}
	o.keepAlive = timer.New(timer.Callbacks{
		OnCompleted: func() {
			go func() {
				if err := o.SendKeepAlive(context.Background()); err != nil {
					slog.Warn("keep-alive send failed", "err", err)
				}
			}()
		},
	})
	if opts.KeepAliveInterval > 0 {
		o.keepAlive.SetInterval(opts.KeepAliveInterval, true)
	}
	return o
}

// SendUser submits a user message. display republishes the text on the
// bus; persist writes the message to the store.
func (o *Orchestrator) SendUser(ctx context.Context, text string, display, persist bool) error {
	msg := model.NewTextMessage(model.RoleUser, text)
	return o.send(ctx, msg, sendOpts{display: display, persist: persist, userTurn: true})
}

// SendKeepAlive submits the cache-refresh ping. Neither the ping nor the
// reply is persisted or displayed.
func (o *Orchestrator) SendKeepAlive(ctx context.Context) error {
	msg := model.NewTextMessage(model.RoleUser, model.KeepAlivePrompt)
	return o.send(ctx, msg, sendOpts{userTurn: true})
}

// RequestStop cancels the in-flight stream, if any. Returns whether a
// stream was running.
func (o *Orchestrator) RequestStop() bool {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	o.bus.Text(model.EventStopRequested, "")
	return true
}

// IngestToolResults packages completed tool executions as tool_result
// messages, pairs them with their buffered uses, and submits each matched
// pair: the tool-use turn is committed to history first, then the result
// goes through the normal send path.
func (o *Orchestrator) IngestToolResults(results []ToolResult) {
	var matched []tools.Pair
	for _, r := range results {
		msg := resultMessage(r)
		if p := o.buffer.BufferResult(r.ID, msg); p != nil {
			matched = append(matched, *p)
		}
	}

	pairs, expired := o.buffer.Flush()
	for _, e := range expired {
		slog.Warn("tool pair expired", "id", e.ID, "age", e.Age)
	}
	matched = append(matched, pairs...)
	sort.Slice(matched, func(i, j int) bool { return matched[i].Enqueued.Before(matched[j].Enqueued) })

	for _, p := range matched {
		o.commit(p.Use, true)
		if err := o.send(context.Background(), p.Result, sendOpts{persist: true}); err != nil {
			slog.Error("tool result send failed", "id", p.ID, "err", err)
		}
	}
}

// LoadHistory restores the conversation from the store, repairs it, and
// reports its size on the bus.
func (o *Orchestrator) LoadHistory(maxCount, truncateChars int, includeTools bool) error {
	if o.store == nil {
		return nil
	}
	msgs, err := o.store.LoadRecent(maxCount, truncateChars)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	if !includeTools {
		msgs = stripToolBlocks(msgs)
	}
	msgs = history.Normalize(msgs)

	o.mu.Lock()
	o.msgs = msgs
	o.mu.Unlock()

	tokens := history.EstimateTokens(msgs)
	o.bus.Text(model.EventStatus, fmt.Sprintf("loaded %d messages (~%d tokens)", len(msgs), tokens))
	return nil
}

// History returns a snapshot of the conversation.
func (o *Orchestrator) History() []model.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]model.Message, len(o.msgs))
	copy(out, o.msgs)
	return out
}

// PendingToolNames lists tools still awaiting results.
func (o *Orchestrator) PendingToolNames() []string {
	return o.buffer.PendingToolNames()
}

// Wait blocks until all dispatched tool handlers and their follow-up
// round trips have finished.
func (o *Orchestrator) Wait() {
	o.handlers.Wait()
}

// Close stops the keep-alive timer and waits for in-flight handlers.
func (o *Orchestrator) Close() {
	o.keepAlive.Dispose()
	o.handlers.Wait()
}

func (o *Orchestrator) send(ctx context.Context, userMsg model.Message, opt sendOpts) error {
	o.sendMu.Lock()

	o.startTimerOnce()
	o.keepAlive.Reset()

	// Drop expired pairs before anything else. Matching normally happens
	// on insert, so any matched pair surfacing here lost its round trip;
	// commit both halves to keep the pairing intact.
	pairs, expired := o.buffer.Flush()
	for _, e := range expired {
		slog.Warn("tool pair expired", "id", e.ID, "age", e.Age)
	}
	for _, p := range pairs {
		slog.Warn("stray matched pair, committing without round trip", "id", p.ID)
		o.commit(p.Use, true)
		o.commit(p.Result, true)
	}

	if opt.userTurn {
		o.gate.ResetChain()
		if names := o.buffer.PendingToolNames(); len(names) > 0 && !userMsg.IsKeepAlive() {
			notice := fmt.Sprintf(pendingNoticeFormat, strings.Join(names, ", "))
			userMsg.Blocks[0].Text = notice + userMsg.Blocks[0].Text
		}
	}

	keepAliveTurn := userMsg.IsKeepAlive()
	o.commit(userMsg, opt.persist && !keepAliveTurn)
	if opt.display {
		o.bus.Publish(model.Event{Kind: model.EventStatus, Tag: "user", Content: userMsg.FirstText()})
	}

	req, err := o.buildRequest()
	if err != nil {
		o.sendMu.Unlock()
		return err
	}

	sctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	o.keepAlive.Reset()

	msg, stop, usage, err := o.client.Stream(sctx, req)

	cancel()
	o.mu.Lock()
	o.cancel = nil
	o.mu.Unlock()
	o.keepAlive.Reset()

	if err != nil && len(msg.Blocks) == 0 {
		o.sendMu.Unlock()
		return err
	}

	uses := o.commitTurn(msg, keepAliveTurn)

	o.bus.Publish(model.Event{
		Kind:    model.EventUsage,
		Content: fmt.Sprintf("input=%d output=%d cache_read=%d", usage.InputTokens, usage.OutputTokens, usage.CacheReadInputTokens),
	})
	if stop == model.StopCancelledByUser {
		o.bus.Text(model.EventCancelled, "")
	}

	o.sendMu.Unlock()

	if len(uses) > 0 && stop != model.StopCancelledByUser {
		o.dispatch(uses)
	}

	o.bus.Text(model.EventInteractionComplete, "")
	o.keepAlive.Reset()
	return err
}

func (o *Orchestrator) buildRequest() (*provider.Request, error) {
	params := provider.ModelParams(o.opts.Model, o.opts.UseThinking)
	params.UseCache = o.opts.UseCache
	params.CacheTools = o.opts.CacheTools
	params.CacheSystem = o.opts.CacheSystem
	params.CacheMessages = o.opts.CacheMessages

	var defs []tools.Definition
	if o.opts.ToolsEnabled && o.registry != nil && o.registry.Len() > 0 {
		defs = o.registry.List()
		params.ToolChoice = provider.ToolChoice{Mode: provider.ToolChoiceAuto}
	}

	o.mu.Lock()
	hist := make([]model.Message, len(o.msgs))
	copy(hist, o.msgs)
	o.mu.Unlock()

	return provider.BuildRequest(hist, o.opts.SystemPrompts, defs, params)
}

// commitTurn appends the completed assistant turn to history. Turns with
// tool_use blocks are split: the text portion is committed now, the
// tool-use portion waits in the buffer until its results arrive.
func (o *Orchestrator) commitTurn(msg model.Message, keepAliveTurn bool) []model.ContentBlock {
	if len(msg.Blocks) == 0 {
		return nil
	}
	uses := msg.ToolUses()
	if len(uses) == 0 {
		o.commit(msg, !keepAliveTurn)
		return nil
	}

	var textBlocks []model.ContentBlock
	for _, b := range msg.Blocks {
		switch b.Kind {
		case model.BlockText, model.BlockThinking, model.BlockRedactedThinking:
			textBlocks = append(textBlocks, b)
		}
	}
	if len(textBlocks) == 0 {
		textBlocks = []model.ContentBlock{model.NewTextBlock(ToolCalledText)}
	}
	o.commit(model.Message{Role: model.RoleAssistant, Blocks: textBlocks, Timestamp: msg.Timestamp}, !keepAliveTurn)

	// Each id gets its own single-use message so pairs can rejoin the
	// conversation independently as their results arrive.
	for _, use := range uses {
		useMsg := model.Message{
			Role:      model.RoleAssistant,
			Blocks:    []model.ContentBlock{model.NewTextBlock(ToolCalledText), use},
			Timestamp: msg.Timestamp,
		}
		o.buffer.BufferUse(use.ID, useMsg)
	}
	return uses
}

// dispatch routes each tool_use through the permission gate. Allowed
// tools run concurrently; denied or unknown tools produce an immediate
// synthetic error result. Either way the reply reaches the model via
// IngestToolResults.
func (o *Orchestrator) dispatch(uses []model.ContentBlock) {
	for _, use := range uses {
		allowed := o.gate.IsAllowed(use.Name)
		if allowed && o.gate.Initiator() == "" {
			o.gate.StartChain(use.Name)
		}

		if !allowed {
			o.bus.Text(model.EventWarning, fmt.Sprintf("tool %s denied", use.Name))
			o.handlers.Go(func() error {
				o.IngestToolResults([]ToolResult{{ID: use.ID, Lines: []string{tools.DeniedResult(use.Name)}, IsError: true}})
				return nil
			})
			continue
		}

		def, ok := o.registry.Get(use.Name)
		if !ok {
			o.handlers.Go(func() error {
				o.IngestToolResults([]ToolResult{{ID: use.ID, Lines: []string{fmt.Sprintf("unknown tool %q", use.Name)}, IsError: true}})
				return nil
			})
			continue
		}

		o.bus.Text(model.EventStatus, fmt.Sprintf("running tool %s", use.Name))
		o.handlers.Go(func() error {
			timeout := o.opts.ToolTimeout
			if timeout <= 0 {
				timeout = tools.DefaultPairTimeout
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			lines, err := def.Handler(ctx, use.Input)
			if err != nil {
				lines = append(lines, fmt.Sprintf("tool %s failed: %v", use.Name, err))
				o.IngestToolResults([]ToolResult{{ID: use.ID, Lines: lines, IsError: true}})
				return nil
			}
			o.IngestToolResults([]ToolResult{{ID: use.ID, Lines: lines, IsError: false}})
			return nil
		})
	}
}

func (o *Orchestrator) commit(msg model.Message, persist bool) {
	o.mu.Lock()
	o.msgs = append(o.msgs, msg)
	o.mu.Unlock()

	if persist && o.store != nil {
		if err := o.store.Append(msg); err != nil {
			slog.Error("store append failed", "err", err)
			o.bus.Text(model.EventWarning, fmt.Sprintf("persistence failed: %v", err))
		}
	}
}

func (o *Orchestrator) startTimerOnce() {
	o.mu.Lock()
	started := o.timerStarted
	o.timerStarted = true
	o.mu.Unlock()
	if started || o.opts.KeepAliveInterval <= 0 {
		return
	}
	if err := o.keepAlive.Start(); err != nil {
		slog.Warn("keep-alive timer start failed", "err", err)
	}
}

func resultMessage(r ToolResult) model.Message {
	body := strings.Join(r.Lines, "\n")
	if body == "" {
		body = "tool executed with no output"
	}
	return model.Message{
		Role: model.RoleUser,
		Blocks: []model.ContentBlock{
			model.NewTextBlock(toolResultLead),
			{
				Kind:      model.BlockToolResult,
				ToolUseID: r.ID,
				Content:   []model.ContentBlock{model.NewTextBlock(body)},
				IsError:   r.IsError,
			},
		},
		Timestamp: time.Now(),
	}
}

func stripToolBlocks(msgs []model.Message) []model.Message {
	var out []model.Message
	for _, m := range msgs {
		var blocks []model.ContentBlock
		for _, b := range m.Blocks {
			if b.Kind == model.BlockToolUse || b.Kind == model.BlockToolResult {
				continue
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
