package tools

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Gate decides whether a tool invocation is allowed in the current chain
// context. A chain is opened by the first tool the assistant calls in a
// turn; subsequent calls are scoped to what that initiator may invoke.
type Gate struct {
	mu        sync.Mutex
	perms     map[string]permission
	initiator string
}

type permission struct {
	mayInitiate bool
	allowed     map[string]bool
}

// NewGate creates an empty gate. Unknown tools are always denied.
func NewGate() *Gate {
	return &Gate{perms: make(map[string]permission)}
}

// Register declares a tool's permissions: whether it may open a chain and
// which tools it may invoke while it is the initiator.
func (g *Gate) Register(name string, mayInitiate bool, allowed ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	g.perms[name] = permission{mayInitiate: mayInitiate, allowed: set}
}

// IsAllowed applies the chain policy: unknown tools are denied; with no
// chain active a tool needs its may-initiate flag; the initiator may
// recurse into itself; anything else needs to be in the initiator's
// allowed set.
func (g *Gate) IsAllowed(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	perm, known := g.perms[name]
	if !known {
		return false
	}
	if g.initiator == "" {
		return perm.mayInitiate
	}
	if name == g.initiator {
		return true
	}
	return g.perms[g.initiator].allowed[name]
}

// StartChain sets the current chain initiator.
func (g *Gate) StartChain(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initiator = name
}

// ResetChain clears the initiator. Called before every user turn.
func (g *Gate) ResetChain() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initiator = ""
}

// Initiator returns the current chain initiator, or "".
func (g *Gate) Initiator() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initiator
}

// DeniedResult is the tool_result body returned to the model for a
// disallowed invocation.
func DeniedResult(name string) string {
	payload := struct {
		Error   string `json:"error"`
		Status  string `json:"status"`
		Message string `json:"message"`
	}{
		Error:   fmt.Sprintf("Tool '%s' is not allowed in the current context. Review the chain of thought, rules, and guidelines.", name),
		Status:  "error",
		Message: "Stop, inform the user of the error. Do NOT proceed!",
	}
	out, _ := json.MarshalIndent(payload, "", "  ")
	return string(out)
}
