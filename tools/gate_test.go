package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatePolicy(t *testing.T) {
	g := NewGate()
	g.Register("search", true, "fetch")
	g.Register("fetch", false)
	g.Register("loner", false)

	tests := []struct {
		name      string
		initiator string
		tool      string
		want      bool
	}{
		{"unknown tool denied", "", "ghost", false},
		{"no chain, may initiate", "", "search", true},
		{"no chain, may not initiate", "", "fetch", false},
		{"self recursion allowed", "search", "search", true},
		{"in initiator's allowed set", "search", "fetch", true},
		{"outside initiator's allowed set", "search", "loner", false},
		{"unknown tool denied mid chain", "search", "ghost", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g.ResetChain()
			if tt.initiator != "" {
				g.StartChain(tt.initiator)
			}
			assert.Equal(t, tt.want, g.IsAllowed(tt.tool))
		})
	}
}

func TestGateResetChain(t *testing.T) {
	g := NewGate()
	g.Register("search", true, "fetch")
	g.Register("fetch", false)

	g.StartChain("search")
	assert.True(t, g.IsAllowed("fetch"))
	assert.Equal(t, "search", g.Initiator())

	g.ResetChain()
	assert.False(t, g.IsAllowed("fetch"))
	assert.Empty(t, g.Initiator())
}

func TestDeniedResultPayload(t *testing.T) {
	body := DeniedResult("fetch")

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(body), &payload))
	assert.Equal(t, "Tool 'fetch' is not allowed in the current context. Review the chain of thought, rules, and guidelines.", payload["error"])
	assert.Equal(t, "error", payload["status"])
	assert.Equal(t, "Stop, inform the user of the error. Do NOT proceed!", payload["message"])
}
