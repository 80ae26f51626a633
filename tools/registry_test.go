package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryOrderAndDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{Name: "b"}))
	require.NoError(t, reg.Register(Definition{Name: "a"}))

	assert.Error(t, reg.Register(Definition{Name: "a"}), "duplicate names rejected")
	assert.Error(t, reg.Register(Definition{}), "empty name rejected")

	defs := reg.List()
	require.Len(t, defs, 2)
	assert.Equal(t, "b", defs[0].Name)
	assert.Equal(t, "a", defs[1].Name)

	_, ok := reg.Get("b")
	assert.True(t, ok)
	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestDefineReflectsSchemaAndDecodesInput(t *testing.T) {
	type args struct {
		City string `json:"city" jsonschema:"description=City to look up"`
		Days int    `json:"days,omitempty"`
	}
	var got args
	def := Define("weather", "Look up weather.", func(_ context.Context, a args) ([]string, error) {
		got = a
		return []string{"sunny"}, nil
	})

	var schema map[string]any
	require.NoError(t, json.Unmarshal(def.InputSchema, &schema))
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok, "schema must expose the argument properties")
	assert.Contains(t, props, "city")
	assert.Contains(t, props, "days")

	lines, err := def.Handler(context.Background(), map[string]any{"city": "Oslo", "days": 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"sunny"}, lines)
	assert.Equal(t, args{City: "Oslo", Days: 3}, got)
}

func TestDefineRejectsMistypedInput(t *testing.T) {
	type args struct {
		Count int `json:"count"`
	}
	def := Define("counter", "Count things.", func(_ context.Context, a args) ([]string, error) {
		return nil, nil
	})

	_, err := def.Handler(context.Background(), map[string]any{"count": "three"})
	assert.Error(t, err)
}

func TestBuiltinsRegister(t *testing.T) {
	reg := NewRegistry()
	gate := NewGate()
	require.NoError(t, RegisterBuiltins(reg, gate))

	assert.Equal(t, 2, reg.Len())
	assert.True(t, gate.IsAllowed("clock"))
	assert.True(t, gate.IsAllowed("sleep_echo"))

	clock, ok := reg.Get("clock")
	require.True(t, ok)
	lines, err := clock.Handler(context.Background(), map[string]any{"format": "unix"})
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.NotEmpty(t, lines[0])
}
