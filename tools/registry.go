package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
)

// Handler executes a tool call. The returned lines become the text body
// of the tool_result; a non-nil error becomes an is_error result.
type Handler func(ctx context.Context, input map[string]any) ([]string, error)

// Definition describes one tool offered to the model.
type Definition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     Handler
}

// Registry maps tool names to definitions, preserving registration order
// for the outgoing request.
type Registry struct {
	mu    sync.Mutex
	defs  map[string]Definition
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition. Duplicate names are rejected.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool definition needs a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	r.defs[def.Name] = def
	r.order = append(r.order, def.Name)
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[name]
	return def, ok
}

// List returns all definitions in registration order.
func (r *Registry) List() []Definition {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name])
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Define builds a Definition from a typed handler. The input schema is
// reflected from T's fields and jsonschema struct tags; the wrapper
// decodes the model's input object into T before calling run.
func Define[T any](name, description string, run func(ctx context.Context, args T) ([]string, error)) Definition {
	reflector := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	schema := reflector.Reflect(new(T))
	raw, err := json.Marshal(schema)
	if err != nil {
		raw = json.RawMessage(`{"type":"object"}`)
	}

	return Definition{
		Name:        name,
		Description: description,
		InputSchema: raw,
		Handler: func(ctx context.Context, input map[string]any) ([]string, error) {
			data, err := json.Marshal(input)
			if err != nil {
				return nil, fmt.Errorf("encode input for %s: %w", name, err)
			}
			var args T
			if err := json.Unmarshal(data, &args); err != nil {
				return nil, fmt.Errorf("decode input for %s: %w", name, err)
			}
			return run(ctx, args)
		},
	}
}
