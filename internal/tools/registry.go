// Package tools holds the registry of business tools the upstream voice
// agent may invoke mid-conversation. The registry is assembled once at
// startup and immutable afterwards; argument payloads are validated against
// each tool's JSON Schema before the handler runs.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// Handler executes one validated tool invocation. The context carries the
// per-call deadline and is cancelled when the session stops.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Descriptor declares one tool: its schema as advertised upstream, the local
// handler, and the latency policy used to decide whether a filler utterance
// should mask the call.
type Descriptor struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema for the arguments object
	Handler     Handler

	// Timeout bounds one invocation; zero means the dispatcher default.
	Timeout time.Duration
	// MaxLatencyHint is the declared worst-case latency. Tools expected to
	// exceed the filler threshold get their Filler phrase injected upstream
	// before the handler runs.
	MaxLatencyHint time.Duration
	Filler         string
}

// Definition is the upstream-facing subset of a Descriptor.
type Definition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ValidationError reports arguments rejected by a tool's schema.
type ValidationError struct {
	Tool   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s: invalid arguments: %s", e.Tool, e.Detail)
}

// Registry maps tool names to descriptors. No registration happens after
// construction, so lookups need no locking.
type Registry struct {
	tools   map[string]Descriptor
	schemas map[string]*gojsonschema.Schema
	names   []string
}

// NewRegistry builds an immutable registry. Duplicate names and uncompilable
// schemas are startup errors.
func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{
		tools:   make(map[string]Descriptor, len(descriptors)),
		schemas: make(map[string]*gojsonschema.Schema, len(descriptors)),
	}
	for _, d := range descriptors {
		if d.Name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if d.Handler == nil {
			return nil, fmt.Errorf("tool %s has no handler", d.Name)
		}
		if _, exists := r.tools[d.Name]; exists {
			return nil, fmt.Errorf("duplicate tool name %s", d.Name)
		}
		if len(d.Parameters) == 0 {
			d.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(d.Parameters))
		if err != nil {
			return nil, fmt.Errorf("tool %s: invalid parameter schema: %w", d.Name, err)
		}
		r.tools[d.Name] = d
		r.schemas[d.Name] = schema
		r.names = append(r.names, d.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

func (r *Registry) Lookup(name string) (Descriptor, bool) {
	d, ok := r.tools[name]
	return d, ok
}

func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Definitions returns the tool surface advertised to the upstream service at
// session start.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.names))
	for _, name := range r.names {
		d := r.tools[name]
		defs = append(defs, Definition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return defs
}

// ValidateArgs checks an arguments payload against the tool's schema. An
// empty payload is validated as an empty object.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) error {
	schema, ok := r.schemas[name]
	if !ok {
		return fmt.Errorf("unknown tool %s", name)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return &ValidationError{Tool: name, Detail: err.Error()}
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return &ValidationError{Tool: name, Detail: fmt.Sprintf("%v", details)}
	}
	return nil
}
