// Package runtime provides the node registry and the contract every node
// implementation satisfies.
package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// Node is the interface all node implementations must satisfy. Execute
// receives the resolved parameters (expressions already evaluated) and the
// merged input items, and returns a payload per output port. A port absent
// from the result propagates a dead branch downstream.
type Node interface {
	// Execute runs the node body.
	Execute(ctx context.Context, in *Input) (*Result, error)

	// Descriptor returns the static node descriptor.
	Descriptor() Descriptor
}

// Input carries everything a node body may read during one run.
type Input struct {
	NodeName string
	Params   map[string]interface{}
	Items    []model.Item
	// ItemsByEdge preserves the per-edge grouping of a join, in connection
	// declaration order. Merge relies on it; most nodes ignore it.
	ItemsByEdge []model.Payload
	Execution   *ExecutionInfo
	// State is the node's private state bag, persisted across loop
	// re-entries within one execution (e.g. the SplitInBatches cursor).
	State map[string]interface{}
	// RunIndex counts this node's executions within the run, starting at 0.
	RunIndex int
	// RawParams holds the parameters before expression resolution, and
	// ResolveParam re-resolves one of them bound to a specific item index.
	// Nodes with per-item parameter semantics (Set, HttpRequest) use these;
	// everything else reads the pre-resolved Params.
	RawParams    map[string]interface{}
	ResolveParam func(value interface{}, itemIndex int) (interface{}, error)
}

// ResolveFor resolves a raw parameter against one input item, falling back
// to the pre-resolved value when no resolver is wired (direct node tests).
func (in *Input) ResolveFor(name string, itemIndex int) (interface{}, error) {
	if in.ResolveParam == nil || in.RawParams == nil {
		return in.Params[name], nil
	}
	raw, ok := in.RawParams[name]
	if !ok {
		return in.Params[name], nil
	}
	return in.ResolveParam(raw, itemIndex)
}

// ExecutionInfo exposes read-only execution metadata to node bodies.
type ExecutionInfo struct {
	ExecutionID string
	WorkflowID  string
	Mode        string
	NodeStates  func(name string) ([]model.Item, bool)
	Resume      func(handle string, hook func([]model.Item))
}

// Result maps output port names to payloads. Ports absent from the map are
// treated as dead branches by the scheduler.
type Result struct {
	Outputs map[string]model.Payload
}

// Single is a convenience for nodes with one live "main" output.
func Single(items []model.Item) *Result {
	return &Result{Outputs: map[string]model.Payload{"main": model.Live(items)}}
}

// InputCardinality declares how many inputs a node accepts.
type InputCardinality struct {
	Dynamic bool `json:"dynamic,omitempty"`
	Exactly int  `json:"exactly,omitempty"`
}

// ExactlyN inputs.
func ExactlyN(n int) InputCardinality { return InputCardinality{Exactly: n} }

// Dynamic input count (e.g. Merge).
func Dynamic() InputCardinality { return InputCardinality{Dynamic: true} }

// OutputStrategy describes how a node's output ports are derived when they
// are not a static list.
type OutputStrategy struct {
	// FromCollectionParam names a parameter holding an ordered collection;
	// the node exposes one output per element ("output0".."outputN").
	FromCollectionParam string `json:"fromCollectionParam,omitempty"`
	// AddFallback appends one extra output after the collection outputs.
	AddFallback bool `json:"addFallback,omitempty"`
	// Fixed exposes exactly N outputs.
	Fixed int `json:"fixed,omitempty"`
}

// Descriptor is the static description of a node type, consumed by the
// validator, the scheduler and the UI schema endpoint.
type Descriptor struct {
	Type        string               `json:"type"`
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Inputs      InputCardinality     `json:"inputs"`
	Outputs     []string             `json:"outputs,omitempty"`
	DynamicOut  *OutputStrategy      `json:"dynamicOutputs,omitempty"`
	Properties  []PropertyDefinition `json:"properties,omitempty"`
	IsTrigger   bool                 `json:"isTrigger"`
	// RequiredParams lists parameter names that must be present for the
	// workflow to validate.
	RequiredParams []string `json:"requiredParams,omitempty"`
}

// PropertyDefinition describes a configuration property for UI form
// generation.
type PropertyDefinition struct {
	Name        string           `json:"name"`
	Type        string           `json:"type"` // string, number, boolean, select, json, code
	Required    bool             `json:"required,omitempty"`
	Default     interface{}      `json:"default,omitempty"`
	Description string           `json:"description,omitempty"`
	Options     []PropertyOption `json:"options,omitempty"`
}

// PropertyOption for select properties.
type PropertyOption struct {
	Label string      `json:"label"`
	Value interface{} `json:"value"`
}

// ErrUnknownNodeType is returned for unregistered types; the validator
// surfaces it as a validation error.
var ErrUnknownNodeType = fmt.Errorf("unknown node type")

// ErrTransport marks network-level failures of the HTTP request node.
// Non-2xx responses are not transport errors.
var ErrTransport = fmt.Errorf("transport error")

// ErrTimeout marks deadline overruns in Wait and the code sandbox.
var ErrTimeout = fmt.Errorf("timeout")

// Registry holds all registered node types. It is read-only during
// execution and safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]Node
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]Node)}
}

// Register adds a node implementation. Duplicate registration is an error.
func (r *Registry) Register(node Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	nodeType := node.Descriptor().Type
	if _, exists := r.nodes[nodeType]; exists {
		return fmt.Errorf("node type '%s' already registered", nodeType)
	}
	r.nodes[nodeType] = node
	return nil
}

// MustRegister panics on duplicate registration; used during startup wiring.
func (r *Registry) MustRegister(node Node) {
	if err := r.Register(node); err != nil {
		panic(err)
	}
}

// Get returns the node implementation for a type.
func (r *Registry) Get(nodeType string) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, exists := r.nodes[nodeType]
	if !exists {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownNodeType, nodeType)
	}
	return node, nil
}

// Has reports whether a type is registered.
func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[nodeType]
	return ok
}

// List returns all registered type names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.nodes))
	for t := range r.nodes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Describe returns the descriptor for a type.
func (r *Registry) Describe(nodeType string) (Descriptor, error) {
	node, err := r.Get(nodeType)
	if err != nil {
		return Descriptor{}, err
	}
	return node.Descriptor(), nil
}

// Descriptors returns all descriptors, sorted by type name.
func (r *Registry) Descriptors() []Descriptor {
	types := r.List()
	out := make([]Descriptor, 0, len(types))
	for _, t := range types {
		d, _ := r.Describe(t)
		out = append(out, d)
	}
	return out
}

// OutputsFor resolves the concrete output port names of a node instance,
// expanding dynamic strategies against the node's parameters.
func OutputsFor(desc Descriptor, params map[string]interface{}) []string {
	if desc.DynamicOut == nil {
		return desc.Outputs
	}
	s := desc.DynamicOut
	if s.Fixed > 0 {
		out := make([]string, s.Fixed)
		for i := range out {
			out[i] = fmt.Sprintf("output%d", i)
		}
		return out
	}
	n := 0
	if coll, ok := params[s.FromCollectionParam].([]interface{}); ok {
		n = len(coll)
	}
	out := make([]string, 0, n+1)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf("output%d", i))
	}
	if s.AddFallback {
		out = append(out, fmt.Sprintf("output%d", n))
	}
	return out
}
