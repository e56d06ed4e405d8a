// Package model defines the workflow data model shared by the validator,
// the execution engine and the REST layer.
package model

import (
	"encoding/json"
	"time"
)

// Workflow is a directed graph of typed nodes connected by named ports.
// A workflow is immutable during an execution; editing it produces a new
// definition.
type Workflow struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Active      bool                   `json:"active"`
	Nodes       []Node                 `json:"nodes"`
	Connections []Connection           `json:"connections"`
	Settings    map[string]interface{} `json:"settings,omitempty"`
	CreatedAt   time.Time              `json:"createdAt,omitempty"`
	UpdatedAt   time.Time              `json:"updatedAt,omitempty"`
}

// Node is a single step in a workflow. Name is unique within the workflow
// and is the key used in expressions ($node["Name"]).
type Node struct {
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Disabled    bool                   `json:"disabled,omitempty"`
	ErrorPolicy *ErrorPolicy           `json:"errorPolicy,omitempty"`
	PinnedData  []Item                 `json:"pinnedData,omitempty"`
}

// ErrorPolicy controls how the kernel reacts when a node body fails.
// RetryOnFail is the number of retries after the first attempt (0..10);
// RetryDelayMs is the sleep between attempts.
type ErrorPolicy struct {
	ContinueOnFail bool `json:"continueOnFail,omitempty"`
	RetryOnFail    int  `json:"retryOnFail,omitempty"`
	RetryDelayMs   int  `json:"retryDelayMs,omitempty"`
}

// Connection wires one node output port to another node input port.
// Output names are node-type specific ("main", "true"/"false",
// "output0".."outputN", "loop"/"done"); input names default to "main".
// Condition optionally carries an expression compiled at run time; when it
// evaluates to false the edge delivers a dead branch instead of data.
type Connection struct {
	SourceNode   string `json:"sourceNode"`
	SourceOutput string `json:"sourceOutput"`
	TargetNode   string `json:"targetNode"`
	TargetInput  string `json:"targetInput"`
	Condition    string `json:"condition,omitempty"`
}

// Item is the unit of data flowing between nodes.
type Item struct {
	JSON   map[string]interface{} `json:"json"`
	Binary map[string][]byte      `json:"binary,omitempty"`
}

// Payload is what travels along an edge: either a list of items or the
// dead-branch marker used to release waiting joins without deadlock.
type Payload struct {
	Items []Item
	Dead  bool
}

// DeadBranch is the payload propagated along edges whose source chose not
// to emit data.
func DeadBranch() Payload {
	return Payload{Dead: true}
}

// Live wraps items into a payload.
func Live(items []Item) Payload {
	return Payload{Items: items}
}

// NewItem builds an item from a JSON object.
func NewItem(data map[string]interface{}) Item {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Item{JSON: data}
}

// Clone returns a deep copy of the item's JSON payload. Binary data is
// shared; node bodies treat it as read-only.
func (it Item) Clone() Item {
	return Item{JSON: deepCopyMap(it.JSON), Binary: it.Binary}
}

// CloneItems deep-copies a list of items.
func CloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

// NodeByName returns the node with the given name, or nil.
func (w *Workflow) NodeByName(name string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].Name == name {
			return &w.Nodes[i]
		}
	}
	return nil
}

// ConnectionsFrom returns the outgoing connections of a node output, in
// declaration order. Declaration order is an observable ordering guarantee.
func (w *Workflow) ConnectionsFrom(node, output string) []Connection {
	var out []Connection
	for _, c := range w.Connections {
		if c.SourceNode == node && c.SourceOutput == output {
			out = append(out, c)
		}
	}
	return out
}

// ConnectionsTo returns the incoming connections of a node, in declaration
// order.
func (w *Workflow) ConnectionsTo(node string) []Connection {
	var out []Connection
	for _, c := range w.Connections {
		if c.TargetNode == node {
			out = append(out, c)
		}
	}
	return out
}

// EdgeKey identifies a connection inside a join buffer.
func (c Connection) EdgeKey() string {
	return c.SourceNode + "/" + c.SourceOutput + ">" + c.TargetNode + "/" + c.TargetInput
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

// MarshalJSON renders a payload as either null (dead branch) or the item
// list, matching the transcript layout of execution records.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Dead {
		return []byte("null"), nil
	}
	return json.Marshal(p.Items)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (p *Payload) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = Payload{Dead: true}
		return nil
	}
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*p = Payload{Items: items}
	return nil
}
