package nodes

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nodeflow-io/nodeflow/internal/node/runtime"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// SetNode writes values onto passing items. Manual mode applies a list of
// {name, value} assignments with dot-notation names; json mode merges a
// parsed JSON literal.
type SetNode struct{}

// NewSetNode creates a new Set node.
func NewSetNode() *SetNode { return &SetNode{} }

// Descriptor returns the node descriptor.
func (n *SetNode) Descriptor() runtime.Descriptor {
	return runtime.Descriptor{
		Type:        "set",
		Name:        "Set",
		Description: "Set fields on each item",
		Inputs:      runtime.ExactlyN(1),
		Outputs:     []string{"main"},
		Properties: []runtime.PropertyDefinition{
			{Name: "mode", Type: "select", Default: "manual", Options: []runtime.PropertyOption{
				{Label: "Manual", Value: "manual"},
				{Label: "JSON", Value: "json"},
			}},
			{Name: "values", Type: "json", Description: "Assignments, list of {name, value}"},
			{Name: "jsonData", Type: "json", Description: "JSON object merged in json mode"},
			{Name: "keepOnlySet", Type: "boolean", Default: false, Description: "Drop all keys not set here"},
		},
	}
}

// Execute applies the assignments to every input item. Value expressions
// are resolved per item so $json reads the item being written.
func (n *SetNode) Execute(ctx context.Context, in *runtime.Input) (*runtime.Result, error) {
	mode := getStringConfig(in.Params, "mode", "manual")
	keepOnlySet := getBoolConfig(in.Params, "keepOnlySet", false)

	out := make([]model.Item, 0, len(in.Items))
	for i, item := range in.Items {
		var base map[string]interface{}
		if keepOnlySet {
			base = map[string]interface{}{}
		} else {
			base = item.Clone().JSON
		}

		switch mode {
		case "manual":
			resolved, err := in.ResolveFor("values", i)
			if err != nil {
				return nil, err
			}
			values, _ := resolved.([]interface{})
			for _, v := range values {
				assignment, ok := v.(map[string]interface{})
				if !ok {
					continue
				}
				name := getStringConfig(assignment, "name", "")
				if name == "" {
					continue
				}
				setFieldValue(base, name, assignment["value"])
			}
		case "json":
			resolved, err := in.ResolveFor("jsonData", i)
			if err != nil {
				return nil, err
			}
			parsed, err := parseJSONData(resolved)
			if err != nil {
				return nil, err
			}
			for k, v := range parsed {
				base[k] = v
			}
		default:
			return nil, fmt.Errorf("unknown set mode %q", mode)
		}

		out = append(out, model.Item{JSON: base, Binary: item.Binary})
	}
	return runtime.Single(out), nil
}

func parseJSONData(v interface{}) (map[string]interface{}, error) {
	switch data := v.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case map[string]interface{}:
		return data, nil
	case string:
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			return nil, fmt.Errorf("jsonData is not a JSON object: %w", err)
		}
		return parsed, nil
	default:
		return nil, fmt.Errorf("jsonData must be a JSON object or string")
	}
}
