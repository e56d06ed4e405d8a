package nodes

import (
	"context"
	"fmt"

	"github.com/nodeflow-io/nodeflow/internal/node/runtime"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// SwitchNode routes each item to the output of the first matching rule.
// With fallbackOutput enabled, unmatched items go to the extra output
// after the rule outputs; otherwise they are dropped.
type SwitchNode struct{}

// NewSwitchNode creates a new Switch node.
func NewSwitchNode() *SwitchNode { return &SwitchNode{} }

// Descriptor returns the node descriptor.
func (n *SwitchNode) Descriptor() runtime.Descriptor {
	return runtime.Descriptor{
		Type:        "switch",
		Name:        "Switch",
		Description: "Route items to the first matching rule's output",
		Inputs:      runtime.ExactlyN(1),
		DynamicOut:  &runtime.OutputStrategy{FromCollectionParam: "rules", AddFallback: true},
		Properties: []runtime.PropertyDefinition{
			{Name: "rules", Type: "json", Required: true, Description: "Ordered list of {field, operation, value}"},
			{Name: "fallbackOutput", Type: "boolean", Default: false, Description: "Route unmatched items to an extra output"},
		},
		RequiredParams: []string{"rules"},
	}
}

// Execute evaluates the rules in order per item; first match wins.
func (n *SwitchNode) Execute(ctx context.Context, in *runtime.Input) (*runtime.Result, error) {
	rules, _ := in.Params["rules"].([]interface{})
	if len(rules) == 0 {
		return nil, fmt.Errorf("switch node requires at least one rule")
	}
	fallback := getBoolConfig(in.Params, "fallbackOutput", false)

	buckets := make([][]model.Item, len(rules))
	var unmatched []model.Item

	for _, item := range in.Items {
		routed := false
		for i, r := range rules {
			rule, ok := r.(map[string]interface{})
			if !ok {
				continue
			}
			field := getStringConfig(rule, "field", "")
			operation := getStringConfig(rule, "operation", "equals")
			match, err := evaluateOperation(getFieldValue(item.JSON, field), operation, rule["value"])
			if err != nil {
				return nil, err
			}
			if match {
				buckets[i] = append(buckets[i], item)
				routed = true
				break
			}
		}
		if !routed {
			unmatched = append(unmatched, item)
		}
	}

	outputs := make(map[string]model.Payload, len(rules)+1)
	for i, items := range buckets {
		outputs[fmt.Sprintf("output%d", i)] = payloadOrDead(items)
	}
	if fallback {
		outputs[fmt.Sprintf("output%d", len(rules))] = payloadOrDead(unmatched)
	}
	return &runtime.Result{Outputs: outputs}, nil
}
