package nodes

import (
	"context"

	"github.com/nodeflow-io/nodeflow/internal/node/runtime"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// IfNode routes each item to the true or false output according to one
// (field, operation, value) condition. An output that receives no items
// carries a dead branch so downstream joins complete.
type IfNode struct{}

// NewIfNode creates a new If node.
func NewIfNode() *IfNode { return &IfNode{} }

// Descriptor returns the node descriptor.
func (n *IfNode) Descriptor() runtime.Descriptor {
	return runtime.Descriptor{
		Type:        "if",
		Name:        "IF",
		Description: "Route items based on a condition",
		Inputs:      runtime.ExactlyN(1),
		Outputs:     []string{"true", "false"},
		Properties: []runtime.PropertyDefinition{
			{Name: "field", Type: "string", Required: true, Description: "Dot-notation path into the item json"},
			{Name: "operation", Type: "select", Default: "equals", Options: operationOptions()},
			{Name: "value", Type: "string", Description: "Comparison value"},
		},
		RequiredParams: []string{"field", "operation"},
	}
}

// Execute partitions the input items between the two outputs.
func (n *IfNode) Execute(ctx context.Context, in *runtime.Input) (*runtime.Result, error) {
	field := getStringConfig(in.Params, "field", "")
	operation := getStringConfig(in.Params, "operation", "equals")
	value := in.Params["value"]

	var trueItems, falseItems []model.Item
	for _, item := range in.Items {
		match, err := evaluateOperation(getFieldValue(item.JSON, field), operation, value)
		if err != nil {
			return nil, err
		}
		if match {
			trueItems = append(trueItems, item)
		} else {
			falseItems = append(falseItems, item)
		}
	}

	return &runtime.Result{Outputs: map[string]model.Payload{
		"true":  payloadOrDead(trueItems),
		"false": payloadOrDead(falseItems),
	}}, nil
}

func payloadOrDead(items []model.Item) model.Payload {
	if len(items) == 0 {
		return model.DeadBranch()
	}
	return model.Live(items)
}

func operationOptions() []runtime.PropertyOption {
	ops := []string{
		"equals", "notEquals", "contains", "gt", "gte", "lt", "lte",
		"isEmpty", "isNotEmpty", "isTrue", "isFalse", "regex",
	}
	out := make([]runtime.PropertyOption, len(ops))
	for i, op := range ops {
		out[i] = runtime.PropertyOption{Label: op, Value: op}
	}
	return out
}
