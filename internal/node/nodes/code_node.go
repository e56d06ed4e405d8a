package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/nodeflow-io/nodeflow/internal/node/runtime"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

const defaultCodeTimeout = 5 * time.Second

// CodeNode runs user JavaScript in an embedded interpreter. The script
// sees `items` (the input list, each element `{json: {...}}`) and must
// return a list of items. The interpreter has no host bindings, so the
// script cannot reach the filesystem, the network or other executions;
// a hard deadline interrupts runaway scripts.
type CodeNode struct{}

// NewCodeNode creates a new Code node.
func NewCodeNode() *CodeNode { return &CodeNode{} }

// Descriptor returns the node descriptor.
func (n *CodeNode) Descriptor() runtime.Descriptor {
	return runtime.Descriptor{
		Type:        "code",
		Name:        "Code",
		Description: "Transform items with JavaScript",
		Inputs:      runtime.ExactlyN(1),
		Outputs:     []string{"main"},
		Properties: []runtime.PropertyDefinition{
			{Name: "code", Type: "code", Required: true, Description: "Script body; return the output item list"},
			{Name: "timeoutMs", Type: "number", Default: 5000, Description: "Hard script deadline"},
		},
		RequiredParams: []string{"code"},
	}
}

// Execute evaluates the script against the input items.
func (n *CodeNode) Execute(ctx context.Context, in *runtime.Input) (*runtime.Result, error) {
	code := getStringConfig(in.Params, "code", "")
	if code == "" {
		return nil, fmt.Errorf("code parameter is empty")
	}
	timeout := defaultCodeTimeout
	if ms := getIntConfig(in.Params, "timeoutMs", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	vm := goja.New()

	scriptItems := make([]interface{}, len(in.Items))
	for i, item := range in.Items {
		scriptItems[i] = map[string]interface{}{"json": item.Clone().JSON}
	}
	if err := vm.Set("items", scriptItems); err != nil {
		return nil, fmt.Errorf("binding items: %w", err)
	}

	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt("deadline exceeded")
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt("execution cancelled")
	})
	defer stop()

	value, err := vm.RunString("(function() {\n" + code + "\n})()")
	if err != nil {
		if _, interrupted := err.(*goja.InterruptedError); interrupted {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: script exceeded %s", runtime.ErrTimeout, timeout)
		}
		return nil, fmt.Errorf("script error: %w", err)
	}

	return runtime.Single(itemsFromScript(value.Export())), nil
}

// itemsFromScript converts the script return value back into items.
// Elements shaped {json: {...}} are unwrapped; plain objects are wrapped.
func itemsFromScript(v interface{}) []model.Item {
	list, ok := v.([]interface{})
	if !ok {
		if obj, ok := v.(map[string]interface{}); ok {
			list = []interface{}{obj}
		} else {
			return nil
		}
	}
	out := make([]model.Item, 0, len(list))
	for _, e := range list {
		obj, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if inner, ok := obj["json"].(map[string]interface{}); ok && len(obj) == 1 {
			out = append(out, model.NewItem(inner))
			continue
		}
		out = append(out, model.NewItem(obj))
	}
	return out
}
