package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/nodeflow-io/nodeflow/internal/node/runtime"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// StartNode is the manual entry point of a workflow. It forwards the
// initial items handed to the execution verbatim.
type StartNode struct{}

// NewStartNode creates a new Start node.
func NewStartNode() *StartNode { return &StartNode{} }

// Descriptor returns the node descriptor.
func (n *StartNode) Descriptor() runtime.Descriptor {
	return runtime.Descriptor{
		Type:        "start",
		Name:        "Start",
		Description: "Manual workflow entry point",
		Inputs:      runtime.ExactlyN(0),
		Outputs:     []string{"main"},
		IsTrigger:   true,
	}
}

// Execute forwards the initial items. An execution started with no items
// is a caller error.
func (n *StartNode) Execute(ctx context.Context, in *runtime.Input) (*runtime.Result, error) {
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("start node received no initial items")
	}
	return runtime.Single(in.Items), nil
}

// WebhookNode is the HTTP-triggered entry point. The webhook host builds
// one item from the incoming request and hands it in as the initial input.
type WebhookNode struct{}

// NewWebhookNode creates a new Webhook trigger node.
func NewWebhookNode() *WebhookNode { return &WebhookNode{} }

// Descriptor returns the node descriptor.
func (n *WebhookNode) Descriptor() runtime.Descriptor {
	return runtime.Descriptor{
		Type:        "webhook",
		Name:        "Webhook",
		Description: "Triggered by an incoming HTTP request",
		Inputs:      runtime.ExactlyN(0),
		Outputs:     []string{"main"},
		Properties: []runtime.PropertyDefinition{
			{Name: "method", Type: "select", Default: "POST", Description: "Accepted HTTP method", Options: []runtime.PropertyOption{
				{Label: "GET", Value: "GET"},
				{Label: "POST", Value: "POST"},
				{Label: "PUT", Value: "PUT"},
				{Label: "DELETE", Value: "DELETE"},
				{Label: "ANY", Value: "ANY"},
			}},
		},
		IsTrigger: true,
	}
}

// Execute forwards the host-injected request item. Without one (a manual
// test run) it emits an empty request envelope.
func (n *WebhookNode) Execute(ctx context.Context, in *runtime.Input) (*runtime.Result, error) {
	if len(in.Items) > 0 {
		return runtime.Single(in.Items), nil
	}
	item := model.NewItem(map[string]interface{}{
		"body":    map[string]interface{}{},
		"headers": map[string]interface{}{},
		"query":   map[string]interface{}{},
		"method":  "",
	})
	return runtime.Single([]model.Item{item}), nil
}

// CronNode is the schedule-triggered entry point. The timer lives in the
// schedule host; the node only stamps the firing.
type CronNode struct{}

// NewCronNode creates a new Cron trigger node.
func NewCronNode() *CronNode { return &CronNode{} }

// Descriptor returns the node descriptor.
func (n *CronNode) Descriptor() runtime.Descriptor {
	return runtime.Descriptor{
		Type:        "cron",
		Name:        "Cron",
		Description: "Triggered on a cron schedule",
		Inputs:      runtime.ExactlyN(0),
		Outputs:     []string{"main"},
		Properties: []runtime.PropertyDefinition{
			{Name: "expression", Type: "string", Required: true, Description: "Cron expression, five fields"},
		},
		IsTrigger:      true,
		RequiredParams: []string{"expression"},
	}
}

// Execute emits one item recording the trigger time.
func (n *CronNode) Execute(ctx context.Context, in *runtime.Input) (*runtime.Result, error) {
	item := model.NewItem(map[string]interface{}{
		"triggeredAt": time.Now().UTC().Format(time.RFC3339),
		"mode":        "cron",
	})
	return runtime.Single([]model.Item{item}), nil
}

// ErrorTriggerNode starts an error-handler workflow. The engine invokes it
// with one item describing the failed execution.
type ErrorTriggerNode struct{}

// NewErrorTriggerNode creates a new ErrorTrigger node.
func NewErrorTriggerNode() *ErrorTriggerNode { return &ErrorTriggerNode{} }

// Descriptor returns the node descriptor.
func (n *ErrorTriggerNode) Descriptor() runtime.Descriptor {
	return runtime.Descriptor{
		Type:        "error_trigger",
		Name:        "Error Trigger",
		Description: "Triggered when another workflow fails",
		Inputs:      runtime.ExactlyN(0),
		Outputs:     []string{"main"},
		IsTrigger:   true,
	}
}

// Execute forwards the host-injected error description.
func (n *ErrorTriggerNode) Execute(ctx context.Context, in *runtime.Input) (*runtime.Result, error) {
	if len(in.Items) > 0 {
		return runtime.Single(in.Items), nil
	}
	return runtime.Single([]model.Item{model.NewItem(nil)}), nil
}
