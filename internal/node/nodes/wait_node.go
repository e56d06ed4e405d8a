package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/nodeflow-io/nodeflow/internal/node/runtime"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// WaitNode pauses the branch. It either sleeps for durationMs or parks on
// a named webhook resume handle; both paths honour execution cancel.
type WaitNode struct{}

// NewWaitNode creates a new Wait node.
func NewWaitNode() *WaitNode { return &WaitNode{} }

// Descriptor returns the node descriptor.
func (n *WaitNode) Descriptor() runtime.Descriptor {
	return runtime.Descriptor{
		Type:        "wait",
		Name:        "Wait",
		Description: "Pause for a duration or until a webhook resume",
		Inputs:      runtime.ExactlyN(1),
		Outputs:     []string{"main"},
		Properties: []runtime.PropertyDefinition{
			{Name: "durationMs", Type: "number", Default: 0, Description: "Sleep duration in milliseconds"},
			{Name: "resumeHandle", Type: "string", Description: "Webhook handle that resumes this wait"},
		},
	}
}

// Execute blocks until the sleep elapses, the resume fires, or the
// execution is cancelled.
func (n *WaitNode) Execute(ctx context.Context, in *runtime.Input) (*runtime.Result, error) {
	handle := getStringConfig(in.Params, "resumeHandle", "")
	if handle != "" {
		if in.Execution == nil || in.Execution.Resume == nil {
			return nil, fmt.Errorf("resume handle %q requested but no resume host is wired", handle)
		}
		resumed := make(chan []model.Item, 1)
		in.Execution.Resume(handle, func(items []model.Item) {
			resumed <- items
		})
		select {
		case items := <-resumed:
			if len(items) == 0 {
				items = in.Items
			}
			return runtime.Single(items), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	durationMs := getIntConfig(in.Params, "durationMs", 0)
	if durationMs > 0 {
		timer := time.NewTimer(time.Duration(durationMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return runtime.Single(in.Items), nil
}
