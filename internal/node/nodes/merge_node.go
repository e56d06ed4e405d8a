package nodes

import (
	"context"

	"github.com/nodeflow-io/nodeflow/internal/node/runtime"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// MergeNode joins multiple branches. It emits the concatenation of the
// live incoming payloads in connection declaration order; dead branches
// contribute nothing. The scheduler short-circuits the all-dead case
// before the node runs, but the node handles it anyway.
type MergeNode struct{}

// NewMergeNode creates a new Merge node.
func NewMergeNode() *MergeNode { return &MergeNode{} }

// Descriptor returns the node descriptor.
func (n *MergeNode) Descriptor() runtime.Descriptor {
	return runtime.Descriptor{
		Type:        "merge",
		Name:        "Merge",
		Description: "Concatenate items from multiple branches",
		Inputs:      runtime.Dynamic(),
		Outputs:     []string{"main"},
	}
}

// Execute concatenates the live per-edge payloads.
func (n *MergeNode) Execute(ctx context.Context, in *runtime.Input) (*runtime.Result, error) {
	if len(in.ItemsByEdge) == 0 {
		return runtime.Single(in.Items), nil
	}

	var out []model.Item
	anyLive := false
	for _, payload := range in.ItemsByEdge {
		if payload.Dead {
			continue
		}
		anyLive = true
		out = append(out, payload.Items...)
	}
	if !anyLive {
		return &runtime.Result{Outputs: map[string]model.Payload{"main": model.DeadBranch()}}, nil
	}
	return runtime.Single(out), nil
}
