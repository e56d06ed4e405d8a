package nodes

import (
	"context"
	"fmt"

	"github.com/nodeflow-io/nodeflow/internal/node/runtime"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// SplitInBatchesNode is the loop controller. On first entry it snapshots
// the full input list into its private state; each entry emits the next
// chunk of batchSize items on "loop". When the cursor is exhausted it
// emits the original list on "done". Exactly one of the two outputs is
// live per entry.
type SplitInBatchesNode struct{}

// NewSplitInBatchesNode creates a new SplitInBatches node.
func NewSplitInBatchesNode() *SplitInBatchesNode { return &SplitInBatchesNode{} }

// Descriptor returns the node descriptor.
func (n *SplitInBatchesNode) Descriptor() runtime.Descriptor {
	return runtime.Descriptor{
		Type:        "split_in_batches",
		Name:        "Split In Batches",
		Description: "Iterate over the input in fixed-size chunks",
		Inputs:      runtime.ExactlyN(1),
		Outputs:     []string{"loop", "done"},
		Properties: []runtime.PropertyDefinition{
			{Name: "batchSize", Type: "number", Default: 1, Description: "Items per loop iteration"},
		},
	}
}

// Execute advances the batch cursor by one chunk.
func (n *SplitInBatchesNode) Execute(ctx context.Context, in *runtime.Input) (*runtime.Result, error) {
	batchSize := getIntConfig(in.Params, "batchSize", 1)
	if batchSize < 1 {
		return nil, fmt.Errorf("batchSize must be at least 1")
	}

	items, initialized := in.State["items"].([]model.Item)
	if !initialized {
		items = in.Items
		in.State["items"] = items
		in.State["cursor"] = 0
	}
	cursor, _ := in.State["cursor"].(int)

	if cursor >= len(items) {
		// Cursor exhausted: release the loop join and emit the full
		// original list on done.
		delete(in.State, "items")
		delete(in.State, "cursor")
		return &runtime.Result{Outputs: map[string]model.Payload{
			"loop": model.DeadBranch(),
			"done": model.Live(items),
		}}, nil
	}

	end := cursor + batchSize
	if end > len(items) {
		end = len(items)
	}
	in.State["cursor"] = end

	return &runtime.Result{Outputs: map[string]model.Payload{
		"loop": model.Live(items[cursor:end]),
		"done": model.DeadBranch(),
	}}, nil
}
