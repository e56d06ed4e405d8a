package nodes

import "github.com/nodeflow-io/nodeflow/internal/node/runtime"

// RegisterAll installs every built-in node type into a registry.
func RegisterAll(r *runtime.Registry) {
	r.MustRegister(NewStartNode())
	r.MustRegister(NewWebhookNode())
	r.MustRegister(NewCronNode())
	r.MustRegister(NewErrorTriggerNode())
	r.MustRegister(NewSetNode())
	r.MustRegister(NewHTTPRequestNode())
	r.MustRegister(NewCodeNode())
	r.MustRegister(NewIfNode())
	r.MustRegister(NewSwitchNode())
	r.MustRegister(NewMergeNode())
	r.MustRegister(NewSplitInBatchesNode())
	r.MustRegister(NewWaitNode())
}

// NewRegistry returns a registry preloaded with the built-in nodes.
func NewRegistry() *runtime.Registry {
	r := runtime.NewRegistry()
	RegisterAll(r)
	return r
}
