package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/nodeflow-io/nodeflow/internal/node/runtime"
	"github.com/nodeflow-io/nodeflow/internal/platform/logger"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
	"github.com/nodeflow-io/nodeflow/pkg/expression"
)

const maxRetries = 10

// Kernel runs a single node: parameter resolution, the node body, retry
// and the continue-on-fail policy. It is stateless; all run state lives
// in the ExecutionContext.
type Kernel struct {
	registry *runtime.Registry
	parser   *expression.Parser
	log      logger.Logger
	env      map[string]string
	// sleep is swapped in tests to avoid real retry delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewKernel creates a kernel bound to a node registry.
func NewKernel(registry *runtime.Registry, log logger.Logger, env map[string]string) *Kernel {
	return &Kernel{
		registry: registry,
		parser:   expression.NewParser(),
		log:      log,
		env:      env,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNode executes one scheduled job against the execution context and
// returns the node's outputs. A nil error with recorded context errors
// means continue-on-fail absorbed a failure.
func (k *Kernel) RunNode(ctx context.Context, ec *ExecutionContext, job *Job) (*runtime.Result, error) {
	def := ec.Workflow.NodeByName(job.NodeName)
	if def == nil {
		return nil, fmt.Errorf("node %q not found in workflow", job.NodeName)
	}

	if def.Disabled {
		return runtime.Single(job.Items), nil
	}
	if len(def.PinnedData) > 0 {
		out := model.CloneItems(def.PinnedData)
		ec.NodeStates[def.Name] = out
		ec.NodeRunCounts[def.Name]++
		return runtime.Single(out), nil
	}

	impl, err := k.registry.Get(def.Type)
	if err != nil {
		return nil, err
	}

	exprCtx := k.expressionContext(ec, job)
	params, err := k.resolveParams(def, exprCtx)
	if err != nil {
		return nil, err
	}

	input := &runtime.Input{
		NodeName:    def.Name,
		Params:      params,
		Items:       job.Items,
		ItemsByEdge: job.ByEdge,
		State:       ec.InternalState(def.Name),
		RunIndex:    job.RunIndex,
		RawParams:   def.Parameters,
		ResolveParam: func(value interface{}, itemIndex int) (interface{}, error) {
			bound := *exprCtx
			bound.ItemIndex = itemIndex
			v, warns, err := k.parser.ResolveValue(value, &bound, false)
			k.logWarnings(def.Name, warns)
			return v, err
		},
		Execution: &runtime.ExecutionInfo{
			ExecutionID: ec.ExecutionID,
			WorkflowID:  ec.Workflow.ID,
			Mode:        ec.Mode,
			NodeStates: func(name string) ([]model.Item, bool) {
				items, ok := ec.NodeStates[name]
				return items, ok
			},
			Resume: job.Resume,
		},
	}

	result, runErr := k.runWithRetry(ctx, ec, def, impl, input)
	if runErr != nil {
		policy := def.ErrorPolicy
		if policy != nil && policy.ContinueOnFail {
			ec.RecordError(def.Name, runErr)
			synthetic := []model.Item{model.NewItem(map[string]interface{}{"error": runErr.Error()})}
			ec.NodeStates[def.Name] = synthetic
			ec.NodeRunCounts[def.Name]++
			k.log.Warn("node failed, continuing",
				"execution_id", ec.ExecutionID, "node", def.Name, "error", runErr.Error())
			return runtime.Single(synthetic), nil
		}
		return nil, runErr
	}

	ec.NodeStates[def.Name] = stateItems(result)
	ec.NodeRunCounts[def.Name]++
	return result, nil
}

// runWithRetry executes the node body, retrying per the error policy.
// Total attempts are 1 + retryOnFail, capped at 1 + maxRetries.
func (k *Kernel) runWithRetry(ctx context.Context, ec *ExecutionContext, def *model.Node, impl runtime.Node, input *runtime.Input) (*runtime.Result, error) {
	retries := 0
	delay := time.Duration(0)
	if def.ErrorPolicy != nil {
		retries = def.ErrorPolicy.RetryOnFail
		if retries < 0 {
			retries = 0
		}
		if retries > maxRetries {
			retries = maxRetries
		}
		delay = time.Duration(def.ErrorPolicy.RetryDelayMs) * time.Millisecond
	}

	attempts := retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := impl.Execute(ctx, input)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if attempt < attempts {
			k.log.Warn("node attempt failed, retrying",
				"execution_id", ec.ExecutionID, "node", def.Name,
				"attempt", attempt, "error", err.Error())
			if delay > 0 {
				if serr := k.sleep(ctx, delay); serr != nil {
					return nil, serr
				}
			}
		}
	}
	return nil, &NodeExecutionError{
		NodeName: def.Name,
		NodeType: def.Type,
		Attempts: attempts,
		Err:      lastErr,
	}
}

// resolveParams runs every parameter through the expression engine with
// the context bound to the job's input items.
func (k *Kernel) resolveParams(def *model.Node, exprCtx *expression.Context) (map[string]interface{}, error) {
	if len(def.Parameters) == 0 {
		return map[string]interface{}{}, nil
	}
	resolved, warns, err := k.parser.ResolveValue(def.Parameters, exprCtx, false)
	if err != nil {
		return nil, &ExpressionError{NodeName: def.Name, Err: err}
	}
	k.logWarnings(def.Name, warns)
	params, ok := resolved.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("node %q: parameters did not resolve to an object", def.Name)
	}
	return params, nil
}

func (k *Kernel) expressionContext(ec *ExecutionContext, job *Job) *expression.Context {
	jsonItems := make([]map[string]interface{}, len(job.Items))
	for i, item := range job.Items {
		jsonItems[i] = item.JSON
	}
	return &expression.Context{
		Items:    jsonItems,
		RunIndex: job.RunIndex,
		Env:      k.env,
		Execution: expression.ExecutionInfo{
			ID:        ec.ExecutionID,
			Mode:      ec.Mode,
			StartTime: ec.StartTime,
		},
		NodeOutput: func(name string) ([]map[string]interface{}, bool) {
			items, ok := ec.NodeStates[name]
			if !ok {
				return nil, false
			}
			out := make([]map[string]interface{}, len(items))
			for i, item := range items {
				out[i] = item.JSON
			}
			return out, true
		},
	}
}

func (k *Kernel) logWarnings(node string, warns []string) {
	for _, w := range warns {
		k.log.Warn("expression warning", "node", node, "warning", w)
	}
}

// stateItems derives what $node["Name"].json exposes: the main output
// when live, otherwise the concatenation of the live outputs in sorted
// port order.
func stateItems(result *runtime.Result) []model.Item {
	if result == nil {
		return nil
	}
	if main, ok := result.Outputs["main"]; ok && !main.Dead {
		return main.Items
	}
	var out []model.Item
	for _, port := range sortedPorts(result.Outputs) {
		if p := result.Outputs[port]; !p.Dead {
			out = append(out, p.Items...)
		}
	}
	return out
}
