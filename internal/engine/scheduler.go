package engine

import (
	"context"
	"sort"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/nodeflow-io/nodeflow/internal/node/runtime"
	"github.com/nodeflow-io/nodeflow/internal/platform/logger"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// Job is one unit of scheduled work: run a named node against its merged
// input.
type Job struct {
	NodeName     string
	Items        []model.Item
	ByEdge       []model.Payload
	SourceNode   string
	SourceOutput string
	RunIndex     int
	// Resume registers a webhook resume hook for Wait nodes.
	Resume func(handle string, hook func([]model.Item))
}

// EventSink observes execution progress. Implementations must be cheap;
// they run on the executor goroutine.
type EventSink interface {
	ExecutionStarted(ec *ExecutionContext)
	NodeStarted(ec *ExecutionContext, nodeName, nodeType string)
	NodeCompleted(ec *ExecutionContext, nodeName string, items []model.Item, duration time.Duration)
	NodeFailed(ec *ExecutionContext, nodeName string, err error)
	ExecutionCompleted(ec *ExecutionContext)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) ExecutionStarted(*ExecutionContext)                                   {}
func (NopSink) NodeStarted(*ExecutionContext, string, string)                        {}
func (NopSink) NodeCompleted(*ExecutionContext, string, []model.Item, time.Duration) {}
func (NopSink) NodeFailed(*ExecutionContext, string, error)                          {}
func (NopSink) ExecutionCompleted(*ExecutionContext)                                 {}

// scheduler drives one execution: a FIFO job queue walked by a single
// goroutine, join buffering with dead-branch release, loop re-entry and
// failure containment.
type scheduler struct {
	wf     *model.Workflow
	kernel *Kernel
	ec     *ExecutionContext
	log    logger.Logger
	events EventSink
	resume func(handle string, hook func([]model.Item))

	queue []*Job
	// backEdges holds edge keys excluded from join accounting: "loop"
	// outputs and any other edge that closes a cycle. Firing one enqueues
	// its target immediately.
	backEdges map[string]bool
	// expected maps each node to its incoming non-back-edge connections,
	// in declaration order.
	expected map[string][]model.Connection
	// unreachable marks the descendants of a failed node; deliveries to
	// them are dropped.
	unreachable map[string]bool
	// conditions caches compiled edge-condition programs by edge key.
	conditions map[string]*vm.Program
}

func newScheduler(wf *model.Workflow, kernel *Kernel, ec *ExecutionContext, log logger.Logger, events EventSink, resume func(string, func([]model.Item))) *scheduler {
	s := &scheduler{
		wf:          wf,
		kernel:      kernel,
		ec:          ec,
		log:         log,
		events:      events,
		resume:      resume,
		backEdges:   computeBackEdges(wf),
		expected:    make(map[string][]model.Connection),
		unreachable: make(map[string]bool),
		conditions:  make(map[string]*vm.Program),
	}
	for _, c := range wf.Connections {
		if !s.backEdges[c.EdgeKey()] {
			s.expected[c.TargetNode] = append(s.expected[c.TargetNode], c)
		}
	}
	return s
}

// run executes the workflow from the seed node until the queue drains,
// the context is cancelled, or every live path is cut.
func (s *scheduler) run(ctx context.Context, startNode string, items []model.Item) {
	s.pruneUnreachableSources(startNode)
	s.enqueue(&Job{NodeName: startNode, Items: items})

	cancelled := false
	for len(s.queue) > 0 {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		job := s.queue[0]
		s.queue = s.queue[1:]
		if s.unreachable[job.NodeName] {
			continue
		}

		def := s.wf.NodeByName(job.NodeName)
		if def == nil {
			s.ec.RecordError(job.NodeName, &NodeExecutionError{NodeName: job.NodeName, Attempts: 1, Err: runtime.ErrUnknownNodeType})
			continue
		}

		s.events.NodeStarted(s.ec, def.Name, def.Type)
		s.log.Debug("node start",
			"execution_id", s.ec.ExecutionID, "node", def.Name, "run_index", job.RunIndex)
		started := time.Now()

		result, err := s.kernel.RunNode(ctx, s.ec, job)
		if err != nil {
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			s.ec.RecordError(def.Name, err)
			s.events.NodeFailed(s.ec, def.Name, err)
			s.log.Error("node failed",
				"execution_id", s.ec.ExecutionID, "node", def.Name, "error", err.Error())
			s.cutDescendants(def.Name)
			continue
		}

		s.events.NodeCompleted(s.ec, def.Name, stateItems(result), time.Since(started))
		s.fanOut(def, result)
	}

	if ctx.Err() != nil {
		cancelled = true
	}
	if cancelled {
		s.ec.RecordError("", ErrCancelled)
	}
	s.ec.Finalize(cancelled)
}

// pruneUnreachableSources drops join edges whose source can never fire
// in this run. A workflow with several trigger nodes shares its tail
// between them; when one trigger seeds the run, edges from the other
// triggers' branches would otherwise hold every downstream join open
// forever, since an unseeded branch emits neither data nor a dead
// branch.
func (s *scheduler) pruneUnreachableSources(startNode string) {
	reachable := map[string]bool{startNode: true}
	stack := []string{startNode}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range s.wf.Connections {
			if c.SourceNode == n && !reachable[c.TargetNode] {
				reachable[c.TargetNode] = true
				stack = append(stack, c.TargetNode)
			}
		}
	}
	for target, conns := range s.expected {
		kept := conns[:0]
		for _, c := range conns {
			if reachable[c.SourceNode] {
				kept = append(kept, c)
			}
		}
		s.expected[target] = kept
	}
}

func (s *scheduler) enqueue(job *Job) {
	job.Resume = s.resume
	s.queue = append(s.queue, job)
}

// fanOut pushes every declared output of a finished node down its
// connections in declaration order. Outputs the node did not produce
// carry a dead branch.
func (s *scheduler) fanOut(def *model.Node, result *runtime.Result) {
	outputs := s.nodeOutputs(def)
	if len(outputs) == 0 {
		outputs = sortedPorts(result.Outputs)
	}
	for _, outName := range outputs {
		payload, ok := result.Outputs[outName]
		if !ok {
			payload = model.DeadBranch()
		}
		for _, conn := range s.wf.ConnectionsFrom(def.Name, outName) {
			p := payload
			if !p.Dead && conn.Condition != "" && !s.edgeConditionHolds(conn, p) {
				p = model.DeadBranch()
			}
			s.deliver(conn, p)
		}
	}
}

// deliver implements the join logic: buffer the payload under its edge
// key, and when every expected edge has reported, either short-circuit an
// all-dead join or enqueue the target with the merged items.
func (s *scheduler) deliver(conn model.Connection, payload model.Payload) {
	target := conn.TargetNode
	if s.unreachable[target] {
		return
	}

	if s.backEdges[conn.EdgeKey()] {
		// Re-entry edge: never buffered. A dead back-edge simply ends
		// the loop; a live one re-enters the target immediately.
		if payload.Dead {
			return
		}
		s.enqueue(&Job{
			NodeName:     target,
			Items:        payload.Items,
			ByEdge:       []model.Payload{payload},
			SourceNode:   conn.SourceNode,
			SourceOutput: conn.SourceOutput,
			RunIndex:     s.ec.NodeRunCounts[target],
		})
		return
	}

	buf := s.ec.PendingInputs[target]
	if buf == nil {
		buf = make(map[string]model.Payload)
		s.ec.PendingInputs[target] = buf
	}
	buf[conn.EdgeKey()] = payload

	expected := s.expected[target]
	for _, c := range expected {
		if _, ok := buf[c.EdgeKey()]; !ok {
			return
		}
	}
	delete(s.ec.PendingInputs, target)

	byEdge := make([]model.Payload, len(expected))
	allDead := true
	var merged []model.Item
	for i, c := range expected {
		p := buf[c.EdgeKey()]
		byEdge[i] = p
		if !p.Dead {
			allDead = false
			merged = append(merged, p.Items...)
		}
	}
	if allDead {
		s.propagateDead(target)
		return
	}

	s.enqueue(&Job{
		NodeName:     target,
		Items:        merged,
		ByEdge:       byEdge,
		SourceNode:   conn.SourceNode,
		SourceOutput: conn.SourceOutput,
		RunIndex:     s.ec.NodeRunCounts[target],
	})
}

// propagateDead forwards a dead branch through a node without executing
// it, releasing any joins further downstream.
func (s *scheduler) propagateDead(nodeName string) {
	def := s.wf.NodeByName(nodeName)
	if def == nil {
		return
	}
	for _, outName := range s.nodeOutputs(def) {
		for _, conn := range s.wf.ConnectionsFrom(def.Name, outName) {
			s.deliver(conn, model.DeadBranch())
		}
	}
}

// cutDescendants marks the transitive forward closure of a failed node
// unreachable, skipping back-edges. Sibling branches keep running.
func (s *scheduler) cutDescendants(nodeName string) {
	stack := []string{nodeName}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range s.wf.Connections {
			if c.SourceNode != n || s.backEdges[c.EdgeKey()] {
				continue
			}
			if !s.unreachable[c.TargetNode] {
				s.unreachable[c.TargetNode] = true
				delete(s.ec.PendingInputs, c.TargetNode)
				stack = append(stack, c.TargetNode)
			}
		}
	}
}

// nodeOutputs resolves a node's declared output ports, expanding dynamic
// strategies against the raw parameters.
func (s *scheduler) nodeOutputs(def *model.Node) []string {
	desc, err := s.kernel.registry.Describe(def.Type)
	if err != nil {
		return nil
	}
	return runtime.OutputsFor(desc, def.Parameters)
}

// edgeConditionHolds evaluates an optional connection condition against
// the first item of the payload. Compile or run failures log a warning
// and the edge delivers a dead branch.
func (s *scheduler) edgeConditionHolds(conn model.Connection, payload model.Payload) bool {
	key := conn.EdgeKey()
	program, ok := s.conditions[key]
	if !ok {
		var err error
		program, err = expr.Compile(conn.Condition, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			s.log.Warn("invalid edge condition",
				"execution_id", s.ec.ExecutionID, "edge", key, "error", err.Error())
			s.conditions[key] = nil
			return false
		}
		s.conditions[key] = program
	}
	if program == nil {
		return false
	}

	env := map[string]interface{}{"json": map[string]interface{}{}, "items": payload.Items}
	if len(payload.Items) > 0 {
		env["json"] = payload.Items[0].JSON
	}
	out, err := expr.Run(program, env)
	if err != nil {
		s.log.Warn("edge condition failed",
			"execution_id", s.ec.ExecutionID, "edge", key, "error", err.Error())
		return false
	}
	hold, _ := out.(bool)
	return hold
}

// computeBackEdges marks re-entry edges: every edge that closes a cycle
// (found by a DFS in declaration order so the result is stable) plus every
// "loop" output. Both ends of a loop cycle end up marked, so the
// controller's join never waits on its own body.
func computeBackEdges(wf *model.Workflow) map[string]bool {
	back := make(map[string]bool)

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(wf.Nodes))
	var visit func(n string)
	visit = func(n string) {
		color[n] = grey
		for _, c := range wf.Connections {
			if c.SourceNode != n || back[c.EdgeKey()] {
				continue
			}
			switch color[c.TargetNode] {
			case grey:
				back[c.EdgeKey()] = true
			case white:
				visit(c.TargetNode)
			}
		}
		color[n] = black
	}
	for _, n := range wf.Nodes {
		if color[n.Name] == white {
			visit(n.Name)
		}
	}
	for _, c := range wf.Connections {
		if c.SourceOutput == "loop" {
			back[c.EdgeKey()] = true
		}
	}
	return back
}

func sortedPorts(outputs map[string]model.Payload) []string {
	ports := make([]string, 0, len(outputs))
	for p := range outputs {
		ports = append(ports, p)
	}
	sort.Strings(ports)
	return ports
}
