// Package engine contains the execution core: the scheduler that walks a
// workflow graph, the kernel that runs individual nodes, and the engine
// façade that owns running executions.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodeflow-io/nodeflow/internal/node/runtime"
	"github.com/nodeflow-io/nodeflow/internal/platform/logger"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// Engine runs workflows. It is safe for concurrent use; each Run drives
// an independent execution.
type Engine struct {
	registry *runtime.Registry
	kernel   *Kernel
	log      logger.Logger
	sinks    []EventSink

	mu      sync.Mutex
	running map[string]*runHandle
}

type runHandle struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	waiting map[string]func([]model.Item)
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	sinks []EventSink
	env   map[string]string
}

// WithEventSink subscribes a sink to execution events.
func WithEventSink(sink EventSink) Option {
	return func(o *engineOptions) { o.sinks = append(o.sinks, sink) }
}

// WithEnv sets the environment exposed to expressions as $env.
func WithEnv(env map[string]string) Option {
	return func(o *engineOptions) { o.env = env }
}

// New creates an engine over a node registry.
func New(registry *runtime.Registry, log logger.Logger, opts ...Option) *Engine {
	o := &engineOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return &Engine{
		registry: registry,
		kernel:   NewKernel(registry, log, o.env),
		log:      log,
		sinks:    o.sinks,
		running:  make(map[string]*runHandle),
	}
}

// Run executes a workflow synchronously and returns the finished context.
// startNode may be empty, in which case the first trigger node in
// declaration order is used. The context error (if the caller cancels) is
// reflected as a cancelled execution, not a Run error.
func (e *Engine) Run(ctx context.Context, wf *model.Workflow, startNode string, items []model.Item, mode string) (*ExecutionContext, error) {
	if startNode == "" {
		start := e.FindStartNode(wf)
		if start == nil {
			return nil, fmt.Errorf("workflow %q has no trigger node", wf.Name)
		}
		startNode = start.Name
	} else if wf.NodeByName(startNode) == nil {
		return nil, fmt.Errorf("start node %q not found in workflow", startNode)
	}

	ec := NewExecutionContext(wf, uuid.NewString(), mode)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	handle := &runHandle{cancel: cancel, waiting: make(map[string]func([]model.Item))}
	e.mu.Lock()
	e.running[ec.ExecutionID] = handle
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, ec.ExecutionID)
		e.mu.Unlock()
	}()

	e.log.Info("execution start",
		"execution_id", ec.ExecutionID, "workflow_id", wf.ID, "mode", mode, "start_node", startNode)

	sink := multiSink(e.sinks)
	sink.ExecutionStarted(ec)
	s := newScheduler(wf, e.kernel, ec, e.log, sink, handle.registerResume)
	s.run(runCtx, startNode, items)

	sink.ExecutionCompleted(ec)
	e.log.Info("execution complete",
		"execution_id", ec.ExecutionID, "workflow_id", wf.ID,
		"status", string(ec.Status), "duration_ms", ec.EndTime.Sub(ec.StartTime).Milliseconds())
	return ec, nil
}

// Cancel requests cancellation of a running execution. It returns false
// when no execution with that id is running.
func (e *Engine) Cancel(executionID string) bool {
	e.mu.Lock()
	handle, ok := e.running[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	handle.cancel()
	return true
}

// Resume fires a webhook resume handle of a waiting node. It returns
// false when the execution or handle is unknown.
func (e *Engine) Resume(executionID, handle string, items []model.Item) bool {
	e.mu.Lock()
	h, ok := e.running[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	h.mu.Lock()
	hook, ok := h.waiting[handle]
	if ok {
		delete(h.waiting, handle)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	hook(items)
	return true
}

// FindStartNode returns the first trigger node in declaration order.
func (e *Engine) FindStartNode(wf *model.Workflow) *model.Node {
	for i := range wf.Nodes {
		desc, err := e.registry.Describe(wf.Nodes[i].Type)
		if err == nil && desc.IsTrigger {
			return &wf.Nodes[i]
		}
	}
	return nil
}

func (h *runHandle) registerResume(handle string, hook func([]model.Item)) {
	h.mu.Lock()
	h.waiting[handle] = hook
	h.mu.Unlock()
}

// multiSink fans events out to every subscriber.
type multiSink []EventSink

func (m multiSink) ExecutionStarted(ec *ExecutionContext) {
	for _, s := range m {
		s.ExecutionStarted(ec)
	}
}

func (m multiSink) NodeStarted(ec *ExecutionContext, nodeName, nodeType string) {
	for _, s := range m {
		s.NodeStarted(ec, nodeName, nodeType)
	}
}

func (m multiSink) NodeCompleted(ec *ExecutionContext, nodeName string, items []model.Item, d time.Duration) {
	for _, s := range m {
		s.NodeCompleted(ec, nodeName, items, d)
	}
}

func (m multiSink) NodeFailed(ec *ExecutionContext, nodeName string, err error) {
	for _, s := range m {
		s.NodeFailed(ec, nodeName, err)
	}
}

func (m multiSink) ExecutionCompleted(ec *ExecutionContext) {
	for _, s := range m {
		s.ExecutionCompleted(ec)
	}
}
