package engine

import (
	"time"

	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// Status is the lifecycle state of an execution.
type Status string

// Execution statuses.
const (
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Mode values for how an execution was started.
const (
	ModeManual  = "manual"
	ModeWebhook = "webhook"
	ModeCron    = "cron"
)

// ExecutionError is one recorded failure inside an execution.
type ExecutionError struct {
	NodeName  string    `json:"nodeName"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionContext is the mutable state of one workflow run. An execution
// is driven by a single goroutine, so the context carries no locking; the
// scheduler owns it until the run finishes, after which it is read-only.
type ExecutionContext struct {
	Workflow    *model.Workflow `json:"-"`
	ExecutionID string          `json:"executionId"`
	Mode        string          `json:"mode"`
	StartTime   time.Time       `json:"startTime"`
	EndTime     time.Time       `json:"endTime,omitempty"`
	Status      Status          `json:"status"`

	// NodeStates holds the last successful output items per node name,
	// the data $node["Name"].json reads.
	NodeStates map[string][]model.Item `json:"nodeStates"`
	// NodeRunCounts counts completed runs per node name.
	NodeRunCounts map[string]int `json:"nodeRunCounts"`
	// PendingInputs buffers join deliveries: target node -> edge key ->
	// payload. Cleared when the target is enqueued.
	PendingInputs map[string]map[string]model.Payload `json:"-"`
	// NodeInternalState holds per-node private state surviving loop
	// re-entries (the SplitInBatches cursor lives here).
	NodeInternalState map[string]map[string]interface{} `json:"-"`
	Errors            []ExecutionError                  `json:"errors"`
}

// NewExecutionContext builds a fresh context for one run.
func NewExecutionContext(wf *model.Workflow, executionID, mode string) *ExecutionContext {
	return &ExecutionContext{
		Workflow:          wf,
		ExecutionID:       executionID,
		Mode:              mode,
		StartTime:         time.Now().UTC(),
		Status:            StatusRunning,
		NodeStates:        make(map[string][]model.Item),
		NodeRunCounts:     make(map[string]int),
		PendingInputs:     make(map[string]map[string]model.Payload),
		NodeInternalState: make(map[string]map[string]interface{}),
	}
}

// InternalState returns the private state bag for a node, creating it on
// first use.
func (ec *ExecutionContext) InternalState(nodeName string) map[string]interface{} {
	s, ok := ec.NodeInternalState[nodeName]
	if !ok {
		s = make(map[string]interface{})
		ec.NodeInternalState[nodeName] = s
	}
	return s
}

// RecordError appends an error entry.
func (ec *ExecutionContext) RecordError(nodeName string, err error) {
	ec.Errors = append(ec.Errors, ExecutionError{
		NodeName:  nodeName,
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

// Finalize stamps the end time and derives the terminal status: cancelled
// wins, otherwise failed iff any error was recorded.
func (ec *ExecutionContext) Finalize(cancelled bool) {
	ec.EndTime = time.Now().UTC()
	switch {
	case cancelled:
		ec.Status = StatusCancelled
	case len(ec.Errors) > 0:
		ec.Status = StatusFailed
	default:
		ec.Status = StatusSuccess
	}
}
