// Package recorder keeps a bounded in-memory transcript of executions
// and fans execution events out to stream subscribers.
package recorder

import (
	"sync"
	"time"

	"github.com/nodeflow-io/nodeflow/internal/engine"
	"github.com/nodeflow-io/nodeflow/internal/platform/logger"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// DefaultCapacity bounds the record map when no capacity is configured.
const DefaultCapacity = 100

// Event types on the stream.
const (
	EventNodeStart         = "node:start"
	EventNodeComplete      = "node:complete"
	EventNodeError         = "node:error"
	EventExecutionComplete = "execution:complete"
)

// Event is one entry on the execution event stream.
type Event struct {
	Type        string       `json:"type"`
	ExecutionID string       `json:"executionId"`
	WorkflowID  string       `json:"workflowId"`
	NodeName    string       `json:"nodeName,omitempty"`
	NodeType    string       `json:"nodeType,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
	Data        []model.Item `json:"data,omitempty"`
	DurationMs  int64        `json:"durationMs,omitempty"`
	Error       string       `json:"error,omitempty"`
	Status      string       `json:"status,omitempty"`
}

// Record is the persisted transcript of one execution.
type Record struct {
	ID           string                    `json:"id"`
	WorkflowID   string                    `json:"workflowId"`
	WorkflowName string                    `json:"workflowName"`
	Status       engine.Status             `json:"status"`
	Mode         string                    `json:"mode"`
	StartTime    time.Time                 `json:"startTime"`
	EndTime      *time.Time                `json:"endTime,omitempty"`
	NodeData     map[string][]model.Item   `json:"nodeData"`
	Errors       []engine.ExecutionError   `json:"errors"`
	RunCounts    map[string]int            `json:"nodeRunCounts,omitempty"`
}

// Recorder is safe for concurrent use; executions running in parallel
// all report into the same bounded map.
type Recorder struct {
	mu          sync.Mutex
	capacity    int
	records     map[string]*Record
	order       []string // insertion order, for FIFO eviction
	subscribers map[int]chan Event
	nextSub     int
	log         logger.Logger
}

// New creates a recorder. A non-positive capacity falls back to
// DefaultCapacity.
func New(capacity int, log logger.Logger) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{
		capacity:    capacity,
		records:     make(map[string]*Record),
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Start registers a running execution, evicting the oldest completed
// record if the map is full. Running records are never evicted.
func (r *Recorder) Start(ec *engine.ExecutionContext) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.records) >= r.capacity {
		r.evictOldestCompleted()
	}
	rec := &Record{
		ID:           ec.ExecutionID,
		WorkflowID:   ec.Workflow.ID,
		WorkflowName: ec.Workflow.Name,
		Status:       engine.StatusRunning,
		Mode:         ec.Mode,
		StartTime:    ec.StartTime,
		NodeData:     make(map[string][]model.Item),
	}
	r.records[ec.ExecutionID] = rec
	r.order = append(r.order, ec.ExecutionID)
}

func (r *Recorder) evictOldestCompleted() {
	for i, id := range r.order {
		rec, ok := r.records[id]
		if !ok {
			continue
		}
		if rec.Status != engine.StatusRunning {
			delete(r.records, id)
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Complete copies the final state of a finished execution into its
// record.
func (r *Recorder) Complete(ec *engine.ExecutionContext) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[ec.ExecutionID]
	if !ok {
		return
	}
	end := ec.EndTime
	rec.EndTime = &end
	rec.Status = ec.Status
	rec.Errors = ec.Errors
	rec.RunCounts = ec.NodeRunCounts
	for name, items := range ec.NodeStates {
		rec.NodeData[name] = items
	}
}

// Fail marks a record failed with one error entry; used when an
// execution aborts before the scheduler produced a context.
func (r *Recorder) Fail(executionID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[executionID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	rec.EndTime = &now
	rec.Status = engine.StatusFailed
	rec.Errors = append(rec.Errors, engine.ExecutionError{Message: err.Error(), Timestamp: now})
}

// Get returns a record by execution id.
func (r *Recorder) Get(executionID string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[executionID]
	return rec, ok
}

// List returns records newest-first, optionally filtered by workflow id.
func (r *Recorder) List(workflowID string) []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Record, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		rec, ok := r.records[r.order[i]]
		if !ok {
			continue
		}
		if workflowID != "" && rec.WorkflowID != workflowID {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Delete removes a record. Deleting a running record is refused.
func (r *Recorder) Delete(executionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[executionID]
	if !ok || rec.Status == engine.StatusRunning {
		return false
	}
	delete(r.records, executionID)
	for i, id := range r.order {
		if id == executionID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Clear drops every completed record.
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.order[:0]
	for _, id := range r.order {
		rec, ok := r.records[id]
		if ok && rec.Status == engine.StatusRunning {
			kept = append(kept, id)
			continue
		}
		delete(r.records, id)
	}
	r.order = kept
}

// Len returns the number of stored records.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Subscribe returns a buffered event channel and an unsubscribe
// function. Delivery is best effort: a subscriber that falls behind
// misses events instead of blocking executions.
func (r *Recorder) Subscribe() (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextSub
	r.nextSub++
	ch := make(chan Event, 64)
	r.subscribers[id] = ch

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subscribers[id]; ok {
			delete(r.subscribers, id)
			close(c)
		}
	}
}

func (r *Recorder) publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
			r.log.Warn("event subscriber lagging, dropping event",
				"subscriber", id, "event", ev.Type, "execution_id", ev.ExecutionID)
		}
	}
}

// ExecutionStarted implements engine.EventSink.
func (r *Recorder) ExecutionStarted(ec *engine.ExecutionContext) {
	r.Start(ec)
}

// NodeStarted implements engine.EventSink.
func (r *Recorder) NodeStarted(ec *engine.ExecutionContext, nodeName, nodeType string) {
	r.publish(Event{
		Type:        EventNodeStart,
		ExecutionID: ec.ExecutionID,
		WorkflowID:  ec.Workflow.ID,
		NodeName:    nodeName,
		NodeType:    nodeType,
		Timestamp:   time.Now().UTC(),
	})
}

// NodeCompleted implements engine.EventSink.
func (r *Recorder) NodeCompleted(ec *engine.ExecutionContext, nodeName string, items []model.Item, d time.Duration) {
	r.publish(Event{
		Type:        EventNodeComplete,
		ExecutionID: ec.ExecutionID,
		WorkflowID:  ec.Workflow.ID,
		NodeName:    nodeName,
		Timestamp:   time.Now().UTC(),
		Data:        items,
		DurationMs:  d.Milliseconds(),
	})
}

// NodeFailed implements engine.EventSink.
func (r *Recorder) NodeFailed(ec *engine.ExecutionContext, nodeName string, err error) {
	r.publish(Event{
		Type:        EventNodeError,
		ExecutionID: ec.ExecutionID,
		WorkflowID:  ec.Workflow.ID,
		NodeName:    nodeName,
		Timestamp:   time.Now().UTC(),
		Error:       err.Error(),
	})
}

// ExecutionCompleted implements engine.EventSink.
func (r *Recorder) ExecutionCompleted(ec *engine.ExecutionContext) {
	r.Complete(ec)
	r.publish(Event{
		Type:        EventExecutionComplete,
		ExecutionID: ec.ExecutionID,
		WorkflowID:  ec.Workflow.ID,
		Timestamp:   time.Now().UTC(),
		Status:      string(ec.Status),
	})
}
