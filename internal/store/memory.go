package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodeflow-io/nodeflow/internal/recorder"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// MemoryWorkflowStore keeps workflows in a map; the default backend for
// development and tests.
type MemoryWorkflowStore struct {
	mu        sync.RWMutex
	workflows map[string]*model.Workflow
}

// NewMemoryWorkflowStore creates an empty in-memory workflow store.
func NewMemoryWorkflowStore() *MemoryWorkflowStore {
	return &MemoryWorkflowStore{workflows: make(map[string]*model.Workflow)}
}

// Create stores a new workflow, assigning an id when missing.
func (s *MemoryWorkflowStore) Create(ctx context.Context, wf *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	s.workflows[wf.ID] = wf
	return nil
}

// Get returns a workflow by id.
func (s *MemoryWorkflowStore) Get(ctx context.Context, id string) (*model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return wf, nil
}

// Update replaces an existing workflow.
func (s *MemoryWorkflowStore) Update(ctx context.Context, wf *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.workflows[wf.ID]
	if !ok {
		return ErrNotFound
	}
	wf.CreatedAt = existing.CreatedAt
	wf.UpdatedAt = time.Now().UTC()
	s.workflows[wf.ID] = wf
	return nil
}

// Delete removes a workflow.
func (s *MemoryWorkflowStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return ErrNotFound
	}
	delete(s.workflows, id)
	return nil
}

// List returns all workflows sorted by creation time, oldest first.
func (s *MemoryWorkflowStore) List(ctx context.Context) ([]*model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MemoryExecutionStore keeps execution records in a map.
type MemoryExecutionStore struct {
	mu      sync.RWMutex
	records map[string]*recorder.Record
}

// NewMemoryExecutionStore creates an empty in-memory execution store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{records: make(map[string]*recorder.Record)}
}

// Save upserts an execution record.
func (s *MemoryExecutionStore) Save(ctx context.Context, rec *recorder.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

// Get returns a record by execution id.
func (s *MemoryExecutionStore) Get(ctx context.Context, id string) (*recorder.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// List returns records sorted by start time, newest first, optionally
// filtered by workflow id.
func (s *MemoryExecutionStore) List(ctx context.Context, workflowID string) ([]*recorder.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*recorder.Record, 0, len(s.records))
	for _, rec := range s.records {
		if workflowID != "" && rec.WorkflowID != workflowID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out, nil
}

// Delete removes a record.
func (s *MemoryExecutionStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}
