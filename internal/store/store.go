// Package store defines the persistence boundary for workflow
// definitions and execution records, with in-memory and Redis
// implementations.
package store

import (
	"context"
	"errors"

	"github.com/nodeflow-io/nodeflow/internal/recorder"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// ErrNotFound is returned when an id does not exist in the store.
var ErrNotFound = errors.New("not found")

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	Create(ctx context.Context, wf *model.Workflow) error
	Get(ctx context.Context, id string) (*model.Workflow, error)
	Update(ctx context.Context, wf *model.Workflow) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*model.Workflow, error)
}

// ExecutionStore persists finished execution records beyond the
// recorder's bounded window.
type ExecutionStore interface {
	Save(ctx context.Context, rec *recorder.Record) error
	Get(ctx context.Context, id string) (*recorder.Record, error)
	List(ctx context.Context, workflowID string) ([]*recorder.Record, error)
	Delete(ctx context.Context, id string) error
}
