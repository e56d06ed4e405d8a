package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeflow-io/nodeflow/internal/engine"
	"github.com/nodeflow-io/nodeflow/internal/recorder"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

func TestMemoryWorkflowStoreCRUD(t *testing.T) {
	s := NewMemoryWorkflowStore()
	ctx := context.Background()

	wf := &model.Workflow{Name: "first"}
	require.NoError(t, s.Create(ctx, wf))
	assert.NotEmpty(t, wf.ID)
	assert.False(t, wf.CreatedAt.IsZero())

	got, err := s.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)

	wf.Name = "renamed"
	require.NoError(t, s.Update(ctx, wf))
	got, err = s.Get(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	second := &model.Workflow{Name: "second"}
	require.NoError(t, s.Create(ctx, second))
	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, wf.ID))
	_, err = s.Get(ctx, wf.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, wf.ID), ErrNotFound)
}

func TestMemoryWorkflowStoreUpdateMissing(t *testing.T) {
	s := NewMemoryWorkflowStore()
	err := s.Update(context.Background(), &model.Workflow{ID: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryExecutionStore(t *testing.T) {
	s := NewMemoryExecutionStore()
	ctx := context.Background()

	recA := &recorder.Record{ID: "a", WorkflowID: "wf-1", Status: engine.StatusSuccess}
	recB := &recorder.Record{ID: "b", WorkflowID: "wf-2", Status: engine.StatusFailed}
	require.NoError(t, s.Save(ctx, recA))
	require.NoError(t, s.Save(ctx, recB))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSuccess, got.Status)

	filtered, err := s.List(ctx, "wf-2")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "b", filtered[0].ID)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}
