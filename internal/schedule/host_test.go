package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeflow-io/nodeflow/internal/engine"
	"github.com/nodeflow-io/nodeflow/internal/node/nodes"
	"github.com/nodeflow-io/nodeflow/internal/platform/logger"
	"github.com/nodeflow-io/nodeflow/internal/store"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

func newTestHost(t *testing.T) (*Host, *store.MemoryWorkflowStore) {
	t.Helper()
	log := logger.NewNop()
	eng := engine.New(nodes.NewRegistry(), log)
	workflows := store.NewMemoryWorkflowStore()
	return NewHost(eng, workflows, log, time.Minute), workflows
}

func cronWorkflow(name, expression string, active bool) *model.Workflow {
	return &model.Workflow{
		Name:   name,
		Active: active,
		Nodes: []model.Node{
			{Name: "Every Minute", Type: "cron", Parameters: map[string]interface{}{
				"expression": expression,
			}},
			{Name: "Set", Type: "set", Parameters: map[string]interface{}{
				"values": []interface{}{
					map[string]interface{}{"name": "ran", "value": true},
				},
			}},
		},
		Connections: []model.Connection{
			{SourceNode: "Every Minute", SourceOutput: "main", TargetNode: "Set", TargetInput: "main"},
		},
	}
}

func TestRefreshRegistersActiveCronTriggers(t *testing.T) {
	host, workflows := newTestHost(t)
	ctx := context.Background()

	active := cronWorkflow("active", "* * * * *", true)
	inactive := cronWorkflow("inactive", "* * * * *", false)
	require.NoError(t, workflows.Create(ctx, active))
	require.NoError(t, workflows.Create(ctx, inactive))

	require.NoError(t, host.Refresh(ctx))
	assert.Equal(t, 1, host.Jobs())
}

func TestRefreshDropsRemovedTriggers(t *testing.T) {
	host, workflows := newTestHost(t)
	ctx := context.Background()

	wf := cronWorkflow("wf", "* * * * *", true)
	require.NoError(t, workflows.Create(ctx, wf))
	require.NoError(t, host.Refresh(ctx))
	require.Equal(t, 1, host.Jobs())

	wf.Active = false
	require.NoError(t, workflows.Update(ctx, wf))
	require.NoError(t, host.Refresh(ctx))
	assert.Equal(t, 0, host.Jobs())
}

func TestRefreshReplacesChangedExpression(t *testing.T) {
	host, workflows := newTestHost(t)
	ctx := context.Background()

	wf := cronWorkflow("wf", "* * * * *", true)
	require.NoError(t, workflows.Create(ctx, wf))
	require.NoError(t, host.Refresh(ctx))

	wf.Nodes[0].Parameters["expression"] = "*/5 * * * *"
	require.NoError(t, workflows.Update(ctx, wf))
	require.NoError(t, host.Refresh(ctx))

	assert.Equal(t, 1, host.Jobs())
	host.mu.Lock()
	job := host.jobs[wf.ID+"/Every Minute"]
	host.mu.Unlock()
	assert.Equal(t, "*/5 * * * *", job.expression)
}

func TestRefreshSkipsInvalidExpression(t *testing.T) {
	host, workflows := newTestHost(t)
	ctx := context.Background()

	wf := cronWorkflow("wf", "not a cron line", true)
	require.NoError(t, workflows.Create(ctx, wf))
	require.NoError(t, host.Refresh(ctx))
	assert.Equal(t, 0, host.Jobs())
}

func TestFireRunsWorkflow(t *testing.T) {
	host, workflows := newTestHost(t)
	ctx := context.Background()

	wf := cronWorkflow("wf", "* * * * *", true)
	require.NoError(t, workflows.Create(ctx, wf))

	host.fire(wf.ID, "Every Minute")
	// No assertion surface beyond the engine finishing without panic;
	// execution results are covered by the engine tests.
}

func TestFireSkipsDeactivatedWorkflow(t *testing.T) {
	host, workflows := newTestHost(t)
	ctx := context.Background()

	wf := cronWorkflow("wf", "* * * * *", false)
	require.NoError(t, workflows.Create(ctx, wf))
	host.fire(wf.ID, "Every Minute")
}

func TestStartStop(t *testing.T) {
	host, workflows := newTestHost(t)
	ctx := context.Background()

	require.NoError(t, workflows.Create(ctx, cronWorkflow("wf", "* * * * *", true)))
	require.NoError(t, host.Start(ctx))
	assert.Equal(t, 1, host.Jobs())
	host.Stop()
}
