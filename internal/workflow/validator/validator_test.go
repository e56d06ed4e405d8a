package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeflow-io/nodeflow/internal/node/nodes"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

func newValidator() *Validator {
	return New(nodes.NewRegistry())
}

func conn(src, out, dst string) model.Connection {
	return model.Connection{SourceNode: src, SourceOutput: out, TargetNode: dst, TargetInput: "main"}
}

func codes(issues []Issue) []string {
	out := make([]string, len(issues))
	for i, issue := range issues {
		out[i] = issue.Code
	}
	return out
}

func TestValidWorkflow(t *testing.T) {
	wf := &model.Workflow{
		Nodes: []model.Node{
			{Name: "Start", Type: "start"},
			{Name: "Set", Type: "set"},
		},
		Connections: []model.Connection{conn("Start", "main", "Set")},
	}
	report := newValidator().Validate(wf)
	assert.True(t, report.Valid())
	assert.Empty(t, report.Warnings)
}

func TestEmptyWorkflow(t *testing.T) {
	report := newValidator().Validate(&model.Workflow{})
	require.False(t, report.Valid())
	assert.Equal(t, "empty_workflow", report.Errors[0].Code)
}

func TestDuplicateNames(t *testing.T) {
	wf := &model.Workflow{
		Nodes: []model.Node{
			{Name: "Start", Type: "start"},
			{Name: "Start", Type: "set"},
		},
	}
	report := newValidator().Validate(wf)
	require.False(t, report.Valid())
	assert.Contains(t, codes(report.Errors), "duplicate_name")
}

func TestUnknownType(t *testing.T) {
	wf := &model.Workflow{
		Nodes: []model.Node{
			{Name: "Start", Type: "start"},
			{Name: "Mystery", Type: "does_not_exist"},
		},
	}
	report := newValidator().Validate(wf)
	require.False(t, report.Valid())
	assert.Contains(t, codes(report.Errors), "unknown_type")
}

func TestDanglingConnection(t *testing.T) {
	wf := &model.Workflow{
		Nodes:       []model.Node{{Name: "Start", Type: "start"}},
		Connections: []model.Connection{conn("Start", "main", "Ghost")},
	}
	report := newValidator().Validate(wf)
	require.False(t, report.Valid())
	assert.Contains(t, codes(report.Errors), "dangling_connection")
}

func TestSelfLoopOnNonLoopOutput(t *testing.T) {
	wf := &model.Workflow{
		Nodes:       []model.Node{{Name: "A", Type: "set"}},
		Connections: []model.Connection{conn("A", "main", "A")},
	}
	report := newValidator().Validate(wf)
	require.False(t, report.Valid())
	assert.Contains(t, codes(report.Errors), "self_loop")
}

func TestMissingRequiredParameter(t *testing.T) {
	wf := &model.Workflow{
		Nodes: []model.Node{
			{Name: "Start", Type: "start"},
			{Name: "Fetch", Type: "http_request"},
			{Name: "Script", Type: "code", Parameters: map[string]interface{}{"code": ""}},
		},
		Connections: []model.Connection{
			conn("Start", "main", "Fetch"),
			conn("Fetch", "main", "Script"),
		},
	}
	report := newValidator().Validate(wf)
	require.False(t, report.Valid())
	assert.Equal(t, []string{"missing_parameter", "missing_parameter"}, codes(report.Errors))
}

func TestTriggerWithIncomingEdgeWarns(t *testing.T) {
	wf := &model.Workflow{
		Nodes: []model.Node{
			{Name: "Start", Type: "start"},
			{Name: "Hook", Type: "webhook"},
		},
		Connections: []model.Connection{conn("Start", "main", "Hook")},
	}
	report := newValidator().Validate(wf)
	assert.True(t, report.Valid())
	assert.Contains(t, codes(report.Warnings), "trigger_with_input")
}

func TestUnreachableNodeWarns(t *testing.T) {
	wf := &model.Workflow{
		Nodes: []model.Node{
			{Name: "Start", Type: "start"},
			{Name: "Orphan", Type: "set"},
		},
	}
	report := newValidator().Validate(wf)
	assert.True(t, report.Valid())
	assert.Contains(t, codes(report.Warnings), "unreachable")
}

func TestNonLoopCycleWarnsWithPath(t *testing.T) {
	wf := &model.Workflow{
		Nodes: []model.Node{
			{Name: "Start", Type: "start"},
			{Name: "A", Type: "set"},
			{Name: "B", Type: "set"},
		},
		Connections: []model.Connection{
			conn("Start", "main", "A"),
			conn("A", "main", "B"),
			conn("B", "main", "A"),
		},
	}
	report := newValidator().Validate(wf)
	assert.True(t, report.Valid())
	require.Contains(t, codes(report.Warnings), "cycle")
	for _, w := range report.Warnings {
		if w.Code == "cycle" {
			assert.Contains(t, w.Message, "A -> B -> A")
		}
	}
}

func TestLoopCycleDoesNotWarn(t *testing.T) {
	wf := &model.Workflow{
		Nodes: []model.Node{
			{Name: "Start", Type: "start"},
			{Name: "Controller", Type: "split_in_batches"},
			{Name: "Body", Type: "set"},
		},
		Connections: []model.Connection{
			conn("Start", "main", "Controller"),
			conn("Controller", "loop", "Body"),
			conn("Body", "main", "Controller"),
		},
	}
	report := newValidator().Validate(wf)
	assert.True(t, report.Valid())
	assert.NotContains(t, codes(report.Warnings), "cycle")
}

func TestMergeSingleInputWarns(t *testing.T) {
	wf := &model.Workflow{
		Nodes: []model.Node{
			{Name: "Start", Type: "start"},
			{Name: "Merge", Type: "merge"},
		},
		Connections: []model.Connection{conn("Start", "main", "Merge")},
	}
	report := newValidator().Validate(wf)
	assert.Contains(t, codes(report.Warnings), "merge_single_input")
}

func TestBranchWithoutOutputsWarns(t *testing.T) {
	wf := &model.Workflow{
		Nodes: []model.Node{
			{Name: "Start", Type: "start"},
			{Name: "If", Type: "if", Parameters: map[string]interface{}{
				"field": "x", "operation": "equals", "value": "y",
			}},
		},
		Connections: []model.Connection{conn("Start", "main", "If")},
	}
	report := newValidator().Validate(wf)
	assert.Contains(t, codes(report.Warnings), "branch_no_outputs")
}

func TestValidationIsIdempotent(t *testing.T) {
	wf := &model.Workflow{
		Nodes: []model.Node{
			{Name: "Start", Type: "start"},
			{Name: "Start", Type: "set"},
			{Name: "Orphan", Type: "set"},
			{Name: "Bad", Type: "nope"},
		},
	}
	v := newValidator()
	first := v.Validate(wf)
	second := v.Validate(wf)
	assert.Equal(t, first, second)
}
