package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeflow-io/nodeflow/internal/engine"
	"github.com/nodeflow-io/nodeflow/internal/node/nodes"
	"github.com/nodeflow-io/nodeflow/internal/platform/config"
	"github.com/nodeflow-io/nodeflow/internal/platform/logger"
	"github.com/nodeflow-io/nodeflow/internal/recorder"
	"github.com/nodeflow-io/nodeflow/internal/store"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

func newTestServer(t *testing.T) (*Server, *store.MemoryWorkflowStore, *recorder.Recorder) {
	t.Helper()

	log := logger.NewNop()
	registry := nodes.NewRegistry()
	rec := recorder.New(10, log)
	eng := engine.New(registry, log, engine.WithEventSink(rec))
	workflows := store.NewMemoryWorkflowStore()

	srv, err := New(
		WithConfig(&config.Config{}),
		WithLogger(log),
		WithRegistry(registry),
		WithEngine(eng),
		WithRecorder(rec),
		WithWorkflowStore(workflows),
	)
	require.NoError(t, err)
	return srv, workflows, rec
}

func simpleWorkflow() *model.Workflow {
	return &model.Workflow{
		Name:   "simple",
		Active: true,
		Nodes: []model.Node{
			{Name: "Start", Type: "start"},
			{Name: "Set", Type: "set", Parameters: map[string]interface{}{
				"values": []interface{}{
					map[string]interface{}{"name": "greeting", "value": "hello"},
				},
			}},
		},
		Connections: []model.Connection{
			{SourceNode: "Start", SourceOutput: "main", TargetNode: "Set", TargetInput: "main"},
		},
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(w.Body).Decode(out))
}

func TestWorkflowCRUD(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	w := doJSON(t, h, "POST", "/api/workflows", simpleWorkflow())
	require.Equal(t, http.StatusCreated, w.Code)
	var created model.Workflow
	decode(t, w, &created)
	require.NotEmpty(t, created.ID)

	w = doJSON(t, h, "GET", "/api/workflows/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	created.Name = "renamed"
	w = doJSON(t, h, "PUT", "/api/workflows/"+created.ID, created)
	require.Equal(t, http.StatusOK, w.Code)
	var updated model.Workflow
	decode(t, w, &updated)
	assert.Equal(t, "renamed", updated.Name)

	w = doJSON(t, h, "GET", "/api/workflows", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var all []model.Workflow
	decode(t, w, &all)
	assert.Len(t, all, 1)

	w = doJSON(t, h, "DELETE", "/api/workflows/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, h, "GET", "/api/workflows/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateWorkflowRejectsInvalid(t *testing.T) {
	srv, _, _ := newTestServer(t)

	wf := simpleWorkflow()
	wf.Nodes[1].Type = "no_such_type"
	w := doJSON(t, srv.Handler(), "POST", "/api/workflows", wf)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var report struct {
		Errors []struct {
			Code string `json:"code"`
		} `json:"errors"`
	}
	decode(t, w, &report)
	require.NotEmpty(t, report.Errors)
	assert.Equal(t, "unknown_type", report.Errors[0].Code)
}

func TestRunWorkflow(t *testing.T) {
	srv, workflows, _ := newTestServer(t)
	wf := simpleWorkflow()
	require.NoError(t, workflows.Create(context.Background(), wf))

	w := doJSON(t, srv.Handler(), "POST", "/api/workflows/"+wf.ID+"/run", runRequest{
		Items: []model.Item{model.NewItem(map[string]interface{}{"n": 1})},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var rec recorder.Record
	decode(t, w, &rec)
	assert.Equal(t, engine.StatusSuccess, rec.Status)
	require.Len(t, rec.NodeData["Set"], 1)
	assert.Equal(t, "hello", rec.NodeData["Set"][0].JSON["greeting"])
}

func TestRunMissingWorkflow(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), "POST", "/api/workflows/nope/run", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunAdhoc(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doJSON(t, srv.Handler(), "POST", "/api/workflows/run-adhoc", adhocRequest{
		Workflow: *simpleWorkflow(),
		Items:    []model.Item{model.NewItem(map[string]interface{}{})},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var rec recorder.Record
	decode(t, w, &rec)
	assert.Equal(t, engine.StatusSuccess, rec.Status)
}

func TestExecutionEndpoints(t *testing.T) {
	srv, workflows, _ := newTestServer(t)
	h := srv.Handler()
	wf := simpleWorkflow()
	require.NoError(t, workflows.Create(context.Background(), wf))

	w := doJSON(t, h, "POST", "/api/workflows/"+wf.ID+"/run", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec recorder.Record
	decode(t, w, &rec)

	w = doJSON(t, h, "GET", "/api/executions?workflowId="+wf.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []recorder.Record
	decode(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)

	w = doJSON(t, h, "GET", "/api/executions/"+rec.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, "DELETE", "/api/executions/"+rec.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, h, "GET", "/api/executions/"+rec.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelUnknownExecution(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), "POST", "/api/executions/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListNodes(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), "GET", "/api/nodes", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var descriptors []struct {
		Type      string `json:"type"`
		IsTrigger bool   `json:"isTrigger"`
	}
	decode(t, w, &descriptors)

	types := make(map[string]bool)
	for _, d := range descriptors {
		types[d.Type] = true
	}
	for _, want := range []string{"start", "webhook", "cron", "set", "http_request", "code", "if", "switch", "merge", "split_in_batches", "wait", "error_trigger"} {
		assert.True(t, types[want], "missing descriptor for %s", want)
	}
}

func webhookWorkflow(active bool) *model.Workflow {
	return &model.Workflow{
		Name:   "hook",
		Active: active,
		Nodes: []model.Node{
			{Name: "Hook", Type: "webhook"},
			{Name: "Set", Type: "set", Parameters: map[string]interface{}{
				"values": []interface{}{
					map[string]interface{}{"name": "seen", "value": true},
				},
			}},
		},
		Connections: []model.Connection{
			{SourceNode: "Hook", SourceOutput: "main", TargetNode: "Set", TargetInput: "main"},
		},
	}
}

func TestWebhookTrigger(t *testing.T) {
	srv, workflows, rec := newTestServer(t)
	wf := webhookWorkflow(true)
	require.NoError(t, workflows.Create(context.Background(), wf))

	w := doJSON(t, srv.Handler(), "POST", "/webhook/"+wf.ID+"?source=test", map[string]interface{}{"order": 42})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ExecutionID string `json:"executionId"`
		Status      string `json:"status"`
	}
	decode(t, w, &resp)
	assert.Equal(t, string(engine.StatusSuccess), resp.Status)

	record, ok := rec.Get(resp.ExecutionID)
	require.True(t, ok)
	require.Len(t, record.NodeData["Hook"], 1)
	payload := record.NodeData["Hook"][0].JSON
	assert.Equal(t, "POST", payload["method"])
	body, _ := payload["body"].(map[string]interface{})
	assert.EqualValues(t, 42, body["order"])
	query, _ := payload["query"].(map[string]interface{})
	assert.Equal(t, "test", query["source"])
}

func TestWebhookMissingWorkflow(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), "POST", "/webhook/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookInactiveWorkflow(t *testing.T) {
	srv, workflows, _ := newTestServer(t)
	wf := webhookWorkflow(false)
	require.NoError(t, workflows.Create(context.Background(), wf))

	w := doJSON(t, srv.Handler(), "POST", "/webhook/"+wf.ID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookWithoutTriggerNode(t *testing.T) {
	srv, workflows, _ := newTestServer(t)
	wf := simpleWorkflow()
	require.NoError(t, workflows.Create(context.Background(), wf))

	w := doJSON(t, srv.Handler(), "POST", "/webhook/"+wf.ID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookMethodRestriction(t *testing.T) {
	srv, workflows, _ := newTestServer(t)
	wf := webhookWorkflow(true)
	wf.Nodes[0].Parameters = map[string]interface{}{"method": "POST"}
	require.NoError(t, workflows.Create(context.Background(), wf))

	w := doJSON(t, srv.Handler(), "GET", "/webhook/"+wf.ID, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = doJSON(t, srv.Handler(), "POST", "/webhook/"+wf.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookMethodAnyUnrestricted(t *testing.T) {
	srv, workflows, _ := newTestServer(t)
	wf := webhookWorkflow(true)
	wf.Nodes[0].Parameters = map[string]interface{}{"method": "ANY"}
	require.NoError(t, workflows.Create(context.Background(), wf))

	for _, method := range []string{"GET", "PUT", "DELETE"} {
		w := doJSON(t, srv.Handler(), method, "/webhook/"+wf.ID, nil)
		assert.Equal(t, http.StatusOK, w.Code, method)
	}
}

func TestExecutionStreamReplaysCompleted(t *testing.T) {
	srv, workflows, _ := newTestServer(t)
	wf := simpleWorkflow()
	require.NoError(t, workflows.Create(context.Background(), wf))

	w := doJSON(t, srv.Handler(), "POST", "/api/workflows/"+wf.ID+"/run", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rec recorder.Record
	decode(t, w, &rec)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(fmt.Sprintf("%s/execution-stream/%s", ts.URL, rec.ID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var sawComplete bool
	for i := 0; i < 10; i++ {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "event: "+recorder.EventExecutionComplete) {
			sawComplete = true
			break
		}
	}
	assert.True(t, sawComplete, "expected a terminal execution event on the stream")
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), "GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
