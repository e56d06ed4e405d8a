package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/nodeflow-io/nodeflow/internal/recorder"
)

const streamKeepAlive = 15 * time.Second

// handleExecutionStream serves the events of one execution as
// server-sent events. The stream closes when the execution completes
// or the client disconnects.
func (s *Server) handleExecutionStream(w http.ResponseWriter, r *http.Request) {
	executionID := mux.Vars(r)["id"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := s.recorder.Subscribe()
	defer unsubscribe()

	// An execution that already finished produces no further events;
	// replay its terminal state so late subscribers still see it.
	if rec, found := s.recorder.Get(executionID); found && rec.EndTime != nil {
		writeSSE(w, recorder.Event{
			Type:        recorder.EventExecutionComplete,
			ExecutionID: rec.ID,
			WorkflowID:  rec.WorkflowID,
			Timestamp:   *rec.EndTime,
			Status:      string(rec.Status),
		})
		flusher.Flush()
		return
	}

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			if ev.ExecutionID != executionID {
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Type == recorder.EventExecutionComplete {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev recorder.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
}

// handleExecutionSocket streams all execution events over a websocket.
// Optional ?workflowId= filters to one workflow.
func (s *Server) handleExecutionSocket(w http.ResponseWriter, r *http.Request) {
	workflowID := r.URL.Query().Get("workflowId")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := s.recorder.Subscribe()
	defer unsubscribe()

	// Drain client frames so pings are answered and closes noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case ev, open := <-events:
			if !open {
				return
			}
			if workflowID != "" && ev.WorkflowID != workflowID {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
