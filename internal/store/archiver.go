package store

import (
	"context"
	"time"

	"github.com/nodeflow-io/nodeflow/internal/engine"
	"github.com/nodeflow-io/nodeflow/internal/platform/logger"
	"github.com/nodeflow-io/nodeflow/internal/recorder"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// Archiver copies finished execution records out of the in-memory
// recorder into a durable execution store. It subscribes to the
// engine's event stream and writes once per execution, on completion.
type Archiver struct {
	recorder *recorder.Recorder
	store    ExecutionStore
	log      logger.Logger
	timeout  time.Duration
}

// NewArchiver creates an archiver over a recorder and a store.
func NewArchiver(rec *recorder.Recorder, store ExecutionStore, log logger.Logger) *Archiver {
	return &Archiver{recorder: rec, store: store, log: log, timeout: 5 * time.Second}
}

// ExecutionStarted implements engine.EventSink.
func (a *Archiver) ExecutionStarted(*engine.ExecutionContext) {}

// NodeStarted implements engine.EventSink.
func (a *Archiver) NodeStarted(*engine.ExecutionContext, string, string) {}

// NodeCompleted implements engine.EventSink.
func (a *Archiver) NodeCompleted(*engine.ExecutionContext, string, []model.Item, time.Duration) {}

// NodeFailed implements engine.EventSink.
func (a *Archiver) NodeFailed(*engine.ExecutionContext, string, error) {}

// ExecutionCompleted persists the finished record. The recorder runs
// ahead of this sink in the fan-out order, so the record is final here.
func (a *Archiver) ExecutionCompleted(ec *engine.ExecutionContext) {
	rec, ok := a.recorder.Get(ec.ExecutionID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.store.Save(ctx, rec); err != nil {
		a.log.Error("archiving execution record",
			"execution_id", ec.ExecutionID, "error", err)
	}
}
