// Package schedule runs cron-triggered workflows. The host scans the
// workflow store for active workflows carrying cron trigger nodes and
// keeps a cron entry per trigger.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nodeflow-io/nodeflow/internal/engine"
	"github.com/nodeflow-io/nodeflow/internal/platform/logger"
	"github.com/nodeflow-io/nodeflow/internal/store"
	"github.com/nodeflow-io/nodeflow/internal/workflow/model"
)

// DefaultRefreshInterval is how often the host re-scans the store for
// workflow changes.
const DefaultRefreshInterval = 30 * time.Second

// Host owns the cron runner and the mapping from workflow triggers to
// cron entries.
type Host struct {
	cron      *cron.Cron
	engine    *engine.Engine
	workflows store.WorkflowStore
	logger    logger.Logger
	interval  time.Duration

	mu      sync.Mutex
	jobs    map[string]scheduledJob // key: workflowID + "/" + nodeName
	running bool
	stop    chan struct{}
}

type scheduledJob struct {
	entryID    cron.EntryID
	expression string
}

// NewHost creates a schedule host. A non-positive refresh interval
// falls back to DefaultRefreshInterval.
func NewHost(eng *engine.Engine, workflows store.WorkflowStore, log logger.Logger, refresh time.Duration) *Host {
	if refresh <= 0 {
		refresh = DefaultRefreshInterval
	}
	return &Host{
		cron:      cron.New(cron.WithLocation(time.UTC)),
		engine:    eng,
		workflows: workflows,
		logger:    log,
		interval:  refresh,
		jobs:      make(map[string]scheduledJob),
		stop:      make(chan struct{}),
	}
}

// Start loads the current schedules, starts the cron runner and begins
// periodic refreshes.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.mu.Unlock()

	if err := h.Refresh(ctx); err != nil {
		return fmt.Errorf("loading schedules: %w", err)
	}
	h.cron.Start()
	go h.refreshLoop(ctx)

	h.logger.Info("schedule host started", "refresh_interval", h.interval.String())
	return nil
}

// Stop halts the cron runner, waiting for in-flight jobs.
func (h *Host) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stop)
	h.mu.Unlock()

	<-h.cron.Stop().Done()
	h.logger.Info("schedule host stopped")
}

func (h *Host) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.Refresh(ctx); err != nil {
				h.logger.Error("refreshing schedules", "error", err)
			}
		}
	}
}

// Refresh reconciles cron entries with the store: new or changed
// triggers are (re)registered, removed or deactivated ones dropped.
func (h *Host) Refresh(ctx context.Context) error {
	workflows, err := h.workflows.List(ctx)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	seen := make(map[string]bool)
	for _, wf := range workflows {
		if !wf.Active {
			continue
		}
		for i := range wf.Nodes {
			node := &wf.Nodes[i]
			if node.Type != "cron" || node.Disabled {
				continue
			}
			expression, ok := node.Parameters["expression"].(string)
			if !ok || expression == "" {
				continue
			}

			key := wf.ID + "/" + node.Name
			seen[key] = true

			if job, exists := h.jobs[key]; exists {
				if job.expression == expression {
					continue
				}
				h.cron.Remove(job.entryID)
				delete(h.jobs, key)
			}

			entryID, err := h.register(wf.ID, node.Name, expression)
			if err != nil {
				h.logger.Error("registering cron trigger",
					"workflow_id", wf.ID, "node", node.Name,
					"expression", expression, "error", err)
				continue
			}
			h.jobs[key] = scheduledJob{entryID: entryID, expression: expression}
			h.logger.Info("cron trigger registered",
				"workflow_id", wf.ID, "node", node.Name, "expression", expression)
		}
	}

	for key, job := range h.jobs {
		if !seen[key] {
			h.cron.Remove(job.entryID)
			delete(h.jobs, key)
			h.logger.Info("cron trigger removed", "key", key)
		}
	}
	return nil
}

func (h *Host) register(workflowID, nodeName, expression string) (cron.EntryID, error) {
	return h.cron.AddFunc(expression, func() {
		h.fire(workflowID, nodeName)
	})
}

// fire runs one scheduled trigger. The workflow is re-read so edits
// between refreshes are picked up; a workflow deactivated since
// registration is skipped.
func (h *Host) fire(workflowID, nodeName string) {
	ctx := context.Background()

	wf, err := h.workflows.Get(ctx, workflowID)
	if err != nil {
		h.logger.Warn("scheduled workflow vanished", "workflow_id", workflowID, "error", err)
		return
	}
	if !wf.Active {
		return
	}

	h.logger.Info("cron trigger firing", "workflow_id", workflowID, "node", nodeName)
	ec, err := h.engine.Run(ctx, wf, nodeName, []model.Item{model.NewItem(nil)}, engine.ModeCron)
	if err != nil {
		h.logger.Error("scheduled run failed to start",
			"workflow_id", workflowID, "node", nodeName, "error", err)
		return
	}
	if ec.Status != engine.StatusSuccess {
		h.logger.Warn("scheduled run finished with errors",
			"workflow_id", workflowID, "execution_id", ec.ExecutionID,
			"status", string(ec.Status))
	}
}

// Jobs returns the number of registered cron entries; used by health
// reporting and tests.
func (h *Host) Jobs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobs)
}
