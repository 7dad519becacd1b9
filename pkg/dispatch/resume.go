package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"datapilot/pkg/plan"
	"datapilot/pkg/store"
)

// resume re-enqueues the recorded next handler of every non-terminal planner.
// The queue was wiped at startup, so planner rows are the only durable record
// of where each plan stopped.
func (d *Dispatcher) resume(ctx context.Context) error {
	planners, err := d.store.ListPlannersByStatus(ctx, store.PlannerStatusPlanning, store.PlannerStatusExecuting)
	if err != nil {
		return fmt.Errorf("failed to list resumable planners: %w", err)
	}
	for _, p := range planners {
		if err := d.resumePlanner(ctx, p); err != nil {
			d.logger.Errorf("Failed to resume planner %s: %v", p.ID, err)
		}
	}
	if len(planners) > 0 {
		d.logger.Infof("🔁 Resumed %d planner(s)", len(planners))
	}
	return nil
}

func (d *Dispatcher) resumePlanner(ctx context.Context, p store.Planner) error {
	switch p.NextHandler {
	case "", store.NextHandlerDone:
		return nil
	case store.NextHandlerWaiting:
		// The worker chain was in flight. Its task id lives in the
		// planner's current task snapshot; worker_initialisation is
		// resume-aware and routes an existing worker straight to its
		// execute handler.
		var task plan.Task
		if err := d.artefacts.ReadJSON(p.ID, plan.TaskFilename, &task); err != nil {
			return fmt.Errorf("no current task snapshot: %w", err)
		}
		payload, _ := json.Marshal(map[string]string{"planner_id": p.ID})
		return d.store.EnqueueTask(ctx, task.ID, store.EntityWorker, task.ID, store.HandlerWorkerInit, payload)
	default:
		return d.store.EnqueueTask(ctx, uuid.NewString(), store.EntityPlanner, p.ID, p.NextHandler, nil)
	}
}
