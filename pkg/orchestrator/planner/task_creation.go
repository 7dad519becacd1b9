package planner

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"datapilot/pkg/plan"
	"datapilot/pkg/store"
)

// ExecuteTaskCreation turns the plan's current todo into a structured worker
// task and hands it to the worker chain. With no open todo left it falls
// through to synthesis.
func (o *Orchestrator) ExecuteTaskCreation(ctx context.Context, task store.TaskRecord) error {
	plannerID := task.EntityID
	p, err := o.store.GetPlanner(ctx, plannerID)
	if err != nil {
		return err
	}

	var executionPlan plan.ExecutionPlan
	if err := o.artefacts.ReadJSON(plannerID, plan.PlanFilename, &executionPlan); err != nil {
		return o.failPlanner(ctx, plannerID, p.RouterID, err)
	}

	if len(executionPlan.OpenTodos()) == 0 {
		return o.store.UpdateNextAndEnqueue(ctx, plannerID, store.HandlerSynthesis)
	}
	current := executionPlan.Next()
	if current < 0 {
		executionPlan.NormalizeNextAction()
		current = executionPlan.Next()
	}

	prompt := taskCreationPrompt(
		o.tools.Catalogue(),
		sortedKeys(p.ImagePaths),
		sortedKeys(p.VariablePaths),
		executionPlan.MarkdownWithCurrent(current),
	)
	if err := o.appendText(ctx, store.AgentPlanner, plannerID, store.RoleDeveloper, prompt); err != nil {
		return o.failPlanner(ctx, plannerID, p.RouterID, err)
	}

	conversation, err := o.plannerConversation(ctx, plannerID)
	if err != nil {
		return o.failPlanner(ctx, plannerID, p.RouterID, err)
	}

	var t plan.Task
	if err := o.llm.Structured(ctx, conversation, &t); err != nil {
		return o.failPlanner(ctx, plannerID, p.RouterID, err)
	}
	t.ID = uuid.NewString()
	if t.UserRequest == "" {
		t.UserRequest = p.UserQuestion
	}
	// A SQL task is meaningless without loaded tables.
	if len(p.Tables) == 0 {
		t.QueryingStructuredData = false
	}

	if err := o.artefacts.WriteJSON(plannerID, plan.TaskFilename, &t); err != nil {
		return o.failPlanner(ctx, plannerID, p.RouterID, err)
	}

	waiting := store.NextHandlerWaiting
	if err := o.store.UpdatePlanner(ctx, plannerID, &store.PlannerUpdate{NextHandler: &waiting}); err != nil {
		return o.failPlanner(ctx, plannerID, p.RouterID, err)
	}

	payload := mustJSON(map[string]string{"planner_id": plannerID})
	if err := o.store.EnqueueTask(ctx, t.ID, store.EntityWorker, t.ID, store.HandlerWorkerInit, payload); err != nil {
		return o.failPlanner(ctx, plannerID, p.RouterID, err)
	}

	o.logger.Infof("🛠️  Planner %s delegated task %s", plannerID, t.ID)
	o.notifier.Status(p.RouterID, fmt.Sprintf("Working on: %s", summarize(t.TaskDescription)))
	return nil
}

// summarize bounds a task description for a status line.
func summarize(text string) string {
	const limit = 120
	if len(text) <= limit {
		return text
	}
	return text[:limit] + "…"
}
