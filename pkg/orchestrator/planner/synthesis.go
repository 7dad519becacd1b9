package planner

import (
	"context"
	"fmt"
	"strings"

	"datapilot/pkg/artefact"
	"datapilot/pkg/llm"
	"datapilot/pkg/plan"
	"datapilot/pkg/store"
)

const workerSummaryLimit = 4000

// ExecuteSynthesis folds finished workers back into the plan: summarise what
// each did, mark progress, revise the remaining steps, merge outputs, and
// either continue with the next task or finalise the planner.
func (o *Orchestrator) ExecuteSynthesis(ctx context.Context, task store.TaskRecord) error {
	plannerID := task.EntityID
	p, err := o.store.GetPlanner(ctx, plannerID)
	if err != nil {
		return err
	}

	workers, err := o.store.ListWorkersByPlanner(ctx, plannerID,
		store.WorkerStatusCompleted, store.WorkerStatusFailedValidation, store.WorkerStatusFailed)
	if err != nil {
		return o.failPlanner(ctx, plannerID, p.RouterID, err)
	}
	if len(workers) == 0 {
		// The worker is not done yet; loop back through task creation.
		return o.store.UpdateNextAndEnqueue(ctx, plannerID, store.HandlerTaskCreation)
	}

	var executionPlan plan.ExecutionPlan
	if err := o.artefacts.ReadJSON(plannerID, plan.PlanFilename, &executionPlan); err != nil {
		return o.failPlanner(ctx, plannerID, p.RouterID, err)
	}

	routerID := p.RouterID
	for _, w := range workers {
		done, err := o.recordWorker(ctx, p, &executionPlan, &w)
		if err != nil {
			return o.failPlanner(ctx, plannerID, routerID, err)
		}
		if done {
			return nil
		}
		// recordWorker mutates planner paths and failure bookkeeping.
		p, err = o.store.GetPlanner(ctx, plannerID)
		if err != nil {
			return o.failPlanner(ctx, plannerID, routerID, err)
		}
	}

	if err := o.persistPlan(ctx, plannerID, &executionPlan); err != nil {
		return o.failPlanner(ctx, plannerID, routerID, err)
	}
	return o.store.UpdateNextAndEnqueue(ctx, plannerID, store.HandlerTaskCreation)
}

// recordWorker absorbs one finished worker. It returns true when the planner
// was finalised and no further handler must run.
func (o *Orchestrator) recordWorker(ctx context.Context, p *store.Planner, executionPlan *plan.ExecutionPlan, w *store.Worker) (bool, error) {
	summary, err := o.workerSummary(ctx, w)
	if err != nil {
		return false, err
	}
	if err := o.appendText(ctx, store.AgentPlanner, p.ID, store.RoleAssistant, summary); err != nil {
		return false, err
	}

	switch w.TaskStatus {
	case store.WorkerStatusCompleted:
		executionPlan.CompleteNext()
	case store.WorkerStatusFailedValidation, store.WorkerStatusFailed:
		failed := append(append([]string(nil), p.FailedTaskIDs...), w.ID)
		if err := o.store.UpdatePlanner(ctx, p.ID, &store.PlannerUpdate{FailedTaskIDs: failed}); err != nil {
			return false, err
		}
		if len(failed) >= p.FailedTaskLimit {
			o.logger.Warnf("Planner %s hit the failed task limit (%d)", p.ID, p.FailedTaskLimit)
			if err := o.markRecorded(ctx, w.ID); err != nil {
				return false, err
			}
			return true, o.finalizeWithAnswer(ctx, p, executionPlan, synthesisPartialPrompt)
		}
	}

	if err := o.revisePlan(ctx, p.ID, executionPlan); err != nil {
		return false, err
	}

	if len(executionPlan.OpenTodos()) == 0 {
		if err := o.markRecorded(ctx, w.ID); err != nil {
			return false, err
		}
		return true, o.finalizeWithAnswer(ctx, p, executionPlan, synthesisFinalPrompt)
	}

	if err := o.mergeOutputs(ctx, p, w); err != nil {
		return false, err
	}
	if err := o.markRecorded(ctx, w.ID); err != nil {
		return false, err
	}
	return false, o.persistPlan(ctx, p.ID, executionPlan)
}

// workerSummary condenses the worker's assistant messages for the planner.
func (o *Orchestrator) workerSummary(ctx context.Context, w *store.Worker) (string, error) {
	msgs, err := o.store.GetMessages(ctx, store.AgentWorker, w.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load worker messages: %w", err)
	}
	var parts []string
	for _, m := range msgs {
		if m.Role != store.RoleAssistant {
			continue
		}
		decoded, err := llm.DecodeContent(m.Content)
		if err != nil {
			continue
		}
		if text := llm.PlainText(decoded); text != "" {
			parts = append(parts, text)
		}
	}
	body := strings.Join(parts, "\n\n")
	if len(body) > workerSummaryLimit {
		body = body[:workerSummaryLimit] + "\n…(truncated)"
	}
	header := fmt.Sprintf("Worker report (%s, status %s):\n", w.Name, w.TaskStatus)
	if w.TaskResult != "" {
		header += "Result: " + w.TaskResult + "\n"
	}
	return header + body, nil
}

// revisePlan asks the model to rework the open todos and merges the answer
// back, preserving completed and obsolete entries.
func (o *Orchestrator) revisePlan(ctx context.Context, plannerID string, executionPlan *plan.ExecutionPlan) error {
	open := executionPlan.OpenTodos()
	if len(open) == 0 {
		executionPlan.NormalizeNextAction()
		return nil
	}
	var openList strings.Builder
	for _, t := range open {
		fmt.Fprintf(&openList, "- %s\n", t.Text())
	}

	conversation, err := o.plannerConversation(ctx, plannerID)
	if err != nil {
		return err
	}
	conversation = append(conversation, llm.Text(store.RoleDeveloper, fmt.Sprintf(planRevisionPrompt, openList.String())))

	var revision plan.PlanRevision
	if err := o.llm.Structured(ctx, conversation, &revision); err != nil {
		return err
	}
	executionPlan.MergeRevision(revision)
	return nil
}

// mergeOutputs copies the worker's output variables and images into the
// planner with collision avoidance.
func (o *Orchestrator) mergeOutputs(ctx context.Context, p *store.Planner, w *store.Worker) error {
	variablePaths := make(map[string]string)
	imagePaths := make(map[string]string)

	for key, path := range w.OutputVariablePaths {
		value, err := o.artefacts.LoadVariable(path)
		if err != nil {
			return err
		}
		newPath, finalKey, err := o.artefacts.SaveVariable(p.ID, key, value, artefact.Avoid)
		if err != nil {
			return err
		}
		variablePaths[finalKey] = newPath
	}
	existing := sortedKeys(p.ImagePaths)
	for key, path := range w.OutputImagePaths {
		encoded, err := o.artefacts.LoadImage(path)
		if err != nil {
			return err
		}
		newPath, finalKey, err := o.artefacts.SaveImage(p.ID, key, encoded, existing, artefact.Avoid)
		if err != nil {
			return err
		}
		imagePaths[finalKey] = newPath
		existing = append(existing, finalKey)
	}

	if len(variablePaths) == 0 && len(imagePaths) == 0 {
		return nil
	}
	merged := &store.PlannerUpdate{}
	if len(variablePaths) > 0 {
		merged.VariablePaths = mergePaths(p.VariablePaths, variablePaths)
	}
	if len(imagePaths) > 0 {
		merged.ImagePaths = mergePaths(p.ImagePaths, imagePaths)
	}
	return o.store.UpdatePlanner(ctx, p.ID, merged)
}

// finalizeWithAnswer asks the model for the closing markdown answer and
// finalises the planner with it.
func (o *Orchestrator) finalizeWithAnswer(ctx context.Context, p *store.Planner, executionPlan *plan.ExecutionPlan, directive string) error {
	if err := o.persistPlan(ctx, p.ID, executionPlan); err != nil {
		return err
	}
	conversation, err := o.plannerConversation(ctx, p.ID)
	if err != nil {
		return err
	}
	conversation = append(conversation, llm.Text(store.RoleDeveloper, directive))

	answer, err := o.llm.Text(ctx, conversation)
	if err != nil {
		return err
	}
	if err := o.appendText(ctx, store.AgentPlanner, p.ID, store.RoleAssistant, answer); err != nil {
		return err
	}
	return o.finalize(ctx, p, answer, executionPlan.Markdown())
}

func (o *Orchestrator) markRecorded(ctx context.Context, workerID string) error {
	recorded := store.WorkerStatusRecorded
	return o.store.UpdateWorker(ctx, workerID, &store.WorkerUpdate{TaskStatus: &recorded})
}

// persistPlan writes the plan snapshot and refreshes the planner's markdown.
func (o *Orchestrator) persistPlan(ctx context.Context, plannerID string, executionPlan *plan.ExecutionPlan) error {
	if err := o.artefacts.WriteJSON(plannerID, plan.PlanFilename, executionPlan); err != nil {
		return err
	}
	markdown := executionPlan.Markdown()
	return o.store.UpdatePlanner(ctx, plannerID, &store.PlannerUpdate{ExecutionPlan: &markdown})
}

func mergePaths(base, add map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(add))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range add {
		out[k] = v
	}
	return out
}
