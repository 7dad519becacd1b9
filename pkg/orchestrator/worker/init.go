package worker

import (
	"context"
	"fmt"
	"strings"

	"datapilot/pkg/llm"
	"datapilot/pkg/plan"
	"datapilot/pkg/store"
)

// WorkerInitialisation creates the worker row from the planner's current task
// snapshot and seeds its message log. A re-invocation for an existing worker
// only routes to the appropriate execute handler.
func (o *Orchestrator) WorkerInitialisation(ctx context.Context, task store.TaskRecord) error {
	payload, err := decodePayload(task)
	if err != nil {
		return err
	}
	workerID := task.EntityID

	if existing, err := o.store.GetWorker(ctx, workerID); err == nil && existing != nil {
		o.logger.Infof("🔁 Worker %s already exists, resuming execution", workerID)
		return o.enqueueSelf(ctx, existing, executeHandler(existing.QueryingStructuredData))
	}

	p, err := o.store.GetPlanner(ctx, payload.PlannerID)
	if err != nil {
		return err
	}

	var t plan.Task
	if err := o.artefacts.ReadJSON(p.ID, plan.TaskFilename, &t); err != nil {
		return err
	}
	if t.ID != workerID {
		return fmt.Errorf("current task snapshot is %s, not %s", t.ID, workerID)
	}

	w := &store.Worker{
		ID:                     workerID,
		PlannerID:              p.ID,
		Name:                   workerName(t),
		TaskStatus:             store.WorkerStatusPending,
		TaskDescription:        t.TaskDescription,
		AcceptanceCriteria:     t.AcceptanceCriteria,
		QueryingStructuredData: t.QueryingStructuredData,
		ImageKeys:              t.ImageKeys,
		VariableKeys:           t.VariableKeys,
		Tools:                  t.Tools,
		InputVariablePaths:     filterPaths(p.VariablePaths, t.VariableKeys),
		InputImagePaths:        filterPaths(p.ImagePaths, t.ImageKeys),
		Tables:                 p.Tables,
		CurrentAttempt:         0,
		MaxRetry:               o.cfg.MaxRetry,
	}
	if err := o.store.CreateWorker(ctx, w); err != nil {
		return err
	}

	if err := o.seedMessages(ctx, p, w, t); err != nil {
		return o.failUnexpected(ctx, w, err)
	}

	o.logger.Infof("👷 Worker %s initialised for planner %s (sql=%v)", workerID, p.ID, t.QueryingStructuredData)
	return o.enqueueSelf(ctx, w, executeHandler(t.QueryingStructuredData))
}

func executeHandler(queryingStructuredData bool) string {
	if queryingStructuredData {
		return store.HandlerSQLWorker
	}
	return store.HandlerStandardWorker
}

// seedMessages builds the worker's initial conversation: task, context,
// input images with access recipes, input variables, documents and tools.
func (o *Orchestrator) seedMessages(ctx context.Context, p *store.Planner, w *store.Worker, t plan.Task) error {
	if err := o.appendText(ctx, w.ID, store.RoleSystem, workerSystemPrompt); err != nil {
		return err
	}
	if err := o.appendText(ctx, w.ID, store.RoleUser, t.TaskDescription); err != nil {
		return err
	}
	if err := o.appendText(ctx, w.ID, store.RoleDeveloper, contextMessage(t.UserRequest, t.TaskDescription)); err != nil {
		return err
	}

	for _, key := range t.ImageKeys {
		path, ok := w.InputImagePaths[key]
		if !ok {
			continue
		}
		encoded, err := o.artefacts.LoadImage(path)
		if err != nil {
			return err
		}
		content, err := llm.EncodeParts([]llm.Part{
			llm.ImagePart(encoded),
			llm.TextPart(imageRecipe(key)),
		})
		if err != nil {
			return err
		}
		if _, err := o.store.AddMessage(ctx, store.AgentWorker, w.ID, store.RoleUser, content); err != nil {
			return fmt.Errorf("failed to append image message: %w", err)
		}
	}

	if len(w.InputVariablePaths) > 0 {
		values, err := o.loadInputVariables(w)
		if err != nil {
			return err
		}
		if err := o.appendText(ctx, w.ID, store.RoleDeveloper, variablesMessage(values)); err != nil {
			return err
		}
	}
	if len(p.DocumentPaths) > 0 {
		if err := o.appendText(ctx, w.ID, store.RoleDeveloper, documentsMessage(p.DocumentPaths)); err != nil {
			return err
		}
	}
	if len(t.Tools) > 0 {
		if err := o.appendText(ctx, w.ID, store.RoleDeveloper, "Available tools:\n"+o.tools.Docstrings(t.Tools)); err != nil {
			return err
		}
	}
	if t.QueryingStructuredData && len(w.Tables) > 0 {
		if err := o.appendText(ctx, w.ID, store.RoleDeveloper, tablesMessage(w.Tables)); err != nil {
			return err
		}
	}
	return nil
}

// loadInputVariables resolves the worker's input variable values from disk.
func (o *Orchestrator) loadInputVariables(w *store.Worker) (map[string]interface{}, error) {
	values := make(map[string]interface{}, len(w.InputVariablePaths))
	for key, path := range w.InputVariablePaths {
		value, err := o.artefacts.LoadVariable(path)
		if err != nil {
			return nil, err
		}
		values[key] = value
	}
	return values, nil
}

func filterPaths(paths map[string]string, keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if path, ok := paths[key]; ok {
			out[key] = path
		}
	}
	return out
}

// workerName derives a short display name from the task description.
func workerName(t plan.Task) string {
	name := t.TaskDescription
	if i := strings.IndexAny(name, ".\n"); i > 0 {
		name = name[:i]
	}
	if len(name) > 60 {
		name = name[:60]
	}
	return strings.TrimSpace(name)
}
