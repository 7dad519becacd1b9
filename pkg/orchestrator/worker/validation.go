package worker

import (
	"context"

	"datapilot/pkg/store"
)

// validate judges the attempt against the task's acceptance criteria. On
// acceptance the worker is marked completed with the validated result; on
// rejection the validator's diagnostic is appended and false returned.
func (o *Orchestrator) validate(ctx context.Context, w *store.Worker) (bool, error) {
	if err := o.appendText(ctx, w.ID, store.RoleDeveloper, validationMessage(w.AcceptanceCriteria)); err != nil {
		return false, err
	}
	conversation, err := o.conversation(ctx, w.ID)
	if err != nil {
		return false, err
	}

	var verdict TaskValidation
	if err := o.llm.Structured(ctx, conversation, &verdict); err != nil {
		return false, err
	}

	if !verdict.TaskCompleted {
		diagnostic := verdict.Diagnostic
		if diagnostic == "" {
			diagnostic = "The acceptance criteria are not met yet."
		}
		if err := o.appendText(ctx, w.ID, store.RoleAssistant, "Validation failed: "+diagnostic); err != nil {
			return false, err
		}
		o.logger.Infof("❌ Worker %s failed validation on attempt %d", w.ID, w.CurrentAttempt)
		return false, nil
	}

	if err := o.setStatus(ctx, w.ID, store.WorkerStatusCompleted, verdict.ValidatedResult); err != nil {
		return false, err
	}
	o.logger.Infof("✅ Worker %s completed on attempt %d", w.ID, w.CurrentAttempt)
	return true, nil
}
