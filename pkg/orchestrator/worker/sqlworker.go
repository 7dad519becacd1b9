package worker

import (
	"context"

	"datapilot/pkg/store"
	"datapilot/pkg/tabular"
)

// ExecuteSQLWorker runs one attempt of a SQL task against the planner's
// persisted table database, opened read-only.
func (o *Orchestrator) ExecuteSQLWorker(ctx context.Context, task store.TaskRecord) error {
	w, err := o.loadAttempt(ctx, task)
	if err != nil {
		return err
	}

	conversation, err := o.conversation(ctx, w.ID)
	if err != nil {
		return o.failUnexpected(ctx, w, err)
	}
	var response TaskArtefactSQL
	if err := o.llm.Structured(ctx, conversation, &response); err != nil {
		return o.failUnexpected(ctx, w, err)
	}

	if response.SQLCode == "" {
		reason := response.ReasonCodeNotCreated
		if reason == "" {
			reason = "No SQL query could be written for this task."
		}
		if err := o.appendText(ctx, w.ID, store.RoleAssistant, reason); err != nil {
			return o.failUnexpected(ctx, w, err)
		}
		return o.giveUp(ctx, w, reason)
	}

	if err := o.appendText(ctx, w.ID, store.RoleAssistant, "```sql\n"+response.SQLCode+"\n```"); err != nil {
		return o.failUnexpected(ctx, w, err)
	}

	rendered, queryErr := o.runQuery(ctx, w, response.SQLCode)
	if queryErr != nil {
		if err := o.appendText(ctx, w.ID, store.RoleAssistant,
			"Query failed: "+queryErr.Error()+"\n\n"+sqlRewriteDirective); err != nil {
			return o.failUnexpected(ctx, w, err)
		}
		return o.attemptFailed(ctx, w, store.HandlerSQLWorker)
	}

	if err := o.appendText(ctx, w.ID, store.RoleAssistant, "Query result:\n\n"+rendered); err != nil {
		return o.failUnexpected(ctx, w, err)
	}
	return o.concludeAttempt(ctx, w, store.HandlerSQLWorker)
}

// runQuery opens the planner's database read-only and renders the result.
func (o *Orchestrator) runQuery(ctx context.Context, w *store.Worker, sqlCode string) (string, error) {
	engine, err := tabular.OpenReadOnly(o.artefacts.DatabasePath(w.PlannerID))
	if err != nil {
		return "", err
	}
	defer engine.Close()
	return engine.Query(ctx, sqlCode)
}
