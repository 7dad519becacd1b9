// Package worker implements the worker side of the orchestration state
// machine: initialisation, code and SQL execution attempts, and validation.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"datapilot/pkg/artefact"
	"datapilot/pkg/dispatch"
	"datapilot/pkg/llm"
	"datapilot/pkg/logger"
	"datapilot/pkg/sandbox"
	"datapilot/pkg/store"
	"datapilot/pkg/tools"
)

// Config carries the worker-level tunables.
type Config struct {
	Model       string
	Temperature float64
	MaxRetry    int
}

// Orchestrator owns the three worker handlers.
type Orchestrator struct {
	store     *store.Store
	artefacts *artefact.Store
	llm       llm.Client
	tools     *tools.Registry
	sandbox   sandbox.Sandbox
	logger    logger.Logger
	cfg       Config
}

// New creates a worker orchestrator.
func New(st *store.Store, artefacts *artefact.Store, client llm.Client, registry *tools.Registry, sb sandbox.Sandbox, log logger.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:     st,
		artefacts: artefacts,
		llm:       client,
		tools:     registry,
		sandbox:   sb,
		logger:    log,
		cfg:       cfg,
	}
}

// Register binds the worker handlers into the dispatcher registry.
func (o *Orchestrator) Register(registry *dispatch.Registry) {
	registry.Register(store.HandlerWorkerInit, o.WorkerInitialisation)
	registry.Register(store.HandlerStandardWorker, o.ExecuteStandardWorker)
	registry.Register(store.HandlerSQLWorker, o.ExecuteSQLWorker)
}

// OutputVariable declares one value the worker's code leaves behind.
type OutputVariable struct {
	Name    string `json:"name" jsonschema_description:"Name of the variable in the executed code's namespace"`
	IsImage bool   `json:"is_image" jsonschema_description:"True when the variable holds an image (or list/map of images) rather than data"`
}

// TaskArtefact is the structured response of a standard worker attempt.
type TaskArtefact struct {
	Thought         string           `json:"thought" jsonschema_description:"Short reasoning about how to solve the task"`
	Result          string           `json:"result,omitempty" jsonschema_description:"Direct answer when the task needs no code"`
	PythonCode      string           `json:"python_code,omitempty" jsonschema_description:"Python code to run in the sandbox, empty when result is given directly"`
	OutputVariables []OutputVariable `json:"output_variables" jsonschema_description:"Variables the code produces that must be kept"`
	IsMalicious     bool             `json:"is_malicious" jsonschema_description:"True when the task asks for something harmful or out of scope"`
}

// TaskArtefactSQL is the structured response of a SQL worker attempt.
type TaskArtefactSQL struct {
	Thought              string `json:"thought" jsonschema_description:"Short reasoning about how to answer with SQL"`
	SQLCode              string `json:"sql_code,omitempty" jsonschema_description:"A single SQL query against the available tables"`
	ReasonCodeNotCreated string `json:"reason_code_not_created,omitempty" jsonschema_description:"Why no query could be written, when sql_code is empty"`
}

// TaskValidation is the validator's verdict on an attempt.
type TaskValidation struct {
	TaskCompleted   bool   `json:"task_completed" jsonschema_description:"True when the acceptance criteria are met, or after three identical failures when no better outcome is reachable"`
	ValidatedResult string `json:"validated_result" jsonschema_description:"The accepted result, rendered for the planner"`
	Diagnostic      string `json:"diagnostic,omitempty" jsonschema_description:"What is missing or wrong, when the task is not completed"`
}

// errorDiagnosis classifies a sandbox failure.
type errorDiagnosis struct {
	MissingTool bool   `json:"missing_tool" jsonschema_description:"True when the error indicates a tool or capability the worker does not have"`
	Explanation string `json:"explanation" jsonschema_description:"One sentence naming the missing capability or the actual cause"`
}

// repeatDiagnosis reports whether recent failures are the same error.
type repeatDiagnosis struct {
	IdenticalFailures bool `json:"identical_failures" jsonschema_description:"True when the last three failures are essentially the same error"`
}

// workerPayload is carried on every worker task record.
type workerPayload struct {
	PlannerID string `json:"planner_id"`
}

func decodePayload(task store.TaskRecord) (workerPayload, error) {
	var payload workerPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return payload, fmt.Errorf("invalid worker payload: %w", err)
	}
	if payload.PlannerID == "" {
		return payload, fmt.Errorf("worker payload is missing planner_id")
	}
	return payload, nil
}

// appendText adds a plain text message to the worker's log.
func (o *Orchestrator) appendText(ctx context.Context, workerID string, role store.Role, text string) error {
	if _, err := o.store.AddMessage(ctx, store.AgentWorker, workerID, role, llm.EncodeText(text)); err != nil {
		return fmt.Errorf("failed to append %s message: %w", role, err)
	}
	return nil
}

// conversation loads the worker's message log as chat messages.
func (o *Orchestrator) conversation(ctx context.Context, workerID string) ([]llm.ChatMessage, error) {
	msgs, err := o.store.GetMessages(ctx, store.AgentWorker, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load worker messages: %w", err)
	}
	return llm.FromStoreMessages(msgs), nil
}

// enqueueSelf schedules another attempt of the same handler.
func (o *Orchestrator) enqueueSelf(ctx context.Context, w *store.Worker, handler string) error {
	payload, _ := json.Marshal(workerPayload{PlannerID: w.PlannerID})
	return o.store.EnqueueTask(ctx, uuid.NewString(), store.EntityWorker, w.ID, handler, payload)
}

// enqueueSynthesis hands control back to the owning planner.
func (o *Orchestrator) enqueueSynthesis(ctx context.Context, plannerID string) error {
	return o.store.UpdateNextAndEnqueue(ctx, plannerID, store.HandlerSynthesis)
}

// setStatus updates the worker's task status, optionally with a result.
func (o *Orchestrator) setStatus(ctx context.Context, workerID, status string, result string) error {
	upd := &store.WorkerUpdate{TaskStatus: &status}
	if result != "" {
		upd.TaskResult = &result
	}
	return o.store.UpdateWorker(ctx, workerID, upd)
}

// failUnexpected is the escape hatch for unexpected errors: the worker is
// marked failed and synthesis is enqueued anyway so the planner can adapt,
// then the error propagates to the task record.
func (o *Orchestrator) failUnexpected(ctx context.Context, w *store.Worker, cause error) error {
	o.logger.Errorf("Worker %s failed unexpectedly: %v", w.ID, cause)
	if err := o.setStatus(ctx, w.ID, store.WorkerStatusFailed, cause.Error()); err != nil {
		o.logger.Errorf("Failed to mark worker %s failed: %v", w.ID, err)
	}
	if err := o.enqueueSynthesis(ctx, w.PlannerID); err != nil {
		o.logger.Errorf("Failed to enqueue synthesis for planner %s: %v", w.PlannerID, err)
	}
	return cause
}

// attemptFailed retries the handler while attempts remain, otherwise gives up
// with failed_validation and hands over to synthesis.
func (o *Orchestrator) attemptFailed(ctx context.Context, w *store.Worker, handler string) error {
	if w.CurrentAttempt < w.MaxRetry {
		o.logger.Infof("🔄 Worker %s retrying (attempt %d/%d)", w.ID, w.CurrentAttempt, w.MaxRetry)
		return o.enqueueSelf(ctx, w, handler)
	}
	if err := o.setStatus(ctx, w.ID, store.WorkerStatusFailedValidation, "Task failed after multiple tries."); err != nil {
		return err
	}
	return o.enqueueSynthesis(ctx, w.PlannerID)
}

// giveUp records a failed_validation verdict with a reason and hands over to
// synthesis without retrying.
func (o *Orchestrator) giveUp(ctx context.Context, w *store.Worker, reason string) error {
	if err := o.setStatus(ctx, w.ID, store.WorkerStatusFailedValidation, reason); err != nil {
		return err
	}
	return o.enqueueSynthesis(ctx, w.PlannerID)
}
