// Package planner implements the planner side of the orchestration state
// machine: initial planning, task creation and synthesis.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"datapilot/pkg/artefact"
	"datapilot/pkg/dispatch"
	"datapilot/pkg/llm"
	"datapilot/pkg/logger"
	"datapilot/pkg/notify"
	"datapilot/pkg/store"
	"datapilot/pkg/tools"
)

// Config carries the planner-level tunables.
type Config struct {
	Model           string
	Temperature     float64
	FailedTaskLimit int
	MaxRetryTasks   int
}

// CompletionFunc is invoked after a planner reaches a terminal state so the
// owning router can deliver the response and unlock input.
type CompletionFunc func(ctx context.Context, plannerID string)

// Orchestrator owns the three planner handlers.
type Orchestrator struct {
	store     *store.Store
	artefacts *artefact.Store
	llm       llm.Client
	tools     *tools.Registry
	notifier  notify.Notifier
	logger    logger.Logger
	cfg       Config

	onCompleted CompletionFunc
}

// New creates a planner orchestrator.
func New(st *store.Store, artefacts *artefact.Store, client llm.Client, registry *tools.Registry, notifier notify.Notifier, log logger.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:     st,
		artefacts: artefacts,
		llm:       client,
		tools:     registry,
		notifier:  notifier,
		logger:    log,
		cfg:       cfg,
	}
}

// SetCompletionHook installs the callback fired when a planner finalises.
func (o *Orchestrator) SetCompletionHook(fn CompletionFunc) {
	o.onCompleted = fn
}

// Register binds the planner handlers into the dispatcher registry.
func (o *Orchestrator) Register(registry *dispatch.Registry) {
	registry.Register(store.HandlerInitialPlanning, o.ExecuteInitialPlanning)
	registry.Register(store.HandlerTaskCreation, o.ExecuteTaskCreation)
	registry.Register(store.HandlerSynthesis, o.ExecuteSynthesis)
}

// appendText adds a plain text message to an agent's log.
func (o *Orchestrator) appendText(ctx context.Context, agent store.AgentType, agentID string, role store.Role, text string) error {
	if _, err := o.store.AddMessage(ctx, agent, agentID, role, llm.EncodeText(text)); err != nil {
		return fmt.Errorf("failed to append %s message: %w", role, err)
	}
	return nil
}

// plannerConversation loads the planner's message log as chat messages.
func (o *Orchestrator) plannerConversation(ctx context.Context, plannerID string) ([]llm.ChatMessage, error) {
	msgs, err := o.store.GetMessages(ctx, store.AgentPlanner, plannerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load planner messages: %w", err)
	}
	return llm.FromStoreMessages(msgs), nil
}

// failPlanner marks the planner failed and notifies the client. The original
// error is returned so the task record is marked FAILED too.
func (o *Orchestrator) failPlanner(ctx context.Context, plannerID, routerID string, cause error) error {
	status := store.PlannerStatusFailed
	if err := o.store.UpdatePlanner(ctx, plannerID, &store.PlannerUpdate{Status: &status}); err != nil {
		o.logger.Errorf("Failed to mark planner %s failed: %v", plannerID, err)
	}
	if routerID != "" {
		o.notifier.Error(routerID, "The request could not be processed.")
	}
	return cause
}

// finalize records the planner's terminal state, cleans its artefacts and
// fires the completion hook.
func (o *Orchestrator) finalize(ctx context.Context, p *store.Planner, userResponse, planMarkdown string) error {
	status := store.PlannerStatusCompleted
	next := store.NextHandlerDone
	if err := o.store.UpdatePlanner(ctx, p.ID, &store.PlannerUpdate{
		Status:        &status,
		NextHandler:   &next,
		UserResponse:  &userResponse,
		ExecutionPlan: &planMarkdown,
	}); err != nil {
		return fmt.Errorf("failed to finalise planner: %w", err)
	}
	if err := o.artefacts.Cleanup(p.ID); err != nil {
		o.logger.Warnf("Failed to clean up artefacts of planner %s: %v", p.ID, err)
	}
	o.logger.Infof("🏁 Planner %s completed", p.ID)
	if o.onCompleted != nil {
		o.onCompleted(ctx, p.ID)
	}
	return nil
}

// sortedKeys returns the map's keys in stable order for prompts.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mustJSON(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
