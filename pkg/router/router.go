// Package router implements the session front-end: it ingests user turns,
// answers simple chat directly, and hands complex turns to the planning
// pipeline.
package router

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"datapilot/pkg/llm"
	"datapilot/pkg/logger"
	"datapilot/pkg/notify"
	"datapilot/pkg/orchestrator/planner"
	"datapilot/pkg/store"
)

const placeholderResponse = "Agents assemble!"

const routerSystemPrompt = `You are a helpful data analysis assistant. Answer conversational questions
directly and concisely. Substantial analysis work is delegated to a planning
pipeline and its results are appended to this conversation as they arrive.`

// Config carries router-level tunables.
type Config struct {
	Model       string
	Temperature float64
}

// Service owns router sessions.
type Service struct {
	store    *store.Store
	llm      llm.Client
	notifier notify.Notifier
	logger   logger.Logger
	cfg      Config
}

// New creates the router service.
func New(st *store.Store, client llm.Client, notifier notify.Notifier, log logger.Logger, cfg Config) *Service {
	return &Service{
		store:    st,
		llm:      client,
		notifier: notifier,
		logger:   log,
		cfg:      cfg,
	}
}

// Activate handles one turn of the session identified by routerID, creating
// the router row and seeding its log on the first turn.
func (s *Service) Activate(ctx context.Context, routerID, message string, files []string) error {
	if _, err := s.store.GetRouter(ctx, routerID); err != nil {
		r := &store.Router{
			ID:          routerID,
			Status:      store.RouterStatusActive,
			Model:       s.cfg.Model,
			Temperature: s.cfg.Temperature,
			Preview:     preview(message),
		}
		if err := s.store.CreateRouter(ctx, r); err != nil {
			return err
		}
		if _, err := s.store.AddMessage(ctx, store.AgentRouter, routerID, store.RoleSystem, llm.EncodeText(routerSystemPrompt)); err != nil {
			return fmt.Errorf("failed to seed router log: %w", err)
		}
		s.logger.Infof("🆕 Router %s activated", routerID)
	}
	return s.Handle(ctx, routerID, message, files)
}

// NewSessionID mints a session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Handle processes one user turn. Simple chat answers inline; complex turns
// enqueue planning work and leave input locked until the planner completes.
func (s *Service) Handle(ctx context.Context, routerID, message string, files []string) error {
	s.notifier.InputLock(routerID)
	if err := s.setStatus(ctx, routerID, store.RouterStatusProcessing); err != nil {
		return err
	}

	plannerEnqueued := false
	defer func() {
		if !plannerEnqueued {
			s.notifier.InputUnlock(routerID)
			if err := s.setStatus(ctx, routerID, store.RouterStatusActive); err != nil {
				s.logger.Errorf("Failed to reset router %s status: %v", routerID, err)
			}
		}
	}()

	if _, err := s.store.AddMessage(ctx, store.AgentRouter, routerID, store.RoleUser, llm.EncodeText(message)); err != nil {
		return fmt.Errorf("failed to append user message: %w", err)
	}

	complex, err := s.needsAgents(ctx, routerID, message, files)
	if err != nil {
		s.notifier.Error(routerID, "The request could not be processed.")
		return err
	}

	if !complex {
		s.notifier.Status(routerID, "Thinking")
		return s.simpleChat(ctx, routerID)
	}

	enqueued, err := s.delegate(ctx, routerID, message, files)
	if err != nil {
		s.notifier.Error(routerID, "The request could not be processed.")
		return err
	}
	plannerEnqueued = enqueued
	return nil
}

// simpleChat answers the turn from the router's own log.
func (s *Service) simpleChat(ctx context.Context, routerID string) error {
	msgs, err := s.store.GetMessages(ctx, store.AgentRouter, routerID)
	if err != nil {
		return err
	}
	answer, err := s.llm.Text(ctx, llm.FromStoreMessages(msgs))
	if err != nil {
		return err
	}
	if _, err := s.store.AddMessage(ctx, store.AgentRouter, routerID, store.RoleAssistant, llm.EncodeText(answer)); err != nil {
		return fmt.Errorf("failed to append assistant message: %w", err)
	}
	s.notifier.Response(routerID, answer)
	return nil
}

// delegate classifies and groups the input files and enqueues one initial
// planning task per group. It returns whether any planner was enqueued.
func (s *Service) delegate(ctx context.Context, routerID, message string, files []string) (bool, error) {
	groups, err := s.groupFiles(ctx, message, files)
	if err != nil {
		return false, err
	}

	enqueued := false
	for i, group := range groups {
		if len(groups) > 1 {
			s.notifier.Status(routerID, fmt.Sprintf("Starting analysis %d of %d", i+1, len(groups)))
		}
		classified, err := classifyGroup(group)
		if err != nil {
			return enqueued, err
		}
		instruction := composeInstructions(classified)

		messageID, err := s.store.AddMessage(ctx, store.AgentRouter, routerID, store.RoleAssistant, llm.EncodeText(placeholderResponse))
		if err != nil {
			return enqueued, fmt.Errorf("failed to append placeholder message: %w", err)
		}

		plannerID := uuid.NewString()
		payload := planner.InitialPlanningPayload{
			UserQuestion: message,
			Instruction:  instruction,
			Files:        group,
			MessageID:    messageID,
			RouterID:     routerID,
		}
		data := mustJSON(payload)
		if err := s.store.EnqueueTask(ctx, uuid.NewString(), store.EntityPlanner, plannerID, store.HandlerInitialPlanning, data); err != nil {
			return enqueued, err
		}
		enqueued = true
		s.logger.Infof("📨 Router %s enqueued planner %s (%d file(s))", routerID, plannerID, len(group))
	}
	return enqueued, nil
}

// OnPlannerCompleted delivers a finished planner's response to the client and
// unlocks input. Wired as the planner orchestrator's completion hook.
func (s *Service) OnPlannerCompleted(ctx context.Context, plannerID string) {
	p, err := s.store.GetPlanner(ctx, plannerID)
	if err != nil {
		s.logger.Errorf("Completion for unknown planner %s: %v", plannerID, err)
		return
	}
	response := p.UserResponse
	if response == "" {
		response = "The request finished without producing a response."
	}

	messageID, err := s.store.AddMessage(ctx, store.AgentRouter, p.RouterID, store.RoleAssistant, llm.EncodeText(response))
	if err != nil {
		s.logger.Errorf("Failed to append planner response to router %s: %v", p.RouterID, err)
		return
	}
	if err := s.store.LinkMessagePlanner(ctx, p.RouterID, messageID, plannerID, "response"); err != nil {
		s.logger.Errorf("Failed to link response message: %v", err)
	}

	s.notifier.Response(p.RouterID, response)
	s.notifier.InputUnlock(p.RouterID)
	if err := s.setStatus(ctx, p.RouterID, store.RouterStatusActive); err != nil {
		s.logger.Errorf("Failed to reset router %s status: %v", p.RouterID, err)
	}
}

func (s *Service) setStatus(ctx context.Context, routerID, status string) error {
	return s.store.UpdateRouter(ctx, routerID, &store.RouterUpdate{Status: &status})
}

func preview(message string) string {
	const limit = 80
	if len(message) <= limit {
		return message
	}
	return message[:limit] + "…"
}
