package planner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"datapilot/pkg/artefact"
	"datapilot/pkg/llm"
	"datapilot/pkg/plan"
	"datapilot/pkg/store"
	"datapilot/pkg/tabular"
)

// InitialPlanningPayload is the task payload enqueued by the router.
type InitialPlanningPayload struct {
	UserQuestion string   `json:"user_question"`
	Instruction  string   `json:"instruction"`
	Files        []string `json:"files"`
	PlannerName  string   `json:"planner_name,omitempty"`
	MessageID    string   `json:"message_id"`
	RouterID     string   `json:"router_id"`
}

// ExecuteInitialPlanning creates the planner, ingests its input files and
// produces the first execution plan. Re-invocation for an existing planner id
// only re-enqueues task creation.
func (o *Orchestrator) ExecuteInitialPlanning(ctx context.Context, task store.TaskRecord) error {
	var payload InitialPlanningPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("invalid initial planning payload: %w", err)
	}
	plannerID := task.EntityID

	if existing, err := o.store.GetPlanner(ctx, plannerID); err == nil && existing != nil {
		o.logger.Infof("🔁 Planner %s already exists, resuming at task creation", plannerID)
		return o.store.UpdateNextAndEnqueue(ctx, plannerID, store.HandlerTaskCreation)
	}

	p := &store.Planner{
		ID:              plannerID,
		RouterID:        payload.RouterID,
		UserQuestion:    payload.UserQuestion,
		Instruction:     payload.Instruction,
		Model:           o.cfg.Model,
		Temperature:     o.cfg.Temperature,
		FailedTaskLimit: o.cfg.FailedTaskLimit,
		Status:          store.PlannerStatusPlanning,
		NextHandler:     store.HandlerTaskCreation,
	}
	if err := o.store.CreatePlanner(ctx, p); err != nil {
		return err
	}
	if payload.MessageID != "" {
		if err := o.store.LinkMessagePlanner(ctx, payload.RouterID, payload.MessageID, plannerID, "planner"); err != nil {
			return o.failPlanner(ctx, plannerID, payload.RouterID, err)
		}
	}

	o.notifier.Status(payload.RouterID, "Analysing the request and building a plan")

	prompt := plannerSystemPrompt
	if payload.Instruction != "" {
		prompt += "\n\nHandling guidance for this request:\n" + payload.Instruction
	}
	if err := o.appendText(ctx, store.AgentPlanner, plannerID, store.RoleSystem, prompt); err != nil {
		return o.failPlanner(ctx, plannerID, payload.RouterID, err)
	}
	if err := o.appendText(ctx, store.AgentPlanner, plannerID, store.RoleUser, payload.UserQuestion); err != nil {
		return o.failPlanner(ctx, plannerID, payload.RouterID, err)
	}

	if err := o.ingestFiles(ctx, p, payload.Files); err != nil {
		return o.failPlanner(ctx, plannerID, payload.RouterID, err)
	}

	conversation, err := o.plannerConversation(ctx, plannerID)
	if err != nil {
		return o.failPlanner(ctx, plannerID, payload.RouterID, err)
	}
	conversation = append(conversation, llm.Text(store.RoleDeveloper, initialPlanPrompt))

	var initial plan.InitialExecutionPlan
	if err := o.llm.Structured(ctx, conversation, &initial); err != nil {
		return o.failPlanner(ctx, plannerID, payload.RouterID, err)
	}
	if len(initial.Todos) == 0 {
		return o.failPlanner(ctx, plannerID, payload.RouterID, fmt.Errorf("planning produced no steps"))
	}

	executionPlan := plan.FromInitial(initial)
	if err := o.artefacts.WriteJSON(plannerID, plan.PlanFilename, executionPlan); err != nil {
		return o.failPlanner(ctx, plannerID, payload.RouterID, err)
	}

	markdown := executionPlan.Markdown()
	status := store.PlannerStatusExecuting
	if err := o.store.UpdatePlanner(ctx, plannerID, &store.PlannerUpdate{
		Status:        &status,
		ExecutionPlan: &markdown,
	}); err != nil {
		return o.failPlanner(ctx, plannerID, payload.RouterID, err)
	}

	o.logger.Infof("📋 Planner %s built a plan with %d step(s)", plannerID, len(initial.Todos))
	o.notifier.Status(payload.RouterID, "Plan ready, starting execution")
	return o.store.UpdateNextAndEnqueue(ctx, plannerID, store.HandlerTaskCreation)
}

// ingestFiles loads each input file into the planner according to its type
// and persists the resulting paths, tables and metadata.
func (o *Orchestrator) ingestFiles(ctx context.Context, p *store.Planner, files []string) error {
	if len(files) == 0 {
		return nil
	}
	imagePaths := make(map[string]string)
	var tables []store.TableMeta
	var documents []string
	var engine *tabular.Engine
	defer func() {
		if engine != nil {
			engine.Close()
		}
	}()

	for _, file := range files {
		switch classifyFile(file) {
		case fileImage:
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read image %s: %w", file, err)
			}
			encoded := base64.StdEncoding.EncodeToString(data)
			stem := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
			path, key, err := o.artefacts.SaveImage(p.ID, stem, encoded, sortedKeys(imagePaths), artefact.Avoid)
			if err != nil {
				return err
			}
			imagePaths[key] = path
			content, err := llm.EncodeParts([]llm.Part{
				llm.TextPart(fmt.Sprintf("The user provided an image, stored under the key %q:", key)),
				llm.ImagePart(encoded),
			})
			if err != nil {
				return err
			}
			if _, err := o.store.AddMessage(ctx, store.AgentPlanner, p.ID, store.RoleUser, content); err != nil {
				return fmt.Errorf("failed to append image message: %w", err)
			}
		case fileCSV:
			if engine == nil {
				var err error
				engine, err = tabular.Open(o.artefacts.DatabasePath(p.ID))
				if err != nil {
					return err
				}
			}
			meta, err := engine.LoadCSV(ctx, file)
			if err != nil {
				return err
			}
			tables = append(tables, meta)
			if err := o.appendText(ctx, store.AgentPlanner, p.ID, store.RoleDeveloper, tableDescription(meta)); err != nil {
				return err
			}
		default:
			documents = append(documents, file)
		}
	}

	return o.store.UpdatePlanner(ctx, p.ID, &store.PlannerUpdate{
		ImagePaths:    imagePaths,
		Tables:        tables,
		DocumentPaths: documents,
	})
}

type fileKind int

const (
	fileDocument fileKind = iota
	fileImage
	fileCSV
)

func classifyFile(path string) fileKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return fileImage
	case ".csv":
		return fileCSV
	default:
		return fileDocument
	}
}
