// Package plan models the execution plan a planner drives to completion: an
// objective plus an ordered todo list whose items are revised, completed or
// retired as workers report back.
package plan

import (
	"fmt"
	"strings"
)

// Filenames of the snapshots kept in a planner's artefact directory.
const (
	PlanFilename = "execution_plan_model.json"
	TaskFilename = "current_task.json"
)

// TodoItem is one unit of a plan. At most one item carries NextAction at any
// time, and an item is never both Completed and Obsolete.
type TodoItem struct {
	Description        string `json:"description"`
	UpdatedDescription string `json:"updated_description,omitempty"`
	NextAction         bool   `json:"next_action"`
	Completed          bool   `json:"completed"`
	Obsolete           bool   `json:"obsolete"`
}

// Open reports whether the item still needs work.
func (t TodoItem) Open() bool {
	return !t.Completed && !t.Obsolete
}

// Text returns the current wording of the item, preferring the revised form.
func (t TodoItem) Text() string {
	if t.UpdatedDescription != "" {
		return t.UpdatedDescription
	}
	return t.Description
}

// ExecutionPlan is the structured plan persisted as JSON per planner.
type ExecutionPlan struct {
	Objective string     `json:"objective"`
	Todos     []TodoItem `json:"todos"`
}

// InitialExecutionPlan is the shape the planning model produces on the first
// call. It is converted into an ExecutionPlan before persisting.
type InitialExecutionPlan struct {
	Objective string   `json:"objective" jsonschema_description:"One sentence stating the overall goal of the user's request"`
	Todos     []string `json:"todos" jsonschema_description:"Ordered list of concrete steps that together achieve the objective"`
}

// RevisedTodo is one entry of a plan revision. The model only ever sees and
// returns open items.
type RevisedTodo struct {
	Description        string `json:"description" jsonschema_description:"The original step description, unchanged"`
	UpdatedDescription string `json:"updated_description" jsonschema_description:"The revised step description given what has been learned, or the original text if no change is needed"`
	Obsolete           bool   `json:"obsolete" jsonschema_description:"True when this step no longer needs to be done"`
}

// PlanRevision is the shape the model returns when asked to revise the open
// portion of a plan.
type PlanRevision struct {
	Todos []RevisedTodo `json:"todos" jsonschema_description:"All remaining open steps after revision, in execution order"`
}

// Task is the structured work order handed from a planner to a worker and
// persisted as current_task.json.
type Task struct {
	ID                     string   `json:"id"`
	TaskDescription        string   `json:"task_description" jsonschema_description:"Self-contained description of what the worker must do for this step"`
	AcceptanceCriteria     []string `json:"acceptance_criteria" jsonschema_description:"Checkable conditions that decide whether the step succeeded"`
	QueryingStructuredData bool     `json:"querying_structured_data" jsonschema_description:"True when the step should be answered by querying the loaded tables with SQL"`
	ImageKeys              []string `json:"image_keys" jsonschema_description:"Keys of stored images the worker needs as input"`
	VariableKeys           []string `json:"variable_keys" jsonschema_description:"Keys of stored variables the worker needs as input"`
	Tools                  []string `json:"tools" jsonschema_description:"Names of tools from the catalogue the worker may call"`
	UserRequest            string   `json:"user_request" jsonschema_description:"The user's original request, for context"`
}

// FromInitial converts the model's first planning response into an
// ExecutionPlan. The first todo becomes the next action.
func FromInitial(init InitialExecutionPlan) *ExecutionPlan {
	p := &ExecutionPlan{Objective: init.Objective}
	for i, desc := range init.Todos {
		p.Todos = append(p.Todos, TodoItem{
			Description: desc,
			NextAction:  i == 0,
		})
	}
	return p
}

// OpenTodos returns the items that are neither completed nor obsolete, in
// plan order.
func (p *ExecutionPlan) OpenTodos() []TodoItem {
	var open []TodoItem
	for _, t := range p.Todos {
		if t.Open() {
			open = append(open, t)
		}
	}
	return open
}

// Next returns the index of the todo flagged as the next action, or -1.
func (p *ExecutionPlan) Next() int {
	for i, t := range p.Todos {
		if t.NextAction {
			return i
		}
	}
	return -1
}

// CompleteNext marks the current next-action todo as completed and clears its
// flag. It is a no-op when no next action is set.
func (p *ExecutionPlan) CompleteNext() {
	if i := p.Next(); i >= 0 {
		p.Todos[i].Completed = true
		p.Todos[i].NextAction = false
	}
}

// MergeRevision replaces the plan's open todos with the model's revision,
// keeping completed and obsolete items in place. Revised entries are matched
// to existing open items positionally; extra entries are appended as new
// todos. NormalizeNextAction is applied afterwards.
func (p *ExecutionPlan) MergeRevision(rev PlanRevision) {
	merged := make([]TodoItem, 0, len(p.Todos))
	ri := 0
	for _, t := range p.Todos {
		if !t.Open() {
			merged = append(merged, t)
			continue
		}
		if ri < len(rev.Todos) {
			r := rev.Todos[ri]
			ri++
			merged = append(merged, TodoItem{
				Description:        t.Description,
				UpdatedDescription: r.UpdatedDescription,
				Obsolete:           r.Obsolete,
			})
			continue
		}
		// Open items beyond the revision's length were dropped by the
		// model; treat them as obsolete rather than losing them.
		t.Obsolete = true
		t.NextAction = false
		merged = append(merged, t)
	}
	for ; ri < len(rev.Todos); ri++ {
		r := rev.Todos[ri]
		merged = append(merged, TodoItem{
			Description:        r.Description,
			UpdatedDescription: r.UpdatedDescription,
			Obsolete:           r.Obsolete,
		})
	}
	p.Todos = merged
	p.NormalizeNextAction()
}

// NormalizeNextAction clears every next-action flag and re-flags the first
// open todo, preserving the at-most-one invariant.
func (p *ExecutionPlan) NormalizeNextAction() {
	for i := range p.Todos {
		p.Todos[i].NextAction = false
	}
	for i := range p.Todos {
		if p.Todos[i].Open() {
			p.Todos[i].NextAction = true
			return
		}
	}
}

// Markdown renders the plan as a checklist. Completed items are checked,
// obsolete items are struck through, open items render unchecked.
func (p *ExecutionPlan) Markdown() string {
	return p.MarkdownWithCurrent(-1)
}

// MarkdownWithCurrent renders the plan with the todo at index current marked
// as the step in progress.
func (p *ExecutionPlan) MarkdownWithCurrent(current int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Objective\n%s\n\n## Plan\n", p.Objective)
	for i, t := range p.Todos {
		switch {
		case t.Completed:
			fmt.Fprintf(&b, "- [x] %s\n", t.Text())
		case t.Obsolete:
			fmt.Fprintf(&b, "- [x] ~~%s~~\n", t.Text())
		case i == current:
			fmt.Fprintf(&b, "- [ ] %s  **(current step)**\n", t.Text())
		default:
			fmt.Fprintf(&b, "- [ ] %s\n", t.Text())
		}
	}
	return b.String()
}

// OpenTodosFromMarkdown extracts the unchecked items from a rendered plan,
// in order. The current-step marker is stripped.
func OpenTodosFromMarkdown(md string) []string {
	var open []string
	for _, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "- [ ] ") {
			continue
		}
		text := strings.TrimPrefix(trimmed, "- [ ] ")
		text = strings.TrimSuffix(text, "**(current step)**")
		open = append(open, strings.TrimSpace(text))
	}
	return open
}
