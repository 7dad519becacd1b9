package planner

import (
	"fmt"
	"strings"
	"time"

	"datapilot/pkg/store"
)

const plannerSystemPrompt = `You are a senior data analyst coordinating a team of specialised workers.
You receive a user request, optionally with uploaded files, and drive it to completion by
building an execution plan, delegating one step at a time to a worker, and synthesising
the results into a final answer.

Plan steps must be concrete, self-contained and ordered. Prefer few, substantial steps
over many trivial ones. When tabular data is available, favour SQL over code for
aggregation questions.`

const initialPlanPrompt = `Create an execution plan for the user's request above.

State the overall objective in one sentence, then list the ordered steps needed to
fulfil it. Every step must be achievable by a single worker with the tools, tables,
images and variables described in this conversation.`

const synthesisFinalPrompt = `All plan steps are finished. Write the final answer for the user in markdown,
based on everything learned in this conversation. Be direct and complete; include
concrete numbers and findings rather than describing what was done.`

const synthesisPartialPrompt = `The plan could not be fully completed because too many tasks failed. Write the best
possible answer for the user in markdown from what was achieved, and state explicitly
which parts of the request could not be completed and why.`

const planRevisionPrompt = `Given what the last worker reported, revise the remaining open steps of the plan.
Reword steps whose approach should change, mark steps that are no longer needed as
obsolete, and add new steps only when genuinely required. Keep the steps in
execution order.

Remaining open steps:
%s`

// taskCreationPrompt builds the developer context for turning the current
// todo into a worker task.
func taskCreationPrompt(catalogue string, imageKeys, variableKeys []string, planMarkdown string) string {
	var b strings.Builder
	b.WriteString("Define the next task for a worker.\n\n")
	fmt.Fprintf(&b, "Today's date: %s\n\n", time.Now().Format("2006-01-02"))
	b.WriteString("Available tools:\n")
	b.WriteString(catalogue)
	fmt.Fprintf(&b, "\nStored image keys: %s\n", keysOrNone(imageKeys))
	fmt.Fprintf(&b, "Stored variable keys: %s\n\n", keysOrNone(variableKeys))
	b.WriteString("Current plan:\n")
	b.WriteString(planMarkdown)
	b.WriteString("\nProduce a task for the step marked as current. The task description must be " +
		"self-contained: the worker sees nothing of this conversation beyond what you write. " +
		"List only the image keys, variable keys and tools the worker actually needs.")
	return b.String()
}

// tableDescription renders a developer message describing a loaded table.
func tableDescription(meta store.TableMeta) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Loaded table %q from %s (%d rows).\n\n", meta.Name, meta.SourceFile, meta.RowCount)
	b.WriteString("First rows:\n")
	b.WriteString(meta.FirstRows)
	if len(meta.ColumnStats) > 0 {
		b.WriteString("\nColumn summary:\n")
		for col, stat := range meta.ColumnStats {
			fmt.Fprintf(&b, "- %s: %s\n", col, stat)
		}
	}
	return b.String()
}

func keysOrNone(keys []string) string {
	if len(keys) == 0 {
		return "(none)"
	}
	return strings.Join(keys, ", ")
}
