package worker

import (
	"fmt"
	"strings"

	"datapilot/pkg/store"
)

const variablePreviewLimit = 10000

const workerSystemPrompt = `You are a specialised worker executing one task of a larger plan. You solve the
task either directly, by writing Python code for a sandbox, or by writing SQL
against the tables described to you.

Sandbox rules: input variables are available in the namespace as input_variables
(a dict by name) and images as input_images (a dict of decoded images by key).
Use print() for anything the planner should see. Name every value worth keeping
and declare it as an output variable.`

const sqlRewriteDirective = "The query failed with the error above. Rewrite the SQL and try again."

const maliciousRejection = "The task was rejected: it asks for something harmful or outside the scope of this system."

func contextMessage(userRequest, taskDescription string) string {
	var b strings.Builder
	b.WriteString("Context for this task.\n\n")
	fmt.Fprintf(&b, "Original user request: %s\n\n", userRequest)
	fmt.Fprintf(&b, "Your task: %s\n", taskDescription)
	return b.String()
}

// imageRecipe accompanies each input image with the snippet that reaches it
// inside the sandbox.
func imageRecipe(key string) string {
	return fmt.Sprintf(
		"Input image %q is shown above. In the sandbox it is available as:\n\n    img = input_images[%q]\n",
		key, key,
	)
}

// variablesMessage declares each input variable with its type and a bounded
// preview of its value.
func variablesMessage(values map[string]interface{}) string {
	var b strings.Builder
	b.WriteString("Available input variables:\n")
	for name, value := range values {
		preview := fmt.Sprintf("%v", value)
		if len(preview) > variablePreviewLimit {
			preview = preview[:variablePreviewLimit] + "…(truncated)"
		}
		fmt.Fprintf(&b, "- %s (%T): %s\n", name, value, preview)
	}
	return b.String()
}

func documentsMessage(paths []string) string {
	var b strings.Builder
	b.WriteString("Documents available on disk (open them via tools):\n")
	for _, p := range paths {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	return b.String()
}

func tablesMessage(tables []store.TableMeta) string {
	var b strings.Builder
	b.WriteString("Tables available for SQL queries:\n\n")
	for _, t := range tables {
		fmt.Fprintf(&b, "## %s (%d rows)\n%s\n", t.Name, t.RowCount, t.FirstRows)
		for col, stat := range t.ColumnStats {
			fmt.Fprintf(&b, "- %s: %s\n", col, stat)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

func validationMessage(criteria []string) string {
	var b strings.Builder
	b.WriteString("Judge whether the task is complete against these acceptance criteria:\n")
	for _, c := range criteria {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	b.WriteString("\nIf the last three attempts failed with the same error and no better outcome is " +
		"reachable, you may accept the best available result to avoid looping forever.")
	return b.String()
}
