package router

import "strings"

// instructionLibrary holds the static handling guidance composed into each
// planner's instruction, keyed on file category.
var instructionLibrary = map[fileCategory]string{
	categoryCSV: "Tabular data was provided. Prefer SQL queries over code for aggregation, " +
		"filtering and joins. Inspect the table summaries before planning detailed steps.",
	categoryPDF: "A PDF document was provided. Its filepath is available to workers; use the " +
		"document tools to extract text before analysing it.",
	categoryText: "A text document was provided. Its filepath is available to workers; read it " +
		"before planning steps that depend on its content.",
	categoryImage: "An image was provided and is stored under an image key. Reference it by key " +
		"in worker tasks that need to inspect or transform it.",
}

// composeInstructions joins the guidance for every category present in the
// group, deduplicated and in stable order.
func composeInstructions(files []classifiedFile) string {
	order := []fileCategory{categoryCSV, categoryPDF, categoryText, categoryImage}
	present := make(map[fileCategory]bool, len(files))
	for _, f := range files {
		present[f.Category] = true
	}
	var parts []string
	for _, category := range order {
		if present[category] {
			parts = append(parts, instructionLibrary[category])
		}
	}
	return strings.Join(parts, "\n\n")
}
