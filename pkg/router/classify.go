package router

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	_ "golang.org/x/image/webp"

	"datapilot/pkg/llm"
	"datapilot/pkg/store"
)

// fileCategory is the outcome of per-file classification.
type fileCategory string

const (
	categoryCSV      fileCategory = "csv"
	categoryPDF      fileCategory = "pdf"
	categoryText     fileCategory = "text"
	categoryImage    fileCategory = "image"
	categoryRejected fileCategory = "rejected"
)

// classifiedFile pairs a path with its detected category.
type classifiedFile struct {
	Path     string
	Category fileCategory
}

// agentClassification is the model's verdict on whether a turn needs the
// planning pipeline.
type agentClassification struct {
	AgentRequired bool   `json:"agent_required" jsonschema_description:"True when the request needs analysis work beyond a direct conversational answer"`
	Reason        string `json:"reason" jsonschema_description:"One sentence explaining the verdict"`
}

// fileGrouping is the model's split of input files into planner runs.
type fileGrouping struct {
	Groups [][]string `json:"groups" jsonschema_description:"File paths grouped so that each group is analysed by one planner run"`
}

// needsAgents decides the simple-chat/complex split. Any attached file forces
// the complex path; otherwise the model classifies the message.
func (s *Service) needsAgents(ctx context.Context, routerID, message string, files []string) (bool, error) {
	if len(files) > 0 {
		return true, nil
	}
	prompt := fmt.Sprintf(
		"Decide whether this request needs the analysis pipeline or can be answered directly in chat:\n\n%s",
		message,
	)
	var verdict agentClassification
	if err := s.llm.Structured(ctx, []llm.ChatMessage{llm.Text(store.RoleUser, prompt)}, &verdict); err != nil {
		return false, err
	}
	return verdict.AgentRequired, nil
}

// groupFiles asks the model how to split multiple files across planner runs.
// A single file, or an unusable model answer, yields one group.
func (s *Service) groupFiles(ctx context.Context, message string, files []string) ([][]string, error) {
	if len(files) == 0 {
		return [][]string{nil}, nil
	}
	if len(files) == 1 {
		return [][]string{files}, nil
	}

	prompt := fmt.Sprintf(
		"The user asked: %s\n\nThey attached these files:\n%s\n\n"+
			"Group the files so that each group is analysed in one run. Use a single group "+
			"unless the request clearly treats files independently.",
		message, strings.Join(files, "\n"),
	)
	var grouping fileGrouping
	if err := s.llm.Structured(ctx, []llm.ChatMessage{llm.Text(store.RoleUser, prompt)}, &grouping); err != nil {
		s.logger.Warnf("File grouping failed, using a single group: %v", err)
		return [][]string{files}, nil
	}
	groups := validateGrouping(grouping.Groups, files)
	if groups == nil {
		return [][]string{files}, nil
	}
	return groups, nil
}

// validateGrouping accepts a grouping only when it covers exactly the input
// files, each once.
func validateGrouping(groups [][]string, files []string) [][]string {
	seen := make(map[string]bool, len(files))
	count := 0
	for _, group := range groups {
		for _, f := range group {
			if seen[f] {
				return nil
			}
			seen[f] = true
			count++
		}
	}
	if count != len(files) {
		return nil
	}
	for _, f := range files {
		if !seen[f] {
			return nil
		}
	}
	return groups
}

// classifyGroup detects each file's category, rejecting unusable files.
func classifyGroup(files []string) ([]classifiedFile, error) {
	out := make([]classifiedFile, 0, len(files))
	for _, f := range files {
		category := classifyFile(f)
		if category == categoryRejected {
			return nil, fmt.Errorf("file %s is not a supported type", f)
		}
		out = append(out, classifiedFile{Path: f, Category: category})
	}
	return out, nil
}

// classifyFile probes the file's content, falling back on its extension.
func classifyFile(path string) fileCategory {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		if probeImage(path) {
			return categoryImage
		}
		return categoryRejected
	case ".pdf":
		return categoryPDF
	case ".csv":
		if probeCSV(path) {
			return categoryCSV
		}
		return categoryRejected
	default:
		if probeText(path) {
			return categoryText
		}
		return categoryRejected
	}
}

// probeCSV checks that the file parses as CSV with a stable column count.
func probeCSV(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil || len(header) == 0 {
		return false
	}
	if _, err := reader.Read(); err != nil && err != io.EOF {
		return false
	}
	return true
}

// probeImage checks that the file decodes as an actual image, so corrupt
// uploads never reach a worker as broken base64 payloads.
func probeImage(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	_, _, err = image.Decode(f)
	return err == nil
}

// probeText checks that the head of the file is valid UTF-8.
func probeText(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, 4096)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return false
	}
	return utf8.Valid(buf[:n])
}

func mustJSON(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
