// Package artefact persists worker/planner variables and encoded images on
// disk. The filesystem holds the bytes; the owning entity's *_paths map is the
// source of truth for key → path resolution.
package artefact

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// CollisionPolicy controls behavior when a key's file already exists.
type CollisionPolicy int

const (
	// Overwrite replaces the existing file.
	Overwrite CollisionPolicy = iota
	// Avoid appends a short random suffix until the name is free.
	Avoid
)

const (
	variableExt = ".blob"
	imageExt    = ".b64"
)

// Store lays out artefacts as ⟨base⟩/⟨planner_id⟩/{variables,images}/⟨key⟩.
type Store struct {
	base string
}

// New creates an artefact store rooted at base.
func New(base string) *Store {
	return &Store{base: base}
}

// PlannerDir returns the artefact directory for a planner.
func (s *Store) PlannerDir(plannerID string) string {
	return filepath.Join(s.base, plannerID)
}

// DatabasePath returns the per-planner SQL engine database file location.
func (s *Store) DatabasePath(plannerID string) string {
	return filepath.Join(s.PlannerDir(plannerID), "database.db")
}

// SaveVariable serialises value as JSON under the planner's variables
// directory and returns the resolved path and final key.
func (s *Store) SaveVariable(plannerID, key string, value interface{}, policy CollisionPolicy) (string, string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", "", fmt.Errorf("value for %q is not serialisable: %w", key, err)
	}

	dir := filepath.Join(s.PlannerDir(plannerID), "variables")
	path, finalKey, err := s.resolve(dir, key, variableExt, policy)
	if err != nil {
		return "", "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", "", fmt.Errorf("failed to write variable %q: %w", finalKey, err)
	}
	return path, finalKey, nil
}

// LoadVariable reads a variable back; the result is the JSON-decoded value.
func (s *Store) LoadVariable(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read variable at %s: %w", path, err)
	}
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("failed to decode variable at %s: %w", path, err)
	}
	return value, nil
}

// SaveImage stores an encoded (base64) image under a cleaned name and returns
// the resolved path and final key. existingNames are the planner's current
// image keys; a numeric suffix is added when the cleaned name clashes.
func (s *Store) SaveImage(plannerID, rawName, encoded string, existingNames []string, policy CollisionPolicy) (string, string, error) {
	name := CleanImageName(rawName)
	name = dedupeName(name, existingNames)

	dir := filepath.Join(s.PlannerDir(plannerID), "images")
	path, finalKey, err := s.resolve(dir, name, imageExt, policy)
	if err != nil {
		return "", "", err
	}
	if err := os.WriteFile(path, []byte(encoded), 0644); err != nil {
		return "", "", fmt.Errorf("failed to write image %q: %w", finalKey, err)
	}
	return path, finalKey, nil
}

// LoadImage reads an encoded image back.
func (s *Store) LoadImage(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read image at %s: %w", path, err)
	}
	return string(data), nil
}

// WriteJSON persists an auxiliary JSON document (plan snapshot, current task)
// inside the planner's artefact directory.
func (s *Store) WriteJSON(plannerID, filename string, v interface{}) error {
	dir := s.PlannerDir(plannerID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create planner directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filename, err)
	}
	if err := os.WriteFile(filepath.Join(dir, filename), data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	return nil
}

// ReadJSON loads an auxiliary JSON document from the planner's directory.
func (s *Store) ReadJSON(plannerID, filename string, out interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.PlannerDir(plannerID), filename))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return nil
}

// Cleanup removes the planner's whole artefact directory.
func (s *Store) Cleanup(plannerID string) error {
	if err := os.RemoveAll(s.PlannerDir(plannerID)); err != nil {
		return fmt.Errorf("failed to clean up planner artefacts: %w", err)
	}
	return nil
}

// resolve picks the final on-disk path for key honouring the collision policy.
func (s *Store) resolve(dir, key, ext string, policy CollisionPolicy) (string, string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create artefact directory: %w", err)
	}

	finalKey := key
	path := filepath.Join(dir, finalKey+ext)
	if policy == Avoid {
		for {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				break
			}
			finalKey = fmt.Sprintf("%s_%03x", key, rand.Intn(0x1000))
			path = filepath.Join(dir, finalKey+ext)
		}
	}
	return path, finalKey, nil
}

var nonIdentifier = regexp.MustCompile(`[^a-zA-Z0-9_]+`)
var repeatedUnderscore = regexp.MustCompile(`_+`)

// CleanImageName reduces a raw image name to alphanumerics and underscores,
// collapsing and trimming underscores. An empty result becomes "image".
func CleanImageName(raw string) string {
	name := nonIdentifier.ReplaceAllString(raw, "_")
	name = repeatedUnderscore.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		return "image"
	}
	return name
}

// dedupeName appends a numeric suffix while name clashes with existing keys.
func dedupeName(name string, existing []string) string {
	taken := make(map[string]bool, len(existing))
	for _, e := range existing {
		taken[e] = true
	}
	if !taken[name] {
		return name
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d", name, i)
		if !taken[candidate] {
			return candidate
		}
	}
}
