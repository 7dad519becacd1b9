package tabular

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// SanitizeTableName derives a safe SQL table name from a raw file stem. The
// candidate is verified with a probe DDL inside a rolled-back transaction;
// when the probe fails the name falls back to a table_ prefixed form.
func (e *Engine) SanitizeTableName(ctx context.Context, raw string) (string, error) {
	cleaned := cleanIdentifier(raw, " ")
	cleaned = strings.ReplaceAll(strings.TrimSpace(cleaned), " ", "_")
	if cleaned == "" {
		cleaned = "table"
	}
	if !unicode.IsLetter(rune(cleaned[0])) {
		cleaned = "table_" + cleaned
	}

	if err := e.probeName(ctx, cleaned); err == nil {
		return cleaned, nil
	}
	fallback := "table_" + cleaned
	if err := e.probeName(ctx, fallback); err != nil {
		return "", fmt.Errorf("could not derive a usable table name from %q: %w", raw, err)
	}
	return fallback, nil
}

// probeName checks a candidate identifier with a throwaway CREATE TABLE.
func (e *Engine) probeName(ctx context.Context, name string) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin probe transaction: %w", err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %q (probe TEXT)", name))
	return err
}

// sanitizeColumns cleans header names, resolving duplicates with a
// zero-padded positional suffix.
func sanitizeColumns(header []string) []string {
	out := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, raw := range header {
		name := cleanIdentifier(raw, "_")
		name = strings.Trim(name, "_")
		if name == "" {
			name = fmt.Sprintf("column_%02d", i)
		}
		if seen[name] {
			name = fmt.Sprintf("%s_%02d", name, i)
		}
		seen[name] = true
		out[i] = name
	}
	return out
}

// cleanIdentifier replaces runs of non-alphanumerics with fill and collapses
// repeats.
func cleanIdentifier(raw, fill string) string {
	cleaned := nonAlnum.ReplaceAllString(raw, fill)
	if fill != "" {
		for strings.Contains(cleaned, fill+fill) {
			cleaned = strings.ReplaceAll(cleaned, fill+fill, fill)
		}
	}
	return cleaned
}
