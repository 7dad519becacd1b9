// Package tabular loads CSV sources into a per-planner SQLite database and
// runs read-only queries against it, rendering results as markdown.
package tabular

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const firstRowsLimit = 10

// Engine wraps the per-planner SQLite database file.
type Engine struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the planner's database file for loading.
func Open(path string) (*Engine, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open table database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to table database: %w", err)
	}
	return &Engine{db: db, path: path}, nil
}

// OpenReadOnly opens an existing planner database for querying only.
func OpenReadOnly(path string) (*Engine, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open table database read-only: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to table database: %w", err)
	}
	return &Engine{db: db, path: path}, nil
}

// Close releases the underlying database handle.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Path returns the database file location.
func (e *Engine) Path() string {
	return e.path
}

// Query runs a read-only SQL statement and renders the result set as a
// markdown table.
func (e *Engine) Query(ctx context.Context, sqlCode string) (string, error) {
	rows, err := e.db.QueryContext(ctx, sqlCode)
	if err != nil {
		return "", fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return "", fmt.Errorf("failed to read result columns: %w", err)
	}

	var records [][]string
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", fmt.Errorf("failed to scan result row: %w", err)
		}
		record := make([]string, len(cols))
		for i, v := range values {
			record[i] = formatValue(v)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("failed to iterate results: %w", err)
	}
	return renderMarkdown(cols, records), nil
}

// formatValue renders a scanned SQL value for display.
func formatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// renderMarkdown builds a GitHub-style table from a header and records.
func renderMarkdown(header []string, records [][]string) string {
	var b strings.Builder
	b.WriteString("| " + strings.Join(header, " | ") + " |\n")
	sep := make([]string, len(header))
	for i := range sep {
		sep[i] = "---"
	}
	b.WriteString("| " + strings.Join(sep, " | ") + " |\n")
	for _, r := range records {
		escaped := make([]string, len(r))
		for i, cell := range r {
			escaped[i] = strings.ReplaceAll(strings.ReplaceAll(cell, "\n", " "), "|", "\\|")
		}
		b.WriteString("| " + strings.Join(escaped, " | ") + " |\n")
	}
	return b.String()
}
