package tabular

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"datapilot/pkg/store"
)

const columnStatsSample = 200

// LoadCSV ingests a CSV file into the engine as a new table named after the
// file stem and returns its metadata summary.
func (e *Engine) LoadCSV(ctx context.Context, filePath string) (store.TableMeta, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return store.TableMeta{}, fmt.Errorf("failed to open csv %s: %w", filePath, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return store.TableMeta{}, fmt.Errorf("failed to read csv header from %s: %w", filePath, err)
	}

	var records [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return store.TableMeta{}, fmt.Errorf("failed to read csv row from %s: %w", filePath, err)
		}
		records = append(records, record)
	}

	stem := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	tableName, err := e.SanitizeTableName(ctx, stem)
	if err != nil {
		return store.TableMeta{}, err
	}
	columns := sanitizeColumns(header)
	types := inferColumnTypes(columns, records)

	if err := e.createTable(ctx, tableName, columns, types, records); err != nil {
		return store.TableMeta{}, err
	}

	meta := store.TableMeta{
		Name:         tableName,
		RowCount:     len(records),
		FirstRows:    firstRowsMarkdown(columns, records),
		ColumnStats:  columnStats(columns, types, records),
		SourceFile:   filePath,
		DatabasePath: e.path,
	}
	return meta, nil
}

func (e *Engine) createTable(ctx context.Context, table string, columns []string, types []string, records [][]string) error {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = fmt.Sprintf("%q %s", c, types[i])
	}
	ddl := fmt.Sprintf("CREATE TABLE %q (%s)", table, strings.Join(defs, ", "))

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin load transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?,", len(columns)), ",") + ")"
	insert := fmt.Sprintf("INSERT INTO %q VALUES %s", table, placeholders)
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("failed to prepare insert for %s: %w", table, err)
	}
	defer stmt.Close()

	for _, record := range records {
		values := make([]interface{}, len(columns))
		for i := range columns {
			if i < len(record) {
				values[i] = typedValue(record[i], types[i])
			}
		}
		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			return fmt.Errorf("failed to insert row into %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit load of %s: %w", table, err)
	}
	return nil
}

// typedValue converts a CSV cell to the column's SQL type, keeping text when
// the cell does not parse. Empty cells become NULL.
func typedValue(cell, sqlType string) interface{} {
	if cell == "" {
		return nil
	}
	switch sqlType {
	case "INTEGER":
		if n, err := strconv.ParseInt(cell, 10, 64); err == nil {
			return n
		}
	case "REAL":
		if f, err := strconv.ParseFloat(cell, 64); err == nil {
			return f
		}
	}
	return cell
}

// inferColumnTypes picks INTEGER, REAL or TEXT per column from the data.
func inferColumnTypes(columns []string, records [][]string) []string {
	types := make([]string, len(columns))
	for i := range columns {
		isInt, isReal, seen := true, true, false
		for _, record := range records {
			if i >= len(record) || record[i] == "" {
				continue
			}
			seen = true
			if _, err := strconv.ParseInt(record[i], 10, 64); err != nil {
				isInt = false
			}
			if _, err := strconv.ParseFloat(record[i], 64); err != nil {
				isReal = false
				break
			}
		}
		switch {
		case seen && isInt:
			types[i] = "INTEGER"
		case seen && isReal:
			types[i] = "REAL"
		default:
			types[i] = "TEXT"
		}
	}
	return types
}

func firstRowsMarkdown(columns []string, records [][]string) string {
	limit := firstRowsLimit
	if len(records) < limit {
		limit = len(records)
	}
	preview := make([][]string, limit)
	for i := 0; i < limit; i++ {
		row := make([]string, len(columns))
		for j := range columns {
			if j < len(records[i]) {
				row[j] = records[i][j]
			}
		}
		preview[i] = row
	}
	return renderMarkdown(columns, preview)
}

// columnStats summarises each column from a bounded sample: type, distinct
// count and value range for numerics.
func columnStats(columns []string, types []string, records [][]string) map[string]string {
	stats := make(map[string]string, len(columns))
	sample := records
	if len(sample) > columnStatsSample {
		sample = sample[:columnStatsSample]
	}
	for i, col := range columns {
		distinct := make(map[string]bool)
		var min, max float64
		var numeric bool
		for _, record := range sample {
			if i >= len(record) || record[i] == "" {
				continue
			}
			distinct[record[i]] = true
			if types[i] == "INTEGER" || types[i] == "REAL" {
				if f, err := strconv.ParseFloat(record[i], 64); err == nil {
					if !numeric || f < min {
						min = f
					}
					if !numeric || f > max {
						max = f
					}
					numeric = true
				}
			}
		}
		desc := fmt.Sprintf("type=%s distinct=%d", strings.ToLower(types[i]), len(distinct))
		if numeric {
			desc += fmt.Sprintf(" min=%g max=%g", min, max)
		}
		stats[col] = desc
	}
	return stats
}
