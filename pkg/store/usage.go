package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UsageAggregate is one bucket of the /usage report.
type UsageAggregate struct {
	Period           string  `json:"period"`
	Calls            int     `json:"calls"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// UsageReport aggregates LLM spend by day, week, month, and total.
type UsageReport struct {
	Day   UsageAggregate `json:"day"`
	Week  UsageAggregate `json:"week"`
	Month UsageAggregate `json:"month"`
	Total UsageAggregate `json:"total"`
}

// RecordUsage persists token counts and cost for one LLM call.
func (s *Store) RecordUsage(ctx context.Context, rec *UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO llm_usage (id, model, agent_type, prompt_tokens, completion_tokens, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Model, rec.AgentType, rec.PromptTokens, rec.CompletionTokens, rec.CostUSD, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// GetUsageReport aggregates usage since the usual reporting horizons.
func (s *Store) GetUsageReport(ctx context.Context) (*UsageReport, error) {
	now := time.Now().UTC()
	report := &UsageReport{}

	buckets := []struct {
		name   string
		since  time.Time
		target *UsageAggregate
	}{
		{"day", now.AddDate(0, 0, -1), &report.Day},
		{"week", now.AddDate(0, 0, -7), &report.Week},
		{"month", now.AddDate(0, -1, 0), &report.Month},
		{"total", time.Time{}, &report.Total},
	}

	for _, bucket := range buckets {
		agg, err := s.aggregateUsageSince(ctx, bucket.since)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate %s usage: %w", bucket.name, err)
		}
		agg.Period = bucket.name
		*bucket.target = *agg
	}
	return report, nil
}

func (s *Store) aggregateUsageSince(ctx context.Context, since time.Time) (*UsageAggregate, error) {
	query := `
		SELECT COUNT(*),
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(cost_usd), 0)
		FROM llm_usage WHERE created_at >= ?
	`
	var agg UsageAggregate
	err := s.db.QueryRowContext(ctx, query, since).Scan(
		&agg.Calls, &agg.PromptTokens, &agg.CompletionTokens, &agg.CostUSD,
	)
	if err != nil {
		return nil, err
	}
	return &agg, nil
}
