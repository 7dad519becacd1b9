// Package usage records per-call token counts and estimated cost.
package usage

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"datapilot/pkg/logger"
	"datapilot/pkg/store"
)

// modelPricing is USD per million tokens (prompt, completion). Unknown models
// record zero cost but still count tokens.
var modelPricing = map[string][2]float64{
	"gpt-4o":            {2.50, 10.00},
	"gpt-4o-mini":       {0.15, 0.60},
	"gpt-4.1":           {2.00, 8.00},
	"gpt-4.1-mini":      {0.40, 1.60},
	"claude-sonnet-4-0": {3.00, 15.00},
	"claude-3-5-haiku":  {0.80, 4.00},
	"gemini-2.0-flash":  {0.10, 0.40},
	"gemini-1.5-pro":    {1.25, 5.00},
}

// Recorder persists token usage under a fixed agent type label. Recording is
// best-effort: a storage failure is logged, never surfaced to the caller.
type Recorder struct {
	store     *store.Store
	agentType string
	logger    logger.Logger
}

// NewRecorder creates a recorder labelling calls with agentType.
func NewRecorder(st *store.Store, agentType string, log logger.Logger) *Recorder {
	return &Recorder{store: st, agentType: agentType, logger: log}
}

// Record implements llm.UsageRecorder.
func (r *Recorder) Record(ctx context.Context, model string, promptTokens, completionTokens int) {
	rec := &store.UsageRecord{
		ID:               uuid.NewString(),
		Model:            model,
		AgentType:        r.agentType,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          EstimateCost(model, promptTokens, completionTokens),
	}
	if err := r.store.RecordUsage(ctx, rec); err != nil {
		r.logger.Warnf("Failed to record usage for %s: %v", model, err)
	}
}

// EstimateCost prices a call in USD. Model names are matched by prefix so
// dated snapshots share their family's pricing; the longest prefix wins so
// gpt-4o-mini is not priced as gpt-4o.
func EstimateCost(model string, promptTokens, completionTokens int) float64 {
	var best string
	for prefix := range modelPricing {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	price := modelPricing[best]
	return float64(promptTokens)*price[0]/1e6 + float64(completionTokens)*price[1]/1e6
}
