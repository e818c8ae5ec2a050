// Package usage converts provider token reports into normalized cost records.
package usage

import (
	"math"
	"sync"

	"github.com/capitalize-ai/docchat/internal/config"
	"github.com/capitalize-ai/docchat/internal/model"
	"github.com/capitalize-ai/docchat/pkg/metrics"
)

// Accountant prices raw usage and keeps per-model running totals.
type Accountant struct {
	pricing config.Pricing

	mux      sync.RWMutex
	perModel map[string]*Stat
}

// Stat accumulates token numbers and spend for a single model.
type Stat struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CachedTokens     int     `json:"cached_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// NewAccountant creates an accountant using the given rate cards.
func NewAccountant(pricing config.Pricing) *Accountant {
	if pricing == nil {
		pricing = config.DefaultPricing()
	}
	return &Accountant{pricing: pricing, perModel: map[string]*Stat{}}
}

// Record normalizes raw into a UsageRecord, adds it to the totals and exports it.
//
// Cached reads are billed at the cache-read rate and excluded from the regular
// input rate; cache writes are billed at the cache-write rate when one is set.
// Unknown models produce a record with zero cost.
func (a *Accountant) Record(modelName string, raw model.RawUsage) *model.UsageRecord {
	record := a.Price(modelName, raw)

	a.mux.Lock()
	stat, ok := a.perModel[modelName]
	if !ok {
		stat = &Stat{}
		a.perModel[modelName] = stat
	}
	stat.PromptTokens += record.PromptTokens
	stat.CompletionTokens += record.CompletionTokens
	stat.CachedTokens += record.CachedTokens
	stat.CostUSD += record.CostUSD
	a.mux.Unlock()

	// In/out tokens are counted by the dispatcher per upstream call.
	metrics.LLMTokensTotal.WithLabelValues(modelName, "cached").Add(float64(record.CachedTokens))
	metrics.RecordCost(modelName, record.CostUSD)

	return record
}

// Price computes the UsageRecord for raw without touching the totals.
func (a *Accountant) Price(modelName string, raw model.RawUsage) *model.UsageRecord {
	prompt := raw.InputTokens + raw.CacheReadTokens + raw.CacheCreationTokens
	record := &model.UsageRecord{
		Model:               modelName,
		PromptTokens:        prompt,
		CompletionTokens:    raw.OutputTokens,
		CachedTokens:        raw.CacheReadTokens,
		CacheCreationTokens: raw.CacheCreationTokens,
		ThinkingTokens:      raw.ThinkingTokens,
		TotalTokens:         prompt + raw.OutputTokens,
	}

	price, ok := a.pricing[modelName]
	if !ok {
		return record
	}

	writeRate := price.CacheWrite
	if writeRate == 0 {
		writeRate = price.Input
	}
	readRate := price.CacheRead
	if readRate == 0 {
		readRate = price.Input
	}

	cost := float64(raw.InputTokens)*price.Input +
		float64(raw.CacheReadTokens)*readRate +
		float64(raw.CacheCreationTokens)*writeRate +
		float64(raw.OutputTokens)*price.Output
	record.CostUSD = roundMicros(cost / 1_000_000)
	return record
}

// Totals returns accumulated prompt, completion and cached tokens and spend across all models.
func (a *Accountant) Totals() (prompt, completion, cached int, cost float64) {
	a.mux.RLock()
	defer a.mux.RUnlock()
	for _, stat := range a.perModel {
		prompt += stat.PromptTokens
		completion += stat.CompletionTokens
		cached += stat.CachedTokens
		cost += stat.CostUSD
	}
	return prompt, completion, cached, roundMicros(cost)
}

// Snapshot returns a copy of the per-model totals.
func (a *Accountant) Snapshot() map[string]Stat {
	a.mux.RLock()
	defer a.mux.RUnlock()
	out := make(map[string]Stat, len(a.perModel))
	for name, stat := range a.perModel {
		out[name] = *stat
	}
	return out
}

func roundMicros(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
