package handler

import (
	"net/http"

	"github.com/capitalize-ai/docchat/internal/usage"
)

// UsageHandler reports token usage and spend accumulated since start.
type UsageHandler struct {
	accountant *usage.Accountant
}

// NewUsageHandler creates a new usage handler.
func NewUsageHandler(accountant *usage.Accountant) *UsageHandler {
	return &UsageHandler{accountant: accountant}
}

// Get handles GET /api/v1/admin/usage
func (h *UsageHandler) Get(w http.ResponseWriter, r *http.Request) {
	prompt, completion, cached, cost := h.accountant.Totals()
	writeJSON(w, http.StatusOK, map[string]any{
		"models": h.accountant.Snapshot(),
		"totals": usage.Stat{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			CachedTokens:     cached,
			CostUSD:          cost,
		},
	})
}
