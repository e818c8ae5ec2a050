package model

// RawUsage is a provider's token report for one model call.
type RawUsage struct {
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	ThinkingTokens      int
}

// UsageRecord is the normalized cost record sent to the client as the usage event.
type UsageRecord struct {
	Model               string  `json:"model"`
	PromptTokens        int     `json:"prompt_tokens"`
	CompletionTokens    int     `json:"completion_tokens"`
	CachedTokens        int     `json:"cached_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens,omitempty"`
	ThinkingTokens      int     `json:"thinking_tokens,omitempty"`
	TotalTokens         int     `json:"total_tokens"`
	CostUSD             float64 `json:"cost_usd"`
}
