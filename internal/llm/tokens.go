package llm

import (
	"errors"
)

var errNoProvider = errors.New("no LLM provider configured")

// ApproximateTokens estimates tokens at four characters each, rounding up.
func ApproximateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// ApproximateMessagesTokens sums ApproximateTokens over a message list.
func ApproximateMessagesTokens(system string, messages []ChatMessage) int {
	total := ApproximateTokens(system)
	for _, m := range messages {
		total += ApproximateTokens(m.Content)
	}
	return total
}
