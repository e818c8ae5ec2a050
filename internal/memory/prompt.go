package memory

import (
	"fmt"
	"strings"

	"github.com/capitalize-ai/docchat/internal/model"
)

// compactionInstruction closes the synthetic compaction turn.
const compactionInstruction = `Summarize the conversation above so it can replace the original messages.

Keep:
- what the user is trying to learn about the document, and any constraints they stated
- facts, quotes and page or chapter references already established
- questions that were asked but not yet answered

Write plain prose in the language of the conversation. Do not add information that was not in the conversation.
Do not address the user. Output only the summary.`

// BuildCompactionPrompt renders the prior summary and the retained history into one user turn.
func BuildCompactionPrompt(prior *model.Summary, history []model.HistoryMessage) string {
	var b strings.Builder
	if prior != nil && prior.Text != "" {
		b.WriteString("<previous_summary>\n")
		b.WriteString(prior.Text)
		b.WriteString("\n</previous_summary>\n\n")
	}
	b.WriteString("<conversation>\n")
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n\n", strings.ToUpper(string(m.Role)), m.Content)
	}
	b.WriteString("</conversation>\n\n")
	b.WriteString(compactionInstruction)
	return b.String()
}
