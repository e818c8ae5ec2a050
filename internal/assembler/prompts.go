package assembler

import (
	"fmt"
	"strings"

	"github.com/capitalize-ai/docchat/internal/model"
)

const previewRunes = 200

const cachedPrompt = `You are a careful reading companion. The full text of the document is already loaded in your context.
Answer from the document. Quote short passages when they support the answer, and say so when the document does not cover the question.`

const fullTextPrompt = `You are a careful reading companion. The full text of the document follows.
Answer from the document. Quote short passages when they support the answer, and say so when the document does not cover the question.

<document title=%q>
%s
</document>`

const retrievalPrompt = `You are a careful reading companion. The excerpts below were retrieved from the document %s as the most relevant to the question.
Answer from the excerpts. If they do not contain the answer, say so and answer from general knowledge, marking it as such.

<excerpts>
%s</excerpts>`

const knowledgePrompt = `You are a careful reading companion. The user is asking about %s.
Answer from what you know about this work. If you have no knowledge of it, say "unknown" rather than guessing.`

const freeChatPrompt = `You are a helpful, knowledgeable assistant. Answer clearly and say so when you are unsure.`

func describeDocument(doc *model.Document) string {
	if doc == nil || doc.Title == "" {
		return "an unnamed document"
	}
	if doc.Author != "" {
		return fmt.Sprintf("%q by %s", doc.Title, doc.Author)
	}
	return fmt.Sprintf("%q", doc.Title)
}

func buildRetrievalContext(chunks []model.RetrievedChunk) string {
	var b strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&b, "[%d] %s\n\n", i+1, strings.TrimSpace(c.Text))
	}
	return b.String()
}

// preview truncates text to previewRunes runes.
func preview(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= previewRunes {
		return text
	}
	return string(runes[:previewRunes-1]) + "…"
}

// EngineLabel names the knowledge source in effect for plain-knowledge turns.
// searchSent is true only when the upstream request carries the search tool.
func EngineLabel(searchSent bool) string {
	if searchSent {
		return "model + live web search"
	}
	return "model pretrained knowledge only"
}
