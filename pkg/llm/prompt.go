package llm

import (
	"fmt"
	"strings"

	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/kb"
)

const systemPrompt = `You are a customer support assistant. Answer the user's question using ONLY the numbered context passages below.

Rules:
- Ground every claim in the context and cite the passages you used with bracketed numbers, e.g. [1] or [2][3].
- If the context does not contain the answer, say you don't have enough information and suggest contacting support. Do not invent facts.
- Be concise and practical. Prefer step-by-step instructions when the context contains them.`

// PromptBuilder assembles grounded chat prompts: a fixed system prompt,
// numbered context passages under a character budget, recent conversation
// history, and the user's question.
type PromptBuilder struct {
	maxContextChars int
}

// NewPromptBuilder creates a builder with the given context budget in
// characters (a rough token proxy; roughly 4 chars per token).
func NewPromptBuilder(maxContextChars int) *PromptBuilder {
	if maxContextChars <= 0 {
		maxContextChars = 12000
	}
	return &PromptBuilder{maxContextChars: maxContextChars}
}

// Build assembles the message list for one query. The returned included
// slice holds the retrieval results that made it into the prompt, in
// citation-number order: included[0] is [1] in the prompt text.
func (b *PromptBuilder) Build(query string, history []Message, results []*kb.SearchResult) (messages []Message, included []*kb.SearchResult) {
	var context strings.Builder
	for _, r := range results {
		block := formatContextBlock(len(included)+1, r)
		if context.Len()+len(block) > b.maxContextChars {
			// Keep at least one passage even if it blows the budget, or an
			// oversized top hit would leave the model with no grounding.
			if len(included) > 0 {
				continue
			}
		}
		context.WriteString(block)
		included = append(included, r)
	}

	system := systemPrompt
	if context.Len() > 0 {
		system = system + "\n\nContext passages:\n\n" + context.String()
	}

	messages = append(messages, Message{Role: "system", Content: system})
	for _, h := range history {
		if h.Role == "user" || h.Role == "assistant" {
			messages = append(messages, h)
		}
	}
	messages = append(messages, Message{Role: "user", Content: query})
	return messages, included
}

func formatContextBlock(n int, r *kb.SearchResult) string {
	c := r.Chunk
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%d] %s", n, c.Title)
	if c.Source != "" {
		fmt.Fprintf(&sb, " (source: %s", c.Source)
		if c.SourceURL != "" {
			fmt.Fprintf(&sb, ", %s", c.SourceURL)
		}
		sb.WriteString(")")
	}
	sb.WriteString("\n")
	sb.WriteString(strings.TrimSpace(c.Content))
	sb.WriteString("\n\n")
	return sb.String()
}
