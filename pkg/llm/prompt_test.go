package llm

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/kb"
)

func result(title, content, url string) *kb.SearchResult {
	return &kb.SearchResult{
		Chunk: &kb.Chunk{
			Title:     title,
			Content:   content,
			Source:    "stackoverflow",
			SourceURL: url,
		},
		Score: 0.9,
	}
}

func TestBuildNumbersContextPassages(t *testing.T) {
	b := NewPromptBuilder(0)
	results := []*kb.SearchResult{
		result("Reset password", "Go to settings and click reset.", "https://so.com/q/1"),
		result("Refund policy", "Refunds take 5-7 days.", "https://so.com/q/2"),
	}

	messages, included := b.Build("how do I reset?", nil, results)
	require.Len(t, included, 2)
	require.Len(t, messages, 2)

	system := messages[0]
	assert.Equal(t, "system", system.Role)
	assert.Contains(t, system.Content, "[1] Reset password (source: stackoverflow, https://so.com/q/1)")
	assert.Contains(t, system.Content, "[2] Refund policy")
	assert.Contains(t, system.Content, "Go to settings and click reset.")

	user := messages[1]
	assert.Equal(t, "user", user.Role)
	assert.Equal(t, "how do I reset?", user.Content)
}

func TestBuildRespectsContextBudget(t *testing.T) {
	b := NewPromptBuilder(300)
	long := strings.Repeat("word ", 60) // ~300 chars each
	results := []*kb.SearchResult{
		result("First", long, ""),
		result("Second", long, ""),
		result("Third", long, ""),
	}

	_, included := b.Build("q", nil, results)
	assert.Len(t, included, 1, "budget admits only the first passage")
}

func TestBuildKeepsOversizedTopHit(t *testing.T) {
	b := NewPromptBuilder(50)
	results := []*kb.SearchResult{result("Huge", strings.Repeat("x", 500), "")}

	messages, included := b.Build("q", nil, results)
	require.Len(t, included, 1)
	assert.Contains(t, messages[0].Content, "[1] Huge")
}

func TestBuildIncludesHistoryInOrder(t *testing.T) {
	b := NewPromptBuilder(0)
	history := []Message{
		{Role: "user", Content: "earlier question"},
		{Role: "assistant", Content: "earlier answer"},
		{Role: "system", Content: "must be dropped"},
	}

	messages, _ := b.Build("follow-up", history, nil)
	require.Len(t, messages, 4)
	assert.Equal(t, "earlier question", messages[1].Content)
	assert.Equal(t, "earlier answer", messages[2].Content)
	assert.Equal(t, "follow-up", messages[3].Content)
	for _, m := range messages[1:] {
		assert.NotEqual(t, "must be dropped", m.Content)
	}
}

func TestBuildWithoutContextOmitsPassageHeader(t *testing.T) {
	b := NewPromptBuilder(0)
	messages, included := b.Build("q", nil, nil)
	assert.Empty(t, included)
	assert.NotContains(t, messages[0].Content, "Context passages")
}

func TestBuildCitationNumbersMatchIncludedOrder(t *testing.T) {
	b := NewPromptBuilder(0)
	var results []*kb.SearchResult
	for i := 1; i <= 4; i++ {
		results = append(results, result(fmt.Sprintf("Title %d", i), "content", ""))
	}

	messages, included := b.Build("q", nil, results)
	for i, r := range included {
		marker := fmt.Sprintf("[%d] %s", i+1, r.Chunk.Title)
		assert.Contains(t, messages[0].Content, marker)
	}
}
