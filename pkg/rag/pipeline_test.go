package rag

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/kb"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/llm"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/metrics"
)

type fakeRetriever struct {
	results   []*kb.SearchResult
	lastQuery *kb.SearchQuery
	err       error
}

func (f *fakeRetriever) Search(_ context.Context, q *kb.SearchQuery) (*kb.SearchResponse, error) {
	f.lastQuery = q
	if f.err != nil {
		return nil, f.err
	}
	return &kb.SearchResponse{Results: f.results, Total: len(f.results)}, nil
}

type fakeEmbedder struct{ err error }

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 1}, nil
}

type fakeGenerator struct {
	content  string
	err      error
	lastMsgs []llm.Message
	calls    int
}

func (f *fakeGenerator) Complete(_ context.Context, messages []llm.Message) (*llm.Completion, error) {
	f.calls++
	f.lastMsgs = messages
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Completion{Content: f.content, Model: "fake-model", TokensUsed: 17}, nil
}

func (f *fakeGenerator) Name() string { return "fake" }

type memAnswerCache struct {
	entries map[string]*Answer
}

func (m *memAnswerCache) Get(_ context.Context, key string) (*Answer, bool) {
	a, ok := m.entries[key]
	return a, ok
}

func (m *memAnswerCache) Set(_ context.Context, key string, a *Answer) {
	m.entries[key] = a
}

func supportResult(title string, score float32) *kb.SearchResult {
	return &kb.SearchResult{
		Chunk: &kb.Chunk{
			Title:     title,
			Content:   "To fix the password problem, open account settings and request a reset link.",
			Source:    "stackoverflow",
			SourceURL: "https://stackoverflow.com/q/99",
		},
		Score: score,
	}
}

func newTestPipeline(t *testing.T, retriever Retriever, generator Generator, cache AnswerCache) *Pipeline {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	p, err := NewPipeline(DefaultPipelineConfig(), retriever, &fakeEmbedder{}, generator, cache, m)
	require.NoError(t, err)
	return p
}

func TestProcessQueryReturnsGroundedAnswer(t *testing.T) {
	retriever := &fakeRetriever{results: []*kb.SearchResult{
		supportResult("Password reset", 0.9),
		supportResult("Account recovery", 0.8),
	}}
	generator := &fakeGenerator{content: "Open settings and request a reset link. [1]"}
	p := newTestPipeline(t, retriever, generator, nil)

	answer, err := p.ProcessQuery(context.Background(), &QueryRequest{Query: "how do I reset my password"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "Open settings and request a reset link. [1]", answer.Answer)
	assert.Equal(t, "fake-model", answer.Model)
	assert.Equal(t, 17, answer.TokensUsed)
	require.Len(t, answer.Citations, 1)
	assert.Equal(t, 1, answer.Citations[0].Number)
	assert.Equal(t, "stackoverflow", answer.Citations[0].Source)
	assert.Equal(t, "https://stackoverflow.com/q/99", answer.Citations[0].SourceURL)
	assert.Greater(t, answer.Confidence, 0.0)
	assert.False(t, answer.Cached)
}

func TestProcessQueryOverFetchesForReranker(t *testing.T) {
	retriever := &fakeRetriever{results: []*kb.SearchResult{supportResult("t", 0.9)}}
	generator := &fakeGenerator{content: "answer [1]"}
	p := newTestPipeline(t, retriever, generator, nil)

	_, err := p.ProcessQuery(context.Background(), &QueryRequest{Query: "password reset", TopK: 4}, nil)
	require.NoError(t, err)
	require.NotNil(t, retriever.lastQuery)
	assert.Equal(t, 12, retriever.lastQuery.Limit, "retrieval fetches TopK*OverFetchFactor")
	assert.NotEmpty(t, retriever.lastQuery.Vector)
}

func TestProcessQueryFallbackWithoutContext(t *testing.T) {
	retriever := &fakeRetriever{} // nothing indexed
	generator := &fakeGenerator{content: "should never be called"}
	p := newTestPipeline(t, retriever, generator, nil)

	answer, err := p.ProcessQuery(context.Background(), &QueryRequest{Query: "what is the meaning of life"}, nil)
	require.NoError(t, err)

	assert.Equal(t, FallbackAnswer, answer.Answer)
	assert.Empty(t, answer.Citations)
	assert.Equal(t, 0.0, answer.Confidence)
	assert.Equal(t, 0, generator.calls, "fallback must not invoke the model")
}

func TestProcessQueryIgnoresOutOfRangeCitations(t *testing.T) {
	retriever := &fakeRetriever{results: []*kb.SearchResult{supportResult("only one", 0.9)}}
	generator := &fakeGenerator{content: "Claims with bogus markers [1][7][0]"}
	p := newTestPipeline(t, retriever, generator, nil)

	answer, err := p.ProcessQuery(context.Background(), &QueryRequest{Query: "password"}, nil)
	require.NoError(t, err)
	require.Len(t, answer.Citations, 1)
	assert.Equal(t, 1, answer.Citations[0].Number)
}

func TestProcessQueryCachesHistoryFreeQueries(t *testing.T) {
	retriever := &fakeRetriever{results: []*kb.SearchResult{supportResult("t", 0.9)}}
	generator := &fakeGenerator{content: "cached answer [1]"}
	cache := &memAnswerCache{entries: map[string]*Answer{}}
	p := newTestPipeline(t, retriever, generator, cache)
	ctx := context.Background()

	first, err := p.ProcessQuery(ctx, &QueryRequest{Query: "password reset"}, nil)
	require.NoError(t, err)
	require.False(t, first.Cached)

	second, err := p.ProcessQuery(ctx, &QueryRequest{Query: "password reset"}, nil)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, generator.calls, "second query must come from cache")
}

func TestProcessQuerySkipsCacheWithHistory(t *testing.T) {
	retriever := &fakeRetriever{results: []*kb.SearchResult{supportResult("t", 0.9)}}
	generator := &fakeGenerator{content: "fresh answer [1]"}
	cache := &memAnswerCache{entries: map[string]*Answer{}}
	p := newTestPipeline(t, retriever, generator, cache)
	ctx := context.Background()
	history := []llm.Message{{Role: "user", Content: "earlier"}, {Role: "assistant", Content: "reply"}}

	_, err := p.ProcessQuery(ctx, &QueryRequest{Query: "password reset"}, history)
	require.NoError(t, err)
	_, err = p.ProcessQuery(ctx, &QueryRequest{Query: "password reset"}, history)
	require.NoError(t, err)
	assert.Equal(t, 2, generator.calls, "follow-ups must not share cached answers")
}

func TestProcessQueryTrimsHistoryWindow(t *testing.T) {
	retriever := &fakeRetriever{results: []*kb.SearchResult{supportResult("t", 0.9)}}
	generator := &fakeGenerator{content: "answer [1]"}
	p := newTestPipeline(t, retriever, generator, nil)

	var history []llm.Message
	for i := 0; i < 20; i++ {
		history = append(history, llm.Message{Role: "user", Content: fmt.Sprintf("turn %d", i)})
	}

	_, err := p.ProcessQuery(context.Background(), &QueryRequest{Query: "password"}, history)
	require.NoError(t, err)

	// system + HistoryWindow turns + current question.
	assert.Len(t, generator.lastMsgs, 1+DefaultPipelineConfig().HistoryWindow+1)
	assert.Equal(t, "turn 19", generator.lastMsgs[len(generator.lastMsgs)-2].Content)
}

func TestProcessQueryPropagatesErrors(t *testing.T) {
	t.Run("embedder failure", func(t *testing.T) {
		p, err := NewPipeline(nil, &fakeRetriever{}, &fakeEmbedder{err: fmt.Errorf("boom")}, &fakeGenerator{}, nil, nil)
		require.NoError(t, err)
		_, err = p.ProcessQuery(context.Background(), &QueryRequest{Query: "q"}, nil)
		assert.ErrorContains(t, err, "embed")
	})

	t.Run("retriever failure", func(t *testing.T) {
		p, err := NewPipeline(nil, &fakeRetriever{err: fmt.Errorf("down")}, &fakeEmbedder{}, &fakeGenerator{}, nil, nil)
		require.NoError(t, err)
		_, err = p.ProcessQuery(context.Background(), &QueryRequest{Query: "q"}, nil)
		assert.ErrorContains(t, err, "retrieval")
	})

	t.Run("generator failure", func(t *testing.T) {
		retriever := &fakeRetriever{results: []*kb.SearchResult{supportResult("t", 0.9)}}
		p, err := NewPipeline(nil, retriever, &fakeEmbedder{}, &fakeGenerator{err: fmt.Errorf("llm down")}, nil, nil)
		require.NoError(t, err)
		_, err = p.ProcessQuery(context.Background(), &QueryRequest{Query: "password"}, nil)
		assert.ErrorContains(t, err, "generation")
	})

	t.Run("empty query", func(t *testing.T) {
		p, err := NewPipeline(nil, &fakeRetriever{}, &fakeEmbedder{}, &fakeGenerator{}, nil, nil)
		require.NoError(t, err)
		_, err = p.ProcessQuery(context.Background(), &QueryRequest{Query: "  "}, nil)
		assert.Error(t, err)
	})
}

func TestNewPipelineRequiresDependencies(t *testing.T) {
	_, err := NewPipeline(nil, nil, &fakeEmbedder{}, &fakeGenerator{}, nil, nil)
	assert.Error(t, err)
	_, err = NewPipeline(nil, &fakeRetriever{}, nil, &fakeGenerator{}, nil, nil)
	assert.Error(t, err)
	_, err = NewPipeline(nil, &fakeRetriever{}, &fakeEmbedder{}, nil, nil, nil)
	assert.Error(t, err)
}

func TestConfidenceScoring(t *testing.T) {
	strong := []*kb.SearchResult{supportResult("a", 0.9), supportResult("b", 0.9)}

	full := confidence(strong, []Citation{{Number: 1}, {Number: 2}})
	partial := confidence(strong, []Citation{{Number: 1}})
	uncited := confidence(strong, nil)

	assert.Greater(t, full, partial)
	assert.Greater(t, partial, uncited)
	assert.Greater(t, uncited, 0.0)
	assert.Equal(t, 0.0, confidence(nil, nil))
}

func TestExtractCitationsDeduplicates(t *testing.T) {
	included := []*kb.SearchResult{supportResult("a", 0.9), supportResult("b", 0.8)}
	citations := extractCitations("See [2] and again [2], plus [1].", included)

	require.Len(t, citations, 2)
	assert.Equal(t, 1, citations[0].Number)
	assert.Equal(t, 2, citations[1].Number)
}

func TestSnippetNeverSplitsRunes(t *testing.T) {
	assert.Equal(t, "short", snippet("short", 100))

	// No spaces, so the cut lands at the byte limit; each é is two bytes
	// and an odd limit would land mid-rune.
	s := snippet(strings.Repeat("é", 200), 101)
	assert.True(t, utf8.ValidString(s))
	assert.Equal(t, strings.Repeat("é", 50)+"...", s)

	// With spaces the cut backs up to a word boundary.
	assert.Equal(t, "alpha beta...", snippet("alpha beta gamma delta", 16))
}
