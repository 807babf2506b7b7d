package rag

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/kb"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/llm"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/metrics"
)

// FallbackAnswer is returned when retrieval finds nothing relevant. The
// pipeline never lets the model answer without grounding.
const FallbackAnswer = "I couldn't find anything in the knowledge base that answers your question. " +
	"Please rephrase it, or contact our support team directly."

// PipelineConfig tunes the query path.
type PipelineConfig struct {
	TopK            int     `json:"top_k"`             // results handed to the prompt
	OverFetchFactor int     `json:"over_fetch_factor"` // retrieval fetches TopK*factor for the reranker
	MinScore        float64 `json:"min_score"`         // reranked results below this are dropped
	HybridAlpha     float64 `json:"hybrid_alpha"`
	MaxContextChars int     `json:"max_context_chars"`
	HistoryWindow   int     `json:"history_window"` // prior turns included in the prompt
}

// DefaultPipelineConfig returns production defaults.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		TopK:            5,
		OverFetchFactor: 3,
		MinScore:        0.25,
		HybridAlpha:     0.7,
		MaxContextChars: 12000,
		HistoryWindow:   6,
	}
}

// Pipeline executes the retrieve-rerank-generate query path.
type Pipeline struct {
	config    *PipelineConfig
	retriever Retriever
	embedder  Embedder
	generator Generator
	enhancer  *QueryEnhancer
	reranker  *Reranker
	prompts   *llm.PromptBuilder
	cache     AnswerCache
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewPipeline wires the pipeline. cache and m may be nil; retriever,
// embedder, and generator are required.
func NewPipeline(config *PipelineConfig, retriever Retriever, embedder Embedder, generator Generator, cache AnswerCache, m *metrics.Metrics) (*Pipeline, error) {
	if config == nil {
		config = DefaultPipelineConfig()
	}
	if retriever == nil {
		return nil, fmt.Errorf("pipeline requires a retriever")
	}
	if embedder == nil {
		return nil, fmt.Errorf("pipeline requires an embedder")
	}
	if generator == nil {
		return nil, fmt.Errorf("pipeline requires a generator")
	}
	if config.TopK <= 0 {
		config.TopK = 5
	}
	if config.OverFetchFactor <= 0 {
		config.OverFetchFactor = 3
	}

	return &Pipeline{
		config:    config,
		retriever: retriever,
		embedder:  embedder,
		generator: generator,
		enhancer:  NewQueryEnhancer(nil),
		reranker:  NewReranker(nil),
		prompts:   llm.NewPromptBuilder(config.MaxContextChars),
		cache:     cache,
		metrics:   m,
		logger:    slog.Default().With("component", "rag-pipeline"),
	}, nil
}

// ProcessQuery answers one question. history is the conversation so far,
// oldest first; the pipeline keeps only the configured window.
func (p *Pipeline) ProcessQuery(ctx context.Context, req *QueryRequest, history []llm.Message) (*Answer, error) {
	start := time.Now()
	if req == nil || strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	topK := req.TopK
	if topK <= 0 {
		topK = p.config.TopK
	}
	minScore := req.MinScore
	if minScore <= 0 {
		minScore = p.config.MinScore
	}

	// Cache whole answers only for history-free queries; a follow-up
	// depends on conversation state and must not be shared.
	cacheable := p.cache != nil && !req.SkipCache && len(history) == 0
	cacheKey := answerCacheKey(req)
	if cacheable {
		if cached, ok := p.cache.Get(ctx, cacheKey); ok {
			cached.Cached = true
			cached.Took = time.Since(start)
			p.observeCache("hit")
			p.observeQuery("cached")
			return cached, nil
		}
		p.observeCache("miss")
	}

	// Stage: query enhancement.
	stageStart := time.Now()
	enhanced, changed := p.enhancer.Enhance(req.Query)
	p.observeStage("enhance", stageStart)

	// Stage: query embedding.
	stageStart = time.Now()
	vector, err := p.embedder.EmbedQuery(ctx, enhanced)
	if err != nil {
		p.observeQuery("error")
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	p.observeStage("embed", stageStart)

	// Stage: hybrid retrieval, over-fetched for the reranker.
	stageStart = time.Now()
	searchResp, err := p.retriever.Search(ctx, &kb.SearchQuery{
		Query:       enhanced,
		Vector:      vector,
		Limit:       topK * p.config.OverFetchFactor,
		HybridAlpha: float32(p.config.HybridAlpha),
		Filters:     req.Filters,
	})
	if err != nil {
		p.observeQuery("error")
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}
	p.observeStage("retrieve", stageStart)

	// Stage: rerank and filter.
	stageStart = time.Now()
	ranked := p.reranker.Rerank(req.Query, searchResp.Results, topK, minScore)
	p.observeStage("rerank", stageStart)

	if p.metrics != nil {
		p.metrics.RetrievedChunks.Observe(float64(len(ranked)))
		if len(ranked) > 0 {
			p.metrics.RetrievalTopScore.Observe(float64(ranked[0].Score))
		}
	}

	answer := &Answer{
		Query:     req.Query,
		Retrieved: len(ranked),
	}
	if changed {
		answer.EnhancedQuery = enhanced
	}

	if len(ranked) == 0 {
		// Nothing relevant indexed: answer honestly instead of generating.
		answer.Answer = FallbackAnswer
		answer.Citations = []Citation{}
		answer.Took = time.Since(start)
		p.observeQuery("fallback")
		p.logger.Info("no relevant context found",
			"query", req.Query,
			"enhanced", changed,
		)
		return answer, nil
	}

	// Stage: prompt assembly and generation.
	stageStart = time.Now()
	window := history
	if p.config.HistoryWindow > 0 && len(window) > p.config.HistoryWindow {
		window = window[len(window)-p.config.HistoryWindow:]
	}
	prompt, included := p.prompts.Build(req.Query, window, ranked)

	completion, err := p.generator.Complete(ctx, prompt)
	if err != nil {
		p.observeQuery("error")
		return nil, fmt.Errorf("generation failed: %w", err)
	}
	p.observeStage("generate", stageStart)

	answer.Answer = completion.Content
	answer.Model = completion.Model
	answer.TokensUsed = completion.TokensUsed
	answer.Citations = extractCitations(completion.Content, included)
	answer.Confidence = confidence(included, answer.Citations)
	answer.Took = time.Since(start)

	if p.metrics != nil {
		p.metrics.AnswerConfidence.Observe(answer.Confidence)
		p.metrics.LLMTokensTotal.WithLabelValues(p.generator.Name()).Add(float64(completion.TokensUsed))
	}
	p.observeStage("total", start)
	p.observeQuery("answered")

	if cacheable {
		p.cache.Set(ctx, cacheKey, answer)
	}

	p.logger.Info("query answered",
		"query", req.Query,
		"retrieved", answer.Retrieved,
		"citations", len(answer.Citations),
		"confidence", answer.Confidence,
		"took", answer.Took,
	)
	return answer, nil
}

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// extractCitations finds bracketed citation markers in the generated text
// and resolves them against the passages included in the prompt. Markers
// pointing outside the included range are ignored.
func extractCitations(text string, included []*kb.SearchResult) []Citation {
	seen := make(map[int]bool)
	var numbers []int
	for _, match := range citationPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil || n < 1 || n > len(included) || seen[n] {
			continue
		}
		seen[n] = true
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	citations := make([]Citation, 0, len(numbers))
	for _, n := range numbers {
		chunk := included[n-1].Chunk
		citations = append(citations, Citation{
			Number:    n,
			Title:     chunk.Title,
			Source:    chunk.Source,
			SourceURL: chunk.SourceURL,
			Snippet:   snippet(chunk.Content, 200),
			Score:     float64(included[n-1].Score),
		})
	}
	return citations
}

// confidence combines the mean relevance of the prompt context with how
// much of it the model actually cited. An uncited answer over weak context
// scores low; a fully cited answer over strong context approaches 1.
func confidence(included []*kb.SearchResult, citations []Citation) float64 {
	if len(included) == 0 {
		return 0
	}
	var sum float64
	for _, r := range included {
		sum += clamp01(float64(r.Score))
	}
	mean := sum / float64(len(included))

	coverage := float64(len(citations)) / float64(len(included))
	return clamp01(mean * (0.5 + 0.5*coverage))
}

func snippet(content string, limit int) string {
	content = strings.TrimSpace(content)
	if len(content) <= limit {
		return content
	}
	// Back up to a rune boundary so the cut never splits a multi-byte
	// character.
	for limit > 0 && !utf8.RuneStart(content[limit]) {
		limit--
	}
	cut := content[:limit]
	if idx := strings.LastIndex(cut, " "); idx > limit/2 {
		cut = cut[:idx]
	}
	return cut + "..."
}

func (p *Pipeline) observeStage(stage string, start time.Time) {
	if p.metrics != nil {
		p.metrics.QueryDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

func (p *Pipeline) observeQuery(outcome string) {
	if p.metrics != nil {
		p.metrics.QueriesTotal.WithLabelValues(outcome).Inc()
	}
}

func (p *Pipeline) observeCache(result string) {
	if p.metrics != nil {
		p.metrics.CacheEvents.WithLabelValues(result).Inc()
	}
}
