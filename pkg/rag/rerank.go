package rag

import (
	"sort"
	"strings"

	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/kb"
)

// RerankerConfig weights the signals combined into the final relevance
// score. Weights should sum to roughly 1; Rerank normalizes defensively.
type RerankerConfig struct {
	RetrievalWeight float64 `json:"retrieval_weight"` // hybrid score from the vector store
	LexicalWeight   float64 `json:"lexical_weight"`   // query-term overlap with the chunk
	PriorWeight     float64 `json:"prior_weight"`     // upstream vote-count prior
}

// DefaultRerankerConfig returns the production weighting.
func DefaultRerankerConfig() *RerankerConfig {
	return &RerankerConfig{
		RetrievalWeight: 0.65,
		LexicalWeight:   0.25,
		PriorWeight:     0.10,
	}
}

// Reranker re-scores retrieval results with lexical overlap and an
// upstream-votes prior, then filters and truncates. Retrieval casts a wide
// net (the pipeline over-fetches); the reranker decides what the model
// actually sees.
type Reranker struct {
	config *RerankerConfig
}

// NewReranker creates a reranker, using defaults when config is nil.
func NewReranker(config *RerankerConfig) *Reranker {
	if config == nil {
		config = DefaultRerankerConfig()
	}
	return &Reranker{config: config}
}

// Rerank returns at most topK results scoring at least minScore, ordered
// by combined score descending. The input slice is not modified.
func (r *Reranker) Rerank(query string, results []*kb.SearchResult, topK int, minScore float64) []*kb.SearchResult {
	if len(results) == 0 {
		return nil
	}
	total := r.config.RetrievalWeight + r.config.LexicalWeight + r.config.PriorWeight
	if total <= 0 {
		total = 1
	}

	queryTerms := termSet(query)
	scored := make([]*kb.SearchResult, len(results))
	for i, res := range results {
		combined := (r.config.RetrievalWeight*clamp01(float64(res.Score)) +
			r.config.LexicalWeight*lexicalOverlap(queryTerms, res.Chunk) +
			r.config.PriorWeight*votePrior(res.Chunk.Score)) / total

		copied := *res
		copied.Score = float32(combined)
		scored[i] = &copied
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	out := make([]*kb.SearchResult, 0, topK)
	for _, res := range scored {
		if float64(res.Score) < minScore {
			continue
		}
		out = append(out, res)
		if topK > 0 && len(out) >= topK {
			break
		}
	}
	return out
}

// lexicalOverlap is the fraction of query terms present in the chunk's
// title or content.
func lexicalOverlap(queryTerms map[string]bool, chunk *kb.Chunk) float64 {
	if len(queryTerms) == 0 {
		return 0
	}
	text := strings.ToLower(chunk.Title + " " + chunk.Content)
	matched := 0
	for term := range queryTerms {
		if strings.Contains(text, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTerms))
}

// votePrior maps an unbounded upstream vote count into [0,1) with
// diminishing returns; 20 votes score 0.5.
func votePrior(votes int) float64 {
	if votes <= 0 {
		return 0
	}
	return float64(votes) / (float64(votes) + 20)
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"do": true, "does": true, "how": true, "what": true, "when": true,
	"where": true, "why": true, "can": true, "i": true, "my": true,
	"to": true, "of": true, "in": true, "on": true, "for": true, "it": true,
}

func termSet(query string) map[string]bool {
	terms := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?:;\"'()")
		if len(w) < 2 || stopWords[w] {
			continue
		}
		terms[w] = true
	}
	return terms
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
