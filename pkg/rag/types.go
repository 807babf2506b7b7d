// Package rag wires retrieval, reranking, prompting, and generation into
// the answer pipeline. Answers are grounded: every response carries the
// sources it cited, and an empty retrieval produces an honest fallback
// instead of a fabricated answer.
package rag

import (
	"context"
	"time"

	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/kb"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/llm"
)

// QueryRequest is one question for the pipeline.
type QueryRequest struct {
	Query          string            `json:"query"`
	ConversationID string            `json:"conversation_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	TopK           int               `json:"top_k,omitempty"`
	MinScore       float64           `json:"min_score,omitempty"`
	Filters        *kb.SearchFilters `json:"filters,omitempty"`
	SkipCache      bool              `json:"skip_cache,omitempty"`
}

// Citation attributes part of an answer to an indexed source.
type Citation struct {
	Number    int     `json:"number"`
	Title     string  `json:"title"`
	Source    string  `json:"source"`
	SourceURL string  `json:"source_url,omitempty"`
	Snippet   string  `json:"snippet,omitempty"`
	Score     float64 `json:"score"`
}

// Answer is the pipeline's grounded response.
type Answer struct {
	Query         string        `json:"query"`
	EnhancedQuery string        `json:"enhanced_query,omitempty"`
	Answer        string        `json:"answer"`
	Citations     []Citation    `json:"citations"`
	Confidence    float64       `json:"confidence"`
	Model         string        `json:"model,omitempty"`
	TokensUsed    int           `json:"tokens_used,omitempty"`
	Retrieved     int           `json:"retrieved"`
	Cached        bool          `json:"cached"`
	Took          time.Duration `json:"took"`
}

// Retriever searches the knowledge base. *kb.VectorStore implements it.
type Retriever interface {
	Search(ctx context.Context, query *kb.SearchQuery) (*kb.SearchResponse, error)
}

// Embedder embeds query text. *embeddings.Service implements it.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Generator produces completions. llm.ChatClient satisfies it.
type Generator interface {
	Complete(ctx context.Context, messages []llm.Message) (*llm.Completion, error)
	Name() string
}
