// Package kb implements the support knowledge base: document types, the
// chunking pipeline that prepares content for embedding, file loaders, and
// the Weaviate-backed vector store used for hybrid retrieval.
package kb

import (
	"time"
)

// Document is a unit of support knowledge before chunking. A document is
// typically a question together with its accepted answer (Stack Overflow,
// Amazon Q&A) or a knowledge-base article loaded from disk.
type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Source    string    `json:"source"`     // e.g. "stackoverflow", "amazon-qa", "files"
	SourceURL string    `json:"source_url"` // canonical link for attribution
	Category  string    `json:"category"`
	Tags      []string  `json:"tags"`
	Score     int       `json:"score"` // upstream vote count or helpfulness signal
	CreatedAt time.Time `json:"created_at"`
}

// Chunk is an embeddable slice of a document. Chunks carry enough document
// metadata to render a citation without a second lookup.
type Chunk struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Source     string    `json:"source"`
	SourceURL  string    `json:"source_url"`
	Category   string    `json:"category"`
	Tags       []string  `json:"tags"`
	Score      int       `json:"score"`
	ChunkIndex int       `json:"chunk_index"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// SearchFilters narrows a search to a subset of the knowledge base.
type SearchFilters struct {
	Source   string   `json:"source,omitempty"`
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// SearchQuery describes one retrieval request against the vector store.
// Vector is the embedding of Query; when both are set the store runs a
// hybrid search blending vector and keyword relevance by HybridAlpha.
type SearchQuery struct {
	Query       string         `json:"query"`
	Vector      []float32      `json:"-"`
	Limit       int            `json:"limit"`
	Offset      int            `json:"offset"`
	HybridAlpha float32        `json:"hybrid_alpha"` // 1.0 = pure vector, 0.0 = pure keyword
	Filters     *SearchFilters `json:"filters,omitempty"`
}

// SearchResult is a single retrieved chunk with its relevance score.
type SearchResult struct {
	Chunk    *Chunk  `json:"chunk"`
	Score    float32 `json:"score"`
	Distance float32 `json:"distance,omitempty"`
}

// SearchResponse is the outcome of one retrieval request.
type SearchResponse struct {
	Results []*SearchResult `json:"results"`
	Total   int             `json:"total"`
	Took    time.Duration   `json:"took"`
}

// SourceStats summarizes how much of one ingestion source is indexed.
type SourceStats struct {
	Source string `json:"source"`
	Chunks int64  `json:"chunks"`
}
