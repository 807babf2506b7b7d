package kb

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// VectorStoreConfig holds connection and schema settings for Weaviate.
type VectorStoreConfig struct {
	URL       string `json:"url"`
	APIKey    string `json:"api_key"`
	ClassName string `json:"class_name"`
}

// VectorStore is the Weaviate-backed index of support knowledge chunks.
// Vectors are supplied by the embedding service (vectorizer "none"), which
// keeps the embedding model a deployment choice instead of a schema one.
type VectorStore struct {
	client *weaviate.Client
	class  string
	logger *slog.Logger
}

// NewVectorStore creates a Weaviate client from the configured URL.
func NewVectorStore(cfg *VectorStoreConfig) (*VectorStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("vector store config cannot be nil")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid weaviate URL %q", cfg.URL)
	}

	clientConfig := weaviate.Config{
		Host:   u.Host,
		Scheme: u.Scheme,
	}
	if cfg.APIKey != "" {
		clientConfig.AuthConfig = auth.ApiKey{Value: cfg.APIKey}
	}
	client, err := weaviate.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}

	class := cfg.ClassName
	if class == "" {
		class = "SupportKnowledge"
	}

	return &VectorStore{
		client: client,
		class:  class,
		logger: slog.Default().With("component", "vector-store"),
	}, nil
}

// EnsureSchema creates the knowledge class if it does not exist yet.
func (vs *VectorStore) EnsureSchema(ctx context.Context) error {
	exists, err := vs.client.Schema().ClassExistenceChecker().WithClassName(vs.class).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to check schema: %w", err)
	}
	if exists {
		vs.logger.Debug("schema class already exists", "class", vs.class)
		return nil
	}

	boolTrue := true
	class := &models.Class{
		Class:       vs.class,
		Description: "Support knowledge chunks from Q&A datasets and articles",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "content",
				DataType:        []string{"text"},
				Description:     "Chunk text used for answering",
				IndexFilterable: &boolTrue,
				IndexSearchable: &boolTrue,
			},
			{
				Name:            "title",
				DataType:        []string{"text"},
				Description:     "Originating question or article title",
				IndexFilterable: &boolTrue,
				IndexSearchable: &boolTrue,
			},
			{
				Name:            "source",
				DataType:        []string{"text"},
				Description:     "Ingestion source (stackoverflow, amazon-qa, files)",
				IndexFilterable: &boolTrue,
			},
			{
				Name:        "sourceUrl",
				DataType:    []string{"text"},
				Description: "Canonical link for source attribution",
			},
			{
				Name:            "category",
				DataType:        []string{"text"},
				Description:     "Topic or product category",
				IndexFilterable: &boolTrue,
			},
			{
				Name:            "tags",
				DataType:        []string{"text[]"},
				Description:     "Upstream tags",
				IndexFilterable: &boolTrue,
			},
			{
				Name:            "score",
				DataType:        []string{"int"},
				Description:     "Upstream vote count or helpfulness signal",
				IndexFilterable: &boolTrue,
			},
			{
				Name:            "documentId",
				DataType:        []string{"text"},
				Description:     "Identifier of the parent document",
				IndexFilterable: &boolTrue,
			},
			{
				Name:        "chunkIndex",
				DataType:    []string{"int"},
				Description: "Position of this chunk in the parent document",
			},
			{
				Name:            "createdAt",
				DataType:        []string{"date"},
				Description:     "Upstream creation timestamp",
				IndexFilterable: &boolTrue,
			},
		},
	}

	if err := vs.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create class %s: %w", vs.class, err)
		}
		return nil
	}
	vs.logger.Info("created schema class", "class", vs.class)
	return nil
}

// UpsertChunks writes chunks and their vectors in one batch. Chunk IDs are
// deterministic, so repeated ingestion of the same content is an update.
func (vs *VectorStore) UpsertChunks(ctx context.Context, chunks []*Chunk, vectors [][]float32) error {
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunk/vector count mismatch: %d vs %d", len(chunks), len(vectors))
	}

	objects := make([]*models.Object, 0, len(chunks))
	for i, chunk := range chunks {
		objects = append(objects, &models.Object{
			Class:  vs.class,
			ID:     strfmt.UUID(chunk.ID),
			Vector: models.C11yVector(vectors[i]),
			Properties: map[string]interface{}{
				"content":    chunk.Content,
				"title":      chunk.Title,
				"source":     chunk.Source,
				"sourceUrl":  chunk.SourceURL,
				"category":   chunk.Category,
				"tags":       chunk.Tags,
				"score":      chunk.Score,
				"documentId": chunk.DocumentID,
				"chunkIndex": chunk.ChunkIndex,
				"createdAt":  chunk.CreatedAt.UTC().Format(time.RFC3339),
			},
		})
	}

	resp, err := vs.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("batch upsert failed: %w", err)
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("batch upsert rejected object %s: %s", r.ID, r.Result.Errors.Error[0].Message)
		}
	}

	vs.logger.Debug("upserted chunks", "count", len(chunks))
	return nil
}

// Search runs a hybrid (vector + BM25) search when a query vector is
// present, otherwise a pure keyword search.
func (vs *VectorStore) Search(ctx context.Context, query *SearchQuery) (*SearchResponse, error) {
	start := time.Now()
	if query == nil {
		return nil, fmt.Errorf("search query cannot be nil")
	}
	if query.Query == "" {
		return nil, fmt.Errorf("search query text cannot be empty")
	}
	if query.Limit <= 0 {
		query.Limit = 10
	}
	alpha := query.HybridAlpha
	if alpha == 0 {
		alpha = 0.7
	}

	builder := vs.client.GraphQL().Get().WithClassName(vs.class)
	if len(query.Vector) > 0 {
		builder = builder.WithHybrid(
			vs.client.GraphQL().HybridArgumentBuilder().
				WithQuery(query.Query).
				WithVector(query.Vector).
				WithAlpha(alpha),
		)
	} else {
		builder = builder.WithBM25(
			vs.client.GraphQL().Bm25ArgBuilder().
				WithQuery(query.Query).
				WithProperties("content", "title"),
		)
	}

	if where := buildWhere(query.Filters); where != nil {
		builder = builder.WithWhere(where)
	}

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "title"},
		{Name: "source"},
		{Name: "sourceUrl"},
		{Name: "category"},
		{Name: "tags"},
		{Name: "score"},
		{Name: "documentId"},
		{Name: "chunkIndex"},
		{Name: "createdAt"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "score"},
			{Name: "distance"},
		}},
	}

	result, err := builder.
		WithFields(fields...).
		WithLimit(query.Limit).
		WithOffset(query.Offset).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search failed: %s", result.Errors[0].Message)
	}

	resp := &SearchResponse{Results: []*SearchResult{}}
	if data, ok := result.Data["Get"].(map[string]interface{}); ok {
		if items, ok := data[vs.class].([]interface{}); ok {
			for _, item := range items {
				m, ok := item.(map[string]interface{})
				if !ok {
					continue
				}
				resp.Results = append(resp.Results, parseResult(m))
			}
		}
	}
	resp.Total = len(resp.Results)
	resp.Took = time.Since(start)

	vs.logger.Debug("search completed",
		"query", query.Query,
		"results", resp.Total,
		"took", resp.Took,
	)
	return resp, nil
}

// DeleteBySource removes every chunk ingested from the given source,
// returning the number of deleted objects. Used for replace-style
// re-ingestion.
func (vs *VectorStore) DeleteBySource(ctx context.Context, source string) (int64, error) {
	if source == "" {
		return 0, fmt.Errorf("source cannot be empty")
	}
	where := filters.Where().
		WithPath([]string{"source"}).
		WithOperator(filters.Equal).
		WithValueText(source)

	resp, err := vs.client.Batch().ObjectsBatchDeleter().
		WithClassName(vs.class).
		WithWhere(where).
		WithOutput("minimal").
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete by source %q failed: %w", source, err)
	}
	var matches int64
	if resp != nil && resp.Results != nil {
		matches = resp.Results.Matches
	}
	vs.logger.Info("deleted source objects", "source", source, "matches", matches)
	return matches, nil
}

// CountBySource returns the number of indexed chunks for one source.
func (vs *VectorStore) CountBySource(ctx context.Context, source string) (int64, error) {
	agg := vs.client.GraphQL().Aggregate().WithClassName(vs.class).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}})
	if source != "" {
		agg = agg.WithWhere(filters.Where().
			WithPath([]string{"source"}).
			WithOperator(filters.Equal).
			WithValueText(source))
	}
	result, err := agg.Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("aggregate count failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return 0, fmt.Errorf("aggregate count failed: %s", result.Errors[0].Message)
	}

	if data, ok := result.Data["Aggregate"].(map[string]interface{}); ok {
		if items, ok := data[vs.class].([]interface{}); ok && len(items) > 0 {
			if m, ok := items[0].(map[string]interface{}); ok {
				if meta, ok := m["meta"].(map[string]interface{}); ok {
					if count, ok := meta["count"].(float64); ok {
						return int64(count), nil
					}
				}
			}
		}
	}
	return 0, nil
}

// Ready reports whether the Weaviate cluster accepts requests.
func (vs *VectorStore) Ready(ctx context.Context) (bool, error) {
	ready, err := vs.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return false, fmt.Errorf("weaviate readiness check failed: %w", err)
	}
	return ready, nil
}

func buildWhere(f *SearchFilters) *filters.WhereBuilder {
	if f == nil {
		return nil
	}
	var operands []*filters.WhereBuilder
	if f.Source != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"source"}).
			WithOperator(filters.Equal).
			WithValueText(f.Source))
	}
	if f.Category != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"category"}).
			WithOperator(filters.Equal).
			WithValueText(f.Category))
	}
	if len(f.Tags) > 0 {
		operands = append(operands, filters.Where().
			WithPath([]string{"tags"}).
			WithOperator(filters.ContainsAny).
			WithValueText(f.Tags...))
	}

	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().WithOperator(filters.And).WithOperands(operands)
	}
}

func parseResult(item map[string]interface{}) *SearchResult {
	chunk := &Chunk{}
	result := &SearchResult{Chunk: chunk}

	if v, ok := item["content"].(string); ok {
		chunk.Content = v
	}
	if v, ok := item["title"].(string); ok {
		chunk.Title = v
	}
	if v, ok := item["source"].(string); ok {
		chunk.Source = v
	}
	if v, ok := item["sourceUrl"].(string); ok {
		chunk.SourceURL = v
	}
	if v, ok := item["category"].(string); ok {
		chunk.Category = v
	}
	if v, ok := item["documentId"].(string); ok {
		chunk.DocumentID = v
	}
	if v, ok := item["score"].(float64); ok {
		chunk.Score = int(v)
	}
	if v, ok := item["chunkIndex"].(float64); ok {
		chunk.ChunkIndex = int(v)
	}
	if v, ok := item["tags"].([]interface{}); ok {
		chunk.Tags = make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				chunk.Tags = append(chunk.Tags, s)
			}
		}
	}
	if v, ok := item["createdAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			chunk.CreatedAt = t
		}
	}

	if additional, ok := item["_additional"].(map[string]interface{}); ok {
		if id, ok := additional["id"].(string); ok {
			chunk.ID = id
		}
		// Hybrid scores arrive as strings, nearVector scores as numbers.
		switch s := additional["score"].(type) {
		case float64:
			result.Score = float32(s)
		case string:
			var f float64
			if _, err := fmt.Sscanf(s, "%g", &f); err == nil {
				result.Score = float32(f)
			}
		}
		if d, ok := additional["distance"].(float64); ok {
			result.Distance = float32(d)
		}
	}
	return result
}
