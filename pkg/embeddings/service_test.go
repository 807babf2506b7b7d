package embeddings

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbeddingAPI mimics the OpenAI /v1/embeddings endpoint, returning a
// distinct deterministic vector per input text.
func fakeEmbeddingAPI(t *testing.T, calls *int64, failures int) *httptest.Server {
	t.Helper()
	var failed int64
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(calls, 1)
		require.Equal(t, "/embeddings", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		if int(atomic.AddInt64(&failed, 1)) <= failures {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"rate limited"}}`)
			return
		}

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := embeddingResponse{}
		resp.Usage = Usage{PromptTokens: len(req.Input) * 3, TotalTokens: len(req.Input) * 3}
		for i, text := range req.Input {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{
				Embedding: []float32{float32(len(text)), float32(i), 1},
				Index:     i,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func newTestService(t *testing.T, endpoint string, cache Cache) *Service {
	t.Helper()
	svc, err := NewService(&Config{
		APIEndpoint: endpoint,
		Model:       "test-embed",
		BatchSize:   2,
		MaxRetries:  2,
		RetryDelay:  1,
	}, cache)
	require.NoError(t, err)
	return svc
}

func TestEmbedTextsPreservesOrder(t *testing.T) {
	var calls int64
	server := fakeEmbeddingAPI(t, &calls, 0)
	defer server.Close()

	svc := newTestService(t, server.URL, nil)
	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}

	res, err := svc.EmbedTexts(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, res.Vectors, len(texts))

	for i, text := range texts {
		assert.Equal(t, float32(len(text)), res.Vectors[i][0], "vector %d out of order", i)
	}
	// Batch size 2 over 5 misses = 3 API calls.
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
	assert.Equal(t, 15, res.Usage.TotalTokens)
}

func TestEmbedTextsUsesCache(t *testing.T) {
	var calls int64
	server := fakeEmbeddingAPI(t, &calls, 0)
	defer server.Close()

	cache := NewMemoryCache(16)
	svc := newTestService(t, server.URL, cache)
	ctx := context.Background()

	_, err := svc.EmbedTexts(ctx, []string{"hello", "world"})
	require.NoError(t, err)
	firstCalls := atomic.LoadInt64(&calls)

	res, err := svc.EmbedTexts(ctx, []string{"hello", "world"})
	require.NoError(t, err)
	assert.Equal(t, firstCalls, atomic.LoadInt64(&calls), "second call must be served from cache")
	assert.Equal(t, 2, res.CacheHits)
	assert.Equal(t, 0, res.CacheMisses)
}

func TestEmbedTextsRetriesOn429(t *testing.T) {
	var calls int64
	server := fakeEmbeddingAPI(t, &calls, 2)
	defer server.Close()

	svc := newTestService(t, server.URL, nil)
	res, err := svc.EmbedTexts(context.Background(), []string{"persistent"})
	require.NoError(t, err)
	require.Len(t, res.Vectors, 1)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&calls), int64(3))
}

func TestEmbedTextsGivesUpAfterRetries(t *testing.T) {
	var calls int64
	server := fakeEmbeddingAPI(t, &calls, 100)
	defer server.Close()

	svc := newTestService(t, server.URL, nil)
	_, err := svc.EmbedTexts(context.Background(), []string{"doomed"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after")
}

func TestEmbedTextsRejectsEmptyInput(t *testing.T) {
	svc := newTestService(t, "http://localhost:0", nil)

	_, err := svc.EmbedTexts(context.Background(), nil)
	assert.Error(t, err)

	_, err = svc.EmbedTexts(context.Background(), []string{"ok", "  "})
	assert.Error(t, err)
}

func TestEmbedQuery(t *testing.T) {
	var calls int64
	server := fakeEmbeddingAPI(t, &calls, 0)
	defer server.Close()

	svc := newTestService(t, server.URL, nil)
	vec, err := svc.EmbedQuery(context.Background(), "where is my refund")
	require.NoError(t, err)
	assert.Equal(t, float32(len("where is my refund")), vec[0])
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0, 2}, []float32{2, 0, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 1}, []float32{-1, -1}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}
