package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/embeddings"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/kb"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/metrics"
)

// Embedder turns chunk text into vectors. *embeddings.Service
// implements it.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) (*embeddings.Result, error)
}

// Store is the index side of ingestion. *kb.VectorStore implements it.
type Store interface {
	EnsureSchema(ctx context.Context) error
	UpsertChunks(ctx context.Context, chunks []*kb.Chunk, vectors [][]float32) error
	DeleteBySource(ctx context.Context, source string) (int64, error)
}

// Options tunes one ingestion run.
type Options struct {
	// Replace deletes everything previously indexed for the source
	// before writing, making the run idempotent.
	Replace bool
	// Workers is the number of concurrent embed/upsert workers.
	Workers int
	// BatchSize is the number of chunks embedded and written per call.
	BatchSize int
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{Workers: 4, BatchSize: 64}
}

// Report summarizes one ingestion run.
type Report struct {
	Source    string        `json:"source"`
	Documents int           `json:"documents"`
	Chunks    int           `json:"chunks"`
	Skipped   int           `json:"skipped"`
	Deleted   int64         `json:"deleted"`
	Took      time.Duration `json:"took"`
}

// Ingestor runs the chunk, embed, and upsert pipeline.
type Ingestor struct {
	chunker  *kb.Chunker
	embedder Embedder
	store    Store
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewIngestor wires the pipeline. metrics may be nil.
func NewIngestor(chunker *kb.Chunker, embedder Embedder, store Store, m *metrics.Metrics) (*Ingestor, error) {
	if chunker == nil {
		return nil, fmt.Errorf("ingestor requires a chunker")
	}
	if embedder == nil {
		return nil, fmt.Errorf("ingestor requires an embedder")
	}
	if store == nil {
		return nil, fmt.Errorf("ingestor requires a store")
	}
	return &Ingestor{
		chunker:  chunker,
		embedder: embedder,
		store:    store,
		metrics:  m,
		logger:   slog.Default().With(slog.String("component", "ingestor")),
	}, nil
}

// Run indexes the documents under the given source label. Documents
// that fail chunking are skipped and counted, not fatal.
func (ing *Ingestor) Run(ctx context.Context, source string, docs []*kb.Document, opts Options) (*Report, error) {
	start := time.Now()
	if len(docs) == 0 {
		return nil, fmt.Errorf("no documents to ingest for source %q", source)
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}

	if err := ing.store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	report := &Report{Source: source, Documents: len(docs)}
	if opts.Replace {
		deleted, err := ing.store.DeleteBySource(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("failed to clear source %q: %w", source, err)
		}
		report.Deleted = deleted
		if deleted > 0 {
			ing.logger.Info("cleared previously indexed chunks",
				slog.String("source", source),
				slog.Int64("deleted", deleted),
			)
		}
	}

	var chunks []*kb.Chunk
	for _, doc := range docs {
		doc.Source = source
		docChunks, err := ing.chunker.Chunk(doc)
		if err != nil {
			report.Skipped++
			ing.countDoc(source, "skipped")
			ing.logger.Warn("skipping document",
				slog.String("doc_id", doc.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		chunks = append(chunks, docChunks...)
		ing.countDoc(source, "indexed")
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("all %d documents for source %q failed chunking", len(docs), source)
	}
	report.Chunks = len(chunks)

	if err := ing.writeChunks(ctx, source, chunks, opts); err != nil {
		return nil, err
	}

	report.Took = time.Since(start)
	ing.logger.Info("ingestion complete",
		slog.String("source", source),
		slog.Int("documents", report.Documents),
		slog.Int("chunks", report.Chunks),
		slog.Int("skipped", report.Skipped),
		slog.Duration("took", report.Took),
	)
	return report, nil
}

// writeChunks embeds and upserts batches concurrently. The first error
// cancels the run.
func (ing *Ingestor) writeChunks(ctx context.Context, source string, chunks []*kb.Chunk, opts Options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches := make(chan []*kb.Chunk)
	errCh := make(chan error, opts.Workers)
	var wg sync.WaitGroup

	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range batches {
				if err := ing.writeBatch(ctx, source, batch); err != nil {
					select {
					case errCh <- err:
					default:
					}
					cancel()
					return
				}
			}
		}()
	}

dispatch:
	for start := 0; start < len(chunks); start += opts.BatchSize {
		end := start + opts.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		select {
		case batches <- chunks[start:end]:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(batches)
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
	}
	return ctx.Err()
}

func (ing *Ingestor) writeBatch(ctx context.Context, source string, batch []*kb.Chunk) error {
	texts := make([]string, len(batch))
	for i, chunk := range batch {
		texts[i] = chunk.Content
	}

	result, err := ing.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed batch: %w", err)
	}
	if err := ing.store.UpsertChunks(ctx, batch, result.Vectors); err != nil {
		return fmt.Errorf("failed to upsert batch: %w", err)
	}
	if ing.metrics != nil {
		ing.metrics.IngestChunks.WithLabelValues(source).Add(float64(len(batch)))
	}
	return nil
}

func (ing *Ingestor) countDoc(source, outcome string) {
	if ing.metrics != nil {
		ing.metrics.IngestDocuments.WithLabelValues(source, outcome).Inc()
	}
}
