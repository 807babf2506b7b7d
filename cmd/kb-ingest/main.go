// Command kb-ingest populates the knowledge base: it collects Stack
// Overflow Q&A via the Stack Exchange API, loads Amazon product Q&A
// dumps from S3 or disk, and indexes local documentation files.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/internal/ingest"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/config"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/embeddings"
	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/kb"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kb-ingest",
		Short: "Index support knowledge into the vector store",
		Long: `kb-ingest builds the chatbot's knowledge base. It chunks documents,
embeds them, and writes them to Weaviate. Connection settings come from
the same environment variables the server uses (WEAVIATE_URL,
EMBEDDING_URL, ...).`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initLogger(viper.GetString("log-level"))
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("replace", false, "delete previously indexed chunks for the source first")
	root.PersistentFlags().Int("workers", 4, "concurrent embed/upsert workers")
	root.PersistentFlags().Int("batch-size", 64, "chunks embedded per API call")

	must(viper.BindPFlags(root.PersistentFlags()))
	viper.SetEnvPrefix("KB_INGEST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	root.AddCommand(newSchemaCmd())
	root.AddCommand(newStackOverflowCmd())
	root.AddCommand(newAmazonCmd())
	root.AddCommand(newFilesCmd())
	return root
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create the knowledge base schema if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := buildStore(cfg)
			if err != nil {
				return err
			}
			if err := store.EnsureSchema(cmd.Context()); err != nil {
				return err
			}
			slog.Info("Schema ready", slog.String("class", cfg.WeaviateClass))
			return nil
		},
	}
}

func newStackOverflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stackoverflow",
		Short: "Collect and index Stack Overflow Q&A",
		RunE: func(cmd *cobra.Command, args []string) error {
			topicsPath, _ := cmd.Flags().GetString("topics")
			apiKey, _ := cmd.Flags().GetString("api-key")

			topics, err := ingest.LoadTopics(topicsPath)
			if err != nil {
				return err
			}

			soCfg := ingest.DefaultStackOverflowConfig()
			soCfg.APIKey = apiKey
			collector := ingest.NewStackOverflowCollector(soCfg)

			docs, err := collector.Collect(cmd.Context(), topics)
			if err != nil {
				return err
			}
			slog.Info("Collection complete",
				slog.Int("topics", len(topics)),
				slog.Int("documents", len(docs)),
			)
			return runIngestion(cmd, "stackoverflow", docs)
		},
	}
	cmd.Flags().String("topics", "topics.yaml", "YAML file listing collection topics")
	cmd.Flags().String("api-key", "", "Stack Exchange API key (raises the daily quota)")
	return cmd
}

func newAmazonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "amazon",
		Short: "Index the Amazon product Q&A dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			bucket, _ := cmd.Flags().GetString("bucket")
			prefix, _ := cmd.Flags().GetString("prefix")
			files, _ := cmd.Flags().GetStringSlice("file")

			if bucket == "" && len(files) == 0 {
				return fmt.Errorf("either --bucket or --file is required")
			}

			var docs []*kb.Document
			if bucket != "" {
				loader, err := ingest.NewAmazonQALoader(cmd.Context(), bucket)
				if err != nil {
					return err
				}
				docs, err = loader.LoadPrefix(cmd.Context(), prefix)
				if err != nil {
					return err
				}
			} else {
				loader := ingest.NewAmazonQALoaderWithClient(nil, "")
				for _, path := range files {
					fileDocs, err := loader.LoadFile(path)
					if err != nil {
						return err
					}
					docs = append(docs, fileDocs...)
				}
			}
			slog.Info("Dataset loaded", slog.Int("documents", len(docs)))
			return runIngestion(cmd, "amazon-qa", docs)
		},
	}
	cmd.Flags().String("bucket", "", "S3 bucket holding the dataset")
	cmd.Flags().String("prefix", "", "S3 key prefix to scan")
	cmd.Flags().StringSlice("file", nil, "local dataset file (repeatable)")
	return cmd
}

func newFilesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "files <path>",
		Short: "Index local documentation (.md, .txt, .pdf, .jsonl)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := kb.NewLoader()
			docs, err := loader.LoadPath(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			slog.Info("Files loaded", slog.Int("documents", len(docs)))
			return runIngestion(cmd, "files", docs)
		},
	}
	return cmd
}

// runIngestion builds the pipeline from the environment and indexes the
// documents under the given source label.
func runIngestion(cmd *cobra.Command, source string, docs []*kb.Document) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := buildStore(cfg)
	if err != nil {
		return err
	}
	embedder, err := embeddings.NewService(&embeddings.Config{
		APIEndpoint: cfg.EmbeddingURL,
		APIKey:      cfg.EmbeddingAPIKey,
		Model:       cfg.EmbeddingModel,
		Dimensions:  cfg.EmbeddingDims,
		BatchSize:   cfg.EmbeddingBatchSize,
		RateRPM:     cfg.EmbeddingRateRPM,
		Timeout:     cfg.EmbeddingTimeout,
	}, embeddings.NewMemoryCache(10000))
	if err != nil {
		return err
	}

	ingestor, err := ingest.NewIngestor(kb.NewChunker(nil), embedder, store, nil)
	if err != nil {
		return err
	}

	report, err := ingestor.Run(cmd.Context(), source, docs, ingest.Options{
		Replace:   viper.GetBool("replace"),
		Workers:   viper.GetInt("workers"),
		BatchSize: viper.GetInt("batch-size"),
	})
	if err != nil {
		return err
	}

	slog.Info("Ingestion finished",
		slog.String("source", report.Source),
		slog.Int("documents", report.Documents),
		slog.Int("chunks", report.Chunks),
		slog.Int("skipped", report.Skipped),
		slog.Int64("deleted", report.Deleted),
		slog.Duration("took", report.Took),
	)
	return nil
}

func buildStore(cfg *config.Config) (*kb.VectorStore, error) {
	return kb.NewVectorStore(&kb.VectorStoreConfig{
		URL:       cfg.WeaviateURL,
		APIKey:    cfg.WeaviateAPIKey,
		ClassName: cfg.WeaviateClass,
	})
}

func initLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
