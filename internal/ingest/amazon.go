package ingest

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/kb"
)

// s3Client is the S3 surface the loader uses; *s3.Client implements it.
type s3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// AmazonQALoader reads the Amazon product Q&A dataset: gzipped
// JSON-lines files, one record per question/answer pair, stored either
// in S3 or on the local filesystem.
type AmazonQALoader struct {
	client s3Client
	bucket string
	logger *slog.Logger
}

// NewAmazonQALoader builds a loader backed by S3. The region and
// credentials come from the environment.
func NewAmazonQALoader(ctx context.Context, bucket string) (*AmazonQALoader, error) {
	if bucket == "" {
		return nil, fmt.Errorf("amazon qa loader requires a bucket")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return &AmazonQALoader{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		logger: slog.Default().With(slog.String("component", "amazon-qa-loader")),
	}, nil
}

// NewAmazonQALoaderWithClient injects an S3 client, used by tests.
func NewAmazonQALoaderWithClient(client s3Client, bucket string) *AmazonQALoader {
	return &AmazonQALoader{
		client: client,
		bucket: bucket,
		logger: slog.Default().With(slog.String("component", "amazon-qa-loader")),
	}
}

// amazonRecord is one line of the dataset. The category is usually
// encoded in the file name, not the record, so it arrives as an
// argument to the parser.
type amazonRecord struct {
	ASIN         string  `json:"asin"`
	QuestionType string  `json:"questionType"`
	Question     string  `json:"question"`
	Answer       string  `json:"answer"`
	AnswerType   string  `json:"answerType"`
	AnswerTime   string  `json:"answerTime"`
	UnixTime     int64   `json:"unixTime"`
	Helpful      []int   `json:"helpful"`
	Rating       float64 `json:"rating"`
}

// LoadPrefix loads every dataset object under an S3 prefix.
func (l *AmazonQALoader) LoadPrefix(ctx context.Context, prefix string) ([]*kb.Document, error) {
	var docs []*kb.Document
	var token *string
	for {
		out, err := l.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(l.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list s3 objects: %w", err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !isDatasetFile(key) {
				continue
			}
			objDocs, err := l.loadObject(ctx, key)
			if err != nil {
				return nil, err
			}
			docs = append(docs, objDocs...)
		}
		if out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no q&a records found under s3://%s/%s", l.bucket, prefix)
	}
	return docs, nil
}

func (l *AmazonQALoader) loadObject(ctx context.Context, key string) ([]*kb.Document, error) {
	out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", l.bucket, key, err)
	}
	defer out.Body.Close()

	docs, err := l.parse(out.Body, key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse s3://%s/%s: %w", l.bucket, key, err)
	}
	return docs, nil
}

// LoadFile loads a dataset file from the local filesystem.
func (l *AmazonQALoader) LoadFile(path string) ([]*kb.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	docs, err := l.parse(f, filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return docs, nil
}

// parse decodes one dataset file. Malformed lines are skipped, not
// fatal: the upstream dumps contain stray records.
func (l *AmazonQALoader) parse(r io.Reader, name string) ([]*kb.Document, error) {
	reader := r
	if strings.HasSuffix(name, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	category := categoryFromName(name)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var docs []*kb.Document
	lineNo := 0
	skipped := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec amazonRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			skipped++
			continue
		}
		if strings.TrimSpace(rec.Question) == "" || strings.TrimSpace(rec.Answer) == "" {
			skipped++
			continue
		}

		doc := &kb.Document{
			ID:       fmt.Sprintf("amazon:%s:%d", rec.ASIN, lineNo),
			Title:    rec.Question,
			Content:  fmt.Sprintf("Q: %s\n\nA: %s", rec.Question, rec.Answer),
			Source:   "amazon-qa",
			Category: category,
		}
		if rec.ASIN != "" {
			doc.SourceURL = "https://www.amazon.com/dp/" + rec.ASIN
		}
		if len(rec.Helpful) == 2 && rec.Helpful[1] > 0 {
			// helpful is [upvotes, total]; keep the upvotes as the
			// quality signal.
			doc.Score = rec.Helpful[0]
		}
		if rec.UnixTime > 0 {
			doc.CreatedAt = time.Unix(rec.UnixTime, 0).UTC()
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	if skipped > 0 {
		l.logger.Warn("skipped malformed q&a records",
			slog.String("file", name),
			slog.Int("skipped", skipped),
		)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no valid q&a records in %s", name)
	}
	return docs, nil
}

func isDatasetFile(key string) bool {
	return strings.HasSuffix(key, ".json") || strings.HasSuffix(key, ".json.gz") ||
		strings.HasSuffix(key, ".jsonl") || strings.HasSuffix(key, ".jsonl.gz")
}

// categoryFromName derives the product category from dataset file names
// like qa_Electronics.json.gz.
func categoryFromName(name string) string {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, ".gz")
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.TrimPrefix(base, "qa_")
	base = strings.ReplaceAll(base, "_", " ")
	return strings.TrimSpace(base)
}
