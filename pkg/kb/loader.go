package kb

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
)

// Loader reads knowledge-base files from disk into Documents. Supported
// formats: .md and .txt articles, .pdf manuals, and .jsonl Q&A dumps with
// one record per line.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a file loader.
func NewLoader() *Loader {
	return &Loader{logger: slog.Default().With("component", "kb-loader")}
}

// qaRecord is the JSON-lines schema accepted for Q&A dumps.
type qaRecord struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	URL      string   `json:"url"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
	Score    int      `json:"score"`
}

// LoadPath loads a file or directory tree into documents. Unsupported file
// types are skipped with a debug log rather than failing the walk.
func (l *Loader) LoadPath(ctx context.Context, path string) ([]*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %q: %w", path, err)
	}
	if !info.IsDir() {
		return l.loadFile(path)
	}

	var docs []*Document
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		if !supportedExt(p) {
			l.logger.Debug("skipping unsupported file", "path", p)
			return nil
		}
		fileDocs, err := l.loadFile(p)
		if err != nil {
			return fmt.Errorf("failed to load %q: %w", p, err)
		}
		docs = append(docs, fileDocs...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

func supportedExt(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".txt", ".pdf", ".jsonl":
		return true
	}
	return false
}

func (l *Loader) loadFile(path string) ([]*Document, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".txt":
		doc, err := l.loadText(path)
		if err != nil {
			return nil, err
		}
		return []*Document{doc}, nil
	case ".pdf":
		doc, err := l.loadPDF(path)
		if err != nil {
			return nil, err
		}
		return []*Document{doc}, nil
	case ".jsonl":
		return l.loadJSONL(path)
	default:
		return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}
}

func (l *Loader) loadText(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return nil, fmt.Errorf("file %q is empty", path)
	}

	title := titleFromContent(content)
	if title == "" {
		title = baseName(path)
	}

	return &Document{
		ID:        baseName(path),
		Title:     title,
		Content:   content,
		Source:    "files",
		SourceURL: path,
		CreatedAt: fileModTime(path),
	}, nil
}

func (l *Loader) loadPDF(path string) (*Document, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat PDF: %w", err)
	}
	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			l.logger.Warn("failed to extract PDF page", "path", path, "page", i, "error", err)
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}

	content := strings.TrimSpace(sb.String())
	if content == "" {
		return nil, fmt.Errorf("PDF %q contains no extractable text", path)
	}

	return &Document{
		ID:        baseName(path),
		Title:     baseName(path),
		Content:   content,
		Source:    "files",
		SourceURL: path,
		CreatedAt: fileModTime(path),
	}, nil
}

// loadJSONL reads one Q&A document per line. Malformed lines are skipped
// and counted; the file fails only when nothing could be parsed.
func (l *Loader) loadJSONL(path string) ([]*Document, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	var docs []*Document
	var skipped int
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec qaRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Question == "" || rec.Answer == "" {
			skipped++
			continue
		}
		id := rec.ID
		if id == "" {
			id = fmt.Sprintf("%s:%d", baseName(path), lineNo)
		}
		docs = append(docs, &Document{
			ID:        id,
			Title:     rec.Question,
			Content:   fmt.Sprintf("Q: %s\n\nA: %s", rec.Question, rec.Answer),
			Source:    "files",
			SourceURL: rec.URL,
			Category:  rec.Category,
			Tags:      rec.Tags,
			Score:     rec.Score,
			CreatedAt: fileModTime(path),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %q: %w", path, err)
	}
	if skipped > 0 {
		l.logger.Warn("skipped malformed Q&A lines", "path", path, "skipped", skipped)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no valid Q&A records in %q", path)
	}
	return docs, nil
}

// titleFromContent returns the first markdown heading, if any.
func titleFromContent(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimLeft(line, "# "))
		}
		if line != "" {
			return ""
		}
	}
	return ""
}

func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func fileModTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Now().UTC()
	}
	return info.ModTime().UTC()
}
