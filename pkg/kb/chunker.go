package kb

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ChunkerConfig controls how documents are split before embedding.
type ChunkerConfig struct {
	ChunkSize    int `json:"chunk_size"`     // target chunk size in characters
	ChunkOverlap int `json:"chunk_overlap"`  // trailing characters repeated at the next chunk's head
	MinChunkSize int `json:"min_chunk_size"` // chunks below this are merged into their predecessor
	MaxChunkSize int `json:"max_chunk_size"` // hard ceiling; oversized sentences are force-split
}

// DefaultChunkerConfig returns chunking parameters tuned for Q&A content,
// where most accepted answers fit a single chunk.
func DefaultChunkerConfig() *ChunkerConfig {
	return &ChunkerConfig{
		ChunkSize:    1200,
		ChunkOverlap: 200,
		MinChunkSize: 120,
		MaxChunkSize: 2000,
	}
}

// Chunker splits documents into embeddable chunks on sentence boundaries.
type Chunker struct {
	config *ChunkerConfig
}

// NewChunker creates a Chunker, falling back to defaults when config is nil.
func NewChunker(config *ChunkerConfig) *Chunker {
	if config == nil {
		config = DefaultChunkerConfig()
	}
	return &Chunker{config: config}
}

// Chunk splits a document into chunks. Documents that fit inside
// MaxChunkSize stay intact, which keeps question+answer pairs together and
// preserves the strongest retrieval unit for Q&A sources.
func (c *Chunker) Chunk(doc *Document) ([]*Chunk, error) {
	if doc == nil {
		return nil, fmt.Errorf("document cannot be nil")
	}
	content := strings.TrimSpace(doc.Content)
	if content == "" {
		return nil, fmt.Errorf("document %q has no content", doc.ID)
	}

	var parts []string
	if len(content) <= c.config.MaxChunkSize {
		parts = []string{content}
	} else {
		parts = c.split(content)
	}

	chunks := make([]*Chunk, 0, len(parts))
	for i, part := range parts {
		chunks = append(chunks, &Chunk{
			ID:         chunkID(doc, i),
			DocumentID: doc.ID,
			Title:      doc.Title,
			Content:    part,
			Source:     doc.Source,
			SourceURL:  doc.SourceURL,
			Category:   doc.Category,
			Tags:       doc.Tags,
			Score:      doc.Score,
			ChunkIndex: i,
			ChunkCount: len(parts),
			CreatedAt:  doc.CreatedAt,
		})
	}
	return chunks, nil
}

// ChunkAll chunks a batch of documents, skipping documents that fail with
// their errors collected into the returned slice.
func (c *Chunker) ChunkAll(docs []*Document) ([]*Chunk, []error) {
	var chunks []*Chunk
	var errs []error
	for _, doc := range docs {
		dc, err := c.Chunk(doc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		chunks = append(chunks, dc...)
	}
	return chunks, errs
}

func (c *Chunker) split(content string) []string {
	sentences := splitSentences(content)

	var parts []string
	var cur strings.Builder
	for _, s := range sentences {
		// Force-split sentences that alone exceed the hard ceiling,
		// backing up to a rune boundary so no chunk ends mid-character.
		for len(s) > c.config.MaxChunkSize {
			if cur.Len() > 0 {
				parts = append(parts, strings.TrimSpace(cur.String()))
				cur.Reset()
			}
			cut := c.config.MaxChunkSize
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
			parts = append(parts, strings.TrimSpace(s[:cut]))
			s = s[cut:]
		}
		if cur.Len() > 0 && cur.Len()+len(s)+1 > c.config.ChunkSize {
			parts = append(parts, strings.TrimSpace(cur.String()))
			overlap := tailOverlap(cur.String(), c.config.ChunkOverlap)
			cur.Reset()
			if overlap != "" {
				cur.WriteString(overlap)
				cur.WriteString(" ")
			}
		}
		if cur.Len() > 0 {
			cur.WriteString(" ")
		}
		cur.WriteString(s)
	}
	if strings.TrimSpace(cur.String()) != "" {
		parts = append(parts, strings.TrimSpace(cur.String()))
	}

	// Merge a trailing fragment below the minimum into its predecessor.
	if n := len(parts); n > 1 && len(parts[n-1]) < c.config.MinChunkSize {
		parts[n-2] = parts[n-2] + " " + parts[n-1]
		parts = parts[:n-1]
	}
	return parts
}

// splitSentences breaks text at sentence terminators and blank lines.
// Paragraph breaks always terminate a sentence so list-heavy answers do not
// glue together.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			sentences = append(sentences, s)
		}
		cur.Reset()
	}

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		cur.WriteRune(r)
		switch r {
		case '.', '!', '?':
			// Sentence boundary only when followed by whitespace or EOF.
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		case '\n':
			if i+1 < len(runes) && runes[i+1] == '\n' {
				flush()
			}
		}
	}
	flush()
	return sentences
}

func tailOverlap(s string, overlap int) string {
	s = strings.TrimSpace(s)
	if overlap <= 0 || len(s) <= overlap {
		return ""
	}
	tail := s[len(s)-overlap:]
	for len(tail) > 0 && !utf8.RuneStart(tail[0]) {
		tail = tail[1:]
	}
	// Start the overlap at a word boundary.
	if idx := strings.IndexAny(tail, " \t\n"); idx >= 0 {
		tail = tail[idx+1:]
	}
	return strings.TrimSpace(tail)
}

// chunkID derives a stable UUID from source, document, and chunk index so
// re-ingesting the same content overwrites rather than duplicates objects.
func chunkID(doc *Document, index int) string {
	name := fmt.Sprintf("%s/%s#%d", doc.Source, doc.ID, index)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
