// Package ingest collects support Q&A data and indexes it into the
// knowledge base: a Stack Exchange API collector, an Amazon Q&A dataset
// loader, and the chunk/embed/upsert pipeline they feed.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/clintonhlau/RAG-Powered-Customer-Support-Chatbot/pkg/kb"
)

// The default filter asks the API to include question and answer bodies
// in one response, so no follow-up calls are needed per question.
const defaultSOFilter = "!*MZqU8kLTlU2WL_bhf"

// StackOverflowConfig tunes the Stack Exchange API collector.
type StackOverflowConfig struct {
	BaseURL      string        `json:"base_url"`
	APIKey       string        `json:"api_key"`
	Site         string        `json:"site"`
	Filter       string        `json:"filter"`
	PageSize     int           `json:"page_size"`
	MaxPages     int           `json:"max_pages"`
	RequestDelay time.Duration `json:"request_delay"`
	Timeout      time.Duration `json:"timeout"`
}

// DefaultStackOverflowConfig returns API defaults. The key is optional;
// without one the API allows a smaller daily quota.
func DefaultStackOverflowConfig() *StackOverflowConfig {
	return &StackOverflowConfig{
		BaseURL:      "https://api.stackexchange.com/2.3",
		Site:         "stackoverflow",
		Filter:       defaultSOFilter,
		PageSize:     100,
		MaxPages:     10,
		RequestDelay: 200 * time.Millisecond,
		Timeout:      30 * time.Second,
	}
}

// Topic is one collection target: a named tag set with its own quality
// thresholds.
type Topic struct {
	Name     string   `yaml:"name"`
	Tags     []string `yaml:"tags"`
	MinScore int      `yaml:"min_score"`
	MaxPages int      `yaml:"max_pages"`
}

type topicsFile struct {
	Topics []Topic `yaml:"topics"`
}

// LoadTopics reads collection topics from a YAML file.
func LoadTopics(path string) ([]Topic, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topics file: %w", err)
	}
	var file topicsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse topics file: %w", err)
	}
	if len(file.Topics) == 0 {
		return nil, fmt.Errorf("topics file %s defines no topics", path)
	}
	for i, topic := range file.Topics {
		if topic.Name == "" {
			return nil, fmt.Errorf("topic %d has no name", i)
		}
	}
	return file.Topics, nil
}

// StackOverflowCollector fetches highly-voted answered questions from
// the Stack Exchange API.
type StackOverflowCollector struct {
	config     *StackOverflowConfig
	httpClient *http.Client
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewStackOverflowCollector builds a collector.
func NewStackOverflowCollector(config *StackOverflowConfig) *StackOverflowCollector {
	if config == nil {
		config = DefaultStackOverflowConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.stackexchange.com/2.3"
	}
	if config.Site == "" {
		config.Site = "stackoverflow"
	}
	if config.Filter == "" {
		config.Filter = defaultSOFilter
	}
	if config.PageSize <= 0 || config.PageSize > 100 {
		config.PageSize = 100
	}
	if config.MaxPages <= 0 {
		config.MaxPages = 10
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &StackOverflowCollector{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     slog.Default().With(slog.String("component", "stackoverflow-collector")),
		sleep:      sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type soAnswer struct {
	AnswerID   int64  `json:"answer_id"`
	Body       string `json:"body_markdown"`
	BodyHTML   string `json:"body"`
	Score      int    `json:"score"`
	IsAccepted bool   `json:"is_accepted"`
}

type soQuestion struct {
	QuestionID       int64      `json:"question_id"`
	Title            string     `json:"title"`
	Body             string     `json:"body_markdown"`
	BodyHTML         string     `json:"body"`
	Score            int        `json:"score"`
	Tags             []string   `json:"tags"`
	Link             string     `json:"link"`
	CreationDate     int64      `json:"creation_date"`
	AcceptedAnswerID int64      `json:"accepted_answer_id"`
	Answers          []soAnswer `json:"answers"`
}

type soResponse struct {
	Items          []soQuestion `json:"items"`
	HasMore        bool         `json:"has_more"`
	Backoff        int          `json:"backoff"`
	QuotaRemaining int          `json:"quota_remaining"`
	ErrorID        int          `json:"error_id"`
	ErrorMessage   string       `json:"error_message"`
}

// CollectTopic fetches all pages for one topic and converts the
// answered questions into documents.
func (c *StackOverflowCollector) CollectTopic(ctx context.Context, topic Topic) ([]*kb.Document, error) {
	maxPages := topic.MaxPages
	if maxPages <= 0 {
		maxPages = c.config.MaxPages
	}

	var docs []*kb.Document
	skipped := 0
	for page := 1; page <= maxPages; page++ {
		resp, err := c.fetchPage(ctx, topic, page)
		if err != nil {
			return nil, err
		}

		for i := range resp.Items {
			doc, ok := c.toDocument(&resp.Items[i], topic.Name)
			if !ok {
				skipped++
				continue
			}
			docs = append(docs, doc)
		}

		c.logger.Info("collected page",
			slog.String("topic", topic.Name),
			slog.Int("page", page),
			slog.Int("items", len(resp.Items)),
			slog.Int("quota_remaining", resp.QuotaRemaining),
		)

		if !resp.HasMore {
			break
		}
		if resp.QuotaRemaining <= 0 {
			c.logger.Warn("api quota exhausted, stopping collection", slog.String("topic", topic.Name))
			break
		}

		// The API tells clients to back off under load.
		delay := c.config.RequestDelay
		if resp.Backoff > 0 {
			delay = time.Duration(resp.Backoff) * time.Second
		}
		if delay > 0 {
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	if skipped > 0 {
		c.logger.Info("skipped questions without usable answers",
			slog.String("topic", topic.Name),
			slog.Int("skipped", skipped),
		)
	}
	return docs, nil
}

// Collect runs CollectTopic for every topic.
func (c *StackOverflowCollector) Collect(ctx context.Context, topics []Topic) ([]*kb.Document, error) {
	var all []*kb.Document
	for _, topic := range topics {
		docs, err := c.CollectTopic(ctx, topic)
		if err != nil {
			return nil, fmt.Errorf("failed to collect topic %q: %w", topic.Name, err)
		}
		all = append(all, docs...)
	}
	return all, nil
}

func (c *StackOverflowCollector) fetchPage(ctx context.Context, topic Topic, page int) (*soResponse, error) {
	params := url.Values{}
	params.Set("order", "desc")
	params.Set("sort", "votes")
	params.Set("site", c.config.Site)
	params.Set("filter", c.config.Filter)
	params.Set("pagesize", strconv.Itoa(c.config.PageSize))
	params.Set("page", strconv.Itoa(page))
	params.Set("min", strconv.Itoa(topic.MinScore))
	params.Set("accepted", "True")
	if len(topic.Tags) > 0 {
		params.Set("tagged", strings.Join(topic.Tags, ";"))
	}
	if c.config.APIKey != "" {
		params.Set("key", c.config.APIKey)
	}

	endpoint := c.config.BaseURL + "/questions?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stack exchange request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stack exchange returned status %d: %s", httpResp.StatusCode, truncate(string(body), 200))
	}

	var resp soResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.ErrorID != 0 {
		return nil, fmt.Errorf("stack exchange error %d: %s", resp.ErrorID, resp.ErrorMessage)
	}
	return &resp, nil
}

// toDocument pairs a question with its accepted answer, falling back to
// the highest-voted one. Questions with no answers are skipped.
func (c *StackOverflowCollector) toDocument(q *soQuestion, category string) (*kb.Document, bool) {
	if len(q.Answers) == 0 {
		return nil, false
	}

	var chosen *soAnswer
	for i := range q.Answers {
		ans := &q.Answers[i]
		if ans.IsAccepted || ans.AnswerID == q.AcceptedAnswerID {
			chosen = ans
			break
		}
		if chosen == nil || ans.Score > chosen.Score {
			chosen = ans
		}
	}

	question := answerText(q.Body, q.BodyHTML)
	answer := answerText(chosen.Body, chosen.BodyHTML)
	if strings.TrimSpace(answer) == "" {
		return nil, false
	}

	title := html.UnescapeString(q.Title)
	content := fmt.Sprintf("Q: %s\n\n%s\n\nA: %s", title, question, answer)
	return &kb.Document{
		ID:        fmt.Sprintf("so:%d", q.QuestionID),
		Title:     title,
		Content:   content,
		Source:    "stackoverflow",
		SourceURL: q.Link,
		Category:  category,
		Tags:      q.Tags,
		Score:     q.Score,
		CreatedAt: time.Unix(q.CreationDate, 0).UTC(),
	}, true
}

// answerText prefers markdown bodies over rendered HTML and decodes
// entities either way.
func answerText(markdown, rendered string) string {
	if markdown != "" {
		return html.UnescapeString(markdown)
	}
	return html.UnescapeString(rendered)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
