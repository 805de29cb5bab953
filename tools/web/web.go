// Package web serves web_search and web_fetch. Search goes through the
// Brave API; fetched pages are sanitized to text, persisted, and routed
// into the document pipeline so later turns can retrieve them.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/strandlabs/strand"
	"github.com/strandlabs/strand/rag"
)

// DefaultResultCap bounds results per search query.
const DefaultResultCap = 5

// maxFetchBytes bounds a fetched page body.
const maxFetchBytes = 2 << 20

// Tool serves web_search and web_fetch.
type Tool struct {
	braveAPIKey string
	resultCap   int
	client      *http.Client
	pages       strand.FetchedPageStore
	pipeline    *rag.Pipeline
}

type Option func(*Tool)

// WithResultCap overrides the per-query result cap.
func WithResultCap(n int) Option {
	return func(t *Tool) {
		if n > 0 {
			t.resultCap = n
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// New creates the web tool. pipeline may be nil, in which case fetched
// pages are stored but not ingested.
func New(braveAPIKey string, pages strand.FetchedPageStore, pipeline *rag.Pipeline, opts ...Option) *Tool {
	t := &Tool{
		braveAPIKey: braveAPIKey,
		resultCap:   DefaultResultCap,
		client:      &http.Client{Timeout: 15 * time.Second},
		pages:       pages,
		pipeline:    pipeline,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var _ strand.Tool = (*Tool)(nil)

func (t *Tool) Definitions() []strand.ToolDefinition {
	return []strand.ToolDefinition{
		{
			Name:        "web_search",
			Description: "Search the web for current information. Use for recent events, news, prices, or anything that requires up-to-date data.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query optimized for search engines"},"count":{"type":"integer","description":"Maximum results to return"}},"required":["query"]}`),
		},
		{
			Name:        "web_fetch",
			Description: "Fetch a web page, extract its readable text, and save it as a searchable document.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"The URL to fetch"}},"required":["url"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (strand.ToolResult, error) {
	switch name {
	case "web_search":
		return t.search(ctx, args), nil
	case "web_fetch":
		return t.fetch(ctx, args), nil
	}
	return strand.ToolResult{Error: "unknown tool " + name}, nil
}

// SearchResult is one web_search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

func (t *Tool) search(ctx context.Context, args json.RawMessage) strand.ToolResult {
	var params struct {
		Query string `json:"query"`
		Count int    `json:"count"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return strand.ToolResult{Error: "invalid args: " + err.Error()}
	}
	limit := t.resultCap
	if params.Count > 0 && params.Count < limit {
		limit = params.Count
	}

	results, err := t.braveSearch(ctx, params.Query, limit)
	if err != nil {
		return strand.ToolResult{Error: err.Error()}
	}
	out, err := json.Marshal(results)
	if err != nil {
		return strand.ToolResult{Error: err.Error()}
	}
	return strand.ToolResult{Content: string(out)}
}

func (t *Tool) braveSearch(ctx context.Context, query string, count int) ([]SearchResult, error) {
	u := fmt.Sprintf("https://api.search.brave.com/res/v1/web/search?q=%s&count=%d",
		url.QueryEscape(query), count)

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.braveAPIKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("brave API %d: %s", resp.StatusCode, string(body))
	}

	var data struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("brave parse: %w", err)
	}

	results := make([]SearchResult, 0, count)
	for _, r := range data.Web.Results {
		if len(results) >= count {
			break
		}
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return results, nil
}

// FetchSummary is the web_fetch result payload.
type FetchSummary struct {
	PageID     string `json:"page_id"`
	DocumentID string `json:"document_id,omitempty"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	Length     int    `json:"length"`
	Excerpt    string `json:"excerpt,omitempty"`
}

func (t *Tool) fetch(ctx context.Context, args json.RawMessage) strand.ToolResult {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return strand.ToolResult{Error: "invalid args: " + err.Error()}
	}
	target, err := url.Parse(params.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return strand.ToolResult{Error: fmt.Sprintf("invalid url %q", params.URL)}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", target.String(), nil)
	if err != nil {
		return strand.ToolResult{Error: err.Error()}
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; StrandBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return strand.ToolResult{Error: fmt.Sprintf("fetch %s: %v", target, err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return strand.ToolResult{Error: fmt.Sprintf("fetch %s: status %d", target, resp.StatusCode)}
	}

	body := io.LimitReader(resp.Body, maxFetchBytes)
	article, err := readability.FromReader(body, target)
	if err != nil {
		return strand.ToolResult{Error: fmt.Sprintf("extract %s: %v", target, err)}
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return strand.ToolResult{Error: fmt.Sprintf("no readable content at %s", target)}
	}
	title := article.Title
	if title == "" {
		title = target.String()
	}

	page := &strand.FetchedPage{
		ID:        strand.NewID(),
		URL:       target.String(),
		Title:     title,
		Content:   text,
		FetchedAt: strand.NowUnix(),
	}

	if t.pipeline != nil {
		userID := ""
		if scope, ok := strand.CallScopeFrom(ctx); ok {
			userID = scope.UserID
		}
		doc := &strand.Document{
			UserID:   userID,
			Title:    title,
			Source:   target.String(),
			MimeType: "text/plain",
			Content:  text,
		}
		if err := t.pipeline.Submit(ctx, doc); err != nil {
			return strand.ToolResult{Error: fmt.Sprintf("ingest %s: %v", target, err)}
		}
		page.DocumentID = doc.ID
	}
	if err := t.pages.SavePage(ctx, page); err != nil {
		return strand.ToolResult{Error: fmt.Sprintf("save page: %v", err)}
	}

	summary := FetchSummary{
		PageID:     page.ID,
		DocumentID: page.DocumentID,
		URL:        page.URL,
		Title:      page.Title,
		Length:     len(text),
		Excerpt:    excerpt(text, 300),
	}
	out, err := json.Marshal(summary)
	if err != nil {
		return strand.ToolResult{Error: err.Error()}
	}
	return strand.ToolResult{Content: string(out)}
}

func excerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
