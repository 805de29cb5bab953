package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/strandlabs/strand"
)

const DefaultBaseURL = "https://api.anthropic.com/v1"

// apiVersion is the pinned anthropic-version header value.
const apiVersion = "2023-06-01"

// Backend is the Anthropic Messages API driver. Each WithConfig clone owns
// its own http.Client so Disconnect releases only that clone's connections.
type Backend struct {
	cfg       strand.NormalizedConfig
	client    *http.Client
	estimator *strand.TokenEstimator
	log       *slog.Logger
}

type Option func(*Backend)

func WithLogger(log *slog.Logger) Option {
	return func(b *Backend) { b.log = log }
}

func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) { b.client = c }
}

func New(opts ...Option) *Backend {
	b := &Backend{
		client:    &http.Client{},
		estimator: strand.NewTokenEstimator(),
		log:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ strand.Backend = (*Backend)(nil)

func (b *Backend) Name() string { return "anthropic" }

func (b *Backend) WithConfig(cfg strand.NormalizedConfig) strand.Backend {
	clone := *b
	clone.cfg = cfg
	clone.client = &http.Client{Timeout: cfg.Timeout}
	return &clone
}

func (b *Backend) baseURL() string {
	if b.cfg.BaseURL != "" {
		return b.cfg.BaseURL
	}
	return DefaultBaseURL
}

func (b *Backend) Execute(ctx context.Context, turn strand.TurnContext) (strand.Response, error) {
	resp, err := b.post(ctx, "/messages", buildBody(turn, b.cfg))
	if err != nil {
		return strand.Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return strand.Response{}, b.httpErr(resp)
	}
	var mr messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return strand.Response{}, fmt.Errorf("anthropic: decode response: %w", err)
	}
	return parseResponse(mr), nil
}

func (b *Backend) StreamExecute(ctx context.Context, turn strand.TurnContext, sink strand.StreamSink) (strand.Response, error) {
	body := buildBody(turn, b.cfg)
	body.Stream = true

	resp, err := b.post(ctx, "/messages", body)
	if err != nil {
		return strand.Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return strand.Response{}, b.httpErr(resp)
	}
	return streamMessages(ctx, resp.Body, sink)
}

// CountTokens is an estimate; Anthropic has no local tokenizer, so the
// shared estimator's character heuristic applies.
func (b *Backend) CountTokens(text string) int {
	return b.estimator.Count(b.cfg.Model, text)
}

func (b *Backend) ContextLimit() int {
	if b.cfg.ContextLimit > 0 {
		return b.cfg.ContextLimit
	}
	return strand.LimitsFor("anthropic", b.cfg.Model).ContextWindow
}

func (b *Backend) SupportsEmbeddings() bool { return false }

func (b *Backend) GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	return nil, fmt.Errorf("anthropic: embeddings not supported")
}

func (b *Backend) EmbeddingDimensions(model string) int { return 0 }

func (b *Backend) SupportsModelManagement() bool { return false }

func (b *Backend) PullModel(ctx context.Context, name string, sink func(strand.PullProgress)) error {
	return fmt.Errorf("anthropic: model management not supported")
}

func (b *Backend) DeleteModel(ctx context.Context, name string) error {
	return fmt.Errorf("anthropic: model management not supported")
}

func (b *Backend) ShowModel(ctx context.Context, name string) (strand.ModelInfo, error) {
	return strand.ModelInfo{}, fmt.Errorf("anthropic: model management not supported")
}

func (b *Backend) ListModels(ctx context.Context, detailed bool) ([]strand.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL()+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("anthropic: list models: %w", err)
	}
	b.headers(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, b.httpErr(resp)
	}
	var ml modelList
	if err := json.NewDecoder(resp.Body).Decode(&ml); err != nil {
		return nil, fmt.Errorf("anthropic: decode model list: %w", err)
	}
	out := make([]strand.ModelInfo, 0, len(ml.Data))
	for _, m := range ml.Data {
		out = append(out, strand.ModelInfo{Name: m.ID, ModifiedAt: m.CreatedAt})
	}
	return out, nil
}

func (b *Backend) Disconnect() error {
	b.client.CloseIdleConnections()
	return nil
}

func (b *Backend) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL()+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	b.headers(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	return resp, nil
}

func (b *Backend) headers(req *http.Request) {
	req.Header.Set("anthropic-version", apiVersion)
	if b.cfg.APIKey != "" {
		req.Header.Set("x-api-key", b.cfg.APIKey)
	}
}

func (b *Backend) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &strand.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: strand.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}
