package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"

	"github.com/strandlabs/strand"
)

// DefaultBaseURL targets the hosted OpenAI API. Point it at any compatible
// server (Groq, Together, vLLM, an OpenAI-dialect proxy) via config.
const DefaultBaseURL = "https://api.openai.com/v1"

const defaultEmbeddingModel = "text-embedding-3-small"

var embeddingDims = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// Backend is the OpenAI-compatible driver. Each WithConfig clone owns its
// own http.Client so Disconnect releases only that clone's connections.
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

// New creates the prototype driver registered with the backend manager.
// Per-request clones come from WithConfig.
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

func (b *Backend) Name() string { return "openai" }

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
	body := buildBody(turn, b.cfg)
	resp, err := b.post(ctx, "/chat/completions", body)
	if err != nil {
		return strand.Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return strand.Response{}, b.httpErr(resp)
	}
	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return strand.Response{}, fmt.Errorf("openai: decode response: %w", err)
	}
	return parseResponse(chat), nil
}

func (b *Backend) StreamExecute(ctx context.Context, turn strand.TurnContext, sink strand.StreamSink) (strand.Response, error) {
	body := buildBody(turn, b.cfg)
	body.Stream = true
	body.StreamOptions = &streamOptions{IncludeUsage: true}

	resp, err := b.post(ctx, "/chat/completions", body)
	if err != nil {
		return strand.Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return strand.Response{}, b.httpErr(resp)
	}
	return streamSSE(ctx, resp.Body, sink)
}

func (b *Backend) CountTokens(text string) int {
	return b.estimator.Count(b.cfg.Model, text)
}

func (b *Backend) ContextLimit() int {
	if b.cfg.ContextLimit > 0 {
		return b.cfg.ContextLimit
	}
	return strand.LimitsFor("openai", b.cfg.Model).ContextWindow
}

func (b *Backend) SupportsEmbeddings() bool { return true }

func (b *Backend) GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if model == "" {
		model = defaultEmbeddingModel
	}
	resp, err := b.post(ctx, "/embeddings", embeddingRequest{Model: model, Input: texts})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, b.httpErr(resp)
	}
	var er embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("openai: decode embeddings: %w", err)
	}
	if len(er.Data) != len(texts) {
		return nil, fmt.Errorf("openai: embeddings: got %d vectors for %d inputs", len(er.Data), len(texts))
	}
	// The API may return vectors out of order.
	sort.Slice(er.Data, func(i, j int) bool { return er.Data[i].Index < er.Data[j].Index })
	out := make([][]float32, len(er.Data))
	for i, d := range er.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (b *Backend) EmbeddingDimensions(model string) int {
	if model == "" {
		model = defaultEmbeddingModel
	}
	if d, ok := embeddingDims[model]; ok {
		return d
	}
	return 1536
}

func (b *Backend) SupportsModelManagement() bool { return false }

func (b *Backend) PullModel(ctx context.Context, name string, sink func(strand.PullProgress)) error {
	return fmt.Errorf("openai: model management not supported")
}

func (b *Backend) DeleteModel(ctx context.Context, name string) error {
	return fmt.Errorf("openai: model management not supported")
}

func (b *Backend) ShowModel(ctx context.Context, name string) (strand.ModelInfo, error) {
	return strand.ModelInfo{}, fmt.Errorf("openai: model management not supported")
}

func (b *Backend) ListModels(ctx context.Context, detailed bool) ([]strand.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL()+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("openai: list models: %w", err)
	}
	b.auth(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, b.httpErr(resp)
	}
	var ml modelList
	if err := json.NewDecoder(resp.Body).Decode(&ml); err != nil {
		return nil, fmt.Errorf("openai: decode model list: %w", err)
	}
	out := make([]strand.ModelInfo, 0, len(ml.Data))
	for _, m := range ml.Data {
		out = append(out, strand.ModelInfo{Name: m.ID, Family: m.OwnedBy})
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
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL()+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	b.auth(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	return resp, nil
}

func (b *Backend) auth(req *http.Request) {
	if b.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}
}

// httpErr reads the response body into an ErrHTTP for classification and
// retry middleware. Parses Retry-After when present.
func (b *Backend) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &strand.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: strand.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}
