package ollama

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

const DefaultBaseURL = "http://localhost:11434"

const defaultEmbeddingModel = "nomic-embed-text"

var embeddingDims = map[string]int{
	"nomic-embed-text": 768,
	"mxbai-embed-large": 1024,
	"all-minilm":        384,
}

// Backend is the Ollama driver. Each WithConfig clone owns its own
// http.Client so Disconnect releases only that clone's connections.
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

func (b *Backend) Name() string { return "ollama" }

func (b *Backend) WithConfig(cfg strand.NormalizedConfig) strand.Backend {
	clone := *b
	clone.cfg = cfg
	// No client timeout: chat calls are bounded by the caller's context and
	// pulls are unbounded for large downloads.
	clone.client = &http.Client{}
	return &clone
}

func (b *Backend) baseURL() string {
	if b.cfg.BaseURL != "" {
		return b.cfg.BaseURL
	}
	return DefaultBaseURL
}

func (b *Backend) Execute(ctx context.Context, turn strand.TurnContext) (strand.Response, error) {
	return b.chat(ctx, turn, false, nil)
}

func (b *Backend) StreamExecute(ctx context.Context, turn strand.TurnContext, sink strand.StreamSink) (strand.Response, error) {
	return b.chat(ctx, turn, true, sink)
}

func (b *Backend) chat(ctx context.Context, turn strand.TurnContext, stream bool, sink strand.StreamSink) (strand.Response, error) {
	body := buildBody(turn, b.cfg)
	body.Stream = stream

	resp, err := b.post(ctx, "/api/chat", body)
	if err != nil {
		return strand.Response{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return strand.Response{}, b.httpErr(resp)
	}
	// Non-streaming responses are a single frame, which the NDJSON reader
	// handles as a one-line stream.
	return streamNDJSON(ctx, resp.Body, sink)
}

func (b *Backend) CountTokens(text string) int {
	return b.estimator.Count(b.cfg.Model, text)
}

func (b *Backend) ContextLimit() int {
	if b.cfg.ContextLimit > 0 {
		return b.cfg.ContextLimit
	}
	return strand.LimitsFor("ollama", b.cfg.Model).ContextWindow
}

func (b *Backend) SupportsEmbeddings() bool { return true }

func (b *Backend) GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if model == "" {
		model = defaultEmbeddingModel
	}
	resp, err := b.post(ctx, "/api/embed", embedRequest{Model: model, Input: texts})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, b.httpErr(resp)
	}
	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, fmt.Errorf("ollama: decode embeddings: %w", err)
	}
	if len(er.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama: embeddings: got %d vectors for %d inputs", len(er.Embeddings), len(texts))
	}
	return er.Embeddings, nil
}

func (b *Backend) EmbeddingDimensions(model string) int {
	if model == "" {
		model = defaultEmbeddingModel
	}
	if d, ok := embeddingDims[model]; ok {
		return d
	}
	return 768
}

func (b *Backend) SupportsModelManagement() bool { return true }

// PullModel downloads a model, streaming NDJSON progress frames into sink.
// Downloads are unbounded; cancel via ctx.
func (b *Backend) PullModel(ctx context.Context, name string, sink func(strand.PullProgress)) error {
	resp, err := b.post(ctx, "/api/pull", pullRequest{Model: name, Stream: true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return b.httpErr(resp)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var frame pullFrame
		if err := dec.Decode(&frame); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("ollama: pull %s: %w", name, err)
		}
		if frame.Error != "" {
			return fmt.Errorf("ollama: pull %s: %s", name, frame.Error)
		}
		if sink != nil {
			sink(strand.PullProgress{Status: frame.Status, Total: frame.Total, Completed: frame.Completed})
		}
	}
}

func (b *Backend) DeleteModel(ctx context.Context, name string) error {
	payload, err := json.Marshal(deleteRequest{Model: name})
	if err != nil {
		return fmt.Errorf("ollama: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.baseURL()+"/api/delete", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("ollama: delete %s: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: delete %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return b.httpErr(resp)
	}
	return nil
}

func (b *Backend) ShowModel(ctx context.Context, name string) (strand.ModelInfo, error) {
	resp, err := b.post(ctx, "/api/show", showRequest{Model: name})
	if err != nil {
		return strand.ModelInfo{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return strand.ModelInfo{}, b.httpErr(resp)
	}
	var sr showResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return strand.ModelInfo{}, fmt.Errorf("ollama: decode show: %w", err)
	}
	return strand.ModelInfo{
		Name:       name,
		Family:     sr.Details.Family,
		Parameters: sr.Details.ParameterSize,
		ModifiedAt: sr.ModifiedAt,
	}, nil
}

func (b *Backend) ListModels(ctx context.Context, detailed bool) ([]strand.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL()+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("ollama: list models: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: list models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, b.httpErr(resp)
	}
	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("ollama: decode tags: %w", err)
	}

	out := make([]strand.ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		info := strand.ModelInfo{
			Name:       m.Name,
			Size:       m.Size,
			Digest:     m.Digest,
			Family:     m.Details.Family,
			Parameters: m.Details.ParameterSize,
			ModifiedAt: m.ModifiedAt,
		}
		if detailed {
			if shown, err := b.ShowModel(ctx, m.Name); err == nil {
				if shown.Family != "" {
					info.Family = shown.Family
				}
				if shown.Parameters != "" {
					info.Parameters = shown.Parameters
				}
			}
		}
		out = append(out, info)
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
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL()+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	return resp, nil
}

func (b *Backend) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &strand.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: strand.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}
