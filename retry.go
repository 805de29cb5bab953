package strand

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// retryBackend wraps a Backend and retries transient HTTP errors (429 Too
// Many Requests, 503 Service Unavailable) with exponential backoff.
type retryBackend struct {
	inner       Backend
	maxAttempts int
	baseDelay   time.Duration
	log         *slog.Logger
}

// RetryOption configures a retryBackend.
type RetryOption func(*retryBackend)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryBackend) { r.maxAttempts = n }
}

// RetryBaseDelay sets the backoff before the second attempt (default: 1s).
// Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryBackend) { r.baseDelay = d }
}

// RetryLogger sets the structured logger for retry events.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryBackend) { r.log = l }
}

// WithRetry wraps b with automatic retry on transient HTTP errors. Retries
// use exponential backoff with jitter; when the error carries a Retry-After
// duration, the delay is at least that long. Streaming calls are retried
// only while nothing has been emitted to the sink yet, so clients never see
// duplicate text.
func WithRetry(b Backend, opts ...RetryOption) Backend {
	r := &retryBackend{
		inner:       b,
		maxAttempts: 3,
		baseDelay:   time.Second,
		log:         slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ Backend = (*retryBackend)(nil)

func (r *retryBackend) Name() string { return r.inner.Name() }

func (r *retryBackend) Execute(ctx context.Context, turn TurnContext) (Response, error) {
	return retryCall(ctx, r, func() (Response, error) {
		return r.inner.Execute(ctx, turn)
	})
}

func (r *retryBackend) StreamExecute(ctx context.Context, turn TurnContext, sink StreamSink) (Response, error) {
	var last error
	for i := 0; i < r.maxAttempts; i++ {
		var emitted bool
		guarded := func(text string, kind ChunkKind) {
			emitted = true
			if sink != nil {
				sink(text, kind)
			}
		}
		resp, err := r.inner.StreamExecute(ctx, turn, guarded)
		if err == nil || !IsTransient(err) || emitted {
			return resp, err
		}
		last = err
		r.log.Warn("retrying transient error",
			"backend", r.inner.Name(), "attempt", i+1, "max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			if err := sleepRetry(ctx, r.baseDelay, i, last); err != nil {
				return Response{}, err
			}
		}
	}
	r.log.Error("all retry attempts exhausted (stream)",
		"backend", r.inner.Name(), "attempts", r.maxAttempts, "error", last)
	return Response{}, last
}

func (r *retryBackend) GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	return retryCall(ctx, r, func() ([][]float32, error) {
		return r.inner.GenerateEmbeddings(ctx, texts, model)
	})
}

func (r *retryBackend) CountTokens(text string) int            { return r.inner.CountTokens(text) }
func (r *retryBackend) ContextLimit() int                      { return r.inner.ContextLimit() }
func (r *retryBackend) SupportsEmbeddings() bool               { return r.inner.SupportsEmbeddings() }
func (r *retryBackend) EmbeddingDimensions(model string) int   { return r.inner.EmbeddingDimensions(model) }
func (r *retryBackend) SupportsModelManagement() bool          { return r.inner.SupportsModelManagement() }
func (r *retryBackend) Disconnect() error                      { return r.inner.Disconnect() }

func (r *retryBackend) PullModel(ctx context.Context, name string, sink func(PullProgress)) error {
	return r.inner.PullModel(ctx, name, sink)
}

func (r *retryBackend) DeleteModel(ctx context.Context, name string) error {
	return r.inner.DeleteModel(ctx, name)
}

func (r *retryBackend) ShowModel(ctx context.Context, name string) (ModelInfo, error) {
	return r.inner.ShowModel(ctx, name)
}

func (r *retryBackend) ListModels(ctx context.Context, detailed bool) ([]ModelInfo, error) {
	return r.inner.ListModels(ctx, detailed)
}

func (r *retryBackend) WithConfig(cfg NormalizedConfig) Backend {
	clone := *r
	clone.inner = r.inner.WithConfig(cfg)
	return &clone
}

// retryCall calls fn up to r.maxAttempts times, sleeping between transient
// failures.
func retryCall[T any](ctx context.Context, r *retryBackend, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < r.maxAttempts; i++ {
		result, err := fn()
		if err == nil || !IsTransient(err) {
			return result, err
		}
		last = err
		r.log.Warn("retrying transient error",
			"backend", r.inner.Name(), "attempt", i+1, "max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			if err := sleepRetry(ctx, r.baseDelay, i, last); err != nil {
				return zero, err
			}
		}
	}
	r.log.Error("all retry attempts exhausted",
		"backend", r.inner.Name(), "attempts", r.maxAttempts, "error", last)
	return zero, last
}

// sleepRetry waits out the backoff for attempt i, honoring the server's
// Retry-After as a floor and ctx cancellation.
func sleepRetry(ctx context.Context, base time.Duration, i int, err error) error {
	delay := retryBackoff(base, i)
	if ra := RetryAfterOf(err); ra > delay {
		delay = ra
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryBackoff returns base * 2^i plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}
