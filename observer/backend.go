package observer

import (
	"context"
	"time"

	"github.com/strandlabs/strand"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	strandlog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedBackend wraps a strand.Backend with OTEL instrumentation.
// Completion and embedding calls are traced; model management and the
// pure accessors pass straight through.
type ObservedBackend struct {
	inner strand.Backend
	inst  *Instruments
	model string
}

// WrapBackend returns an instrumented backend that emits traces, metrics, and logs.
func WrapBackend(inner strand.Backend, model string, inst *Instruments) *ObservedBackend {
	return &ObservedBackend{inner: inner, inst: inst, model: model}
}

var _ strand.Backend = (*ObservedBackend)(nil)

func (o *ObservedBackend) Name() string                 { return o.inner.Name() }
func (o *ObservedBackend) CountTokens(text string) int  { return o.inner.CountTokens(text) }
func (o *ObservedBackend) ContextLimit() int            { return o.inner.ContextLimit() }
func (o *ObservedBackend) SupportsEmbeddings() bool     { return o.inner.SupportsEmbeddings() }
func (o *ObservedBackend) SupportsModelManagement() bool { return o.inner.SupportsModelManagement() }
func (o *ObservedBackend) Disconnect() error            { return o.inner.Disconnect() }

func (o *ObservedBackend) EmbeddingDimensions(model string) int {
	return o.inner.EmbeddingDimensions(model)
}

func (o *ObservedBackend) PullModel(ctx context.Context, name string, sink func(strand.PullProgress)) error {
	return o.inner.PullModel(ctx, name, sink)
}

func (o *ObservedBackend) DeleteModel(ctx context.Context, name string) error {
	return o.inner.DeleteModel(ctx, name)
}

func (o *ObservedBackend) ShowModel(ctx context.Context, name string) (strand.ModelInfo, error) {
	return o.inner.ShowModel(ctx, name)
}

func (o *ObservedBackend) ListModels(ctx context.Context, detailed bool) ([]strand.ModelInfo, error) {
	return o.inner.ListModels(ctx, detailed)
}

// WithConfig rebinds the inner backend and keeps the wrapper, so clones
// stay instrumented.
func (o *ObservedBackend) WithConfig(cfg strand.NormalizedConfig) strand.Backend {
	return &ObservedBackend{inner: o.inner.WithConfig(cfg), inst: o.inst, model: cfg.Model}
}

func (o *ObservedBackend) Execute(ctx context.Context, turn strand.TurnContext) (strand.Response, error) {
	spanAttrs := []trace.SpanStartOption{
		trace.WithAttributes(
			AttrLLMModel.String(o.model),
			AttrLLMBackend.String(o.inner.Name()),
		),
	}
	spanName := "llm.execute"
	method := "execute"
	if len(turn.Tools) > 0 {
		toolNames := make([]string, len(turn.Tools))
		for i, t := range turn.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs, trace.WithAttributes(
			AttrToolCount.Int(len(turn.Tools)),
			AttrToolNames.StringSlice(toolNames),
		))
		spanName = "llm.execute_with_tools"
		method = "execute_with_tools"
	}

	ctx, span := o.inst.Tracer.Start(ctx, spanName, spanAttrs...)
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Execute(ctx, turn)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.record(ctx, span, method, status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedBackend) StreamExecute(ctx context.Context, turn strand.TurnContext, sink strand.StreamSink) (strand.Response, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.stream_execute", trace.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMBackend.String(o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	// Wrap the sink to count chunks. Sinks are called from the driver's
	// goroutine, so no synchronization is needed beyond the call order.
	chunks := 0
	counted := func(text string, kind strand.ChunkKind) {
		chunks++
		sink(text, kind)
	}

	resp, err := o.inner.StreamExecute(ctx, turn, counted)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, span, "stream_execute", status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedBackend) GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	embedModel := model
	if embedModel == "" {
		embedModel = o.model
	}
	ctx, span := o.inst.Tracer.Start(ctx, "llm.embed", trace.WithAttributes(
		AttrLLMModel.String(embedModel),
		AttrLLMBackend.String(o.inner.Name()),
		AttrEmbedTextCount.Int(len(texts)),
		AttrEmbedDimensions.Int(o.inner.EmbeddingDimensions(model)),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.GenerateEmbeddings(ctx, texts, model)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	attrs := metric.WithAttributes(
		AttrLLMModel.String(embedModel),
		AttrLLMBackend.String(o.inner.Name()),
	)

	o.inst.EmbedRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(embedModel),
		AttrLLMBackend.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.EmbedDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec strandlog.Record
	rec.SetSeverity(strandlog.SeverityInfo)
	rec.SetBody(strandlog.StringValue("embedding completed"))
	rec.AddAttributes(
		strandlog.String("llm.model", embedModel),
		strandlog.String("llm.backend", o.inner.Name()),
		strandlog.Int("llm.embed.text_count", len(texts)),
		strandlog.Float64("llm.duration_ms", durationMs),
		strandlog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

func (o *ObservedBackend) record(ctx context.Context, span trace.Span, method, status string, durationMs float64, usage strand.Usage) {
	cost := o.inst.Cost.Calculate(o.model, usage.PromptTokens, usage.CompletionTokens)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMBackend.String(o.inner.Name()),
		AttrLLMMethod.String(method),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.PromptTokens),
		AttrTokensOutput.Int(usage.CompletionTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.PromptTokens), metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMBackend.String(o.inner.Name()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.CompletionTokens), metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMBackend.String(o.inner.Name()),
		attribute.String("direction", "output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMBackend.String(o.inner.Name()),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)

	// Structured log
	var rec strandlog.Record
	rec.SetSeverity(strandlog.SeverityInfo)
	rec.SetBody(strandlog.StringValue("llm call completed"))
	rec.AddAttributes(
		strandlog.String("llm.model", o.model),
		strandlog.String("llm.backend", o.inner.Name()),
		strandlog.String("llm.method", method),
		strandlog.Int("llm.tokens.input", usage.PromptTokens),
		strandlog.Int("llm.tokens.output", usage.CompletionTokens),
		strandlog.Float64("llm.cost_usd", cost),
		strandlog.Float64("llm.duration_ms", durationMs),
		strandlog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}
