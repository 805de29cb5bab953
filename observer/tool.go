package observer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/strandlabs/strand"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	strandlog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedTool wraps a strand.Tool with OTEL instrumentation.
type ObservedTool struct {
	inner strand.Tool
	inst  *Instruments
}

// WrapTool returns an instrumented tool.
func WrapTool(inner strand.Tool, inst *Instruments) *ObservedTool {
	return &ObservedTool{inner: inner, inst: inst}
}

var _ strand.Tool = (*ObservedTool)(nil)

func (o *ObservedTool) Definitions() []strand.ToolDefinition {
	return o.inner.Definitions()
}

func (o *ObservedTool) Execute(ctx context.Context, name string, args json.RawMessage) (strand.ToolResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Execute(ctx, name, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if result.Error != "" {
		status = "tool_error"
	}
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result.Content)),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	// Structured log
	var rec strandlog.Record
	rec.SetSeverity(strandlog.SeverityInfo)
	rec.SetBody(strandlog.StringValue("tool executed"))
	rec.AddAttributes(
		strandlog.String("tool.name", name),
		strandlog.String("tool.status", status),
		strandlog.Int("tool.result_length", len(result.Content)),
		strandlog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}
