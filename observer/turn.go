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

// WrapTurnHandler instruments a turn job handler. Wrap the engine's RunTurn
// with it before registering on the queue; the span it opens becomes the
// parent for the backend and tool spans emitted inside the turn.
func WrapTurnHandler(handler strand.Handler, inst *Instruments) strand.Handler {
	return func(ctx context.Context, job strand.Job) error {
		ctx, span := inst.Tracer.Start(ctx, "turn.run", trace.WithAttributes(
			AttrConversationID.String(job.Subject),
		))
		defer span.End()
		start := time.Now()

		err := handler(ctx, job)

		durationMs := float64(time.Since(start).Milliseconds())
		status := "ok"
		if ctx.Err() != nil && err != nil {
			status = "cancelled"
			span.SetStatus(codes.Error, "cancelled")
		} else if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(AttrTurnStatus.String(status))

		inst.TurnExecutions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", status),
		))
		inst.TurnDuration.Record(ctx, durationMs, metric.WithAttributes())

		var rec strandlog.Record
		rec.SetSeverity(strandlog.SeverityInfo)
		rec.SetBody(strandlog.StringValue("turn completed"))
		rec.AddAttributes(
			strandlog.String("conversation.id", job.Subject),
			strandlog.String("turn.status", status),
			strandlog.Float64("turn.duration_ms", durationMs),
		)
		inst.Logger.Emit(ctx, rec)

		return err
	}
}
