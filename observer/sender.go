package observer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sluicehq/sluice"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedSender wraps a sluice.Sender with OTEL instrumentation.
type ObservedSender struct {
	inner sluice.Sender
	inst  *Instruments
}

// WrapSender returns an instrumented sender that emits traces, metrics,
// and logs around every logical dispatch.
func WrapSender(inner sluice.Sender, inst *Instruments) *ObservedSender {
	return &ObservedSender{inner: inner, inst: inst}
}

func (o *ObservedSender) Send(ctx context.Context, call sluice.Call) (sluice.ModelResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "dispatch.send", trace.WithAttributes(
		AttrModel.String(call.Model.Name),
		AttrAdapter.String(call.Model.Adapter),
		AttrStream.Bool(call.Stream),
	))
	defer span.End()
	start := time.Now()

	// Count deltas without touching the caller's callback. The winning
	// attempt's delta writes are ordered before Send returns, but hedging
	// runs them on worker goroutines, so the counter stays atomic.
	var deltas atomic.Int64
	if call.Stream && call.OnDelta != nil {
		userDelta := call.OnDelta
		call.OnDelta = func(text string) {
			deltas.Add(1)
			userDelta(text)
		}
	}

	resp, err := o.inner.Send(ctx, call)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		var upstream *sluice.ErrUpstream
		if errors.As(err, &upstream) && upstream.Status == 429 {
			status = "rate_limited"
			o.inst.RateLimited.Add(ctx, 1, metric.WithAttributes(
				AttrModel.String(call.Model.Name),
			))
		}
	}
	if n := deltas.Load(); n > 0 {
		span.SetAttributes(AttrStreamDeltas.Int64(n))
	}

	o.record(ctx, span, call, status, durationMs, resp.Usage)
	return resp, err
}

func (o *ObservedSender) record(ctx context.Context, span trace.Span, call sluice.Call, status string, durationMs float64, usage sluice.Usage) {
	cost := o.inst.Cost.Calculate(call.Model.Name, usage.InputTokens, usage.OutputTokens)

	attrs := metric.WithAttributes(
		AttrModel.String(call.Model.Name),
		AttrAdapter.String(call.Model.Adapter),
	)

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostUSD.Float64(cost),
	)

	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		AttrModel.String(call.Model.Name),
		attrDirection.String("input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		AttrModel.String(call.Model.Name),
		attrDirection.String("output"),
	))
	o.inst.CostTotal.Add(ctx, cost, attrs)
	o.inst.Requests.Add(ctx, 1, metric.WithAttributes(
		AttrModel.String(call.Model.Name),
		AttrAdapter.String(call.Model.Adapter),
		AttrStatus.String(status),
	))
	o.inst.Duration.Record(ctx, durationMs, attrs)

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("dispatch completed"))
	rec.AddAttributes(
		otellog.String("sluice.model", call.Model.Name),
		otellog.String("sluice.adapter", call.Model.Adapter),
		otellog.Int("sluice.tokens.input", usage.InputTokens),
		otellog.Int("sluice.tokens.output", usage.OutputTokens),
		otellog.Float64("sluice.cost_usd", cost),
		otellog.Float64("sluice.duration_ms", durationMs),
		otellog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

var attrDirection = attribute.Key("direction")

// compile-time check
var _ sluice.Sender = (*ObservedSender)(nil)
