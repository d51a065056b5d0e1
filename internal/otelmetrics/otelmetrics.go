// Package otelmetrics wires OpenTelemetry counters, histograms, and stdout
// trace/metric exporters around the coordination substrate: submit/claim/
// complete rates, breaker trips, rate-limiter rejections, vote tallies,
// and one span per ask() round-trip tagged with its correlation ID.
package otelmetrics

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// metricExportInterval bounds how often accumulated counters/histograms are
// flushed to the stdout metric exporter.
const metricExportInterval = 15 * time.Second

// Recorder holds the instruments every coordination component reports
// against. Construct one via New and pass it down to the broker, job
// board, and voting engine at wiring time.
type Recorder struct {
	meter  metric.Meter
	tracer trace.Tracer

	messagesSubmitted metric.Int64Counter
	messagesClaimed   metric.Int64Counter
	messagesCompleted metric.Int64Counter
	breakerTrips      metric.Int64Counter
	rateLimitRejects  metric.Int64Counter
	voteTallies       metric.Int64Counter
	askLatency        metric.Float64Histogram

	shutdown func(context.Context) error
}

// New configures a stdout-exporting meter and tracer provider and
// registers every instrument Recorder exposes. The returned Recorder's
// Shutdown flushes and closes both providers.
func New(ctx context.Context, w io.Writer) (*Recorder, error) {
	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	otel.SetTracerProvider(tp)

	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w), stdoutmetric.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create stdout metric exporter: %w", err)
	}
	reader := sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(metricExportInterval))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(mp)

	meter := mp.Meter("github.com/basket/coordd")
	tracer := tp.Tracer("github.com/basket/coordd")

	r := &Recorder{
		meter:  meter,
		tracer: tracer,
		shutdown: func(ctx context.Context) error {
			if err := tp.Shutdown(ctx); err != nil {
				return err
			}
			return mp.Shutdown(ctx)
		},
	}

	if r.messagesSubmitted, err = meter.Int64Counter("coordd.messages.submitted"); err != nil {
		return nil, err
	}
	if r.messagesClaimed, err = meter.Int64Counter("coordd.messages.claimed"); err != nil {
		return nil, err
	}
	if r.messagesCompleted, err = meter.Int64Counter("coordd.messages.completed"); err != nil {
		return nil, err
	}
	if r.breakerTrips, err = meter.Int64Counter("coordd.breaker.trips"); err != nil {
		return nil, err
	}
	if r.rateLimitRejects, err = meter.Int64Counter("coordd.ratelimit.rejections"); err != nil {
		return nil, err
	}
	if r.voteTallies, err = meter.Int64Counter("coordd.votes.tallied"); err != nil {
		return nil, err
	}
	if r.askLatency, err = meter.Float64Histogram("coordd.ask.latency_seconds"); err != nil {
		return nil, err
	}
	return r, nil
}

// Shutdown flushes pending spans/metrics and releases provider resources.
func (r *Recorder) Shutdown(ctx context.Context) error {
	return r.shutdown(ctx)
}

// RecordSubmit increments the submit counter for channel.
func (r *Recorder) RecordSubmit(ctx context.Context, channel string) {
	r.messagesSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordClaim increments the claim counter for agent.
func (r *Recorder) RecordClaim(ctx context.Context, agent string) {
	r.messagesClaimed.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agent)))
}

// RecordComplete increments the completion counter, tagged by outcome
// ("done" or "failed").
func (r *Recorder) RecordComplete(ctx context.Context, outcome string) {
	r.messagesCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordBreakerTrip increments the breaker-trip counter for op.
func (r *Recorder) RecordBreakerTrip(ctx context.Context, op string) {
	r.breakerTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordRateLimitRejection increments the rate-limit rejection counter for
// agent.
func (r *Recorder) RecordRateLimitRejection(ctx context.Context, agent string) {
	r.rateLimitRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agent)))
}

// RecordVoteTally increments the vote-tally counter, tagged by outcome.
func (r *Recorder) RecordVoteTally(ctx context.Context, outcome string) {
	r.voteTallies.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// StartAsk opens a span for one ask() round-trip, tagged with its
// correlation ID. The caller must call the returned func once the round
// trip resolves (reply received or deadline hit), which ends the span and
// records its latency.
func (r *Recorder) StartAsk(ctx context.Context, correlationID string) (context.Context, func(outcome string)) {
	spanCtx, span := r.tracer.Start(ctx, "broker.ask", trace.WithAttributes(attribute.String("correlation_id", correlationID)))
	start := time.Now()
	return spanCtx, func(outcome string) {
		span.SetAttributes(attribute.String("outcome", outcome))
		span.End()
		r.askLatency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
