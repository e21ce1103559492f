// Package otel bridges the observe.Sink to OpenTelemetry tracing.
//
// It converts observe.Event objects into OTel spans so that provider calls,
// circuit transitions, and build progress are visible in any
// OpenTelemetry-compatible backend (Jaeger, Zipkin, Grafana, etc.).
package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/worldloom/genflow/observe"
)

const instrumentationName = "github.com/worldloom/genflow"

// Sink implements observe.Sink by emitting OpenTelemetry spans.
type Sink struct {
	tracer trace.Tracer
}

// NewSink creates an OTel sink using the given TracerProvider.
// If tp is nil, it uses a noop tracer provider.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
	}
}

// Emit converts an observe.Event into an OTel span.
func (s *Sink) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()

	spanName := spanNameFor(event)
	ctx := context.Background()
	startTime := event.Timestamp

	_, span := s.tracer.Start(ctx, spanName, trace.WithTimestamp(startTime))

	attrs := []attribute.KeyValue{
		attribute.String("genflow.event.kind", string(event.Kind)),
	}
	if event.Name != "" {
		attrs = append(attrs, attribute.String("genflow.event.name", event.Name))
	}
	if event.Status != "" {
		attrs = append(attrs, attribute.String("genflow.status", string(event.Status)))
	}
	if event.Endpoint != "" {
		attrs = append(attrs, attribute.String("genflow.endpoint", event.Endpoint))
	}
	if event.Stage != "" {
		attrs = append(attrs, attribute.String("genflow.stage", event.Stage))
	}
	if event.BuildID != "" {
		attrs = append(attrs, attribute.String("genflow.build.id", event.BuildID))
	}
	if event.Pool != "" {
		attrs = append(attrs, attribute.String("genflow.pool", event.Pool))
	}
	if event.Category != "" {
		attrs = append(attrs, attribute.String("genflow.error.category", event.Category))
	}
	if event.Attempt > 0 {
		attrs = append(attrs, attribute.Int("genflow.attempt", event.Attempt))
	}
	if event.Fallback {
		attrs = append(attrs, attribute.Bool("genflow.fallback", true))
	}
	if event.Skipped > 0 {
		attrs = append(attrs, attribute.Int("genflow.skipped", event.Skipped))
	}
	if event.Message != "" {
		attrs = append(attrs, attribute.String("genflow.message", truncate(event.Message, 1024)))
	}
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("genflow.duration_ms", event.DurationMs))
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("genflow.attr."+k, fmt.Sprintf("%v", v)))
	}

	span.SetAttributes(attrs...)

	if event.Status == observe.StatusFailed {
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(fmt.Errorf("%s", event.Error))
		}
	} else if event.Status == observe.StatusCompleted {
		span.SetStatus(codes.Ok, "")
	}

	endTime := startTime
	if event.DurationMs > 0 {
		endTime = startTime.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(endTime))
	return nil
}

func spanNameFor(event observe.Event) string {
	switch event.Kind {
	case observe.KindCall:
		if event.Endpoint != "" {
			return "genflow.call." + event.Endpoint
		}
		return "genflow.call"
	case observe.KindCircuit:
		if event.Endpoint != "" {
			return "genflow.circuit." + event.Endpoint
		}
		return "genflow.circuit"
	case observe.KindRateLimit:
		return "genflow.rate_limit.wait"
	case observe.KindBuild:
		return "genflow.build.progress"
	default:
		if event.Name != "" {
			return "genflow." + event.Name
		}
		return "genflow.event"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
