package cmd

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
)

const serviceName = "cdpctl"

// newLogTracerProvider returns a tracer provider that writes every finished
// span to logger.
func newLogTracerProvider(logger logrus.FieldLogger) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(&logSpanExporter{logger: logger}),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)
}

type logSpanExporter struct {
	logger logrus.FieldLogger
}

func (e *logSpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		fields := logrus.Fields{
			"trace_id": s.SpanContext().TraceID().String(),
			"span_id":  s.SpanContext().SpanID().String(),
			"duration": s.EndTime().Sub(s.StartTime()).String(),
			"status":   s.Status().Code.String(),
		}
		for _, kv := range s.Attributes() {
			fields[string(kv.Key)] = kv.Value.Emit()
		}
		e.logger.WithFields(fields).Info(s.Name())
	}
	return nil
}

func (e *logSpanExporter) Shutdown(context.Context) error { return nil }
