// Package telemetry defines the logging, metrics and tracing interfaces used
// by the chat runtime packages, with implementations backed by
// goa.design/clue/log and OpenTelemetry plus no-op fallbacks for tests.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log messages. keyvals are alternating string
	// keys and values.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers. tags are alternating keys and
	// values.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// Tracer starts spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is the subset of an OpenTelemetry span used by the runtime.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}

	// Telemetry bundles the three instruments so components take a single
	// dependency.
	Telemetry struct {
		Logger  Logger
		Metrics Metrics
		Tracer  Tracer
	}
)

// Metric names recorded by the runtime.
const (
	MetricChatRequests   = "lackey.chat.requests"
	MetricChatFailures   = "lackey.chat.failures"
	MetricChatDuration   = "lackey.chat.duration"
	MetricFramesWritten  = "lackey.stream.frames"
	MetricToolCalls      = "lackey.tool.calls"
	MetricToolDuration   = "lackey.tool.duration"
	MetricMalformedFrame = "lackey.stream.malformed"
)

// NewClue returns a Telemetry backed by clue and the global OpenTelemetry
// providers.
func NewClue() Telemetry {
	return Telemetry{Logger: NewClueLogger(), Metrics: NewClueMetrics(), Tracer: NewClueTracer()}
}

// NewNoop returns a Telemetry that discards everything.
func NewNoop() Telemetry {
	return Telemetry{Logger: NewNoopLogger(), Metrics: NewNoopMetrics(), Tracer: NewNoopTracer()}
}

// WithDefaults fills nil instruments with no-op implementations.
func (t Telemetry) WithDefaults() Telemetry {
	if t.Logger == nil {
		t.Logger = NewNoopLogger()
	}
	if t.Metrics == nil {
		t.Metrics = NewNoopMetrics()
	}
	if t.Tracer == nil {
		t.Tracer = NewNoopTracer()
	}
	return t
}
