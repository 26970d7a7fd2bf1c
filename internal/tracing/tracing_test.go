package tracing

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "cogspace-api"})
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestSampler(t *testing.T) {
	cases := map[float64]string{
		1:   sdktrace.AlwaysSample().Description(),
		2:   sdktrace.AlwaysSample().Description(),
		0:   sdktrace.NeverSample().Description(),
		0.5: sdktrace.TraceIDRatioBased(0.5).Description(),
	}
	for rate, want := range cases {
		if got := Sampler(rate).Description(); got != want {
			t.Errorf("Sampler(%v) = %s, want %s", rate, got, want)
		}
	}
}

func TestTraceID(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Fatalf("TraceID() without span = %q, want empty", got)
	}

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	span.End()

	if got := TraceID(ctx); len(got) != 32 {
		t.Fatalf("TraceID() = %q, want 32 hex chars", got)
	}
	if len(recorder.Ended()) != 1 {
		t.Fatalf("expected one recorded span, got %d", len(recorder.Ended()))
	}
}
