package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useRecordingTracer installs an in-memory tracer provider as the global one
// for the duration of the test.
func useRecordingTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestStartUtteranceSpan(t *testing.T) {
	exp := useRecordingTracer(t)

	ctx, span := StartUtteranceSpan(context.Background(), "utt-7", "cmdr-1", "fanout", 3)
	cid := CorrelationID(ctx)
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "relay.utterance" {
		t.Errorf("name = %q, want relay.utterance", got.Name)
	}
	if got.SpanContext.TraceID().String() != cid {
		t.Errorf("CorrelationID = %q, want the span's trace ID %s", cid, got.SpanContext.TraceID())
	}

	want := map[attribute.Key]string{
		"voxrelay.utterance_id": "utt-7",
		"voxrelay.speaker":      "cmdr-1",
		"voxrelay.mode":         "fanout",
		"voxrelay.writers":      "3",
	}
	for _, a := range got.Attributes {
		if w, ok := want[a.Key]; ok {
			if a.Value.Emit() != w {
				t.Errorf("%s = %q, want %q", a.Key, a.Value.Emit(), w)
			}
			delete(want, a.Key)
		}
	}
	for k := range want {
		t.Errorf("span missing attribute %s", k)
	}
}

func TestCorrelationID_NoSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without a span = %q, want empty", got)
	}
}

func TestLogger(t *testing.T) {
	useRecordingTracer(t)

	spanCtx, span := StartSpan(context.Background(), "briefing")
	defer span.End()

	tests := []struct {
		name      string
		ctx       context.Context
		wantTrace bool
	}{
		{"inside span", spanCtx, true},
		{"no span", context.Background(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			base := slog.New(slog.NewTextHandler(&buf, nil)).With("component", "pipeline")

			Logger(tt.ctx, base).Info("pipeline started")

			out := buf.String()
			if !strings.Contains(out, "component=pipeline") {
				t.Errorf("log = %q, want base attributes kept", out)
			}
			hasTrace := strings.Contains(out, "trace_id="+CorrelationID(spanCtx)) && strings.Contains(out, "span_id=")
			if hasTrace != tt.wantTrace {
				t.Errorf("log = %q, trace attributes present = %v, want %v", out, hasTrace, tt.wantTrace)
			}
		})
	}
}

func TestLogger_NilBaseUsesDefault(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	Logger(context.Background(), nil).Info("relay ready")
	if !strings.Contains(buf.String(), "relay ready") {
		t.Errorf("default logger got %q", buf.String())
	}
}
