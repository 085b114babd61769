package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracer installs an in-memory tracer provider as the global one for the
// duration of the test. Callers must not run in parallel.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
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

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	exp := useTracer(t)
	seen := make(map[string]bool)
	for range 20 {
		ctx, span := StartSpan(context.Background(), "refine batch")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("correlation id %q is not 32 hex digits", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation id %s", cid)
		}
		seen[cid] = true
	}
	if got := len(exp.GetSpans()); got != 20 {
		t.Errorf("exported %d spans, want 20", got)
	}
	if name := exp.GetSpans()[0].Name; name != "refine batch" {
		t.Errorf("span name = %q", name)
	}
}

func TestLogger(t *testing.T) {
	useTracer(t)

	var attached, fallback bytes.Buffer
	own := slog.New(slog.NewTextHandler(&attached, nil))
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&fallback, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	Logger(context.Background()).Info("no span")
	if out := fallback.String(); !strings.Contains(out, "no span") || strings.Contains(out, "trace_id") {
		t.Errorf("default logger output = %q", out)
	}

	ctx, span := StartSpan(ContextWithLogger(context.Background(), own), "unit")
	defer span.End()
	Logger(ctx).Info("with span")

	out := attached.String()
	if !strings.Contains(out, "with span") {
		t.Fatalf("attached logger not used, got %q", out)
	}
	if !strings.Contains(out, "trace_id="+CorrelationID(ctx)) || !strings.Contains(out, "span_id=") {
		t.Errorf("log line missing span fields: %q", out)
	}
	if strings.Contains(fallback.String(), "with span") {
		t.Error("default logger used despite attached logger")
	}
}
