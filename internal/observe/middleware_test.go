package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type mwFixture struct {
	m      *Metrics
	reader *sdkmetric.ManualReader
	spans  *tracetest.InMemoryExporter
	logs   *bytes.Buffer
	log    *slog.Logger
}

// newMWFixture swaps the global tracer; tests using it run sequentially.
func newMWFixture(t *testing.T) *mwFixture {
	t.Helper()
	m, reader := newTestMetrics(t)
	var buf bytes.Buffer
	return &mwFixture{
		m:      m,
		reader: reader,
		spans:  useTracer(t),
		logs:   &buf,
		log:    slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
}

func (f *mwFixture) serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	Middleware(f.m, f.log)(h).ServeHTTP(rec, req)
	return rec
}

func questionsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions/{id}/questions", func(w http.ResponseWriter, r *http.Request) {
		Logger(r.Context()).Info("lookup", "session_id", r.PathValue("id"))
		w.WriteHeader(http.StatusNotFound)
	})
	return mux
}

func TestMiddleware_TracesAndLogs(t *testing.T) {
	f := newMWFixture(t)

	rec := f.serve(questionsMux(), httptest.NewRequest("GET", "/v1/sessions/s-42/questions", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	spans := f.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if got := spans[0].Name; got != "GET /v1/sessions/{id}/questions" {
		t.Errorf("span name = %q", got)
	}
	var status int64
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Errorf("span status attribute = %d, want 404", status)
	}

	cid := rec.Header().Get("X-Correlation-ID")
	if cid != spans[0].SpanContext.TraceID().String() {
		t.Errorf("X-Correlation-ID = %q, want span trace id", cid)
	}
	logs := f.logs.String()
	if !strings.Contains(logs, "session_id=s-42") || !strings.Contains(logs, "trace_id="+cid) {
		t.Errorf("handler log line missing fields: %s", logs)
	}
	if !strings.Contains(logs, `msg="request completed"`) || !strings.Contains(logs, "status=404") {
		t.Errorf("completion line missing: %s", logs)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	f := newMWFixture(t)

	var got string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = CorrelationID(r.Context())
	})
	req := httptest.NewRequest("POST", "/v1/session/start", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := f.serve(h, req)

	const want = "4bf92f3577b34da6a3ce929d0e0e4736"
	if got != want {
		t.Errorf("correlation id = %q, want %q", got, want)
	}
	if h := rec.Header().Get("X-Correlation-ID"); h != want {
		t.Errorf("X-Correlation-ID = %q, want %q", h, want)
	}
	if tp := rec.Header().Get("traceparent"); !strings.Contains(tp, want) {
		t.Errorf("traceparent response header = %q", tp)
	}
}

func TestMiddleware_RequestDurationLabels(t *testing.T) {
	f := newMWFixture(t)

	f.serve(questionsMux(), httptest.NewRequest("GET", "/v1/sessions/a/questions", nil))
	f.serve(questionsMux(), httptest.NewRequest("GET", "/v1/sessions/b/questions", nil))
	f.serve(questionsMux(), httptest.NewRequest("GET", "/nope", nil))

	met := findMetric(collect(t, f.reader), "listenpipe.http.request.duration")
	if met == nil {
		t.Fatal("request duration not recorded")
	}
	counts := make(map[string]uint64)
	for _, dp := range met.Data.(metricdata.Histogram[float64]).DataPoints {
		path, _ := dp.Attributes.Value("path")
		status, _ := dp.Attributes.Value("status")
		counts[path.AsString()+" "+status.AsString()] += dp.Count
	}
	if got := counts["GET /v1/sessions/{id}/questions 404"]; got != 2 {
		t.Errorf("pattern-labelled count = %d, want 2 (all: %v)", got, counts)
	}
	if got := counts["unmatched 404"]; got != 1 {
		t.Errorf("unmatched count = %d, want 1 (all: %v)", got, counts)
	}
}

func TestMiddleware_ProbesLogAtDebug(t *testing.T) {
	f := newMWFixture(t)

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	f.serve(ok, httptest.NewRequest("GET", "/healthz", nil))
	f.serve(ok, httptest.NewRequest("GET", "/v1/session", nil))

	logs := f.logs.String()
	if !strings.Contains(logs, "level=DEBUG") || !strings.Contains(logs, "path=/healthz") {
		t.Errorf("probe not logged at debug: %s", logs)
	}
	if !strings.Contains(logs, "level=INFO") || !strings.Contains(logs, "path=/v1/session") {
		t.Errorf("api request not logged at info: %s", logs)
	}
}

func TestMiddleware_WebSocketGauge(t *testing.T) {
	f := newMWFixture(t)

	accepted := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		close(accepted)
		_, _, _ = conn.Read(r.Context())
	})
	srv := httptest.NewServer(Middleware(f.m, f.log)(mux))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-accepted

	if got := sumValue(t, collect(t, f.reader), "listenpipe.websocket.connections", "path", "GET /ws/events"); got != 1 {
		t.Errorf("open connections = %d, want 1", got)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(5 * time.Second)
	for sumValue(t, collect(t, f.reader), "listenpipe.websocket.connections", "path", "GET /ws/events") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection gauge never returned to zero")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if met := findMetric(collect(t, f.reader), "listenpipe.http.request.duration"); met != nil {
		t.Error("upgraded request recorded as a plain request")
	}
	if !strings.Contains(f.logs.String(), `msg="websocket closed"`) {
		t.Errorf("close not logged: %s", f.logs.String())
	}
}

func TestRecorder_HijackUnsupported(t *testing.T) {
	t.Parallel()
	rec := &recorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	if _, _, err := rec.Hijack(); err == nil {
		t.Error("expected error from non-hijackable writer")
	}
	if rec.hijacked {
		t.Error("failed hijack marked as hijacked")
	}
}
