package observe

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// recorder captures the response status and notices connection hijacks.
type recorder struct {
	http.ResponseWriter
	status   int
	onHijack func()
	hijacked bool
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through.
func (r *recorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("observe: %T cannot hijack", r.ResponseWriter)
	}
	conn, rw, err := h.Hijack()
	if err != nil {
		return nil, nil, err
	}
	r.status = http.StatusSwitchingProtocols
	r.hijacked = true
	if r.onHijack != nil {
		r.onHijack()
	}
	return conn, rw, nil
}

// Unwrap exposes the wrapped writer to [http.ResponseController].
func (r *recorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// routeLabel keeps metric cardinality bounded by preferring the mux pattern.
// Unmatched paths collapse to a single label.
func routeLabel(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return "unmatched"
}

// spanName is the matched pattern when it names the method, else the method
// and route label.
func spanName(r *http.Request) string {
	if strings.Contains(r.Pattern, " ") {
		return r.Pattern
	}
	return r.Method + " " + routeLabel(r)
}

// quietPaths log at debug level.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
}

// Middleware traces every request, echoes the trace ID as X-Correlation-ID
// and attaches log to the request context for [Logger]. Plain requests are
// recorded in [Metrics.HTTPRequestDuration]; upgraded ones are counted in
// [Metrics.WebSocketConnections] for as long as the handler runs and are
// logged with their lifetime once it returns. A nil log uses [slog.Default].
func Middleware(m *Metrics, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))
			ctx = ContextWithLogger(ctx, log)
			r = r.WithContext(ctx)

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			var wsAttrs metric.MeasurementOption
			rec.onHijack = func() {
				wsAttrs = metric.WithAttributes(attribute.String("path", routeLabel(r)))
				m.WebSocketConnections.Add(ctx, 1, wsAttrs)
			}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			route := routeLabel(r)
			span.SetName(spanName(r))
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))

			if rec.hijacked {
				Logger(ctx).LogAttrs(ctx, slog.LevelInfo, "websocket closed",
					slog.String("path", r.URL.Path),
					slog.String("remote", r.RemoteAddr),
					slog.Duration("lifetime", elapsed),
				)
				m.WebSocketConnections.Add(ctx, -1, wsAttrs)
				return
			}

			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", route),
					attribute.String("status", strconv.Itoa(rec.status)),
				),
			)
			level := slog.LevelInfo
			if quietPaths[r.URL.Path] {
				level = slog.LevelDebug
			}
			Logger(ctx).LogAttrs(ctx, level, "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
