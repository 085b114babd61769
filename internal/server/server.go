// Package server exposes the listening pipeline over HTTP and WebSocket.
//
// Routes:
//
//   - POST /v1/session/start, POST /v1/session/stop, GET /v1/session
//   - GET /v1/questions, DELETE /v1/questions
//   - GET /v1/sessions/{id}/questions (requires a [QuestionLog])
//   - GET /ws/feed: audio in (WAV, raw float32 or JSON chunk envelopes)
//   - GET /ws/events: pipeline events out, one JSON object per message
//   - /healthz, /readyz, /metrics
//
// Every route is wrapped in [observe.Middleware].
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/listenpipe/internal/health"
	"github.com/MrWong99/listenpipe/internal/listen"
	"github.com/MrWong99/listenpipe/internal/observe"
	"github.com/MrWong99/listenpipe/pkg/audio"
)

const (
	defaultReadLimit    = 8 << 20
	defaultEventBuffer  = 64
	defaultWriteTimeout = 5 * time.Second
	shutdownTimeout     = 10 * time.Second
)

// Session is the pipeline surface the server drives. [*listen.Controller]
// implements it.
type Session interface {
	listen.ChunkSink
	Start(ctx context.Context)
	Stop(ctx context.Context)
	State() listen.StateSnapshot
	Questions() []listen.DetectedQuestion
	ClearQuestions()
	Offer(msg audio.ChunkMessage) error
}

var _ Session = (*listen.Controller)(nil)

// QuestionLog looks up the questions recorded for past sessions.
type QuestionLog interface {
	Questions(ctx context.Context, sessionID string) ([]listen.DetectedQuestion, error)
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics sets the metrics used by the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth mounts h on /healthz and /readyz. Without it both probes
// answer 200 unconditionally.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithQuestionLog enables GET /v1/sessions/{id}/questions.
func WithQuestionLog(l QuestionLog) Option {
	return func(s *Server) { s.questionLog = l }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithSegmenterOptions configures the per-connection segmenter used for
// raw and WAV audio on /ws/feed.
func WithSegmenterOptions(opts ...listen.SegmenterOption) Option {
	return func(s *Server) { s.segmenter = append(s.segmenter, opts...) }
}

// WithReadLimit caps the size of a single WebSocket message. Default: 8 MiB.
func WithReadLimit(n int64) Option {
	return func(s *Server) { s.readLimit = n }
}

// WithEventBuffer sets the per-subscriber buffer of /ws/events. A slow
// client misses events once its buffer is full. Default: 64.
func WithEventBuffer(n int) Option {
	return func(s *Server) { s.eventBuffer = n }
}

// WithTLS serves HTTPS with the given certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithMetricsHandler replaces the /metrics handler. Default:
// [promhttp.Handler].
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// Server is the HTTP front of one pipeline.
type Server struct {
	session        Session
	bus            *listen.Bus
	metrics        *observe.Metrics
	health         *health.Handler
	questionLog    QuestionLog
	log            *slog.Logger
	segmenter      []listen.SegmenterOption
	readLimit      int64
	eventBuffer    int
	certFile       string
	keyFile        string
	metricsHandler http.Handler

	handler http.Handler
}

// New builds a Server for session. Events published on bus are streamed to
// /ws/events subscribers.
func New(session Session, bus *listen.Bus, opts ...Option) *Server {
	s := &Server{
		session:     session,
		bus:         bus,
		readLimit:   defaultReadLimit,
		eventBuffer: defaultEventBuffer,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session/start", s.handleStart)
	mux.HandleFunc("POST /v1/session/stop", s.handleStop)
	mux.HandleFunc("GET /v1/session", s.handleState)
	mux.HandleFunc("GET /v1/questions", s.handleQuestions)
	mux.HandleFunc("DELETE /v1/questions", s.handleClearQuestions)
	mux.HandleFunc("GET /v1/sessions/{id}/questions", s.handleSessionQuestions)
	mux.HandleFunc("GET /ws/feed", s.handleFeed)
	mux.HandleFunc("GET /ws/events", s.handleEvents)
	mux.Handle("GET /metrics", s.metricsHandler)
	s.health.Register(mux)

	s.handler = observe.Middleware(s.metrics, s.log)(mux)
	return s
}

// Handler returns the instrumented route tree.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. Open WebSocket connections observe the cancellation through
// their request contexts.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is [Server.ListenAndServe] on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.certFile != "" {
			err = srv.ServeTLS(ln, s.certFile, s.keyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()
	s.log.Info("http server listening", "addr", ln.Addr().String(), "tls", s.certFile != "")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

type questionsBody struct {
	SessionID string                   `json:"session_id,omitempty"`
	Questions []listen.DetectedQuestion `json:"questions"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.session.Start(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, s.session.State())
}

// handleStop runs the final batch before answering, so the response carries
// the refined questions.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.session.Stop(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, s.session.State())
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.session.State())
}

func (s *Server) handleQuestions(w http.ResponseWriter, _ *http.Request) {
	qs := s.session.Questions()
	if qs == nil {
		qs = []listen.DetectedQuestion{}
	}
	writeJSON(w, http.StatusOK, questionsBody{SessionID: s.session.State().SessionID, Questions: qs})
}

func (s *Server) handleClearQuestions(w http.ResponseWriter, _ *http.Request) {
	s.session.ClearQuestions()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionQuestions(w http.ResponseWriter, r *http.Request) {
	if s.questionLog == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "question log disabled"})
		return
	}
	id := r.PathValue("id")
	qs, err := s.questionLog.Questions(r.Context(), id)
	if err != nil {
		observe.Logger(r.Context()).Error("question log lookup failed", "session_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "lookup failed"})
		return
	}
	if qs == nil {
		qs = []listen.DetectedQuestion{}
	}
	writeJSON(w, http.StatusOK, questionsBody{SessionID: id, Questions: qs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
