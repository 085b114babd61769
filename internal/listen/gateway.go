package listen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/listenpipe/internal/observe"
	"github.com/MrWong99/listenpipe/pkg/audio"
	"github.com/MrWong99/listenpipe/pkg/provider/stt"
)

// GatewayOption configures a [Gateway].
type GatewayOption func(*Gateway)

// WithLanguage sets the language hint sent with every unit. Default: "ko".
func WithLanguage(lang string) GatewayOption {
	return func(g *Gateway) { g.language = lang }
}

// WithTempDir sets the directory for transient WAV files. Empty means
// [os.TempDir].
func WithTempDir(dir string) GatewayOption {
	return func(g *Gateway) { g.tempDir = dir }
}

// WithTranscriptionTimeout bounds each engine call. Zero disables the bound.
func WithTranscriptionTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.timeout = d }
}

// WithEngineName sets the provider label used in metrics. Default: "stt".
func WithEngineName(name string) GatewayOption {
	return func(g *Gateway) { g.engineName = name }
}

// WithGatewayMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithGatewayMetrics(m *observe.Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// Gateway packages units as 16 kHz mono 16-bit WAV files, calls the
// transcription engine and parses its answer. It is safe for concurrent use.
type Gateway struct {
	engine     stt.Provider
	language   string
	tempDir    string
	timeout    time.Duration
	engineName string
	metrics    *observe.Metrics
}

// NewGateway returns a Gateway that transcribes with engine.
func NewGateway(engine stt.Provider, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		engine:     engine,
		language:   "ko",
		engineName: "stt",
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Transcribe sends u to the engine. Errors are [*TranscriptionError] values
// matching [ErrTranscriptionFailed]. The transient file is removed on every
// path.
func (g *Gateway) Transcribe(ctx context.Context, u Unit) (TranscriptionResult, error) {
	ctx, span := observe.StartSpan(ctx, "listen.transcribe")
	defer span.End()
	span.SetAttributes(
		attribute.String("unit.id", u.ID),
		attribute.Int64("unit.duration_ms", u.Duration.Milliseconds()),
	)

	start := time.Now()
	res, err := g.transcribe(ctx, u)
	g.metrics.RecordTranscription(ctx, time.Since(start), err)
	g.metrics.RecordProviderRequest(ctx, g.engineName, "stt", observe.Status(err))
	if err != nil {
		g.metrics.RecordProviderError(ctx, g.engineName, "stt")
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		return TranscriptionResult{}, &TranscriptionError{UnitID: u.ID, Seq: u.Seq, Err: err}
	}

	observe.Logger(ctx).Debug("unit transcribed",
		"unit_id", u.ID,
		"duration_ms", u.Duration.Milliseconds(),
		"chars", len([]rune(res.Text)),
		"latency", time.Since(start),
	)
	return res, nil
}

func (g *Gateway) transcribe(ctx context.Context, u Unit) (TranscriptionResult, error) {
	if len(u.Samples) == 0 {
		return TranscriptionResult{}, errors.New("empty unit")
	}

	path, err := g.writeContainer(u.Samples)
	if path != "" {
		defer func() {
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				slog.Warn("listen: remove transient audio", "path", path, "error", rmErr)
			}
		}()
	}
	if err != nil {
		return TranscriptionResult{}, err
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	out, err := g.engine.Transcribe(ctx, stt.Request{
		AudioPath:  path,
		Language:   g.language,
		SampleRate: audio.SampleRate,
	})
	if err != nil {
		return TranscriptionResult{}, err
	}
	if math.IsNaN(out.Confidence) || out.Confidence < 0 || out.Confidence > 1 {
		return TranscriptionResult{}, fmt.Errorf("%w: confidence %v out of range", stt.ErrMalformedResponse, out.Confidence)
	}

	return TranscriptionResult{
		ID:           uuid.NewString(),
		Text:         strings.TrimSpace(out.Text),
		Timestamp:    u.Timestamp,
		Confidence:   out.Confidence,
		SourceUnitID: u.ID,
		Seq:          u.Seq,
		SessionID:    u.SessionID,
	}, nil
}

// writeContainer writes samples to a fresh temp file and returns its path.
// The path is returned even on write errors so the caller can remove it.
func (g *Gateway) writeContainer(samples []float32) (string, error) {
	f, err := os.CreateTemp(g.tempDir, "listenpipe-*.wav")
	if err != nil {
		return "", fmt.Errorf("create transient audio: %w", err)
	}
	path := f.Name()

	if err := audio.WriteWAV(f, audio.Float32ToPCM16(samples), audio.SampleRate); err != nil {
		_ = f.Close()
		return path, err
	}
	if err := f.Close(); err != nil {
		return path, fmt.Errorf("close transient audio: %w", err)
	}
	return path, nil
}
