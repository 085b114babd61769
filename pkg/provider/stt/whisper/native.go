// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/listenpipe/pkg/audio"
	"github.com/MrWong99/listenpipe/pkg/provider/stt"
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider implements stt.Provider using whisper.cpp Go bindings
// (CGO), eliminating HTTP overhead entirely. The model is loaded once at
// startup and shared across all calls.
type NativeProvider struct {
	model    whisperlib.Model
	language string

	// sem bounds concurrent inference; each call holds a whisper context.
	sem chan struct{}

	closeOnce sync.Once
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language used when a request carries no hint.
// Defaults to "ko".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeConcurrency sets how many inferences may run at once. Defaults to 1.
func WithNativeConcurrency(n int) NativeOption {
	return func(p *NativeProvider) {
		if n > 0 {
			p.sem = make(chan struct{}, n)
		}
	}
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. The caller must call Close when the provider is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("whisper: model file: %w", err)
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:    model,
		language: defaultLanguage,
		sem:      make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Safe to call more than once.
func (p *NativeProvider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		if p.model != nil {
			err = p.model.Close()
		}
	})
	return err
}

// Transcribe decodes the WAV file at req.AudioPath and runs in-process
// inference on a fresh whisper context. Confidence is the mean token
// probability across all segments.
func (p *NativeProvider) Transcribe(ctx context.Context, req stt.Request) (stt.Result, error) {
	f, err := os.Open(req.AudioPath)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: open audio: %w", err)
	}
	frame, err := audio.DecodeWAV(f)
	f.Close()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: %w", err)
	}
	var conv audio.FormatConverter
	samples := conv.Convert(frame)

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return stt.Result{}, fmt.Errorf("whisper: wait for inference slot: %w", ctx.Err())
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}
	return p.infer(ctx, samples, lang)
}

func (p *NativeProvider) infer(ctx context.Context, samples []float32, lang string) (stt.Result, error) {
	// Each context is NOT thread-safe, but the model can be shared across goroutines.
	wctx, err := p.model.NewContext()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "error", err)
	}

	if err := ctx.Err(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: %w", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var segments []whisperlib.Segment
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		segments = append(segments, segment)
	}
	return summarize(segments), nil
}

// summarize joins the non-blank segment texts and averages the token
// probabilities. Bracketed non-speech markers such as "[BLANK_AUDIO]" are
// dropped so silence yields an empty transcript.
func summarize(segments []whisperlib.Segment) stt.Result {
	var (
		parts  []string
		sumP   float64
		tokens int
	)
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" || nonSpeech(text) {
			continue
		}
		parts = append(parts, text)
		for _, tok := range seg.Tokens {
			sumP += float64(tok.P)
			tokens++
		}
	}

	res := stt.Result{Text: strings.Join(parts, " ")}
	if tokens > 0 {
		res.Confidence = sumP / float64(tokens)
	}
	return res
}
