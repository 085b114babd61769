// Package stt defines the Provider interface for transcription engines.
//
// The listening pipeline hands an engine one finished audio unit at a time:
// a mono 16-bit PCM WAV container on disk plus a language hint. The engine
// returns the recognised text and, when it reports one, a confidence score.
// Engines are request/response; there is no streaming session here.
//
// Implementations must be safe for concurrent use. Several units may be in
// flight at once.
package stt

import (
	"context"
	"errors"
)

// ErrMalformedResponse is wrapped by engines when the backend answered but the
// payload could not be interpreted.
var ErrMalformedResponse = errors.New("stt: malformed engine response")

// Request describes one transcription call.
type Request struct {
	// AudioPath is the path of a RIFF/WAVE container holding mono 16-bit
	// signed little-endian PCM. The caller owns the file and removes it after
	// Transcribe returns; engines must not keep references to it.
	AudioPath string

	// Language is the BCP-47 language hint (e.g. "ko", "ja", "en"). An empty
	// string lets the engine auto-detect, if supported.
	Language string

	// SampleRate is the container's sample rate in Hz.
	SampleRate int
}

// Result is an engine's answer for one Request.
type Result struct {
	// Text is the transcribed speech. May be empty for non-speech audio.
	Text string

	// Confidence is the engine's confidence in [0, 1]. Zero when the engine
	// does not report one.
	Confidence float64
}

// Provider is the abstraction over any transcription engine.
type Provider interface {
	// Transcribe recognises the audio referenced by req. Engine and transport
	// failures are returned as errors; an empty transcript is not an error.
	Transcribe(ctx context.Context, req Request) (Result, error)
}
