// Package audio holds the audio value types that cross the boundary between
// the real-time capture side and the listening pipeline, plus the sample
// conversions and WAV container handling both sides need.
//
// Everything in this package is pure data manipulation. Nothing here blocks
// or fails on well-formed input.
package audio

import (
	"time"
)

// SampleRate is the fixed rate of the pipeline's mono sample stream in Hz.
const SampleRate = 16000

// TriggerReason records which flush condition produced a [Chunk].
type TriggerReason string

const (
	// TriggerSilence means the chunk ended after a run of sub-threshold samples.
	TriggerSilence TriggerReason = "silence"

	// TriggerMaxLength means the chunk hit the hard length cap while speech
	// was still ongoing.
	TriggerMaxLength TriggerReason = "maxLength"
)

// Valid reports whether r is one of the known trigger reasons.
func (r TriggerReason) Valid() bool {
	return r == TriggerSilence || r == TriggerMaxLength
}

// Chunk is a silence-bounded or length-bounded span of mono samples.
//
// Chunks are immutable once created: producers hand them over a channel and
// never touch Samples again. Consumers must not modify Samples either.
type Chunk struct {
	// ID uniquely identifies the chunk.
	ID string

	// Samples are mono float samples in [-1, 1] at [SampleRate].
	Samples []float32

	// Timestamp is the capture time of the first sample.
	Timestamp time.Time

	// Duration is the audio length covered by Samples.
	Duration time.Duration

	// Trigger is the flush condition that produced this chunk.
	Trigger TriggerReason
}

// DurationMs returns the chunk duration in whole milliseconds.
func (c Chunk) DurationMs() int64 {
	return c.Duration.Milliseconds()
}

// ChunkMessage is the wire form of a chunk produced outside the process (for
// example by a browser-side segmenter). Data holds little-endian IEEE-754
// float32 samples at [SampleRate].
type ChunkMessage struct {
	Data       []byte        `json:"data"`
	Timestamp  time.Time     `json:"timestamp"`
	DurationMs int64         `json:"duration_ms"`
	Trigger    TriggerReason `json:"trigger_reason"`
}

// Frame is a block of interleaved float samples in an arbitrary format,
// as decoded from an incoming container before normalisation.
type Frame struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// SamplesDuration returns the playback duration of n mono samples at rate.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// DurationSamples returns the number of mono samples covering d at rate.
func DurationSamples(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}
