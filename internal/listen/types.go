package listen

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the pipeline's failure kinds. Match with [errors.Is].
var (
	// ErrTranscriptionFailed wraps engine errors and malformed engine answers
	// surfaced by the [Gateway].
	ErrTranscriptionFailed = errors.New("listen: transcription failed")

	// ErrRefinementFailed wraps engine errors and unusable answers surfaced by
	// the [Refiner]. Refinement failures never end a session.
	ErrRefinementFailed = errors.New("listen: refinement failed")

	// ErrSessionAborted marks the error event emitted when a transcription
	// failure ends the listening session.
	ErrSessionAborted = errors.New("listen: session aborted")

	// ErrNotListening is returned when audio is fed while the controller is idle.
	ErrNotListening = errors.New("listen: not listening")

	// ErrQueueFull is returned by non-blocking offers when the chunk channel
	// is at capacity. The chunk is dropped.
	ErrQueueFull = errors.New("listen: chunk queue full")
)

// FlushReason records which accumulator condition produced a [Unit].
type FlushReason string

const (
	FlushDuration FlushReason = "duration"
	FlushElapsed  FlushReason = "elapsed"
	FlushWords    FlushReason = "words"
	FlushManual   FlushReason = "manual"
)

// Unit is a coalesced group of chunks handed to the transcription engine as
// one request. Units are immutable once created.
type Unit struct {
	// ID uniquely identifies the unit.
	ID string

	// Seq is the unit's creation order, starting at 1 for each [Accumulator].
	Seq uint64

	// SessionID is the listening session the unit was flushed in.
	SessionID string

	// Samples is the concatenation of the member chunks' samples.
	Samples []float32

	// Timestamp is the capture time of the first member chunk.
	Timestamp time.Time

	// Duration is the total audio length.
	Duration time.Duration

	// EstimatedWords is the rough word count used for the word ceiling.
	EstimatedWords int

	// Reason is the flush condition that produced the unit.
	Reason FlushReason
}

// TranscriptionResult is the engine's answer for one [Unit].
type TranscriptionResult struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
	Confidence   float64   `json:"confidence"`
	SourceUnitID string    `json:"source_unit_id"`
	Seq          uint64    `json:"seq"`
	SessionID    string    `json:"session_id,omitempty"`
}

// DetectedQuestion is a transcription classified as question-like.
//
// RefinedText is the only field that changes after creation. It is written at
// most once, by the [Refiner], and stays empty when refinement fails or was
// skipped.
type DetectedQuestion struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	Confidence  float64   `json:"confidence"`
	RefinedText string    `json:"refined_text,omitempty"`

	// Language is the pattern family that matched ("ko", "ja", "en", ...).
	Language string `json:"language,omitempty"`

	// SourceResultID links back to the [TranscriptionResult].
	SourceResultID string `json:"source_result_id,omitempty"`
}

// Refined reports whether the question has refined text.
func (q DetectedQuestion) Refined() bool {
	return q.RefinedText != ""
}

// Display returns the refined text when present and the original otherwise.
func (q DetectedQuestion) Display() string {
	if q.RefinedText != "" {
		return q.RefinedText
	}
	return q.Text
}

// TranscriptionError is returned by [Gateway.Transcribe]. It matches
// [ErrTranscriptionFailed] and carries the unit it was produced for, so that
// ordered consumers can skip the lost unit.
type TranscriptionError struct {
	UnitID string
	Seq    uint64
	Err    error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("%s: unit %s: %v", ErrTranscriptionFailed, e.UnitID, e.Err)
}

// Unwrap exposes both the sentinel and the engine error.
func (e *TranscriptionError) Unwrap() []error {
	return []error{ErrTranscriptionFailed, e.Err}
}
