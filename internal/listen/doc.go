// Package listen implements the listening pipeline: it segments a live mono
// sample stream into chunks, coalesces chunks into transcription units, hands
// each unit to a transcription engine, classifies the resulting text as
// question-like, and periodically refines the accumulated questions with a
// text-generation engine.
//
// Data flows leaves-first:
//
//	Segmenter -> (bounded channel) -> Accumulator -> Gateway -> Detector -> Refiner
//
// The [Controller] owns a [State] and is the only writer to it. The
// [Segmenter] runs on the capture side and talks to the controller through a
// bounded channel of immutable [audio.Chunk] values; no mutable memory crosses
// that boundary.
//
// Transcription calls run concurrently, one goroutine per unit, so results can
// complete out of unit-creation order. Consumers that need chronological order
// should use a [Reorderer].
package listen
