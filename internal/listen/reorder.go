package listen

import (
	"cmp"
	"errors"
	"slices"
	"sync"
)

// Reorderer releases transcription results in unit-creation order. Results
// are held until every earlier unit has either completed or been skipped.
//
// The live event stream is not reordered; Reorderer is for consumers that
// need a chronological transcript.
type Reorderer struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]TranscriptionResult
	skipped map[uint64]struct{}
}

// NewReorderer returns a Reorderer expecting sequence number 1 first.
func NewReorderer() *Reorderer {
	return &Reorderer{
		next:    1,
		pending: make(map[uint64]TranscriptionResult),
		skipped: make(map[uint64]struct{}),
	}
}

// Push adds a result and returns every result that is now in order.
func (r *Reorderer) Push(res TranscriptionResult) []TranscriptionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if res.Seq < r.next {
		// Late duplicate or a result from before a Flush.
		return []TranscriptionResult{res}
	}
	r.pending[res.Seq] = res
	return r.releaseLocked()
}

// Skip marks seq as lost (its transcription failed) and returns every result
// that is now in order.
func (r *Reorderer) Skip(seq uint64) []TranscriptionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq < r.next {
		return nil
	}
	r.skipped[seq] = struct{}{}
	return r.releaseLocked()
}

// Observe feeds transcription-completed events and transcription error
// events into the Reorderer and calls release for each result now in order.
func (r *Reorderer) Observe(e Event, release func(TranscriptionResult)) {
	var out []TranscriptionResult
	switch e.Type {
	case EventTranscriptionCompleted:
		if e.Transcription != nil {
			out = r.Push(*e.Transcription)
		}
	case EventError:
		var te *TranscriptionError
		if errors.As(e.Err, &te) {
			out = r.Skip(te.Seq)
		}
	}
	for _, res := range out {
		release(res)
	}
}

// Pending returns how many results are held back.
func (r *Reorderer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush releases every held result in sequence order and resynchronises on
// the highest sequence number seen.
func (r *Reorderer) Flush() []TranscriptionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TranscriptionResult, 0, len(r.pending))
	for _, res := range r.pending {
		out = append(out, res)
	}
	slices.SortFunc(out, func(a, b TranscriptionResult) int {
		return cmp.Compare(a.Seq, b.Seq)
	})
	if n := len(out); n > 0 {
		r.next = out[n-1].Seq + 1
	}
	clear(r.pending)
	clear(r.skipped)
	return out
}

func (r *Reorderer) releaseLocked() []TranscriptionResult {
	var out []TranscriptionResult
	for {
		if res, ok := r.pending[r.next]; ok {
			out = append(out, res)
			delete(r.pending, r.next)
			r.next++
			continue
		}
		if _, ok := r.skipped[r.next]; ok {
			delete(r.skipped, r.next)
			r.next++
			continue
		}
		return out
	}
}
