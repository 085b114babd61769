package listen

import (
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/listenpipe/pkg/audio"
)

// voiced returns d of a square wave well above the silence threshold.
func voiced(d time.Duration) []float32 {
	n := audio.DurationSamples(d, audio.SampleRate)
	out := make([]float32, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = 0.5
		} else {
			out[i] = -0.5
		}
	}
	return out
}

// silence returns d of zero samples.
func silence(d time.Duration) []float32 {
	return make([]float32, audio.DurationSamples(d, audio.SampleRate))
}

func concat(parts ...[]float32) []float32 {
	var out []float32
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// feedFrames feeds stream in frames of the given size and collects every
// emitted chunk.
func feedFrames(s *Segmenter, stream []float32, frame int) []audio.Chunk {
	var chunks []audio.Chunk
	for off := 0; off < len(stream); off += frame {
		end := min(off+frame, len(stream))
		for c, ok := s.Feed(stream[off:end]); ok; c, ok = s.Feed(nil) {
			chunks = append(chunks, c)
		}
	}
	return chunks
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func chunkOf(samples []float32, ts time.Time) audio.Chunk {
	return audio.Chunk{
		ID:        "c",
		Samples:   samples,
		Timestamp: ts,
		Duration:  audio.SamplesDuration(len(samples), audio.SampleRate),
		Trigger:   audio.TriggerSilence,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recorder is an Observer that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
